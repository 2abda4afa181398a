// Package policy implements the static safety gate for submitted scripts.
//
// A Policy is a versioned, data-driven allow-list: the modules a transform
// script may import plus the attribute and call patterns it may never use.
// The same document is consumed by two independent enforcement points: the
// Validator in this package (before any process is spawned) and the runner
// inside the sandboxed child (at the language-runtime level). Neither layer
// is a substitute for the other.
//
// Validation is pure. It inspects the script's source structure and never
// executes any part of it.
package policy
