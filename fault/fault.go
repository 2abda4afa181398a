// Package fault defines the error taxonomy shared by the execution core.
//
// Every failure that can terminate a job is classified by a Kind so that
// callers can distinguish script problems (edit the script) from
// infrastructure problems (retry the job) without parsing message text.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a job or attempt failure.
type Kind string

const (
	// PolicyViolation is a static rejection of a script prior to any execution.
	PolicyViolation Kind = "policy_violation"
	// Timeout means the attempt exceeded its wall-clock deadline and was killed.
	Timeout Kind = "timeout"
	// OutOfMemory means the attempt exceeded its memory ceiling and was killed.
	OutOfMemory Kind = "out_of_memory"
	// RuntimeFailure means the script raised, returned an invalid value, or
	// tripped the runtime-level guard inside the child.
	RuntimeFailure Kind = "runtime_failure"
	// ResourceLimitExceeded means the aggregate output across all chunks
	// exceeded the configured ceiling.
	ResourceLimitExceeded Kind = "resource_limit_exceeded"
	// ProcessLost means the child disappeared for reasons outside the
	// engine's control (e.g. killed by the OS).
	ProcessLost Kind = "process_lost"
	// ClaimConflict means another worker won the claim for a job. It is not
	// a failure; callers simply move on to the next pending job.
	ClaimConflict Kind = "claim_conflict"
	// Cancelled means an external cancellation request was honored.
	Cancelled Kind = "cancelled"
)

// Infrastructure reports whether the kind indicates a fault of the engine
// or its environment rather than of the submitted script. Infrastructure
// faults are sensible to retry as-is; script faults are not.
func (k Kind) Infrastructure() bool {
	return k == ProcessLost
}

// Error is a classified failure with a human-readable message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
