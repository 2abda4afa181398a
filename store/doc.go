// Package store is the durable shared state of the engine.
//
// It holds script metadata, the job queue, and the user data tables, all
// in one sqlite database reachable by every worker process. The job claim
// is an atomic conditional update guarded by the pending state plus a
// lease timestamp; it is the only cross-worker coordination point in the
// system.
package store
