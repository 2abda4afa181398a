package store

import (
	"time"

	"github.com/isdmx/databox/fault"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateTimedOut  JobState = "timed_out"
	StateRejected  JobState = "rejected"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state permits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateRejected, StateCancelled:
		return true
	}
	return false
}

// Script is an immutable transformation script.
type Script struct {
	ID        string
	Name      string
	Source    string
	CreatedAt time.Time
}

// Usage is the resource consumption summary folded into a job record.
type Usage struct {
	PeakRSSBytes  uint64
	CPUSeconds    float64
	Wall          time.Duration
	RowsProcessed int64
}

// Job is one transformation run of a script against a source table.
type Job struct {
	ID        string
	ScriptID  string
	SrcTable  string
	DestTable string
	State     JobState

	ErrorKind fault.Kind
	ErrorMsg  string
	Usage     Usage

	// Attempts counts claim wins, i.e. execution attempt sequences.
	Attempts int

	WorkerID        string
	ClaimedUntil    *time.Time
	CancelRequested bool

	Log string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}
