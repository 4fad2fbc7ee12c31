// Package jobs - Asynchronous job lifecycle for inference work.
//
// A caller submits work and polls for a terminal result; the submit path
// never blocks on inference. Workers publish state transitions to a shared
// store as whole-snapshot replacements, so pollers never observe a torn
// state.
package jobs

import (
	"time"

	"github.com/orchardvision/go-detect/cache"
)

// State is a job lifecycle state.
type State string

const (
	// StatePending means the job is queued but no worker has picked it up.
	StatePending State = "PENDING"
	// StateProcessing means a worker is executing the job.
	StateProcessing State = "PROCESSING"
	// StateSuccess is terminal: the result payload is available.
	StateSuccess State = "SUCCESS"
	// StateFailure is terminal: the error kind and message are available.
	StateFailure State = "FAILURE"
	// StateUnknown is returned for ids the store does not know, including
	// jobs already expired past the retention window. Not an error.
	StateUnknown State = "UNKNOWN"
)

// Terminal reports whether the state is final and immutable.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// ErrorKind is the stable, caller-visible failure classification.
type ErrorKind string

const (
	// ErrKindTimeout means the job exceeded its hard execution limit.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindModelUnavailable means the model artifact could not be loaded.
	ErrKindModelUnavailable ErrorKind = "model_unavailable"
	// ErrKindValidation means the input was rejected before expensive work.
	ErrKindValidation ErrorKind = "validation"
	// ErrKindInternal covers unexpected failures.
	ErrKindInternal ErrorKind = "internal"
)

// Job is an immutable snapshot of one job's state. Only the executing
// worker mutates a job, and it does so by replacing the whole snapshot.
type Job struct {
	ID              string            `json:"id"`
	State           State             `json:"state"`
	ProgressPercent int               `json:"progress_percent"`
	ProgressMessage string            `json:"progress_message"`
	Result          *cache.Prediction `json:"result,omitempty"`
	// BundlePath is set for batch jobs instead of Result.
	BundlePath   string    `json:"bundle_path,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}
