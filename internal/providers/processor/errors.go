package processor

import (
	"errors"
	"fmt"
	"time"
)

// SubmitError describes a failed submission. Transient errors may be retried,
// honouring RetryAfter when the API provided one.
type SubmitError struct {
	StatusCode int
	Transient  bool
	RetryAfter time.Duration
	Err        error
}

func (e *SubmitError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("processor submit (%s): %v", kind, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// PollError is a status request that produced no usable answer. It is always
// transient from the caller's point of view.
type PollError struct {
	StatusCode int
	Err        error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("processor poll: %v", e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// ClassifySubmit reports whether a Submit error may be retried and how long
// the API asked the caller to wait.
func ClassifySubmit(err error) (bool, time.Duration) {
	var serr *SubmitError
	if errors.As(err, &serr) {
		return serr.Transient, serr.RetryAfter
	}
	return false, 0
}

// State is the normalized state of a remote task.
type State int

const (
	StatePending State = iota
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// PollResult is the translated answer of a status request. AssetURL is set
// for StateComplete and Reason for StateFailed.
type PollResult struct {
	State    State
	AssetURL string
	Reason   string
}
