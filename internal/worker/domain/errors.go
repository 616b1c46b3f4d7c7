package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrAccountNotFound is returned when the job owner has no account row
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidTransition is returned when a status write does not follow the state machine
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStatusConflict is returned when a compare-and-set status write lost a race
	ErrStatusConflict = errors.New("job status changed concurrently")

	// ErrInvalidMessage is returned when a trigger event cannot be decoded
	ErrInvalidMessage = errors.New("invalid trigger message")

	// ErrWorkflowFailed is returned when a run ended with the job in FAILED
	ErrWorkflowFailed = errors.New("workflow failed")

	// ErrOwnerBusy is returned when another run for the same owner is active
	ErrOwnerBusy = errors.New("owner has an active run")
)

// TransitionError describes a rejected status write
type TransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
