package workflow

import (
	"errors"
	"fmt"
)

// PermanentError marks a step failure that must not consume the retry budget
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the runner stops retrying the current step
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

var errBudgetSpent = errors.New("retry budget spent by earlier runs")

// StepError is returned when a step did not complete. Exhausted is set when
// the step may not run again: its budget is spent or it failed permanently.
// Otherwise the run was interrupted and the step can resume later.
type StepError struct {
	Step      string
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err carries a StepError whose step may not run again
func IsExhausted(err error) bool {
	var stepErr *StepError
	return errors.As(err, &stepErr) && stepErr.Exhausted
}
