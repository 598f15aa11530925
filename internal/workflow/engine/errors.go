package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotActive is returned when a run is requested for a workflow whose
	// definition is not active.
	ErrNotActive = errors.New("workflow is not active")

	// ErrNoSteps is returned when a workflow definition declares no steps.
	ErrNoSteps = errors.New("workflow has no steps")

	// ErrBusy is returned when the concurrent-run limit is reached.
	ErrBusy = errors.New("workflow engine at capacity")
)

// noRetryError wraps a step error that must not consume further attempts.
type noRetryError struct{ err error }

func (e *noRetryError) Error() string { return e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// NoRetry marks err as non-retryable: a failing step returning it fails
// immediately regardless of its remaining attempt budget.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryError{err: err}
}

// IsNoRetry reports whether err (or anything it wraps) was marked NoRetry.
func IsNoRetry(err error) bool {
	var nr *noRetryError
	return errors.As(err, &nr)
}

// StepDefError marks a structurally invalid step definition. It is caught at
// run submission, before any step executes.
type StepDefError struct {
	Index  int
	Name   string
	Reason string
}

func (e *StepDefError) Error() string {
	return fmt.Sprintf("step %d (%s): %s", e.Index, e.Name, e.Reason)
}
