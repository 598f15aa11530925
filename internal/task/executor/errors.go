package executor

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped      = errors.New("executor stopped")
	ErrStopping     = errors.New("executor stopping")
	ErrTaskInactive = errors.New("task is not active")
)

// UnknownTypeError is returned when a submission names a task type that is
// not in the registry.
type UnknownTypeError struct{ Type string }

func (e *UnknownTypeError) Error() string { return fmt.Sprintf("unknown task type %q", e.Type) }

// TimeoutError records that a handler exceeded its execution bound.
// For retry purposes (workflow step policy) it counts as a handler failure.
type TimeoutError struct{ Limit time.Duration }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution exceeded timeout %s", e.Limit)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
