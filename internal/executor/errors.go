package executor

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches any *TimeoutError via errors.Is.
var ErrTimeout = errors.New("task timed out")

type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Task timed out after %d seconds", int(e.Timeout/time.Second))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ExecutionError carries the agent's own failure message verbatim.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }
