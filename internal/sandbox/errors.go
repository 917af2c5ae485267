package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout            = errors.New("execution timed out")
	ErrNotFound           = errors.New("path not found in container")
	ErrBackendUnavailable = errors.New("container backend unavailable")
	ErrUnknownContainer   = errors.New("unknown container")
	ErrInvalidRequest     = errors.New("invalid run request")
)

// ExecutionError wraps errors with the task and step that failed.
type ExecutionError struct {
	Task string
	Op   string // The operation that failed
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("task %s: %s: %s", e.Task, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotFound returns true if a requested container path does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
