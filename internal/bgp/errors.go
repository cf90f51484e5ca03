package bgp

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateTask   = errors.New("bgp: task already registered")
	ErrNotFound        = errors.New("bgp: task not found")
	ErrInvalidState    = errors.New("bgp: invalid task state")
	ErrInvalidArgument = errors.New("bgp: invalid argument")
	ErrInvalidSchedule = errors.New("bgp: invalid schedule")
	ErrClosed          = errors.New("bgp: supervisor closed")
)

// ExecutionError describes a failed run. It is handed to Options.OnError and
// published on the bus; the task itself only keeps Err's message.
type ExecutionError struct {
	TaskID string
	Err    error
	// Panic is set when the failure was a recovered panic.
	Panic bool
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("task %q: %v", e.TaskID, e.Err) }
func (e *ExecutionError) Unwrap() error { return e.Err }

// CancellationTimeoutError reports a run that ignored cancellation for the
// whole grace period and was abandoned. The goroutine is leaked until the work returns.
type CancellationTimeoutError struct {
	TaskID string
	Grace  time.Duration
}

func (e *CancellationTimeoutError) Error() string {
	return fmt.Sprintf("task %q did not stop within %s, abandoned", e.TaskID, e.Grace)
}
