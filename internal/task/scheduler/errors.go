package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrStopped    = errors.New("scheduler executor stopped")
	ErrQueueFull  = errors.New("scheduler executor queue full")
)

// InvalidScheduleError is returned at registration when a schedule expression,
// HH:MM value or timezone cannot be parsed.
type InvalidScheduleError struct {
	Spec string
	Err  error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %v", e.Spec, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

// AlreadyRunningError is returned by Trigger when the job already has a run
// queued or executing.
type AlreadyRunningError struct {
	Name string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("job %q is already running", e.Name)
}

// IsAlreadyRunning reports whether err is an AlreadyRunningError.
func IsAlreadyRunning(err error) bool {
	var e *AlreadyRunningError
	return errors.As(err, &e)
}
