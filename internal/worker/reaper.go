package worker

import "errors"

// ErrUnsupported is returned where process isolation is not available
var ErrUnsupported = errors.New("process isolation is not supported on this platform")

// Exit describes one child process that has terminated
type Exit struct {
	PID      int
	Status   int
	Signaled bool
	Signal   string
}

// Clean reports whether the child exited 0 on its own
func (e Exit) Clean() bool {
	return !e.Signaled && e.Status == 0
}

// Reaper collects exited children without blocking
type Reaper interface {
	Reap() ([]Exit, error)
}
