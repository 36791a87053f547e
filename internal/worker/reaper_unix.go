//go:build unix

package worker

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// WaitReaper reaps any exited child of this process with wait4(WNOHANG)
type WaitReaper struct{}

// NewReaper returns the platform reaper
func NewReaper() Reaper {
	return WaitReaper{}
}

// Supported reports whether process isolation works on this platform
func Supported() bool {
	return true
}

// Reap collects every child that has exited since the last call
func (WaitReaper) Reap() ([]Exit, error) {
	var exits []Exit
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.ECHILD) {
				return exits, nil
			}
			return exits, fmt.Errorf("wait4 failed: %w", err)
		}
		if pid <= 0 {
			return exits, nil
		}

		exit := Exit{PID: pid, Status: ws.ExitStatus()}
		if ws.Signaled() {
			exit.Signaled = true
			exit.Signal = ws.Signal().String()
		}
		exits = append(exits, exit)
	}
}

func childSignals() []os.Signal {
	return []os.Signal{unix.SIGCHLD}
}
