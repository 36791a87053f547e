//go:build !unix

package worker

import "os"

type unsupportedReaper struct{}

// NewReaper returns the platform reaper
func NewReaper() Reaper {
	return unsupportedReaper{}
}

// Supported reports whether process isolation works on this platform
func Supported() bool {
	return false
}

func (unsupportedReaper) Reap() ([]Exit, error) {
	return nil, ErrUnsupported
}

func childSignals() []os.Signal {
	return nil
}
