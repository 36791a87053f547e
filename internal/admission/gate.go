package admission

import (
	"errors"
	"sync"
)

// ErrUnderflow is returned when a slot is released that was never acquired.
var ErrUnderflow = errors.New("admission: release without matching acquire")

// Gate counts admitted connections against a fixed cap.
// Unlike a blocking semaphore it never waits: a full gate rejects immediately.
type Gate struct {
	mu    sync.Mutex
	count int
	cap   int
}

// New creates a gate admitting at most capacity connections.
func New(capacity int) *Gate {
	return &Gate{cap: capacity}
}

// TryAcquire increments the counter if it is below the cap.
// It reports whether the slot was taken and the count after the call.
func (g *Gate) TryAcquire() (bool, int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.count >= g.cap {
		return false, g.count
	}
	g.count++
	return true, g.count
}

// Release decrements the counter. The counter never goes below zero.
func (g *Gate) Release() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.count == 0 {
		return 0, ErrUnderflow
	}
	g.count--
	return g.count, nil
}

// Count returns the current number of admitted connections.
func (g *Gate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Cap returns the admission cap.
func (g *Gate) Cap() int {
	return g.cap
}
