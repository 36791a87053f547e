package worker

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoPorts is returned when every port pair in the range is reserved
var ErrNoPorts = errors.New("no free rtp port pair")

// PortPool hands out even RTP ports; the RTCP port is always RTP+1
type PortPool struct {
	mu    sync.Mutex
	min   int
	max   int
	next  int
	inUse map[int]bool
}

// NewPortPool creates a pool over [min, max]. min must be even.
func NewPortPool(min, max int) (*PortPool, error) {
	if min%2 != 0 {
		return nil, fmt.Errorf("rtp port range must start on an even port, got %d", min)
	}
	if max <= min {
		return nil, fmt.Errorf("invalid rtp port range %d-%d", min, max)
	}

	return &PortPool{
		min:   min,
		max:   max,
		next:  min,
		inUse: make(map[int]bool),
	}, nil
}

// Acquire reserves the next free pair and returns its RTP port
func (p *PortPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pairs := p.pairs()
	for i := 0; i < pairs; i++ {
		port := p.next
		p.next += 2
		if p.next+1 > p.max {
			p.next = p.min
		}
		if !p.inUse[port] {
			p.inUse[port] = true
			return port, nil
		}
	}
	return 0, ErrNoPorts
}

// Release returns a pair to the pool
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	delete(p.inUse, port)
	p.mu.Unlock()
}

// InUse returns the number of reserved pairs
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Capacity returns the number of pairs in the range
func (p *PortPool) Capacity() int {
	return p.pairs()
}

func (p *PortPool) pairs() int {
	return (p.max - p.min + 1) / 2
}
