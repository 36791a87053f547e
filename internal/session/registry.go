package session

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicate is returned when a session ID is already registered.
	ErrDuplicate = errors.New("session already registered")
	// ErrReleased is returned when adding to a registry that has been released.
	ErrReleased = errors.New("session registry released")
)

// Registry holds the active media sessions of one connection, keyed by session ID
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	released bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add registers a session
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return ErrReleased
	}
	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, s.ID)
	}
	r.sessions[s.ID] = s
	return nil
}

// Get retrieves a session by ID
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[id]
	return s, exists
}

// Remove unregisters a session and returns it
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[id]
	if exists {
		delete(r.sessions, id)
	}
	return s, exists
}

// FindByChannel returns the session whose RTP or RTCP interleaved channel matches
func (r *Registry) FindByChannel(channel uint8) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s.RTPChannel == channel || s.RTCPChannel == channel {
			return s, true
		}
	}
	return nil, false
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions in no particular order
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Release empties the registry, passing every session to hook first, and
// refuses further additions. It returns the number of sessions released.
// Calling it again is a no-op.
func (r *Registry) Release(hook func(*Session)) int {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return 0
	}
	r.released = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		if hook != nil {
			hook(s)
		}
	}
	return len(sessions)
}
