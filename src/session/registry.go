package session

import (
	"errors"
	"sync"
)

var (
	// ErrSessionExists is returned when creating a call id already present.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned for lookups and rekeys of unknown ids.
	ErrSessionNotFound = errors.New("session not found")
)

// Registry is the process-wide map of active calls. It is the source of
// truth for "is this call active" and is safe for concurrent use from the
// per-call goroutines and background timers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

// NewRegistry creates an empty registry. One is constructed at process start
// and injected everywhere a session lookup is needed.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*CallSession)}
}

// Create inserts a session under its call id. Idempotency is the caller's
// job; a duplicate id fails with ErrSessionExists.
func (r *Registry) Create(s *CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.CallID]; ok {
		return ErrSessionExists
	}
	r.sessions[s.CallID] = s
	return nil
}

// Get looks up a session by call id.
func (r *Registry) Get(callID string) (*CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Remove deletes a session. Removing an unknown id is a no-op.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	delete(r.sessions, callID)
	r.mu.Unlock()
}

// Rekey atomically replaces a locally generated id with the provider's call
// id once it is known. No concurrent reader ever observes neither entry.
func (r *Registry) Rekey(oldID, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[oldID]
	if !ok {
		return ErrSessionNotFound
	}
	if _, ok := r.sessions[newID]; ok {
		return ErrSessionExists
	}
	delete(r.sessions, oldID)
	s.mu.Lock()
	s.CallID = newID
	s.mu.Unlock()
	r.sessions[newID] = s
	return nil
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveIDs returns a snapshot of the active call ids.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
