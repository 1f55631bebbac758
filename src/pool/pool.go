package pool

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrPoolExhausted is returned when a reservation would exceed the
	// credential's limit. Recoverable: retry the capacity check or migrate.
	ErrPoolExhausted = errors.New("no free slots on credential")
	// ErrUnknownCredential is returned for credentials with no settings.
	ErrUnknownCredential = errors.New("unknown credential")
)

// Settings maps credential id to its maximum concurrent connections.
type Settings map[string]int

// connection tracks one reserved slot.
type connection struct {
	credentialID string
	handle       interface{}
	lastActive   time.Time
}

// Pool enforces per-credential concurrent-connection limits. Checking
// capacity never mutates state; only AddConnection reserves, so callers must
// treat a check-then-reserve race as recoverable.
type Pool struct {
	mu       sync.RWMutex
	settings Settings
	reserved map[string]int
	conns    map[string]*connection
}

// New creates a pool with the given per-credential limits.
func New(settings Settings) *Pool {
	p := &Pool{
		reserved: make(map[string]int),
		conns:    make(map[string]*connection),
	}
	p.ReloadSettings(settings)
	return p
}

// ReloadSettings replaces the per-credential limits. Existing reservations
// are kept even if they now exceed the new limit; they drain naturally.
func (p *Pool) ReloadSettings(settings Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = make(Settings, len(settings))
	for id, max := range settings {
		p.settings[id] = max
	}
}

// CanReserveSlot reports whether the credential has a free slot under the
// latest loaded settings. Read-only.
func (p *Pool) CanReserveSlot(credentialID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	max, ok := p.settings[credentialID]
	if !ok {
		return false
	}
	return p.reserved[credentialID] < max
}

// AddConnection reserves a slot for the call and stores the reverse lookup.
// Fails with ErrPoolExhausted when the credential is at its limit, which a
// caller racing CanReserveSlot must treat as retryable.
func (p *Pool) AddConnection(callID string, handle interface{}, credentialID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	max, ok := p.settings[credentialID]
	if !ok {
		return ErrUnknownCredential
	}
	if _, dup := p.conns[callID]; dup {
		return nil
	}
	if p.reserved[credentialID] >= max {
		return ErrPoolExhausted
	}
	p.reserved[credentialID]++
	p.conns[callID] = &connection{
		credentialID: credentialID,
		handle:       handle,
		lastActive:   time.Now(),
	}
	return nil
}

// UpdateActivity bumps the call's last-active timestamp. The idle reaper
// that consumes it lives outside the core.
func (p *Pool) UpdateActivity(callID string) {
	p.mu.Lock()
	if c, ok := p.conns[callID]; ok {
		c.lastActive = time.Now()
	}
	p.mu.Unlock()
}

// RemoveConnection releases the call's slot. Idempotent: a second call for
// the same id is a no-op, never a negative count.
func (p *Pool) RemoveConnection(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[callID]
	if !ok {
		return
	}
	delete(p.conns, callID)
	if p.reserved[c.credentialID] > 0 {
		p.reserved[c.credentialID]--
	}
}

// Reserved returns the current reservation count for a credential.
func (p *Pool) Reserved(credentialID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reserved[credentialID]
}

// CredentialFor returns the credential a call is reserved against.
func (p *Pool) CredentialFor(callID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[callID]
	if !ok {
		return "", false
	}
	return c.credentialID, true
}

// IdleSince lists call ids whose last activity is older than the cutoff, for
// the external idle reaper. The pool only does the bookkeeping.
func (p *Pool) IdleSince(cutoff time.Time) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []string
	for id, c := range p.conns {
		if c.lastActive.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}
