package pool

import (
	"errors"
)

// ErrNoCapacity is returned when every credential is saturated. The caller
// should attempt a migration or queue the call for retry, never drop it
// silently.
var ErrNoCapacity = errors.New("all credentials at capacity")

// Credential is one AI-provider API key whose concurrent-connection limit
// the pool enforces.
type Credential struct {
	ID       string `json:"id"`
	APIKey   string `json:"api_key"`
	MaxSlots int    `json:"max_slots"`
}

// Resolver picks a credential with spare capacity for each new call.
type Resolver struct {
	pool  *Pool
	creds []Credential
}

// NewResolver builds a resolver over the given credentials and seeds the
// pool's settings from their limits.
func NewResolver(p *Pool, creds []Credential) *Resolver {
	settings := make(Settings, len(creds))
	for _, c := range creds {
		settings[c.ID] = c.MaxSlots
	}
	p.ReloadSettings(settings)
	return &Resolver{pool: p, creds: creds}
}

// ReserveSlot finds a credential with a free slot and reserves it for the
// call. The check-then-reserve race inside the loop is absorbed by moving on
// to the next credential when AddConnection loses the race.
func (r *Resolver) ReserveSlot(callID string, handle interface{}) (Credential, error) {
	for _, c := range r.creds {
		if !r.pool.CanReserveSlot(c.ID) {
			continue
		}
		err := r.pool.AddConnection(callID, handle, c.ID)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, ErrPoolExhausted) {
			continue
		}
		return Credential{}, err
	}
	return Credential{}, ErrNoCapacity
}

// ReleaseSlot frees the call's reservation. Idempotent.
func (r *Resolver) ReleaseSlot(callID string) {
	r.pool.RemoveConnection(callID)
}

// GetCredentialByID looks up a credential.
func (r *Resolver) GetCredentialByID(id string) (Credential, bool) {
	for _, c := range r.creds {
		if c.ID == id {
			return c, true
		}
	}
	return Credential{}, false
}

// HasFreeCapacity reports whether any credential can take another call.
func (r *Resolver) HasFreeCapacity() bool {
	for _, c := range r.creds {
		if r.pool.CanReserveSlot(c.ID) {
			return true
		}
	}
	return false
}
