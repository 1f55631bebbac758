package locks

import (
	"sync"
	"time"
)

// GlobalBulkKey serializes bulk migration sweeps system-wide.
const GlobalBulkKey = "bulk-migration"

// Keyed is a registry of fail-fast try-locks keyed by resource id. A second
// acquisition of a held key fails immediately instead of queueing: overlapping
// migrations indicate a bug or a race, not expected contention, so callers
// retry rather than block.
type Keyed struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeyed creates an empty lock registry.
func NewKeyed() *Keyed {
	return &Keyed{held: make(map[string]struct{})}
}

// TryAcquire takes the key if free and reports whether it did.
func (k *Keyed) TryAcquire(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, taken := k.held[key]; taken {
		return false
	}
	k.held[key] = struct{}{}
	return true
}

// AcquireWithRetry tries once, waits, and tries exactly once more. This is
// the single documented retry used by pre-flight verification locks; it never
// degenerates into queueing.
func (k *Keyed) AcquireWithRetry(key string, wait time.Duration) bool {
	if k.TryAcquire(key) {
		return true
	}
	time.Sleep(wait)
	return k.TryAcquire(key)
}

// Release frees the key. Releasing a free key is a no-op.
func (k *Keyed) Release(key string) {
	k.mu.Lock()
	delete(k.held, key)
	k.mu.Unlock()
}

// Held reports whether the key is currently taken.
func (k *Keyed) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, taken := k.held[key]
	return taken
}
