package migrate

import (
	"context"
	"sync"
)

// MemoryNumberStore is an in-process NumberStore for tests and single-node
// deployments.
type MemoryNumberStore struct {
	mu      sync.RWMutex
	records map[string]NumberRecord
}

// NewMemoryNumberStore creates an empty store.
func NewMemoryNumberStore() *MemoryNumberStore {
	return &MemoryNumberStore{records: make(map[string]NumberRecord)}
}

// Get returns the record for a number.
func (m *MemoryNumberStore) Get(ctx context.Context, number string) (NumberRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[number]
	if !ok {
		return NumberRecord{}, ErrNumberNotFound
	}
	return rec, nil
}

// Save replaces the record in one step.
func (m *MemoryNumberStore) Save(ctx context.Context, rec NumberRecord) error {
	m.mu.Lock()
	m.records[rec.Number] = rec
	m.mu.Unlock()
	return nil
}

// List returns all records.
func (m *MemoryNumberStore) List(ctx context.Context) ([]NumberRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NumberRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

// ListByAgent returns the records assigned to one agent.
func (m *MemoryNumberStore) ListByAgent(ctx context.Context, agentID string) ([]NumberRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []NumberRecord
	for _, rec := range m.records {
		if rec.AgentID == agentID {
			out = append(out, rec)
		}
	}
	return out, nil
}
