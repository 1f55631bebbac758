package batch

import (
	"context"
	"sync"
)

// MemoryTargetStore is an in-process TargetStore for tests and single-node
// deployments.
type MemoryTargetStore struct {
	mu      sync.RWMutex
	targets map[string][]*Target // campaignID -> ordered targets
}

// NewMemoryTargetStore creates an empty store.
func NewMemoryTargetStore() *MemoryTargetStore {
	return &MemoryTargetStore{targets: make(map[string][]*Target)}
}

// Add seeds targets for a campaign.
func (m *MemoryTargetStore) Add(campaignID string, targets ...Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range targets {
		cp := t
		if cp.Status == "" {
			cp.Status = TargetPending
		}
		m.targets[campaignID] = append(m.targets[campaignID], &cp)
	}
}

// NextPending returns up to limit targets still pending, in insertion order.
func (m *MemoryTargetStore) NextPending(ctx context.Context, campaignID string, limit int) ([]Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Target
	for _, t := range m.targets[campaignID] {
		if t.Status == TargetPending {
			out = append(out, *t)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// SetStatus updates one target's durable status.
func (m *MemoryTargetStore) SetStatus(ctx context.Context, campaignID, targetID string, status TargetStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.targets[campaignID] {
		if t.ID == targetID {
			t.Status = status
			return nil
		}
	}
	return nil
}

// Counts tallies the campaign's targets by status.
func (m *MemoryTargetStore) Counts(ctx context.Context, campaignID string) (Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c Counts
	for _, t := range m.targets[campaignID] {
		switch t.Status {
		case TargetPending:
			c.Pending++
		case TargetInProgress:
			c.InProgress++
		case TargetCompleted:
			c.Completed++
		case TargetFailed:
			c.Failed++
		}
	}
	return c, nil
}
