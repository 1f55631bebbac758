package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no metadata exists for a call id.
var ErrNotFound = errors.New("call record not found")

// Call completion statuses persisted alongside metadata.
const (
	CallCompleted = "completed"
	CallFailed    = "failed"
)

// CallMetadataStore persists per-call metadata keyed by call id. Merge does a
// deep merge of nested sub-objects so concurrent writers of different fields
// do not clobber each other.
type CallMetadataStore interface {
	Get(ctx context.Context, callID string) (map[string]interface{}, error)
	Merge(ctx context.Context, callID string, patch map[string]interface{}) error
	SetStatus(ctx context.Context, callID, status string) error
}

// Appointment is a booking captured by the book_appointment tool.
type Appointment struct {
	ID        string
	CallID    string
	Contact   string
	Phone     string
	Date      string
	Slot      string
	CreatedAt time.Time
}

// FormSubmission is a form captured by the submit_form tool.
type FormSubmission struct {
	ID        string
	CallID    string
	Contact   string
	Fields    map[string]string
	CreatedAt time.Time
}

// AppointmentStore persists bookings and answers the duplicate/overlap
// questions the tool asks before writing.
type AppointmentStore interface {
	Save(ctx context.Context, a Appointment) error
	ExistsForCall(ctx context.Context, callID string) (bool, error)
	ExistsForContactSlot(ctx context.Context, contact, date, slot string) (bool, error)
	CountAtSlot(ctx context.Context, date, slot string) (int, error)
}

// FormStore persists form submissions with per-call dedup.
type FormStore interface {
	Save(ctx context.Context, f FormSubmission) error
	ExistsForCall(ctx context.Context, callID string) (bool, error)
}

// MemoryStore is an in-process CallMetadataStore used by tests and
// single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]interface{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[string]interface{})}
}

// Get returns a deep copy of the call's metadata.
func (m *MemoryStore) Get(ctx context.Context, callID string) (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(rec), nil
}

// Merge deep-merges the patch into the call's metadata, creating the record
// if absent.
func (m *MemoryStore) Merge(ctx context.Context, callID string, patch map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[callID]
	if !ok {
		rec = make(map[string]interface{})
		m.records[callID] = rec
	}
	deepMerge(rec, patch)
	return nil
}

// SetStatus records the call's completed/failed status.
func (m *MemoryStore) SetStatus(ctx context.Context, callID, status string) error {
	return m.Merge(ctx, callID, map[string]interface{}{"status": status})
}

// deepMerge merges src into dst in place. Nested maps merge recursively;
// everything else overwrites.
func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]interface{})
		dstMap, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		if srcIsMap {
			dst[k] = deepCopy(srcMap)
			continue
		}
		dst[k] = v
	}
}

func deepCopy(src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(src))
	for k, v := range src {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopy(nested)
			continue
		}
		out[k] = v
	}
	return out
}
