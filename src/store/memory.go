package store

import (
	"context"
	"sync"
)

// MemoryAppointmentStore keeps bookings in process memory.
type MemoryAppointmentStore struct {
	mu    sync.RWMutex
	appts []Appointment
}

// NewMemoryAppointmentStore creates an empty appointment store.
func NewMemoryAppointmentStore() *MemoryAppointmentStore {
	return &MemoryAppointmentStore{}
}

// Save appends the booking.
func (m *MemoryAppointmentStore) Save(ctx context.Context, a Appointment) error {
	m.mu.Lock()
	m.appts = append(m.appts, a)
	m.mu.Unlock()
	return nil
}

// ExistsForCall reports whether this call already booked.
func (m *MemoryAppointmentStore) ExistsForCall(ctx context.Context, callID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.appts {
		if a.CallID == callID {
			return true, nil
		}
	}
	return false, nil
}

// ExistsForContactSlot reports whether the contact already holds this slot.
func (m *MemoryAppointmentStore) ExistsForContactSlot(ctx context.Context, contact, date, slot string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.appts {
		if a.Contact == contact && a.Date == date && a.Slot == slot {
			return true, nil
		}
	}
	return false, nil
}

// CountAtSlot counts bookings at a slot.
func (m *MemoryAppointmentStore) CountAtSlot(ctx context.Context, date, slot string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.appts {
		if a.Date == date && a.Slot == slot {
			n++
		}
	}
	return n, nil
}

// All returns a snapshot of saved appointments.
func (m *MemoryAppointmentStore) All() []Appointment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Appointment, len(m.appts))
	copy(out, m.appts)
	return out
}

// MemoryFormStore keeps form submissions in process memory.
type MemoryFormStore struct {
	mu    sync.RWMutex
	forms []FormSubmission
}

// NewMemoryFormStore creates an empty form store.
func NewMemoryFormStore() *MemoryFormStore {
	return &MemoryFormStore{}
}

// Save appends the submission.
func (m *MemoryFormStore) Save(ctx context.Context, f FormSubmission) error {
	m.mu.Lock()
	m.forms = append(m.forms, f)
	m.mu.Unlock()
	return nil
}

// ExistsForCall reports whether this call already submitted.
func (m *MemoryFormStore) ExistsForCall(ctx context.Context, callID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.forms {
		if f.CallID == callID {
			return true, nil
		}
	}
	return false, nil
}

// All returns a snapshot of saved submissions.
func (m *MemoryFormStore) All() []FormSubmission {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FormSubmission, len(m.forms))
	copy(out, m.forms)
	return out
}
