package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreGetMissing(t *testing.T) {
	m := NewMemoryStore()
	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDeepMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	if err := m.Merge(ctx, "c1", map[string]interface{}{
		"from": "+15550001",
		"outcome": map[string]interface{}{
			"appointment_booked": true,
		},
	}); err != nil {
		t.Fatalf("merge 1: %v", err)
	}
	if err := m.Merge(ctx, "c1", map[string]interface{}{
		"duration_seconds": 42,
		"outcome": map[string]interface{}{
			"form_submitted": true,
		},
	}); err != nil {
		t.Fatalf("merge 2: %v", err)
	}

	rec, err := m.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec["from"] != "+15550001" {
		t.Errorf("top-level field lost: %v", rec["from"])
	}
	outcome, ok := rec["outcome"].(map[string]interface{})
	if !ok {
		t.Fatalf("outcome not a map: %T", rec["outcome"])
	}
	if outcome["appointment_booked"] != true || outcome["form_submitted"] != true {
		t.Errorf("nested merge clobbered sibling keys: %v", outcome)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.Merge(ctx, "c1", map[string]interface{}{
		"outcome": map[string]interface{}{"x": 1},
	})

	rec, _ := m.Get(ctx, "c1")
	rec["outcome"].(map[string]interface{})["x"] = 999

	again, _ := m.Get(ctx, "c1")
	if again["outcome"].(map[string]interface{})["x"] != 1 {
		t.Fatal("Get must return a copy, not the live record")
	}
}

func TestMemoryStoreSetStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.SetStatus(ctx, "c1", CallCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}
	rec, _ := m.Get(ctx, "c1")
	if rec["status"] != CallCompleted {
		t.Errorf("status = %v, want %s", rec["status"], CallCompleted)
	}
}

func TestMemoryAppointmentStoreQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAppointmentStore()
	s.Save(ctx, Appointment{ID: "a1", CallID: "c1", Contact: "alice", Date: "2026-09-01", Slot: "10:00"})
	s.Save(ctx, Appointment{ID: "a2", CallID: "c2", Contact: "bob", Date: "2026-09-01", Slot: "10:00"})

	if ok, _ := s.ExistsForCall(ctx, "c1"); !ok {
		t.Error("c1 should exist")
	}
	if ok, _ := s.ExistsForCall(ctx, "c9"); ok {
		t.Error("c9 should not exist")
	}
	if ok, _ := s.ExistsForContactSlot(ctx, "alice", "2026-09-01", "10:00"); !ok {
		t.Error("alice holds the slot")
	}
	if ok, _ := s.ExistsForContactSlot(ctx, "alice", "2026-09-01", "11:00"); ok {
		t.Error("alice does not hold 11:00")
	}
	if n, _ := s.CountAtSlot(ctx, "2026-09-01", "10:00"); n != 2 {
		t.Errorf("slot count = %d, want 2", n)
	}
}
