package session

import (
	"sync"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		ok   bool
	}{
		{"connecting to connected", StatusConnecting, StatusConnected, true},
		{"connected to disconnected", StatusConnected, StatusDisconnected, true},
		{"connecting to disconnected", StatusConnecting, StatusDisconnected, true},
		{"connecting to error", StatusConnecting, StatusError, true},
		{"connected to error", StatusConnected, StatusError, true},
		{"error to disconnected", StatusError, StatusDisconnected, true},
		{"connected to connecting", StatusConnected, StatusConnecting, false},
		{"disconnected to connected", StatusDisconnected, StatusConnected, false},
		{"error to connected", StatusError, StatusConnected, false},
		{"self transition", StatusConnected, StatusConnected, false},
	}
	for _, tt := range tests {
		s := New("c1", DirectionInbound, "+15550001", "+15550002")
		s.status = tt.from
		if got := s.SetStatus(tt.to); got != tt.ok {
			t.Errorf("%s: SetStatus = %v, want %v", tt.name, got, tt.ok)
		}
	}
}

func TestToolCallDedup(t *testing.T) {
	s := New("c1", DirectionInbound, "", "")
	if !s.MarkToolCallProcessed("tool-1") {
		t.Fatal("first mark should report new")
	}
	if s.MarkToolCallProcessed("tool-1") {
		t.Fatal("second mark of same id should report duplicate")
	}
	if !s.MarkToolCallProcessed("tool-2") {
		t.Fatal("different id should report new")
	}
}

func TestFirstMessageGuard(t *testing.T) {
	s := New("c1", DirectionOutbound, "", "")
	won := 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkFirstMessageSent() {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Fatalf("%d goroutines won the first-message guard, want exactly 1", won)
	}
}

func TestPendingAudioFIFO(t *testing.T) {
	s := New("c1", DirectionInbound, "", "")
	s.QueuePendingAudio(PendingAudio{URL: "a"})
	s.QueuePendingAudio(PendingAudio{URL: "b"})
	s.QueuePendingAudio(PendingAudio{URL: "c"})

	got := s.DrainPendingAudio()
	if len(got) != 3 || got[0].URL != "a" || got[1].URL != "b" || got[2].URL != "c" {
		t.Fatalf("drain order wrong: %v", got)
	}
	if len(s.DrainPendingAudio()) != 0 {
		t.Fatal("second drain should be empty")
	}
}

func TestTranscriptAppendOnly(t *testing.T) {
	s := New("c1", DirectionInbound, "", "")
	s.AppendTranscript("user", "hello")
	s.AppendTranscript("agent", "hi there")
	s.AppendTranscript("user", "") // empty text is dropped

	tr := s.Transcript()
	if len(tr) != 2 {
		t.Fatalf("transcript has %d entries, want 2", len(tr))
	}
	if tr[0].Role != "user" || tr[1].Role != "agent" {
		t.Errorf("roles out of order: %v", tr)
	}
	if tr[0].Timestamp.IsZero() {
		t.Error("entries should be timestamped")
	}

	// The returned slice is a copy.
	tr[0].Text = "mutated"
	if s.Transcript()[0].Text != "hello" {
		t.Error("Transcript() must return a copy")
	}
}

func TestBeginTeardownOnce(t *testing.T) {
	s := New("c1", DirectionInbound, "", "")
	if !s.BeginTeardown() {
		t.Fatal("first BeginTeardown should win")
	}
	if s.BeginTeardown() {
		t.Fatal("second BeginTeardown should be a no-op")
	}
	if !s.TearingDown() {
		t.Fatal("TearingDown should report true")
	}
}

func TestRegistryCreateGetRemove(t *testing.T) {
	r := NewRegistry()
	s := New("c1", DirectionInbound, "", "")
	if err := r.Create(s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Create(s); err != ErrSessionExists {
		t.Fatalf("duplicate create: got %v, want ErrSessionExists", err)
	}
	if got, ok := r.Get("c1"); !ok || got != s {
		t.Fatal("get should return the created session")
	}
	r.Remove("c1")
	if _, ok := r.Get("c1"); ok {
		t.Fatal("removed session still present")
	}
	r.Remove("c1") // no-op
}

func TestRegistryRekey(t *testing.T) {
	r := NewRegistry()
	s := New("local-1", DirectionOutbound, "", "")
	if err := r.Create(s); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Rekey("local-1", "CA123"); err != nil {
		t.Fatalf("rekey: %v", err)
	}
	if _, ok := r.Get("local-1"); ok {
		t.Fatal("old id still resolvable after rekey")
	}
	got, ok := r.Get("CA123")
	if !ok || got != s {
		t.Fatal("new id not resolvable after rekey")
	}
	if got.CallID != "CA123" {
		t.Errorf("session CallID = %q, want CA123", got.CallID)
	}
	if err := r.Rekey("missing", "x"); err != ErrSessionNotFound {
		t.Errorf("rekey of unknown id: got %v, want ErrSessionNotFound", err)
	}
}

func TestRegistryRekeyAtomicVisibility(t *testing.T) {
	r := NewRegistry()
	if err := r.Create(New("old", DirectionInbound, "", "")); err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Rekey("old", "new")
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, oldOK := r.Get("old")
		_, newOK := r.Get("new")
		if !oldOK && !newOK {
			t.Fatal("observed a moment where neither key resolved")
		}
		if newOK {
			break
		}
	}
	<-done
}
