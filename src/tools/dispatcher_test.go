package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxlink-ai/voicebridge/src/session"
	"github.com/voxlink-ai/voicebridge/src/store"
)

type fakeControl struct {
	mu        sync.Mutex
	transfers []string
}

func (f *fakeControl) Transfer(callSID, target, callerID string) error {
	f.mu.Lock()
	f.transfers = append(f.transfers, target+"|"+callerID)
	f.mu.Unlock()
	return nil
}

type fakeTelephony struct {
	mu     sync.Mutex
	frames int
	marks  []string
}

func (f *fakeTelephony) SendMedia(streamID string, mulaw []byte) error {
	f.mu.Lock()
	f.frames++
	f.mu.Unlock()
	return nil
}

func (f *fakeTelephony) SendMark(streamID, name string) error {
	f.mu.Lock()
	f.marks = append(f.marks, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeTelephony) SendClear(streamID string) error { return nil }
func (f *fakeTelephony) Close() error                    { return nil }

func newTestDispatcher(ctrl *fakeControl) (*Dispatcher, *store.MemoryAppointmentStore, *store.MemoryStore) {
	appts := store.NewMemoryAppointmentStore()
	calls := store.NewMemoryStore()
	d := NewDispatcher(Config{
		Control:       ctrl,
		Calls:         calls,
		Appointments:  appts,
		Forms:         store.NewMemoryFormStore(),
		TransferGrace: time.Millisecond,
		FramePacing:   time.Microsecond,
		SlotCapacity:  2,
	})
	return d, appts, calls
}

func decodeOutput(t *testing.T, out string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(out), &m); err != nil {
		t.Fatalf("output not JSON: %v (%s)", err, out)
	}
	return m
}

func TestDispatchDedup(t *testing.T) {
	ctrl := &fakeControl{}
	d, appts, _ := newTestDispatcher(ctrl)
	s := session.New("c1", session.DirectionInbound, "+15550001", "+15550002")

	args := `{"contact":"alice","date":"2026-09-01","slot":"10:00"}`
	r1 := d.Dispatch(context.Background(), s, "book_appointment", "tc-1", args)
	if m := decodeOutput(t, r1.Output); m["status"] != "booked" {
		t.Fatalf("first dispatch: %s", r1.Output)
	}
	r2 := d.Dispatch(context.Background(), s, "book_appointment", "tc-1", args)
	if m := decodeOutput(t, r2.Output); m["status"] != "duplicate" {
		t.Fatalf("second dispatch: %s", r2.Output)
	}
	if n := len(appts.All()); n != 1 {
		t.Fatalf("side effect ran %d times, want 1", n)
	}
}

func TestEndCallIgnoredDuringTeardown(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeControl{})
	s := session.New("c1", session.DirectionInbound, "+15550001", "+15550002")

	r1 := d.Dispatch(context.Background(), s, "end_call", "tc-1", "{}")
	if r1.Action != ActionEndCall {
		t.Fatalf("first end_call action = %v, want ActionEndCall", r1.Action)
	}
	r2 := d.Dispatch(context.Background(), s, "end_call", "tc-2", "{}")
	if r2.Action != ActionNone {
		t.Fatalf("second end_call action = %v, want ActionNone", r2.Action)
	}
	if m := decodeOutput(t, r2.Output); m["status"] != "ignored" {
		t.Fatalf("second end_call output: %s", r2.Output)
	}
}

func TestTransferCallerIDByDirection(t *testing.T) {
	tests := []struct {
		direction session.Direction
		want      string
	}{
		{session.DirectionOutbound, "+15550001"}, // originating number
		{session.DirectionInbound, "+15550002"},  // dialed number
	}
	for _, tt := range tests {
		ctrl := &fakeControl{}
		d, _, _ := newTestDispatcher(ctrl)
		s := session.New("c1", tt.direction, "+15550001", "+15550002")

		r := d.Dispatch(context.Background(), s, "transfer_call", "tc-1", `{"number":"+15559999"}`)
		if m := decodeOutput(t, r.Output); m["status"] != "transferring" {
			t.Fatalf("%s: %s", tt.direction, r.Output)
		}
		if len(ctrl.transfers) != 1 || ctrl.transfers[0] != "+15559999|"+tt.want {
			t.Errorf("%s: transfers = %v, want caller id %s", tt.direction, ctrl.transfers, tt.want)
		}
	}
}

func TestTransferUnknownDirectionFails(t *testing.T) {
	ctrl := &fakeControl{}
	d, _, _ := newTestDispatcher(ctrl)
	s := session.New("c1", session.Direction(""), "+15550001", "+15550002")

	r := d.Dispatch(context.Background(), s, "transfer_call", "tc-1", `{"number":"+15559999"}`)
	m := decodeOutput(t, r.Output)
	if _, ok := m["error"]; !ok {
		t.Fatalf("expected error output, got %s", r.Output)
	}
	if len(ctrl.transfers) != 0 {
		t.Error("transfer must not execute with unknown direction")
	}
}

func TestTransferNoTargetConfigured(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeControl{})
	s := session.New("c1", session.DirectionInbound, "+15550001", "+15550002")

	r := d.Dispatch(context.Background(), s, "transfer_sales", "tc-1", "{}")
	m := decodeOutput(t, r.Output)
	if msg, _ := m["error"].(string); !strings.Contains(msg, "transfer target") {
		t.Fatalf("got %s", r.Output)
	}
}

func TestPlayAudioQueuedBeforeStreamReady(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeControl{})
	s := session.New("c1", session.DirectionInbound, "+15550001", "+15550002")

	r := d.Dispatch(context.Background(), s, "play_audio", "tc-1", `{"url":"http://example.com/a.wav"}`)
	if m := decodeOutput(t, r.Output); m["queued"] != true {
		t.Fatalf("got %s, want queued", r.Output)
	}
	pending := s.DrainPendingAudio()
	if len(pending) != 1 || pending[0].URL != "http://example.com/a.wav" {
		t.Fatalf("pending queue = %v", pending)
	}
}

func TestPlayAudioStreamsFramesAndMark(t *testing.T) {
	clip := make([]byte, 400) // 2.5 frames of mulaw
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/basic")
		w.Write(clip)
	}))
	defer srv.Close()

	d, _, _ := newTestDispatcher(&fakeControl{})
	s := session.New("c1", session.DirectionInbound, "+15550001", "+15550002")
	tel := &fakeTelephony{}
	s.AttachTelephony(tel)
	s.SetExternalStreamID("MZ123")
	s.MarkStreamReady()

	r := d.Dispatch(context.Background(), s, "play_audio", "tc-1", `{"url":"`+srv.URL+`/clip.ulaw"}`)
	m := decodeOutput(t, r.Output)
	if m["status"] != "played" {
		t.Fatalf("got %s", r.Output)
	}
	if tel.frames != 3 {
		t.Errorf("frames sent = %d, want 3", tel.frames)
	}
	if len(tel.marks) != 1 || tel.marks[0] != "playback-tc-1" {
		t.Errorf("marks = %v", tel.marks)
	}
}

func TestBookAppointmentValidation(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeControl{})
	s := session.New("c1", session.DirectionInbound, "+15550001", "+15550002")

	cases := []struct {
		name string
		args string
	}{
		{"missing fields", `{"contact":"alice"}`},
		{"bad date", `{"contact":"alice","date":"tomorrow","slot":"10:00"}`},
		{"outside hours", `{"contact":"alice","date":"2026-09-01","slot":"22:00"}`},
	}
	for _, tc := range cases {
		r := d.Dispatch(context.Background(), s, "book_appointment", "tc-"+tc.name, tc.args)
		if m := decodeOutput(t, r.Output); m["error"] == nil {
			t.Errorf("%s: expected error, got %s", tc.name, r.Output)
		}
	}
}

func TestBookAppointmentDuplicateAndCapacity(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeControl{})
	ctx := context.Background()

	s1 := session.New("c1", session.DirectionInbound, "+1", "+2")
	r := d.Dispatch(ctx, s1, "book_appointment", "tc-1", `{"contact":"alice","date":"2026-09-01","slot":"10:00"}`)
	if m := decodeOutput(t, r.Output); m["status"] != "booked" {
		t.Fatalf("first booking: %s", r.Output)
	}

	// Same call books again.
	r = d.Dispatch(ctx, s1, "book_appointment", "tc-2", `{"contact":"bob","date":"2026-09-01","slot":"11:00"}`)
	if m := decodeOutput(t, r.Output); m["error"] == nil {
		t.Errorf("same-call duplicate allowed: %s", r.Output)
	}

	// Same contact, same slot, different call.
	s2 := session.New("c2", session.DirectionInbound, "+1", "+2")
	r = d.Dispatch(ctx, s2, "book_appointment", "tc-3", `{"contact":"alice","date":"2026-09-01","slot":"10:00"}`)
	if m := decodeOutput(t, r.Output); m["error"] == nil {
		t.Errorf("contact-slot duplicate allowed: %s", r.Output)
	}

	// Fill the slot (capacity 2) then overflow.
	r = d.Dispatch(ctx, s2, "book_appointment", "tc-4", `{"contact":"carol","date":"2026-09-01","slot":"10:00"}`)
	if m := decodeOutput(t, r.Output); m["status"] != "booked" {
		t.Fatalf("second slot booking: %s", r.Output)
	}
	s3 := session.New("c3", session.DirectionInbound, "+1", "+2")
	r = d.Dispatch(ctx, s3, "book_appointment", "tc-5", `{"contact":"dave","date":"2026-09-01","slot":"10:00"}`)
	if m := decodeOutput(t, r.Output); m["error"] == nil {
		t.Errorf("overbooked slot allowed: %s", r.Output)
	}
}

func TestBookAppointmentFlagsOutcome(t *testing.T) {
	d, _, calls := newTestDispatcher(&fakeControl{})
	s := session.New("c1", session.DirectionInbound, "+1", "+2")

	d.Dispatch(context.Background(), s, "book_appointment", "tc-1", `{"contact":"alice","date":"2026-09-01","slot":"10:00"}`)
	rec, err := calls.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	outcome, _ := rec["outcome"].(map[string]interface{})
	if outcome["appointment_booked"] != true {
		t.Fatalf("outcome flag missing: %v", rec)
	}
}

func TestSubmitFormDuplicate(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeControl{})
	s := session.New("c1", session.DirectionInbound, "+1", "+2")
	ctx := context.Background()

	r := d.Dispatch(ctx, s, "submit_form", "tc-1", `{"contact":"alice","fields":{"interest":"demo"}}`)
	if m := decodeOutput(t, r.Output); m["status"] != "submitted" {
		t.Fatalf("first submit: %s", r.Output)
	}
	r = d.Dispatch(ctx, s, "submit_form", "tc-2", `{"contact":"alice","fields":{"interest":"demo"}}`)
	if m := decodeOutput(t, r.Output); m["error"] == nil {
		t.Errorf("duplicate submit allowed: %s", r.Output)
	}
}

func TestUnknownToolFallthrough(t *testing.T) {
	d, _, _ := newTestDispatcher(&fakeControl{})
	s := session.New("c1", session.DirectionInbound, "+1", "+2")

	r := d.Dispatch(context.Background(), s, "check_weather", "tc-1", "{}")
	m := decodeOutput(t, r.Output)
	if msg, _ := m["error"].(string); !strings.Contains(msg, "unknown tool") {
		t.Fatalf("got %s", r.Output)
	}
}

func TestCustomHandlerAndFallback(t *testing.T) {
	ctrl := &fakeControl{}
	d := NewDispatcher(Config{
		Control:      ctrl,
		Calls:        store.NewMemoryStore(),
		Appointments: store.NewMemoryAppointmentStore(),
		Forms:        store.NewMemoryFormStore(),
		Handlers: map[string]Handler{
			"check_weather": func(ctx context.Context, s *session.CallSession, args string) (string, error) {
				return `{"forecast":"sunny"}`, nil
			},
		},
		Fallback: func(ctx context.Context, s *session.CallSession, args string) (string, error) {
			return `{"handled":"fallback"}`, nil
		},
	})
	s := session.New("c1", session.DirectionInbound, "+1", "+2")

	r := d.Dispatch(context.Background(), s, "check_weather", "tc-1", "{}")
	if m := decodeOutput(t, r.Output); m["forecast"] != "sunny" {
		t.Fatalf("custom handler: %s", r.Output)
	}
	r = d.Dispatch(context.Background(), s, "anything_else", "tc-2", "{}")
	if m := decodeOutput(t, r.Output); m["handled"] != "fallback" {
		t.Fatalf("fallback: %s", r.Output)
	}
}
