// Package tools maps named tool invocations from the conversational model to
// handlers with side effects. Dispatch is dedup-first: a tool-call id already
// executed returns a no-op so provider retries cannot double-book or
// double-transfer.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxlink-ai/voicebridge/src/audio"
	"github.com/voxlink-ai/voicebridge/src/logger"
	"github.com/voxlink-ai/voicebridge/src/session"
	"github.com/voxlink-ai/voicebridge/src/store"
)

// Action tells the orchestrator what follow-up the tool needs. Tools never
// close the telephony leg themselves.
type Action int

const (
	ActionNone Action = iota
	ActionEndCall
)

// Result is the outcome of one dispatch: a JSON object for the model plus
// the orchestrator action.
type Result struct {
	Output string
	Action Action
}

// Handler is a caller-supplied tool implementation.
type Handler func(ctx context.Context, s *session.CallSession, argsJSON string) (string, error)

// CallControl is the subset of the telephony control surface tools need.
type CallControl interface {
	Transfer(callSID, targetNumber, callerID string) error
}

// Config wires the dispatcher's collaborators and policy knobs.
type Config struct {
	Control      CallControl
	Calls        store.CallMetadataStore
	Appointments store.AppointmentStore
	Forms        store.FormStore
	Transcoder   audio.ClipTranscoder
	HTTPClient   *http.Client

	// TransferTargets maps transfer_* tool names to static target numbers,
	// used when the model's arguments omit a number.
	TransferTargets map[string]string
	// TransferGrace delays the transfer so the agent's spoken announcement
	// finishes before the leg is redirected.
	TransferGrace time.Duration

	// Booking policy.
	WorkingHoursStart string // "09:00"
	WorkingHoursEnd   string // "17:00"
	SlotCapacity      int

	// FramePacing is the sleep between 20 ms frames during play_audio.
	FramePacing time.Duration

	// Handlers are custom tools tried before the generic fallback.
	Handlers map[string]Handler
	// Fallback receives any tool name with no built-in or custom handler.
	Fallback Handler
}

// Dispatcher executes tool calls against a live session.
type Dispatcher struct {
	cfg Config
	log *logger.Logger
}

// NewDispatcher creates a dispatcher, filling in policy defaults.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.TransferGrace == 0 {
		cfg.TransferGrace = 3 * time.Second
	}
	if cfg.WorkingHoursStart == "" {
		cfg.WorkingHoursStart = "09:00"
	}
	if cfg.WorkingHoursEnd == "" {
		cfg.WorkingHoursEnd = "17:00"
	}
	if cfg.SlotCapacity == 0 {
		cfg.SlotCapacity = 1
	}
	if cfg.FramePacing == 0 {
		cfg.FramePacing = 20 * time.Millisecond
	}
	return &Dispatcher{cfg: cfg, log: logger.WithPrefix("Tools")}
}

// errorOutput builds the soft-error object returned to the model. The
// conversation continues; the agent can relay the problem to the caller.
func errorOutput(msg string) string {
	out, _ := json.Marshal(map[string]string{"error": msg})
	return string(out)
}

func okOutput(fields map[string]interface{}) string {
	out, _ := json.Marshal(fields)
	return string(out)
}

// Dispatch runs one tool call. The dedup check happens before anything else
// so retried ids produce zero side effects.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session.CallSession, toolName, toolCallID, argsJSON string) Result {
	if !s.MarkToolCallProcessed(toolCallID) {
		d.log.Warn("Duplicate tool call %s (%s) on call %s, skipping", toolCallID, toolName, s.CallID)
		return Result{Output: okOutput(map[string]interface{}{"status": "duplicate", "detail": "tool call already processed"})}
	}

	d.log.Info("Tool %s (%s) on call %s", toolName, toolCallID, s.CallID)

	switch {
	case toolName == "end_call":
		return d.endCall(s)
	case toolName == "transfer_call" || strings.HasPrefix(toolName, "transfer_"):
		return d.transferCall(ctx, s, toolName, argsJSON)
	case toolName == "play_audio":
		return d.playAudio(ctx, s, toolCallID, argsJSON)
	case toolName == "book_appointment":
		return d.bookAppointment(ctx, s, argsJSON)
	case toolName == "submit_form":
		return d.submitForm(ctx, s, argsJSON)
	}

	if h, ok := d.cfg.Handlers[toolName]; ok {
		return runHandler(ctx, s, h, argsJSON)
	}
	if d.cfg.Fallback != nil {
		return runHandler(ctx, s, d.cfg.Fallback, argsJSON)
	}
	return Result{Output: errorOutput(fmt.Sprintf("unknown tool %q", toolName))}
}

func runHandler(ctx context.Context, s *session.CallSession, h Handler, argsJSON string) Result {
	out, err := h(ctx, s, argsJSON)
	if err != nil {
		return Result{Output: errorOutput(err.Error())}
	}
	return Result{Output: out}
}

// endCall returns the hang-up action. A second end_call while a transfer or
// prior hang-up is in flight is ignored.
func (d *Dispatcher) endCall(s *session.CallSession) Result {
	if !s.BeginTeardown() {
		return Result{Output: okOutput(map[string]interface{}{"status": "ignored", "detail": "call already ending"})}
	}
	return Result{
		Output: okOutput(map[string]interface{}{"status": "ok", "action": "end_call"}),
		Action: ActionEndCall,
	}
}

type transferArgs struct {
	Number string `json:"number"`
}

// transferCall redirects the telephony leg to a human. The caller id shown
// to the transfer target must be a number verified with the provider, which
// depends on direction: outbound calls own their originating number, inbound
// calls own the number the customer dialed.
func (d *Dispatcher) transferCall(ctx context.Context, s *session.CallSession, toolName, argsJSON string) Result {
	var args transferArgs
	json.Unmarshal([]byte(argsJSON), &args)

	target := args.Number
	if target == "" {
		target = d.cfg.TransferTargets[toolName]
	}
	if target == "" {
		return Result{Output: errorOutput("no transfer target configured for " + toolName)}
	}

	var callerID string
	switch s.Direction {
	case session.DirectionOutbound:
		callerID = s.FromNumber
	case session.DirectionInbound:
		callerID = s.ToNumber
	default:
		d.log.Error("Transfer on call %s with unknown direction %q", s.CallID, s.Direction)
		return Result{Output: errorOutput("cannot transfer: call direction unknown")}
	}

	// Let the agent finish announcing the transfer before the leg moves.
	select {
	case <-time.After(d.cfg.TransferGrace):
	case <-ctx.Done():
		return Result{Output: errorOutput("transfer cancelled: " + ctx.Err().Error())}
	}

	if !s.BeginTeardown() {
		return Result{Output: okOutput(map[string]interface{}{"status": "ignored", "detail": "call already ending"})}
	}
	if err := d.cfg.Control.Transfer(s.CallID, target, callerID); err != nil {
		d.log.Error("Transfer failed on call %s: %v", s.CallID, err)
		return Result{Output: errorOutput("transfer failed: " + err.Error())}
	}
	return Result{Output: okOutput(map[string]interface{}{"status": "transferring", "target": target})}
}

type playAudioArgs struct {
	URL string `json:"url"`
}

// playAudio streams a clip to the caller. Before the telephony stream is
// ready the request is queued and reported as such; the orchestrator drains
// the queue on the stream's start event.
func (d *Dispatcher) playAudio(ctx context.Context, s *session.CallSession, toolCallID, argsJSON string) Result {
	var args playAudioArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil || args.URL == "" {
		return Result{Output: errorOutput("play_audio requires a url argument")}
	}

	if !s.StreamReady() {
		s.QueuePendingAudio(session.PendingAudio{URL: args.URL, ToolCallID: toolCallID})
		return Result{Output: okOutput(map[string]interface{}{"queued": true})}
	}

	dur, err := d.PlayURL(ctx, s, args.URL, toolCallID)
	if err != nil {
		return Result{Output: errorOutput("playback failed: " + err.Error())}
	}
	return Result{Output: okOutput(map[string]interface{}{
		"status":           "played",
		"duration_seconds": dur.Seconds(),
	})}
}

// PlayURL fetches a clip, converts it to mulaw, paces it onto the telephony
// socket in 20 ms frames, sends a sync mark, and blocks until the estimated
// playback duration has elapsed. Also used when draining queued requests.
func (d *Dispatcher) PlayURL(ctx context.Context, s *session.CallSession, url, toolCallID string) (time.Duration, error) {
	tel := s.Telephony()
	if tel == nil {
		return 0, fmt.Errorf("telephony leg not attached")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build clip request: %w", err)
	}
	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch clip: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch clip: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read clip body: %w", err)
	}

	format := audio.SniffClipFormat(resp.Header.Get("Content-Type"), url, data)
	mulaw, err := audio.ClipToMulaw(data, format, d.cfg.Transcoder)
	if err != nil {
		return 0, fmt.Errorf("convert clip: %w", err)
	}

	started := time.Now()
	streamID := s.ExternalStreamID()
	for _, frame := range audio.ChunkFrames(mulaw) {
		if err := tel.SendMedia(streamID, frame); err != nil {
			return 0, fmt.Errorf("send media: %w", err)
		}
		select {
		case <-time.After(d.cfg.FramePacing):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err := tel.SendMark(streamID, "playback-"+toolCallID); err != nil {
		return 0, fmt.Errorf("send mark: %w", err)
	}

	// The frames above were written faster than real time. Hold the tool
	// response until the caller has actually heard the clip.
	dur := audio.PlaybackDuration(len(mulaw))
	if remaining := dur - time.Since(started); remaining > 0 {
		select {
		case <-time.After(remaining):
		case <-ctx.Done():
			return dur, ctx.Err()
		}
	}
	return dur, nil
}

type appointmentArgs struct {
	Contact string `json:"contact"`
	Phone   string `json:"phone"`
	Date    string `json:"date"` // YYYY-MM-DD
	Slot    string `json:"slot"` // HH:MM
}

func (d *Dispatcher) bookAppointment(ctx context.Context, s *session.CallSession, argsJSON string) Result {
	var args appointmentArgs
	json.Unmarshal([]byte(argsJSON), &args)
	if args.Contact == "" || args.Date == "" || args.Slot == "" {
		return Result{Output: errorOutput("book_appointment requires contact, date, and slot")}
	}
	if _, err := time.Parse("2006-01-02", args.Date); err != nil {
		return Result{Output: errorOutput("date must be YYYY-MM-DD")}
	}
	slot, err := time.Parse("15:04", args.Slot)
	if err != nil {
		return Result{Output: errorOutput("slot must be HH:MM")}
	}

	opens, _ := time.Parse("15:04", d.cfg.WorkingHoursStart)
	closes, _ := time.Parse("15:04", d.cfg.WorkingHoursEnd)
	if slot.Before(opens) || !slot.Before(closes) {
		return Result{Output: errorOutput(fmt.Sprintf(
			"slot outside working hours (%s-%s)", d.cfg.WorkingHoursStart, d.cfg.WorkingHoursEnd))}
	}

	if dup, err := d.cfg.Appointments.ExistsForCall(ctx, s.CallID); err != nil {
		return Result{Output: errorOutput("booking check failed: " + err.Error())}
	} else if dup {
		return Result{Output: errorOutput("an appointment was already booked on this call")}
	}
	if dup, err := d.cfg.Appointments.ExistsForContactSlot(ctx, args.Contact, args.Date, args.Slot); err != nil {
		return Result{Output: errorOutput("booking check failed: " + err.Error())}
	} else if dup {
		return Result{Output: errorOutput("this contact already holds that slot")}
	}
	if n, err := d.cfg.Appointments.CountAtSlot(ctx, args.Date, args.Slot); err != nil {
		return Result{Output: errorOutput("booking check failed: " + err.Error())}
	} else if n >= d.cfg.SlotCapacity {
		return Result{Output: errorOutput("that slot is fully booked")}
	}

	appt := store.Appointment{
		ID:        uuid.NewString(),
		CallID:    s.CallID,
		Contact:   args.Contact,
		Phone:     args.Phone,
		Date:      args.Date,
		Slot:      args.Slot,
		CreatedAt: time.Now(),
	}
	if err := d.cfg.Appointments.Save(ctx, appt); err != nil {
		return Result{Output: errorOutput("failed to save appointment: " + err.Error())}
	}
	if err := d.cfg.Calls.Merge(ctx, s.CallID, map[string]interface{}{
		"outcome": map[string]interface{}{"appointment_booked": true, "appointment_id": appt.ID},
	}); err != nil {
		d.log.Warn("Failed to flag appointment outcome on call %s: %v", s.CallID, err)
	}
	return Result{Output: okOutput(map[string]interface{}{
		"status":         "booked",
		"appointment_id": appt.ID,
		"date":           args.Date,
		"slot":           args.Slot,
	})}
}

type formArgs struct {
	Contact string            `json:"contact"`
	Fields  map[string]string `json:"fields"`
}

func (d *Dispatcher) submitForm(ctx context.Context, s *session.CallSession, argsJSON string) Result {
	var args formArgs
	json.Unmarshal([]byte(argsJSON), &args)
	if args.Contact == "" || len(args.Fields) == 0 {
		return Result{Output: errorOutput("submit_form requires contact and at least one field")}
	}

	if dup, err := d.cfg.Forms.ExistsForCall(ctx, s.CallID); err != nil {
		return Result{Output: errorOutput("submission check failed: " + err.Error())}
	} else if dup {
		return Result{Output: errorOutput("a form was already submitted on this call")}
	}

	sub := store.FormSubmission{
		ID:        uuid.NewString(),
		CallID:    s.CallID,
		Contact:   args.Contact,
		Fields:    args.Fields,
		CreatedAt: time.Now(),
	}
	if err := d.cfg.Forms.Save(ctx, sub); err != nil {
		return Result{Output: errorOutput("failed to save form: " + err.Error())}
	}
	if err := d.cfg.Calls.Merge(ctx, s.CallID, map[string]interface{}{
		"outcome": map[string]interface{}{"form_submitted": true, "form_id": sub.ID},
	}); err != nil {
		d.log.Warn("Failed to flag form outcome on call %s: %v", s.CallID, err)
	}
	return Result{Output: okOutput(map[string]interface{}{"status": "submitted", "form_id": sub.ID})}
}
