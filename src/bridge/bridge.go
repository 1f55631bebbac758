// Package bridge wires one phone call to one AI realtime session: audio is
// transcoded between the telephony leg's 8 kHz mulaw and the AI leg's 16 kHz
// PCM16, provider control events drive the tool dispatcher, and teardown
// bookkeeping (transcript persistence, slot release, billing event) fires
// exactly once per call.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxlink-ai/voicebridge/src/audio"
	"github.com/voxlink-ai/voicebridge/src/events"
	"github.com/voxlink-ai/voicebridge/src/logger"
	"github.com/voxlink-ai/voicebridge/src/pool"
	"github.com/voxlink-ai/voicebridge/src/services/realtime"
	"github.com/voxlink-ai/voicebridge/src/session"
	"github.com/voxlink-ai/voicebridge/src/store"
	"github.com/voxlink-ai/voicebridge/src/telephony"
	"github.com/voxlink-ai/voicebridge/src/tools"
)

// ErrNoCapacity is returned when no credential has a free slot for a new call.
var ErrNoCapacity = errors.New("no AI capacity available")

// apologyMessage is spoken to the caller when the bridge cannot be
// established after the call was already answered.
const apologyMessage = "We are sorry, the assistant is unavailable right now. Please try again later."

// TelephonyStream is the bridge's view of the media WebSocket: the inbound
// envelope reader plus the outbound send surface owned by the session.
type TelephonyStream interface {
	ReadEvent() (*telephony.StreamEvent, error)
	session.TelephonyConn
}

// CallControl is the REST control surface the bridge needs.
type CallControl interface {
	EndCall(callSID string) error
	PlayMessageAndHangup(callSID, message string) error
	StartOutboundCall(from, to, streamURL string, params map[string]string) (string, error)
}

// Config carries the per-deployment conversation settings.
type Config struct {
	Voice          string
	SystemPrompt   string
	FirstMessage   string
	Tools          []realtime.ToolDef
	VAD            realtime.VADConfig
	RealtimeURL    string
	RealtimeModel  string
	ConnectTimeout time.Duration
	StreamURL      string // public wss endpoint outbound calls connect back to
}

// Orchestrator owns the shared collaborators and runs one bridge per call.
type Orchestrator struct {
	cfg        Config
	registry   *session.Registry
	resolver   *pool.Resolver
	pool       *pool.Pool
	dispatcher *tools.Dispatcher
	control    CallControl
	calls      store.CallMetadataStore
	emitter    events.Emitter
	dial       realtime.DialFunc
	log        *logger.Logger

	mu   sync.Mutex
	runs map[*session.CallSession]*run
}

// NewOrchestrator wires the orchestrator. dial may be nil, in which case the
// standard realtime client is used.
func NewOrchestrator(cfg Config, registry *session.Registry, p *pool.Pool, resolver *pool.Resolver,
	dispatcher *tools.Dispatcher, control CallControl, calls store.CallMetadataStore,
	emitter events.Emitter, dial realtime.DialFunc) *Orchestrator {

	if dial == nil {
		dial = func(ctx context.Context, apiKey string) (realtime.Stream, error) {
			return realtime.Dial(ctx, cfg.RealtimeURL, cfg.RealtimeModel, apiKey, cfg.ConnectTimeout)
		}
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		resolver:   resolver,
		pool:       p,
		dispatcher: dispatcher,
		control:    control,
		calls:      calls,
		emitter:    emitter,
		dial:       dial,
		log:        logger.WithPrefix("Bridge"),
		runs:       make(map[*session.CallSession]*run),
	}
}

func (o *Orchestrator) trackRun(r *run) {
	o.mu.Lock()
	o.runs[r.s] = r
	o.mu.Unlock()
}

func (o *Orchestrator) lookupRun(s *session.CallSession) (*run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[s]
	return r, ok
}

func (o *Orchestrator) dropRun(r *run) {
	o.mu.Lock()
	delete(o.runs, r.s)
	o.mu.Unlock()
}

func (o *Orchestrator) runBySlot(key string) (*run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.runs {
		if r.slotKey == key {
			return r, true
		}
	}
	return nil, false
}

// ActiveCalls lists the ids of calls currently bridged.
func (o *Orchestrator) ActiveCalls() []string {
	return o.registry.ActiveIDs()
}

// ReapIdle hangs up calls whose telephony leg has sent no audio since the
// cutoff. The provider-side hang-up surfaces as a stop event, so the normal
// teardown path runs. A slot with no live run left behind by a crashed leg
// is released directly. Returns the ids of the calls reaped.
func (o *Orchestrator) ReapIdle(cutoff time.Time) []string {
	var reaped []string
	for _, slotKey := range o.pool.IdleSince(cutoff) {
		r, ok := o.runBySlot(slotKey)
		if !ok {
			o.log.Warn("Releasing orphaned slot %s", slotKey)
			o.resolver.ReleaseSlot(slotKey)
			continue
		}
		cred, _ := o.pool.CredentialFor(slotKey)
		o.log.Warn("Reaping idle call %s on credential %s", r.s.CallID, cred)
		if err := o.control.EndCall(r.s.CallID); err != nil {
			o.log.Error("Reap of %s failed: %v", r.s.CallID, err)
			continue
		}
		reaped = append(reaped, r.s.CallID)
	}
	return reaped
}

// RunReaper sweeps for idle calls every interval until the context ends.
func (o *Orchestrator) RunReaper(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.ReapIdle(time.Now().Add(-maxIdle))
		}
	}
}

// run is the per-call state not held by the session itself.
type run struct {
	o       *Orchestrator
	s       *session.CallSession
	ai      realtime.Stream
	slotKey string // id the pool slot was reserved under
	endOnce sync.Once
	done    chan struct{}
}

// StartOutbound reserves capacity, opens the AI leg, places the call, and
// registers the session so the media stream can attach when the callee
// answers. Returns the provider call id.
func (o *Orchestrator) StartOutbound(ctx context.Context, from, to string) (string, error) {
	localID := uuid.NewString()
	s := session.New(localID, session.DirectionOutbound, from, to)

	cred, err := o.resolver.ReserveSlot(localID, s)
	if err != nil {
		return "", ErrNoCapacity
	}
	s.CredentialID = cred.ID

	ai, err := o.dial(ctx, cred.APIKey)
	if err != nil {
		o.resolver.ReleaseSlot(localID)
		return "", err
	}
	if err := ai.SendSessionUpdate(o.sessionConfig()); err != nil {
		ai.Close()
		o.resolver.ReleaseSlot(localID)
		return "", err
	}
	s.AttachAI(aiAdapter{ai})
	if err := o.registry.Create(s); err != nil {
		ai.Close()
		o.resolver.ReleaseSlot(localID)
		return "", err
	}

	callSID, err := o.control.StartOutboundCall(from, to, o.cfg.StreamURL, map[string]string{
		"session_id": localID,
		"direction":  string(session.DirectionOutbound),
	})
	if err != nil {
		o.registry.Remove(localID)
		ai.Close()
		o.resolver.ReleaseSlot(localID)
		return "", err
	}
	if err := o.registry.Rekey(localID, callSID); err != nil {
		o.log.Warn("Rekey %s -> %s failed: %v", localID, callSID, err)
	}
	s.SetStatus(session.StatusConnected)

	r := &run{o: o, s: s, ai: ai, slotKey: localID, done: make(chan struct{})}
	o.trackRun(r)
	// The call outlives the request that placed it.
	go r.aiLoop(context.Background())
	return callSID, nil
}

// RunInbound drives one inbound call from its media WebSocket until either
// leg closes. It blocks for the life of the call.
func (o *Orchestrator) RunInbound(ctx context.Context, stream TelephonyStream) {
	start, err := o.awaitStart(stream)
	if err != nil {
		o.log.Warn("Media stream closed before start event: %v", err)
		stream.Close()
		return
	}

	// Outbound calls pre-create their session and pass its id through the
	// stream's custom parameters.
	if sid := start.CustomParameters["session_id"]; sid != "" {
		o.attachOutbound(ctx, stream, start, sid)
		return
	}

	callID := start.CallSid
	s := session.New(callID, session.DirectionInbound,
		start.CustomParameters["from"], start.CustomParameters["to"])
	s.AgentID = start.CustomParameters["agent_id"]
	if err := o.registry.Create(s); err != nil {
		o.log.Error("Session %s already active: %v", callID, err)
		stream.Close()
		return
	}
	s.AttachTelephony(stream)
	s.SetExternalStreamID(start.StreamSid)

	cred, err := o.resolver.ReserveSlot(callID, s)
	if err != nil {
		o.log.Error("No capacity for inbound call %s", callID)
		o.failBeforeBridge(ctx, s, stream)
		return
	}
	s.CredentialID = cred.ID

	ai, err := o.dial(ctx, cred.APIKey)
	if err != nil {
		o.log.Error("AI dial failed for call %s: %v", callID, err)
		o.resolver.ReleaseSlot(callID)
		o.failBeforeBridge(ctx, s, stream)
		return
	}
	if err := ai.SendSessionUpdate(o.sessionConfig()); err != nil {
		o.log.Error("Session config failed for call %s: %v", callID, err)
		ai.Close()
		o.resolver.ReleaseSlot(callID)
		o.failBeforeBridge(ctx, s, stream)
		return
	}
	s.AttachAI(aiAdapter{ai})
	s.SetStatus(session.StatusConnected)

	r := &run{o: o, s: s, ai: ai, slotKey: callID, done: make(chan struct{})}
	o.trackRun(r)
	r.onStreamReady(ctx)
	go r.aiLoop(ctx)
	r.telephonyLoop(ctx, stream)
}

// attachOutbound joins an answered outbound call's media stream to its
// pre-created session.
func (o *Orchestrator) attachOutbound(ctx context.Context, stream TelephonyStream, start *telephony.StreamEvent, sessionID string) {
	callID := start.CallSid
	s, ok := o.registry.Get(callID)
	if !ok {
		// Rekey may not have landed if the stream connected very fast.
		if s, ok = o.registry.Get(sessionID); !ok {
			o.log.Error("No session for outbound stream (call %s, session %s)", callID, sessionID)
			stream.Close()
			return
		}
	}
	s.AttachTelephony(stream)
	s.SetExternalStreamID(start.StreamSid)

	r, ok := o.lookupRun(s)
	if !ok {
		o.log.Error("No run for outbound session %s", sessionID)
		stream.Close()
		return
	}
	r.onStreamReady(ctx)
	r.telephonyLoop(ctx, stream)
}

// awaitStart reads until the stream's start event arrives.
func (o *Orchestrator) awaitStart(stream TelephonyStream) (*telephony.StreamEvent, error) {
	for {
		ev, err := stream.ReadEvent()
		if err != nil {
			return nil, err
		}
		if ev.Type == "start" {
			return ev, nil
		}
		if ev.Type == "stop" {
			return nil, errors.New("stream stopped before start")
		}
	}
}

// failBeforeBridge gives the caller a terminal response instead of dead air,
// then finishes bookkeeping for the never-bridged call.
func (o *Orchestrator) failBeforeBridge(ctx context.Context, s *session.CallSession, stream TelephonyStream) {
	s.SetStatus(session.StatusError)
	if err := o.control.PlayMessageAndHangup(s.CallID, apologyMessage); err != nil {
		o.log.Warn("Apology playback failed for call %s: %v", s.CallID, err)
	}
	stream.Close()
	o.calls.SetStatus(ctx, s.CallID, store.CallFailed)
	o.registry.Remove(s.CallID)
}

func (o *Orchestrator) sessionConfig() realtime.SessionConfig {
	return realtime.SessionConfig{
		Voice:        o.cfg.Voice,
		SystemPrompt: o.cfg.SystemPrompt,
		Tools:        o.cfg.Tools,
		VAD:          o.cfg.VAD,
	}
}

// aiAdapter narrows a realtime.Stream to the session's AIConn.
type aiAdapter struct {
	realtime.Stream
}

// onStreamReady runs the ordering work gated on the telephony start event:
// flag the stream ready, drain queued audio, then send the configured first
// message exactly once.
func (r *run) onStreamReady(ctx context.Context) {
	r.s.MarkStreamReady()

	for _, pending := range r.s.DrainPendingAudio() {
		if _, err := r.o.dispatcher.PlayURL(ctx, r.s, pending.URL, pending.ToolCallID); err != nil {
			r.o.log.Warn("Queued playback failed on call %s: %v", r.s.CallID, err)
		}
	}

	if r.o.cfg.FirstMessage != "" && r.ai != nil && r.s.MarkFirstMessageSent() {
		if err := r.ai.SendUserText(r.o.cfg.FirstMessage); err != nil {
			r.o.log.Warn("First message failed on call %s: %v", r.s.CallID, err)
			return
		}
		r.ai.CreateResponse()
	}
}

// telephonyLoop forwards caller audio to the AI leg until the stream closes.
func (r *run) telephonyLoop(ctx context.Context, stream TelephonyStream) {
	defer r.endSession(ctx, store.CallCompleted)

	for {
		ev, err := stream.ReadEvent()
		if err != nil {
			return
		}
		switch ev.Type {
		case "media":
			if r.s.Status() != session.StatusConnected || r.ai == nil {
				continue
			}
			pcm := audio.MulawToPCM16(ev.Mulaw)
			if err := r.ai.AppendAudio(audio.EncodeBase64(pcm)); err != nil {
				r.o.log.Warn("Audio append failed on call %s: %v", r.s.CallID, err)
				return
			}
			r.o.pool.UpdateActivity(r.slotKey)
		case "mark":
			r.o.log.Debug("Mark %q echoed on call %s", ev.MarkName, r.s.CallID)
		case "stop":
			return
		}
	}
}

// aiLoop consumes provider events until the AI socket closes.
func (r *run) aiLoop(ctx context.Context) {
	for ev := range r.ai.Events() {
		switch ev.Type {
		case realtime.EventAudioDelta:
			r.forwardAudio(ev.AudioB64)
		case realtime.EventAgentTranscript:
			r.s.AppendTranscript("agent", ev.Text)
		case realtime.EventUserTranscript:
			r.s.AppendTranscript("user", ev.Text)
		case realtime.EventSpeechStarted:
			r.bargeIn()
		case realtime.EventToolCall:
			go r.handleToolCall(ctx, ev)
		case realtime.EventError:
			r.o.log.Error("Provider error on call %s: %v", r.s.CallID, ev.Err)
			r.s.SetStatus(session.StatusError)
			r.endSession(ctx, store.CallFailed)
			return
		case realtime.EventClosed:
			r.endSession(ctx, store.CallCompleted)
			return
		}
	}
}

// forwardAudio downsamples an AI audio delta and sends it to the caller.
func (r *run) forwardAudio(b64 string) {
	tel := r.s.Telephony()
	if tel == nil || !r.s.StreamReady() {
		return
	}
	pcm, err := audio.DecodeBase64(b64)
	if err != nil {
		r.o.log.Warn("Bad audio delta on call %s: %v", r.s.CallID, err)
		return
	}
	if err := tel.SendMedia(r.s.ExternalStreamID(), audio.PCM16ToMulaw(pcm)); err != nil {
		r.o.log.Warn("Media send failed on call %s: %v", r.s.CallID, err)
	}
}

// bargeIn records the interruption and flushes agent audio the provider has
// already buffered so the caller is not talked over.
func (r *run) bargeIn() {
	r.s.MarkSpeechStarted(time.Now())
	if tel := r.s.Telephony(); tel != nil && r.s.StreamReady() {
		tel.SendClear(r.s.ExternalStreamID())
	}
}

// handleToolCall dispatches one tool invocation and feeds the result back so
// the conversation continues. Runs off the event loop because tools such as
// play_audio block for their playback duration.
func (r *run) handleToolCall(ctx context.Context, ev realtime.Event) {
	res := r.o.dispatcher.Dispatch(ctx, r.s, ev.ToolName, ev.ToolCallID, ev.ArgsJSON)
	if err := r.ai.SendToolResult(ev.ToolCallID, res.Output); err != nil {
		r.o.log.Warn("Tool result send failed on call %s: %v", r.s.CallID, err)
		return
	}
	r.ai.CreateResponse()

	if res.Action == tools.ActionEndCall {
		if err := r.o.control.EndCall(r.s.CallID); err != nil {
			r.o.log.Error("End call failed for %s: %v", r.s.CallID, err)
		}
	}
}

// endSession fires end-of-call bookkeeping exactly once: persist transcript
// and duration, release the pool slot, emit the billing event, and drop the
// session from the registry.
func (r *run) endSession(ctx context.Context, status string) {
	r.endOnce.Do(func() {
		s := r.s
		s.SetStatus(session.StatusDisconnected)

		if r.ai != nil {
			r.ai.Close()
		}
		if tel := s.Telephony(); tel != nil {
			tel.Close()
		}

		duration := s.Duration()
		transcript := s.Transcript()
		entries := make([]map[string]interface{}, 0, len(transcript))
		for _, e := range transcript {
			entries = append(entries, map[string]interface{}{
				"role": e.Role, "text": e.Text, "timestamp": e.Timestamp,
			})
		}
		if err := r.o.calls.Merge(ctx, s.CallID, map[string]interface{}{
			"transcript":       entries,
			"duration_seconds": duration.Seconds(),
			"direction":        string(s.Direction),
			"from":             s.FromNumber,
			"to":               s.ToNumber,
			"credential_id":    s.CredentialID,
			"interrupted":      !s.SpeechStartedAt().IsZero(),
		}); err != nil {
			r.o.log.Warn("Transcript persistence failed for call %s: %v", s.CallID, err)
		}
		if err := r.o.calls.SetStatus(ctx, s.CallID, status); err != nil {
			r.o.log.Warn("Status persistence failed for call %s: %v", s.CallID, err)
		}

		r.o.resolver.ReleaseSlot(r.slotKey)
		r.o.emitter.Emit(ctx, events.Event{
			Type:   "call.ended",
			CallID: s.CallID,
			Payload: map[string]interface{}{
				"status":           status,
				"duration_seconds": duration.Seconds(),
				"transcript_len":   len(transcript),
			},
		})
		r.o.registry.Remove(s.CallID)
		r.o.dropRun(r)
		close(r.done)
		r.o.log.Info("Call %s ended (%s) after %s", s.CallID, status, duration.Round(time.Second))
	})
}
