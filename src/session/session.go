package session

import (
	"sync"
	"time"
)

// Status tracks the lifecycle of one call. Transitions are monotonic except
// that error is reachable from connecting or connected, and disconnected is
// reachable from anywhere.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Direction distinguishes who initiated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// TranscriptEntry is one utterance in the accumulated conversation.
type TranscriptEntry struct {
	Role      string    `json:"role"` // "user" or "agent"
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingAudio is a play_audio request queued because the telephony stream
// was not ready when the tool fired.
type PendingAudio struct {
	URL        string
	ToolCallID string
}

// AIConn is the session's exclusively owned handle to the AI provider socket.
type AIConn interface {
	AppendAudio(b64 string) error
	SendToolResult(toolCallID, output string) error
	CreateResponse() error
	SendUserText(text string) error
	Close() error
}

// TelephonyConn is the session's exclusively owned handle to the telephony
// media socket.
type TelephonyConn interface {
	SendMedia(streamID string, mulaw []byte) error
	SendMark(streamID, name string) error
	SendClear(streamID string) error
	Close() error
}

// CallSession holds the per-call state shared between the two stream loops.
// All mutation goes through its methods; the struct is never handed out for
// direct field writes.
type CallSession struct {
	mu sync.RWMutex

	CallID           string
	CredentialID     string
	AgentID          string
	Direction        Direction
	FromNumber       string
	ToNumber         string
	externalStreamID string

	status           Status
	aiConn           AIConn
	telephonyConn    TelephonyConn
	transcript       []TranscriptEntry
	processedTools   map[string]struct{}
	pendingAudio     []PendingAudio
	firstMessageSent bool
	streamReady      bool
	tearingDown      bool
	speechStartedAt  time.Time
	startedAt        time.Time
}

// New creates a session in the connecting state.
func New(callID string, direction Direction, from, to string) *CallSession {
	return &CallSession{
		CallID:         callID,
		Direction:      direction,
		FromNumber:     from,
		ToNumber:       to,
		status:         StatusConnecting,
		processedTools: make(map[string]struct{}),
		startedAt:      time.Now(),
	}
}

// Status returns the current lifecycle state.
func (s *CallSession) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus applies a transition if it is legal and reports whether it was.
func (s *CallSession) SetStatus(next Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validTransition(s.status, next) {
		return false
	}
	s.status = next
	return true
}

func validTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusDisconnected:
		return true
	case StatusConnected:
		return from == StatusConnecting
	case StatusError:
		return from == StatusConnecting || from == StatusConnected
	default:
		return false
	}
}

// AttachAI stores the AI-provider socket handle.
func (s *CallSession) AttachAI(conn AIConn) {
	s.mu.Lock()
	s.aiConn = conn
	s.mu.Unlock()
}

// AI returns the AI-provider socket handle, or nil before AttachAI.
func (s *CallSession) AI() AIConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aiConn
}

// AttachTelephony stores the telephony socket handle. On outbound calls this
// happens after AttachAI, once the provider opens the media stream.
func (s *CallSession) AttachTelephony(conn TelephonyConn) {
	s.mu.Lock()
	s.telephonyConn = conn
	s.mu.Unlock()
}

// Telephony returns the telephony socket handle, or nil before the stream
// starts.
func (s *CallSession) Telephony() TelephonyConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.telephonyConn
}

// SetExternalStreamID records the provider-assigned media stream id.
func (s *CallSession) SetExternalStreamID(id string) {
	s.mu.Lock()
	s.externalStreamID = id
	s.mu.Unlock()
}

// ExternalStreamID returns the provider-assigned media stream id.
func (s *CallSession) ExternalStreamID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.externalStreamID
}

// AppendTranscript records one utterance.
func (s *CallSession) AppendTranscript(role, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, TranscriptEntry{Role: role, Text: text, Timestamp: time.Now()})
	s.mu.Unlock()
}

// Transcript returns a copy of the accumulated transcript.
func (s *CallSession) Transcript() []TranscriptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// MarkToolCallProcessed records a tool-call id and reports whether it was new.
// A false return means the provider retried an id we already executed.
func (s *CallSession) MarkToolCallProcessed(toolCallID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.processedTools[toolCallID]; seen {
		return false
	}
	s.processedTools[toolCallID] = struct{}{}
	return true
}

// QueuePendingAudio enqueues a play_audio request for later drain.
func (s *CallSession) QueuePendingAudio(req PendingAudio) {
	s.mu.Lock()
	s.pendingAudio = append(s.pendingAudio, req)
	s.mu.Unlock()
}

// DrainPendingAudio returns and clears the queued requests in FIFO order.
func (s *CallSession) DrainPendingAudio() []PendingAudio {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pendingAudio
	s.pendingAudio = nil
	return out
}

// MarkStreamReady flags the telephony stream as started.
func (s *CallSession) MarkStreamReady() {
	s.mu.Lock()
	s.streamReady = true
	s.mu.Unlock()
}

// StreamReady reports whether the telephony stream has started.
func (s *CallSession) StreamReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamReady
}

// MarkFirstMessageSent flips the first-message guard and reports whether this
// caller won the right to send it.
func (s *CallSession) MarkFirstMessageSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstMessageSent {
		return false
	}
	s.firstMessageSent = true
	return true
}

// BeginTeardown flags the session as tearing down and reports whether this
// caller initiated it. Used to ignore a second end_call mid-transfer.
func (s *CallSession) BeginTeardown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tearingDown {
		return false
	}
	s.tearingDown = true
	return true
}

// TearingDown reports whether teardown has begun.
func (s *CallSession) TearingDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tearingDown
}

// MarkSpeechStarted records when the caller began speaking (barge-in).
func (s *CallSession) MarkSpeechStarted(at time.Time) {
	s.mu.Lock()
	s.speechStartedAt = at
	s.mu.Unlock()
}

// SpeechStartedAt returns the last barge-in timestamp.
func (s *CallSession) SpeechStartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speechStartedAt
}

// StartedAt returns when the session was created.
func (s *CallSession) StartedAt() time.Time {
	return s.startedAt
}

// Duration returns how long the call has been running.
func (s *CallSession) Duration() time.Duration {
	return time.Since(s.startedAt)
}
