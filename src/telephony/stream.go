package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Media Streams WebSocket envelope. One JSON object per text message, with
// the event field selecting which optional section is present.
type streamMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Media     *streamMedia `json:"media,omitempty"`
	Start     *streamStart `json:"start,omitempty"`
	Mark      *streamMark  `json:"mark,omitempty"`
}

type streamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64 mulaw
}

type streamStart struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	AccountSid       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type streamMark struct {
	Name string `json:"name"`
}

// StreamEvent is one decoded inbound media-stream message.
type StreamEvent struct {
	Type             string // "start", "media", "mark", "stop"
	StreamSid        string
	CallSid          string
	Mulaw            []byte // decoded payload for media events
	MarkName         string
	CustomParameters map[string]string
}

// MediaStream wraps the provider's media WebSocket. It decodes inbound
// envelopes and serializes outbound media, mark, and clear messages.
// Writes are serialized under a mutex; ReadEvent is called from one
// goroutine only.
type MediaStream struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  sync.Once
}

// NewMediaStream wraps an accepted media WebSocket.
func NewMediaStream(ws *websocket.Conn) *MediaStream {
	return &MediaStream{ws: ws}
}

// ReadEvent blocks for the next inbound envelope. Unknown events are
// skipped. A read error means the provider closed the stream.
func (m *MediaStream) ReadEvent() (*StreamEvent, error) {
	for {
		_, data, err := m.ws.ReadMessage()
		if err != nil {
			return nil, err
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal stream message: %w", err)
		}

		switch msg.Event {
		case "start":
			ev := &StreamEvent{Type: "start", StreamSid: msg.StreamSid}
			if msg.Start != nil {
				ev.StreamSid = msg.Start.StreamSid
				ev.CallSid = msg.Start.CallSid
				ev.CustomParameters = msg.Start.CustomParameters
			}
			return ev, nil
		case "media":
			if msg.Media == nil {
				continue
			}
			mulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				return nil, fmt.Errorf("decode media payload: %w", err)
			}
			return &StreamEvent{Type: "media", StreamSid: msg.StreamSid, Mulaw: mulaw}, nil
		case "mark":
			ev := &StreamEvent{Type: "mark", StreamSid: msg.StreamSid}
			if msg.Mark != nil {
				ev.MarkName = msg.Mark.Name
			}
			return ev, nil
		case "stop":
			return &StreamEvent{Type: "stop", StreamSid: msg.StreamSid}, nil
		default:
			// connected and other bookkeeping events
		}
	}
}

func (m *MediaStream) writeJSON(v interface{}) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.ws.WriteJSON(v)
}

// SendMedia sends one chunk of mulaw audio to the caller.
func (m *MediaStream) SendMedia(streamID string, mulaw []byte) error {
	return m.writeJSON(streamMessage{
		Event:     "media",
		StreamSid: streamID,
		Media:     &streamMedia{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	})
}

// SendMark sends a named mark that the provider echoes back once all audio
// queued before it has been played.
func (m *MediaStream) SendMark(streamID, name string) error {
	return m.writeJSON(streamMessage{
		Event:     "mark",
		StreamSid: streamID,
		Mark:      &streamMark{Name: name},
	})
}

// SendClear discards the provider's buffered outbound audio. Used on
// barge-in so the agent stops talking immediately.
func (m *MediaStream) SendClear(streamID string) error {
	return m.writeJSON(streamMessage{
		Event:     "clear",
		StreamSid: streamID,
	})
}

// Close shuts the socket down. Safe to call more than once.
func (m *MediaStream) Close() error {
	var err error
	m.closed.Do(func() {
		err = m.ws.Close()
	})
	return err
}
