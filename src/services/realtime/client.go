// Package realtime implements the AI-provider realtime WebSocket protocol:
// JSON control messages carrying base64 PCM16 audio in both directions plus
// structured events for transcripts, turn detection, and tool calls.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlink-ai/voicebridge/src/logger"
)

// EventType classifies the provider events the bridge reacts to.
type EventType string

const (
	EventReady           EventType = "ready"
	EventAudioDelta      EventType = "audio_delta"
	EventAgentTranscript EventType = "agent_transcript"
	EventUserTranscript  EventType = "user_transcript"
	EventSpeechStarted   EventType = "speech_started"
	EventToolCall        EventType = "tool_call"
	EventResponseDone    EventType = "response_done"
	EventError           EventType = "error"
	EventClosed          EventType = "closed"
)

// Event is one provider event, already narrowed to the fields the bridge
// consumes.
type Event struct {
	Type       EventType
	AudioB64   string // base64 PCM16 delta for EventAudioDelta
	Text       string // transcript text
	ToolName   string
	ToolCallID string
	ArgsJSON   string
	Err        error
}

// ToolDef describes one callable tool in the session configuration.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// VADConfig tunes the provider's server-side turn detection.
type VADConfig struct {
	Threshold         float64 `json:"threshold"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
}

// SessionConfig is the initial session-configuration message sent right
// after the socket opens.
type SessionConfig struct {
	Voice        string
	SystemPrompt string
	Tools        []ToolDef
	VAD          VADConfig
}

// Stream is the bridge's view of one provider connection.
type Stream interface {
	Events() <-chan Event
	SendSessionUpdate(cfg SessionConfig) error
	AppendAudio(b64 string) error
	SendToolResult(toolCallID, output string) error
	CreateResponse() error
	SendUserText(text string) error
	Close() error
}

// DialFunc opens a provider connection with one credential's API key.
type DialFunc func(ctx context.Context, apiKey string) (Stream, error)

// Conn is a live realtime connection over a WebSocket.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	events  chan Event
	closed  sync.Once
	log     *logger.Logger
}

// Dial opens the realtime socket with a bounded handshake deadline. A
// timeout here is fatal for the call; the caller releases its slot.
func Dial(ctx context.Context, url, model, apiKey string, timeout time.Duration) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, resp, err := dialer.DialContext(dialCtx, url+"?model="+model, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}

	c := &Conn{
		ws:     ws,
		events: make(chan Event, 64),
		log:    logger.WithPrefix("Realtime"),
	}
	go c.readLoop()
	return c, nil
}

// Events returns the provider event stream. The channel closes after
// EventClosed.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// serverEvent is the superset of provider message fields we parse.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Name       string `json:"name,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Conn) readLoop() {
	defer func() {
		c.events <- Event{Type: EventClosed}
		close(c.events)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("Socket read error: %v", err)
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("Unparseable provider event: %v", err)
			continue
		}

		switch ev.Type {
		case "session.created", "session.updated":
			if ev.Type == "session.created" {
				c.events <- Event{Type: EventReady}
			}
		case "response.audio.delta":
			c.events <- Event{Type: EventAudioDelta, AudioB64: ev.Delta}
		case "response.audio_transcript.done":
			c.events <- Event{Type: EventAgentTranscript, Text: ev.Transcript}
		case "conversation.item.input_audio_transcription.completed":
			c.events <- Event{Type: EventUserTranscript, Text: ev.Transcript}
		case "input_audio_buffer.speech_started":
			c.events <- Event{Type: EventSpeechStarted}
		case "response.function_call_arguments.done":
			c.events <- Event{
				Type:       EventToolCall,
				ToolName:   ev.Name,
				ToolCallID: ev.CallID,
				ArgsJSON:   ev.Arguments,
			}
		case "response.done":
			c.events <- Event{Type: EventResponseDone}
		case "error":
			msg := "provider error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			c.events <- Event{Type: EventError, Err: fmt.Errorf("%s", msg)}
		default:
			// Deltas we do not consume (text deltas, rate limits, etc.)
		}
	}
}

func (c *Conn) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// SendSessionUpdate pushes the voice, VAD, tool schema, and system prompt.
func (c *Conn) SendSessionUpdate(cfg SessionConfig) error {
	tools := make([]map[string]interface{}, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools = append(tools, map[string]interface{}{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}

	return c.send(map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"voice":               cfg.Voice,
			"instructions":        cfg.SystemPrompt,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]interface{}{
				"model": "whisper-1",
			},
			"turn_detection": map[string]interface{}{
				"type":                "server_vad",
				"threshold":           cfg.VAD.Threshold,
				"silence_duration_ms": cfg.VAD.SilenceDurationMs,
				"prefix_padding_ms":   cfg.VAD.PrefixPaddingMs,
			},
			"tools": tools,
		},
	})
}

// AppendAudio forwards one base64 PCM16 chunk from the telephony leg.
func (c *Conn) AppendAudio(b64 string) error {
	return c.send(map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": b64,
	})
}

// SendToolResult returns a tool's output for the given call id.
func (c *Conn) SendToolResult(toolCallID, output string) error {
	return c.send(map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type":    "function_call_output",
			"call_id": toolCallID,
			"output":  output,
		},
	})
}

// CreateResponse asks the model to continue the conversation.
func (c *Conn) CreateResponse() error {
	return c.send(map[string]interface{}{"type": "response.create"})
}

// SendUserText injects a text turn, used for the configured first message.
func (c *Conn) SendUserText(text string) error {
	return c.send(map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type": "message",
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// Close shuts the socket down. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closed.Do(func() {
		c.writeMu.Lock()
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
