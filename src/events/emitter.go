package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/voxlink-ai/voicebridge/src/logger"
)

// Event is one billing/webhook notification. Emission is fire-and-forget;
// delivery failures must never abort the call that produced them.
type Event struct {
	Type       string                 `json:"type"`
	CallID     string                 `json:"call_id,omitempty"`
	CampaignID string                 `json:"campaign_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Emitter delivers events to the external billing/webhook pipeline.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// WebhookEmitter POSTs events as JSON to a configured endpoint in a
// background goroutine. Errors are logged and swallowed.
type WebhookEmitter struct {
	url    string
	client *http.Client
	log    *logger.Logger
}

// NewWebhookEmitter creates an emitter for the given endpoint.
func NewWebhookEmitter(url string) *WebhookEmitter {
	return &WebhookEmitter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger.WithPrefix("Events"),
	}
}

// Emit delivers the event asynchronously.
func (e *WebhookEmitter) Emit(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	go func() {
		body, err := json.Marshal(ev)
		if err != nil {
			e.log.Error("Failed to marshal event %s: %v", ev.Type, err)
			return
		}
		req, err := http.NewRequest(http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			e.log.Error("Failed to build event request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			e.log.Warn("Event %s for call %s not delivered: %v", ev.Type, ev.CallID, err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			e.log.Warn("Event %s for call %s rejected with %d", ev.Type, ev.CallID, resp.StatusCode)
		}
	}()
}

// NopEmitter drops every event. Used when no webhook endpoint is configured.
type NopEmitter struct{}

// Emit discards the event.
func (NopEmitter) Emit(ctx context.Context, ev Event) {}
