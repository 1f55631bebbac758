package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/voxlink-ai/voicebridge/src/pool"
)

// Config holds everything the bridge needs at construction time.
type Config struct {
	Port string

	// AI provider
	Credentials     []pool.Credential
	RealtimeURL     string
	RealtimeModel   string
	ConnectTimeout  time.Duration
	Voice           string
	SystemPrompt    string
	FirstMessage    string

	// Telephony provider
	TwilioAccountSID string
	TwilioAuthToken  string
	PublicBaseURL    string

	// Batch defaults
	MaxConcurrentCalls int
	CallDelay          time.Duration
	CallPollInterval   time.Duration
	MaxCallDuration    time.Duration

	// Collaborators
	BillingWebhookURL string
}

// Load reads configuration from the environment, loading a .env file first
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               envOr("PORT", "8080"),
		RealtimeURL:        envOr("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:      envOr("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		ConnectTimeout:     envDuration("AI_CONNECT_TIMEOUT", 10*time.Second),
		Voice:              envOr("AI_VOICE", "alloy"),
		SystemPrompt:       os.Getenv("AI_SYSTEM_PROMPT"),
		FirstMessage:       os.Getenv("AI_FIRST_MESSAGE"),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		PublicBaseURL:      os.Getenv("PUBLIC_BASE_URL"),
		MaxConcurrentCalls: envInt("BATCH_MAX_CONCURRENT_CALLS", 3),
		CallDelay:          envDuration("BATCH_CALL_DELAY", 2*time.Second),
		CallPollInterval:   envDuration("BATCH_POLL_INTERVAL", 5*time.Second),
		MaxCallDuration:    envDuration("BATCH_MAX_CALL_DURATION", 10*time.Minute),
		BillingWebhookURL:  os.Getenv("BILLING_WEBHOOK_URL"),
	}

	creds, err := loadCredentials()
	if err != nil {
		return nil, err
	}
	cfg.Credentials = creds

	return cfg, nil
}

// loadCredentials reads the credential list from AI_CREDENTIALS (a JSON
// array) or falls back to a single credential from OPENAI_API_KEY.
func loadCredentials() ([]pool.Credential, error) {
	if raw := os.Getenv("AI_CREDENTIALS"); raw != "" {
		var creds []pool.Credential
		if err := json.Unmarshal([]byte(raw), &creds); err != nil {
			return nil, fmt.Errorf("parse AI_CREDENTIALS: %w", err)
		}
		for i := range creds {
			if creds[i].MaxSlots <= 0 {
				creds[i].MaxSlots = envInt("AI_MAX_SLOTS_PER_CREDENTIAL", 10)
			}
		}
		return creds, nil
	}

	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("no AI credentials configured (set AI_CREDENTIALS or OPENAI_API_KEY)")
	}
	return []pool.Credential{{
		ID:       "default",
		APIKey:   key,
		MaxSlots: envInt("AI_MAX_SLOTS_PER_CREDENTIAL", 10),
	}}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
