package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/voxlink-ai/voicebridge/src/audio"
	"github.com/voxlink-ai/voicebridge/src/batch"
	"github.com/voxlink-ai/voicebridge/src/bridge"
	"github.com/voxlink-ai/voicebridge/src/config"
	"github.com/voxlink-ai/voicebridge/src/events"
	"github.com/voxlink-ai/voicebridge/src/locks"
	"github.com/voxlink-ai/voicebridge/src/logger"
	"github.com/voxlink-ai/voicebridge/src/migrate"
	"github.com/voxlink-ai/voicebridge/src/pool"
	"github.com/voxlink-ai/voicebridge/src/server"
	"github.com/voxlink-ai/voicebridge/src/services/realtime"
	"github.com/voxlink-ai/voicebridge/src/session"
	"github.com/voxlink-ai/voicebridge/src/store"
	"github.com/voxlink-ai/voicebridge/src/telephony"
	"github.com/voxlink-ai/voicebridge/src/tools"
)

func main() {
	logger.Init()
	log := logger.WithPrefix("Main")

	cfg, err := config.Load()
	if err != nil {
		log.Error("Configuration error: %v", err)
		os.Exit(1)
	}

	ctx := context.Background()

	var calls store.CallMetadataStore
	var appointments store.AppointmentStore
	var forms store.FormStore
	if fs, err := store.NewFirestoreStore(ctx); err == nil {
		log.Info("Using Firestore persistence")
		calls, appointments, forms = fs, fs, fs.Forms()
	} else {
		log.Warn("Firestore unavailable (%v), using in-memory stores", err)
		calls = store.NewMemoryStore()
		appointments = store.NewMemoryAppointmentStore()
		forms = store.NewMemoryFormStore()
	}

	settings := make(pool.Settings, len(cfg.Credentials))
	for _, cred := range cfg.Credentials {
		settings[cred.ID] = cred.MaxSlots
	}
	p := pool.New(settings)
	resolver := pool.NewResolver(p, cfg.Credentials)
	registry := session.NewRegistry()

	twilioClient := telephony.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken)

	var emitter events.Emitter = events.NopEmitter{}
	if cfg.BillingWebhookURL != "" {
		emitter = events.NewWebhookEmitter(cfg.BillingWebhookURL)
	}

	dispatcher := tools.NewDispatcher(tools.Config{
		Control:      twilioClient,
		Calls:        calls,
		Appointments: appointments,
		Forms:        forms,
		Transcoder:   audio.NewOpusTranscoder(),
	})

	orchestrator := bridge.NewOrchestrator(bridge.Config{
		Voice:          cfg.Voice,
		SystemPrompt:   cfg.SystemPrompt,
		FirstMessage:   cfg.FirstMessage,
		Tools:          toolSchema(),
		VAD:            realtime.VADConfig{Threshold: 0.5, SilenceDurationMs: 500, PrefixPaddingMs: 300},
		RealtimeURL:    cfg.RealtimeURL,
		RealtimeModel:  cfg.RealtimeModel,
		ConnectTimeout: cfg.ConnectTimeout,
		StreamURL:      streamURL(cfg.PublicBaseURL),
	}, registry, p, resolver, dispatcher, twilioClient, calls, emitter, nil)

	targets := batch.NewMemoryTargetStore()
	newCampaign := func(bc batch.Config) *batch.Campaign {
		if bc.MaxConcurrentCalls <= 0 {
			bc.MaxConcurrentCalls = cfg.MaxConcurrentCalls
		}
		bc.CallDelay = cfg.CallDelay
		bc.PollInterval = cfg.CallPollInterval
		bc.MaxCallDuration = cfg.MaxCallDuration
		return batch.NewCampaign(bc, targets, orchestrator, twilioClient, resolver, emitter)
	}

	migrator := migrate.New(locks.NewKeyed(), migrate.NewMemoryNumberStore(),
		func(credentialID string) (telephony.NumberRegistrar, error) {
			// Numbers live on one telephony account; credentials partition
			// the AI side. The registrar is shared.
			return twilioClient, nil
		}, cfg.PublicBaseURL)

	// Calls that stop sending caller audio are hung up so their slots free.
	go orchestrator.RunReaper(ctx, time.Minute, 5*time.Minute)

	srv := server.New(orchestrator, targets, newCampaign, migrator, cfg.PublicBaseURL)
	engine := gin.Default()
	srv.Routes(engine)

	log.Info("Listening on :%s", cfg.Port)
	if err := engine.Run(":" + cfg.Port); err != nil {
		log.Error("Server stopped: %v", err)
		os.Exit(1)
	}
}

func streamURL(publicBase string) string {
	if len(publicBase) > 8 && publicBase[:8] == "https://" {
		return "wss://" + publicBase[8:] + "/media"
	}
	if len(publicBase) > 7 && publicBase[:7] == "http://" {
		return "ws://" + publicBase[7:] + "/media"
	}
	return publicBase + "/media"
}

// toolSchema declares the built-in tools offered to the model.
func toolSchema() []realtime.ToolDef {
	return []realtime.ToolDef{
		{
			Name:        "end_call",
			Description: "End the phone call when the conversation is finished.",
			Parameters:  []byte(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "transfer_call",
			Description: "Transfer the caller to a human. Provide the target phone number.",
			Parameters:  []byte(`{"type":"object","properties":{"number":{"type":"string","description":"E.164 phone number to transfer to"}},"required":["number"]}`),
		},
		{
			Name:        "play_audio",
			Description: "Play a pre-recorded audio clip to the caller.",
			Parameters:  []byte(`{"type":"object","properties":{"url":{"type":"string","description":"URL of the audio clip"}},"required":["url"]}`),
		},
		{
			Name:        "book_appointment",
			Description: "Book an appointment for the caller.",
			Parameters:  []byte(`{"type":"object","properties":{"contact":{"type":"string"},"phone":{"type":"string"},"date":{"type":"string","description":"YYYY-MM-DD"},"slot":{"type":"string","description":"HH:MM, 24 hour"}},"required":["contact","date","slot"]}`),
		},
		{
			Name:        "submit_form",
			Description: "Submit the caller's details as a lead form.",
			Parameters:  []byte(`{"type":"object","properties":{"contact":{"type":"string"},"fields":{"type":"object","additionalProperties":{"type":"string"}}},"required":["contact","fields"]}`),
		},
	}
}
