// Package server exposes the HTTP surface: the telephony answer webhook, the
// media WebSocket, outbound-call and campaign control, and health.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go/twiml"

	"github.com/voxlink-ai/voicebridge/src/batch"
	"github.com/voxlink-ai/voicebridge/src/bridge"
	"github.com/voxlink-ai/voicebridge/src/logger"
	"github.com/voxlink-ai/voicebridge/src/migrate"
	"github.com/voxlink-ai/voicebridge/src/telephony"
)

// Campaigns manages running batch campaigns by id.
type Campaigns struct {
	mu      sync.Mutex
	running map[string]*batch.Campaign
}

// NewCampaigns creates an empty campaign registry.
func NewCampaigns() *Campaigns {
	return &Campaigns{running: make(map[string]*batch.Campaign)}
}

// Server wires the HTTP routes to the bridge and batch layers.
type Server struct {
	orchestrator *bridge.Orchestrator
	campaigns    *Campaigns
	newCampaign  func(cfg batch.Config) *batch.Campaign
	targets      *batch.MemoryTargetStore
	migrator     *migrate.Migrator
	publicBase   string
	upgrader     websocket.Upgrader
	log          *logger.Logger
}

// New builds the server. publicBase is the externally reachable https root;
// the media WebSocket URL is derived from it.
func New(o *bridge.Orchestrator, targets *batch.MemoryTargetStore,
	newCampaign func(cfg batch.Config) *batch.Campaign, migrator *migrate.Migrator, publicBase string) *Server {

	return &Server{
		orchestrator: o,
		campaigns:    NewCampaigns(),
		newCampaign:  newCampaign,
		targets:      targets,
		migrator:     migrator,
		publicBase:   publicBase,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger.WithPrefix("Server"),
	}
}

// Routes registers all endpoints on the engine.
func (s *Server) Routes(r *gin.Engine) {
	r.POST("/calls/answer", s.handleAnswer)
	r.POST("/calls/answer/:agent_id", s.handleAnswer)
	r.GET("/media", s.handleMedia)
	r.POST("/calls/outbound", s.handleOutbound)
	r.GET("/calls", s.handleActiveCalls)

	r.POST("/campaigns", s.handleStartCampaign)
	r.POST("/campaigns/:id/pause", s.campaignAction((*batch.Campaign).Pause))
	r.POST("/campaigns/:id/resume", s.campaignAction((*batch.Campaign).Resume))
	r.POST("/campaigns/:id/cancel", s.handleCancelCampaign)
	r.GET("/campaigns/:id/progress", s.handleCampaignProgress)

	r.POST("/numbers/:number/migrate", s.handleMigrateNumber)
	r.POST("/numbers/:number/verify", s.handleVerifyNumber)
	r.POST("/numbers/migrate-all", s.handleMigrateAll)
	r.POST("/agents/:agent_id/migrate", s.handleMigrateAgent)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// mediaURL converts the public https root into the wss media endpoint.
func (s *Server) mediaURL() string {
	base := strings.Replace(s.publicBase, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/media"
}

// handleAnswer responds to the provider's inbound-call webhook with TwiML
// that connects the call's audio to the media WebSocket. Call metadata rides
// along as stream parameters.
func (s *Server) handleAnswer(c *gin.Context) {
	from := c.PostForm("From")
	to := c.PostForm("To")
	agentID := c.Param("agent_id")

	stream := &twiml.VoiceStream{
		Url: s.mediaURL(),
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: "from", Value: from},
			&twiml.VoiceParameter{Name: "to", Value: to},
			&twiml.VoiceParameter{Name: "agent_id", Value: agentID},
		},
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		s.log.Error("TwiML build failed: %v", err)
		c.String(http.StatusInternalServerError, "")
		return
	}
	c.Header("Content-Type", "text/xml")
	c.String(http.StatusOK, doc)
}

// handleMedia upgrades the media WebSocket and runs the bridge for the life
// of the call.
func (s *Server) handleMedia(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("Media upgrade failed: %v", err)
		return
	}
	s.orchestrator.RunInbound(c.Request.Context(), telephony.NewMediaStream(ws))
}

// handleActiveCalls lists the calls currently bridged.
func (s *Server) handleActiveCalls(c *gin.Context) {
	ids := s.orchestrator.ActiveCalls()
	c.JSON(http.StatusOK, gin.H{"active": ids, "count": len(ids)})
}

type outboundRequest struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
}

func (s *Server) handleOutbound(c *gin.Context) {
	var req outboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	callID, err := s.orchestrator.StartOutbound(c.Request.Context(), req.From, req.To)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, bridge.ErrNoCapacity) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID})
}

type campaignRequest struct {
	ID                 string   `json:"id" binding:"required"`
	From               string   `json:"from" binding:"required"`
	Targets            []string `json:"targets" binding:"required"`
	MaxConcurrentCalls int      `json:"max_concurrent_calls"`
}

func (s *Server) handleStartCampaign(c *gin.Context) {
	var req campaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	campaign := s.newCampaign(batch.Config{
		CampaignID:         req.ID,
		FromNumber:         req.From,
		MaxConcurrentCalls: req.MaxConcurrentCalls,
	})

	// Claim the id before any slow work so the registry lock is never held
	// across a provider round trip.
	s.campaigns.mu.Lock()
	if _, exists := s.campaigns.running[req.ID]; exists {
		s.campaigns.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "campaign already running"})
		return
	}
	s.campaigns.running[req.ID] = campaign
	s.campaigns.mu.Unlock()

	// Pre-flight heal of provider-side drift on the campaign's number.
	if err := s.migrator.VerifyAndEnsureExists(c.Request.Context(), req.From); err != nil {
		s.log.Warn("Pre-flight verification of %s: %v", req.From, err)
	}

	for i, number := range req.Targets {
		s.targets.Add(req.ID, batch.Target{ID: req.ID + "-" + strconv.Itoa(i+1), Number: number})
	}

	go func() {
		campaign.Run(context.Background())
		s.campaigns.mu.Lock()
		delete(s.campaigns.running, req.ID)
		s.campaigns.mu.Unlock()
	}()
	c.JSON(http.StatusAccepted, gin.H{"campaign_id": req.ID, "targets": len(req.Targets)})
}

func (s *Server) lookupCampaign(c *gin.Context) *batch.Campaign {
	s.campaigns.mu.Lock()
	defer s.campaigns.mu.Unlock()
	campaign, ok := s.campaigns.running[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not running"})
		return nil
	}
	return campaign
}

func (s *Server) campaignAction(action func(*batch.Campaign)) gin.HandlerFunc {
	return func(c *gin.Context) {
		campaign := s.lookupCampaign(c)
		if campaign == nil {
			return
		}
		action(campaign)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) handleCancelCampaign(c *gin.Context) {
	campaign := s.lookupCampaign(c)
	if campaign == nil {
		return
	}
	campaign.Cancel(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type migrateRequest struct {
	CredentialID string `json:"credential_id" binding:"required"`
	AgentID      string `json:"agent_id"`
}

func (s *Server) handleMigrateNumber(c *gin.Context) {
	var req migrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.migrator.MigratePhoneNumber(c.Request.Context(), c.Param("number"), req.CredentialID, req.AgentID)
	switch {
	case errors.Is(err, migrate.ErrMigrationInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "migrated"})
	}
}

// handleMigrateAgent re-homes every number assigned to the agent onto the
// requested credential.
func (s *Server) handleMigrateAgent(c *gin.Context) {
	var req migrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.migrator.MigrateAgent(c.Request.Context(), c.Param("agent_id"), req.CredentialID)
	switch {
	case errors.Is(err, migrate.ErrMigrationInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "migrated"})
	}
}

func (s *Server) handleVerifyNumber(c *gin.Context) {
	if err := s.migrator.VerifyAndEnsureExists(c.Request.Context(), c.Param("number")); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "verified"})
}

func (s *Server) handleMigrateAll(c *gin.Context) {
	var desired map[string]string
	if err := c.ShouldBindJSON(&desired); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	migrated, err := s.migrator.MigrateAllMismatched(c.Request.Context(), desired)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"migrated": migrated})
}

func (s *Server) handleCampaignProgress(c *gin.Context) {
	campaign := s.lookupCampaign(c)
	if campaign == nil {
		return
	}
	progress, err := campaign.Progress(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, progress)
}
