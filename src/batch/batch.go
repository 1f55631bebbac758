// Package batch runs outbound call campaigns: targets are pulled from a
// durable queue and dialed subject to a concurrency cap, pool capacity, and
// inter-dial pacing, with each call monitored to a terminal status.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/voxlink-ai/voicebridge/src/events"
	"github.com/voxlink-ai/voicebridge/src/logger"
)

// TargetStatus is a dial target's durable state.
type TargetStatus string

const (
	TargetPending    TargetStatus = "pending"
	TargetInProgress TargetStatus = "in_progress"
	TargetCompleted  TargetStatus = "completed"
	TargetFailed     TargetStatus = "failed"
)

// Target is one number to dial.
type Target struct {
	ID     string
	Number string
	Status TargetStatus
}

// Counts are the authoritative per-status totals from the durable store.
type Counts struct {
	Pending    int
	InProgress int
	Completed  int
	Failed     int
}

// TargetStore is the campaign's durable queue.
type TargetStore interface {
	NextPending(ctx context.Context, campaignID string, limit int) ([]Target, error)
	SetStatus(ctx context.Context, campaignID, targetID string, status TargetStatus) error
	Counts(ctx context.Context, campaignID string) (Counts, error)
}

// Dialer places one outbound call and returns the provider call id.
type Dialer interface {
	StartOutbound(ctx context.Context, from, to string) (string, error)
}

// CallMonitor polls and force-ends live calls.
type CallMonitor interface {
	CallStatus(callSID string) (string, error)
	EndCall(callSID string) error
}

// CapacityCheck reports whether the AI-provider pool can take another call.
type CapacityCheck interface {
	HasFreeCapacity() bool
}

// Config tunes one campaign.
type Config struct {
	CampaignID         string
	FromNumber         string
	MaxConcurrentCalls int
	CallDelay          time.Duration
	PollInterval       time.Duration
	MaxCallDuration    time.Duration
}

// Progress is a snapshot recomputed from durable counts plus the live
// in-flight set.
type Progress struct {
	Counts
	InFlight  int
	Paused    bool
	Cancelled bool
}

type inFlightCall struct {
	targetID string
	started  time.Time
}

// Campaign drives one batch of outbound calls. Run executes the loop;
// Pause, Resume, and Cancel are safe to call concurrently with it.
type Campaign struct {
	cfg      Config
	store    TargetStore
	dialer   Dialer
	monitor  CallMonitor
	capacity CapacityCheck
	emitter  events.Emitter
	log      *logger.Logger

	mu        sync.Mutex
	queue     []Target
	inFlight  map[string]inFlightCall
	paused    bool
	cancelled bool
	wg        sync.WaitGroup
}

// NewCampaign wires a campaign with defaults applied.
func NewCampaign(cfg Config, store TargetStore, dialer Dialer, monitor CallMonitor,
	capacity CapacityCheck, emitter events.Emitter) *Campaign {

	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = 10 * time.Minute
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Campaign{
		cfg:      cfg,
		store:    store,
		dialer:   dialer,
		monitor:  monitor,
		capacity: capacity,
		emitter:  emitter,
		inFlight: make(map[string]inFlightCall),
		log:      logger.WithPrefix("Batch"),
	}
}

// Pause stops new dials; in-flight calls continue.
func (c *Campaign) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume restarts dialing after a pause.
func (c *Campaign) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Cancel stops the campaign. Queued targets are failed in bulk and every
// in-flight call is force-ended; the loop observes the flag and exits.
func (c *Campaign) Cancel(ctx context.Context) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	queued := c.queue
	c.queue = nil
	live := make([]string, 0, len(c.inFlight))
	for sid := range c.inFlight {
		live = append(live, sid)
	}
	c.mu.Unlock()

	for _, t := range queued {
		c.store.SetStatus(ctx, c.cfg.CampaignID, t.ID, TargetFailed)
	}
	// Durable pendings that never made it into memory fail too.
	for {
		pending, err := c.store.NextPending(ctx, c.cfg.CampaignID, 50)
		if err != nil || len(pending) == 0 {
			break
		}
		for _, t := range pending {
			c.store.SetStatus(ctx, c.cfg.CampaignID, t.ID, TargetFailed)
		}
	}
	for _, sid := range live {
		if err := c.monitor.EndCall(sid); err != nil {
			c.log.Warn("Force-end of %s failed: %v", sid, err)
		}
	}
	c.log.Info("Campaign %s cancelled (%d queued failed, %d calls ended)",
		c.cfg.CampaignID, len(queued), len(live))
}

// Progress recomputes progress from the durable counts so it stays correct
// across process restarts.
func (c *Campaign) Progress(ctx context.Context) (Progress, error) {
	counts, err := c.store.Counts(ctx, c.cfg.CampaignID)
	if err != nil {
		return Progress{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Progress{
		Counts:    counts,
		InFlight:  len(c.inFlight),
		Paused:    c.paused,
		Cancelled: c.cancelled,
	}, nil
}

func (c *Campaign) snapshot() (paused, cancelled bool, queueLen, inFlight int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused, c.cancelled, len(c.queue), len(c.inFlight)
}

// Run executes the campaign loop until the queue drains, the campaign is
// cancelled, or ctx is done. It blocks until all call monitors finish.
func (c *Campaign) Run(ctx context.Context) {
	defer c.wg.Wait()

	for {
		paused, cancelled, queueLen, inFlight := c.snapshot()
		if cancelled || ctx.Err() != nil {
			return
		}
		if paused {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		if queueLen == 0 {
			if n := c.refill(ctx); n == 0 && inFlight == 0 {
				c.log.Info("Campaign %s drained", c.cfg.CampaignID)
				return
			}
		}

		dialed := c.dialBatch(ctx)
		if !dialed {
			// Nothing dialable right now; wait for capacity or monitors.
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// refill pulls pending targets from the durable store into memory.
func (c *Campaign) refill(ctx context.Context) int {
	targets, err := c.store.NextPending(ctx, c.cfg.CampaignID, c.cfg.MaxConcurrentCalls*2)
	if err != nil {
		c.log.Error("Queue refill failed: %v", err)
		return 0
	}
	c.mu.Lock()
	c.queue = append(c.queue, targets...)
	n := len(c.queue)
	c.mu.Unlock()
	return n
}

// dialBatch dials while capacity remains, pacing between dials. The delay is
// skipped when the dequeue empties the queue. Reports whether any call was
// placed.
func (c *Campaign) dialBatch(ctx context.Context) bool {
	dialed := false
	for {
		c.mu.Lock()
		if c.cancelled || c.paused || len(c.queue) == 0 || len(c.inFlight) >= c.cfg.MaxConcurrentCalls {
			c.mu.Unlock()
			return dialed
		}
		if !c.capacity.HasFreeCapacity() {
			c.mu.Unlock()
			return dialed
		}
		target := c.queue[0]
		c.queue = c.queue[1:]
		queueEmpty := len(c.queue) == 0
		c.mu.Unlock()

		c.dialOne(ctx, target)
		dialed = true

		if queueEmpty {
			return dialed
		}
		select {
		case <-time.After(c.cfg.CallDelay):
		case <-ctx.Done():
			return dialed
		}
	}
}

func (c *Campaign) dialOne(ctx context.Context, target Target) {
	if err := c.store.SetStatus(ctx, c.cfg.CampaignID, target.ID, TargetInProgress); err != nil {
		c.log.Error("Mark in-progress failed for %s: %v", target.ID, err)
	}

	callSID, err := c.dialer.StartOutbound(ctx, c.cfg.FromNumber, target.Number)
	if err != nil {
		c.log.Error("Dial of %s failed: %v", target.Number, err)
		c.store.SetStatus(ctx, c.cfg.CampaignID, target.ID, TargetFailed)
		return
	}

	c.mu.Lock()
	c.inFlight[callSID] = inFlightCall{targetID: target.ID, started: time.Now()}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.monitorCall(ctx, callSID, target.ID)
}

// monitorCall polls the call until it reaches a terminal status or runs past
// the duration ceiling, then settles the target.
func (c *Campaign) monitorCall(ctx context.Context, callSID, targetID string) {
	defer c.wg.Done()
	started := time.Now()

	for {
		select {
		case <-time.After(c.cfg.PollInterval):
		case <-ctx.Done():
			c.settle(context.Background(), callSID, targetID, TargetFailed)
			return
		}

		c.mu.Lock()
		cancelled := c.cancelled
		c.mu.Unlock()
		if cancelled {
			c.settle(ctx, callSID, targetID, TargetFailed)
			return
		}

		status, err := c.monitor.CallStatus(callSID)
		if err != nil {
			c.log.Warn("Status poll for %s failed: %v", callSID, err)
			continue
		}
		switch status {
		case "completed":
			c.settle(ctx, callSID, targetID, TargetCompleted)
			return
		case "busy", "failed", "no-answer", "canceled":
			c.settle(ctx, callSID, targetID, TargetFailed)
			return
		}

		if time.Since(started) > c.cfg.MaxCallDuration {
			c.log.Warn("Call %s exceeded %s, force-ending", callSID, c.cfg.MaxCallDuration)
			if err := c.monitor.EndCall(callSID); err != nil {
				c.log.Error("Force-end of %s failed: %v", callSID, err)
			}
			c.settle(ctx, callSID, targetID, TargetCompleted)
			return
		}
	}
}

func (c *Campaign) settle(ctx context.Context, callSID, targetID string, status TargetStatus) {
	c.mu.Lock()
	delete(c.inFlight, callSID)
	c.mu.Unlock()
	if err := c.store.SetStatus(ctx, c.cfg.CampaignID, targetID, status); err != nil {
		c.log.Error("Settle of target %s failed: %v", targetID, err)
	}
	c.emitter.Emit(ctx, events.Event{
		Type:       "campaign.call_settled",
		CallID:     callSID,
		CampaignID: c.cfg.CampaignID,
		Payload:    map[string]interface{}{"target_id": targetID, "status": string(status)},
	})
}
