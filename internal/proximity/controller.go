// Package proximity decides when the stored location is worth pushing to the
// backend and runs the periodic sync loop.
package proximity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spotterfit/location-sync-service/internal/cache"
	"github.com/spotterfit/location-sync-service/internal/client"
	"github.com/spotterfit/location-sync-service/internal/geo"
	"github.com/spotterfit/location-sync-service/internal/models"
	"github.com/spotterfit/location-sync-service/internal/observability"
	"github.com/spotterfit/location-sync-service/internal/store"
)

// State reports whether the controller's periodic loop is running.
type State int

const (
	StateIdle State = iota
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	default:
		return "unknown"
	}
}

// Defaults for the sync gates and loop cadence.
const (
	DefaultCooldown          = 30 * time.Minute
	DefaultInterval          = 30 * time.Minute
	DefaultMovementThreshold = 500.0 // meters

	syncFlightKey     = "location_push"
	syncFlightTimeout = 30 * time.Second
)

// Skip reasons reported in Outcome and as metric labels.
const (
	SkipCooldown   = "cooldown"
	SkipIncomplete = "incomplete"
	SkipStationary = "below_threshold"
)

// Outcome is the explicit result of one sync evaluation: either a push
// happened (with the backend's acknowledgement) or a gate named why not.
type Outcome struct {
	Pushed     bool
	SkipReason string
	Ack        models.SyncAck
}

// Controller gates location pushes behind a cooldown and a minimum-movement
// threshold, and runs the periodic evaluation loop. A failed push is never
// retried inline; the next tick re-evaluates from scratch.
type Controller struct {
	store     *store.Store
	backend   client.Backend
	logger    *zap.Logger
	cooldown  time.Duration
	threshold float64 // meters
	interval  time.Duration

	mu           sync.Mutex
	state        State
	lastSyncTime time.Time
	lastKnown    models.Location
	hasLastKnown bool
	cancel       context.CancelFunc

	flight *cache.Coalescer[Outcome]
	now    func() time.Time
}

// Config holds controller tuning. Zero values take the defaults above.
type Config struct {
	Cooldown          time.Duration
	Interval          time.Duration
	MovementThreshold float64
}

// New creates a Controller in the idle state.
func New(st *store.Store, backend client.Backend, cfg Config, logger *zap.Logger) *Controller {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MovementThreshold <= 0 {
		cfg.MovementThreshold = DefaultMovementThreshold
	}
	return &Controller{
		store:     st,
		backend:   backend,
		logger:    logger,
		cooldown:  cfg.Cooldown,
		threshold: cfg.MovementThreshold,
		interval:  cfg.Interval,
		flight:    cache.NewCoalescer[Outcome](syncFlightTimeout),
		now:       time.Now,
	}
}

// State returns the current loop state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSyncTime returns when the last successful push happened, zero if never.
func (c *Controller) LastSyncTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSyncTime
}

// StartAutoSync begins the periodic loop: one evaluation immediately, then
// one per interval until ctx is canceled or StopAutoSync is called. Starting
// an already-polling controller is a no-op.
func (c *Controller) StartAutoSync(ctx context.Context) {
	c.mu.Lock()
	if c.state == StatePolling {
		c.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.state = StatePolling
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("auto sync started", zap.Duration("interval", c.interval))

	go func() {
		c.evaluateLogged(loopCtx)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				c.evaluateLogged(loopCtx)
			}
		}
	}()
}

// StopAutoSync halts the periodic loop. Idempotent.
func (c *Controller) StopAutoSync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		return
	}
	c.cancel()
	c.cancel = nil
	c.state = StateIdle
	c.logger.Info("auto sync stopped")
}

// ForceSync runs one evaluation on demand. Concurrent calls collapse into a
// single in-flight push; every caller receives the shared outcome.
func (c *Controller) ForceSync(ctx context.Context) (Outcome, error) {
	out, coalesced, err := c.syncOnce(ctx)
	if coalesced {
		c.logger.Debug("force sync coalesced into in-flight push")
	}
	return out, err
}

// syncOnce funnels an evaluation through the single-flight key. Force-syncs
// and periodic ticks share the key, so an evaluation overlapping an in-flight
// push joins it instead of issuing a second one.
func (c *Controller) syncOnce(ctx context.Context) (Outcome, bool, error) {
	return c.flight.GetOrDo(ctx, syncFlightKey, func() (Outcome, error) {
		return c.Evaluate(context.WithoutCancel(ctx))
	})
}

// Evaluate runs the gate chain once: cooldown, stored-location completeness,
// then minimum movement against the last pushed position. A location passing
// all gates is pushed; success commits lastSyncTime and lastKnown, failure
// leaves both untouched so the next tick retries.
func (c *Controller) Evaluate(ctx context.Context) (Outcome, error) {
	now := c.now()

	c.mu.Lock()
	if !c.lastSyncTime.IsZero() && now.Sub(c.lastSyncTime) < c.cooldown {
		c.mu.Unlock()
		observability.SyncSkippedTotal.WithLabelValues(SkipCooldown).Inc()
		return Outcome{SkipReason: SkipCooldown}, nil
	}
	lastKnown, hasLastKnown := c.lastKnown, c.hasLastKnown
	c.mu.Unlock()

	loc, ok := c.store.Current(ctx)
	if !ok || !loc.Complete() {
		observability.SyncSkippedTotal.WithLabelValues(SkipIncomplete).Inc()
		return Outcome{SkipReason: SkipIncomplete}, nil
	}

	if hasLastKnown && lastKnown.Complete() {
		moved := geo.DistanceMeters(lastKnown.Lat, lastKnown.Lng, loc.Lat, loc.Lng)
		if moved < c.threshold {
			observability.SyncSkippedTotal.WithLabelValues(SkipStationary).Inc()
			c.logger.Debug("sync skipped, movement below threshold",
				zap.Float64("moved_meters", moved),
				zap.Float64("threshold_meters", c.threshold))
			return Outcome{SkipReason: SkipStationary}, nil
		}
	}

	ack, err := c.backend.PushLocation(ctx, loc)
	if err != nil {
		observability.LocationPushesTotal.WithLabelValues("error").Inc()
		c.logger.Warn("location push failed, will retry on next tick",
			zap.Error(err),
			zap.String("error_category", string(client.CategorizeError(err))))
		return Outcome{}, err
	}

	c.mu.Lock()
	c.lastSyncTime = now
	c.lastKnown = loc
	c.hasLastKnown = true
	c.mu.Unlock()

	observability.LocationPushesTotal.WithLabelValues("success").Inc()
	c.logger.Info("location pushed",
		zap.String("city", loc.City),
		zap.String("source", string(loc.Source)),
		zap.Int("nearby_gyms", len(ack.NearbyGyms)))
	return Outcome{Pushed: true, Ack: ack}, nil
}

func (c *Controller) evaluateLogged(ctx context.Context) {
	_, coalesced, err := c.syncOnce(ctx)
	if coalesced {
		c.logger.Debug("periodic sync joined in-flight push")
	}
	if err != nil {
		c.logger.Warn("periodic sync evaluation failed", zap.Error(err))
	}
}
