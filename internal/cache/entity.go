package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spotterfit/location-sync-service/internal/observability"
)

// DefaultTTL is the freshness window for cached entity collections.
const DefaultTTL = 5 * time.Minute

// coalesceTimeout bounds how long a Fetch caller waits on a shared in-flight
// fetch before giving up with its own context error.
const coalesceTimeout = 30 * time.Second

// FetchFunc loads the full entity collection from the backend.
type FetchFunc[T any] func(ctx context.Context) ([]T, error)

// EntityCache holds one entity type's fetched collection with an independent
// freshness window, a loading flag, and in-flight fetch de-duplication.
// Construct one instance per entity type (users, gyms); instances are
// independent and safe for concurrent use.
type EntityCache[T any] struct {
	entity string
	fetch  FetchFunc[T]
	ttl    time.Duration
	logger *zap.Logger

	mu            sync.Mutex
	items         []T
	lastFetchedAt time.Time
	loading       bool

	coalescer *Coalescer[[]T]
	stampede  *stampedeTracker
	now       func() time.Time
}

// New creates an EntityCache for one entity type. entity labels metrics and
// logs ("users", "gyms"). A non-positive ttl falls back to DefaultTTL.
func New[T any](entity string, fetch FetchFunc[T], ttl time.Duration, logger *zap.Logger) *EntityCache[T] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &EntityCache[T]{
		entity:    entity,
		fetch:     fetch,
		ttl:       ttl,
		logger:    logger,
		coalescer: NewCoalescer[[]T](coalesceTimeout),
		stampede:  newStampedeTracker(),
		now:       time.Now,
	}
}

// Fetch returns the entity collection. Without force, a fresh non-empty cache
// is served with no network call. A fetch already in flight is joined rather
// than duplicated. A failed fetch keeps the previous items and serves them
// stale; the error surfaces only when nothing was ever cached.
func (c *EntityCache[T]) Fetch(ctx context.Context, force bool) ([]T, error) {
	c.mu.Lock()
	if !force && len(c.items) > 0 && c.freshLocked() {
		items := c.items
		c.mu.Unlock()
		observability.EntityCacheHitsTotal.WithLabelValues(c.entity).Inc()
		return items, nil
	}
	stale := c.items
	c.mu.Unlock()

	concurrent := c.stampede.RecordMiss(c.entity)
	defer c.stampede.RecordDone(c.entity)
	if concurrent > 1 {
		observability.EntityFetchConcurrency.WithLabelValues(c.entity).Observe(float64(concurrent))
	}

	items, coalesced, err := c.coalescer.GetOrDo(ctx, c.entity, func() ([]T, error) {
		return c.doFetch(context.WithoutCancel(ctx))
	})
	if coalesced {
		observability.EntityFetchCoalescedTotal.WithLabelValues(c.entity).Inc()
	}
	if err != nil {
		if len(stale) > 0 {
			if c.logger != nil {
				c.logger.Warn("entity fetch failed, serving stale items",
					zap.String("entity", c.entity), zap.Int("items", len(stale)), zap.Error(err))
			}
			return stale, nil
		}
		return nil, err
	}
	return items, nil
}

// doFetch performs the network call and updates cache state. Runs inside the
// coalescer, so at most one execution per entity type at a time.
func (c *EntityCache[T]) doFetch(ctx context.Context) ([]T, error) {
	c.mu.Lock()
	c.loading = true
	c.mu.Unlock()

	items, err := c.fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading = false
	if err != nil {
		observability.EntityCacheFetchesTotal.WithLabelValues(c.entity, "error").Inc()
		return nil, err
	}
	c.items = items
	c.lastFetchedAt = c.now()
	observability.EntityCacheFetchesTotal.WithLabelValues(c.entity, "success").Inc()
	if c.logger != nil {
		c.logger.Debug("entity cache refreshed",
			zap.String("entity", c.entity), zap.Int("items", len(items)))
	}
	return items, nil
}

// Invalidate clears the freshness stamp so the next Fetch bypasses the TTL
// check. Cached items stay available and in-flight de-duplication still
// applies.
func (c *EntityCache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFetchedAt = time.Time{}
}

// Loading reports whether a fetch is currently in flight.
func (c *EntityCache[T]) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// LastFetchedAt returns the time of the last successful fetch, zero if never
// fetched or invalidated.
func (c *EntityCache[T]) LastFetchedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFetchedAt
}

// Warm populates the cache, forcing a fetch. Used at boot and by the
// periodic warmer.
func (c *EntityCache[T]) Warm(ctx context.Context) error {
	_, err := c.Fetch(ctx, true)
	return err
}

func (c *EntityCache[T]) freshLocked() bool {
	return !c.lastFetchedAt.IsZero() && c.now().Sub(c.lastFetchedAt) < c.ttl
}
