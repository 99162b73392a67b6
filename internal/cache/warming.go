package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spotterfit/location-sync-service/internal/observability"
)

// Warmable is the warming surface of an EntityCache, abstracted so the
// Warmer can hold caches of different entity types in one list.
type Warmable interface {
	Warm(ctx context.Context) error
}

// Warmer prefetches the entity caches so the first map render after boot is
// served from memory instead of waiting on the backend.
type Warmer struct {
	caches map[string]Warmable
	logger *zap.Logger
}

// NewWarmer creates a Warmer over the named caches.
func NewWarmer(caches map[string]Warmable, logger *zap.Logger) *Warmer {
	return &Warmer{caches: caches, logger: logger}
}

// Warm fetches every cache concurrently. Returns an aggregated error if any
// cache failed to populate.
func (w *Warmer) Warm(ctx context.Context) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming entity caches", zap.Int("caches", len(w.caches)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(w.caches))
	for name, c := range w.caches {
		wg.Add(1)
		go func(name string, c Warmable) {
			defer wg.Done()
			if err := c.Warm(ctx); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", name, err)
			}
		}(name, c)
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete",
			zap.Int("caches", len(w.caches)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %v", errs)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval
// until ctx is done.
func (w *Warmer) WarmPeriodic(ctx context.Context, interval time.Duration) error {
	if err := w.Warm(ctx); err != nil && w.logger != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
