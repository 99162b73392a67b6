package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spotterfit/location-sync-service/internal/models"
	"github.com/spotterfit/location-sync-service/internal/normalize"
	"github.com/spotterfit/location-sync-service/internal/observability"
)

// Freshness windows. Best-location lookups tolerate a week-old fix; smart
// detection prefers to re-acquire rather than trust anything older than a day.
const (
	BestLocationMaxAge = 168 * time.Hour
	SmartDetectMaxAge  = 24 * time.Hour
)

// Storage keys. primaryKey holds the full normalized record and is the single
// source of truth. legacyKey holds the reduced {lat, lng, city, timestamp}
// shape older readers expect; it is written as a compatibility shim and read
// only when the primary key is absent.
const (
	primaryKey = "location:current"
	legacyKey  = "userLocation"
)

// ErrIncomplete is returned by Save for locations missing valid coordinates
// or a real city. The previously stored value is left intact.
var ErrIncomplete = errors.New("location incomplete: valid lat/lng and city required")

// KV is the device-scoped key-value persistence backend.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// legacyRecord is the reduced shape kept under legacyKey for older readers.
type legacyRecord struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	City      string    `json:"city"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists the single authoritative current location for this device.
// Backend read/write failures degrade to "no stored location"; they are
// logged and counted but never surface to callers.
type Store struct {
	kv     KV
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Store on the given backend.
func New(kv KV, logger *zap.Logger) *Store {
	return &Store{kv: kv, logger: logger, now: time.Now}
}

// Save normalizes loc if needed, stamps the timestamp, and persists it under
// the primary and legacy keys. Incomplete locations are rejected with
// ErrIncomplete and the previous value remains retrievable.
func (s *Store) Save(ctx context.Context, loc models.Location) (models.Location, error) {
	loc = normalize.Normalize(normalize.FromLocation(loc))
	loc.Timestamp = s.now().UTC()

	if !loc.Complete() {
		return models.Location{}, ErrIncomplete
	}

	full, err := json.Marshal(loc)
	if err != nil {
		return models.Location{}, err
	}
	if err := s.kv.Set(ctx, primaryKey, full); err != nil {
		observability.StoreErrorsTotal.WithLabelValues("save").Inc()
		if s.logger != nil {
			s.logger.Warn("location save failed", zap.Error(err))
		}
		return loc, nil
	}

	compat, err := json.Marshal(legacyRecord{
		Lat:       loc.Lat,
		Lng:       loc.Lng,
		City:      loc.City,
		Timestamp: loc.Timestamp,
	})
	if err == nil {
		if err := s.kv.Set(ctx, legacyKey, compat); err != nil {
			observability.StoreErrorsTotal.WithLabelValues("save").Inc()
			if s.logger != nil {
				s.logger.Warn("legacy key write failed", zap.Error(err))
			}
		}
	}
	return loc, nil
}

// Current returns the stored location if present and fresh within the
// best-location window (168h). The primary key is preferred; the legacy key
// is a fallback for records written by older clients.
func (s *Store) Current(ctx context.Context) (models.Location, bool) {
	return s.CurrentWithin(ctx, BestLocationMaxAge)
}

// CurrentWithin is Current with a caller-chosen freshness window. Smart
// detection callers pass SmartDetectMaxAge to force re-acquisition of
// anything older than a day.
func (s *Store) CurrentWithin(ctx context.Context, maxAge time.Duration) (models.Location, bool) {
	if loc, ok := s.loadPrimary(ctx); ok && s.IsFresh(loc, maxAge) {
		return loc, true
	}
	if loc, ok := s.loadLegacy(ctx); ok && s.IsFresh(loc, maxAge) {
		return loc, true
	}
	return models.Location{}, false
}

// IsFresh reports whether loc's timestamp is within maxAge of now.
func (s *Store) IsFresh(loc models.Location, maxAge time.Duration) bool {
	if loc.Timestamp.IsZero() {
		return false
	}
	return s.now().Sub(loc.Timestamp) < maxAge
}

func (s *Store) loadPrimary(ctx context.Context) (models.Location, bool) {
	raw, ok, err := s.kv.Get(ctx, primaryKey)
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues("load").Inc()
		if s.logger != nil {
			s.logger.Warn("location load failed", zap.Error(err))
		}
		return models.Location{}, false
	}
	if !ok {
		return models.Location{}, false
	}
	var loc models.Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		observability.StoreErrorsTotal.WithLabelValues("load").Inc()
		return models.Location{}, false
	}
	return loc, true
}

// loadLegacy reconstructs a Location from the reduced legacy record. The
// result carries source imported; accuracy and address derive from
// normalization defaults.
func (s *Store) loadLegacy(ctx context.Context) (models.Location, bool) {
	raw, ok, err := s.kv.Get(ctx, legacyKey)
	if err != nil {
		observability.StoreErrorsTotal.WithLabelValues("load").Inc()
		if s.logger != nil {
			s.logger.Warn("legacy key read failed", zap.Error(err))
		}
		return models.Location{}, false
	}
	if !ok {
		return models.Location{}, false
	}
	var rec legacyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		observability.StoreErrorsTotal.WithLabelValues("load").Inc()
		return models.Location{}, false
	}
	loc := normalize.Normalize(normalize.Raw{
		Lat:       rec.Lat,
		Lng:       rec.Lng,
		City:      rec.City,
		Source:    string(models.SourceImported),
		Timestamp: rec.Timestamp,
	})
	return loc, true
}
