package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/spotterfit/location-sync-service/internal/models"
)

func testLocation() models.Location {
	return models.Location{
		Lat: 45.5017, Lng: -73.5673, Valid: true,
		City: "Montreal", Address: "Montreal",
		Source: models.SourceGPS, Accuracy: models.AccuracyHigh,
	}
}

// TestStore_SaveAndCurrent verifies the round trip through the primary key.
func TestStore_SaveAndCurrent(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryKV(), nil)

	saved, err := s.Save(ctx, testLocation())
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved.Timestamp.IsZero() {
		t.Error("Save() did not stamp timestamp")
	}

	got, ok := s.Current(ctx)
	if !ok {
		t.Fatal("Current() ok = false, want true")
	}
	if got.Lat != 45.5017 || got.Lng != -73.5673 || got.City != "Montreal" {
		t.Errorf("Current() = %+v, want saved location", got)
	}
}

// TestStore_SaveRejectsIncomplete verifies that Save returns ErrIncomplete
// for locations without valid coordinates or a real city, and that the
// previously stored value remains retrievable.
func TestStore_SaveRejectsIncomplete(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryKV(), nil)

	if _, err := s.Save(ctx, testLocation()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	incomplete := models.Location{Lat: 45.5, Lng: -73.6, Valid: true} // placeholder city
	if _, err := s.Save(ctx, incomplete); !errors.Is(err, ErrIncomplete) {
		t.Errorf("Save(incomplete) error = %v, want ErrIncomplete", err)
	}

	noCoords := models.Location{City: "Montreal"}
	if _, err := s.Save(ctx, noCoords); !errors.Is(err, ErrIncomplete) {
		t.Errorf("Save(no coords) error = %v, want ErrIncomplete", err)
	}

	got, ok := s.Current(ctx)
	if !ok || got.City != "Montreal" || got.Lat != 45.5017 {
		t.Errorf("previous value corrupted by rejected save: %+v, ok=%v", got, ok)
	}
}

// TestStore_LegacyKeyFallback verifies that Current reads the legacy reduced
// record when the primary key is absent.
func TestStore_LegacyKeyFallback(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := New(kv, nil)

	compat, _ := json.Marshal(legacyRecord{
		Lat: 43.6532, Lng: -79.3832, City: "Toronto", Timestamp: time.Now().UTC(),
	})
	if err := kv.Set(ctx, legacyKey, compat); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok := s.Current(ctx)
	if !ok {
		t.Fatal("Current() ok = false, want legacy fallback")
	}
	if got.City != "Toronto" || got.Source != models.SourceImported {
		t.Errorf("Current() = %+v, want Toronto with source imported", got)
	}
}

// TestStore_SaveWritesLegacyKey verifies the compatibility shim: every save
// also refreshes the legacy reduced record.
func TestStore_SaveWritesLegacyKey(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	s := New(kv, nil)

	if _, err := s.Save(ctx, testLocation()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	raw, ok, err := kv.Get(ctx, legacyKey)
	if err != nil || !ok {
		t.Fatalf("legacy key read = (%v, %v), want present", ok, err)
	}
	var rec legacyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("legacy record unmarshal: %v", err)
	}
	if rec.City != "Montreal" || rec.Lat != 45.5017 {
		t.Errorf("legacy record = %+v, want reduced Montreal record", rec)
	}
}

// TestStore_FreshnessWindows verifies the 168h default window and the
// stricter smart-detection window.
func TestStore_FreshnessWindows(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryKV(), nil)

	if _, err := s.Save(ctx, testLocation()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Shift the clock two days forward: stale for smart detection (24h),
	// still fresh for best-location lookups (168h).
	s.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	if _, ok := s.Current(ctx); !ok {
		t.Error("Current() ok = false within 168h window")
	}
	if _, ok := s.CurrentWithin(ctx, SmartDetectMaxAge); ok {
		t.Error("CurrentWithin(24h) ok = true for a 48h-old fix")
	}

	// Past a week: stale for everything.
	s.now = func() time.Time { return time.Now().Add(169 * time.Hour) }
	if _, ok := s.Current(ctx); ok {
		t.Error("Current() ok = true past the 168h window")
	}
}

// failingKV simulates a broken persistence backend.
type failingKV struct{}

func (failingKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("backend unavailable")
}
func (failingKV) Set(ctx context.Context, key string, value []byte) error {
	return errors.New("backend unavailable")
}

// TestStore_BackendFailuresSwallowed verifies that backend read/write errors
// degrade to "no stored location" instead of propagating.
func TestStore_BackendFailuresSwallowed(t *testing.T) {
	ctx := context.Background()
	s := New(failingKV{}, nil)

	if _, err := s.Save(ctx, testLocation()); err != nil {
		t.Errorf("Save() error = %v, want swallowed backend failure", err)
	}
	if _, ok := s.Current(ctx); ok {
		t.Error("Current() ok = true on a failing backend")
	}
}

// TestStore_IsFresh covers the freshness predicate directly.
func TestStore_IsFresh(t *testing.T) {
	s := New(NewMemoryKV(), nil)

	fresh := models.Location{Timestamp: time.Now().Add(-time.Hour)}
	if !s.IsFresh(fresh, 2*time.Hour) {
		t.Error("IsFresh(1h old, 2h window) = false")
	}
	if s.IsFresh(fresh, 30*time.Minute) {
		t.Error("IsFresh(1h old, 30m window) = true")
	}
	if s.IsFresh(models.Location{}, time.Hour) {
		t.Error("IsFresh(zero timestamp) = true")
	}
}
