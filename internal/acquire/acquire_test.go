package acquire

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/spotterfit/location-sync-service/internal/client"
	"github.com/spotterfit/location-sync-service/internal/models"
	"github.com/spotterfit/location-sync-service/internal/normalize"
	"github.com/spotterfit/location-sync-service/internal/store"
)

type fakeIPLocator struct {
	raw   normalize.Raw
	err   error
	calls int
}

func (f *fakeIPLocator) Locate(ctx context.Context) (normalize.Raw, error) {
	f.calls++
	return f.raw, f.err
}

type fakeDevice struct {
	raw   normalize.Raw
	err   error
	calls int
}

func (f *fakeDevice) Fix(ctx context.Context) (normalize.Raw, error) {
	f.calls++
	return f.raw, f.err
}

type fakeGeocoder struct {
	addr  client.Address
	err   error
	calls int
}

func (f *fakeGeocoder) Reverse(ctx context.Context, lat, lng float64) (client.Address, error) {
	f.calls++
	return f.addr, f.err
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(store.NewMemoryKV(), zap.NewNop())
}

func TestBestLocation_StoredFreshWins(t *testing.T) {
	st := newStore(t)
	saved, err := st.Save(context.Background(), models.Location{
		Lat: 45.5017, Lng: -73.5673, Valid: true,
		City: "Montreal", Source: models.SourceGPS,
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	ip := &fakeIPLocator{}
	dev := &fakeDevice{}
	a := New(st, ip, dev, nil, zap.NewNop())

	got, err := a.BestLocation(context.Background())
	if err != nil {
		t.Fatalf("BestLocation() error = %v", err)
	}
	if got.City != saved.City || got.Lat != saved.Lat {
		t.Errorf("BestLocation() = %+v, want stored %+v", got, saved)
	}
	if ip.calls != 0 || dev.calls != 0 {
		t.Errorf("collaborators called (ip=%d, dev=%d), want 0 when store is fresh", ip.calls, dev.calls)
	}
}

func TestBestLocation_FallsToIPAndPersists(t *testing.T) {
	st := newStore(t)
	ip := &fakeIPLocator{raw: normalize.Raw{
		Lat: 45.5088, Lng: -73.5878,
		City: "Montreal", Country: "CA",
		Source: string(models.SourceIPLookup),
	}}
	dev := &fakeDevice{}
	a := New(st, ip, dev, nil, zap.NewNop())

	got, err := a.BestLocation(context.Background())
	if err != nil {
		t.Fatalf("BestLocation() error = %v", err)
	}
	if got.Source != models.SourceIPLookup {
		t.Errorf("Source = %q, want %q", got.Source, models.SourceIPLookup)
	}
	if got.Accuracy != models.AccuracyLow {
		t.Errorf("Accuracy = %q, want %q", got.Accuracy, models.AccuracyLow)
	}
	if dev.calls != 0 {
		t.Errorf("device called %d times, want 0 when IP resolves", dev.calls)
	}

	stored, ok := st.Current(context.Background())
	if !ok {
		t.Fatalf("resolved location was not persisted")
	}
	if stored.City != "Montreal" {
		t.Errorf("persisted city = %q, want Montreal", stored.City)
	}
}

func TestBestLocation_FallsToGPSWithReverseGeocode(t *testing.T) {
	st := newStore(t)
	ip := &fakeIPLocator{err: client.ErrIPLookupFailed}
	dev := &fakeDevice{raw: normalize.Raw{
		Lat: 45.5017, Lng: -73.5673,
		AccuracyM: 8,
		Source:    string(models.SourceGPS),
	}}
	geo := &fakeGeocoder{addr: client.Address{
		City:        "Montreal",
		DisplayName: "1000 Rue de la Montagne, Montreal",
		State:       "Quebec",
		CountryCode: "ca",
	}}
	a := New(st, ip, dev, geo, zap.NewNop())

	got, err := a.BestLocation(context.Background())
	if err != nil {
		t.Fatalf("BestLocation() error = %v", err)
	}
	if got.Source != models.SourceGPS {
		t.Errorf("Source = %q, want %q", got.Source, models.SourceGPS)
	}
	if got.Accuracy != models.AccuracyHigh {
		t.Errorf("Accuracy = %q, want %q", got.Accuracy, models.AccuracyHigh)
	}
	if got.City != "Montreal" {
		t.Errorf("City = %q, want Montreal from geocoder", got.City)
	}
	if geo.calls != 1 {
		t.Errorf("geocoder calls = %d, want 1", geo.calls)
	}
	if ip.calls != 1 {
		t.Errorf("ip calls = %d, want 1 (tried before GPS)", ip.calls)
	}
}

func TestBestLocation_GeocodeFailureLeavesFixIncomplete(t *testing.T) {
	st := newStore(t)
	ip := &fakeIPLocator{err: client.ErrIPLookupFailed}
	dev := &fakeDevice{raw: normalize.Raw{
		Lat: 45.5017, Lng: -73.5673,
		Source: string(models.SourceGPS),
	}}
	geo := &fakeGeocoder{err: errors.New("geocoder down")}
	a := New(st, ip, dev, geo, zap.NewNop())

	_, err := a.BestLocation(context.Background())
	if !errors.Is(err, ErrManualEntryRequired) {
		t.Fatalf("BestLocation() error = %v, want %v", err, ErrManualEntryRequired)
	}
	if _, ok := st.Current(context.Background()); ok {
		t.Errorf("incomplete fix was persisted, want nothing stored")
	}
}

func TestBestLocation_AllSourcesExhausted(t *testing.T) {
	st := newStore(t)
	ip := &fakeIPLocator{err: client.ErrIPLookupFailed}
	dev := &fakeDevice{err: client.ErrPermissionDenied}
	a := New(st, ip, dev, &fakeGeocoder{}, zap.NewNop())

	_, err := a.BestLocation(context.Background())
	if !errors.Is(err, ErrManualEntryRequired) {
		t.Fatalf("BestLocation() error = %v, want %v", err, ErrManualEntryRequired)
	}
	if ip.calls != 1 || dev.calls != 1 {
		t.Errorf("chain calls (ip=%d, dev=%d), want 1 each", ip.calls, dev.calls)
	}
}
