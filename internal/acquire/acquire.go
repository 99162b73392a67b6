// Package acquire resolves the device's best available location by walking a
// fallback chain: fresh stored value, then IP geolocation, then a GPS fix.
package acquire

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/spotterfit/location-sync-service/internal/client"
	"github.com/spotterfit/location-sync-service/internal/models"
	"github.com/spotterfit/location-sync-service/internal/normalize"
	"github.com/spotterfit/location-sync-service/internal/observability"
	"github.com/spotterfit/location-sync-service/internal/store"
)

// ErrManualEntryRequired is returned when every automatic source has been
// exhausted and only user-entered coordinates can proceed.
var ErrManualEntryRequired = errors.New("no automatic location source available, manual entry required")

// Acquirer walks the fallback chain and persists whatever it resolves.
type Acquirer struct {
	store    *store.Store
	ip       client.IPLocator
	device   client.DeviceGateway
	geocoder client.ReverseGeocoder
	logger   *zap.Logger
}

// New creates an Acquirer. ip, device, and geocoder may be nil; a nil
// collaborator skips its chain step.
func New(st *store.Store, ip client.IPLocator, device client.DeviceGateway, geocoder client.ReverseGeocoder, logger *zap.Logger) *Acquirer {
	return &Acquirer{store: st, ip: ip, device: device, geocoder: geocoder, logger: logger}
}

// BestLocation resolves the best available location. Sources are tried in
// order of cost: a stored location fresh within 24h wins outright, then IP
// geolocation, then a GPS fix. Each resolved location is normalized and must
// come out complete to count; incomplete results fall through to the next
// source. Resolutions from the IP and GPS steps are persisted.
func (a *Acquirer) BestLocation(ctx context.Context) (models.Location, error) {
	if loc, ok := a.store.CurrentWithin(ctx, store.SmartDetectMaxAge); ok && loc.Complete() {
		observability.AcquisitionsTotal.WithLabelValues("stored", "resolved").Inc()
		a.logger.Debug("acquisition resolved from store",
			zap.String("city", loc.City),
			zap.String("source", string(loc.Source)))
		return loc, nil
	}
	observability.AcquisitionsTotal.WithLabelValues("stored", "miss").Inc()

	if a.ip != nil {
		if loc, ok := a.tryIP(ctx); ok {
			return loc, nil
		}
	}

	if a.device != nil {
		if loc, ok := a.tryGPS(ctx); ok {
			return loc, nil
		}
	}

	observability.AcquisitionsTotal.WithLabelValues("none", "exhausted").Inc()
	return models.Location{}, ErrManualEntryRequired
}

func (a *Acquirer) tryIP(ctx context.Context) (models.Location, bool) {
	raw, err := a.ip.Locate(ctx)
	if err != nil {
		observability.AcquisitionsTotal.WithLabelValues("ip", "error").Inc()
		a.logger.Warn("ip geolocation failed, falling through",
			zap.Error(err),
			zap.String("error_category", string(client.CategorizeError(err))))
		return models.Location{}, false
	}

	loc := normalize.Normalize(raw)
	if !loc.Complete() {
		observability.AcquisitionsTotal.WithLabelValues("ip", "incomplete").Inc()
		a.logger.Warn("ip geolocation returned incomplete location, falling through",
			zap.Bool("valid", loc.Valid),
			zap.String("city", loc.City))
		return models.Location{}, false
	}

	return a.persist(ctx, "ip", loc)
}

func (a *Acquirer) tryGPS(ctx context.Context) (models.Location, bool) {
	raw, err := a.device.Fix(ctx)
	if err != nil {
		observability.AcquisitionsTotal.WithLabelValues("gps", "error").Inc()
		a.logger.Warn("gps fix failed, falling through",
			zap.Error(err),
			zap.String("error_category", string(client.CategorizeError(err))))
		return models.Location{}, false
	}

	// A fix carries coordinates only; the geocoder supplies city and address
	// so the location can pass the completeness gate.
	if fix := normalize.Normalize(raw); fix.Valid && a.geocoder != nil {
		addr, err := a.geocoder.Reverse(ctx, fix.Lat, fix.Lng)
		if err != nil {
			a.logger.Warn("reverse geocode failed, fix may come out incomplete", zap.Error(err))
		} else {
			raw.City = addr.City
			raw.Address = addr.DisplayName
			raw.State = addr.State
			raw.Country = addr.CountryCode
			raw.ZipCode = addr.ZipCode
		}
	}

	loc := normalize.Normalize(raw)
	if !loc.Complete() {
		observability.AcquisitionsTotal.WithLabelValues("gps", "incomplete").Inc()
		a.logger.Warn("gps fix resolved to incomplete location, falling through",
			zap.Bool("valid", loc.Valid),
			zap.String("city", loc.City))
		return models.Location{}, false
	}

	return a.persist(ctx, "gps", loc)
}

func (a *Acquirer) persist(ctx context.Context, source string, loc models.Location) (models.Location, bool) {
	saved, err := a.store.Save(ctx, loc)
	if err != nil {
		observability.AcquisitionsTotal.WithLabelValues(source, "incomplete").Inc()
		a.logger.Warn("acquired location rejected by store", zap.String("source", source), zap.Error(err))
		return models.Location{}, false
	}
	observability.AcquisitionsTotal.WithLabelValues(source, "resolved").Inc()
	a.logger.Info("acquisition resolved",
		zap.String("source", source),
		zap.String("city", saved.City),
		zap.String("accuracy", string(saved.Accuracy)))
	return saved, true
}
