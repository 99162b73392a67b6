// Package service answers nearby-entity queries by combining the stored
// location, the entity caches, and the geo filter pipeline.
package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/spotterfit/location-sync-service/internal/cache"
	"github.com/spotterfit/location-sync-service/internal/geo"
	"github.com/spotterfit/location-sync-service/internal/models"
	"github.com/spotterfit/location-sync-service/internal/store"
)

// DefaultRadiusKm is the search radius when a query does not name one.
const DefaultRadiusKm = 10.0

// ErrNoLocation is returned when no complete stored location exists to
// anchor a proximity query.
var ErrNoLocation = errors.New("no complete stored location for proximity query")

// Query holds the filter options for a nearby search. Zero values disable
// their filter; RadiusKm zero takes DefaultRadiusKm.
type Query struct {
	RadiusKm  float64
	Text      string
	Category  string  // gyms only
	Goal      string  // users only
	MinRating float64 // gyms only
	MaxRating float64 // gyms only; zero means unbounded
	Refresh   bool    // bypass the entity cache
}

// NearbyService runs the filter pipeline over cached backend entities,
// anchored at the stored location. Filters apply in a fixed order: distance,
// then text, then categorical, then numeric.
type NearbyService struct {
	store  *store.Store
	users  *cache.EntityCache[models.MapUser]
	gyms   *cache.EntityCache[models.Gym]
	logger *zap.Logger
}

// New creates a NearbyService.
func New(st *store.Store, users *cache.EntityCache[models.MapUser], gyms *cache.EntityCache[models.Gym], logger *zap.Logger) *NearbyService {
	return &NearbyService{store: st, users: users, gyms: gyms, logger: logger}
}

// origin resolves the query anchor from the store.
func (s *NearbyService) origin(ctx context.Context) (geo.Point, error) {
	loc, ok := s.store.Current(ctx)
	if !ok || !loc.Complete() {
		return geo.Point{}, ErrNoLocation
	}
	return geo.Point{Lat: loc.Lat, Lng: loc.Lng}, nil
}

// NearbyUsers returns map users within the query radius, filtered by text
// and goal.
func (s *NearbyService) NearbyUsers(ctx context.Context, q Query) ([]models.MapUser, error) {
	origin, err := s.origin(ctx)
	if err != nil {
		return nil, err
	}

	users, err := s.users.Fetch(ctx, q.Refresh)
	if err != nil {
		return nil, err
	}

	radius := q.RadiusKm
	if radius <= 0 {
		radius = DefaultRadiusKm
	}

	out := geo.FilterByRadius(users, origin, radius)
	out = geo.SearchText(out, q.Text, func(u models.MapUser) []any {
		return []any{u.Name, u.Goal, u.Gym, u.Tags}
	})
	if q.Goal != "" {
		out = geo.Filter(out, func(u models.MapUser) bool { return u.Goal == q.Goal })
	}

	s.logger.Debug("nearby users resolved",
		zap.Int("total", len(users)),
		zap.Int("matched", len(out)),
		zap.Float64("radius_km", radius))
	return out, nil
}

// NearbyGyms returns gyms within the query radius, filtered by text,
// category, and rating range.
func (s *NearbyService) NearbyGyms(ctx context.Context, q Query) ([]models.Gym, error) {
	origin, err := s.origin(ctx)
	if err != nil {
		return nil, err
	}

	gyms, err := s.gyms.Fetch(ctx, q.Refresh)
	if err != nil {
		return nil, err
	}

	radius := q.RadiusKm
	if radius <= 0 {
		radius = DefaultRadiusKm
	}

	out := geo.FilterByRadius(gyms, origin, radius)
	out = geo.SearchText(out, q.Text, func(g models.Gym) []any {
		return []any{g.Name, g.Address, g.Category, g.Amenities}
	})
	if q.Category != "" {
		out = geo.Filter(out, func(g models.Gym) bool { return g.Category == q.Category })
	}
	if q.MinRating > 0 || q.MaxRating > 0 {
		max := q.MaxRating
		if max <= 0 {
			max = 5
		}
		min := q.MinRating
		out = geo.Filter(out, func(g models.Gym) bool { return g.Rating >= min && g.Rating <= max })
	}

	s.logger.Debug("nearby gyms resolved",
		zap.Int("total", len(gyms)),
		zap.Int("matched", len(out)),
		zap.Float64("radius_km", radius))
	return out, nil
}
