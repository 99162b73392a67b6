package geo

import (
	"math"
	"strings"
)

// earthRadiusMeters is the single Earth radius used by every distance
// computation in the service. Callers needing kilometers convert from meters
// rather than re-deriving the formula with a second radius.
const earthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle distance between two points in
// meters, computed with the Haversine formula.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	lat1Rad := degreesToRadians(lat1)
	lat2Rad := degreesToRadians(lat2)
	deltaLat := degreesToRadians(lat2 - lat1)
	deltaLng := degreesToRadians(lng2 - lng1)

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLng/2)*math.Sin(deltaLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// DistanceKm returns the great-circle distance in kilometers.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	return DistanceMeters(lat1, lng1, lat2, lng2) / 1000
}

func degreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180.0
}

// Point is an origin for radius filtering.
type Point struct {
	Lat float64
	Lng float64
}

// Locatable is implemented by cached entities that may carry coordinates.
// Coordinates returns ok=false for entities missing a usable position.
type Locatable interface {
	Coordinates() (lat, lng float64, ok bool)
}

// FilterByRadius returns the items within maxDistanceKm of origin, dropping
// any item without coordinates. Distance is recomputed from raw coordinates
// on every call; candidate sets are pre-scoped server-side to metro scale, so
// no spatial index is kept.
func FilterByRadius[T Locatable](items []T, origin Point, maxDistanceKm float64) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		lat, lng, ok := item.Coordinates()
		if !ok {
			continue
		}
		if DistanceKm(origin.Lat, origin.Lng, lat, lng) <= maxDistanceKm {
			out = append(out, item)
		}
	}
	return out
}

// FieldsFunc extracts the searchable field values of an item. Each value is
// either a plain string or a slice of strings; slice-valued fields match when
// any element contains the query.
type FieldsFunc[T any] func(item T) []any

// SearchText returns the items whose named fields contain query,
// case-insensitively. An empty query matches everything.
func SearchText[T any](items []T, query string, fields FieldsFunc[T]) []T {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return items
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		if matchesQuery(fields(item), query) {
			out = append(out, item)
		}
	}
	return out
}

func matchesQuery(values []any, query string) bool {
	for _, v := range values {
		switch val := v.(type) {
		case string:
			if strings.Contains(strings.ToLower(val), query) {
				return true
			}
		case []string:
			for _, s := range val {
				if strings.Contains(strings.ToLower(s), query) {
					return true
				}
			}
		}
	}
	return false
}

// Filter returns the items for which keep is true. Used for the categorical
// and numeric stages of the pipeline; stages compose by sequential
// application, cheapest and most selective first (distance, text,
// categorical, numeric).
func Filter[T any](items []T, keep func(T) bool) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}
