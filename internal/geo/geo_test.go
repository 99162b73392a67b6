package geo

import (
	"math"
	"testing"

	"github.com/spotterfit/location-sync-service/internal/models"
)

// TestDistanceMeters_KnownPair verifies the Haversine result against a known
// city pair (Montreal to Toronto, ~504 km).
func TestDistanceMeters_KnownPair(t *testing.T) {
	d := DistanceMeters(45.5017, -73.5673, 43.6532, -79.3832)
	if d < 500000 || d > 510000 {
		t.Errorf("DistanceMeters(Montreal, Toronto) = %v, want ~504000", d)
	}
}

// TestDistanceMeters_Symmetry verifies distance(a,b) == distance(b,a) and
// distance(a,a) == 0 over a range of coordinate pairs.
func TestDistanceMeters_Symmetry(t *testing.T) {
	pairs := [][4]float64{
		{45.5017, -73.5673, 43.6532, -79.3832},
		{0, 0, 0, 0},
		{-33.87, 151.21, 51.51, -0.13},
		{89.9, 179.9, -89.9, -179.9},
	}
	for _, p := range pairs {
		ab := DistanceMeters(p[0], p[1], p[2], p[3])
		ba := DistanceMeters(p[2], p[3], p[0], p[1])
		if math.Abs(ab-ba) > 1e-6 {
			t.Errorf("distance not symmetric: %v vs %v for %v", ab, ba, p)
		}
		self := DistanceMeters(p[0], p[1], p[0], p[1])
		if self != 0 {
			t.Errorf("distance(a,a) = %v, want 0", self)
		}
	}
}

// TestDistanceKm_MatchesMeters verifies the km form is a pure unit conversion
// of the meters form, not a second implementation.
func TestDistanceKm_MatchesMeters(t *testing.T) {
	m := DistanceMeters(45.5017, -73.5673, 45.51, -73.57)
	km := DistanceKm(45.5017, -73.5673, 45.51, -73.57)
	if math.Abs(km*1000-m) > 1e-9 {
		t.Errorf("DistanceKm*1000 = %v, DistanceMeters = %v", km*1000, m)
	}
}

func gym(id string, lat, lng float64) models.Gym {
	return models.Gym{ID: id, Lat: lat, Lng: lng, HasCoord: true}
}

// TestFilterByRadius verifies radius filtering and that items without
// coordinates are dropped.
func TestFilterByRadius(t *testing.T) {
	origin := Point{Lat: 45.5017, Lng: -73.5673}
	items := []models.Gym{
		gym("near", 45.5030, -73.5690),   // a few hundred meters
		gym("far", 43.6532, -79.3832),    // ~504 km
		{ID: "no-coords", Name: "ghost"}, // HasCoord false
	}

	got := FilterByRadius(items, origin, 10)
	if len(got) != 1 || got[0].ID != "near" {
		t.Errorf("FilterByRadius() = %+v, want only [near]", got)
	}

	all := FilterByRadius(items, origin, 1000)
	if len(all) != 2 {
		t.Errorf("FilterByRadius(1000km) kept %d items, want 2 (no-coords dropped)", len(all))
	}
}

// TestSearchText verifies case-insensitive substring matching across string
// and slice-valued fields.
func TestSearchText(t *testing.T) {
	gyms := []models.Gym{
		{ID: "a", Name: "Iron Temple", Amenities: []string{"sauna", "pool"}},
		{ID: "b", Name: "FitZone", Amenities: []string{"Squat Racks"}},
		{ID: "c", Name: "Basement Gym"},
	}
	fields := func(g models.Gym) []any { return []any{g.Name, g.Amenities} }

	got := SearchText(gyms, "IRON", fields)
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("SearchText(IRON) = %+v, want [a]", got)
	}

	got = SearchText(gyms, "squat", fields)
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("SearchText(squat) = %+v, want [b] via slice field", got)
	}

	got = SearchText(gyms, "", fields)
	if len(got) != 3 {
		t.Errorf("SearchText(empty) kept %d, want all 3", len(got))
	}

	got = SearchText(gyms, "nothing-matches", fields)
	if len(got) != 0 {
		t.Errorf("SearchText(miss) = %+v, want empty", got)
	}
}

// TestFilter_StageComposition verifies that stages narrow sequentially:
// distance, then text, then categorical, then numeric.
func TestFilter_StageComposition(t *testing.T) {
	origin := Point{Lat: 45.5017, Lng: -73.5673}
	gyms := []models.Gym{
		{ID: "a", Name: "Iron Temple", Category: "powerlifting", Rating: 4.8, Lat: 45.5030, Lng: -73.5690, HasCoord: true},
		{ID: "b", Name: "Iron Works", Category: "crossfit", Rating: 4.5, Lat: 45.5040, Lng: -73.5700, HasCoord: true},
		{ID: "c", Name: "Iron Palace", Category: "powerlifting", Rating: 3.1, Lat: 45.5050, Lng: -73.5710, HasCoord: true},
		{ID: "d", Name: "Iron Distant", Category: "powerlifting", Rating: 5.0, Lat: 43.6532, Lng: -79.3832, HasCoord: true},
	}
	fields := func(g models.Gym) []any { return []any{g.Name} }

	result := FilterByRadius(gyms, origin, 10)
	result = SearchText(result, "iron", fields)
	result = Filter(result, func(g models.Gym) bool { return g.Category == "powerlifting" })
	result = Filter(result, func(g models.Gym) bool { return g.Rating >= 4.0 })

	if len(result) != 1 || result[0].ID != "a" {
		t.Errorf("pipeline = %+v, want [a]", result)
	}
}
