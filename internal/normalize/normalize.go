package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/spotterfit/location-sync-service/internal/models"
)

// Raw is a location payload as received from any source: browser fix, IP
// lookup response, manual form entry, or a backend record. Lat/Lng are `any`
// because upstream JSON delivers them as numbers or strings interchangeably.
type Raw struct {
	Lat       any       `json:"lat"`
	Lng       any       `json:"lng"`
	City      string    `json:"city"`
	Address   string    `json:"address"`
	State     string    `json:"state"`
	Country   string    `json:"country"`
	ZipCode   string    `json:"zipCode"`
	Source    string    `json:"source"`
	Accuracy  string    `json:"accuracy"`
	AccuracyM float64   `json:"accuracyMeters"`
	Timestamp time.Time `json:"timestamp"`
}

// FromLocation converts a canonical Location back into a Raw payload.
// Re-normalizing the result yields the same Location (modulo nothing).
func FromLocation(l models.Location) Raw {
	r := Raw{
		City:      l.City,
		Address:   l.Address,
		State:     l.State,
		Country:   l.Country,
		ZipCode:   l.ZipCode,
		Source:    string(l.Source),
		Accuracy:  string(l.Accuracy),
		Timestamp: l.Timestamp,
	}
	if l.Valid {
		r.Lat = l.Lat
		r.Lng = l.Lng
	}
	return r
}

// Normalize converts a raw payload into the canonical Location shape. It is
// total: malformed fields degrade to documented defaults, never to an error.
// Unparseable or out-of-range coordinates produce Valid=false rather than a
// silently valid-looking zero coordinate.
func Normalize(raw Raw) models.Location {
	loc := models.Location{
		City:    strings.TrimSpace(raw.City),
		Address: strings.TrimSpace(raw.Address),
		State:   strings.TrimSpace(raw.State),
		ZipCode: strings.TrimSpace(raw.ZipCode),
		Source:  canonicalSource(raw.Source),
	}

	lat, latOK := parseCoordinate(raw.Lat)
	lng, lngOK := parseCoordinate(raw.Lng)
	if latOK && lngOK && lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180 {
		loc.Lat = lat
		loc.Lng = lng
		loc.Valid = true
	}

	backfillCityAddress(&loc)
	loc.Country = inferCountry(raw.Country, loc)
	loc.Accuracy = deriveAccuracy(raw, loc.Source)

	loc.Timestamp = raw.Timestamp
	if loc.Timestamp.IsZero() {
		loc.Timestamp = time.Now().UTC()
	}
	return loc
}

// canonicalSource maps free-form source strings ("fresh-gps-guest",
// "auto-refresh", "ip-api", ...) onto the four canonical values. Exhaustive
// over the string families the product emits, with manual as the single
// default arm.
func canonicalSource(s string) models.Source {
	switch s := strings.ToLower(strings.TrimSpace(s)); {
	case strings.Contains(s, "gps"), strings.Contains(s, "refresh"):
		return models.SourceGPS
	case strings.Contains(s, "ip"):
		return models.SourceIPLookup
	case strings.Contains(s, "import"), strings.Contains(s, "cache"), strings.Contains(s, "stored"):
		return models.SourceImported
	default:
		return models.SourceManual
	}
}

// deriveAccuracy resolves the accuracy class: an explicit class wins, then a
// numeric accuracy radius in meters, then the source default.
func deriveAccuracy(raw Raw, source models.Source) models.Accuracy {
	switch models.Accuracy(strings.ToLower(strings.TrimSpace(raw.Accuracy))) {
	case models.AccuracyHigh:
		return models.AccuracyHigh
	case models.AccuracyMedium:
		return models.AccuracyMedium
	case models.AccuracyLow:
		return models.AccuracyLow
	case models.AccuracyApproximate:
		return models.AccuracyApproximate
	}

	if raw.AccuracyM > 0 {
		switch {
		case raw.AccuracyM < 10:
			return models.AccuracyHigh
		case raw.AccuracyM < 100:
			return models.AccuracyMedium
		case raw.AccuracyM < 500:
			return models.AccuracyLow
		default:
			return models.AccuracyApproximate
		}
	}

	switch source {
	case models.SourceGPS:
		return models.AccuracyHigh
	case models.SourceIPLookup:
		return models.AccuracyLow
	default:
		return models.AccuracyMedium
	}
}

// backfillCityAddress fills each of city/address from the other when one is
// absent or still the placeholder, falling back to the placeholders when
// neither is usable.
func backfillCityAddress(loc *models.Location) {
	cityKnown := loc.City != "" && loc.City != models.UnknownCity
	addrKnown := loc.Address != "" && loc.Address != models.UnknownAddress
	switch {
	case cityKnown && !addrKnown:
		loc.Address = loc.City
	case addrKnown && !cityKnown:
		loc.City = loc.Address
	case !cityKnown && !addrKnown:
		loc.City = models.UnknownCity
		loc.Address = models.UnknownAddress
	}
}

// canadianCities is the fixed list used for the city-name country heuristic.
var canadianCities = []string{
	"toronto", "montreal", "vancouver", "calgary", "edmonton", "ottawa",
	"winnipeg", "quebec", "hamilton", "halifax", "victoria", "saskatoon",
	"regina", "mississauga", "laval", "gatineau", "surrey", "burnaby",
	"kitchener", "windsor", "sherbrooke", "trois-rivieres",
}

// inferCountry resolves the country code. A "canada" mention in the address
// overrides everything; then the explicit field, the known-city list, and
// finally the continental-Canada bounding box.
func inferCountry(explicit string, loc models.Location) string {
	if strings.Contains(strings.ToLower(loc.Address), "canada") {
		return "CA"
	}
	if c := strings.TrimSpace(explicit); c != "" {
		if strings.EqualFold(c, "canada") {
			return "CA"
		}
		return c
	}
	city := strings.ToLower(loc.City)
	if city != "" && city != strings.ToLower(models.UnknownCity) {
		for _, known := range canadianCities {
			if strings.Contains(city, known) {
				return "CA"
			}
		}
	}
	if loc.Valid && loc.Lat >= 41 && loc.Lat <= 83 && loc.Lng >= -141 && loc.Lng <= -52 {
		return "CA"
	}
	return ""
}

// parseCoordinate coerces a JSON-decoded coordinate to float64. Returns
// ok=false for missing values and unparseable strings; callers must treat
// that as "no coordinate", never as zero.
func parseCoordinate(v any) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
