package models

import "time"

// Source identifies where a location fix came from.
type Source string

const (
	SourceGPS      Source = "gps"
	SourceIPLookup Source = "ip-geolocation"
	SourceManual   Source = "manual"
	SourceImported Source = "imported"
)

// Accuracy is the confidence class of a location fix.
type Accuracy string

const (
	AccuracyHigh        Accuracy = "high"
	AccuracyMedium      Accuracy = "medium"
	AccuracyLow         Accuracy = "low"
	AccuracyApproximate Accuracy = "approximate"
)

// Placeholder values used when address parts are unknown. A location carrying
// the city placeholder is not complete and must not be synced.
const (
	UnknownCity    = "Unknown City"
	UnknownAddress = "Unknown Address"
)

// Location is the canonical location record. Valid reports whether the
// coordinates parsed and fall inside lat -90..90 / lng -180..180; a Location
// with Valid=false carries no usable coordinates regardless of Lat/Lng.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Valid   bool    `json:"valid"`
	City    string  `json:"city"`
	Address string  `json:"address"`
	State   string  `json:"state,omitempty"`
	Country string  `json:"country,omitempty"`
	ZipCode string  `json:"zipCode,omitempty"`

	Source    Source    `json:"source"`
	Accuracy  Accuracy  `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// Complete reports whether the location may be persisted as the authoritative
// current location or pushed to the sync endpoint: valid coordinates and a
// real (non-placeholder) city.
func (l Location) Complete() bool {
	return l.Valid && l.City != "" && l.City != UnknownCity
}

// MapUser is a nearby-user entity projected from the backend map-data
// endpoint. Coordinates are flattened out of the GeoJSON location field.
type MapUser struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Goal     string   `json:"goal,omitempty"`
	Gym      string   `json:"gym,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	HasCoord bool     `json:"-"`
}

// Coordinates implements geo.Locatable.
func (u MapUser) Coordinates() (lat, lng float64, ok bool) {
	return u.Lat, u.Lng, u.HasCoord
}

// Gym is a gym entity projected from the backend gym endpoint.
type Gym struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Category  string   `json:"category,omitempty"`
	Address   string   `json:"address,omitempty"`
	Rating    float64  `json:"rating,omitempty"`
	Amenities []string `json:"amenities,omitempty"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	HasCoord  bool     `json:"-"`
}

// Coordinates implements geo.Locatable.
func (g Gym) Coordinates() (lat, lng float64, ok bool) {
	return g.Lat, g.Lng, g.HasCoord
}

// SyncAck is the backend acknowledgement for a location push.
type SyncAck struct {
	Accepted   bool      `json:"accepted"`
	NearbyGyms []Gym     `json:"nearbyGyms,omitempty"`
	SyncedAt   time.Time `json:"syncedAt"`
}
