package client

import "github.com/spotterfit/location-sync-service/internal/models"

// geoPoint is the backend's stored location shape: GeoJSON Point with
// coordinates in [lng, lat] order.
type geoPoint struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// flatten extracts (lat, lng) from the [lng, lat] pair. ok is false for
// entities stored without coordinates.
func (p geoPoint) flatten() (lat, lng float64, ok bool) {
	if len(p.Coordinates) < 2 {
		return 0, 0, false
	}
	return p.Coordinates[1], p.Coordinates[0], true
}

// rawUser is a map-user entity as the backend stores it. ID arrives as
// either Mongo-style "_id" or plain "id".
type rawUser struct {
	MongoID  string   `json:"_id"`
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Goal     string   `json:"goal"`
	Gym      string   `json:"gym"`
	Tags     []string `json:"tags"`
	Location geoPoint `json:"location"`
}

func (u rawUser) project() models.MapUser {
	lat, lng, ok := u.Location.flatten()
	return models.MapUser{
		ID:       normalizeID(u.MongoID, u.ID),
		Name:     u.Name,
		Goal:     u.Goal,
		Gym:      u.Gym,
		Tags:     u.Tags,
		Lat:      lat,
		Lng:      lng,
		HasCoord: ok,
	}
}

// rawGym is a gym entity as the backend stores it.
type rawGym struct {
	MongoID   string   `json:"_id"`
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Category  string   `json:"category"`
	Address   string   `json:"address"`
	Rating    float64  `json:"rating"`
	Amenities []string `json:"amenities"`
	Location  geoPoint `json:"location"`
}

func (g rawGym) project() models.Gym {
	lat, lng, ok := g.Location.flatten()
	return models.Gym{
		ID:        normalizeID(g.MongoID, g.ID),
		Name:      g.Name,
		Category:  g.Category,
		Address:   g.Address,
		Rating:    g.Rating,
		Amenities: g.Amenities,
		Lat:       lat,
		Lng:       lng,
		HasCoord:  ok,
	}
}

// normalizeID prefers the Mongo "_id" form, falling back to "id", so
// downstream consumers never see the backend's storage shape.
func normalizeID(mongoID, plainID string) string {
	if mongoID != "" {
		return mongoID
	}
	return plainID
}
