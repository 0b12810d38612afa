package domain

import (
	"math"
	"time"
)

// PresenceStatus is a user's live status.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Position is a geographic coordinate.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DistanceKm returns the haversine distance to other in kilometers.
func (p Position) DistanceKm(other Position) float64 {
	const earthRadiusKm = 6371

	latDist := toRadians(other.Latitude - p.Latitude)
	lngDist := toRadians(other.Longitude - p.Longitude)

	a := math.Sin(latDist/2)*math.Sin(latDist/2) +
		math.Cos(toRadians(p.Latitude))*math.Cos(toRadians(other.Latitude))*
			math.Sin(lngDist/2)*math.Sin(lngDist/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// PresenceRecord is one user's latest known presence state.
type PresenceRecord struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Position    *Position      `json:"position,omitempty"`
	Status      PresenceStatus `json:"status"`
	Visible     bool           `json:"visible"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
