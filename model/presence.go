package model

import (
	"math"
	"time"
)

// LatLng is a WGS84 coordinate pair in degrees.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// PositionSample is a single reading from the device location provider.
// Heading is only meaningful when HasHeading is set; providers report no
// heading while the device is stationary.
type PositionSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Heading    float64   `json:"heading"`
	HasHeading bool      `json:"has_heading"`
	Accuracy   float64   `json:"accuracy,omitempty"` // metres
	Timestamp  time.Time `json:"timestamp"`
}

// ValidHeading returns the sample heading when it is present and usable.
// NaN, infinite and out-of-range headings count as absent.
func (s PositionSample) ValidHeading() (float64, bool) {
	if !s.HasHeading || math.IsNaN(s.Heading) || math.IsInf(s.Heading, 0) {
		return 0, false
	}
	if s.Heading < 0 || s.Heading > 360 {
		return 0, false
	}
	return s.Heading, true
}

// Position returns the coordinate part of the sample.
func (s PositionSample) Position() LatLng {
	return LatLng{Latitude: s.Latitude, Longitude: s.Longitude}
}

// Pose is the animated camera/marker state. It is owned by the animation
// driver and only ever handed out by value.
type Pose struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Heading   float64 `json:"heading"`
}

// PresenceRecord is a row in the shared active_users table: one user's
// last pushed location.
type PresenceRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	LastUpdated time.Time `json:"last_updated"`
	UserEmail   string    `json:"user_email"`
}

// Stale reports whether the record is older than window at now.
func (r PresenceRecord) Stale(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return r.LastUpdated.Before(now.Add(-window))
}
