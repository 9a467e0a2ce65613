package model

import "time"

// HazardType classifies a user-submitted report.
type HazardType string

const (
	HazardPothole        HazardType = "pothole"
	HazardConstruction   HazardType = "construction"
	HazardFlooding       HazardType = "flooding"
	HazardBrokenSidewalk HazardType = "broken_sidewalk"
	HazardObstruction    HazardType = "obstruction"
	HazardOther          HazardType = "other"
)

// HazardTypes lists every accepted report type.
var HazardTypes = []HazardType{
	HazardPothole,
	HazardConstruction,
	HazardFlooding,
	HazardBrokenSidewalk,
	HazardObstruction,
	HazardOther,
}

// HazardReport is immutable once stored.
type HazardReport struct {
	ID            string     `json:"id"`
	Type          HazardType `json:"type"`
	Latitude      float64    `json:"latitude"`
	Longitude     float64    `json:"longitude"`
	Description   string     `json:"description"`
	ImageURL      string     `json:"image_url,omitempty"`
	AccuracyScore *float64   `json:"accuracy_score,omitempty"`
	AIAnalysis    string     `json:"ai_analysis,omitempty"`
	ReporterID    string     `json:"reporter_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Position returns the report location.
func (r HazardReport) Position() LatLng {
	return LatLng{Latitude: r.Latitude, Longitude: r.Longitude}
}

// RouteStep is one turn-by-turn instruction.
type RouteStep struct {
	Text            string  `json:"text"`
	DistanceMeters  float64 `json:"distance"`
	DurationSeconds float64 `json:"duration"`
}

// Route is a walking route returned by the routing service.
type Route struct {
	Coordinates     []LatLng    `json:"coordinates"`
	DistanceMeters  float64     `json:"distance"`
	DurationSeconds float64     `json:"duration"`
	Steps           []RouteStep `json:"steps"`
}

// Place is a geocoding result.
type Place struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
