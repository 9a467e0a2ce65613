package pgstore

import (
	"time"

	"github.com/signalsfoundry/safewalk/model"
)

// presenceRow maps the active_users table.
type presenceRow struct {
	ID          string    `gorm:"type:uuid;primaryKey"`
	UserID      string    `gorm:"not null;uniqueIndex"`
	Latitude    float64   `gorm:"not null"`
	Longitude   float64   `gorm:"not null"`
	LastUpdated time.Time `gorm:"not null;index"`
	UserEmail   string
}

func (presenceRow) TableName() string { return "active_users" }

func (r presenceRow) record() model.PresenceRecord {
	return model.PresenceRecord{
		ID:          r.ID,
		UserID:      r.UserID,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		LastUpdated: r.LastUpdated,
		UserEmail:   r.UserEmail,
	}
}

func presenceRowFrom(rec model.PresenceRecord) presenceRow {
	return presenceRow{
		ID:          rec.ID,
		UserID:      rec.UserID,
		Latitude:    rec.Latitude,
		Longitude:   rec.Longitude,
		LastUpdated: rec.LastUpdated,
		UserEmail:   rec.UserEmail,
	}
}

// reportRow maps the reports table.
type reportRow struct {
	ID            string  `gorm:"type:uuid;primaryKey"`
	Type          string  `gorm:"not null;index"`
	Latitude      float64 `gorm:"not null"`
	Longitude     float64 `gorm:"not null"`
	Description   string  `gorm:"not null"`
	ImageURL      string
	AccuracyScore *float64
	AIAnalysis    string
	ReporterID    string    `gorm:"index"`
	CreatedAt     time.Time `gorm:"not null;index"`
}

func (reportRow) TableName() string { return "reports" }

func (r reportRow) report() model.HazardReport {
	return model.HazardReport{
		ID:            r.ID,
		Type:          model.HazardType(r.Type),
		Latitude:      r.Latitude,
		Longitude:     r.Longitude,
		Description:   r.Description,
		ImageURL:      r.ImageURL,
		AccuracyScore: r.AccuracyScore,
		AIAnalysis:    r.AIAnalysis,
		ReporterID:    r.ReporterID,
		CreatedAt:     r.CreatedAt,
	}
}

func reportRowFrom(r model.HazardReport) reportRow {
	return reportRow{
		ID:            r.ID,
		Type:          string(r.Type),
		Latitude:      r.Latitude,
		Longitude:     r.Longitude,
		Description:   r.Description,
		ImageURL:      r.ImageURL,
		AccuracyScore: r.AccuracyScore,
		AIAnalysis:    r.AIAnalysis,
		ReporterID:    r.ReporterID,
		CreatedAt:     r.CreatedAt,
	}
}

// messageRow maps the messages table.
type messageRow struct {
	ID         string    `gorm:"type:uuid;primaryKey"`
	SenderID   string    `gorm:"not null;index:idx_messages_pair,priority:1"`
	ReceiverID string    `gorm:"not null;index:idx_messages_pair,priority:2"`
	Content    string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

func (messageRow) TableName() string { return "messages" }

func (r messageRow) message() model.Message {
	return model.Message{
		ID:         r.ID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Content:    r.Content,
		CreatedAt:  r.CreatedAt,
	}
}

func messageRowFrom(m model.Message) messageRow {
	return messageRow{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}
