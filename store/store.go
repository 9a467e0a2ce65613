// Package store defines the row-store contracts used for presence records
// and hazard reports, plus the change feed shared by every backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/signalsfoundry/safewalk/model"
)

var (
	// ErrNotFound is returned when a keyed lookup or delete matches nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidRecord is returned for records that fail validation.
	ErrInvalidRecord = errors.New("store: invalid record")
	// ErrClosed is returned by operations on a closed store or feed.
	ErrClosed = errors.New("store: closed")
)

// EventType is the kind of row change carried by the feed. The string
// values match the Postgres trigger payload.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one change to the presence table. For deletes Record holds the
// removed row. Old is set for updates and deletes when the backend knows it.
type Event struct {
	Type   EventType             `json:"type"`
	Record model.PresenceRecord  `json:"new"`
	Old    *model.PresenceRecord `json:"old,omitempty"`
}

// PresenceStore is the shared active-users table.
type PresenceStore interface {
	// Upsert inserts or replaces the record for rec.UserID and returns the
	// stored row. The row ID is stable across updates.
	Upsert(ctx context.Context, rec model.PresenceRecord) (model.PresenceRecord, error)
	// DeleteByUser removes the record for userID. It returns ErrNotFound
	// when there is none.
	DeleteByUser(ctx context.Context, userID string) error
	// List returns every stored record.
	List(ctx context.Context) ([]model.PresenceRecord, error)
	// Subscribe streams changes committed after the call returns. The
	// channel is closed when ctx is done or the store shuts down.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// ReportStore persists hazard reports.
type ReportStore interface {
	InsertReport(ctx context.Context, r model.HazardReport) (model.HazardReport, error)
	ListReports(ctx context.Context) ([]model.HazardReport, error)
	GetReport(ctx context.Context, id string) (model.HazardReport, error)
}

// MessageStore persists direct chat messages.
type MessageStore interface {
	// InsertMessage stores m, assigning ID and CreatedAt when unset.
	InsertMessage(ctx context.Context, m model.Message) (model.Message, error)
	// ListConversation returns the messages exchanged between a and b,
	// oldest first.
	ListConversation(ctx context.Context, a, b string) ([]model.Message, error)
	// SubscribeConversation streams messages between a and b inserted after
	// the call returns. The channel is closed when ctx is done or the store
	// shuts down.
	SubscribeConversation(ctx context.Context, a, b string) (<-chan model.Message, error)
}

// Backend is a store serving every table.
type Backend interface {
	PresenceStore
	ReportStore
	MessageStore
	Close() error
}

type recordRules struct {
	UserID    string  `validate:"required"`
	Latitude  float64 `validate:"gte=-90,lte=90"`
	Longitude float64 `validate:"gte=-180,lte=180"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateRecord checks that rec can be stored.
func ValidateRecord(rec model.PresenceRecord) error {
	err := validatorInstance().Struct(recordRules{
		UserID:    rec.UserID,
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

type messageRules struct {
	SenderID   string `validate:"required"`
	ReceiverID string `validate:"required,nefield=SenderID"`
	Content    string `validate:"required"`
}

// ValidateMessage checks that m can be stored. Content is counted in runes.
func ValidateMessage(m model.Message) error {
	err := validatorInstance().Struct(messageRules{
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    strings.TrimSpace(m.Content),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if utf8.RuneCountInString(m.Content) > model.MaxMessageLength {
		return fmt.Errorf("%w: message longer than %d characters", ErrInvalidRecord, model.MaxMessageLength)
	}
	return nil
}

// FilterConversation forwards the messages on in that belong to the
// conversation of a and b. The returned channel closes with in or ctx.
func FilterConversation(ctx context.Context, in <-chan model.Message, a, b string) <-chan model.Message {
	out := make(chan model.Message, cap(in))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				if !m.Between(a, b) {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// SortConversation orders messages oldest first, breaking ties by ID.
func SortConversation(msgs []model.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// ValidateReport checks the fields every backend relies on.
func ValidateReport(r model.HazardReport) error {
	if r.ID == "" {
		return fmt.Errorf("%w: report id is required", ErrInvalidRecord)
	}
	if r.Type == "" {
		return fmt.Errorf("%w: report type is required", ErrInvalidRecord)
	}
	return nil
}
