// Package memstore is an in-process, thread-safe presence and report store
// with a change feed. It backs tests and single-node deployments.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/store"
	"github.com/signalsfoundry/safewalk/timectrl"
)

// Store keeps rows in maps keyed by user ID and report ID.
type Store struct {
	// wmu serialises writers so feed order matches commit order.
	wmu sync.Mutex
	mu  sync.RWMutex

	presence map[string]model.PresenceRecord
	reports  map[string]model.HazardReport
	order    []string
	messages []model.Message

	clock       timectrl.Clock
	feed        *store.Broadcaster[store.Event]
	messageFeed *store.Broadcaster[model.Message]
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to stamp records without LastUpdated.
func WithClock(c timectrl.Clock) Option { return func(s *Store) { s.clock = c } }

// WithFeedBuffer sets the per-subscriber channel capacity.
func WithFeedBuffer(n int) Option {
	return func(s *Store) {
		s.feed = store.NewBroadcaster[store.Event](n)
		s.messageFeed = store.NewBroadcaster[model.Message](n)
	}
}

// New constructs an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		presence: make(map[string]model.PresenceRecord),
		reports:  make(map[string]model.HazardReport),
		clock:    timectrl.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.feed == nil {
		s.feed = store.NewBroadcaster[store.Event](store.DefaultFeedBuffer)
		s.messageFeed = store.NewBroadcaster[model.Message](store.DefaultFeedBuffer)
	}
	return s
}

// Upsert implements store.PresenceStore.
func (s *Store) Upsert(ctx context.Context, rec model.PresenceRecord) (model.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.PresenceRecord{}, err
	}
	if err := store.ValidateRecord(rec); err != nil {
		return model.PresenceRecord{}, err
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = s.clock.Now()
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	old, exists := s.presence[rec.UserID]
	ev := store.Event{Type: store.EventInsert}
	if exists {
		rec.ID = old.ID
		ev.Type = store.EventUpdate
		ev.Old = &old
	} else if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.presence[rec.UserID] = rec
	ev.Record = rec
	s.mu.Unlock()

	// Notify outside the data lock so subscribers may read the store.
	s.feed.Publish(ev)
	return rec, nil
}

// DeleteByUser implements store.PresenceStore.
func (s *Store) DeleteByUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	old, ok := s.presence[userID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("presence for user %q: %w", userID, store.ErrNotFound)
	}
	delete(s.presence, userID)
	s.mu.Unlock()

	s.feed.Publish(store.Event{Type: store.EventDelete, Record: old, Old: &old})
	return nil
}

// List implements store.PresenceStore. Records are sorted by user ID.
func (s *Store) List(ctx context.Context) ([]model.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]model.PresenceRecord, 0, len(s.presence))
	for _, rec := range s.presence {
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res, nil
}

// Subscribe implements store.PresenceStore.
func (s *Store) Subscribe(ctx context.Context) (<-chan store.Event, error) {
	return s.feed.Subscribe(ctx)
}

// InsertReport implements store.ReportStore. Reports are immutable, so a
// duplicate ID is rejected.
func (s *Store) InsertReport(ctx context.Context, r model.HazardReport) (model.HazardReport, error) {
	if err := ctx.Err(); err != nil {
		return model.HazardReport{}, err
	}
	if err := store.ValidateReport(r); err != nil {
		return model.HazardReport{}, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[r.ID]; exists {
		return model.HazardReport{}, fmt.Errorf("%w: report %q already exists", store.ErrInvalidRecord, r.ID)
	}
	s.reports[r.ID] = r
	s.order = append(s.order, r.ID)
	return r, nil
}

// ListReports implements store.ReportStore, newest first.
func (s *Store) ListReports(ctx context.Context) ([]model.HazardReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]model.HazardReport, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		res = append(res, s.reports[s.order[i]])
	}
	return res, nil
}

// GetReport implements store.ReportStore.
func (s *Store) GetReport(ctx context.Context, id string) (model.HazardReport, error) {
	if err := ctx.Err(); err != nil {
		return model.HazardReport{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return model.HazardReport{}, fmt.Errorf("report %q: %w", id, store.ErrNotFound)
	}
	return r, nil
}

// InsertMessage implements store.MessageStore.
func (s *Store) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	if err := store.ValidateMessage(m); err != nil {
		return model.Message{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock.Now()
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()

	s.messageFeed.Publish(m)
	return m, nil
}

// ListConversation implements store.MessageStore.
func (s *Store) ListConversation(ctx context.Context, a, b string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var res []model.Message
	for _, m := range s.messages {
		if m.Between(a, b) {
			res = append(res, m)
		}
	}
	s.mu.RUnlock()
	store.SortConversation(res)
	return res, nil
}

// SubscribeConversation implements store.MessageStore.
func (s *Store) SubscribeConversation(ctx context.Context, a, b string) (<-chan model.Message, error) {
	ch, err := s.messageFeed.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return store.FilterConversation(ctx, ch, a, b), nil
}

// Close ends every subscription.
func (s *Store) Close() error {
	s.feed.Close()
	s.messageFeed.Close()
	return nil
}

var _ store.Backend = (*Store)(nil)
