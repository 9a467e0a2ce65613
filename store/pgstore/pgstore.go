// Package pgstore is a Postgres store.Backend built on GORM. Changes to the
// active_users table and new chat messages are streamed through
// LISTEN/NOTIFY.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/store"
)

// Config describes the connection.
type Config struct {
	DSN           string
	Attempts      int
	RetryDelay    time.Duration
	MinReconnect  time.Duration
	MaxReconnect  time.Duration
	FeedBuffer    int
	SkipMigration bool
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MinReconnect <= 0 {
		c.MinReconnect = 10 * time.Second
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = time.Minute
	}
	return c
}

// Store implements store.Backend on Postgres.
type Store struct {
	db       *gorm.DB
	listener *pq.Listener
	feed     *store.Broadcaster[store.Event]
	messages *store.Broadcaster[model.Message]
	log      logging.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// ConnectWithRetry opens the database, migrates the schema, installs the
// change triggers and starts listening on ChangeChannel and MessageChannel.
func ConnectWithRetry(ctx context.Context, cfg Config, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Noop()
	}
	cfg = cfg.withDefaults()

	var (
		db      *gorm.DB
		lastErr error
	)
	for i := 1; i <= cfg.Attempts; i++ {
		db, lastErr = gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
			Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
			TranslateError: true,
		})
		if lastErr == nil {
			break
		}
		log.Warn(ctx, "postgres connect failed", logging.Int("attempt", i), logging.Err(lastErr))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("db connect failed after %d attempts: %w", cfg.Attempts, lastErr)
	}

	if !cfg.SkipMigration {
		if err := bootstrap(ctx, db); err != nil {
			return nil, err
		}
	}

	s := &Store{
		db:       db,
		feed:     store.NewBroadcaster[store.Event](cfg.FeedBuffer),
		messages: store.NewBroadcaster[model.Message](cfg.FeedBuffer),
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.listener = pq.NewListener(cfg.DSN, cfg.MinReconnect, cfg.MaxReconnect, s.listenerEvent)
	for _, ch := range []string{ChangeChannel, MessageChannel} {
		if err := s.listener.Listen(ch); err != nil {
			_ = s.listener.Close()
			return nil, fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	go s.pump()

	log.Info(ctx, "postgres store ready", logging.String("channel", ChangeChannel))
	return s, nil
}

func bootstrap(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(&presenceRow{}, &reportRow{}, &messageRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := db.WithContext(ctx).Exec(notifyTriggerSQL).Error; err != nil {
		return fmt.Errorf("install change triggers: %w", err)
	}
	return nil
}

func (s *Store) listenerEvent(ev pq.ListenerEventType, err error) {
	ctx := context.Background()
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed:
		s.log.Warn(ctx, "presence listener connect failed", logging.Err(err))
	case pq.ListenerEventDisconnected:
		s.log.Warn(ctx, "presence listener disconnected", logging.Err(err))
	case pq.ListenerEventReconnected:
		// Notifications sent while disconnected are lost.
		s.log.Warn(ctx, "presence listener reconnected; changes may have been missed")
	}
}

func (s *Store) pump() {
	defer close(s.done)
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-s.stop:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Sent after a reconnect.
				continue
			}
			s.dispatch(n)
		case <-ping.C:
			go func() { _ = s.listener.Ping() }()
		}
	}
}

func (s *Store) dispatch(n *pq.Notification) {
	ctx := context.Background()
	switch n.Channel {
	case MessageChannel:
		m, err := decodeMessage(n.Extra)
		if err != nil {
			s.log.Warn(ctx, "dropping message notification", logging.Err(err))
			return
		}
		s.messages.Publish(m)
	default:
		ev, err := decodeNotification(n.Extra)
		if err != nil {
			s.log.Warn(ctx, "dropping presence notification", logging.Err(err))
			return
		}
		s.feed.Publish(ev)
	}
}

// Upsert implements store.PresenceStore with INSERT ... ON CONFLICT
// (user_id) DO UPDATE ... RETURNING.
func (s *Store) Upsert(ctx context.Context, rec model.PresenceRecord) (model.PresenceRecord, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return model.PresenceRecord{}, err
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = time.Now().UTC()
	}
	row := presenceRowFrom(rec)
	if row.ID == "" {
		row.ID = uuid.NewString()
	}

	err := s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"latitude", "longitude", "last_updated", "user_email"}),
		},
		clause.Returning{},
	).Create(&row).Error
	if err != nil {
		return model.PresenceRecord{}, fmt.Errorf("upsert presence for %q: %w", rec.UserID, err)
	}
	return row.record(), nil
}

// DeleteByUser implements store.PresenceStore.
func (s *Store) DeleteByUser(ctx context.Context, userID string) error {
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&presenceRow{})
	if res.Error != nil {
		return fmt.Errorf("delete presence for %q: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("presence for user %q: %w", userID, store.ErrNotFound)
	}
	return nil
}

// List implements store.PresenceStore.
func (s *Store) List(ctx context.Context) ([]model.PresenceRecord, error) {
	var rows []presenceRow
	if err := s.db.WithContext(ctx).Order("user_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	out := make([]model.PresenceRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// Subscribe implements store.PresenceStore.
func (s *Store) Subscribe(ctx context.Context) (<-chan store.Event, error) {
	return s.feed.Subscribe(ctx)
}

// InsertReport implements store.ReportStore.
func (s *Store) InsertReport(ctx context.Context, r model.HazardReport) (model.HazardReport, error) {
	if err := store.ValidateReport(r); err != nil {
		return model.HazardReport{}, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	row := reportRowFrom(r)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return model.HazardReport{}, fmt.Errorf("%w: report %q already exists", store.ErrInvalidRecord, r.ID)
		}
		return model.HazardReport{}, fmt.Errorf("insert report: %w", err)
	}
	return row.report(), nil
}

// ListReports implements store.ReportStore, newest first.
func (s *Store) ListReports(ctx context.Context) ([]model.HazardReport, error) {
	var rows []reportRow
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	out := make([]model.HazardReport, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.report())
	}
	return out, nil
}

// GetReport implements store.ReportStore.
func (s *Store) GetReport(ctx context.Context, id string) (model.HazardReport, error) {
	var row reportRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.HazardReport{}, fmt.Errorf("report %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return model.HazardReport{}, fmt.Errorf("get report %q: %w", id, err)
	}
	return row.report(), nil
}

// InsertMessage implements store.MessageStore.
func (s *Store) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	if err := store.ValidateMessage(m); err != nil {
		return model.Message{}, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	row := messageRowFrom(m)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return model.Message{}, fmt.Errorf("%w: message %q already exists", store.ErrInvalidRecord, m.ID)
		}
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return row.message(), nil
}

// ListConversation implements store.MessageStore.
func (s *Store) ListConversation(ctx context.Context, a, b string) ([]model.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", a, b, b, a).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	out := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out, nil
}

// SubscribeConversation implements store.MessageStore.
func (s *Store) SubscribeConversation(ctx context.Context, a, b string) (<-chan model.Message, error) {
	ch, err := s.messages.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return store.FilterConversation(ctx, ch, a, b), nil
}

// Close stops the listener, ends subscriptions and closes the pool.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		err = s.listener.Close()
		s.feed.Close()
		s.messages.Close()
		if sqlDB, dbErr := s.db.DB(); dbErr == nil {
			err = errors.Join(err, sqlDB.Close())
		}
	})
	return err
}

var _ store.Backend = (*Store)(nil)
