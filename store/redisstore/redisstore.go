// Package redisstore keeps presence in Redis. Each record lives under its
// own key with a TTL equal to the staleness window; changes fan out over a
// pub/sub channel. Expiry does not emit DELETE events, so subscribers must
// prune stale records themselves. Chat messages are kept in one list per
// conversation and announced on a second channel.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/store"
)

// Config configures the store.
type Config struct {
	Addr       string
	Password   string
	DB         int
	Prefix     string
	TTL        time.Duration
	FeedBuffer int
}

// Store implements store.Backend on Redis.
type Store struct {
	rdb      *redis.Client
	keys     keys
	ttl      time.Duration
	feed     *store.Broadcaster[store.Event]
	messages *store.Broadcaster[model.Message]
	log      logging.Logger

	pubsub    *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

// Open connects, subscribes to the change channel and starts fanning out
// events.
func Open(ctx context.Context, cfg Config, log logging.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	s, err := New(ctx, rdb, cfg, log)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing client. The store owns rdb from here on.
func New(ctx context.Context, rdb *redis.Client, cfg Config, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Noop()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	s := &Store{
		rdb:      rdb,
		keys:     keys{prefix: prefix},
		ttl:      cfg.TTL,
		feed:     store.NewBroadcaster[store.Event](cfg.FeedBuffer),
		messages: store.NewBroadcaster[model.Message](cfg.FeedBuffer),
		log:      log,
		done:     make(chan struct{}),
	}

	channels := []string{s.keys.channel(), s.keys.messageChannel()}
	s.pubsub = rdb.Subscribe(ctx, channels...)
	// Wait for every subscription confirmation so no change is missed
	// after New returns.
	for range channels {
		if _, err := s.pubsub.Receive(ctx); err != nil {
			_ = s.pubsub.Close()
			return nil, fmt.Errorf("subscribe %v: %w", channels, err)
		}
	}
	go s.pump()
	return s, nil
}

func (s *Store) pump() {
	defer close(s.done)
	ctx := context.Background()
	for msg := range s.pubsub.Channel() {
		if msg.Channel == s.keys.messageChannel() {
			m, err := decodeMessage(msg.Payload)
			if err != nil {
				s.log.Warn(ctx, "dropping chat message", logging.Err(err))
				continue
			}
			s.messages.Publish(m)
			continue
		}
		ev, err := decodeEvent(msg.Payload)
		if err != nil {
			s.log.Warn(ctx, "dropping presence message", logging.Err(err))
			continue
		}
		s.feed.Publish(ev)
	}
}

// Upsert implements store.PresenceStore. The row ID survives updates.
func (s *Store) Upsert(ctx context.Context, rec model.PresenceRecord) (model.PresenceRecord, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return model.PresenceRecord{}, err
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = time.Now().UTC()
	}
	key := s.keys.presence(rec.UserID)

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		ev := store.Event{Type: store.EventInsert}
		prev, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			old, err := decodeRecord(prev)
			if err != nil {
				return err
			}
			ev.Type = store.EventUpdate
			ev.Old = &old
			rec.ID = old.ID
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		ev.Record = rec

		body, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		msg, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, body, s.ttl)
			p.Publish(ctx, s.keys.channel(), msg)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return model.PresenceRecord{}, fmt.Errorf("upsert presence for %q: %w", rec.UserID, err)
	}
	return rec, nil
}

// DeleteByUser implements store.PresenceStore.
func (s *Store) DeleteByUser(ctx context.Context, userID string) error {
	key := s.keys.presence(userID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("presence for user %q: %w", userID, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		old, err := decodeRecord(prev)
		if err != nil {
			return err
		}
		msg, err := encodeEvent(store.Event{Type: store.EventDelete, Record: old, Old: &old})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.Publish(ctx, s.keys.channel(), msg)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete presence for %q: %w", userID, err)
	}
	return err
}

// List implements store.PresenceStore using SCAN and MGET.
func (s *Store) List(ctx context.Context) ([]model.PresenceRecord, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, s.keys.presencePattern(), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}
	if len(keys) == 0 {
		return []model.PresenceRecord{}, nil
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget presence: %w", err)
	}
	out := make([]model.PresenceRecord, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
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
	body, err := json.Marshal(r)
	if err != nil {
		return model.HazardReport{}, fmt.Errorf("encode report %q: %w", r.ID, err)
	}
	added, err := s.rdb.HSetNX(ctx, s.keys.reports(), r.ID, body).Result()
	if err != nil {
		return model.HazardReport{}, fmt.Errorf("insert report: %w", err)
	}
	if !added {
		return model.HazardReport{}, fmt.Errorf("%w: report %q already exists", store.ErrInvalidRecord, r.ID)
	}
	return r, nil
}

// ListReports implements store.ReportStore, newest first.
func (s *Store) ListReports(ctx context.Context) ([]model.HazardReport, error) {
	values, err := s.rdb.HGetAll(ctx, s.keys.reports()).Result()
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return decodeReports(values)
}

// GetReport implements store.ReportStore.
func (s *Store) GetReport(ctx context.Context, id string) (model.HazardReport, error) {
	raw, err := s.rdb.HGet(ctx, s.keys.reports(), id).Result()
	if errors.Is(err, redis.Nil) {
		return model.HazardReport{}, fmt.Errorf("report %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return model.HazardReport{}, fmt.Errorf("get report %q: %w", id, err)
	}
	var r model.HazardReport
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return model.HazardReport{}, fmt.Errorf("decode report %q: %w", id, err)
	}
	return r, nil
}

// InsertMessage implements store.MessageStore. The message is appended to
// the conversation list and published in one transaction.
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
	body, err := json.Marshal(m)
	if err != nil {
		return model.Message{}, fmt.Errorf("encode message %q: %w", m.ID, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, s.keys.conversation(m.SenderID, m.ReceiverID), body)
		p.Publish(ctx, s.keys.messageChannel(), body)
		return nil
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// ListConversation implements store.MessageStore.
func (s *Store) ListConversation(ctx context.Context, a, b string) ([]model.Message, error) {
	raw, err := s.rdb.LRange(ctx, s.keys.conversation(a, b), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	return decodeMessages(raw)
}

// SubscribeConversation implements store.MessageStore.
func (s *Store) SubscribeConversation(ctx context.Context, a, b string) (<-chan model.Message, error) {
	ch, err := s.messages.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return store.FilterConversation(ctx, ch, a, b), nil
}

// Close ends subscriptions and closes the client.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
		<-s.done
		s.feed.Close()
		s.messages.Close()
		err = errors.Join(err, s.rdb.Close())
	})
	return err
}

var _ store.Backend = (*Store)(nil)
