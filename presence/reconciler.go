package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/store"
	"github.com/signalsfoundry/safewalk/timectrl"
)

// PeerRecorder observes the reconciled set.
type PeerRecorder interface {
	SetPeers(n int)
	ObserveEvent(eventType string)
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock sets the time source used for expiry.
func WithReconcilerClock(c timectrl.Clock) ReconcilerOption {
	return func(r *Reconciler) { r.clock = c }
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(l logging.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.log = l }
}

// WithPeerRecorder attaches metrics.
func WithPeerRecorder(m PeerRecorder) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithPruneInterval sets how often Run expires stale peers when no events
// arrive. Zero disables the ticker.
func WithPruneInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.pruneEvery = d }
}

// Reconciler maintains the set of other users' presence records. At most
// one record per user is held, the local user is never held, and records
// older than the staleness window are dropped on every change.
type Reconciler struct {
	store      store.PresenceStore
	self       string
	window     time.Duration
	pruneEvery time.Duration
	clock      timectrl.Clock
	log        logging.Logger
	metrics    PeerRecorder

	mu        sync.Mutex
	peers     map[string]model.PresenceRecord // by user ID
	userByRow map[string]string               // row ID -> user ID
	ready     bool
	listeners map[int]func([]model.PresenceRecord)
	nextID    int
}

// NewReconciler builds a reconciler for the user selfID.
func NewReconciler(st store.PresenceStore, selfID string, window time.Duration, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:     st,
		self:      selfID,
		window:    window,
		clock:     timectrl.SystemClock{},
		log:       logging.Noop(),
		peers:     make(map[string]model.PresenceRecord),
		userByRow: make(map[string]string),
		listeners: make(map[int]func([]model.PresenceRecord)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange registers fn to receive the peer set after every change. It
// returns an unsubscribe function.
func (r *Reconciler) OnChange(fn func([]model.PresenceRecord)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Ready reports whether the initial fetch has been merged.
func (r *Reconciler) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Run subscribes to the change feed, then fetches the full table. Events
// delivered while the fetch is outstanding are buffered and applied after
// the fetch is merged. Run returns nil when ctx is cancelled and an error
// when the feed ends or the fetch fails; calling it again resynchronises
// the set with the table.
func (r *Reconciler) Run(ctx context.Context) error {
	events, err := r.store.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to presence feed: %w", err)
	}

	type fetchResult struct {
		records []model.PresenceRecord
		err     error
	}
	fetched := make(chan fetchResult, 1)
	go func() {
		fctx, span := observability.StartSpan(ctx, tracerName, "presence.InitialFetch", "user", r.self)
		defer span.End()
		records, err := r.store.List(fctx)
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.Int("records", len(records)))
		fetched <- fetchResult{records: records, err: err}
	}()

	var buffered []store.Event
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("presence feed closed: %w", store.ErrClosed)
			}
			buffered = append(buffered, ev)
		case res := <-fetched:
			if res.err != nil {
				return fmt.Errorf("initial presence fetch: %w", res.err)
			}
			r.Merge(res.records)
			for _, ev := range buffered {
				r.applyBuffered(ev)
			}
			r.log.Info(ctx, "presence reconciler ready",
				logging.Int("fetched", len(res.records)),
				logging.Int("buffered_events", len(buffered)),
			)
			return r.follow(ctx, events)
		}
	}
}

func (r *Reconciler) follow(ctx context.Context, events <-chan store.Event) error {
	var tick <-chan time.Time
	if r.pruneEvery > 0 {
		ticker := time.NewTicker(r.pruneEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("presence feed closed: %w", store.ErrClosed)
			}
			r.Apply(ev)
		case <-tick:
			r.Prune()
		}
	}
}

// Merge folds a full fetch into the set. Users missing from the fetch are
// dropped. An existing record is only replaced by a fetched one that is
// not older.
func (r *Reconciler) Merge(records []model.PresenceRecord) {
	r.mu.Lock()
	fetched := make(map[string]bool, len(records))
	for _, rec := range records {
		fetched[rec.UserID] = true
	}
	for uid, existing := range r.peers {
		if !fetched[uid] {
			delete(r.userByRow, existing.ID)
			delete(r.peers, uid)
		}
	}
	for _, rec := range records {
		if existing, ok := r.peers[rec.UserID]; ok && existing.LastUpdated.After(rec.LastUpdated) {
			continue
		}
		r.put(rec)
	}
	r.ready = true
	snapshot, listeners := r.settleLocked()
	r.mu.Unlock()

	r.notify(snapshot, listeners)
}

// Apply applies one change event in delivery order. Inserts and updates
// replace the user's record outright; deletes remove by row ID, or by user
// ID when the event carries no row ID.
func (r *Reconciler) Apply(ev store.Event) {
	r.apply(ev, false)
}

// applyBuffered is Apply for events that raced the initial fetch; such
// events never overwrite a newer fetched record.
func (r *Reconciler) applyBuffered(ev store.Event) {
	r.apply(ev, true)
}

func (r *Reconciler) apply(ev store.Event, keepNewer bool) {
	r.mu.Lock()
	switch ev.Type {
	case store.EventDelete:
		r.removeLocked(ev)
	case store.EventInsert, store.EventUpdate:
		existing, ok := r.peers[ev.Record.UserID]
		if !(keepNewer && ok && existing.LastUpdated.After(ev.Record.LastUpdated)) {
			r.put(ev.Record)
		}
	default:
		r.mu.Unlock()
		r.log.Warn(context.Background(), "ignoring unknown presence event", logging.String("type", string(ev.Type)))
		return
	}
	snapshot, listeners := r.settleLocked()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ObserveEvent(string(ev.Type))
	}
	r.notify(snapshot, listeners)
}

// Prune drops records that have aged past the staleness window.
func (r *Reconciler) Prune() {
	r.mu.Lock()
	snapshot, listeners := r.settleLocked()
	r.mu.Unlock()
	r.notify(snapshot, listeners)
}

// Peers returns the current set sorted by user ID. Records that aged past
// the window since the last change are left out.
func (r *Reconciler) Peers() []model.PresenceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) put(rec model.PresenceRecord) {
	if rec.UserID == "" || rec.UserID == r.self {
		return
	}
	if prev, ok := r.peers[rec.UserID]; ok && prev.ID != rec.ID {
		delete(r.userByRow, prev.ID)
	}
	r.peers[rec.UserID] = rec
	if rec.ID != "" {
		r.userByRow[rec.ID] = rec.UserID
	}
}

func (r *Reconciler) removeLocked(ev store.Event) {
	rowID := ev.Record.ID
	userID := ev.Record.UserID
	if ev.Old != nil {
		if rowID == "" {
			rowID = ev.Old.ID
		}
		if userID == "" {
			userID = ev.Old.UserID
		}
	}

	if rowID != "" {
		if uid, ok := r.userByRow[rowID]; ok {
			delete(r.userByRow, rowID)
			delete(r.peers, uid)
		}
		return
	}
	if prev, ok := r.peers[userID]; ok {
		delete(r.userByRow, prev.ID)
		delete(r.peers, userID)
	}
}

// settleLocked expires stale records, drops self and returns the snapshot
// plus listeners to notify once the lock is released.
func (r *Reconciler) settleLocked() ([]model.PresenceRecord, []func([]model.PresenceRecord)) {
	now := r.clock.Now()
	for uid, rec := range r.peers {
		if uid == r.self || rec.Stale(now, r.window) {
			delete(r.userByRow, rec.ID)
			delete(r.peers, uid)
		}
	}

	listeners := make([]func([]model.PresenceRecord), 0, len(r.listeners))
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		listeners = append(listeners, r.listeners[id])
	}
	return r.snapshotLocked(), listeners
}

func (r *Reconciler) snapshotLocked() []model.PresenceRecord {
	now := r.clock.Now()
	res := make([]model.PresenceRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		if rec.Stale(now, r.window) {
			continue
		}
		res = append(res, rec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserID < res[j].UserID })
	return res
}

func (r *Reconciler) notify(snapshot []model.PresenceRecord, listeners []func([]model.PresenceRecord)) {
	if r.metrics != nil {
		r.metrics.SetPeers(len(snapshot))
	}
	for _, fn := range listeners {
		fn(snapshot)
	}
}
