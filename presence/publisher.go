package presence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/store"
	"github.com/signalsfoundry/safewalk/timectrl"
)

const tracerName = "github.com/signalsfoundry/safewalk/presence"

// Status is the outcome of a push.
type Status int

const (
	// Forwarded means the sample was upserted into the store.
	Forwarded Status = iota
	// Throttled means the sample arrived inside the push interval.
	Throttled
	// InFlight means an earlier push was still waiting on the store.
	InFlight
	// Failed means the store rejected or could not be reached.
	Failed
)

func (s Status) String() string {
	switch s {
	case Forwarded:
		return "forwarded"
	case Throttled:
		return "throttled"
	case InFlight:
		return "in_flight"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// PushResult reports what happened to one sample. Record is set when the
// push was forwarded, Err when it failed.
type PushResult struct {
	Status Status
	Err    error
	Record model.PresenceRecord
}

// Identity is the local user as known to the backend.
type Identity struct {
	UserID string
	Email  string
}

// PushRecorder observes push outcomes.
type PushRecorder interface {
	ObservePush(status string, elapsed time.Duration)
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherClock sets the time source.
func WithPublisherClock(c timectrl.Clock) PublisherOption {
	return func(p *Publisher) { p.clock = c }
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(l logging.Logger) PublisherOption {
	return func(p *Publisher) { p.log = l }
}

// WithPushRecorder attaches metrics.
func WithPushRecorder(r PushRecorder) PublisherOption {
	return func(p *Publisher) { p.metrics = r }
}

// Publisher rate-limits the local user's samples into the presence store.
type Publisher struct {
	store    store.PresenceStore
	self     Identity
	limiter  *Limiter
	clock    timectrl.Clock
	log      logging.Logger
	metrics  PushRecorder
	inFlight atomic.Bool
}

// NewPublisher builds a publisher that pushes at most once per interval.
func NewPublisher(st store.PresenceStore, self Identity, interval time.Duration, opts ...PublisherOption) *Publisher {
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	p := &Publisher{
		store:   st,
		self:    self,
		limiter: NewLimiter(interval),
		clock:   timectrl.SystemClock{},
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Identity returns the user this publisher pushes for.
func (p *Publisher) Identity() Identity { return p.self }

// Push forwards sample to the store unless it is throttled or an earlier
// push is still in flight. A dropped push does not consume the limiter
// slot. Failures are not retried; the next forwarded sample supersedes them.
func (p *Publisher) Push(ctx context.Context, sample model.PositionSample) PushResult {
	if !p.inFlight.CompareAndSwap(false, true) {
		return p.finish(PushResult{Status: InFlight}, 0)
	}
	defer p.inFlight.Store(false)

	now := p.clock.Now()
	if !p.limiter.Allow(now) {
		return p.finish(PushResult{Status: Throttled}, 0)
	}

	ctx, span := observability.StartSpan(ctx, tracerName, "presence.Push", "user", p.self.UserID,
		attribute.Float64("latitude", sample.Latitude),
		attribute.Float64("longitude", sample.Longitude),
	)
	defer span.End()

	start := time.Now()
	rec, err := p.store.Upsert(ctx, model.PresenceRecord{
		UserID:      p.self.UserID,
		Latitude:    sample.Latitude,
		Longitude:   sample.Longitude,
		LastUpdated: now,
		UserEmail:   p.self.Email,
	})
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		p.log.Warn(ctx, "presence push failed",
			logging.String("user_id", p.self.UserID),
			logging.Duration("elapsed", elapsed),
			logging.Err(err),
		)
		return p.finish(PushResult{Status: Failed, Err: err}, elapsed)
	}

	p.log.Debug(ctx, "presence pushed",
		logging.String("user_id", p.self.UserID),
		logging.String("record_id", rec.ID),
	)
	return p.finish(PushResult{Status: Forwarded, Record: rec}, elapsed)
}

func (p *Publisher) finish(res PushResult, elapsed time.Duration) PushResult {
	if p.metrics != nil {
		p.metrics.ObservePush(res.Status.String(), elapsed)
	}
	return res
}

// Withdraw deletes the local user's record so no ghost marker remains. A
// missing record is not an error.
func (p *Publisher) Withdraw(ctx context.Context) error {
	err := p.store.DeleteByUser(ctx, p.self.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("withdraw presence for %q: %w", p.self.UserID, err)
	}
	p.limiter.Reset()
	p.log.Info(ctx, "presence withdrawn", logging.String("user_id", p.self.UserID))
	return nil
}
