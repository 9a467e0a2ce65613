// Package session owns everything tied to one map screen: the location
// watch, the animation loop, presence pushes and the peer reconciler. They
// start together and are torn down together.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/signalsfoundry/safewalk/animation"
	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/location"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/motion"
	"github.com/signalsfoundry/safewalk/presence"
	"github.com/signalsfoundry/safewalk/store"
	"github.com/signalsfoundry/safewalk/timectrl"
)

const (
	// DefaultWithdrawTimeout bounds the presence delete issued by Close.
	DefaultWithdrawTimeout = 3 * time.Second
	// DefaultResyncMinBackoff and DefaultResyncMaxBackoff bound the wait
	// before the reconciler resubscribes after losing the feed.
	DefaultResyncMinBackoff = time.Second
	DefaultResyncMaxBackoff = 30 * time.Second
)

// Config describes the local user and tuning.
type Config struct {
	Identity         presence.Identity
	Options          presence.Options
	Watch            location.WatchOptions
	WithdrawTimeout  time.Duration
	ResyncMinBackoff time.Duration
	ResyncMaxBackoff time.Duration
}

// Deps are the collaborators a session is built from.
type Deps struct {
	Store    store.PresenceStore
	Provider location.Provider
	Logger   logging.Logger
	Metrics  *observability.PresenceCollector
	Clock    timectrl.Clock
	Marker   animation.Surface
	Camera   animation.Surface
}

// Session is a running presence pipeline.
type Session struct {
	cfg     Config
	log     logging.Logger
	metrics *observability.PresenceCollector

	driver     *animation.Driver
	publisher  *presence.Publisher
	reconciler *presence.Reconciler

	cancel context.CancelFunc
	wg     sync.WaitGroup
	pushes sync.WaitGroup

	mu       sync.Mutex
	lastPush presence.PushResult
	pushed   bool
	runErr   error

	closeOnce sync.Once
	closeErr  error
}

// Start begins watching the location provider. It fails with the
// provider's error, e.g. location.ErrPermissionDenied, before anything
// else is started.
func Start(ctx context.Context, cfg Config, deps Deps) (*Session, error) {
	if deps.Store == nil || deps.Provider == nil {
		return nil, errors.New("session: store and provider are required")
	}
	if cfg.Identity.UserID == "" {
		return nil, errors.New("session: user id is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Noop()
	}
	if deps.Clock == nil {
		deps.Clock = timectrl.SystemClock{}
	}
	if cfg.WithdrawTimeout <= 0 {
		cfg.WithdrawTimeout = DefaultWithdrawTimeout
	}
	if cfg.ResyncMinBackoff <= 0 {
		cfg.ResyncMinBackoff = DefaultResyncMinBackoff
	}
	if cfg.ResyncMaxBackoff < cfg.ResyncMinBackoff {
		cfg.ResyncMaxBackoff = max(DefaultResyncMaxBackoff, cfg.ResyncMinBackoff)
	}
	cfg.Options = cfg.Options.WithDefaults()
	log := deps.Logger.With(logging.String("user_id", cfg.Identity.UserID))

	runCtx, cancel := context.WithCancel(ctx)
	samples, err := deps.Provider.Watch(runCtx, cfg.Watch)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start location watch: %w", err)
	}

	driverOpts := []animation.Option{animation.WithLogger(log)}
	pubOpts := []presence.PublisherOption{
		presence.WithPublisherClock(deps.Clock),
		presence.WithPublisherLogger(log),
	}
	recOpts := []presence.ReconcilerOption{
		presence.WithReconcilerClock(deps.Clock),
		presence.WithReconcilerLogger(log),
		presence.WithPruneInterval(cfg.Options.PruneInterval),
	}
	if deps.Marker != nil {
		driverOpts = append(driverOpts, animation.WithMarker(deps.Marker))
	}
	if deps.Camera != nil {
		driverOpts = append(driverOpts, animation.WithCamera(deps.Camera))
	}
	if deps.Metrics != nil {
		driverOpts = append(driverOpts, animation.WithFrameRecorder(deps.Metrics))
		pubOpts = append(pubOpts, presence.WithPushRecorder(deps.Metrics))
		recOpts = append(recOpts, presence.WithPeerRecorder(deps.Metrics))
	}

	var interp motion.Interpolator = motion.NewSmoother(cfg.Options.SmoothingFactor)
	if cfg.Options.InstantMotion {
		interp = motion.Instant{}
	}

	s := &Session{
		cfg:        cfg,
		log:        log,
		metrics:    deps.Metrics,
		cancel:     cancel,
		driver:     animation.NewDriver(interp, cfg.Options.FrameInterval, driverOpts...),
		publisher:  presence.NewPublisher(deps.Store, cfg.Identity, cfg.Options.PushInterval, pubOpts...),
		reconciler: presence.NewReconciler(deps.Store, cfg.Identity.UserID, cfg.Options.StalenessWindow, recOpts...),
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.reconcile(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.consume(runCtx, samples)
	}()
	s.driver.Start(runCtx)

	log.Info(ctx, "session started",
		logging.Duration("push_interval", cfg.Options.PushInterval),
		logging.Duration("staleness_window", cfg.Options.StalenessWindow),
		logging.Float64("smoothing_factor", cfg.Options.SmoothingFactor),
	)
	return s, nil
}

// reconcile keeps the reconciler running until ctx is done. After the feed
// closes or the fetch fails it waits with exponential backoff, then
// resubscribes and refetches. Expiry keeps running while it waits.
func (s *Session) reconcile(ctx context.Context) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.ResyncMinBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         s.cfg.ResyncMaxBackoff,
	}
	b.Reset()

	for {
		started := time.Now()
		err := s.reconciler.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		if time.Since(started) > b.MaxInterval {
			b.Reset()
		}
		wait := b.NextBackOff()

		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		s.metrics.IncResync()
		s.log.Warn(ctx, "presence reconciler interrupted, resubscribing",
			logging.Err(err),
			logging.Duration("retry_in", wait),
		)

		if !s.waitResync(ctx, wait) {
			return
		}
	}
}

func (s *Session) waitResync(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	prune := time.NewTicker(s.cfg.Options.PruneInterval)
	defer prune.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-prune.C:
			s.reconciler.Prune()
		}
	}
}

// consume feeds every sample to the animation target and hands it to the
// publisher without waiting for the network.
func (s *Session) consume(ctx context.Context, samples <-chan model.PositionSample) {
	for sample := range samples {
		s.driver.SetTarget(sample)

		s.pushes.Add(1)
		go func(sample model.PositionSample) {
			defer s.pushes.Done()
			res := s.publisher.Push(ctx, sample)
			if res.Status == presence.Throttled || res.Status == presence.InFlight {
				return
			}
			s.mu.Lock()
			s.lastPush = res
			s.pushed = true
			s.mu.Unlock()
		}(sample)
	}
}

// Pose returns the animated pose.
func (s *Session) Pose() model.Pose { return s.driver.Pose() }

// Peers returns the reconciled peer set.
func (s *Session) Peers() []model.PresenceRecord { return s.reconciler.Peers() }

// OnPeersChange registers a listener on the reconciled set.
func (s *Session) OnPeersChange(fn func([]model.PresenceRecord)) (unsubscribe func()) {
	return s.reconciler.OnChange(fn)
}

// SetFollowing toggles camera follow mode.
func (s *Session) SetFollowing(on bool) { s.driver.SetFollowing(on) }

// Following reports camera follow mode.
func (s *Session) Following() bool { return s.driver.Following() }

// LastPush returns the most recent push that reached the store, failed
// or not. The boolean is false until one has.
func (s *Session) LastPush() (presence.PushResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPush, s.pushed
}

// Ready reports whether the initial peer fetch has completed.
func (s *Session) Ready() bool { return s.reconciler.Ready() }

// Err returns the most recent error that interrupted the reconciler.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Close stops the watch, the subscription and the animation loop, waits
// for them to exit, then deletes the user's presence record within
// WithdrawTimeout. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.driver.Stop()
		<-s.driver.Done()
		s.wg.Wait()
		s.pushes.Wait()

		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WithdrawTimeout)
		defer cancel()
		if err := s.publisher.Withdraw(wctx); err != nil {
			s.log.Warn(ctx, "presence withdraw failed", logging.Err(err))
			s.closeErr = err
		}
		s.log.Info(ctx, "session closed")
	})
	return s.closeErr
}
