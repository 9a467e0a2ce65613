// Command safewalk-client runs one map session: it watches the location
// provider, animates the local pose, shares presence and chat through the
// backend and exposes everything to the UI layer over a local HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/safewalk/chat"
	"github.com/signalsfoundry/safewalk/hazard"
	"github.com/signalsfoundry/safewalk/internal/config"
	"github.com/signalsfoundry/safewalk/internal/httpapi"
	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/location"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/presence"
	"github.com/signalsfoundry/safewalk/routing"
	"github.com/signalsfoundry/safewalk/session"
	"github.com/signalsfoundry/safewalk/store"
	"github.com/signalsfoundry/safewalk/store/grpcstore"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	httpAddr := flag.String("http-addr", "", "Override client.httpAddr")
	backendAddr := flag.String("backend-addr", "", "Override client.backendAddr")
	simulate := flag.Bool("simulate", false, "Drive the session from the built-in walk simulator")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.Client.HTTPAddr = *httpAddr
	}
	if *backendAddr != "" {
		cfg.Client.BackendAddr = *backendAddr
	}
	if *simulate {
		cfg.Client.Simulate = true
	}

	log := logging.NewFromEnv(cfg.Telemetry.Logging).With(logging.String("service", "safewalk-client"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := grpcstore.Dial(cfg.Client.BackendAddr, grpcstore.WithLogger(log))
	if err != nil {
		log.Error(ctx, "failed to dial backend", logging.Err(err))
		os.Exit(1)
	}
	defer st.Close()

	if err := run(ctx, cfg, log, st); err != nil {
		log.Error(ctx, "client exited", logging.Err(err))
		os.Exit(1)
	}
}

// app is everything run wires together.
type app struct {
	session *session.Session
	feed    *location.Feed
	handler http.Handler
}

// build starts the session and assembles the HTTP handler.
func build(ctx context.Context, cfg config.Config, log logging.Logger, st store.Backend, metrics *observability.PresenceCollector) (*app, error) {
	identity := presence.Identity{UserID: cfg.Client.UserID, Email: cfg.Client.UserEmail}
	if identity.UserID == "" {
		identity.UserID = uuid.NewString()
		log.Info(ctx, "no user id configured; using a random one", logging.String("user_id", identity.UserID))
	}

	a := &app{}
	var provider location.Provider
	if cfg.Client.Simulate {
		provider = location.NewSimulator(location.SimulatorConfig{
			Start:        model.LatLng{Latitude: cfg.Client.StartLat, Longitude: cfg.Client.StartLon},
			JitterMeters: 3,
			Seed:         uint64(time.Now().UnixNano()),
		}, nil)
	} else {
		a.feed = location.NewFeed()
		provider = a.feed
		if err := metrics.TrackDroppedSamples(a.feed.Dropped); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}

	resyncMin, resyncMax := cfg.Presence.ResyncBackoff()
	sess, err := session.Start(ctx, session.Config{
		Identity: identity,
		Options:  cfg.Presence.Options(),
		Watch: location.WatchOptions{
			Accuracy: location.AccuracyHigh,
			Interval: location.DefaultSampleInterval,
		},
		ResyncMinBackoff: resyncMin,
		ResyncMaxBackoff: resyncMax,
	}, session.Deps{
		Store:    st,
		Provider: provider,
		Logger:   log,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, err
	}
	a.session = sess

	hazardOpts := []hazard.Option{hazard.WithLogger(log), hazard.WithRecorder(metrics)}
	var gemini *hazard.GeminiAnalyzer
	if cfg.AI.APIKey != "" {
		gemini = hazard.NewGeminiAnalyzer(cfg.AI.BaseURL, cfg.AI.Model, cfg.AI.APIKey, time.Duration(cfg.AI.TimeoutMS)*time.Millisecond)
		hazardOpts = append(hazardOpts, hazard.WithAnalyzer(gemini))
	}
	reports := hazard.NewService(st, hazardOpts...)

	deps := httpapi.Deps{
		Session: sess,
		Reports: reports,
		Chat:    chat.NewService(st, identity.UserID, log),
		Logger:  log,
	}
	if gemini != nil {
		deps.Assistant = hazard.NewAssistant(gemini, reports, log)
	}
	if cfg.Routing.GeocodeURL != "" {
		deps.Geocoder = routing.NewNominatim(cfg.Routing.GeocodeURL, cfg.Routing.UserAgent, time.Duration(cfg.Routing.TimeoutMS)*time.Millisecond)
	}
	if metrics != nil {
		deps.Metrics = metrics.Handler()
	}
	if a.feed != nil {
		deps.Sink = a.feed
	}
	if cfg.Routing.APIKey != "" {
		deps.Router = routing.NewClient(cfg.Routing.BaseURL, cfg.Routing.APIKey, time.Duration(cfg.Routing.TimeoutMS)*time.Millisecond)
	}
	if cfg.Auth.JWTSecret != "" {
		deps.Auth = httpapi.NewJWT([]byte(cfg.Auth.JWTSecret))
	}
	a.handler = httpapi.NewRouter(deps)
	return a, nil
}

// run serves the local API until ctx is cancelled, then tears the
// session down and withdraws the user's presence.
func run(ctx context.Context, cfg config.Config, log logging.Logger, st store.Backend) error {
	tracing := cfg.Telemetry.Tracing
	if tracing.ServiceName == "" || tracing.ServiceName == "safewalk" {
		tracing.ServiceName = "safewalk-client"
	}
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	metrics, err := observability.NewPresenceCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	a, err := build(ctx, cfg, log, st, metrics)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Client.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "serving client API", logging.String("addr", cfg.Client.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	log.Info(context.Background(), "shutting down client")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := a.session.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "session close", logging.Err(err))
	}
	return serveErr
}
