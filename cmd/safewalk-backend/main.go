// Command safewalk-backend serves the shared presence and hazard report
// tables over gRPC. Storage is selected with backend.driver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalsfoundry/safewalk/internal/backend"
	"github.com/signalsfoundry/safewalk/internal/config"
	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/store"
	"github.com/signalsfoundry/safewalk/store/memstore"
	"github.com/signalsfoundry/safewalk/store/pgstore"
	"github.com/signalsfoundry/safewalk/store/redisstore"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	grpcAddr := flag.String("grpc-addr", "", "Override backend.grpcAddr")
	metricsAddr := flag.String("metrics-addr", "", "Override telemetry.metricsAddr")
	driver := flag.String("driver", "", "Override backend.driver (memory, postgres or redis)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *grpcAddr != "" {
		cfg.Backend.GRPCAddr = *grpcAddr
	}
	if *metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = *metricsAddr
	}
	if *driver != "" {
		cfg.Backend.Driver = *driver
	}

	log := logging.NewFromEnv(cfg.Telemetry.Logging).With(logging.String("service", "safewalk-backend"))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", cfg.Backend.GRPCAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.Backend.GRPCAddr), logging.Err(err))
		os.Exit(1)
	}
	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "backend exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener) error {
	tracing := cfg.Telemetry.Tracing
	if tracing.ServiceName == "" || tracing.ServiceName == "safewalk" {
		tracing.ServiceName = "safewalk-backend"
	}
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewBackendCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	st, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn(context.Background(), "closing store", logging.Err(err))
		}
	}()

	ready := func(ctx context.Context) error {
		_, err := st.List(ctx)
		return err
	}
	admin := observability.ServeAdmin(cfg.Telemetry.MetricsAddr, collector.Handler(), ready, log)

	srv := backend.NewServer(st, collector, log)
	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting backend gRPC server",
			logging.String("addr", lis.Addr().String()),
			logging.String("driver", cfg.Backend.Driver),
		)
		errCh <- srv.GRPC.Serve(lis)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	log.Info(context.Background(), "shutting down backend")
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if admin != nil {
		_ = admin.Shutdown(shutdownCtx)
	}
	return serveErr
}

func openBackend(ctx context.Context, cfg config.Config, log logging.Logger) (store.Backend, error) {
	window := cfg.Presence.Options().StalenessWindow
	switch cfg.Backend.Driver {
	case "", "memory":
		return memstore.New(), nil
	case "postgres":
		return pgstore.ConnectWithRetry(ctx, pgstore.Config{DSN: cfg.Backend.DSN}, log)
	case "redis":
		return redisstore.Open(ctx, redisstore.Config{
			Addr:   cfg.Backend.RedisAddr,
			Prefix: cfg.Backend.RedisPrefix,
			TTL:    window,
		}, log)
	default:
		return nil, errors.New("unknown backend driver " + cfg.Backend.Driver)
	}
}
