package backend

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/store"
)

// Server bundles the gRPC server with its health service.
type Server struct {
	GRPC   *grpc.Server
	Health *health.Server
}

// NewServer builds a gRPC server exposing the presence, report and message
// services over backend. A nil collector disables RPC metrics.
func NewServer(backend store.Backend, collector *observability.BackendCollector, log logging.Logger, extra ...grpc.ServerOption) *Server {
	if log == nil {
		log = logging.Noop()
	}

	unary := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	stream := []grpc.StreamServerInterceptor{
		RequestIDStreamServerInterceptor(log),
	}
	if collector != nil {
		unary = append(unary, collector.UnaryServerInterceptor())
		stream = append(stream, collector.StreamServerInterceptor())
	}

	opts := append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	}, extra...)

	srv := grpc.NewServer(opts...)
	RegisterPresenceServiceServer(srv, NewPresenceService(backend, log))
	RegisterReportServiceServer(srv, NewReportService(backend, log))
	RegisterMessageServiceServer(srv, NewMessageService(backend, log))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(PresenceServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ReportServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(MessageServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{GRPC: srv, Health: hs}
}

// Shutdown marks every service as not serving and stops gracefully.
func (s *Server) Shutdown() {
	s.Health.Shutdown()
	s.GRPC.GracefulStop()
}
