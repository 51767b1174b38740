package nbi

import (
	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"github.com/signalsfoundry/orbiter-simulator/internal/observability"
	sim "github.com/signalsfoundry/orbiter-simulator/internal/sim/state"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewGRPCServer builds the control-plane gRPC server: request IDs, metrics,
// tracing and logging interceptors, the otelgrpc stats handler, the
// OrbiterControl service and the standard health service.
// collector may be nil.
func NewGRPCServer(state *sim.SimState, log logging.Logger, collector *observability.APICollector, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	log = logging.OrNoop(log)
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RequestIDUnaryServerInterceptor(log),
			collector.UnaryServerInterceptor(),
			TracingUnaryServerInterceptor(),
			LoggingUnaryServerInterceptor(log),
		),
	}
	server := grpc.NewServer(append(base, opts...)...)

	RegisterControlServer(server, NewControlService(state, log))

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(ControlServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthSrv)

	return server, healthSrv
}
