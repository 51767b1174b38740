package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const simTracerName = "github.com/signalsfoundry/orbiter-simulator/sim"

// Span and resource attribute keys shared by the simulation surfaces.
const (
	AttrScenario      = attribute.Key("orbiter.scenario")
	AttrSeed          = attribute.Key("orbiter.seed")
	AttrBodies        = attribute.Key("orbiter.bodies")
	AttrTimeScale     = attribute.Key("orbiter.time_scale")
	AttrTick          = attribute.Key("orbiter.tick")
	AttrSimTime       = attribute.Key("orbiter.sim_time")
	AttrIntegrated    = attribute.Key("orbiter.integrated")
	AttrSkipped       = attribute.Key("orbiter.skipped")
	AttrTransitions   = attribute.Key("orbiter.transitions")
	AttrRepaired      = attribute.Key("orbiter.repaired")
	AttrSnapshotBytes = attribute.Key("orbiter.snapshot_bytes")
)

// TracingConfig governs how tracing is initialised. cmd/orbiter-server
// fills it from the [tracing] section of the server configuration.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp
	SampleRatio float64
	// Writer receives stdout exporter output; nil means os.Stdout.
	Writer io.Writer
}

// SimResource describes the simulation the process is running. It is
// attached to the tracer resource so every exported span carries it.
type SimResource struct {
	Scenario  string
	Seed      uint64
	Bodies    int
	TimeScale float64
}

func (r SimResource) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrScenario.String(r.Scenario),
		AttrSeed.Int64(int64(r.Seed)),
		AttrBodies.Int(r.Bodies),
		AttrTimeScale.Float64(r.TimeScale),
	}
}

// Tracing owns the process tracer provider.
type Tracing struct {
	shutdown func(context.Context) error
	log      logging.Logger
}

// InitTracing installs the global tracer provider and propagators. With
// tracing disabled a noop provider is installed and Shutdown does nothing.
func InitTracing(ctx context.Context, cfg TracingConfig, sim SimResource, log logging.Logger) (*Tracing, error) {
	log = logging.OrNoop(log)
	t := &Tracing{log: log}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled")
		return t, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	service := cfg.ServiceName
	if service == "" {
		service = "orbiter-server"
	}
	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", service),
		attribute.String("service.namespace", "orbiter"),
	}, sim.attributes()...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.shutdown = tp.Shutdown

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", service),
		logging.Float("sample_ratio", cfg.SampleRatio),
		logging.String("scenario", sim.Scenario),
		logging.Int("bodies", sim.Bodies),
	)
	return t, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(
			stdouttrace.WithWriter(w),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// Shutdown flushes buffered spans, waiting at most five seconds. Errors
// are logged, not returned.
func (t *Tracing) Shutdown(ctx context.Context) {
	if t == nil || t.shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.shutdown(ctx); err != nil {
		t.log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}

// StartSimSpan starts an internal span for simulation work such as a tick
// or a snapshot load.
func StartSimSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(simTracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}
