package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// APICollector bundles Prometheus metrics for the gRPC and HTTP control
// surfaces and provides helpers to wire them into servers and handlers.
type APICollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec

	WebSocketClients prometheus.Gauge
}

// NewAPICollector registers API metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewAPICollector(reg prometheus.Registerer) (*APICollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	buckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orbiter_rpc_requests_total",
		Help: "Total number of handled control RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"})
	requests, err := registerCounterVec(reg, requests, "orbiter_rpc_requests_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orbiter_rpc_request_duration_seconds",
		Help:    "Control RPC latency in seconds.",
		Buckets: buckets,
	}, []string{"service", "method"})
	durations, err = registerHistogramVec(reg, durations, "orbiter_rpc_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orbiter_http_requests_total",
		Help: "Total number of HTTP API requests, labeled by route, method, and status code.",
	}, []string{"route", "method", "code"})
	httpRequests, err = registerCounterVec(reg, httpRequests, "orbiter_http_requests_total")
	if err != nil {
		return nil, err
	}

	httpDurations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orbiter_http_request_duration_seconds",
		Help:    "HTTP API latency in seconds.",
		Buckets: buckets,
	}, []string{"route", "method"})
	httpDurations, err = registerHistogramVec(reg, httpDurations, "orbiter_http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	wsClients, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orbiter_websocket_clients",
		Help: "Current number of connected WebSocket clients.",
	}), "orbiter_websocket_clients")
	if err != nil {
		return nil, err
	}

	return &APICollector{
		gatherer:         gatherer,
		RPCRequests:      requests,
		RPCDurations:     durations,
		HTTPRequests:     httpRequests,
		HTTPDurations:    httpDurations,
		WebSocketClients: wsClients,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *APICollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// InstrumentHandler wraps next so every request is counted and timed
// under the given route label.
func (c *APICollector) InstrumentHandler(route string, next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		if c.HTTPRequests != nil {
			c.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.code)).Inc()
		}
		if c.HTTPDurations != nil {
			c.HTTPDurations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		}
	})
}

// AddWebSocketClients moves the connected-clients gauge by delta.
func (c *APICollector) AddWebSocketClients(delta int) {
	if c == nil || c.WebSocketClients == nil {
		return
	}
	c.WebSocketClients.Add(float64(delta))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *APICollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
