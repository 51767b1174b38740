package nbi

import (
	"context"
	"time"

	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"github.com/signalsfoundry/orbiter-simulator/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	requestIDMetadataKey = "x-request-id"
	sessionMetadataKey   = "x-session-id"
)

type sessionKey struct{}

// RequestIDUnaryServerInterceptor ensures a request_id is present on the
// context, sourcing it from inbound metadata if provided, and attaches a
// per-request logger annotated with request_id and method. A valid
// x-session-id header is parsed onto the context and into the logger.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	base = logging.OrNoop(base)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		fields := []logging.Field{logging.String("method", info.FullMethod)}
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if incoming := firstHeader(md, requestIDMetadataKey); incoming != "" {
				ctx = logging.ContextWithRequestID(ctx, incoming)
			}
			if raw := firstHeader(md, sessionMetadataKey); raw != "" {
				if session, err := model.ParseSessionID(raw); err == nil {
					ctx = context.WithValue(ctx, sessionKey{}, session)
					fields = append(fields, logging.String("session", session.HumanHash()))
				}
			}
		}

		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(fields...))
		ctx = logging.ContextWithLogger(ctx, reqLog)

		return handler(ctx, req)
	}
}

// LoggingUnaryServerInterceptor logs every finished RPC with its status
// code and latency using the request-scoped logger.
func LoggingUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	base = logging.OrNoop(base)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		log := logging.LoggerFromContext(ctx, base)
		fields := []logging.Field{
			logging.String("code", status.Code(err).String()),
			logging.Duration("latency", time.Since(start)),
		}
		if err != nil {
			log.Warn(ctx, "rpc failed", append(fields, logging.Err(err))...)
		} else {
			log.Debug(ctx, "rpc finished", fields...)
		}
		return resp, err
	}
}

// SessionFromContext returns the session parsed from x-session-id metadata.
func SessionFromContext(ctx context.Context) (model.SessionID, bool) {
	session, ok := ctx.Value(sessionKey{}).(model.SessionID)
	return session, ok
}

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
