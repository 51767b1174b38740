package web

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-ID"

// RateLimitConfig controls the per-client token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	Enabled           bool
	TrustProxy        bool
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	config  RateLimitConfig
	clients map[string]*rate.Limiter
	mu      sync.Mutex
	log     logging.Logger
}

// NewRateLimiter builds a limiter. Call Run to evict idle clients.
func NewRateLimiter(config RateLimitConfig, log logging.Logger) *RateLimiter {
	return &RateLimiter{
		config:  config,
		clients: make(map[string]*rate.Limiter),
		log:     logging.OrNoop(log),
	}
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, ok := rl.clients[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)
		rl.clients[ip] = limiter
	}
	return limiter
}

// Run evicts clients whose bucket has refilled completely, once a minute,
// until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	if !rl.config.Enabled {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.evictIdle(now)
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, limiter := range rl.clients {
		if limiter.TokensAt(now) >= float64(rl.config.BurstSize) {
			delete(rl.clients, ip)
		}
	}
}

// Middleware rejects requests over the client's budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl == nil || !rl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, rl.config.TrustProxy)
		if !rl.getLimiter(ip).Allow() {
			rl.log.Warn(r.Context(), "rate limit exceeded",
				logging.String("client_ip", ip),
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// First entry is the client.
			if i := strings.IndexByte(xff, ','); i != -1 {
				return strings.TrimSpace(xff[:i])
			}
			return xff
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// newCORS returns the CORS handler for the given origins. No origins or a
// "*" entry allows any origin.
func newCORS(origins []string, debug bool) *cors.Cors {
	if allowAnyOrigin(origins) {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         3600,
		Debug:          debug,
	})
}

func allowAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// requestIDMiddleware reuses an inbound X-Request-ID or mints one, echoes
// it on the response and attaches a request logger to the context.
func requestIDMiddleware(base logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if incoming := r.Header.Get(requestIDHeader); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}
		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		w.Header().Set(requestIDHeader, logging.RequestIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
