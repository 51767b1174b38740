// Package web serves the browser-facing HTTP API and the per-session
// WebSocket.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/orbiter-simulator/core"
	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"github.com/signalsfoundry/orbiter-simulator/internal/observability"
	sim "github.com/signalsfoundry/orbiter-simulator/internal/sim/state"
	"github.com/signalsfoundry/orbiter-simulator/model"
)

const (
	maxBodyBytes = 1 << 20
	// DefaultSpawnParent is where POST /api/session puts new craft.
	DefaultSpawnParent = "earth"
)

var errBadRequest = errors.New("bad request")

// Config holds the HTTP surface settings.
type Config struct {
	AllowedOrigins []string
	CORSDebug      bool
	RateLimit      RateLimitConfig
	// AssetDir, when set, is served at / for the browser client.
	AssetDir string
}

// Server wires the HTTP routes to a SimState.
type Server struct {
	state   *sim.SimState
	hub     *Hub
	log     logging.Logger
	metrics *observability.APICollector
	limiter *RateLimiter
	cfg     Config

	upgrader websocket.Upgrader
}

// NewServer builds the HTTP server. metrics may be nil.
func NewServer(state *sim.SimState, log logging.Logger, metrics *observability.APICollector, cfg Config) *Server {
	log = logging.OrNoop(log)
	s := &Server{
		state:   state,
		hub:     NewHub(state, log, metrics),
		log:     log,
		metrics: metrics,
		limiter: NewRateLimiter(cfg.RateLimit, log),
		cfg:     cfg,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Hub exposes the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// RunLimiter evicts idle rate-limit buckets until ctx is done.
func (s *Server) RunLimiter(ctx context.Context) { s.limiter.Run(ctx) }

// Handler returns the full middleware-wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, label string, h http.HandlerFunc) {
		mux.Handle(pattern, s.metrics.InstrumentHandler(label, h))
	}
	route("POST /api/session", "/api/session", s.handleSession)
	route("GET /api/load", "/api/load", s.handleLoad)
	route("POST /api/time_scale", "/api/time_scale", s.handleTimeScale)
	route("POST /api/rocket_state", "/api/rocket_state", s.handleRocketState)
	route("GET /healthz", "/healthz", s.handleHealth)
	// Not instrumented: the upgrade needs the raw ResponseWriter.
	mux.HandleFunc("GET /ws/{session}", s.handleWS)
	mux.Handle("GET /metrics", s.metrics.Handler())
	if s.cfg.AssetDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.AssetDir)))
	}

	var h http.Handler = mux
	h = s.limiter.Middleware(h)
	h = newCORS(s.cfg.AllowedOrigins, s.cfg.CORSDebug).Handler(h)
	h = requestIDMiddleware(s.log, h)
	return h
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if allowAnyOrigin(s.cfg.AllowedOrigins) {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// handleSession spawns a craft and answers with its session id as plain
// text. ?parent= overrides the default parent.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	parent := r.URL.Query().Get("parent")
	if parent == "" {
		parent = DefaultSpawnParent
	}
	session, _, err := s.state.Spawn(r.Context(), parent)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logging.LoggerFromContext(r.Context(), s.log).Info(r.Context(), "new session",
		logging.String("session", session.HumanHash()),
		logging.String("parent", parent),
	)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, session.String())
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	data, err := s.state.Snapshot()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

type timeScaleRequest struct {
	TimeScale *float64 `json:"time_scale"`
}

func (s *Server) handleTimeScale(w http.ResponseWriter, r *http.Request) {
	var req timeScaleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.TimeScale == nil {
		s.writeError(w, r, fmt.Errorf("%w: time_scale is required", errBadRequest))
		return
	}
	if err := s.state.SetTimeScale(r.Context(), *req.TimeScale); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

type rocketStateRequest struct {
	SessionID string `json:"sessionId"`
	core.BodyState
}

// handleRocketState applies a state command. When name is omitted the
// command targets the first body owned by the session.
func (s *Server) handleRocketState(w http.ResponseWriter, r *http.Request) {
	var req rocketStateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := model.ParseSessionID(req.SessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cmd := req.BodyState
	if cmd.Name == "" {
		name, ok := s.bodyOwnedBy(session)
		if !ok {
			s.writeError(w, r, fmt.Errorf("no body for session: %w", sim.ErrBodyNotFound))
			return
		}
		cmd.Name = name
	}
	if _, err := s.state.SetBodyState(r.Context(), session, cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w)
}

func (s *Server) bodyOwnedBy(session model.SessionID) (string, bool) {
	var name string
	_ = s.state.WithReadLock(func(u *core.Universe) error {
		for _, body := range u.Store().IterLive() {
			if body.OwnedBy(session) {
				name = body.Name
				return nil
			}
		}
		return nil
	})
	return name, name != ""
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	session, err := model.ParseSessionID(r.PathValue("session"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.hub.ServeWS(w, r, session, &s.upgrader)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Ok")
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	log := logging.LoggerFromContext(r.Context(), s.log)
	if code >= http.StatusInternalServerError {
		log.Error(r.Context(), "request failed", logging.Err(err))
	} else {
		log.Debug(r.Context(), "request rejected", logging.Int("status", code), logging.Err(err))
	}
	http.Error(w, err.Error(), code)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, model.ErrInvalidSessionID),
		errors.Is(err, sim.ErrInvalidState),
		errors.Is(err, sim.ErrInvalidTimeScale),
		errors.Is(err, sim.ErrMalformedSnapshot):
		return http.StatusBadRequest
	case errors.Is(err, sim.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, sim.ErrBodyNotFound),
		errors.Is(err, sim.ErrParentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
