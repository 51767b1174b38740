// internal/sim/state/state.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/orbiter-simulator/core"
	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"github.com/signalsfoundry/orbiter-simulator/internal/observability"
	"github.com/signalsfoundry/orbiter-simulator/model"
	"go.opentelemetry.io/otel/codes"
)

// Re-export core sentinel errors so callers can depend on state.*
// instead of core.* directly if they want to.
var (
	// ErrBodyNotFound indicates a named body does not exist.
	ErrBodyNotFound = core.ErrBodyNotFound
	// ErrParentNotFound indicates a named parent does not exist or would
	// create a cycle.
	ErrParentNotFound = core.ErrParentNotFound
	// ErrUnauthorized indicates a session commanding a body it does not own.
	ErrUnauthorized = core.ErrUnauthorized
	// ErrInvalidState indicates a state command with non-finite values.
	ErrInvalidState = core.ErrInvalidState
	// ErrInvalidTimeScale indicates a negative or non-finite time scale.
	ErrInvalidTimeScale = core.ErrInvalidTimeScale
	// ErrMalformedSnapshot indicates a snapshot that could not be loaded.
	ErrMalformedSnapshot = core.ErrMalformedSnapshot
	// ErrStaleReference indicates a handle to a removed body.
	ErrStaleReference = core.ErrStaleReference
)

// MetricsRecorder receives per-tick and snapshot measurements.
// *observability.SimCollector satisfies it.
type MetricsRecorder interface {
	RecordTick(observability.TickSample)
	RecordSnapshot(op string, err error)
	SetBodyCounts(bodies, controllable int)
}

// BodyStateListener is told about every accepted state command.
type BodyStateListener func(session model.SessionID, cmd core.BodyState)

// TimeScaleListener is told about every accepted time scale change.
type TimeScaleListener func(scale float64)

// SimState owns the Universe and serializes access to it. Ticks and
// commands take the write lock; snapshots and WithReadLock take the read
// lock.
type SimState struct {
	// mu guards universe. Listener slices have their own lock so they can
	// be invoked after mu is released.
	mu       sync.RWMutex
	universe *core.Universe

	listenersMu        sync.RWMutex
	bodyStateListeners []BodyStateListener
	timeScaleListeners []TimeScaleListener

	log     logging.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// SimStateOption customises SimState construction.
type SimStateOption func(*SimState)

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) SimStateOption {
	return func(s *SimState) {
		s.metrics = m
	}
}

// WithClock replaces the wall clock used to time ticks.
func WithClock(now func() time.Time) SimStateOption {
	return func(s *SimState) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSimState wraps u. The caller must not touch u directly afterwards.
func NewSimState(u *core.Universe, log logging.Logger, opts ...SimStateOption) *SimState {
	s := &SimState{
		universe: u,
		log:      logging.OrNoop(log),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.updateCountsLocked()
	return s
}

// WithReadLock executes fn while holding the read lock. fn must not
// modify the universe or call other SimState methods.
func (s *SimState) WithReadLock(fn func(u *core.Universe) error) error {
	if fn == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.universe)
}

// OnBodyState registers a listener for accepted state commands.
func (s *SimState) OnBodyState(fn BodyStateListener) {
	if fn == nil {
		return
	}
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.bodyStateListeners = append(s.bodyStateListeners, fn)
}

// OnTimeScale registers a listener for time scale changes.
func (s *SimState) OnTimeScale(fn TimeScaleListener) {
	if fn == nil {
		return
	}
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.timeScaleListeners = append(s.timeScaleListeners, fn)
}

// RunTick performs one Update under the write lock and records the
// tick's span and metrics.
func (s *SimState) RunTick(ctx context.Context) core.TickReport {
	ctx, span := observability.StartSimSpan(ctx, "sim.tick")
	defer span.End()

	start := s.now()
	s.mu.Lock()
	report := s.universe.Update(ctx)
	ticks := s.universe.Ticks()
	bodies, controllable := s.countsLocked()
	s.mu.Unlock()
	elapsed := s.now().Sub(start)

	transitions := make(map[string]int, len(report.Transitions))
	for _, tr := range report.Transitions {
		transitions[tr.Kind.String()]++
	}

	span.SetAttributes(
		observability.AttrTick.Int64(int64(ticks)),
		observability.AttrSimTime.Float64(report.SimTime),
		observability.AttrBodies.Int(bodies),
		observability.AttrIntegrated.Int(report.Integrated),
		observability.AttrSkipped.Int(report.Skipped),
		observability.AttrTransitions.Int(len(report.Transitions)),
		observability.AttrRepaired.Bool(report.Repaired),
	)
	if report.Err != nil {
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, "claim conflict")
	}

	if s.metrics != nil {
		s.metrics.RecordTick(observability.TickSample{
			Duration:     elapsed,
			Bodies:       bodies,
			Controllable: controllable,
			Repaired:     report.Repaired,
			Transitions:  transitions,
			Conflict:     report.Err != nil,
		})
	}

	for _, tr := range report.Transitions {
		s.log.Info(ctx, "soi transition",
			logging.String("body", tr.Name),
			logging.String("kind", tr.Kind.String()),
			logging.String("from", tr.From.String()),
			logging.String("to", tr.To.String()),
		)
	}
	s.log.Debug(ctx, "tick",
		logging.Int("tick", int(ticks)),
		logging.Float("sim_time", report.SimTime),
		logging.Duration("calc", elapsed),
	)
	return report
}

// Snapshot encodes the universe as snapshot JSON.
func (s *SimState) Snapshot() ([]byte, error) {
	s.mu.RLock()
	data, err := json.Marshal(s.universe)
	s.mu.RUnlock()

	if s.metrics != nil {
		s.metrics.RecordSnapshot("encode", err)
	}
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Load replaces the universe contents from snapshot JSON. A malformed
// snapshot leaves the current state untouched.
func (s *SimState) Load(ctx context.Context, data []byte) error {
	ctx, span := observability.StartSimSpan(ctx, "sim.load", observability.AttrSnapshotBytes.Int(len(data)))
	defer span.End()

	s.mu.Lock()
	err := s.universe.LoadSnapshot(data)
	live := s.universe.Store().Live()
	s.updateCountsLocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSnapshot("load", err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		s.log.Warn(ctx, "snapshot load failed", logging.Err(err))
		return err
	}
	s.log.Info(ctx, "snapshot loaded", logging.Int("bodies", live))
	return nil
}

// Spawn creates a controllable craft around the named parent and returns
// the session that owns it.
func (s *SimState) Spawn(ctx context.Context, parent string) (model.SessionID, model.CelestialID, error) {
	s.mu.Lock()
	session, id, err := s.universe.Spawn(parent)
	if err == nil {
		s.updateCountsLocked()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn(ctx, "spawn failed", logging.String("parent", parent), logging.Err(err))
		return model.SessionID{}, model.CelestialID{}, err
	}
	return session, id, nil
}

// SetBodyState applies a state command on behalf of session and notifies
// body-state listeners when it is accepted.
func (s *SimState) SetBodyState(ctx context.Context, session model.SessionID, cmd core.BodyState) (model.CelestialID, error) {
	s.mu.Lock()
	id, err := s.universe.SetBodyState(session, cmd)
	s.mu.Unlock()

	if err != nil {
		s.log.Debug(ctx, "state command rejected",
			logging.String("session", session.HumanHash()),
			logging.String("body", cmd.Name),
			logging.Err(err),
		)
		return model.CelestialID{}, err
	}

	s.listenersMu.RLock()
	listeners := s.bodyStateListeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(session, cmd)
	}
	return id, nil
}

// SetTimeScale changes the simulated seconds per tick and notifies
// time-scale listeners.
func (s *SimState) SetTimeScale(ctx context.Context, scale float64) error {
	s.mu.Lock()
	err := s.universe.SetTimeScale(scale)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.log.Info(ctx, "time scale changed", logging.Float("time_scale", scale))

	s.listenersMu.RLock()
	listeners := s.timeScaleListeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(scale)
	}
	return nil
}

// TimeScale returns the simulated seconds per tick.
func (s *SimState) TimeScale() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.universe.TimeScale()
}

// Counts returns the number of live bodies and of live controllable
// bodies.
func (s *SimState) Counts() (bodies, controllable int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countsLocked()
}

func (s *SimState) countsLocked() (bodies, controllable int) {
	for _, body := range s.universe.Store().IterLive() {
		bodies++
		if body.Controllable {
			controllable++
		}
	}
	return bodies, controllable
}

func (s *SimState) updateCountsLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetBodyCounts(s.countsLocked())
}
