package state

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/orbiter-simulator/core"
	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"github.com/signalsfoundry/orbiter-simulator/internal/observability"
	"github.com/signalsfoundry/orbiter-simulator/model"
)

type stubRecorder struct {
	mu        sync.Mutex
	ticks     []observability.TickSample
	snapshots []string
	bodies    int
	craft     int
}

func (r *stubRecorder) RecordTick(s observability.TickSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, s)
}

func (r *stubRecorder) RecordSnapshot(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := op + ":ok"
	if err != nil {
		result = op + ":error"
	}
	r.snapshots = append(r.snapshots, result)
}

func (r *stubRecorder) SetBodyCounts(bodies, controllable int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies, r.craft = bodies, controllable
}

func newTestState(t *testing.T, opts ...SimStateOption) *SimState {
	t.Helper()
	u, err := core.NewSolarSystem(0, core.WithRand(rand.New(rand.NewPCG(1, 2))))
	if err != nil {
		t.Fatalf("NewSolarSystem: %v", err)
	}
	return NewSimState(u, logging.Noop(), opts...)
}

// steppingClock advances by step on every call.
func steppingClock(step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := time.Unix(0, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}

func spawnedName(t *testing.T, s *SimState, id model.CelestialID) string {
	t.Helper()
	var name string
	err := s.WithReadLock(func(u *core.Universe) error {
		body, ok := u.Get(id)
		if !ok {
			return errors.New("spawned body missing")
		}
		name = body.Name
		return nil
	})
	if err != nil {
		t.Fatalf("WithReadLock: %v", err)
	}
	return name
}

func TestNewSimStateReportsInitialCounts(t *testing.T) {
	rec := &stubRecorder{}
	s := newTestState(t, WithMetricsRecorder(rec))

	bodies, craft := s.Counts()
	if rec.bodies != bodies || rec.craft != craft {
		t.Fatalf("recorded counts = %d/%d, want %d/%d", rec.bodies, rec.craft, bodies, craft)
	}
	if craft != 1 {
		t.Fatalf("controllable bodies = %d, want 1 (demo rocket)", craft)
	}
}

func TestRunTickRecordsSample(t *testing.T) {
	rec := &stubRecorder{}
	s := newTestState(t, WithMetricsRecorder(rec), WithClock(steppingClock(2*time.Millisecond)))

	report := s.RunTick(context.Background())
	if report.SimTime != s.TimeScale() {
		t.Fatalf("SimTime after one tick = %v, want %v", report.SimTime, s.TimeScale())
	}
	if report.Substeps != core.DefaultSubsteps {
		t.Fatalf("Substeps = %d, want %d", report.Substeps, core.DefaultSubsteps)
	}

	if len(rec.ticks) != 1 {
		t.Fatalf("recorded %d ticks, want 1", len(rec.ticks))
	}
	sample := rec.ticks[0]
	if sample.Duration != 2*time.Millisecond {
		t.Fatalf("tick duration = %v, want 2ms", sample.Duration)
	}
	bodies, craft := s.Counts()
	if sample.Bodies != bodies || sample.Controllable != craft {
		t.Fatalf("sample counts = %d/%d, want %d/%d", sample.Bodies, sample.Controllable, bodies, craft)
	}
	if sample.Conflict {
		t.Fatalf("unexpected claim conflict in a fresh universe")
	}

	var ticks uint64
	_ = s.WithReadLock(func(u *core.Universe) error {
		ticks = u.Ticks()
		return nil
	})
	if ticks != 1 {
		t.Fatalf("Ticks() = %d, want 1", ticks)
	}
}

func TestSnapshotLoadRoundTrip(t *testing.T) {
	rec := &stubRecorder{}
	src := newTestState(t)
	if _, _, err := src.Spawn(context.Background(), "mars"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	src.RunTick(context.Background())

	data, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	dst := NewSimState(core.NewUniverse(0), logging.Noop(), WithMetricsRecorder(rec))
	if err := dst.Load(context.Background(), data); err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantBodies, wantCraft := src.Counts()
	gotBodies, gotCraft := dst.Counts()
	if gotBodies != wantBodies || gotCraft != wantCraft {
		t.Fatalf("loaded counts = %d/%d, want %d/%d", gotBodies, gotCraft, wantBodies, wantCraft)
	}
	if rec.bodies != wantBodies {
		t.Fatalf("recorded bodies after load = %d, want %d", rec.bodies, wantBodies)
	}
	if len(rec.snapshots) != 1 || rec.snapshots[0] != "load:ok" {
		t.Fatalf("snapshot records = %v, want [load:ok]", rec.snapshots)
	}
}

func TestLoadMalformedKeepsState(t *testing.T) {
	rec := &stubRecorder{}
	s := newTestState(t, WithMetricsRecorder(rec))
	before, _ := s.Counts()

	err := s.Load(context.Background(), []byte(`[1, 2, 3]`))
	if !errors.Is(err, ErrMalformedSnapshot) {
		t.Fatalf("Load error = %v, want ErrMalformedSnapshot", err)
	}
	if after, _ := s.Counts(); after != before {
		t.Fatalf("bodies after failed load = %d, want %d", after, before)
	}
	if len(rec.snapshots) != 1 || rec.snapshots[0] != "load:error" {
		t.Fatalf("snapshot records = %v, want [load:error]", rec.snapshots)
	}
}

func TestSetBodyStateNotifiesListeners(t *testing.T) {
	s := newTestState(t)
	session, id, err := s.Spawn(context.Background(), "earth")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	name := spawnedName(t, s, id)

	var gotSession model.SessionID
	var gotCmd core.BodyState
	calls := 0
	s.OnBodyState(func(sess model.SessionID, cmd core.BodyState) {
		calls++
		gotSession, gotCmd = sess, cmd
	})

	cmd := core.BodyState{
		Name:       name,
		Parent:     "moon",
		Position:   model.Vec3{X: 1e-5},
		Velocity:   model.Vec3{Y: 1e-9},
		Quaternion: model.IdentityQuat(),
	}
	got, err := s.SetBodyState(context.Background(), session, cmd)
	if err != nil {
		t.Fatalf("SetBodyState: %v", err)
	}
	if got != id {
		t.Fatalf("SetBodyState id = %v, want %v", got, id)
	}
	if calls != 1 || gotSession != session || gotCmd.Parent != "moon" {
		t.Fatalf("listener calls = %d session = %v parent = %q", calls, gotSession, gotCmd.Parent)
	}

	var other model.SessionID
	other[0] = 0xff
	if _, err := s.SetBodyState(context.Background(), other, cmd); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("foreign session error = %v, want ErrUnauthorized", err)
	}
	if calls != 1 {
		t.Fatalf("listener ran for a rejected command")
	}
}

func TestSetTimeScale(t *testing.T) {
	s := newTestState(t)
	var got []float64
	s.OnTimeScale(func(scale float64) { got = append(got, scale) })

	if err := s.SetTimeScale(context.Background(), 3600); err != nil {
		t.Fatalf("SetTimeScale: %v", err)
	}
	if s.TimeScale() != 3600 {
		t.Fatalf("TimeScale() = %v, want 3600", s.TimeScale())
	}
	if err := s.SetTimeScale(context.Background(), -1); !errors.Is(err, ErrInvalidTimeScale) {
		t.Fatalf("negative scale error = %v, want ErrInvalidTimeScale", err)
	}
	if len(got) != 1 || got[0] != 3600 {
		t.Fatalf("listener saw %v, want [3600]", got)
	}
}

func TestSpawnUnknownParent(t *testing.T) {
	s := newTestState(t)
	if _, _, err := s.Spawn(context.Background(), "pluto"); !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("Spawn error = %v, want ErrParentNotFound", err)
	}
}

func TestWithReadLockNilFunc(t *testing.T) {
	s := newTestState(t)
	if err := s.WithReadLock(nil); err != nil {
		t.Fatalf("WithReadLock(nil) = %v, want nil", err)
	}
}

// TestTickLoopAndCommandsConcurrently runs ticks alongside snapshot reads
// and state commands; run with -race.
func TestTickLoopAndCommandsConcurrently(t *testing.T) {
	s := newTestState(t)
	session, id, err := s.Spawn(context.Background(), "earth")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	name := spawnedName(t, s, id)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			s.RunTick(ctx)
		}
	}()
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if _, err := s.Snapshot(); err != nil {
				t.Errorf("Snapshot: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			_, err := s.SetBodyState(ctx, session, core.BodyState{
				Name:       name,
				Parent:     "earth",
				Position:   model.Vec3{X: 1e-4 + float64(i%10)*1e-6},
				Velocity:   model.Vec3{Y: 1e-8},
				Quaternion: model.IdentityQuat(),
			})
			if err != nil {
				t.Errorf("SetBodyState: %v", err)
				return
			}
			_ = s.SetTimeScale(ctx, float64(i%5))
		}
	}()
	wg.Wait()

	if _, err := s.Snapshot(); err != nil {
		t.Fatalf("final Snapshot: %v", err)
	}
}
