package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"github.com/signalsfoundry/orbiter-simulator/kb"
	"github.com/signalsfoundry/orbiter-simulator/model"
)

// Universe owns the body tree and steps it.
//
// A Universe is not safe for concurrent use. The service layer serializes
// ticks against readers with a single RWMutex around the whole value.
type Universe struct {
	store      *kb.BodyStore
	integrator *Integrator
	soi        *SOIManager

	simTime   float64
	startTime float64
	timeScale float64
	ticks     uint64

	// parentDirty is set whenever a body's parent changes and cleared by
	// RepairTree.
	parentDirty bool

	rng *rand.Rand
	log logging.Logger
}

// TickReport summarises one Tick.
type TickReport struct {
	SimTime     float64
	Substeps    int
	Integrated  int
	Skipped     int
	Transitions []Transition
	Repaired    bool
	// Err joins claim conflicts raised during integration. Per-body
	// failures never abort the tick.
	Err error
}

// UniverseOption customises Universe construction.
type UniverseOption func(*Universe)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) UniverseOption {
	return func(u *Universe) {
		u.log = logging.OrNoop(l)
	}
}

// WithRand sets the random source used for spawned orbits and colours.
func WithRand(r *rand.Rand) UniverseOption {
	return func(u *Universe) {
		if r != nil {
			u.rng = r
		}
	}
}

// WithRenormalizeEvery overrides how often quaternions are renormalized.
func WithRenormalizeEvery(n int) UniverseOption {
	return func(u *Universe) {
		u.integrator.RenormalizeEvery = n
	}
}

// NewUniverse returns an empty universe whose clock starts at now, in Unix
// seconds.
func NewUniverse(now float64, opts ...UniverseOption) *Universe {
	u := &Universe{
		store:     kb.NewBodyStore(),
		soi:       NewSOIManager(),
		simTime:   now,
		startTime: now,
		timeScale: 1,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		log:       logging.Noop(),
	}
	u.integrator = NewIntegrator(u.soi, nil)
	for _, opt := range opts {
		opt(u)
	}
	u.integrator.log = u.log
	return u
}

// Store exposes the underlying body store.
func (u *Universe) Store() *kb.BodyStore { return u.store }

// SimTime returns the simulated clock in Unix seconds.
func (u *Universe) SimTime() float64 { return u.simTime }

// StartTime returns the wall time the universe was created at.
func (u *Universe) StartTime() float64 { return u.startTime }

// TimeScale returns the simulated seconds advanced per Update.
func (u *Universe) TimeScale() float64 { return u.timeScale }

// Ticks returns the number of ticks run since construction or load.
func (u *Universe) Ticks() uint64 { return u.ticks }

// Dirty reports whether a tree repair is pending.
func (u *Universe) Dirty() bool { return u.parentDirty }

// MarkDirty schedules a tree repair.
func (u *Universe) MarkDirty() { u.parentDirty = true }

// Get resolves a handle.
func (u *Universe) Get(id model.CelestialID) (*model.CelestialBody, bool) {
	return u.store.Get(id)
}

// FindByName returns the first live body with the given name.
func (u *Universe) FindByName(name string) (model.CelestialID, *model.CelestialBody, bool) {
	return u.store.FindByName(name)
}

// Tick advances the simulation by deltaTime seconds split into substeps
// integration passes, then repairs the tree if any parent changed and
// recomputes orbital elements.
func (u *Universe) Tick(ctx context.Context, deltaTime float64, substeps int) TickReport {
	if substeps < 1 {
		substeps = 1
	}
	h := deltaTime / float64(substeps)

	report := TickReport{Substeps: substeps}
	var errs []error
	for i := 0; i < substeps; i++ {
		res := u.integrator.Step(ctx, u.store, h)
		report.Integrated += res.Integrated
		report.Skipped += res.Skipped
		if res.Reparented {
			u.parentDirty = true
		}
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}

	report.Repaired = u.RepairTree()
	report.Transitions = u.soi.Drain()
	u.RecomputeElements()

	u.simTime += deltaTime
	u.ticks++
	report.SimTime = u.simTime
	report.Err = errors.Join(errs...)
	if report.Err != nil {
		u.log.Error(ctx, "tick finished with claim conflicts", logging.Err(report.Err))
	}
	return report
}

// Update runs one server tick: TimeScale simulated seconds over
// DefaultSubsteps substeps.
func (u *Universe) Update(ctx context.Context) TickReport {
	return u.Tick(ctx, u.timeScale, DefaultSubsteps)
}

// RepairTree rebuilds every children cache from the parent pointers when
// a repair is pending. It reports whether a rebuild happened.
func (u *Universe) RepairTree() bool {
	if !u.parentDirty {
		return false
	}
	for _, body := range u.store.IterLive() {
		body.Children = body.Children[:0]
	}

	root := u.store.Tracker()
	defer root.Release()
	for id := range root.IterLive() {
		body, rest, err := root.Exclude(id)
		if err != nil {
			continue
		}
		if body.Parent != nil {
			if parent, ok := rest.Get(*body.Parent); ok {
				parent.Children = append(parent.Children, id)
			}
		}
		rest.Release()
	}
	u.parentDirty = false
	return true
}

// RecomputeElements refreshes the cached orbital elements of every body
// with a live parent. Epoch and mean anomaly are kept.
func (u *Universe) RecomputeElements() {
	root := u.store.Tracker()
	defer root.Release()
	for id := range root.IterLive() {
		body, rest, err := root.Exclude(id)
		if err != nil {
			continue
		}
		if body.Parent != nil {
			if parent, ok := rest.Get(*body.Parent); ok && parent.GM > 0 {
				el := ComputeElements(body.Position, body.Velocity, parent.GM)
				el.Epoch = body.OrbitalElements.Epoch
				el.MeanAnomaly = body.OrbitalElements.MeanAnomaly
				body.OrbitalElements = el
			}
		}
		rest.Release()
	}
}

// SetTimeScale changes the simulated seconds per Update.
func (u *Universe) SetTimeScale(scale float64) error {
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale < 0 {
		return fmt.Errorf("time scale %v: %w", scale, ErrInvalidTimeScale)
	}
	u.timeScale = scale
	return nil
}

// Spawn adds a controllable craft on a random orbit around the named
// parent and returns the session that owns it.
func (u *Universe) Spawn(parentName string) (model.SessionID, model.CelestialID, error) {
	parentID, _, ok := u.store.FindByName(parentName)
	if !ok {
		return model.SessionID{}, model.CelestialID{}, fmt.Errorf("spawn around %q: %w", parentName, ErrParentNotFound)
	}

	session := model.NewSessionID()
	el := model.OrbitalElements{
		SemimajorAxis:        (10000 + u.rng.Float64()*10000) / AU,
		Eccentricity:         u.rng.Float64() * 0.5,
		Inclination:          u.rng.Float64() * 30 * radPerDeg,
		AscendingNode:        u.rng.Float64() * 360 * radPerDeg,
		ArgumentOfPerihelion: u.rng.Float64() * 360 * radPerDeg,
	}
	id, err := u.AddOrbitingBody(BodySpec{
		Name:         u.craftName(),
		Parent:       &parentID,
		GM:           GMFromKm(100),
		Radius:       0.1,
		Controllable: true,
		SessionID:    &session,
	}, el)
	if err != nil {
		return model.SessionID{}, model.CelestialID{}, err
	}
	if body, ok := u.store.Get(id); ok {
		body.Quaternion = craftOrientation()
	}
	u.log.Info(context.Background(), "spawned craft",
		logging.String("session", session.HumanHash()),
		logging.String("parent", parentName),
		logging.String("id", id.String()),
	)
	return session, id, nil
}

// craftName picks an unused "rocketN" name, starting from the slot count.
func (u *Universe) craftName() string {
	for n := u.store.Len(); ; n++ {
		name := fmt.Sprintf("rocket%d", n)
		if _, _, taken := u.store.FindByName(name); !taken {
			return name
		}
	}
}

// craftOrientation points a new craft's nose along its initial velocity.
func craftOrientation() model.Quat {
	return model.QuatFromAxisAngle(model.Vec3{X: 1}, math.Pi/2).
		Mul(model.QuatFromAxisAngle(model.Vec3{Y: 1}, math.Pi/2))
}

// BodyState is a full kinematic state command for a controllable body.
type BodyState struct {
	Name            string     `json:"name"`
	Parent          string     `json:"parent"`
	Position        model.Vec3 `json:"position"`
	Velocity        model.Vec3 `json:"velocity"`
	Quaternion      model.Quat `json:"quaternion"`
	AngularVelocity model.Vec3 `json:"angularVelocity"`
}

func (s BodyState) validate() error {
	q := s.Quaternion
	if !s.Position.IsFinite() || !s.Velocity.IsFinite() || !s.AngularVelocity.IsFinite() ||
		!(model.Vec3{X: q.X, Y: q.Y, Z: q.Z}).IsFinite() || math.IsNaN(q.W) || math.IsInf(q.W, 0) {
		return ErrInvalidState
	}
	return nil
}

// SetBodyState overwrites the state of the named body on behalf of
// session. Only the owning session may do so, and the parent is resolved
// by name. On any error the body is left unchanged.
func (u *Universe) SetBodyState(session model.SessionID, cmd BodyState) (model.CelestialID, error) {
	if err := cmd.validate(); err != nil {
		return model.CelestialID{}, fmt.Errorf("set state of %q: %w", cmd.Name, err)
	}

	tr := u.store.Tracker()
	defer tr.Release()

	id, body, ok := tr.FindFirst(func(_ model.CelestialID, b *model.CelestialBody) bool {
		return b.Name == cmd.Name
	})
	if !ok {
		return model.CelestialID{}, fmt.Errorf("set state of %q: %w", cmd.Name, ErrBodyNotFound)
	}
	if !body.OwnedBy(session) {
		return model.CelestialID{}, fmt.Errorf("set state of %q: %w", cmd.Name, ErrUnauthorized)
	}
	// The body itself is already claimed, so it can never be its own
	// parent here.
	parentID, _, ok := tr.FindFirst(func(_ model.CelestialID, b *model.CelestialBody) bool {
		return b.Name == cmd.Parent
	})
	if !ok {
		return model.CelestialID{}, fmt.Errorf("set state of %q: parent %q: %w", cmd.Name, cmd.Parent, ErrParentNotFound)
	}
	if u.isDescendant(parentID, id) {
		return model.CelestialID{}, fmt.Errorf("set state of %q: parent %q orbits it: %w", cmd.Name, cmd.Parent, ErrParentNotFound)
	}

	if !body.ParentIs(parentID) {
		body.SetParent(&parentID)
		u.parentDirty = true
	}
	body.Position = cmd.Position
	body.Velocity = cmd.Velocity
	body.Quaternion = cmd.Quaternion.Normalize()
	body.AngularVelocity = cmd.AngularVelocity
	tr.Release()

	u.RepairTree()
	return id, nil
}

// isDescendant reports whether id has ancestor somewhere up its parent
// chain.
func (u *Universe) isDescendant(id, ancestor model.CelestialID) bool {
	cur := id
	for i := 0; i <= u.store.Len(); i++ {
		body, ok := u.store.Get(cur)
		if !ok || body.Parent == nil {
			return false
		}
		if *body.Parent == ancestor {
			return true
		}
		cur = *body.Parent
	}
	return false
}

// RemoveBody despawns id. Its children are moved to its parent with their
// world state preserved, the slot generation is bumped and the tree is
// repaired.
func (u *Universe) RemoveBody(id model.CelestialID) error {
	removed, ok := u.store.Get(id)
	if !ok {
		_, err := u.store.Remove(id)
		return err
	}
	for _, body := range u.store.IterLive() {
		if !body.ParentIs(id) {
			continue
		}
		body.Position = body.Position.Add(removed.Position)
		body.Velocity = body.Velocity.Add(removed.Velocity)
		body.SetParent(removed.Parent)
	}
	if _, err := u.store.Remove(id); err != nil {
		return err
	}
	u.parentDirty = true
	u.RepairTree()
	return nil
}

// WorldPosition sums the parent chain of id into a position relative to
// the root of its tree.
func (u *Universe) WorldPosition(id model.CelestialID) (model.Vec3, bool) {
	body, ok := u.store.Get(id)
	if !ok {
		return model.Vec3{}, false
	}
	pos := body.Position
	for i := 0; body.Parent != nil && i < u.store.Len(); i++ {
		parent, ok := u.store.Get(*body.Parent)
		if !ok {
			break
		}
		pos = pos.Add(parent.Position)
		body = parent
	}
	return pos, true
}
