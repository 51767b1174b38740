package core

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/orbiter-simulator/model"
)

// modelPalette holds the colours handed out to new bodies. Clients treat
// them as opaque "r g b" strings.
var modelPalette = [...]string{
	"1 1 1",
	"1 0.75 0.75",
	"0.75 1 0.75",
	"0.75 0.75 1",
	"1 1 0.75",
	"0.75 1 1",
	"1 0.75 1",
	"1 0.25 0.25",
	"0.25 1 0.25",
	"1 0.25 1",
	"0.25 1 1",
	"0.25 0.5 1",
	"0.25 1 0.5",
	"1 0.25 0.25",
	"0.5 1 0.25",
	"1 0.25 0.5",
	"0.5 0.25 1",
}

// BodySpec describes a body to add to a universe. Zero values pick
// defaults: radius 1/AU, no SOI, identity orientation. Radius is only
// used for display and is normally given in km.
type BodySpec struct {
	Name         string
	Parent       *model.CelestialID
	GM           float64
	Radius       float64
	SOI          float64
	Controllable bool
	SessionID    *model.SessionID
	OrbitColor   string
	ModelColor   string

	// AxialTilt tilts the body about x, in radians.
	AxialTilt float64
	// RotationPeriod is the sidereal day in seconds; zero means the body
	// does not spin. Negative periods spin retrograde.
	RotationPeriod float64
}

func (u *Universe) newBody(spec BodySpec) *model.CelestialBody {
	radius := spec.Radius
	if radius == 0 {
		radius = 1 / AU
	}
	modelColor := spec.ModelColor
	if modelColor == "" {
		modelColor = modelPalette[u.rng.IntN(len(modelPalette))]
	}
	b := &model.CelestialBody{
		Name:         spec.Name,
		Quaternion:   model.IdentityQuat(),
		GM:           spec.GM,
		Radius:       radius,
		SOI:          spec.SOI,
		Controllable: spec.Controllable,
		OrbitColor:   spec.OrbitColor,
		ModelColor:   modelColor,
	}
	b.SetParent(spec.Parent)
	if spec.SessionID != nil {
		s := *spec.SessionID
		b.SessionID = &s
	}
	if spec.AxialTilt != 0 || spec.RotationPeriod != 0 {
		b.Quaternion = model.QuatFromAxisAngle(model.Vec3{X: 1}, spec.AxialTilt)
	}
	if spec.RotationPeriod != 0 {
		b.AngularVelocity = b.Quaternion.Rotate(model.Vec3{Z: 2 * math.Pi / spec.RotationPeriod})
	}
	return b
}

// AddBody inserts a body with an explicit parent-local state.
func (u *Universe) AddBody(spec BodySpec, pos, vel model.Vec3) (model.CelestialID, error) {
	if spec.Parent != nil {
		if _, ok := u.store.Get(*spec.Parent); !ok {
			return model.CelestialID{}, fmt.Errorf("add %q: %w", spec.Name, ErrParentNotFound)
		}
	}
	b := u.newBody(spec)
	b.Position = pos
	b.Velocity = vel
	return u.insert(b), nil
}

// AddOrbitingBody inserts a body at the periapsis of the orbit described
// by el around spec.Parent.
func (u *Universe) AddOrbitingBody(spec BodySpec, el model.OrbitalElements) (model.CelestialID, error) {
	if spec.Parent == nil {
		return model.CelestialID{}, fmt.Errorf("add %q: orbit needs a parent: %w", spec.Name, ErrParentNotFound)
	}
	parent, ok := u.store.Get(*spec.Parent)
	if !ok {
		return model.CelestialID{}, fmt.Errorf("add %q: %w", spec.Name, ErrParentNotFound)
	}
	if spec.OrbitColor == "" {
		spec.OrbitColor = "#fff"
	}
	b := u.newBody(spec)
	b.Position, b.Velocity = StateFromElements(el, parent.GM)
	b.OrbitalElements = el
	return u.insert(b), nil
}

// insert allocates b and links it into its parent's children cache. Only
// safe outside a traversal.
func (u *Universe) insert(b *model.CelestialBody) model.CelestialID {
	id := u.store.Allocate(b)
	if b.Parent != nil {
		if parent, ok := u.store.Get(*b.Parent); ok {
			parent.Children = append(parent.Children, id)
		}
	}
	return id
}
