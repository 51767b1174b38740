package core

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/orbiter-simulator/model"
)

// Scenario files describe a body tree in YAML. Bodies are listed parents
// first. Units follow the usual conventions for hand-written data: GM in
// km^3/s^2, radius and SOI in km, semimajor axis in AU, angles in degrees,
// explicit states in AU and AU/s.
type scenarioYAML struct {
	Name      string     `yaml:"name"`
	StartTime *float64   `yaml:"startTime"`
	TimeScale *float64   `yaml:"timeScale"`
	Bodies    []bodyYAML `yaml:"bodies"`
}

type bodyYAML struct {
	Name           string     `yaml:"name"`
	Parent         string     `yaml:"parent"`
	GM             float64    `yaml:"gm"`
	Radius         float64    `yaml:"radius"`
	SOI            float64    `yaml:"soi"`
	Controllable   bool       `yaml:"controllable"`
	AxialTilt      float64    `yaml:"axialTilt"`
	RotationPeriod float64    `yaml:"rotationPeriod"`
	OrbitColor     string     `yaml:"orbitColor"`
	ModelColor     string     `yaml:"modelColor"`
	Orbit          *orbitYAML `yaml:"orbit"`
	State          *stateYAML `yaml:"state"`
	TLE            *tleYAML   `yaml:"tle"`
}

type orbitYAML struct {
	SemimajorAxis        float64 `yaml:"semimajorAxis"`
	Eccentricity         float64 `yaml:"eccentricity"`
	Inclination          float64 `yaml:"inclination"`
	AscendingNode        float64 `yaml:"ascendingNode"`
	ArgumentOfPerihelion float64 `yaml:"argumentOfPerihelion"`
}

type stateYAML struct {
	Position model.Vec3 `yaml:"position"`
	Velocity model.Vec3 `yaml:"velocity"`
}

type tleYAML struct {
	Line1 string     `yaml:"line1"`
	Line2 string     `yaml:"line2"`
	Epoch *time.Time `yaml:"epoch"`
}

// Scenario summarises what LoadScenario built.
type Scenario struct {
	Name   string
	Bodies []model.CelestialID
}

// LoadScenario builds a universe from the YAML scenario in r. now is used as
// the clock start unless the file sets startTime. Any structural problem
// (unknown keys, unknown or later-declared parents, duplicate names, more
// than one initial state per body) is reported as ErrInvalidScenario.
func LoadScenario(r io.Reader, now float64, opts ...UniverseOption) (*Universe, *Scenario, error) {
	var doc scenarioYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("%w: empty document", ErrInvalidScenario)
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if len(doc.Bodies) == 0 {
		return nil, nil, fmt.Errorf("%w: no bodies", ErrInvalidScenario)
	}

	start := now
	if doc.StartTime != nil {
		start = *doc.StartTime
	}
	u := NewUniverse(start, opts...)
	if doc.TimeScale != nil {
		if err := u.SetTimeScale(*doc.TimeScale); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
		}
	}

	summary := &Scenario{Name: doc.Name, Bodies: make([]model.CelestialID, 0, len(doc.Bodies))}
	tilts := make(map[string]float64, len(doc.Bodies))
	for i, b := range doc.Bodies {
		id, err := u.addScenarioBody(b, tilts)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: body %d (%q): %w", ErrInvalidScenario, i, b.Name, err)
		}
		tilts[b.Name] = b.AxialTilt * radPerDeg
		summary.Bodies = append(summary.Bodies, id)
	}
	u.RecomputeElements()
	return u, summary, nil
}

func (u *Universe) addScenarioBody(b bodyYAML, tilts map[string]float64) (model.CelestialID, error) {
	if b.Name == "" {
		return model.CelestialID{}, errors.New("missing name")
	}
	if _, _, dup := u.FindByName(b.Name); dup {
		return model.CelestialID{}, errors.New("duplicate name")
	}
	if b.GM < 0 || b.Radius < 0 || b.SOI < 0 {
		return model.CelestialID{}, errors.New("gm, radius and soi must not be negative")
	}

	initial := 0
	for _, set := range []bool{b.Orbit != nil, b.State != nil, b.TLE != nil} {
		if set {
			initial++
		}
	}
	if initial > 1 {
		return model.CelestialID{}, errors.New("orbit, state and tle are mutually exclusive")
	}

	spec := BodySpec{
		Name:           b.Name,
		GM:             GMFromKm(b.GM),
		Radius:         b.Radius,
		SOI:            KmToAU(b.SOI),
		Controllable:   b.Controllable,
		OrbitColor:     b.OrbitColor,
		ModelColor:     b.ModelColor,
		AxialTilt:      b.AxialTilt * radPerDeg,
		RotationPeriod: b.RotationPeriod,
	}
	if b.Parent == "" {
		if initial > 0 && b.State == nil {
			return model.CelestialID{}, errors.New("a root body cannot have an orbit")
		}
		var st stateYAML
		if b.State != nil {
			st = *b.State
		}
		return u.AddBody(spec, st.Position, st.Velocity)
	}

	parentID, _, ok := u.FindByName(b.Parent)
	if !ok {
		return model.CelestialID{}, fmt.Errorf("parent %q: %w", b.Parent, ErrParentNotFound)
	}
	spec.Parent = &parentID

	switch {
	case b.Orbit != nil:
		o := b.Orbit
		if o.SemimajorAxis <= 0 || o.Eccentricity < 0 || o.Eccentricity >= 1 {
			return model.CelestialID{}, errors.New("orbit needs a > 0 and 0 <= e < 1")
		}
		return u.AddOrbitingBody(spec, model.OrbitalElements{
			SemimajorAxis:        o.SemimajorAxis,
			Eccentricity:         o.Eccentricity,
			Inclination:          o.Inclination * radPerDeg,
			AscendingNode:        o.AscendingNode * radPerDeg,
			ArgumentOfPerihelion: o.ArgumentOfPerihelion * radPerDeg,
		})
	case b.TLE != nil:
		at := unixTime(u.simTime)
		if b.TLE.Epoch != nil {
			at = *b.TLE.Epoch
		}
		pos, vel, err := StateFromTLE(b.TLE.Line1, b.TLE.Line2, at)
		if err != nil {
			return model.CelestialID{}, err
		}
		tilt := tilts[b.Parent]
		return u.AddBody(spec, EquatorialToParent(pos, tilt), EquatorialToParent(vel, tilt))
	case b.State != nil:
		if !b.State.Position.IsFinite() || !b.State.Velocity.IsFinite() {
			return model.CelestialID{}, ErrInvalidState
		}
		return u.AddBody(spec, b.State.Position, b.State.Velocity)
	default:
		return model.CelestialID{}, errors.New("needs one of orbit, state or tle")
	}
}

func unixTime(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
