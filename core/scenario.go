package core

import (
	"fmt"
	"math"

	"github.com/signalsfoundry/orbiter-simulator/model"
)

type planetDef struct {
	name           string
	parent         string
	orbitColor     string
	gmKm           float64
	radiusKm       float64
	soiKm          float64
	elements       model.OrbitalElements // angles in degrees
	axialTiltDeg   float64
	rotationPeriod float64
}

func deg(el model.OrbitalElements) model.OrbitalElements {
	el.Inclination *= radPerDeg
	el.AscendingNode *= radPerDeg
	el.ArgumentOfPerihelion *= radPerDeg
	return el
}

const day = 24 * 60 * 60

var solarSystem = []planetDef{
	{
		name: "mercury", parent: "sun", orbitColor: "#3f7f7f",
		gmKm: 22032, radiusKm: 2439.7, soiKm: 2e5,
		elements: model.OrbitalElements{
			SemimajorAxis: 0.387098, Eccentricity: 0.205630,
			Inclination: 7.005, AscendingNode: 48.331, ArgumentOfPerihelion: 29.124,
		},
		axialTiltDeg: 2.04, rotationPeriod: 58.646 * day,
	},
	{
		name: "venus", parent: "sun", orbitColor: "#7f7f3f",
		gmKm: 324859, radiusKm: 6051.8, soiKm: 2e5,
		elements: model.OrbitalElements{
			SemimajorAxis: 0.723332, Eccentricity: 0.00677323,
			Inclination: 3.39458, AscendingNode: 76.678, ArgumentOfPerihelion: 55.186,
		},
		axialTiltDeg: 2.64, rotationPeriod: -243 * day,
	},
	{
		name: "earth", parent: "sun",
		gmKm: 398600, radiusKm: 6534, soiKm: 5e5,
		elements: model.OrbitalElements{
			SemimajorAxis: 1, Eccentricity: 0.0167086,
			AscendingNode: -11.26064, ArgumentOfPerihelion: 114.20783,
		},
		axialTiltDeg: 23.4392811, rotationPeriod: (23*60+56)*60 + 4.10,
	},
	{
		name: "moon", parent: "earth",
		gmKm: 4904.8695, radiusKm: 1737.1, soiKm: 1e5,
		elements: model.OrbitalElements{
			SemimajorAxis: 384399 / AU, Eccentricity: 0.048775,
			Inclination: -11.26064, AscendingNode: 100.492, ArgumentOfPerihelion: 114.20783,
		},
		axialTiltDeg: 1.5424, rotationPeriod: 27.321661 * day,
	},
	{
		name: "mars", parent: "sun",
		gmKm: 42828, radiusKm: 3389.5, soiKm: 3e5,
		elements: model.OrbitalElements{
			SemimajorAxis: 1.523679, Eccentricity: 0.0935,
			Inclination: 1.850, AscendingNode: 49.562, ArgumentOfPerihelion: 286.537,
		},
		axialTiltDeg: 25.19, rotationPeriod: 24.6229 * 60 * 60,
	},
	{
		name: "jupiter", parent: "sun",
		gmKm: 126686534, radiusKm: 69911, soiKm: 10e6,
		elements: model.OrbitalElements{
			SemimajorAxis: 5.204267, Eccentricity: 0.048775,
			Inclination: 1.305, AscendingNode: 100.492, ArgumentOfPerihelion: 275.066,
		},
		axialTiltDeg: 3.13, rotationPeriod: 9.925 * 60 * 60,
	},
}

// NewSolarSystem builds the default universe: the Sun, the inner planets,
// the Moon, Jupiter, an uncontrolled "rocket" in low Earth orbit and three
// randomly placed asteroids.
func NewSolarSystem(now float64, opts ...UniverseOption) (*Universe, error) {
	u := NewUniverse(now, opts...)

	if _, err := u.AddBody(BodySpec{Name: "sun", GM: GMSun, Radius: 695800}, model.Vec3{}, model.Vec3{}); err != nil {
		return nil, err
	}

	for _, p := range solarSystem {
		if err := u.addPlanet(p); err != nil {
			return nil, err
		}
		if p.name == "earth" {
			if err := u.addDemoCraft(); err != nil {
				return nil, err
			}
		}
	}

	if err := u.addAsteroids(3); err != nil {
		return nil, err
	}
	u.RecomputeElements()
	return u, nil
}

func (u *Universe) addPlanet(p planetDef) error {
	parentID, _, ok := u.FindByName(p.parent)
	if !ok {
		return fmt.Errorf("planet %q: parent %q: %w", p.name, p.parent, ErrParentNotFound)
	}
	_, err := u.AddOrbitingBody(BodySpec{
		Name:           p.name,
		Parent:         &parentID,
		GM:             GMFromKm(p.gmKm),
		Radius:         p.radiusKm,
		SOI:            KmToAU(p.soiKm),
		OrbitColor:     p.orbitColor,
		AxialTilt:      p.axialTiltDeg * radPerDeg,
		RotationPeriod: p.rotationPeriod,
	}, deg(p.elements))
	return err
}

func (u *Universe) addDemoCraft() error {
	earthID, _, ok := u.FindByName("earth")
	if !ok {
		return fmt.Errorf("rocket: %w", ErrParentNotFound)
	}
	id, err := u.AddOrbitingBody(BodySpec{
		Name:         "rocket",
		Parent:       &earthID,
		GM:           GMFromKm(100),
		Radius:       0.1,
		Controllable: true,
	}, model.OrbitalElements{SemimajorAxis: 10000 / AU})
	if err != nil {
		return err
	}
	if b, ok := u.Get(id); ok {
		b.Quaternion = craftOrientation()
	}
	return nil
}

func (u *Universe) addAsteroids(n int) error {
	sunID, _, ok := u.FindByName("sun")
	if !ok {
		return fmt.Errorf("asteroids: %w", ErrParentNotFound)
	}
	jitter := func(scale float64) float64 { return (u.rng.Float64() - 0.5) * scale }

	for i := 0; i < n; i++ {
		turn := model.QuatFromAxisAngle(model.Vec3{Z: 1}, u.rng.Float64()*2*math.Pi)
		pos := turn.Rotate(model.Vec3{
			X: jitter(0.1),
			Y: jitter(0.1) + 1,
			Z: jitter(0.1),
		}).Scale(2.5)
		vel := turn.Rotate(model.Vec3{
			X: jitter(0.3) - 1,
			Y: jitter(0.3),
			Z: jitter(0.3),
		}.Scale(math.Sqrt(GMSun / pos.Norm())))

		if _, err := u.AddBody(BodySpec{
			Name:   fmt.Sprintf("asteroid%d", i),
			Parent: &sunID,
			GM:     GMFromKm(1e4),
		}, pos, vel); err != nil {
			return err
		}
	}
	return nil
}
