package core

import (
	"math"

	"github.com/signalsfoundry/orbiter-simulator/model"
)

// ComputeElements derives the Keplerian elements of a body from its state
// vectors relative to a parent with gravitational parameter mu. Epoch and
// mean anomaly are not derivable from an instantaneous state and are left
// zero.
//
// Angular momentum is taken as velocity × position, so a prograde orbit
// about +z has inclination 0 under inclination = acos(-h.z/|h|).
func ComputeElements(pos, vel model.Vec3, mu float64) model.OrbitalElements {
	var el model.OrbitalElements

	h := vel.Cross(pos)
	r := pos.Norm()
	v := vel.Norm()
	n := model.Vec3{Z: 1}.Cross(h)
	e := pos.Scale(v*v/mu - 1/r).Sub(vel.Scale(pos.Dot(vel) / mu))

	el.Eccentricity = e.Norm()
	if h2 := h.Norm2(); h2 > elementsEpsilon {
		el.Inclination = math.Acos(clampUnit(-h.Z / math.Sqrt(h2)))
	}
	el.SemimajorAxis = 1 / (2/r - v*v/mu)

	nodeDegenerate := n.Norm2() <= elementsEpsilon
	if !nodeDegenerate {
		el.AscendingNode = math.Acos(clampUnit(n.X / n.Norm()))
		if n.Y < 0 {
			el.AscendingNode = 2*math.Pi - el.AscendingNode
		}
	}

	if nodeDegenerate || e.Norm2() <= elementsEpsilon {
		// Equatorial or circular: the node vector or the eccentricity
		// vector is undefined, so measure periapsis in the reference plane,
		// flipping with the orbit normal.
		ey := e.Y
		if h.Z < 0 {
			ey = -e.Y
		}
		el.ArgumentOfPerihelion = math.Atan2(ey, e.X)
	} else {
		el.ArgumentOfPerihelion = math.Acos(clampUnit(n.Dot(e) / (n.Norm() * e.Norm())))
		if e.Z < 0 {
			el.ArgumentOfPerihelion = 2*math.Pi - el.ArgumentOfPerihelion
		}
	}

	el.AscendingNode = normalizeAngle(el.AscendingNode)
	el.Inclination = normalizeAngle(el.Inclination)
	el.ArgumentOfPerihelion = normalizeAngle(el.ArgumentOfPerihelion)
	return el
}

// orbitRotation maps the reference periapsis frame onto the orbit plane
// described by el.
func orbitRotation(el model.OrbitalElements) model.Quat {
	return model.QuatFromAxisAngle(model.Vec3{Z: 1}, el.AscendingNode-math.Pi/2).
		Mul(model.QuatFromAxisAngle(model.Vec3{Y: 1}, math.Pi-el.Inclination)).
		Mul(model.QuatFromAxisAngle(model.Vec3{Z: 1}, el.ArgumentOfPerihelion))
}

// StateFromElements places a body at the periapsis of the orbit described
// by el around a parent with gravitational parameter mu and returns its
// parent-local position and velocity. The speed follows the vis-viva
// equation.
func StateFromElements(el model.OrbitalElements, mu float64) (pos, vel model.Vec3) {
	rot := orbitRotation(el)
	pos = rot.Rotate(model.Vec3{Y: (1 - el.Eccentricity) * el.SemimajorAxis})

	r := pos.Norm()
	if r == 0 || el.SemimajorAxis == 0 {
		return pos, model.Vec3{}
	}
	speed2 := mu * (2/r - 1/el.SemimajorAxis)
	if speed2 <= 0 || math.IsNaN(speed2) {
		return pos, model.Vec3{}
	}
	vel = rot.Rotate(model.Vec3{X: 1}).Scale(math.Sqrt(speed2))
	return pos, vel
}

// normalizeAngle folds a into [0, 2π).
func normalizeAngle(a float64) float64 {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return 0
	}
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	if a >= 2*math.Pi {
		a = 0
	}
	return a
}

func clampUnit(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}
