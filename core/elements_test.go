package core

import (
	"math"
	"testing"

	"github.com/signalsfoundry/orbiter-simulator/model"
)

func angleDiff(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 2*math.Pi)
	return math.Min(d, 2*math.Pi-d)
}

func TestElementsRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		mu   float64
		el   model.OrbitalElements
	}{
		{
			name: "inclined eccentric heliocentric",
			mu:   GMSun,
			el: model.OrbitalElements{
				SemimajorAxis: 1.5, Eccentricity: 0.2,
				Inclination: 0.3, AscendingNode: 1.0, ArgumentOfPerihelion: 2.0,
			},
		},
		{
			name: "mercury",
			mu:   GMSun,
			el: deg(model.OrbitalElements{
				SemimajorAxis: 0.387098, Eccentricity: 0.205630,
				Inclination: 7.005, AscendingNode: 48.331, ArgumentOfPerihelion: 29.124,
			}),
		},
		{
			name: "low earth orbit",
			mu:   GMFromKm(398600),
			el: deg(model.OrbitalElements{
				SemimajorAxis: 12000 / AU, Eccentricity: 0.3,
				Inclination: 25, AscendingNode: 300, ArgumentOfPerihelion: 45,
			}),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos, vel := StateFromElements(tc.el, tc.mu)
			got := ComputeElements(pos, vel, tc.mu)

			if rel := math.Abs(got.SemimajorAxis-tc.el.SemimajorAxis) / tc.el.SemimajorAxis; rel > 1e-6 {
				t.Fatalf("semimajor axis = %v, want %v", got.SemimajorAxis, tc.el.SemimajorAxis)
			}
			if d := math.Abs(got.Eccentricity - tc.el.Eccentricity); d > 1e-6 {
				t.Fatalf("eccentricity = %v, want %v", got.Eccentricity, tc.el.Eccentricity)
			}
			for _, a := range []struct {
				name      string
				got, want float64
			}{
				{"inclination", got.Inclination, tc.el.Inclination},
				{"ascending node", got.AscendingNode, tc.el.AscendingNode},
				{"argument of perihelion", got.ArgumentOfPerihelion, tc.el.ArgumentOfPerihelion},
			} {
				if angleDiff(a.got, a.want) > 1e-6 {
					t.Fatalf("%s = %v, want %v", a.name, a.got, a.want)
				}
			}
		})
	}
}

func TestComputeElements_CircularEquatorial(t *testing.T) {
	mu := GMSun
	pos := model.Vec3{X: 1}
	vel := model.Vec3{Y: math.Sqrt(mu)}

	el := ComputeElements(pos, vel, mu)
	if math.Abs(el.SemimajorAxis-1) > 1e-9 {
		t.Fatalf("semimajor axis = %v, want 1", el.SemimajorAxis)
	}
	if el.Eccentricity > 1e-9 {
		t.Fatalf("eccentricity = %v, want 0", el.Eccentricity)
	}
	if el.AscendingNode != 0 {
		t.Fatalf("ascending node = %v, want 0 for an equatorial orbit", el.AscendingNode)
	}
	for _, a := range []float64{el.Inclination, el.AscendingNode, el.ArgumentOfPerihelion} {
		if math.IsNaN(a) || a < 0 || a >= 2*math.Pi {
			t.Fatalf("angle %v outside [0, 2π)", a)
		}
	}
}

func TestComputeElements_RadialFallIsFinite(t *testing.T) {
	el := ComputeElements(model.Vec3{X: 1}, model.Vec3{X: -1e-9}, GMSun)
	for _, v := range []float64{el.Inclination, el.AscendingNode, el.ArgumentOfPerihelion, el.Eccentricity} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("elements of a radial trajectory = %+v, want finite angles", el)
		}
	}
}

func TestNormalizeAngle(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{-math.Pi / 2, 1.5 * math.Pi},
		{2 * math.Pi, 0},
		{5 * math.Pi, math.Pi},
		{math.NaN(), 0},
		{math.Inf(-1), 0},
	}
	for _, tc := range cases {
		if got := normalizeAngle(tc.in); math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("normalizeAngle(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
