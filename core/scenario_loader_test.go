package core

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
)

const earthMoonYAML = `
name: earth-moon
startTime: 1000
timeScale: 60
bodies:
  - name: sun
    gm: 1.327124400e11
    radius: 695800
  - name: earth
    parent: sun
    gm: 398600
    radius: 6534
    soi: 500000
    axialTilt: 23.4392811
    rotationPeriod: 86164.1
    orbit:
      semimajorAxis: 1
      eccentricity: 0.0167086
      ascendingNode: -11.26064
      argumentOfPerihelion: 114.20783
  - name: probe
    parent: earth
    controllable: true
    state:
      position: {x: 0.0001, y: 0, z: 0}
      velocity: {x: 0, y: 1e-8, z: 0}
  - name: iss
    parent: earth
    tle:
      line1: "1 25544U 98067A   08264.51782528 -.00002182  00000-0 -11606-4 0  2927"
      line2: "2 25544  51.6416 247.4627 0006703 130.5360 325.0288 15.72125391563537"
      epoch: 2008-09-20T12:25:40Z
`

func TestLoadScenario_BuildsTree(t *testing.T) {
	u, sc, err := LoadScenario(strings.NewReader(earthMoonYAML), 0, WithRand(testRand()))
	if err != nil {
		t.Fatalf("LoadScenario returned error: %v", err)
	}
	if sc.Name != "earth-moon" || len(sc.Bodies) != 4 {
		t.Fatalf("scenario = %+v, want earth-moon with 4 bodies", sc)
	}
	if u.SimTime() != 1000 || u.TimeScale() != 60 {
		t.Fatalf("clock = %v x%v, want 1000 x60", u.SimTime(), u.TimeScale())
	}

	earthID, earth, ok := u.FindByName("earth")
	if !ok {
		t.Fatalf("earth missing")
	}
	if math.Abs(earth.GM-GMFromKm(398600)) > 1e-30 || math.Abs(earth.SOI-KmToAU(5e5)) > 1e-15 {
		t.Fatalf("earth GM/SOI = %v/%v, want converted to AU", earth.GM, earth.SOI)
	}
	if math.Abs(earth.OrbitalElements.SemimajorAxis-1) > 1e-6 {
		t.Fatalf("earth semimajor axis = %v, want 1", earth.OrbitalElements.SemimajorAxis)
	}
	if earth.AngularVelocity.Norm() == 0 {
		t.Fatalf("earth should spin")
	}

	_, probe, _ := u.FindByName("probe")
	if !probe.ParentIs(earthID) || !probe.Controllable || probe.Position.X != 0.0001 {
		t.Fatalf("probe = %+v, want controllable under earth at x=0.0001", probe)
	}

	_, iss, _ := u.FindByName("iss")
	if r := iss.Position.Norm() * AU; r < 6500 || r > 7000 {
		t.Fatalf("iss orbit radius = %v km, want low earth orbit", r)
	}

	if report := u.Update(context.Background()); report.Err != nil || report.Skipped != 0 {
		t.Fatalf("Update = %+v, want clean tick", report)
	}
}

func TestLoadScenario_Errors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"empty", ``},
		{"no bodies", "name: nothing\n"},
		{"unknown key", "bodies:\n  - name: sun\n    mass: 1\n"},
		{"unknown parent", "bodies:\n  - name: moon\n    parent: earth\n    orbit: {semimajorAxis: 1}\n"},
		{"duplicate name", "bodies:\n  - name: sun\n  - name: sun\n"},
		{"two initial states", "bodies:\n  - name: sun\n  - name: p\n    parent: sun\n    orbit: {semimajorAxis: 1}\n    state: {}\n"},
		{"hyperbolic orbit", "bodies:\n  - name: sun\n  - name: p\n    parent: sun\n    orbit: {semimajorAxis: 1, eccentricity: 1.5}\n"},
		{"bad tle", "bodies:\n  - name: sun\n  - name: p\n    parent: sun\n    tle: {line1: x, line2: y}\n"},
		{"negative time scale", "timeScale: -1\nbodies:\n  - name: sun\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := LoadScenario(strings.NewReader(tc.yaml), 0)
			if !errors.Is(err, ErrInvalidScenario) {
				t.Fatalf("LoadScenario error = %v, want ErrInvalidScenario", err)
			}
		})
	}
}

func TestLoadScenario_UnknownParentWrapsSentinel(t *testing.T) {
	_, _, err := LoadScenario(strings.NewReader("bodies:\n  - name: moon\n    parent: earth\n    orbit: {semimajorAxis: 1}\n"), 0)
	if !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("LoadScenario error = %v, want ErrParentNotFound in chain", err)
	}
}
