package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/orbiter-simulator/model"
)

// ErrInvalidTLE is returned for two-line element sets that fail the
// format or checksum checks, or that SGP4 cannot propagate.
var ErrInvalidTLE = errors.New("invalid two-line element set")

const tleLineLen = 69

// TLESource propagates a craft from a two-line element set with SGP4.
type TLESource struct {
	sat satellite.Satellite
}

// NewTLESource parses a two-line element set. The lines are checked before
// they reach the SGP4 parser, which does not report malformed input.
func NewTLESource(line1, line2 string) (*TLESource, error) {
	line1 = strings.TrimRight(line1, " \r\n")
	line2 = strings.TrimRight(line2, " \r\n")
	if err := checkTLELine(line1, '1'); err != nil {
		return nil, err
	}
	if err := checkTLELine(line2, '2'); err != nil {
		return nil, err
	}
	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS72)
	if sat.Error != 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTLE, sat.ErrorStr)
	}
	return &TLESource{sat: sat}, nil
}

// StateAt returns the craft's Earth-centred inertial state at t, in AU and
// AU/s. The frame is equatorial; callers tilt it into the parent's frame.
func (s *TLESource) StateAt(t time.Time) (pos, vel model.Vec3, err error) {
	t = t.UTC()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	p, v := satellite.Propagate(s.sat, year, int(month), day, hour, min, sec)
	if s.sat.Error != 0 {
		return model.Vec3{}, model.Vec3{}, fmt.Errorf("%w: %s", ErrInvalidTLE, s.sat.ErrorStr)
	}
	pos = model.Vec3{X: KmToAU(p.X), Y: KmToAU(p.Y), Z: KmToAU(p.Z)}
	vel = model.Vec3{X: KmToAU(v.X), Y: KmToAU(v.Y), Z: KmToAU(v.Z)}
	if !pos.IsFinite() || !vel.IsFinite() {
		return model.Vec3{}, model.Vec3{}, fmt.Errorf("%w: propagation diverged", ErrInvalidTLE)
	}
	return pos, vel, nil
}

// StateFromTLE is a one-shot NewTLESource + StateAt.
func StateFromTLE(line1, line2 string, at time.Time) (pos, vel model.Vec3, err error) {
	src, err := NewTLESource(line1, line2)
	if err != nil {
		return model.Vec3{}, model.Vec3{}, err
	}
	return src.StateAt(at)
}

// EquatorialToParent tilts an equatorial vector into the frame of a parent
// whose spin axis is tilted by axialTilt radians about x.
func EquatorialToParent(v model.Vec3, axialTilt float64) model.Vec3 {
	return model.QuatFromAxisAngle(model.Vec3{X: 1}, axialTilt).Rotate(v)
}

func checkTLELine(line string, number byte) error {
	if len(line) != tleLineLen {
		return fmt.Errorf("%w: line %c has %d characters", ErrInvalidTLE, number, len(line))
	}
	if line[0] != number || line[1] != ' ' {
		return fmt.Errorf("%w: line %c has the wrong line number", ErrInvalidTLE, number)
	}
	sum := 0
	for i := 0; i < tleLineLen-1; i++ {
		switch c := line[i]; {
		case c >= '0' && c <= '9':
			sum += int(c - '0')
		case c == '-':
			sum++
		}
	}
	want := line[tleLineLen-1]
	if want < '0' || want > '9' || int(want-'0') != sum%10 {
		return fmt.Errorf("%w: line %c checksum mismatch", ErrInvalidTLE, number)
	}
	return nil
}
