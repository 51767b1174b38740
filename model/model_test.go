package model

import (
	"encoding/json"
	"math"
	"testing"
)

func approxVec(a, b Vec3, tol float64) bool {
	return math.Abs(a.X-b.X) <= tol && math.Abs(a.Y-b.Y) <= tol && math.Abs(a.Z-b.Z) <= tol
}

func TestQuatRotateAboutZ(t *testing.T) {
	q := QuatFromAxisAngle(Vec3{Z: 1}, math.Pi/2)
	got := q.Rotate(Vec3{X: 1})
	if !approxVec(got, Vec3{Y: 1}, 1e-12) {
		t.Fatalf("Rotate = %+v, want (0,1,0)", got)
	}
}

func TestQuatMulAppliesRightOperandFirst(t *testing.T) {
	rx := QuatFromAxisAngle(Vec3{X: 1}, math.Pi/2)
	rz := QuatFromAxisAngle(Vec3{Z: 1}, math.Pi/2)

	// rz*rx: rotate about x first (y -> z), then about z (z stays z).
	got := rz.Mul(rx).Rotate(Vec3{Y: 1})
	if !approxVec(got, Vec3{Z: 1}, 1e-12) {
		t.Fatalf("rz*rx rotated y = %+v, want (0,0,1)", got)
	}
	// rx*rz: rotate about z first (y -> -x), then about x (-x stays -x).
	got = rx.Mul(rz).Rotate(Vec3{Y: 1})
	if !approxVec(got, Vec3{X: -1}, 1e-12) {
		t.Fatalf("rx*rz rotated y = %+v, want (-1,0,0)", got)
	}
}

func TestQuatNormalize(t *testing.T) {
	q := Quat{W: 2}.Normalize()
	if q != IdentityQuat() {
		t.Fatalf("Normalize = %+v, want identity", q)
	}
	if (Quat{}).Normalize() != IdentityQuat() {
		t.Fatalf("zero quaternion did not normalize to identity")
	}
}

func TestQuatJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(Quat{X: 1, Y: 2, Z: 3, W: 4})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"_x":1,"_y":2,"_z":3,"_w":4}`
	if string(data) != want {
		t.Fatalf("Marshal = %s, want %s", data, want)
	}
}

func TestVecCrossOrder(t *testing.T) {
	got := Vec3{X: 1}.Cross(Vec3{Y: 1})
	if got != (Vec3{Z: 1}) {
		t.Fatalf("x cross y = %+v, want z", got)
	}
	if (Vec3{}).Normalize() != (Vec3{}) {
		t.Fatalf("zero vector should normalize to itself")
	}
}

func TestSessionIDParseRoundTrip(t *testing.T) {
	id := NewSessionID()
	s := id.String()
	if len(s) != 40 {
		t.Fatalf("len(String()) = %d, want 40", len(s))
	}
	parsed, err := ParseSessionID(s)
	if err != nil {
		t.Fatalf("ParseSessionID(%q): %v", s, err)
	}
	if parsed != id {
		t.Fatalf("parsed = %s, want %s", parsed, id)
	}
}

func TestParseSessionIDRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"abc",
		"zz00000000000000000000000000000000000000",
		"00000000000000000000000000000000000000000000",
	}
	for _, c := range cases {
		if _, err := ParseSessionID(c); err == nil {
			t.Fatalf("ParseSessionID(%q) succeeded, want error", c)
		}
	}
}

func TestSessionIDJSON(t *testing.T) {
	var id SessionID
	id[0] = 0xab
	data, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `"ab00000000000000000000000000000000000000"`
	if string(data) != want {
		t.Fatalf("Marshal = %s, want %s", data, want)
	}
	var back SessionID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back != id {
		t.Fatalf("Unmarshal = %s, want %s", back, id)
	}
}

func TestHumanHash(t *testing.T) {
	var id SessionID
	if got := id.HumanHash(); got != "ack-ack-ack-ack" {
		t.Fatalf("HumanHash(zero) = %q, want ack-ack-ack-ack", got)
	}

	// Each word is the XOR of a five byte segment.
	id[0] = 0x03
	id[1] = 0x01
	id[5] = 0x01
	id[19] = 0xff
	if got := id.HumanHash(); got != "alanine-alabama-ack-zulu" {
		t.Fatalf("HumanHash = %q, want alanine-alabama-ack-zulu", got)
	}
}

func TestBodyParentHelpers(t *testing.T) {
	var b CelestialBody
	if b.HasParent() {
		t.Fatalf("zero body should have no parent")
	}
	id := CelestialID{Index: 3, Generation: 1}
	b.SetParent(&id)
	id.Index = 9
	if !b.ParentIs(CelestialID{Index: 3, Generation: 1}) {
		t.Fatalf("SetParent must copy the id, got %v", b.Parent)
	}
	b.SetParent(nil)
	if b.HasParent() {
		t.Fatalf("SetParent(nil) should detach")
	}
}
