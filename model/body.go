package model

import "fmt"

// CelestialID is a generation-checked handle to a body slot. Only Index is
// exposed to external callers; Generation detects handles that outlived the
// body they referred to.
type CelestialID struct {
	Index      uint32
	Generation uint32
}

func (id CelestialID) String() string {
	return fmt.Sprintf("%d@%d", id.Index, id.Generation)
}

// OrbitalElements are the Keplerian elements of a body relative to its
// parent. Angles are in radians, distances in AU.
type OrbitalElements struct {
	SemimajorAxis        float64 `json:"semimajorAxis"`
	AscendingNode        float64 `json:"ascendingNode"`
	Inclination          float64 `json:"inclination"`
	Eccentricity         float64 `json:"eccentricity"`
	Epoch                float64 `json:"epoch"`
	MeanAnomaly          float64 `json:"meanAnomaly"`
	ArgumentOfPerihelion float64 `json:"argumentOfPerihelion"`
}

// CelestialBody is a star, planet, moon or craft in the simulation tree.
//
// Position and Velocity are expressed in the parent's non-rotating frame.
// Children is a cache derived from the Parent pointers of other bodies and
// is only guaranteed to be exact right after a tree repair.
type CelestialBody struct {
	Name            string
	Position        Vec3
	Velocity        Vec3
	Quaternion      Quat
	AngularVelocity Vec3

	// GM is the gravitational parameter in AU^3/s^2.
	GM     float64
	Radius float64
	// SOI is the sphere-of-influence radius in AU; 0 disables transitions
	// into or out of this body.
	SOI float64

	Parent   *CelestialID
	Children []CelestialID

	Controllable bool
	SessionID    *SessionID

	OrbitalElements OrbitalElements
	OrbitColor      string
	ModelColor      string
}

// HasParent reports whether the body orbits another body.
func (b *CelestialBody) HasParent() bool {
	return b.Parent != nil
}

// ParentIs reports whether id is the body's current parent.
func (b *CelestialBody) ParentIs(id CelestialID) bool {
	return b.Parent != nil && *b.Parent == id
}

// SetParent points the body at a new parent. Passing nil detaches it.
// The children caches of the old and new parent are not touched.
func (b *CelestialBody) SetParent(id *CelestialID) {
	if id == nil {
		b.Parent = nil
		return
	}
	p := *id
	b.Parent = &p
}

// OwnedBy reports whether the body is controlled by session.
func (b *CelestialBody) OwnedBy(session SessionID) bool {
	return b.SessionID != nil && *b.SessionID == session
}
