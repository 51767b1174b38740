package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/orbiter-simulator/kb"
	"github.com/signalsfoundry/orbiter-simulator/model"
)

// Snapshot wire shapes. Empty slots are encoded as null so that the
// integer parent and children references stay slot indices.
type snapshotJSON struct {
	SimTime   float64     `json:"simTime"`
	StartTime float64     `json:"startTime"`
	TimeScale float64     `json:"timeScale"`
	Bodies    []*bodyJSON `json:"bodies"`
}

type bodyJSON struct {
	Name            string                `json:"name"`
	Position        model.Vec3            `json:"position"`
	Velocity        model.Vec3            `json:"velocity"`
	Quaternion      model.Quat            `json:"quaternion"`
	AngularVelocity model.Vec3            `json:"angularVelocity"`
	OrbitColor      string                `json:"orbitColor"`
	ModelColor      string                `json:"modelColor"`
	Children        []uint32              `json:"children"`
	Parent          *uint32               `json:"parent"`
	SessionID       *model.SessionID      `json:"sessionId"`
	Radius          float64               `json:"radius"`
	Controllable    bool                  `json:"controllable"`
	GM              float64               `json:"GM"`
	SOI             float64               `json:"soi"`
	OrbitalElements model.OrbitalElements `json:"orbitalElements"`
}

// MarshalJSON encodes the universe as a snapshot document. Non-finite
// numbers, which JSON cannot carry, are written as 0.
func (u *Universe) MarshalJSON() ([]byte, error) {
	doc := snapshotJSON{
		SimTime:   finite(u.simTime),
		StartTime: finite(u.startTime),
		TimeScale: finite(u.timeScale),
		Bodies:    make([]*bodyJSON, len(u.store.Slots())),
	}
	for id, b := range u.store.IterLive() {
		doc.Bodies[id.Index] = encodeBody(b)
	}
	return json.Marshal(doc)
}

func encodeBody(b *model.CelestialBody) *bodyJSON {
	out := &bodyJSON{
		Name:            b.Name,
		Position:        finiteVec(b.Position),
		Velocity:        finiteVec(b.Velocity),
		Quaternion:      finiteQuat(b.Quaternion),
		AngularVelocity: finiteVec(b.AngularVelocity),
		OrbitColor:      b.OrbitColor,
		ModelColor:      b.ModelColor,
		Children:        make([]uint32, 0, len(b.Children)),
		SessionID:       b.SessionID,
		Radius:          finite(b.Radius),
		Controllable:    b.Controllable,
		GM:              finite(b.GM),
		SOI:             finite(b.SOI),
		OrbitalElements: finiteElements(b.OrbitalElements),
	}
	for _, c := range b.Children {
		out.Children = append(out.Children, c.Index)
	}
	if b.Parent != nil {
		idx := b.Parent.Index
		out.Parent = &idx
	}
	return out
}

// LoadSnapshot replaces the universe contents with the snapshot in data.
//
// Only the top-level shape is validated: data must be an object and
// "bodies", when present, an array of objects or nulls. Missing or
// mistyped fields inside a body fall back to their zero value. On error
// the universe is left untouched. Loaded bodies start at generation 0;
// children caches are rebuilt from the parent references.
func (u *Universe) LoadSnapshot(data []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil || top == nil {
		return fmt.Errorf("%w: top level is not an object", ErrMalformedSnapshot)
	}

	var slots []kb.Slot
	rawBodies, haveBodies := top["bodies"]
	if haveBodies {
		var entries []json.RawMessage
		if err := json.Unmarshal(rawBodies, &entries); err != nil {
			return fmt.Errorf("%w: bodies is not an array", ErrMalformedSnapshot)
		}
		slots = make([]kb.Slot, len(entries))
		for i, raw := range entries {
			if isNull(raw) {
				continue
			}
			body, err := decodeBody(raw)
			if err != nil {
				return fmt.Errorf("%w: body %d: %v", ErrMalformedSnapshot, i, err)
			}
			slots[i].Body = body
		}
		// Drop parent references that do not land on a loaded body.
		for i := range slots {
			b := slots[i].Body
			if b == nil || b.Parent == nil {
				continue
			}
			p := b.Parent.Index
			if int(p) >= len(slots) || slots[p].Body == nil || int(p) == i {
				b.Parent = nil
			}
		}
		breakParentCycles(slots)
	}

	// Everything below only assigns; nothing can fail past this point.
	decodeFloat(top, "simTime", &u.simTime)
	decodeFloat(top, "startTime", &u.startTime)
	var scale float64
	if decodeFloat(top, "timeScale", &scale) && u.SetTimeScale(scale) != nil {
		u.timeScale = 1
	}
	if haveBodies {
		u.store.Reset(slots)
		u.soi.Drain()
		u.parentDirty = true
		u.RepairTree()
	}
	u.ticks = 0
	return nil
}

// breakParentCycles detaches the first body found on each parent cycle so
// every chain ends at a root.
func breakParentCycles(slots []kb.Slot) {
	for i := range slots {
		b := slots[i].Body
		if b == nil {
			continue
		}
		cur := b
		// A chain that runs into someone else's cycle is left alone; that
		// cycle is broken when its own members are visited.
		for steps := 0; cur.Parent != nil && steps <= len(slots); steps++ {
			if int(cur.Parent.Index) == i {
				b.Parent = nil
				break
			}
			cur = slots[cur.Parent.Index].Body
		}
	}
}

var errNotObject = errors.New("not an object")

func decodeBody(raw json.RawMessage) (*model.CelestialBody, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errNotObject
	}
	b := &model.CelestialBody{Quaternion: model.IdentityQuat()}

	decodeField(fields, "name", &b.Name)
	decodeField(fields, "position", &b.Position)
	decodeField(fields, "velocity", &b.Velocity)
	decodeField(fields, "quaternion", &b.Quaternion)
	decodeField(fields, "angularVelocity", &b.AngularVelocity)
	decodeField(fields, "orbitColor", &b.OrbitColor)
	decodeField(fields, "modelColor", &b.ModelColor)
	decodeField(fields, "radius", &b.Radius)
	decodeField(fields, "controllable", &b.Controllable)
	decodeField(fields, "GM", &b.GM)
	decodeField(fields, "soi", &b.SOI)
	decodeField(fields, "orbitalElements", &b.OrbitalElements)

	var parent uint32
	if decodeField(fields, "parent", &parent) {
		b.Parent = &model.CelestialID{Index: parent}
	}
	var session model.SessionID
	if decodeField(fields, "sessionId", &session) {
		b.SessionID = &session
	}
	return b, nil
}

// decodeField unmarshals fields[key] into dst, leaving dst untouched when
// the key is missing, null or of the wrong type.
func decodeField[T any](fields map[string]json.RawMessage, key string, dst *T) bool {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	*dst = v
	return true
}

func decodeFloat(fields map[string]json.RawMessage, key string, dst *float64) bool {
	return decodeField(fields, key, dst)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func finiteVec(v model.Vec3) model.Vec3 {
	return model.Vec3{X: finite(v.X), Y: finite(v.Y), Z: finite(v.Z)}
}

func finiteQuat(q model.Quat) model.Quat {
	return model.Quat{X: finite(q.X), Y: finite(q.Y), Z: finite(q.Z), W: finite(q.W)}
}

func finiteElements(el model.OrbitalElements) model.OrbitalElements {
	return model.OrbitalElements{
		SemimajorAxis:        finite(el.SemimajorAxis),
		AscendingNode:        finite(el.AscendingNode),
		Inclination:          finite(el.Inclination),
		Eccentricity:         finite(el.Eccentricity),
		Epoch:                finite(el.Epoch),
		MeanAnomaly:          finite(el.MeanAnomaly),
		ArgumentOfPerihelion: finite(el.ArgumentOfPerihelion),
	}
}
