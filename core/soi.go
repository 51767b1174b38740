package core

import (
	"fmt"

	"github.com/signalsfoundry/orbiter-simulator/kb"
	"github.com/signalsfoundry/orbiter-simulator/model"
)

// TransitionKind tells whether a body left its parent's sphere of influence
// or entered a sibling's.
type TransitionKind int

const (
	TransitionExit TransitionKind = iota
	TransitionEntry
)

func (k TransitionKind) String() string {
	switch k {
	case TransitionExit:
		return "exit"
	case TransitionEntry:
		return "entry"
	default:
		return fmt.Sprintf("TransitionKind(%d)", int(k))
	}
}

// Transition records one reparenting caused by an SOI crossing.
type Transition struct {
	Body model.CelestialID
	Name string
	From model.CelestialID
	To   model.CelestialID
	Kind TransitionKind
}

// SOIManager detects sphere-of-influence crossings of controllable bodies
// and reparents them. It never edits children caches; every transition is
// queued until the universe repairs the tree at the end of the tick.
type SOIManager struct {
	pending []queued
	step    uint64
}

type queued struct {
	Transition
	step uint64
}

// NewSOIManager returns a manager with an empty queue.
func NewSOIManager() *SOIManager {
	return &SOIManager{}
}

// BeginStep opens a new integration substep. Transitions recorded from
// here on are not adopted by their new parent until the next substep.
func (m *SOIManager) BeginStep() {
	m.step++
}

// Check evaluates child against its parent and siblings after a kinematic
// update. view must be the tracker obtained by excluding child; it is used
// to reach the grandparent and siblings. Lookups that miss are skipped.
func (m *SOIManager) Check(parentID model.CelestialID, parent *model.CelestialBody,
	childID model.CelestialID, child *model.CelestialBody, view *kb.Tracker) (Transition, bool) {

	if tr, ok := m.checkExit(parentID, parent, childID, child, view); ok {
		return tr, true
	}
	return m.checkEntry(parentID, parent, childID, child, view)
}

func (m *SOIManager) checkExit(parentID model.CelestialID, parent *model.CelestialBody,
	childID model.CelestialID, child *model.CelestialBody, view *kb.Tracker) (Transition, bool) {

	if parent.SOI <= 0 || parent.SOI*soiExitFactor >= child.Position.Norm() {
		return Transition{}, false
	}
	if parent.Parent == nil {
		return Transition{}, false
	}
	grandparentID := *parent.Parent
	if _, ok := view.Get(grandparentID); !ok {
		return Transition{}, false
	}

	child.Position = child.Position.Add(parent.Position)
	child.Velocity = child.Velocity.Add(parent.Velocity)
	child.SetParent(&grandparentID)
	return m.enqueue(Transition{
		Body: childID,
		Name: child.Name,
		From: parentID,
		To:   grandparentID,
		Kind: TransitionExit,
	}), true
}

func (m *SOIManager) checkEntry(parentID model.CelestialID, parent *model.CelestialBody,
	childID model.CelestialID, child *model.CelestialBody, view *kb.Tracker) (Transition, bool) {

	siblings := append(parent.Children[:len(parent.Children):len(parent.Children)],
		m.adopted(parentID, parent.Children, true)...)
	for _, siblingID := range siblings {
		if siblingID == childID {
			continue
		}
		sibling, ok := view.Get(siblingID)
		if !ok || !sibling.ParentIs(parentID) || sibling.SOI <= 0 {
			continue
		}
		limit := sibling.SOI * soiEntryFactor
		if sibling.Position.Sub(child.Position).Norm2() >= limit*limit {
			continue
		}

		child.Position = child.Position.Sub(sibling.Position)
		child.Velocity = child.Velocity.Sub(sibling.Velocity)
		child.SetParent(&siblingID)
		return m.enqueue(Transition{
			Body: childID,
			Name: child.Name,
			From: parentID,
			To:   siblingID,
			Kind: TransitionEntry,
		}), true
	}
	return Transition{}, false
}

func (m *SOIManager) enqueue(tr Transition) Transition {
	m.pending = append(m.pending, queued{Transition: tr, step: m.step})
	return tr
}

// Adopted returns bodies that transitioned into parent in an earlier
// substep of the current tick and are not yet listed in listed, the
// parent's children cache. They integrate under their new parent before
// the tree is repaired. A body that moved during the running substep has
// already advanced once in it and is left out.
func (m *SOIManager) Adopted(parent model.CelestialID, listed []model.CelestialID) []model.CelestialID {
	return m.adopted(parent, listed, false)
}

func (m *SOIManager) adopted(parent model.CelestialID, listed []model.CelestialID, current bool) []model.CelestialID {
	var out []model.CelestialID
	for _, q := range m.pending {
		if q.To != parent || (!current && q.step >= m.step) {
			continue
		}
		if containsID(listed, q.Body) || containsID(out, q.Body) {
			continue
		}
		out = append(out, q.Body)
	}
	return out
}

// Pending reports the number of queued transitions.
func (m *SOIManager) Pending() int {
	return len(m.pending)
}

// Drain returns and clears the queued transitions.
func (m *SOIManager) Drain() []Transition {
	if len(m.pending) == 0 {
		return nil
	}
	out := make([]Transition, len(m.pending))
	for i, q := range m.pending {
		out[i] = q.Transition
	}
	m.pending = m.pending[:0]
	return out
}

func containsID(ids []model.CelestialID, id model.CelestialID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
