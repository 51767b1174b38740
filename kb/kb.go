package kb

import (
	"fmt"
	"iter"
	"sync"

	"github.com/signalsfoundry/orbiter-simulator/model"
)

// EventType indicates what kind of change happened in the store.
type EventType int

const (
	EventBodyAdded EventType = iota
	EventBodyRemoved
)

func (t EventType) String() string {
	switch t {
	case EventBodyAdded:
		return "added"
	case EventBodyRemoved:
		return "removed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is emitted to subscribers when a slot changes occupant.
type Event struct {
	Type EventType
	ID   model.CelestialID
	Name string
}

// Slot is one entry of the body arena. Generation is bumped every time the
// occupant is cleared, so handles issued for an earlier occupant stop
// resolving.
type Slot struct {
	Generation uint32
	Body       *model.CelestialBody
}

// Occupied reports whether the slot currently holds a body.
func (s Slot) Occupied() bool {
	return s.Body != nil
}

// BodyStore is the slot arena holding every body of a universe.
//
// The store itself is not safe for concurrent use; the owning universe is
// serialized by the caller. Only the subscriber list has its own lock so
// observers can (un)subscribe from any goroutine.
type BodyStore struct {
	slots []Slot

	subsMu sync.Mutex
	subs   []func(Event)
}

// NewBodyStore constructs an empty store.
func NewBodyStore() *BodyStore {
	return &BodyStore{}
}

// Allocate places body in the first empty slot, or appends a new slot when
// none is free, and returns its handle.
func (s *BodyStore) Allocate(body *model.CelestialBody) model.CelestialID {
	var id model.CelestialID
	placed := false
	for i := range s.slots {
		if !s.slots[i].Occupied() {
			s.slots[i].Body = body
			id = model.CelestialID{Index: uint32(i), Generation: s.slots[i].Generation}
			placed = true
			break
		}
	}
	if !placed {
		id = model.CelestialID{Index: uint32(len(s.slots))}
		s.slots = append(s.slots, Slot{Body: body})
	}
	s.notify(Event{Type: EventBodyAdded, ID: id, Name: body.Name})
	return id
}

// Get resolves id. It returns false for out-of-range indices, empty slots
// and generation mismatches.
func (s *BodyStore) Get(id model.CelestialID) (*model.CelestialBody, bool) {
	if int(id.Index) >= len(s.slots) {
		return nil, false
	}
	slot := s.slots[id.Index]
	if !slot.Occupied() || slot.Generation != id.Generation {
		return nil, false
	}
	return slot.Body, true
}

// Remove clears the slot referenced by id and bumps its generation,
// invalidating every outstanding handle to the removed body.
func (s *BodyStore) Remove(id model.CelestialID) (*model.CelestialBody, error) {
	if int(id.Index) >= len(s.slots) {
		return nil, fmt.Errorf("remove %s: %w", id, ErrOutOfRange)
	}
	slot := &s.slots[id.Index]
	if !slot.Occupied() || slot.Generation != id.Generation {
		return nil, fmt.Errorf("remove %s: %w", id, ErrStaleReference)
	}
	body := slot.Body
	slot.Body = nil
	slot.Generation++
	s.notify(Event{Type: EventBodyRemoved, ID: id, Name: body.Name})
	return body, nil
}

// IterLive yields every occupied slot in slot order.
func (s *BodyStore) IterLive() iter.Seq2[model.CelestialID, *model.CelestialBody] {
	return func(yield func(model.CelestialID, *model.CelestialBody) bool) {
		for i := 0; i < len(s.slots); i++ {
			slot := s.slots[i]
			if !slot.Occupied() {
				continue
			}
			if !yield(model.CelestialID{Index: uint32(i), Generation: slot.Generation}, slot.Body) {
				return
			}
		}
	}
}

// FindByName returns the first live body with the given name.
func (s *BodyStore) FindByName(name string) (model.CelestialID, *model.CelestialBody, bool) {
	for id, body := range s.IterLive() {
		if body.Name == name {
			return id, body, true
		}
	}
	return model.CelestialID{}, nil, false
}

// IDAt returns the current handle for the slot at index, if occupied.
func (s *BodyStore) IDAt(index uint32) (model.CelestialID, bool) {
	if int(index) >= len(s.slots) || !s.slots[index].Occupied() {
		return model.CelestialID{}, false
	}
	return model.CelestialID{Index: index, Generation: s.slots[index].Generation}, true
}

// Len returns the number of slots, occupied or not.
func (s *BodyStore) Len() int {
	return len(s.slots)
}

// Live returns the number of occupied slots.
func (s *BodyStore) Live() int {
	n := 0
	for i := range s.slots {
		if s.slots[i].Occupied() {
			n++
		}
	}
	return n
}

// Slots exposes the backing slots so a Tracker can be laid over them.
// Callers must not append to or reslice the returned slice.
func (s *BodyStore) Slots() []Slot {
	return s.slots
}

// Tracker returns a tracker covering the whole store.
func (s *BodyStore) Tracker() *Tracker {
	return NewTracker(s.slots)
}

// Reset replaces the store contents with slots. Outstanding handles are
// not notified; callers swap whole universes with this.
func (s *BodyStore) Reset(slots []Slot) {
	s.slots = slots
}

// Subscribe registers a callback for store events. It returns an
// unsubscribe function.
func (s *BodyStore) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if idx < 0 || idx >= len(s.subs) {
			return
		}
		s.subs = append(s.subs[:idx], s.subs[idx+1:]...)
		idx = -1
	}
}

func (s *BodyStore) notify(ev Event) {
	s.subsMu.Lock()
	subs := append([]func(Event){}, s.subs...)
	s.subsMu.Unlock()

	// Notify subscribers outside the lock so they may call back into
	// Subscribe.
	for _, sub := range subs {
		sub(ev)
	}
}
