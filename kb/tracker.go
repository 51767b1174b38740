package kb

import (
	"fmt"
	"iter"

	"github.com/signalsfoundry/orbiter-simulator/model"
)

// Tracker grants exclusive access to one body of a store while keeping a
// narrowed view over every other body.
//
// A tracker covers a set of slot indices. Exclude hands out one covered
// body together with a sub-tracker over the same slots minus that index.
// While the sub-tracker is live its parent is lent: every parent lookup
// misses and every parent Exclude fails with ErrAlreadyClaimed until the
// sub-tracker is released. A released tracker behaves like an empty view
// until its parent hands it out again: each tracker recycles one
// sub-tracker across Exclude calls, so a released handle must be dropped.
//
// Trackers are not safe for concurrent use.
type Tracker struct {
	slots []Slot
	spans spanSet

	parent   *Tracker
	child    *Tracker
	spare    *Tracker
	released bool
}

// NewTracker returns a tracker covering every slot.
func NewTracker(slots []Slot) *Tracker {
	return &Tracker{
		slots: slots,
		spans: newSpanSet(len(slots)),
	}
}

// active reports whether the tracker may hand out bodies.
func (t *Tracker) active() bool {
	return !t.released && t.child == nil
}

// resolve returns the body at id when this tracker may hand it out.
func (t *Tracker) resolve(id model.CelestialID) (*model.CelestialBody, error) {
	if int(id.Index) >= len(t.slots) {
		return nil, fmt.Errorf("%s: %w", id, ErrOutOfRange)
	}
	if !t.active() || !t.spans.contains(id.Index) {
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyClaimed)
	}
	slot := t.slots[id.Index]
	if !slot.Occupied() || slot.Generation != id.Generation {
		return nil, fmt.Errorf("%s: %w", id, ErrStaleReference)
	}
	return slot.Body, nil
}

// Exclude claims id. On success the returned body is held exclusively by
// the caller and the returned sub-tracker covers everything else this
// tracker covered. Release the sub-tracker before using t again.
func (t *Tracker) Exclude(id model.CelestialID) (*model.CelestialBody, *Tracker, error) {
	body, err := t.resolve(id)
	if err != nil {
		return nil, nil, err
	}
	sub := t.spare
	if sub == nil {
		sub = &Tracker{parent: t}
		t.spare = sub
	}
	sub.slots = t.slots
	sub.spans.copyFrom(&t.spans)
	sub.spans.remove(id.Index)
	sub.child = nil
	sub.released = false
	t.child = sub
	return body, sub, nil
}

// Get resolves id through the tracker. Excluded, stale and out-of-range
// ids all miss.
func (t *Tracker) Get(id model.CelestialID) (*model.CelestialBody, bool) {
	body, err := t.resolve(id)
	if err != nil {
		return nil, false
	}
	return body, true
}

// Covers reports whether the tracker can currently hand out index.
func (t *Tracker) Covers(index uint32) bool {
	return t.active() && t.spans.contains(index)
}

// FindFirst scans covered live bodies in slot order and claims the first
// one matching pred. The claimed index is removed from this tracker, so
// later lookups through t never see it again.
func (t *Tracker) FindFirst(pred func(model.CelestialID, *model.CelestialBody) bool) (model.CelestialID, *model.CelestialBody, bool) {
	if !t.active() {
		return model.CelestialID{}, nil, false
	}
	for _, sp := range t.spans.list() {
		for i := sp.lo; i < sp.hi; i++ {
			slot := t.slots[i]
			if !slot.Occupied() {
				continue
			}
			id := model.CelestialID{Index: i, Generation: slot.Generation}
			if pred(id, slot.Body) {
				t.spans.remove(i)
				return id, slot.Body, true
			}
		}
	}
	return model.CelestialID{}, nil, false
}

// IterLive yields the covered live bodies in slot order. The loop body may
// Exclude and Release through t; indices that are not available at the
// moment they are reached are skipped.
func (t *Tracker) IterLive() iter.Seq2[model.CelestialID, *model.CelestialBody] {
	return func(yield func(model.CelestialID, *model.CelestialBody) bool) {
		if !t.active() {
			return
		}
		snapshot := t.spans.clone()
		for _, sp := range snapshot.list() {
			for i := sp.lo; i < sp.hi; i++ {
				if !t.Covers(i) {
					continue
				}
				slot := t.slots[i]
				if !slot.Occupied() {
					continue
				}
				if !yield(model.CelestialID{Index: i, Generation: slot.Generation}, slot.Body) {
					return
				}
			}
		}
	}
}

// Release discards the tracker and hands control back to its parent. Any
// live sub-tracker is released first. Releasing twice is a no-op.
func (t *Tracker) Release() {
	if t.released {
		return
	}
	if t.child != nil {
		t.child.Release()
	}
	t.released = true
	t.spans.clear()
	if t.parent != nil && t.parent.child == t {
		t.parent.child = nil
	}
}
