package kb

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/orbiter-simulator/model"
)

func TestExcludeTwiceReturnsAlreadyClaimed(t *testing.T) {
	store, ids := newStore("sun", "earth", "moon")
	tr := store.Tracker()

	body, sub, err := tr.Exclude(ids[1])
	if err != nil {
		t.Fatalf("Exclude: %v", err)
	}
	if body.Name != "earth" {
		t.Fatalf("Exclude returned %q, want earth", body.Name)
	}
	if _, _, err := sub.Exclude(ids[1]); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("sub.Exclude(same) err = %v, want ErrAlreadyClaimed", err)
	}
	if _, _, err := tr.Exclude(ids[1]); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("parent Exclude while lent err = %v, want ErrAlreadyClaimed", err)
	}
}

func TestSubTrackerNeverYieldsExcludedIndex(t *testing.T) {
	store, ids := newStore("a", "b", "c", "d", "e")
	for _, excluded := range ids {
		tr := store.Tracker()
		_, sub, err := tr.Exclude(excluded)
		if err != nil {
			t.Fatalf("Exclude(%v): %v", excluded, err)
		}
		count := 0
		for id := range sub.IterLive() {
			if id.Index == excluded.Index {
				t.Fatalf("sub-tracker yielded excluded index %d", id.Index)
			}
			count++
		}
		if count != len(ids)-1 {
			t.Fatalf("sub-tracker yielded %d bodies, want %d", count, len(ids)-1)
		}
		if _, ok := sub.Get(excluded); ok {
			t.Fatalf("sub.Get returned the excluded body")
		}
		sub.Release()
	}
}

func TestExcludeErrorKinds(t *testing.T) {
	store, ids := newStore("a", "b")
	if _, err := store.Remove(ids[1]); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	tr := store.Tracker()

	cases := []struct {
		name string
		id   model.CelestialID
		want error
	}{
		{"out of range", model.CelestialID{Index: 5}, ErrOutOfRange},
		{"empty slot", ids[1], ErrStaleReference},
		{"wrong generation", model.CelestialID{Index: 0, Generation: 9}, ErrStaleReference},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := tr.Exclude(tc.id); !errors.Is(err, tc.want) {
				t.Fatalf("Exclude(%v) err = %v, want %v", tc.id, err, tc.want)
			}
		})
	}

	// A claimed index reports the claim even when the handle is also stale.
	_, sub, err := tr.Exclude(ids[0])
	if err != nil {
		t.Fatalf("Exclude(a): %v", err)
	}
	claimedAndStale := model.CelestialID{Index: ids[0].Index, Generation: ids[0].Generation + 1}
	if _, _, err := sub.Exclude(claimedAndStale); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("Exclude(%v) err = %v, want ErrAlreadyClaimed", claimedAndStale, err)
	}
	sub.Release()
}

func TestExcludeReusesSubTracker(t *testing.T) {
	store, ids := newStore("sun", "earth", "moon", "rocket", "probe")
	root := store.Tracker()
	defer root.Release()

	step := func() {
		_, view, err := root.Exclude(ids[1])
		if err != nil {
			t.Fatalf("Exclude(earth): %v", err)
		}
		for _, id := range ids[2:] {
			_, sub, err := view.Exclude(id)
			if err != nil {
				t.Fatalf("Exclude(%v): %v", id, err)
			}
			if _, ok := sub.Get(ids[0]); !ok {
				t.Fatalf("sub-tracker lost the grandparent")
			}
			sub.Release()
		}
		view.Release()
	}
	step()
	if allocs := testing.AllocsPerRun(100, step); allocs != 0 {
		t.Fatalf("Exclude/Release allocs = %v, want 0", allocs)
	}
}

func TestNestedExcludeAndRelease(t *testing.T) {
	store, ids := newStore("sun", "earth", "moon", "rocket")
	root := store.Tracker()

	_, parentView, err := root.Exclude(ids[1])
	if err != nil {
		t.Fatalf("Exclude(earth): %v", err)
	}
	_, childView, err := parentView.Exclude(ids[3])
	if err != nil {
		t.Fatalf("Exclude(rocket): %v", err)
	}

	// The grandchild view still sees the siblings and the grandparent.
	if _, ok := childView.Get(ids[2]); !ok {
		t.Fatalf("child view should see moon")
	}
	if _, ok := childView.Get(ids[0]); !ok {
		t.Fatalf("child view should see sun")
	}
	// But neither claimed body.
	if _, ok := childView.Get(ids[1]); ok {
		t.Fatalf("child view should not see earth")
	}
	if _, _, err := childView.Exclude(ids[1]); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("Exclude of ancestor-claimed id err = %v, want ErrAlreadyClaimed", err)
	}

	// The lent parent view is frozen until the child is released.
	if _, ok := parentView.Get(ids[2]); ok {
		t.Fatalf("lent view should not resolve bodies")
	}
	childView.Release()
	if _, ok := parentView.Get(ids[2]); !ok {
		t.Fatalf("parent view should resolve moon after release")
	}
	if _, ok := childView.Get(ids[2]); ok {
		t.Fatalf("released view should behave as empty")
	}

	// A second child can be claimed once the first is released.
	if _, sub, err := parentView.Exclude(ids[2]); err != nil {
		t.Fatalf("Exclude(moon) after release: %v", err)
	} else {
		sub.Release()
	}

	parentView.Release()
	if _, _, err := root.Exclude(ids[1]); err != nil {
		t.Fatalf("root Exclude after full release: %v", err)
	}
}

func TestReleaseCascadesToLiveChild(t *testing.T) {
	store, ids := newStore("a", "b", "c")
	root := store.Tracker()
	_, mid, err := root.Exclude(ids[0])
	if err != nil {
		t.Fatalf("Exclude: %v", err)
	}
	_, leaf, err := mid.Exclude(ids[1])
	if err != nil {
		t.Fatalf("Exclude: %v", err)
	}
	mid.Release()
	if _, ok := leaf.Get(ids[2]); ok {
		t.Fatalf("leaf should be released with its parent")
	}
	if _, ok := root.Get(ids[2]); !ok {
		t.Fatalf("root should be usable again")
	}
	mid.Release()
}

func TestFindFirstClaimsInPlace(t *testing.T) {
	store, ids := newStore("sun", "earth", "moon")
	tr := store.Tracker()

	id, body, ok := tr.FindFirst(func(_ model.CelestialID, b *model.CelestialBody) bool {
		return b.Name == "earth"
	})
	if !ok || id != ids[1] || body.Name != "earth" {
		t.Fatalf("FindFirst = %v, %v, %v; want earth", id, body, ok)
	}
	if _, ok := tr.Get(ids[1]); ok {
		t.Fatalf("claimed body should no longer resolve")
	}
	if _, _, err := tr.Exclude(ids[1]); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("Exclude of found body err = %v, want ErrAlreadyClaimed", err)
	}
	if _, _, ok := tr.FindFirst(func(_ model.CelestialID, b *model.CelestialBody) bool {
		return b.Name == "earth"
	}); ok {
		t.Fatalf("FindFirst matched an already claimed body")
	}
	if _, ok := tr.Get(ids[2]); !ok {
		t.Fatalf("other bodies should stay reachable")
	}
}

func TestIterLiveAllowsExcludeInsideLoop(t *testing.T) {
	store, _ := newStore("a", "b", "c")
	tr := store.Tracker()

	visited := 0
	for id := range tr.IterLive() {
		_, sub, err := tr.Exclude(id)
		if err != nil {
			t.Fatalf("Exclude(%v) inside loop: %v", id, err)
		}
		for other := range sub.IterLive() {
			if other == id {
				t.Fatalf("sub-tracker yielded its own claim")
			}
		}
		sub.Release()
		visited++
	}
	if visited != 3 {
		t.Fatalf("visited %d bodies, want 3", visited)
	}
}

func TestSpanSetSpillsBeyondInlineCapacity(t *testing.T) {
	s := newSpanSet(10)
	s.remove(5)
	if s.spilled() {
		t.Fatalf("one split should fit inline")
	}
	if got := len(s.list()); got != 2 {
		t.Fatalf("spans after one split = %d, want 2", got)
	}
	s.remove(2)
	if !s.spilled() {
		t.Fatalf("three spans should spill")
	}
	for i := uint32(0); i < 10; i++ {
		want := i != 2 && i != 5
		if s.contains(i) != want {
			t.Fatalf("contains(%d) = %v, want %v", i, !want, want)
		}
	}

	c := s.clone()
	c.remove(7)
	if !s.contains(7) {
		t.Fatalf("clone shares storage with original")
	}
	if s.remove(5) {
		t.Fatalf("removing an uncovered index should report false")
	}
}

func TestSpanSetEdgeRemovalsStayInline(t *testing.T) {
	s := newSpanSet(4)
	s.remove(0)
	s.remove(3)
	if s.spilled() {
		t.Fatalf("edge removals should not split")
	}
	got := s.list()
	if len(got) != 1 || got[0] != (span{lo: 1, hi: 3}) {
		t.Fatalf("spans = %v, want [{1 3}]", got)
	}
}
