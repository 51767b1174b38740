package kb

import "slices"

// span is a half-open index range [lo, hi).
type span struct {
	lo, hi uint32
}

func (s span) contains(i uint32) bool {
	return s.lo <= i && i < s.hi
}

func (s span) empty() bool {
	return s.lo >= s.hi
}

// inlineSpans is the number of spans kept without a heap allocation. One
// claim splits the full range into "left of it" and "right of it".
const inlineSpans = 2

// spanSet is an ordered list of disjoint spans. Up to inlineSpans spans
// live in the struct itself; more spill into overflow, whose capacity is
// kept across clear and copyFrom.
type spanSet struct {
	inline   [inlineSpans]span
	n        int
	overflow []span
	heap     bool
}

func newSpanSet(size int) spanSet {
	var s spanSet
	if size > 0 {
		s.inline[0] = span{lo: 0, hi: uint32(size)}
		s.n = 1
	}
	return s
}

// list returns the spans in ascending order. The result aliases the set.
func (s *spanSet) list() []span {
	if s.heap {
		return s.overflow
	}
	return s.inline[:s.n]
}

func (s *spanSet) spilled() bool {
	return s.heap
}

func (s *spanSet) contains(i uint32) bool {
	for _, sp := range s.list() {
		if i < sp.lo {
			return false
		}
		if i < sp.hi {
			return true
		}
	}
	return false
}

// remove takes i out of the set, splitting the span that held it. It
// reports false when i was not covered.
func (s *spanSet) remove(i uint32) bool {
	cur := s.list()
	k := -1
	for j, sp := range cur {
		if sp.contains(i) {
			k = j
			break
		}
	}
	if k < 0 {
		return false
	}

	var buf [2]span
	pieces := buf[:0]
	if left := (span{lo: cur[k].lo, hi: i}); !left.empty() {
		pieces = append(pieces, left)
	}
	if right := (span{lo: i + 1, hi: cur[k].hi}); !right.empty() {
		pieces = append(pieces, right)
	}

	total := len(cur) - 1 + len(pieces)
	if !s.spilled() && total <= inlineSpans {
		var next [inlineSpans]span
		n := copy(next[:], cur[:k])
		n += copy(next[n:], pieces)
		n += copy(next[n:], cur[k+1:])
		s.inline = next
		s.n = n
		return true
	}

	if s.heap {
		s.overflow = slices.Replace(s.overflow, k, k+1, pieces...)
		return true
	}
	next := append(s.overflow[:0], cur[:k]...)
	next = append(next, pieces...)
	next = append(next, cur[k+1:]...)
	s.overflow = next
	s.heap = true
	s.n = 0
	return true
}

// clone returns an independent copy of the set.
func (s *spanSet) clone() spanSet {
	var c spanSet
	c.copyFrom(s)
	return c
}

// copyFrom makes s equal to src, reusing s's overflow storage.
func (s *spanSet) copyFrom(src *spanSet) {
	s.inline = src.inline
	s.n = src.n
	s.heap = src.heap
	s.overflow = s.overflow[:0]
	if src.heap {
		s.overflow = append(s.overflow, src.overflow...)
	}
}

// clear empties the set. Overflow capacity is kept for reuse.
func (s *spanSet) clear() {
	s.inline = [inlineSpans]span{}
	s.n = 0
	s.overflow = s.overflow[:0]
	s.heap = false
}
