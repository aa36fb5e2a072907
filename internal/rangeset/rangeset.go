// Package rangeset implements a fixed-capacity set of disjoint, inclusive
// physical-address ranges, used to compose a raw address space minus
// reservations into a set of allocatable regions. Insertion coalesces
// overlapping or adjacent ranges; removal subtracts a range, splitting
// existing ones where needed.
package rangeset

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rvkernel/internal/addr"
)

// Capacity bounds the number of ranges a RangeSet can hold. 32 suffices
// for the regions and reservations observed in real device trees.
const Capacity = 32

// Errors returned by RangeSet operations.
var (
	ErrInvalidRange     = errors.New("rangeset: start > end")
	ErrOutOfBounds      = errors.New("rangeset: index out of bounds")
	ErrCapacityExceeded = errors.New("rangeset: capacity exceeded")
)

// Range is an inclusive [Start, End] interval of physical addresses.
type Range struct {
	Start addr.PhysAddr
	End   addr.PhysAddr
}

// New returns Range{start, end}.
func New(start, end addr.PhysAddr) Range {
	return Range{Start: start, End: end}
}

// Size returns the number of bytes covered by r.
func (r Range) Size() uint64 {
	return r.End.Uint64() - r.Start.Uint64() + 1
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", r.Start, r.End)
}

// overlaps reports whether a and b share at least one address.
func overlaps(a, b Range) bool {
	return a.Start.Uint64() <= b.End.Uint64() && b.Start.Uint64() <= a.End.Uint64()
}

// adjacentOverlaps reports whether a and b overlap or touch (a.End+1 ==
// b.Start or vice versa), the test used when coalescing on insert.
func adjacentOverlaps(a, b Range) bool {
	ae := a.End.Uint64()
	be := b.End.Uint64()
	// Widen both ends by one (saturating) before the plain overlap test.
	if ae != ^uint64(0) {
		ae++
	}
	if be != ^uint64(0) {
		be++
	}
	widenedA := Range{a.Start, addr.PhysAddr(ae)}
	widenedB := Range{b.Start, addr.PhysAddr(be)}
	return overlaps(widenedA, widenedB)
}

// contains reports whether outer fully contains inner.
func contains(outer, inner Range) bool {
	return outer.Start.Uint64() <= inner.Start.Uint64() && inner.End.Uint64() <= outer.End.Uint64()
}

// RangeSet is a fixed-capacity set of pairwise non-overlapping,
// non-adjacent inclusive ranges, in insertion order.
type RangeSet struct {
	ranges [Capacity]Range
	n      int
}

// NewSet returns an empty RangeSet.
func NewSet() *RangeSet {
	return &RangeSet{}
}

// Len returns the number of ranges currently stored.
func (s *RangeSet) Len() int { return s.n }

// Get returns the range at idx, or false if idx is out of bounds.
func (s *RangeSet) Get(idx int) (Range, bool) {
	if idx < 0 || idx >= s.n {
		return Range{}, false
	}
	return s.ranges[idx], true
}

// Ranges returns a copy of the stored ranges, in insertion order.
func (s *RangeSet) Ranges() []Range {
	out := make([]Range, s.n)
	copy(out, s.ranges[:s.n])
	return out
}

// removeAt deletes the range at idx by shifting the tail down one slot,
// preserving the order of the remaining ranges.
func (s *RangeSet) removeAt(idx int) {
	copy(s.ranges[idx:s.n-1], s.ranges[idx+1:s.n])
	s.n--
}

// Clear removes all ranges from s.
func (s *RangeSet) Clear() { s.n = 0 }

// Insert adds r to the set, coalescing it with every existing range that
// overlaps or is adjacent to it.
func (s *RangeSet) Insert(r Range) error {
	if r.Start.Uint64() > r.End.Uint64() {
		return ErrInvalidRange
	}

	for {
		merged := false
		for i := 0; i < s.n; i++ {
			other := s.ranges[i]
			if !adjacentOverlaps(r, other) {
				continue
			}
			if other.Start.Uint64() < r.Start.Uint64() {
				r.Start = other.Start
			}
			if other.End.Uint64() > r.End.Uint64() {
				r.End = other.End
			}
			s.removeAt(i)
			merged = true
			break
		}
		if !merged {
			break
		}
	}

	if s.n >= Capacity {
		return ErrCapacityExceeded
	}
	s.ranges[s.n] = r
	s.n++
	return nil
}

// RemoveRange subtracts r from the set, trimming or splitting any stored
// range that overlaps it.
func (s *RangeSet) RemoveRange(r Range) error {
	if r.Start.Uint64() > r.End.Uint64() {
		return ErrInvalidRange
	}
	return s.removeInner(r)
}

func (s *RangeSet) removeInner(r Range) error {
	for i := 0; i < s.n; i++ {
		other := s.ranges[i]
		if !overlaps(r, other) {
			continue
		}

		switch {
		case contains(r, other):
			s.removeAt(i)
			return s.removeInner(r)

		case r.Start.Uint64() <= other.Start.Uint64():
			// r covers the head of other: trim other's start forward.
			s.ranges[i].Start = satAdd1(r.End)

		case r.End.Uint64() >= other.End.Uint64():
			// r covers the tail of other: trim other's end backward.
			s.ranges[i].End = satSub1(r.Start)

		default:
			// r lies strictly inside other: split other in two.
			tail := Range{Start: satAdd1(r.End), End: other.End}
			if s.n >= Capacity {
				return ErrCapacityExceeded
			}
			s.ranges[s.n] = tail
			s.n++
			s.ranges[i].End = satSub1(r.Start)
			return s.removeInner(r)
		}
	}
	return nil
}

func satAdd1(a addr.PhysAddr) addr.PhysAddr {
	v := a.Uint64()
	if v == ^uint64(0) {
		return a
	}
	return addr.PhysAddr(v + 1)
}

func satSub1(a addr.PhysAddr) addr.PhysAddr {
	v := a.Uint64()
	if v == 0 {
		return a
	}
	return addr.PhysAddr(v - 1)
}
