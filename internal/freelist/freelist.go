// Package freelist implements the intrusive singly-linked free list used
// by the buddy allocator: each free page stores the address of the next
// free page in its own first machine word, so the list needs no storage
// of its own beyond the pages it tracks.
package freelist

import (
	"github.com/tinyrange/rvkernel/internal/addr"
	"github.com/tinyrange/rvkernel/internal/physmem"
)

// Nil is the sentinel "no next node" address.
const Nil = addr.PhysAddr(0)

// List is an intrusive free list threaded through physmem.Space. The
// zero value is an empty list.
type List struct {
	mem  *physmem.Space
	head addr.PhysAddr
}

// New returns an empty list backed by mem.
func New(mem *physmem.Space) *List {
	return &List{mem: mem, head: Nil}
}

// Empty reports whether the list has no nodes.
func (l *List) Empty() bool { return l.head == Nil }

// Push threads p onto the front of the list: it must be page-aligned and
// exclusively owned by the caller at the time of the call.
func (l *List) Push(p addr.PhysAddr) error {
	if err := l.mem.WriteU64(p, uint64(l.head)); err != nil {
		return err
	}
	l.head = p
	return nil
}

// Pop removes and returns the front node, or Nil if the list is empty.
func (l *List) Pop() (addr.PhysAddr, error) {
	if l.Empty() {
		return Nil, nil
	}
	node := l.head
	next, err := l.mem.ReadU64(node)
	if err != nil {
		return Nil, err
	}
	l.head = addr.PhysAddr(next)
	return node, nil
}

// Remove removes the node at address p if present, reporting whether it
// was found. It walks the list updating the predecessor's next pointer
// (or the head) in place, giving O(1) unlink once the node is located.
func (l *List) Remove(p addr.PhysAddr) (bool, error) {
	if l.Empty() {
		return false, nil
	}
	if l.head == p {
		next, err := l.mem.ReadU64(p)
		if err != nil {
			return false, err
		}
		l.head = addr.PhysAddr(next)
		return true, nil
	}

	prev := l.head
	for {
		prevNext, err := l.mem.ReadU64(prev)
		if err != nil {
			return false, err
		}
		cur := addr.PhysAddr(prevNext)
		if cur == Nil {
			return false, nil
		}
		if cur == p {
			curNext, err := l.mem.ReadU64(cur)
			if err != nil {
				return false, err
			}
			return true, l.mem.WriteU64(prev, curNext)
		}
		prev = cur
	}
}

// Contains reports whether p is present in the list.
func (l *List) Contains(p addr.PhysAddr) (bool, error) {
	cur := l.head
	for cur != Nil {
		if cur == p {
			return true, nil
		}
		next, err := l.mem.ReadU64(cur)
		if err != nil {
			return false, err
		}
		cur = addr.PhysAddr(next)
	}
	return false, nil
}

// Each calls fn for every node currently in the list, head first.
func (l *List) Each(fn func(addr.PhysAddr) error) error {
	cur := l.head
	for cur != Nil {
		if err := fn(cur); err != nil {
			return err
		}
		next, err := l.mem.ReadU64(cur)
		if err != nil {
			return err
		}
		cur = addr.PhysAddr(next)
	}
	return nil
}
