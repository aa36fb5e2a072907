// Package sv39 implements the RISC-V Sv39 page-table mapper: a
// three-level, 512-entry-per-level page table over a simulated physical
// address space, supporting kilopage/megapage/gigapage mappings,
// identity-mapping of contiguous ranges, and best-fit identity mapping.
package sv39

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rvkernel/internal/addr"
	"github.com/tinyrange/rvkernel/internal/buddy"
	"github.com/tinyrange/rvkernel/internal/csr"
	"github.com/tinyrange/rvkernel/internal/physmem"
)

// Errors returned by mapper operations.
var (
	ErrUnalignedAddress = errors.New("sv39: address not aligned to page size")
	ErrRangeTooSmall    = errors.New("sv39: range smaller than one page")
	ErrAlreadyMapped    = errors.New("sv39: virtual address already mapped")
)

// AllocError wraps a buddy allocator failure encountered while building a
// page table.
type AllocError struct{ Err error }

func (e *AllocError) Error() string { return fmt.Sprintf("sv39: allocating page table: %v", e.Err) }
func (e *AllocError) Unwrap() error { return e.Err }

const entriesPerTable = 512
const tableBytes = entriesPerTable * 8 // 8 bytes per PTE

// entry bit layout, per spec.md §3/§4.5.
const (
	bitValid = 1 << 0
	permBits = 0b111 << 1 // R,W,X occupy bits 1..3
	bitUser  = 1 << 4
	bitGlobal = 1 << 5
	bitAccessed = 1 << 6
	bitDirty    = 1 << 7
	ppnShift    = 10
	ppnMask     = (uint64(1) << 44) - 1
)

// entry is an opaque 64-bit page-table entry, per the "opaque value plus
// accessors" alternative in spec.md §9.
type entry uint64

func (e entry) valid() bool { return e&bitValid != 0 }
func (e entry) perm() addr.Perm { return addr.Perm((e & permBits) >> 1) }
func (e entry) leaf() bool { return e.perm() != 0 }
func (e entry) ppn() uint64 { return (uint64(e) >> ppnShift) & ppnMask }

func leafEntry(ppn uint64, perm addr.Perm) entry {
	return entry((ppn << ppnShift) | (uint64(perm) << 1) | bitValid)
}

func branchEntry(ppn uint64) entry {
	return entry((ppn << ppnShift) | bitValid)
}

// vpn returns the 9-bit virtual page number for level i (0, 1, or 2).
func vpn(v addr.VirtAddr, level int) uint64 {
	return (v.Uint64() >> (12 + 9*level)) & 0x1FF
}

func ppnOf(p addr.PhysAddr) uint64 {
	return (p.Uint64() >> 12) & ppnMask
}

// Mapper owns an Sv39 root page table backed by a physmem.Space, building
// interior tables from a buddy.Allocator as needed.
type Mapper struct {
	mem   *physmem.Space
	alloc *buddy.Allocator
	root  addr.PhysAddr
}

// New creates a mapper with a freshly zero-allocated root table.
func New(mem *physmem.Space, alloc *buddy.Allocator) (*Mapper, error) {
	root, err := alloc.ZAlloc()
	if err != nil {
		return nil, &AllocError{err}
	}
	return &Mapper{mem: mem, alloc: alloc, root: root.Addr}, nil
}

// Root returns the physical address of the root page table, suitable for
// writing into the translation-control CSR.
func (m *Mapper) Root() addr.PhysAddr { return m.root }

func (m *Mapper) entryAddr(table addr.PhysAddr, index uint64) addr.PhysAddr {
	return table.Offset(index * 8)
}

func (m *Mapper) readEntry(table addr.PhysAddr, index uint64) (entry, error) {
	v, err := m.mem.ReadU64(m.entryAddr(table, index))
	return entry(v), err
}

func (m *Mapper) writeEntry(table addr.PhysAddr, index uint64, e entry) error {
	return m.mem.WriteU64(m.entryAddr(table, index), uint64(e))
}

// Map installs paddr -> vaddr with the given size and permissions.
func (m *Mapper) Map(paddr addr.PhysAddr, vaddr addr.VirtAddr, size addr.Size, perm addr.Perm) error {
	if !size.Aligned(paddr.Uint64()) || !size.Aligned(vaddr.Uint64()) {
		return ErrUnalignedAddress
	}

	targetLevel := size.Level()
	table := m.root
	for level := 2; level > targetLevel; level-- {
		idx := vpn(vaddr, level)
		e, err := m.readEntry(table, idx)
		if err != nil {
			return err
		}
		if e.valid() && e.leaf() {
			return ErrAlreadyMapped
		}
		if !e.valid() {
			block, err := m.alloc.ZAlloc()
			if err != nil {
				return &AllocError{err}
			}
			e = branchEntry(ppnOf(block.Addr))
			if err := m.writeEntry(table, idx, e); err != nil {
				return err
			}
		}
		table = addr.PhysAddr(e.ppn() << 12)
	}

	idx := vpn(vaddr, targetLevel)
	existing, err := m.readEntry(table, idx)
	if err != nil {
		return err
	}
	if existing.valid() {
		return ErrAlreadyMapped
	}
	if err := m.writeEntry(table, idx, leafEntry(ppnOf(paddr), perm)); err != nil {
		return err
	}
	csr.TLBFlush(vaddr)
	return nil
}

// walkStep is one (table, index) step taken while locating a leaf, used
// by Unmap to know which interior tables to free.
type walkStep struct {
	table addr.PhysAddr
	index uint64
}

// lookup walks to the leaf entry mapping vaddr, returning the chain of
// (table, index) steps taken and the leaf's own level, or ok=false if no
// leaf is mapped.
func (m *Mapper) lookup(vaddr addr.VirtAddr) (steps []walkStep, level int, leaf entry, ok bool, err error) {
	table := m.root
	for lvl := 2; lvl >= 0; lvl-- {
		idx := vpn(vaddr, lvl)
		e, rerr := m.readEntry(table, idx)
		if rerr != nil {
			return nil, 0, 0, false, rerr
		}
		steps = append(steps, walkStep{table: table, index: idx})
		if !e.valid() {
			return steps, lvl, 0, false, nil
		}
		if e.leaf() {
			return steps, lvl, e, true, nil
		}
		table = addr.PhysAddr(e.ppn() << 12)
	}
	return steps, 0, 0, false, nil
}

// Unmap removes the leaf mapping for vaddr, if any, returning whether one
// was found. An interior table that becomes empty (and is not the root)
// is returned to the buddy allocator.
func (m *Mapper) Unmap(vaddr addr.VirtAddr) (bool, error) {
	steps, level, _, ok, err := m.lookup(vaddr)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	leafStep := steps[len(steps)-1]
	if err := m.writeEntry(leafStep.table, leafStep.index, 0); err != nil {
		return false, err
	}
	csr.TLBFlush(vaddr)

	// Gigapage leaves live in the root table at level 2, which is never
	// freed. Walk back up through the remaining interior tables,
	// freeing any that became entirely empty.
	if level == 2 {
		return true, nil
	}
	for i := len(steps) - 1; i >= 1; i-- {
		table := steps[i].table
		if table == m.root {
			break
		}
		empty, err := m.tableEmpty(table)
		if err != nil {
			return false, err
		}
		if !empty {
			break
		}
		parent := steps[i-1]
		if err := m.writeEntry(parent.table, parent.index, 0); err != nil {
			return false, err
		}
		if err := m.alloc.Deallocate(buddy.Block{Addr: table, Order: 0}); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (m *Mapper) tableEmpty(table addr.PhysAddr) (bool, error) {
	for i := uint64(0); i < entriesPerTable; i++ {
		e, err := m.readEntry(table, i)
		if err != nil {
			return false, err
		}
		if e.valid() {
			return false, nil
		}
	}
	return true, nil
}

// Translate walks to the leaf mapping vaddr and returns the corresponding
// physical address plus the page size of the mapping, or ok=false if
// vaddr is unmapped.
func (m *Mapper) Translate(vaddr addr.VirtAddr) (paddr addr.PhysAddr, size addr.Size, ok bool, err error) {
	_, level, leaf, ok, err := m.lookup(vaddr)
	if err != nil || !ok {
		return 0, 0, false, err
	}

	var sz addr.Size
	switch level {
	case 0:
		sz = addr.Kilopage
	case 1:
		sz = addr.Megapage
	case 2:
		sz = addr.Gigapage
	}
	mask := sz.Size() - 1
	offset := vaddr.Uint64() & mask
	base := leaf.ppn() << 12
	return addr.PhysAddr(base + offset), sz, true, nil
}

// IdentityMap maps [start, end) in steps of size.Size(), mapping each
// page to itself, and flushes the TLB entry for each step. end-start
// must be at least one page of size.
func (m *Mapper) IdentityMap(start, end addr.PhysAddr, perm addr.Perm, size addr.Size) error {
	if end.Uint64()-start.Uint64() < size.Size() {
		return ErrRangeTooSmall
	}
	for a := start.Uint64(); a < end.Uint64(); a += size.Size() {
		if err := m.Map(addr.PhysAddr(a), addr.VirtAddr(a), size, perm); err != nil {
			return err
		}
		csr.TLBFlush(addr.VirtAddr(a))
	}
	return nil
}

// FitIdentityMap identity-maps [start, end) choosing the largest page
// size that fits at each step, minimizing the number of page-table
// entries used.
func (m *Mapper) FitIdentityMap(start, end addr.PhysAddr, perm addr.Perm) error {
	if end.Uint64()-start.Uint64() < addr.Kilopage.Size() {
		return ErrRangeTooSmall
	}

	a := start.Uint64()
	e := end.Uint64()
	for a < e {
		size := bestFit(a, e)
		if err := m.Map(addr.PhysAddr(a), addr.VirtAddr(a), size, perm); err != nil {
			return err
		}
		csr.TLBFlush(addr.VirtAddr(a))
		a += size.Size()
	}
	return nil
}

// bestFit picks the largest page size that keeps a aligned and fits
// before e.
func bestFit(a, e uint64) addr.Size {
	for _, size := range []addr.Size{addr.Gigapage, addr.Megapage, addr.Kilopage} {
		if size.Aligned(a) && a+size.Size() <= e {
			return size
		}
	}
	return addr.Kilopage
}
