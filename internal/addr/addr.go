// Package addr defines the address and permission types shared by the
// memory subsystem: PhysAddr/VirtAddr newtypes, the three Sv39 page
// sizes, and the permission bit set used by page-table entries.
package addr

import "fmt"

// PhysAddr is a physical address. It wraps a raw uint64 and never
// implicitly converts to or from one; callers cross the boundary with
// PhysAddr()/Uint64().
type PhysAddr uint64

// VirtAddr is a virtual address, with the same total-conversion discipline
// as PhysAddr.
type VirtAddr uint64

// Uint64 returns the raw value of a.
func (a PhysAddr) Uint64() uint64 { return uint64(a) }

// Uint64 returns the raw value of a.
func (a VirtAddr) Uint64() uint64 { return uint64(a) }

// Offset returns a+off, wrapping on overflow.
func (a PhysAddr) Offset(off uint64) PhysAddr { return PhysAddr(uint64(a) + off) }

// Offset returns a+off, wrapping on overflow.
func (a VirtAddr) Offset(off uint64) VirtAddr { return VirtAddr(uint64(a) + off) }

// PageBase returns a rounded down to the start of its 4 KiB page.
func (a PhysAddr) PageBase() PhysAddr { return PhysAddr(uint64(a) &^ (PageSize.Size() - 1)) }

// PageOffset returns the low 12 bits of a.
func (a PhysAddr) PageOffset() uint64 { return uint64(a) & (PageSize.Size() - 1) }

func (a PhysAddr) String() string { return fmt.Sprintf("0x%x", uint64(a)) }
func (a VirtAddr) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

// Size is a tagged Sv39 page size: kilopage, megapage, or gigapage.
type Size int

const (
	Kilopage Size = iota
	Megapage
	Gigapage
)

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
)

// PageSize is the base (kilopage) size, used throughout the allocator.
const PageSize Size = Kilopage

// Size returns the byte size covered by s.
func (s Size) Size() uint64 {
	switch s {
	case Kilopage:
		return 4 * kib
	case Megapage:
		return 2 * mib
	case Gigapage:
		return 1 * gib
	default:
		panic(fmt.Sprintf("addr: invalid page size %d", s))
	}
}

// Aligned reports whether v is aligned to s's size.
func (s Size) Aligned(v uint64) bool {
	return v&(s.Size()-1) == 0
}

// Level returns the Sv39 page-table level a leaf of this size terminates
// at: 0 for kilopage, 1 for megapage, 2 for gigapage.
func (s Size) Level() int {
	switch s {
	case Kilopage:
		return 0
	case Megapage:
		return 1
	case Gigapage:
		return 2
	default:
		panic(fmt.Sprintf("addr: invalid page size %d", s))
	}
}

func (s Size) String() string {
	switch s {
	case Kilopage:
		return "kilopage"
	case Megapage:
		return "megapage"
	case Gigapage:
		return "gigapage"
	default:
		return "invalid"
	}
}

// Perm is a 3-bit permission set: Read, Write, Execute. A zero Perm marks
// a branch (non-leaf) page-table entry.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Exec
)

// R reports whether p grants read access.
func (p Perm) R() bool { return p&Read != 0 }

// W reports whether p grants write access.
func (p Perm) W() bool { return p&Write != 0 }

// X reports whether p grants execute access. This tests the EXEC bit,
// not WRITE.
func (p Perm) X() bool { return p&Exec != 0 }

func (p Perm) String() string {
	r, w, x := '-', '-', '-'
	if p.R() {
		r = 'R'
	}
	if p.W() {
		w = 'W'
	}
	if p.X() {
		x = 'X'
	}
	return fmt.Sprintf("%c%c%c", r, w, x)
}
