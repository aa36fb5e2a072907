// Package csr models the small slice of RISC-V control-and-status
// register behavior the memory subsystem depends on: packing/unpacking
// the satp register and flushing the TLB on mapping changes.
package csr

import "github.com/tinyrange/rvkernel/internal/addr"

// Satp mode field values, per the privileged spec.
const (
	SatpModeOff  = 0
	SatpModeSv39 = 8
	SatpModeSv48 = 9
)

const (
	satpModeShift = 60
	satpAsidShift = 44
	satpAsidMask  = 0xFFFF
	satpPPNMask   = (uint64(1) << 44) - 1
)

// Satp is the decoded form of the satp CSR: translation mode, address
// space ID, and the root page table's physical page number.
type Satp struct {
	Mode int
	ASID uint16
	Root addr.PhysAddr
}

// Encode packs s into the 64-bit satp register value.
func Encode(s Satp) uint64 {
	ppn := (s.Root.Uint64() >> 12) & satpPPNMask
	return uint64(s.Mode)<<satpModeShift | uint64(s.ASID)<<satpAsidShift | ppn
}

// Decode unpacks a raw satp register value.
func Decode(raw uint64) Satp {
	return Satp{
		Mode: int(raw >> satpModeShift),
		ASID: uint16((raw >> satpAsidShift) & satpAsidMask),
		Root: addr.PhysAddr((raw & satpPPNMask) << 12),
	}
}

// Sv39 builds the satp value that enables Sv39 translation rooted at
// root, for the given address space ID.
func Sv39(root addr.PhysAddr, asid uint16) uint64 {
	return Encode(Satp{Mode: SatpModeSv39, ASID: asid, Root: root})
}

// TLBFlush is called whenever the mapper installs or removes a mapping,
// and once more when paging is enabled. It is a variable rather than a plain function so a hosted
// simulation can swap in a no-op, a counter, or a guest sfence.vma
// trap, without internal/sv39 needing to know which.
var TLBFlush func(vaddr addr.VirtAddr) = func(addr.VirtAddr) {}
