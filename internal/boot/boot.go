// Package boot composes the other memory-subsystem packages into the
// early-boot init sequence: parse the FDT, build a range set of usable
// memory, feed it to the buddy allocator, build an Sv39 root table,
// identity-map everything the kernel needs, and report a Kernel ready
// to hand off to main.
package boot

import (
	"fmt"

	"github.com/tinyrange/rvkernel/internal/addr"
	"github.com/tinyrange/rvkernel/internal/buddy"
	"github.com/tinyrange/rvkernel/internal/console"
	"github.com/tinyrange/rvkernel/internal/csr"
	"github.com/tinyrange/rvkernel/internal/fdt"
	"github.com/tinyrange/rvkernel/internal/physmem"
	"github.com/tinyrange/rvkernel/internal/rangeset"
	"github.com/tinyrange/rvkernel/internal/sv39"
)

// openSBIRange is the OpenSBI firmware convention this kernel targets:
// firmware occupies the first 2 MiB of RAM.
var openSBIRange = rangeset.New(addr.PhysAddr(0x8000_0000), addr.PhysAddr(0x801F_FFFF))

// Layout describes the boot hart's memory layout as known at compile
// time via linker symbols, standing in for the boot-assembly shim's
// exported section boundaries (out of scope here; the shim hands these
// to Init).
// KernelStart is the first byte of the image; every later field is one
// past the last byte of its section, so a section spans
// [previous field, this field).
type Layout struct {
	KernelStart addr.PhysAddr
	TextEnd     addr.PhysAddr
	RodataEnd   addr.PhysAddr
	KernelEnd   addr.PhysAddr // end of data/bss, and of the kernel image as a whole
	StackTop    addr.PhysAddr
}

// Kernel is the result of a successful Init: the live allocator and
// mapper the kernel main routine runs with, plus the console device
// already mapped and installed.
type Kernel struct {
	Allocator *buddy.Allocator
	Mapper    *sv39.Mapper
	Console   *console.Device
	HartID    uint64
	FreeBytes uint64
}

// Init runs the boot sequence described by spec.md §4.6 over an FDT
// blob and a simulated physical address space, returning a Kernel ready
// for paging-enabled execution. hartID is the value firmware passed in
// register a0.
func Init(fdtBlob []byte, mem *physmem.Space, layout Layout, hartID uint64) (*Kernel, error) {
	tree, err := fdt.New(fdtBlob)
	if err != nil {
		return nil, fmt.Errorf("boot: parsing FDT: %w", err)
	}

	var dev *console.Device
	if base, ok, err := tree.ConsoleMMIOBase(); err != nil {
		return nil, fmt.Errorf("boot: resolving console: %w", err)
	} else if ok {
		dev = console.New(mem, base)
		console.Install(dev)
	}

	regions, err := tree.MemoryRegions()
	if err != nil {
		return nil, fmt.Errorf("boot: reading /memory: %w", err)
	}

	free := rangeset.NewSet()
	for _, r := range regions {
		end := addr.PhysAddr(r.Start.Uint64() + r.Size - 1)
		if err := free.Insert(rangeset.New(r.Start, end)); err != nil {
			return nil, fmt.Errorf("boot: inserting memory region %s-%s: %w", r.Start, end, err)
		}
	}

	fdtFootprint := fdtRange(mem, fdtBlob)
	blocked := []rangeset.Range{
		openSBIRange,
		// The kernel's own footprint runs through StackTop, not
		// KernelEnd: KernelEnd only marks the end of data/bss, and the
		// boot stack above it is just as much kernel-owned memory, so it
		// must not be enrolled as free/buddy-managed too.
		rangeset.New(layout.KernelStart, addr.PhysAddr(layout.StackTop.Uint64()-1)),
		fdtFootprint,
	}
	for _, r := range tree.Reservations() {
		if r.Size == 0 {
			continue
		}
		blocked = append(blocked, rangeset.New(addr.PhysAddr(r.Address), addr.PhysAddr(r.Address+r.Size-1)))
	}
	for _, b := range blocked {
		if err := free.RemoveRange(b); err != nil {
			return nil, fmt.Errorf("boot: removing blocked range %s: %w", b, err)
		}
	}

	freeRanges := free.Ranges()
	alloc := buddy.New(mem)
	var totalFree uint64
	for _, r := range freeRanges {
		n, err := alloc.AddRegion(r.Start, r.End)
		if err != nil {
			return nil, fmt.Errorf("boot: enrolling region %s: %w", r, err)
		}
		totalFree += n
	}
	console.Logger().Info("physical memory allocator ready", "free_bytes", totalFree, "hart", hartID)

	mapper, err := sv39.New(mem, alloc)
	if err != nil {
		return nil, fmt.Errorf("boot: building root page table: %w", err)
	}

	if err := identityMapAll(mapper, layout, fdtFootprint, dev, freeRanges); err != nil {
		return nil, fmt.Errorf("boot: identity mapping: %w", err)
	}

	satp := csr.Sv39(mapper.Root(), 0)
	if err := enablePaging(satp); err != nil {
		return nil, fmt.Errorf("boot: enabling paging: %w", err)
	}

	return &Kernel{
		Allocator: alloc,
		Mapper:    mapper,
		Console:   dev,
		HartID:    hartID,
		FreeBytes: totalFree,
	}, nil
}

func fdtRange(mem *physmem.Space, blob []byte) rangeset.Range {
	// The blob's first byte's address within mem is not recoverable from
	// the slice alone in a hosted simulation; callers that care about the
	// FDT's footprint as a blocked range pass it pre-placed in mem and we
	// derive the range from mem's base, matching the convention that the
	// FDT is loaded at the very start of the simulated address space's
	// reserved area. The footprint is rounded up to a whole page.
	start := mem.Base
	pageSize := addr.Kilopage.Size()
	size := (uint64(len(blob)) + pageSize - 1) &^ (pageSize - 1)
	end := start.Offset(size - 1)
	return rangeset.New(start, end)
}

func identityMapAll(m *sv39.Mapper, layout Layout, fdtFootprint rangeset.Range, dev *console.Device, freeRanges []rangeset.Range) error {
	if err := m.IdentityMap(fdtFootprint.Start, fdtFootprint.End.Offset(1), addr.Read, addr.Kilopage); err != nil {
		return fmt.Errorf("fdt range: %w", err)
	}
	if err := m.FitIdentityMap(layout.KernelStart, layout.TextEnd, addr.Read|addr.Exec); err != nil {
		return fmt.Errorf("text: %w", err)
	}
	if err := m.FitIdentityMap(layout.TextEnd, layout.RodataEnd, addr.Read); err != nil {
		return fmt.Errorf("rodata: %w", err)
	}
	if err := m.FitIdentityMap(layout.RodataEnd, layout.StackTop, addr.Read|addr.Write); err != nil {
		return fmt.Errorf("data/bss/stack: %w", err)
	}
	if dev != nil {
		if err := m.Map(dev.Base(), addr.VirtAddr(dev.Base().Uint64()), addr.Kilopage, addr.Read|addr.Write); err != nil {
			return fmt.Errorf("uart mmio: %w", err)
		}
	}
	// Every buddy-managed range must stay dereferenceable once paging is
	// on, since the allocator hands out physical addresses that the
	// kernel treats as plain pointers.
	for _, r := range freeRanges {
		if err := m.FitIdentityMap(r.Start, r.End.Offset(1), addr.Read|addr.Write); err != nil {
			return fmt.Errorf("buddy region %s: %w", r, err)
		}
	}
	return nil
}

// enablePaging is the hook for writing satp and issuing the TLB-flush
// fence; a hosted simulation has no CSR to write, so it discards the
// satp value and only invokes csr.TLBFlush's installed hook.
var enablePaging = func(satp uint64) error {
	csr.TLBFlush(addr.VirtAddr(0))
	return nil
}

// Fatal reports an unrecoverable boot error and hands control to
// PlatformExit; it returns only if PlatformExit does.
func Fatal(err error) {
	console.Logger().Error("boot failed", "error", err)
	PlatformExit(1)
}

// PlatformExit is the platform exit hook Fatal calls. The default does
// nothing, so library code never calls os.Exit; the cmd/kernelsim
// harness replaces it with one that does.
var PlatformExit = func(code int) {}
