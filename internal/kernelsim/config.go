// Package kernelsim builds the synthetic machine cmd/kernelsim boots:
// a YAML-decoded BootConfig, the FDT blob describing it, and the
// physmem.Space and boot.Layout derived from it. It exists separately
// from cmd/kernelsim so the harness logic is testable without a CLI.
package kernelsim

import (
	"fmt"
	"os"

	"github.com/tinyrange/rvkernel/internal/addr"
	"github.com/tinyrange/rvkernel/internal/boot"
	"github.com/tinyrange/rvkernel/internal/fdt"
	"github.com/tinyrange/rvkernel/internal/physmem"
	"gopkg.in/yaml.v3"
)

// ReservedRange is an extra physical range the harness should carve out
// of the simulated address space before handing it to boot.Init, beyond
// the SBI firmware and kernel-image reservations it already knows
// about (for example, an MMIO window not otherwise named by the FDT).
// BuildFDT reports it in the FDT's own memory reservation block, so
// boot.Init excludes it from the buddy allocator the same way it would
// for a real firmware-reported reservation.
type ReservedRange struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

// BootConfig describes the simulated machine: RAM placement, the SBI
// firmware reservation, the UART's MMIO base, and the kernel image's
// own layout within RAM. It is the Go-native analogue of the boot
// parameters a real device tree plus linker symbols would supply.
type BootConfig struct {
	MemoryBase uint64 `yaml:"memoryBase"`
	MemoryMB   uint64 `yaml:"memoryMB"`

	SBIBase uint64 `yaml:"sbiBase"`
	SBISize uint64 `yaml:"sbiSize"`

	UARTBase uint64 `yaml:"uartBase"`

	KernelTextKB   uint64 `yaml:"kernelTextKB"`
	KernelRodataKB uint64 `yaml:"kernelRodataKB"`
	KernelDataKB   uint64 `yaml:"kernelDataKB"`
	KernelStackKB  uint64 `yaml:"kernelStackKB"`

	HartID uint64 `yaml:"hartID,omitempty"`

	Reserved []ReservedRange `yaml:"reserved,omitempty"`
}

// normalize fills in the defaults used when a field is left at its zero
// value.
func (c *BootConfig) normalize() {
	if c.MemoryBase == 0 {
		c.MemoryBase = 0x8000_0000
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = 128
	}
	if c.SBIBase == 0 {
		c.SBIBase = c.MemoryBase
	}
	if c.SBISize == 0 {
		c.SBISize = 2 << 20
	}
	if c.UARTBase == 0 {
		// physmem.Space is one contiguous region, unlike a real virt
		// machine's UART-below-RAM layout, so the default UART base
		// is the first page past the end of configured RAM rather than
		// the real qemu-virt address (0x1000_0000, below a
		// 0x8000_0000 RAM base): it must stay outside the /memory
		// region the FDT reports, or the buddy allocator would enroll
		// the UART's own page as ordinary free memory.
		c.UARTBase = c.MemoryBase + c.MemoryMB<<20
	}
	if c.KernelTextKB == 0 {
		c.KernelTextKB = 256
	}
	if c.KernelRodataKB == 0 {
		c.KernelRodataKB = 64
	}
	if c.KernelDataKB == 0 {
		c.KernelDataKB = 64
	}
	if c.KernelStackKB == 0 {
		c.KernelStackKB = 64
	}
}

// LoadBootConfig reads and decodes a BootConfig from path, applying
// defaults to any field the file leaves unset.
func LoadBootConfig(path string) (BootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BootConfig{}, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg BootConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return BootConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// DefaultBootConfig returns a BootConfig with every field at its
// default, for use when the harness is run without -config.
func DefaultBootConfig() BootConfig {
	var cfg BootConfig
	cfg.normalize()
	return cfg
}

// kernelStart places the kernel image immediately after the SBI
// firmware reservation, matching the OpenSBI convention the teacher's
// rv64 platform follows.
func (c BootConfig) kernelStart() uint64 {
	return c.SBIBase + c.SBISize
}

// Layout derives the boot.Layout the kernel image occupies within the
// simulated RAM, from the KB-sized section budgets in c.
func (c BootConfig) Layout() boot.Layout {
	start := c.kernelStart()
	textEnd := start + c.KernelTextKB<<10
	rodataEnd := textEnd + c.KernelRodataKB<<10
	kernelEnd := rodataEnd + c.KernelDataKB<<10
	stackTop := kernelEnd + c.KernelStackKB<<10
	return boot.Layout{
		KernelStart: addr.PhysAddr(start),
		TextEnd:     addr.PhysAddr(textEnd),
		RodataEnd:   addr.PhysAddr(rodataEnd),
		KernelEnd:   addr.PhysAddr(kernelEnd),
		StackTop:    addr.PhysAddr(stackTop),
	}
}

// spaceSize returns how large a physmem.Space must be to contain both
// the configured RAM region and the UART's MMIO page, whichever
// extends further.
func (c BootConfig) spaceSize() uint64 {
	ramEnd := c.MemoryBase + c.MemoryMB<<20
	uartEnd := c.UARTBase + addr.Kilopage.Size()
	if uartEnd > ramEnd {
		return uartEnd - c.MemoryBase
	}
	return ramEnd - c.MemoryBase
}

// BuildFDT renders c into a device tree blob describing one memory
// node, a chosen/stdout-path pointing at a 16550 console, and that
// console's own node — the minimum a boot.Init caller needs to resolve
// both /memory and the console.
func (c BootConfig) BuildFDT() ([]byte, error) {
	root := fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
		},
		Children: []fdt.Node{
			{
				Name: fmt.Sprintf("memory@%x", c.MemoryBase),
				Properties: map[string]fdt.Property{
					"device_type": {Strings: []string{"memory"}},
					"reg":         {U64: []uint64{c.MemoryBase, c.MemoryMB << 20}},
				},
			},
			{
				Name: "chosen",
				Properties: map[string]fdt.Property{
					"stdout-path": {Strings: []string{fmt.Sprintf("/uart@%x", c.UARTBase)}},
				},
			},
			{
				Name: fmt.Sprintf("uart@%x", c.UARTBase),
				Properties: map[string]fdt.Property{
					"compatible": {Strings: []string{"ns16550a"}},
					"reg":        {U64: []uint64{c.UARTBase, addr.Kilopage.Size()}},
				},
			},
		},
	}
	reservations := make([]fdt.MemReservation, len(c.Reserved))
	for i, r := range c.Reserved {
		reservations[i] = fdt.MemReservation{Address: r.Start, Size: r.Size}
	}

	blob, err := fdt.Build(root, reservations...)
	if err != nil {
		return nil, fmt.Errorf("build fdt: %w", err)
	}
	return blob, nil
}

// Machine is a fully assembled simulated machine ready for boot.Init:
// the FDT blob (already placed at the start of mem) and the backing
// physmem.Space.
type Machine struct {
	FDT    []byte
	Mem    *physmem.Space
	Layout boot.Layout
}

// Build assembles a Machine from c: it renders the FDT, lays out a
// physmem.Space large enough for RAM and the UART page, and copies the
// FDT blob to the space's base address, matching the convention
// boot.Init's fdtRange helper relies on.
func (c BootConfig) Build() (*Machine, error) {
	c.normalize()

	if c.UARTBase < c.MemoryBase {
		return nil, fmt.Errorf("uartBase %#x falls below memoryBase %#x: physmem.Space models one contiguous region starting at memoryBase", c.UARTBase, c.MemoryBase)
	}

	blob, err := c.BuildFDT()
	if err != nil {
		return nil, err
	}

	mem := physmem.New(addr.PhysAddr(c.MemoryBase), c.spaceSize())
	dst, err := mem.Slice(addr.PhysAddr(c.MemoryBase), uint64(len(blob)))
	if err != nil {
		return nil, fmt.Errorf("place fdt: %w", err)
	}
	copy(dst, blob)

	for _, r := range c.Reserved {
		if r.Start < c.MemoryBase || r.Start+r.Size > c.MemoryBase+mem.Size() {
			return nil, fmt.Errorf("reserved range %#x-%#x falls outside the simulated address space", r.Start, r.Start+r.Size)
		}
	}

	return &Machine{FDT: blob, Mem: mem, Layout: c.Layout()}, nil
}
