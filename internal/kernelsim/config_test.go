package kernelsim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/rvkernel/internal/addr"
	"github.com/tinyrange/rvkernel/internal/boot"
)

func TestDefaultBootConfigLayout(t *testing.T) {
	cfg := DefaultBootConfig()

	want := addr.PhysAddr(cfg.SBIBase + cfg.SBISize)
	got := cfg.Layout()
	if got.KernelStart != want {
		t.Fatalf("KernelStart = %s, want %s", got.KernelStart, want)
	}
	if got.TextEnd <= got.KernelStart {
		t.Fatalf("TextEnd %s must be after KernelStart %s", got.TextEnd, got.KernelStart)
	}
	if got.RodataEnd <= got.TextEnd || got.KernelEnd <= got.RodataEnd || got.StackTop <= got.KernelEnd {
		t.Fatalf("Layout sections are not strictly increasing: %+v", got)
	}
}

func TestLoadBootConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.yaml")
	if err := os.WriteFile(path, []byte("uartBase: 0x9000000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadBootConfig(path)
	if err != nil {
		t.Fatalf("LoadBootConfig: %v", err)
	}
	if cfg.UARTBase != 0x9000000 {
		t.Fatalf("UARTBase = %#x, want 0x9000000", cfg.UARTBase)
	}
	if cfg.MemoryMB == 0 {
		t.Fatalf("MemoryMB left at zero, defaults did not apply")
	}
}

func TestLoadBootConfigMissingFile(t *testing.T) {
	if _, err := LoadBootConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("LoadBootConfig(missing) = nil error, want one")
	}
}

func TestBuildFDTRoundTripsThroughBootInit(t *testing.T) {
	cfg := DefaultBootConfig()

	machine, err := cfg.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	k, err := boot.Init(machine.FDT, machine.Mem, machine.Layout, 0)
	if err != nil {
		t.Fatalf("boot.Init: %v", err)
	}
	if k.Console == nil {
		t.Fatalf("Init did not resolve a console from the synthetic FDT")
	}
	if k.Console.Base() != addr.PhysAddr(cfg.UARTBase) {
		t.Fatalf("console base = %s, want %s", k.Console.Base(), addr.PhysAddr(cfg.UARTBase))
	}
	if k.FreeBytes == 0 {
		t.Fatalf("FreeBytes = 0, want > 0")
	}

	got, _, ok, err := k.Mapper.Translate(addr.VirtAddr(machine.Layout.KernelStart.Uint64()))
	if err != nil || !ok {
		t.Fatalf("Translate(kernel start): ok=%v err=%v", ok, err)
	}
	if got != machine.Layout.KernelStart {
		t.Fatalf("Translate(kernel start) = %s, want identity", got)
	}
}

// A ReservedRange must actually shrink the buddy-managed free space,
// not just pass bounds validation: it is reported through the FDT's
// memory reservation block and boot.Init excludes it the same way it
// excludes the SBI and kernel-image ranges.
func TestReservedRangeExcludedFromFreeSpace(t *testing.T) {
	base := DefaultBootConfig()
	baseMachine, err := base.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	baseKernel, err := boot.Init(baseMachine.FDT, baseMachine.Mem, baseMachine.Layout, 0)
	if err != nil {
		t.Fatalf("boot.Init: %v", err)
	}

	withReserved := DefaultBootConfig()
	withReserved.Reserved = []ReservedRange{{Start: withReserved.MemoryBase + withReserved.MemoryMB<<20 - 0x10000, Size: 0x10000}}
	reservedMachine, err := withReserved.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	reservedKernel, err := boot.Init(reservedMachine.FDT, reservedMachine.Mem, reservedMachine.Layout, 0)
	if err != nil {
		t.Fatalf("boot.Init: %v", err)
	}

	if reservedKernel.FreeBytes != baseKernel.FreeBytes-0x10000 {
		t.Fatalf("FreeBytes = %d, want %d (base %d minus the 0x10000-byte reservation)",
			reservedKernel.FreeBytes, baseKernel.FreeBytes-0x10000, baseKernel.FreeBytes)
	}
}

func TestBuildRejectsOutOfRangeReservedRange(t *testing.T) {
	cfg := DefaultBootConfig()
	cfg.Reserved = []ReservedRange{{Start: cfg.MemoryBase + cfg.MemoryMB<<20 + 0x1000, Size: 0x1000}}

	if _, err := cfg.Build(); err == nil {
		t.Fatalf("Build with out-of-range reserved range = nil error, want one")
	}
}
