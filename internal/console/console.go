// Package console drives a 16550-compatible UART from the kernel side:
// spin-until-ready byte reads and writes through a physmem.Space-backed
// MMIO region, plus a process-wide mutex-guarded singleton that print
// and logging facilities share.
package console

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/tinyrange/rvkernel/internal/addr"
	"github.com/tinyrange/rvkernel/internal/physmem"
)

// Register offsets, 16550-compatible.
const (
	regRBR = 0 // receive buffer (read)
	regTHR = 0 // transmit holding (write)
	regLSR = 5 // line status
)

// LSR bits.
const (
	lsrDataReady = 1 << 0
	lsrTHREmpty  = 1 << 5
)

// ErrNotInitialized is returned by package-level helpers when no device
// has been installed yet.
var ErrNotInitialized = errors.New("console: not initialized")

// Device is a single 16550-compatible UART reachable at a fixed MMIO
// base address within a physmem.Space.
type Device struct {
	mem  *physmem.Space
	base addr.PhysAddr
}

// New returns a console device for the UART mapped at base within mem.
// It initializes LSR to THR-empty, matching real 16550 reset state
// (nothing has been transmitted yet, so the holding register is free);
// without this, a freshly zeroed mem would make WriteByte spin forever.
func New(mem *physmem.Space, base addr.PhysAddr) *Device {
	d := &Device{mem: mem, base: base}
	_ = mem.WriteByte(d.reg(regLSR), lsrTHREmpty)
	return d
}

// Base returns the device's MMIO base address, for use when building
// the kernel's identity-mapped page table.
func (d *Device) Base() addr.PhysAddr { return d.base }

func (d *Device) reg(offset uint64) addr.PhysAddr { return d.base.Offset(offset) }

// WriteByte spins until the transmit holding register is empty, then
// writes b.
func (d *Device) WriteByte(b byte) error {
	for {
		lsr, err := d.mem.ReadByte(d.reg(regLSR))
		if err != nil {
			return err
		}
		if lsr&lsrTHREmpty != 0 {
			break
		}
	}
	return d.mem.WriteByte(d.reg(regTHR), b)
}

// ReadByte spins until a byte is available, then reads it.
func (d *Device) ReadByte() (byte, error) {
	for {
		lsr, err := d.mem.ReadByte(d.reg(regLSR))
		if err != nil {
			return 0, err
		}
		if lsr&lsrDataReady != 0 {
			break
		}
	}
	return d.mem.ReadByte(d.reg(regRBR))
}

// Write implements io.Writer by spin-writing each byte in p, so the
// device can back a log/slog handler.
func (d *Device) Write(p []byte) (int, error) {
	for i, b := range p {
		if err := d.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

var (
	mu      sync.Mutex
	current *Device
	logger  *slog.Logger
)

// Install sets the process-wide console device. Later print/log calls
// route through it until the next Install, and Logger starts returning
// a handler backed by d instead of falling back to slog.Default().
func Install(d *Device) {
	mu.Lock()
	defer mu.Unlock()
	current = d
	logger = slog.New(slog.NewTextHandler(d, nil))
}

// Logger returns the logger backed by the installed console device, or
// slog.Default() if none has been installed yet, so boot-sequence
// logging shares one sink with the console once it comes up.
func Logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Write sends p to the installed console device, acquiring the console
// mutex for the duration of the call so the bytes of one call are never
// interleaved with another concurrent writer's output.
func Write(p []byte) (int, error) {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return 0, ErrNotInitialized
	}
	return current.Write(p)
}

// ReadByte reads one byte from the installed console device.
func ReadByte() (byte, error) {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return 0, ErrNotInitialized
	}
	return current.ReadByte()
}
