package console

import (
	"testing"

	"github.com/tinyrange/rvkernel/internal/addr"
	"github.com/tinyrange/rvkernel/internal/physmem"
)

func TestWriteByteWaitsForTHREmpty(t *testing.T) {
	base := addr.PhysAddr(0x1000_0000)
	mem := physmem.New(base, 4096)
	d := New(mem, base)

	// LSR already reads THR-empty, so WriteByte must return immediately.
	if err := mem.WriteByte(base.Offset(regLSR), lsrTHREmpty); err != nil {
		t.Fatalf("WriteByte(LSR ready): %v", err)
	}
	if err := d.WriteByte('A'); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	thr, err := mem.ReadByte(base.Offset(regTHR))
	if err != nil {
		t.Fatalf("ReadByte(THR): %v", err)
	}
	if thr != 'A' {
		t.Fatalf("THR = %q, want 'A'", thr)
	}
}

func TestReadByteSpinsUntilDataReady(t *testing.T) {
	base := addr.PhysAddr(0x1000_0000)
	mem := physmem.New(base, 4096)
	d := New(mem, base)

	if err := mem.WriteByte(base.Offset(regRBR), 'Q'); err != nil {
		t.Fatalf("WriteByte(RBR): %v", err)
	}
	if err := mem.WriteByte(base.Offset(regLSR), lsrDataReady); err != nil {
		t.Fatalf("WriteByte(LSR): %v", err)
	}

	b, err := d.ReadByte()
	if err != nil {
		t.Fatalf("ReadByte: %v", err)
	}
	if b != 'Q' {
		t.Fatalf("ReadByte = %q, want 'Q'", b)
	}
}

func TestPackageLevelNotInitialized(t *testing.T) {
	mu.Lock()
	saved := current
	current = nil
	mu.Unlock()
	defer func() {
		mu.Lock()
		current = saved
		mu.Unlock()
	}()

	if _, err := Write([]byte("x")); err != ErrNotInitialized {
		t.Fatalf("Write before Install = %v, want ErrNotInitialized", err)
	}
}

func TestInstallThenWrite(t *testing.T) {
	base := addr.PhysAddr(0x1000_0000)
	mem := physmem.New(base, 4096)
	d := New(mem, base)
	if err := mem.WriteByte(base.Offset(regLSR), lsrTHREmpty); err != nil {
		t.Fatalf("WriteByte(LSR): %v", err)
	}

	Install(d)
	n, err := Write([]byte("hi"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 2 {
		t.Fatalf("Write returned %d, want 2", n)
	}
}
