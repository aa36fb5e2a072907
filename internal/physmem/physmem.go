// Package physmem models a byte-addressable physical address space as a
// plain Go slice. It stands in for the bytes a real kernel would address
// directly through raw pointers once paging is off or identity-mapped:
// the buddy allocator carves regions of it, and the Sv39 mapper reads and
// writes page-table entries through it. All pointer-shaped arithmetic in
// the memory subsystem is meant to funnel through this one narrow
// abstraction, per the "unsafe operations" guidance for a kernel memory
// core.
package physmem

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvkernel/internal/addr"
)

// Space is a contiguous, byte-addressable region of simulated physical
// memory, based at Base.
type Space struct {
	Base addr.PhysAddr
	data []byte
}

// New creates a Space of size bytes based at base, zero-initialized.
func New(base addr.PhysAddr, size uint64) *Space {
	return &Space{Base: base, data: make([]byte, size)}
}

// Size returns the number of bytes in s.
func (s *Space) Size() uint64 { return uint64(len(s.data)) }

// End returns the address one past the last byte of s.
func (s *Space) End() addr.PhysAddr { return s.Base.Offset(s.Size()) }

// Contains reports whether p lies within s.
func (s *Space) Contains(p addr.PhysAddr) bool {
	return p.Uint64() >= s.Base.Uint64() && p.Uint64() < s.End().Uint64()
}

func (s *Space) offset(p addr.PhysAddr, length uint64) (uint64, error) {
	if p.Uint64() < s.Base.Uint64() {
		return 0, fmt.Errorf("physmem: address %s below base %s", p, s.Base)
	}
	off := p.Uint64() - s.Base.Uint64()
	if off+length > s.Size() {
		return 0, fmt.Errorf("physmem: access [%s, %#x) out of bounds (size %#x)", p, off+length, s.Size())
	}
	return off, nil
}

// Slice returns the length bytes starting at p.
func (s *Space) Slice(p addr.PhysAddr, length uint64) ([]byte, error) {
	off, err := s.offset(p, length)
	if err != nil {
		return nil, err
	}
	return s.data[off : off+length], nil
}

// ReadU64 reads a little-endian uint64 at p.
func (s *Space) ReadU64(p addr.PhysAddr) (uint64, error) {
	b, err := s.Slice(p, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteU64 writes a little-endian uint64 at p.
func (s *Space) WriteU64(p addr.PhysAddr, v uint64) error {
	b, err := s.Slice(p, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// ReadByte reads a single byte at p.
func (s *Space) ReadByte(p addr.PhysAddr) (byte, error) {
	b, err := s.Slice(p, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteByte writes a single byte at p.
func (s *Space) WriteByte(p addr.PhysAddr, v byte) error {
	b, err := s.Slice(p, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// Zero zeroes length bytes starting at p.
func (s *Space) Zero(p addr.PhysAddr, length uint64) error {
	b, err := s.Slice(p, length)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}
