package fdt

import (
	"strings"
	"testing"

	"github.com/tinyrange/rvkernel/internal/addr"
)

func sampleTree(t *testing.T) *Tree {
	t.Helper()
	root := Node{
		Name: "",
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
		},
		Children: []Node{
			{
				Name: "memory@80000000",
				Properties: map[string]Property{
					"device_type": {Strings: []string{"memory"}},
					"reg":         {U64: []uint64{0x8000_0000, 0x0800_0000}},
				},
			},
			{
				Name: "chosen",
				Properties: map[string]Property{
					"stdout-path": {Strings: []string{"/soc/uart@10000000"}},
				},
			},
			{
				Name: "soc",
				Children: []Node{
					{
						Name: "uart@10000000",
						Properties: map[string]Property{
							"compatible": {Strings: []string{"ns16550a"}},
							"reg":        {U64: []uint64{0x1000_0000, 0x100}},
						},
					},
				},
			},
		},
	}

	blob, err := Build(root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	tree, err := New(blob)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tree
}

func TestParseBadMagic(t *testing.T) {
	_, err := New([]byte("not an fdt blob: no magic number, but long enough to hold a header"))
	if err == nil {
		t.Fatalf("New(garbage) succeeded, want error")
	}
}

func TestMemoryRegions(t *testing.T) {
	tree := sampleTree(t)
	regions, err := tree.MemoryRegions()
	if err != nil {
		t.Fatalf("MemoryRegions: %v", err)
	}
	if len(regions) != 1 {
		t.Fatalf("len(regions) = %d, want 1", len(regions))
	}
	if regions[0].Start != addr.PhysAddr(0x8000_0000) {
		t.Fatalf("region start = %s, want 0x80000000", regions[0].Start)
	}
	if regions[0].Size != 0x0800_0000 {
		t.Fatalf("region size = %#x, want 0x8000000", regions[0].Size)
	}
}

func TestConsoleMMIOBase(t *testing.T) {
	tree := sampleTree(t)
	base, ok, err := tree.ConsoleMMIOBase()
	if err != nil {
		t.Fatalf("ConsoleMMIOBase: %v", err)
	}
	if !ok {
		t.Fatalf("ConsoleMMIOBase: not found")
	}
	if base != addr.PhysAddr(0x1000_0000) {
		t.Fatalf("base = %s, want 0x10000000", base)
	}
}

func TestFindNodesUnitAddressMatching(t *testing.T) {
	tree := sampleTree(t)

	// Exact unit address match.
	if _, ok := tree.FindNode("/memory@80000000"); !ok {
		t.Fatalf("FindNode(exact unit) failed")
	}
	// Segment without a unit address still matches a child that has one.
	if _, ok := tree.FindNode("/memory"); !ok {
		t.Fatalf("FindNode(no unit, child has one) failed")
	}
	// Wrong unit address must not match.
	if _, ok := tree.FindNode("/memory@90000000"); ok {
		t.Fatalf("FindNode(wrong unit) unexpectedly succeeded")
	}
	if _, ok := tree.FindNode("/soc/uart@10000000"); !ok {
		t.Fatalf("FindNode(nested path) failed")
	}
}

func TestDumpRendersNodesAndProperties(t *testing.T) {
	tree := sampleTree(t)
	out := tree.Dump()

	for _, want := range []string{"memory@80000000", "uart@10000000", "compatible", "ns16550a", "stdout-path"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Dump() missing %q in:\n%s", want, out)
		}
	}
}

func TestReservationsRoundTrip(t *testing.T) {
	root := Node{
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
		},
	}
	blob, err := Build(root, MemReservation{Address: 0x8000_0000, Size: 0x1000}, MemReservation{Address: 0x9000_0000, Size: 0x2000})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	tree, err := New(blob)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := tree.Reservations()
	if len(got) != 2 {
		t.Fatalf("len(Reservations()) = %d, want 2", len(got))
	}
	if got[0] != (MemReservation{Address: 0x8000_0000, Size: 0x1000}) {
		t.Fatalf("Reservations()[0] = %+v, want {0x80000000 0x1000}", got[0])
	}
	if got[1] != (MemReservation{Address: 0x9000_0000, Size: 0x2000}) {
		t.Fatalf("Reservations()[1] = %+v, want {0x90000000 0x2000}", got[1])
	}
}

func TestReservationsEmptyWhenNoneGiven(t *testing.T) {
	tree := sampleTree(t)
	if got := tree.Reservations(); len(got) != 0 {
		t.Fatalf("Reservations() = %v, want empty", got)
	}
}

func TestPropertyAccessors(t *testing.T) {
	p := RawProperty([]byte{0, 0, 0, 42})
	v, ok := p.AsU32()
	if !ok || v != 42 {
		t.Fatalf("AsU32 = %d, %v, want 42, true", v, ok)
	}

	s := RawProperty(append([]byte("hello"), 0))
	str, ok := s.AsString()
	if !ok || str != "hello" {
		t.Fatalf("AsString = %q, %v, want hello, true", str, ok)
	}

	list := RawProperty(append(append([]byte("a\x00b"), 0)))
	names, ok := list.AsStringList()
	if !ok || len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("AsStringList = %v, %v, want [a b], true", names, ok)
	}
}
