package fdt

// Property describes a single device-tree property to serialize with
// Build. Exactly one of the typed fields should be populated for a
// given property; Build picks the wire encoding from whichever one is
// set, so callers building a synthetic tree describe values in Go
// types instead of packing property bytes themselves.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Kind returns the name of the populated field or an empty string if none are set.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// DefinedCount reports how many distinct fields on the property are populated.
func (p Property) DefinedCount() int {
	count := 0
	if len(p.Strings) > 0 {
		count++
	}
	if len(p.U32) > 0 {
		count++
	}
	if len(p.U64) > 0 {
		count++
	}
	if len(p.Bytes) > 0 {
		count++
	}
	if p.Flag {
		count++
	}
	return count
}

// Node describes one device-tree node to serialize with Build.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// MemReservation is one entry of the FDT's memory reservation block
// (off_mem_rsvmap): a physical range firmware has already claimed
// before handing off to the kernel, reported separately from the
// ranges listed under /memory so a boot sequence never enrolls it in
// the buddy allocator.
type MemReservation struct {
	Address uint64
	Size    uint64
}
