package fdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tinyrange/rvkernel/internal/addr"
)

// Errors returned while parsing or querying a Tree.
var (
	ErrBadMagic       = errors.New("fdt: bad magic number")
	ErrTruncated      = errors.New("fdt: blob shorter than its own header claims")
	ErrUnsupportedVer = errors.New("fdt: version older than 17 unsupported")
	ErrMalformed      = errors.New("fdt: malformed structure block")
)

const (
	readMagic   = 0xD00DFEED
	minVersion  = 17
	tokBegin    = 0x1
	tokEnd      = 0x2
	tokProp     = 0x3
	tokNop      = 0x4
	tokTerm     = 0x9
)

// Tree is a parsed, read-only view over an FDT blob. The kernel never
// writes to the blob; every accessor here is fallible rather than
// panicking on malformed input.
type Tree struct {
	root         RawNode
	reservations []MemReservation
}

// RawProperty is the undecoded byte payload of a device-tree property;
// callers choose how to interpret it.
type RawProperty []byte

// AsU32 interprets the property as a single big-endian 32-bit integer.
func (p RawProperty) AsU32() (uint32, bool) {
	if len(p) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(p), true
}

// AsU64 interprets the property as a single big-endian 64-bit integer.
func (p RawProperty) AsU64() (uint64, bool) {
	if len(p) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(p), true
}

// AsString interprets the property as a single NUL-terminated string.
func (p RawProperty) AsString() (string, bool) {
	if len(p) == 0 || p[len(p)-1] != 0 {
		return "", false
	}
	return string(p[:len(p)-1]), true
}

// AsStringList interprets the property as a list of NUL-terminated
// strings packed back to back.
func (p RawProperty) AsStringList() ([]string, bool) {
	if len(p) == 0 || p[len(p)-1] != 0 {
		return nil, false
	}
	var out []string
	start := 0
	for i, b := range p {
		if b == 0 {
			out = append(out, string(p[start:i]))
			start = i + 1
		}
	}
	return out, true
}

// AsBytes returns the raw property payload unchanged.
func (p RawProperty) AsBytes() []byte { return []byte(p) }

// RawNode is a node in the parsed device tree, with numeric level (0 at
// the root) and its direct children one level deeper.
type RawNode struct {
	Name       string
	Level      int
	Properties map[string]RawProperty
	Children   []RawNode
}

// Property looks up a property by name on this node only.
func (n RawNode) Property(name string) (RawProperty, bool) {
	p, ok := n.Properties[name]
	return p, ok
}

// New validates the blob's header and parses its structure block into a
// Tree. The blob is never mutated and must outlive the returned Tree.
func New(blob []byte) (*Tree, error) {
	if len(blob) < 40 {
		return nil, ErrTruncated
	}
	magic := binary.BigEndian.Uint32(blob[0:4])
	if magic != readMagic {
		return nil, ErrBadMagic
	}
	totalSize := binary.BigEndian.Uint32(blob[4:8])
	if uint64(totalSize) > uint64(len(blob)) {
		return nil, ErrTruncated
	}
	offStruct := binary.BigEndian.Uint32(blob[8:12])
	offStrings := binary.BigEndian.Uint32(blob[12:16])
	offMemRsvMap := binary.BigEndian.Uint32(blob[16:20])
	version := binary.BigEndian.Uint32(blob[20:24])
	sizeStrings := binary.BigEndian.Uint32(blob[32:36])
	sizeStruct := binary.BigEndian.Uint32(blob[36:40])

	if version < minVersion {
		return nil, ErrUnsupportedVer
	}
	if uint64(offStruct)+uint64(sizeStruct) > uint64(totalSize) {
		return nil, ErrTruncated
	}
	if uint64(offStrings)+uint64(sizeStrings) > uint64(totalSize) {
		return nil, ErrTruncated
	}

	reservations, err := parseMemRsvMap(blob[:totalSize], offMemRsvMap)
	if err != nil {
		return nil, err
	}

	structBlock := blob[offStruct : offStruct+sizeStruct]
	stringsBlock := blob[offStrings : offStrings+sizeStrings]

	p := &tokenParser{struc: structBlock, strings: stringsBlock}
	root, err := p.parseNode(0)
	if err != nil {
		return nil, err
	}
	return &Tree{root: root, reservations: reservations}, nil
}

// parseMemRsvMap reads the memory reservation block starting at off: a
// sequence of 16-byte (address, size) entries terminated by a {0, 0}
// entry, per the FDT spec.
func parseMemRsvMap(blob []byte, off uint32) ([]MemReservation, error) {
	var out []MemReservation
	pos := int(off)
	for {
		if pos+16 > len(blob) {
			return nil, ErrTruncated
		}
		address := binary.BigEndian.Uint64(blob[pos : pos+8])
		size := binary.BigEndian.Uint64(blob[pos+8 : pos+16])
		pos += 16
		if address == 0 && size == 0 {
			return out, nil
		}
		out = append(out, MemReservation{Address: address, Size: size})
	}
}

// Reservations returns the blob's memory reservation block entries:
// physical ranges firmware has already claimed, reported separately
// from /memory.
func (t *Tree) Reservations() []MemReservation { return t.reservations }

// Root returns the root node of the tree.
func (t *Tree) Root() RawNode { return t.root }

// Dump renders the tree as an indented, dts-like text listing, for use
// in test failure messages and manual inspection; it is not part of
// the blob format and carries no parsing guarantees.
func (t *Tree) Dump() string {
	var b strings.Builder
	dumpNode(&b, t.root)
	return b.String()
}

func dumpNode(b *strings.Builder, n RawNode) {
	indent := strings.Repeat("\t", n.Level)
	name := n.Name
	if name == "" {
		name = "/"
	}
	fmt.Fprintf(b, "%s%s {\n", indent, name)

	propNames := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		propNames = append(propNames, name)
	}
	sort.Strings(propNames)
	for _, name := range propNames {
		fmt.Fprintf(b, "%s\t%s = %s;\n", indent, name, dumpProperty(n.Properties[name]))
	}

	for _, child := range n.Children {
		dumpNode(b, child)
	}
	fmt.Fprintf(b, "%s};\n", indent)
}

func dumpProperty(p RawProperty) string {
	if names, ok := p.AsStringList(); ok {
		quoted := make([]string, len(names))
		for i, s := range names {
			quoted[i] = fmt.Sprintf("%q", s)
		}
		return strings.Join(quoted, ", ")
	}
	if len(p)%4 == 0 && len(p) > 0 {
		cells := make([]string, len(p)/4)
		for i := range cells {
			cells[i] = fmt.Sprintf("%#x", binary.BigEndian.Uint32(p[i*4:]))
		}
		return "<" + strings.Join(cells, " ") + ">"
	}
	return fmt.Sprintf("%#x", []byte(p))
}

type tokenParser struct {
	struc   []byte
	strings []byte
	pos     int
}

func (p *tokenParser) readU32() (uint32, error) {
	if p.pos+4 > len(p.struc) {
		return 0, ErrMalformed
	}
	v := binary.BigEndian.Uint32(p.struc[p.pos:])
	p.pos += 4
	return v, nil
}

func (p *tokenParser) readCString() (string, error) {
	start := p.pos
	for p.pos < len(p.struc) && p.struc[p.pos] != 0 {
		p.pos++
	}
	if p.pos >= len(p.struc) {
		return "", ErrMalformed
	}
	s := string(p.struc[start:p.pos])
	p.pos++ // skip NUL
	p.pad()
	return s, nil
}

func (p *tokenParser) pad() {
	for p.pos%4 != 0 {
		p.pos++
	}
}

func (p *tokenParser) nameAt(offset uint32) (string, error) {
	if int(offset) > len(p.strings) {
		return "", ErrMalformed
	}
	rest := p.strings[offset:]
	nul := strings.IndexByte(string(rest), 0)
	if nul < 0 {
		return "", ErrMalformed
	}
	return string(rest[:nul]), nil
}

// parseNode consumes tokens starting just before a BEGIN_NODE token
// (skipping leading NOPs) and returns the parsed node.
func (p *tokenParser) parseNode(level int) (RawNode, error) {
	for {
		tok, err := p.readU32()
		if err != nil {
			return RawNode{}, err
		}
		switch tok {
		case tokNop:
			continue
		case tokBegin:
			name, err := p.readCString()
			if err != nil {
				return RawNode{}, err
			}
			return p.parseNodeBody(name, level)
		default:
			return RawNode{}, fmt.Errorf("%w: expected BEGIN_NODE, got token %#x", ErrMalformed, tok)
		}
	}
}

func (p *tokenParser) parseNodeBody(name string, level int) (RawNode, error) {
	n := RawNode{Name: name, Level: level, Properties: map[string]RawProperty{}}
	for {
		tok, err := p.readU32()
		if err != nil {
			return RawNode{}, err
		}
		switch tok {
		case tokNop:
			continue
		case tokProp:
			length, err := p.readU32()
			if err != nil {
				return RawNode{}, err
			}
			nameOff, err := p.readU32()
			if err != nil {
				return RawNode{}, err
			}
			if p.pos+int(length) > len(p.struc) {
				return RawNode{}, ErrMalformed
			}
			data := p.struc[p.pos : p.pos+int(length)]
			p.pos += int(length)
			p.pad()
			propName, err := p.nameAt(nameOff)
			if err != nil {
				return RawNode{}, err
			}
			n.Properties[propName] = RawProperty(data)
		case tokBegin:
			childName, err := p.readCString()
			if err != nil {
				return RawNode{}, err
			}
			child, err := p.parseNodeBody(childName, level+1)
			if err != nil {
				return RawNode{}, err
			}
			n.Children = append(n.Children, child)
		case tokEnd:
			return n, nil
		case tokTerm:
			return RawNode{}, fmt.Errorf("%w: unexpected END token inside node %q", ErrMalformed, name)
		default:
			return RawNode{}, fmt.Errorf("%w: unknown token %#x", ErrMalformed, tok)
		}
	}
}

// splitUnitAddress splits a path segment into its name and optional
// unit-address suffix (the part after '@').
func splitUnitAddress(segment string) (name string, unit string, hasUnit bool) {
	if i := strings.IndexByte(segment, '@'); i >= 0 {
		return segment[:i], segment[i+1:], true
	}
	return segment, "", false
}

func segmentMatches(segment string, childName string) bool {
	wantName, wantUnit, wantHasUnit := splitUnitAddress(segment)
	gotName, gotUnit, gotHasUnit := splitUnitAddress(childName)
	if wantName != gotName {
		return false
	}
	if wantHasUnit && gotHasUnit {
		return wantUnit == gotUnit
	}
	// Unit address equal-or-absent on either side is accepted.
	return true
}

// FindNodes returns every node matching the '/'-separated path, where
// each segment matches a child name (split on '@' for unit addresses).
func (t *Tree) FindNodes(path string) []RawNode {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 1 && segments[0] == "" {
		return []RawNode{t.root}
	}
	current := []RawNode{t.root}
	for _, seg := range segments {
		var next []RawNode
		for _, node := range current {
			for _, child := range node.Children {
				if segmentMatches(seg, child.Name) {
					next = append(next, child)
				}
			}
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

// FindNode returns the first node matching path, if any.
func (t *Tree) FindNode(path string) (RawNode, bool) {
	nodes := t.FindNodes(path)
	if len(nodes) == 0 {
		return RawNode{}, false
	}
	return nodes[0], true
}

// MemoryRegion is one entry of a /memory node's reg property.
type MemoryRegion struct {
	Start addr.PhysAddr
	Size  uint64
}

func (t *Tree) cellCounts() (addressCells, sizeCells int, err error) {
	addressCells, sizeCells = 2, 1
	if p, ok := t.root.Property("#address-cells"); ok {
		v, ok := p.AsU32()
		if !ok {
			return 0, 0, ErrMalformed
		}
		addressCells = int(v)
	}
	if p, ok := t.root.Property("#size-cells"); ok {
		v, ok := p.AsU32()
		if !ok {
			return 0, 0, ErrMalformed
		}
		sizeCells = int(v)
	}
	if addressCells != 1 && addressCells != 2 {
		return 0, 0, fmt.Errorf("%w: #address-cells = %d", ErrMalformed, addressCells)
	}
	if sizeCells != 1 && sizeCells != 2 {
		return 0, 0, fmt.Errorf("%w: #size-cells = %d", ErrMalformed, sizeCells)
	}
	return addressCells, sizeCells, nil
}

// MemoryRegions decodes the /memory node's reg property into a list of
// regions, using #address-cells/#size-cells from the root node.
func (t *Tree) MemoryRegions() ([]MemoryRegion, error) {
	node, ok := t.FindNode("/memory")
	if !ok {
		return nil, nil
	}
	reg, ok := node.Property("reg")
	if !ok {
		return nil, fmt.Errorf("%w: /memory has no reg property", ErrMalformed)
	}
	addressCells, sizeCells, err := t.cellCounts()
	if err != nil {
		return nil, err
	}

	cellBytes := func(cells int) int { return cells * 4 }
	entrySize := cellBytes(addressCells) + cellBytes(sizeCells)
	data := reg.AsBytes()
	if len(data)%entrySize != 0 {
		return nil, fmt.Errorf("%w: reg length %d not a multiple of entry size %d", ErrMalformed, len(data), entrySize)
	}

	readCells := func(b []byte, cells int) uint64 {
		if cells == 1 {
			return uint64(binary.BigEndian.Uint32(b))
		}
		return binary.BigEndian.Uint64(b)
	}

	var regions []MemoryRegion
	for off := 0; off < len(data); off += entrySize {
		start := readCells(data[off:], addressCells)
		size := readCells(data[off+cellBytes(addressCells):], sizeCells)
		regions = append(regions, MemoryRegion{Start: addr.PhysAddr(start), Size: size})
	}
	return regions, nil
}

// ConsoleMMIOBase resolves /chosen/stdout-path to a node, checks it is a
// 16550-family UART via its compatible property, and returns the base
// address of its reg region. A node with no compatible property is
// accepted without that check.
func (t *Tree) ConsoleMMIOBase() (addr.PhysAddr, bool, error) {
	chosen, ok := t.FindNode("/chosen")
	if !ok {
		return 0, false, nil
	}
	stdoutPath, ok := chosen.Property("stdout-path")
	if !ok {
		return 0, false, nil
	}
	pathStr, ok := stdoutPath.AsString()
	if !ok {
		return 0, false, fmt.Errorf("%w: stdout-path is not a string", ErrMalformed)
	}
	// stdout-path may carry trailing UART options after a ':'.
	pathStr, _, _ = strings.Cut(pathStr, ":")

	node, ok := t.FindNode(pathStr)
	if !ok {
		return 0, false, nil
	}

	compatible, ok := node.Property("compatible")
	if ok {
		names, _ := compatible.AsStringList()
		found := false
		for _, name := range names {
			if strings.Contains(name, "16550") {
				found = true
				break
			}
		}
		if !found {
			return 0, false, nil
		}
	}

	addressCells, _, err := t.cellCounts()
	if err != nil {
		return 0, false, err
	}
	reg, ok := node.Property("reg")
	if !ok {
		return 0, false, nil
	}
	data := reg.AsBytes()
	if addressCells == 1 {
		if len(data) < 4 {
			return 0, false, ErrMalformed
		}
		return addr.PhysAddr(binary.BigEndian.Uint32(data)), true, nil
	}
	if len(data) < 8 {
		return 0, false, ErrMalformed
	}
	return addr.PhysAddr(binary.BigEndian.Uint64(data)), true, nil
}
