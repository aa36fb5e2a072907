package buddy

import (
	"errors"
	"testing"

	"github.com/tinyrange/rvkernel/internal/addr"
	"github.com/tinyrange/rvkernel/internal/physmem"
)

func newTestAllocator(t *testing.T, size uint64) (*Allocator, addr.PhysAddr) {
	t.Helper()
	base := addr.PhysAddr(0x8800_0000)
	mem := physmem.New(base, size)
	return New(mem), base
}

// B1: alloc_pages(0) is an error.
func TestAllocPagesZero(t *testing.T) {
	a, _ := newTestAllocator(t, 1<<20)
	if _, err := a.AllocPages(0); !errors.Is(err, ErrAllocateZeroPages) {
		t.Fatalf("AllocPages(0) = %v, want ErrAllocateZeroPages", err)
	}
}

// B2: add_region(p, p+PAGE_SIZE-1) is too small.
func TestAddRegionTooSmall(t *testing.T) {
	a, base := newTestAllocator(t, 1<<20)
	_, err := a.AddRegion(base, base.Offset(PageSize-1))
	if !errors.Is(err, ErrRegionTooSmall) {
		t.Fatalf("AddRegion(one page) = %v, want ErrRegionTooSmall", err)
	}
}

func TestAddRegionInvalid(t *testing.T) {
	a, base := newTestAllocator(t, 1<<20)
	_, err := a.AddRegion(base.Offset(100), base)
	if !errors.Is(err, ErrInvalidRegion) {
		t.Fatalf("AddRegion(end<start) = %v, want ErrInvalidRegion", err)
	}
}

func TestOrderTooLarge(t *testing.T) {
	a, _ := newTestAllocator(t, 1<<20)
	if _, err := a.Allocate(MaxOrder + 1); !errors.Is(err, ErrOrderTooLarge) {
		t.Fatalf("Allocate(MaxOrder+1) = %v, want ErrOrderTooLarge", err)
	}
}

// S3/S4: add one 16 MiB region, allocate every page, then free them all
// in arbitrary order.
func TestAllocateAllPagesThenFreeAll(t *testing.T) {
	const regionSize = 16 << 20
	a, base := newTestAllocator(t, regionSize)

	total, err := a.AddRegion(base, base.Offset(regionSize-1))
	if err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if total != regionSize {
		t.Fatalf("AddRegion enrolled %d bytes, want %d", total, regionSize)
	}

	const pageCount = regionSize / PageSize
	blocks := make([]Block, 0, pageCount)
	seen := map[addr.PhysAddr]bool{}
	for i := 0; i < pageCount; i++ {
		b, err := a.Allocate(0)
		if err != nil {
			t.Fatalf("Allocate(0) #%d: %v", i, err)
		}
		if !addr.PageSize.Aligned(b.Addr.Uint64()) {
			t.Fatalf("block %s not page-aligned", b.Addr)
		}
		if seen[b.Addr] {
			t.Fatalf("block %s allocated twice", b.Addr)
		}
		seen[b.Addr] = true
		blocks = append(blocks, b)
	}

	stats := a.Stats()
	if stats.Free != 0 {
		t.Fatalf("after allocating everything, free = %d, want 0", stats.Free)
	}
	if stats.Allocated != regionSize {
		t.Fatalf("allocated = %d, want %d", stats.Allocated, regionSize)
	}

	// Free in a scrambled (but deterministic) order.
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	for i := range blocks {
		if i%3 == 0 && i+1 < len(blocks) {
			blocks[i], blocks[i+1] = blocks[i+1], blocks[i]
		}
	}
	for _, b := range blocks {
		if err := a.Deallocate(b); err != nil {
			t.Fatalf("Deallocate(%s, order %d): %v", b.Addr, b.Order, err)
		}
	}

	stats = a.Stats()
	if stats.Free != stats.Total {
		t.Fatalf("after freeing everything, free=%d total=%d", stats.Free, stats.Total)
	}

	// The 16 MiB region was enrolled as a single order-12 block (16 MiB =
	// size_for_order(12) with MaxOrder=14); after every page merges back
	// together it should collapse into exactly that one block again.
	const mergedOrder = 12
	if a.orders[mergedOrder].Empty() {
		t.Fatalf("order %d free list empty after full merge", mergedOrder)
	}
	count := 0
	if err := a.orders[mergedOrder].Each(func(addr.PhysAddr) error { count++; return nil }); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if count != 1 {
		t.Fatalf("order %d free list has %d blocks, want 1", mergedOrder, count)
	}
}

// R2: alloc then dealloc of the same order leaves stats unchanged.
func TestAllocDeallocRoundTrip(t *testing.T) {
	a, base := newTestAllocator(t, 1<<20)
	if _, err := a.AddRegion(base, base.Offset((1<<20)-1)); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	before := a.Stats()

	b, err := a.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Deallocate(b); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}

	after := a.Stats()
	if after != before {
		t.Fatalf("stats after round trip = %+v, want %+v", after, before)
	}
}

// P3: free + allocated == total, for any allocation sequence.
func TestStatsInvariant(t *testing.T) {
	a, base := newTestAllocator(t, 4<<20)
	if _, err := a.AddRegion(base, base.Offset((4<<20)-1)); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	var live []Block
	orders := []int{0, 1, 0, 2, 0, 1, 3, 0}
	for _, order := range orders {
		b, err := a.Allocate(order)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", order, err)
		}
		live = append(live, b)

		stats := a.Stats()
		if stats.Free+stats.Allocated != stats.Total {
			t.Fatalf("invariant broken: free=%d allocated=%d total=%d", stats.Free, stats.Allocated, stats.Total)
		}
	}

	for _, b := range live {
		if err := a.Deallocate(b); err != nil {
			t.Fatalf("Deallocate: %v", err)
		}
		stats := a.Stats()
		if stats.Free+stats.Allocated != stats.Total {
			t.Fatalf("invariant broken after free: free=%d allocated=%d total=%d", stats.Free, stats.Allocated, stats.Total)
		}
	}
}

func TestAllocPagesRoundsUpToPowerOfTwo(t *testing.T) {
	a, base := newTestAllocator(t, 1<<20)
	if _, err := a.AddRegion(base, base.Offset((1<<20)-1)); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	b, err := a.AllocPages(3)
	if err != nil {
		t.Fatalf("AllocPages(3): %v", err)
	}
	if b.Order != 2 {
		t.Fatalf("AllocPages(3) order = %d, want 2 (4 pages)", b.Order)
	}
	if b.Len() != 4*PageSize {
		t.Fatalf("AllocPages(3) len = %d, want %d", b.Len(), 4*PageSize)
	}
}

func TestZAllocZeroesMemory(t *testing.T) {
	a, base := newTestAllocator(t, 1<<20)
	if _, err := a.AddRegion(base, base.Offset((1<<20)-1)); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}

	// Allocate, dirty it, free it, then zalloc and confirm it reads zero.
	b, err := a.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.mem.WriteByte(b.Addr, 0xFF); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	if err := a.Deallocate(b); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}

	z, err := a.ZAlloc()
	if err != nil {
		t.Fatalf("ZAlloc: %v", err)
	}
	slice, err := a.mem.Slice(z.Addr, z.Len())
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	for i, byteVal := range slice {
		if byteVal != 0 {
			t.Fatalf("byte %d of zalloc'd block = %#x, want 0", i, byteVal)
		}
	}
}
