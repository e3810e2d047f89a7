package ptable

import (
	"testing"
	"unsafe"

	"github.com/os-module/page-table/addr"
	"github.com/os-module/page-table/alloc"
	"github.com/os-module/page-table/internal/memarena"
	"github.com/os-module/page-table/pferr"
	"github.com/os-module/page-table/pte"
)

// newTestTable sets up a PageTable64 over a small mmap arena (for the
// table frames the walker actually dereferences) backed by a bitmap
// allocator large enough to also satisfy a 1 GiB contiguous allocation
// (leaf PPNs returned for huge pages are never dereferenced by the walker
// itself, only stored in PTEs, so they need no real backing memory).
func newTestTable(t *testing.T, meta Metadata) (*PageTable64, *alloc.BitmapAllocator, func()) {
	t.Helper()
	arena, err := memarena.New(64)
	if err != nil {
		t.Fatalf("memarena.New: %v", err)
	}
	win := alloc.IdentityWindow{Base: uintptr(unsafe.Pointer(&arena.Bytes()[0]))}
	a := alloc.NewBitmapAllocator(0, 1<<20)

	pt, perr := TryNew(meta, a, win)
	if perr != nil {
		t.Fatalf("TryNew: %v", perr)
	}
	return pt, a, func() { _ = arena.Close() }
}

func TestMapAndQuery4K(t *testing.T) {
	pt, _, cleanup := newTestTable(t, Sv39())
	defer cleanup()

	vaddr := addr.VirtAddr(0x1000)
	paddr := addr.PhysAddr(0x2000)
	flags := pte.V | pte.R | pte.W

	if err := pt.Map(vaddr, paddr, Size4K, flags); err != nil {
		t.Fatalf("Map: %v", err)
	}

	gotPaddr, gotFlags, gotSize, err := pt.Query(vaddr + 0x10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if gotPaddr != paddr+0x10 {
		t.Fatalf("paddr = %#x, want %#x", gotPaddr, paddr+0x10)
	}
	if gotFlags != flags {
		t.Fatalf("flags = %v, want %v", gotFlags, flags)
	}
	if gotSize != Size4K {
		t.Fatalf("size = %v, want Size4K", gotSize)
	}
}

func TestMapAlreadyMapped(t *testing.T) {
	pt, _, cleanup := newTestTable(t, Sv39())
	defer cleanup()

	v := addr.VirtAddr(0x3000)
	if err := pt.Map(v, 0x4000, Size4K, pte.V|pte.R); err != nil {
		t.Fatalf("first Map: %v", err)
	}
	err := pt.Map(v, 0x5000, Size4K, pte.V|pte.R)
	if err == nil || err.Kind != pferr.AlreadyMapped {
		t.Fatalf("second Map = %v, want AlreadyMapped", err)
	}
}

func TestQueryNotMapped(t *testing.T) {
	pt, _, cleanup := newTestTable(t, Sv39())
	defer cleanup()

	_, _, _, err := pt.Query(0x9000)
	if err == nil || err.Kind != pferr.NotMapped {
		t.Fatalf("Query on unmapped vaddr = %v, want NotMapped", err)
	}
}

func TestHugePageMapAndQuery(t *testing.T) {
	pt, _, cleanup := newTestTable(t, Sv39())
	defer cleanup()

	vaddr := addr.VirtAddr(0x4000_0000) // 1 GiB aligned
	paddr := addr.PhysAddr(0x8000_0000)
	flags := pte.V | pte.R | pte.W | pte.X

	if err := pt.Map(vaddr, paddr, Size1G, flags); err != nil {
		t.Fatalf("Map 1GiB: %v", err)
	}

	gotPaddr, gotFlags, gotSize, err := pt.Query(vaddr + 0xABC)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if gotSize != Size1G {
		t.Fatalf("size = %v, want Size1G", gotSize)
	}
	if gotPaddr != paddr+0xABC {
		t.Fatalf("paddr = %#x, want %#x", gotPaddr, paddr+0xABC)
	}
	if gotFlags != flags {
		t.Fatalf("flags = %v, want %v", gotFlags, flags)
	}
}

func TestMapIntoExistingHugePageFails(t *testing.T) {
	pt, _, cleanup := newTestTable(t, Sv39())
	defer cleanup()

	if err := pt.Map(0x4000_0000, 0x8000_0000, Size1G, pte.V|pte.R|pte.W); err != nil {
		t.Fatalf("Map 1GiB: %v", err)
	}

	// A 4 KiB mapping inside the already-huge-mapped 1 GiB window must be
	// blocked: the walk needs to descend through the slot that is already
	// a huge leaf.
	err := pt.Map(0x4000_1000, 0x9000_0000, Size4K, pte.V|pte.R)
	if err == nil || err.Kind != pferr.MappedToHugePage {
		t.Fatalf("Map inside huge page = %v, want MappedToHugePage", err)
	}
}

func TestLazyMapNoTargetThenValidate(t *testing.T) {
	pt, a, cleanup := newTestTable(t, Sv39())
	defer cleanup()

	v := addr.VirtAddr(0x6000)
	if _, err := pt.MapNoTarget(v, Size4K, pte.V|pte.R|pte.W, true); err != nil {
		t.Fatalf("MapNoTarget(lazy): %v", err)
	}

	_, flags, _, err := pt.Query(v)
	if err != nil {
		t.Fatalf("Query before Validate: %v", err)
	}
	if flags&pte.V != 0 {
		t.Fatalf("lazy leaf should not be valid yet, flags=%v", flags)
	}

	free := a.FreeCount()
	if err := pt.Validate(v, pte.V|pte.R|pte.W); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if a.FreeCount() != free-1 {
		t.Fatalf("Validate should have allocated exactly one frame")
	}

	paddr, flags, size, err := pt.Query(v)
	if err != nil {
		t.Fatalf("Query after Validate: %v", err)
	}
	if flags&pte.V == 0 {
		t.Fatalf("leaf should be valid after Validate")
	}
	if size != Size4K {
		t.Fatalf("size = %v, want Size4K", size)
	}
	if paddr == 0 {
		t.Fatalf("expected a non-zero backing address after Validate")
	}

	if err := pt.Validate(v, pte.V|pte.R); err == nil || err.Kind != pferr.AlreadyValid {
		t.Fatalf("second Validate = %v, want AlreadyValid", err)
	}
}

func TestValidateNotMapped(t *testing.T) {
	pt, _, cleanup := newTestTable(t, Sv39())
	defer cleanup()

	if err := pt.Validate(0x7000, pte.V|pte.R); err == nil || err.Kind != pferr.NotMapped {
		t.Fatalf("Validate on unmapped vaddr = %v, want NotMapped", err)
	}
}

func TestUnmapReturnsLibraryOwnedFrame(t *testing.T) {
	pt, a, cleanup := newTestTable(t, Sv39())
	defer cleanup()

	v := addr.VirtAddr(0x8000)
	free0 := a.FreeCount()
	if _, err := pt.MapNoTarget(v, Size4K, pte.V|pte.R|pte.W, false); err != nil {
		t.Fatalf("MapNoTarget: %v", err)
	}
	// On a fresh table the walk also allocates the two intermediate tables
	// below the root; they stay in place after Unmap, until Release.
	if a.FreeCount() != free0-3 {
		t.Fatalf("expected two intermediate tables and one leaf frame consumed by MapNoTarget")
	}

	if _, _, err := pt.Unmap(v); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if a.FreeCount() != free0-2 {
		t.Fatalf("library-owned frame should be returned on Unmap")
	}

	if _, _, _, err := pt.Query(v); err == nil || err.Kind != pferr.NotMapped {
		t.Fatalf("Query after Unmap = %v, want NotMapped", err)
	}
}

func TestUnmapLeavesCallerOwnedFrame(t *testing.T) {
	pt, a, cleanup := newTestTable(t, Sv39())
	defer cleanup()

	v := addr.VirtAddr(0xA000)
	paddr := addr.PhysAddr(0xB000)

	if err := pt.Map(v, paddr, Size4K, pte.V|pte.R); err != nil {
		t.Fatalf("Map: %v", err)
	}
	free0 := a.FreeCount()
	paddrOut, _, err := pt.Unmap(v)
	if err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if paddrOut != paddr {
		t.Fatalf("paddr = %#x, want %#x", paddrOut, paddr)
	}
	if a.FreeCount() != free0 {
		t.Fatalf("caller-owned frame must not be touched by Unmap")
	}
}

func TestModifyFlagsWithoutRealloc(t *testing.T) {
	pt, a, cleanup := newTestTable(t, Sv39())
	defer cleanup()

	v := addr.VirtAddr(0xC000)
	if err := pt.Map(v, 0xD000, Size4K, pte.V|pte.R); err != nil {
		t.Fatalf("Map: %v", err)
	}
	free0 := a.FreeCount()

	newAddr, err := pt.ModifyFlags(v, pte.V|pte.R|pte.W, false)
	if err != nil {
		t.Fatalf("ModifyFlags: %v", err)
	}
	if newAddr != nil {
		t.Fatalf("ModifyFlags(realloc=false) should return a nil address")
	}
	if a.FreeCount() != free0 {
		t.Fatalf("ModifyFlags(realloc=false) should not touch the allocator")
	}

	paddr, flags, _, err := pt.Query(v)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if paddr != 0xD000 {
		t.Fatalf("paddr changed to %#x, want unchanged 0xD000", paddr)
	}
	if flags&pte.W == 0 {
		t.Fatalf("flags not updated: %v", flags)
	}
}

func TestModifyFlagsWithRealloc(t *testing.T) {
	pt, a, cleanup := newTestTable(t, Sv39())
	defer cleanup()

	v := addr.VirtAddr(0xE000)
	if _, err := pt.MapNoTarget(v, Size4K, pte.V|pte.R, false); err != nil {
		t.Fatalf("MapNoTarget: %v", err)
	}
	oldPaddr, _, _, err := pt.Query(v)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	free0 := a.FreeCount()

	newAddr, err := pt.ModifyFlags(v, pte.V|pte.R|pte.W, true)
	if err != nil {
		t.Fatalf("ModifyFlags(realloc=true): %v", err)
	}
	if newAddr == nil {
		t.Fatalf("expected a non-nil new address")
	}
	if *newAddr == oldPaddr {
		t.Fatalf("expected a freshly allocated frame, got the same address back")
	}
	// The old frame is intentionally left to the caller to retire; the
	// allocator's free count only reflects the new allocation.
	if a.FreeCount() != free0-1 {
		t.Fatalf("expected exactly one new frame consumed by realloc")
	}
}

func TestReleaseIsIdempotentAndFreesFrames(t *testing.T) {
	pt, a, cleanup := newTestTable(t, Sv39())
	defer cleanup()

	if _, err := pt.MapNoTarget(0x1_0000, Size4K, pte.V|pte.R, false); err != nil {
		t.Fatalf("MapNoTarget: %v", err)
	}
	if _, err := pt.MapNoTarget(0x20_0000, Size4K, pte.V|pte.R, false); err != nil {
		t.Fatalf("MapNoTarget: %v", err)
	}

	total := a.FreeCount()
	pt.Release()
	afterFirst := a.FreeCount()
	if afterFirst <= total {
		t.Fatalf("Release should have freed frames, free count %d -> %d", total, afterFirst)
	}

	pt.Release() // must be a no-op
	if a.FreeCount() != afterFirst {
		t.Fatalf("second Release changed free count: %d -> %d", afterFirst, a.FreeCount())
	}
}

func TestWalkVisitsInstalledLeaves(t *testing.T) {
	pt, _, cleanup := newTestTable(t, Sv39())
	defer cleanup()

	want := map[addr.VirtAddr]bool{
		0x1000: true,
		0x2000: true,
		0x4000_0000: true,
	}
	if err := pt.Map(0x1000, 0x100000, Size4K, pte.V|pte.R); err != nil {
		t.Fatal(err)
	}
	if err := pt.Map(0x2000, 0x101000, Size4K, pte.V|pte.R); err != nil {
		t.Fatal(err)
	}
	if err := pt.Map(0x4000_0000, 0x8000_0000, Size1G, pte.V|pte.R); err != nil {
		t.Fatal(err)
	}

	got := map[addr.VirtAddr]bool{}
	pt.Walk(0, func(level int, index int, vaddr addr.VirtAddr, e pte.Entry) {
		if e.IsHuge() || level == 2 {
			got[vaddr] = true
		}
	})

	for v := range want {
		if !got[v] {
			t.Fatalf("Walk did not visit leaf at %#x", v)
		}
	}
}
