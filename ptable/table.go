// Package ptable implements the RISC-V Sv39/Sv48 page-table walker: a
// single page-table tree owned by one PageTable64, responsible for
// installing, promoting, modifying, querying and tearing down leaf
// mappings while keeping strict bookkeeping of which frames it owns.
package ptable

import (
	"unsafe"

	"github.com/os-module/page-table/addr"
	"github.com/os-module/page-table/alloc"
	"github.com/os-module/page-table/pte"

	"github.com/os-module/page-table/pferr"
)

const module = "ptable"

// PageTable64 is a single RISC-V radix page-table tree. It is not safe for
// concurrent use by multiple goroutines without external synchronization —
// callers sharing a PageTable64 across executors must serialize access
// themselves (spec §5). Of the collaborators it is built from, only the
// FrameAllocator is required to be safe for concurrent use.
type PageTable64 struct {
	meta  Metadata
	alloc alloc.FrameAllocator
	win   alloc.PhysWindow

	root          addr.PPN
	intermediates []addr.PPN

	// record tracks every currently installed leaf VPN and whether its
	// backing frame(s) are owned by this table (true) or by the caller
	// (false). Ownership determines whether Unmap/Release return the
	// frame to the allocator.
	record map[addr.VPN]bool

	released bool
}

// TryNew allocates and zeros a root table frame and returns a walker over
// it, using allocator for every future frame request and win to translate
// physical addresses of table frames into host-accessible pointers.
func TryNew(meta Metadata, allocator alloc.FrameAllocator, win alloc.PhysWindow) (*PageTable64, *pferr.Error) {
	root, ok := allocator.Alloc()
	if !ok {
		return nil, pferr.New(module, pferr.NoMemory, "no frame for root table")
	}
	pt := &PageTable64{
		meta:          meta,
		alloc:         allocator,
		win:           win,
		root:          root,
		intermediates: []addr.PPN{root},
		record:        make(map[addr.VPN]bool),
	}
	pt.zeroTable(root)
	return pt, nil
}

// Root returns the physical frame number of the root table, suitable for
// programming into satp by the caller.
func (pt *PageTable64) Root() addr.PPN { return pt.root }

// Metadata returns the scheme this walker was constructed with.
func (pt *PageTable64) Metadata() Metadata { return pt.meta }

func (pt *PageTable64) entryPtr(table addr.PPN, idx uint16) *pte.Entry {
	base := pt.win.PhysToVirt(table.Address())
	return (*pte.Entry)(unsafe.Pointer(uintptr(base) + uintptr(idx)*8))
}

func (pt *PageTable64) readEntry(table addr.PPN, idx uint16) pte.Entry {
	return *pt.entryPtr(table, idx)
}

func (pt *PageTable64) writeEntry(table addr.PPN, idx uint16, e pte.Entry) {
	*pt.entryPtr(table, idx) = e
}

func (pt *PageTable64) zeroTable(table addr.PPN) {
	base := pt.win.PhysToVirt(table.Address())
	buf := unsafe.Slice((*byte)(base), addr.PageSize)
	for i := range buf {
		buf[i] = 0
	}
}

func tableIndex(meta Metadata, v addr.VPN, depth int) uint16 {
	return v.Index(uint(meta.Levels - 1 - depth))
}

// walkCreate descends from the root toward targetDepth, allocating and
// linking in any missing intermediate table along the way, and returns the
// table holding the slot at targetDepth plus the index within it.
func (pt *PageTable64) walkCreate(v addr.VPN, targetDepth int) (addr.PPN, uint16, *pferr.Error) {
	cur := pt.root
	for d := 0; d < targetDepth; d++ {
		idx := tableIndex(pt.meta, v, d)
		e := pt.readEntry(cur, idx)
		switch {
		case e.IsUnused():
			child, ok := pt.alloc.Alloc()
			if !ok {
				return 0, 0, pferr.New(module, pferr.NoMemory, "no frame for intermediate table")
			}
			pt.zeroTable(child)
			pt.intermediates = append(pt.intermediates, child)
			pt.writeEntry(cur, idx, pte.NewTable(child))
			cur = child
		case e.IsHuge():
			return 0, 0, pferr.New(module, pferr.MappedToHugePage, "walk blocked by an existing huge leaf")
		default:
			cur = e.PPN()
		}
	}
	return cur, tableIndex(pt.meta, v, targetDepth), nil
}

// walkDiscover follows an existing mapping for v to whatever depth it was
// actually installed at, without creating anything. It never follows past
// a huge leaf or the final level, so the depth returned is always the
// depth of a genuine leaf entry.
func (pt *PageTable64) walkDiscover(v addr.VPN) (addr.PPN, uint16, int, *pferr.Error) {
	cur := pt.root
	for d := 0; d < pt.meta.Levels; d++ {
		idx := tableIndex(pt.meta, v, d)
		e := pt.readEntry(cur, idx)
		if e.IsUnused() {
			return 0, 0, 0, pferr.New(module, pferr.NotMapped, "")
		}
		if d == pt.meta.Levels-1 || e.IsHuge() {
			return cur, idx, d, nil
		}
		cur = e.PPN()
	}
	// Unreachable: the loop above always returns by d == Levels-1.
	return 0, 0, 0, pferr.New(module, pferr.NotMapped, "")
}

// Map installs a leaf mapping vaddr (rounded down to a page boundary of
// size) to paddr (also rounded down), with the caller-supplied flags used
// verbatim. The caller retains ownership of paddr's backing frame(s); Unmap
// and Release will not return them to the allocator.
func (pt *PageTable64) Map(vaddr addr.VirtAddr, paddr addr.PhysAddr, size PageSize, flags pte.Flag) *pferr.Error {
	v := addr.FloorVirt(vaddr)
	depth := leafDepth(pt.meta, size)

	table, idx, err := pt.walkCreate(v, depth)
	if err != nil {
		return err
	}
	if existing := pt.readEntry(table, idx); !existing.IsUnused() {
		return pferr.New(module, pferr.AlreadyMapped, "")
	}

	ppn := addr.FloorPhys(addr.AlignedDown(paddr, size.Bytes()))
	pt.writeEntry(table, idx, pte.NewLeaf(ppn, flags))
	pt.record[v] = false
	return nil
}

// MapNoTarget installs a leaf mapping for vaddr without a caller-supplied
// physical target. If lazy is true the leaf is installed without the valid
// bit and without a backing frame (paddr 0); a later Validate call must
// promote it before it is usable. If lazy is false, a fresh backing region
// is allocated immediately and its base returned. Either way the mapping is
// library-owned: Unmap and Release return its frame(s) to the allocator.
func (pt *PageTable64) MapNoTarget(vaddr addr.VirtAddr, size PageSize, flags pte.Flag, lazy bool) (addr.PhysAddr, *pferr.Error) {
	v := addr.FloorVirt(vaddr)
	depth := leafDepth(pt.meta, size)

	table, idx, err := pt.walkCreate(v, depth)
	if err != nil {
		return 0, err
	}
	if existing := pt.readEntry(table, idx); !existing.IsUnused() {
		return 0, pferr.New(module, pferr.AlreadyMapped, "")
	}

	if lazy {
		pt.writeEntry(table, idx, pte.NewLeaf(0, flags&^pte.V))
		pt.record[v] = true
		return 0, nil
	}

	pages := int(size.Bytes() / addr.PageSize)
	base, ok := pt.alloc.AllocContiguous(pages)
	if !ok {
		return 0, pferr.New(module, pferr.NoMemory, "")
	}
	pt.writeEntry(table, idx, pte.NewLeaf(addr.FloorPhys(base), flags))
	pt.record[v] = true
	return base, nil
}

// Validate promotes a lazily-mapped leaf (installed via MapNoTarget with
// lazy=true) to valid, allocating its backing frame(s) now and installing
// flags, with V added, on the newly-valid entry.
func (pt *PageTable64) Validate(vaddr addr.VirtAddr, flags pte.Flag) *pferr.Error {
	v := addr.FloorVirt(vaddr)
	if _, tracked := pt.record[v]; !tracked {
		return pferr.New(module, pferr.NotMapped, "")
	}

	table, idx, depth, err := pt.walkDiscover(v)
	if err != nil {
		return err
	}
	existing := pt.readEntry(table, idx)
	if existing.IsValid() {
		return pferr.New(module, pferr.AlreadyValid, "")
	}

	size := depthToSize(pt.meta, depth)
	pages := int(size.Bytes() / addr.PageSize)
	base, ok := pt.alloc.AllocContiguous(pages)
	if !ok {
		return pferr.New(module, pferr.NoMemory, "")
	}
	pt.writeEntry(table, idx, pte.NewLeaf(addr.FloorPhys(base), flags|pte.V))
	return nil
}

// ModifyFlags updates the flags of an existing leaf mapping. When realloc
// is false, only the flag byte changes and the existing backing frame is
// kept; ModifyFlags returns a nil address in that case. When realloc is
// true, a fresh backing region of the same size is allocated and installed
// with the new flags, and its base is returned.
//
// When realloc is true the previously-installed frame is NOT returned to
// the allocator by this call — the source this walker is modeled on leaves
// that retirement to the caller rather than performing it here, and this
// implementation preserves that contract rather than silently changing it.
// A caller that does not separately free the old frame will leak it.
func (pt *PageTable64) ModifyFlags(vaddr addr.VirtAddr, flags pte.Flag, realloc bool) (*addr.PhysAddr, *pferr.Error) {
	v := addr.FloorVirt(vaddr)
	table, idx, depth, err := pt.walkDiscover(v)
	if err != nil {
		return nil, err
	}
	existing := pt.readEntry(table, idx)
	if existing.IsUnused() {
		return nil, pferr.New(module, pferr.NotMapped, "")
	}

	if !realloc {
		pt.writeEntry(table, idx, pte.NewLeaf(existing.PPN(), flags))
		return nil, nil
	}

	size := depthToSize(pt.meta, depth)
	pages := int(size.Bytes() / addr.PageSize)
	base, ok := pt.alloc.AllocContiguous(pages)
	if !ok {
		return nil, pferr.New(module, pferr.NoMemory, "")
	}
	pt.writeEntry(table, idx, pte.NewLeaf(addr.FloorPhys(base), flags))
	return &base, nil
}

// Unmap removes whatever leaf mapping covers vaddr, at whatever granularity
// it was installed, and returns its physical base and page size. If the
// mapping was library-owned (installed via MapNoTarget, or promoted via
// Validate), its backing frame(s) are returned to the allocator; a
// caller-owned mapping (installed via Map) is left for the caller to
// manage.
func (pt *PageTable64) Unmap(vaddr addr.VirtAddr) (addr.PhysAddr, PageSize, *pferr.Error) {
	v := addr.FloorVirt(vaddr)
	table, idx, depth, err := pt.walkDiscover(v)
	if err != nil {
		return 0, 0, err
	}

	existing := pt.readEntry(table, idx)
	size := depthToSize(pt.meta, depth)
	paddr := existing.PhysAddr()

	if owned := pt.record[v]; owned && existing.IsValid() {
		base := existing.PPN()
		pages := int(size.Bytes() / addr.PageSize)
		for i := 0; i < pages; i++ {
			pt.alloc.Dealloc(base.Add(uint64(i)))
		}
	}

	pt.writeEntry(table, idx, pte.Entry(0))
	delete(pt.record, v)
	return paddr, size, nil
}

// Query reports the physical address, flags and page size backing vaddr,
// without modifying anything. The returned physical address includes
// vaddr's in-page offset.
func (pt *PageTable64) Query(vaddr addr.VirtAddr) (addr.PhysAddr, pte.Flag, PageSize, *pferr.Error) {
	v := addr.FloorVirt(vaddr)
	table, idx, depth, err := pt.walkDiscover(v)
	if err != nil {
		return 0, 0, 0, err
	}
	e := pt.readEntry(table, idx)
	size := depthToSize(pt.meta, depth)
	offset := uint64(vaddr) & (size.Bytes() - 1)
	paddr := addr.PhysAddr(uint64(e.PhysAddr()) | offset)
	return paddr, e.Flags(), size, nil
}

// Walk invokes f for every present entry in the table, in pre-order
// (a table's own entry, if any, before its children), stopping the
// enumeration of any single table's 512 slots after limit present entries
// have been visited in it (limit <= 0 means unlimited). level is 0 at the
// root and increases with depth.
func (pt *PageTable64) Walk(limit int, f func(level int, index int, vaddr addr.VirtAddr, e pte.Entry)) {
	pt.walkTable(pt.root, 0, 0, limit, f)
}

func (pt *PageTable64) walkTable(table addr.PPN, depth int, prefix addr.VPN, limit int, f func(int, int, addr.VirtAddr, pte.Entry)) {
	visited := 0
	for i := 0; i < addr.EntriesPerTable; i++ {
		if limit > 0 && visited >= limit {
			return
		}
		e := pt.readEntry(table, uint16(i))
		if e.IsUnused() {
			continue
		}
		visited++

		shift := uint(pt.meta.Levels-1-depth) * addr.EntryBits
		v := prefix | (addr.VPN(i) << shift)
		f(depth, i, v.Address(), e)

		if depth < pt.meta.Levels-1 && !e.IsHuge() {
			pt.walkTable(e.PPN(), depth+1, v, limit, f)
		}
	}
}

// Release frees every library-owned leaf frame and every intermediate
// table frame this walker has allocated, including the root. It is
// idempotent: a second call does nothing.
func (pt *PageTable64) Release() {
	if pt.released {
		return
	}

	for v, owned := range pt.record {
		if !owned {
			continue
		}
		table, idx, depth, err := pt.walkDiscover(v)
		if err != nil {
			continue
		}
		e := pt.readEntry(table, idx)
		if !e.IsValid() {
			continue
		}
		size := depthToSize(pt.meta, depth)
		pages := int(size.Bytes() / addr.PageSize)
		base := e.PPN()
		for i := 0; i < pages; i++ {
			pt.alloc.Dealloc(base.Add(uint64(i)))
		}
	}

	for _, frame := range pt.intermediates {
		pt.alloc.Dealloc(frame)
	}

	pt.record = make(map[addr.VPN]bool)
	pt.intermediates = nil
	pt.released = true
}
