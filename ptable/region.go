package ptable

import (
	"github.com/os-module/page-table/addr"
	"github.com/os-module/page-table/pferr"
	"github.com/os-module/page-table/pte"
)

// chooseSize picks the largest huge-page granularity that vaddr (and, when
// checkPaddr is true, paddr) is aligned to and that fits within remaining,
// falling back to 4 KiB. allowHuge false forces 4 KiB regardless of
// alignment, for callers that want a uniform granularity.
func chooseSize(vaddr addr.VirtAddr, paddr addr.PhysAddr, remaining uint64, allowHuge, checkPaddr bool) PageSize {
	if allowHuge {
		if remaining >= Size1G.Bytes() &&
			addr.IsAligned(uint64(vaddr), Size1G.Bytes()) &&
			(!checkPaddr || addr.IsAligned(uint64(paddr), Size1G.Bytes())) {
			return Size1G
		}
		if remaining >= Size2M.Bytes() &&
			addr.IsAligned(uint64(vaddr), Size2M.Bytes()) &&
			(!checkPaddr || addr.IsAligned(uint64(paddr), Size2M.Bytes())) {
			return Size2M
		}
	}
	return Size4K
}

// MapRegion maps a contiguous run of size bytes starting at vaddr to paddr,
// splitting the run into 1 GiB, 2 MiB and 4 KiB leaves (in that preference
// order) wherever allowHuge permits and alignment admits a larger page, and
// falling back to 4 KiB elsewhere. vaddr, paddr and size must all be 4 KiB
// aligned. The operation is not transactional: on failure partway through,
// whatever prefix was already mapped remains mapped.
func (pt *PageTable64) MapRegion(vaddr addr.VirtAddr, paddr addr.PhysAddr, size uint64, flags pte.Flag, allowHuge bool) *pferr.Error {
	if !addr.IsAligned(uint64(vaddr), addr.PageSize) ||
		!addr.IsAligned(uint64(paddr), addr.PageSize) ||
		!addr.IsAligned(size, addr.PageSize) {
		return pferr.New(module, pferr.NotAligned, "")
	}

	v, p, remaining := vaddr, paddr, size
	for remaining > 0 {
		step := chooseSize(v, p, remaining, allowHuge, true)
		if err := pt.Map(v, p, step, flags); err != nil {
			return err
		}
		n := step.Bytes()
		v += addr.VirtAddr(n)
		p += addr.PhysAddr(n)
		remaining -= n
	}
	return nil
}

// RegionIter re-queries the pages installed by a MapRegionNoTarget call, one
// step at a time, so the caller can learn the physical frame each step
// actually landed on without having to re-walk the table itself.
type RegionIter struct {
	pt    *PageTable64
	vaddr addr.VirtAddr
	size  uint64
}

// Next returns the next (vaddr, paddr, size) step of the region, or
// ok=false once the region is exhausted.
func (it *RegionIter) Next() (vaddr addr.VirtAddr, paddr addr.PhysAddr, size PageSize, ok bool) {
	if it.size == 0 {
		return 0, 0, 0, false
	}
	paddr, _, size, err := it.pt.Query(it.vaddr)
	if err != nil {
		return 0, 0, 0, false
	}
	vaddr = it.vaddr
	n := size.Bytes()
	it.vaddr += addr.VirtAddr(n)
	it.size -= n
	return vaddr, paddr, size, true
}

// MapRegionNoTarget is MapRegion's no-target counterpart: it maps size
// bytes starting at vaddr without caller-supplied physical backing, either
// allocating eagerly or leaving every leaf lazy per lazy, again preferring
// the largest aligned page size allowHuge permits at each step. It returns
// a RegionIter over the pages it just installed, so a caller that needs the
// physical frames it was handed (e.g. to zero them, or to record them for
// later retirement) doesn't have to re-walk the table by hand.
func (pt *PageTable64) MapRegionNoTarget(vaddr addr.VirtAddr, size uint64, flags pte.Flag, allowHuge, lazy bool) (*RegionIter, *pferr.Error) {
	if !addr.IsAligned(uint64(vaddr), addr.PageSize) || !addr.IsAligned(size, addr.PageSize) {
		return nil, pferr.New(module, pferr.NotAligned, "")
	}

	origVaddr, origSize := vaddr, size
	v, remaining := vaddr, size
	for remaining > 0 {
		step := chooseSize(v, 0, remaining, allowHuge, false)
		if _, err := pt.MapNoTarget(v, step, flags, lazy); err != nil {
			return nil, err
		}
		n := step.Bytes()
		v += addr.VirtAddr(n)
		remaining -= n
	}
	return &RegionIter{pt: pt, vaddr: origVaddr, size: origSize}, nil
}

// UnmapRegion unmaps every leaf mapping covering [vaddr, vaddr+size),
// discovering each leaf's actual installed page size along the way rather
// than requiring a uniform granularity. vaddr and size must be 4 KiB
// aligned. As with MapRegion, a failure partway through leaves the
// already-unmapped prefix unmapped.
func (pt *PageTable64) UnmapRegion(vaddr addr.VirtAddr, size uint64) *pferr.Error {
	if !addr.IsAligned(uint64(vaddr), addr.PageSize) || !addr.IsAligned(size, addr.PageSize) {
		return pferr.New(module, pferr.NotAligned, "")
	}

	v, remaining := vaddr, size
	for remaining > 0 {
		_, sz, err := pt.Unmap(v)
		if err != nil {
			return err
		}
		n := sz.Bytes()
		v += addr.VirtAddr(n)
		if n >= remaining {
			break
		}
		remaining -= n
	}
	return nil
}
