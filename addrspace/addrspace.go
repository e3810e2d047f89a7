// Package addrspace implements the Address Space (C5): a root page table
// managed through ptable.PageTable64, layered with an Area abstraction that
// supports eager and lazy mappings, demand-valid promotion of lazy leaves,
// and fork-style deep copies between address spaces.
package addrspace

import (
	"log/slog"
	"unsafe"

	"github.com/os-module/page-table/addr"
	"github.com/os-module/page-table/alloc"
	"github.com/os-module/page-table/area"
	"github.com/os-module/page-table/pferr"
	"github.com/os-module/page-table/pte"
	"github.com/os-module/page-table/ptable"
)

const module = "addrspace"

type single struct {
	vpn   addr.VPN
	flags pte.Flag
}

// AddressSpace holds a root table (materialised lazily via ptable), the
// ordered list of Areas currently pushed, and the ordered list of
// single-page mappings installed via PushWithVPN.
type AddressSpace struct {
	meta      ptable.Metadata
	allocator alloc.FrameAllocator
	win       alloc.PhysWindow

	table *ptable.PageTable64

	areas   []area.Area
	singles []single
}

// New returns an empty address space. No root frame is allocated until the
// first push-family call forces it.
func New(meta ptable.Metadata, allocator alloc.FrameAllocator, win alloc.PhysWindow) *AddressSpace {
	return &AddressSpace{meta: meta, allocator: allocator, win: win}
}

func (as *AddressSpace) ensureTable() *pferr.Error {
	if as.table != nil {
		return nil
	}
	t, err := ptable.TryNew(as.meta, as.allocator, as.win)
	if err != nil {
		return err
	}
	as.table = t
	return nil
}

// RootPPN returns the root table's frame number, or ok=false if no mapping
// has forced root allocation yet.
func (as *AddressSpace) RootPPN() (ppn addr.PPN, ok bool) {
	if as.table == nil {
		return 0, false
	}
	return as.table.Root(), true
}

func permToFlags(p area.Permission) pte.Flag {
	var f pte.Flag
	if p&area.R != 0 {
		f |= pte.R
	}
	if p&area.W != 0 {
		f |= pte.W
	}
	if p&area.X != 0 {
		f |= pte.X
	}
	if p&area.U != 0 {
		f |= pte.U
	}
	return f
}

// Push ensures the root exists, then installs a valid leaf for every page
// in a: the caller's physical target when the area has one, a freshly
// allocated and library-owned frame otherwise. a is appended to areas.
func (as *AddressSpace) Push(a area.Area) *pferr.Error {
	if err := as.ensureTable(); err != nil {
		return err
	}
	flags := permToFlags(a.Perm) | pte.V
	if err := as.installArea(a, flags, false); err != nil {
		return err
	}
	as.areas = append(as.areas, a)
	return nil
}

// TmpPush is Push, except the valid bit is only set when isValid is true;
// pages without a caller-supplied physical target are installed lazily
// (no backing frame, V cleared) when isValid is false, ready for a later
// TmpMakeValid to promote on demand.
func (as *AddressSpace) TmpPush(a area.Area, isValid bool) *pferr.Error {
	if err := as.ensureTable(); err != nil {
		return err
	}
	flags := permToFlags(a.Perm)
	if isValid {
		flags |= pte.V
	}
	if err := as.installArea(a, flags, !isValid); err != nil {
		return err
	}
	as.areas = append(as.areas, a)
	return nil
}

func (as *AddressSpace) installArea(a area.Area, flags pte.Flag, lazy bool) *pferr.Error {
	it := a.Iter()
	for {
		vpn, ppn, hasPPN, ok := it.Next()
		if !ok {
			break
		}
		vaddr := vpn.Address()
		if hasPPN {
			if err := as.table.Map(vaddr, ppn.Address(), ptable.Size4K, flags); err != nil {
				return err
			}
			continue
		}
		if _, err := as.table.MapNoTarget(vaddr, ptable.Size4K, flags, lazy); err != nil {
			return err
		}
	}
	return nil
}

// TmpMakeValid promotes a single lazily-reserved leaf to valid. All
// intermediate tables down to it must already exist and the leaf itself
// must currently be invalid; either precondition violation is a fatal
// caller bug, logged and then panicked on rather than returned as an
// error, matching the debug-assert contract this operation is specified
// with.
func (as *AddressSpace) TmpMakeValid(vpn addr.VPN) {
	if as.table == nil {
		slog.Error("addrspace: TmpMakeValid called with no root table", "vpn", vpn)
		panic("addrspace: TmpMakeValid on an address space with no root")
	}

	vaddr := vpn.Address()
	paddr, flags, _, err := as.table.Query(vaddr)
	if err != nil {
		slog.Error("addrspace: TmpMakeValid on an unreserved vpn", "vpn", vpn, "err", err)
		panic("addrspace: TmpMakeValid precondition violated: " + err.Error())
	}
	if flags&pte.V != 0 {
		slog.Error("addrspace: TmpMakeValid on an already-valid leaf", "vpn", vpn)
		panic("addrspace: TmpMakeValid precondition violated: leaf already valid")
	}

	newFlags := flags | pte.V
	if paddr == 0 {
		// No frame was ever assigned to this reservation; Validate both
		// allocates the backing frame and sets V.
		if verr := as.table.Validate(vaddr, newFlags); verr != nil {
			slog.Error("addrspace: Validate failed during TmpMakeValid", "vpn", vpn, "err", verr)
			panic("addrspace: Validate during TmpMakeValid: " + verr.Error())
		}
		return
	}
	// A physical target was already pre-chosen (e.g. by a tmp_push with a
	// ppn_range); only the valid bit needs to flip.
	if _, merr := as.table.ModifyFlags(vaddr, newFlags, false); merr != nil {
		slog.Error("addrspace: ModifyFlags failed during TmpMakeValid", "vpn", vpn, "err", merr)
		panic("addrspace: ModifyFlags during TmpMakeValid: " + merr.Error())
	}
}

// PushWithData is Push followed by copying bytes into the newly mapped
// region, one 4 KiB chunk at a time in ascending VPN order. Short data is
// allowed; the remainder of the last page is left untouched.
func (as *AddressSpace) PushWithData(a area.Area, data []byte) *pferr.Error {
	if err := as.Push(a); err != nil {
		return err
	}

	off := 0
	it := a.Iter()
	for off < len(data) {
		vpn, _, _, ok := it.Next()
		if !ok {
			break
		}
		paddr, _, _, err := as.table.Query(vpn.Address())
		if err != nil {
			return err
		}
		chunk := data[off:]
		if len(chunk) > addr.PageSize {
			chunk = chunk[:addr.PageSize]
		}
		dst := unsafe.Slice((*byte)(as.win.PhysToVirt(paddr)), addr.PageSize)
		copy(dst, chunk)
		off += len(chunk)
	}
	return nil
}

// PushWithVPN allocates one leaf frame for vpn, installs it with flags
// used verbatim (not OR-ed with V by this function), records (vpn, flags)
// in singles, and returns the frame's PPN.
func (as *AddressSpace) PushWithVPN(vpn addr.VPN, flags pte.Flag) (addr.PPN, *pferr.Error) {
	if err := as.ensureTable(); err != nil {
		return 0, err
	}
	base, err := as.table.MapNoTarget(vpn.Address(), ptable.Size4K, flags, false)
	if err != nil {
		return 0, err
	}
	as.singles = append(as.singles, single{vpn: vpn, flags: flags})
	return addr.FloorPhys(base), nil
}

// Unmap clears every leaf in a and removes a from areas. It fails, wrapped
// as NotValid, as soon as any page in the area is not currently mapped.
func (as *AddressSpace) Unmap(a area.Area) *pferr.Error {
	if as.table == nil {
		return pferr.New(module, pferr.NotValid, "address space has no root")
	}
	it := a.Iter()
	for {
		vpn, _, _, ok := it.Next()
		if !ok {
			break
		}
		if _, _, err := as.table.Unmap(vpn.Address()); err != nil {
			return pferr.New(module, pferr.NotValid, err.Message)
		}
	}
	for i := range as.areas {
		if as.areas[i].Equal(a) {
			as.areas = append(as.areas[:i], as.areas[i+1:]...)
			break
		}
	}
	return nil
}

// UnmapWithVPN clears the single-page mapping at vpn and removes it from
// singles.
func (as *AddressSpace) UnmapWithVPN(vpn addr.VPN) *pferr.Error {
	if as.table == nil {
		return pferr.New(module, pferr.NotValid, "address space has no root")
	}
	if _, _, err := as.table.Unmap(vpn.Address()); err != nil {
		return pferr.New(module, pferr.NotValid, err.Message)
	}
	for i := range as.singles {
		if as.singles[i].vpn == vpn {
			as.singles = append(as.singles[:i], as.singles[i+1:]...)
			break
		}
	}
	return nil
}

// VPNToPPN reports the physical frame backing vpn, if any.
func (as *AddressSpace) VPNToPPN(vpn addr.VPN) (addr.PPN, bool) {
	if as.table == nil {
		return 0, false
	}
	paddr, _, _, err := as.table.Query(vpn.Address())
	if err != nil {
		return 0, false
	}
	return addr.FloorPhys(paddr), true
}

// VirtualToPhysical reports the physical address backing vaddr, including
// its intra-page offset, if any.
func (as *AddressSpace) VirtualToPhysical(vaddr addr.VirtAddr) (addr.PhysAddr, bool) {
	if as.table == nil {
		return 0, false
	}
	paddr, _, _, err := as.table.Query(vaddr)
	if err != nil {
		return 0, false
	}
	return paddr, true
}

// FindArea returns the first pushed Area whose VPN range contains vpn, or
// nil.
func (as *AddressSpace) FindArea(vpn addr.VPN) *area.Area {
	for i := range as.areas {
		if as.areas[i].Contains(vpn) {
			return &as.areas[i]
		}
	}
	return nil
}

// CopyFromOther builds a fresh address space semantically identical to
// source: every Area is rebuilt with the same VPN range and permissions
// but fresh physical backing, and every page is memcopied from source's
// physical frame to the new one. Singles are handled the same way via
// PushWithVPN.
func CopyFromOther(source *AddressSpace) (*AddressSpace, *pferr.Error) {
	dest := New(source.meta, source.allocator, source.win)

	for _, a := range source.areas {
		fresh := area.New(a.VPNs, a.Perm)
		if err := dest.Push(fresh); err != nil {
			return nil, err
		}
		if err := copyAreaPages(source, dest, fresh); err != nil {
			return nil, err
		}
	}

	for _, s := range source.singles {
		if _, err := dest.PushWithVPN(s.vpn, s.flags); err != nil {
			return nil, err
		}
		if err := copyPage(source, dest, s.vpn); err != nil {
			return nil, err
		}
	}

	return dest, nil
}

func copyAreaPages(source, dest *AddressSpace, a area.Area) *pferr.Error {
	it := a.Iter()
	for {
		vpn, _, _, ok := it.Next()
		if !ok {
			break
		}
		if err := copyPage(source, dest, vpn); err != nil {
			return err
		}
	}
	return nil
}

func copyPage(source, dest *AddressSpace, vpn addr.VPN) *pferr.Error {
	srcPaddr, _, _, err := source.table.Query(vpn.Address())
	if err != nil {
		return err
	}
	dstPaddr, _, _, err := dest.table.Query(vpn.Address())
	if err != nil {
		return err
	}
	srcBytes := unsafe.Slice((*byte)(source.win.PhysToVirt(srcPaddr)), addr.PageSize)
	dstBytes := unsafe.Slice((*byte)(dest.win.PhysToVirt(dstPaddr)), addr.PageSize)
	copy(dstBytes, srcBytes)
	return nil
}

// Recycle returns every frame this address space owns to the allocator,
// via the underlying walker's own bookkeeping, and leaves the space inert.
func (as *AddressSpace) Recycle() {
	if as.table == nil {
		return
	}
	as.table.Release()
	as.table = nil
	as.areas = nil
	as.singles = nil
}
