// Package alloc defines the external collaborator interfaces this module
// consumes (spec §6: the concrete frame allocator and the physical-to-virtual
// access window are supplied by the caller, not implemented here) and ships
// one reference FrameAllocator implementation used by this module's own
// tests and suitable as a starting point for a caller's early-boot allocator.
package alloc

import (
	"unsafe"

	"github.com/os-module/page-table/addr"
)

// FrameAllocator is the external collaborator that hands out and reclaims
// physical frames. Implementations must be safe for concurrent use: per
// spec §5, an AddressSpace's allocator handle may be shared with another
// executor even though the AddressSpace and PageTable64 themselves are not
// internally synchronized.
type FrameAllocator interface {
	// Alloc returns a single zeroable 4 KiB frame, or ok=false on OOM.
	Alloc() (ppn addr.PPN, ok bool)
	// Dealloc returns a single 4 KiB frame previously obtained from Alloc.
	// Dealloc on a frame not currently allocated by this allocator is a
	// caller bug.
	Dealloc(ppn addr.PPN)
	// AllocContiguous returns the base of n physically contiguous 4 KiB
	// frames, or ok=false on OOM. Used to back 2 MiB/1 GiB leaf mappings.
	AllocContiguous(n int) (base addr.PhysAddr, ok bool)
}

// PhysWindow is the external collaborator that exposes the kernel's
// physical-to-virtual direct map: given a physical address it returns a
// host-accessible pointer so the walker can read and write page-table
// memory without a dedicated MMU mapping of its own.
type PhysWindow interface {
	PhysToVirt(p addr.PhysAddr) unsafe.Pointer
}

// IdentityWindow is a PhysWindow suitable for hosted (non-bare-metal) use —
// tests and userspace simulators — where physical addresses are just offsets
// into a process-owned byte arena rather than real machine physical memory.
type IdentityWindow struct {
	// Base is the arena's starting host address, as returned by
	// unsafe.Pointer(&arena[0]); PhysAddr 0 is treated as Base.
	Base uintptr
}

// PhysToVirt implements PhysWindow by adding p to the arena base.
func (w IdentityWindow) PhysToVirt(p addr.PhysAddr) unsafe.Pointer {
	return unsafe.Pointer(w.Base + uintptr(p))
}
