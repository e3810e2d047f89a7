// Package addr defines the typed address primitives shared by the rest of
// this module: physical/virtual addresses and virtual/physical page
// numbers. The split into distinct VPN/PPN types (rather than a single
// PageNumber alias) is deliberate: the compiler should reject code that
// accidentally mixes a virtual index with a physical one.
package addr

const (
	// PageShift is log2(PageSize); used to convert an address to the
	// page number that contains it and vice-versa.
	PageShift = 12

	// PageSize is the base (4 KiB) page size in bytes.
	PageSize = 1 << PageShift

	// EntryBits is the number of bits used by a single-level page-table
	// index on RISC-V Sv39/Sv48 (9 bits, 512 entries per table).
	EntryBits = 9

	// EntriesPerTable is the number of PTE slots in one page-table frame.
	EntriesPerTable = 1 << EntryBits
)

// PhysAddr is a byte-granular physical memory address.
type PhysAddr uint64

// VirtAddr is a byte-granular virtual memory address.
type VirtAddr uint64

// PPN is a physical page number: a PhysAddr shifted right by PageShift.
type PPN uint64

// VPN is a virtual page number: a VirtAddr shifted right by PageShift.
type VPN uint64

// Address returns the physical address at the start of this page.
func (p PPN) Address() PhysAddr { return PhysAddr(p << PageShift) }

// Add returns the PPN n pages after p.
func (p PPN) Add(n uint64) PPN { return p + PPN(n) }

// Sub returns the distance, in pages, between p and o (p - o).
func (p PPN) Sub(o PPN) int64 { return int64(p) - int64(o) }

// Address returns the virtual address at the start of this page.
func (v VPN) Address() VirtAddr { return VirtAddr(v << PageShift) }

// Add returns the VPN n pages after v.
func (v VPN) Add(n uint64) VPN { return v + VPN(n) }

// Sub returns the distance, in pages, between v and o (v - o).
func (v VPN) Sub(o VPN) int64 { return int64(v) - int64(o) }

// Index returns the 9-bit page-table index for v at the given translation
// level (0 = vpn[0], the innermost/leaf-adjacent index; increasing level
// moves toward the root, e.g. level 2 is vpn[2] on Sv39).
func (v VPN) Index(level uint) uint16 {
	return uint16((v >> (level * EntryBits)) & (EntriesPerTable - 1))
}

// FloorPhys rounds a to the start of the page that contains it.
func FloorPhys(a PhysAddr) PPN { return PPN(a >> PageShift) }

// CeilPhys rounds a up to the start of the next page, unless a is already
// page-aligned.
func CeilPhys(a PhysAddr) PPN { return PPN((a + PageSize - 1) >> PageShift) }

// FloorVirt rounds a to the start of the page that contains it.
func FloorVirt(a VirtAddr) VPN { return VPN(a >> PageShift) }

// CeilVirt rounds a up to the start of the next page, unless a is already
// page-aligned.
func CeilVirt(a VirtAddr) VPN { return VPN((a + PageSize - 1) >> PageShift) }

// PageOffset returns the low PageShift bits of a, i.e. the byte offset
// within the page that contains it.
func PageOffset(a VirtAddr) uint64 { return uint64(a) & (PageSize - 1) }

// AlignedDown rounds a physical address down to a multiple of size, which
// must be a power of two.
func AlignedDown(a PhysAddr, size uint64) PhysAddr {
	return PhysAddr(uint64(a) &^ (size - 1))
}

// IsAligned reports whether a is a multiple of size, which must be a power
// of two.
func IsAligned(a uint64, size uint64) bool {
	return a&(size-1) == 0
}
