// Package area implements the Area descriptor (C4): an immutable,
// contiguous run of virtual pages, optionally paired one-to-one with a
// contiguous run of physical pages, plus a permission set. Areas are the
// unit an AddressSpace pushes, unmaps and copies.
package area

import "github.com/os-module/page-table/addr"

// Permission is a flag set over {R,W,X,U}, independent of the PTE flag
// byte so that this package has no dependency on the leaf encoding.
type Permission uint8

// Permission bits.
const (
	R Permission = 1 << iota
	W
	X
	U
)

// ParsePermission builds a Permission from a string of characters; 'r',
// 'w', 'x', 'u' (case-sensitive) set the corresponding bit, any other
// character is ignored.
func ParsePermission(s string) Permission {
	var p Permission
	for _, c := range s {
		switch c {
		case 'r':
			p |= R
		case 'w':
			p |= W
		case 'x':
			p |= X
		case 'u':
			p |= U
		}
	}
	return p
}

// String renders the permission as the four-letter form used in debug
// output, dash for an unset bit.
func (p Permission) String() string {
	out := [4]byte{'-', '-', '-', '-'}
	if p&R != 0 {
		out[0] = 'r'
	}
	if p&W != 0 {
		out[1] = 'w'
	}
	if p&X != 0 {
		out[2] = 'x'
	}
	if p&U != 0 {
		out[3] = 'u'
	}
	return string(out[:])
}

// VPNRange is a half-open virtual page range [Start, End).
type VPNRange struct {
	Start, End addr.VPN
}

// Len returns the number of pages in the range.
func (r VPNRange) Len() uint64 { return uint64(r.End.Sub(r.Start)) }

// PPNRange is a half-open physical page range [Start, End).
type PPNRange struct {
	Start, End addr.PPN
}

// Len returns the number of pages in the range.
func (r PPNRange) Len() uint64 { return uint64(r.End.Sub(r.Start)) }

// Area is immutable after construction.
type Area struct {
	VPNs VPNRange
	PPNs *PPNRange // nil when the area has no pre-chosen physical backing
	Perm Permission
}

// New builds an Area with no pre-chosen physical range.
func New(vpns VPNRange, perm Permission) Area {
	return Area{VPNs: vpns, Perm: perm}
}

// NewWithPPNs builds an Area pre-bound to a physical range. It panics if
// the two ranges differ in length, per the component's invariant.
func NewWithPPNs(vpns VPNRange, ppns PPNRange, perm Permission) Area {
	if vpns.Len() != ppns.Len() {
		panic("area: vpn_range and ppn_range must have equal length")
	}
	return Area{VPNs: vpns, PPNs: &ppns, Perm: perm}
}

// Len returns the number of pages the area covers.
func (a Area) Len() uint64 { return a.VPNs.Len() }

// Contains reports whether vpn falls within the area's VPN range.
func (a Area) Contains(vpn addr.VPN) bool {
	return vpn.Sub(a.VPNs.Start) >= 0 && vpn.Sub(a.VPNs.End) < 0
}

// Equal compares two Areas by value across all three fields.
func (a Area) Equal(b Area) bool {
	if a.VPNs != b.VPNs || a.Perm != b.Perm {
		return false
	}
	if (a.PPNs == nil) != (b.PPNs == nil) {
		return false
	}
	if a.PPNs != nil && *a.PPNs != *b.PPNs {
		return false
	}
	return true
}

// Iterator produces a lazy, finite, non-restartable sequence of
// (vpn, optional ppn) pairs in ascending order. Consuming it does not
// mutate the Area it was built from.
type Iterator struct {
	area Area
	i, n uint64
}

// Iter returns a fresh iterator over a's pages.
func (a Area) Iter() *Iterator {
	return &Iterator{area: a, n: a.Len()}
}

// Next returns the next (vpn, ppn) pair. hasPPN is false when the area has
// no physical range. ok is false once the iterator is exhausted.
func (it *Iterator) Next() (vpn addr.VPN, ppn addr.PPN, hasPPN bool, ok bool) {
	if it.i >= it.n {
		return 0, 0, false, false
	}
	vpn = it.area.VPNs.Start.Add(it.i)
	if it.area.PPNs != nil {
		ppn = it.area.PPNs.Start.Add(it.i)
		hasPPN = true
	}
	it.i++
	return vpn, ppn, hasPPN, true
}
