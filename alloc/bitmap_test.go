package alloc

import (
	"testing"

	"github.com/os-module/page-table/addr"
)

func TestBitmapAllocBasic(t *testing.T) {
	b := NewBitmapAllocator(100, 4)

	var got []addr.PPN
	for i := 0; i < 4; i++ {
		ppn, ok := b.Alloc()
		if !ok {
			t.Fatalf("expected alloc %d to succeed", i)
		}
		got = append(got, ppn)
	}
	if _, ok := b.Alloc(); ok {
		t.Fatalf("expected allocator to be exhausted")
	}

	seen := map[addr.PPN]bool{}
	for _, p := range got {
		if p < 100 || p >= 104 {
			t.Fatalf("ppn %d outside managed range [100,104)", p)
		}
		if seen[p] {
			t.Fatalf("ppn %d allocated twice", p)
		}
		seen[p] = true
	}
}

func TestBitmapAllocDeallocRoundTrip(t *testing.T) {
	b := NewBitmapAllocator(0, 8)

	var allocated []addr.PPN
	for i := 0; i < 8; i++ {
		ppn, ok := b.Alloc()
		if !ok {
			t.Fatalf("alloc %d failed", i)
		}
		allocated = append(allocated, ppn)
	}
	for _, p := range allocated {
		b.Dealloc(p)
	}
	if got := b.FreeCount(); got != 8 {
		t.Fatalf("expected 8 free frames after full dealloc; got %d", got)
	}

	for i := 0; i < 8; i++ {
		if _, ok := b.Alloc(); !ok {
			t.Fatalf("re-alloc %d failed after dealloc", i)
		}
	}
}

func TestBitmapAllocContiguous(t *testing.T) {
	b := NewBitmapAllocator(0, 16)

	base, ok := b.AllocContiguous(4)
	if !ok {
		t.Fatalf("expected contiguous alloc of 4 to succeed")
	}
	if got := b.FreeCount(); got != 12 {
		t.Fatalf("expected 12 free frames remaining; got %d", got)
	}
	_ = base

	if _, ok := b.AllocContiguous(32); ok {
		t.Fatalf("expected oversized contiguous alloc to fail")
	}
}
