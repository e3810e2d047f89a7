//go:build !linux && !darwin

package memarena

import (
	"fmt"
	"unsafe"
)

func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Arena is a page-aligned byte arena. On platforms without an mmap syscall
// this module knows how to use, it falls back to a manually page-aligned
// slice carved out of a larger allocation; it gives the same alignment
// guarantee as the mmap-backed arena but without a real anonymous mapping
// underneath.
type Arena struct {
	raw   []byte
	bytes []byte
}

// New allocates a page-aligned, zeroed region of the given number of 4 KiB
// pages.
func New(pages int) (*Arena, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("memarena: pages must be positive, got %d", pages)
	}
	size := pages * 4096
	raw := make([]byte, size+4096)
	off := 0
	if r := uintptrOf(raw) % 4096; r != 0 {
		off = 4096 - int(r)
	}
	return &Arena{raw: raw, bytes: raw[off : off+size]}, nil
}

// Close releases the arena. Safe to call once; a zero-value *Arena's Close
// is a no-op.
func (a *Arena) Close() error {
	if a == nil {
		return nil
	}
	a.raw, a.bytes = nil, nil
	return nil
}

// Bytes returns the arena's backing slice.
func (a *Arena) Bytes() []byte { return a.bytes }

// Len returns the arena size in bytes.
func (a *Arena) Len() int { return len(a.bytes) }
