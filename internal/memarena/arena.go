//go:build linux || darwin

// Package memarena provides a page-aligned, mmap-backed byte arena used by
// this module's own tests to simulate physical memory: table frames and
// leaf-backing frames are carved directly out of the arena's bytes, and
// PhysAddr 0 in a test corresponds to the arena's base, exactly like a
// kernel's direct-map window over real RAM. A plain make([]byte, ...)
// slice is not guaranteed to be page-aligned, so table frames carved from
// it would not sit on real 4 KiB boundaries; mmap gives that guarantee.
package memarena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Arena is a page-aligned anonymous mapping.
type Arena struct {
	bytes []byte
}

// New maps an anonymous, zeroed region of the given number of 4 KiB pages.
func New(pages int) (*Arena, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("memarena: pages must be positive, got %d", pages)
	}
	b, err := unix.Mmap(-1, 0, pages*4096, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("memarena: mmap: %w", err)
	}
	return &Arena{bytes: b}, nil
}

// Close unmaps the arena. Safe to call once; a zero-value *Arena's Close is
// a no-op.
func (a *Arena) Close() error {
	if a == nil || a.bytes == nil {
		return nil
	}
	err := unix.Munmap(a.bytes)
	a.bytes = nil
	return err
}

// Bytes returns the arena's backing slice.
func (a *Arena) Bytes() []byte { return a.bytes }

// Len returns the arena size in bytes.
func (a *Arena) Len() int { return len(a.bytes) }
