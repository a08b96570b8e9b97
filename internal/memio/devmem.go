//go:build linux

// Package memio maps physical memory regions from /dev/mem into bounded,
// page-aligned views, the way internal/socketcan wraps a raw CAN socket fd
// in the teacher daemon: a thin handle over a syscall resource, with no
// pointer arithmetic leaking past the type's own methods.
package memio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DevMem owns an open /dev/mem file descriptor. Regions mapped through it
// share its lifetime but each tracks its own mmap and must be unmapped
// independently (Close on DevMem does not unmap outstanding Regions).
type DevMem struct {
	fd int
}

// Open opens /dev/mem read/write, matching the access mode of the source
// daemon (the mapping protection is retained for parity even though callers
// only ever read through Region.Bytes).
func Open() (*DevMem, error) {
	fd, err := unix.Open("/dev/mem", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/mem: %w", err)
	}
	return &DevMem{fd: fd}, nil
}

// Close closes the underlying file descriptor.
func (d *DevMem) Close() error { return unix.Close(d.fd) }

// Region is a bounded, read-only view over a page-aligned mmap of a
// physical offset. The offset need not itself be page-aligned; Region
// adjusts for the in-page remainder so Bytes() starts exactly at offset.
type Region struct {
	base   []byte
	offset int
	size   int
}

// Map maps size bytes starting at the physical offset, rounding the mmap
// down to the enclosing page and keeping the in-page remainder internal.
func (d *DevMem) Map(offset int64, size int) (*Region, error) {
	pageSize := int64(unix.Getpagesize())
	paOffset := offset &^ (pageSize - 1)
	remainder := int(offset - paOffset)
	mapSize := remainder + size
	base, err := unix.Mmap(d.fd, paOffset, mapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap offset=0x%x size=%d: %w", offset, size, err)
	}
	return &Region{base: base, offset: remainder, size: size}, nil
}

// Bytes returns the logical window over the mapped region, starting at the
// requested offset. The caller must never write through this slice; the
// underlying mapping is shared with device memory that munmaps on Close.
func (r *Region) Bytes() []byte { return r.base[r.offset : r.offset+r.size] }

// Close unmaps the region.
func (r *Region) Close() error { return unix.Munmap(r.base) }
