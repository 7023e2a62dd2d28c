// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arena provides a bump allocator backed by anonymous memory
// mappings. It is the only source of dynamic memory available to the
// crash-time write path: regions come straight from mmap, individual
// allocations are never returned, and the whole arena is released in
// one shot when the owning writer context is torn down.
package arena

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrNoMemory is returned when a region cannot be reserved. Callers on
// the crash path treat it as fatal for the current report but must not
// fault; the process is already in a signal handler.
var ErrNoMemory = errors.New("arena: out of memory")

const (
	// maxRegions bounds the region table. The table lives inside the
	// Arena struct so that growth never touches the general allocator.
	maxRegions = 64

	pageSize = 4096

	alignment = 8
)

// An Arena owns a growable set of fixed memory regions and hands out
// zeroed, aligned byte slices from them.
type Arena struct {
	regions [maxRegions][]byte
	nregion int

	// off is the bump offset into the active (last) region.
	off int

	// grow is the size of the next region to reserve.
	grow int
}

// New reserves one region of at least initial bytes and returns an
// arena ready for allocation.
func New(initial int) (*Arena, error) {
	if initial < pageSize {
		initial = pageSize
	}
	a := &Arena{grow: roundPage(initial)}
	if err := a.reserve(a.grow); err != nil {
		return nil, err
	}
	return a, nil
}

// Alloc returns n zeroed bytes. The memory stays valid until Free.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNoMemory
	}
	n = (n + alignment - 1) &^ (alignment - 1)
	cur := a.regions[a.nregion-1]
	if a.off+n > len(cur) {
		size := a.grow
		if n > size {
			size = roundPage(n)
		}
		if err := a.reserve(size); err != nil {
			return nil, err
		}
		cur = a.regions[a.nregion-1]
	}
	b := cur[a.off : a.off+n : a.off+n]
	a.off += n
	return b, nil
}

// Dup copies b into the arena. Used to give report-lifetime ownership
// to bytes read from transient buffers.
func (a *Arena) Dup(b []byte) ([]byte, error) {
	d, err := a.Alloc(len(b))
	if err != nil {
		return nil, err
	}
	copy(d, b)
	return d[:len(b)], nil
}

// DupString copies s into the arena.
func (a *Arena) DupString(s string) ([]byte, error) {
	d, err := a.Alloc(len(s))
	if err != nil {
		return nil, err
	}
	copy(d, s)
	return d[:len(s)], nil
}

// Size reports the total number of bytes reserved from the system.
func (a *Arena) Size() int {
	total := 0
	for i := 0; i < a.nregion; i++ {
		total += len(a.regions[i])
	}
	return total
}

// Free unmaps every region. The arena must not be used afterwards.
func (a *Arena) Free() {
	for i := 0; i < a.nregion; i++ {
		unix.Munmap(a.regions[i])
		a.regions[i] = nil
	}
	a.nregion = 0
	a.off = 0
}

func (a *Arena) reserve(size int) error {
	if a.nregion == maxRegions {
		return ErrNoMemory
	}
	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return ErrNoMemory
	}
	a.regions[a.nregion] = b
	a.nregion++
	a.off = 0
	return nil
}

func roundPage(n int) int {
	return (n + pageSize - 1) &^ (pageSize - 1)
}
