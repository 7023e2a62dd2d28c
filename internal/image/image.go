// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package image maintains a point-in-time inventory of the binary
// images mapped into a process: executable and shared libraries, each
// with its base address, mapped size, path, architecture and
// identifying bytes. The inventory is built once per report from a
// data-only loader-table handle, allocated entirely from the report's
// arena, and never mutated afterwards.
package image

import (
	"github.com/sigsnap/sigsnap/internal/arena"
)

// An Image is one loaded binary.
type Image struct {
	Base uint64
	Size uint64

	// Path and UUID are arena-owned copies; they stay valid for the
	// lifetime of the report being written.
	Path []byte
	UUID []byte

	CPUType    uint32
	CPUSubtype uint32
}

// Contains reports whether addr falls in [Base, Base+Size).
func (im *Image) Contains(addr uint64) bool {
	return addr >= im.Base && addr-im.Base < im.Size
}

// A Record is the raw form a loader table produces for one image. The
// byte slices may point into transient loader buffers; Build copies
// them into the arena.
type Record struct {
	Base       uint64
	Size       uint64
	Path       []byte
	UUID       []byte
	CPUType    uint32
	CPUSubtype uint32
}

// A LoaderTable is a handle onto the dynamic loader's bookkeeping,
// readable through data-only accesses. Implementations must not call
// back into the loader: the crashing process may already hold its
// locks.
type LoaderTable interface {
	// Count returns the number of loaded images.
	Count() (int, error)
	// Record fills rec with the i'th image, in loader order.
	Record(i int, rec *Record) error
}

// An Inventory is an immutable, address-indexed image list.
type Inventory struct {
	images []Image

	// byBase orders indices into images by ascending base address.
	byBase []int32

	// overlapped is set when any two ranges intersect; lookups then
	// fall back to a loader-order scan so the first match wins.
	overlapped bool
}

// Build reads every record of lt into an arena-allocated inventory.
// On any error the partial result is discarded; callers substitute an
// empty Inventory rather than abort the report.
func Build(lt LoaderTable, a *arena.Arena) (Inventory, error) {
	n, err := lt.Count()
	if err != nil {
		return Inventory{}, err
	}
	if n == 0 {
		return Inventory{}, nil
	}
	images, err := allocImages(a, n)
	if err != nil {
		return Inventory{}, err
	}
	var rec Record
	for i := 0; i < n; i++ {
		if err := lt.Record(i, &rec); err != nil {
			return Inventory{}, err
		}
		im := &images[i]
		im.Base = rec.Base
		im.Size = rec.Size
		im.CPUType = rec.CPUType
		im.CPUSubtype = rec.CPUSubtype
		if im.Path, err = a.Dup(rec.Path); err != nil {
			return Inventory{}, err
		}
		if im.UUID, err = a.Dup(rec.UUID); err != nil {
			return Inventory{}, err
		}
	}
	byBase, err := allocIndex(a, n)
	if err != nil {
		return Inventory{}, err
	}
	// Insertion sort; no allocation, and n is the number of loaded
	// images, which is small.
	for i := 0; i < n; i++ {
		j := i
		for j > 0 && images[byBase[j-1]].Base > images[i].Base {
			byBase[j] = byBase[j-1]
			j--
		}
		byBase[j] = int32(i)
	}
	inv := Inventory{images: images, byBase: byBase}
	for i := 1; i < n; i++ {
		prev := &images[byBase[i-1]]
		if prev.Base+prev.Size > images[byBase[i]].Base {
			inv.overlapped = true
			break
		}
	}
	return inv, nil
}

// Len returns the number of images.
func (inv *Inventory) Len() int { return len(inv.images) }

// At returns the i'th image in loader order.
func (inv *Inventory) At(i int) *Image { return &inv.images[i] }

// ForAddress returns the image whose range contains addr, or nil.
// Ranges are expected non-overlapping; if they are not, the first
// image in loader order wins.
func (inv *Inventory) ForAddress(addr uint64) *Image {
	if inv.overlapped {
		for i := range inv.images {
			if inv.images[i].Contains(addr) {
				return &inv.images[i]
			}
		}
		return nil
	}
	// Binary search for the last entry with Base <= addr.
	lo, hi := 0, len(inv.byBase)
	for lo < hi {
		mid := (lo + hi) / 2
		if inv.images[inv.byBase[mid]].Base <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return nil
	}
	if im := &inv.images[inv.byBase[lo-1]]; im.Contains(addr) {
		return im
	}
	return nil
}
