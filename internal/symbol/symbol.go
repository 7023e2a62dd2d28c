// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package symbol resolves instruction addresses to the closest
// preceding symbol of the owning image. Parsed symbol tables are
// cached per image for the duration of one report so that repeated
// frame lookups do not re-read the image. Symbol names are never
// copied: lookups surface them as byte views of image-owned memory,
// valid only while the callback runs.
package symbol

import (
	"errors"
	"unsafe"

	"github.com/sigsnap/sigsnap/internal/arena"
	"github.com/sigsnap/sigsnap/internal/image"
)

// A Strategy selects how much symbol data is scanned.
type Strategy int

const (
	// None disables symbolication entirely.
	None Strategy = iota
	// Fast scans only the exported (dynamic) symbol table.
	Fast
	// Full additionally scans local symbol tables when readable.
	Full
)

// An Entry is one symbol: its start address and its name, aliasing
// memory owned by the originating image.
type Entry struct {
	Addr uint64
	Name []byte
}

// A Table holds the parsed entries of one image, sorted by address.
type Table struct {
	Entries []Entry
}

// A Loader parses the symbol tables of an image. Implementations must
// restrict themselves to data-only reads and arena allocation; the
// production loader walks in-memory ELF structures.
type Loader interface {
	Load(img *image.Image, strategy Strategy, a *arena.Arena) (Table, error)
}

// ErrNotFound is returned by loaders for images without symbol data.
var ErrNotFound = errors.New("symbol: no symbol table")

// maxImages bounds the per-report cache; the table lives inline in the
// Cache struct so lookups never allocate through the general allocator.
const maxImages = 128

type cached struct {
	base  uint64
	table Table
	err   error
}

// A Cache lazily builds and retains per-image symbol tables for one
// report. It is owned and used by a single thread; no locking.
type Cache struct {
	arena  *arena.Arena
	loader Loader

	tables [maxImages]cached
	n      int
}

// NewCache returns a cache drawing from a and parsing through loader.
func NewCache(a *arena.Arena, loader Loader) *Cache {
	return &Cache{arena: a, loader: loader}
}

// Find locates the closest symbol at or preceding addr in img and
// invokes fn synchronously with the symbol's name and start address.
// It reports whether fn was invoked. The name must not be retained
// past the callback.
func (c *Cache) Find(img *image.Image, strategy Strategy, addr uint64, fn func(name []byte, start uint64)) bool {
	if strategy == None || img == nil || c.loader == nil {
		return false
	}
	t := c.table(img, strategy)
	if t == nil || len(t.Entries) == 0 {
		return false
	}
	// Binary search for the last entry with Addr <= addr.
	lo, hi := 0, len(t.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.Entries[mid].Addr <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return false
	}
	e := &t.Entries[lo-1]
	fn(e.Name, e.Addr)
	return true
}

func (c *Cache) table(img *image.Image, strategy Strategy) *Table {
	for i := 0; i < c.n; i++ {
		if c.tables[i].base == img.Base {
			if c.tables[i].err != nil {
				return nil
			}
			return &c.tables[i].table
		}
	}
	if c.n == maxImages {
		// Cache full: frames in further images go unresolved. Loading
		// without retention would re-parse the image for every frame
		// and burn arena memory each time.
		return nil
	}
	slot := &c.tables[c.n]
	c.n++
	slot.base = img.Base
	slot.table, slot.err = c.loader.Load(img, strategy, c.arena)
	if slot.err != nil {
		return nil
	}
	Sort(slot.table.Entries)
	return &slot.table
}

// Sort orders entries by ascending address. Shell sort: in-place, no
// allocation, adequate for symbol table sizes.
func Sort(entries []Entry) {
	n := len(entries)
	gap := 1
	for gap < n/3 {
		gap = 3*gap + 1
	}
	for ; gap >= 1; gap /= 3 {
		for i := gap; i < n; i++ {
			for j := i; j >= gap && entries[j].Addr < entries[j-gap].Addr; j -= gap {
				entries[j], entries[j-gap] = entries[j-gap], entries[j]
			}
		}
	}
}

// AllocEntries carves an entry slice out of the arena for loaders.
func AllocEntries(a *arena.Arena, n int) ([]Entry, error) {
	if n == 0 {
		return nil, nil
	}
	b, err := a.Alloc(n * int(unsafe.Sizeof(Entry{})))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*Entry)(unsafe.Pointer(&b[0])), n), nil
}
