// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crashlog

import (
	"encoding/binary"
	"errors"

	"github.com/sigsnap/sigsnap/arch"
	"github.com/sigsnap/sigsnap/internal/arena"
	"github.com/sigsnap/sigsnap/internal/image"
	"github.com/sigsnap/sigsnap/internal/symbol"
	"github.com/sigsnap/sigsnap/internal/unwind"
)

// Minimal 64-bit ELF walking over mapped memory. Everything here is
// data-only reads through a task handle: no file opening, no calls
// into the loader. Structures that are commonly unmapped (section
// headers, debug info) are treated as absent, not as errors.

const (
	elfClass64 = 2

	elfTypeExec = 2
	elfTypeDyn  = 3

	elfMachineX86_64  = 62
	elfMachineAarch64 = 183

	elfProgNote    = 4
	elfProgDynamic = 2

	elfDynNull    = 0
	elfDynHash    = 4
	elfDynStrtab  = 5
	elfDynSymtab  = 6
	elfDynGNUHash = 0x6ffffef5

	elfNoteGNUBuildID = 3

	elfSymSize  = 24
	elfPhdrSize = 56

	elfSTTFunc   = 2
	elfSTBGlobal = 1
	elfSTBWeak   = 2
)

var errNotELF = errors.New("crashlog: not a mapped ELF image")

// elfFile is one mapped ELF image addressed through task memory.
type elfFile struct {
	mem  unwind.Memory
	base uint64

	typ     uint16
	machine uint16
	phoff   uint64
	phnum   int
}

func openELF(mem unwind.Memory, base uint64) (elfFile, error) {
	var hdr [64]byte
	if _, err := mem.ReadAt(hdr[:], base); err != nil {
		return elfFile{}, err
	}
	if hdr[0] != 0x7f || hdr[1] != 'E' || hdr[2] != 'L' || hdr[3] != 'F' {
		return elfFile{}, errNotELF
	}
	if hdr[4] != elfClass64 {
		return elfFile{}, errNotELF
	}
	le := binary.LittleEndian
	return elfFile{
		mem:     mem,
		base:    base,
		typ:     le.Uint16(hdr[16:]),
		machine: le.Uint16(hdr[18:]),
		phoff:   le.Uint64(hdr[32:]),
		phnum:   int(le.Uint16(hdr[56:])),
	}, nil
}

// bias is the load offset added to unrelocated virtual addresses.
func (f *elfFile) bias() uint64 {
	if f.typ == elfTypeExec {
		return 0
	}
	return f.base
}

// cpuType maps the ELF machine onto the report's CPU type encoding.
func (f *elfFile) cpuType() (uint32, uint32) {
	switch f.machine {
	case elfMachineX86_64:
		return arch.AMD64.CPUType, arch.AMD64.CPUSubtype
	case elfMachineAarch64:
		return arch.ARM64.CPUType, arch.ARM64.CPUSubtype
	}
	return 0, 0
}

// phdr reads program header i. Program headers are part of the loaded
// image and reachable at base+phoff for any ordinary binary.
func (f *elfFile) phdr(i int, b []byte) (typ uint32, vaddr, filesz uint64, err error) {
	if _, err = f.mem.ReadAt(b[:elfPhdrSize], f.base+f.phoff+uint64(i*elfPhdrSize)); err != nil {
		return 0, 0, 0, err
	}
	le := binary.LittleEndian
	return le.Uint32(b), le.Uint64(b[16:]), le.Uint64(b[32:]), nil
}

// buildID locates the GNU build-id note and copies it into the arena.
func (f *elfFile) buildID(a *arena.Arena) []byte {
	var b [elfPhdrSize]byte
	for i := 0; i < f.phnum && i < 64; i++ {
		typ, vaddr, filesz, err := f.phdr(i, b[:])
		if err != nil {
			return nil
		}
		if typ != elfProgNote || filesz == 0 {
			continue
		}
		if id := f.scanNotes(f.bias()+vaddr, filesz, a); id != nil {
			return id
		}
	}
	return nil
}

func (f *elfFile) scanNotes(addr, size uint64, a *arena.Arena) []byte {
	var buf [512]byte
	if size > uint64(len(buf)) {
		size = uint64(len(buf))
	}
	if _, err := f.mem.ReadAt(buf[:size], addr); err != nil {
		return nil
	}
	le := binary.LittleEndian
	b := buf[:size]
	for len(b) >= 12 {
		// Sizes come from the crashed process and may be garbage; all
		// arithmetic stays in uint64 so corrupt values cannot wrap
		// past the bounds checks.
		namesz := uint64(le.Uint32(b))
		descsz := uint64(le.Uint32(b[4:]))
		typ := le.Uint32(b[8:])
		b = b[12:]
		nameEnd := (namesz + 3) &^ 3
		total := nameEnd + (descsz+3)&^3
		if namesz > uint64(len(b)) || total > uint64(len(b)) {
			return nil
		}
		name := b[:namesz]
		desc := b[nameEnd : nameEnd+descsz]
		b = b[total:]
		if typ == elfNoteGNUBuildID && namesz == 4 &&
			name[0] == 'G' && name[1] == 'N' && name[2] == 'U' {
			id, err := a.Dup(desc)
			if err != nil {
				return nil
			}
			return id
		}
	}
	return nil
}

// dynInfo is the subset of the dynamic section the symbol loader needs.
type dynInfo struct {
	symtab  uint64
	strtab  uint64
	hash    uint64
	gnuHash uint64
}

func (f *elfFile) dynamic() (dynInfo, error) {
	var b [elfPhdrSize]byte
	var di dynInfo
	for i := 0; i < f.phnum && i < 64; i++ {
		typ, vaddr, filesz, err := f.phdr(i, b[:])
		if err != nil {
			return di, err
		}
		if typ != elfProgDynamic {
			continue
		}
		addr := f.bias() + vaddr
		var ent [16]byte
		le := binary.LittleEndian
		for off := uint64(0); off < filesz && off < 16*512; off += 16 {
			if _, err := f.mem.ReadAt(ent[:], addr+off); err != nil {
				return di, err
			}
			tag := le.Uint64(ent[:])
			val := le.Uint64(ent[8:])
			switch tag {
			case elfDynNull:
				return di, nil
			case elfDynSymtab:
				di.symtab = f.relocated(val)
			case elfDynStrtab:
				di.strtab = f.relocated(val)
			case elfDynHash:
				di.hash = f.relocated(val)
			case elfDynGNUHash:
				di.gnuHash = f.relocated(val)
			}
		}
		return di, nil
	}
	return di, errNotELF
}

// relocated normalizes a dynamic-entry address: position-independent
// images store unrelocated vaddrs, which need the load bias added.
func (f *elfFile) relocated(v uint64) uint64 {
	if f.typ == elfTypeDyn && v < f.base {
		return f.base + v
	}
	return v
}

// dynsymCount derives the symbol count from the hash tables, the only
// place the dynamic section records it.
func (f *elfFile) dynsymCount(di dynInfo) int {
	le := binary.LittleEndian
	if di.hash != 0 {
		var b [8]byte
		if _, err := f.mem.ReadAt(b[:], di.hash); err == nil {
			// nchain equals the number of symbol table entries.
			return int(le.Uint32(b[4:]))
		}
	}
	if di.gnuHash == 0 {
		return 0
	}
	var hdr [16]byte
	if _, err := f.mem.ReadAt(hdr[:], di.gnuHash); err != nil {
		return 0
	}
	nbuckets := le.Uint32(hdr[:])
	symoffset := le.Uint32(hdr[4:])
	bloomSize := le.Uint32(hdr[8:])
	if nbuckets == 0 || nbuckets > 1<<20 {
		return 0
	}
	bucketsAddr := di.gnuHash + 16 + uint64(bloomSize)*8
	maxSym := uint32(0)
	var b [4]byte
	for i := uint32(0); i < nbuckets; i++ {
		if _, err := f.mem.ReadAt(b[:], bucketsAddr+uint64(i)*4); err != nil {
			return 0
		}
		if v := le.Uint32(b[:]); v > maxSym {
			maxSym = v
		}
	}
	if maxSym < symoffset {
		return int(symoffset)
	}
	// Walk the chain of the highest bucket to its terminator.
	chainsAddr := bucketsAddr + uint64(nbuckets)*4
	for {
		if _, err := f.mem.ReadAt(b[:], chainsAddr+uint64(maxSym-symoffset)*4); err != nil {
			return 0
		}
		if le.Uint32(b[:])&1 != 0 {
			return int(maxSym) + 1
		}
		maxSym++
		if maxSym-symoffset > 1<<20 {
			return 0
		}
	}
}

// ELFSymbols parses the in-memory dynamic symbol tables of loaded
// images. The fast strategy scans exported (global) function symbols;
// the full strategy also scans local and weak bindings.
type ELFSymbols struct {
	mem unwind.Memory
}

// NewELFSymbols returns a symbol loader reading through mem.
func NewELFSymbols(mem unwind.Memory) *ELFSymbols {
	return &ELFSymbols{mem: mem}
}

// Load implements symbol.Loader.
func (l *ELFSymbols) Load(img *image.Image, strategy symbol.Strategy, a *arena.Arena) (symbol.Table, error) {
	f, err := openELF(l.mem, img.Base)
	if err != nil {
		return symbol.Table{}, err
	}
	di, err := f.dynamic()
	if err != nil || di.symtab == 0 || di.strtab == 0 {
		return symbol.Table{}, symbol.ErrNotFound
	}
	count := f.dynsymCount(di)
	if count <= 1 {
		return symbol.Table{}, symbol.ErrNotFound
	}
	entries, err := symbol.AllocEntries(a, count)
	if err != nil {
		return symbol.Table{}, err
	}
	kept := 0
	var sym [elfSymSize]byte
	le := binary.LittleEndian
	for i := 1; i < count; i++ {
		if _, err := l.mem.ReadAt(sym[:], di.symtab+uint64(i*elfSymSize)); err != nil {
			break
		}
		info := sym[4]
		value := le.Uint64(sym[8:])
		if info&0xf != elfSTTFunc || value == 0 {
			continue
		}
		bind := info >> 4
		if strategy == symbol.Fast && bind != elfSTBGlobal && bind != elfSTBWeak {
			continue
		}
		name := l.symName(di.strtab+uint64(le.Uint32(sym[:])), a)
		if name == nil {
			continue
		}
		entries[kept] = symbol.Entry{Addr: f.bias() + value, Name: name}
		kept++
	}
	if kept == 0 {
		return symbol.Table{}, symbol.ErrNotFound
	}
	return symbol.Table{Entries: entries[:kept]}, nil
}

// symName copies one NUL-terminated string table entry into the arena.
func (l *ELFSymbols) symName(addr uint64, a *arena.Arena) []byte {
	var buf [256]byte
	n, err := l.mem.ReadAt(buf[:], addr)
	if err != nil && n <= 0 {
		return nil
	}
	end := 0
	for end < n && buf[end] != 0 {
		end++
	}
	if end == 0 {
		return nil
	}
	name, err := a.Dup(buf[:end])
	if err != nil {
		return nil
	}
	return name
}
