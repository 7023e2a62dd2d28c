// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch contains architecture-specific definitions used by the
// stack cursor and the report renderer: register files, frame layout,
// and pointer decoding. A Spec is selected once, when a cursor is
// initialized, so the engine itself never branches on architecture.
package arch

import (
	"encoding/binary"
)

// Spec defines the architecture-specific details for a given machine.
// RegNames gives the canonical name for every slot of a register file;
// the same indices are used by cursors and by pre-captured thread
// states handed to the crash writer.
type Spec struct {
	// Name is the Go name of the architecture: "amd64", "arm64".
	Name string
	// PointerSize is the size of a pointer, in bytes.
	PointerSize int
	// ByteOrder is the byte order for ints and pointers.
	ByteOrder binary.ByteOrder
	// RegNames names each register file slot. Encoders store these
	// names verbatim; display renaming is the renderer's business.
	RegNames []string
	// PC, SP and FP index the register file.
	PC, SP, FP int
	// LR indexes the link register, or is -1 when the architecture
	// keeps return addresses only on the stack.
	LR int
	// CPUType and CPUSubtype identify the architecture in image
	// records and machine info sections.
	CPUType, CPUSubtype uint32
}

// RegCount returns the number of slots in the register file.
func (a *Spec) RegCount() int {
	return len(a.RegNames)
}

// Uintptr decodes a pointer-sized value from buf.
func (a *Spec) Uintptr(buf []byte) uint64 {
	if len(buf) != a.PointerSize {
		panic("bad PointerSize")
	}
	switch a.PointerSize {
	case 4:
		return uint64(a.ByteOrder.Uint32(buf[:4]))
	case 8:
		return a.ByteOrder.Uint64(buf[:8])
	}
	panic("no PointerSize")
}

// AMD64 uses the elf_gregset_t register ordering so that states read
// from prstatus notes or ptrace need no translation.
var AMD64 = Spec{
	Name:        "amd64",
	PointerSize: 8,
	ByteOrder:   binary.LittleEndian,
	RegNames: []string{
		"r15", "r14", "r13", "r12", "rbp", "rbx", "r11", "r10",
		"r9", "r8", "rax", "rcx", "rdx", "rsi", "rdi", "orig_rax",
		"rip", "cs", "eflags", "rsp", "ss", "fs_base", "gs_base",
		"ds", "es", "fs", "gs",
	},
	PC: 16,
	SP: 19,
	FP: 4,
	LR: -1,

	CPUType:    cpuTypeX86 | cpuArch64,
	CPUSubtype: cpuSubtypeX86All,
}

// ARM64 orders x0-x30 first, then sp and pc, matching user_regs_struct.
var ARM64 = Spec{
	Name:        "arm64",
	PointerSize: 8,
	ByteOrder:   binary.LittleEndian,
	RegNames: []string{
		"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
		"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
		"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
		"x24", "x25", "x26", "x27", "x28", "x29", "x30",
		"sp", "pc",
	},
	PC: 32,
	SP: 31,
	FP: 29,
	LR: 30,

	CPUType:    cpuTypeARM | cpuArch64,
	CPUSubtype: cpuSubtypeARMAll,
}

// CPU type constants stored in machine-info and binary-image sections.
// The values follow the conventional vendor encodings so reports remain
// readable by preexisting tooling.
const (
	cpuArch64        = 0x01000000
	cpuTypeX86       = 7
	cpuTypeARM       = 12
	cpuSubtypeX86All = 3
	cpuSubtypeARMAll = 0
)

// ByName returns the Spec for a Go architecture name, or nil.
func ByName(name string) *Spec {
	switch name {
	case "amd64":
		return &AMD64
	case "arm64":
		return &ARM64
	}
	return nil
}

// ByCPUType returns the Spec matching an encoded CPU type, or nil.
// The renderer uses this to pick register formatting for a report
// produced on another machine.
func ByCPUType(cpuType uint32) *Spec {
	switch cpuType {
	case AMD64.CPUType:
		return &AMD64
	case ARM64.CPUType:
		return &ARM64
	}
	return nil
}
