// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package unwind reconstructs call frames for a suspended thread.
// A Cursor yields a lazy, finite, forward-only sequence of frames:
// first the initial register context, then each caller recovered by
// walking the frame-pointer chain through data-only memory reads.
// Cursors are not restartable; the orchestrator initializes a fresh
// one for every pass over a thread.
package unwind

import (
	"errors"

	"github.com/sigsnap/sigsnap/arch"
	"github.com/sigsnap/sigsnap/internal/image"
)

// MaxFrames caps a walk. Corrupted or cyclic frame chains terminate
// here instead of hanging the handler.
const MaxFrames = 512

// Memory is a data-only view of the suspended process's address space.
type Memory interface {
	ReadAt(p []byte, addr uint64) (int, error)
}

var (
	// errBadState marks a cursor used before Init or after exhaustion.
	errBadState = errors.New("unwind: cursor not ready")
)

// A Cursor walks one thread's stack. The zero value is unusable; call
// Init first.
type Cursor struct {
	arch *arch.Spec
	mem  Memory
	inv  *image.Inventory

	regs    [64]uint64 // current frame's register file
	nregs   int
	fp      uint64
	depth   int
	started bool
	done    bool

	buf [16]byte
}

// Init prepares c to walk a thread whose captured register state is
// regs, laid out per spec. The inventory is consulted to decide when a
// recovered return address no longer points into any known image.
func (c *Cursor) Init(spec *arch.Spec, mem Memory, regs []uint64, inv *image.Inventory) {
	*c = Cursor{arch: spec, mem: mem, inv: inv}
	n := copy(c.regs[:], regs)
	c.nregs = n
	if spec.FP < n {
		c.fp = c.regs[spec.FP]
	}
}

// Next advances to the next frame. It returns false with a nil error
// when the bottom of the stack (or the frame cap) is reached, and
// false with an error when the walk cannot continue. Frames already
// produced remain valid either way; a partial backtrace is always
// preferable to none.
func (c *Cursor) Next() (bool, error) {
	if c.arch == nil || c.done {
		return false, errBadState
	}
	if !c.started {
		c.started = true
		c.depth = 1
		return true, nil
	}
	if c.depth >= MaxFrames {
		c.done = true
		return false, nil
	}
	pc, fp, ok, err := c.caller()
	if err != nil {
		c.done = true
		return false, err
	}
	if !ok {
		c.done = true
		return false, nil
	}
	// Past the first frame only PC and FP are known; the rest of the
	// register file is meaningful only for the top of a crashed
	// thread.
	for i := range c.regs[:c.nregs] {
		c.regs[i] = 0
	}
	c.regs[c.arch.PC] = pc
	c.regs[c.arch.FP] = fp
	c.fp = fp
	c.depth++
	return true, nil
}

// caller recovers the return address and saved frame pointer of the
// calling frame. Layout on both supported architectures: [fp] holds
// the caller's frame pointer, [fp+ptr] the return address.
func (c *Cursor) caller() (pc, fp uint64, ok bool, err error) {
	cur := c.fp
	if cur == 0 {
		// No chain. On link-register architectures the immediate
		// caller of a leaf frame is still recoverable from LR.
		if c.depth == 1 && c.arch.LR >= 0 && c.arch.LR < c.nregs {
			if lr := c.regs[c.arch.LR]; lr != 0 && c.owned(lr) {
				return lr, 0, true, nil
			}
		}
		return 0, 0, false, nil
	}
	ps := c.arch.PointerSize
	b := c.buf[:2*ps]
	if _, err := c.mem.ReadAt(b, cur); err != nil {
		// Unreadable frame record: stop with what we have.
		return 0, 0, false, nil
	}
	fp = c.arch.Uintptr(b[:ps])
	pc = c.arch.Uintptr(b[ps : 2*ps])
	if pc == 0 {
		return 0, 0, false, nil
	}
	if !c.owned(pc) {
		return 0, 0, false, nil
	}
	// The chain must move strictly toward the stack base, or it is
	// corrupt (or cyclic).
	if fp != 0 && fp <= cur {
		return 0, 0, false, nil
	}
	return pc, fp, true, nil
}

// owned reports whether some image contains pc. An empty inventory
// cannot veto anything.
func (c *Cursor) owned(pc uint64) bool {
	if c.inv == nil || c.inv.Len() == 0 {
		return true
	}
	return c.inv.ForAddress(pc) != nil
}

// PC returns the program counter of the current frame.
func (c *Cursor) PC() uint64 {
	return c.regs[c.arch.PC]
}

// Depth returns the 1-based index of the current frame.
func (c *Cursor) Depth() int {
	return c.depth
}

// RegCount returns the size of the current frame's register file.
// Only the first frame of a walk carries a full, meaningful set.
func (c *Cursor) RegCount() int {
	return c.nregs
}

// Reg returns the value of register i in the current frame.
func (c *Cursor) Reg(i int) uint64 {
	return c.regs[i]
}

// RegName returns the canonical name of register i.
func (c *Cursor) RegName(i int) string {
	return c.arch.RegNames[i]
}
