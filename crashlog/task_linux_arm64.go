// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crashlog

import (
	"golang.org/x/sys/unix"
)

// ptraceRegs fills regs in the arch.ARM64 layout: x0-x30, sp, pc.
func ptraceRegs(tid int, regs []uint64) error {
	var pr unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &pr); err != nil {
		return err
	}
	n := copy(regs, pr.Regs[:])
	if n < len(regs) {
		regs[n] = pr.Sp
		n++
	}
	if n < len(regs) {
		regs[n] = pr.Pc
	}
	return nil
}
