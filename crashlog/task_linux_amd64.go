// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crashlog

import (
	"golang.org/x/sys/unix"
)

// ptraceRegs fills regs in the elf_gregset_t layout used by
// arch.AMD64, which matches the kernel's user_regs_struct field order.
func ptraceRegs(tid int, regs []uint64) error {
	var pr unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &pr); err != nil {
		return err
	}
	file := [...]uint64{
		pr.R15, pr.R14, pr.R13, pr.R12, pr.Rbp, pr.Rbx, pr.R11, pr.R10,
		pr.R9, pr.R8, pr.Rax, pr.Rcx, pr.Rdx, pr.Rsi, pr.Rdi, pr.Orig_rax,
		pr.Rip, pr.Cs, pr.Eflags, pr.Rsp, pr.Ss, pr.Fs_base, pr.Gs_base,
		pr.Ds, pr.Es, pr.Fs, pr.Gs,
	}
	copy(regs, file[:])
	return nil
}
