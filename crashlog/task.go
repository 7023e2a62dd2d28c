// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crashlog

import (
	"errors"
	"unsafe"

	"github.com/sigsnap/sigsnap/internal/arena"
)

// A ThreadInfo identifies one OS thread of the target task.
type ThreadInfo struct {
	TID int
	// Name aliases task- or arena-owned memory and may be nil when
	// the thread's name cannot be obtained; the field is then simply
	// absent from the report.
	Name []byte
}

// A Task is the orchestrator's handle onto the process being reported
// on. Every method must restrict itself to data-only reads and
// minimal, non-blocking system calls: the task's threads may be
// suspended holding arbitrary locks.
type Task interface {
	// ReadAt reads len(p) bytes of the task's memory at addr.
	ReadAt(p []byte, addr uint64) (int, error)

	// Threads fills buf with the task's live threads, in OS
	// enumeration order, and returns the count. When the task has
	// more threads than buf holds, the excess is dropped.
	Threads(buf []ThreadInfo) (int, error)

	// ThreadState fills regs with the register file of a suspended
	// thread, laid out per the architecture Spec.
	ThreadState(tid int, regs []uint64) error

	// Suspend stops one thread; Resume restarts it. The orchestrator
	// never suspends the thread executing the handler and resumes
	// every suspended thread unconditionally once writing ends.
	Suspend(tid int) error
	Resume(tid int) error
}

// ErrUnsupported marks task operations the platform cannot provide;
// the orchestrator degrades rather than fails on it.
var ErrUnsupported = errors.New("crashlog: operation not supported by task")

// maxThreads bounds per-report thread bookkeeping; the buffers come
// from the arena, never the general allocator.
const maxThreads = 512

func allocThreadInfos(a *arena.Arena, n int) ([]ThreadInfo, error) {
	b, err := a.Alloc(n * int(unsafe.Sizeof(ThreadInfo{})))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*ThreadInfo)(unsafe.Pointer(&b[0])), n), nil
}
