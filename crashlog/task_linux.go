// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crashlog

import (
	"os"
	"runtime"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sigsnap/sigsnap/internal/arena"
)

// ProcessTask inspects the calling process itself. It is built for the
// in-handler capture path: memory reads go through a /proc/self/mem
// descriptor opened ahead of time, thread enumeration walks
// /proc/self/task with raw getdents, and nothing takes a lock.
//
// Self-inspection cannot stop sibling threads (a stop signal freezes
// the whole thread group, writer included) and cannot read their
// registers without ptrace, which a process may not apply to itself.
// Suspend, Resume and ThreadState therefore return ErrUnsupported and
// the orchestrator writes those threads with zero frames. A supervisor
// process using PtraceTask gets the full snapshot.
type ProcessTask struct {
	pid   int
	memFD int
	arena *arena.Arena
}

// NewProcessTask opens the handles the crash-time path will need. Must
// run at initialization time, outside any signal context.
func NewProcessTask(a *arena.Arena) (*ProcessTask, error) {
	fd, err := unix.Open("/proc/self/mem", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "opening /proc/self/mem")
	}
	return &ProcessTask{pid: os.Getpid(), memFD: fd, arena: a}, nil
}

// Close releases the pre-opened descriptors. Not called after a crash.
func (t *ProcessTask) Close() {
	unix.Close(t.memFD)
}

// ReadAt reads the process's own memory via pread, which fails cleanly
// on unmapped addresses instead of faulting.
func (t *ProcessTask) ReadAt(p []byte, addr uint64) (int, error) {
	n, err := unix.Pread(t.memFD, p, int64(addr))
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, errors.New("crashlog: short memory read")
	}
	return n, nil
}

// Threads lists the thread group with raw getdents on /proc/self/task.
// Names come from each thread's comm file, copied into the arena;
// unreadable names are omitted.
func (t *ProcessTask) Threads(buf []ThreadInfo) (int, error) {
	fd, err := unix.Open("/proc/self/task", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	count := 0
	var dents [4096]byte
	for count < len(buf) {
		n, err := unix.Getdents(fd, dents[:])
		if err != nil || n == 0 {
			break
		}
		for off := 0; off < n && count < len(buf); {
			reclen := int(uint16(dents[off+16]) | uint16(dents[off+17])<<8)
			if reclen <= 0 || off+reclen > n {
				break
			}
			name := direntName(dents[off+19 : off+reclen])
			off += reclen
			tid, ok := parseTID(name)
			if !ok {
				continue
			}
			buf[count] = ThreadInfo{TID: tid, Name: t.threadName(tid)}
			count++
		}
	}
	return count, nil
}

func (t *ProcessTask) threadName(tid int) []byte {
	var path [64]byte
	p := append(path[:0], "/proc/self/task/"...)
	p = strconv.AppendInt(p, int64(tid), 10)
	p = append(p, "/comm"...)
	fd, err := unix.Open(string(p), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil
	}
	defer unix.Close(fd)
	var comm [16]byte
	n, err := unix.Read(fd, comm[:])
	if err != nil || n == 0 {
		return nil
	}
	if comm[n-1] == '\n' {
		n--
	}
	name, err := t.arena.Dup(comm[:n])
	if err != nil {
		return nil
	}
	return name
}

// ThreadState is unsupported for self-inspection; see type comment.
func (t *ProcessTask) ThreadState(tid int, regs []uint64) error { return ErrUnsupported }

// Suspend is unsupported for self-inspection; see type comment.
func (t *ProcessTask) Suspend(tid int) error { return ErrUnsupported }

// Resume is unsupported for self-inspection; see type comment.
func (t *ProcessTask) Resume(tid int) error { return ErrUnsupported }

func direntName(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

func parseTID(name []byte) (int, bool) {
	if len(name) == 0 {
		return 0, false
	}
	tid := 0
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, false
		}
		tid = tid*10 + int(c-'0')
	}
	return tid, true
}

// PtraceTask inspects another process from a healthy supervisor. All
// ptrace requests must issue from the thread that attached, so they
// are funneled through a dedicated locked OS thread.
type PtraceTask struct {
	pid int
	fc  chan func() error
	ec  chan error
}

// NewPtraceTask returns a task for the given process. The supervisor
// path runs outside any signal handler and may use ordinary Go
// facilities.
func NewPtraceTask(pid int) *PtraceTask {
	t := &PtraceTask{
		pid: pid,
		fc:  make(chan func() error),
		ec:  make(chan error),
	}
	go ptraceRun(t.fc, t.ec)
	return t
}

// ptraceRun runs all the closures from fc on a dedicated OS thread.
// Errors are returned on ec. Both channels must be unbuffered, to
// ensure the resultant error goes back to the goroutine that sent the
// closure.
func ptraceRun(fc chan func() error, ec chan error) {
	runtime.LockOSThread()
	for f := range fc {
		ec <- f()
	}
}

func (t *PtraceTask) call(f func() error) error {
	t.fc <- f
	return <-t.ec
}

// Close stops the ptrace thread.
func (t *PtraceTask) Close() {
	close(t.fc)
}

// ReadAt prefers process_vm_readv; when that is denied it falls back
// to word-by-word ptrace peeks, which require the thread be attached.
func (t *PtraceTask) ReadAt(p []byte, addr uint64) (int, error) {
	local := []unix.Iovec{{Base: &p[0], Len: uint64(len(p))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(p)}}
	n, err := unix.ProcessVMReadv(t.pid, local, remote, 0)
	if err == nil {
		if n < len(p) {
			return n, errors.New("crashlog: short memory read")
		}
		return n, nil
	}
	var peekErr error
	var peeked int
	peekErr = t.call(func() error {
		var err error
		peeked, err = unix.PtracePeekData(t.pid, uintptr(addr), p)
		return err
	})
	if peekErr != nil {
		return 0, peekErr
	}
	return peeked, nil
}

// Threads lists the target's thread group in /proc enumeration order.
func (t *PtraceTask) Threads(buf []ThreadInfo) (int, error) {
	entries, err := os.ReadDir("/proc/" + strconv.Itoa(t.pid) + "/task")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if count == len(buf) {
			break
		}
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		var name []byte
		if comm, err := os.ReadFile("/proc/" + strconv.Itoa(t.pid) + "/task/" + e.Name() + "/comm"); err == nil {
			if n := len(comm); n > 0 && comm[n-1] == '\n' {
				comm = comm[:n-1]
			}
			name = comm
		}
		buf[count] = ThreadInfo{TID: tid, Name: name}
		count++
	}
	return count, nil
}

// Suspend attaches to one thread and waits for it to stop.
func (t *PtraceTask) Suspend(tid int) error {
	return t.call(func() error {
		if err := unix.PtraceAttach(tid); err != nil {
			return err
		}
		var ws unix.WaitStatus
		for {
			if _, err := unix.Wait4(tid, &ws, unix.WALL, nil); err != nil {
				return err
			}
			if ws.Stopped() {
				return nil
			}
		}
	})
}

// Resume detaches, letting the thread run again.
func (t *PtraceTask) Resume(tid int) error {
	return t.call(func() error {
		return unix.PtraceDetach(tid)
	})
}

// ThreadState reads the register file of an attached, stopped thread.
func (t *PtraceTask) ThreadState(tid int, regs []uint64) error {
	return t.call(func() error {
		return ptraceRegs(tid, regs)
	})
}
