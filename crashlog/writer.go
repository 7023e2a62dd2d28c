// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crashlog

import (
	"errors"
	"io"

	"github.com/sigsnap/sigsnap/arch"
	"github.com/sigsnap/sigsnap/internal/image"
	"github.com/sigsnap/sigsnap/internal/symbol"
	"github.com/sigsnap/sigsnap/internal/unwind"
	"github.com/sigsnap/sigsnap/internal/wire"
)

var (
	// ErrNotInitialized is returned when the context has not finished
	// initialization or was already consumed.
	ErrNotInitialized = errors.New("crashlog: context not initialized")
)

// A Signal describes the fault being reported: the BSD-style signal
// triple, plus optional lower-level hardware exception detail.
type Signal struct {
	Name    string
	Code    int64
	Address uint64

	// Mach carries the hardware exception type and raw codes when the
	// platform surfaced them; nil otherwise.
	Mach *MachException
}

// A MachException is the hardware-level view of a fault.
type MachException struct {
	Type  uint64
	Codes []int64
}

// A WriteRequest carries everything the installed handler hands the
// orchestrator when a crash fires.
type WriteRequest struct {
	// Task is the handle onto the crashing process.
	Task Task

	// Loader reads the dynamic loader's image bookkeeping. A nil or
	// failing loader degrades the report to zero binary images.
	Loader image.LoaderTable

	// Symbols parses per-image symbol tables; nil disables
	// symbolication regardless of the configured strategy.
	Symbols symbol.Loader

	// Sink is the open output file for the report.
	Sink io.Writer

	// Arch describes the register files in this request.
	Arch *arch.Spec

	// CrashedTID is the thread the report marks as crashed.
	CrashedTID int

	// CrashedState is the pre-captured register file of the crashed
	// thread. It is mandatory when the crashed thread is the one
	// executing the handler, since that thread cannot safely read its
	// own pre-crash registers. A supervisor may leave it nil; the
	// registers are then read from the suspended thread like any
	// peer's.
	CrashedState []uint64

	// SelfTID is the thread executing the handler; it is left
	// running while every other thread is suspended. Zero means the
	// crashed thread itself.
	SelfTID int

	// Signal is the fault metadata.
	Signal Signal
}

// Write runs the crash-time path: it emits the report header and every
// section in fixed order, suspending peer threads around the stack
// walks. It is entered exactly once; afterwards the context is done
// and must not be reused.
//
// Inside the write nothing is raised to the caller: each section
// proceeds with the best available partial data, and an exhausted
// arena or failed sink ends the file early with whatever was already
// flushed. The returned error reflects only misuse (wrong state) or
// the sink's first write failure.
func (c *Context) Write(req *WriteRequest) error {
	if c.state != stateInitialized {
		return ErrNotInitialized
	}
	c.state = stateWriting
	defer func() { c.state = stateDone }()

	w := wire.NewWriter(req.Sink)
	wire.PutRaw(w, wire.Magic)
	wire.PutRaw(w, []byte{wire.Version})

	c.putReportInfo(w)
	c.putSystemInfo(w, req.Arch)
	c.putMachineInfo(w)
	c.putAppInfo(w)
	c.putProcessInfo(w)

	// Build the inventory before any stack is walked; frames use it
	// to decide which binary owns a PC. A failed build degrades to an
	// empty inventory: a report without image data is strictly better
	// than no report.
	var inv image.Inventory
	if req.Loader != nil {
		if built, err := image.Build(req.Loader, c.arena); err == nil {
			inv = built
		}
	}

	var cache *symbol.Cache
	if req.Symbols != nil && c.cfg.Symbols != symbol.None {
		cache = symbol.NewCache(c.arena, req.Symbols)
	}

	c.writeThreads(w, req, &inv, cache)

	for i := 0; i < inv.Len(); i++ {
		putBinaryImage(w, inv.At(i))
	}

	if c.exc != nil {
		c.putException(w, req, &inv, cache)
	}
	putSignal(w, &req.Signal)

	// The symbol cache is per-report; drop it with the write. The
	// arena itself is only released by Close, which never runs after
	// a crash.
	return w.Err()
}

// writeThreads enumerates, suspends, walks and encodes every thread.
// Thread order follows OS enumeration order. Exactly one section is
// flagged crashed: the one matching req.CrashedTID, appended
// synthetically if enumeration failed to surface it.
func (c *Context) writeThreads(w *wire.Writer, req *WriteRequest, inv *image.Inventory, cache *symbol.Cache) {
	selfTID := req.SelfTID
	if selfTID == 0 {
		selfTID = req.CrashedTID
	}

	var threads []ThreadInfo
	n := 0
	if buf, err := allocThreadInfos(c.arena, maxThreads); err == nil {
		if got, err := req.Task.Threads(buf); err == nil {
			threads, n = buf, got
		}
	}

	var suspended [maxThreads]bool
	for i := 0; i < n; i++ {
		if threads[i].TID == selfTID {
			continue
		}
		if err := req.Task.Suspend(threads[i].TID); err == nil {
			suspended[i] = true
		}
	}
	defer func() {
		for i := 0; i < n; i++ {
			if suspended[i] {
				req.Task.Resume(threads[i].TID)
			}
		}
	}()

	sawCrashed := false
	var regsBuf [64]uint64
	for i := 0; i < n; i++ {
		t := threads[i]
		crashed := t.TID == req.CrashedTID
		if crashed {
			sawCrashed = true
		}
		regs := c.threadRegs(req, t.TID, crashed, regsBuf[:])
		putThread(w, req, inv, cache, c.cfg.Symbols, t, regs, crashed)
	}
	if !sawCrashed {
		putThread(w, req, inv, cache, c.cfg.Symbols,
			ThreadInfo{TID: req.CrashedTID},
			c.threadRegs(req, req.CrashedTID, true, regsBuf[:]), true)
	}
}

// threadRegs picks the register source for one thread: the
// pre-captured state for the crashed thread when the handler captured
// one, the task otherwise. A supervisor capture has no pre-captured
// state; the crashed thread is suspended like any peer there, so its
// registers come from the task too. A nil return yields a section with
// zero frames; one unreadable thread must not cost the rest of the
// report.
func (c *Context) threadRegs(req *WriteRequest, tid int, crashed bool, buf []uint64) []uint64 {
	if crashed && req.CrashedState != nil {
		return req.CrashedState
	}
	nregs := req.Arch.RegCount()
	if nregs > len(buf) {
		nregs = len(buf)
	}
	regs := buf[:nregs]
	for i := range regs {
		regs[i] = 0
	}
	if err := req.Task.ThreadState(tid, regs); err != nil {
		return nil
	}
	return regs
}

func (c *Context) putReportInfo(w *wire.Writer) int {
	ts := uint64(nowUnix())
	return wire.PutMessage(w, wire.FieldReportInfo, func(w *wire.Writer) int {
		n := wire.PutBytes(w, wire.ReportInfoUUID, c.id[:])
		n += wire.PutBool(w, wire.ReportInfoUserRequested, c.cfg.UserRequested)
		n += wire.PutFixed64(w, wire.ReportInfoTimestamp, ts)
		return n
	})
}

func (c *Context) putSystemInfo(w *wire.Writer, spec *arch.Spec) int {
	ts := uint64(nowUnix())
	archName := c.host.arch
	if spec != nil {
		archName = spec.Name
	}
	return wire.PutMessage(w, wire.FieldSystemInfo, func(w *wire.Writer) int {
		n := wire.PutString(w, wire.SystemInfoOS, c.host.os)
		n += wire.PutString(w, wire.SystemInfoOSVersion, c.host.osVersion)
		n += wire.PutString(w, wire.SystemInfoOSBuild, c.host.osBuild)
		n += wire.PutString(w, wire.SystemInfoArch, archName)
		n += wire.PutFixed64(w, wire.SystemInfoTimestamp, ts)
		return n
	})
}

func (c *Context) putMachineInfo(w *wire.Writer) int {
	return wire.PutMessage(w, wire.FieldMachineInfo, func(w *wire.Writer) int {
		n := wire.PutString(w, wire.MachineInfoModel, c.host.model)
		n += wire.PutUvarint(w, wire.MachineInfoCPUType, uint64(c.host.cpuType))
		n += wire.PutUvarint(w, wire.MachineInfoCPUSubtype, uint64(c.host.cpuSubtype))
		n += wire.PutUvarint(w, wire.MachineInfoPhysicalCores, uint64(c.host.physicalCores))
		n += wire.PutUvarint(w, wire.MachineInfoLogicalCores, uint64(c.host.logicalCores))
		return n
	})
}

func (c *Context) putAppInfo(w *wire.Writer) int {
	return wire.PutMessage(w, wire.FieldAppInfo, func(w *wire.Writer) int {
		n := wire.PutString(w, wire.AppInfoIdentifier, c.cfg.AppIdentifier)
		n += wire.PutString(w, wire.AppInfoVersion, c.cfg.AppVersion)
		if c.cfg.AppMarketingVersion != "" {
			n += wire.PutString(w, wire.AppInfoMarketingVersion, c.cfg.AppMarketingVersion)
		}
		return n
	})
}

func (c *Context) putProcessInfo(w *wire.Writer) int {
	return wire.PutMessage(w, wire.FieldProcessInfo, func(w *wire.Writer) int {
		n := wire.PutString(w, wire.ProcessInfoName, c.proc.name)
		n += wire.PutUvarint(w, wire.ProcessInfoPID, uint64(c.proc.pid))
		n += wire.PutString(w, wire.ProcessInfoPath, c.proc.path)
		if c.proc.parentName != "" {
			n += wire.PutString(w, wire.ProcessInfoParentName, c.proc.parentName)
		}
		n += wire.PutUvarint(w, wire.ProcessInfoParentPID, uint64(c.proc.parentPID))
		n += wire.PutBool(w, wire.ProcessInfoNative, c.proc.native)
		n += wire.PutFixed64(w, wire.ProcessInfoStartTime, uint64(c.proc.startTime))
		return n
	})
}

// putThread encodes one thread section. The body runs twice, once to
// size and once to emit; the walk reads only suspended-thread memory
// and the symbol cache retains its tables across the passes, so both
// produce identical bytes.
func putThread(w *wire.Writer, req *WriteRequest, inv *image.Inventory, cache *symbol.Cache,
	strategy symbol.Strategy, t ThreadInfo, regs []uint64, crashed bool) int {
	return wire.PutMessage(w, wire.FieldThread, func(w *wire.Writer) int {
		n := wire.PutUvarint(w, wire.ThreadID, uint64(t.TID))
		n += wire.PutBool(w, wire.ThreadCrashed, crashed)
		if len(t.Name) > 0 {
			n += wire.PutBytes(w, wire.ThreadName, t.Name)
		}
		if regs != nil {
			var cur unwind.Cursor
			cur.Init(req.Arch, req.Task, regs, inv)
			for {
				ok, err := cur.Next()
				if !ok || err != nil {
					// A partial backtrace beats none; stop
					// conditions and errors both just end the
					// frame list.
					break
				}
				n += putFrame(w, wire.ThreadFrame, cur.PC(), inv, cache, strategy)
			}
		}
		if crashed && regs != nil {
			nregs := req.Arch.RegCount()
			if nregs > len(regs) {
				nregs = len(regs)
			}
			for i := 0; i < nregs; i++ {
				n += putRegister(w, req.Arch.RegNames[i], regs[i])
			}
		}
		return n
	})
}

func putRegister(w *wire.Writer, name string, value uint64) int {
	return wire.PutMessage(w, wire.ThreadRegister, func(w *wire.Writer) int {
		n := wire.PutString(w, wire.RegisterName, name)
		n += wire.PutFixed64(w, wire.RegisterValue, value)
		return n
	})
}

// putFrame encodes one frame: the PC, and the resolved symbol when the
// owning image has one at or below the address. The symbol name is
// only touched inside the cache callback, while the image mapping is
// known valid.
func putFrame(w *wire.Writer, field uint32, pc uint64, inv *image.Inventory,
	cache *symbol.Cache, strategy symbol.Strategy) int {
	return wire.PutMessage(w, field, func(w *wire.Writer) int {
		n := wire.PutFixed64(w, wire.FramePC, pc)
		if cache == nil {
			return n
		}
		img := inv.ForAddress(pc)
		if img == nil {
			return n
		}
		cache.Find(img, strategy, pc, func(name []byte, start uint64) {
			n += wire.PutMessage(w, wire.FrameSymbol, func(w *wire.Writer) int {
				m := wire.PutBytes(w, wire.SymbolName, name)
				m += wire.PutFixed64(w, wire.SymbolStart, start)
				return m
			})
		})
		return n
	})
}

func putBinaryImage(w *wire.Writer, im *image.Image) int {
	return wire.PutMessage(w, wire.FieldBinaryImage, func(w *wire.Writer) int {
		n := wire.PutFixed64(w, wire.BinaryImageBase, im.Base)
		n += wire.PutUvarint(w, wire.BinaryImageSize, im.Size)
		n += wire.PutBytes(w, wire.BinaryImagePath, im.Path)
		n += wire.PutUvarint(w, wire.BinaryImageCPUType, uint64(im.CPUType))
		n += wire.PutUvarint(w, wire.BinaryImageCPUSubtype, uint64(im.CPUSubtype))
		if len(im.UUID) > 0 {
			n += wire.PutBytes(w, wire.BinaryImageUUID, im.UUID)
		}
		return n
	})
}

// putException encodes the previously-captured uncaught exception: its
// name, reason, and the frames resolved from its raw return-address
// stack, capped like any other walk.
func (c *Context) putException(w *wire.Writer, req *WriteRequest, inv *image.Inventory, cache *symbol.Cache) int {
	stack := c.exc.callStack
	if len(stack) > unwind.MaxFrames {
		stack = stack[:unwind.MaxFrames]
	}
	return wire.PutMessage(w, wire.FieldException, func(w *wire.Writer) int {
		n := wire.PutString(w, wire.ExceptionName, c.exc.name)
		n += wire.PutString(w, wire.ExceptionReason, c.exc.reason)
		for _, pc := range stack {
			n += putFrame(w, wire.ExceptionFrame, pc, inv, cache, c.cfg.Symbols)
		}
		return n
	})
}

func putSignal(w *wire.Writer, sig *Signal) int {
	return wire.PutMessage(w, wire.FieldSignal, func(w *wire.Writer) int {
		n := wire.PutString(w, wire.SignalName, sig.Name)
		n += wire.PutUvarint(w, wire.SignalCode, uint64(sig.Code))
		n += wire.PutFixed64(w, wire.SignalAddress, sig.Address)
		if sig.Mach != nil {
			n += wire.PutMessage(w, wire.SignalMach, func(w *wire.Writer) int {
				m := wire.PutUvarint(w, wire.MachExceptionType, sig.Mach.Type)
				for _, code := range sig.Mach.Codes {
					m += wire.PutUvarint(w, wire.MachExceptionCode, uint64(code))
				}
				return m
			})
		}
		return n
	})
}
