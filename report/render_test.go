// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigsnap/sigsnap/arch"
	"github.com/sigsnap/sigsnap/internal/wire"
)

func TestParseRejectsBadHeader(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		[]byte("sig"),
		[]byte("notasnap"),
		[]byte("sigsnap\xff"), // unknown version
	} {
		_, err := Parse(data)
		assert.ErrorIs(t, err, ErrBadHeader)
	}
}

// Unknown top-level sections must be skipped, not rejected: newer
// writers may add fields this reader has never heard of.
func TestParseSkipsUnknownFields(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(wire.Magic)
	buf.WriteByte(wire.Version)
	w := wire.NewWriter(&buf)
	wire.PutUvarint(w, 500, 1)
	wire.PutBytes(w, 501, []byte("future section"))
	wire.PutMessage(w, wire.FieldSignal, func(w *wire.Writer) int {
		return wire.PutString(w, wire.SignalName, "SIGABRT")
	})
	require.NoError(t, w.Err())

	r, err := Parse(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "SIGABRT", r.Signal.Name)
}

func testReport() *Report {
	return &Report{
		Version: 1,
		Info: ReportInfo{
			UUID:      uuid.MustParse("01234567-89ab-cdef-0123-456789abcdef"),
			Timestamp: time.Unix(1700000000, 0).UTC(),
		},
		System: SystemInfo{
			OS: "linux", OSVersion: "6.1.0", OSBuild: "generic",
			Arch: "amd64", Timestamp: time.Unix(1700000000, 0).UTC(),
		},
		Machine: MachineInfo{Model: "Standard PC", CPUType: arch.AMD64.CPUType},
		App:     AppInfo{Identifier: "com.example.crashy", Version: "1.2.3", MarketingVersion: "1.2"},
		Process: ProcessInfo{
			Name: "crashy", PID: 1234, Path: "/opt/crashy/crashy",
			ParentName: "init", ParentPID: 1,
		},
		Threads: []Thread{
			{
				ID: 7, Crashed: true,
				Frames: []Frame{
					{PC: 0x401010, Symbol: &Symbol{Name: "crash_me", Start: 0x401000}},
					{PC: 0x7f1000000200},
				},
				Registers: []Register{
					{Name: "rip", Value: 0x401010},
					{Name: "rsp", Value: 0x7ffc000010},
				},
			},
			{ID: 9, Name: "worker", Frames: []Frame{{PC: 0x7f1000000300}}},
		},
		Images: []Image{
			// Deliberately out of order; the renderer sorts by base.
			{Base: 0x7f1000000000, Size: 0x1000, Path: "/usr/lib/libwork.so", UUID: []byte{0xcc}},
			{Base: 0x400000, Size: 0x2000, Path: "/opt/crashy/crashy", UUID: []byte{0xaa, 0xbb}},
		},
		Signal: Signal{Name: "SIGSEGV", Code: 1, Address: 0xdeadbeef},
	}
}

func TestRender(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, testReport().Render(&sb))
	out := sb.String()

	assert.Contains(t, out, "Incident Identifier: 01234567-89ab-cdef-0123-456789abcdef")
	assert.Contains(t, out, "Hardware Model:      Standard PC")
	assert.Contains(t, out, "Process:             crashy [1234]")
	assert.Contains(t, out, "Identifier:          com.example.crashy")
	assert.Contains(t, out, "Version:             1.2.3 (1.2)")
	assert.Contains(t, out, "Code Type:           X86-64")
	assert.Contains(t, out, "Parent Process:      init [1]")
	assert.Contains(t, out, "OS Version:          Linux 6.1.0 (generic)")
	assert.Contains(t, out, "Exception Type:      SIGSEGV")
	assert.Contains(t, out, "Crashed Thread:      7")
	assert.Contains(t, out, "Thread 7 Crashed:")
	assert.Contains(t, out, "Thread 9: name: worker")
	assert.Contains(t, out, "crash_me + 16")
	assert.Contains(t, out, "rip: 0x0000000000401010")
	assert.Contains(t, out, "Binary Images:")
	assert.Contains(t, out, "<aabb>")

	// Frames name the owning image; images come out sorted by base.
	assert.Contains(t, out, "libwork.so")
	section := out[strings.Index(out, "Binary Images:"):]
	assert.Less(t,
		strings.Index(section, "/opt/crashy/crashy"),
		strings.Index(section, "/usr/lib/libwork.so"))
}

// A degraded record with no size must not underflow the end address.
func TestRenderZeroSizeImage(t *testing.T) {
	r := testReport()
	r.Images = append(r.Images, Image{Base: 0x900000, Path: "/usr/lib/libempty.so"})

	var sb strings.Builder
	require.NoError(t, r.Render(&sb))
	out := sb.String()

	assert.Contains(t, out, "libempty.so")
	assert.NotContains(t, out, "0xffffffffffffffff")
	assert.Contains(t, out, "0x0000000000900000")
}

func TestRenderMachAndException(t *testing.T) {
	r := testReport()
	r.Signal.Mach = &MachException{Type: 1, Codes: []int64{13, 0}}
	r.Exception = &Exception{
		Name:   "PanicException",
		Reason: "index out of range",
		Frames: []Frame{{PC: 0x401010, Symbol: &Symbol{Name: "crash_me", Start: 0x401000}}},
	}

	var sb strings.Builder
	require.NoError(t, r.Render(&sb))
	out := sb.String()

	assert.Contains(t, out, "Mach Exception:      0x1 [0xd, 0x0]")
	assert.Contains(t, out, "Application Specific Information:")
	assert.Contains(t, out, "PanicException: index out of range")
	assert.Contains(t, out, "Last Exception Backtrace:")
}

// arm64 reports display the conventional fp/lr aliases while the file
// itself keeps canonical register names.
func TestRenderRegisterAliases(t *testing.T) {
	r := testReport()
	r.System.Arch = "arm64"
	r.Machine.CPUType = arch.ARM64.CPUType
	r.Threads[0].Registers = []Register{
		{Name: "x29", Value: 0x1000},
		{Name: "x30", Value: 0x2000},
		{Name: "pc", Value: 0x3000},
	}

	var sb strings.Builder
	require.NoError(t, r.Render(&sb))
	out := sb.String()

	assert.Contains(t, out, "fp: 0x")
	assert.Contains(t, out, "lr: 0x")
	assert.NotContains(t, out, "x29")
	assert.Contains(t, out, "Code Type:           ARM-64")
}

func TestCrashedThread(t *testing.T) {
	r := testReport()
	ct := r.CrashedThread()
	require.NotNil(t, ct)
	assert.Equal(t, 7, ct.ID)

	r.Threads = r.Threads[1:]
	assert.Nil(t, r.CrashedThread())
}

func TestImageForAddress(t *testing.T) {
	r := testReport()
	im := r.ImageForAddress(0x401010)
	require.NotNil(t, im)
	assert.Equal(t, "/opt/crashy/crashy", im.Path)
	assert.Nil(t, r.ImageForAddress(0x300000))
}
