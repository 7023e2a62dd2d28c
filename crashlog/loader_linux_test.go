// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crashlog

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigsnap/sigsnap/internal/image"
)

func TestParseMapsLine(t *testing.T) {
	for _, tc := range []struct {
		line       string
		start, end uint64
		path       string
		ok         bool
	}{
		{
			line:  "00400000-00401000 r--p 00000000 08:01 1234 /bin/app",
			start: 0x400000, end: 0x401000, path: "/bin/app", ok: true,
		},
		{
			// Real maps output pads the inode column with spaces.
			line:  "7f1200000000-7f1200001000 r-xp 00000000 08:01 99     /usr/lib/libc.so.6",
			start: 0x7f1200000000, end: 0x7f1200001000, path: "/usr/lib/libc.so.6", ok: true,
		},
		{
			line:  "7ffc0000000-7ffc0001000 rw-p 00000000 00:00 0 [stack]",
			start: 0x7ffc0000000, end: 0x7ffc0001000, path: "[stack]", ok: true,
		},
		{
			line:  "7f0000000000-7f0000001000 rw-p 00000000 00:00 0 ",
			start: 0x7f0000000000, end: 0x7f0000001000, path: "", ok: true,
		},
		{line: "garbage", ok: false},
		{line: "", ok: false},
	} {
		start, end, path, ok := parseMapsLine([]byte(tc.line))
		assert.Equal(t, tc.ok, ok, "line=%q", tc.line)
		if !tc.ok {
			continue
		}
		assert.Equal(t, tc.start, start, "line=%q", tc.line)
		assert.Equal(t, tc.end, end, "line=%q", tc.line)
		assert.Equal(t, tc.path, string(path), "line=%q", tc.line)
	}
}

// Consecutive mappings of the same file collapse into one record whose
// size spans from the first base to the last end.
func TestProcLoaderParse(t *testing.T) {
	a := testArena(t)
	recs, err := allocRecords(a, 8)
	require.NoError(t, err)
	l := &ProcLoader{recs: recs}

	l.parse([]byte(
		"00400000-00401000 r--p 00000000 08:01 11 /bin/app\n" +
			"00401000-00403000 r-xp 00001000 08:01 11 /bin/app\n" +
			"00403000-00404000 rw-p 00003000 08:01 11 /bin/app\n" +
			"7f0000000000-7f0000021000 rw-p 00000000 00:00 0 \n" +
			"7f1000000000-7f1000001000 r-xp 00000000 08:01 22 /usr/lib/libc.so.6\n" +
			"7ffc00000000-7ffc00021000 rw-p 00000000 00:00 0 [stack]\n"))

	n, err := l.Count()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	var rec image.Record
	require.NoError(t, l.Record(0, &rec))
	assert.Equal(t, uint64(0x400000), rec.Base)
	assert.Equal(t, uint64(0x4000), rec.Size)
	assert.Equal(t, "/bin/app", string(rec.Path))

	require.NoError(t, l.Record(1, &rec))
	assert.Equal(t, uint64(0x7f1000000000), rec.Base)
	assert.Equal(t, "/usr/lib/libc.so.6", string(rec.Path))

	assert.Error(t, l.Record(2, &rec))
}

// An anonymous gap between mappings of the same file starts a new
// record rather than extending the old one.
func TestProcLoaderParseSplitImage(t *testing.T) {
	a := testArena(t)
	recs, err := allocRecords(a, 8)
	require.NoError(t, err)
	l := &ProcLoader{recs: recs}

	l.parse([]byte(
		"00400000-00401000 r-xp 00000000 08:01 11 /bin/app\n" +
			"00500000-00501000 rw-p 00000000 00:00 0 \n" +
			"00600000-00601000 r--p 00000000 08:01 11 /bin/app\n"))

	n, _ := l.Count()
	assert.Equal(t, 2, n)
}

// Self-inspection smoke test: the loader must find the running test
// binary among this process's own images.
func TestProcLoaderSelf(t *testing.T) {
	a := testArena(t)
	task, err := NewProcessTask(a)
	if err != nil {
		t.Skipf("cannot open /proc/self/mem: %v", err)
	}
	defer task.Close()

	l, err := NewProcLoader(0, task, a)
	require.NoError(t, err)
	n, err := l.Count()
	require.NoError(t, err)
	require.Greater(t, n, 0)

	exe, err := os.Executable()
	require.NoError(t, err)
	found := false
	var rec image.Record
	for i := 0; i < n; i++ {
		require.NoError(t, l.Record(i, &rec))
		if string(rec.Path) == exe {
			found = true
			assert.NotZero(t, rec.CPUType)
		}
	}
	assert.True(t, found, "test binary not in image list")
}

func TestProcessTaskThreads(t *testing.T) {
	a := testArena(t)
	task, err := NewProcessTask(a)
	if err != nil {
		t.Skipf("cannot open /proc/self/mem: %v", err)
	}
	defer task.Close()

	infos, err := allocThreadInfos(a, maxThreads)
	require.NoError(t, err)
	n, err := task.Threads(infos)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	self := unix.Gettid()
	found := false
	for i := 0; i < n; i++ {
		if infos[i].TID == self {
			found = true
		}
	}
	assert.True(t, found, "calling thread missing from enumeration")

	assert.Equal(t, ErrUnsupported, task.Suspend(self))
	assert.Equal(t, ErrUnsupported, task.ThreadState(self, nil))
}
