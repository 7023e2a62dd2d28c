// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crashlog

import (
	"strconv"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/sigsnap/sigsnap/internal/arena"
	"github.com/sigsnap/sigsnap/internal/image"
	"github.com/sigsnap/sigsnap/internal/unwind"
)

// ProcLoader reads a process's loaded-image bookkeeping from its maps
// table. Construction happens at crash time but stays data-only: one
// raw read of the maps file into the arena, a byte-level parse, and
// ELF header reads through the task handle. No loader call, no lock.
type ProcLoader struct {
	recs []image.Record
	n    int
}

const (
	maxImages   = 256
	maxMapsSize = 1 << 20
)

// NewProcLoader parses /proc/<pid>/maps (pid 0 means self) and fills
// in each image's identity from its mapped ELF header.
func NewProcLoader(pid int, mem unwind.Memory, a *arena.Arena) (*ProcLoader, error) {
	data, err := readMaps(pid, a)
	if err != nil {
		return nil, err
	}
	recs, err := allocRecords(a, maxImages)
	if err != nil {
		return nil, err
	}
	l := &ProcLoader{recs: recs}
	l.parse(data)
	for i := 0; i < l.n; i++ {
		rec := &l.recs[i]
		f, err := openELF(mem, rec.Base)
		if err != nil {
			continue
		}
		rec.CPUType, rec.CPUSubtype = f.cpuType()
		rec.UUID = f.buildID(a)
	}
	return l, nil
}

// Count implements image.LoaderTable.
func (l *ProcLoader) Count() (int, error) { return l.n, nil }

// Record implements image.LoaderTable.
func (l *ProcLoader) Record(i int, rec *image.Record) error {
	if i < 0 || i >= l.n {
		return errors.New("crashlog: image record out of range")
	}
	*rec = l.recs[i]
	return nil
}

func readMaps(pid int, a *arena.Arena) ([]byte, error) {
	path := "/proc/self/maps"
	if pid > 0 {
		var b [48]byte
		p := append(b[:0], "/proc/"...)
		p = strconv.AppendInt(p, int64(pid), 10)
		p = append(p, "/maps"...)
		path = string(p)
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	buf, err := a.Alloc(maxMapsSize)
	if err != nil {
		return nil, err
	}
	total := 0
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return buf[:total], nil
}

// parse walks the maps table line by line, grouping consecutive
// file-backed mappings of the same path into one image record. The
// first mapping of a group supplies the base address.
func (l *ProcLoader) parse(data []byte) {
	var curPath []byte
	for len(data) > 0 && l.n < len(l.recs) {
		line := data
		if i := indexByte(data, '\n'); i >= 0 {
			line = data[:i]
			data = data[i+1:]
		} else {
			data = nil
		}
		start, end, path, ok := parseMapsLine(line)
		if !ok {
			continue
		}
		if len(path) == 0 || path[0] != '/' {
			curPath = nil
			continue
		}
		if curPath != nil && bytesEqual(path, curPath) {
			rec := &l.recs[l.n-1]
			if end > rec.Base {
				rec.Size = end - rec.Base
			}
			continue
		}
		l.recs[l.n] = image.Record{Base: start, Size: end - start, Path: path}
		l.n++
		curPath = path
	}
}

// parseMapsLine splits "start-end perms offset dev inode path".
func parseMapsLine(line []byte) (start, end uint64, path []byte, ok bool) {
	var n int
	start, n = parseHex(line)
	if n == 0 || n >= len(line) || line[n] != '-' {
		return 0, 0, nil, false
	}
	line = line[n+1:]
	end, n = parseHex(line)
	if n == 0 {
		return 0, 0, nil, false
	}
	// Skip to the path: the gap after the end address, then perms,
	// offset, dev and inode, five space groups in all.
	field := 0
	i := n
	for ; i < len(line) && field < 5; i++ {
		if line[i] == ' ' {
			for i+1 < len(line) && line[i+1] == ' ' {
				i++
			}
			field++
		}
	}
	if field < 5 {
		return start, end, nil, true
	}
	for i < len(line) && line[i] == ' ' {
		i++
	}
	return start, end, line[i:], true
}

func parseHex(b []byte) (uint64, int) {
	v := uint64(0)
	i := 0
	for ; i < len(b); i++ {
		c := b[i]
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | uint64(c-'0')
		case c >= 'a' && c <= 'f':
			v = v<<4 | uint64(c-'a'+10)
		default:
			return v, i
		}
	}
	return v, i
}

func indexByte(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func allocRecords(a *arena.Arena, n int) ([]image.Record, error) {
	b, err := a.Alloc(n * int(unsafe.Sizeof(image.Record{})))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*image.Record)(unsafe.Pointer(&b[0])), n), nil
}
