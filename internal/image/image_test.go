// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigsnap/sigsnap/internal/arena"
)

type fakeTable struct {
	recs    []Record
	countFn func() (int, error)
	recFn   func(i int, rec *Record) error
}

func (t *fakeTable) Count() (int, error) {
	if t.countFn != nil {
		return t.countFn()
	}
	return len(t.recs), nil
}

func (t *fakeTable) Record(i int, rec *Record) error {
	if t.recFn != nil {
		return t.recFn(i, rec)
	}
	*rec = t.recs[i]
	return nil
}

func newArena(t *testing.T) *arena.Arena {
	t.Helper()
	a, err := arena.New(64 << 10)
	require.NoError(t, err)
	t.Cleanup(a.Free)
	return a
}

func TestBuild(t *testing.T) {
	a := newArena(t)
	lt := &fakeTable{recs: []Record{
		{Base: 0x7f0000000000, Size: 0x1000, Path: []byte("/usr/lib/libc.so.6"), UUID: []byte{1, 2}},
		{Base: 0x400000, Size: 0x2000, Path: []byte("/bin/app"), UUID: []byte{3, 4}},
	}}
	inv, err := Build(lt, a)
	require.NoError(t, err)
	require.Equal(t, 2, inv.Len())

	// Loader order is preserved.
	assert.Equal(t, []byte("/usr/lib/libc.so.6"), inv.At(0).Path)
	assert.Equal(t, []byte("/bin/app"), inv.At(1).Path)

	// Arena copies, not aliases of the loader's buffers.
	lt.recs[0].Path[1] = 'X'
	assert.Equal(t, []byte("/usr/lib/libc.so.6"), inv.At(0).Path)
}

func TestForAddressBoundaries(t *testing.T) {
	a := newArena(t)
	lt := &fakeTable{recs: []Record{
		{Base: 0x1000, Size: 0x1000, Path: []byte("a")},
		{Base: 0x3000, Size: 0x1000, Path: []byte("b")},
	}}
	inv, err := Build(lt, a)
	require.NoError(t, err)

	for _, tc := range []struct {
		addr uint64
		want string
	}{
		{0xfff, ""},
		{0x1000, "a"},
		{0x1fff, "a"},
		{0x2000, ""},
		{0x2fff, ""},
		{0x3000, "b"},
		{0x3fff, "b"},
		{0x4000, ""},
	} {
		im := inv.ForAddress(tc.addr)
		if tc.want == "" {
			assert.Nil(t, im, "addr=%#x", tc.addr)
		} else {
			require.NotNil(t, im, "addr=%#x", tc.addr)
			assert.Equal(t, tc.want, string(im.Path), "addr=%#x", tc.addr)
		}
	}
}

// Overlapping ranges fall back to a loader-order scan, so the image
// registered first wins.
func TestForAddressOverlapFirstMatch(t *testing.T) {
	a := newArena(t)
	lt := &fakeTable{recs: []Record{
		{Base: 0x2000, Size: 0x2000, Path: []byte("late")},
		{Base: 0x1000, Size: 0x4000, Path: []byte("early")},
	}}
	inv, err := Build(lt, a)
	require.NoError(t, err)

	im := inv.ForAddress(0x2800)
	require.NotNil(t, im)
	assert.Equal(t, "late", string(im.Path))

	im = inv.ForAddress(0x1800)
	require.NotNil(t, im)
	assert.Equal(t, "early", string(im.Path))
}

func TestBuildEmpty(t *testing.T) {
	a := newArena(t)
	inv, err := Build(&fakeTable{}, a)
	require.NoError(t, err)
	assert.Equal(t, 0, inv.Len())
	assert.Nil(t, inv.ForAddress(0x1000))
}

func TestBuildErrors(t *testing.T) {
	a := newArena(t)
	boom := errors.New("loader unreadable")

	_, err := Build(&fakeTable{countFn: func() (int, error) { return 0, boom }}, a)
	assert.ErrorIs(t, err, boom)

	lt := &fakeTable{
		recs:  []Record{{Base: 1}, {Base: 2}},
		recFn: func(i int, rec *Record) error { return boom },
	}
	lt.countFn = func() (int, error) { return 2, nil }
	_, err = Build(lt, a)
	assert.ErrorIs(t, err, boom)
}
