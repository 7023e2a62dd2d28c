// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocZeroed(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)
	defer a.Free()

	b, err := a.Alloc(128)
	require.NoError(t, err)
	assert.Len(t, b, 128)
	for i, c := range b {
		if c != 0 {
			t.Fatalf("byte %d not zero", i)
		}
	}
}

func TestAllocAligned(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)
	defer a.Free()

	for _, n := range []int{1, 3, 7, 8, 9} {
		b, err := a.Alloc(n)
		require.NoError(t, err)
		assert.Len(t, b, (n+7)&^7)
	}
}

func TestGrowth(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)
	defer a.Free()

	// Exhaust the first region and keep going; the arena must reserve
	// further regions on demand without disturbing earlier memory.
	first, err := a.Alloc(4000)
	require.NoError(t, err)
	first[0] = 0xAA

	for i := 0; i < 16; i++ {
		b, err := a.Alloc(1024)
		require.NoError(t, err)
		b[0] = byte(i)
	}
	assert.Equal(t, byte(0xAA), first[0])
	assert.Greater(t, a.Size(), 4096)
}

func TestLargeAllocation(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)
	defer a.Free()

	b, err := a.Alloc(1 << 20)
	require.NoError(t, err)
	assert.Len(t, b, 1<<20)
}

func TestDup(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)
	defer a.Free()

	src := []byte("libcrash.so")
	d, err := a.Dup(src)
	require.NoError(t, err)
	assert.Equal(t, src, d)
	src[0] = 'X'
	assert.Equal(t, byte('l'), d[0])

	s, err := a.DupString("main")
	require.NoError(t, err)
	assert.Equal(t, []byte("main"), s)
}

func TestRegionTableExhaustion(t *testing.T) {
	a, err := New(4096)
	require.NoError(t, err)
	defer a.Free()

	// Force one fresh region per allocation until the region table is
	// full; the failure must be ErrNoMemory, not a panic.
	var lastErr error
	for i := 0; i < maxRegions+1; i++ {
		_, lastErr = a.Alloc(4096)
		if lastErr != nil {
			break
		}
	}
	assert.ErrorIs(t, lastErr, ErrNoMemory)
}
