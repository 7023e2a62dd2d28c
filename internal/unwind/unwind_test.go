// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unwind

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigsnap/sigsnap/arch"
	"github.com/sigsnap/sigsnap/internal/arena"
	"github.com/sigsnap/sigsnap/internal/image"
)

// fakeMemory serves reads from a single contiguous segment, the way a
// stack mapping would look.
type fakeMemory struct {
	base uint64
	data []byte
}

func (m *fakeMemory) ReadAt(p []byte, addr uint64) (int, error) {
	if addr < m.base || addr-m.base+uint64(len(p)) > uint64(len(m.data)) {
		return 0, errors.New("fault")
	}
	return copy(p, m.data[addr-m.base:]), nil
}

func (m *fakeMemory) put64(addr, v uint64) {
	binary.LittleEndian.PutUint64(m.data[addr-m.base:], v)
}

const stackBase = 0x7ffd0000_0000

// chain lays out frame records so that walking from the first yields
// the given return addresses, terminated by a zero frame pointer.
func chain(pcs ...uint64) *fakeMemory {
	m := &fakeMemory{base: stackBase, data: make([]byte, (len(pcs)+1)*16)}
	for i, pc := range pcs {
		fp := stackBase + uint64(i)*16
		next := fp + 16
		if i == len(pcs)-1 {
			next = 0
		}
		m.put64(fp, next)
		m.put64(fp+8, pc)
	}
	return m
}

func initRegs(spec *arch.Spec, pc, fp uint64) []uint64 {
	regs := make([]uint64, spec.RegCount())
	regs[spec.PC] = pc
	regs[spec.FP] = fp
	return regs
}

func walk(t *testing.T, c *Cursor) []uint64 {
	t.Helper()
	var pcs []uint64
	for {
		ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			return pcs
		}
		pcs = append(pcs, c.PC())
	}
}

func TestThreeFrameWalk(t *testing.T) {
	mem := chain(0x2000, 0x3000)
	var c Cursor
	c.Init(&arch.AMD64, mem, initRegs(&arch.AMD64, 0x1000, stackBase), nil)

	pcs := walk(t, &c)
	assert.Equal(t, []uint64{0x1000, 0x2000, 0x3000}, pcs)
}

func TestDepthTracksFrames(t *testing.T) {
	mem := chain(0x2000)
	var c Cursor
	c.Init(&arch.AMD64, mem, initRegs(&arch.AMD64, 0x1000, stackBase), nil)

	ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, c.Depth())

	ok, err = c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, c.Depth())
}

// A self-referencing frame record must terminate the walk instead of
// looping: the chain has to move strictly toward the stack base.
func TestCyclicChainStops(t *testing.T) {
	mem := &fakeMemory{base: stackBase, data: make([]byte, 32)}
	mem.put64(stackBase, stackBase) // [fp] points back at itself
	mem.put64(stackBase+8, 0x2000)

	var c Cursor
	c.Init(&arch.AMD64, mem, initRegs(&arch.AMD64, 0x1000, stackBase), nil)

	pcs := walk(t, &c)
	assert.Equal(t, []uint64{0x1000}, pcs)
}

// An unbounded strictly-increasing chain is cut off at MaxFrames.
func TestFrameCap(t *testing.T) {
	n := MaxFrames + 64
	mem := &fakeMemory{base: stackBase, data: make([]byte, (n+1)*16)}
	for i := 0; i < n; i++ {
		fp := stackBase + uint64(i)*16
		mem.put64(fp, fp+16)
		mem.put64(fp+8, 0x2000)
	}

	var c Cursor
	c.Init(&arch.AMD64, mem, initRegs(&arch.AMD64, 0x1000, stackBase), nil)

	pcs := walk(t, &c)
	assert.Len(t, pcs, MaxFrames)
}

func TestUnreadableFrameStops(t *testing.T) {
	mem := chain(0x2000)
	var c Cursor
	// FP points outside the mapping; only the initial frame survives.
	c.Init(&arch.AMD64, mem, initRegs(&arch.AMD64, 0x1000, stackBase-0x10000), nil)

	pcs := walk(t, &c)
	assert.Equal(t, []uint64{0x1000}, pcs)
}

func TestZeroFramePointer(t *testing.T) {
	mem := chain(0x2000)
	var c Cursor
	c.Init(&arch.AMD64, mem, initRegs(&arch.AMD64, 0x1000, 0), nil)

	pcs := walk(t, &c)
	assert.Equal(t, []uint64{0x1000}, pcs)
}

// On arm64 a leaf frame with no chain still yields its caller from the
// link register.
func TestLinkRegisterFallback(t *testing.T) {
	mem := &fakeMemory{base: stackBase, data: make([]byte, 16)}
	regs := initRegs(&arch.ARM64, 0x1000, 0)
	regs[arch.ARM64.LR] = 0x2000

	var c Cursor
	c.Init(&arch.ARM64, mem, regs, nil)

	pcs := walk(t, &c)
	assert.Equal(t, []uint64{0x1000, 0x2000}, pcs)
}

func TestRegisterAccess(t *testing.T) {
	regs := initRegs(&arch.AMD64, 0x1000, stackBase)
	regs[arch.AMD64.SP] = 0xcafe

	var c Cursor
	c.Init(&arch.AMD64, chain(0x2000), regs, nil)

	ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, arch.AMD64.RegCount(), c.RegCount())
	assert.Equal(t, uint64(0xcafe), c.Reg(arch.AMD64.SP))
	assert.Equal(t, "rsp", c.RegName(arch.AMD64.SP))

	// Past the first frame only PC and FP are meaningful.
	ok, err = c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0), c.Reg(arch.AMD64.SP))
	assert.Equal(t, uint64(0x2000), c.PC())
}

// With an inventory present, a return address outside every image ends
// the walk.
func TestUnownedReturnAddressStops(t *testing.T) {
	a, err := arena.New(16 << 10)
	require.NoError(t, err)
	defer a.Free()

	inv, err := image.Build(&oneImageTable{}, a)
	require.NoError(t, err)

	mem := chain(0x1100, 0x9000, 0x1200)
	var c Cursor
	c.Init(&arch.AMD64, mem, initRegs(&arch.AMD64, 0x1000, stackBase), &inv)

	pcs := walk(t, &c)
	assert.Equal(t, []uint64{0x1000, 0x1100}, pcs)
}

type oneImageTable struct{}

func (oneImageTable) Count() (int, error) { return 1, nil }

func (oneImageTable) Record(i int, rec *image.Record) error {
	*rec = image.Record{Base: 0x1000, Size: 0x1000, Path: []byte("/bin/app")}
	return nil
}

func TestUninitializedCursor(t *testing.T) {
	var c Cursor
	_, err := c.Next()
	assert.Error(t, err)
}
