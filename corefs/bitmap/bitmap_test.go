// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bitmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/31core/31corefs/corefs/blockio"
)

// memDevice is a growable, zero-filled in-memory blockio.Device.
type memDevice struct {
	mu   sync.Mutex
	data []byte
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(off)+len(p) > len(d.data) {
		return 0, blockio.ErrShortRead
	}
	copy(p, d.data[off:])
	return len(p), nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	need := int(off) + len(p)
	if need > len(d.data) {
		grown := make([]byte, need)
		copy(grown, d.data)
		d.data = grown
	}
	copy(d.data[off:], p)
	return len(p), nil
}

type seqAlloc struct{ next uint64 }

func (a *seqAlloc) NewBlock() (uint64, error) {
	a.next++
	return a.next, nil
}
func (a *seqAlloc) ReleaseBlock(uint64) error { return nil }

func TestBlockGetSetClear(t *testing.T) {
	var b Block
	require.False(t, b.Get(5))
	b.Set(5)
	require.True(t, b.Get(5))
	b.Clear(5)
	require.False(t, b.Get(5))
}

func TestBlockFindFirstZero(t *testing.T) {
	var b Block
	for i := uint64(0); i < 16; i++ {
		b.Set(i)
	}
	pos, ok := b.FindFirstZero()
	require.True(t, ok)
	require.Equal(t, uint64(16), pos)
}

func TestChainSetGetAcrossBlocks(t *testing.T) {
	dev := &memDevice{}
	alloc := &seqAlloc{}
	head, err := AllocateChain(dev, alloc, 3)
	require.NoError(t, err)

	c := OpenChain(dev, head, 3)
	bits := []uint64{0, 1, BitsPerBlock, BitsPerBlock + 5, 2 * BitsPerBlock, 2*BitsPerBlock + 100}
	for _, bit := range bits {
		require.NoError(t, c.Set(bit))
	}
	for _, bit := range bits {
		set, err := c.Get(bit)
		require.NoError(t, err)
		require.True(t, set, "bit %d", bit)
	}
	require.NoError(t, c.Clear(bits[0]))
	set, err := c.Get(bits[0])
	require.NoError(t, err)
	require.False(t, set)
}

func TestChainOrAndClearAll(t *testing.T) {
	dev := &memDevice{}
	alloc := &seqAlloc{}
	h1, err := AllocateChain(dev, alloc, 1)
	require.NoError(t, err)
	h2, err := AllocateChain(dev, alloc, 1)
	require.NoError(t, err)

	c1 := OpenChain(dev, h1, 1)
	c2 := OpenChain(dev, h2, 1)
	require.NoError(t, c1.Set(10))
	require.NoError(t, c2.Or(c1))

	set, err := c2.Get(10)
	require.NoError(t, err)
	require.True(t, set)

	require.NoError(t, c1.ClearAll())
	set, err = c1.Get(10)
	require.NoError(t, err)
	require.False(t, set)
}

func TestChainOutOfRange(t *testing.T) {
	dev := &memDevice{}
	alloc := &seqAlloc{}
	head, err := AllocateChain(dev, alloc, 1)
	require.NoError(t, err)
	c := OpenChain(dev, head, 1)
	_, err = c.Get(BitsPerBlock + 1)
	require.Error(t, err)
}
