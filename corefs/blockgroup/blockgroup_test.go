// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package blockgroup

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memDevice struct {
	mu   sync.Mutex
	data []byte
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(off)+len(p) > len(d.data) {
		grown := make([]byte, int(off)+len(p))
		copy(grown, d.data)
		d.data = grown
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

func TestCreateSmallGroupCapsAtRemaining(t *testing.T) {
	g := Create(0, 10, 5)
	require.Equal(t, uint64(3), g.Meta.Capacity)
	require.Zero(t, g.Meta.NextGroup)
}

func TestCreateFullGroupChainsNext(t *testing.T) {
	g := Create(0, 10, blocksPerFullGroup+100)
	require.Equal(t, uint64(MaxDataBlocks), g.Meta.Capacity)
	require.Equal(t, uint64(10+blocksPerFullGroup), g.Meta.NextGroup)
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	g := Create(0, 1, 12)
	pos, ok := g.AllocateBlock()
	require.True(t, ok)
	require.Equal(t, uint64(0), pos)
	require.Equal(t, g.Meta.Capacity-1, g.Meta.FreeBlocks)

	g.ReleaseBlock(pos)
	require.Equal(t, g.Meta.Capacity, g.Meta.FreeBlocks)
}

func TestAllocateExhaustsCapacity(t *testing.T) {
	g := Create(0, 1, 4) // capacity 2
	_, ok := g.AllocateBlock()
	require.True(t, ok)
	_, ok = g.AllocateBlock()
	require.True(t, ok)
	_, ok = g.AllocateBlock()
	require.False(t, ok)
}

func TestContainsAndRelativeAbsolute(t *testing.T) {
	g := Create(0, 100, 12)
	abs := g.ToAbsolute(3)
	require.True(t, g.Contains(abs))
	require.Equal(t, uint64(3), g.ToRelative(abs))
	require.False(t, g.Contains(g.DataStart()-1))
}

func TestSyncLoadRoundTrip(t *testing.T) {
	dev := &memDevice{}
	g := Create(7, 0, 12)
	pos, ok := g.AllocateBlock()
	require.True(t, ok)
	require.NoError(t, g.Sync(dev))

	loaded, err := Load(dev, 0)
	require.NoError(t, err)
	require.Equal(t, g.Meta, loaded.Meta)
	require.True(t, loaded.Bitmap.Get(pos))
}
