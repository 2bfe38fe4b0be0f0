// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package symlink

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/31core/31corefs/corefs/blockio"
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

type seqAlloc struct {
	next     uint64
	released []uint64
}

func (a *seqAlloc) NewBlock() (uint64, error) {
	a.next++
	return a.next, nil
}
func (a *seqAlloc) ReleaseBlock(b uint64) error {
	a.released = append(a.released, b)
	return nil
}

func TestWriteReadShortTarget(t *testing.T) {
	dev := &memDevice{}
	alloc := &seqAlloc{}
	head, err := Write(dev, alloc, []byte("../other/file"))
	require.NoError(t, err)
	require.NotZero(t, head)

	got, err := Read(dev, head, uint64(len("../other/file")))
	require.NoError(t, err)
	require.Equal(t, "../other/file", string(got))
}

func TestWriteReadSpansMultipleBlocks(t *testing.T) {
	dev := &memDevice{}
	alloc := &seqAlloc{}
	target := make([]byte, blockio.BlockSize*2+37)
	for i := range target {
		target[i] = byte('a' + i%26)
	}
	head, err := Write(dev, alloc, target)
	require.NoError(t, err)

	got, err := Read(dev, head, uint64(len(target)))
	require.NoError(t, err)
	require.Equal(t, target, got)
}

func TestEmptyTargetHasNoHead(t *testing.T) {
	dev := &memDevice{}
	alloc := &seqAlloc{}
	head, err := Write(dev, alloc, nil)
	require.NoError(t, err)
	require.Zero(t, head)
}

func TestDestroyReleasesEveryBlock(t *testing.T) {
	dev := &memDevice{}
	alloc := &seqAlloc{}
	target := make([]byte, blockio.BlockSize*2)
	head, err := Write(dev, alloc, target)
	require.NoError(t, err)

	require.NoError(t, Destroy(dev, alloc, head))
	require.Len(t, alloc.released, 3)
}
