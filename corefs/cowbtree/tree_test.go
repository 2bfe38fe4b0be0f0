// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cowbtree

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/31core/31corefs/corefs/coreerr"
)

type memDevice struct {
	mu   sync.Mutex
	data []byte
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(off)+len(p) > len(d.data) {
		return 0, coreerr.ErrInvalidData
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

func newTestTree(t *testing.T) *Tree {
	dev := &memDevice{}
	alloc := &seqAlloc{}
	tr, err := Create(dev, alloc, nil)
	require.NoError(t, err)
	return tr
}

func TestInsertLookup(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Insert(1, 100))
	require.NoError(t, tr.Insert(2, 200))

	e, err := tr.Lookup(1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), e.Value)

	_, err = tr.Lookup(99)
	require.ErrorIs(t, err, coreerr.ErrNotFound)
}

func TestInsertManyCausesSplit(t *testing.T) {
	tr := newTestTree(t)
	for i := uint64(0); i < 300; i++ {
		require.NoError(t, tr.Insert(i, i*10))
	}
	for i := uint64(0); i < 300; i++ {
		e, err := tr.Lookup(i)
		require.NoError(t, err)
		require.Equal(t, i*10, e.Value)
	}
}

func TestRemoveTriggersMerge(t *testing.T) {
	tr := newTestTree(t)
	for i := uint64(0); i < 300; i++ {
		require.NoError(t, tr.Insert(i, i*10))
	}
	for i := uint64(0); i < 150; i++ {
		require.NoError(t, tr.Remove(i))
	}
	for i := uint64(0); i < 150; i++ {
		_, err := tr.Lookup(i)
		require.ErrorIs(t, err, coreerr.ErrNotFound)
	}
	for i := uint64(150); i < 300; i++ {
		e, err := tr.Lookup(i)
		require.NoError(t, err)
		require.Equal(t, i*10, e.Value)
	}
}

func TestModifyResetsRC(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Insert(5, 50))
	require.NoError(t, tr.CloneTree())

	root, err := readNode(tr.dev, tr.Root)
	require.NoError(t, err)
	require.Equal(t, uint32(1), root.Entries[0].RC)

	require.NoError(t, tr.Modify(5, 99))
	e, err := tr.Lookup(5)
	require.NoError(t, err)
	require.Equal(t, uint64(99), e.Value)
	require.Equal(t, uint32(0), e.RC)
}

func TestFindUnusedKey(t *testing.T) {
	tr := newTestTree(t)
	k, err := tr.FindUnusedKey()
	require.NoError(t, err)
	require.Equal(t, uint64(0), k)

	require.NoError(t, tr.Insert(0, 1))
	require.NoError(t, tr.Insert(1, 1))
	require.NoError(t, tr.Insert(3, 1))

	k, err = tr.FindUnusedKey()
	require.NoError(t, err)
	require.Equal(t, uint64(2), k)
}

func TestCloneTreeSharesUntilWrite(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Insert(1, 111))
	require.NoError(t, tr.CloneTree())

	clone := Open(tr.dev, tr.alloc, tr.fs, tr.Root)

	// Both sides can read the shared value.
	e, err := tr.Lookup(1)
	require.NoError(t, err)
	require.Equal(t, uint64(111), e.Value)
	e, err = clone.Lookup(1)
	require.NoError(t, err)
	require.Equal(t, uint64(111), e.Value)

	// Writing through one side must not affect the other.
	require.NoError(t, tr.Insert(2, 222))
	_, err = clone.Lookup(2)
	require.ErrorIs(t, err, coreerr.ErrNotFound)
}

func TestDestroyRespectsSharedRC(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, tr.Insert(1, 111))
	require.NoError(t, tr.CloneTree())
	clone := Open(tr.dev, tr.alloc, tr.fs, tr.Root)

	require.NoError(t, tr.Destroy())
	// The clone's root was only decremented, not released; it must
	// still resolve correctly.
	e, err := clone.Lookup(1)
	require.NoError(t, err)
	require.Equal(t, uint64(111), e.Value)
}
