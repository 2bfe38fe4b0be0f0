// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dir

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/31core/31corefs/corefs/coreerr"
	"github.com/31core/31corefs/corefs/inode"
	"github.com/31core/31corefs/corefs/subvol"
	"github.com/31core/31corefs/corefs/superblock"
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

// newTestDir formats a small filesystem and returns its default
// subvolume along with a fresh, empty directory inode within it.
func newTestDir(t *testing.T) (*subvol.Subvolume, uint64) {
	dev := &memDevice{}
	fs, err := superblock.Format(dev, 1<<20, uuid.New(), 1, "test")
	require.NoError(t, err)
	_, def, err := subvol.Format(dev, fs, 1)
	require.NoError(t, err)

	num, err := def.NewInode(inode.Directory, 0755, 0, 0, 1)
	require.NoError(t, err)
	return def, num
}

func TestAddLookupRemove(t *testing.T) {
	s, d := newTestDir(t)
	empty, err := IsEmpty(s, d)
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, AddFile(s, d, 10, "foo", 1))
	require.NoError(t, AddFile(s, d, 11, "bar", 2))
	empty, err = IsEmpty(s, d)
	require.NoError(t, err)
	require.False(t, empty)

	n, err := Lookup(s, d, "foo", 3)
	require.NoError(t, err)
	require.Equal(t, uint64(10), n)

	n, err = Lookup(s, d, "bar", 3)
	require.NoError(t, err)
	require.Equal(t, uint64(11), n)

	_, err = Lookup(s, d, "missing", 3)
	require.ErrorIs(t, err, coreerr.ErrNotFound)

	require.NoError(t, RemoveFile(s, d, "foo", 4))
	_, err = Lookup(s, d, "foo", 5)
	require.ErrorIs(t, err, coreerr.ErrNotFound)

	n, err = Lookup(s, d, "bar", 5)
	require.NoError(t, err)
	require.Equal(t, uint64(11), n)
}

func TestAddDuplicateNameFails(t *testing.T) {
	s, d := newTestDir(t)
	require.NoError(t, AddFile(s, d, 1, "dup", 1))
	err := AddFile(s, d, 2, "dup", 2)
	require.ErrorIs(t, err, coreerr.ErrAlreadyExists)
}

func TestRemoveMissingFails(t *testing.T) {
	s, d := newTestDir(t)
	err := RemoveFile(s, d, "nope", 1)
	require.ErrorIs(t, err, coreerr.ErrNotFound)
}

func TestRemoveLastEntryEmptiesDir(t *testing.T) {
	s, d := newTestDir(t)
	require.NoError(t, AddFile(s, d, 5, "only", 1))
	require.NoError(t, RemoveFile(s, d, "only", 2))
	empty, err := IsEmpty(s, d)
	require.NoError(t, err)
	require.True(t, empty)

	entries, err := Enumerate(s, d, 3)
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestDirEntryPersistsAcrossReload verifies that AddFile's change to
// the directory inode's size/BTreeRoot is actually persisted through
// subvol.SetInode, not just held in an in-memory *file.File: a fresh
// handle onto the same subvolume must see it.
func TestDirEntryPersistsAcrossReload(t *testing.T) {
	dev := &memDevice{}
	fs, err := superblock.Format(dev, 1<<20, uuid.New(), 1, "test")
	require.NoError(t, err)
	mgr, def, err := subvol.Format(dev, fs, 1)
	require.NoError(t, err)

	d, err := def.NewInode(inode.Directory, 0755, 0, 0, 1)
	require.NoError(t, err)
	require.NoError(t, AddFile(def, d, 99, "reloaded", 2))

	reloaded, err := subvol.Open(dev, fs, mgr, def.Entry.ID)
	require.NoError(t, err)
	n, err := Lookup(reloaded, d, "reloaded", 3)
	require.NoError(t, err)
	require.Equal(t, uint64(99), n)
}
