// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package subvol

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/31core/31corefs/corefs/coreerr"
	"github.com/31core/31corefs/corefs/inode"
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

// newTestFS formats a small filesystem (enough blocks for a handful of
// subvolumes and their bitmap chains) over an in-memory device.
func newTestFS(t *testing.T) (*memDevice, *superblock.Filesystem, *Manager, *Subvolume) {
	dev := &memDevice{}
	fs, err := superblock.Format(dev, 1<<20, uuid.New(), 1, "test")
	require.NoError(t, err)
	mgr, def, err := Format(dev, fs, 1)
	require.NoError(t, err)
	return dev, fs, mgr, def
}

func TestFormatCreatesDefaultSubvolume(t *testing.T) {
	_, fs, _, def := newTestFS(t)
	require.Equal(t, fs.SB.DefaultSubvol, def.Entry.ID)
	require.Equal(t, uint64(0), def.Entry.RootInode)

	root, err := def.GetInode(def.Entry.RootInode)
	require.NoError(t, err)
	require.Equal(t, inode.Directory, root.Kind)
}

func TestNewInodeReleaseInode(t *testing.T) {
	_, _, _, def := newTestFS(t)

	num, err := def.NewInode(inode.Regular, 0644, 0, 0, 2)
	require.NoError(t, err)

	in, err := def.GetInode(num)
	require.NoError(t, err)
	require.False(t, in.Empty())
	require.Equal(t, inode.Regular, in.Kind)

	require.NoError(t, def.ReleaseInode(num))
	in, err = def.GetInode(num)
	require.NoError(t, err)
	require.True(t, in.Empty())
}

func TestRemoveDefaultSubvolumeFails(t *testing.T) {
	dev, fs, mgr, def := newTestFS(t)
	_ = dev
	err := RemoveSubvolume(dev, fs, mgr, def.Entry.ID)
	require.ErrorIs(t, err, coreerr.ErrUnsupported)
}

func TestCreateSnapshotRemoveLifecycle(t *testing.T) {
	dev, fs, mgr, _ := newTestFS(t)

	sub, err := CreateSubvolume(dev, fs, mgr, 2)
	require.NoError(t, err)

	num, err := sub.NewInode(inode.Regular, 0644, 0, 0, 3)
	require.NoError(t, err)

	snap, err := Snapshot(dev, fs, mgr, sub, 4)
	require.NoError(t, err)
	require.Equal(t, TypeSnapshot, snap.Entry.Type)
	require.Equal(t, sub.Entry.ID, snap.Entry.ParentSubvol)

	// The snapshot shares the same namespace: the inode created before
	// the snapshot is visible through either handle.
	snapIn, err := snap.GetInode(num)
	require.NoError(t, err)
	require.False(t, snapIn.Empty())

	require.NoError(t, RemoveSubvolume(dev, fs, mgr, snap.Entry.ID))

	_, err = mgr.Get(snap.Entry.ID)
	require.ErrorIs(t, err, coreerr.ErrNotFound)

	// The source subvolume and its inode must still be intact.
	sub2, err := Open(dev, fs, mgr, sub.Entry.ID)
	require.NoError(t, err)
	in, err := sub2.GetInode(num)
	require.NoError(t, err)
	require.False(t, in.Empty())

	require.NoError(t, RemoveSubvolume(dev, fs, mgr, sub.Entry.ID))
	_, err = mgr.Get(sub.Entry.ID)
	require.ErrorIs(t, err, coreerr.ErrNotFound)
}

func TestWriteThroughSnapshotDoesNotAffectSource(t *testing.T) {
	dev, fs, mgr, _ := newTestFS(t)

	sub, err := CreateSubvolume(dev, fs, mgr, 2)
	require.NoError(t, err)

	num, err := sub.NewInode(inode.Regular, 0644, 0, 0, 3)
	require.NoError(t, err)

	snap, err := Snapshot(dev, fs, mgr, sub, 4)
	require.NoError(t, err)

	modified := inode.Inode{Kind: inode.Regular, Perm: 0600, Size: 42}
	require.NoError(t, snap.SetInode(num, modified))

	orig, err := sub.GetInode(num)
	require.NoError(t, err)
	require.NotEqual(t, uint16(0600), orig.Perm)
}

// TestOverwriteAfterSnapshotLeavesSnapshotReadingOldContent exercises
// spec section 8's snapshot-isolation invariant end to end, through
// the real file-write path: overwriting a file's content in the
// source subvolume after a snapshot must not change what the snapshot
// reads back.
func TestOverwriteAfterSnapshotLeavesSnapshotReadingOldContent(t *testing.T) {
	dev, fs, mgr, _ := newTestFS(t)

	sub, err := CreateSubvolume(dev, fs, mgr, 2)
	require.NoError(t, err)

	num, err := sub.NewInode(inode.Regular, 0644, 0, 0, 3)
	require.NoError(t, err)
	require.NoError(t, sub.WriteFile(num, 0, []byte("hello, world"), 3))

	snap, err := Snapshot(dev, fs, mgr, sub, 4)
	require.NoError(t, err)

	require.NoError(t, sub.WriteFile(num, 0, []byte("goodbye!!!!!"), 5))

	got := make([]byte, len("hello, world"))
	_, err = snap.ReadFile(num, 0, got, 6)
	require.NoError(t, err)
	require.Equal(t, "hello, world", string(got))

	got2 := make([]byte, len("goodbye!!!!!"))
	_, err = sub.ReadFile(num, 0, got2, 6)
	require.NoError(t, err)
	require.Equal(t, "goodbye!!!!!", string(got2))
}

// TestTruncateAfterSnapshotLeavesSnapshotIntact exercises truncation
// through the subvolume-level path the same way.
func TestTruncateAfterSnapshotLeavesSnapshotIntact(t *testing.T) {
	dev, fs, mgr, _ := newTestFS(t)

	sub, err := CreateSubvolume(dev, fs, mgr, 2)
	require.NoError(t, err)

	num, err := sub.NewInode(inode.Regular, 0644, 0, 0, 3)
	require.NoError(t, err)
	require.NoError(t, sub.WriteFile(num, 0, []byte("0123456789"), 3))

	snap, err := Snapshot(dev, fs, mgr, sub, 4)
	require.NoError(t, err)

	require.NoError(t, sub.TruncateFile(num, 0, 5))

	snapIn, err := snap.GetInode(num)
	require.NoError(t, err)
	require.Equal(t, uint64(10), snapIn.Size)

	subIn, err := sub.GetInode(num)
	require.NoError(t, err)
	require.Equal(t, uint64(0), subIn.Size)
}

func TestWriteSymlinkReadBackAndPersistsAcrossReload(t *testing.T) {
	dev, fs, mgr, def := newTestFS(t)

	num, err := def.NewInode(inode.Symlink, 0777, 0, 0, 2)
	require.NoError(t, err)
	require.NoError(t, def.WriteSymlink(num, "../other/target", 3))

	got, err := def.ReadSymlink(num)
	require.NoError(t, err)
	require.Equal(t, "../other/target", got)

	reloaded, err := Open(dev, fs, mgr, def.Entry.ID)
	require.NoError(t, err)
	got, err = reloaded.ReadSymlink(num)
	require.NoError(t, err)
	require.Equal(t, "../other/target", got)
}
