// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package subvol

import (
	"github.com/31core/31corefs/corefs/bitmap"
	"github.com/31core/31corefs/corefs/blockio"
	"github.com/31core/31corefs/corefs/cowbtree"
	"github.com/31core/31corefs/corefs/inode"
	"github.com/31core/31corefs/corefs/superblock"
)

// bitmapBlockCountFor is bitmapBlockCount without needing a live
// Subvolume, for use while one is still under construction.
func bitmapBlockCountFor(fs *superblock.Filesystem) int {
	total := fs.SB.TotalBlocks
	return int((total + bitmap.BitsPerBlock - 1) / bitmap.BitsPerBlock)
}

// CreateSubvolume allocates a brand-new, parentless subvolume: its own
// exclusive data-block bitmap, inode-group B-tree, inode-group
// availability chain, and an empty root directory inode.
func CreateSubvolume(dev blockio.Device, fs *superblock.Filesystem, mgr *Manager, now int64) (*Subvolume, error) {
	id, err := mgr.NextID()
	if err != nil {
		return nil, err
	}

	bitmapHead, err := bitmap.AllocateChain(dev, fs, bitmapBlockCountFor(fs))
	if err != nil {
		return nil, err
	}

	s := &Subvolume{
		dev: dev,
		fs:  fs,
		mgr: mgr,
		Entry: Entry{
			ID:           id,
			Bitmap:       bitmapHead,
			ParentSubvol: id, // no parent: sentinel is "itself"
			CreationTime: now,
			State:        Allocated,
			Type:         TypeNormal,
		},
	}

	igChain, err := inode.CreateIGroupBitmapChain(dev, s, fs)
	if err != nil {
		return nil, err
	}
	s.Entry.IGroupBitmap = igChain.Head

	itree, err := cowbtree.Create(dev, s, fs)
	if err != nil {
		return nil, err
	}
	s.Entry.InodeTreeRoot = itree.Root

	if err := mgr.Insert(s.Entry, fs); err != nil {
		return nil, err
	}

	rootInode, err := s.NewInode(inode.Directory, 0755, 0, 0, now)
	if err != nil {
		return nil, err
	}
	s.Entry.RootInode = rootInode
	if err := s.Persist(); err != nil {
		return nil, err
	}
	return s, nil
}

// Format lays out the subvolume manager and the filesystem's default
// subvolume (id 0) in one step, wiring fs.SB.SubvolMgr/DefaultSubvol.
func Format(dev blockio.Device, fs *superblock.Filesystem, now int64) (*Manager, *Subvolume, error) {
	mgr, err := FormatManager(dev, fs)
	if err != nil {
		return nil, nil, err
	}
	fs.SB.SubvolMgr = mgr.Head

	def, err := CreateSubvolume(dev, fs, mgr, now)
	if err != nil {
		return nil, nil, err
	}
	fs.SB.DefaultSubvol = def.Entry.ID
	return mgr, def, nil
}

// Snapshot creates a new subvolume that shares src's whole namespace
// (inode-group B-tree, root inode number, inode-group availability
// chain) at zero copy cost, folding src's exclusive bitmap into its
// shared bitmap so future writes on either side correctly CoW.
func Snapshot(dev blockio.Device, fs *superblock.Filesystem, mgr *Manager, src *Subvolume, now int64) (*Subvolume, error) {
	id, err := mgr.NextID()
	if err != nil {
		return nil, err
	}

	snapBitmap, err := bitmap.AllocateChain(dev, fs, bitmapBlockCountFor(fs))
	if err != nil {
		return nil, err
	}
	snapShared, err := bitmap.AllocateChain(dev, fs, bitmapBlockCountFor(fs))
	if err != nil {
		return nil, err
	}

	if src.Entry.SharedBitmap == 0 {
		head, err := bitmap.AllocateChain(dev, fs, bitmapBlockCountFor(fs))
		if err != nil {
			return nil, err
		}
		src.Entry.SharedBitmap = head
	}
	if err := src.sharedChain().Or(src.exclusiveChain()); err != nil {
		return nil, err
	}
	if err := src.exclusiveChain().ClearAll(); err != nil {
		return nil, err
	}

	itree := cowbtree.Open(dev, src, fs, src.Entry.InodeTreeRoot)
	if err := itree.CloneTree(); err != nil {
		return nil, err
	}
	if err := src.igroupChain().Clone(); err != nil {
		return nil, err
	}

	snap := &Subvolume{
		dev: dev,
		fs:  fs,
		mgr: mgr,
		Entry: Entry{
			ID:            id,
			InodeTreeRoot: src.Entry.InodeTreeRoot,
			RootInode:     src.Entry.RootInode,
			Bitmap:        snapBitmap,
			SharedBitmap:  snapShared,
			IGroupBitmap:  src.Entry.IGroupBitmap,
			UsedBlocks:    src.Entry.UsedBlocks,
			CreationTime:  now,
			ParentSubvol:  src.Entry.ID,
			State:         Allocated,
			Type:          TypeSnapshot,
		},
	}

	src.Entry.Snaps++
	fs.SB.UsedBlocks += src.Entry.UsedBlocks
	if err := src.Persist(); err != nil {
		return nil, err
	}
	if err := mgr.Insert(snap.Entry, fs); err != nil {
		return nil, err
	}
	return snap, nil
}
