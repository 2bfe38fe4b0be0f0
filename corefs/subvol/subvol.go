// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package subvol

import (
	"fmt"

	"github.com/31core/31corefs/corefs/bitmap"
	"github.com/31core/31corefs/corefs/blockio"
	"github.com/31core/31corefs/corefs/coreerr"
	"github.com/31core/31corefs/corefs/cowbtree"
	"github.com/31core/31corefs/corefs/inode"
	"github.com/31core/31corefs/corefs/superblock"
)

// Subvolume is a live handle onto one registry entry: it is itself a
// blockio.Allocator, charging every block it hands out against its own
// exclusive bitmap and usage counters, and knowing how to fall through
// to a parent's shared bitmap when releasing a block it merely
// inherited from a snapshot source.
type Subvolume struct {
	dev blockio.Device
	fs  *superblock.Filesystem
	mgr *Manager

	Entry Entry
}

var _ blockio.Allocator = (*Subvolume)(nil)

// Open attaches a Subvolume handle to the registry entry with the given id.
func Open(dev blockio.Device, fs *superblock.Filesystem, mgr *Manager, id uint64) (*Subvolume, error) {
	e, err := mgr.Get(id)
	if err != nil {
		return nil, err
	}
	return &Subvolume{dev: dev, fs: fs, mgr: mgr, Entry: e}, nil
}

// Persist writes this Subvolume's current Entry back through the manager.
func (s *Subvolume) Persist() error { return s.mgr.Set(s.Entry) }

// bitmapBlockCount is how many bitmap blocks are needed to cover every
// block of the device, the uniform size of every subvolume's exclusive
// and shared bitmap chains.
func (s *Subvolume) bitmapBlockCount() int {
	total := s.fs.SB.TotalBlocks
	return int((total + bitmap.BitsPerBlock - 1) / bitmap.BitsPerBlock)
}

func (s *Subvolume) exclusiveChain() *bitmap.Chain {
	return bitmap.OpenChain(s.dev, s.Entry.Bitmap, s.bitmapBlockCount())
}

func (s *Subvolume) sharedChain() *bitmap.Chain {
	return bitmap.OpenChain(s.dev, s.Entry.SharedBitmap, s.bitmapBlockCount())
}

func (s *Subvolume) igroupChain() *inode.IGroupBitmapChain {
	return inode.OpenIGroupBitmapChain(s.dev, s, s.fs, s.Entry.IGroupBitmap)
}

// NewBlock allocates a block from the filesystem-wide pool and marks it
// exclusively owned by this subvolume.
func (s *Subvolume) NewBlock() (uint64, error) {
	abs, err := s.fs.NewBlock()
	if err != nil {
		return 0, err
	}
	if err := s.exclusiveChain().Set(abs); err != nil {
		return 0, err
	}
	s.Entry.UsedBlocks++
	s.Entry.RealUsedBlocks++
	return abs, nil
}

// ReleaseBlock drops this subvolume's claim on an absolute block. If
// the subvolume owns it exclusively, the bit is cleared and the block
// is returned to the global pool outright. Otherwise the block was
// only ever inherited from a snapshot source: the bit is cleared from
// the parent's shared bitmap instead, this subvolume's own apparent
// usage still drops, but the physical block is left allocated - it may
// still be reachable through the parent or a sibling snapshot, and is
// only actually freed when a full subvolume removal walks the whole
// bitmap chain (see RemoveSubvolume).
func (s *Subvolume) ReleaseBlock(abs uint64) error {
	excl := s.exclusiveChain()
	set, err := excl.Get(abs)
	if err != nil {
		return err
	}
	if set {
		if err := excl.Clear(abs); err != nil {
			return err
		}
		s.Entry.UsedBlocks--
		s.Entry.RealUsedBlocks--
		return s.fs.ReleaseBlock(abs)
	}

	if s.Entry.ParentSubvol != s.Entry.ID {
		if parent, perr := Open(s.dev, s.fs, s.mgr, s.Entry.ParentSubvol); perr == nil {
			parentShared := parent.sharedChain()
			if sset, _ := parentShared.Get(abs); sset {
				if err := parentShared.Clear(abs); err != nil {
					return err
				}
			}
		}
	}
	s.Entry.UsedBlocks--
	s.fs.SB.UsedBlocks--
	return nil
}

// cloneByInode bumps the rc of an inode's own data B-tree root, so its
// blocks stay reachable from both the original inode-group holder and
// whichever group this clone is being relocated out from under.
func (s *Subvolume) cloneByInode(in inode.Inode) error {
	if in.BTreeRoot == 0 {
		return nil
	}
	t := cowbtree.Open(s.dev, s, s.fs, in.BTreeRoot)
	return t.CloneTree()
}

var errDefaultSubvol = fmt.Errorf("subvol: cannot remove the default subvolume: %w", coreerr.ErrUnsupported)
