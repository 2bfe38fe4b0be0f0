// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package subvol

import (
	"github.com/31core/31corefs/corefs/bitmap"
	"github.com/31core/31corefs/corefs/blockio"
	"github.com/31core/31corefs/corefs/cowbtree"
	"github.com/31core/31corefs/corefs/superblock"
)

// RemoveSubvolume removes the subvolume with the given id. The default
// subvolume cannot be removed this way.
//
// If the subvolume still has live snapshots, it is only tombstoned
// (State: Removed) so its shared state stays reachable from its
// children; the entry is fully deleted, and its own structures
// released, once its last snapshot goes away.
func RemoveSubvolume(dev blockio.Device, fs *superblock.Filesystem, mgr *Manager, id uint64) error {
	if id == fs.SB.DefaultSubvol {
		return errDefaultSubvol
	}
	return removeSubvolume(dev, fs, mgr, id)
}

func removeSubvolume(dev blockio.Device, fs *superblock.Filesystem, mgr *Manager, id uint64) error {
	s, err := Open(dev, fs, mgr, id)
	if err != nil {
		return err
	}

	if err := s.igroupChain().Destroy(); err != nil {
		return err
	}

	wasRemoved := s.Entry.State == Removed
	tearingDown := s.Entry.Snaps == 0

	bitmapHead := s.Entry.Bitmap
	if wasRemoved && s.Entry.Type == TypeSnapshot && tearingDown {
		bitmapHead = s.Entry.SharedBitmap
	}
	if err := s.clearGlobalBits(bitmapHead); err != nil {
		return err
	}

	if !wasRemoved {
		fs.SB.UsedBlocks -= s.Entry.UsedBlocks
	}

	if s.Entry.Type == TypeSnapshot {
		parent, err := Open(dev, fs, mgr, s.Entry.ParentSubvol)
		if err == nil {
			if parent.Entry.Snaps > 0 {
				parent.Entry.Snaps--
			}
			if err := parent.Persist(); err != nil {
				return err
			}
			if parent.Entry.State == Removed && parent.Entry.Snaps == 0 {
				if err := removeSubvolume(dev, fs, mgr, parent.Entry.ID); err != nil {
					return err
				}
			}
		}
	}

	if !tearingDown {
		s.Entry.State = Removed
		return s.Persist()
	}

	if s.Entry.InodeTreeRoot != 0 {
		itree := cowbtree.Open(dev, s, fs, s.Entry.InodeTreeRoot)
		if err := itree.Destroy(); err != nil {
			return err
		}
	}
	if s.Entry.Bitmap != 0 {
		if err := bitmap.OpenChain(dev, s.Entry.Bitmap, s.bitmapBlockCount()).ReleaseAll(fs); err != nil {
			return err
		}
	}
	if s.Entry.SharedBitmap != 0 {
		if err := bitmap.OpenChain(dev, s.Entry.SharedBitmap, s.bitmapBlockCount()).ReleaseAll(fs); err != nil {
			return err
		}
	}

	fs.SB.RealUsedBlocks -= s.Entry.RealUsedBlocks
	return mgr.Delete(id)
}

// clearGlobalBits walks a data-block bitmap chain rooted at head and,
// for every set bit, clears the corresponding absolute block's bit in
// its owning group's bitmap directly - this is where a removed
// subvolume's data blocks are returned to the global pool in bulk, bypassing
// Filesystem.ReleaseBlock (and its own sb counter updates) since those
// counters are maintained in bulk by the caller instead.
func (s *Subvolume) clearGlobalBits(head uint64) error {
	if head == 0 {
		return nil
	}
	chain := bitmap.OpenChain(s.dev, head, s.bitmapBlockCount())
	total := uint64(s.bitmapBlockCount()) * bitmap.BitsPerBlock
	for bit := uint64(0); bit < total; bit++ {
		set, err := chain.Get(bit)
		if err != nil {
			return err
		}
		if !set {
			continue
		}
		for gi := range s.fs.Groups {
			if s.fs.Groups[gi].Contains(bit) {
				s.fs.Groups[gi].ReleaseBlock(s.fs.Groups[gi].ToRelative(bit))
				break
			}
		}
	}
	return nil
}
