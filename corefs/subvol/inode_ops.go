// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package subvol

import (
	"errors"

	"github.com/31core/31corefs/corefs/coreerr"
	"github.com/31core/31corefs/corefs/cowbtree"
	"github.com/31core/31corefs/corefs/inode"
)

func (s *Subvolume) inodeTree() *cowbtree.Tree {
	return cowbtree.Open(s.dev, s, s.fs, s.Entry.InodeTreeRoot)
}

// GetInode returns the inode record for a global inode number.
func (s *Subvolume) GetInode(number uint64) (inode.Inode, error) {
	group, slot := inode.Split(number)
	t := s.inodeTree()
	e, err := t.Lookup(group)
	if err != nil {
		return inode.Inode{}, err
	}
	ig, err := inode.ReadGroup(s.dev, e.Value)
	if err != nil {
		return inode.Inode{}, err
	}
	return ig.Inodes[slot], nil
}

// handleRCInode makes the inode group holding number exclusive to this
// subvolume if it is currently shared (its B-tree leaf entry has
// rc > 0): every live inode in the group has its own data B-tree
// cloned first (so those blocks stay reachable from whichever holder
// keeps the old group block), then the group is copied to a fresh
// block and the mapping repointed at it. A no-op if the group is
// already exclusive.
func (s *Subvolume) handleRCInode(number uint64) error {
	group, _ := inode.Split(number)
	t := s.inodeTree()
	e, err := t.Lookup(group)
	if err != nil {
		return err
	}
	if e.RC == 0 {
		return nil
	}

	ig, err := inode.ReadGroup(s.dev, e.Value)
	if err != nil {
		return err
	}
	for _, existing := range ig.Inodes {
		if !existing.Empty() {
			if err := s.cloneByInode(existing); err != nil {
				return err
			}
		}
	}

	newBlock, err := s.NewBlock()
	if err != nil {
		return err
	}
	ig.Block = newBlock
	if err := inode.WriteGroup(s.dev, &ig); err != nil {
		return err
	}
	if err := t.Modify(group, newBlock); err != nil {
		return err
	}
	s.Entry.InodeTreeRoot = t.Root
	return s.Persist()
}

// SetInode writes in into the slot for number, first making its inode
// group exclusive if it was shared with a snapshot, and keeping the
// inode-group availability bitmap in sync.
func (s *Subvolume) SetInode(number uint64, in inode.Inode) error {
	if err := s.handleRCInode(number); err != nil {
		return err
	}

	group, slot := inode.Split(number)
	t := s.inodeTree()
	e, err := t.Lookup(group)
	if err != nil {
		return err
	}
	ig, err := inode.ReadGroup(s.dev, e.Value)
	if err != nil {
		return err
	}
	ig.Inodes[slot] = in
	if err := inode.WriteGroup(s.dev, &ig); err != nil {
		return err
	}

	igChain := s.igroupChain()
	if _, ok := ig.FirstEmptySlot(); ok {
		if err := igChain.Clear(group); err != nil {
			return err
		}
	} else {
		if err := igChain.Set(group); err != nil {
			return err
		}
	}
	s.Entry.IGroupBitmap = igChain.Head
	return s.Persist()
}

// NewInode allocates a fresh inode record (kind/perm/uid/gid set,
// timestamps at now, empty data) and returns its global inode number,
// reusing a free slot in any inode group that has one before
// allocating a brand-new group block.
func (s *Subvolume) NewInode(kind inode.Kind, perm, uid, gid uint16, now int64) (uint64, error) {
	igChain := s.igroupChain()
	t := s.inodeTree()

	newInode := inode.Inode{Kind: kind, Perm: perm, UID: uid, GID: gid, ATime: now, CTime: now, MTime: now}

	group, ok, err := igChain.FindFirstAvailable()
	if err != nil {
		return 0, err
	}
	if ok {
		// A zero bit past the last created group has no group block
		// behind it; allocate a new group instead.
		if _, err := t.Lookup(group); errors.Is(err, coreerr.ErrNotFound) {
			ok = false
		}
	}
	if ok {
		e, err := t.Lookup(group)
		if err != nil {
			return 0, err
		}
		if e.RC > 0 {
			if err := s.handleRCInode(inode.Number(group, 0)); err != nil {
				return 0, err
			}
			t = s.inodeTree()
			if e, err = t.Lookup(group); err != nil {
				return 0, err
			}
		}
		ig, err := inode.ReadGroup(s.dev, e.Value)
		if err != nil {
			return 0, err
		}
		// The bitmap said this group had a free slot; if it turns out
		// full anyway, fall through to allocating a brand-new group.
		if slot, hasSlot := ig.FirstEmptySlot(); hasSlot {
			ig.Inodes[slot] = newInode
			if err := inode.WriteGroup(s.dev, &ig); err != nil {
				return 0, err
			}
			if _, stillFree := ig.FirstEmptySlot(); !stillFree {
				if err := igChain.Set(group); err != nil {
					return 0, err
				}
			}
			s.Entry.IGroupBitmap = igChain.Head
			if err := s.Persist(); err != nil {
				return 0, err
			}
			return inode.Number(group, slot), nil
		}
	}

	groupBlock, err := s.NewBlock()
	if err != nil {
		return 0, err
	}
	ig := inode.NewGroup(groupBlock)
	ig.Inodes[0] = newInode
	if err := inode.WriteGroup(s.dev, &ig); err != nil {
		return 0, err
	}

	newGroupKey, err := t.FindUnusedKey()
	if err != nil {
		return 0, err
	}
	if err := t.Insert(newGroupKey, groupBlock); err != nil {
		return 0, err
	}
	s.Entry.InodeTreeRoot = t.Root
	if err := igChain.Clear(newGroupKey); err != nil {
		return 0, err
	}
	s.Entry.IGroupBitmap = igChain.Head
	if err := s.Persist(); err != nil {
		return 0, err
	}
	return inode.Number(newGroupKey, 0), nil
}

// ReleaseInode writes an empty inode into number's slot; if that
// empties the whole group, the group is dropped from the inode-group
// B-tree, marked unavailable (so it is never handed out again once
// gone), and its block released.
func (s *Subvolume) ReleaseInode(number uint64) error {
	if err := s.SetInode(number, inode.EmptyInode()); err != nil {
		return err
	}

	group, _ := inode.Split(number)
	t := s.inodeTree()
	e, err := t.Lookup(group)
	if err != nil {
		return err
	}
	ig, err := inode.ReadGroup(s.dev, e.Value)
	if err != nil {
		return err
	}
	if !ig.AllEmpty() {
		return nil
	}

	igChain := s.igroupChain()
	if err := igChain.Set(group); err != nil {
		return err
	}
	s.Entry.IGroupBitmap = igChain.Head
	if err := t.Remove(group); err != nil {
		return err
	}
	s.Entry.InodeTreeRoot = t.Root
	if err := s.ReleaseBlock(ig.Block); err != nil {
		return err
	}
	return s.Persist()
}
