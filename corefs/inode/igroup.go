// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package inode

import "github.com/31core/31corefs/corefs/blockio"

// Group is one decoded inode-group block: PerInodeGroup fixed-size inodes.
type Group struct {
	Block   uint64
	Inodes  [PerInodeGroup]Inode
}

// LoadGroup decodes every inode slot out of a raw inode-group block.
func LoadGroup(block uint64, raw blockio.Block) Group {
	var g Group
	g.Block = block
	for i := range g.Inodes {
		g.Inodes[i] = LoadInode(raw, i)
	}
	return g
}

// Dump encodes the group back to a raw disk block.
func (g *Group) Dump() blockio.Block {
	var raw blockio.Block
	for i, in := range g.Inodes {
		DumpInode(&raw, i, in)
	}
	return raw
}

// ReadGroup loads the inode-group block at the given absolute block index.
func ReadGroup(dev blockio.Device, block uint64) (Group, error) {
	raw, err := blockio.ReadBlock(dev, block)
	if err != nil {
		return Group{}, err
	}
	return LoadGroup(block, raw), nil
}

// WriteGroup persists the inode-group block.
func WriteGroup(dev blockio.Device, g *Group) error {
	return blockio.WriteBlock(dev, g.Block, g.Dump())
}

// FirstEmptySlot returns the index of the first unused inode in the
// group, or ok=false if the group is full.
func (g *Group) FirstEmptySlot() (slot int, ok bool) {
	for i, in := range g.Inodes {
		if in.Empty() {
			return i, true
		}
	}
	return 0, false
}

// AllEmpty reports whether every slot in the group is unused.
func (g *Group) AllEmpty() bool {
	for _, in := range g.Inodes {
		if !in.Empty() {
			return false
		}
	}
	return true
}

// NewGroup returns a freshly zeroed (all-empty) inode group for block.
func NewGroup(block uint64) Group {
	var g Group
	g.Block = block
	for i := range g.Inodes {
		g.Inodes[i] = EmptyInode()
	}
	return g
}
