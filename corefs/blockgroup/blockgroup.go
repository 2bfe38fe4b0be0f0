// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blockgroup implements the block group: a contiguous region of
// {meta block, bitmap block, up to 32768 data blocks} that tiles the
// device alongside its siblings.
package blockgroup

import (
	"encoding/binary"

	"github.com/31core/31corefs/corefs/bitmap"
	"github.com/31core/31corefs/corefs/blockio"
)

// MaxDataBlocks is the most data blocks a single group can hold: one
// bit of its single bitmap block per data block (4096*8).
const MaxDataBlocks = bitmap.BitsPerBlock

// blocksPerFullGroup is how many blocks {meta, bitmap, data...} occupy
// when the group is filled to MaxDataBlocks.
const blocksPerFullGroup = 2 + MaxDataBlocks

// Meta is the group header: on-disk 0-7 id, 8-15 next-group, 16-23
// capacity, 24-31 free-blocks.
type Meta struct {
	ID         uint64
	NextGroup  uint64
	Capacity   uint64
	FreeBlocks uint64
}

// LoadMeta decodes a Meta from a raw disk block.
func LoadMeta(raw blockio.Block) Meta {
	return Meta{
		ID:         binary.BigEndian.Uint64(raw[0:8]),
		NextGroup:  binary.BigEndian.Uint64(raw[8:16]),
		Capacity:   binary.BigEndian.Uint64(raw[16:24]),
		FreeBlocks: binary.BigEndian.Uint64(raw[24:32]),
	}
}

// Dump encodes the Meta back to a raw disk block.
func (m Meta) Dump() blockio.Block {
	var raw blockio.Block
	binary.BigEndian.PutUint64(raw[0:8], m.ID)
	binary.BigEndian.PutUint64(raw[8:16], m.NextGroup)
	binary.BigEndian.PutUint64(raw[16:24], m.Capacity)
	binary.BigEndian.PutUint64(raw[24:32], m.FreeBlocks)
	return raw
}

// Group is one block group: its meta header, its used-bit bitmap, and
// the absolute block index at which it starts (the meta block itself).
type Group struct {
	Meta       Meta
	Bitmap     bitmap.Block
	StartBlock uint64
}

// MetaBlock is the absolute index of the group's meta block (== StartBlock).
func (g *Group) MetaBlock() uint64 { return g.StartBlock }

// BitmapBlock is the absolute index of the group's bitmap block.
func (g *Group) BitmapBlock() uint64 { return g.StartBlock + 1 }

// DataStart is the absolute index of the group's first data block.
func (g *Group) DataStart() uint64 { return g.StartBlock + 2 }

// Create lays out a new group starting at startBlock, given the number
// of blocks still available on the device from startBlock onward
// (including this group's own meta+bitmap overhead). It does not write
// anything to disk; call Sync for that.
func Create(id, startBlock, remainingBlocks uint64) Group {
	g := Group{StartBlock: startBlock}
	g.Meta.ID = id
	if remainingBlocks <= blocksPerFullGroup {
		cap := remainingBlocks - 2
		g.Meta.Capacity = cap
		g.Meta.FreeBlocks = cap
		g.Meta.NextGroup = 0
	} else {
		g.Meta.Capacity = MaxDataBlocks
		g.Meta.FreeBlocks = MaxDataBlocks
		g.Meta.NextGroup = startBlock + blocksPerFullGroup
	}
	return g
}

// Blocks is the number of on-disk blocks, including the meta and bitmap
// blocks, that this group currently occupies.
func (g *Group) Blocks() uint64 { return 2 + g.Meta.Capacity }

// Load reads a group's meta and bitmap blocks from disk.
func Load(dev blockio.Device, startBlock uint64) (Group, error) {
	g := Group{StartBlock: startBlock}
	metaRaw, err := blockio.ReadBlock(dev, startBlock)
	if err != nil {
		return g, err
	}
	g.Meta = LoadMeta(metaRaw)
	g.Bitmap, err = bitmap.ReadBlock(dev, startBlock+1)
	return g, err
}

// Sync persists the group's meta and bitmap blocks to disk.
func (g *Group) Sync(dev blockio.Device) error {
	if err := blockio.WriteBlock(dev, g.MetaBlock(), g.Meta.Dump()); err != nil {
		return err
	}
	return bitmap.WriteBlock(dev, g.BitmapBlock(), g.Bitmap)
}

// AllocateBlock finds the first unused relative position below the
// group's capacity, marks it used, and returns it. ok is false if the
// group has no free block.
func (g *Group) AllocateBlock() (relative uint64, ok bool) {
	if g.Meta.FreeBlocks == 0 {
		return 0, false
	}
	pos, found := g.Bitmap.FindFirstZero()
	if !found || pos >= g.Meta.Capacity {
		return 0, false
	}
	g.Bitmap.Set(pos)
	g.Meta.FreeBlocks--
	return pos, true
}

// ReleaseBlock marks the relative position unused again.
func (g *Group) ReleaseBlock(relative uint64) {
	g.Bitmap.Clear(relative)
	g.Meta.FreeBlocks++
}

// Contains reports whether absolute falls within this group's data range.
func (g *Group) Contains(absolute uint64) bool {
	start := g.DataStart()
	return absolute >= start && absolute < start+g.Meta.Capacity
}

// ToRelative maps an absolute data-block index to a relative position
// within this group.
func (g *Group) ToRelative(absolute uint64) uint64 { return absolute - g.DataStart() }

// ToAbsolute maps a relative position within this group to an absolute
// data-block index.
func (g *Group) ToAbsolute(relative uint64) uint64 { return g.DataStart() + relative }
