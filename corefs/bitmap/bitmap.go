// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bitmap implements the single-block used-bit array and the
// bitmap-index chain that lets a used-bit array span more blocks than
// fit in one.
package bitmap

import (
	"encoding/binary"
	"fmt"

	"github.com/31core/31corefs/corefs/blockio"
	"github.com/31core/31corefs/corefs/coreerr"
)

// Block is a 4096-byte, MSB-first-within-byte used-bit array covering
// blockio.BlockSize*8 positions.
type Block struct {
	Bytes [blockio.BlockSize]byte
}

// BitsPerBlock is the number of positions one Block covers.
const BitsPerBlock = blockio.BlockSize * 8

func bitPos(n uint64) (byteIdx int, mask byte) {
	return int(n / 8), 1 << (7 - n%8)
}

// Get reports whether position n is marked used.
func (b *Block) Get(n uint64) bool {
	byteIdx, mask := bitPos(n)
	return b.Bytes[byteIdx]&mask != 0
}

// Set marks position n used.
func (b *Block) Set(n uint64) {
	byteIdx, mask := bitPos(n)
	b.Bytes[byteIdx] |= mask
}

// Clear marks position n unused.
func (b *Block) Clear(n uint64) {
	byteIdx, mask := bitPos(n)
	b.Bytes[byteIdx] &^= mask
}

// FindFirstZero returns the lowest-numbered unused position, or ok=false
// if the block is entirely full.
func (b *Block) FindFirstZero() (pos uint64, ok bool) {
	for i, byteVal := range b.Bytes {
		if byteVal == 0xff {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			p := uint64(i*8 + bit)
			if !b.Get(p) {
				return p, true
			}
		}
	}
	return 0, false
}

// Load decodes a Block from a raw disk block.
func Load(raw blockio.Block) Block {
	return Block{Bytes: raw}
}

// Dump encodes a Block back to a raw disk block.
func (b *Block) Dump() blockio.Block {
	return blockio.Block(b.Bytes)
}

// ReadBlock loads the bitmap block at the given absolute block index.
func ReadBlock(dev blockio.Device, index uint64) (Block, error) {
	raw, err := blockio.ReadBlock(dev, index)
	if err != nil {
		return Block{}, err
	}
	return Load(raw), nil
}

// WriteBlock persists the bitmap block at the given absolute block index.
func WriteBlock(dev blockio.Device, index uint64, b Block) error {
	return blockio.WriteBlock(dev, index, b.Dump())
}

// pointersPerIndex is how many bitmap-block pointers one IndexBlock chains.
const pointersPerIndex = blockio.BlockSize/8 - 1

// IndexBlock chains pointers to bitmap Blocks so a bitmap can cover
// arbitrarily many positions. On disk: 0-7 next, 8-4095 up to 511
// bitmap-block pointers.
type IndexBlock struct {
	Next     uint64
	Bitmaps  [pointersPerIndex]uint64
}

// LoadIndexBlock decodes an IndexBlock from a raw disk block.
func LoadIndexBlock(raw blockio.Block) IndexBlock {
	var ib IndexBlock
	ib.Next = binary.BigEndian.Uint64(raw[0:8])
	for i := range ib.Bitmaps {
		ib.Bitmaps[i] = binary.BigEndian.Uint64(raw[8+8*i : 16+8*i])
	}
	return ib
}

// Dump encodes the IndexBlock back to a raw disk block.
func (ib *IndexBlock) Dump() blockio.Block {
	var raw blockio.Block
	binary.BigEndian.PutUint64(raw[0:8], ib.Next)
	for i, ptr := range ib.Bitmaps {
		binary.BigEndian.PutUint64(raw[8+8*i:16+8*i], ptr)
	}
	return raw
}

// ReadIndexBlock loads the index block at the given absolute block index.
func ReadIndexBlock(dev blockio.Device, index uint64) (IndexBlock, error) {
	raw, err := blockio.ReadBlock(dev, index)
	if err != nil {
		return IndexBlock{}, err
	}
	return LoadIndexBlock(raw), nil
}

// WriteIndexBlock persists the index block at the given absolute block index.
func WriteIndexBlock(dev blockio.Device, index uint64, ib IndexBlock) error {
	raw := ib.Dump()
	return blockio.WriteBlock(dev, index, raw)
}

// Chain is a bitmap spanning one or more Blocks linked by IndexBlocks,
// addressed by a single absolute bit position across the whole chain.
type Chain struct {
	dev         blockio.Device
	head        uint64
	bitmapCount int
}

// OpenChain attaches to a bitmap chain whose first IndexBlock lives at
// head, covering bitmapCount bitmap blocks in total (BitsPerBlock bits
// each).
func OpenChain(dev blockio.Device, head uint64, bitmapCount int) *Chain {
	return &Chain{dev: dev, head: head, bitmapCount: bitmapCount}
}

func (c *Chain) locate(bit uint64) (indexBlockAbs uint64, bitmapSlot int, rel uint64, err error) {
	bitmapIdx := bit / BitsPerBlock
	rel = bit % BitsPerBlock
	if int(bitmapIdx) >= c.bitmapCount {
		return 0, 0, 0, fmt.Errorf("bitmap: bit %d out of range: %w", bit, ErrOutOfRange)
	}
	ib := c.head
	slot := bitmapIdx
	for slot >= pointersPerIndex {
		blk, err := ReadIndexBlock(c.dev, ib)
		if err != nil {
			return 0, 0, 0, err
		}
		if blk.Next == 0 {
			return 0, 0, 0, fmt.Errorf("bitmap: truncated chain: %w", ErrOutOfRange)
		}
		ib = blk.Next
		slot -= pointersPerIndex
	}
	return ib, int(slot), rel, nil
}

// bitmapBlockFor returns the absolute block index of the bitmap block
// holding bit.
func (c *Chain) bitmapBlockFor(bit uint64) (uint64, uint64, error) {
	ib, slot, rel, err := c.locate(bit)
	if err != nil {
		return 0, 0, err
	}
	idxBlock, err := ReadIndexBlock(c.dev, ib)
	if err != nil {
		return 0, 0, err
	}
	return idxBlock.Bitmaps[slot], rel, nil
}

// Get reports whether the absolute bit position is set.
func (c *Chain) Get(bit uint64) (bool, error) {
	bb, rel, err := c.bitmapBlockFor(bit)
	if err != nil {
		return false, err
	}
	b, err := ReadBlock(c.dev, bb)
	if err != nil {
		return false, err
	}
	return b.Get(rel), nil
}

// Set marks the absolute bit position used.
func (c *Chain) Set(bit uint64) error {
	return c.mutate(bit, func(b *Block, rel uint64) { b.Set(rel) })
}

// Clear marks the absolute bit position unused.
func (c *Chain) Clear(bit uint64) error {
	return c.mutate(bit, func(b *Block, rel uint64) { b.Clear(rel) })
}

func (c *Chain) mutate(bit uint64, f func(b *Block, rel uint64)) error {
	bb, rel, err := c.bitmapBlockFor(bit)
	if err != nil {
		return err
	}
	b, err := ReadBlock(c.dev, bb)
	if err != nil {
		return err
	}
	f(&b, rel)
	return WriteBlock(c.dev, bb, b)
}

// Or ORs every bitmap block of other into the matching bitmap block of
// c, leaving other untouched. Used when folding an exclusive bitmap
// into a shared bitmap at snapshot time.
func (c *Chain) Or(other *Chain) error {
	return c.walk(other, func(dst, src *Block) {
		for i := range dst.Bytes {
			dst.Bytes[i] |= src.Bytes[i]
		}
	})
}

// Clone copies every bit of other into c, overwriting c's contents.
func (c *Chain) Clone(other *Chain) error {
	return c.walk(other, func(dst, src *Block) {
		*dst = *src
	})
}

// ClearAll zeroes every bitmap block in the chain.
func (c *Chain) ClearAll() error {
	bit := uint64(0)
	for i := 0; i < c.bitmapCount; i++ {
		bb, _, err := c.bitmapBlockFor(bit)
		if err != nil {
			return err
		}
		if err := WriteBlock(c.dev, bb, Block{}); err != nil {
			return err
		}
		bit += BitsPerBlock
	}
	return nil
}

func (c *Chain) walk(other *Chain, f func(dst, src *Block)) error {
	if c.bitmapCount != other.bitmapCount {
		return fmt.Errorf("bitmap: chain size mismatch: %w", ErrOutOfRange)
	}
	bit := uint64(0)
	for i := 0; i < c.bitmapCount; i++ {
		dstAbs, _, err := c.bitmapBlockFor(bit)
		if err != nil {
			return err
		}
		srcAbs, _, err := other.bitmapBlockFor(bit)
		if err != nil {
			return err
		}
		dstBlock, err := ReadBlock(c.dev, dstAbs)
		if err != nil {
			return err
		}
		srcBlock, err := ReadBlock(c.dev, srcAbs)
		if err != nil {
			return err
		}
		f(&dstBlock, &srcBlock)
		if err := WriteBlock(c.dev, dstAbs, dstBlock); err != nil {
			return err
		}
		bit += BitsPerBlock
	}
	return nil
}

// AllocateChain allocates a fresh IndexBlock chain (and the bitmapCount
// bitmap blocks it points to) using alloc, zeroing every bit, and
// returns the absolute block index of the chain's head.
func AllocateChain(dev blockio.Device, alloc blockio.Allocator, bitmapCount int) (uint64, error) {
	head, err := alloc.NewBlock()
	if err != nil {
		return 0, err
	}
	if err := WriteIndexBlock(dev, head, IndexBlock{}); err != nil {
		return 0, err
	}

	cur := head
	var curBlock IndexBlock
	for i := 0; i < bitmapCount; i++ {
		if i > 0 && i%pointersPerIndex == 0 {
			next, err := alloc.NewBlock()
			if err != nil {
				return 0, err
			}
			curBlock.Next = next
			if err := WriteIndexBlock(dev, cur, curBlock); err != nil {
				return 0, err
			}
			cur = next
			curBlock = IndexBlock{}
		}
		bb, err := alloc.NewBlock()
		if err != nil {
			return 0, err
		}
		if err := WriteBlock(dev, bb, Block{}); err != nil {
			return 0, err
		}
		curBlock.Bitmaps[i%pointersPerIndex] = bb
	}
	if err := WriteIndexBlock(dev, cur, curBlock); err != nil {
		return 0, err
	}
	return head, nil
}

// ReleaseAll returns every block backing the chain (its index blocks and
// every bitmap block they point to) to alloc. Used when tearing down a
// chain that is never itself shared across owners, so no rc bookkeeping
// applies - a subvolume's own exclusive/shared data-block bitmaps.
func (c *Chain) ReleaseAll(alloc blockio.Allocator) error {
	ib := c.head
	bitmapsLeft := c.bitmapCount
	for ib != 0 {
		blk, err := ReadIndexBlock(c.dev, ib)
		if err != nil {
			return err
		}
		n := pointersPerIndex
		if bitmapsLeft < n {
			n = bitmapsLeft
		}
		for i := 0; i < n; i++ {
			if err := alloc.ReleaseBlock(blk.Bitmaps[i]); err != nil {
				return err
			}
		}
		bitmapsLeft -= n
		next := blk.Next
		if err := alloc.ReleaseBlock(ib); err != nil {
			return err
		}
		ib = next
	}
	return nil
}

// ErrOutOfRange is returned when a bit position falls outside a chain's
// declared capacity, or a chain is found to be truncated.
var ErrOutOfRange = coreerr.ErrOther
