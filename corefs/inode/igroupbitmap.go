// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package inode

import (
	"encoding/binary"

	"github.com/31core/31corefs/corefs/blockio"
)

const igroupBitmapHeaderSize = 16

// BitsPerIGroupBitmapBlock is how many inode-group slots one
// IGroupBitmapBlock's embedded bitmap covers.
const BitsPerIGroupBitmapBlock = (blockio.BlockSize - igroupBitmapHeaderSize) * 8

// IGroupBitmapBlock is one self-contained link in the chain: its own
// next pointer, a whole-block rc bumped when the chain is shared with a
// snapshot, and an embedded used-bit array marking which inode groups
// in this block's span are full (a zero bit means a free slot remains).
type IGroupBitmapBlock struct {
	Block uint64
	Next  uint64
	RC    uint64
	Bits  [blockio.BlockSize - igroupBitmapHeaderSize]byte
}

func igbBitPos(n uint64) (idx int, mask byte) { return int(n / 8), 1 << (7 - n%8) }

// Get reports whether bit n is set.
func (b *IGroupBitmapBlock) Get(n uint64) bool {
	idx, mask := igbBitPos(n)
	return b.Bits[idx]&mask != 0
}

// Set marks bit n.
func (b *IGroupBitmapBlock) Set(n uint64) {
	idx, mask := igbBitPos(n)
	b.Bits[idx] |= mask
}

// Clear unmarks bit n.
func (b *IGroupBitmapBlock) Clear(n uint64) {
	idx, mask := igbBitPos(n)
	b.Bits[idx] &^= mask
}

// FindFirstZero returns the lowest-numbered unset bit in this block.
func (b *IGroupBitmapBlock) FindFirstZero() (pos uint64, ok bool) {
	for i, v := range b.Bits {
		if v == 0xff {
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

// LoadIGroupBitmapBlock decodes a block from its raw contents.
func LoadIGroupBitmapBlock(block uint64, raw blockio.Block) IGroupBitmapBlock {
	var b IGroupBitmapBlock
	b.Block = block
	b.Next = binary.BigEndian.Uint64(raw[0:8])
	b.RC = binary.BigEndian.Uint64(raw[8:16])
	copy(b.Bits[:], raw[igroupBitmapHeaderSize:])
	return b
}

// Dump encodes the block back to raw disk contents.
func (b *IGroupBitmapBlock) Dump() blockio.Block {
	var raw blockio.Block
	binary.BigEndian.PutUint64(raw[0:8], b.Next)
	binary.BigEndian.PutUint64(raw[8:16], b.RC)
	copy(raw[igroupBitmapHeaderSize:], b.Bits[:])
	return raw
}

// ReadIGroupBitmapBlock loads the block at the given absolute block index.
func ReadIGroupBitmapBlock(dev blockio.Device, block uint64) (IGroupBitmapBlock, error) {
	raw, err := blockio.ReadBlock(dev, block)
	if err != nil {
		return IGroupBitmapBlock{}, err
	}
	return LoadIGroupBitmapBlock(block, raw), nil
}

// WriteIGroupBitmapBlock persists the block at its own Block index.
func WriteIGroupBitmapBlock(dev blockio.Device, b *IGroupBitmapBlock) error {
	return blockio.WriteBlock(dev, b.Block, b.Dump())
}
