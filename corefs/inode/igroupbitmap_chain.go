// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package inode

import (
	"fmt"

	"github.com/31core/31corefs/corefs/blockio"
	"github.com/31core/31corefs/corefs/coreerr"
	"github.com/31core/31corefs/corefs/superblock"
)

// IGroupBitmapChain is the chained availability bitmap for a
// subvolume's inode groups: bit g is set when inode group g has no free
// slot and clear when it still has one. A snapshot clones the chain at zero copy cost by
// bumping every block's rc; a mutating Set/Clear then COW-clones
// whichever block it touches.
type IGroupBitmapChain struct {
	dev   blockio.Device
	alloc blockio.Allocator
	fs    *superblock.Filesystem
	Head  uint64
}

// OpenIGroupBitmapChain attaches to an existing chain rooted at head.
func OpenIGroupBitmapChain(dev blockio.Device, alloc blockio.Allocator, fs *superblock.Filesystem, head uint64) *IGroupBitmapChain {
	return &IGroupBitmapChain{dev: dev, alloc: alloc, fs: fs, Head: head}
}

// CreateIGroupBitmapChain allocates the first block of a fresh, empty chain.
func CreateIGroupBitmapChain(dev blockio.Device, alloc blockio.Allocator, fs *superblock.Filesystem) (*IGroupBitmapChain, error) {
	block, err := alloc.NewBlock()
	if err != nil {
		return nil, err
	}
	b := IGroupBitmapBlock{Block: block}
	if err := WriteIGroupBitmapBlock(dev, &b); err != nil {
		return nil, err
	}
	return &IGroupBitmapChain{dev: dev, alloc: alloc, fs: fs, Head: block}, nil
}

func (c *IGroupBitmapChain) cowClone(b *IGroupBitmapBlock) error {
	if b.RC == 0 {
		return nil
	}
	old := *b
	old.RC--
	if err := WriteIGroupBitmapBlock(c.dev, &old); err != nil {
		return err
	}
	newBlock, err := c.alloc.NewBlock()
	if err != nil {
		return err
	}
	b.Block = newBlock
	b.RC = 0
	if c.fs != nil {
		c.fs.SB.RealUsedBlocks++
	}
	return nil
}

// locate walks the chain to the block holding bit. When extend is true
// and bit falls past the chain's current length, new zeroed blocks are
// allocated and linked on to reach it. prevAbs is the absolute block
// index of the previous link (0 if the target is the head block), for
// relinking the chain if the caller goes on to COW-relocate it.
func (c *IGroupBitmapChain) locate(bit uint64, extend bool) (target *IGroupBitmapBlock, rel uint64, prevAbs uint64, err error) {
	blockIdx := bit / BitsPerIGroupBitmapBlock
	rel = bit % BitsPerIGroupBitmapBlock

	cur, err := ReadIGroupBitmapBlock(c.dev, c.Head)
	if err != nil {
		return nil, 0, 0, err
	}

	for i := uint64(0); i < blockIdx; i++ {
		if cur.Next == 0 {
			if !extend {
				return nil, 0, 0, fmt.Errorf("inode: igroup bitmap chain too short: %w", coreerr.ErrOther)
			}
			nb, err := c.alloc.NewBlock()
			if err != nil {
				return nil, 0, 0, err
			}
			next := IGroupBitmapBlock{Block: nb}
			if err := WriteIGroupBitmapBlock(c.dev, &next); err != nil {
				return nil, 0, 0, err
			}
			cur.Next = nb
			if err := WriteIGroupBitmapBlock(c.dev, &cur); err != nil {
				return nil, 0, 0, err
			}
		}
		prevAbs = cur.Block
		next, err := ReadIGroupBitmapBlock(c.dev, cur.Next)
		if err != nil {
			return nil, 0, 0, err
		}
		cur = next
	}
	return &cur, rel, prevAbs, nil
}

// Get reports whether inode group bit is marked full.
func (c *IGroupBitmapChain) Get(bit uint64) (bool, error) {
	b, rel, _, err := c.locate(bit, false)
	if err != nil {
		return false, err
	}
	return b.Get(rel), nil
}

// relink repoints the chain at a block that cowClone just relocated:
// the chain head if it had no predecessor, or the predecessor's Next
// pointer otherwise.
func (c *IGroupBitmapChain) relink(prevAbs, newBlock uint64) error {
	if prevAbs == 0 {
		c.Head = newBlock
		return nil
	}
	prev, err := ReadIGroupBitmapBlock(c.dev, prevAbs)
	if err != nil {
		return err
	}
	prev.Next = newBlock
	return WriteIGroupBitmapBlock(c.dev, &prev)
}

// Set marks inode group bit as full, extending the chain if necessary.
func (c *IGroupBitmapChain) Set(bit uint64) error {
	b, rel, prevAbs, err := c.locate(bit, true)
	if err != nil {
		return err
	}
	oldBlock := b.Block
	if err := c.cowClone(b); err != nil {
		return err
	}
	b.Set(rel)
	if err := WriteIGroupBitmapBlock(c.dev, b); err != nil {
		return err
	}
	if b.Block != oldBlock {
		return c.relink(prevAbs, b.Block)
	}
	return nil
}

// Clear marks inode group bit as having a free slot again, extending
// the chain if necessary (a freshly allocated group starts available).
func (c *IGroupBitmapChain) Clear(bit uint64) error {
	b, rel, prevAbs, err := c.locate(bit, true)
	if err != nil {
		return err
	}
	oldBlock := b.Block
	if err := c.cowClone(b); err != nil {
		return err
	}
	b.Clear(rel)
	if err := WriteIGroupBitmapBlock(c.dev, b); err != nil {
		return err
	}
	if b.Block != oldBlock {
		return c.relink(prevAbs, b.Block)
	}
	return nil
}

// FindFirstAvailable returns the lowest-numbered inode group with a
// free slot, i.e. the lowest zero bit. Groups that have never been
// created also read as zero, so the returned group may not exist yet;
// ok is false only if every bit of every block in the chain is set. A
// newly allocated inode group is marked available with Clear, which
// grows the chain as needed.
func (c *IGroupBitmapChain) FindFirstAvailable() (group uint64, ok bool, err error) {
	blockIdx := uint64(0)
	block := c.Head
	for block != 0 {
		cur, err := ReadIGroupBitmapBlock(c.dev, block)
		if err != nil {
			return 0, false, err
		}
		if pos, found := cur.FindFirstZero(); found {
			return blockIdx*BitsPerIGroupBitmapBlock + pos, true, nil
		}
		block = cur.Next
		blockIdx++
	}
	return 0, false, nil
}

// Clone bumps the whole-block rc of every block in the chain, sharing
// it with a snapshot at zero copy cost.
func (c *IGroupBitmapChain) Clone() error {
	block := c.Head
	for block != 0 {
		b, err := ReadIGroupBitmapBlock(c.dev, block)
		if err != nil {
			return err
		}
		b.RC++
		if err := WriteIGroupBitmapBlock(c.dev, &b); err != nil {
			return err
		}
		block = b.Next
	}
	return nil
}

// Destroy releases the whole chain: a shared block is decremented in
// place, an unshared one is returned to alloc.
func (c *IGroupBitmapChain) Destroy() error {
	block := c.Head
	for block != 0 {
		b, err := ReadIGroupBitmapBlock(c.dev, block)
		if err != nil {
			return err
		}
		next := b.Next
		if b.RC > 0 {
			b.RC--
			if err := WriteIGroupBitmapBlock(c.dev, &b); err != nil {
				return err
			}
		} else if err := c.alloc.ReleaseBlock(b.Block); err != nil {
			return err
		}
		block = next
	}
	return nil
}
