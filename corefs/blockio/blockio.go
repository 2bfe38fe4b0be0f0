// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blockio reads and writes fixed 4096-byte blocks at
// block-indexed offsets on a seekable random-access byte store.
package blockio

import (
	"fmt"
	"io"

	"github.com/31core/31corefs/corefs/coreerr"
)

// BlockSize is the fixed unit of I/O and allocation.
const BlockSize = 4096

// Block is one decoded 4096-byte unit.
type Block [BlockSize]byte

// Device is the random-access byte store the core runs over. A real
// device is usually an *os.File; tests back it with an in-memory buffer.
type Device interface {
	io.ReaderAt
	io.WriterAt
}

// Allocator is implemented by whatever owns block allocation for the
// caller's current scope. cowbtree, file, inode and dir never talk to
// the global allocator directly: they always go through the subvolume
// that owns the blocks they're mutating, so per-subvolume bookkeeping
// (bitmap, used_blocks, real_used_blocks) stays correct.
type Allocator interface {
	NewBlock() (uint64, error)
	ReleaseBlock(block uint64) error
}

// ReadBlock reads the block at the given absolute block index.
func ReadBlock(dev Device, index uint64) (Block, error) {
	var b Block
	n, err := dev.ReadAt(b[:], int64(index)*BlockSize)
	if err != nil && !(err == io.EOF && n == BlockSize) {
		return b, fmt.Errorf("blockio: read block %d: %w", index, err)
	}
	return b, nil
}

// WriteBlock writes the block at the given absolute block index.
func WriteBlock(dev Device, index uint64, b Block) error {
	if _, err := dev.WriteAt(b[:], int64(index)*BlockSize); err != nil {
		return fmt.Errorf("blockio: write block %d: %w", index, err)
	}
	return nil
}

// CopyOut duplicates the contents of block src into a freshly allocated
// block obtained from alloc, returning the new block's index.
func CopyOut(dev Device, alloc Allocator, src uint64) (uint64, error) {
	b, err := ReadBlock(dev, src)
	if err != nil {
		return 0, err
	}
	dst, err := alloc.NewBlock()
	if err != nil {
		return 0, err
	}
	if err := WriteBlock(dev, dst, b); err != nil {
		return 0, err
	}
	return dst, nil
}

// ErrShortRead wraps coreerr.ErrInvalidData for use by decoders that
// find a block shorter than expected.
var ErrShortRead = coreerr.ErrInvalidData
