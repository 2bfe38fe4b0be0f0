// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package symlink implements the linked content table: a chain of
// blocks {next(8B), content bytes...} that stores a symlink target as
// an opaque byte string. Parsing or interpreting the target as a path
// is an external collaborator's job; this package only moves bytes.
package symlink

import (
	"encoding/binary"

	"github.com/31core/31corefs/corefs/blockio"
)

const headerSize = 8

// contentPerBlock is how many content bytes fit alongside the next pointer.
const contentPerBlock = blockio.BlockSize - headerSize

// Write persists content as a freshly allocated chain and returns the
// absolute block index of its head. An empty content returns head == 0.
func Write(dev blockio.Device, alloc blockio.Allocator, content []byte) (head uint64, err error) {
	if len(content) == 0 {
		return 0, nil
	}

	n := (len(content) + contentPerBlock - 1) / contentPerBlock
	blocks := make([]uint64, n)
	for i := range blocks {
		b, err := alloc.NewBlock()
		if err != nil {
			return 0, err
		}
		blocks[i] = b
	}

	for i, b := range blocks {
		var raw blockio.Block
		var next uint64
		if i+1 < len(blocks) {
			next = blocks[i+1]
		}
		binary.BigEndian.PutUint64(raw[0:8], next)

		start := i * contentPerBlock
		end := start + contentPerBlock
		if end > len(content) {
			end = len(content)
		}
		copy(raw[headerSize:], content[start:end])

		if err := blockio.WriteBlock(dev, b, raw); err != nil {
			return 0, err
		}
	}
	return blocks[0], nil
}

// Read reads exactly length content bytes out of the chain rooted at head.
func Read(dev blockio.Device, head uint64, length uint64) ([]byte, error) {
	out := make([]byte, 0, length)
	block := head
	for uint64(len(out)) < length && block != 0 {
		raw, err := blockio.ReadBlock(dev, block)
		if err != nil {
			return nil, err
		}
		next := binary.BigEndian.Uint64(raw[0:8])

		remain := length - uint64(len(out))
		n := uint64(contentPerBlock)
		if remain < n {
			n = remain
		}
		out = append(out, raw[headerSize:headerSize+n]...)
		block = next
	}
	return out, nil
}

// Destroy releases every block in the chain rooted at head.
func Destroy(dev blockio.Device, alloc blockio.Allocator, head uint64) error {
	block := head
	for block != 0 {
		raw, err := blockio.ReadBlock(dev, block)
		if err != nil {
			return err
		}
		next := binary.BigEndian.Uint64(raw[0:8])
		if err := alloc.ReleaseBlock(block); err != nil {
			return err
		}
		block = next
	}
	return nil
}
