// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package blockcache fronts blockio with a bounded LRU of decoded
// blocks. It never changes write-through semantics: every Write still
// goes straight to the device before the cache is updated, and a Read
// only ever returns what the device would have returned. It exists
// purely to avoid re-decoding the same B-tree node or inode-group block
// repeatedly within one operation (e.g. the several lookups a single
// insert touches on its way down the tree).
package blockcache

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/31core/31corefs/corefs/blockio"
)

// DefaultSize is the number of decoded blocks kept resident by default.
const DefaultSize = 512

// Cache wraps a blockio.Device with a bounded LRU of decoded blocks.
type Cache struct {
	dev blockio.Device
	lru *lru.Cache
}

var _ blockio.Device = (*Cache)(nil)

// New wraps dev with an LRU of the given size (DefaultSize if size <= 0).
func New(dev blockio.Device, size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	l, err := lru.New(size)
	if err != nil {
		// lru.New only errors on size <= 0, which we've just ruled out.
		panic(err)
	}
	return &Cache{dev: dev, lru: l}
}

// ReadAt implements io.ReaderAt, serving whole-block reads from the
// cache and falling through to the device (populating the cache) on a
// miss. Reads that don't align to a single block bypass the cache.
func (c *Cache) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == blockio.BlockSize && off%blockio.BlockSize == 0 {
		idx := uint64(off / blockio.BlockSize)
		if v, ok := c.lru.Get(idx); ok {
			copy(p, v.(blockio.Block)[:])
			return len(p), nil
		}
		n, err := c.dev.ReadAt(p, off)
		if err == nil {
			var b blockio.Block
			copy(b[:], p)
			c.lru.Add(idx, b)
		}
		return n, err
	}
	return c.dev.ReadAt(p, off)
}

// WriteAt implements io.WriterAt, always writing through to the device
// and then updating (or invalidating) the cached copy.
func (c *Cache) WriteAt(p []byte, off int64) (int, error) {
	n, err := c.dev.WriteAt(p, off)
	if err != nil {
		return n, err
	}
	if len(p) == blockio.BlockSize && off%blockio.BlockSize == 0 {
		idx := uint64(off / blockio.BlockSize)
		var b blockio.Block
		copy(b[:], p)
		c.lru.Add(idx, b)
	}
	return n, err
}

// Purge drops every cached block, e.g. after a bulk out-of-band device
// mutation the cache can't have observed.
func (c *Cache) Purge() { c.lru.Purge() }
