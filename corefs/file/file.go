// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package file implements the per-file data path: a file is an inode
// plus, once it holds any data, a CoW B-tree mapping logical block
// number to physical block index.
package file

import (
	"github.com/31core/31corefs/corefs/blockio"
	"github.com/31core/31corefs/corefs/cowbtree"
	"github.com/31core/31corefs/corefs/inode"
	"github.com/31core/31corefs/corefs/superblock"
)

// File wraps an inode with the read/write/truncate operations over its
// (possibly absent) data B-tree. Callers are responsible for calling
// handle_rc_inode-equivalent inode-group CoW handling and persisting
// the resulting Inode back through the subvolume before and after
// using a File; File itself only mutates the in-memory Inode value and
// the data blocks/B-tree it owns.
type File struct {
	dev   blockio.Device
	alloc blockio.Allocator
	fs    *superblock.Filesystem
	Inode inode.Inode
}

// Open wraps an already-loaded inode for data access.
func Open(dev blockio.Device, alloc blockio.Allocator, fs *superblock.Filesystem, in inode.Inode) *File {
	return &File{dev: dev, alloc: alloc, fs: fs, Inode: in}
}

func (f *File) tree() (*cowbtree.Tree, bool) {
	if f.Inode.BTreeRoot == 0 {
		return nil, false
	}
	return cowbtree.Open(f.dev, f.alloc, f.fs, f.Inode.BTreeRoot), true
}

// Write stores data at the given byte offset, allocating the data
// B-tree on first use, copying out any block whose leaf entry is
// shared (rc > 0) before mutating it, and zero-filling newly allocated
// blocks outside the written region. It extends Inode.Size and
// refreshes Inode.MTime as needed.
func (f *File) Write(offset uint64, data []byte, now int64) error {
	if len(data) == 0 {
		return nil
	}

	t, ok := f.tree()
	if !ok {
		var err error
		t, err = cowbtree.Create(f.dev, f.alloc, f.fs)
		if err != nil {
			return err
		}
		f.Inode.BTreeRoot = t.Root
	}

	end := offset + uint64(len(data))
	for pos := offset; pos < end; {
		lb := pos / blockio.BlockSize
		blockStart := lb * blockio.BlockSize
		localOff := pos - blockStart
		n := blockio.BlockSize - localOff
		if remain := end - pos; remain < n {
			n = remain
		}
		chunk := data[pos-offset : pos-offset+n]

		if err := f.writeBlock(t, lb, localOff, chunk); err != nil {
			return err
		}
		pos += n
	}

	f.Inode.BTreeRoot = t.Root
	if end > f.Inode.Size {
		f.Inode.Size = end
	}
	f.Inode.MTime = now
	return nil
}

func (f *File) writeBlock(t *cowbtree.Tree, lb, localOff uint64, chunk []byte) error {
	entry, err := t.Lookup(lb)
	if err == nil {
		var raw blockio.Block
		physical := entry.Value
		if entry.RC > 0 {
			physical, err = blockio.CopyOut(f.dev, f.alloc, entry.Value)
			if err != nil {
				return err
			}
			raw, err = blockio.ReadBlock(f.dev, physical)
			if err != nil {
				return err
			}
			copy(raw[localOff:], chunk)
			if err := blockio.WriteBlock(f.dev, physical, raw); err != nil {
				return err
			}
			return t.Modify(lb, physical)
		}
		raw, err = blockio.ReadBlock(f.dev, physical)
		if err != nil {
			return err
		}
		copy(raw[localOff:], chunk)
		return blockio.WriteBlock(f.dev, physical, raw)
	}

	physical, err := f.alloc.NewBlock()
	if err != nil {
		return err
	}
	var raw blockio.Block
	copy(raw[localOff:], chunk)
	if err := blockio.WriteBlock(f.dev, physical, raw); err != nil {
		return err
	}
	return t.Insert(lb, physical)
}

// Read fills buf with the file's contents starting at offset, treating
// any logical block with no B-tree mapping (a hole) as zero. Bytes
// past Inode.Size are zeroed rather than read from the data B-tree, so
// a read spanning a truncated tail sees zeros there regardless of
// whatever stale block mapping Truncate left behind. It always
// refreshes Inode.ATime and returns the number of bytes actually
// covered by the file (clamped to Inode.Size), not len(buf).
func (f *File) Read(offset uint64, buf []byte, now int64) (int, error) {
	f.Inode.ATime = now

	for i := range buf {
		buf[i] = 0
	}
	if offset >= f.Inode.Size {
		return 0, nil
	}
	n := uint64(len(buf))
	if offset+n > f.Inode.Size {
		n = f.Inode.Size - offset
	}
	buf = buf[:n]

	t, ok := f.tree()
	if !ok {
		return int(n), nil
	}

	end := offset + n
	for pos := offset; pos < end; {
		lb := pos / blockio.BlockSize
		blockStart := lb * blockio.BlockSize
		localOff := pos - blockStart
		n := blockio.BlockSize - localOff
		if remain := end - pos; remain < n {
			n = remain
		}
		dst := buf[pos-offset : pos-offset+n]

		entry, err := t.Lookup(lb)
		if err != nil {
			for i := range dst {
				dst[i] = 0
			}
		} else {
			raw, err := blockio.ReadBlock(f.dev, entry.Value)
			if err != nil {
				return 0, err
			}
			copy(dst, raw[localOff:localOff+n])
		}
		pos += n
	}

	return int(n), nil
}

// Truncate resizes the file. Shrinking to zero destroys the whole data
// B-tree; shrinking to a nonzero size removes the mappings for every
// logical block that falls entirely beyond newSize (each unshared data
// block, leaf-entry rc == 0, is released to the allocator the same way
// Destroy releases it), relying on holes for everything else. Growing
// is zero-cost.
func (f *File) Truncate(newSize uint64, now int64) error {
	t, ok := f.tree()
	if !ok {
		f.Inode.Size = newSize
		f.Inode.MTime = now
		return nil
	}

	if newSize == 0 {
		if err := t.Destroy(); err != nil {
			return err
		}
		f.Inode.BTreeRoot = 0
		f.Inode.Size = 0
		f.Inode.MTime = now
		return nil
	}

	if newSize < f.Inode.Size {
		firstRemoved := (newSize + blockio.BlockSize - 1) / blockio.BlockSize
		lastExisting := (f.Inode.Size - 1) / blockio.BlockSize
		for lb := firstRemoved; lb <= lastExisting; lb++ {
			entry, err := t.Lookup(lb)
			if isNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			if err := t.Remove(lb); err != nil {
				return err
			}
			if entry.RC == 0 {
				if err := f.alloc.ReleaseBlock(entry.Value); err != nil {
					return err
				}
			}
		}
		f.Inode.BTreeRoot = t.Root
	}

	f.Inode.Size = newSize
	f.Inode.MTime = now
	return nil
}
