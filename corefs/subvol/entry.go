// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package subvol implements the subvolume registry: independent
// namespaces each with their own root inode, inode-group B-tree,
// inode-group availability chain, and exclusive/shared data-block
// bitmaps, plus the chained manager that stores their entries and the
// create/remove/snapshot machinery that keeps shared-block accounting
// correct.
package subvol

import "encoding/binary"

// EntrySize is the on-disk size of one subvolume entry.
const EntrySize = 128

// State is a subvolume's lifecycle stage.
type State uint8

const (
	stateFree State = 0 // slot never used, or fully deleted
	Allocated State = 1
	Removed   State = 2 // tombstone: still has live snapshots
)

// Type distinguishes an ordinary subvolume from a snapshot.
type Type uint8

const (
	TypeNormal   Type = 0
	TypeSnapshot Type = 1
)

// Entry is the 128-byte on-disk subvolume record.
type Entry struct {
	ID               uint64
	InodeTreeRoot    uint64 // root block of the inode-group-index B-tree
	RootInode        uint64 // global inode number of the subvolume's root directory
	Bitmap           uint64 // head of the exclusive data-block bitmap chain
	SharedBitmap     uint64 // head of the shared data-block bitmap chain (0 if none)
	IGroupBitmap     uint64 // head of the inode-group availability chain
	UsedBlocks       uint64
	RealUsedBlocks   uint64
	CreationTime     int64
	Snaps            uint64
	ParentSubvol     uint64
	State            State
	Type             Type
}

func (e Entry) occupied() bool { return e.State != stateFree }

func loadEntry(b []byte) Entry {
	var e Entry
	e.ID = binary.BigEndian.Uint64(b[0:8])
	e.InodeTreeRoot = binary.BigEndian.Uint64(b[8:16])
	e.RootInode = binary.BigEndian.Uint64(b[16:24])
	e.Bitmap = binary.BigEndian.Uint64(b[24:32])
	e.SharedBitmap = binary.BigEndian.Uint64(b[32:40])
	e.IGroupBitmap = binary.BigEndian.Uint64(b[40:48])
	e.UsedBlocks = binary.BigEndian.Uint64(b[48:56])
	e.RealUsedBlocks = binary.BigEndian.Uint64(b[56:64])
	e.CreationTime = int64(binary.BigEndian.Uint64(b[64:72]))
	e.Snaps = binary.BigEndian.Uint64(b[72:80])
	e.ParentSubvol = binary.BigEndian.Uint64(b[80:88])
	e.State = State(b[88])
	e.Type = Type(b[89])
	return e
}

func dumpEntry(b []byte, e Entry) {
	for i := range b {
		b[i] = 0
	}
	binary.BigEndian.PutUint64(b[0:8], e.ID)
	binary.BigEndian.PutUint64(b[8:16], e.InodeTreeRoot)
	binary.BigEndian.PutUint64(b[16:24], e.RootInode)
	binary.BigEndian.PutUint64(b[24:32], e.Bitmap)
	binary.BigEndian.PutUint64(b[32:40], e.SharedBitmap)
	binary.BigEndian.PutUint64(b[40:48], e.IGroupBitmap)
	binary.BigEndian.PutUint64(b[48:56], e.UsedBlocks)
	binary.BigEndian.PutUint64(b[56:64], e.RealUsedBlocks)
	binary.BigEndian.PutUint64(b[64:72], uint64(e.CreationTime))
	binary.BigEndian.PutUint64(b[72:80], e.Snaps)
	binary.BigEndian.PutUint64(b[80:88], e.ParentSubvol)
	b[88] = byte(e.State)
	b[89] = byte(e.Type)
}
