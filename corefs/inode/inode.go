// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package inode implements the fixed-size inode record, the inode group
// it's packed into, and the chained availability bitmap that tracks
// which groups still have free slots.
package inode

import (
	"encoding/binary"

	"github.com/31core/31corefs/corefs/blockio"
)

// Kind is the object type carried in an inode's high bits.
type Kind uint16

const (
	Regular   Kind = 1
	Directory Kind = 2
	Symlink   Kind = 4
	Char      Kind = 8
	Block     Kind = 16
)

// emptyTypeACL marks an inode slot as unused.
const emptyTypeACL = 0xFFFF

// PerInodeGroup is how many 64-byte inodes pack into one block.
const PerInodeGroup = blockio.BlockSize / Size

// Size is the on-disk size of one inode record.
const Size = 64

// Inode is one 64-byte object-metadata record.
type Inode struct {
	empty bool // true for an unused slot; every other field is meaningless then

	Kind      Kind
	Perm      uint16 // low 9 bits significant
	UID, GID  uint16
	ATime     int64
	CTime     int64
	MTime     int64
	HLinks    uint16 // extra links beyond the first
	Size      uint64
	BTreeRoot uint64 // 0 if the file has no data B-tree yet (empty file)
}

// Empty reports whether this is an unused inode slot.
func (in Inode) Empty() bool { return in.empty }

// EmptyInode returns a fresh empty-slot inode value.
func EmptyInode() Inode { return Inode{empty: true} }

// LoadInode decodes the inode at slot index within a raw inode-group block.
func LoadInode(raw blockio.Block, slot int) Inode {
	b := raw[slot*Size : (slot+1)*Size]
	typeACL := binary.BigEndian.Uint16(b[0:2])
	if typeACL == emptyTypeACL {
		return EmptyInode()
	}
	var in Inode
	in.Kind = Kind(typeACL >> 9)
	in.Perm = typeACL & 0x1FF
	in.UID = binary.BigEndian.Uint16(b[2:4])
	in.GID = binary.BigEndian.Uint16(b[4:6])
	in.ATime = int64(binary.BigEndian.Uint64(b[6:14]))
	in.CTime = int64(binary.BigEndian.Uint64(b[14:22]))
	in.MTime = int64(binary.BigEndian.Uint64(b[22:30]))
	in.HLinks = binary.BigEndian.Uint16(b[30:32])
	in.Size = binary.BigEndian.Uint64(b[32:40])
	in.BTreeRoot = binary.BigEndian.Uint64(b[40:48])
	return in
}

// DumpInode encodes in into slot index of a raw inode-group block.
func DumpInode(raw *blockio.Block, slot int, in Inode) {
	b := raw[slot*Size : (slot+1)*Size]
	for i := range b {
		b[i] = 0
	}
	if in.empty {
		binary.BigEndian.PutUint16(b[0:2], emptyTypeACL)
		return
	}
	typeACL := uint16(in.Kind)<<9 | (in.Perm & 0x1FF)
	binary.BigEndian.PutUint16(b[0:2], typeACL)
	binary.BigEndian.PutUint16(b[2:4], in.UID)
	binary.BigEndian.PutUint16(b[4:6], in.GID)
	binary.BigEndian.PutUint64(b[6:14], uint64(in.ATime))
	binary.BigEndian.PutUint64(b[14:22], uint64(in.CTime))
	binary.BigEndian.PutUint64(b[22:30], uint64(in.MTime))
	binary.BigEndian.PutUint16(b[30:32], in.HLinks)
	binary.BigEndian.PutUint64(b[32:40], in.Size)
	binary.BigEndian.PutUint64(b[40:48], in.BTreeRoot)
}

// Number combines a group index and in-group slot into a global inode number.
func Number(group uint64, slot int) uint64 { return group*PerInodeGroup + uint64(slot) }

// Split decomposes a global inode number into its group index and in-group slot.
func Split(number uint64) (group uint64, slot int) {
	return number / PerInodeGroup, int(number % PerInodeGroup)
}
