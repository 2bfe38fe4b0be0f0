// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package superblock implements the device-wide superblock and the
// Filesystem value that delegates block allocation to the chain of
// block groups tiling the device.
package superblock

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/31core/31corefs/corefs/blockgroup"
	"github.com/31core/31corefs/corefs/blockio"
	"github.com/31core/31corefs/corefs/coreerr"
)

// Magic is the four-byte signature at the start of block 0.
var Magic = [4]byte{0x31, 0xc0, 0x8e, 0xf5}

// Version is the only on-disk format version this core understands.
const Version = 1

const labelMaxLen = 256

// SuperBlock is the device-wide header persisted at block 0.
type SuperBlock struct {
	Groups         uint64
	UUID           uuid.UUID
	Label          [labelMaxLen]byte
	TotalBlocks    uint64
	UsedBlocks     uint64
	RealUsedBlocks uint64
	SubvolMgr      uint64
	DefaultSubvol  uint64
	CreationTime   int64 // ns since epoch
}

// SetLabel overwrites the label, truncating to labelMaxLen bytes.
func (sb *SuperBlock) SetLabel(label string) {
	sb.Label = [labelMaxLen]byte{}
	n := copy(sb.Label[:], label)
	_ = n
}

// GetLabel returns the label as a string, stopping at the first NUL.
func (sb *SuperBlock) GetLabel() string {
	n := 0
	for n < labelMaxLen && sb.Label[n] != 0 {
		n++
	}
	return string(sb.Label[:n])
}

// Load decodes a SuperBlock from a raw disk block, failing
// coreerr.ErrInvalidData if the magic or version don't match.
func Load(raw blockio.Block) (SuperBlock, error) {
	var sb SuperBlock
	if raw[0] != Magic[0] || raw[1] != Magic[1] || raw[2] != Magic[2] || raw[3] != Magic[3] {
		return sb, fmt.Errorf("superblock: bad magic: %w", coreerr.ErrInvalidData)
	}
	if raw[4] != Version {
		return sb, fmt.Errorf("superblock: unsupported version %d: %w", raw[4], coreerr.ErrInvalidData)
	}
	sb.Groups = binary.BigEndian.Uint64(raw[5:13])
	copy(sb.UUID[:], raw[13:29])
	copy(sb.Label[:], raw[29:285])
	sb.TotalBlocks = binary.BigEndian.Uint64(raw[285:293])
	sb.UsedBlocks = binary.BigEndian.Uint64(raw[293:301])
	sb.RealUsedBlocks = binary.BigEndian.Uint64(raw[301:309])
	sb.SubvolMgr = binary.BigEndian.Uint64(raw[309:317])
	sb.DefaultSubvol = binary.BigEndian.Uint64(raw[317:325])
	sb.CreationTime = int64(binary.BigEndian.Uint64(raw[325:333]))
	return sb, nil
}

// Dump encodes the SuperBlock back to a raw disk block.
func (sb *SuperBlock) Dump() blockio.Block {
	var raw blockio.Block
	raw[0], raw[1], raw[2], raw[3] = Magic[0], Magic[1], Magic[2], Magic[3]
	raw[4] = Version
	binary.BigEndian.PutUint64(raw[5:13], sb.Groups)
	copy(raw[13:29], sb.UUID[:])
	copy(raw[29:285], sb.Label[:])
	binary.BigEndian.PutUint64(raw[285:293], sb.TotalBlocks)
	binary.BigEndian.PutUint64(raw[293:301], sb.UsedBlocks)
	binary.BigEndian.PutUint64(raw[301:309], sb.RealUsedBlocks)
	binary.BigEndian.PutUint64(raw[309:317], sb.SubvolMgr)
	binary.BigEndian.PutUint64(raw[317:325], sb.DefaultSubvol)
	binary.BigEndian.PutUint64(raw[325:333], uint64(sb.CreationTime))
	return raw
}

// Filesystem is the device-wide in-memory state: the cached superblock
// plus the chain of block groups that tile the device. Every core
// operation takes a *Filesystem explicitly; there is no hidden global.
type Filesystem struct {
	SB     SuperBlock
	Groups []blockgroup.Group

	dev blockio.Device
}

// Device returns the backing store the filesystem was opened over.
func (fs *Filesystem) Device() blockio.Device { return fs.dev }

// Format lays out a brand-new filesystem of totalBlocks blocks over
// dev and writes its groups (but not yet the superblock, whose
// SubvolMgr/DefaultSubvol fields the caller still has to fill in - see
// subvol.Format). newUUID and creationTime are supplied by the
// caller (UUID generation and time-of-day are external collaborators
// per the core's scope).
func Format(dev blockio.Device, totalBlocks uint64, newUUID uuid.UUID, creationTime int64, label string) (*Filesystem, error) {
	const minGroupBlocks = 3 // 1 meta + 1 bitmap + at least 1 data block

	fs := &Filesystem{dev: dev}
	fs.SB.UUID = newUUID
	fs.SB.TotalBlocks = totalBlocks
	fs.SB.CreationTime = creationTime
	fs.SB.SetLabel(label)

	groupStart := uint64(1)
	for totalBlocks-groupStart >= minGroupBlocks {
		g := blockgroup.Create(uint64(len(fs.Groups)), groupStart, totalBlocks-groupStart)
		fs.Groups = append(fs.Groups, g)
		groupStart += g.Blocks()
	}
	fs.SB.Groups = uint64(len(fs.Groups))

	for i := range fs.Groups {
		if err := fs.Groups[i].Sync(dev); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// Open loads an existing filesystem's superblock and group chain.
func Open(dev blockio.Device) (*Filesystem, error) {
	raw, err := blockio.ReadBlock(dev, 0)
	if err != nil {
		return nil, err
	}
	sb, err := Load(raw)
	if err != nil {
		return nil, err
	}
	fs := &Filesystem{SB: sb, dev: dev}

	groupStart := uint64(1)
	for i := uint64(0); i < sb.Groups; i++ {
		g, err := blockgroup.Load(dev, groupStart)
		if err != nil {
			return nil, err
		}
		fs.Groups = append(fs.Groups, g)
		groupStart = g.Meta.NextGroup
		if groupStart == 0 && i != sb.Groups-1 {
			return nil, fmt.Errorf("superblock: group chain ended early: %w", coreerr.ErrInvalidData)
		}
	}
	return fs, nil
}

// SyncMetaData forces the superblock and every group header to disk,
// per the write-through durability model: callers must call this at
// checkpoints to ensure persistence.
func (fs *Filesystem) SyncMetaData() error {
	raw := fs.SB.Dump()
	if err := blockio.WriteBlock(fs.dev, 0, raw); err != nil {
		return err
	}
	for i := range fs.Groups {
		if err := fs.Groups[i].Sync(fs.dev); err != nil {
			return err
		}
	}
	return nil
}

// NewBlock scans the groups in order for the first free block, marks it
// used, and bumps both usage counters. It fails coreerr.ErrOutOfSpace if
// no group has room.
func (fs *Filesystem) NewBlock() (uint64, error) {
	for i := range fs.Groups {
		if rel, ok := fs.Groups[i].AllocateBlock(); ok {
			fs.SB.UsedBlocks++
			fs.SB.RealUsedBlocks++
			return fs.Groups[i].ToAbsolute(rel), nil
		}
	}
	return 0, fmt.Errorf("superblock: no free block: %w", coreerr.ErrOutOfSpace)
}

// ReleaseBlock returns an absolute block index to its owning group's
// free pool and decrements both usage counters.
func (fs *Filesystem) ReleaseBlock(absolute uint64) error {
	for i := range fs.Groups {
		if fs.Groups[i].Contains(absolute) {
			fs.Groups[i].ReleaseBlock(fs.Groups[i].ToRelative(absolute))
			fs.SB.UsedBlocks--
			fs.SB.RealUsedBlocks--
			return nil
		}
	}
	return fmt.Errorf("superblock: block %d not owned by any group: %w", absolute, coreerr.ErrOther)
}

// GetBlock reads the raw contents of an arbitrary data block.
func (fs *Filesystem) GetBlock(index uint64) (blockio.Block, error) {
	return blockio.ReadBlock(fs.dev, index)
}

// SetBlock writes the raw contents of an arbitrary data block.
func (fs *Filesystem) SetBlock(index uint64, b blockio.Block) error {
	return blockio.WriteBlock(fs.dev, index, b)
}
