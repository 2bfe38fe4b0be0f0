// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package inode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/31core/31corefs/corefs/blockio"
)

func TestInodeRoundTrip(t *testing.T) {
	in := Inode{
		Kind: Regular, Perm: 0644, UID: 1000, GID: 1000,
		ATime: 1, CTime: 2, MTime: 3, HLinks: 2, Size: 4096, BTreeRoot: 77,
	}
	var raw blockio.Block
	DumpInode(&raw, 3, in)
	got := LoadInode(raw, 3)
	require.Equal(t, in, got)
}

func TestEmptyInodeRoundTrip(t *testing.T) {
	var raw blockio.Block
	DumpInode(&raw, 0, EmptyInode())
	got := LoadInode(raw, 0)
	require.True(t, got.Empty())
}

func TestNumberSplitRoundTrip(t *testing.T) {
	num := Number(7, 42)
	group, slot := Split(num)
	require.Equal(t, uint64(7), group)
	require.Equal(t, 42, slot)
}

func TestGroupFirstEmptySlot(t *testing.T) {
	g := NewGroup(1)
	slot, ok := g.FirstEmptySlot()
	require.True(t, ok)
	require.Equal(t, 0, slot)

	for i := range g.Inodes {
		g.Inodes[i] = Inode{Kind: Regular}
	}
	_, ok = g.FirstEmptySlot()
	require.False(t, ok)
	require.False(t, g.AllEmpty())
}
