// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package cowbtree implements the persistent copy-on-write B-tree: an
// ordered map from u64 key to u64 value, one node per block, with a
// per-entry reference count on leaves and a whole-node reference count
// on every node.
package cowbtree

import (
	"encoding/binary"

	"github.com/31core/31corefs/corefs/blockio"
)

// MaxLeaf and MaxInternal are the node occupancy bounds: split above
// MaX, merge/rebalance below MAX/2 (except at the root).
const (
	MaxLeaf     = (blockio.BlockSize - entryStart) / entryLeafSize
	MaxInternal = (blockio.BlockSize - entryStart) / entryInternalSize
)

const (
	entryStart        = 16
	entryInternalSize = 16
	entryLeafSize     = 20

	typeInternal = 0xF0
	typeLeaf     = 0x0F
)

// Type distinguishes internal routing nodes from leaves.
type Type uint8

const (
	Leaf     Type = iota // zero value so an empty Node defaults to a leaf
	Internal
)

// Entry is one routing pair (internal node) or key/value/rc triple
// (leaf node).
type Entry struct {
	Key   uint64
	Value uint64
	RC    uint32 // meaningful for leaf entries only
}

// Node is a decoded B-tree node plus the absolute block index it lives
// at (or will be written to).
type Node struct {
	Block   uint64
	Type    Type
	RC      uint32
	Entries []Entry
}

func loadNode(block uint64, raw blockio.Block) Node {
	n := Node{Block: block}
	if raw[3] == typeInternal {
		n.Type = Internal
	} else {
		n.Type = Leaf
	}
	n.RC = binary.BigEndian.Uint32(raw[4:8])
	count := int(binary.BigEndian.Uint16(raw[0:2]))
	content := raw[entryStart:]
	if n.Type == Internal {
		n.Entries = make([]Entry, count)
		for i := 0; i < count; i++ {
			e := content[entryInternalSize*i : entryInternalSize*(i+1)]
			n.Entries[i] = Entry{
				Key:   binary.BigEndian.Uint64(e[0:8]),
				Value: binary.BigEndian.Uint64(e[8:16]),
			}
		}
	} else {
		n.Entries = make([]Entry, count)
		for i := 0; i < count; i++ {
			e := content[entryLeafSize*i : entryLeafSize*(i+1)]
			n.Entries[i] = Entry{
				Key:   binary.BigEndian.Uint64(e[0:8]),
				Value: binary.BigEndian.Uint64(e[8:16]),
				RC:    binary.BigEndian.Uint32(e[16:20]),
			}
		}
	}
	return n
}

func (n *Node) dump() blockio.Block {
	var raw blockio.Block
	binary.BigEndian.PutUint16(raw[0:2], uint16(len(n.Entries)))
	if n.Type == Internal {
		raw[3] = typeInternal
	} else {
		raw[3] = typeLeaf
	}
	binary.BigEndian.PutUint32(raw[4:8], n.RC)

	content := raw[entryStart:]
	if n.Type == Internal {
		for i, e := range n.Entries {
			dst := content[entryInternalSize*i : entryInternalSize*(i+1)]
			binary.BigEndian.PutUint64(dst[0:8], e.Key)
			binary.BigEndian.PutUint64(dst[8:16], e.Value)
		}
	} else {
		for i, e := range n.Entries {
			dst := content[entryLeafSize*i : entryLeafSize*(i+1)]
			binary.BigEndian.PutUint64(dst[0:8], e.Key)
			binary.BigEndian.PutUint64(dst[8:16], e.Value)
			binary.BigEndian.PutUint32(dst[16:20], e.RC)
		}
	}
	return raw
}

// readNode loads and decodes the node at the given absolute block.
func readNode(dev blockio.Device, block uint64) (Node, error) {
	raw, err := blockio.ReadBlock(dev, block)
	if err != nil {
		return Node{}, err
	}
	return loadNode(block, raw), nil
}

// writeNode encodes and persists n at its own Block index.
func writeNode(dev blockio.Device, n *Node) error {
	return blockio.WriteBlock(dev, n.Block, n.dump())
}

// childIndex returns the index of the routing entry covering key in an
// internal node: the leftmost entry i such that entries[i].key <= key <
// entries[i+1].key, with the last entry as the catch-all tail.
func childIndex(entries []Entry, key uint64) int {
	for i := range entries {
		if i == len(entries)-1 {
			return i
		}
		if key >= entries[i].Key && key < entries[i+1].Key {
			return i
		}
	}
	return -1
}

// addLeafEntry inserts (key, value) into a leaf's entries in sorted position.
func addLeafEntry(entries []Entry, key, value uint64) []Entry {
	i := 0
	for i < len(entries) && entries[i].Key < key {
		i++
	}
	entries = append(entries, Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = Entry{Key: key, Value: value}
	return entries
}

// addInternalEntry inserts a routing entry (key, childBlock) into an
// internal node's entries in sorted position.
func addInternalEntry(entries []Entry, key, childBlock uint64) []Entry {
	i := 0
	for i < len(entries) && entries[i].Key < key {
		i++
	}
	entries = append(entries, Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = Entry{Key: key, Value: childBlock}
	return entries
}

func maxFor(t Type) int {
	if t == Internal {
		return MaxInternal
	}
	return MaxLeaf
}
