// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package subvol

import (
	"encoding/binary"
	"fmt"

	"github.com/31core/31corefs/corefs/blockio"
	"github.com/31core/31corefs/corefs/coreerr"
)

const entriesStart = 128
const entriesPerBlock = (blockio.BlockSize - entriesStart) / EntrySize // 31

// managerBlock is one decoded link of the manager chain.
type managerBlock struct {
	Block   uint64
	Next    uint64
	Count   uint64
	Entries [entriesPerBlock]Entry
}

func loadManagerBlock(block uint64, raw blockio.Block) managerBlock {
	var mb managerBlock
	mb.Block = block
	mb.Next = binary.BigEndian.Uint64(raw[0:8])
	mb.Count = binary.BigEndian.Uint64(raw[8:16])
	for i := range mb.Entries {
		off := entriesStart + i*EntrySize
		mb.Entries[i] = loadEntry(raw[off : off+EntrySize])
	}
	return mb
}

func (mb *managerBlock) dump() blockio.Block {
	var raw blockio.Block
	binary.BigEndian.PutUint64(raw[0:8], mb.Next)
	binary.BigEndian.PutUint64(raw[8:16], mb.Count)
	for i, e := range mb.Entries {
		off := entriesStart + i*EntrySize
		dumpEntry(raw[off:off+EntrySize], e)
	}
	return raw
}

func readManagerBlock(dev blockio.Device, block uint64) (managerBlock, error) {
	raw, err := blockio.ReadBlock(dev, block)
	if err != nil {
		return managerBlock{}, err
	}
	return loadManagerBlock(block, raw), nil
}

func writeManagerBlock(dev blockio.Device, mb *managerBlock) error {
	return blockio.WriteBlock(dev, mb.Block, mb.dump())
}

// Manager is the chained registry of subvolume entries rooted at
// fs.SB.SubvolMgr.
type Manager struct {
	dev  blockio.Device
	Head uint64
}

// OpenManager attaches to an existing manager chain.
func OpenManager(dev blockio.Device, head uint64) *Manager {
	return &Manager{dev: dev, Head: head}
}

// FormatManager allocates the first (initially empty) manager block
// using alloc, and returns a Manager rooted there.
func FormatManager(dev blockio.Device, alloc blockio.Allocator) (*Manager, error) {
	block, err := alloc.NewBlock()
	if err != nil {
		return nil, err
	}
	mb := managerBlock{Block: block}
	if err := writeManagerBlock(dev, &mb); err != nil {
		return nil, err
	}
	return &Manager{dev: dev, Head: block}, nil
}

// each walks every occupied slot in the chain, stopping early if f returns false.
func (m *Manager) each(f func(mb *managerBlock, slot int) bool) error {
	block := m.Head
	for block != 0 {
		mb, err := readManagerBlock(m.dev, block)
		if err != nil {
			return err
		}
		for i := range mb.Entries {
			if !mb.Entries[i].occupied() {
				continue
			}
			if !f(&mb, i) {
				return nil
			}
		}
		block = mb.Next
	}
	return nil
}

// Get returns the entry with the given id.
func (m *Manager) Get(id uint64) (Entry, error) {
	var found Entry
	var ok bool
	_ = m.each(func(mb *managerBlock, i int) bool {
		if mb.Entries[i].ID == id {
			found, ok = mb.Entries[i], true
			return false
		}
		return true
	})
	if !ok {
		return Entry{}, fmt.Errorf("subvol: no such subvolume %d: %w", id, coreerr.ErrNotFound)
	}
	return found, nil
}

// List returns every occupied entry in the chain.
func (m *Manager) List() ([]Entry, error) {
	var out []Entry
	err := m.each(func(mb *managerBlock, i int) bool {
		out = append(out, mb.Entries[i])
		return true
	})
	return out, err
}

// NextID returns one more than the highest existing subvolume id (0 if
// the registry is empty).
func (m *Manager) NextID() (uint64, error) {
	var max uint64
	var any bool
	err := m.each(func(mb *managerBlock, i int) bool {
		if !any || mb.Entries[i].ID > max {
			max, any = mb.Entries[i].ID, true
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if !any {
		return 0, nil
	}
	return max + 1, nil
}

// Set overwrites the entry sharing e.ID, wherever it lives in the chain.
func (m *Manager) Set(e Entry) error {
	block := m.Head
	for block != 0 {
		mb, err := readManagerBlock(m.dev, block)
		if err != nil {
			return err
		}
		for i := range mb.Entries {
			if mb.Entries[i].occupied() && mb.Entries[i].ID == e.ID {
				mb.Entries[i] = e
				return writeManagerBlock(m.dev, &mb)
			}
		}
		block = mb.Next
	}
	return fmt.Errorf("subvol: no such subvolume %d: %w", e.ID, coreerr.ErrNotFound)
}

// Insert stores a brand-new entry in the first free slot, extending the
// chain with a new block via alloc if every existing block is full.
func (m *Manager) Insert(e Entry, alloc blockio.Allocator) error {
	block := m.Head
	var last managerBlock
	for block != 0 {
		mb, err := readManagerBlock(m.dev, block)
		if err != nil {
			return err
		}
		for i := range mb.Entries {
			if !mb.Entries[i].occupied() {
				mb.Entries[i] = e
				mb.Count++
				return writeManagerBlock(m.dev, &mb)
			}
		}
		last = mb
		block = mb.Next
	}

	newBlock, err := alloc.NewBlock()
	if err != nil {
		return err
	}
	nb := managerBlock{Block: newBlock}
	nb.Entries[0] = e
	nb.Count = 1
	if err := writeManagerBlock(m.dev, &nb); err != nil {
		return err
	}
	last.Next = newBlock
	return writeManagerBlock(m.dev, &last)
}

// Delete clears the slot holding id entirely (state goes back to free).
func (m *Manager) Delete(id uint64) error {
	block := m.Head
	for block != 0 {
		mb, err := readManagerBlock(m.dev, block)
		if err != nil {
			return err
		}
		for i := range mb.Entries {
			if mb.Entries[i].occupied() && mb.Entries[i].ID == id {
				mb.Entries[i] = Entry{}
				mb.Count--
				return writeManagerBlock(m.dev, &mb)
			}
		}
		block = mb.Next
	}
	return fmt.Errorf("subvol: no such subvolume %d: %w", id, coreerr.ErrNotFound)
}
