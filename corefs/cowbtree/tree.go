// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cowbtree

import (
	"errors"
	"fmt"

	"github.com/31core/31corefs/corefs/blockio"
	"github.com/31core/31corefs/corefs/coreerr"
	"github.com/31core/31corefs/corefs/superblock"
)

// Tree is a persistent CoW B-tree mapping u64 keys to u64 values. One
// Tree value is a cursor onto the tree's current root block; Root may
// change across calls (the tree's root node is itself subject to
// copy-on-write when shared with a snapshot), so callers that persist
// "the root block" elsewhere (an inode, a subvolume entry) must re-read
// Root after every mutating call and save it back.
type Tree struct {
	dev   blockio.Device
	alloc blockio.Allocator
	fs    *superblock.Filesystem
	Root  uint64
}

// Open attaches to an existing tree whose root node lives at root.
func Open(dev blockio.Device, alloc blockio.Allocator, fs *superblock.Filesystem, root uint64) *Tree {
	return &Tree{dev: dev, alloc: alloc, fs: fs, Root: root}
}

// Create allocates a fresh, empty leaf node and returns a Tree rooted there.
func Create(dev blockio.Device, alloc blockio.Allocator, fs *superblock.Filesystem) (*Tree, error) {
	block, err := alloc.NewBlock()
	if err != nil {
		return nil, err
	}
	n := Node{Block: block, Type: Leaf}
	if err := writeNode(dev, &n); err != nil {
		return nil, err
	}
	return &Tree{dev: dev, alloc: alloc, fs: fs, Root: block}, nil
}

func errNotFound(key uint64) error {
	return fmt.Errorf("cowbtree: no such key %d: %w", key, coreerr.ErrNotFound)
}

// cowCloneNode COW-clones n in place if it is shared. When n is
// internal, every child's whole-node rc is bumped by n's previous rc so
// those children remain reachable from every pre-clone holder of n.
func (t *Tree) cowCloneNode(n *Node) error {
	if n.RC == 0 {
		return nil
	}
	origRC := n.RC

	old := *n
	old.RC = origRC - 1
	if err := writeNode(t.dev, &old); err != nil {
		return err
	}

	if n.Type == Internal {
		for _, e := range n.Entries {
			child, err := readNode(t.dev, e.Value)
			if err != nil {
				return err
			}
			child.RC += origRC
			if err := writeNode(t.dev, &child); err != nil {
				return err
			}
		}
	}

	newBlock, err := t.alloc.NewBlock()
	if err != nil {
		return err
	}
	n.Block = newBlock
	n.RC = 0
	if t.fs != nil {
		t.fs.SB.RealUsedBlocks++
	}
	return nil
}

// cowReleaseNode drops one reference to n: persisting the decrement if
// still shared, or releasing its block back to alloc if n was the last holder.
func (t *Tree) cowReleaseNode(n *Node) error {
	if n.RC > 0 {
		n.RC--
		if err := writeNode(t.dev, n); err != nil {
			return err
		}
		if t.fs != nil {
			t.fs.SB.UsedBlocks--
		}
		return nil
	}
	return t.alloc.ReleaseBlock(n.Block)
}

// splitNode moves the last half of n's (over-full) entries into a
// freshly allocated right sibling of the same type, persists both, and
// returns the routing entry {right's first key, right's block} the
// caller should insert into its own parent.
func (t *Tree) splitNode(n *Node) (*Entry, error) {
	rightBlock, err := t.alloc.NewBlock()
	if err != nil {
		return nil, err
	}
	half := len(n.Entries) / 2
	splitAt := len(n.Entries) - half

	right := Node{Block: rightBlock, Type: n.Type, Entries: append([]Entry(nil), n.Entries[splitAt:]...)}
	n.Entries = n.Entries[:splitAt]

	if err := writeNode(t.dev, &right); err != nil {
		return nil, err
	}
	if err := writeNode(t.dev, n); err != nil {
		return nil, err
	}
	return &Entry{Key: right.Entries[0].Key, Value: right.Block}, nil
}

// Lookup returns the leaf entry for key, or coreerr.ErrNotFound.
func (t *Tree) Lookup(key uint64) (Entry, error) {
	n, err := readNode(t.dev, t.Root)
	if err != nil {
		return Entry{}, err
	}
	return t.lookupRec(&n, key)
}

func (t *Tree) lookupRec(n *Node, key uint64) (Entry, error) {
	if n.Type == Leaf {
		for _, e := range n.Entries {
			if e.Key == key {
				return e, nil
			}
		}
		return Entry{}, errNotFound(key)
	}
	idx := childIndex(n.Entries, key)
	if idx < 0 {
		return Entry{}, errNotFound(key)
	}
	child, err := readNode(t.dev, n.Entries[idx].Value)
	if err != nil {
		return Entry{}, err
	}
	return t.lookupRec(&child, key)
}

// Insert adds (key, value) to the tree, COW-cloning shared nodes on
// descent and splitting overflowing nodes. The root's block index is
// kept stable across splits (the pre-split root's content is relocated
// to a new left-child block and the root block itself becomes the new
// 2-entry routing node); it can still change due to COW-cloning, in
// which case the caller must persist the new t.Root.
func (t *Tree) Insert(key, value uint64) error {
	root, err := readNode(t.dev, t.Root)
	if err != nil {
		return err
	}
	if err := t.cowCloneNode(&root); err != nil {
		return err
	}
	t.Root = root.Block

	split, err := t.insertRec(&root, key, value)
	if err != nil {
		return err
	}
	if split == nil {
		return nil
	}

	leftBlock, err := t.alloc.NewBlock()
	if err != nil {
		return err
	}
	left := root
	left.Block = leftBlock
	if err := writeNode(t.dev, &left); err != nil {
		return err
	}

	newRoot := Node{
		Block: t.Root,
		Type:  Internal,
		Entries: []Entry{
			{Key: left.Entries[0].Key, Value: leftBlock},
			*split,
		},
	}
	return writeNode(t.dev, &newRoot)
}

func (t *Tree) insertRec(n *Node, key, value uint64) (*Entry, error) {
	if n.Type == Leaf {
		n.Entries = addLeafEntry(n.Entries, key, value)
		if len(n.Entries) > MaxLeaf {
			return t.splitNode(n)
		}
		return nil, writeNode(t.dev, n)
	}

	idx := childIndex(n.Entries, key)
	if idx < 0 {
		idx = 0
	}
	child, err := readNode(t.dev, n.Entries[idx].Value)
	if err != nil {
		return nil, err
	}
	if err := t.cowCloneNode(&child); err != nil {
		return nil, err
	}
	n.Entries[idx].Value = child.Block

	split, err := t.insertRec(&child, key, value)
	if err != nil {
		return nil, err
	}
	if split != nil {
		n.Entries = addInternalEntry(n.Entries, split.Key, split.Value)
		if len(n.Entries) > MaxInternal {
			return t.splitNode(n)
		}
	}
	return nil, writeNode(t.dev, n)
}

// Modify overwrites the value at key and resets its per-entry rc to 0
// (the new value is private to this tree, no longer shared with
// whatever the old value's rc accounted for).
func (t *Tree) Modify(key, value uint64) error {
	root, err := readNode(t.dev, t.Root)
	if err != nil {
		return err
	}
	if err := t.cowCloneNode(&root); err != nil {
		return err
	}
	t.Root = root.Block
	return t.modifyRec(&root, key, value)
}

func (t *Tree) modifyRec(n *Node, key, value uint64) error {
	if n.Type == Leaf {
		for i := range n.Entries {
			if n.Entries[i].Key == key {
				n.Entries[i].Value = value
				n.Entries[i].RC = 0
				return writeNode(t.dev, n)
			}
		}
		return errNotFound(key)
	}
	idx := childIndex(n.Entries, key)
	if idx < 0 {
		return errNotFound(key)
	}
	child, err := readNode(t.dev, n.Entries[idx].Value)
	if err != nil {
		return err
	}
	if err := t.cowCloneNode(&child); err != nil {
		return err
	}
	n.Entries[idx].Value = child.Block
	if err := t.modifyRec(&child, key, value); err != nil {
		return err
	}
	return writeNode(t.dev, n)
}

// Remove deletes key from the tree, merging or rotating an
// under-occupied child with a sibling, and collapsing the root if it
// becomes an internal node with a single child.
func (t *Tree) Remove(key uint64) error {
	root, err := readNode(t.dev, t.Root)
	if err != nil {
		return err
	}
	if err := t.cowCloneNode(&root); err != nil {
		return err
	}
	t.Root = root.Block

	if err := t.removeRec(&root, key); err != nil {
		return err
	}

	if root.Type == Internal && len(root.Entries) == 1 {
		child, err := readNode(t.dev, root.Entries[0].Value)
		if err != nil {
			return err
		}
		root.Type = child.Type
		root.Entries = child.Entries
		if err := t.cowReleaseNode(&child); err != nil {
			return err
		}
		return writeNode(t.dev, &root)
	}
	return nil
}

func (t *Tree) removeRec(n *Node, key uint64) error {
	if n.Type == Leaf {
		for i, e := range n.Entries {
			if e.Key == key {
				n.Entries = append(n.Entries[:i], n.Entries[i+1:]...)
				break
			}
		}
		return writeNode(t.dev, n)
	}

	idx := childIndex(n.Entries, key)
	if idx < 0 {
		return errNotFound(key)
	}
	child, err := readNode(t.dev, n.Entries[idx].Value)
	if err != nil {
		return err
	}
	if err := t.cowCloneNode(&child); err != nil {
		return err
	}
	n.Entries[idx].Value = child.Block
	if err := t.removeRec(&child, key); err != nil {
		return err
	}

	if len(child.Entries) < maxFor(child.Type)/2 {
		if err := t.rebalance(n, idx, &child); err != nil {
			return err
		}
	}
	return writeNode(t.dev, n)
}

// rebalance merges the under-occupied child at n.Entries[idx] with its
// left sibling if they fit in one node, otherwise rotates one entry
// across; if there is no left sibling, it mirrors the logic against the
// right sibling.
func (t *Tree) rebalance(n *Node, idx int, child *Node) error {
	max := maxFor(child.Type)

	if idx > 0 {
		prev, err := readNode(t.dev, n.Entries[idx-1].Value)
		if err != nil {
			return err
		}
		if err := t.cowCloneNode(&prev); err != nil {
			return err
		}
		n.Entries[idx-1].Value = prev.Block

		if len(prev.Entries)+len(child.Entries) <= max {
			prev.Entries = append(prev.Entries, child.Entries...)
			if err := t.cowReleaseNode(child); err != nil {
				return err
			}
			n.Entries = append(n.Entries[:idx], n.Entries[idx+1:]...)
		} else {
			last := prev.Entries[len(prev.Entries)-1]
			prev.Entries = prev.Entries[:len(prev.Entries)-1]
			child.Entries = append([]Entry{last}, child.Entries...)
			if err := writeNode(t.dev, child); err != nil {
				return err
			}
			n.Entries[idx].Key = last.Key
		}
		return writeNode(t.dev, &prev)
	}

	if idx < len(n.Entries)-1 {
		next, err := readNode(t.dev, n.Entries[idx+1].Value)
		if err != nil {
			return err
		}
		if err := t.cowCloneNode(&next); err != nil {
			return err
		}
		n.Entries[idx+1].Value = next.Block

		if len(next.Entries)+len(child.Entries) <= max {
			merged := append(append([]Entry(nil), child.Entries...), next.Entries...)
			next.Entries = merged
			n.Entries[idx+1].Key = next.Entries[0].Key
			if err := t.cowReleaseNode(child); err != nil {
				return err
			}
			n.Entries = append(n.Entries[:idx], n.Entries[idx+1:]...)
		} else {
			first := next.Entries[0]
			next.Entries = next.Entries[1:]
			child.Entries = append(child.Entries, first)
			if err := writeNode(t.dev, child); err != nil {
				return err
			}
			n.Entries[idx+1].Key = next.Entries[0].Key
		}
		return writeNode(t.dev, &next)
	}

	return nil
}

// FindUnusedKey returns the smallest key not currently present in the tree.
func (t *Tree) FindUnusedKey() (uint64, error) {
	if _, err := t.Lookup(0); errors.Is(err, coreerr.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	root, err := readNode(t.dev, t.Root)
	if err != nil {
		return 0, err
	}
	gap, pastEnd, err := t.findUnusedRec(&root)
	if err != nil {
		return 0, err
	}
	switch {
	case gap != nil:
		return *gap, nil
	case pastEnd != nil:
		return *pastEnd, nil
	default:
		return 0, nil
	}
}

func (t *Tree) findUnusedRec(n *Node) (gap, pastEnd *uint64, err error) {
	if n.Type == Internal {
		for i, e := range n.Entries {
			child, err := readNode(t.dev, e.Value)
			if err != nil {
				return nil, nil, err
			}
			g, p, err := t.findUnusedRec(&child)
			if err != nil {
				return nil, nil, err
			}
			if g != nil {
				return g, nil, nil
			}
			if p != nil {
				if i == len(n.Entries)-1 {
					return nil, p, nil
				}
				if *p < n.Entries[i+1].Key {
					return p, nil, nil
				}
			}
		}
		return nil, nil, nil
	}

	switch len(n.Entries) {
	case 0:
		return nil, nil, nil
	case 1:
		v := n.Entries[0].Key + 1
		return nil, &v, nil
	default:
		for i := 0; i < len(n.Entries)-1; i++ {
			if n.Entries[i].Key+1 < n.Entries[i+1].Key {
				v := n.Entries[i].Key + 1
				return &v, nil, nil
			}
		}
		v := n.Entries[len(n.Entries)-1].Key + 1
		return nil, &v, nil
	}
}

// CloneTree logically duplicates the tree at zero copy cost: the root's
// whole-node rc is incremented, and (eagerly, rather than deferred to
// traversal) every leaf entry's per-entry rc is incremented too, so
// both the original and the clone see every data block as shared until
// one of them writes to it.
func (t *Tree) CloneTree() error {
	root, err := readNode(t.dev, t.Root)
	if err != nil {
		return err
	}
	return t.cloneRec(&root)
}

func (t *Tree) cloneRec(n *Node) error {
	if n.Type == Leaf {
		for i := range n.Entries {
			n.Entries[i].RC++
		}
	} else {
		for _, e := range n.Entries {
			child, err := readNode(t.dev, e.Value)
			if err != nil {
				return err
			}
			if err := t.cloneRec(&child); err != nil {
				return err
			}
		}
	}
	n.RC++
	return writeNode(t.dev, n)
}

// Destroy releases the whole tree. A node with rc > 0 is only
// decremented (other holders still need its subtree intact); a node
// with rc == 0 releases each non-shared leaf entry's data block (or
// decrements the shared ones), recurses into internal children, and
// finally releases its own block.
func (t *Tree) Destroy() error {
	root, err := readNode(t.dev, t.Root)
	if err != nil {
		return err
	}
	return t.destroyRec(&root)
}

func (t *Tree) destroyRec(n *Node) error {
	if n.RC > 0 {
		n.RC--
		if err := writeNode(t.dev, n); err != nil {
			return err
		}
		if t.fs != nil {
			t.fs.SB.UsedBlocks--
		}
		return nil
	}

	if n.Type == Leaf {
		for i := range n.Entries {
			if n.Entries[i].RC == 0 {
				if err := t.alloc.ReleaseBlock(n.Entries[i].Value); err != nil {
					return err
				}
			} else {
				n.Entries[i].RC--
			}
		}
	} else {
		for _, e := range n.Entries {
			child, err := readNode(t.dev, e.Value)
			if err != nil {
				return err
			}
			if err := t.destroyRec(&child); err != nil {
				return err
			}
		}
	}
	return t.alloc.ReleaseBlock(n.Block)
}
