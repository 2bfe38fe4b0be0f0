// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dir implements the directory encoding built on top of the
// file data path: a directory's payload is a packed sequence of
// (inode, name-length, name-bytes) records. Every mutator goes through
// a *subvol.Subvolume rather than a bare *file.File, so a directory
// change is CoW-handled and persisted the same way any other inode
// write is.
package dir

import (
	"encoding/binary"
	"fmt"

	"github.com/31core/31corefs/corefs/coreerr"
	"github.com/31core/31corefs/corefs/subvol"
)

// recordHeaderSize is the inode(8B) + name-len(1B) prefix of each record.
const recordHeaderSize = 9

// Entry is one decoded directory record.
type Entry struct {
	Inode uint64
	Name  string
}

func encodeRecord(inodeNum uint64, name string) []byte {
	b := make([]byte, recordHeaderSize+len(name))
	binary.BigEndian.PutUint64(b[0:8], inodeNum)
	b[8] = byte(len(name))
	copy(b[9:], name)
	return b
}

func decode(buf []byte) ([]Entry, error) {
	var entries []Entry
	pos := 0
	for pos < len(buf) {
		if pos+recordHeaderSize > len(buf) {
			return nil, fmt.Errorf("dir: truncated record header: %w", coreerr.ErrInvalidData)
		}
		inodeNum := binary.BigEndian.Uint64(buf[pos : pos+8])
		nameLen := int(buf[pos+8])
		pos += recordHeaderSize
		if pos+nameLen > len(buf) {
			return nil, fmt.Errorf("dir: truncated record name: %w", coreerr.ErrInvalidData)
		}
		entries = append(entries, Entry{Inode: inodeNum, Name: string(buf[pos : pos+nameLen])})
		pos += nameLen
	}
	return entries, nil
}

// Enumerate reads directory number's whole payload and decodes it into entries.
func Enumerate(s *subvol.Subvolume, number uint64, now int64) ([]Entry, error) {
	in, err := s.GetInode(number)
	if err != nil {
		return nil, err
	}
	if in.Size == 0 {
		return nil, nil
	}
	buf := make([]byte, in.Size)
	if _, err := s.ReadFile(number, 0, buf, now); err != nil {
		return nil, err
	}
	return decode(buf)
}

// Lookup resolves name to its inode number within directory number.
func Lookup(s *subvol.Subvolume, number uint64, name string, now int64) (uint64, error) {
	entries, err := Enumerate(s, number, now)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e.Inode, nil
		}
	}
	return 0, fmt.Errorf("dir: %q: %w", name, coreerr.ErrNotFound)
}

// AddFile appends a (inodeNum, name) record to directory number. Fails
// coreerr.ErrAlreadyExists if name is already present.
func AddFile(s *subvol.Subvolume, number uint64, inodeNum uint64, name string, now int64) error {
	entries, err := Enumerate(s, number, now)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == name {
			return fmt.Errorf("dir: %q: %w", name, coreerr.ErrAlreadyExists)
		}
	}

	in, err := s.GetInode(number)
	if err != nil {
		return err
	}
	return s.WriteFile(number, in.Size, encodeRecord(inodeNum, name), now)
}

// RemoveFile removes the named entry from directory number by
// rewriting the payload without it. Fails coreerr.ErrNotFound if name
// isn't present.
func RemoveFile(s *subvol.Subvolume, number uint64, name string, now int64) error {
	entries, err := Enumerate(s, number, now)
	if err != nil {
		return err
	}

	var out []byte
	found := false
	for _, e := range entries {
		if e.Name == name {
			found = true
			continue
		}
		out = append(out, encodeRecord(e.Inode, e.Name)...)
	}
	if !found {
		return fmt.Errorf("dir: %q: %w", name, coreerr.ErrNotFound)
	}

	if err := s.TruncateFile(number, 0, now); err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	return s.WriteFile(number, 0, out, now)
}

// IsEmpty reports whether directory number has no entries, the
// precondition for removing it.
func IsEmpty(s *subvol.Subvolume, number uint64) (bool, error) {
	in, err := s.GetInode(number)
	if err != nil {
		return false, err
	}
	return in.Size == 0, nil
}
