// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package subvol

import (
	"github.com/31core/31corefs/corefs/file"
	"github.com/31core/31corefs/corefs/symlink"
)

// OpenFile loads number's inode and wraps it for data access. The
// returned *file.File is a snapshot of the inode at this instant;
// callers that mutate it must go through WriteFile/TruncateFile
// instead of calling f.Write/f.Truncate directly, or the change is
// lost on the next load.
func (s *Subvolume) OpenFile(number uint64) (*file.File, error) {
	in, err := s.GetInode(number)
	if err != nil {
		return nil, err
	}
	return file.Open(s.dev, s, s.fs, in), nil
}

// ReadFile reads into buf at offset from number's file contents.
func (s *Subvolume) ReadFile(number uint64, offset uint64, buf []byte, now int64) (int, error) {
	f, err := s.OpenFile(number)
	if err != nil {
		return 0, err
	}
	return f.Read(offset, buf, now)
}

// WriteFile writes data at offset into number's file. It first makes
// number's inode group exclusive to this subvolume (so the write never
// clobbers blocks still reachable from a snapshot), performs the write
// against the in-memory inode, and persists the resulting inode back
// through SetInode. This mirrors how the original implementation's
// File::write composes handle_rc_inode, the data-path write, and
// set_inode into one operation.
func (s *Subvolume) WriteFile(number uint64, offset uint64, data []byte, now int64) error {
	if err := s.handleRCInode(number); err != nil {
		return err
	}
	in, err := s.GetInode(number)
	if err != nil {
		return err
	}
	f := file.Open(s.dev, s, s.fs, in)
	if err := f.Write(offset, data, now); err != nil {
		return err
	}
	return s.SetInode(number, f.Inode)
}

// TruncateFile resizes number's file, CoW-handling its inode group
// first and persisting the resulting inode the same way WriteFile does.
func (s *Subvolume) TruncateFile(number uint64, newSize uint64, now int64) error {
	if err := s.handleRCInode(number); err != nil {
		return err
	}
	in, err := s.GetInode(number)
	if err != nil {
		return err
	}
	f := file.Open(s.dev, s, s.fs, in)
	if err := f.Truncate(newSize, now); err != nil {
		return err
	}
	return s.SetInode(number, f.Inode)
}

// WriteSymlink stores target as number's symlink content and persists
// the resulting inode. The old target chain, if any, is released first.
func (s *Subvolume) WriteSymlink(number uint64, target string, now int64) error {
	if err := s.handleRCInode(number); err != nil {
		return err
	}
	in, err := s.GetInode(number)
	if err != nil {
		return err
	}
	if in.BTreeRoot != 0 {
		if err := symlink.Destroy(s.dev, s, in.BTreeRoot); err != nil {
			return err
		}
	}
	head, err := symlink.Write(s.dev, s, []byte(target))
	if err != nil {
		return err
	}
	in.BTreeRoot = head
	in.Size = uint64(len(target))
	in.MTime = now
	return s.SetInode(number, in)
}

// ReadSymlink returns number's symlink target.
func (s *Subvolume) ReadSymlink(number uint64) (string, error) {
	in, err := s.GetInode(number)
	if err != nil {
		return "", err
	}
	if in.BTreeRoot == 0 {
		return "", nil
	}
	content, err := symlink.Read(s.dev, in.BTreeRoot, in.Size)
	if err != nil {
		return "", err
	}
	return string(content), nil
}
