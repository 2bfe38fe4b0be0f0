// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package coreerr defines the sentinel error kinds shared across the
// core filesystem packages. Every failure the core surfaces wraps one
// of these with fmt.Errorf("...: %w", ...) so callers can test with
// errors.Is rather than string matching.
package coreerr

import "errors"

var (
	// ErrInvalidData is returned when on-disk data fails an integrity
	// check: bad magic, unsupported version, or a malformed chain.
	ErrInvalidData = errors.New("invalid data")
	// ErrNotFound is returned for a missing B-tree key, inode, file,
	// directory entry, or subvolume.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a directory entry name is
	// already present.
	ErrAlreadyExists = errors.New("already exists")
	// ErrUnsupported is returned for a type mismatch (opening a
	// directory as a file or vice versa) or an operation the caller
	// isn't allowed to perform (removing the default subvolume).
	ErrUnsupported = errors.New("unsupported operation")
	// ErrPermissionDenied is returned when rmdir targets a non-empty
	// directory.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrOutOfSpace is returned when the block allocator has no free
	// block left to hand out.
	ErrOutOfSpace = errors.New("out of space")
	// ErrOther covers truncated chains and malformed structures that
	// don't fit one of the other kinds.
	ErrOther = errors.New("filesystem error")
)
