// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package file

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/31core/31corefs/corefs/inode"
)

type memDevice struct {
	mu   sync.Mutex
	data []byte
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(off)+len(p) > len(d.data) {
		grown := make([]byte, int(off)+len(p))
		copy(grown, d.data)
		d.data = grown
	}
	copy(p, d.data[off:])
	return len(p), nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	need := int(off) + len(p)
	if need > len(d.data) {
		grown := make([]byte, need)
		copy(grown, d.data)
		d.data = grown
	}
	copy(d.data[off:], p)
	return len(p), nil
}

type seqAlloc struct{ next uint64 }

func (a *seqAlloc) NewBlock() (uint64, error) {
	a.next++
	return a.next, nil
}
func (a *seqAlloc) ReleaseBlock(uint64) error { return nil }

func newTestFile() *File {
	dev := &memDevice{}
	alloc := &seqAlloc{}
	return Open(dev, alloc, nil, inode.Inode{Kind: inode.Regular})
}

func TestWriteReadRoundTrip(t *testing.T) {
	f := newTestFile()
	require.NoError(t, f.Write(0, []byte("hello world"), 1))
	require.Equal(t, uint64(11), f.Inode.Size)

	buf := make([]byte, 11)
	_, err := f.Read(0, buf, 2)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buf))
}

func TestWriteSpansMultipleBlocks(t *testing.T) {
	f := newTestFile()
	data := make([]byte, 9000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, f.Write(100, data, 1))

	buf := make([]byte, len(data))
	_, err := f.Read(100, buf, 2)
	require.NoError(t, err)
	require.Equal(t, data, buf)
}

func TestReadHoleIsZero(t *testing.T) {
	f := newTestFile()
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0xFF
	}
	_, err := f.Read(0, buf, 1)
	require.NoError(t, err)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestTruncateGrowIsHole(t *testing.T) {
	f := newTestFile()
	require.NoError(t, f.Write(0, []byte("0123456789"), 1))
	require.NoError(t, f.Truncate(4096+10, 2))
	require.Equal(t, uint64(4096+10), f.Inode.Size)

	buf := make([]byte, 10)
	_, err := f.Read(4096, buf, 3)
	require.NoError(t, err)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestTruncateToZeroDestroysTree(t *testing.T) {
	f := newTestFile()
	require.NoError(t, f.Write(0, []byte("abc"), 1))
	require.NotZero(t, f.Inode.BTreeRoot)

	require.NoError(t, f.Truncate(0, 2))
	require.Zero(t, f.Inode.BTreeRoot)
	require.Zero(t, f.Inode.Size)
}

func TestReadClampsToSize(t *testing.T) {
	f := newTestFile()
	require.NoError(t, f.Write(0, []byte("hello"), 1))

	buf := make([]byte, 20)
	for i := range buf {
		buf[i] = 0xFF
	}
	n, err := f.Read(0, buf, 2)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf[:5]))
	for _, b := range buf[5:] {
		require.Equal(t, byte(0), b)
	}

	n, err = f.Read(100, buf, 3)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestWriteOverwritesExisting(t *testing.T) {
	f := newTestFile()
	require.NoError(t, f.Write(0, []byte("aaaaaaaaaa"), 1))
	require.NoError(t, f.Write(2, []byte("XYZ"), 2))

	buf := make([]byte, 10)
	_, err := f.Read(0, buf, 3)
	require.NoError(t, err)
	require.Equal(t, "aaXYZaaaaa", string(buf))
}
