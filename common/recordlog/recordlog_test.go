// Copyright 2026 The MetaKV Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package recordlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func reopen(t *testing.T, dir string) *Log {
	l, err := Open(dir)
	require.NoError(t, err)
	return l
}

func collect(t *testing.T, l *Log) [][]byte {
	var out [][]byte
	require.NoError(t, l.ReadAll(func(seg uint64, payload []byte) error {
		out = append(out, payload)
		return nil
	}))
	return out
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	l := reopen(t, dir)

	records := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc"), {}}
	for _, r := range records {
		require.NoError(t, l.Append(r))
	}
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	l = reopen(t, dir)
	defer l.Close()
	got := collect(t, l)
	require.Len(t, got, len(records))
	for i := range records {
		require.Equal(t, records[i], got[i])
	}
}

func TestTornTailTruncatedOnOpen(t *testing.T) {
	dir := t.TempDir()
	l := reopen(t, dir)
	require.NoError(t, l.Append([]byte("intact")))
	require.NoError(t, l.Sync())
	seg := l.ActiveSegment()
	require.NoError(t, l.Close())

	// Simulate a torn write by appending garbage to the active segment.
	path := filepath.Join(dir, "0000000000000001.rlog")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Equal(t, uint64(1), seg)

	l = reopen(t, dir)
	defer l.Close()
	got := collect(t, l)
	require.Len(t, got, 1)
	require.Equal(t, []byte("intact"), got[0])

	// The log must accept appends after truncating the tail.
	require.NoError(t, l.Append([]byte("after")))
	require.NoError(t, l.Sync())
	got = collect(t, l)
	require.Len(t, got, 2)
	require.Equal(t, []byte("after"), got[1])
}

func TestRotateAndDeleteBefore(t *testing.T) {
	dir := t.TempDir()
	l := reopen(t, dir)
	defer l.Close()

	require.NoError(t, l.Append([]byte("old")))
	seg2, err := l.Rotate()
	require.NoError(t, err)
	require.Equal(t, uint64(2), seg2)
	require.NoError(t, l.Append([]byte("new")))
	require.NoError(t, l.Sync())

	require.Equal(t, []uint64{1, 2}, l.Segments())
	require.NoError(t, l.DeleteBefore(2))
	require.Equal(t, []uint64{2}, l.Segments())

	got := collect(t, l)
	require.Len(t, got, 1)
	require.Equal(t, []byte("new"), got[0])
}

func TestCorruptSealedSegmentIsFatal(t *testing.T) {
	dir := t.TempDir()
	l := reopen(t, dir)
	require.NoError(t, l.Append([]byte("sealed-record")))
	_, err := l.Rotate()
	require.NoError(t, err)
	require.NoError(t, l.Append([]byte("active")))
	require.NoError(t, l.Sync())
	require.NoError(t, l.Close())

	// Flip a payload byte in the sealed segment.
	path := filepath.Join(dir, "0000000000000001.rlog")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	l = reopen(t, dir)
	defer l.Close()
	err = l.ReadAll(func(uint64, []byte) error { return nil })
	require.ErrorIs(t, err, ErrCorrupt)
}
