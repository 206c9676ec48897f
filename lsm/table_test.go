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

package lsm

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildTestTable(t *testing.T, entries []*entry, compress bool) *Table {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.sst")
	f, err := os.Create(path)
	require.NoError(t, err)
	bw := bufio.NewWriter(f)
	tb := newTableBuilder(bw, len(entries), 64, compress)
	for _, e := range entries {
		require.NoError(t, tb.add(e))
	}
	_, err = tb.finish()
	require.NoError(t, err)
	require.NoError(t, bw.Flush())
	require.NoError(t, f.Close())

	tab, err := openTable(path)
	require.NoError(t, err)
	t.Cleanup(func() { tab.Close() })
	return tab
}

func TestTableGetVersions(t *testing.T) {
	entries := []*entry{
		{key: []byte("a"), seq: 9, kind: KindDelete},
		{key: []byte("a"), seq: 5, kind: KindPut, value: []byte("v5")},
		{key: []byte("a"), seq: 2, kind: KindPut, value: []byte("v2")},
		{key: []byte("b"), seq: 7, kind: KindPut, value: []byte("w")},
	}
	tab := buildTestTable(t, entries, true)

	e, ok, err := tab.get([]byte("a"), 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindDelete, e.kind)

	e, ok, err = tab.get([]byte("a"), 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v5"), e.value)

	e, ok, err = tab.get([]byte("a"), 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), e.value)

	_, ok, err = tab.get([]byte("a"), 1)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = tab.get([]byte("c"), 10)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTableIterSpansBlocks(t *testing.T) {
	var entries []*entry
	for i := 0; i < 200; i++ {
		entries = append(entries, &entry{
			key:   []byte(fmt.Sprintf("key-%04d", i)),
			seq:   uint64(i + 1),
			kind:  KindPut,
			value: []byte(fmt.Sprintf("value-%04d", i)),
		})
	}
	tab := buildTestTable(t, entries, true)
	require.Greater(t, len(tab.index), 1)

	it := tab.newIter(nil)
	n := 0
	for it.Next() {
		require.Equal(t, entries[n].key, it.entry().key)
		require.Equal(t, entries[n].seq, it.entry().seq)
		n++
	}
	require.NoError(t, it.Err())
	require.Equal(t, len(entries), n)

	it = tab.newIter([]byte("key-0150"))
	require.True(t, it.Next())
	require.Equal(t, []byte("key-0150"), it.entry().key)
}

func TestTableProperties(t *testing.T) {
	entries := []*entry{
		{key: []byte("a"), seq: 3, kind: KindPut, value: []byte("x")},
		{key: []byte("z"), seq: 8, kind: KindPut, value: []byte("y")},
	}
	tab := buildTestTable(t, entries, false)
	require.Equal(t, uint64(2), tab.props.NumEntries)
	require.Equal(t, uint64(3), tab.props.MinSeq)
	require.Equal(t, uint64(8), tab.props.MaxSeq)
	require.Equal(t, []byte("a"), tab.props.SmallestKey)
	require.Equal(t, []byte("z"), tab.props.LargestKey)
}
