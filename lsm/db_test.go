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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metakvdb/metakv/common/kvstore"
)

func testDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(Config{Dir: dir, MemtableBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func put(t *testing.T, db *DB, key, value string) uint64 {
	t.Helper()
	b := db.NewWriteBatch()
	b.Put([]byte(key), []byte(value))
	seq, err := db.Apply(b, true)
	require.NoError(t, err)
	return seq
}

func del(t *testing.T, db *DB, key string) uint64 {
	t.Helper()
	b := db.NewWriteBatch()
	b.Delete([]byte(key))
	seq, err := db.Apply(b, true)
	require.NoError(t, err)
	return seq
}

func TestVersionedReads(t *testing.T) {
	db := testDB(t, t.TempDir())

	s1 := put(t, db, "a", "v1")
	s2 := put(t, db, "a", "v2")
	s3 := del(t, db, "a")
	require.Equal(t, s1+1, s2)
	require.Equal(t, s2+1, s3)

	v, err := db.Get([]byte("a"), s1)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	v, err = db.Get([]byte("a"), s2)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)

	_, err = db.Get([]byte("a"), s3)
	require.ErrorIs(t, err, kvstore.ErrNotFound)

	_, err = db.Get([]byte("missing"), s3)
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestBatchSingleSequence(t *testing.T) {
	db := testDB(t, t.TempDir())

	before := db.Seq()
	b := db.NewWriteBatch()
	b.Put([]byte("x"), []byte("1"))
	b.Put([]byte("y"), []byte("2"))
	b.Delete([]byte("z"))
	seq, err := db.Apply(b, false)
	require.NoError(t, err)
	require.Equal(t, before+1, seq)
	require.Equal(t, seq, db.Seq())

	// Nothing from the batch is visible below its sequence.
	_, err = db.Get([]byte("x"), before)
	require.ErrorIs(t, err, kvstore.ErrNotFound)
	v, err := db.Get([]byte("x"), seq)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	v, err = db.Get([]byte("y"), seq)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	s1 := put(t, db, "k1", "v1")
	put(t, db, "k2", "v2")
	s3 := put(t, db, "k1", "v1b")
	require.NoError(t, db.Close())

	db2 := testDB(t, dir)
	require.Equal(t, s3, db2.Seq())
	v, err := db2.Get([]byte("k1"), s3)
	require.NoError(t, err)
	require.Equal(t, []byte("v1b"), v)
	v, err = db2.Get([]byte("k1"), s1)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestRecoveryAfterFlush(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	put(t, db, "flushed", "old")
	require.NoError(t, db.Flush())
	seq := put(t, db, "unflushed", "new")
	require.NoError(t, db.Close())

	db2 := testDB(t, dir)
	require.Equal(t, seq, db2.Seq())
	v, err := db2.Get([]byte("flushed"), seq)
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v)
	v, err = db2.Get([]byte("unflushed"), seq)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)
	require.GreaterOrEqual(t, db2.Stats().Tables, 1)
}

func TestGetFromFlushedTable(t *testing.T) {
	db := testDB(t, t.TempDir())
	seq := put(t, db, "a", "disk")
	require.NoError(t, db.Flush())
	require.Equal(t, int64(0), db.Stats().MemtableBytes)

	v, err := db.Get([]byte("a"), seq)
	require.NoError(t, err)
	require.Equal(t, []byte("disk"), v)
}

func TestRangeIterVisibleView(t *testing.T) {
	db := testDB(t, t.TempDir())
	put(t, db, "a", "1")
	put(t, db, "b", "2")
	require.NoError(t, db.Flush())
	put(t, db, "b", "2b")
	seqDel := del(t, db, "a")
	put(t, db, "c", "3")
	seqEnd := put(t, db, "d", "4")

	it := db.NewRangeIter([]byte("a"), []byte("d"), seqEnd)
	defer it.Close()
	var keys, values []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
		values = append(values, string(it.Value()))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"b", "c"}, keys)
	require.Equal(t, []string{"2b", "3"}, values)

	// The same range below the delete still sees the old state.
	it2 := db.NewRangeIter([]byte("a"), []byte("d"), seqDel-1)
	defer it2.Close()
	keys = nil
	for it2.Next() {
		keys = append(keys, string(it2.Key()))
	}
	require.NoError(t, it2.Err())
	require.Equal(t, []string{"a", "b"}, keys)
}

func TestCompactionHonorsWaterline(t *testing.T) {
	db := testDB(t, t.TempDir())

	s1 := put(t, db, "a", "v1")
	del(t, db, "gone")
	require.NoError(t, db.Flush())
	s2 := put(t, db, "a", "v2")
	require.NoError(t, db.Flush())
	s3 := del(t, db, "a")
	require.NoError(t, db.Flush())
	require.GreaterOrEqual(t, db.Stats().Tables, 3)

	db.SetWaterline(s2)
	require.NoError(t, db.compact())
	require.Equal(t, 1, db.Stats().Tables)

	// Reads at or above the waterline are unchanged.
	v, err := db.Get([]byte("a"), s2)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
	_, err = db.Get([]byte("a"), s3)
	require.ErrorIs(t, err, kvstore.ErrNotFound)

	// The version below the waterline was dropped.
	_, err = db.Get([]byte("a"), s1)
	require.ErrorIs(t, err, kvstore.ErrNotFound)

	// A tombstone at the waterline slot disappears with what it shadowed.
	it := db.NewRangeIter([]byte("g"), []byte("h"), s3)
	defer it.Close()
	require.False(t, it.Next())
	require.NoError(t, it.Err())
}

func TestMemtableSealRotatesWAL(t *testing.T) {
	db := testDB(t, t.TempDir())
	db.cfg.MemtableBytes = 256

	for i := 0; i < 64; i++ {
		put(t, db, fmt.Sprintf("key-%03d", i), "some value padding the memtable")
	}
	require.NoError(t, db.Flush())

	st := db.Stats()
	require.Equal(t, 0, st.Immutables)
	require.GreaterOrEqual(t, st.Tables, 1)

	seq := db.Seq()
	for i := 0; i < 64; i++ {
		v, err := db.Get([]byte(fmt.Sprintf("key-%03d", i)), seq)
		require.NoError(t, err)
		require.Equal(t, []byte("some value padding the memtable"), v)
	}
}
