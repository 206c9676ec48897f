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
	"bytes"

	"github.com/google/btree"
)

// memtable buffers recent writes in an ordered in-memory structure before
// they are flushed to a sorted table. It is single-writer (the apply path)
// with concurrent readers; the btree is copy-on-write via Clone for reads.
type memtable struct {
	tree *btree.BTreeG[*entry]
	size int64

	// walSegment is the record log segment this memtable's writes live in.
	// The pairing lets recovery discard segments once the memtable is
	// flushed, and lets flush delete them wholesale.
	walSegment uint64
}

func newMemtable(walSegment uint64) *memtable {
	less := func(a, b *entry) bool { return compareEntries(a, b) < 0 }
	return &memtable{
		tree:       btree.NewG[*entry](32, less),
		walSegment: walSegment,
	}
}

func (m *memtable) add(e *entry) {
	m.tree.ReplaceOrInsert(e)
	m.size += e.sizeBytes()
}

func (m *memtable) count() int { return m.tree.Len() }

// get returns the newest entry for key with entry.seq <= seq.
func (m *memtable) get(key []byte, seq uint64) (*entry, bool) {
	var found *entry
	pivot := &entry{key: key, seq: seq}
	m.tree.AscendGreaterOrEqual(pivot, func(e *entry) bool {
		if bytes.Equal(e.key, key) {
			found = e
		}
		return false
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// iter snapshots all entries with user key >= start (nil = first) in
// internal order. The snapshot is taken under the store mutex, so the
// returned iterator is safe to drain without further locking.
func (m *memtable) iter(start []byte) *memtableIter {
	it := &memtableIter{}
	collect := func(e *entry) bool {
		it.pending = append(it.pending, e)
		return true
	}
	if start == nil {
		m.tree.Ascend(collect)
	} else {
		m.tree.AscendGreaterOrEqual(&entry{key: start, seq: ^uint64(0)}, collect)
	}
	return it
}

type memtableIter struct {
	cur     *entry
	pending []*entry
	pos     int
}

func (it *memtableIter) Next() bool {
	if it.pos >= len(it.pending) {
		it.cur = nil
		return false
	}
	it.cur = it.pending[it.pos]
	it.pos++
	return true
}

func (it *memtableIter) entry() *entry { return it.cur }
func (it *memtableIter) Err() error    { return nil }
