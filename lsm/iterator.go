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
	"container/heap"
)

// entrySource is the common shape of memtable, table, and block iterators.
type entrySource interface {
	Next() bool
	entry() *entry
	Err() error
}

// mergeIter k-way merges sources in internal order. Sources are listed
// newest first; on an exact (key, seq) tie the newer source wins and the
// older duplicate is dropped.
type mergeIter struct {
	h   mergeHeap
	cur *entry
	err error
}

func newMergeIter(sources []entrySource) *mergeIter {
	m := &mergeIter{}
	for prio, src := range sources {
		if src.Next() {
			m.h = append(m.h, mergeItem{src: src, prio: prio})
		} else if err := src.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
	return m
}

func (m *mergeIter) Next() bool {
	if m.err != nil || len(m.h) == 0 {
		m.cur = nil
		return false
	}
	top := m.h[0]
	e := top.src.entry()
	m.cur = e
	m.advance(0)

	// Drop duplicates of the same (key, seq) from older sources.
	for len(m.h) > 0 {
		dup := m.h[0].src.entry()
		if compareEntries(dup, e) != 0 {
			break
		}
		m.advance(0)
	}
	return m.err == nil
}

func (m *mergeIter) advance(i int) {
	item := m.h[i]
	if item.src.Next() {
		heap.Fix(&m.h, i)
		return
	}
	if err := item.src.Err(); err != nil {
		m.err = err
	}
	heap.Remove(&m.h, i)
}

func (m *mergeIter) entry() *entry { return m.cur }
func (m *mergeIter) Err() error    { return m.err }

type mergeItem struct {
	src  entrySource
	prio int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	c := compareEntries(h[i].src.entry(), h[j].src.entry())
	if c != 0 {
		return c < 0
	}
	return h[i].prio < h[j].prio
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// visibleIter projects a merged internal iterator to the user-visible view
// at a read sequence: per user key, the newest version with seq <= atSeq,
// with tombstones elided, bounded by [start, end).
type visibleIter struct {
	in    *mergeIter
	atSeq uint64
	end   []byte

	key   []byte
	value []byte
	// pending holds the first entry of the next key group, read while
	// draining the previous one.
	pending *entry
	inDone  bool
	stopped bool
}

func newVisibleIter(in *mergeIter, atSeq uint64, end []byte) *visibleIter {
	return &visibleIter{in: in, atSeq: atSeq, end: end}
}

func (it *visibleIter) Next() bool {
	if it.stopped {
		return false
	}
	for {
		// First entry of the next key group.
		e := it.pending
		it.pending = nil
		if e == nil {
			if it.inDone || !it.in.Next() {
				it.stopped = true
				return false
			}
			e = it.in.entry()
		}
		if it.end != nil && bytes.Compare(e.key, it.end) >= 0 {
			it.stopped = true
			return false
		}

		// Pick the visible version of this group, then drain the rest.
		var visible *entry
		cur := e
		for {
			if visible == nil && cur.seq <= it.atSeq {
				visible = cur
			}
			if !it.in.Next() {
				it.inDone = true
				break
			}
			nxt := it.in.entry()
			if !bytes.Equal(nxt.key, e.key) {
				it.pending = nxt
				break
			}
			cur = nxt
		}

		if visible != nil && visible.kind == KindPut {
			it.key = visible.key
			it.value = visible.value
			return true
		}
		if it.inDone && it.pending == nil {
			it.stopped = true
			return false
		}
	}
}

func (it *visibleIter) Key() []byte   { return it.key }
func (it *visibleIter) Value() []byte { return it.value }
func (it *visibleIter) Err() error    { return it.in.Err() }
func (it *visibleIter) Close()        {}
