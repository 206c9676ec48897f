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

package metastore

import (
	"bytes"
	"context"
	"sync"
)

// lockTable grants reader/writer locks over half-open key ranges.
// Readers on overlapping ranges share; a writer excludes everything it
// overlaps. Grants are FIFO per range: a waiter is held back while any
// earlier-arrived waiter it conflicts with is still queued, so a stream
// of readers cannot starve a writer.
type lockTable struct {
	mu         sync.Mutex
	nextTicket uint64
	granted    []*lockHandle
	waiting    []*lockWaiter
}

type lockHandle struct {
	t          *lockTable
	owner      TxnID
	start, end []byte
	write      bool
	ticket     uint64
	released   bool
}

type lockWaiter struct {
	lockHandle
	ready chan *lockHandle
}

func newLockTable() *lockTable {
	return &lockTable{}
}

func (t *lockTable) acquire(ctx context.Context, owner TxnID, start, end []byte, write bool) (*lockHandle, error) {
	t.mu.Lock()
	w := &lockWaiter{
		lockHandle: lockHandle{
			t:      t,
			owner:  owner,
			start:  start,
			end:    end,
			write:  write,
			ticket: t.nextTicket,
		},
		ready: make(chan *lockHandle, 1),
	}
	t.nextTicket++
	t.waiting = append(t.waiting, w)
	t.schedule()
	t.mu.Unlock()

	select {
	case h := <-w.ready:
		return h, nil
	case <-ctx.Done():
		t.mu.Lock()
		// The grant may have raced the cancellation.
		select {
		case h := <-w.ready:
			t.mu.Unlock()
			return h, nil
		default:
		}
		t.dropWaiter(w)
		t.schedule()
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// schedule grants every waiter, in arrival order, that conflicts with
// neither a granted lock nor an earlier waiter. Callers hold t.mu.
func (t *lockTable) schedule() {
	for i := 0; i < len(t.waiting); {
		w := t.waiting[i]
		if t.blockedByGranted(w) || t.blockedByEarlier(i) {
			i++
			continue
		}
		t.waiting = append(t.waiting[:i], t.waiting[i+1:]...)
		t.granted = append(t.granted, &w.lockHandle)
		w.ready <- &w.lockHandle
	}
}

func (t *lockTable) blockedByGranted(w *lockWaiter) bool {
	for _, g := range t.granted {
		if g.owner == w.owner {
			continue
		}
		if (w.write || g.write) && overlaps(w.start, w.end, g.start, g.end) {
			return true
		}
	}
	return false
}

func (t *lockTable) blockedByEarlier(i int) bool {
	w := t.waiting[i]
	for _, e := range t.waiting[:i] {
		if e.owner == w.owner {
			continue
		}
		if (w.write || e.write) && overlaps(w.start, w.end, e.start, e.end) {
			return true
		}
	}
	return false
}

func (t *lockTable) dropWaiter(w *lockWaiter) {
	for i, c := range t.waiting {
		if c == w {
			t.waiting = append(t.waiting[:i], t.waiting[i+1:]...)
			return
		}
	}
}

func (h *lockHandle) release() {
	t := h.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	for i, g := range t.granted {
		if g == h {
			t.granted = append(t.granted[:i], t.granted[i+1:]...)
			break
		}
	}
	t.schedule()
}

// overlaps reports whether [aLo, aHi) and [bLo, bHi) intersect. A nil
// high bound means unbounded.
func overlaps(aLo, aHi, bLo, bHi []byte) bool {
	if aHi != nil && bytes.Compare(aHi, bLo) <= 0 {
		return false
	}
	if bHi != nil && bytes.Compare(bHi, aLo) <= 0 {
		return false
	}
	return true
}
