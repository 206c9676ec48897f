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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockTableSharedReaders(t *testing.T) {
	lt := newLockTable()
	ctx := context.Background()

	a, err := lt.acquire(ctx, TxnID{Term: 1, Counter: 1}, []byte("a"), []byte("m"), false)
	require.NoError(t, err)
	b, err := lt.acquire(ctx, TxnID{Term: 1, Counter: 2}, []byte("b"), []byte("z"), false)
	require.NoError(t, err)
	a.release()
	b.release()
}

func TestLockTableWriterExcludesOverlap(t *testing.T) {
	lt := newLockTable()
	ctx := context.Background()

	w, err := lt.acquire(ctx, TxnID{Term: 1, Counter: 1}, []byte("b"), []byte("d"), true)
	require.NoError(t, err)

	got := make(chan struct{})
	go func() {
		r, err := lt.acquire(ctx, TxnID{Term: 1, Counter: 2}, []byte("c"), []byte("e"), false)
		require.NoError(t, err)
		r.release()
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("reader acquired despite overlapping writer")
	case <-time.After(50 * time.Millisecond):
	}

	w.release()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("reader not granted after writer release")
	}
}

func TestLockTableDisjointWriters(t *testing.T) {
	lt := newLockTable()
	ctx := context.Background()

	a, err := lt.acquire(ctx, TxnID{Term: 1, Counter: 1}, []byte("a"), []byte("b"), true)
	require.NoError(t, err)
	b, err := lt.acquire(ctx, TxnID{Term: 1, Counter: 2}, []byte("c"), []byte("d"), true)
	require.NoError(t, err)
	a.release()
	b.release()
}

func TestLockTableFIFOWriterNotStarved(t *testing.T) {
	lt := newLockTable()
	ctx := context.Background()

	r1, err := lt.acquire(ctx, TxnID{Term: 1, Counter: 1}, []byte("a"), []byte("z"), false)
	require.NoError(t, err)

	// Writer queues behind the active reader.
	wGot := make(chan struct{})
	go func() {
		w, err := lt.acquire(ctx, TxnID{Term: 1, Counter: 2}, []byte("a"), []byte("z"), true)
		require.NoError(t, err)
		w.release()
		close(wGot)
	}()
	time.Sleep(20 * time.Millisecond)

	// A later reader must queue behind the waiting writer, not barge in.
	r2Got := make(chan struct{})
	go func() {
		r2, err := lt.acquire(ctx, TxnID{Term: 1, Counter: 3}, []byte("a"), []byte("z"), false)
		require.NoError(t, err)
		r2.release()
		close(r2Got)
	}()

	select {
	case <-r2Got:
		t.Fatal("later reader barged past waiting writer")
	case <-time.After(50 * time.Millisecond):
	}

	r1.release()
	select {
	case <-wGot:
	case <-time.After(time.Second):
		t.Fatal("writer not granted")
	}
	select {
	case <-r2Got:
	case <-time.After(time.Second):
		t.Fatal("second reader not granted")
	}
}

func TestLockTableSameOwnerReentrant(t *testing.T) {
	lt := newLockTable()
	ctx := context.Background()
	id := TxnID{Term: 1, Counter: 1}

	r, err := lt.acquire(ctx, id, []byte("a"), []byte("z"), false)
	require.NoError(t, err)
	w, err := lt.acquire(ctx, id, []byte("k"), []byte("l"), true)
	require.NoError(t, err)
	w.release()
	r.release()
}

func TestLockTableAcquireCancel(t *testing.T) {
	lt := newLockTable()

	w, err := lt.acquire(context.Background(), TxnID{Term: 1, Counter: 1}, []byte("a"), []byte("z"), true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = lt.acquire(ctx, TxnID{Term: 1, Counter: 2}, []byte("b"), []byte("c"), true)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The cancelled waiter must not wedge the queue.
	w.release()
	h, err := lt.acquire(context.Background(), TxnID{Term: 1, Counter: 3}, []byte("b"), []byte("c"), true)
	require.NoError(t, err)
	h.release()
}
