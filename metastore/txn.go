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
	goerrors "errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/metakvdb/metakv/common/kvstore"
	"github.com/metakvdb/metakv/errors"
	"github.com/metakvdb/metakv/lsm"
	"github.com/metakvdb/metakv/proto"
	"github.com/metakvdb/metakv/raft"
)

// TxnID identifies a transaction within one leadership term. Counters
// reset when the term changes, so stale transactions from an old term
// can never collide with new ones.
type TxnID struct {
	Term    uint64
	Counter uint64
}

// TransactionManager coordinates leader-local transactions: snapshot
// reads at a read-index-covered sequence, range locks for isolation, and
// a single-batch commit through consensus.
type TransactionManager struct {
	store *Store
	locks *lockTable

	mu      sync.Mutex
	term    uint64
	counter uint64
	active  map[TxnID]*Txn
}

func newTransactionManager(s *Store) *TransactionManager {
	return &TransactionManager{
		store:  s,
		locks:  newLockTable(),
		active: make(map[TxnID]*Txn),
	}
}

// Begin opens a transaction on the leader. The read-index round trip
// guarantees the engine sequence it captures covers every write
// committed before Begin returned.
func (tm *TransactionManager) Begin(ctx context.Context) (*Txn, error) {
	if !tm.store.group.IsLeader() {
		lead, addr := tm.store.group.Leader()
		return nil, errors.NotLeader(lead, addr)
	}
	idx, err := tm.store.group.ReadIndex(ctx)
	if err != nil {
		return nil, err
	}
	if err := tm.store.group.WaitApplied(ctx, idx); err != nil {
		return nil, err
	}
	term := tm.store.group.Term()

	var readSeq uint64
	err = tm.store.withEngine(func(db *lsm.DB) error {
		readSeq = db.Seq()
		return nil
	})
	if err != nil {
		return nil, err
	}

	tm.mu.Lock()
	if term > tm.term {
		// Transactions begun under an older term are already purged by
		// the leadership change; just advance the clock.
		tm.term = term
		tm.counter = 0
	}
	tm.counter++
	txn := &Txn{
		tm:      tm,
		id:      TxnID{Term: tm.term, Counter: tm.counter},
		readSeq: readSeq,
		writes:  make(map[string]txnWrite),
	}
	tm.active[txn.id] = txn
	tm.mu.Unlock()

	txn.releasePin = tm.store.wm.pin(readSeq)
	return txn, nil
}

// purge aborts every open transaction. Called on leadership loss and on
// shutdown; in-flight commits fail when they reach the consensus step.
func (tm *TransactionManager) purge() {
	tm.mu.Lock()
	txns := make([]*Txn, 0, len(tm.active))
	for _, t := range tm.active {
		txns = append(txns, t)
	}
	tm.active = make(map[TxnID]*Txn)
	tm.mu.Unlock()
	for _, t := range txns {
		t.finish()
	}
}

func (tm *TransactionManager) activeCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.active)
}

func (tm *TransactionManager) remove(id TxnID) {
	tm.mu.Lock()
	delete(tm.active, id)
	tm.mu.Unlock()
}

type txnWrite struct {
	key    []byte
	value  []byte
	delete bool
}

// Txn is a leader-local transaction. Reads see the engine as of the
// sequence captured at Begin, overlaid with the transaction's own
// buffered writes. Not safe for concurrent use.
type Txn struct {
	tm      *TransactionManager
	id      TxnID
	readSeq uint64

	// reads are the ranges whose stability commit revalidates; held
	// locks keep writers in other transactions queued behind us.
	reads  []lockedRange
	held   []*lockHandle
	writes map[string]txnWrite
	order  []string

	releasePin func()
	done       atomic.Bool
}

type lockedRange struct {
	start, end []byte
}

func (t *Txn) ID() TxnID { return t.id }

// Get reads one key inside the transaction.
func (t *Txn) Get(ctx context.Context, key []byte) ([]byte, error) {
	return t.getRaw(ctx, dataKey(key))
}

func (t *Txn) get(ctx context.Context, ikey []byte) ([]byte, error) {
	return t.getRaw(ctx, ikey)
}

func (t *Txn) getRaw(ctx context.Context, ikey []byte) ([]byte, error) {
	if t.done.Load() {
		return nil, errors.ErrInvalidRequest
	}
	if w, ok := t.writes[string(ikey)]; ok {
		if w.delete {
			return nil, errors.ErrNotFound
		}
		return w.value, nil
	}
	end := upperBound(ikey)
	h, err := t.readLock(ctx, ikey, end)
	if err != nil {
		return nil, err
	}
	defer h.release()
	var value []byte
	err = t.tm.store.withEngine(func(db *lsm.DB) error {
		v, err := db.Get(ikey, t.readSeq)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err == kvstore.ErrNotFound {
		return nil, errors.ErrNotFound
	}
	return value, err
}

// GetRange reads [start, end) inside the transaction. Buffered writes in
// the range overlay the snapshot.
func (t *Txn) GetRange(ctx context.Context, start, end []byte, fn func(key, value []byte) error) error {
	if t.done.Load() {
		return errors.ErrInvalidRequest
	}
	lo, hi := dataRangeBounds(start, end)
	h, err := t.readLock(ctx, lo, hi)
	if err != nil {
		return err
	}
	defer h.release()

	overlay, okeys := t.overlayIn(lo, hi)
	oi := 0
	emit := func(w txnWrite) error {
		if w.delete {
			return nil
		}
		_, userKey, subKey, err := decodeKey(w.key)
		if err != nil {
			return err
		}
		if subKey != proto.SubKeyValue {
			return nil
		}
		return fn(userKey, w.value)
	}

	return t.tm.store.withEngine(func(db *lsm.DB) error {
		it := db.NewRangeIter(lo, hi, t.readSeq)
		defer it.Close()
		for it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ikey := it.Key()
			// Buffered writes sorting before the snapshot key surface
			// first, keeping the merged stream ordered.
			for oi < len(okeys) && okeys[oi] < string(ikey) {
				if err := emit(overlay[okeys[oi]]); err != nil {
					return err
				}
				oi++
			}
			if oi < len(okeys) && okeys[oi] == string(ikey) {
				err := emit(overlay[okeys[oi]])
				oi++
				if err != nil {
					return err
				}
				continue
			}
			_, userKey, subKey, err := decodeKey(ikey)
			if err != nil {
				return err
			}
			if subKey != proto.SubKeyValue {
				continue
			}
			if err := fn(userKey, it.Value()); err != nil {
				return err
			}
		}
		if err := it.Err(); err != nil {
			return err
		}
		for ; oi < len(okeys); oi++ {
			if err := emit(overlay[okeys[oi]]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *Txn) overlayIn(lo, hi []byte) (map[string]txnWrite, []string) {
	m := make(map[string]txnWrite)
	var keys []string
	for k, w := range t.writes {
		if bytes.Compare(w.key, lo) >= 0 && (hi == nil || bytes.Compare(w.key, hi) < 0) {
			m[k] = w
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return m, keys
}

// Put buffers a write. Nothing is visible outside the transaction until
// Commit.
func (t *Txn) Put(key, value []byte) {
	t.put(dataKey(key), value)
}

// Delete buffers a tombstone.
func (t *Txn) Delete(key []byte) {
	t.delete(dataKey(key))
}

func (t *Txn) put(ikey, value []byte) {
	t.record(txnWrite{key: ikey, value: append([]byte(nil), value...)})
}

func (t *Txn) delete(ikey []byte) {
	t.record(txnWrite{key: ikey, delete: true})
}

func (t *Txn) record(w txnWrite) {
	k := string(w.key)
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = w
}

// readLock covers a single read operation: it queues behind any
// in-flight commit touching the range, and records the range for
// commit-time revalidation. The lock is released when the read returns;
// conflicts with later writers surface at Commit, not here.
func (t *Txn) readLock(ctx context.Context, lo, hi []byte) (*lockHandle, error) {
	h, err := t.tm.locks.acquire(ctx, t.id, lo, hi, false)
	if err != nil {
		return nil, err
	}
	t.reads = append(t.reads, lockedRange{start: lo, end: hi})
	return h, nil
}

// writeLock is held from Commit until the transaction finishes.
func (t *Txn) writeLock(ctx context.Context, lo, hi []byte) error {
	h, err := t.tm.locks.acquire(ctx, t.id, lo, hi, true)
	if err != nil {
		return err
	}
	t.held = append(t.held, h)
	return nil
}

// Commit drives the five-step protocol: writer locks, read
// revalidation, one consensus proposal carrying the whole write set,
// local apply, release. Aborts surface as CodeAbortedStale with the
// first conflicting key.
func (t *Txn) Commit(ctx context.Context) error {
	if t.done.Load() {
		return errors.ErrInvalidRequest
	}
	if len(t.order) == 0 {
		t.finish()
		return nil
	}

	// Writer locks are taken in key order so two commits over the same
	// keys cannot deadlock.
	keys := append([]string(nil), t.order...)
	sort.Strings(keys)
	for _, k := range keys {
		w := t.writes[k]
		if err := t.writeLock(ctx, w.key, upperBound(w.key)); err != nil {
			t.finish()
			return err
		}
	}

	if err := t.revalidate(); err != nil {
		t.finish()
		return err
	}

	// A transaction from a previous term must not commit under the new
	// one: its read snapshot predates writes it never saw. The check
	// here fails fast; the term embedded in the proposal is the real
	// fence; it catches proposals forwarded across a leadership change
	// after this point.
	if !t.tm.store.group.IsLeader() || t.tm.store.group.Term() != t.id.Term {
		t.finish()
		return errors.ErrNotLeader
	}

	var data []byte
	err := t.tm.store.withEngine(func(db *lsm.DB) error {
		b := db.NewWriteBatch()
		defer b.Close()
		for _, k := range t.order {
			w := t.writes[k]
			if w.delete {
				b.Delete(w.key)
			} else {
				b.Put(w.key, w.value)
			}
		}
		data = append([]byte(nil), b.Data()...)
		return nil
	})
	if err != nil {
		t.finish()
		return err
	}

	if err := t.tm.store.group.Propose(ctx, framePayload(opBatch, t.id.Term, data)); err != nil {
		t.finish()
		if goerrors.Is(err, raft.ErrApplyRejected) {
			return errors.ErrNotLeader
		}
		return err
	}
	t.finish()
	return nil
}

// revalidate checks that nothing a read observed has changed since the
// transaction's snapshot. Writer keys are checked too: a blind overwrite
// of a concurrently-changed key is still a lost update.
func (t *Txn) revalidate() error {
	check := make([]lockedRange, 0, len(t.reads)+len(t.order))
	check = append(check, t.reads...)
	for _, k := range t.order {
		w := t.writes[k]
		check = append(check, lockedRange{start: w.key, end: upperBound(w.key)})
	}
	return t.tm.store.withEngine(func(db *lsm.DB) error {
		for _, r := range check {
			modified, key, err := db.ModifiedSince(r.start, r.end, t.readSeq)
			if err != nil {
				return err
			}
			if modified {
				return errors.Conflict(errors.CodeAbortedStale, key)
			}
		}
		return nil
	})
}

// Rollback discards the transaction. Safe to call after Commit.
func (t *Txn) Rollback() {
	t.finish()
}

func (t *Txn) finish() {
	if !t.done.CompareAndSwap(false, true) {
		return
	}
	for _, h := range t.held {
		h.release()
	}
	t.held = nil
	if t.releasePin != nil {
		t.releasePin()
	}
	t.tm.remove(t.id)
}

// upperBound returns the smallest key greater than k, giving point locks
// a half-open range representation.
func upperBound(k []byte) []byte {
	return append(append([]byte(nil), k...), 0)
}
