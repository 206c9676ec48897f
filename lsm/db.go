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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/metakvdb/metakv/common/kvstore"
	"github.com/metakvdb/metakv/common/recordlog"
)

const (
	walDirName      = "wal"
	manifestDirName = "manifest"
	tableSuffix     = ".sst"

	defaultMemtableBytes = int64(4 << 20)
	defaultBlockBytes    = 4 << 10
	defaultMaxTables     = 8

	flushRetryDelay = 500 * time.Millisecond
)

type Config struct {
	Dir string `yaml:"dir"`

	// MemtableBytes seals the active memtable once exceeded.
	MemtableBytes int64 `yaml:"memtable_bytes"`
	BlockBytes    int   `yaml:"block_bytes"`
	// MaxTables triggers a background compaction of all on-disk tables.
	MaxTables   int  `yaml:"max_tables"`
	Compression bool `yaml:"compression"`
	// SyncWrites fsyncs the WAL on every applied batch regardless of the
	// per-apply sync flag.
	SyncWrites bool `yaml:"sync_writes"`

	Logger *zap.Logger `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.MemtableBytes <= 0 {
		c.MemtableBytes = defaultMemtableBytes
	}
	if c.BlockBytes <= 0 {
		c.BlockBytes = defaultBlockBytes
	}
	if c.MaxTables <= 0 {
		c.MaxTables = defaultMaxTables
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// DB is the embedded storage engine: WAL + memtables + sorted tables with
// sequence-numbered multi-version reads. The apply path is single-writer;
// reads are concurrent and bounded by a sequence number.
type DB struct {
	cfg Config
	lg  *zap.Logger

	mu       sync.RWMutex
	wal      *recordlog.Log
	manifest *manifest
	mem      *memtable
	imm      []*memtable // oldest first
	tables   []*table    // newest first
	closed   bool

	seq       atomic.Uint64
	waterline atomic.Uint64

	flushC   chan struct{}
	compactC chan struct{}
	closing  chan struct{}
	bg       errgroup.Group

	flushDone sync.Cond
}

// table wraps an open Table with reference counting so compaction can
// retire inputs while range iterators still hold them.
type table struct {
	*Table
	fileNum uint64
	refs    atomic.Int32
	zombie  atomic.Bool
}

func (t *table) acquire() { t.refs.Add(1) }

func (t *table) release() {
	if t.refs.Add(-1) == 0 && t.zombie.Load() {
		t.Close()
		os.Remove(t.path)
	}
}

func (t *table) retire() {
	t.zombie.Store(true)
	t.release()
}

// Open recovers the engine from dir: loads the manifest, opens live
// tables, removes orphans from interrupted flushes, and replays WAL
// records newer than the flushed sequence.
func Open(cfg Config) (*DB, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	man, err := openManifest(filepath.Join(cfg.Dir, manifestDirName))
	if err != nil {
		return nil, err
	}
	v := man.current()

	db := &DB{
		cfg:      cfg,
		lg:       cfg.Logger,
		manifest: man,
		flushC:   make(chan struct{}, 1),
		compactC: make(chan struct{}, 1),
		closing:  make(chan struct{}),
	}
	db.flushDone.L = &db.mu

	live := make(map[uint64]bool, len(v.tables))
	for _, num := range v.tables {
		t, err := openTable(db.tablePath(num))
		if err != nil {
			man.Close()
			return nil, err
		}
		tt := &table{Table: t, fileNum: num}
		tt.acquire()
		db.tables = append(db.tables, tt)
		live[num] = true
	}
	if err := db.removeOrphans(live); err != nil {
		man.Close()
		return nil, err
	}

	wal, err := recordlog.Open(filepath.Join(cfg.Dir, walDirName))
	if err != nil {
		man.Close()
		return nil, err
	}
	db.wal = wal
	if err := wal.DeleteBefore(v.walSegment); err != nil {
		wal.Close()
		man.Close()
		return nil, err
	}

	db.mem = newMemtable(wal.Segments()[0])
	maxSeq := v.flushedSeq
	err = wal.ReadAll(func(seg uint64, payload []byte) error {
		if len(payload) < 8 {
			return recordlog.ErrCorrupt
		}
		seq := binary.LittleEndian.Uint64(payload)
		if seq <= v.flushedSeq {
			return nil
		}
		var b writeBatch
		if err := b.From(payload[8:]); err != nil {
			return err
		}
		db.applyToMem(&b, seq)
		if seq > maxSeq {
			maxSeq = seq
		}
		return nil
	})
	if err != nil {
		wal.Close()
		man.Close()
		return nil, err
	}
	db.seq.Store(maxSeq)

	db.bg.Go(db.flushLoop)
	db.bg.Go(db.compactLoop)
	return db, nil
}

func (db *DB) tablePath(num uint64) string {
	return filepath.Join(db.cfg.Dir, fmt.Sprintf("%016x%s", num, tableSuffix))
}

func (db *DB) removeOrphans(live map[uint64]bool) error {
	ents, err := os.ReadDir(db.cfg.Dir)
	if err != nil {
		return err
	}
	for _, ent := range ents {
		name := ent.Name()
		if !strings.HasSuffix(name, tableSuffix) && !strings.HasSuffix(name, tableSuffix+".tmp") {
			continue
		}
		var num uint64
		if _, err := fmt.Sscanf(name, "%016x", &num); err != nil || !live[num] || strings.HasSuffix(name, ".tmp") {
			db.lg.Info("removing orphan table file", zap.String("file", name))
			if err := os.Remove(filepath.Join(db.cfg.Dir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Apply assigns the batch the next sequence number and makes it visible
// atomically. The WAL record is written (and optionally fsynced) before
// any reader can observe the batch.
func (db *DB) Apply(b kvstore.WriteBatch, sync bool) (uint64, error) {
	wb, err := asWriteBatch(b)
	if err != nil {
		return 0, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0, kvstore.ErrClosed
	}

	seq := db.seq.Load() + 1
	rec := make([]byte, 8, 8+len(wb.Data()))
	binary.LittleEndian.PutUint64(rec, seq)
	rec = append(rec, wb.Data()...)
	if err := db.wal.Append(rec); err != nil {
		return 0, err
	}
	if sync || db.cfg.SyncWrites {
		if err := db.wal.Sync(); err != nil {
			return 0, err
		}
	}

	db.applyToMem(wb, seq)
	db.seq.Store(seq)

	if db.mem.size >= db.cfg.MemtableBytes {
		if err := db.sealLocked(); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// applyToMem inserts the batch records at seq. Keys and values are copied
// out of the batch buffer, which callers may reuse after Apply returns.
func (db *DB) applyToMem(b *writeBatch, seq uint64) {
	b.iterate(func(kind Kind, key, value []byte) error {
		e := &entry{key: append([]byte(nil), key...), seq: seq, kind: kind}
		if kind == KindPut {
			e.value = append([]byte(nil), value...)
		}
		db.mem.add(e)
		return nil
	})
}

// sealLocked flips the active memtable to immutable and rotates the WAL
// so the new memtable's writes land in a fresh segment.
func (db *DB) sealLocked() error {
	seg, err := db.wal.Rotate()
	if err != nil {
		return err
	}
	db.imm = append(db.imm, db.mem)
	db.mem = newMemtable(seg)
	select {
	case db.flushC <- struct{}{}:
	default:
	}
	return nil
}

// Get returns the value for key visible at seq.
func (db *DB) Get(key []byte, seq uint64) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, kvstore.ErrClosed
	}

	if e, ok := db.mem.get(key, seq); ok {
		return valueOf(e)
	}
	for i := len(db.imm) - 1; i >= 0; i-- {
		if e, ok := db.imm[i].get(key, seq); ok {
			return valueOf(e)
		}
	}
	for _, t := range db.tables {
		e, ok, err := t.get(key, seq)
		if err != nil {
			return nil, err
		}
		if ok {
			return valueOf(e)
		}
	}
	return nil, kvstore.ErrNotFound
}

func valueOf(e *entry) ([]byte, error) {
	if e.kind == KindDelete {
		return nil, kvstore.ErrNotFound
	}
	return e.value, nil
}

// NewRangeIter iterates [start, end) as visible at seq. The iterator must
// be closed; it pins the table files it reads.
func (db *DB) NewRangeIter(start, end []byte, seq uint64) kvstore.Iterator {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return &errIter{err: kvstore.ErrClosed}
	}

	var sources []entrySource
	sources = append(sources, db.mem.iter(start))
	for i := len(db.imm) - 1; i >= 0; i-- {
		sources = append(sources, db.imm[i].iter(start))
	}
	pinned := make([]*table, 0, len(db.tables))
	for _, t := range db.tables {
		t.acquire()
		pinned = append(pinned, t)
		sources = append(sources, t.newIter(start))
	}
	return &rangeIter{
		visibleIter: newVisibleIter(newMergeIter(sources), seq, end),
		pinned:      pinned,
	}
}

// ModifiedSince reports whether any key in [start, end) carries an entry
// with sequence greater than since. Tombstones count as modifications.
func (db *DB) ModifiedSince(start, end []byte, since uint64) (bool, []byte, error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return false, nil, kvstore.ErrClosed
	}
	var sources []entrySource
	sources = append(sources, db.mem.iter(start))
	for i := len(db.imm) - 1; i >= 0; i-- {
		sources = append(sources, db.imm[i].iter(start))
	}
	pinned := make([]*table, 0, len(db.tables))
	for _, t := range db.tables {
		t.acquire()
		pinned = append(pinned, t)
		sources = append(sources, t.newIter(start))
	}
	db.mu.RUnlock()
	defer func() {
		for _, t := range pinned {
			t.release()
		}
	}()

	it := newMergeIter(sources)
	for it.Next() {
		e := it.entry()
		if end != nil && bytes.Compare(e.key, end) >= 0 {
			break
		}
		if e.seq > since {
			key := append([]byte(nil), e.key...)
			return true, key, nil
		}
	}
	return false, nil, it.Err()
}

// NewSnapshotIter iterates every live pair visible at seq.
func (db *DB) NewSnapshotIter(seq uint64) kvstore.Iterator {
	return db.NewRangeIter(nil, nil, seq)
}

type rangeIter struct {
	*visibleIter
	pinned []*table
	once   sync.Once
}

func (it *rangeIter) Close() {
	it.once.Do(func() {
		for _, t := range it.pinned {
			t.release()
		}
	})
}

type errIter struct{ err error }

func (it *errIter) Next() bool    { return false }
func (it *errIter) Key() []byte   { return nil }
func (it *errIter) Value() []byte { return nil }
func (it *errIter) Err() error    { return it.err }
func (it *errIter) Close()        {}

func (db *DB) NewWriteBatch() kvstore.WriteBatch { return &writeBatch{} }

func (db *DB) Seq() uint64 { return db.seq.Load() }

// Dir returns the engine's root directory.
func (db *DB) Dir() string { return db.cfg.Dir }

func (db *DB) SetWaterline(seq uint64) {
	for {
		cur := db.waterline.Load()
		if seq <= cur || db.waterline.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (db *DB) Waterline() uint64 { return db.waterline.Load() }

// Flush seals the active memtable and blocks until every immutable
// memtable has been written to a table.
func (db *DB) Flush() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return kvstore.ErrClosed
	}
	if db.mem.size > 0 {
		if err := db.sealLocked(); err != nil {
			db.mu.Unlock()
			return err
		}
	}
	for len(db.imm) > 0 && !db.closed {
		db.flushDone.Wait()
	}
	db.mu.Unlock()
	return nil
}

func (db *DB) Stats() kvstore.Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var tableBytes int64
	for _, t := range db.tables {
		tableBytes += t.size
	}
	return kvstore.Stats{
		Seq:           db.seq.Load(),
		Waterline:     db.waterline.Load(),
		MemtableBytes: db.mem.size,
		Immutables:    len(db.imm),
		Tables:        len(db.tables),
		TableBytes:    tableBytes,
		WALSegments:   len(db.wal.Segments()),
	}
}

func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	close(db.closing)
	db.flushDone.Broadcast()
	db.mu.Unlock()

	db.bg.Wait()

	db.mu.Lock()
	defer db.mu.Unlock()
	var firstErr error
	if err := db.wal.Close(); err != nil {
		firstErr = err
	}
	if err := db.manifest.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, t := range db.tables {
		t.release()
	}
	db.tables = nil
	return firstErr
}
