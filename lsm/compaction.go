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
	"bytes"
	"os"
	"time"

	"go.uber.org/zap"
)

func (db *DB) flushLoop() error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-db.closing:
			return nil
		case <-db.flushC:
		case <-ticker.C:
		}
		for {
			flushed, err := db.flushOne()
			if err != nil {
				db.lg.Error("memtable flush failed", zap.Error(err))
				select {
				case <-db.closing:
					return nil
				case <-time.After(flushRetryDelay):
				}
				continue
			}
			if !flushed {
				break
			}
		}
	}
}

// flushOne writes the oldest immutable memtable to a sorted table,
// commits it to the manifest, and releases the WAL segments that no live
// memtable depends on.
func (db *DB) flushOne() (bool, error) {
	db.mu.Lock()
	if len(db.imm) == 0 {
		db.mu.Unlock()
		return false, nil
	}
	victim := db.imm[0]
	num := db.manifest.allocFileNum()
	db.mu.Unlock()

	props, err := db.buildTable(num, victim.iter(nil), victim.count())
	if err != nil {
		return false, err
	}
	tt, err := db.openOwnedTable(num)
	if err != nil {
		return false, err
	}

	db.mu.Lock()
	v := db.manifest.current().clone()
	v.tables = append([]uint64{num}, v.tables...)
	if props.MaxSeq > v.flushedSeq {
		v.flushedSeq = props.MaxSeq
	}
	if len(db.imm) > 1 {
		v.walSegment = db.imm[1].walSegment
	} else {
		v.walSegment = db.mem.walSegment
	}
	if err := db.manifest.commit(v); err != nil {
		db.mu.Unlock()
		tt.retire()
		return false, err
	}
	db.tables = append([]*table{tt}, db.tables...)
	db.imm = db.imm[1:]
	nTables := len(db.tables)
	db.flushDone.Broadcast()
	db.mu.Unlock()

	if err := db.wal.DeleteBefore(v.walSegment); err != nil {
		db.lg.Warn("stale wal cleanup failed", zap.Error(err))
	}
	db.lg.Info("flushed memtable",
		zap.Uint64("table", num),
		zap.Uint64("max_seq", props.MaxSeq),
		zap.Uint64("entries", props.NumEntries))

	if nTables > db.cfg.MaxTables {
		select {
		case db.compactC <- struct{}{}:
		default:
		}
	}
	return true, nil
}

// buildTable streams src into a new table file, fsyncs it, and renames it
// into place.
func (db *DB) buildTable(num uint64, src entrySource, expectedKeys int) (*tableProperties, error) {
	path := db.tablePath(num)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriterSize(f, 1<<20)
	tb := newTableBuilder(bw, expectedKeys, db.cfg.BlockBytes, db.cfg.Compression)
	for src.Next() {
		if err := tb.add(src.entry()); err != nil {
			return nil, err
		}
	}
	if err := src.Err(); err != nil {
		return nil, err
	}
	props, err := tb.finish()
	if err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		f = nil
		return nil, err
	}
	f = nil
	if err := os.Rename(tmp, path); err != nil {
		return nil, err
	}
	return props, fsyncDir(db.cfg.Dir)
}

func (db *DB) openOwnedTable(num uint64) (*table, error) {
	t, err := openTable(db.tablePath(num))
	if err != nil {
		return nil, err
	}
	tt := &table{Table: t, fileNum: num}
	tt.acquire()
	return tt, nil
}

func (db *DB) compactLoop() error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-db.closing:
			return nil
		case <-db.compactC:
		case <-ticker.C:
			db.mu.RLock()
			n := len(db.tables)
			db.mu.RUnlock()
			if n <= db.cfg.MaxTables {
				continue
			}
		}
		if err := db.compact(); err != nil {
			db.lg.Error("compaction failed", zap.Error(err))
		}
	}
}

// compact merges every on-disk table into one. Versions above the
// waterline are kept intact; at or below it only the newest version of
// each key survives, and a tombstone in that slot is dropped outright
// since everything it shadowed is dropped with it.
func (db *DB) compact() error {
	db.mu.Lock()
	if len(db.tables) < 2 {
		db.mu.Unlock()
		return nil
	}
	inputs := make([]*table, len(db.tables))
	copy(inputs, db.tables)
	for _, t := range inputs {
		t.acquire()
	}
	num := db.manifest.allocFileNum()
	db.mu.Unlock()
	defer func() {
		for _, t := range inputs {
			t.release()
		}
	}()

	waterline := db.waterline.Load()
	sources := make([]entrySource, 0, len(inputs))
	expected := 0
	for _, t := range inputs {
		sources = append(sources, t.newIter(nil))
		expected += int(t.props.NumEntries)
	}
	src := &retainIter{in: newMergeIter(sources), waterline: waterline}

	props, err := db.buildTable(num, src, expected)
	if err != nil {
		return err
	}
	tt, err := db.openOwnedTable(num)
	if err != nil {
		return err
	}

	db.mu.Lock()
	// Tables flushed while the merge ran sit in front of the inputs; the
	// merged output replaces the input suffix at the oldest position.
	keep := db.tables[:len(db.tables)-len(inputs)]

	v := db.manifest.current().clone()
	v.tables = v.tables[:0]
	for _, t := range keep {
		v.tables = append(v.tables, t.fileNum)
	}
	v.tables = append(v.tables, num)
	if err := db.manifest.commit(v); err != nil {
		db.mu.Unlock()
		tt.retire()
		return err
	}
	db.tables = append(append([]*table{}, keep...), tt)
	db.mu.Unlock()

	for _, t := range inputs {
		t.retire()
	}
	db.lg.Info("compacted tables",
		zap.Int("inputs", len(inputs)),
		zap.Uint64("output", num),
		zap.Uint64("entries", props.NumEntries),
		zap.Uint64("waterline", waterline))
	return nil
}

// retainIter filters a merged stream by the compaction waterline.
type retainIter struct {
	in        *mergeIter
	waterline uint64

	lastKey   []byte
	keptBelow bool
}

func (it *retainIter) Next() bool {
	for it.in.Next() {
		e := it.in.entry()
		if !bytes.Equal(e.key, it.lastKey) {
			it.lastKey = append(it.lastKey[:0], e.key...)
			it.keptBelow = false
		}
		if e.seq > it.waterline {
			return true
		}
		if it.keptBelow {
			continue
		}
		it.keptBelow = true
		if e.kind == KindDelete {
			continue
		}
		return true
	}
	return false
}

func (it *retainIter) entry() *entry { return it.in.entry() }
func (it *retainIter) Err() error    { return it.in.Err() }

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
