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
	"encoding/binary"
	"io"
	"os"

	"github.com/metakvdb/metakv/common/kvstore"
	"github.com/metakvdb/metakv/errors"
	"github.com/metakvdb/metakv/lsm"
	"github.com/metakvdb/metakv/proto"
	"github.com/metakvdb/metakv/raft"
	"github.com/metakvdb/metakv/raft/raftpb"
)

// Proposal payload framing: one op byte, the proposing leader's term,
// then the op body. Write batches travel in the engine's own serialized
// form. The term fences the entry: if it commits under a different term
// the proposal crossed a leadership change, and every replica skips it.
const (
	opBatch     byte = 1
	opWaterline byte = 2
)

func framePayload(op byte, term uint64, body []byte) []byte {
	p := make([]byte, 9, 9+len(body))
	p[0] = op
	binary.LittleEndian.PutUint64(p[1:], term)
	return append(p, body...)
}

const snapshotChunkBytes = 256 << 10

// Apply executes one committed log entry. Entries at or below the
// applied index recorded in the engine are skipped, which makes replay
// after restart idempotent: the marker is written inside the same batch
// as the data it covers.
func (s *Store) Apply(ctx context.Context, payload []byte, index, term uint64) error {
	if index <= s.appliedIndex.Load() {
		return nil
	}
	if len(payload) < 9 {
		return errors.ErrCorruptStorage
	}
	if fence := binary.LittleEndian.Uint64(payload[1:9]); fence != term {
		// Proposed under one leader, committed under another: the raft
		// layer forwards proposals across leadership changes, but the
		// proposer's view (read snapshot, waterline floor) belongs to
		// the old term. Skipping is deterministic on every replica.
		s.appliedIndex.Store(index)
		return raft.ErrApplyRejected
	}
	body := payload[9:]

	err := s.withEngine(func(db *lsm.DB) error {
		switch payload[0] {
		case opBatch:
			b := db.NewWriteBatch()
			defer b.Close()
			if err := b.From(body); err != nil {
				return err
			}
			b.Put(metaKeyApplied, encodeUint64(index))
			_, err := db.Apply(b, false)
			return err
		case opWaterline:
			if len(body) != 8 {
				return errors.ErrCorruptStorage
			}
			w := binary.LittleEndian.Uint64(body)
			b := db.NewWriteBatch()
			defer b.Close()
			b.Put(metaKeyWaterline, encodeUint64(w))
			b.Put(metaKeyApplied, encodeUint64(index))
			if _, err := db.Apply(b, false); err != nil {
				return err
			}
			db.SetWaterline(w)
			return nil
		default:
			return errors.ErrCorruptStorage
		}
	})
	if err != nil {
		return err
	}
	s.appliedIndex.Store(index)
	return nil
}

// ApplyMemberChange persists the membership row so snapshots carry the
// configuration alongside the data.
func (s *Store) ApplyMemberChange(member proto.Member, typ raftpb.ConfChangeType, index uint64) error {
	if index <= s.appliedIndex.Load() {
		return nil
	}
	err := s.withEngine(func(db *lsm.DB) error {
		b := db.NewWriteBatch()
		defer b.Close()
		if typ == raftpb.ConfChangeRemoveNode {
			b.Delete(memberKey(member.NodeID))
		} else {
			b.Put(memberKey(member.NodeID), member.Marshal())
		}
		b.Put(metaKeyApplied, encodeUint64(index))
		_, err := db.Apply(b, false)
		return err
	})
	if err != nil {
		return err
	}
	s.appliedIndex.Store(index)
	return nil
}

// Snapshot opens a chunk source over the full engine state. The applied
// index marker rides along as an ordinary row, so the receiver recovers
// it without extra framing.
func (s *Store) Snapshot(index uint64) (raft.SnapshotSource, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	if s.db == nil {
		return nil, errors.ErrClosed
	}
	return &snapshotSource{
		db:    s.db,
		iter:  s.db.NewSnapshotIter(s.db.Seq()),
		index: s.appliedIndex.Load(),
	}, nil
}

type snapshotSource struct {
	db    *lsm.DB
	iter  kvstore.Iterator
	index uint64
	done  bool
}

func (ss *snapshotSource) Index() uint64 { return ss.index }
func (ss *snapshotSource) Close()        { ss.iter.Close() }

func (ss *snapshotSource) ReadBatch() ([]byte, error) {
	if ss.done {
		return nil, io.EOF
	}
	b := ss.db.NewWriteBatch()
	defer b.Close()
	for ss.iter.Next() {
		b.Put(ss.iter.Key(), ss.iter.Value())
		if b.SizeBytes() >= snapshotChunkBytes {
			return append([]byte(nil), b.Data()...), nil
		}
	}
	if err := ss.iter.Err(); err != nil {
		return nil, err
	}
	ss.done = true
	if b.Len() == 0 {
		return nil, io.EOF
	}
	return append([]byte(nil), b.Data()...), nil
}

// InstallSnapshot replaces the engine wholesale with the incoming
// stream. The old data directory is discarded; the stream is applied as
// ordinary batches so the fresh engine's WAL makes the install durable.
func (s *Store) InstallSnapshot(ctx context.Context, snap *raft.IncomingSnapshot) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	if s.db == nil {
		return errors.ErrClosed
	}

	dir := s.db.Dir()
	if err := s.db.Close(); err != nil {
		s.db = nil
		return err
	}
	s.db = nil
	if err := os.RemoveAll(dir); err != nil {
		return err
	}

	engCfg := s.cfg.Engine
	engCfg.Dir = dir
	engCfg.Logger = s.cfg.Logger
	db, err := lsm.Open(engCfg)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			db.Close()
			return err
		}
		chunk, err := snap.ReadBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			db.Close()
			return err
		}
		b := db.NewWriteBatch()
		if err := b.From(chunk); err != nil {
			b.Close()
			db.Close()
			return err
		}
		if _, err := db.Apply(b, false); err != nil {
			b.Close()
			db.Close()
			return err
		}
		b.Close()
	}
	if err := db.Flush(); err != nil {
		db.Close()
		return err
	}

	applied, waterline := readBookkeeping(db)
	if meta := snap.Snap.Metadata.Index; meta > applied {
		applied = meta
	}
	db.SetWaterline(waterline)
	s.db = db
	s.appliedIndex.Store(applied)
	s.lg.Infof("installed snapshot from node %d at index %d", snap.From, applied)
	return nil
}

// LeaderChange aborts every open transaction when leadership moves:
// their read indexes belong to the old term.
func (s *Store) LeaderChange(leader uint64) {
	prev := s.leaderID.Swap(leader)
	if prev == s.cfg.NodeID && leader != s.cfg.NodeID && s.tm != nil {
		s.tm.purge()
	}
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
