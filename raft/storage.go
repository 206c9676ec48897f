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

package raft

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/metakvdb/metakv/common/recordlog"
	"github.com/metakvdb/metakv/raft/raftpb"
)

// Durable log record types. Replay is last-write-wins: a re-appended
// entry at an existing index truncates the stale suffix, matching the
// state machine's own truncation rule.
const (
	recEntry byte = iota + 1
	recHardState
	recSnapshot
	// recCompact records the log base (index and term of the dummy entry)
	// after compaction. It follows the snapshot record in a rewritten
	// segment so replay keeps the retention tail behind the snapshot.
	recCompact
)

// DiskStorage implements Storage on top of a segmented record log. The
// in-memory copy serves reads; every mutation is framed into the log
// before it is acknowledged.
type DiskStorage struct {
	*MemoryStorage

	lg  *zap.Logger
	wal *recordlog.Log
}

func OpenDiskStorage(dir string, lg *zap.Logger) (*DiskStorage, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	wal, err := recordlog.Open(dir)
	if err != nil {
		return nil, err
	}
	s := &DiskStorage{MemoryStorage: NewMemoryStorage(), lg: lg, wal: wal}
	if err := s.replay(); err != nil {
		wal.Close()
		return nil, err
	}
	return s, nil
}

func (s *DiskStorage) replay() error {
	var nEntries, nStates, nSnaps int
	err := s.wal.ReadAll(func(_ uint64, payload []byte) error {
		if len(payload) == 0 {
			return recordlog.ErrCorrupt
		}
		switch payload[0] {
		case recEntry:
			var e raftpb.Entry
			if err := e.Unmarshal(payload[1:]); err != nil {
				return err
			}
			nEntries++
			return s.MemoryStorage.Append([]raftpb.Entry{e})
		case recHardState:
			var hs raftpb.HardState
			if err := hs.Unmarshal(payload[1:]); err != nil {
				return err
			}
			nStates++
			return s.MemoryStorage.SetHardState(hs)
		case recSnapshot:
			var snap raftpb.Snapshot
			if err := snap.Unmarshal(payload[1:]); err != nil {
				return err
			}
			nSnaps++
			if err := s.MemoryStorage.ApplySnapshot(snap); err != nil && err != ErrSnapOutOfDate {
				return err
			}
			return nil
		case recCompact:
			if len(payload) != 17 {
				return recordlog.ErrCorrupt
			}
			index := binary.LittleEndian.Uint64(payload[1:9])
			term := binary.LittleEndian.Uint64(payload[9:17])
			s.MemoryStorage.resetLogBase(index, term)
			return nil
		default:
			return fmt.Errorf("raft: unknown wal record type %d", payload[0])
		}
	})
	if err != nil {
		return err
	}
	last, _ := s.MemoryStorage.LastIndex()
	s.lg.Info("replayed raft wal",
		zap.Int("entries", nEntries),
		zap.Int("hard_states", nStates),
		zap.Int("snapshots", nSnaps),
		zap.Uint64("last_index", last))
	return nil
}

func (s *DiskStorage) appendRecord(typ byte, payload []byte) error {
	rec := make([]byte, 0, 1+len(payload))
	rec = append(rec, typ)
	rec = append(rec, payload...)
	return s.wal.Append(rec)
}

// Save persists entries and hard state. It must complete, with sync,
// before any message referencing them reaches the network.
func (s *DiskStorage) Save(hs raftpb.HardState, ents []raftpb.Entry, sync bool) error {
	for i := range ents {
		if err := s.appendRecord(recEntry, ents[i].Marshal()); err != nil {
			return err
		}
	}
	if !raftpb.IsEmptyHardState(hs) {
		if err := s.appendRecord(recHardState, hs.Marshal()); err != nil {
			return err
		}
	}
	if sync {
		if err := s.wal.Sync(); err != nil {
			return err
		}
	}
	if len(ents) > 0 {
		if err := s.MemoryStorage.Append(ents); err != nil {
			return err
		}
	}
	if !raftpb.IsEmptyHardState(hs) {
		return s.MemoryStorage.SetHardState(hs)
	}
	return nil
}

// SaveSnapshot installs a snapshot received from the leader: the log is
// reset to the snapshot point and older wal segments are dropped.
func (s *DiskStorage) SaveSnapshot(snap raftpb.Snapshot) error {
	if err := s.MemoryStorage.ApplySnapshot(snap); err != nil {
		return err
	}
	return s.rewrite(snap)
}

// MarkCompacted records a locally created snapshot and compacts the log,
// keeping keepEntries trailing entries for slow followers.
func (s *DiskStorage) MarkCompacted(snap raftpb.Snapshot, keepEntries uint64) error {
	compactTo := snap.Metadata.Index
	if compactTo > keepEntries {
		compactTo -= keepEntries
	} else {
		compactTo = 0
	}
	if first, _ := s.MemoryStorage.FirstIndex(); compactTo >= first {
		if err := s.MemoryStorage.Compact(compactTo); err != nil && err != ErrCompacted {
			return err
		}
	}
	return s.rewrite(snap)
}

// rewrite starts a fresh wal segment that is self-contained: snapshot
// marker, surviving entries, and the current hard state. Older segments
// are deleted afterwards.
func (s *DiskStorage) rewrite(snap raftpb.Snapshot) error {
	seg, err := s.wal.Rotate()
	if err != nil {
		return err
	}
	if err := s.appendRecord(recSnapshot, snap.Marshal()); err != nil {
		return err
	}
	first, _ := s.MemoryStorage.FirstIndex()
	last, _ := s.MemoryStorage.LastIndex()
	// The log base may sit behind the snapshot index when a retention
	// tail is kept for slow followers; record it so replay does not
	// collapse the base to the snapshot.
	baseTerm, err := s.MemoryStorage.Term(first - 1)
	if err != nil {
		return err
	}
	base := make([]byte, 16)
	binary.LittleEndian.PutUint64(base[:8], first-1)
	binary.LittleEndian.PutUint64(base[8:], baseTerm)
	if err := s.appendRecord(recCompact, base); err != nil {
		return err
	}
	if last >= first {
		ents, err := s.MemoryStorage.Entries(first, last+1)
		if err != nil {
			return err
		}
		for i := range ents {
			if err := s.appendRecord(recEntry, ents[i].Marshal()); err != nil {
				return err
			}
		}
	}
	hs, _, err := s.MemoryStorage.InitialState()
	if err != nil {
		return err
	}
	if !raftpb.IsEmptyHardState(hs) {
		if err := s.appendRecord(recHardState, hs.Marshal()); err != nil {
			return err
		}
	}
	if err := s.wal.Sync(); err != nil {
		return err
	}
	if err := s.wal.DeleteBefore(seg); err != nil {
		s.lg.Warn("stale raft wal cleanup failed", zap.Error(err))
	}
	return nil
}

func (s *DiskStorage) Close() error { return s.wal.Close() }
