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

package kvstore

import "errors"

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("store closed")
)

type (
	// Store is a sequence-numbered (MVCC) ordered key-value store. Writes
	// are batched: every applied batch consumes exactly one sequence
	// number and becomes visible atomically. Reads are bounded by a
	// sequence number; Seq() is the newest visible one.
	Store interface {
		// Get returns the value visible at seq, or ErrNotFound if the key
		// does not exist or is deleted at that sequence.
		Get(key []byte, seq uint64) ([]byte, error)
		// NewRangeIter iterates keys in [start, end) as visible at seq.
		// A nil end means "to the last key".
		NewRangeIter(start, end []byte, seq uint64) Iterator
		NewWriteBatch() WriteBatch
		// Apply assigns the batch one sequence number and applies it
		// atomically, returning the assigned sequence.
		Apply(b WriteBatch, sync bool) (seq uint64, err error)
		Seq() uint64

		// SetWaterline lowers the compaction floor: entries below it may
		// be physically removed by compaction. Never decreases.
		SetWaterline(seq uint64)
		Waterline() uint64

		// NewSnapshotIter iterates every live (key, value) pair visible
		// at seq, for streaming a full snapshot.
		NewSnapshotIter(seq uint64) Iterator

		// ModifiedSince reports whether any key in [start, end) carries
		// an entry newer than since, returning the first such key.
		ModifiedSince(start, end []byte, since uint64) (bool, []byte, error)

		Flush() error
		Stats() Stats
		Close() error
	}

	Iterator interface {
		Next() bool
		Key() []byte
		Value() []byte
		Err() error
		Close()
	}

	// WriteBatch collects Put/Delete operations. Data/From expose the
	// serialized form so a batch can travel as a raft proposal or a
	// snapshot chunk.
	WriteBatch interface {
		Put(key, value []byte)
		Delete(key []byte)
		Len() int
		SizeBytes() int
		Data() []byte
		From(data []byte) error
		Close()
	}

	Stats struct {
		Seq           uint64 `json:"seq"`
		Waterline     uint64 `json:"waterline"`
		MemtableBytes int64  `json:"memtable_bytes"`
		Immutables    int    `json:"immutables"`
		Tables        int    `json:"tables"`
		TableBytes    int64  `json:"table_bytes"`
		WALSegments   int    `json:"wal_segments"`
	}
)
