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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metakvdb/metakv/raft/raftpb"
)

func TestDiskStorageSaveAndReplay(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDiskStorage(dir, nil)
	require.NoError(t, err)

	ents := []raftpb.Entry{
		{Term: 1, Index: 1, Data: []byte("one")},
		{Term: 1, Index: 2, Data: []byte("two")},
		{Term: 2, Index: 3, Data: []byte("three")},
	}
	hs := raftpb.HardState{Term: 2, Vote: 1, Commit: 3}
	require.NoError(t, s.Save(hs, ents, true))
	require.NoError(t, s.Close())

	s2, err := OpenDiskStorage(dir, nil)
	require.NoError(t, err)
	defer s2.Close()

	gotHS, _, err := s2.InitialState()
	require.NoError(t, err)
	require.Equal(t, hs, gotHS)

	last, err := s2.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	got, err := s2.Entries(1, 4)
	require.NoError(t, err)
	require.Equal(t, ents, got)
}

func TestDiskStorageReplayTruncatesOverwrittenSuffix(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDiskStorage(dir, nil)
	require.NoError(t, err)

	require.NoError(t, s.Save(raftpb.HardState{Term: 1, Vote: 2, Commit: 1}, []raftpb.Entry{
		{Term: 1, Index: 1, Data: []byte("keep")},
		{Term: 1, Index: 2, Data: []byte("stale")},
		{Term: 1, Index: 3, Data: []byte("stale")},
	}, true))
	// A new leader overwrites the uncommitted suffix.
	require.NoError(t, s.Save(raftpb.HardState{Term: 2, Vote: 3, Commit: 2}, []raftpb.Entry{
		{Term: 2, Index: 2, Data: []byte("fresh")},
	}, true))
	require.NoError(t, s.Close())

	s2, err := OpenDiskStorage(dir, nil)
	require.NoError(t, err)
	defer s2.Close()

	last, err := s2.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
	ents, err := s2.Entries(1, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("keep"), ents[0].Data)
	require.Equal(t, []byte("fresh"), ents[1].Data)
	require.Equal(t, uint64(2), ents[1].Term)
}

func TestDiskStorageSnapshotCompaction(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDiskStorage(dir, nil)
	require.NoError(t, err)

	var ents []raftpb.Entry
	for i := uint64(1); i <= 10; i++ {
		ents = append(ents, raftpb.Entry{Term: 1, Index: i})
	}
	require.NoError(t, s.Save(raftpb.HardState{Term: 1, Vote: 1, Commit: 10}, ents, true))

	cs := raftpb.ConfState{Voters: []uint64{1, 2, 3}}
	snap, err := s.CreateSnapshot(8, &cs, []byte("handle"))
	require.NoError(t, err)
	require.NoError(t, s.MarkCompacted(snap, 2))

	first, err := s.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(7), first)
	require.NoError(t, s.Close())

	s2, err := OpenDiskStorage(dir, nil)
	require.NoError(t, err)
	defer s2.Close()

	gotSnap, err := s2.Snapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(8), gotSnap.Metadata.Index)
	require.Equal(t, cs.Voters, gotSnap.Metadata.ConfState.Voters)
	require.Equal(t, []byte("handle"), gotSnap.Data)

	first, err = s2.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(7), first)
	last, err := s2.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(10), last)

	// The retention tail behind the snapshot index is readable, so slow
	// followers can still be caught up by append after a restart.
	tail, err := s2.Entries(7, 11)
	require.NoError(t, err)
	require.Len(t, tail, 4)
	require.Equal(t, uint64(7), tail[0].Index)
	term, err := s2.Term(6)
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)
}

func TestDiskStorageInstalledSnapshotResetsLog(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDiskStorage(dir, nil)
	require.NoError(t, err)

	require.NoError(t, s.Save(raftpb.HardState{Term: 1, Vote: 1, Commit: 3}, []raftpb.Entry{
		{Term: 1, Index: 1}, {Term: 1, Index: 2}, {Term: 1, Index: 3},
	}, true))

	snap := raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{
			ConfState: raftpb.ConfState{Voters: []uint64{1, 2}},
			Index:     20,
			Term:      4,
		},
		Data: []byte("incoming"),
	}
	require.NoError(t, s.SaveSnapshot(snap))
	require.NoError(t, s.Save(raftpb.HardState{Term: 4, Vote: 0, Commit: 20}, nil, true))
	require.NoError(t, s.Close())

	s2, err := OpenDiskStorage(dir, nil)
	require.NoError(t, err)
	defer s2.Close()

	first, err := s2.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(21), first)
	last, err := s2.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(20), last)
	term, err := s2.Term(20)
	require.NoError(t, err)
	require.Equal(t, uint64(4), term)
}

func TestMemoryStorageCompactBounds(t *testing.T) {
	ms := NewMemoryStorage()
	require.NoError(t, ms.Append([]raftpb.Entry{
		{Term: 1, Index: 1}, {Term: 1, Index: 2}, {Term: 1, Index: 3},
	}))
	require.NoError(t, ms.Compact(2))

	_, err := ms.Entries(2, 3)
	require.ErrorIs(t, err, ErrCompacted)
	ents, err := ms.Entries(3, 4)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	require.ErrorIs(t, ms.Compact(1), ErrCompacted)
}
