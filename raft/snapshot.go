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
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/metakvdb/metakv/raft/raftpb"
)

const (
	// Outstanding outgoing snapshots per node; a follower that never
	// finishes its stream cannot pin more than this.
	maxOutgoingSnapshots = 3
	snapshotExpiry       = 10 * time.Minute
)

var (
	ErrSnapshotBusy     = errors.New("raft: too many outgoing snapshots")
	ErrSnapshotNotFound = errors.New("raft: outgoing snapshot not found")
	errSnapshotGap      = errors.New("raft: snapshot chunk sequence gap")
)

// SnapshotSource streams serialized state machine chunks at a fixed
// applied index.
type SnapshotSource interface {
	// ReadBatch returns the next chunk, io.EOF after the last one.
	ReadBatch() ([]byte, error)
	Index() uint64
	Close()
}

// OutgoingSnapshot pairs the consensus snapshot message with the data
// source backing its opaque handle.
type OutgoingSnapshot struct {
	ID     string
	Term   uint64
	Snap   raftpb.Snapshot
	Source SnapshotSource

	created time.Time
}

// NewSnapshotID mints the opaque handle carried in Snapshot.Data.
func NewSnapshotID() string { return uuid.New().String() }

// snapshotRecorder tracks outgoing snapshots so the transport can resolve
// a handle when the follower's stream is ready, and drops sources whose
// follower never showed up.
type snapshotRecorder struct {
	mu    sync.Mutex
	snaps map[string]*OutgoingSnapshot
}

func newSnapshotRecorder() *snapshotRecorder {
	return &snapshotRecorder{snaps: make(map[string]*OutgoingSnapshot)}
}

func (r *snapshotRecorder) Set(s *OutgoingSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, old := range r.snaps {
		if time.Since(old.created) > snapshotExpiry {
			old.Source.Close()
			delete(r.snaps, id)
		}
	}
	if len(r.snaps) >= maxOutgoingSnapshots {
		return ErrSnapshotBusy
	}
	s.created = time.Now()
	r.snaps[s.ID] = s
	return nil
}

func (r *snapshotRecorder) Pop(id string) (*OutgoingSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snaps[id]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	delete(r.snaps, id)
	return s, nil
}

func (r *snapshotRecorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.snaps {
		s.Source.Close()
		delete(r.snaps, id)
	}
}

// SendSnapshot streams an outgoing snapshot to its target, throttled by
// limiter (bytes per second), and waits for the receiver's ack.
func (t *Transport) SendSnapshot(ctx context.Context, to uint64, out *OutgoingSnapshot, limiter *rate.Limiter) error {
	conn, err := t.dial(ctx, to)
	if err != nil {
		return err
	}
	defer conn.Close()

	stream, err := newRaftClient(conn).Snapshot(ctx)
	if err != nil {
		return err
	}
	header := &SnapshotFrame{ID: out.ID, From: t.cfg.NodeID, Term: out.Term, Snap: out.Snap}
	if err := stream.Send(header); err != nil {
		return err
	}

	seq := uint32(0)
	for {
		data, err := out.Source.ReadBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if limiter != nil {
			if err := limiter.WaitN(ctx, len(data)); err != nil {
				return err
			}
		}
		seq++
		if err := stream.Send(&SnapshotFrame{ID: out.ID, Seq: seq, Data: data}); err != nil {
			return err
		}
	}
	seq++
	if err := stream.Send(&SnapshotFrame{ID: out.ID, Seq: seq, Final: true}); err != nil {
		return err
	}
	_, err = stream.CloseAndRecv()
	return err
}

// IncomingSnapshot is the receiver's view of one snapshot stream.
type IncomingSnapshot struct {
	ID   string
	From uint64
	Term uint64
	Snap raftpb.Snapshot

	stream  SnapshotStream
	nextSeq uint32
}

// ReadBatch returns the next data chunk, io.EOF after the final frame.
func (in *IncomingSnapshot) ReadBatch() ([]byte, error) {
	frame, err := in.stream.Recv()
	if err != nil {
		return nil, err
	}
	in.nextSeq++
	if frame.Seq != in.nextSeq {
		return nil, fmt.Errorf("%w: got %d, want %d", errSnapshotGap, frame.Seq, in.nextSeq)
	}
	if frame.Final {
		return nil, io.EOF
	}
	return frame.Data, nil
}
