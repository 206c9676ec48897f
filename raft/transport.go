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
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/metakvdb/metakv/proto"
	"github.com/metakvdb/metakv/raft/raftpb"
)

const (
	defaultSendQueueLen  = 4096
	defaultSendBatchMax  = 64
	transportDialTimeout = 5 * time.Second
	transportRedialWait  = 500 * time.Millisecond
)

// AddressResolver maps node ids to dialable addresses. Membership lives
// above the transport.
type AddressResolver interface {
	NodeAddr(ctx context.Context, nodeID uint64) (string, error)
}

// MessageSink receives inbound transport traffic.
type MessageSink interface {
	HandleMessage(ctx context.Context, m raftpb.Message) error
	HandleSnapshot(ctx context.Context, snap *IncomingSnapshot) error
	ReportUnreachable(id uint64)
}

type TransportConfig struct {
	NodeID   uint64
	Resolver AddressResolver
	Sink     MessageSink
	Logger   *zap.Logger
}

// Transport sends consensus messages over per-peer grpc streams. Each
// peer has one sending goroutine draining a bounded queue; overflow drops
// the message and lets the state machine retry.
type Transport struct {
	cfg TransportConfig
	lg  *zap.Logger

	mu     sync.Mutex
	queues map[uint64]*peerQueue
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewTransport(cfg TransportConfig) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Transport{
		cfg:    cfg,
		lg:     cfg.Logger,
		queues: make(map[uint64]*peerQueue),
		done:   make(chan struct{}),
	}
}

// Register attaches the transport's service to a grpc server.
func (t *Transport) Register(s *grpc.Server) {
	s.RegisterService(&RaftServiceDesc, t)
}

// Send enqueues outbound messages. It never blocks.
func (t *Transport) Send(msgs []raftpb.Message) {
	for i := range msgs {
		m := msgs[i]
		if m.To == t.cfg.NodeID || m.To == None {
			continue
		}
		q := t.queue(m.To)
		if q == nil {
			continue
		}
		select {
		case q.ch <- m:
		default:
			t.lg.Warn("raft send queue full, dropping message",
				zap.Uint64("to", m.To), zap.Stringer("type", m.Type))
			t.cfg.Sink.ReportUnreachable(m.To)
		}
	}
}

func (t *Transport) queue(to uint64) *peerQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	q, ok := t.queues[to]
	if !ok {
		q = &peerQueue{
			to: to,
			ch: make(chan raftpb.Message, defaultSendQueueLen),
		}
		t.queues[to] = q
		t.wg.Add(1)
		go t.runQueue(q)
	}
	return q
}

type peerQueue struct {
	to uint64
	ch chan raftpb.Message
}

func (t *Transport) runQueue(q *peerQueue) {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		default:
		}
		if err := t.drainQueue(q); err != nil {
			t.lg.Debug("raft stream to peer failed",
				zap.Uint64("to", q.to), zap.Error(err))
			t.cfg.Sink.ReportUnreachable(q.to)
			select {
			case <-t.done:
				return
			case <-time.After(transportRedialWait):
			}
		}
	}
}

func (t *Transport) drainQueue(q *peerQueue) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := t.dial(ctx, q.to)
	if err != nil {
		return err
	}
	defer conn.Close()

	stream, err := newRaftClient(conn).Messages(ctx)
	if err != nil {
		return err
	}
	for {
		var batch MessageBatch
		select {
		case <-t.done:
			stream.CloseAndRecv()
			return nil
		case m := <-q.ch:
			batch.Messages = append(batch.Messages, m)
		}
		for len(batch.Messages) < defaultSendBatchMax {
			select {
			case m := <-q.ch:
				batch.Messages = append(batch.Messages, m)
				continue
			default:
			}
			break
		}
		if err := stream.Send(&batch); err != nil {
			return err
		}
	}
}

func (t *Transport) dial(ctx context.Context, to uint64) (*grpc.ClientConn, error) {
	addr, err := t.cfg.Resolver.NodeAddr(ctx, to)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, transportDialTimeout)
	defer cancel()
	return grpc.DialContext(dctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		proto.CallOption(),
	)
}

// Messages implements the inbound side of the message stream.
func (t *Transport) Messages(stream MessagesStream) error {
	ctx := context.Background()
	for {
		batch, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&MessageAck{})
		}
		if err != nil {
			return err
		}
		for i := range batch.Messages {
			if err := t.cfg.Sink.HandleMessage(ctx, batch.Messages[i]); err != nil {
				t.lg.Debug("inbound raft message rejected", zap.Error(err))
			}
		}
	}
}

// Snapshot implements the inbound side of a snapshot stream: the first
// frame is the header, the rest are data chunks consumed by the sink.
func (t *Transport) Snapshot(stream SnapshotStream) error {
	header, err := stream.Recv()
	if err != nil {
		return err
	}
	in := &IncomingSnapshot{
		ID:     header.ID,
		From:   header.From,
		Term:   header.Term,
		Snap:   header.Snap,
		stream: stream,
	}
	if err := t.cfg.Sink.HandleSnapshot(context.Background(), in); err != nil {
		return err
	}
	return stream.SendAndClose(&SnapshotAck{})
}

func (t *Transport) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	close(t.done)
	t.wg.Wait()
}
