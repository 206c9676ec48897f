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

	"google.golang.org/grpc"

	"github.com/metakvdb/metakv/proto"
	"github.com/metakvdb/metakv/raft/raftpb"
)

// MessageBatch groups consensus messages for one stream send.
type MessageBatch struct {
	Messages []raftpb.Message
}

func (b *MessageBatch) Marshal() []byte {
	out := proto.AppendUvarint(nil, uint64(len(b.Messages)))
	for i := range b.Messages {
		out = proto.AppendBytes(out, b.Messages[i].Marshal())
	}
	return out
}

func (b *MessageBatch) Unmarshal(data []byte) error {
	r := proto.NewReader(data)
	n := r.Uvarint()
	if err := r.Err(); err != nil {
		return err
	}
	b.Messages = make([]raftpb.Message, 0, n)
	for i := uint64(0); i < n; i++ {
		raw := r.Bytes()
		if err := r.Err(); err != nil {
			return err
		}
		var m raftpb.Message
		if err := m.Unmarshal(raw); err != nil {
			return err
		}
		b.Messages = append(b.Messages, m)
	}
	return nil
}

type MessageAck struct{}

func (*MessageAck) Marshal() []byte          { return nil }
func (*MessageAck) Unmarshal([]byte) error   { return nil }

// SnapshotFrame is one unit of a snapshot stream. The first frame carries
// the header (id, from, and the snapshot message); the rest carry data
// chunks in sequence order.
type SnapshotFrame struct {
	ID    string
	From  uint64
	Term  uint64
	Snap  raftpb.Snapshot
	Seq   uint32
	Final bool
	Data  []byte
}

func (f *SnapshotFrame) Marshal() []byte {
	out := proto.AppendString(nil, f.ID)
	out = proto.AppendUint64(out, f.From)
	out = proto.AppendUint64(out, f.Term)
	out = proto.AppendBytes(out, f.Snap.Marshal())
	out = proto.AppendUint32(out, f.Seq)
	out = proto.AppendBool(out, f.Final)
	out = proto.AppendBytes(out, f.Data)
	return out
}

func (f *SnapshotFrame) Unmarshal(data []byte) error {
	r := proto.NewReader(data)
	f.ID = r.String()
	f.From = r.Uint64()
	f.Term = r.Uint64()
	snap := r.Bytes()
	f.Seq = r.Uint32()
	f.Final = r.Bool()
	f.Data = r.Bytes()
	if err := r.Err(); err != nil {
		return err
	}
	return f.Snap.Unmarshal(snap)
}

type SnapshotAck struct{}

func (*SnapshotAck) Marshal() []byte        { return nil }
func (*SnapshotAck) Unmarshal([]byte) error { return nil }

// RaftServiceServer is the transport's server surface.
type RaftServiceServer interface {
	Messages(MessagesStream) error
	Snapshot(SnapshotStream) error
}

type MessagesStream interface {
	SendAndClose(*MessageAck) error
	Recv() (*MessageBatch, error)
}

type SnapshotStream interface {
	SendAndClose(*SnapshotAck) error
	Recv() (*SnapshotFrame, error)
}

type messagesStream struct{ grpc.ServerStream }

func (s *messagesStream) SendAndClose(a *MessageAck) error { return s.ServerStream.SendMsg(a) }

func (s *messagesStream) Recv() (*MessageBatch, error) {
	b := new(MessageBatch)
	if err := s.ServerStream.RecvMsg(b); err != nil {
		return nil, err
	}
	return b, nil
}

type snapshotStream struct{ grpc.ServerStream }

func (s *snapshotStream) SendAndClose(a *SnapshotAck) error { return s.ServerStream.SendMsg(a) }

func (s *snapshotStream) Recv() (*SnapshotFrame, error) {
	f := new(SnapshotFrame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func messagesHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RaftServiceServer).Messages(&messagesStream{stream})
}

func snapshotHandler(srv any, stream grpc.ServerStream) error {
	return srv.(RaftServiceServer).Snapshot(&snapshotStream{stream})
}

// RaftServiceDesc is the hand-written grpc service descriptor; the wire
// methods match what a generated stub would produce.
var RaftServiceDesc = grpc.ServiceDesc{
	ServiceName: "metakv.raft.Raft",
	HandlerType: (*RaftServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "Messages", Handler: messagesHandler, ClientStreams: true},
		{StreamName: "Snapshot", Handler: snapshotHandler, ClientStreams: true},
	},
	Metadata: "raft.proto",
}

// Client stubs.

type raftClient struct{ cc *grpc.ClientConn }

func newRaftClient(cc *grpc.ClientConn) *raftClient { return &raftClient{cc} }

func (c *raftClient) Messages(ctx context.Context) (*messagesClientStream, error) {
	s, err := c.cc.NewStream(ctx, &RaftServiceDesc.Streams[0], "/metakv.raft.Raft/Messages")
	if err != nil {
		return nil, err
	}
	return &messagesClientStream{s}, nil
}

func (c *raftClient) Snapshot(ctx context.Context) (*snapshotClientStream, error) {
	s, err := c.cc.NewStream(ctx, &RaftServiceDesc.Streams[1], "/metakv.raft.Raft/Snapshot")
	if err != nil {
		return nil, err
	}
	return &snapshotClientStream{s}, nil
}

type messagesClientStream struct{ grpc.ClientStream }

func (s *messagesClientStream) Send(b *MessageBatch) error { return s.ClientStream.SendMsg(b) }

func (s *messagesClientStream) CloseAndRecv() (*MessageAck, error) {
	if err := s.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	a := new(MessageAck)
	if err := s.ClientStream.RecvMsg(a); err != nil {
		return nil, err
	}
	return a, nil
}

type snapshotClientStream struct{ grpc.ClientStream }

func (s *snapshotClientStream) Send(f *SnapshotFrame) error { return s.ClientStream.SendMsg(f) }

func (s *snapshotClientStream) CloseAndRecv() (*SnapshotAck, error) {
	if err := s.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	a := new(SnapshotAck)
	if err := s.ClientStream.RecvMsg(a); err != nil {
		return nil, err
	}
	return a, nil
}
