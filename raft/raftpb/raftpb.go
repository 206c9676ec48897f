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

// Package raftpb defines the consensus wire types. Marshaling is explicit
// field-by-field binary encoding so the layout is stable across releases.
package raftpb

import (
	"fmt"

	"github.com/metakvdb/metakv/proto"
)

type EntryType uint8

const (
	EntryNormal EntryType = iota
	EntryConfChange
)

type Entry struct {
	Term  uint64
	Index uint64
	Type  EntryType
	Data  []byte
}

func (e *Entry) Marshal() []byte {
	out := proto.AppendUint64(nil, e.Term)
	out = proto.AppendUint64(out, e.Index)
	out = append(out, byte(e.Type))
	out = proto.AppendBytes(out, e.Data)
	return out
}

func (e *Entry) Unmarshal(data []byte) error {
	r := proto.NewReader(data)
	e.Term = r.Uint64()
	e.Index = r.Uint64()
	e.Type = EntryType(r.Uvarint())
	e.Data = r.Bytes()
	return r.Err()
}

func (e *Entry) SizeBytes() int { return 17 + len(e.Data) + 10 }

// HardState is the durable per-node consensus state. It must reach stable
// storage before any message that depends on it leaves the node.
type HardState struct {
	Term   uint64
	Vote   uint64
	Commit uint64
}

func (h *HardState) Marshal() []byte {
	out := proto.AppendUint64(nil, h.Term)
	out = proto.AppendUint64(out, h.Vote)
	return proto.AppendUint64(out, h.Commit)
}

func (h *HardState) Unmarshal(data []byte) error {
	r := proto.NewReader(data)
	h.Term = r.Uint64()
	h.Vote = r.Uint64()
	h.Commit = r.Uint64()
	return r.Err()
}

func IsEmptyHardState(h HardState) bool {
	return h == HardState{}
}

type ConfState struct {
	Voters   []uint64
	Learners []uint64
}

func (c *ConfState) Marshal() []byte {
	out := proto.AppendUvarint(nil, uint64(len(c.Voters)))
	for _, v := range c.Voters {
		out = proto.AppendUint64(out, v)
	}
	out = proto.AppendUvarint(out, uint64(len(c.Learners)))
	for _, v := range c.Learners {
		out = proto.AppendUint64(out, v)
	}
	return out
}

func (c *ConfState) Unmarshal(data []byte) error {
	r := proto.NewReader(data)
	c.Voters = readUint64s(r)
	c.Learners = readUint64s(r)
	return r.Err()
}

func readUint64s(r *proto.Reader) []uint64 {
	n := r.Uvarint()
	if r.Err() != nil || n == 0 {
		return nil
	}
	out := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, r.Uint64())
	}
	return out
}

type SnapshotMetadata struct {
	ConfState ConfState
	Index     uint64
	Term      uint64
}

// Snapshot carries snapshot metadata plus an opaque handle the transport
// resolves to the actual data stream; the state itself never rides inside
// a consensus message.
type Snapshot struct {
	Metadata SnapshotMetadata
	Data     []byte
}

func (s *Snapshot) Marshal() []byte {
	out := proto.AppendBytes(nil, s.Metadata.ConfState.Marshal())
	out = proto.AppendUint64(out, s.Metadata.Index)
	out = proto.AppendUint64(out, s.Metadata.Term)
	out = proto.AppendBytes(out, s.Data)
	return out
}

func (s *Snapshot) Unmarshal(data []byte) error {
	r := proto.NewReader(data)
	cs := r.Bytes()
	s.Metadata.Index = r.Uint64()
	s.Metadata.Term = r.Uint64()
	s.Data = r.Bytes()
	if err := r.Err(); err != nil {
		return err
	}
	return s.Metadata.ConfState.Unmarshal(cs)
}

func IsEmptySnap(s Snapshot) bool { return s.Metadata.Index == 0 }

type MessageType uint8

const (
	MsgHup MessageType = iota
	MsgBeat
	MsgProp
	MsgApp
	MsgAppResp
	MsgVote
	MsgVoteResp
	MsgSnap
	MsgHeartbeat
	MsgHeartbeatResp
	MsgTransferLeader
	MsgTimeoutNow
	MsgReadIndex
	MsgReadIndexResp
	MsgCheckQuorum
	MsgUnreachable
	MsgSnapStatus
)

var msgTypeNames = [...]string{
	"MsgHup", "MsgBeat", "MsgProp", "MsgApp", "MsgAppResp",
	"MsgVote", "MsgVoteResp", "MsgSnap", "MsgHeartbeat", "MsgHeartbeatResp",
	"MsgTransferLeader", "MsgTimeoutNow", "MsgReadIndex", "MsgReadIndexResp",
	"MsgCheckQuorum", "MsgUnreachable", "MsgSnapStatus",
}

func (t MessageType) String() string {
	if int(t) < len(msgTypeNames) {
		return msgTypeNames[t]
	}
	return fmt.Sprintf("MsgUnknown(%d)", uint8(t))
}

// IsLocalMsg reports whether the type only ever originates on the local
// node and must not cross the transport.
func IsLocalMsg(t MessageType) bool {
	return t == MsgHup || t == MsgBeat || t == MsgCheckQuorum ||
		t == MsgUnreachable || t == MsgSnapStatus
}

func IsResponseMsg(t MessageType) bool {
	return t == MsgAppResp || t == MsgVoteResp || t == MsgHeartbeatResp || t == MsgReadIndexResp
}

type Message struct {
	Type       MessageType
	To         uint64
	From       uint64
	Term       uint64
	LogTerm    uint64
	Index      uint64
	Entries    []Entry
	Commit     uint64
	Snapshot   Snapshot
	Reject     bool
	RejectHint uint64
	Context    []byte
}

func (m *Message) Marshal() []byte {
	out := make([]byte, 0, 64)
	out = append(out, byte(m.Type))
	out = proto.AppendUint64(out, m.To)
	out = proto.AppendUint64(out, m.From)
	out = proto.AppendUint64(out, m.Term)
	out = proto.AppendUint64(out, m.LogTerm)
	out = proto.AppendUint64(out, m.Index)
	out = proto.AppendUvarint(out, uint64(len(m.Entries)))
	for i := range m.Entries {
		out = proto.AppendBytes(out, m.Entries[i].Marshal())
	}
	out = proto.AppendUint64(out, m.Commit)
	out = proto.AppendBytes(out, m.Snapshot.Marshal())
	out = proto.AppendBool(out, m.Reject)
	out = proto.AppendUint64(out, m.RejectHint)
	out = proto.AppendBytes(out, m.Context)
	return out
}

func (m *Message) Unmarshal(data []byte) error {
	r := proto.NewReader(data)
	m.Type = MessageType(r.Uvarint())
	m.To = r.Uint64()
	m.From = r.Uint64()
	m.Term = r.Uint64()
	m.LogTerm = r.Uint64()
	m.Index = r.Uint64()
	n := r.Uvarint()
	if r.Err() == nil && n > 0 {
		m.Entries = make([]Entry, n)
		for i := uint64(0); i < n; i++ {
			raw := r.Bytes()
			if r.Err() != nil {
				break
			}
			if err := m.Entries[i].Unmarshal(raw); err != nil {
				return err
			}
		}
	}
	m.Commit = r.Uint64()
	snap := r.Bytes()
	m.Reject = r.Bool()
	m.RejectHint = r.Uint64()
	m.Context = r.Bytes()
	if err := r.Err(); err != nil {
		return err
	}
	return m.Snapshot.Unmarshal(snap)
}

type ConfChangeType uint8

const (
	ConfChangeAddNode ConfChangeType = iota
	ConfChangeRemoveNode
	ConfChangeAddLearnerNode
	ConfChangePromoteLearner
)

// ConfChange alters membership by a single node per entry. The next change
// may only be proposed once this one is applied.
type ConfChange struct {
	ID      uint64
	Type    ConfChangeType
	NodeID  uint64
	Context []byte
}

func (c *ConfChange) Marshal() []byte {
	out := proto.AppendUint64(nil, c.ID)
	out = append(out, byte(c.Type))
	out = proto.AppendUint64(out, c.NodeID)
	return proto.AppendBytes(out, c.Context)
}

func (c *ConfChange) Unmarshal(data []byte) error {
	r := proto.NewReader(data)
	c.ID = r.Uint64()
	c.Type = ConfChangeType(r.Uvarint())
	c.NodeID = r.Uint64()
	c.Context = r.Bytes()
	return r.Err()
}
