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

package proto

// KV service wire messages. Hand-marshaled with the same length-prefixed
// helpers the consensus transport uses; every message satisfies the
// codec's Marshaler/Unmarshaler pair.

// RPCError carries the service error taxonomy across the wire. A nil
// RPCError on a response means success.
type RPCError struct {
	Code        uint32
	Msg         string
	Leader      uint64
	LeaderAddr  string
	ConflictKey []byte
}

func (e *RPCError) Marshal() []byte {
	b := AppendUint32(nil, e.Code)
	b = AppendString(b, e.Msg)
	b = AppendUvarint(b, e.Leader)
	b = AppendString(b, e.LeaderAddr)
	b = AppendBytes(b, e.ConflictKey)
	return b
}

func (e *RPCError) Unmarshal(data []byte) error {
	r := NewReader(data)
	e.Code = r.Uint32()
	e.Msg = r.String()
	e.Leader = r.Uvarint()
	e.LeaderAddr = r.String()
	e.ConflictKey = r.Bytes()
	return r.Err()
}

func appendRPCError(b []byte, e *RPCError) []byte {
	if e == nil {
		return AppendBool(b, false)
	}
	b = AppendBool(b, true)
	return AppendBytes(b, e.Marshal())
}

func readRPCError(r *Reader) *RPCError {
	if !r.Bool() {
		return nil
	}
	raw := r.Bytes()
	if r.Err() != nil {
		return nil
	}
	e := new(RPCError)
	if err := e.Unmarshal(raw); err != nil {
		return nil
	}
	return e
}

type GetRequest struct {
	Key []byte
	// SnapshotToken reads against a pinned point-in-time view instead of
	// the current state.
	SnapshotToken string
}

func (m *GetRequest) Marshal() []byte {
	b := AppendBytes(nil, m.Key)
	return AppendString(b, m.SnapshotToken)
}

func (m *GetRequest) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Key = r.Bytes()
	m.SnapshotToken = r.String()
	return r.Err()
}

type GetResponse struct {
	Err   *RPCError
	Value []byte
}

func (m *GetResponse) Marshal() []byte {
	b := appendRPCError(nil, m.Err)
	return AppendBytes(b, m.Value)
}

func (m *GetResponse) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Err = readRPCError(r)
	m.Value = r.Bytes()
	return r.Err()
}

type RangeRequest struct {
	Start []byte
	End   []byte
	// Limit caps the number of streamed pairs; zero means unlimited.
	Limit         uint32
	SnapshotToken string
}

func (m *RangeRequest) Marshal() []byte {
	b := AppendBytes(nil, m.Start)
	b = AppendBytes(b, m.End)
	b = AppendUint32(b, m.Limit)
	return AppendString(b, m.SnapshotToken)
}

func (m *RangeRequest) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Start = r.Bytes()
	m.End = r.Bytes()
	m.Limit = r.Uint32()
	m.SnapshotToken = r.String()
	return r.Err()
}

// RangeItem is one streamed pair of a GetRange response. A frame with a
// non-nil Err terminates the stream.
type RangeItem struct {
	Err   *RPCError
	Key   []byte
	Value []byte
}

func (m *RangeItem) Marshal() []byte {
	b := appendRPCError(nil, m.Err)
	b = AppendBytes(b, m.Key)
	return AppendBytes(b, m.Value)
}

func (m *RangeItem) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Err = readRPCError(r)
	m.Key = r.Bytes()
	m.Value = r.Bytes()
	return r.Err()
}

type PutRequest struct {
	Key   []byte
	Value []byte
}

func (m *PutRequest) Marshal() []byte {
	b := AppendBytes(nil, m.Key)
	return AppendBytes(b, m.Value)
}

func (m *PutRequest) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Key = r.Bytes()
	m.Value = r.Bytes()
	return r.Err()
}

type PutResponse struct {
	Err *RPCError
}

func (m *PutResponse) Marshal() []byte { return appendRPCError(nil, m.Err) }

func (m *PutResponse) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Err = readRPCError(r)
	return r.Err()
}

type DeleteRequest struct {
	Key []byte
}

func (m *DeleteRequest) Marshal() []byte { return AppendBytes(nil, m.Key) }

func (m *DeleteRequest) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Key = r.Bytes()
	return r.Err()
}

type DeleteResponse struct {
	Err *RPCError
}

func (m *DeleteResponse) Marshal() []byte { return appendRPCError(nil, m.Err) }

func (m *DeleteResponse) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Err = readRPCError(r)
	return r.Err()
}

// Compare operators for transactional preconditions.
const (
	CompareExists uint8 = iota + 1
	CompareNotExists
	CompareValueEqual
)

type TxnCompare struct {
	Key   []byte
	Op    uint8
	Value []byte
}

// Mutation operators.
const (
	MutationPut uint8 = iota + 1
	MutationDelete
)

type TxnMutation struct {
	Op    uint8
	Key   []byte
	Value []byte
}

// TxnRequest executes compares, reads, and mutations as one atomic
// transaction on the leader. If any compare fails the transaction aborts
// with aborted_conflict; a concurrent write to a compared or read key
// aborts with aborted_stale.
type TxnRequest struct {
	Compares  []TxnCompare
	Reads     [][]byte
	Mutations []TxnMutation
}

func (m *TxnRequest) Marshal() []byte {
	b := AppendUvarint(nil, uint64(len(m.Compares)))
	for _, c := range m.Compares {
		b = AppendBytes(b, c.Key)
		b = append(b, c.Op)
		b = AppendBytes(b, c.Value)
	}
	b = AppendUvarint(b, uint64(len(m.Reads)))
	for _, k := range m.Reads {
		b = AppendBytes(b, k)
	}
	b = AppendUvarint(b, uint64(len(m.Mutations)))
	for _, mu := range m.Mutations {
		b = append(b, mu.Op)
		b = AppendBytes(b, mu.Key)
		b = AppendBytes(b, mu.Value)
	}
	return b
}

func (m *TxnRequest) Unmarshal(data []byte) error {
	r := NewReader(data)
	n := r.Uvarint()
	if err := r.Err(); err != nil {
		return err
	}
	m.Compares = make([]TxnCompare, 0, n)
	for i := uint64(0); i < n; i++ {
		var c TxnCompare
		c.Key = r.Bytes()
		c.Op = r.Byte()
		c.Value = r.Bytes()
		m.Compares = append(m.Compares, c)
	}
	n = r.Uvarint()
	if err := r.Err(); err != nil {
		return err
	}
	m.Reads = make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		m.Reads = append(m.Reads, r.Bytes())
	}
	n = r.Uvarint()
	if err := r.Err(); err != nil {
		return err
	}
	m.Mutations = make([]TxnMutation, 0, n)
	for i := uint64(0); i < n; i++ {
		var mu TxnMutation
		mu.Op = r.Byte()
		mu.Key = r.Bytes()
		mu.Value = r.Bytes()
		m.Mutations = append(m.Mutations, mu)
	}
	return r.Err()
}

type TxnResponse struct {
	Err *RPCError
	// ReadValues holds one entry per requested read, in order; a nil
	// entry means the key was absent.
	ReadValues [][]byte
}

func (m *TxnResponse) Marshal() []byte {
	b := appendRPCError(nil, m.Err)
	b = AppendUvarint(b, uint64(len(m.ReadValues)))
	for _, v := range m.ReadValues {
		b = AppendBool(b, v != nil)
		b = AppendBytes(b, v)
	}
	return b
}

func (m *TxnResponse) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Err = readRPCError(r)
	n := r.Uvarint()
	if err := r.Err(); err != nil {
		return err
	}
	m.ReadValues = make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		present := r.Bool()
		v := r.Bytes()
		if !present {
			v = nil
		}
		m.ReadValues = append(m.ReadValues, v)
	}
	return r.Err()
}

type AcquireRequest struct {
	Key       []byte
	Owner     uint64
	Exclusive bool
}

func (m *AcquireRequest) Marshal() []byte {
	b := AppendBytes(nil, m.Key)
	b = AppendUvarint(b, m.Owner)
	return AppendBool(b, m.Exclusive)
}

func (m *AcquireRequest) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Key = r.Bytes()
	m.Owner = r.Uvarint()
	m.Exclusive = r.Bool()
	return r.Err()
}

type AcquireResponse struct {
	Err *RPCError
}

func (m *AcquireResponse) Marshal() []byte { return appendRPCError(nil, m.Err) }

func (m *AcquireResponse) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Err = readRPCError(r)
	return r.Err()
}

type ReleaseRequest struct {
	Key   []byte
	Owner uint64
}

func (m *ReleaseRequest) Marshal() []byte {
	b := AppendBytes(nil, m.Key)
	return AppendUvarint(b, m.Owner)
}

func (m *ReleaseRequest) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Key = r.Bytes()
	m.Owner = r.Uvarint()
	return r.Err()
}

type ReleaseResponse struct {
	Err *RPCError
}

func (m *ReleaseResponse) Marshal() []byte { return appendRPCError(nil, m.Err) }

func (m *ReleaseResponse) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Err = readRPCError(r)
	return r.Err()
}

type SnapshotRequest struct{}

func (*SnapshotRequest) Marshal() []byte        { return nil }
func (*SnapshotRequest) Unmarshal([]byte) error { return nil }

type SnapshotResponse struct {
	Err   *RPCError
	Token string
}

func (m *SnapshotResponse) Marshal() []byte {
	b := appendRPCError(nil, m.Err)
	return AppendString(b, m.Token)
}

func (m *SnapshotResponse) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Err = readRPCError(r)
	m.Token = r.String()
	return r.Err()
}

type ReleaseSnapshotRequest struct {
	Token string
}

func (m *ReleaseSnapshotRequest) Marshal() []byte { return AppendString(nil, m.Token) }

func (m *ReleaseSnapshotRequest) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Token = r.String()
	return r.Err()
}

type ReleaseSnapshotResponse struct {
	Err *RPCError
}

func (m *ReleaseSnapshotResponse) Marshal() []byte { return appendRPCError(nil, m.Err) }

func (m *ReleaseSnapshotResponse) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Err = readRPCError(r)
	return r.Err()
}

type StatusRequest struct{}

func (*StatusRequest) Marshal() []byte        { return nil }
func (*StatusRequest) Unmarshal([]byte) error { return nil }

type StatusResponse struct {
	Err          *RPCError
	NodeID       uint64
	Leader       uint64
	Term         uint64
	AppliedIndex uint64
	// StatsJSON carries the full stats document for debugging surfaces.
	StatsJSON []byte
}

func (m *StatusResponse) Marshal() []byte {
	b := appendRPCError(nil, m.Err)
	b = AppendUvarint(b, m.NodeID)
	b = AppendUvarint(b, m.Leader)
	b = AppendUvarint(b, m.Term)
	b = AppendUvarint(b, m.AppliedIndex)
	return AppendBytes(b, m.StatsJSON)
}

func (m *StatusResponse) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Err = readRPCError(r)
	m.NodeID = r.Uvarint()
	m.Leader = r.Uvarint()
	m.Term = r.Uvarint()
	m.AppliedIndex = r.Uvarint()
	m.StatsJSON = r.Bytes()
	return r.Err()
}

type MembersRequest struct{}

func (*MembersRequest) Marshal() []byte        { return nil }
func (*MembersRequest) Unmarshal([]byte) error { return nil }

type MembersResponse struct {
	Err     *RPCError
	Members []Member
}

func (m *MembersResponse) Marshal() []byte {
	b := appendRPCError(nil, m.Err)
	b = AppendUvarint(b, uint64(len(m.Members)))
	for i := range m.Members {
		b = AppendBytes(b, m.Members[i].Marshal())
	}
	return b
}

func (m *MembersResponse) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Err = readRPCError(r)
	n := r.Uvarint()
	if err := r.Err(); err != nil {
		return err
	}
	m.Members = make([]Member, 0, n)
	for i := uint64(0); i < n; i++ {
		raw := r.Bytes()
		if err := r.Err(); err != nil {
			return err
		}
		var mb Member
		if err := mb.Unmarshal(raw); err != nil {
			return err
		}
		m.Members = append(m.Members, mb)
	}
	return nil
}

type AddMemberRequest struct {
	Member Member
}

func (m *AddMemberRequest) Marshal() []byte { return AppendBytes(nil, m.Member.Marshal()) }

func (m *AddMemberRequest) Unmarshal(data []byte) error {
	r := NewReader(data)
	raw := r.Bytes()
	if err := r.Err(); err != nil {
		return err
	}
	return m.Member.Unmarshal(raw)
}

type MemberResponse struct {
	Err *RPCError
}

func (m *MemberResponse) Marshal() []byte { return appendRPCError(nil, m.Err) }

func (m *MemberResponse) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.Err = readRPCError(r)
	return r.Err()
}

type RemoveMemberRequest struct {
	NodeID uint64
}

func (m *RemoveMemberRequest) Marshal() []byte { return AppendUvarint(nil, m.NodeID) }

func (m *RemoveMemberRequest) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.NodeID = r.Uvarint()
	return r.Err()
}

type PromoteMemberRequest struct {
	NodeID uint64
}

func (m *PromoteMemberRequest) Marshal() []byte { return AppendUvarint(nil, m.NodeID) }

func (m *PromoteMemberRequest) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.NodeID = r.Uvarint()
	return r.Err()
}

type TransferLeadershipRequest struct {
	NodeID uint64
}

func (m *TransferLeadershipRequest) Marshal() []byte { return AppendUvarint(nil, m.NodeID) }

func (m *TransferLeadershipRequest) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.NodeID = r.Uvarint()
	return r.Err()
}
