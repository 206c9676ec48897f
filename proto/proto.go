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

const (
	// ReqIdKey is the grpc metadata key carrying the request id across
	// client/server boundaries.
	ReqIdKey = "req-id"
)

type (
	// NodeID identifies one voting replica. Zero is reserved for "no node".
	NodeID = uint64

	// Term is the raft logical clock epoch.
	Term = uint64

	// Index is a raft log index.
	Index = uint64

	// Seq is a storage engine sequence number. Every committed WriteBatch
	// consumes exactly one.
	Seq = uint64
)

// Sub-key namespaces, appended after the user key inside a table.
const (
	SubKeyValue uint8 = 1
	SubKeyLock  uint8 = 2
)

// Well-known table ids.
const (
	TableData uint8 = 1
	TableMeta uint8 = 2
)

// Member describes one replica of the cluster configuration.
type Member struct {
	NodeID  uint64
	Host    string
	Learner bool
}

func (m *Member) Marshal() []byte {
	b := make([]byte, 0, 16+len(m.Host))
	b = AppendUvarint(b, m.NodeID)
	b = AppendString(b, m.Host)
	b = AppendBool(b, m.Learner)
	return b
}

func (m *Member) Unmarshal(data []byte) error {
	r := NewReader(data)
	m.NodeID = r.Uvarint()
	m.Host = r.String()
	m.Learner = r.Bool()
	return r.Err()
}
