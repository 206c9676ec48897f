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

import "github.com/metakvdb/metakv/raft/raftpb"

// ReadState is the answer to one read-index request: once the applied
// index reaches Index, a read tagged with RequestCtx is linearizable.
type ReadState struct {
	Index      uint64
	RequestCtx []byte
}

type readIndexStatus struct {
	req   raftpb.Message
	index uint64
	acks  map[uint64]struct{}
}

// readOnly tracks pending read-index requests. The leader records the
// commit index per request, broadcasts a heartbeat carrying the request
// id, and releases the request once a quorum acknowledges that heartbeat.
type readOnly struct {
	pendingReadIndex map[string]*readIndexStatus
	readIndexQueue   []string
}

func newReadOnly() *readOnly {
	return &readOnly{pendingReadIndex: make(map[string]*readIndexStatus)}
}

func (ro *readOnly) addRequest(index uint64, m raftpb.Message) {
	ctx := string(m.Entries[0].Data)
	if _, ok := ro.pendingReadIndex[ctx]; ok {
		return
	}
	ro.pendingReadIndex[ctx] = &readIndexStatus{
		req:   m,
		index: index,
		acks:  make(map[uint64]struct{}),
	}
	ro.readIndexQueue = append(ro.readIndexQueue, ctx)
}

func (ro *readOnly) recvAck(m raftpb.Message) int {
	rs, ok := ro.pendingReadIndex[string(m.Context)]
	if !ok {
		return 0
	}
	rs.acks[m.From] = struct{}{}
	// The leader counts itself.
	return len(rs.acks) + 1
}

// advance pops every request up to and including the one m acknowledges.
func (ro *readOnly) advance(m raftpb.Message) []*readIndexStatus {
	var (
		i     int
		found bool
	)
	ctx := string(m.Context)
	var rss []*readIndexStatus
	for _, okctx := range ro.readIndexQueue {
		i++
		rs, ok := ro.pendingReadIndex[okctx]
		if !ok {
			panic("raft: cannot find corresponding read state from pending map")
		}
		rss = append(rss, rs)
		if okctx == ctx {
			found = true
			break
		}
	}
	if found {
		ro.readIndexQueue = ro.readIndexQueue[i:]
		for _, rs := range rss {
			delete(ro.pendingReadIndex, string(rs.req.Entries[0].Data))
		}
		return rss
	}
	return nil
}

func (ro *readOnly) lastPendingRequestCtx() string {
	if len(ro.readIndexQueue) == 0 {
		return ""
	}
	return ro.readIndexQueue[len(ro.readIndexQueue)-1]
}

func (ro *readOnly) reset() {
	ro.pendingReadIndex = make(map[string]*readIndexStatus)
	ro.readIndexQueue = nil
}
