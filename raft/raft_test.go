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

func newTestRaft(id uint64, peers []uint64, election, heartbeat int, storage Storage) *raft {
	return newRaft(&Config{
		ID:            id,
		Peers:         peers,
		ElectionTick:  election,
		HeartbeatTick: heartbeat,
		Storage:       storage,
	})
}

func (r *raft) readMessages() []raftpb.Message {
	msgs := r.msgs
	r.msgs = nil
	return msgs
}

// network delivers messages between in-memory raft instances until no
// traffic remains.
type network struct {
	peers   map[uint64]*raft
	storage map[uint64]*MemoryStorage
	dropped map[uint64]bool
}

func newNetwork(n int) *network {
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = uint64(i + 1)
	}
	nw := &network{
		peers:   make(map[uint64]*raft),
		storage: make(map[uint64]*MemoryStorage),
		dropped: make(map[uint64]bool),
	}
	for _, id := range ids {
		st := NewMemoryStorage()
		nw.storage[id] = st
		nw.peers[id] = newTestRaft(id, ids, 10, 1, st)
	}
	return nw
}

func (nw *network) isolate(id uint64) { nw.dropped[id] = true }
func (nw *network) restore(id uint64) { delete(nw.dropped, id) }

func (nw *network) send(msgs ...raftpb.Message) {
	for len(msgs) > 0 {
		m := msgs[0]
		msgs = msgs[1:]
		if nw.dropped[m.To] || nw.dropped[m.From] {
			continue
		}
		p, ok := nw.peers[m.To]
		if !ok {
			continue
		}
		p.Step(m)
		// Entries become stable before any response leaves the peer.
		nw.storage[m.To].Append(p.raftLog.unstableEntries())
		p.raftLog.stableTo(p.raftLog.lastIndex(), p.raftLog.lastTerm())
		msgs = append(msgs, p.readMessages()...)
	}
}

func (nw *network) campaign(id uint64) {
	nw.send(raftpb.Message{From: id, To: id, Type: raftpb.MsgHup})
}

func (nw *network) propose(id uint64, data []byte) {
	nw.send(raftpb.Message{From: id, To: id, Type: raftpb.MsgProp, Entries: []raftpb.Entry{{Data: data}}})
}

func TestLeaderElection(t *testing.T) {
	nw := newNetwork(3)
	nw.campaign(1)

	require.Equal(t, StateLeader, nw.peers[1].state)
	require.Equal(t, StateFollower, nw.peers[2].state)
	require.Equal(t, StateFollower, nw.peers[3].state)
	require.Equal(t, uint64(1), nw.peers[2].lead)
	require.Equal(t, uint64(1), nw.peers[3].lead)
	for _, p := range nw.peers {
		require.Equal(t, uint64(1), p.Term)
	}
}

func TestVoteResponseCarriesTerm(t *testing.T) {
	st := NewMemoryStorage()
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, st)

	// A granted vote answers with the candidate's term.
	require.NoError(t, r.Step(raftpb.Message{From: 2, To: 1, Term: 1, Type: raftpb.MsgVote}))
	msgs := r.readMessages()
	require.Len(t, msgs, 1)
	require.Equal(t, raftpb.MsgVoteResp, msgs[0].Type)
	require.Equal(t, uint64(1), msgs[0].Term)
	require.False(t, msgs[0].Reject)

	// A stale candidate gets an explicit rejection at the local term.
	require.NoError(t, r.Step(raftpb.Message{From: 3, To: 1, Term: 5, Type: raftpb.MsgVote}))
	r.readMessages()
	require.NoError(t, r.Step(raftpb.Message{From: 2, To: 1, Term: 2, Type: raftpb.MsgVote}))
	msgs = r.readMessages()
	require.Len(t, msgs, 1)
	require.Equal(t, raftpb.MsgVoteResp, msgs[0].Type)
	require.Equal(t, uint64(5), msgs[0].Term)
	require.True(t, msgs[0].Reject)
}

func TestElectionSafetySingleLeaderPerTerm(t *testing.T) {
	nw := newNetwork(5)
	nw.campaign(1)
	require.Equal(t, StateLeader, nw.peers[1].state)

	// A second campaign in a later term deposes the old leader.
	nw.campaign(2)
	require.Equal(t, StateLeader, nw.peers[2].state)
	require.Equal(t, StateFollower, nw.peers[1].state)

	leaders := 0
	term := nw.peers[2].Term
	for _, p := range nw.peers {
		if p.state == StateLeader && p.Term == term {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
}

func TestLogReplicationAndCommit(t *testing.T) {
	nw := newNetwork(3)
	nw.campaign(1)
	nw.propose(1, []byte("first"))
	nw.propose(1, []byte("second"))

	lead := nw.peers[1]
	// Empty leader entry plus two proposals.
	require.Equal(t, uint64(3), lead.raftLog.committed)
	for id, p := range nw.peers {
		require.Equal(t, lead.raftLog.committed, p.raftLog.committed, "node %d", id)
		ents, err := p.raftLog.slice(2, p.raftLog.committed+1)
		require.NoError(t, err)
		require.Len(t, ents, 2)
		require.Equal(t, []byte("first"), ents[0].Data)
		require.Equal(t, []byte("second"), ents[1].Data)
	}
}

func TestProposalForwardedToLeader(t *testing.T) {
	nw := newNetwork(3)
	nw.campaign(1)
	nw.propose(2, []byte("via follower"))

	require.Equal(t, uint64(2), nw.peers[1].raftLog.committed)
	ents, err := nw.peers[1].raftLog.slice(2, 3)
	require.NoError(t, err)
	require.Equal(t, []byte("via follower"), ents[0].Data)
}

func TestVoteRejectedForShorterLog(t *testing.T) {
	nw := newNetwork(3)
	nw.campaign(1)
	nw.propose(1, []byte("x"))

	// Node 3 misses the entry, then asks for votes with a stale log.
	nw.isolate(3)
	nw.propose(1, []byte("y"))
	nw.restore(3)

	stale := nw.peers[3]
	nw.campaign(3)
	require.NotEqual(t, StateLeader, stale.state)
	// The up-to-date nodes rejected it; leadership returns via node 2.
	nw.campaign(2)
	require.Equal(t, StateLeader, nw.peers[2].state)
}

func TestCommitRequiresQuorum(t *testing.T) {
	nw := newNetwork(3)
	nw.campaign(1)
	committed := nw.peers[1].raftLog.committed

	nw.isolate(2)
	nw.isolate(3)
	nw.propose(1, []byte("lonely"))
	require.Equal(t, committed, nw.peers[1].raftLog.committed)

	nw.restore(2)
	nw.restore(3)
	// The next heartbeat-driven append replicates and commits.
	nw.send(raftpb.Message{From: 1, To: 1, Type: raftpb.MsgBeat})
	require.Equal(t, committed+1, nw.peers[1].raftLog.committed)
}

func TestLeaderOnlyCommitsOwnTermEntries(t *testing.T) {
	nw := newNetwork(3)
	nw.campaign(1)

	// An entry from term 1 stuck on the leader alone.
	nw.isolate(2)
	nw.isolate(3)
	nw.propose(1, []byte("old-term"))
	nw.restore(2)
	nw.restore(3)

	// New leader in a higher term; replicating the old entry alone must
	// not commit it until a current-term entry covers it.
	nw.campaign(2)
	lead := nw.peers[2]
	require.Equal(t, StateLeader, lead.state)
	// The new leader's empty entry commits, which covers everything
	// below it from older terms.
	require.Equal(t, lead.raftLog.lastIndex(), lead.raftLog.committed)
	require.Equal(t, lead.Term, lead.raftLog.zeroTermOnErrCompacted(lead.raftLog.term(lead.raftLog.committed)))
}

func TestSingleVoterCommitsImmediately(t *testing.T) {
	st := NewMemoryStorage()
	r := newTestRaft(1, []uint64{1}, 10, 1, st)
	r.Step(raftpb.Message{From: 1, To: 1, Type: raftpb.MsgHup})
	require.Equal(t, StateLeader, r.state)

	r.Step(raftpb.Message{From: 1, To: 1, Type: raftpb.MsgProp, Entries: []raftpb.Entry{{Data: []byte("solo")}}})
	require.Equal(t, uint64(2), r.raftLog.committed)
}

func TestFollowerTruncatesConflictingSuffix(t *testing.T) {
	nw := newNetwork(3)
	nw.campaign(1)

	// Node 3 accumulates entries that never commit.
	nw.isolate(1)
	nw.campaign(3)
	nw.isolate(3)
	nw.peers[3].Step(raftpb.Message{From: 3, To: 3, Type: raftpb.MsgProp, Entries: []raftpb.Entry{{Data: []byte("divergent")}}})
	nw.peers[3].readMessages()

	// Majority elects node 2 and commits new entries.
	nw.restore(1)
	nw.campaign(2)
	nw.propose(2, []byte("canonical"))

	// Node 3 rejoins and converges on the leader's log.
	nw.restore(3)
	nw.send(raftpb.Message{From: 2, To: 2, Type: raftpb.MsgBeat})
	nw.send(raftpb.Message{From: 2, To: 2, Type: raftpb.MsgProp, Entries: []raftpb.Entry{{Data: []byte("after")}}})

	lead := nw.peers[2]
	p3 := nw.peers[3]
	require.Equal(t, lead.raftLog.committed, p3.raftLog.committed)
	for i := uint64(1); i <= lead.raftLog.committed; i++ {
		lt, err := lead.raftLog.term(i)
		require.NoError(t, err)
		ft, err := p3.raftLog.term(i)
		require.NoError(t, err)
		require.Equal(t, lt, ft, "index %d", i)
	}
}

func TestReadIndexQuorumConfirmation(t *testing.T) {
	nw := newNetwork(3)
	nw.campaign(1)
	nw.propose(1, []byte("data"))

	lead := nw.peers[1]
	rctx := []byte("read-1")
	nw.send(raftpb.Message{From: 1, To: 1, Type: raftpb.MsgReadIndex, Entries: []raftpb.Entry{{Data: rctx}}})

	require.Len(t, lead.readStates, 1)
	require.Equal(t, lead.raftLog.committed, lead.readStates[0].Index)
	require.Equal(t, rctx, lead.readStates[0].RequestCtx)
}

func TestReadIndexForwardedByFollower(t *testing.T) {
	nw := newNetwork(3)
	nw.campaign(1)
	nw.propose(1, []byte("data"))

	follower := nw.peers[2]
	rctx := []byte("read-2")
	nw.send(raftpb.Message{From: 2, To: 2, Type: raftpb.MsgReadIndex, Entries: []raftpb.Entry{{Data: rctx}}})

	require.Len(t, follower.readStates, 1)
	require.Equal(t, nw.peers[1].raftLog.committed, follower.readStates[0].Index)
	require.Equal(t, rctx, follower.readStates[0].RequestCtx)
}

func TestLeaderTransfer(t *testing.T) {
	nw := newNetwork(3)
	nw.campaign(1)
	nw.propose(1, []byte("x"))

	nw.send(raftpb.Message{From: 2, To: 1, Type: raftpb.MsgTransferLeader})
	require.Equal(t, StateLeader, nw.peers[2].state)
	require.Equal(t, StateFollower, nw.peers[1].state)
	require.Equal(t, uint64(2), nw.peers[1].lead)
}

func TestLeaderTransferBlocksProposals(t *testing.T) {
	nw := newNetwork(3)
	nw.campaign(1)
	lead := nw.peers[1]

	// Step the request into the leader directly and drop the TimeoutNow
	// it emits, so the transfer stays pending.
	require.NoError(t, lead.Step(raftpb.Message{From: 3, To: 1, Type: raftpb.MsgTransferLeader}))
	lead.readMessages()
	require.Equal(t, uint64(3), lead.leadTransferee)

	err := lead.Step(raftpb.Message{From: 1, To: 1, Type: raftpb.MsgProp, Entries: []raftpb.Entry{{Data: []byte("blocked")}}})
	require.ErrorIs(t, err, ErrProposalDropped)
}

func TestConfChangeAddAndRemoveNode(t *testing.T) {
	st := NewMemoryStorage()
	r := newTestRaft(1, []uint64{1}, 10, 1, st)
	r.Step(raftpb.Message{From: 1, To: 1, Type: raftpb.MsgHup})
	require.Equal(t, StateLeader, r.state)

	cs := r.applyConfChange(raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 2})
	require.Equal(t, []uint64{1, 2}, cs.Voters)
	require.Equal(t, 2, r.quorum())

	cs = r.applyConfChange(raftpb.ConfChange{Type: raftpb.ConfChangeAddLearnerNode, NodeID: 3})
	require.Equal(t, []uint64{3}, cs.Learners)
	// Learners do not vote.
	require.Equal(t, 2, r.quorum())

	cs = r.applyConfChange(raftpb.ConfChange{Type: raftpb.ConfChangePromoteLearner, NodeID: 3})
	require.Equal(t, []uint64{1, 2, 3}, cs.Voters)
	require.Empty(t, cs.Learners)

	cs = r.applyConfChange(raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: 2})
	require.Equal(t, []uint64{1, 3}, cs.Voters)
}

func TestRandomizedElectionTimeoutWithinBounds(t *testing.T) {
	st := NewMemoryStorage()
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1, st)
	for i := 0; i < 100; i++ {
		r.resetRandomizedElectionTimeout()
		require.GreaterOrEqual(t, r.randomizedElectionTimeout, 10)
		require.Less(t, r.randomizedElectionTimeout, 20)
	}
}
