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
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/metakvdb/metakv/raft/raftpb"
)

// None is a placeholder node id.
const None uint64 = 0

const noLimit = ^uint64(0)

type StateType int

const (
	StateFollower StateType = iota
	StateCandidate
	StateLeader
)

func (st StateType) String() string {
	switch st {
	case StateFollower:
		return "follower"
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	default:
		return fmt.Sprintf("unknown(%d)", int(st))
	}
}

var (
	ErrProposalDropped = errors.New("raft: proposal dropped")
	ErrStepLocalMsg    = errors.New("raft: cannot step raft local message")
	ErrStepPeerNotFound = errors.New("raft: cannot step as peer not found")
)

type Config struct {
	// ID is this node's id; it must not be zero.
	ID uint64
	// Peers and Learners seed membership on a fresh cluster only;
	// restarts recover membership from storage.
	Peers    []uint64
	Learners []uint64

	// ElectionTick must be substantially larger than HeartbeatTick.
	ElectionTick  int
	HeartbeatTick int

	Storage Storage
	// Applied is the last applied index at restart.
	Applied uint64

	MaxSizePerMsg   uint64
	MaxInflightMsgs int

	// CheckQuorum makes the leader step down when it cannot reach a
	// quorum within an election timeout.
	CheckQuorum bool

	Logger *zap.Logger
}

func (c *Config) validate() error {
	if c.ID == None {
		return errors.New("raft: cannot use none as id")
	}
	if c.HeartbeatTick <= 0 {
		return errors.New("raft: heartbeat tick must be greater than 0")
	}
	if c.ElectionTick <= c.HeartbeatTick {
		return errors.New("raft: election tick must be greater than heartbeat tick")
	}
	if c.Storage == nil {
		return errors.New("raft: storage cannot be nil")
	}
	if c.MaxInflightMsgs <= 0 {
		c.MaxInflightMsgs = 256
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

type stepFunc func(r *raft, m raftpb.Message) error

type raft struct {
	id uint64

	Term uint64
	Vote uint64

	readStates []ReadState

	raftLog *raftLog

	maxInflight int
	maxMsgSize  uint64
	prs         map[uint64]*Progress

	state StateType

	votes map[uint64]bool

	// msgs accumulate between Ready cycles; the driver drains them after
	// persisting HardState and new entries.
	msgs []raftpb.Message

	lead uint64
	// leadTransferee, when nonzero, blocks proposals until the transfer
	// finishes or times out.
	leadTransferee   uint64
	pendingConfIndex uint64

	readOnly *readOnly

	electionElapsed  int
	heartbeatElapsed int

	checkQuorum bool

	heartbeatTimeout          int
	electionTimeout           int
	randomizedElectionTimeout int

	tick func()
	step stepFunc

	lg *zap.SugaredLogger
}

func newRaft(c *Config) *raft {
	if err := c.validate(); err != nil {
		panic(err.Error())
	}
	raftlog := newLog(c.Storage)
	hs, cs, err := c.Storage.InitialState()
	if err != nil {
		panic(err)
	}
	peers := c.Peers
	learners := c.Learners
	if len(cs.Voters) > 0 || len(cs.Learners) > 0 {
		if len(peers) > 0 || len(learners) > 0 {
			panic("raft: cannot specify both newRaft(peers, learners) and ConfState.(Voters, Learners)")
		}
		peers = cs.Voters
		learners = cs.Learners
	}
	r := &raft{
		id:          c.ID,
		lead:        None,
		raftLog:     raftlog,
		maxMsgSize:  c.MaxSizePerMsg,
		maxInflight: c.MaxInflightMsgs,
		prs:         make(map[uint64]*Progress),
		electionTimeout: c.ElectionTick,
		heartbeatTimeout: c.HeartbeatTick,
		checkQuorum: c.CheckQuorum,
		readOnly:    newReadOnly(),
		lg:          c.Logger.Sugar(),
	}
	for _, p := range peers {
		r.prs[p] = &Progress{Next: 1, ins: newInflights(r.maxInflight)}
	}
	for _, p := range learners {
		if _, ok := r.prs[p]; ok {
			panic(fmt.Sprintf("raft: node %x is in both learner and peer list", p))
		}
		r.prs[p] = &Progress{Next: 1, ins: newInflights(r.maxInflight), IsLearner: true}
	}
	if !raftpb.IsEmptyHardState(hs) {
		r.loadState(hs)
	}
	if c.Applied > 0 {
		raftlog.appliedTo(c.Applied)
	}
	r.becomeFollower(r.Term, None)

	var nodesStrs []string
	for _, n := range r.nodes() {
		nodesStrs = append(nodesStrs, fmt.Sprintf("%x", n))
	}
	r.lg.Infof("newRaft %x [peers: [%s], term: %d, commit: %d, applied: %d, lastindex: %d, lastterm: %d]",
		r.id, nodesStrs, r.Term, r.raftLog.committed, r.raftLog.applied, r.raftLog.lastIndex(), r.raftLog.lastTerm())
	return r
}

func (r *raft) hasLeader() bool { return r.lead != None }

func (r *raft) softState() *SoftState { return &SoftState{Lead: r.lead, RaftState: r.state} }

func (r *raft) hardState() raftpb.HardState {
	return raftpb.HardState{
		Term:   r.Term,
		Vote:   r.Vote,
		Commit: r.raftLog.committed,
	}
}

func (r *raft) quorum() int { return len(r.voterIDs())/2 + 1 }

func (r *raft) voterIDs() []uint64 {
	ids := make([]uint64, 0, len(r.prs))
	for id, pr := range r.prs {
		if !pr.IsLearner {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *raft) nodes() []uint64 {
	nodes := make([]uint64, 0, len(r.prs))
	for id := range r.prs {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}

// send finalizes term fields and queues m for the Ready cycle.
func (r *raft) send(m raftpb.Message) {
	m.From = r.id
	if m.Type == raftpb.MsgVote || m.Type == raftpb.MsgVoteResp {
		// Vote traffic carries the election term explicitly: responses
		// answer the candidate's term, not the local one.
		if m.Term == 0 {
			panic(fmt.Sprintf("raft: term should be set when sending %s", m.Type))
		}
	} else {
		if m.Term != 0 {
			panic(fmt.Sprintf("raft: term should not be set when sending %s (was %d)", m.Type, m.Term))
		}
		// Proposals and read requests are forwarded to the leader and
		// must not carry a term.
		if m.Type != raftpb.MsgProp && m.Type != raftpb.MsgReadIndex {
			m.Term = r.Term
		}
	}
	r.msgs = append(r.msgs, m)
}

// sendAppend sends an append (or a snapshot handle if the peer is too far
// behind) to the given peer.
func (r *raft) sendAppend(to uint64) {
	pr := r.prs[to]
	if pr.isPaused() {
		return
	}
	m := raftpb.Message{To: to}

	term, errt := r.raftLog.term(pr.Next - 1)
	ents, erre := r.raftLog.slice(pr.Next, r.raftLog.lastIndex()+1)
	if errt != nil || erre != nil {
		// Send a snapshot when the needed entries are compacted away.
		if !pr.RecentActive {
			return
		}
		m.Type = raftpb.MsgSnap
		snapshot, err := r.raftLog.snapshot()
		if err != nil {
			panic(err)
		}
		if raftpb.IsEmptySnap(snapshot) {
			panic("raft: need a non-empty snapshot")
		}
		m.Snapshot = snapshot
		sindex, sterm := snapshot.Metadata.Index, snapshot.Metadata.Term
		r.lg.Debugf("%x [firstindex: %d, commit: %d] sent snapshot[index: %d, term: %d] to %x",
			r.id, r.raftLog.firstIndex(), r.raftLog.committed, sindex, sterm, to)
		pr.becomeSnapshot(sindex)
	} else {
		m.Type = raftpb.MsgApp
		m.Index = pr.Next - 1
		m.LogTerm = term
		m.Entries = ents
		m.Commit = r.raftLog.committed
		if n := len(m.Entries); n != 0 {
			switch pr.State {
			case ProgressReplicate:
				last := m.Entries[n-1].Index
				pr.optimisticUpdate(last)
				pr.ins.add(last)
			case ProgressProbe:
				pr.pause()
			default:
				panic(fmt.Sprintf("raft: %x is sending append in unhandled state %s", r.id, pr.State))
			}
		}
	}
	r.send(m)
}

func (r *raft) sendHeartbeat(to uint64, ctx []byte) {
	// Commit is capped at the peer's match so the peer never commits
	// entries it does not have.
	commit := min(r.prs[to].Match, r.raftLog.committed)
	r.send(raftpb.Message{
		To:      to,
		Type:    raftpb.MsgHeartbeat,
		Commit:  commit,
		Context: ctx,
	})
}

func (r *raft) forEachPeer(f func(id uint64, pr *Progress)) {
	for id, pr := range r.prs {
		if id == r.id {
			continue
		}
		f(id, pr)
	}
}

func (r *raft) bcastAppend() {
	r.forEachPeer(func(id uint64, _ *Progress) { r.sendAppend(id) })
}

func (r *raft) bcastHeartbeat() {
	lastCtx := r.readOnly.lastPendingRequestCtx()
	var ctx []byte
	if len(lastCtx) != 0 {
		ctx = []byte(lastCtx)
	}
	r.forEachPeer(func(id uint64, _ *Progress) { r.sendHeartbeat(id, ctx) })
}

// maybeCommit tries to advance the commit index to the highest index
// replicated on a quorum, restricted to the current term.
func (r *raft) maybeCommit() bool {
	matches := make([]uint64, 0, len(r.prs))
	for _, pr := range r.prs {
		if pr.IsLearner {
			continue
		}
		matches = append(matches, pr.Match)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	mci := matches[r.quorum()-1]
	return r.raftLog.maybeCommit(mci, r.Term)
}

func (r *raft) reset(term uint64) {
	if r.Term != term {
		r.Term = term
		r.Vote = None
	}
	r.lead = None

	r.electionElapsed = 0
	r.heartbeatElapsed = 0
	r.resetRandomizedElectionTimeout()

	r.abortLeaderTransfer()

	r.votes = make(map[uint64]bool)
	for id, pr := range r.prs {
		isLearner := pr.IsLearner
		r.prs[id] = &Progress{Next: r.raftLog.lastIndex() + 1, ins: newInflights(r.maxInflight), IsLearner: isLearner}
		if id == r.id {
			r.prs[id].Match = r.raftLog.lastIndex()
		}
	}
	r.pendingConfIndex = 0
	r.readOnly.reset()
}

func (r *raft) appendEntry(es ...raftpb.Entry) {
	li := r.raftLog.lastIndex()
	for i := range es {
		es[i].Term = r.Term
		es[i].Index = li + 1 + uint64(i)
	}
	r.raftLog.append(es...)
	r.prs[r.id].maybeUpdate(r.raftLog.lastIndex())
	// A single-node cluster commits immediately.
	r.maybeCommit()
}

func (r *raft) tickElection() {
	r.electionElapsed++
	if r.promotable() && r.pastElectionTimeout() {
		r.electionElapsed = 0
		r.Step(raftpb.Message{From: r.id, Type: raftpb.MsgHup})
	}
}

func (r *raft) tickHeartbeat() {
	r.heartbeatElapsed++
	r.electionElapsed++

	if r.electionElapsed >= r.electionTimeout {
		r.electionElapsed = 0
		if r.checkQuorum {
			r.Step(raftpb.Message{From: r.id, Type: raftpb.MsgCheckQuorum})
		}
		// Abort a leader transfer that failed to finish in one election
		// timeout.
		if r.state == StateLeader && r.leadTransferee != None {
			r.abortLeaderTransfer()
		}
	}

	if r.state != StateLeader {
		return
	}

	if r.heartbeatElapsed >= r.heartbeatTimeout {
		r.heartbeatElapsed = 0
		r.Step(raftpb.Message{From: r.id, Type: raftpb.MsgBeat})
	}
}

func (r *raft) becomeFollower(term uint64, lead uint64) {
	r.step = stepFollower
	r.reset(term)
	r.tick = r.tickElection
	r.lead = lead
	r.state = StateFollower
	r.lg.Infof("%x became follower at term %d", r.id, r.Term)
}

func (r *raft) becomeCandidate() {
	if r.state == StateLeader {
		panic("raft: invalid transition [leader -> candidate]")
	}
	r.step = stepCandidate
	r.reset(r.Term + 1)
	r.tick = r.tickElection
	r.Vote = r.id
	r.state = StateCandidate
	r.lg.Infof("%x became candidate at term %d", r.id, r.Term)
}

func (r *raft) becomeLeader() {
	if r.state == StateFollower {
		panic("raft: invalid transition [follower -> leader]")
	}
	r.step = stepLeader
	r.reset(r.Term)
	r.tick = r.tickHeartbeat
	r.lead = r.id
	r.state = StateLeader

	// Conf changes pending in the uncommitted tail block new ones until
	// applied.
	ents, err := r.raftLog.entries(r.raftLog.committed + 1)
	if err != nil {
		panic(fmt.Sprintf("raft: unexpected error getting uncommitted entries (%v)", err))
	}
	for i := range ents {
		if ents[i].Type == raftpb.EntryConfChange {
			r.pendingConfIndex = ents[i].Index
		}
	}

	// The empty entry establishes commit progress in the new term.
	r.appendEntry(raftpb.Entry{Data: nil})
	r.lg.Infof("%x became leader at term %d", r.id, r.Term)
}

func (r *raft) campaign() {
	r.becomeCandidate()
	if r.quorum() == r.poll(r.id, raftpb.MsgVoteResp, true) {
		r.becomeLeader()
		return
	}
	for _, id := range r.voterIDs() {
		if id == r.id {
			continue
		}
		r.lg.Infof("%x [logterm: %d, index: %d] sent vote request to %x at term %d",
			r.id, r.raftLog.lastTerm(), r.raftLog.lastIndex(), id, r.Term)
		r.send(raftpb.Message{
			Term:    r.Term,
			To:      id,
			Type:    raftpb.MsgVote,
			Index:   r.raftLog.lastIndex(),
			LogTerm: r.raftLog.lastTerm(),
		})
	}
}

func (r *raft) poll(id uint64, t raftpb.MessageType, v bool) (granted int) {
	if v {
		r.lg.Infof("%x received %s from %x at term %d", r.id, t, id, r.Term)
	} else {
		r.lg.Infof("%x received %s rejection from %x at term %d", r.id, t, id, r.Term)
	}
	if _, ok := r.votes[id]; !ok {
		r.votes[id] = v
	}
	for _, vv := range r.votes {
		if vv {
			granted++
		}
	}
	return granted
}

func (r *raft) Step(m raftpb.Message) error {
	switch {
	case m.Term == 0:
		// Local message.
	case m.Term > r.Term:
		r.lg.Infof("%x [term: %d] received a %s message with higher term from %x [term: %d]",
			r.id, r.Term, m.Type, m.From, m.Term)
		if m.Type == raftpb.MsgApp || m.Type == raftpb.MsgHeartbeat || m.Type == raftpb.MsgSnap {
			r.becomeFollower(m.Term, m.From)
		} else {
			r.becomeFollower(m.Term, None)
		}
	case m.Term < r.Term:
		// Stale messages are dropped; an explicit rejection of stale
		// vote requests speeds up the sender's conversion.
		if m.Type == raftpb.MsgVote {
			r.send(raftpb.Message{To: m.From, Term: r.Term, Type: raftpb.MsgVoteResp, Reject: true})
		} else {
			r.lg.Infof("%x [term: %d] ignored a %s message with lower term from %x [term: %d]",
				r.id, r.Term, m.Type, m.From, m.Term)
		}
		return nil
	}

	switch m.Type {
	case raftpb.MsgHup:
		if r.state != StateLeader {
			ents, err := r.raftLog.slice(r.raftLog.applied+1, r.raftLog.committed+1)
			if err != nil {
				panic(fmt.Sprintf("raft: unexpected error getting unapplied entries (%v)", err))
			}
			if n := numOfPendingConf(ents); n != 0 && r.raftLog.committed > r.raftLog.applied {
				r.lg.Warnf("%x cannot campaign at term %d since there are still %d pending configuration changes to apply", r.id, r.Term, n)
				return nil
			}
			r.lg.Infof("%x is starting a new election at term %d", r.id, r.Term)
			r.campaign()
		}

	case raftpb.MsgVote:
		// A vote is granted when no vote was cast this term (or it was
		// cast for the same candidate) and the candidate's log is at
		// least as up to date.
		canVote := r.Vote == m.From || (r.Vote == None && r.lead == None)
		if canVote && r.raftLog.isUpToDate(m.Index, m.LogTerm) {
			r.lg.Infof("%x [logterm: %d, index: %d, vote: %x] cast vote for %x [logterm: %d, index: %d] at term %d",
				r.id, r.raftLog.lastTerm(), r.raftLog.lastIndex(), r.Vote, m.From, m.LogTerm, m.Index, r.Term)
			r.send(raftpb.Message{To: m.From, Term: m.Term, Type: raftpb.MsgVoteResp})
			r.electionElapsed = 0
			r.Vote = m.From
		} else {
			r.lg.Infof("%x [logterm: %d, index: %d, vote: %x] rejected vote from %x [logterm: %d, index: %d] at term %d",
				r.id, r.raftLog.lastTerm(), r.raftLog.lastIndex(), r.Vote, m.From, m.LogTerm, m.Index, r.Term)
			r.send(raftpb.Message{To: m.From, Term: r.Term, Type: raftpb.MsgVoteResp, Reject: true})
		}

	default:
		return r.step(r, m)
	}
	return nil
}

func stepLeader(r *raft, m raftpb.Message) error {
	switch m.Type {
	case raftpb.MsgBeat:
		r.bcastHeartbeat()
		return nil
	case raftpb.MsgCheckQuorum:
		if !r.checkQuorumActive() {
			r.lg.Warnf("%x stepped down to follower since quorum is not active", r.id)
			r.becomeFollower(r.Term, None)
		}
		return nil
	case raftpb.MsgProp:
		if len(m.Entries) == 0 {
			panic(fmt.Sprintf("raft: %x stepped empty MsgProp", r.id))
		}
		if _, ok := r.prs[r.id]; !ok {
			// The node was removed from the group while the proposal was
			// in flight.
			return ErrProposalDropped
		}
		if r.leadTransferee != None {
			r.lg.Debugf("%x [term %d] transfer leadership to %x is in progress; dropping proposal",
				r.id, r.Term, r.leadTransferee)
			return ErrProposalDropped
		}
		for i := range m.Entries {
			if m.Entries[i].Type == raftpb.EntryConfChange {
				if r.pendingConfIndex > r.raftLog.applied {
					r.lg.Infof("%x propose conf change ignored since pending unapplied configuration [index %d, applied %d]",
						r.id, r.pendingConfIndex, r.raftLog.applied)
					m.Entries[i] = raftpb.Entry{Type: raftpb.EntryNormal}
				} else {
					r.pendingConfIndex = r.raftLog.lastIndex() + uint64(i) + 1
				}
			}
		}
		r.appendEntry(m.Entries...)
		r.bcastAppend()
		return nil
	case raftpb.MsgReadIndex:
		if r.quorum() > 1 {
			if r.raftLog.zeroTermOnErrCompacted(r.raftLog.term(r.raftLog.committed)) != r.Term {
				// The leader has not committed in its own term yet; the
				// commit index may be stale.
				return nil
			}
			r.readOnly.addRequest(r.raftLog.committed, m)
			r.bcastHeartbeat()
		} else {
			// Single-voter group: answer immediately.
			if m.From == None || m.From == r.id {
				r.readStates = append(r.readStates, ReadState{Index: r.raftLog.committed, RequestCtx: m.Entries[0].Data})
			} else {
				r.send(raftpb.Message{To: m.From, Type: raftpb.MsgReadIndexResp, Index: r.raftLog.committed, Entries: m.Entries})
			}
		}
		return nil
	}

	pr, prOk := r.prs[m.From]
	if !prOk {
		r.lg.Debugf("%x no progress available for %x", r.id, m.From)
		return nil
	}
	switch m.Type {
	case raftpb.MsgAppResp:
		pr.RecentActive = true
		if m.Reject {
			r.lg.Debugf("%x received append rejection(lastindex: %d) from %x for index %d",
				r.id, m.RejectHint, m.From, m.Index)
			if pr.maybeDecrTo(m.Index, m.RejectHint) {
				if pr.State == ProgressReplicate {
					pr.becomeProbe()
				}
				r.sendAppend(m.From)
			}
		} else {
			oldPaused := pr.isPaused()
			if pr.maybeUpdate(m.Index) {
				switch {
				case pr.State == ProgressProbe:
					pr.becomeReplicate()
				case pr.State == ProgressSnapshot && pr.needSnapshotAbort():
					r.lg.Debugf("%x snapshot aborted, resumed sending replication messages to %x", r.id, m.From)
					pr.becomeProbe()
				case pr.State == ProgressReplicate:
					pr.ins.freeTo(m.Index)
				}
				if r.maybeCommit() {
					r.bcastAppend()
				} else if oldPaused {
					r.sendAppend(m.From)
				}
				if r.leadTransferee == m.From && pr.Match == r.raftLog.lastIndex() {
					r.lg.Infof("%x sent MsgTimeoutNow to %x after received MsgAppResp", r.id, m.From)
					r.sendTimeoutNow(m.From)
				}
			}
		}
	case raftpb.MsgHeartbeatResp:
		pr.RecentActive = true
		pr.resume()
		if pr.State == ProgressReplicate && pr.ins.full() {
			pr.ins.freeFirstOne()
		}
		if pr.Match < r.raftLog.lastIndex() {
			r.sendAppend(m.From)
		}
		if len(m.Context) == 0 {
			return nil
		}
		if r.readOnly.recvAck(m) < r.quorum() {
			return nil
		}
		rss := r.readOnly.advance(m)
		for _, rs := range rss {
			req := rs.req
			if req.From == None || req.From == r.id {
				r.readStates = append(r.readStates, ReadState{Index: rs.index, RequestCtx: req.Entries[0].Data})
			} else {
				r.send(raftpb.Message{To: req.From, Type: raftpb.MsgReadIndexResp, Index: rs.index, Entries: req.Entries})
			}
		}
	case raftpb.MsgSnapStatus:
		if pr.State != ProgressSnapshot {
			return nil
		}
		if !m.Reject {
			pr.becomeProbe()
			r.lg.Debugf("%x snapshot succeeded, resumed sending replication messages to %x", r.id, m.From)
		} else {
			pr.snapshotFailure()
			pr.becomeProbe()
			r.lg.Debugf("%x snapshot failed, resumed sending replication messages to %x", r.id, m.From)
		}
		// Pause until the next heartbeat response so the freshly restored
		// follower is not flooded.
		pr.pause()
	case raftpb.MsgUnreachable:
		if pr.State == ProgressReplicate {
			pr.becomeProbe()
		}
		r.lg.Debugf("%x failed to send message to %x because it is unreachable", r.id, m.From)
	case raftpb.MsgTransferLeader:
		if pr.IsLearner {
			r.lg.Debugf("%x is learner; ignored transferring leadership", r.id)
			return nil
		}
		leadTransferee := m.From
		if r.leadTransferee != None {
			if r.leadTransferee == leadTransferee {
				return nil
			}
			r.abortLeaderTransfer()
		}
		if leadTransferee == r.id {
			return nil
		}
		r.lg.Infof("%x [term %d] starts to transfer leadership to %x", r.id, r.Term, leadTransferee)
		r.electionElapsed = 0
		r.leadTransferee = leadTransferee
		if pr.Match == r.raftLog.lastIndex() {
			r.sendTimeoutNow(leadTransferee)
		} else {
			r.sendAppend(leadTransferee)
		}
	}
	return nil
}

func stepCandidate(r *raft, m raftpb.Message) error {
	switch m.Type {
	case raftpb.MsgProp:
		r.lg.Infof("%x no leader at term %d; dropping proposal", r.id, r.Term)
		return ErrProposalDropped
	case raftpb.MsgApp:
		r.becomeFollower(m.Term, m.From)
		r.handleAppendEntries(m)
	case raftpb.MsgHeartbeat:
		r.becomeFollower(m.Term, m.From)
		r.handleHeartbeat(m)
	case raftpb.MsgSnap:
		r.becomeFollower(m.Term, m.From)
		r.handleSnapshot(m)
	case raftpb.MsgVoteResp:
		gr := r.poll(m.From, m.Type, !m.Reject)
		r.lg.Infof("%x [quorum:%d] has received %d votes and %d vote rejections",
			r.id, r.quorum(), gr, len(r.votes)-gr)
		switch r.quorum() {
		case gr:
			r.becomeLeader()
			r.bcastAppend()
		case len(r.votes) - gr:
			r.becomeFollower(r.Term, None)
		}
	case raftpb.MsgTimeoutNow:
		r.lg.Debugf("%x [term %d] ignored MsgTimeoutNow from %x", r.id, r.Term, m.From)
	}
	return nil
}

func stepFollower(r *raft, m raftpb.Message) error {
	switch m.Type {
	case raftpb.MsgProp:
		if r.lead == None {
			r.lg.Infof("%x no leader at term %d; dropping proposal", r.id, r.Term)
			return ErrProposalDropped
		}
		m.To = r.lead
		r.send(m)
	case raftpb.MsgApp:
		r.electionElapsed = 0
		r.lead = m.From
		r.handleAppendEntries(m)
	case raftpb.MsgHeartbeat:
		r.electionElapsed = 0
		r.lead = m.From
		r.handleHeartbeat(m)
	case raftpb.MsgSnap:
		r.electionElapsed = 0
		r.lead = m.From
		r.handleSnapshot(m)
	case raftpb.MsgTransferLeader:
		if r.lead == None {
			r.lg.Infof("%x no leader at term %d; dropping leader transfer msg", r.id, r.Term)
			return nil
		}
		m.To = r.lead
		r.send(m)
	case raftpb.MsgTimeoutNow:
		if r.promotable() {
			r.lg.Infof("%x [term %d] received MsgTimeoutNow from %x and starts an election", r.id, r.Term, m.From)
			r.campaign()
		}
	case raftpb.MsgReadIndex:
		if r.lead == None {
			r.lg.Infof("%x no leader at term %d; dropping index reading msg", r.id, r.Term)
			return nil
		}
		m.To = r.lead
		r.send(m)
	case raftpb.MsgReadIndexResp:
		if len(m.Entries) != 1 {
			r.lg.Errorf("%x invalid format of MsgReadIndexResp from %x, entries count: %d", r.id, m.From, len(m.Entries))
			return nil
		}
		r.readStates = append(r.readStates, ReadState{Index: m.Index, RequestCtx: m.Entries[0].Data})
	}
	return nil
}

func (r *raft) handleAppendEntries(m raftpb.Message) {
	if m.Index < r.raftLog.committed {
		r.send(raftpb.Message{To: m.From, Type: raftpb.MsgAppResp, Index: r.raftLog.committed})
		return
	}
	if mlastIndex, ok := r.raftLog.maybeAppend(m.Index, m.LogTerm, m.Commit, m.Entries...); ok {
		r.send(raftpb.Message{To: m.From, Type: raftpb.MsgAppResp, Index: mlastIndex})
	} else {
		r.lg.Debugf("%x [logterm: %d, index: %d] rejected msgApp [logterm: %d, index: %d] from %x",
			r.id, r.raftLog.zeroTermOnErrCompacted(r.raftLog.term(m.Index)), m.Index, m.LogTerm, m.Index, m.From)
		r.send(raftpb.Message{To: m.From, Type: raftpb.MsgAppResp, Index: m.Index, Reject: true, RejectHint: r.raftLog.lastIndex()})
	}
}

func (r *raft) handleHeartbeat(m raftpb.Message) {
	r.raftLog.commitTo(m.Commit)
	r.send(raftpb.Message{To: m.From, Type: raftpb.MsgHeartbeatResp, Context: m.Context})
}

func (r *raft) handleSnapshot(m raftpb.Message) {
	sindex, sterm := m.Snapshot.Metadata.Index, m.Snapshot.Metadata.Term
	if r.restore(m.Snapshot) {
		r.lg.Infof("%x [commit: %d] restored snapshot [index: %d, term: %d]",
			r.id, r.raftLog.committed, sindex, sterm)
		r.send(raftpb.Message{To: m.From, Type: raftpb.MsgAppResp, Index: r.raftLog.lastIndex()})
	} else {
		r.lg.Infof("%x [commit: %d] ignored snapshot [index: %d, term: %d]",
			r.id, r.raftLog.committed, sindex, sterm)
		r.send(raftpb.Message{To: m.From, Type: raftpb.MsgAppResp, Index: r.raftLog.committed})
	}
}

// restore applies a snapshot's metadata, rebuilding membership from its
// conf state. The data handle is resolved outside the state machine.
func (r *raft) restore(s raftpb.Snapshot) bool {
	if s.Metadata.Index <= r.raftLog.committed {
		return false
	}
	if r.raftLog.matchTerm(s.Metadata.Index, s.Metadata.Term) {
		// The log already covers the snapshot; fast-forward commit only.
		r.raftLog.commitTo(s.Metadata.Index)
		return false
	}
	r.raftLog.restore(s)
	r.prs = make(map[uint64]*Progress)
	for _, n := range s.Metadata.ConfState.Voters {
		r.setProgress(n, 0, r.raftLog.lastIndex()+1, false)
	}
	for _, n := range s.Metadata.ConfState.Learners {
		r.setProgress(n, 0, r.raftLog.lastIndex()+1, true)
	}
	return true
}

// promotable indicates whether the node may campaign: it must be a
// current voter and not mid-snapshot.
func (r *raft) promotable() bool {
	pr, ok := r.prs[r.id]
	return ok && !pr.IsLearner && r.raftLog.unstable.snapshot == nil
}

func (r *raft) applyConfChange(cc raftpb.ConfChange) raftpb.ConfState {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		r.addNodeOrLearner(cc.NodeID, false)
	case raftpb.ConfChangeAddLearnerNode:
		r.addNodeOrLearner(cc.NodeID, true)
	case raftpb.ConfChangePromoteLearner:
		r.addNodeOrLearner(cc.NodeID, false)
	case raftpb.ConfChangeRemoveNode:
		r.removeNode(cc.NodeID)
	default:
		panic("raft: unexpected conf change type")
	}
	cs := raftpb.ConfState{}
	for id, pr := range r.prs {
		if pr.IsLearner {
			cs.Learners = append(cs.Learners, id)
		} else {
			cs.Voters = append(cs.Voters, id)
		}
	}
	sort.Slice(cs.Voters, func(i, j int) bool { return cs.Voters[i] < cs.Voters[j] })
	sort.Slice(cs.Learners, func(i, j int) bool { return cs.Learners[i] < cs.Learners[j] })
	return cs
}

func (r *raft) addNodeOrLearner(id uint64, isLearner bool) {
	pr, ok := r.prs[id]
	if ok {
		if isLearner && !pr.IsLearner {
			// Voter to learner demotion is not supported.
			return
		}
		pr.IsLearner = isLearner
		return
	}
	// New peers start probing from the current last index; Match stays 0
	// until the first successful append.
	r.setProgress(id, 0, r.raftLog.lastIndex()+1, isLearner)
	r.prs[id].RecentActive = true
}

func (r *raft) removeNode(id uint64) {
	delete(r.prs, id)
	if len(r.prs) == 0 {
		return
	}
	// A removal can lower the quorum size and unblock commits.
	if r.state == StateLeader && r.maybeCommit() {
		r.bcastAppend()
	}
	if r.state == StateLeader && r.leadTransferee == id {
		r.abortLeaderTransfer()
	}
}

func (r *raft) setProgress(id, match, next uint64, isLearner bool) {
	r.prs[id] = &Progress{Next: next, Match: match, ins: newInflights(r.maxInflight), IsLearner: isLearner}
}

func (r *raft) loadState(state raftpb.HardState) {
	if state.Commit < r.raftLog.committed || state.Commit > r.raftLog.lastIndex() {
		panic(fmt.Sprintf("raft: %x state.commit %d is out of range [%d, %d]",
			r.id, state.Commit, r.raftLog.committed, r.raftLog.lastIndex()))
	}
	r.raftLog.committed = state.Commit
	r.Term = state.Term
	r.Vote = state.Vote
}

func (r *raft) pastElectionTimeout() bool {
	return r.electionElapsed >= r.randomizedElectionTimeout
}

func (r *raft) resetRandomizedElectionTimeout() {
	r.randomizedElectionTimeout = r.electionTimeout + rand.Intn(r.electionTimeout)
}

// checkQuorumActive clears activity flags and reports whether a quorum
// was active since the last check.
func (r *raft) checkQuorumActive() bool {
	var act int
	for id, pr := range r.prs {
		if id == r.id {
			act++
			continue
		}
		if pr.RecentActive && !pr.IsLearner {
			act++
		}
		pr.RecentActive = false
	}
	return act >= r.quorum()
}

func (r *raft) sendTimeoutNow(to uint64) {
	r.send(raftpb.Message{To: to, Type: raftpb.MsgTimeoutNow})
}

func (r *raft) abortLeaderTransfer() { r.leadTransferee = None }

func numOfPendingConf(ents []raftpb.Entry) int {
	n := 0
	for i := range ents {
		if ents[i].Type == raftpb.EntryConfChange {
			n++
		}
	}
	return n
}
