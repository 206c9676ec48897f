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

	"github.com/metakvdb/metakv/raft/raftpb"
)

// SoftState is volatile state exposed for observability; it is not
// persisted.
type SoftState struct {
	Lead      uint64
	RaftState StateType
}

func (a *SoftState) equal(b *SoftState) bool {
	return a.Lead == b.Lead && a.RaftState == b.RaftState
}

// Ready bundles everything the driver must act on: state to persist,
// messages to send (only after persisting), and entries to apply.
type Ready struct {
	*SoftState

	raftpb.HardState

	ReadStates []ReadState

	// Entries must be appended to stable storage before Messages are
	// sent.
	Entries []raftpb.Entry

	Snapshot raftpb.Snapshot

	CommittedEntries []raftpb.Entry

	Messages []raftpb.Message
}

func (rd Ready) containsUpdates() bool {
	return rd.SoftState != nil || !raftpb.IsEmptyHardState(rd.HardState) ||
		!raftpb.IsEmptySnap(rd.Snapshot) || len(rd.Entries) > 0 ||
		len(rd.CommittedEntries) > 0 || len(rd.Messages) > 0 || len(rd.ReadStates) != 0
}

func newReady(r *raft, prevSoftSt *SoftState, prevHardSt raftpb.HardState) Ready {
	rd := Ready{
		Entries:          r.raftLog.unstableEntries(),
		CommittedEntries: r.raftLog.nextEnts(),
		Messages:         r.msgs,
	}
	if softSt := r.softState(); !softSt.equal(prevSoftSt) {
		rd.SoftState = softSt
	}
	if hardSt := r.hardState(); hardSt != prevHardSt {
		rd.HardState = hardSt
	}
	if r.raftLog.unstable.snapshot != nil {
		rd.Snapshot = *r.raftLog.unstable.snapshot
	}
	if len(r.readStates) != 0 {
		rd.ReadStates = r.readStates
	}
	return rd
}

var (
	// ErrStopped is returned by Node methods after Stop.
	ErrStopped = errors.New("raft: stopped")
)

// Node drives a raft state machine from a single goroutine. All methods
// are safe for concurrent use.
type Node struct {
	propc      chan msgWithResult
	recvc      chan raftpb.Message
	confc      chan raftpb.ConfChange
	confstatec chan raftpb.ConfState
	readyc     chan Ready
	advancec   chan struct{}
	tickc      chan struct{}
	done       chan struct{}
	stop       chan struct{}
	status     chan chan Status

	r *raft
}

type msgWithResult struct {
	m      raftpb.Message
	result chan error
}

// Peer seeds initial membership when bootstrapping a new cluster.
type Peer struct {
	ID      uint64
	Context []byte
	Learner bool
}

// StartNode bootstraps a fresh group: it appends initial conf change
// entries for peers and starts the driver.
func StartNode(c *Config, peers []Peer) *Node {
	r := newRaft(c)
	// Term 1 holds the bootstrap membership entries.
	r.becomeFollower(1, None)
	for _, peer := range peers {
		typ := raftpb.ConfChangeAddNode
		if peer.Learner {
			typ = raftpb.ConfChangeAddLearnerNode
		}
		cc := raftpb.ConfChange{Type: typ, NodeID: peer.ID, Context: peer.Context}
		e := raftpb.Entry{
			Type:  raftpb.EntryConfChange,
			Term:  1,
			Index: r.raftLog.lastIndex() + 1,
			Data:  cc.Marshal(),
		}
		r.raftLog.append(e)
	}
	// The bootstrap entries are committed by construction: every member
	// starts from the same ones.
	r.raftLog.committed = r.raftLog.lastIndex()
	for _, peer := range peers {
		r.addNodeOrLearner(peer.ID, peer.Learner)
	}
	n := newNode(r)
	go n.run()
	return n
}

// RestartNode resumes a node whose state lives in c.Storage.
func RestartNode(c *Config) *Node {
	r := newRaft(c)
	n := newNode(r)
	go n.run()
	return n
}

func newNode(r *raft) *Node {
	return &Node{
		propc:      make(chan msgWithResult),
		recvc:      make(chan raftpb.Message),
		confc:      make(chan raftpb.ConfChange),
		confstatec: make(chan raftpb.ConfState),
		readyc:     make(chan Ready),
		advancec:   make(chan struct{}),
		tickc:      make(chan struct{}, 128),
		done:       make(chan struct{}),
		stop:       make(chan struct{}),
		status:     make(chan chan Status),
		r:          r,
	}
}

func (n *Node) Stop() {
	select {
	case n.stop <- struct{}{}:
	case <-n.done:
		return
	}
	<-n.done
}

func (n *Node) run() {
	var propc chan msgWithResult
	var readyc chan Ready
	var advancec chan struct{}
	var prevLastUnstablei, prevLastUnstablet uint64
	var havePrevLastUnstablei bool
	var prevSnapi uint64
	var applyingToI uint64
	var rd Ready

	r := n.r

	lead := None
	prevSoftSt := r.softState()
	prevHardSt := r.hardState()

	for {
		if advancec != nil {
			readyc = nil
		} else {
			rd = newReady(r, prevSoftSt, prevHardSt)
			if rd.containsUpdates() {
				readyc = n.readyc
			} else {
				readyc = nil
			}
		}

		if lead != r.lead {
			if r.hasLeader() {
				if lead == None {
					r.lg.Infof("raft.node: %x elected leader %x at term %d", r.id, r.lead, r.Term)
				} else {
					r.lg.Infof("raft.node: %x changed leader from %x to %x at term %d", r.id, lead, r.lead, r.Term)
				}
				propc = n.propc
			} else {
				r.lg.Infof("raft.node: %x lost leader %x at term %d", r.id, lead, r.Term)
				propc = nil
			}
			lead = r.lead
		}

		select {
		case pm := <-propc:
			m := pm.m
			m.From = r.id
			err := r.Step(m)
			if pm.result != nil {
				pm.result <- err
				close(pm.result)
			}
		case m := <-n.recvc:
			// Responses from removed peers are dropped; everything else
			// from a known peer steps the machine.
			if pr := r.prs[m.From]; pr != nil || !raftpb.IsResponseMsg(m.Type) {
				r.Step(m)
			}
		case cc := <-n.confc:
			var cs raftpb.ConfState
			if cc.NodeID == None {
				cs = r.applyConfChange(raftpb.ConfChange{})
			} else {
				cs = r.applyConfChange(cc)
			}
			select {
			case n.confstatec <- cs:
			case <-n.done:
			}
		case <-n.tickc:
			r.tick()
		case readyc <- rd:
			if rd.SoftState != nil {
				prevSoftSt = rd.SoftState
			}
			if len(rd.Entries) > 0 {
				prevLastUnstablei = rd.Entries[len(rd.Entries)-1].Index
				prevLastUnstablet = rd.Entries[len(rd.Entries)-1].Term
				havePrevLastUnstablei = true
			}
			if !raftpb.IsEmptyHardState(rd.HardState) {
				prevHardSt = rd.HardState
			}
			if !raftpb.IsEmptySnap(rd.Snapshot) {
				prevSnapi = rd.Snapshot.Metadata.Index
			}
			if index := committedEntryLastIndex(rd.CommittedEntries); index != 0 {
				applyingToI = index
			}
			r.msgs = nil
			r.readStates = nil
			advancec = n.advancec
		case <-advancec:
			if applyingToI != 0 {
				r.raftLog.appliedTo(applyingToI)
				applyingToI = 0
			}
			if havePrevLastUnstablei {
				r.raftLog.stableTo(prevLastUnstablei, prevLastUnstablet)
				havePrevLastUnstablei = false
			}
			r.raftLog.stableSnapTo(prevSnapi)
			advancec = nil
		case c := <-n.status:
			c <- getStatus(r)
		case <-n.stop:
			close(n.done)
			return
		}
	}
}

func committedEntryLastIndex(ents []raftpb.Entry) uint64 {
	if len(ents) == 0 {
		return 0
	}
	return ents[len(ents)-1].Index
}

// Tick advances the logical clock by one tick.
func (n *Node) Tick() {
	select {
	case n.tickc <- struct{}{}:
	case <-n.done:
	default:
		n.r.lg.Warnf("%x (leader %v) A tick missed to fire. Node blocks too long!", n.r.id, n.r.id == n.r.lead)
	}
}

func (n *Node) Campaign(ctx context.Context) error {
	return n.step(ctx, raftpb.Message{Type: raftpb.MsgHup})
}

// Propose submits data for replication. A nil error only means the
// proposal was accepted locally, not that it is committed.
func (n *Node) Propose(ctx context.Context, data []byte) error {
	return n.stepWait(ctx, raftpb.Message{Type: raftpb.MsgProp, Entries: []raftpb.Entry{{Data: data}}})
}

func (n *Node) ProposeConfChange(ctx context.Context, cc raftpb.ConfChange) error {
	return n.stepWait(ctx, raftpb.Message{
		Type:    raftpb.MsgProp,
		Entries: []raftpb.Entry{{Type: raftpb.EntryConfChange, Data: cc.Marshal()}},
	})
}

// Step feeds a message from the transport into the state machine.
func (n *Node) Step(ctx context.Context, m raftpb.Message) error {
	if raftpb.IsLocalMsg(m.Type) {
		return nil
	}
	return n.step(ctx, m)
}

func (n *Node) step(ctx context.Context, m raftpb.Message) error {
	return n.stepWithWaitOption(ctx, m, false)
}

func (n *Node) stepWait(ctx context.Context, m raftpb.Message) error {
	return n.stepWithWaitOption(ctx, m, true)
}

func (n *Node) stepWithWaitOption(ctx context.Context, m raftpb.Message, wait bool) error {
	if m.Type != raftpb.MsgProp {
		select {
		case n.recvc <- m:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-n.done:
			return ErrStopped
		}
	}
	ch := n.propc
	pm := msgWithResult{m: m}
	if wait {
		pm.result = make(chan error, 1)
	}
	select {
	case ch <- pm:
		if !wait {
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return ErrStopped
	}
	select {
	case err := <-pm.result:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return ErrStopped
	}
	return nil
}

func (n *Node) Ready() <-chan Ready { return n.readyc }

// Advance signals that the previous Ready was fully processed.
func (n *Node) Advance() {
	select {
	case n.advancec <- struct{}{}:
	case <-n.done:
	}
}

func (n *Node) ApplyConfChange(cc raftpb.ConfChange) *raftpb.ConfState {
	var cs raftpb.ConfState
	select {
	case n.confc <- cc:
	case <-n.done:
	}
	select {
	case cs = <-n.confstatec:
	case <-n.done:
	}
	return &cs
}

func (n *Node) Status() Status {
	c := make(chan Status)
	select {
	case n.status <- c:
		return <-c
	case <-n.done:
		return Status{}
	}
}

// ReportUnreachable tells the leader a message to id failed to deliver.
func (n *Node) ReportUnreachable(id uint64) {
	select {
	case n.recvc <- raftpb.Message{Type: raftpb.MsgUnreachable, From: id}:
	case <-n.done:
	}
}

// ReportSnapshot reports the outcome of a snapshot transfer to id.
func (n *Node) ReportSnapshot(id uint64, rejected bool) {
	select {
	case n.recvc <- raftpb.Message{Type: raftpb.MsgSnapStatus, From: id, Reject: rejected}:
	case <-n.done:
	}
}

func (n *Node) TransferLeadership(ctx context.Context, lead, transferee uint64) {
	select {
	// The message is stepped as if it came from the transferee.
	case n.recvc <- raftpb.Message{Type: raftpb.MsgTransferLeader, From: transferee, To: lead}:
	case <-n.done:
	case <-ctx.Done():
	}
}

// ReadIndex registers a read request identified by rctx; the matching
// ReadState surfaces in a later Ready once a quorum confirms leadership.
func (n *Node) ReadIndex(ctx context.Context, rctx []byte) error {
	return n.step(ctx, raftpb.Message{Type: raftpb.MsgReadIndex, Entries: []raftpb.Entry{{Data: rctx}}})
}

// Status is a point-in-time snapshot of the state machine for debugging
// endpoints.
type Status struct {
	ID uint64

	raftpb.HardState
	SoftState

	Applied  uint64
	Progress map[uint64]Progress

	LeadTransferee uint64
}

func getStatus(r *raft) Status {
	s := Status{
		ID:             r.id,
		LeadTransferee: r.leadTransferee,
	}
	s.HardState = r.hardState()
	s.SoftState = *r.softState()
	s.Applied = r.raftLog.applied
	if s.RaftState == StateLeader {
		s.Progress = make(map[uint64]Progress, len(r.prs))
		for id, p := range r.prs {
			s.Progress[id] = *p
		}
	}
	return s
}
