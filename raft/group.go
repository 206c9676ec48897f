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
	"encoding/binary"
	goerrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/metakvdb/metakv/errors"
	"github.com/metakvdb/metakv/proto"
	"github.com/metakvdb/metakv/raft/raftpb"
)

// ErrApplyRejected marks a committed entry the state machine refused
// deterministically. The group reports it to the proposer and keeps
// applying; every replica skips the same entry.
var ErrApplyRejected = goerrors.New("raft: entry rejected by state machine")

// StateMachine is the replicated application driven by a Group. Apply is
// called with committed payloads in log order from a single goroutine;
// term is the log term the entry committed under, so payloads can fence
// against leadership changes between propose and commit.
type StateMachine interface {
	Apply(ctx context.Context, payload []byte, index, term uint64) error
	ApplyMemberChange(member proto.Member, typ raftpb.ConfChangeType, index uint64) error
	// Snapshot opens a chunk source over the state at the current applied
	// index, which must be at least index.
	Snapshot(index uint64) (SnapshotSource, error)
	// InstallSnapshot replaces the state with the incoming stream's
	// contents.
	InstallSnapshot(ctx context.Context, snap *IncomingSnapshot) error
	LeaderChange(leader uint64)
}

type GroupConfig struct {
	NodeID  uint64
	WALDir  string
	Members []proto.Member

	TickInterval  time.Duration
	ElectionTick  int
	HeartbeatTick int

	// SnapshotEntries is the applied-entry interval between local
	// snapshots; KeepEntries stay in the log for slow followers.
	SnapshotEntries uint64
	KeepEntries     uint64
	// SnapshotRate caps outgoing snapshot bandwidth in bytes/sec.
	SnapshotRate int

	Logger *zap.Logger
}

func (c *GroupConfig) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 200 * time.Millisecond
	}
	if c.ElectionTick <= 0 {
		c.ElectionTick = 10
	}
	if c.HeartbeatTick <= 0 {
		c.HeartbeatTick = 1
	}
	if c.SnapshotEntries == 0 {
		c.SnapshotEntries = 10000
	}
	if c.KeepEntries == 0 {
		c.KeepEntries = 1000
	}
	if c.SnapshotRate <= 0 {
		c.SnapshotRate = 64 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Group runs one replicated state machine: it drives the consensus node,
// persists its state, routes its traffic, and feeds committed entries to
// the application.
type Group struct {
	cfg GroupConfig
	lg  *zap.Logger

	node      *Node
	storage   *DiskStorage
	transport *Transport
	sm        StateMachine

	recorder *snapshotRecorder
	limiter  *rate.Limiter

	memberMu sync.RWMutex
	members  map[uint64]proto.Member

	applied   atomic.Uint64
	leader    atomic.Uint64
	term      atomic.Uint64
	confState raftpb.ConfState

	notifyID atomic.Uint64
	waitMu   sync.Mutex
	waiters  map[uint64]chan error
	// readWaiters key on the read request context bytes.
	readWaiters map[uint64]chan uint64
	// applyWaiters wake when the applied index reaches their key.
	applyWaiters []applyWaiter

	done    chan struct{}
	stopped sync.WaitGroup
}

type applyWaiter struct {
	index uint64
	ch    chan struct{}
}

// NewGroup recovers (or bootstraps) the group. bootstrap must be true on
// first start of a new cluster only, and then on exactly the configured
// members.
func NewGroup(cfg GroupConfig, sm StateMachine, bootstrap bool) (*Group, error) {
	cfg.applyDefaults()
	storage, err := OpenDiskStorage(cfg.WALDir, cfg.Logger)
	if err != nil {
		return nil, err
	}

	g := &Group{
		cfg:         cfg,
		lg:          cfg.Logger,
		storage:     storage,
		sm:          sm,
		recorder:    newSnapshotRecorder(),
		limiter:     rate.NewLimiter(rate.Limit(cfg.SnapshotRate), cfg.SnapshotRate),
		members:     make(map[uint64]proto.Member),
		waiters:     make(map[uint64]chan error),
		readWaiters: make(map[uint64]chan uint64),
		done:        make(chan struct{}),
	}
	g.notifyID.Store(uint64(time.Now().UnixNano()))
	for _, m := range cfg.Members {
		g.members[m.NodeID] = m
	}
	g.transport = NewTransport(TransportConfig{
		NodeID:   cfg.NodeID,
		Resolver: g,
		Sink:     g,
		Logger:   cfg.Logger,
	})

	rc := &Config{
		ID:            cfg.NodeID,
		ElectionTick:  cfg.ElectionTick,
		HeartbeatTick: cfg.HeartbeatTick,
		Storage:       storage,
		CheckQuorum:   true,
		Logger:        cfg.Logger,
	}
	if bootstrap {
		peers := make([]Peer, 0, len(cfg.Members))
		for _, m := range cfg.Members {
			peers = append(peers, Peer{ID: m.NodeID, Context: m.Marshal(), Learner: m.Learner})
		}
		g.node = StartNode(rc, peers)
	} else {
		g.node = RestartNode(rc)
	}

	g.stopped.Add(1)
	go g.run()
	return g, nil
}

func (g *Group) Transport() *Transport { return g.transport }

func (g *Group) run() {
	defer g.stopped.Done()
	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.node.Tick()
		case rd := <-g.node.Ready():
			if err := g.handleReady(rd); err != nil {
				g.lg.Fatal("raft ready handling failed", zap.Error(err))
			}
			g.node.Advance()
		}
	}
}

func (g *Group) handleReady(rd Ready) error {
	if rd.SoftState != nil {
		g.leader.Store(rd.SoftState.Lead)
		g.sm.LeaderChange(rd.SoftState.Lead)
	}
	if rd.HardState.Term != 0 {
		g.term.Store(rd.HardState.Term)
	}

	// Persistence happens before any message leaves the node; a vote or
	// append ack must never outrun its own durability. The snapshot goes
	// first since any entries in this batch sit on top of it.
	if !raftpb.IsEmptySnap(rd.Snapshot) {
		// The data was installed when the stream arrived; here the log
		// catches up to it.
		if err := g.storage.SaveSnapshot(rd.Snapshot); err != nil && err != ErrSnapOutOfDate {
			return err
		}
		g.advanceApplied(rd.Snapshot.Metadata.Index)
	}
	if err := g.storage.Save(rd.HardState, rd.Entries, true); err != nil {
		return err
	}

	for _, rs := range rd.ReadStates {
		g.deliverReadState(rs)
	}

	g.sendMessages(rd.Messages)

	if err := g.applyEntries(rd.CommittedEntries); err != nil {
		return err
	}
	return g.maybeTriggerSnapshot()
}

func (g *Group) sendMessages(msgs []raftpb.Message) {
	out := msgs[:0]
	for i := range msgs {
		if msgs[i].Type == raftpb.MsgSnap {
			g.startSnapshotSend(msgs[i])
			continue
		}
		out = append(out, msgs[i])
	}
	g.transport.Send(out)
}

// startSnapshotSend streams a snapshot to a lagging follower off the
// ready loop.
func (g *Group) startSnapshotSend(m raftpb.Message) {
	source, err := g.sm.Snapshot(m.Snapshot.Metadata.Index)
	if err != nil {
		g.lg.Warn("cannot open snapshot source",
			zap.Uint64("to", m.To), zap.Error(err))
		g.node.ReportSnapshot(m.To, true)
		return
	}
	out := &OutgoingSnapshot{ID: NewSnapshotID(), Term: m.Term, Snap: m.Snapshot, Source: source}
	if err := g.recorder.Set(out); err != nil {
		source.Close()
		g.node.ReportSnapshot(m.To, true)
		return
	}
	g.stopped.Add(1)
	go func() {
		defer g.stopped.Done()
		defer func() {
			if s, err := g.recorder.Pop(out.ID); err == nil {
				s.Source.Close()
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), snapshotExpiry)
		defer cancel()
		err := g.transport.SendSnapshot(ctx, m.To, out, g.limiter)
		if err != nil {
			g.lg.Warn("snapshot send failed",
				zap.Uint64("to", m.To),
				zap.Uint64("index", m.Snapshot.Metadata.Index),
				zap.Error(err))
		} else {
			g.lg.Info("snapshot sent",
				zap.Uint64("to", m.To),
				zap.Uint64("index", m.Snapshot.Metadata.Index))
		}
		g.node.ReportSnapshot(m.To, err != nil)
	}()
}

func (g *Group) applyEntries(ents []raftpb.Entry) error {
	ctx := context.Background()
	for i := range ents {
		e := &ents[i]
		switch e.Type {
		case raftpb.EntryNormal:
			if len(e.Data) == 0 {
				break
			}
			id := binary.LittleEndian.Uint64(e.Data)
			err := g.sm.Apply(ctx, e.Data[8:], e.Index, e.Term)
			g.notify(id, err)
			if err != nil && !goerrors.Is(err, ErrApplyRejected) {
				return fmt.Errorf("apply entry %d: %w", e.Index, err)
			}
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(e.Data); err != nil {
				return err
			}
			g.confState = *g.node.ApplyConfChange(cc)
			var member proto.Member
			if len(cc.Context) > 0 {
				if err := member.Unmarshal(cc.Context); err != nil {
					return err
				}
			} else {
				member = proto.Member{NodeID: cc.NodeID}
			}
			g.applyMember(member, cc.Type)
			if err := g.sm.ApplyMemberChange(member, cc.Type, e.Index); err != nil {
				return err
			}
			g.notify(cc.ID, nil)
		}
		g.advanceApplied(e.Index)
	}
	return nil
}

func (g *Group) applyMember(m proto.Member, typ raftpb.ConfChangeType) {
	g.memberMu.Lock()
	defer g.memberMu.Unlock()
	switch typ {
	case raftpb.ConfChangeRemoveNode:
		delete(g.members, m.NodeID)
	case raftpb.ConfChangePromoteLearner:
		cur, ok := g.members[m.NodeID]
		if ok {
			cur.Learner = false
			g.members[m.NodeID] = cur
		}
	default:
		g.members[m.NodeID] = m
	}
}

func (g *Group) advanceApplied(index uint64) {
	if index <= g.applied.Load() {
		return
	}
	g.applied.Store(index)
	g.waitMu.Lock()
	kept := g.applyWaiters[:0]
	for _, w := range g.applyWaiters {
		if w.index <= index {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	g.applyWaiters = kept
	g.waitMu.Unlock()
}

func (g *Group) maybeTriggerSnapshot() error {
	applied := g.applied.Load()
	first, err := g.storage.FirstIndex()
	if err != nil {
		return err
	}
	if applied < first || applied-first < g.cfg.SnapshotEntries {
		return nil
	}
	snap, err := g.storage.CreateSnapshot(applied, &g.confState, []byte(NewSnapshotID()))
	if err != nil {
		if err == ErrSnapOutOfDate {
			return nil
		}
		return err
	}
	if err := g.storage.MarkCompacted(snap, g.cfg.KeepEntries); err != nil {
		return err
	}
	g.lg.Info("created local snapshot",
		zap.Uint64("index", snap.Metadata.Index),
		zap.Uint64("term", snap.Metadata.Term))
	return nil
}

// Propose replicates payload and waits until it is applied locally.
func (g *Group) Propose(ctx context.Context, payload []byte) error {
	id, ch := g.addWaiter()
	defer g.removeWaiter(id)

	data := make([]byte, 8, 8+len(payload))
	binary.LittleEndian.PutUint64(data, id)
	data = append(data, payload...)
	if err := g.node.Propose(ctx, data); err != nil {
		return g.mapProposeErr(err)
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrStopped
	}
}

func (g *Group) mapProposeErr(err error) error {
	if err == ErrProposalDropped {
		lead := g.leader.Load()
		return errors.NotLeader(lead, g.memberAddr(lead))
	}
	return err
}

// ReadIndex returns an applied-safe read sequence: once the local applied
// index reaches the returned value, a read is linearizable.
func (g *Group) ReadIndex(ctx context.Context) (uint64, error) {
	id := g.notifyID.Add(1)
	ch := make(chan uint64, 1)
	g.waitMu.Lock()
	g.readWaiters[id] = ch
	g.waitMu.Unlock()
	defer func() {
		g.waitMu.Lock()
		delete(g.readWaiters, id)
		g.waitMu.Unlock()
	}()

	var rctx [8]byte
	binary.LittleEndian.PutUint64(rctx[:], id)
	if err := g.node.ReadIndex(ctx, rctx[:]); err != nil {
		return 0, err
	}
	select {
	case index := <-ch:
		return index, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-g.done:
		return 0, ErrStopped
	}
}

func (g *Group) deliverReadState(rs ReadState) {
	if len(rs.RequestCtx) != 8 {
		return
	}
	id := binary.LittleEndian.Uint64(rs.RequestCtx)
	g.waitMu.Lock()
	ch, ok := g.readWaiters[id]
	g.waitMu.Unlock()
	if ok {
		ch <- rs.Index
	}
}

// WaitApplied blocks until the local applied index reaches index.
func (g *Group) WaitApplied(ctx context.Context, index uint64) error {
	if g.applied.Load() >= index {
		return nil
	}
	ch := make(chan struct{})
	g.waitMu.Lock()
	if g.applied.Load() >= index {
		g.waitMu.Unlock()
		return nil
	}
	g.applyWaiters = append(g.applyWaiters, applyWaiter{index: index, ch: ch})
	g.waitMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrStopped
	}
}

func (g *Group) addWaiter() (uint64, chan error) {
	id := g.notifyID.Add(1)
	ch := make(chan error, 1)
	g.waitMu.Lock()
	g.waiters[id] = ch
	g.waitMu.Unlock()
	return id, ch
}

func (g *Group) removeWaiter(id uint64) {
	g.waitMu.Lock()
	delete(g.waiters, id)
	g.waitMu.Unlock()
}

func (g *Group) notify(id uint64, err error) {
	g.waitMu.Lock()
	ch, ok := g.waiters[id]
	g.waitMu.Unlock()
	if ok {
		ch <- err
	}
}

// AddMember proposes a single-step membership addition.
func (g *Group) AddMember(ctx context.Context, m proto.Member) error {
	typ := raftpb.ConfChangeAddNode
	if m.Learner {
		typ = raftpb.ConfChangeAddLearnerNode
	}
	return g.proposeConfChange(ctx, raftpb.ConfChange{Type: typ, NodeID: m.NodeID, Context: m.Marshal()})
}

func (g *Group) RemoveMember(ctx context.Context, nodeID uint64) error {
	return g.proposeConfChange(ctx, raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: nodeID})
}

func (g *Group) PromoteMember(ctx context.Context, nodeID uint64) error {
	g.memberMu.RLock()
	m, ok := g.members[nodeID]
	g.memberMu.RUnlock()
	if !ok {
		return errors.ErrNodeNotFound
	}
	m.Learner = false
	return g.proposeConfChange(ctx, raftpb.ConfChange{Type: raftpb.ConfChangePromoteLearner, NodeID: nodeID, Context: m.Marshal()})
}

func (g *Group) proposeConfChange(ctx context.Context, cc raftpb.ConfChange) error {
	id, ch := g.addWaiter()
	defer g.removeWaiter(id)
	cc.ID = id
	if err := g.node.ProposeConfChange(ctx, cc); err != nil {
		return g.mapProposeErr(err)
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrStopped
	}
}

// TransferLeadership hands the lead to transferee and lets the transfer
// finish asynchronously.
func (g *Group) TransferLeadership(ctx context.Context, transferee uint64) {
	g.node.TransferLeadership(ctx, g.leader.Load(), transferee)
}

func (g *Group) Campaign(ctx context.Context) error { return g.node.Campaign(ctx) }

func (g *Group) IsLeader() bool { return g.leader.Load() == g.cfg.NodeID }

func (g *Group) Leader() (uint64, string) {
	lead := g.leader.Load()
	return lead, g.memberAddr(lead)
}

func (g *Group) Applied() uint64 { return g.applied.Load() }

func (g *Group) Term() uint64 { return g.term.Load() }

func (g *Group) Status() Status { return g.node.Status() }

func (g *Group) Members() []proto.Member {
	g.memberMu.RLock()
	defer g.memberMu.RUnlock()
	out := make([]proto.Member, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	return out
}

func (g *Group) memberAddr(nodeID uint64) string {
	g.memberMu.RLock()
	defer g.memberMu.RUnlock()
	return g.members[nodeID].Host
}

// NodeAddr implements AddressResolver.
func (g *Group) NodeAddr(_ context.Context, nodeID uint64) (string, error) {
	g.memberMu.RLock()
	defer g.memberMu.RUnlock()
	m, ok := g.members[nodeID]
	if !ok {
		return "", errors.ErrNodeNotFound
	}
	return m.Host, nil
}

// HandleMessage implements MessageSink.
func (g *Group) HandleMessage(ctx context.Context, m raftpb.Message) error {
	return g.node.Step(ctx, m)
}

// HandleSnapshot implements MessageSink: the state is installed from the
// stream first, then the snapshot message is stepped so the log and
// membership catch up.
func (g *Group) HandleSnapshot(ctx context.Context, snap *IncomingSnapshot) error {
	g.lg.Info("receiving snapshot",
		zap.String("id", snap.ID),
		zap.Uint64("from", snap.From),
		zap.Uint64("index", snap.Snap.Metadata.Index))
	if err := g.sm.InstallSnapshot(ctx, snap); err != nil {
		return err
	}
	m := raftpb.Message{
		Type:     raftpb.MsgSnap,
		From:     snap.From,
		To:       g.cfg.NodeID,
		Term:     snap.Term,
		Snapshot: snap.Snap,
	}
	return g.node.Step(ctx, m)
}

// ReportUnreachable implements MessageSink.
func (g *Group) ReportUnreachable(id uint64) { g.node.ReportUnreachable(id) }

func (g *Group) Close() error {
	select {
	case <-g.done:
		return nil
	default:
	}
	close(g.done)
	g.node.Stop()
	g.transport.Stop()
	g.stopped.Wait()
	g.recorder.Close()
	return g.storage.Close()
}
