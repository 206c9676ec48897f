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

package metastore

import (
	"context"
	goerrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/metakvdb/metakv/errors"
	"github.com/metakvdb/metakv/lsm"
	"github.com/metakvdb/metakv/raft"
)

// waterlineManager decides how far compaction may collapse history. The
// waterline is the minimum of two floors: the oldest engine sequence any
// active reader (transaction or snapshot token) still needs, and the
// sequence the engine had one retention window ago. The leader proposes
// advances through consensus so every replica compacts consistently.
type waterlineManager struct {
	store *Store
	lg    *zap.SugaredLogger

	mu      sync.Mutex
	pins    map[uint64]int // read seq -> refcount
	tokens  map[string]snapshotToken
	samples []seqSample

	stopC chan struct{}
	doneC chan struct{}
}

type snapshotToken struct {
	seq     uint64
	expires time.Time
}

type seqSample struct {
	at  time.Time
	seq uint64
}

func newWaterlineManager(s *Store) *waterlineManager {
	return &waterlineManager{
		store:  s,
		lg:     s.cfg.Logger.Sugar().Named("waterline"),
		pins:   make(map[uint64]int),
		tokens: make(map[string]snapshotToken),
		stopC:  make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

func (m *waterlineManager) start() {
	go m.run()
}

func (m *waterlineManager) stop() {
	close(m.stopC)
	<-m.doneC
}

func (m *waterlineManager) run() {
	defer close(m.doneC)
	ticker := time.NewTicker(m.store.cfg.WaterlineInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tick(time.Now())
		case <-m.stopC:
			return
		}
	}
}

func (m *waterlineManager) tick(now time.Time) {
	var seq uint64
	if err := m.store.withEngine(func(db *lsm.DB) error {
		seq = db.Seq()
		return nil
	}); err != nil {
		return
	}

	m.mu.Lock()
	m.expireTokensLocked(now)
	m.samples = append(m.samples, seqSample{at: now, seq: seq})
	horizon := m.retentionHorizonLocked(now)
	floor := m.pinFloorLocked()
	m.mu.Unlock()

	w := horizon
	if floor < w {
		w = floor
	}
	if w == 0 {
		return
	}

	if !m.store.group.IsLeader() {
		return
	}
	var current uint64
	m.store.withEngine(func(db *lsm.DB) error {
		current = db.Waterline()
		return nil
	})
	if w <= current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	payload := framePayload(opWaterline, m.store.group.Term(), encodeUint64(w))
	if err := m.store.group.Propose(ctx, payload); err != nil {
		// A rejection means leadership moved mid-proposal; the new
		// leader recomputes its own floor on the next tick.
		if errors.Code(err) != errors.CodeNotLeader && !goerrors.Is(err, raft.ErrApplyRejected) {
			m.lg.Warnf("waterline proposal failed: %v", err)
		}
		return
	}
	m.lg.Debugf("waterline advanced to %d", w)
}

// retentionHorizonLocked returns the newest sampled sequence older than
// the retention window, dropping samples that will never matter again.
// Zero means no sample has aged past retention yet.
func (m *waterlineManager) retentionHorizonLocked(now time.Time) uint64 {
	cutoff := now.Add(-m.store.cfg.Retention)
	var horizon uint64
	kept := 0
	for i, s := range m.samples {
		if s.at.After(cutoff) {
			kept = i
			break
		}
		horizon = s.seq
		kept = i + 1
	}
	if kept > 1 {
		// Keep the newest pre-cutoff sample so the horizon is monotone.
		m.samples = append(m.samples[:0], m.samples[kept-1:]...)
	}
	return horizon
}

// pinFloorLocked returns the oldest pinned sequence, or the maximum
// value when nothing is pinned.
func (m *waterlineManager) pinFloorLocked() uint64 {
	floor := ^uint64(0)
	for seq := range m.pins {
		if seq < floor {
			floor = seq
		}
	}
	for _, tok := range m.tokens {
		if tok.seq < floor {
			floor = tok.seq
		}
	}
	return floor
}

// pin holds the waterline at or below seq until the returned release
// runs. Transactions pin their read snapshot for their whole lifetime.
func (m *waterlineManager) pin(seq uint64) func() {
	m.mu.Lock()
	m.pins[seq]++
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.pins[seq]--; m.pins[seq] <= 0 {
				delete(m.pins, seq)
			}
			m.mu.Unlock()
		})
	}
}

func (m *waterlineManager) newToken(seq uint64) string {
	id := uuid.New().String()
	m.mu.Lock()
	m.tokens[id] = snapshotToken{
		seq:     seq,
		expires: time.Now().Add(m.store.cfg.SnapshotTokenTTL),
	}
	m.mu.Unlock()
	return id
}

func (m *waterlineManager) tokenSeq(token string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	if !ok {
		return 0, errors.New(errors.CodeInvalidRequest, "unknown or expired snapshot token")
	}
	return tok.seq, nil
}

func (m *waterlineManager) releaseToken(token string) {
	m.mu.Lock()
	delete(m.tokens, token)
	m.mu.Unlock()
}

func (m *waterlineManager) expireTokensLocked(now time.Time) {
	for id, tok := range m.tokens {
		if now.After(tok.expires) {
			delete(m.tokens, id)
		}
	}
}
