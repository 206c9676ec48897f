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
	"encoding/binary"
	goerrors "errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/metakvdb/metakv/common/kvstore"
	"github.com/metakvdb/metakv/errors"
	"github.com/metakvdb/metakv/lsm"
	"github.com/metakvdb/metakv/proto"
	"github.com/metakvdb/metakv/raft"
)

const (
	dataDirName = "data"
	raftDirName = "raft"
)

type Config struct {
	NodeID uint64 `yaml:"node_id"`
	Path   string `yaml:"path"`

	// Members is the initial cluster configuration; only consulted when
	// Bootstrap is set or no prior raft state exists.
	Members   []proto.Member `yaml:"members"`
	Bootstrap bool           `yaml:"bootstrap"`

	Engine lsm.Config `yaml:"engine"`

	TickInterval    time.Duration `yaml:"tick_interval"`
	ElectionTick    int           `yaml:"election_tick"`
	HeartbeatTick   int           `yaml:"heartbeat_tick"`
	SnapshotEntries uint64        `yaml:"snapshot_entries"`
	KeepEntries     uint64        `yaml:"keep_entries"`
	SnapshotRate    int           `yaml:"snapshot_rate"`

	// Retention bounds how long superseded key revisions stay readable.
	// The compaction waterline never advances past it.
	Retention         time.Duration `yaml:"retention"`
	WaterlineInterval time.Duration `yaml:"waterline_interval"`
	SnapshotTokenTTL  time.Duration `yaml:"snapshot_token_ttl"`

	Logger *zap.Logger `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.WaterlineInterval <= 0 {
		c.WaterlineInterval = 30 * time.Second
	}
	if c.SnapshotTokenTTL <= 0 {
		c.SnapshotTokenTTL = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Store is one replica of the metadata store: a consensus group layered
// over the local storage engine, plus the transaction and waterline
// machinery that only act on the leader.
type Store struct {
	cfg Config
	lg  *zap.SugaredLogger

	// dbMu guards the engine pointer; snapshot install swaps it out.
	dbMu sync.RWMutex
	db   *lsm.DB

	group *raft.Group
	tm    *TransactionManager
	wm    *waterlineManager

	appliedIndex atomic.Uint64
	leaderID     atomic.Uint64
	closed       atomic.Bool
}

func Open(cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if cfg.NodeID == 0 {
		return nil, errors.ErrInvalidRequest
	}

	engCfg := cfg.Engine
	engCfg.Dir = filepath.Join(cfg.Path, dataDirName)
	engCfg.Logger = cfg.Logger
	if err := os.MkdirAll(engCfg.Dir, 0o755); err != nil {
		return nil, err
	}
	db, err := lsm.Open(engCfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg: cfg,
		lg:  cfg.Logger.Sugar().Named("store"),
		db:  db,
	}
	applied, waterline := readBookkeeping(db)
	s.appliedIndex.Store(applied)
	db.SetWaterline(waterline)

	group, err := raft.NewGroup(raft.GroupConfig{
		NodeID:          cfg.NodeID,
		WALDir:          filepath.Join(cfg.Path, raftDirName),
		Members:         cfg.Members,
		TickInterval:    cfg.TickInterval,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		SnapshotEntries: cfg.SnapshotEntries,
		KeepEntries:     cfg.KeepEntries,
		SnapshotRate:    cfg.SnapshotRate,
		Logger:          cfg.Logger,
	}, s, cfg.Bootstrap)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.group = group
	s.tm = newTransactionManager(s)
	s.wm = newWaterlineManager(s)
	s.wm.start()
	return s, nil
}

// readBookkeeping recovers the applied index and waterline persisted
// alongside the data they describe.
func readBookkeeping(db *lsm.DB) (applied, waterline uint64) {
	seq := db.Seq()
	if v, err := db.Get(metaKeyApplied, seq); err == nil && len(v) == 8 {
		applied = binary.LittleEndian.Uint64(v)
	}
	if v, err := db.Get(metaKeyWaterline, seq); err == nil && len(v) == 8 {
		waterline = binary.LittleEndian.Uint64(v)
	}
	return applied, waterline
}

func (s *Store) withEngine(fn func(db *lsm.DB) error) error {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	if s.db == nil {
		return errors.ErrClosed
	}
	return fn(s.db)
}

// linearizableSeq runs the read-index protocol and returns an engine
// sequence that covers every write committed before the call started.
func (s *Store) linearizableSeq(ctx context.Context) (uint64, error) {
	idx, err := s.group.ReadIndex(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.group.WaitApplied(ctx, idx); err != nil {
		return 0, err
	}
	var seq uint64
	err = s.withEngine(func(db *lsm.DB) error {
		seq = db.Seq()
		return nil
	})
	return seq, err
}

// Get returns the current value of key, linearizable with respect to
// every write acknowledged before the call.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	seq, err := s.linearizableSeq(ctx)
	if err != nil {
		return nil, err
	}
	return s.getAt(key, seq)
}

// GetAt reads key as of a previously issued snapshot token.
func (s *Store) GetAt(ctx context.Context, token string, key []byte) ([]byte, error) {
	seq, err := s.wm.tokenSeq(token)
	if err != nil {
		return nil, err
	}
	return s.getAt(key, seq)
}

func (s *Store) getAt(key []byte, seq uint64) ([]byte, error) {
	var value []byte
	err := s.withEngine(func(db *lsm.DB) error {
		v, err := db.Get(dataKey(key), seq)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err == kvstore.ErrNotFound {
		return nil, errors.ErrNotFound
	}
	return value, err
}

// GetRange streams every key in [start, end) to fn in order. A nil end
// scans to the last key. Returning an error from fn stops the scan.
func (s *Store) GetRange(ctx context.Context, start, end []byte, fn func(key, value []byte) error) error {
	seq, err := s.linearizableSeq(ctx)
	if err != nil {
		return err
	}
	return s.rangeAt(ctx, start, end, seq, fn)
}

// GetRangeAt is GetRange against a snapshot token.
func (s *Store) GetRangeAt(ctx context.Context, token string, start, end []byte, fn func(key, value []byte) error) error {
	seq, err := s.wm.tokenSeq(token)
	if err != nil {
		return err
	}
	return s.rangeAt(ctx, start, end, seq, fn)
}

func (s *Store) rangeAt(ctx context.Context, start, end []byte, seq uint64, fn func(key, value []byte) error) error {
	return s.withEngine(func(db *lsm.DB) error {
		lo, hi := dataRangeBounds(start, end)
		it := db.NewRangeIter(lo, hi, seq)
		defer it.Close()
		for it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, userKey, subKey, err := decodeKey(it.Key())
			if err != nil {
				return err
			}
			if subKey != proto.SubKeyValue {
				continue
			}
			if err := fn(userKey, it.Value()); err != nil {
				return err
			}
		}
		return it.Err()
	})
}

// Put writes key to value through consensus.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	return s.proposeBatch(ctx, func(b kvstore.WriteBatch) {
		b.Put(dataKey(key), value)
	})
}

// Delete removes key through consensus. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	return s.proposeBatch(ctx, func(b kvstore.WriteBatch) {
		b.Delete(dataKey(key))
	})
}

func (s *Store) proposeBatch(ctx context.Context, fill func(b kvstore.WriteBatch)) error {
	var data []byte
	err := s.withEngine(func(db *lsm.DB) error {
		b := db.NewWriteBatch()
		defer b.Close()
		fill(b)
		data = append([]byte(nil), b.Data()...)
		return nil
	})
	if err != nil {
		return err
	}
	err = s.group.Propose(ctx, framePayload(opBatch, s.group.Term(), data))
	if goerrors.Is(err, raft.ErrApplyRejected) {
		// The write crossed a leadership change; the caller retries
		// against the new leader.
		lead, addr := s.group.Leader()
		return errors.NotLeader(lead, addr)
	}
	return err
}

// Begin opens a transaction. Leader only.
func (s *Store) Begin(ctx context.Context) (*Txn, error) {
	return s.tm.Begin(ctx)
}

// Acquire takes or joins the advisory lock on key. Exclusive locks
// admit a single holder; shared locks accumulate holders. Re-acquiring
// a held lock is a no-op.
func (s *Store) Acquire(ctx context.Context, key []byte, owner uint64, exclusive bool) error {
	txn, err := s.tm.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	var info LockInfo
	raw, err := txn.get(ctx, lockKey(key))
	switch {
	case err == nil:
		if uerr := info.Unmarshal(raw); uerr != nil {
			return uerr
		}
	case errors.Code(err) == errors.CodeNotFound:
	default:
		return err
	}

	if len(info.Holders) > 0 {
		if info.holds(owner) {
			return nil
		}
		if exclusive || info.Exclusive {
			return errors.New(errors.CodeLockHeld, "lock held by another owner")
		}
	}
	info.Exclusive = exclusive
	info.Holders = append(info.Holders, owner)
	if info.AcquiredAt == 0 {
		info.AcquiredAt = time.Now().UnixNano()
	}
	txn.put(lockKey(key), info.Marshal())
	return txn.Commit(ctx)
}

// Release drops owner's hold on the advisory lock. Releasing a lock not
// held returns ErrLockHeld so callers notice fencing violations.
func (s *Store) Release(ctx context.Context, key []byte, owner uint64) error {
	txn, err := s.tm.Begin(ctx)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	raw, err := txn.get(ctx, lockKey(key))
	if err != nil {
		if errors.Code(err) == errors.CodeNotFound {
			return errors.ErrLockHeld
		}
		return err
	}
	var info LockInfo
	if err := info.Unmarshal(raw); err != nil {
		return err
	}
	if !info.holds(owner) {
		return errors.ErrLockHeld
	}
	info.drop(owner)
	if len(info.Holders) == 0 {
		txn.delete(lockKey(key))
	} else {
		txn.put(lockKey(key), info.Marshal())
	}
	return txn.Commit(ctx)
}

// SnapshotToken pins a point-in-time view and returns an opaque token
// for follow-up GetAt/GetRangeAt reads. The pin holds the compaction
// waterline back until released or expired.
func (s *Store) SnapshotToken(ctx context.Context) (string, error) {
	seq, err := s.linearizableSeq(ctx)
	if err != nil {
		return "", err
	}
	return s.wm.newToken(seq), nil
}

// ReleaseSnapshot drops a snapshot token before its TTL.
func (s *Store) ReleaseSnapshot(token string) {
	s.wm.releaseToken(token)
}

func (s *Store) IsLeader() bool               { return s.group.IsLeader() }
func (s *Store) Leader() (uint64, string)     { return s.group.Leader() }
func (s *Store) Members() []proto.Member      { return s.group.Members() }
func (s *Store) RaftStatus() raft.Status      { return s.group.Status() }
func (s *Store) Transport() *raft.Transport   { return s.group.Transport() }
func (s *Store) AppliedIndex() uint64         { return s.appliedIndex.Load() }

func (s *Store) AddMember(ctx context.Context, m proto.Member) error {
	return s.group.AddMember(ctx, m)
}

func (s *Store) RemoveMember(ctx context.Context, nodeID uint64) error {
	return s.group.RemoveMember(ctx, nodeID)
}

func (s *Store) PromoteMember(ctx context.Context, nodeID uint64) error {
	return s.group.PromoteMember(ctx, nodeID)
}

func (s *Store) TransferLeadership(ctx context.Context, nodeID uint64) {
	s.group.TransferLeadership(ctx, nodeID)
}

func (s *Store) Stats() Stats {
	var es kvstore.Stats
	s.withEngine(func(db *lsm.DB) error {
		es = db.Stats()
		return nil
	})
	leader, _ := s.group.Leader()
	return Stats{
		NodeID:       s.cfg.NodeID,
		Leader:       leader,
		Term:         s.group.Term(),
		AppliedIndex: s.appliedIndex.Load(),
		ActiveTxns:   s.tm.activeCount(),
		Engine:       es,
	}
}

type Stats struct {
	NodeID       uint64        `json:"node_id"`
	Leader       uint64        `json:"leader"`
	Term         uint64        `json:"term"`
	AppliedIndex uint64        `json:"applied_index"`
	ActiveTxns   int           `json:"active_txns"`
	Engine       kvstore.Stats `json:"engine"`
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.wm.stop()
	s.tm.purge()
	err := s.group.Close()
	s.dbMu.Lock()
	db := s.db
	s.db = nil
	s.dbMu.Unlock()
	if db != nil {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
