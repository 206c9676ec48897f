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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/metakvdb/metakv/errors"
	"github.com/metakvdb/metakv/lsm"
	"github.com/metakvdb/metakv/proto"
	"github.com/metakvdb/metakv/raft"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		NodeID:            1,
		Path:              t.TempDir(),
		Members:           []proto.Member{{NodeID: 1, Host: "127.0.0.1:7001"}},
		Bootstrap:         true,
		TickInterval:      5 * time.Millisecond,
		ElectionTick:      3,
		HeartbeatTick:     1,
		WaterlineInterval: 20 * time.Millisecond,
		Retention:         time.Hour,
		Logger:            zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.Eventually(t, s.IsLeader, 5*time.Second, 10*time.Millisecond,
		"single node did not elect itself")
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []byte("alpha"), []byte("1")))
	v, err := s.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, s.Delete(ctx, []byte("alpha")))
	_, err = s.Get(ctx, []byte("alpha"))
	require.ErrorIs(t, err, errors.ErrNotFound)

	// Deleting an absent key succeeds.
	require.NoError(t, s.Delete(ctx, []byte("alpha")))
}

func TestGetRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Put(ctx, []byte(k), []byte("v-"+k)))
	}

	var keys []string
	err := s.GetRange(ctx, []byte("b"), []byte("d"), func(key, value []byte) error {
		keys = append(keys, string(key))
		require.Equal(t, "v-"+string(key), string(value))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, keys)

	// Nil end scans to the last key.
	keys = keys[:0]
	require.NoError(t, s.GetRange(ctx, []byte("c"), nil, func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	require.Equal(t, []string{"c", "d"}, keys)
}

func TestTxnReadYourWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("k"), []byte("old")))

	txn, err := s.Begin(ctx)
	require.NoError(t, err)
	defer txn.Rollback()

	txn.Put([]byte("k"), []byte("new"))
	txn.Put([]byte("fresh"), []byte("1"))
	txn.Delete([]byte("k2"))

	v, err := txn.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)

	var got []string
	require.NoError(t, txn.GetRange(ctx, nil, nil, func(key, value []byte) error {
		got = append(got, string(key)+"="+string(value))
		return nil
	}))
	require.Equal(t, []string{"fresh=1", "k=new"}, got)

	// Nothing visible outside before commit.
	_, err = s.Get(ctx, []byte("fresh"))
	require.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, txn.Commit(ctx))
	v, err = s.Get(ctx, []byte("fresh"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestTxnLostUpdateAborts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("counter"), []byte("0")))

	a, err := s.Begin(ctx)
	require.NoError(t, err)
	b, err := s.Begin(ctx)
	require.NoError(t, err)

	_, err = a.Get(ctx, []byte("counter"))
	require.NoError(t, err)
	_, err = b.Get(ctx, []byte("counter"))
	require.NoError(t, err)

	a.Put([]byte("counter"), []byte("a"))
	b.Put([]byte("counter"), []byte("b"))

	require.NoError(t, a.Commit(ctx))

	err = b.Commit(ctx)
	require.Error(t, err)
	require.Equal(t, errors.CodeAbortedStale, errors.Code(err))

	v, err := s.Get(ctx, []byte("counter"))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), v)
}

func TestTxnRangeReadInvalidatedByWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("dir/a"), []byte("1")))

	txn, err := s.Begin(ctx)
	require.NoError(t, err)
	defer txn.Rollback()

	n := 0
	require.NoError(t, txn.GetRange(ctx, []byte("dir/"), []byte("dir0"), func(_, _ []byte) error {
		n++
		return nil
	}))
	require.Equal(t, 1, n)
	txn.Put([]byte("dir/summary"), []byte("1 entries"))

	// A write lands inside the scanned range after the snapshot.
	require.NoError(t, s.Put(ctx, []byte("dir/b"), []byte("2")))

	err = txn.Commit(ctx)
	require.Equal(t, errors.CodeAbortedStale, errors.Code(err))
}

func TestTxnSnapshotIgnoresLaterWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("k"), []byte("v1")))

	txn, err := s.Begin(ctx)
	require.NoError(t, err)
	defer txn.Rollback()

	require.NoError(t, s.Put(ctx, []byte("k"), []byte("v2")))

	v, err := txn.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestTxnEmptyCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	txn, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = txn.Get(ctx, []byte("nothing"))
	require.ErrorIs(t, err, errors.ErrNotFound)
	require.NoError(t, txn.Commit(ctx))

	// Operations after commit fail.
	_, err = txn.Get(ctx, []byte("nothing"))
	require.Error(t, err)
}

func TestApplyRejectsCrossTermBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("k"), []byte("v1")))

	var data []byte
	require.NoError(t, s.withEngine(func(db *lsm.DB) error {
		b := db.NewWriteBatch()
		defer b.Close()
		b.Put(dataKey([]byte("k")), []byte("forwarded"))
		data = append([]byte(nil), b.Data()...)
		return nil
	}))
	term := s.group.Term()

	// A batch proposed under an older term but committed under a newer
	// one is skipped on every replica.
	idx := s.AppliedIndex() + 1
	err := s.Apply(ctx, framePayload(opBatch, term, data), idx, term+1)
	require.ErrorIs(t, err, raft.ErrApplyRejected)
	require.Equal(t, idx, s.AppliedIndex())
	v, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	// The same batch applies when the terms agree.
	require.NoError(t, s.Apply(ctx, framePayload(opBatch, term, data), idx+1, term))
	v, err = s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("forwarded"), v)
}

func TestBeginFailsFastOnFollower(t *testing.T) {
	// Slow ticks keep the node from electing itself during the test.
	s, err := Open(Config{
		NodeID:        1,
		Path:          t.TempDir(),
		Members:       []proto.Member{{NodeID: 1, Host: "127.0.0.1:7001"}},
		Bootstrap:     true,
		TickInterval:  time.Hour,
		ElectionTick:  10,
		HeartbeatTick: 1,
		Retention:     time.Hour,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Begin(context.Background())
	require.Equal(t, errors.CodeNotLeader, errors.Code(err))
}

func TestAdvisoryLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := []byte("config")

	require.NoError(t, s.Acquire(ctx, key, 100, true))

	err := s.Acquire(ctx, key, 200, true)
	require.Equal(t, errors.CodeLockHeld, errors.Code(err))
	err = s.Acquire(ctx, key, 200, false)
	require.Equal(t, errors.CodeLockHeld, errors.Code(err))

	// Re-acquire by the holder is a no-op.
	require.NoError(t, s.Acquire(ctx, key, 100, true))

	require.NoError(t, s.Release(ctx, key, 100))
	err = s.Release(ctx, key, 100)
	require.Equal(t, errors.CodeLockHeld, errors.Code(err))

	// Shared holders accumulate and block exclusive acquisition.
	require.NoError(t, s.Acquire(ctx, key, 1, false))
	require.NoError(t, s.Acquire(ctx, key, 2, false))
	err = s.Acquire(ctx, key, 3, true)
	require.Equal(t, errors.CodeLockHeld, errors.Code(err))
	require.NoError(t, s.Release(ctx, key, 1))
	require.NoError(t, s.Release(ctx, key, 2))
	require.NoError(t, s.Acquire(ctx, key, 3, true))
}

func TestLocksInvisibleToDataReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, s.Acquire(ctx, []byte("k"), 7, true))

	var keys []string
	require.NoError(t, s.GetRange(ctx, nil, nil, func(key, _ []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	require.Equal(t, []string{"k"}, keys)
}

func TestSnapshotTokenPinsView(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []byte("k"), []byte("v1")))
	token, err := s.SnapshotToken(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, []byte("k"), []byte("v2")))
	require.NoError(t, s.Put(ctx, []byte("k2"), []byte("x")))

	v, err := s.GetAt(ctx, token, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
	_, err = s.GetAt(ctx, token, []byte("k2"))
	require.ErrorIs(t, err, errors.ErrNotFound)

	s.ReleaseSnapshot(token)
	_, err = s.GetAt(ctx, token, []byte("k"))
	require.Equal(t, errors.CodeInvalidRequest, errors.Code(err))
}

func TestRestartRecoversState(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		NodeID:        1,
		Path:          dir,
		Members:       []proto.Member{{NodeID: 1, Host: "127.0.0.1:7001"}},
		Bootstrap:     true,
		TickInterval:  5 * time.Millisecond,
		ElectionTick:  3,
		HeartbeatTick: 1,
		Retention:     time.Hour,
		Logger:        zaptest.NewLogger(t),
	}
	ctx := context.Background()

	s, err := Open(cfg)
	require.NoError(t, err)
	require.Eventually(t, s.IsLeader, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Put(ctx, []byte("persist"), []byte("me")))
	applied := s.AppliedIndex()
	require.NoError(t, s.Close())

	cfg.Bootstrap = false
	s2, err := Open(cfg)
	require.NoError(t, err)
	defer s2.Close()
	require.Eventually(t, s2.IsLeader, 5*time.Second, 10*time.Millisecond)

	v, err := s2.Get(ctx, []byte("persist"))
	require.NoError(t, err)
	require.Equal(t, []byte("me"), v)
	require.GreaterOrEqual(t, s2.AppliedIndex(), applied)
}

func TestStatsShape(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("k"), []byte("v")))

	st := s.Stats()
	require.EqualValues(t, 1, st.NodeID)
	require.EqualValues(t, 1, st.Leader)
	require.NotZero(t, st.Term)
	require.NotZero(t, st.AppliedIndex)
	require.NotZero(t, st.Engine.Seq)
}
