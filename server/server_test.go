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

package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/metakvdb/metakv/client"
	"github.com/metakvdb/metakv/errors"
	"github.com/metakvdb/metakv/metastore"
	"github.com/metakvdb/metakv/proto"
)

func newTestServer(t *testing.T) (*Server, *client.Client) {
	t.Helper()
	lg := zaptest.NewLogger(t)
	srv, err := NewServer(Config{
		Store: metastore.Config{
			NodeID:        1,
			Path:          t.TempDir(),
			Members:       []proto.Member{{NodeID: 1, Host: "127.0.0.1:7001"}},
			Bootstrap:     true,
			TickInterval:  5 * time.Millisecond,
			ElectionTick:  3,
			HeartbeatTick: 1,
			Retention:     time.Hour,
		},
		GRPCListen: "127.0.0.1:0",
		Logger:     lg,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	require.Eventually(t, srv.Store().IsLeader, 5*time.Second, 10*time.Millisecond)

	cl, err := client.New(client.Config{
		Endpoints: []string{srv.rpc.Addr()},
		Logger:    lg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return srv, cl
}

func TestServerPutGetDeleteOverGRPC(t *testing.T) {
	_, cl := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, cl.Put(ctx, []byte("k"), []byte("v")))
	v, err := cl.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, cl.Delete(ctx, []byte("k")))
	_, err = cl.Get(ctx, []byte("k"))
	require.Equal(t, errors.CodeNotFound, errors.Code(err))
}

func TestServerGetRangeStreaming(t *testing.T) {
	_, cl := newTestServer(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, cl.Put(ctx, []byte(k), []byte("v-"+k)))
	}

	kvs, err := cl.GetRange(ctx, []byte("a"), []byte("d"), 0)
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	require.Equal(t, []byte("a"), kvs[0].Key)
	require.Equal(t, []byte("v-c"), kvs[2].Value)

	kvs, err = cl.GetRange(ctx, nil, nil, 2)
	require.NoError(t, err)
	require.Len(t, kvs, 2)

	// An unbounded range survives the wire round trip: the decoder hands
	// the server an empty end, which still means scan to the last key.
	kvs, err = cl.GetRange(ctx, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, kvs, 4)
	require.Equal(t, []byte("d"), kvs[3].Key)
}

func TestServerTxnCompareAndSwap(t *testing.T) {
	_, cl := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, cl.Put(ctx, []byte("k"), []byte("old")))

	resp, err := cl.Txn(ctx, &proto.TxnRequest{
		Compares: []proto.TxnCompare{
			{Key: []byte("k"), Op: proto.CompareValueEqual, Value: []byte("old")},
		},
		Reads: [][]byte{[]byte("k"), []byte("absent")},
		Mutations: []proto.TxnMutation{
			{Op: proto.MutationPut, Key: []byte("k"), Value: []byte("new")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("old"), nil}, resp.ReadValues)

	v, err := cl.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)

	// The same compare now fails.
	_, err = cl.Txn(ctx, &proto.TxnRequest{
		Compares: []proto.TxnCompare{
			{Key: []byte("k"), Op: proto.CompareValueEqual, Value: []byte("old")},
		},
		Mutations: []proto.TxnMutation{
			{Op: proto.MutationPut, Key: []byte("k"), Value: []byte("never")},
		},
	})
	require.Equal(t, errors.CodeAbortedConflict, errors.Code(err))
}

func TestServerAdvisoryLocksOverGRPC(t *testing.T) {
	_, cl := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, cl.Acquire(ctx, []byte("cfg"), 1, true))
	err := cl.Acquire(ctx, []byte("cfg"), 2, true)
	require.Equal(t, errors.CodeLockHeld, errors.Code(err))
	require.NoError(t, cl.Release(ctx, []byte("cfg"), 1))
	require.NoError(t, cl.Acquire(ctx, []byte("cfg"), 2, true))
}

func TestServerSnapshotToken(t *testing.T) {
	_, cl := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, cl.Put(ctx, []byte("k"), []byte("v1")))
	token, err := cl.Snapshot(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, cl.Put(ctx, []byte("k"), []byte("v2")))

	v, err := cl.GetAt(ctx, token, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, cl.ReleaseSnapshot(ctx, token))
	_, err = cl.GetAt(ctx, token, []byte("k"))
	require.Error(t, err)
}

func TestServerStatusAndMembers(t *testing.T) {
	_, cl := newTestServer(t)
	ctx := context.Background()

	st, err := cl.Status(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, st.NodeID)
	require.EqualValues(t, 1, st.Leader)
	require.NotEmpty(t, st.StatsJSON)

	members, err := cl.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.EqualValues(t, 1, members[0].NodeID)
}
