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
	"encoding/json"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/metakvdb/metakv/errors"
	"github.com/metakvdb/metakv/metastore"
	"github.com/metakvdb/metakv/metrics"
	"github.com/metakvdb/metakv/proto"
)

// RPCServer exposes the KV service over grpc. It owns the grpc.Server
// so the consensus transport can share the same listener.
type RPCServer struct {
	store *metastore.Store
	lg    *zap.SugaredLogger
	grpc  *grpc.Server
	ln    net.Listener
}

func NewRPCServer(store *metastore.Store, lg *zap.Logger) *RPCServer {
	s := &RPCServer{
		store: store,
		lg:    lg.Sugar().Named("rpc"),
	}
	s.grpc = grpc.NewServer(
		grpc.UnaryInterceptor(metrics.GRPCMetrics.UnaryServerInterceptor()),
		grpc.StreamInterceptor(metrics.GRPCMetrics.StreamServerInterceptor()),
	)
	s.grpc.RegisterService(&proto.KVServiceDesc, s)
	store.Transport().Register(s.grpc)
	metrics.GRPCMetrics.InitializeMetrics(s.grpc)
	return s
}

func (s *RPCServer) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.lg.Infof("grpc listening on %s", ln.Addr())
	go func() {
		if err := s.grpc.Serve(ln); err != nil {
			s.lg.Errorf("grpc serve: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, valid after Serve.
func (s *RPCServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *RPCServer) Stop() {
	s.grpc.GracefulStop()
}

func (s *RPCServer) Get(ctx context.Context, req *proto.GetRequest) (*proto.GetResponse, error) {
	var (
		value []byte
		err   error
	)
	if req.SnapshotToken != "" {
		value, err = s.store.GetAt(ctx, req.SnapshotToken, req.Key)
	} else {
		value, err = s.store.Get(ctx, req.Key)
	}
	return &proto.GetResponse{Err: errors.ToRPC(err), Value: value}, nil
}

func (s *RPCServer) GetRange(req *proto.RangeRequest, stream proto.RangeStream) error {
	ctx := stream.Context()
	sent := uint32(0)
	fn := func(key, value []byte) error {
		if req.Limit > 0 && sent >= req.Limit {
			return errRangeDone
		}
		sent++
		return stream.Send(&proto.RangeItem{Key: key, Value: value})
	}

	var err error
	if req.SnapshotToken != "" {
		err = s.store.GetRangeAt(ctx, req.SnapshotToken, req.Start, req.End, fn)
	} else {
		err = s.store.GetRange(ctx, req.Start, req.End, fn)
	}
	if err == errRangeDone {
		err = nil
	}
	if err != nil {
		return stream.Send(&proto.RangeItem{Err: errors.ToRPC(err)})
	}
	return nil
}

var errRangeDone = errors.New(errors.CodeInvalidRequest, "range limit reached")

func (s *RPCServer) Put(ctx context.Context, req *proto.PutRequest) (*proto.PutResponse, error) {
	err := s.store.Put(ctx, req.Key, req.Value)
	return &proto.PutResponse{Err: errors.ToRPC(err)}, nil
}

func (s *RPCServer) Delete(ctx context.Context, req *proto.DeleteRequest) (*proto.DeleteResponse, error) {
	err := s.store.Delete(ctx, req.Key)
	return &proto.DeleteResponse{Err: errors.ToRPC(err)}, nil
}

// Txn evaluates compares, performs reads, buffers mutations, and commits
// atomically. Compare failure aborts with aborted_conflict before any
// mutation is proposed.
func (s *RPCServer) Txn(ctx context.Context, req *proto.TxnRequest) (*proto.TxnResponse, error) {
	resp, err := s.runTxn(ctx, req)
	if err != nil {
		observeAbort(err)
		return &proto.TxnResponse{Err: errors.ToRPC(err)}, nil
	}
	return resp, nil
}

func (s *RPCServer) runTxn(ctx context.Context, req *proto.TxnRequest) (*proto.TxnResponse, error) {
	txn, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	for _, c := range req.Compares {
		v, gerr := txn.Get(ctx, c.Key)
		exists := gerr == nil
		if gerr != nil && errors.Code(gerr) != errors.CodeNotFound {
			return nil, gerr
		}
		ok := false
		switch c.Op {
		case proto.CompareExists:
			ok = exists
		case proto.CompareNotExists:
			ok = !exists
		case proto.CompareValueEqual:
			ok = exists && string(v) == string(c.Value)
		default:
			return nil, errors.ErrInvalidRequest
		}
		if !ok {
			return nil, errors.Conflict(errors.CodeAbortedConflict, c.Key)
		}
	}

	readValues := make([][]byte, 0, len(req.Reads))
	for _, k := range req.Reads {
		v, gerr := txn.Get(ctx, k)
		if gerr != nil {
			if errors.Code(gerr) != errors.CodeNotFound {
				return nil, gerr
			}
			v = nil
		}
		readValues = append(readValues, v)
	}

	for _, m := range req.Mutations {
		switch m.Op {
		case proto.MutationPut:
			txn.Put(m.Key, m.Value)
		case proto.MutationDelete:
			txn.Delete(m.Key)
		default:
			return nil, errors.ErrInvalidRequest
		}
	}

	if err := txn.Commit(ctx); err != nil {
		return nil, err
	}
	return &proto.TxnResponse{ReadValues: readValues}, nil
}

func observeAbort(err error) {
	switch errors.Code(err) {
	case errors.CodeAbortedConflict:
		metrics.TransactionAborts.WithLabelValues("conflict").Inc()
	case errors.CodeAbortedStale:
		metrics.TransactionAborts.WithLabelValues("stale").Inc()
	case errors.CodeNotLeader:
		metrics.TransactionAborts.WithLabelValues("not_leader").Inc()
	}
}

func (s *RPCServer) Acquire(ctx context.Context, req *proto.AcquireRequest) (*proto.AcquireResponse, error) {
	err := s.store.Acquire(ctx, req.Key, req.Owner, req.Exclusive)
	return &proto.AcquireResponse{Err: errors.ToRPC(err)}, nil
}

func (s *RPCServer) Release(ctx context.Context, req *proto.ReleaseRequest) (*proto.ReleaseResponse, error) {
	err := s.store.Release(ctx, req.Key, req.Owner)
	return &proto.ReleaseResponse{Err: errors.ToRPC(err)}, nil
}

func (s *RPCServer) Snapshot(ctx context.Context, _ *proto.SnapshotRequest) (*proto.SnapshotResponse, error) {
	token, err := s.store.SnapshotToken(ctx)
	return &proto.SnapshotResponse{Err: errors.ToRPC(err), Token: token}, nil
}

func (s *RPCServer) ReleaseSnapshot(_ context.Context, req *proto.ReleaseSnapshotRequest) (*proto.ReleaseSnapshotResponse, error) {
	s.store.ReleaseSnapshot(req.Token)
	return &proto.ReleaseSnapshotResponse{}, nil
}

func (s *RPCServer) Status(_ context.Context, _ *proto.StatusRequest) (*proto.StatusResponse, error) {
	st := s.store.Stats()
	raw, _ := json.Marshal(st)
	return &proto.StatusResponse{
		NodeID:       st.NodeID,
		Leader:       st.Leader,
		Term:         st.Term,
		AppliedIndex: st.AppliedIndex,
		StatsJSON:    raw,
	}, nil
}

func (s *RPCServer) Members(_ context.Context, _ *proto.MembersRequest) (*proto.MembersResponse, error) {
	return &proto.MembersResponse{Members: s.store.Members()}, nil
}

func (s *RPCServer) AddMember(ctx context.Context, req *proto.AddMemberRequest) (*proto.MemberResponse, error) {
	err := s.store.AddMember(ctx, req.Member)
	return &proto.MemberResponse{Err: errors.ToRPC(err)}, nil
}

func (s *RPCServer) RemoveMember(ctx context.Context, req *proto.RemoveMemberRequest) (*proto.MemberResponse, error) {
	err := s.store.RemoveMember(ctx, req.NodeID)
	return &proto.MemberResponse{Err: errors.ToRPC(err)}, nil
}

func (s *RPCServer) PromoteMember(ctx context.Context, req *proto.PromoteMemberRequest) (*proto.MemberResponse, error) {
	err := s.store.PromoteMember(ctx, req.NodeID)
	return &proto.MemberResponse{Err: errors.ToRPC(err)}, nil
}

func (s *RPCServer) TransferLeadership(ctx context.Context, req *proto.TransferLeadershipRequest) (*proto.MemberResponse, error) {
	s.store.TransferLeadership(ctx, req.NodeID)
	return &proto.MemberResponse{}, nil
}
