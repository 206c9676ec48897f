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

package proto

import (
	"context"

	"google.golang.org/grpc"
)

const kvServiceName = "metakv.kv.KV"

// KVServiceServer is the server surface of the KV service. RangeItem
// frames stream back from GetRange; everything else is unary.
type KVServiceServer interface {
	Get(context.Context, *GetRequest) (*GetResponse, error)
	GetRange(*RangeRequest, RangeStream) error
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Txn(context.Context, *TxnRequest) (*TxnResponse, error)
	Acquire(context.Context, *AcquireRequest) (*AcquireResponse, error)
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
	Snapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
	ReleaseSnapshot(context.Context, *ReleaseSnapshotRequest) (*ReleaseSnapshotResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Members(context.Context, *MembersRequest) (*MembersResponse, error)
	AddMember(context.Context, *AddMemberRequest) (*MemberResponse, error)
	RemoveMember(context.Context, *RemoveMemberRequest) (*MemberResponse, error)
	PromoteMember(context.Context, *PromoteMemberRequest) (*MemberResponse, error)
	TransferLeadership(context.Context, *TransferLeadershipRequest) (*MemberResponse, error)
}

type RangeStream interface {
	Send(*RangeItem) error
	Context() context.Context
}

type rangeStream struct{ grpc.ServerStream }

func (s *rangeStream) Send(it *RangeItem) error { return s.ServerStream.SendMsg(it) }

// unaryHandler adapts one typed method to the grpc method handler shape,
// threading the server interceptor chain the way generated stubs do.
func unaryHandler[Req any](method string, call func(srv any, ctx context.Context, req *Req) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	full := "/" + kvServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		})
	}
}

func getRangeHandler(srv any, stream grpc.ServerStream) error {
	in := new(RangeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(KVServiceServer).GetRange(in, &rangeStream{stream})
}

// KVServiceDesc is the hand-written grpc service descriptor for the KV
// service.
var KVServiceDesc = grpc.ServiceDesc{
	ServiceName: kvServiceName,
	HandlerType: (*KVServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: unaryHandler("Get", func(srv any, ctx context.Context, req *GetRequest) (any, error) {
			return srv.(KVServiceServer).Get(ctx, req)
		})},
		{MethodName: "Put", Handler: unaryHandler("Put", func(srv any, ctx context.Context, req *PutRequest) (any, error) {
			return srv.(KVServiceServer).Put(ctx, req)
		})},
		{MethodName: "Delete", Handler: unaryHandler("Delete", func(srv any, ctx context.Context, req *DeleteRequest) (any, error) {
			return srv.(KVServiceServer).Delete(ctx, req)
		})},
		{MethodName: "Txn", Handler: unaryHandler("Txn", func(srv any, ctx context.Context, req *TxnRequest) (any, error) {
			return srv.(KVServiceServer).Txn(ctx, req)
		})},
		{MethodName: "Acquire", Handler: unaryHandler("Acquire", func(srv any, ctx context.Context, req *AcquireRequest) (any, error) {
			return srv.(KVServiceServer).Acquire(ctx, req)
		})},
		{MethodName: "Release", Handler: unaryHandler("Release", func(srv any, ctx context.Context, req *ReleaseRequest) (any, error) {
			return srv.(KVServiceServer).Release(ctx, req)
		})},
		{MethodName: "Snapshot", Handler: unaryHandler("Snapshot", func(srv any, ctx context.Context, req *SnapshotRequest) (any, error) {
			return srv.(KVServiceServer).Snapshot(ctx, req)
		})},
		{MethodName: "ReleaseSnapshot", Handler: unaryHandler("ReleaseSnapshot", func(srv any, ctx context.Context, req *ReleaseSnapshotRequest) (any, error) {
			return srv.(KVServiceServer).ReleaseSnapshot(ctx, req)
		})},
		{MethodName: "Status", Handler: unaryHandler("Status", func(srv any, ctx context.Context, req *StatusRequest) (any, error) {
			return srv.(KVServiceServer).Status(ctx, req)
		})},
		{MethodName: "Members", Handler: unaryHandler("Members", func(srv any, ctx context.Context, req *MembersRequest) (any, error) {
			return srv.(KVServiceServer).Members(ctx, req)
		})},
		{MethodName: "AddMember", Handler: unaryHandler("AddMember", func(srv any, ctx context.Context, req *AddMemberRequest) (any, error) {
			return srv.(KVServiceServer).AddMember(ctx, req)
		})},
		{MethodName: "RemoveMember", Handler: unaryHandler("RemoveMember", func(srv any, ctx context.Context, req *RemoveMemberRequest) (any, error) {
			return srv.(KVServiceServer).RemoveMember(ctx, req)
		})},
		{MethodName: "PromoteMember", Handler: unaryHandler("PromoteMember", func(srv any, ctx context.Context, req *PromoteMemberRequest) (any, error) {
			return srv.(KVServiceServer).PromoteMember(ctx, req)
		})},
		{MethodName: "TransferLeadership", Handler: unaryHandler("TransferLeadership", func(srv any, ctx context.Context, req *TransferLeadershipRequest) (any, error) {
			return srv.(KVServiceServer).TransferLeadership(ctx, req)
		})},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "GetRange", Handler: getRangeHandler, ServerStreams: true},
	},
	Metadata: "kv.proto",
}

// KVClient is the typed client stub over one grpc connection.
type KVClient struct {
	cc *grpc.ClientConn
}

func NewKVClient(cc *grpc.ClientConn) *KVClient { return &KVClient{cc: cc} }

func invoke[Resp any](ctx context.Context, cc *grpc.ClientConn, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, "/"+kvServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *KVClient) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	return invoke[GetResponse](ctx, c.cc, "Get", req)
}

func (c *KVClient) Put(ctx context.Context, req *PutRequest) (*PutResponse, error) {
	return invoke[PutResponse](ctx, c.cc, "Put", req)
}

func (c *KVClient) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	return invoke[DeleteResponse](ctx, c.cc, "Delete", req)
}

func (c *KVClient) Txn(ctx context.Context, req *TxnRequest) (*TxnResponse, error) {
	return invoke[TxnResponse](ctx, c.cc, "Txn", req)
}

func (c *KVClient) Acquire(ctx context.Context, req *AcquireRequest) (*AcquireResponse, error) {
	return invoke[AcquireResponse](ctx, c.cc, "Acquire", req)
}

func (c *KVClient) Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	return invoke[ReleaseResponse](ctx, c.cc, "Release", req)
}

func (c *KVClient) Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	return invoke[SnapshotResponse](ctx, c.cc, "Snapshot", req)
}

func (c *KVClient) ReleaseSnapshot(ctx context.Context, req *ReleaseSnapshotRequest) (*ReleaseSnapshotResponse, error) {
	return invoke[ReleaseSnapshotResponse](ctx, c.cc, "ReleaseSnapshot", req)
}

func (c *KVClient) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, "Status", req)
}

func (c *KVClient) Members(ctx context.Context, req *MembersRequest) (*MembersResponse, error) {
	return invoke[MembersResponse](ctx, c.cc, "Members", req)
}

func (c *KVClient) AddMember(ctx context.Context, req *AddMemberRequest) (*MemberResponse, error) {
	return invoke[MemberResponse](ctx, c.cc, "AddMember", req)
}

func (c *KVClient) RemoveMember(ctx context.Context, req *RemoveMemberRequest) (*MemberResponse, error) {
	return invoke[MemberResponse](ctx, c.cc, "RemoveMember", req)
}

func (c *KVClient) PromoteMember(ctx context.Context, req *PromoteMemberRequest) (*MemberResponse, error) {
	return invoke[MemberResponse](ctx, c.cc, "PromoteMember", req)
}

func (c *KVClient) TransferLeadership(ctx context.Context, req *TransferLeadershipRequest) (*MemberResponse, error) {
	return invoke[MemberResponse](ctx, c.cc, "TransferLeadership", req)
}

// RangeClientStream receives RangeItem frames until io.EOF.
type RangeClientStream struct {
	grpc.ClientStream
}

func (s *RangeClientStream) Recv() (*RangeItem, error) {
	it := new(RangeItem)
	if err := s.ClientStream.RecvMsg(it); err != nil {
		return nil, err
	}
	return it, nil
}

func (c *KVClient) GetRange(ctx context.Context, req *RangeRequest) (*RangeClientStream, error) {
	s, err := c.cc.NewStream(ctx, &KVServiceDesc.Streams[0], "/"+kvServiceName+"/GetRange")
	if err != nil {
		return nil, err
	}
	if err := s.SendMsg(req); err != nil {
		return nil, err
	}
	if err := s.CloseSend(); err != nil {
		return nil, err
	}
	return &RangeClientStream{s}, nil
}
