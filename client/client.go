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

package client

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/metakvdb/metakv/errors"
	"github.com/metakvdb/metakv/proto"
)

type Config struct {
	// Endpoints are the grpc addresses of the cluster replicas. Any
	// replica answers reads through the leader; writes are redirected
	// using the not-leader hint.
	Endpoints []string `yaml:"endpoints"`

	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`

	Logger *zap.Logger `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Client is a KV service client with leader redirect and bounded retry
// for retryable failures.
type Client struct {
	cfg Config
	lg  *zap.SugaredLogger

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	leader string
	next   int
}

func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if len(cfg.Endpoints) == 0 {
		return nil, errors.ErrInvalidRequest
	}
	return &Client{
		cfg:   cfg,
		lg:    cfg.Logger.Sugar().Named("client"),
		conns: make(map[string]*grpc.ClientConn),
	}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cc := range c.conns {
		cc.Close()
	}
	c.conns = make(map[string]*grpc.ClientConn)
	return nil
}

// pickAddr prefers the last known leader and falls back to rotating
// through the configured endpoints.
func (c *Client) pickAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader != "" {
		return c.leader
	}
	addr := c.cfg.Endpoints[c.next%len(c.cfg.Endpoints)]
	c.next++
	return addr
}

func (c *Client) demote(addr string) {
	c.mu.Lock()
	if c.leader == addr {
		c.leader = ""
	}
	c.mu.Unlock()
}

func (c *Client) promote(addr string) {
	c.mu.Lock()
	c.leader = addr
	c.mu.Unlock()
}

func (c *Client) conn(ctx context.Context, addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	if cc, ok := c.conns[addr]; ok {
		c.mu.Unlock()
		return cc, nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	cc, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		proto.CallOption(),
	)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if prev, ok := c.conns[addr]; ok {
		c.mu.Unlock()
		cc.Close()
		return prev, nil
	}
	c.conns[addr] = cc
	c.mu.Unlock()
	return cc, nil
}

// do runs fn against a replica, following leader hints and retrying
// retryable failures with backoff.
func (c *Client) do(ctx context.Context, fn func(ctx context.Context, kv *proto.KVClient) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		addr := c.pickAddr()
		cc, err := c.conn(ctx, addr)
		if err != nil {
			c.demote(addr)
			lastErr = err
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		err = fn(reqCtx, proto.NewKVClient(cc))
		cancel()
		if err == nil {
			c.promote(addr)
			return nil
		}
		lastErr = err

		var e *errors.Error
		if errors.As(err, &e) && e.Code == errors.CodeNotLeader {
			c.demote(addr)
			if e.LeaderAddr != "" {
				c.promote(e.LeaderAddr)
			}
			continue
		}
		if errors.Retryable(err) {
			c.demote(addr)
			continue
		}
		return err
	}
	return lastErr
}

func (c *Client) Get(ctx context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.Get(ctx, &proto.GetRequest{Key: key})
		if err != nil {
			return err
		}
		if err := errors.FromRPC(resp.Err); err != nil {
			return err
		}
		value = resp.Value
		return nil
	})
	return value, err
}

// GetAt reads key against a snapshot token.
func (c *Client) GetAt(ctx context.Context, token string, key []byte) ([]byte, error) {
	var value []byte
	err := c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.Get(ctx, &proto.GetRequest{Key: key, SnapshotToken: token})
		if err != nil {
			return err
		}
		if err := errors.FromRPC(resp.Err); err != nil {
			return err
		}
		value = resp.Value
		return nil
	})
	return value, err
}

type KV struct {
	Key   []byte
	Value []byte
}

// GetRange collects [start, end) up to limit pairs; zero means no limit.
func (c *Client) GetRange(ctx context.Context, start, end []byte, limit uint32) ([]KV, error) {
	var out []KV
	err := c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		stream, err := kv.GetRange(ctx, &proto.RangeRequest{Start: start, End: end, Limit: limit})
		if err != nil {
			return err
		}
		out = out[:0]
		for {
			item, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if item.Err != nil {
				return errors.FromRPC(item.Err)
			}
			out = append(out, KV{Key: item.Key, Value: item.Value})
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Put(ctx context.Context, key, value []byte) error {
	return c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.Put(ctx, &proto.PutRequest{Key: key, Value: value})
		if err != nil {
			return err
		}
		return errors.FromRPC(resp.Err)
	})
}

func (c *Client) Delete(ctx context.Context, key []byte) error {
	return c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.Delete(ctx, &proto.DeleteRequest{Key: key})
		if err != nil {
			return err
		}
		return errors.FromRPC(resp.Err)
	})
}

// Txn submits compares, reads, and mutations as one atomic transaction.
// Aborts are not retried: the caller decides whether to re-read and
// resubmit.
func (c *Client) Txn(ctx context.Context, req *proto.TxnRequest) (*proto.TxnResponse, error) {
	var out *proto.TxnResponse
	err := c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.Txn(ctx, req)
		if err != nil {
			return err
		}
		if err := errors.FromRPC(resp.Err); err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

func (c *Client) Acquire(ctx context.Context, key []byte, owner uint64, exclusive bool) error {
	return c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.Acquire(ctx, &proto.AcquireRequest{Key: key, Owner: owner, Exclusive: exclusive})
		if err != nil {
			return err
		}
		return errors.FromRPC(resp.Err)
	})
}

func (c *Client) Release(ctx context.Context, key []byte, owner uint64) error {
	return c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.Release(ctx, &proto.ReleaseRequest{Key: key, Owner: owner})
		if err != nil {
			return err
		}
		return errors.FromRPC(resp.Err)
	})
}

// Snapshot pins a point-in-time view on the leader and returns its
// token. Reads against the token must go to the same replica, so the
// client pins the leader connection while tokens are outstanding.
func (c *Client) Snapshot(ctx context.Context) (string, error) {
	var token string
	err := c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.Snapshot(ctx, &proto.SnapshotRequest{})
		if err != nil {
			return err
		}
		if err := errors.FromRPC(resp.Err); err != nil {
			return err
		}
		token = resp.Token
		return nil
	})
	return token, err
}

func (c *Client) ReleaseSnapshot(ctx context.Context, token string) error {
	return c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.ReleaseSnapshot(ctx, &proto.ReleaseSnapshotRequest{Token: token})
		if err != nil {
			return err
		}
		return errors.FromRPC(resp.Err)
	})
}

func (c *Client) Status(ctx context.Context) (*proto.StatusResponse, error) {
	var out *proto.StatusResponse
	err := c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.Status(ctx, &proto.StatusRequest{})
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

func (c *Client) Members(ctx context.Context) ([]proto.Member, error) {
	var out []proto.Member
	err := c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.Members(ctx, &proto.MembersRequest{})
		if err != nil {
			return err
		}
		if err := errors.FromRPC(resp.Err); err != nil {
			return err
		}
		out = resp.Members
		return nil
	})
	return out, err
}

func (c *Client) AddMember(ctx context.Context, m proto.Member) error {
	return c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.AddMember(ctx, &proto.AddMemberRequest{Member: m})
		if err != nil {
			return err
		}
		return errors.FromRPC(resp.Err)
	})
}

func (c *Client) RemoveMember(ctx context.Context, nodeID uint64) error {
	return c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.RemoveMember(ctx, &proto.RemoveMemberRequest{NodeID: nodeID})
		if err != nil {
			return err
		}
		return errors.FromRPC(resp.Err)
	})
}

func (c *Client) PromoteMember(ctx context.Context, nodeID uint64) error {
	return c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.PromoteMember(ctx, &proto.PromoteMemberRequest{NodeID: nodeID})
		if err != nil {
			return err
		}
		return errors.FromRPC(resp.Err)
	})
}

func (c *Client) TransferLeadership(ctx context.Context, nodeID uint64) error {
	return c.do(ctx, func(ctx context.Context, kv *proto.KVClient) error {
		resp, err := kv.TransferLeadership(ctx, &proto.TransferLeadershipRequest{NodeID: nodeID})
		if err != nil {
			return err
		}
		return errors.FromRPC(resp.Err)
	})
}
