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
	"time"

	"go.uber.org/zap"

	"github.com/metakvdb/metakv/metastore"
	"github.com/metakvdb/metakv/metrics"
)

type Config struct {
	Store metastore.Config `yaml:"store"`

	GRPCListen string `yaml:"grpc_listen"`
	HTTPListen string `yaml:"http_listen"`

	Logger *zap.Logger `yaml:"-"`
}

// Server ties one store replica to its grpc and http frontends.
type Server struct {
	cfg   Config
	lg    *zap.SugaredLogger
	store *metastore.Store
	rpc   *RPCServer
	http  *HTTPServer

	stopC chan struct{}
	doneC chan struct{}
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Store.Logger = cfg.Logger

	store, err := metastore.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:   cfg,
		lg:    cfg.Logger.Sugar().Named("server"),
		store: store,
		stopC: make(chan struct{}),
		doneC: make(chan struct{}),
	}
	s.rpc = NewRPCServer(store, cfg.Logger)
	s.http = NewHTTPServer(store, cfg.Logger)
	return s, nil
}

func (s *Server) Start() error {
	if err := s.rpc.Serve(s.cfg.GRPCListen); err != nil {
		s.store.Close()
		return err
	}
	if s.cfg.HTTPListen != "" {
		s.http.Serve(s.cfg.HTTPListen)
	}
	go s.exportMetrics()
	return nil
}

func (s *Server) Store() *metastore.Store { return s.store }

func (s *Server) exportMetrics() {
	defer close(s.doneC)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st := s.store.Stats()
			metrics.AppliedIndex.Set(float64(st.AppliedIndex))
			metrics.EngineSeq.Set(float64(st.Engine.Seq))
			metrics.CompactionWaterline.Set(float64(st.Engine.Waterline))
			metrics.ActiveTransactions.Set(float64(st.ActiveTxns))
		case <-s.stopC:
			return
		}
	}
}

func (s *Server) Stop() {
	close(s.stopC)
	<-s.doneC
	s.rpc.Stop()
	s.http.Stop()
	if err := s.store.Close(); err != nil {
		s.lg.Errorf("store close: %v", err)
	}
}
