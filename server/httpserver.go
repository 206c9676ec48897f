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
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/metakvdb/metakv/metastore"
	"github.com/metakvdb/metakv/metrics"
)

// HTTPServer serves the debug surface: stats, prometheus metrics, and
// pprof. It carries no data-plane traffic.
type HTTPServer struct {
	store *metastore.Store
	lg    *zap.SugaredLogger
	srv   *http.Server
}

func NewHTTPServer(store *metastore.Store, lg *zap.Logger) *HTTPServer {
	s := &HTTPServer{
		store: store,
		lg:    lg.Sugar().Named("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/stats", s.handleStats)
	r.Get("/members", s.handleMembers)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Route("/debug/pprof", func(r chi.Router) {
		r.Get("/", pprof.Index)
		r.Get("/cmdline", pprof.Cmdline)
		r.Get("/profile", pprof.Profile)
		r.Get("/symbol", pprof.Symbol)
		r.Get("/trace", pprof.Trace)
		r.Handle("/{name}", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			pprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
		}))
	})

	s.srv = &http.Server{Handler: r}
	return s
}

func (s *HTTPServer) Serve(addr string) {
	s.srv.Addr = addr
	s.lg.Infof("http listening on %s", addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.lg.Errorf("http serve: %v", err)
		}
	}()
}

func (s *HTTPServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.store.Stats())
}

func (s *HTTPServer) handleMembers(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.store.Members())
}
