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

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/metakvdb/metakv/server"
)

type config struct {
	server.Config `yaml:",inline"`

	LogLevel string `yaml:"log_level"`
}

func main() {
	confPath := flag.String("f", "metakv.yaml", "config file path")
	flag.Parse()

	cfg, err := loadConfig(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	lg, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	cfg.Logger = lg

	srv, err := server.NewServer(cfg.Config)
	if err != nil {
		lg.Sugar().Fatalf("start server: %v", err)
	}
	if err := srv.Start(); err != nil {
		lg.Sugar().Fatalf("serve: %v", err)
	}
	lg.Sugar().Infof("metakv started, grpc=%s http=%s", cfg.GRPCListen, cfg.HTTPListen)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	lg.Sugar().Info("shutting down")
	srv.Stop()
}

func loadConfig(path string) (*config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, err
	}
	if cfg.GRPCListen == "" {
		return nil, fmt.Errorf("grpc_listen is required")
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl := zap.InfoLevel
	if level != "" {
		parsed, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		lvl = parsed.Level()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
