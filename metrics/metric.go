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

package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "metakv"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	AppliedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "applied_index",
		Help:      "Last raft log index applied to the local state machine.",
	})

	EngineSeq = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "engine_seq",
		Help:      "Newest visible storage engine sequence number.",
	})

	CompactionWaterline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "compaction_waterline",
		Help:      "Sequence below which compaction may collapse history.",
	})

	ActiveTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_transactions",
		Help:      "Open leader-local transactions.",
	})

	TransactionAborts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transaction_aborts_total",
		Help:      "Transaction aborts by reason.",
	}, []string{"reason"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		AppliedIndex,
		EngineSeq,
		CompactionWaterline,
		ActiveTransactions,
		TransactionAborts,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
