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

/*

# MetaKV: a strongly-consistent replicated metadata store

MetaKV keeps small, hot metadata (catalogs, leases, cluster state) on a
single raft-replicated group backed by an embedded log-structured
storage engine. Every byte of state flows through the replicated log,
so a majority of replicas always agree on the exact store contents.

## Data model

Flat byte-string keys to byte-string values, multi-versioned by a
monotonically increasing sequence number. Reads run at a fixed
sequence; writes become visible atomically when their batch applies.

## Architecture

Each node runs one process with three layers:

  - raft: the consensus core (elections, replication, membership
    change, read index, snapshot streaming) as a pure step machine
    driven by a Ready loop, persisting to a segmented record log.

  - lsm: the storage engine. A write-ahead log plus in-memory
    memtables flushing to sorted immutable tables; compaction merges
    tables while retaining every version above the current read
    waterline.

  - metastore: the replicated state machine and transaction layer.
    Interactive transactions take range locks, read at a pinned
    sequence, revalidate at commit, and replicate the write set as a
    single batch entry. Advisory locks and snapshot tokens ride on the
    same machinery.

Clients talk gRPC to any node; non-leader nodes answer with a leader
hint and the client redirects. An HTTP side door exposes stats,
prometheus metrics, and pprof.

## Building blocks

  - gRPC
  - Prometheus
  - zap

*/

package metakv
