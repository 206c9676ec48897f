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

package raft

import "fmt"

type ProgressState int

const (
	// ProgressProbe sends one message at a time until the follower's
	// position is known.
	ProgressProbe ProgressState = iota
	// ProgressReplicate streams entries optimistically with an inflight
	// window.
	ProgressReplicate
	// ProgressSnapshot pauses appends until the pending snapshot is
	// reported applied or failed.
	ProgressSnapshot
)

func (st ProgressState) String() string {
	switch st {
	case ProgressProbe:
		return "probe"
	case ProgressReplicate:
		return "replicate"
	case ProgressSnapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("unknown(%d)", int(st))
	}
}

// Progress is the leader's view of one peer's log.
type Progress struct {
	Match, Next uint64
	State       ProgressState

	// Paused gates probing; cleared by any response from the peer.
	Paused bool
	// PendingSnapshot is the index of the in-flight snapshot, if any.
	PendingSnapshot uint64
	// RecentActive is set on any message from the peer and cleared each
	// election timeout; quorum of active peers keeps the lease checks
	// honest.
	RecentActive bool

	IsLearner bool

	ins *inflights
}

func (pr *Progress) resetState(state ProgressState) {
	pr.Paused = false
	pr.PendingSnapshot = 0
	pr.State = state
	pr.ins.reset()
}

func (pr *Progress) becomeProbe() {
	// A snapshot in flight means Next was moved optimistically; rewind to
	// the snapshot's index.
	if pr.State == ProgressSnapshot {
		pendingSnapshot := pr.PendingSnapshot
		pr.resetState(ProgressProbe)
		pr.Next = max(pr.Match+1, pendingSnapshot+1)
	} else {
		pr.resetState(ProgressProbe)
		pr.Next = pr.Match + 1
	}
}

func (pr *Progress) becomeReplicate() {
	pr.resetState(ProgressReplicate)
	pr.Next = pr.Match + 1
}

func (pr *Progress) becomeSnapshot(snapshoti uint64) {
	pr.resetState(ProgressSnapshot)
	pr.PendingSnapshot = snapshoti
}

// maybeUpdate advances Match on a successful append response.
func (pr *Progress) maybeUpdate(n uint64) bool {
	var updated bool
	if pr.Match < n {
		pr.Match = n
		updated = true
		pr.Paused = false
	}
	if pr.Next < n+1 {
		pr.Next = n + 1
	}
	return updated
}

func (pr *Progress) optimisticUpdate(n uint64) { pr.Next = n + 1 }

// maybeDecrTo rewinds Next after a rejected append. Stale rejections,
// identified by a rejected index below Match, are ignored.
func (pr *Progress) maybeDecrTo(rejected, last uint64) bool {
	if pr.State == ProgressReplicate {
		if rejected <= pr.Match {
			return false
		}
		pr.Next = pr.Match + 1
		return true
	}
	if pr.Next-1 != rejected {
		return false
	}
	if pr.Next = min(rejected, last+1); pr.Next < 1 {
		pr.Next = 1
	}
	pr.Paused = false
	return true
}

func (pr *Progress) pause()  { pr.Paused = true }
func (pr *Progress) resume() { pr.Paused = false }

// isPaused reports whether sends to the peer should be throttled.
func (pr *Progress) isPaused() bool {
	switch pr.State {
	case ProgressProbe:
		return pr.Paused
	case ProgressReplicate:
		return pr.ins.full()
	case ProgressSnapshot:
		return true
	default:
		panic("raft: unexpected progress state")
	}
}

func (pr *Progress) snapshotFailure() { pr.PendingSnapshot = 0 }

func (pr *Progress) needSnapshotAbort() bool {
	return pr.State == ProgressSnapshot && pr.Match >= pr.PendingSnapshot
}

func (pr *Progress) String() string {
	return fmt.Sprintf("next = %d, match = %d, state = %s, waiting = %v, pendingSnapshot = %d",
		pr.Next, pr.Match, pr.State, pr.isPaused(), pr.PendingSnapshot)
}

// inflights is a ring buffer bounding the number of unacknowledged
// append messages to one peer.
type inflights struct {
	start  int
	count  int
	size   int
	buffer []uint64
}

func newInflights(size int) *inflights {
	return &inflights{size: size}
}

func (in *inflights) add(inflight uint64) {
	if in.full() {
		panic("raft: cannot add into a full inflights")
	}
	next := in.start + in.count
	if next >= in.size {
		next -= in.size
	}
	if next >= len(in.buffer) {
		in.grow()
	}
	in.buffer[next] = inflight
	in.count++
}

func (in *inflights) grow() {
	newSize := len(in.buffer) * 2
	if newSize == 0 {
		newSize = 1
	} else if newSize > in.size {
		newSize = in.size
	}
	newBuffer := make([]uint64, newSize)
	copy(newBuffer, in.buffer)
	in.buffer = newBuffer
}

// freeTo releases inflight slots up to and including index to.
func (in *inflights) freeTo(to uint64) {
	if in.count == 0 || to < in.buffer[in.start] {
		return
	}
	i, idx := 0, in.start
	for i = 0; i < in.count; i++ {
		if to < in.buffer[idx] {
			break
		}
		idx++
		if idx >= in.size {
			idx -= in.size
		}
	}
	in.count -= i
	in.start = idx
	if in.count == 0 {
		in.start = 0
	}
}

func (in *inflights) freeFirstOne() {
	if in.count > 0 {
		in.freeTo(in.buffer[in.start])
	}
}

func (in *inflights) full() bool { return in.count == in.size }

func (in *inflights) reset() {
	in.count = 0
	in.start = 0
}
