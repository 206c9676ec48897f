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

package metastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestWaterlineManager(retention time.Duration) *waterlineManager {
	cfg := Config{Retention: retention}
	cfg.applyDefaults()
	return newWaterlineManager(&Store{cfg: cfg})
}

func TestWaterlineRetentionHorizon(t *testing.T) {
	m := newTestWaterlineManager(time.Minute)
	base := time.Now()

	m.samples = []seqSample{
		{at: base.Add(-3 * time.Minute), seq: 10},
		{at: base.Add(-2 * time.Minute), seq: 20},
		{at: base.Add(-30 * time.Second), seq: 30},
		{at: base, seq: 40},
	}

	m.mu.Lock()
	horizon := m.retentionHorizonLocked(base)
	m.mu.Unlock()

	// The newest sample older than the retention window wins; younger
	// sequences stay readable.
	require.EqualValues(t, 20, horizon)
}

func TestWaterlineHorizonZeroWhileYoung(t *testing.T) {
	m := newTestWaterlineManager(time.Minute)
	base := time.Now()
	m.samples = []seqSample{{at: base, seq: 5}}

	m.mu.Lock()
	horizon := m.retentionHorizonLocked(base)
	m.mu.Unlock()
	require.Zero(t, horizon)
}

func TestWaterlinePinFloor(t *testing.T) {
	m := newTestWaterlineManager(time.Minute)

	release1 := m.pin(7)
	release2 := m.pin(12)
	tok := m.newToken(9)

	m.mu.Lock()
	require.EqualValues(t, 7, m.pinFloorLocked())
	m.mu.Unlock()

	release1()
	release1() // releasing twice is harmless
	m.mu.Lock()
	require.EqualValues(t, 9, m.pinFloorLocked())
	m.mu.Unlock()

	m.releaseToken(tok)
	release2()
	m.mu.Lock()
	require.Equal(t, ^uint64(0), m.pinFloorLocked())
	m.mu.Unlock()
}

func TestWaterlineTokenExpiry(t *testing.T) {
	m := newTestWaterlineManager(time.Minute)
	m.store.cfg.SnapshotTokenTTL = 10 * time.Millisecond

	tok := m.newToken(42)
	seq, err := m.tokenSeq(tok)
	require.NoError(t, err)
	require.EqualValues(t, 42, seq)

	m.mu.Lock()
	m.expireTokensLocked(time.Now().Add(time.Second))
	m.mu.Unlock()

	_, err = m.tokenSeq(tok)
	require.Error(t, err)
}

func TestWaterlineSamplesPruned(t *testing.T) {
	m := newTestWaterlineManager(90 * time.Second)
	base := time.Now()
	for i := 0; i < 10; i++ {
		m.samples = append(m.samples, seqSample{
			at:  base.Add(time.Duration(i-10) * time.Minute),
			seq: uint64(i + 1),
		})
	}

	m.mu.Lock()
	horizon := m.retentionHorizonLocked(base)
	m.mu.Unlock()
	require.EqualValues(t, 9, horizon)
	// Only the newest pre-cutoff sample survives pruning.
	require.LessOrEqual(t, len(m.samples), 2)
}
