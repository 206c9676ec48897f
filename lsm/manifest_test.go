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

package lsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionCloneIsIndependent(t *testing.T) {
	m, err := openManifest(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.commit(version{
		tables:      []uint64{3, 2, 1},
		nextFileNum: 4,
		flushedSeq:  10,
		walSegment:  2,
	}))

	// Edits built on a clone of the current version must not reach the
	// manifest until committed.
	v := m.current().clone()
	v.tables[0] = 99
	v.tables = append(v.tables, 100)
	v.flushedSeq = 20

	cur := m.current()
	require.Equal(t, []uint64{3, 2, 1}, cur.tables)
	require.Equal(t, uint64(10), cur.flushedSeq)

	require.NoError(t, m.commit(v))
	require.Equal(t, []uint64{99, 2, 1, 100}, m.current().tables)
}
