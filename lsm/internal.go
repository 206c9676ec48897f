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

import "bytes"

// Kind distinguishes live values from tombstones.
type Kind uint8

const (
	KindDelete Kind = 0
	KindPut    Kind = 1
)

// entry is one versioned record. Ordering is user key ascending, then
// sequence descending (newest first), matching the on-disk table order.
type entry struct {
	key   []byte
	seq   uint64
	kind  Kind
	value []byte
}

// compareEntries orders by the composite internal key.
func compareEntries(a, b *entry) int {
	if c := bytes.Compare(a.key, b.key); c != 0 {
		return c
	}
	switch {
	case a.seq > b.seq:
		return -1
	case a.seq < b.seq:
		return 1
	}
	return 0
}

func (e *entry) sizeBytes() int64 {
	return int64(len(e.key) + len(e.value) + 16)
}
