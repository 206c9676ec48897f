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
	"github.com/metakvdb/metakv/errors"
	"github.com/metakvdb/metakv/proto"
)

// Internal key layout: [table_id][user_key][sub_key]. The table id keeps
// user data and bookkeeping rows in disjoint prefixes; the trailing
// sub-key byte lets each user key carry both a value row and a lock row
// that sort next to each other.

func encodeKey(tableID uint8, userKey []byte, subKey uint8) []byte {
	b := make([]byte, 0, len(userKey)+2)
	b = append(b, tableID)
	b = append(b, userKey...)
	b = append(b, subKey)
	return b
}

func decodeKey(key []byte) (tableID uint8, userKey []byte, subKey uint8, err error) {
	if len(key) < 2 {
		return 0, nil, 0, errors.ErrCorruptStorage
	}
	return key[0], key[1 : len(key)-1], key[len(key)-1], nil
}

func dataKey(userKey []byte) []byte {
	return encodeKey(proto.TableData, userKey, proto.SubKeyValue)
}

func lockKey(userKey []byte) []byte {
	return encodeKey(proto.TableData, userKey, proto.SubKeyLock)
}

// dataRangeBounds maps a user key range onto engine key bounds. An
// empty end scans to the last key of the data table; wire decoding
// turns an absent end into an empty slice, so nil and empty mean the
// same thing here.
func dataRangeBounds(start, end []byte) (lo, hi []byte) {
	lo = append([]byte{proto.TableData}, start...)
	if len(end) == 0 {
		hi = []byte{proto.TableData + 1}
	} else {
		hi = append([]byte{proto.TableData}, end...)
	}
	return lo, hi
}

// Bookkeeping rows live in the meta table, after all user data.
var (
	metaKeyApplied   = append([]byte{proto.TableMeta}, "applied_index"...)
	metaKeyWaterline = append([]byte{proto.TableMeta}, "waterline"...)
	metaKeyMemberPfx = append([]byte{proto.TableMeta}, "member/"...)
)

func memberKey(nodeID uint64) []byte {
	b := make([]byte, 0, len(metaKeyMemberPfx)+8)
	b = append(b, metaKeyMemberPfx...)
	return proto.AppendUint64(b, nodeID)
}

// LockInfo is the value stored under a lock sub-key row. An exclusive
// lock has exactly one holder; a shared lock accumulates holders.
type LockInfo struct {
	Exclusive  bool
	Holders    []uint64
	AcquiredAt int64
}

func (l *LockInfo) Marshal() []byte {
	b := make([]byte, 0, 16+8*len(l.Holders))
	b = proto.AppendBool(b, l.Exclusive)
	b = proto.AppendUvarint(b, uint64(len(l.Holders)))
	for _, h := range l.Holders {
		b = proto.AppendUvarint(b, h)
	}
	b = proto.AppendUint64(b, uint64(l.AcquiredAt))
	return b
}

func (l *LockInfo) Unmarshal(data []byte) error {
	r := proto.NewReader(data)
	l.Exclusive = r.Bool()
	n := r.Uvarint()
	if n > uint64(len(data)) {
		return errors.ErrCorruptStorage
	}
	l.Holders = make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		l.Holders = append(l.Holders, r.Uvarint())
	}
	l.AcquiredAt = int64(r.Uint64())
	return r.Err()
}

func (l *LockInfo) holds(owner uint64) bool {
	for _, h := range l.Holders {
		if h == owner {
			return true
		}
	}
	return false
}

func (l *LockInfo) drop(owner uint64) {
	out := l.Holders[:0]
	for _, h := range l.Holders {
		if h != owner {
			out = append(out, h)
		}
	}
	l.Holders = out
}
