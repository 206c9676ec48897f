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
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"

	"github.com/metakvdb/metakv/proto"
)

// Data blocks hold consecutive entries in internal order:
//
//	uvarint keyLen | key | uint64 seq | kind byte | uvarint valLen | val
//
// Each block is stored with a one-byte compression flag and an xxhash64
// digest of the (possibly compressed) contents:
//
//	flag byte | payload | digest uint64 LE

var errTableCorrupt = errors.New("lsm: corrupt table block")

const (
	blockNoCompression     = byte(0)
	blockSnappyCompression = byte(1)
)

type blockBuilder struct {
	buf     []byte
	entries int
}

func (b *blockBuilder) add(e *entry) {
	b.buf = proto.AppendBytes(b.buf, e.key)
	b.buf = proto.AppendUint64(b.buf, e.seq)
	b.buf = append(b.buf, byte(e.kind))
	b.buf = proto.AppendBytes(b.buf, e.value)
	b.entries++
}

func (b *blockBuilder) sizeBytes() int { return len(b.buf) }
func (b *blockBuilder) empty() bool    { return b.entries == 0 }

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.entries = 0
}

// finish seals the block into its stored representation.
func (b *blockBuilder) finish(compress bool) []byte {
	payload := b.buf
	flag := blockNoCompression
	if compress {
		compressed := snappy.Encode(nil, b.buf)
		if len(compressed) < len(payload) {
			payload = compressed
			flag = blockSnappyCompression
		}
	}
	out := make([]byte, 0, 1+len(payload)+8)
	out = append(out, flag)
	out = append(out, payload...)
	return binary.LittleEndian.AppendUint64(out, xxhash.Sum64(payload))
}

// decodeBlock verifies and decompresses a stored block into entry bytes.
func decodeBlock(stored []byte) ([]byte, error) {
	if len(stored) < 9 {
		return nil, errTableCorrupt
	}
	flag := stored[0]
	payload := stored[1 : len(stored)-8]
	sum := binary.LittleEndian.Uint64(stored[len(stored)-8:])
	if xxhash.Sum64(payload) != sum {
		return nil, errTableCorrupt
	}
	switch flag {
	case blockNoCompression:
		return payload, nil
	case blockSnappyCompression:
		return snappy.Decode(nil, payload)
	default:
		return nil, errTableCorrupt
	}
}

// blockIter walks the entries of a decoded block.
type blockIter struct {
	r   *proto.Reader
	cur *entry
	err error
}

func newBlockIter(decoded []byte) *blockIter {
	return &blockIter{r: proto.NewReader(decoded)}
}

func (it *blockIter) Next() bool {
	if it.err != nil || len(it.r.Remaining()) == 0 {
		return false
	}
	// Fresh entry per step: downstream merge iterators hold entries
	// across advances.
	e := &entry{}
	e.key = it.r.Bytes()
	e.seq = it.r.Uint64()
	e.kind = Kind(it.r.Uvarint())
	e.value = it.r.Bytes()
	if err := it.r.Err(); err != nil {
		it.err = errTableCorrupt
		return false
	}
	it.cur = e
	return true
}

func (it *blockIter) entry() *entry { return it.cur }
func (it *blockIter) Err() error    { return it.err }
