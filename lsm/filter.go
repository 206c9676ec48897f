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
	"math"

	"github.com/cespare/xxhash/v2"
)

// bloomFilter over user keys, sized for a target false positive rate.
// Serialized form: uvarint hashCount | uvarint bitCount | bit bytes.
type bloomFilter struct {
	bits      []byte
	bitCount  uint64
	hashCount uint64
}

func newBloomFilter(expectedKeys int, fpRate float64) *bloomFilter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	bitCount := uint64(-float64(expectedKeys) * math.Log(fpRate) / (math.Ln2 * math.Ln2))
	if bitCount < 64 {
		bitCount = 64
	}
	hashCount := uint64(float64(bitCount) / float64(expectedKeys) * math.Ln2)
	if hashCount == 0 {
		hashCount = 1
	}
	if hashCount > 30 {
		hashCount = 30
	}
	return &bloomFilter{
		bits:      make([]byte, (bitCount+7)/8),
		bitCount:  bitCount,
		hashCount: hashCount,
	}
}

func (f *bloomFilter) add(key []byte) {
	h1, h2 := f.hashes(key)
	for i := uint64(0); i < f.hashCount; i++ {
		bit := (h1 + i*h2) % f.bitCount
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

func (f *bloomFilter) mayContain(key []byte) bool {
	if f == nil || f.bitCount == 0 {
		return true
	}
	h1, h2 := f.hashes(key)
	for i := uint64(0); i < f.hashCount; i++ {
		bit := (h1 + i*h2) % f.bitCount
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Double hashing from one 64-bit digest, split and remixed.
func (f *bloomFilter) hashes(key []byte) (uint64, uint64) {
	h := xxhash.Sum64(key)
	h1 := h
	h2 := (h >> 33) | (h << 31)
	if h2 == 0 {
		h2 = 0x9e3779b97f4a7c15
	}
	return h1, h2
}

func (f *bloomFilter) marshal() []byte {
	out := binary.AppendUvarint(nil, f.hashCount)
	out = binary.AppendUvarint(out, f.bitCount)
	return append(out, f.bits...)
}

func unmarshalBloomFilter(data []byte) (*bloomFilter, error) {
	hashCount, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, errTableCorrupt
	}
	data = data[n:]
	bitCount, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, errTableCorrupt
	}
	data = data[n:]
	if uint64(len(data)) != (bitCount+7)/8 {
		return nil, errTableCorrupt
	}
	bits := make([]byte, len(data))
	copy(bits, data)
	return &bloomFilter{bits: bits, bitCount: bitCount, hashCount: hashCount}, nil
}
