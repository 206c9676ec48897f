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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/metakvdb/metakv/proto"
)

// Table files are immutable once written:
//
//	data blocks | filter block | index block | properties block | footer
//
// The footer is fixed-size: six uint64 offsets/lengths plus a magic number.
// Blocks all carry the flag+checksum frame from block.go; only data blocks
// are compressed.

const (
	tableMagic      = uint64(0x6d6574616b762e74) // "metakv.t"
	tableFooterSize = 7 * 8
)

type tableProperties struct {
	NumEntries  uint64
	MinSeq      uint64
	MaxSeq      uint64
	SmallestKey []byte
	LargestKey  []byte
	CreatedUnix int64
}

func (p *tableProperties) marshal() []byte {
	out := proto.AppendUvarint(nil, p.NumEntries)
	out = proto.AppendUint64(out, p.MinSeq)
	out = proto.AppendUint64(out, p.MaxSeq)
	out = proto.AppendBytes(out, p.SmallestKey)
	out = proto.AppendBytes(out, p.LargestKey)
	out = proto.AppendUint64(out, uint64(p.CreatedUnix))
	return out
}

func (p *tableProperties) unmarshal(data []byte) error {
	r := proto.NewReader(data)
	p.NumEntries = r.Uvarint()
	p.MinSeq = r.Uint64()
	p.MaxSeq = r.Uint64()
	p.SmallestKey = r.Bytes()
	p.LargestKey = r.Bytes()
	p.CreatedUnix = int64(r.Uint64())
	return r.Err()
}

type indexEntry struct {
	lastKey []byte // user key of the last entry in the block
	offset  uint64
	size    uint64
}

// tableBuilder writes one sorted table in a single pass. Entries must
// arrive in internal order.
type tableBuilder struct {
	w         io.Writer
	off       uint64
	block     blockBuilder
	index     []indexEntry
	filter    *bloomFilter
	props     tableProperties
	blockSize int
	compress  bool
	lastKey   []byte
}

func newTableBuilder(w io.Writer, expectedKeys, blockSize int, compress bool) *tableBuilder {
	return &tableBuilder{
		w:         w,
		filter:    newBloomFilter(expectedKeys, 0.01),
		blockSize: blockSize,
		compress:  compress,
		props:     tableProperties{MinSeq: ^uint64(0), CreatedUnix: time.Now().Unix()},
	}
}

func (b *tableBuilder) add(e *entry) error {
	if b.props.NumEntries == 0 {
		b.props.SmallestKey = append([]byte(nil), e.key...)
	}
	b.props.LargestKey = append(b.props.LargestKey[:0], e.key...)
	if e.seq < b.props.MinSeq {
		b.props.MinSeq = e.seq
	}
	if e.seq > b.props.MaxSeq {
		b.props.MaxSeq = e.seq
	}
	b.props.NumEntries++

	if !bytes.Equal(b.lastKey, e.key) {
		b.filter.add(e.key)
		b.lastKey = append(b.lastKey[:0], e.key...)
	}

	b.block.add(e)
	if b.block.sizeBytes() >= b.blockSize {
		return b.flushBlock()
	}
	return nil
}

func (b *tableBuilder) flushBlock() error {
	if b.block.empty() {
		return nil
	}
	stored := b.block.finish(b.compress)
	if _, err := b.w.Write(stored); err != nil {
		return err
	}
	b.index = append(b.index, indexEntry{
		lastKey: append([]byte(nil), b.lastKey...),
		offset:  b.off,
		size:    uint64(len(stored)),
	})
	b.off += uint64(len(stored))
	b.block.reset()
	return nil
}

// finish flushes the final data block and writes filter, index,
// properties, and footer. The caller owns fsync and rename.
func (b *tableBuilder) finish() (*tableProperties, error) {
	if err := b.flushBlock(); err != nil {
		return nil, err
	}
	if b.props.NumEntries == 0 {
		b.props.MinSeq = 0
	}

	writeRaw := func(payload []byte) (off, size uint64, err error) {
		var raw blockBuilder
		raw.buf = payload
		stored := raw.finish(false)
		if _, err = b.w.Write(stored); err != nil {
			return 0, 0, err
		}
		off = b.off
		size = uint64(len(stored))
		b.off += size
		return off, size, nil
	}

	filterOff, filterLen, err := writeRaw(b.filter.marshal())
	if err != nil {
		return nil, err
	}

	var indexBuf []byte
	for i := range b.index {
		indexBuf = proto.AppendBytes(indexBuf, b.index[i].lastKey)
		indexBuf = proto.AppendUvarint(indexBuf, b.index[i].offset)
		indexBuf = proto.AppendUvarint(indexBuf, b.index[i].size)
	}
	indexOff, indexLen, err := writeRaw(indexBuf)
	if err != nil {
		return nil, err
	}

	propsOff, propsLen, err := writeRaw(b.props.marshal())
	if err != nil {
		return nil, err
	}

	var footer [tableFooterSize]byte
	for i, v := range []uint64{filterOff, filterLen, indexOff, indexLen, propsOff, propsLen, tableMagic} {
		binary.LittleEndian.PutUint64(footer[i*8:], v)
	}
	if _, err := b.w.Write(footer[:]); err != nil {
		return nil, err
	}
	return &b.props, nil
}

// Table is an open, immutable sorted table.
type Table struct {
	f      *os.File
	path   string
	size   int64
	index  []indexEntry
	filter *bloomFilter
	props  tableProperties
}

func openTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	t := &Table{f: f, path: path, size: st.Size()}
	if err := t.readMeta(); err != nil {
		f.Close()
		return nil, fmt.Errorf("open table %s: %w", path, err)
	}
	return t, nil
}

func (t *Table) readMeta() error {
	if t.size < tableFooterSize {
		return errTableCorrupt
	}
	var footer [tableFooterSize]byte
	if _, err := t.f.ReadAt(footer[:], t.size-tableFooterSize); err != nil {
		return err
	}
	vals := make([]uint64, 7)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint64(footer[i*8:])
	}
	if vals[6] != tableMagic {
		return errTableCorrupt
	}

	filterRaw, err := t.readBlockAt(vals[0], vals[1])
	if err != nil {
		return err
	}
	if t.filter, err = unmarshalBloomFilter(filterRaw); err != nil {
		return err
	}

	indexRaw, err := t.readBlockAt(vals[2], vals[3])
	if err != nil {
		return err
	}
	r := proto.NewReader(indexRaw)
	for len(r.Remaining()) > 0 {
		var ie indexEntry
		ie.lastKey = r.Bytes()
		ie.offset = r.Uvarint()
		ie.size = r.Uvarint()
		if err := r.Err(); err != nil {
			return errTableCorrupt
		}
		t.index = append(t.index, ie)
	}

	propsRaw, err := t.readBlockAt(vals[4], vals[5])
	if err != nil {
		return err
	}
	return t.props.unmarshal(propsRaw)
}

func (t *Table) readBlockAt(off, size uint64) ([]byte, error) {
	stored := make([]byte, size)
	if _, err := t.f.ReadAt(stored, int64(off)); err != nil {
		return nil, err
	}
	return decodeBlock(stored)
}

// get returns the newest entry for key with entry.seq <= seq.
func (t *Table) get(key []byte, seq uint64) (*entry, bool, error) {
	if !t.filter.mayContain(key) {
		return nil, false, nil
	}
	// First block whose last user key is >= key can contain it. An entry
	// for the same user key may spill into following blocks, so keep
	// scanning while the block range still covers the key.
	for i := t.searchBlock(key); i < len(t.index); i++ {
		decoded, err := t.readBlockAt(t.index[i].offset, t.index[i].size)
		if err != nil {
			return nil, false, err
		}
		it := newBlockIter(decoded)
		for it.Next() {
			e := it.entry()
			c := bytes.Compare(e.key, key)
			if c > 0 {
				return nil, false, it.Err()
			}
			if c == 0 && e.seq <= seq {
				found := *e
				return &found, true, nil
			}
		}
		if err := it.Err(); err != nil {
			return nil, false, err
		}
	}
	return nil, false, nil
}

func (t *Table) searchBlock(key []byte) int {
	lo, hi := 0, len(t.index)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(t.index[mid].lastKey, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// newIter walks every entry in the table in internal order, starting at
// the first entry with user key >= start (nil = first).
func (t *Table) newIter(start []byte) *tableIter {
	first := 0
	if start != nil {
		first = t.searchBlock(start)
	}
	return &tableIter{t: t, block: first, start: start}
}

func (t *Table) Close() error { return t.f.Close() }

type tableIter struct {
	t     *Table
	block int
	start []byte
	it    *blockIter
	err   error
}

func (it *tableIter) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if it.it != nil && it.it.Next() {
			if it.start != nil && bytes.Compare(it.it.entry().key, it.start) < 0 {
				continue
			}
			return true
		}
		if it.it != nil {
			if err := it.it.Err(); err != nil {
				it.err = err
				return false
			}
		}
		if it.block >= len(it.t.index) {
			return false
		}
		decoded, err := it.t.readBlockAt(it.t.index[it.block].offset, it.t.index[it.block].size)
		if err != nil {
			it.err = err
			return false
		}
		it.it = newBlockIter(decoded)
		it.block++
	}
}

func (it *tableIter) entry() *entry { return it.it.entry() }
func (it *tableIter) Err() error    { return it.err }
