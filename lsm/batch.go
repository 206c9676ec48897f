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
	"github.com/metakvdb/metakv/common/kvstore"
	"github.com/metakvdb/metakv/proto"
)

// writeBatch is the kvstore.WriteBatch implementation. The serialized form
// is: uvarint count, then per record: kind byte | key | [value], with keys
// and values uvarint-length-prefixed. The same bytes travel inside raft
// proposals and snapshot chunks.
type writeBatch struct {
	count int
	rep   []byte
}

// NewWriteBatch returns an empty batch. It is also used standalone by the
// metadata layer to build proposals before they reach a Store.
func NewWriteBatch() kvstore.WriteBatch {
	return &writeBatch{}
}

func (b *writeBatch) Put(key, value []byte) {
	b.count++
	b.rep = append(b.rep, byte(KindPut))
	b.rep = proto.AppendBytes(b.rep, key)
	b.rep = proto.AppendBytes(b.rep, value)
}

func (b *writeBatch) Delete(key []byte) {
	b.count++
	b.rep = append(b.rep, byte(KindDelete))
	b.rep = proto.AppendBytes(b.rep, key)
}

func (b *writeBatch) Len() int { return b.count }

func (b *writeBatch) SizeBytes() int { return len(b.rep) }

func (b *writeBatch) Data() []byte {
	out := proto.AppendUvarint(nil, uint64(b.count))
	return append(out, b.rep...)
}

func (b *writeBatch) From(data []byte) error {
	r := proto.NewReader(data)
	count := int(r.Uvarint())
	if err := r.Err(); err != nil {
		return err
	}
	b.count = count
	b.rep = append(b.rep[:0], r.Remaining()...)
	// Validate the records eagerly so a corrupt proposal fails at decode
	// time, not mid-apply.
	return b.iterate(func(kind Kind, key, value []byte) error { return nil })
}

// asWriteBatch converts a foreign WriteBatch implementation by re-decoding
// its serialized form.
func asWriteBatch(b kvstore.WriteBatch) (*writeBatch, error) {
	if wb, ok := b.(*writeBatch); ok {
		return wb, nil
	}
	wb := &writeBatch{}
	if err := wb.From(b.Data()); err != nil {
		return nil, err
	}
	return wb, nil
}

func (b *writeBatch) Close() {
	b.rep = nil
	b.count = 0
}

func (b *writeBatch) iterate(fn func(kind Kind, key, value []byte) error) error {
	r := proto.NewReader(b.rep)
	for i := 0; i < b.count; i++ {
		kindB := r.Uvarint()
		key := r.Bytes()
		var value []byte
		if Kind(kindB) == KindPut {
			value = r.Bytes()
		}
		if err := r.Err(); err != nil {
			return err
		}
		if err := fn(Kind(kindB), key, value); err != nil {
			return err
		}
	}
	return r.Err()
}
