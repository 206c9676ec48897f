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
	"github.com/metakvdb/metakv/common/recordlog"
	"github.com/metakvdb/metakv/proto"
)

// The manifest is a record log of full version records; replay keeps the
// last one. A version names the live table files in recency order and the
// recovery bookkeeping that goes with them. Versions are small (a handful
// of file numbers), so rewriting the whole version per edit is cheaper
// than LevelDB-style incremental edits and removes a class of replay bugs.
type version struct {
	// tables lists live table file numbers, newest first.
	tables []uint64
	// nextFileNum is the file number allocator high-water mark.
	nextFileNum uint64
	// flushedSeq is the highest sequence durably present in tables.
	flushedSeq uint64
	// walSegment is the oldest WAL segment that may still hold unflushed
	// writes; older segments are deletable.
	walSegment uint64
}

func (v *version) marshal() []byte {
	out := proto.AppendUvarint(nil, uint64(len(v.tables)))
	for _, t := range v.tables {
		out = proto.AppendUvarint(out, t)
	}
	out = proto.AppendUvarint(out, v.nextFileNum)
	out = proto.AppendUint64(out, v.flushedSeq)
	out = proto.AppendUvarint(out, v.walSegment)
	return out
}

func (v *version) unmarshal(data []byte) error {
	r := proto.NewReader(data)
	n := r.Uvarint()
	v.tables = nil
	for i := uint64(0); i < n; i++ {
		v.tables = append(v.tables, r.Uvarint())
	}
	v.nextFileNum = r.Uvarint()
	v.flushedSeq = r.Uint64()
	v.walSegment = r.Uvarint()
	return r.Err()
}

func (v version) clone() version {
	v.tables = append([]uint64(nil), v.tables...)
	return v
}

type manifest struct {
	log *recordlog.Log
	cur version
}

func openManifest(dir string) (*manifest, error) {
	log, err := recordlog.Open(dir)
	if err != nil {
		return nil, err
	}
	m := &manifest{log: log, cur: version{nextFileNum: 1, walSegment: 1}}
	err = log.ReadAll(func(_ uint64, payload []byte) error {
		var v version
		if err := v.unmarshal(payload); err != nil {
			return err
		}
		m.cur = v
		return nil
	})
	if err != nil {
		log.Close()
		return nil, err
	}
	return m, nil
}

// commit durably installs v as the current version.
func (m *manifest) commit(v version) error {
	if err := m.log.Append(v.marshal()); err != nil {
		return err
	}
	if err := m.log.Sync(); err != nil {
		return err
	}
	m.cur = v
	return nil
}

func (m *manifest) current() version { return m.cur }

func (m *manifest) allocFileNum() uint64 {
	n := m.cur.nextFileNum
	m.cur.nextFileNum++
	return n
}

func (m *manifest) Close() error { return m.log.Close() }
