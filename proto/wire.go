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

package proto

import (
	"encoding/binary"
	"errors"
	"math"
)

// Wire helpers for the hand-written message codecs. Layout is sequential
// and schema-fixed on both ends: little-endian fixed-width ints, uvarints
// for counts and ids, and uvarint-length-prefixed byte strings.

var ErrShortBuffer = errors.New("proto: short buffer")

func AppendUvarint(b []byte, v uint64) []byte {
	return binary.AppendUvarint(b, v)
}

func AppendUint64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func AppendUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func AppendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func AppendBytes(b, v []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(v)))
	return append(b, v...)
}

func AppendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

// Reader consumes a sequentially encoded buffer. The first decode failure
// sticks; callers check Err once at the end.
type Reader struct {
	buf []byte
	err error
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Err() error { return r.err }

// Remaining returns the unread tail of the buffer.
func (r *Reader) Remaining() []byte { return r.buf }

func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = ErrShortBuffer
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *Reader) Uint64() uint64 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 8 {
		r.err = ErrShortBuffer
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf)
	r.buf = r.buf[8:]
	return v
}

func (r *Reader) Uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 4 {
		r.err = ErrShortBuffer
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *Reader) Byte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 1 {
		r.err = ErrShortBuffer
		return 0
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v
}

func (r *Reader) Bool() bool {
	if r.err != nil {
		return false
	}
	if len(r.buf) < 1 {
		r.err = ErrShortBuffer
		return false
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v != 0
}

// Bytes returns a copy of the next length-prefixed byte string.
func (r *Reader) Bytes() []byte {
	if r.err != nil {
		return nil
	}
	n := r.Uvarint()
	if r.err != nil {
		return nil
	}
	if n > math.MaxInt32 || uint64(len(r.buf)) < n {
		r.err = ErrShortBuffer
		return nil
	}
	if n == 0 {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.buf[:n])
	r.buf = r.buf[n:]
	return v
}

func (r *Reader) String() string {
	return string(r.Bytes())
}
