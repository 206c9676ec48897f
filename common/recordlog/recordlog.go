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

package recordlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// A record log is a directory of segment files, each an append-only
// sequence of checksum-framed records:
//
//	crc32c(payload) uint32 LE | payload length uvarint | payload
//
// A torn or corrupt record at the tail of the newest segment is truncated
// on open; corruption anywhere else is fatal (ErrCorrupt).

const segmentSuffix = ".rlog"

var (
	ErrCorrupt = errors.New("recordlog: corrupt record")
	ErrClosed  = errors.New("recordlog: log closed")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Log is a segmented record log. A single writer appends to the active
// (highest-numbered) segment; older segments are immutable and may be
// deleted wholesale once their contents are covered elsewhere.
type Log struct {
	mu     sync.Mutex
	dir    string
	segs   []uint64 // sorted ascending, including the active segment
	f      *os.File
	w      *bufio.Writer
	off    int64
	closed bool
}

// Open scans dir for segment files and opens the newest for appending,
// truncating any torn tail first. A fresh directory starts at segment 1.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	l := &Log{dir: dir, segs: segs}
	if len(segs) == 0 {
		if err := l.openSegment(1); err != nil {
			return nil, err
		}
		l.segs = []uint64{1}
		return l, nil
	}

	active := segs[len(segs)-1]
	valid, err := scanValidPrefix(l.segmentPath(active))
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(l.segmentPath(active), os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(valid); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(valid, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	l.f = f
	l.w = bufio.NewWriter(f)
	l.off = valid
	return l, nil
}

// Append frames and buffers one record in the active segment. The record
// is not durable until Sync returns.
func (l *Log) Append(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	var hdr [4 + binary.MaxVarintLen64]byte
	binary.LittleEndian.PutUint32(hdr[:4], crc32.Checksum(payload, castagnoli))
	n := binary.PutUvarint(hdr[4:], uint64(len(payload)))
	if _, err := l.w.Write(hdr[:4+n]); err != nil {
		return err
	}
	if _, err := l.w.Write(payload); err != nil {
		return err
	}
	l.off += int64(4 + n + len(payload))
	return nil
}

// Sync flushes buffered records and fsyncs the active segment.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if l.closed {
		return ErrClosed
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Sync()
}

// ActiveSegment returns the id of the segment currently accepting appends.
func (l *Log) ActiveSegment() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.segs[len(l.segs)-1]
}

// Segments returns the ids of all live segments in ascending order.
func (l *Log) Segments() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uint64, len(l.segs))
	copy(out, l.segs)
	return out
}

// Rotate seals the active segment and starts a new one, returning the new
// segment id. The sealed segment is synced before the new one opens.
func (l *Log) Rotate() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if err := l.syncLocked(); err != nil {
		return 0, err
	}
	if err := l.f.Close(); err != nil {
		return 0, err
	}
	next := l.segs[len(l.segs)-1] + 1
	if err := l.openSegment(next); err != nil {
		return 0, err
	}
	l.segs = append(l.segs, next)
	return next, nil
}

// DeleteBefore removes all sealed segments with id < seg. The active
// segment is never deleted.
func (l *Log) DeleteBefore(seg uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	active := l.segs[len(l.segs)-1]
	keep := l.segs[:0]
	for _, id := range l.segs {
		if id < seg && id != active {
			if err := os.Remove(l.segmentPath(id)); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		keep = append(keep, id)
	}
	l.segs = keep
	return syncDir(l.dir)
}

// ReadAll replays every live segment in order, invoking fn for each
// record. A torn tail is tolerated only in the newest segment; corruption
// in a sealed segment returns ErrCorrupt.
func (l *Log) ReadAll(fn func(seg uint64, payload []byte) error) error {
	l.mu.Lock()
	segs := make([]uint64, len(l.segs))
	copy(segs, l.segs)
	l.mu.Unlock()

	for i, seg := range segs {
		last := i == len(segs)-1
		if err := readSegment(l.segmentPath(seg), seg, last, fn); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return err
	}
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

func (l *Log) openSegment(id uint64) error {
	f, err := os.OpenFile(l.segmentPath(id), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err := syncDir(l.dir); err != nil {
		f.Close()
		return err
	}
	l.f = f
	l.w = bufio.NewWriter(f)
	l.off = 0
	return nil
}

func (l *Log) segmentPath(id uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%016x%s", id, segmentSuffix))
}

func listSegments(dir string) ([]uint64, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segs []uint64
	for _, ent := range ents {
		name := ent.Name()
		if !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 16, 64)
		if err != nil {
			continue
		}
		segs = append(segs, id)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

// scanValidPrefix returns the byte offset after the last intact record.
func scanValidPrefix(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var valid int64
	for {
		payload, n, err := readRecord(r)
		if err != nil {
			return valid, nil
		}
		_ = payload
		valid += n
	}
}

func readSegment(path string, seg uint64, tolerateTail bool, fn func(uint64, []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		payload, _, err := readRecord(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if tolerateTail {
				return nil
			}
			return fmt.Errorf("%w: segment %d", ErrCorrupt, seg)
		}
		if err := fn(seg, payload); err != nil {
			return err
		}
	}
}

// readRecord decodes one frame. io.EOF means a clean end; any other error
// means a torn or corrupt record.
func readRecord(r *bufio.Reader) ([]byte, int64, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, 0, ErrCorrupt
		}
		return nil, 0, err
	}
	sum := binary.LittleEndian.Uint32(hdr[:])
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, 0, ErrCorrupt
	}
	if length > 1<<30 {
		return nil, 0, ErrCorrupt
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, ErrCorrupt
	}
	if crc32.Checksum(payload, castagnoli) != sum {
		return nil, 0, ErrCorrupt
	}
	n := int64(4 + uvarintLen(length) + int(length))
	return payload, n, nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
