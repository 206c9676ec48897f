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

package errors

import (
	"errors"
	"fmt"
)

// Error codes surfaced to the embedding service. The taxonomy is split into
// retryable conditions, per-operation aborts, and fatal local failures.
const (
	CodeNotLeader uint32 = 401 + iota
	CodeUnavailable
	CodeTimeout
	CodeAbortedConflict
	CodeAbortedStale
	CodeLockHeld
	CodeNotFound
	CodeInvalidRequest
	CodeCorruptStorage
	CodeClosed
	CodeNodeNotFound
)

var (
	ErrNotLeader       = New(CodeNotLeader, "not leader")
	ErrUnavailable     = New(CodeUnavailable, "no quorum available")
	ErrTimeout         = New(CodeTimeout, "request timed out")
	ErrAbortedConflict = New(CodeAbortedConflict, "aborted: compare condition failed")
	ErrAbortedStale    = New(CodeAbortedStale, "aborted: concurrent modification")
	ErrLockHeld        = New(CodeLockHeld, "lock held by another owner")
	ErrNotFound        = New(CodeNotFound, "key not found")
	ErrInvalidRequest  = New(CodeInvalidRequest, "invalid request")
	ErrCorruptStorage  = New(CodeCorruptStorage, "corrupt storage")
	ErrClosed          = New(CodeClosed, "server closed")
	ErrNodeNotFound    = New(CodeNodeNotFound, "unknown node id")
)

type Error struct {
	Code uint32
	Msg  string

	// Leader hint, set on CodeNotLeader when the current leader is known.
	Leader     uint64
	LeaderAddr string

	// ConflictKey names the conflicting range for transaction aborts.
	ConflictKey []byte
}

func New(code uint32, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func (e *Error) Error() string {
	return fmt.Sprintf("metakv: %s (code %d)", e.Msg, e.Code)
}

// Is makes sentinel comparison work across wrapped copies that carry
// hints: two *Error values match on code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NotLeader returns a not-leader error carrying a leader hint.
func NotLeader(leader uint64, addr string) *Error {
	return &Error{Code: CodeNotLeader, Msg: "not leader", Leader: leader, LeaderAddr: addr}
}

// Conflict returns a transaction abort naming the conflicting key.
func Conflict(code uint32, key []byte) *Error {
	msg := "aborted: compare condition failed"
	if code == CodeAbortedStale {
		msg = "aborted: concurrent modification"
	}
	return &Error{Code: code, Msg: msg, ConflictKey: key}
}

// As is the standard library's errors.As, re-exported so callers need a
// single errors import.
func As(err error, target any) bool { return errors.As(err, target) }

// Code extracts the metakv error code from err, or 0 if err carries none.
func Code(err error) uint32 {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// Retryable reports whether the caller should retry the same request,
// possibly against a different replica.
func Retryable(err error) bool {
	switch Code(err) {
	case CodeNotLeader, CodeUnavailable, CodeTimeout:
		return true
	}
	return false
}
