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

import "github.com/metakvdb/metakv/proto"

// ToRPC converts a service error into its wire form. Nil stays nil so
// handlers can pass results through unconditionally.
func ToRPC(err error) *proto.RPCError {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return &proto.RPCError{
			Code:        e.Code,
			Msg:         e.Msg,
			Leader:      e.Leader,
			LeaderAddr:  e.LeaderAddr,
			ConflictKey: e.ConflictKey,
		}
	}
	return &proto.RPCError{Code: CodeUnavailable, Msg: err.Error()}
}

// FromRPC converts a wire error back into a service error.
func FromRPC(e *proto.RPCError) error {
	if e == nil {
		return nil
	}
	return &Error{
		Code:        e.Code,
		Msg:         e.Msg,
		Leader:      e.Leader,
		LeaderAddr:  e.LeaderAddr,
		ConflictKey: e.ConflictKey,
	}
}
