// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package replication

import (
	"fmt"

	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/pingcap/errcode"
)

var (
	// MalformedMessageCode is returned when an inbound payload cannot be decoded.
	MalformedMessageCode = errcode.InvalidInputCode.Child("input.message")
	// RelayClosedCode is returned when sending through a closed relay or channel.
	RelayClosedCode = errcode.StateCode.Child("state.relay")
)

var _ errcode.ErrorCode = (*MalformedMessageErr)(nil)
var _ errcode.ErrorCode = (*RelayClosedErr)(nil)

// MalformedMessageErr has a Code() of MalformedMessageCode.
type MalformedMessageErr struct {
	Version byte   `json:"version"`
	Reason  string `json:"reason"`
}

func (e MalformedMessageErr) Error() string {
	return fmt.Sprintf("malformed replication message (version %d): %s", e.Version, e.Reason)
}

// Code returns MalformedMessageCode.
func (e MalformedMessageErr) Code() errcode.Code { return MalformedMessageCode }

// RelayClosedErr has a Code() of RelayClosedCode.
type RelayClosedErr struct {
	Relay string `json:"relay"`
}

func (e RelayClosedErr) Error() string { return fmt.Sprintf("%s relay is closed", e.Relay) }

// Code returns RelayClosedCode.
func (e RelayClosedErr) Code() errcode.Code { return RelayClosedCode }

// IsMalformed reports whether err is a decoding failure.
func IsMalformed(err error) bool { return portal.HasCode(err, MalformedMessageCode) }

// IsClosed reports whether err was caused by a closed relay or channel.
func IsClosed(err error) bool { return portal.HasCode(err, RelayClosedCode) }
