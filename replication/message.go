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
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/pkg/errors"
)

// ProtocolVersion is written as the first byte of every payload.
const ProtocolVersion byte = 1

// RequestType identifies what a message asks the receiver to do.
type RequestType string

// Request types.
const (
	RequestAdd      RequestType = "ADD"
	RequestRemove   RequestType = "REMOVE"
	RequestTeleport RequestType = "TELEPORT"
)

func (t RequestType) known() bool {
	switch t {
	case RequestAdd, RequestRemove, RequestTeleport:
		return true
	}
	return false
}

// Message is a portal lifecycle event exchanged between servers.
type Message struct {
	RequestType    RequestType `json:"requestType"`
	Network        string      `json:"network"`
	PortalName     string      `json:"portalName"`
	OwnerID        uuid.UUID   `json:"ownerId"`
	Flags          string      `json:"flags"`
	OriginServerID string      `json:"originServerId"`
	OriginServer   string      `json:"originServer"`
	// Actor and Target are only set on TELEPORT requests. Target is the id
	// of the server owning the portal.
	Actor  string `json:"actor,omitempty"`
	Target string `json:"target,omitempty"`
}

// NewPortalMessage describes p for an ADD or REMOVE broadcast.
func NewPortalMessage(t RequestType, p *portal.Portal, serverID, serverName string) *Message {
	return &Message{
		RequestType:    t,
		Network:        p.NetworkName(),
		PortalName:     p.Name(),
		OwnerID:        p.Owner(),
		Flags:          p.Flags().String(),
		OriginServerID: serverID,
		OriginServer:   serverName,
	}
}

// Encode serializes m behind the protocol version byte.
func Encode(m *Message) ([]byte, error) {
	if !m.RequestType.known() {
		return nil, errors.WithStack(MalformedMessageErr{Version: ProtocolVersion, Reason: "unknown request type " + string(m.RequestType)})
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	data := make([]byte, 0, len(body)+1)
	data = append(data, ProtocolVersion)
	return append(data, body...), nil
}

// Decode parses a payload. Payloads from newer protocol versions are read
// best-effort: unknown fields are ignored but the request type must still be
// one this server understands.
func Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, errors.WithStack(MalformedMessageErr{Reason: "empty payload"})
	}
	version := data[0]
	if version == 0 {
		return nil, errors.WithStack(MalformedMessageErr{Version: version, Reason: "missing version byte"})
	}
	m := &Message{}
	if err := json.Unmarshal(data[1:], m); err != nil {
		return nil, errors.WithStack(MalformedMessageErr{Version: version, Reason: err.Error()})
	}
	if !m.RequestType.known() {
		return nil, errors.WithStack(MalformedMessageErr{Version: version, Reason: "unknown request type " + string(m.RequestType)})
	}
	if m.Network == "" || m.PortalName == "" {
		return nil, errors.WithStack(MalformedMessageErr{Version: version, Reason: "missing portal identity"})
	}
	return m, nil
}
