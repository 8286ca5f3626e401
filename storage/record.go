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

package storage

import (
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyportal/portal"
)

// PortalRecord is a snapshot of one persisted portal. Records are built on
// the owning goroutine and handed to the storage worker, so they never share
// state with live portals.
type PortalRecord struct {
	Partition   Partition
	Network     string
	Name        string
	Destination string
	Owner       uuid.UUID
	Origin      portal.Location
	GateFormat  string
	Facing      portal.Facing
	FlipZ       bool
	Metadata    string
	Flags       portal.FlagSet
	Positions   []portal.Position

	// Cross-server partition only.
	ServerID   string
	ServerName string
	Online     bool

	// Virtual is set by LoadAll for cross-server rows owned by another
	// server. Their positions are not fetched.
	Virtual bool
	// Err is set when the row could not be decoded. The row is returned so
	// the caller can report and skip it.
	Err error
}

// NewRecord snapshots a portal for persistence. storedNetwork is the value
// of the network column: the display name, or the owner id for personal
// networks.
func NewRecord(p *portal.Portal, storedNetwork string) *PortalRecord {
	part := Local
	if p.IsInterServer() {
		part = InterServer
	}
	return &PortalRecord{
		Partition:   part,
		Network:     storedNetwork,
		Name:        p.Name(),
		Destination: p.FixedDestination(),
		Owner:       p.Owner(),
		Origin:      p.Origin(),
		GateFormat:  p.GateFormat(),
		Facing:      p.Facing(),
		FlipZ:       p.FlipZ(),
		Metadata:    p.Metadata(),
		Flags:       p.Flags(),
		Positions:   p.Positions(),
		ServerID:    p.ServerID(),
		ServerName:  p.ServerName(),
		Online:      true,
		Virtual:     p.IsVirtual(),
	}
}

// ServerInfo is one row of the server table.
type ServerInfo struct {
	ID   string
	Name string
}
