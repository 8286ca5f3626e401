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

package portal

import (
	"math/rand"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Strategy decides how a portal picks its destination.
type Strategy int

// Destination selection strategies.
const (
	// StrategyFixed always targets the configured destination.
	StrategyFixed Strategy = iota
	// StrategySequential lets the user cycle through the network members.
	StrategySequential
	// StrategyRandom picks a random member on every activation.
	StrategyRandom
	// StrategyRemote belongs to virtual portals; selection happens on the
	// owning server.
	StrategyRemote
)

func (s Strategy) String() string {
	switch s {
	case StrategyFixed:
		return "fixed"
	case StrategySequential:
		return "sequential"
	case StrategyRandom:
		return "random"
	case StrategyRemote:
		return "remote"
	}
	return "unknown"
}

// Key is the arena handle of a portal.
type Key struct {
	InterServer bool   `json:"interServer"`
	Network     string `json:"network"`
	Portal      string `json:"portal"`
}

func (k Key) String() string {
	if k.InterServer {
		return "inter:" + k.Network + "/" + k.Portal
	}
	return k.Network + "/" + k.Portal
}

// Teleporter moves an actor through a real portal.
type Teleporter interface {
	Teleport(actor uuid.UUID, p *Portal) error
}

// Forwarder hands a teleport through a virtual portal to its owning server.
type Forwarder interface {
	ForwardTeleport(actor uuid.UUID, p *Portal) error
}

// Options describe a portal to be built by New.
type Options struct {
	Name        string
	Network     string
	NetworkName string
	InterServer bool
	Owner       uuid.UUID
	Destination string
	Flags       FlagSet
	Origin      Location
	Facing      Facing
	FlipZ       bool
	GateFormat  string
	Positions   []Position
	Metadata    string

	// Virtual portals carry the identity of a portal owned by another
	// server. They have no footprint.
	Virtual    bool
	ServerID   string
	ServerName string
	Forwarder  Forwarder
}

// Portal is a named teleportation endpoint. It only stores the id of its
// network; every traversal goes through the registry.
type Portal struct {
	id          string
	name        string
	network     string
	networkName string
	interServer bool
	owner       uuid.UUID
	destination string
	strategy    Strategy
	flags       FlagSet
	origin      Location
	facing      Facing
	flipZ       bool
	gateFormat  string
	positions   []Position
	metadata    string

	virtual    bool
	serverID   string
	serverName string
	forwarder  Forwarder

	open         bool
	destinations []string
	cursor       int
}

// New validates the options and builds a portal.
func New(opts Options, maxNameLen int) (*Portal, error) {
	if err := ValidateName(opts.Name, maxNameLen); err != nil {
		return nil, err
	}
	if opts.Network == "" {
		return nil, NameInvalidErr{Name: opts.NetworkName, Reason: "portal has no network"}
	}
	flags := opts.Flags.Clone()
	if flags == nil {
		flags = NewFlagSet()
	}
	if opts.InterServer {
		flags.Add(FlagInterServer)
	}
	if opts.Destination != "" && !flags.Has(FlagRandom) {
		flags.Add(FlagFixed)
	}
	p := &Portal{
		id:          Normalize(opts.Name),
		name:        opts.Name,
		network:     opts.Network,
		networkName: opts.NetworkName,
		interServer: opts.InterServer,
		owner:       opts.Owner,
		destination: opts.Destination,
		flags:       flags,
		origin:      opts.Origin,
		facing:      opts.Facing,
		flipZ:       opts.FlipZ,
		gateFormat:  opts.GateFormat,
		metadata:    opts.Metadata,
		virtual:     opts.Virtual,
		serverID:    opts.ServerID,
		serverName:  opts.ServerName,
		forwarder:   opts.Forwarder,
	}
	if p.networkName == "" {
		p.networkName = opts.Network
	}
	switch {
	case opts.Virtual:
		p.strategy = StrategyRemote
	case flags.Has(FlagRandom):
		p.strategy = StrategyRandom
	case flags.Has(FlagFixed):
		p.strategy = StrategyFixed
	default:
		p.strategy = StrategySequential
	}
	if !opts.Virtual {
		p.positions = append([]Position(nil), opts.Positions...)
		SortPositions(p.positions)
	}
	return p, nil
}

// ID returns the normalized name.
func (p *Portal) ID() string { return p.id }

// Name returns the display name.
func (p *Portal) Name() string { return p.name }

// Key returns the arena handle.
func (p *Portal) Key() Key {
	return Key{InterServer: p.interServer, Network: p.network, Portal: p.id}
}

// Network returns the id of the owning network.
func (p *Portal) Network() string { return p.network }

// NetworkName returns the display name of the owning network.
func (p *Portal) NetworkName() string { return p.networkName }

// IsInterServer reports whether the portal lives in the cross-server partition.
func (p *Portal) IsInterServer() bool { return p.interServer }

// Owner returns the owning identity.
func (p *Portal) Owner() uuid.UUID { return p.owner }

// Destination returns the configured destination name of a fixed portal, or
// the current selection of a sequential one.
func (p *Portal) Destination() string {
	if p.strategy == StrategySequential {
		if len(p.destinations) == 0 {
			return ""
		}
		return p.destinations[p.cursor]
	}
	return p.destination
}

// FixedDestination returns the destination stored with the portal.
func (p *Portal) FixedDestination() string { return p.destination }

// Strategy returns the destination selection strategy.
func (p *Portal) Strategy() Strategy { return p.strategy }

// Flags returns a copy of the flag set.
func (p *Portal) Flags() FlagSet { return p.flags.Clone() }

// HasFlag reports whether f is set.
func (p *Portal) HasFlag(f Flag) bool { return p.flags.Has(f) }

// Origin returns the reference point of the footprint.
func (p *Portal) Origin() Location { return p.origin }

// Facing returns the direction the gate was built towards.
func (p *Portal) Facing() Facing { return p.facing }

// FlipZ reports whether the gate is mirrored on its z axis.
func (p *Portal) FlipZ() bool { return p.flipZ }

// GateFormat returns the gate template name.
func (p *Portal) GateFormat() string { return p.gateFormat }

// Positions returns a copy of the relative footprint.
func (p *Portal) Positions() []Position { return append([]Position(nil), p.positions...) }

// Cells returns the absolute cells the footprint occupies.
func (p *Portal) Cells() []Cell {
	cells := make([]Cell, 0, len(p.positions))
	for _, pos := range p.positions {
		cells = append(cells, Cell{
			Role:     pos.Role,
			Location: p.origin.Add(p.facing.Rotate(pos.Offset, p.flipZ)),
		})
	}
	return cells
}

// Metadata returns the opaque metadata string.
func (p *Portal) Metadata() string { return p.metadata }

// SetMetadata replaces the metadata. It is a no-op on virtual portals.
func (p *Portal) SetMetadata(m string) {
	if p.virtual {
		return
	}
	p.metadata = m
}

// IsVirtual reports whether the authoritative copy lives on another server.
func (p *Portal) IsVirtual() bool { return p.virtual }

// ServerID returns the id of the owning server.
func (p *Portal) ServerID() string { return p.serverID }

// ServerName returns the name of the owning server.
func (p *Portal) ServerName() string { return p.serverName }

// IsOpen reports whether the portal is currently active.
func (p *Portal) IsOpen() bool { return p.open }

// Destinations returns the candidates computed by the last UpdateDestinations.
func (p *Portal) Destinations() []string { return append([]string(nil), p.destinations...) }

// SetName changes the display name and id. The registry rekeys its maps
// around this call.
func (p *Portal) SetName(name string) {
	p.name = name
	p.id = Normalize(name)
}

// SetNetwork moves the portal to another network id.
func (p *Portal) SetNetwork(id, name string) {
	p.network = id
	p.networkName = name
}

// Open activates the portal. It fails when nothing is reachable.
func (p *Portal) Open() bool {
	if p.virtual || !p.CanOpen() {
		return false
	}
	p.open = true
	return true
}

// Close deactivates the portal. Always-on portals with a reachable
// destination stay open unless force is set.
func (p *Portal) Close(force bool) {
	if p.virtual {
		return
	}
	if !force && p.flags.Has(FlagAlwaysOn) && p.CanOpen() {
		return
	}
	p.open = false
}

// CanOpen reports whether the portal has a usable destination.
func (p *Portal) CanOpen() bool {
	switch p.strategy {
	case StrategyFixed:
		for _, d := range p.destinations {
			if d == Normalize(p.destination) {
				return true
			}
		}
		return false
	case StrategySequential, StrategyRandom:
		return len(p.destinations) > 0
	}
	return false
}

// UpdateDestinations recomputes reachable destinations from the ids of the
// other portals in the network and re-evaluates the open state.
func (p *Portal) UpdateDestinations(candidates []string) {
	if p.virtual {
		return
	}
	var current string
	if p.strategy == StrategySequential && len(p.destinations) > 0 {
		current = p.destinations[p.cursor]
	}
	p.destinations = p.destinations[:0]
	for _, c := range candidates {
		if c != p.id {
			p.destinations = append(p.destinations, c)
		}
	}
	p.cursor = 0
	for i, d := range p.destinations {
		if d == current {
			p.cursor = i
			break
		}
	}
	switch {
	case p.flags.Has(FlagAlwaysOn) && p.strategy == StrategyFixed:
		p.open = p.CanOpen()
	case p.open && !p.CanOpen():
		p.open = false
	}
}

// CycleDestination moves the selection of a sequential portal and returns it.
func (p *Portal) CycleDestination(backwards bool) string {
	if p.virtual || p.strategy != StrategySequential || len(p.destinations) == 0 {
		return ""
	}
	n := len(p.destinations)
	if backwards {
		p.cursor = (p.cursor + n - 1) % n
	} else {
		p.cursor = (p.cursor + 1) % n
	}
	return p.destinations[p.cursor]
}

// PickDestination returns the id of the portal an activation leads to.
func (p *Portal) PickDestination(rnd *rand.Rand) string {
	switch p.strategy {
	case StrategyFixed:
		if p.CanOpen() {
			return Normalize(p.destination)
		}
	case StrategySequential:
		if len(p.destinations) > 0 {
			return p.destinations[p.cursor]
		}
	case StrategyRandom:
		if len(p.destinations) > 0 {
			return p.destinations[rnd.Intn(len(p.destinations))]
		}
	}
	return ""
}

// TeleportHere brings actor to this portal. Virtual portals forward the
// request to the owning server instead.
func (p *Portal) TeleportHere(actor uuid.UUID, t Teleporter) error {
	if p.virtual {
		if p.forwarder == nil {
			return errors.WithStack(UnimplementedErr{Capability: "teleport to a virtual portal without a relay"})
		}
		return p.forwarder.ForwardTeleport(actor, p)
	}
	if t == nil {
		return errors.WithStack(UnimplementedErr{Capability: "teleport without a teleporter"})
	}
	return t.Teleport(actor, p)
}

// VisibleTo reports whether viewer may see the portal in listings.
func (p *Portal) VisibleTo(viewer uuid.UUID, bypassPrivate, bypassHidden bool) bool {
	isOwner := viewer == p.owner
	if p.flags.Has(FlagPrivate) && !isOwner && !bypassPrivate {
		return false
	}
	if p.flags.Has(FlagHidden) && !isOwner && !bypassHidden {
		return false
	}
	return true
}
