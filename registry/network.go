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

package registry

import (
	"sort"
	"strings"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/pkg/errors"
)

// Kind distinguishes the identity rules of a network.
type Kind int

// Network kinds.
const (
	KindCustom Kind = iota
	KindDefault
	KindPersonal
	KindCrossServer
)

func (k Kind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case KindPersonal:
		return "personal"
	case KindCrossServer:
		return "cross-server"
	}
	return "custom"
}

// KindFromFlags recovers the kind of a stored portal's network.
func KindFromFlags(flags portal.FlagSet) Kind {
	switch {
	case flags.Has(portal.FlagPersonalNetwork):
		return KindPersonal
	case flags.Has(portal.FlagDefaultNetwork):
		return KindDefault
	case flags.Has(portal.FlagInterServer):
		return KindCrossServer
	}
	return KindCustom
}

// kindFlag marks portals with the kind of their network so it survives a
// reload.
func (k Kind) flag() portal.Flag {
	switch k {
	case KindDefault:
		return portal.FlagDefaultNetwork
	case KindPersonal:
		return portal.FlagPersonalNetwork
	}
	return portal.FlagCustomNetwork
}

type member string

func (m member) Less(than btree.Item) bool { return m < than.(member) }

const membersDegree = 8

// Network is one portal namespace. Members are kept as portal ids in
// ascending order; the portals themselves live in the registry.
type Network struct {
	id          string
	name        string
	kind        Kind
	interServer bool
	owner       uuid.UUID
	members     *btree.BTree
}

func newNetwork(id, name string, kind Kind, inter bool, owner uuid.UUID) *Network {
	return &Network{
		id:          id,
		name:        name,
		kind:        kind,
		interServer: inter,
		owner:       owner,
		members:     btree.New(membersDegree),
	}
}

// ID returns the network id.
func (n *Network) ID() string { return n.id }

// Name returns the display name.
func (n *Network) Name() string { return n.name }

// Kind returns the network kind.
func (n *Network) Kind() Kind { return n.kind }

// IsInterServer reports whether the network lives in the cross-server
// partition.
func (n *Network) IsInterServer() bool { return n.interServer }

// Owner returns the owning identity of a personal network.
func (n *Network) Owner() uuid.UUID { return n.owner }

// StoredName is the value persisted in the network column. Personal networks
// are stored by owner id so display name changes never touch storage.
func (n *Network) StoredName() string {
	if n.kind == KindPersonal {
		return n.id
	}
	return n.name
}

// Size returns the number of members.
func (n *Network) Size() int { return n.members.Len() }

// Members returns the member ids in ascending order.
func (n *Network) Members() []string {
	ids := make([]string, 0, n.members.Len())
	n.members.Ascend(func(i btree.Item) bool {
		ids = append(ids, string(i.(member)))
		return true
	})
	return ids
}

// Has reports whether id is a member.
func (n *Network) Has(id string) bool { return n.members.Has(member(id)) }

func (n *Network) add(id string)    { n.members.ReplaceOrInsert(member(id)) }
func (n *Network) remove(id string) { n.members.Delete(member(id)) }

// Apply fills the network fields of portal options and adds the flags that
// record the network kind.
func (n *Network) Apply(opts *portal.Options) {
	opts.Network = n.id
	opts.NetworkName = n.name
	opts.InterServer = n.interServer
	if opts.Flags == nil {
		opts.Flags = portal.NewFlagSet()
	} else {
		opts.Flags = opts.Flags.Clone()
	}
	opts.Flags.Add(n.kind.flag())
	if n.interServer {
		opts.Flags.Add(portal.FlagInterServer)
	}
}

// NetworkSpec describes a network to resolve or create.
type NetworkSpec struct {
	Name        string
	Kind        Kind
	InterServer bool
	// Forced skips the reserved name check and accepts an existing network
	// of another kind.
	Forced bool
	// Owner identifies a personal network; Name is then the owner's
	// current display name.
	Owner uuid.UUID
}

type partition struct {
	byID   map[string]*Network
	byName map[string]string
}

func newPartition() *partition {
	return &partition{byID: make(map[string]*Network), byName: make(map[string]string)}
}

// NetworkRegistry owns the live networks of both partitions. The local and
// cross-server partitions are disjoint namespaces.
type NetworkRegistry struct {
	parts       [2]*partition
	defaultName string
	reserved    map[string]struct{}
	maxNameLen  int
}

// NewNetworkRegistry creates an empty registry. The default network name is
// always reserved.
func NewNetworkRegistry(defaultName string, reserved []string, maxNameLen int) *NetworkRegistry {
	r := &NetworkRegistry{
		parts:       [2]*partition{newPartition(), newPartition()},
		defaultName: defaultName,
		reserved:    make(map[string]struct{}),
		maxNameLen:  maxNameLen,
	}
	r.reserved[portal.Normalize(defaultName)] = struct{}{}
	for _, name := range reserved {
		r.reserved[portal.Normalize(name)] = struct{}{}
	}
	return r
}

func (r *NetworkRegistry) part(inter bool) *partition {
	if inter {
		return r.parts[1]
	}
	return r.parts[0]
}

func (r *NetworkRegistry) isReserved(id string) bool {
	_, ok := r.reserved[id]
	return ok
}

// taken reports whether id is used as an id or display name by a network
// other than self.
func (p *partition) taken(id string, self *Network) bool {
	if n, ok := p.byID[id]; ok && n != self {
		return true
	}
	if owner, ok := p.byName[id]; ok && (self == nil || owner != self.id) {
		return true
	}
	return false
}

// Create resolves or creates a network.
func (r *NetworkRegistry) Create(spec NetworkSpec) (*Network, error) {
	if spec.Kind == KindCrossServer {
		spec.InterServer = true
	}
	if spec.InterServer && spec.Kind == KindCustom {
		spec.Kind = KindCrossServer
	}
	if spec.InterServer && (spec.Kind == KindPersonal || spec.Kind == KindDefault) {
		return nil, errors.WithStack(portal.UnimplementedErr{Capability: spec.Kind.String() + " cross-server networks"})
	}
	p := r.part(spec.InterServer)

	var id, name string
	switch spec.Kind {
	case KindDefault:
		name = r.defaultName
		id = portal.Normalize(name)
	case KindPersonal:
		if spec.Owner == uuid.Nil {
			return nil, errors.WithStack(portal.NameInvalidErr{Name: spec.Name, Reason: "personal network without owner"})
		}
		id = spec.Owner.String()
		name = spec.Name
	default:
		if err := portal.ValidateName(spec.Name, r.maxNameLen); err != nil {
			return nil, errors.WithStack(err)
		}
		name = spec.Name
		id = portal.Normalize(name)
		if !spec.Forced && r.isReserved(id) {
			return nil, errors.WithStack(portal.NameConflictErr{Namespace: "networks", Name: name, Reserved: true})
		}
	}

	if existing, ok := p.byID[id]; ok {
		if existing.kind == spec.Kind || spec.Forced {
			return existing, nil
		}
		return nil, errors.WithStack(portal.NameConflictErr{Namespace: "networks", Name: name})
	}

	if spec.Kind == KindPersonal {
		name = r.personalDisplayName(p, id, name)
	} else if !spec.Forced && p.taken(id, nil) {
		return nil, errors.WithStack(portal.NameConflictErr{Namespace: "networks", Name: name})
	}

	n := newNetwork(id, name, spec.Kind, spec.InterServer, spec.Owner)
	p.byID[id] = n
	p.byName[portal.Normalize(name)] = id
	return n, nil
}

// personalDisplayName falls back to the first segment of the owner id when
// the owner's name is unusable or collides with another network.
func (r *NetworkRegistry) personalDisplayName(p *partition, id, name string) string {
	fallback := strings.SplitN(id, "-", 2)[0]
	if name == "" || portal.ValidateName(name, r.maxNameLen) != nil {
		return fallback
	}
	norm := portal.Normalize(name)
	if r.isReserved(norm) || p.taken(norm, nil) {
		return fallback
	}
	return name
}

// Get looks a network up by id, then by display name.
func (r *NetworkRegistry) Get(name string, inter bool) *Network {
	p := r.part(inter)
	if n, ok := p.byID[name]; ok {
		return n
	}
	norm := portal.Normalize(name)
	if n, ok := p.byID[norm]; ok {
		return n
	}
	if id, ok := p.byName[norm]; ok {
		return p.byID[id]
	}
	return nil
}

// All returns the networks of a partition ordered by id.
func (r *NetworkRegistry) All(inter bool) []*Network {
	p := r.part(inter)
	networks := make([]*Network, 0, len(p.byID))
	for _, n := range p.byID {
		networks = append(networks, n)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i].id < networks[j].id })
	return networks
}

// Remove drops a network entry.
func (r *NetworkRegistry) Remove(n *Network) {
	p := r.part(n.interServer)
	if p.byID[n.id] != n {
		return
	}
	delete(p.byID, n.id)
	if p.byName[portal.Normalize(n.name)] == n.id {
		delete(p.byName, portal.Normalize(n.name))
	}
}

// Rename validates newName and rekeys the network. Personal networks only
// change their display name. It returns the previous id.
func (r *NetworkRegistry) Rename(n *Network, newName string) (string, error) {
	if err := portal.ValidateName(newName, r.maxNameLen); err != nil {
		return "", errors.WithStack(err)
	}
	p := r.part(n.interServer)
	norm := portal.Normalize(newName)
	if p.taken(norm, n) || (r.isReserved(norm) && n.kind != KindDefault) {
		return "", errors.WithStack(portal.NameConflictErr{Namespace: "networks", Name: newName, Reserved: r.isReserved(norm)})
	}
	oldID := n.id
	if p.byName[portal.Normalize(n.name)] == n.id {
		delete(p.byName, portal.Normalize(n.name))
	}
	if n.kind != KindPersonal {
		delete(p.byID, n.id)
		n.id = norm
		p.byID[n.id] = n
	}
	n.name = newName
	p.byName[norm] = n.id
	return oldID, nil
}
