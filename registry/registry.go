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
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/pingcap-incubator/tinyportal/storage"
	"github.com/pingcap/errcode"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Permission nodes consulted when listing portals.
const (
	BypassPrivateNode = "portal.admin.bypass.private"
	BypassHiddenNode  = "portal.admin.bypass.hidden"
)

// Store persists portals. *storage.Engine implements it.
type Store interface {
	SavePortal(ctx context.Context, rec *storage.PortalRecord) error
	RemovePortal(ctx context.Context, part storage.Partition, network, name string) error
}

// Replicator is told about lifecycle changes of real cross-server portals.
type Replicator interface {
	PortalAdded(p *portal.Portal)
	PortalRemoved(p *portal.Portal)
}

// PermissionOracle answers permission node checks for an actor.
type PermissionOracle interface {
	HasPermission(actor uuid.UUID, node string) bool
}

// Options configure a Registry.
type Options struct {
	DefaultNetwork string
	ReservedNames  []string
	MaxNameLength  int
	Store          Store
	Replicator     Replicator
	Permissions    PermissionOracle
	// Rand drives random destination selection. A time seeded source is used
	// when nil.
	Rand *rand.Rand
}

// Registry is the single in-memory view of networks, portals and the
// footprints they occupy. It owns every Portal and Network; portals refer to
// their network by id only. It is not safe for concurrent use: all calls
// must come from the owning goroutine.
type Registry struct {
	networks   *NetworkRegistry
	index      *SpatialIndex
	portals    map[portal.Key]*portal.Portal
	pending    map[portal.Key]*portal.Portal
	store      Store
	replicator Replicator
	perms      PermissionOracle
	rnd        *rand.Rand
	maxNameLen int
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.DefaultNetwork == "" {
		opts.DefaultNetwork = "Central"
	}
	if opts.MaxNameLength <= 0 {
		opts.MaxNameLength = portal.DefaultMaxNameLength
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Registry{
		networks:   NewNetworkRegistry(opts.DefaultNetwork, opts.ReservedNames, opts.MaxNameLength),
		index:      NewSpatialIndex(),
		portals:    make(map[portal.Key]*portal.Portal),
		pending:    make(map[portal.Key]*portal.Portal),
		store:      opts.Store,
		replicator: opts.Replicator,
		perms:      opts.Permissions,
		rnd:        rnd,
		maxNameLen: opts.MaxNameLength,
	}
}

// SetReplicator installs the replicator once the relay is ready.
func (r *Registry) SetReplicator(rep Replicator) { r.replicator = rep }

// MaxNameLength returns the configured name limit.
func (r *Registry) MaxNameLength() int { return r.maxNameLen }

// Index exposes the spatial index for read-only lookups.
func (r *Registry) Index() *SpatialIndex { return r.index }

func withOp(op string, err error) error {
	if err == nil {
		return nil
	}
	if ec, ok := errors.Cause(err).(errcode.ErrorCode); ok {
		return errcode.Op(op).AddTo(ec)
	}
	return err
}

// CreateNetwork resolves or creates a network.
func (r *Registry) CreateNetwork(spec NetworkSpec) (*Network, error) {
	n, err := r.networks.Create(spec)
	if err != nil {
		return nil, withOp("registry.create-network", err)
	}
	return n, nil
}

// GetNetwork looks a network up by id or display name.
func (r *Registry) GetNetwork(name string, inter bool) *Network {
	return r.networks.Get(name, inter)
}

// Networks returns the networks of a partition ordered by id.
func (r *Registry) Networks(inter bool) []*Network {
	return r.networks.All(inter)
}

// Len returns the number of live portals.
func (r *Registry) Len() int { return len(r.portals) }

func (r *Registry) network(p *portal.Portal) *Network {
	return r.networks.part(p.IsInterServer()).byID[p.Network()]
}

// Reserve claims the name and footprint of a portal that is about to be
// persisted. Lookups do not see it until Commit.
func (r *Registry) Reserve(p *portal.Portal) error {
	n := r.network(p)
	if n == nil {
		return withOp("registry.reserve", errors.WithStack(portal.NotFoundErr{Kind: "network", Name: p.NetworkName()}))
	}
	key := p.Key()
	if _, ok := r.portals[key]; ok {
		return withOp("registry.reserve", errors.WithStack(portal.NameConflictErr{Namespace: n.Name(), Name: p.Name()}))
	}
	if _, ok := r.pending[key]; ok {
		return withOp("registry.reserve", errors.WithStack(portal.NameConflictErr{Namespace: n.Name(), Name: p.Name()}))
	}
	if err := r.RegisterPortal(p); err != nil {
		return withOp("registry.reserve", err)
	}
	r.pending[key] = p
	return nil
}

// Release drops a reservation whose persistence failed.
func (r *Registry) Release(p *portal.Portal) {
	key := p.Key()
	if r.pending[key] != p {
		return
	}
	delete(r.pending, key)
	r.UnregisterPortal(p)
}

// Commit turns a reservation into a live portal and replicates it when it
// belongs to a cross-server network.
func (r *Registry) Commit(p *portal.Portal) {
	key := p.Key()
	if r.pending[key] != p {
		return
	}
	delete(r.pending, key)
	r.attach(p)
	if p.IsInterServer() && !p.IsVirtual() && r.replicator != nil {
		r.replicator.PortalAdded(p)
	}
}

// commitLoaded finishes a reservation made during a bulk load. Loaded
// portals are not replicated and their networks are updated once at the end.
func (r *Registry) commitLoaded(p *portal.Portal) {
	delete(r.pending, p.Key())
	r.portals[p.Key()] = p
	r.network(p).add(p.ID())
	updateRegistryGauge(p, 1)
}

func (r *Registry) attach(p *portal.Portal) *Network {
	n := r.network(p)
	r.portals[p.Key()] = p
	n.add(p.ID())
	r.UpdatePortals(n)
	updateRegistryGauge(p, 1)
	return n
}

// AddPortal reserves, persists and commits a portal. If persisting fails the
// reservation is rolled back and the portal is never visible.
func (r *Registry) AddPortal(ctx context.Context, p *portal.Portal) error {
	if err := r.Reserve(p); err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.SavePortal(ctx, storage.NewRecord(p, r.network(p).StoredName())); err != nil {
			r.Release(p)
			return err
		}
	}
	r.Commit(p)
	return nil
}

// RegisterPortal inserts the footprint of p into the spatial index. A cell
// already owned by another portal is rejected with a GateConflict.
func (r *Registry) RegisterPortal(p *portal.Portal) error {
	if p.IsVirtual() {
		return nil
	}
	return errors.WithStack(r.index.Register(p.Key(), p.Cells()))
}

// UnregisterPortal removes the cells p still owns. Calling it again has no
// effect.
func (r *Registry) UnregisterPortal(p *portal.Portal) {
	r.index.Unregister(p.Key(), p.Cells())
}

// Detach removes a live portal from memory: it is closed, dropped from its
// network and the spatial index, and the removal is replicated. Storage is
// left to the caller.
func (r *Registry) Detach(p *portal.Portal) bool {
	key := p.Key()
	if r.portals[key] != p {
		return false
	}
	p.Close(true)
	delete(r.portals, key)
	r.UnregisterPortal(p)
	updateRegistryGauge(p, -1)
	if n := r.network(p); n != nil {
		n.remove(p.ID())
		r.UpdatePortals(n)
	}
	if p.IsInterServer() && !p.IsVirtual() && r.replicator != nil {
		r.replicator.PortalRemoved(p)
	}
	return true
}

// DestroyPortal detaches p and deletes its rows.
func (r *Registry) DestroyPortal(ctx context.Context, p *portal.Portal) error {
	n := r.network(p)
	if !r.Detach(p) {
		return nil
	}
	if r.store == nil || p.IsVirtual() || n == nil {
		return nil
	}
	return r.store.RemovePortal(ctx, partitionOf(p), n.StoredName(), p.Name())
}

func partitionOf(p *portal.Portal) storage.Partition {
	if p.IsInterServer() {
		return storage.InterServer
	}
	return storage.Local
}

// AddVirtualPortal materializes a portal owned by another server. It touches
// neither the spatial index nor storage. A virtual portal with the same
// identity is replaced; a real one wins.
func (r *Registry) AddVirtualPortal(networkName string, p *portal.Portal) error {
	if !p.IsVirtual() || !p.IsInterServer() {
		return withOp("registry.add-virtual", errors.WithStack(portal.UnimplementedErr{Capability: "virtual portals outside cross-server networks"}))
	}
	n := r.networks.Get(networkName, true)
	if n == nil {
		var err error
		n, err = r.CreateNetwork(NetworkSpec{Name: networkName, Kind: KindCrossServer, InterServer: true})
		if err != nil {
			return err
		}
	}
	p.SetNetwork(n.ID(), n.Name())
	key := p.Key()
	_, reserved := r.pending[key]
	if existing, ok := r.portals[key]; reserved || (ok && !existing.IsVirtual()) {
		r.DropIfEmpty(n)
		return withOp("registry.add-virtual", errors.WithStack(portal.NameConflictErr{Namespace: n.Name(), Name: p.Name()}))
	} else if ok {
		r.Detach(existing)
	}
	r.attach(p)
	return nil
}

// DropIfEmpty forgets a network that has neither members nor reservations,
// so a rejected portal leaves no trace. Networks only exist through their
// portals, so storage is not involved.
func (r *Registry) DropIfEmpty(n *Network) {
	if n.Size() > 0 {
		return
	}
	for key := range r.pending {
		if key.InterServer == n.IsInterServer() && key.Network == n.ID() {
			return
		}
	}
	r.networks.Remove(n)
}

// RemoveVirtualPortal drops the virtual portal with the given identity.
func (r *Registry) RemoveVirtualPortal(networkName, portalName string) bool {
	p := r.GetPortal(networkName, portalName, true)
	if p == nil || !p.IsVirtual() {
		return false
	}
	return r.Detach(p)
}

// GetPortal looks a portal up by network and portal name.
func (r *Registry) GetPortal(networkName, portalName string, inter bool) *portal.Portal {
	n := r.networks.Get(networkName, inter)
	if n == nil {
		return nil
	}
	return r.portals[portal.Key{InterServer: inter, Network: n.ID(), Portal: portal.Normalize(portalName)}]
}

// Portal resolves an arena handle.
func (r *Registry) Portal(key portal.Key) *portal.Portal { return r.portals[key] }

// GetPortalAt returns the live portal owning a cell for one role.
func (r *Registry) GetPortalAt(loc portal.Location, role portal.Role) *portal.Portal {
	key, ok := r.index.Get(loc, role)
	if !ok {
		return nil
	}
	return r.portals[key]
}

// GetPortalAtAny returns the live portal owning a cell for any of the roles.
func (r *Registry) GetPortalAtAny(loc portal.Location, roles ...portal.Role) *portal.Portal {
	key, ok := r.index.GetAny(loc, roles...)
	if !ok {
		return nil
	}
	return r.portals[key]
}

// IsAdjacentToPortal reports whether a horizontal neighbor of loc belongs to
// a portal for role.
func (r *Registry) IsAdjacentToPortal(loc portal.Location, role portal.Role) bool {
	return r.index.IsAdjacent(loc, role)
}

// Members returns the portals of a network ordered by id.
func (r *Registry) Members(n *Network) []*portal.Portal {
	ids := n.Members()
	ps := make([]*portal.Portal, 0, len(ids))
	for _, id := range ids {
		if p := r.portals[portal.Key{InterServer: n.interServer, Network: n.id, Portal: id}]; p != nil {
			ps = append(ps, p)
		}
	}
	return ps
}

// AvailablePortals lists the portals of a network viewer may travel to from
// requester. Private and hidden portals are only listed for their owner or
// for viewers holding the bypass permission; requester itself is excluded.
func (r *Registry) AvailablePortals(n *Network, viewer uuid.UUID, requester *portal.Portal) []*portal.Portal {
	bypassPrivate, bypassHidden := false, false
	if r.perms != nil {
		bypassPrivate = r.perms.HasPermission(viewer, BypassPrivateNode)
		bypassHidden = r.perms.HasPermission(viewer, BypassHiddenNode)
	}
	var available []*portal.Portal
	for _, p := range r.Members(n) {
		if requester != nil && p.Key() == requester.Key() {
			continue
		}
		if !p.VisibleTo(viewer, bypassPrivate, bypassHidden) {
			continue
		}
		available = append(available, p)
	}
	return available
}

// UpdatePortals re-evaluates the destinations and open state of every member.
func (r *Registry) UpdatePortals(n *Network) {
	candidates := n.Members()
	for _, p := range r.Members(n) {
		p.UpdateDestinations(candidates)
	}
}

// PickDestination resolves the portal an activation of p leads to.
func (r *Registry) PickDestination(p *portal.Portal) *portal.Portal {
	id := p.PickDestination(r.rnd)
	if id == "" {
		return nil
	}
	return r.portals[portal.Key{InterServer: p.IsInterServer(), Network: p.Network(), Portal: id}]
}

// DestroyNetwork destroys every member then drops the network. The first
// storage failure is returned after all members have been detached.
func (r *Registry) DestroyNetwork(ctx context.Context, n *Network) error {
	var firstErr error
	for _, p := range r.Members(n) {
		if err := r.DestroyPortal(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.networks.Remove(n)
	return firstErr
}

// RenamePortal gives p a new display name and rekeys it. Persisting the new
// name is up to the caller.
func (r *Registry) RenamePortal(p *portal.Portal, newName string) error {
	if err := portal.ValidateName(newName, r.maxNameLen); err != nil {
		return withOp("registry.rename-portal", errors.WithStack(err))
	}
	oldKey := p.Key()
	if r.portals[oldKey] != p {
		return withOp("registry.rename-portal", errors.WithStack(portal.NotFoundErr{Kind: "portal", Name: p.Name()}))
	}
	newKey := oldKey
	newKey.Portal = portal.Normalize(newName)
	if newKey != oldKey {
		if _, ok := r.portals[newKey]; ok {
			return withOp("registry.rename-portal", errors.WithStack(portal.NameConflictErr{Namespace: p.NetworkName(), Name: newName}))
		}
		if _, ok := r.pending[newKey]; ok {
			return withOp("registry.rename-portal", errors.WithStack(portal.NameConflictErr{Namespace: p.NetworkName(), Name: newName}))
		}
	}
	n := r.network(p)
	r.UnregisterPortal(p)
	delete(r.portals, oldKey)
	n.remove(p.ID())
	p.SetName(newName)
	r.portals[newKey] = p
	n.add(p.ID())
	if err := r.RegisterPortal(p); err != nil {
		log.Error("footprint lost during rename", zap.Stringer("portal", newKey), zap.Error(err))
	}
	r.UpdatePortals(n)
	return nil
}

// RenameNetwork gives n a new display name, rekeying it and all of its
// members unless it is a personal network. Other servers keep their own
// portals of a cross-server network under its name, so those are refused.
func (r *Registry) RenameNetwork(n *Network, newName string) error {
	if n.IsInterServer() {
		return withOp("registry.rename-network", errors.WithStack(portal.UnimplementedErr{Capability: "renaming cross-server networks"}))
	}
	members := r.Members(n)
	oldID, err := r.networks.Rename(n, newName)
	if err != nil {
		return withOp("registry.rename-network", err)
	}
	for _, p := range members {
		if oldID == n.ID() {
			p.SetNetwork(n.ID(), n.Name())
			continue
		}
		oldKey := p.Key()
		r.UnregisterPortal(p)
		delete(r.portals, oldKey)
		p.SetNetwork(n.ID(), n.Name())
		r.portals[p.Key()] = p
		if err := r.RegisterPortal(p); err != nil {
			log.Error("footprint lost during network rename", zap.Stringer("portal", p.Key()), zap.Error(err))
		}
	}
	return nil
}
