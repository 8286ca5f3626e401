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
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/pingcap-incubator/tinyportal/storage"
	. "github.com/pingcap/check"
	"github.com/pkg/errors"
)

var _ = Suite(&testRegistrySuite{})

type testRegistrySuite struct {
	ctx context.Context
}

func (s *testRegistrySuite) SetUpSuite(c *C) {
	s.ctx = context.Background()
}

type failingStore struct {
	saves int
}

func (f *failingStore) SavePortal(ctx context.Context, rec *storage.PortalRecord) error {
	f.saves++
	return errors.WithStack(storage.WriteFailureErr{Op: "portal", Err: errors.New("disk full")})
}

func (f *failingStore) RemovePortal(ctx context.Context, part storage.Partition, network, name string) error {
	return nil
}

type recordingReplicator struct {
	added, removed []string
}

func (r *recordingReplicator) PortalAdded(p *portal.Portal)   { r.added = append(r.added, p.ID()) }
func (r *recordingReplicator) PortalRemoved(p *portal.Portal) { r.removed = append(r.removed, p.ID()) }

type staticPermissions map[string]bool

func (p staticPermissions) HasPermission(actor uuid.UUID, node string) bool {
	return p[actor.String()+" "+node]
}

var netherFootprint = []portal.Position{
	{Role: portal.RoleFrame, Offset: portal.Vector{X: 0, Y: 0, Z: 0}},
	{Role: portal.RoleFrame, Offset: portal.Vector{X: 0, Y: 1, Z: 0}},
	{Role: portal.RoleControl, Offset: portal.Vector{X: 1, Y: 0, Z: 0}},
}

func newPortal(c *C, n *Network, name, dest string, origin portal.Location, flags ...portal.Flag) *portal.Portal {
	opts := portal.Options{
		Name:        name,
		Owner:       uuid.New(),
		Destination: dest,
		Flags:       portal.NewFlagSet(flags...),
		Origin:      origin,
		GateFormat:  "nether.gate",
		Positions:   netherFootprint,
	}
	n.Apply(&opts)
	p, err := portal.New(opts, portal.DefaultMaxNameLength)
	c.Assert(err, IsNil)
	return p
}

func newTestEngine(c *C, path string) *storage.Engine {
	e, err := storage.Open(&storage.Config{Dialect: storage.SQLite, Path: path, InterServer: true})
	c.Assert(err, IsNil)
	c.Assert(e.CreateSchema(context.Background()), IsNil)
	return e
}

func (s *testRegistrySuite) TestNetherReload(c *C) {
	path := filepath.Join(c.MkDir(), "portals.db")
	e := newTestEngine(c, path)
	r := New(Options{Store: e})
	n, err := r.CreateNetwork(NetworkSpec{Name: "Nether", Kind: KindCustom})
	c.Assert(err, IsNil)
	a := newPortal(c, n, "A", "B", loc(0, 64, 0))
	c.Assert(r.AddPortal(s.ctx, a), IsNil)
	c.Assert(e.Close(), IsNil)

	// Restart: a fresh registry over the same database.
	e = newTestEngine(c, path)
	defer e.Close()
	gates := portal.NewGateLibrary()
	gates.Register("nether.gate", netherFootprint)
	reloaded := New(Options{Store: e})
	loader := &Loader{Registry: reloaded, Gates: gates}
	res, err := loader.Load(s.ctx, e, storage.Local, "srv-a")
	c.Assert(err, IsNil)
	c.Assert(res.Loaded, Equals, 1)
	c.Assert(res.Skipped, HasLen, 0)

	net := reloaded.GetNetwork("Nether", false)
	c.Assert(net, NotNil)
	c.Assert(net.Kind(), Equals, KindCustom)
	got := net2portal(reloaded, net, "A")
	c.Assert(got, NotNil)
	c.Assert(got.FixedDestination(), Equals, "B")
	c.Assert(got.Positions(), DeepEquals, a.Positions())
	c.Assert(got.Owner(), Equals, a.Owner())
	c.Assert(got.Flags().Equal(a.Flags()), IsTrue)
	c.Assert(reloaded.GetPortalAt(loc(1, 64, 0), portal.RoleControl), Equals, got)
	c.Assert(reloaded.GetPortalAtAny(loc(0, 65, 0), portal.RoleControl, portal.RoleFrame), Equals, got)
}

func net2portal(r *Registry, n *Network, name string) *portal.Portal {
	return r.GetPortal(n.Name(), name, n.IsInterServer())
}

func (s *testRegistrySuite) TestFailedSaveRollsBack(c *C) {
	store := &failingStore{}
	r := New(Options{Store: store})
	n, err := r.CreateNetwork(NetworkSpec{Name: "Nether", Kind: KindCustom})
	c.Assert(err, IsNil)
	a := newPortal(c, n, "A", "", loc(0, 0, 0))
	err = r.AddPortal(s.ctx, a)
	c.Assert(storage.IsWriteFailure(err), IsTrue)
	c.Assert(store.saves, Equals, 1)
	c.Assert(r.Len(), Equals, 0)
	c.Assert(r.Index().Len(), Equals, 0)
	c.Assert(n.Size(), Equals, 0)
	c.Assert(r.GetPortal("Nether", "A", false), IsNil)

	// The name and cells are free again.
	r.store = nil
	c.Assert(r.AddPortal(s.ctx, newPortal(c, n, "A", "", loc(0, 0, 0))), IsNil)
}

func (s *testRegistrySuite) TestUniqueness(c *C) {
	r := New(Options{})
	n, err := r.CreateNetwork(NetworkSpec{Name: "Nether", Kind: KindCustom})
	c.Assert(err, IsNil)
	c.Assert(r.AddPortal(s.ctx, newPortal(c, n, "Alpha", "", loc(0, 0, 0))), IsNil)

	err = r.AddPortal(s.ctx, newPortal(c, n, "ALPHA", "", loc(10, 0, 0)))
	c.Assert(portal.IsNameConflict(err), IsTrue)
	err = r.AddPortal(s.ctx, newPortal(c, n, "Beta", "", loc(0, 1, 0)))
	c.Assert(portal.IsGateConflict(err), IsTrue)
	c.Assert(r.Len(), Equals, 1)

	// A reservation blocks the name until it is committed or released.
	gamma := newPortal(c, n, "Gamma", "", loc(20, 0, 0))
	c.Assert(r.Reserve(gamma), IsNil)
	c.Assert(r.GetPortal("Nether", "Gamma", false), IsNil)
	c.Assert(portal.IsNameConflict(r.Reserve(newPortal(c, n, "gamma", "", loc(30, 0, 0)))), IsTrue)
	r.Release(gamma)
	c.Assert(r.Reserve(newPortal(c, n, "gamma", "", loc(30, 0, 0))), IsNil)

	other := New(Options{})
	_, err = other.CreateNetwork(NetworkSpec{Name: "Nether", Kind: KindCustom})
	c.Assert(err, IsNil)
	err = other.Reserve(newPortal(c, &Network{id: "missing", name: "Missing"}, "X", "", loc(0, 0, 0)))
	c.Assert(portal.IsNotFound(err), IsTrue)
}

func (s *testRegistrySuite) TestDestroyAndUnregister(c *C) {
	r := New(Options{})
	n, err := r.CreateNetwork(NetworkSpec{Name: "Nether", Kind: KindCustom})
	c.Assert(err, IsNil)
	a := newPortal(c, n, "A", "B", loc(0, 0, 0), portal.FlagAlwaysOn)
	b := newPortal(c, n, "B", "A", loc(10, 0, 0), portal.FlagAlwaysOn)
	c.Assert(r.AddPortal(s.ctx, a), IsNil)
	c.Assert(a.IsOpen(), IsFalse)
	c.Assert(r.AddPortal(s.ctx, b), IsNil)
	c.Assert(a.IsOpen(), IsTrue)
	c.Assert(b.IsOpen(), IsTrue)
	c.Assert(r.PickDestination(a), Equals, b)

	c.Assert(r.DestroyPortal(s.ctx, b), IsNil)
	c.Assert(b.IsOpen(), IsFalse)
	c.Assert(a.IsOpen(), IsFalse)
	c.Assert(r.GetPortalAt(loc(10, 0, 0), portal.RoleFrame), IsNil)
	c.Assert(r.DestroyPortal(s.ctx, b), IsNil)

	// A new portal reuses b's cells; unregistering b again leaves it alone.
	c2 := newPortal(c, n, "C", "", loc(10, 0, 0))
	c.Assert(r.AddPortal(s.ctx, c2), IsNil)
	r.UnregisterPortal(b)
	r.UnregisterPortal(b)
	c.Assert(r.GetPortalAt(loc(10, 0, 0), portal.RoleFrame), Equals, c2)

	c.Assert(r.DestroyNetwork(s.ctx, n), IsNil)
	c.Assert(r.Len(), Equals, 0)
	c.Assert(r.Index().Len(), Equals, 0)
	c.Assert(r.GetNetwork("Nether", false), IsNil)
}

func (s *testRegistrySuite) TestAvailablePortals(c *C) {
	u2 := uuid.New()
	admin := uuid.New()
	perms := staticPermissions{admin.String() + " " + BypassPrivateNode: true}
	r := New(Options{Permissions: perms})
	n, err := r.CreateNetwork(NetworkSpec{Name: "Nether", Kind: KindCustom})
	c.Assert(err, IsNil)
	secret := newPortal(c, n, "Secret", "", loc(0, 0, 0), portal.FlagPrivate)
	public := newPortal(c, n, "Public", "", loc(10, 0, 0))
	hidden := newPortal(c, n, "Hidden", "", loc(20, 0, 0), portal.FlagHidden)
	for _, p := range []*portal.Portal{secret, public, hidden} {
		c.Assert(r.AddPortal(s.ctx, p), IsNil)
	}

	names := func(ps []*portal.Portal) []string {
		var out []string
		for _, p := range ps {
			out = append(out, p.Name())
		}
		return out
	}
	c.Assert(names(r.AvailablePortals(n, u2, public)), IsNil)
	c.Assert(names(r.AvailablePortals(n, u2, nil)), DeepEquals, []string{"Public"})
	c.Assert(names(r.AvailablePortals(n, secret.Owner(), public)), DeepEquals, []string{"Secret"})
	c.Assert(names(r.AvailablePortals(n, admin, public)), DeepEquals, []string{"Secret"})
	c.Assert(names(r.AvailablePortals(n, hidden.Owner(), secret)), DeepEquals, []string{"Hidden", "Public"})
}

func (s *testRegistrySuite) TestCrossServerReplicationHooks(c *C) {
	rep := &recordingReplicator{}
	r := New(Options{Replicator: rep})
	hub, err := r.CreateNetwork(NetworkSpec{Name: "Hub", InterServer: true})
	c.Assert(err, IsNil)
	local, err := r.CreateNetwork(NetworkSpec{Name: "Nether", Kind: KindCustom})
	c.Assert(err, IsNil)

	x := newPortal(c, hub, "X", "", loc(0, 0, 0))
	c.Assert(x.HasFlag(portal.FlagInterServer), IsTrue)
	c.Assert(r.AddPortal(s.ctx, x), IsNil)
	c.Assert(r.AddPortal(s.ctx, newPortal(c, local, "Y", "", loc(10, 0, 0))), IsNil)
	c.Assert(rep.added, DeepEquals, []string{"x"})

	c.Assert(r.DestroyPortal(s.ctx, x), IsNil)
	c.Assert(rep.removed, DeepEquals, []string{"x"})
}

func (s *testRegistrySuite) TestVirtualPortals(c *C) {
	r := New(Options{Store: &failingStore{}})
	opts := portal.Options{
		Name:        "Remote",
		Network:     "hub",
		InterServer: true,
		Flags:       portal.NewFlagSet(portal.FlagInterServer, portal.FlagCustomNetwork),
		Virtual:     true,
		ServerID:    "srv-b",
		ServerName:  "beta",
	}
	v, err := portal.New(opts, 0)
	c.Assert(err, IsNil)
	c.Assert(r.AddVirtualPortal("Hub", v), IsNil)
	c.Assert(r.Index().Len(), Equals, 0)
	hub := r.GetNetwork("Hub", true)
	c.Assert(hub, NotNil)
	c.Assert(hub.Kind(), Equals, KindCrossServer)
	got := r.GetPortal("Hub", "remote", true)
	c.Assert(got, Equals, v)
	c.Assert(got.ServerName(), Equals, "beta")

	// A second ADD for the same identity replaces the placeholder.
	v2, err := portal.New(opts, 0)
	c.Assert(err, IsNil)
	c.Assert(r.AddVirtualPortal("Hub", v2), IsNil)
	c.Assert(r.GetPortal("Hub", "remote", true), Equals, v2)
	c.Assert(r.Len(), Equals, 1)

	c.Assert(r.RemoveVirtualPortal("Hub", "Remote"), IsTrue)
	c.Assert(r.RemoveVirtualPortal("Hub", "Remote"), IsFalse)
	c.Assert(r.Len(), Equals, 0)

	// Real portals are never replaced by a placeholder.
	r.store = nil
	solid := newPortal(c, hub, "Remote", "", loc(0, 0, 0))
	c.Assert(r.AddPortal(s.ctx, solid), IsNil)
	v3, err := portal.New(opts, 0)
	c.Assert(err, IsNil)
	c.Assert(portal.IsNameConflict(r.AddVirtualPortal("Hub", v3)), IsTrue)
	c.Assert(r.RemoveVirtualPortal("Hub", "Remote"), IsFalse)
}

func (s *testRegistrySuite) TestRename(c *C) {
	r := New(Options{})
	n, err := r.CreateNetwork(NetworkSpec{Name: "Nether", Kind: KindCustom})
	c.Assert(err, IsNil)
	a := newPortal(c, n, "A", "", loc(0, 0, 0))
	b := newPortal(c, n, "B", "", loc(10, 0, 0))
	c.Assert(r.AddPortal(s.ctx, a), IsNil)
	c.Assert(r.AddPortal(s.ctx, b), IsNil)

	c.Assert(portal.IsNameConflict(r.RenamePortal(a, "b")), IsTrue)
	c.Assert(portal.IsNameInvalid(r.RenamePortal(a, "")), IsTrue)
	c.Assert(r.RenamePortal(a, "Alpha"), IsNil)
	c.Assert(r.GetPortal("Nether", "A", false), IsNil)
	c.Assert(r.GetPortal("Nether", "alpha", false), Equals, a)
	c.Assert(r.GetPortalAt(loc(0, 0, 0), portal.RoleFrame), Equals, a)
	c.Assert(n.Members(), DeepEquals, []string{"alpha", "b"})

	c.Assert(r.RenameNetwork(n, "Underworld"), IsNil)
	c.Assert(a.Network(), Equals, "underworld")
	c.Assert(a.NetworkName(), Equals, "Underworld")
	c.Assert(r.GetPortal("Underworld", "alpha", false), Equals, a)
	c.Assert(r.GetPortalAt(loc(10, 0, 0), portal.RoleFrame), Equals, b)
	c.Assert(r.GetPortal("Nether", "alpha", false), IsNil)

	hub, err := r.CreateNetwork(NetworkSpec{Name: "Hub", InterServer: true})
	c.Assert(err, IsNil)
	x := newPortal(c, hub, "X", "", loc(20, 0, 0))
	c.Assert(r.AddPortal(s.ctx, x), IsNil)
	c.Assert(portal.IsUnimplemented(r.RenameNetwork(hub, "Hub2")), IsTrue)
	c.Assert(r.GetPortal("Hub", "X", true), Equals, x)
	c.Assert(r.GetNetwork("Hub2", true), IsNil)
}

func (s *testRegistrySuite) TestLoadSkipsBadRows(c *C) {
	r := New(Options{})
	gates := portal.NewGateLibrary()
	gates.Register("nether.gate", netherFootprint)
	owner := uuid.New()
	good := &storage.PortalRecord{
		Partition: storage.Local, Network: "Nether", Name: "A", Owner: owner,
		Origin: loc(0, 0, 0), GateFormat: "nether.gate", Positions: netherFootprint,
		Flags: portal.NewFlagSet(portal.FlagCustomNetwork),
	}
	overlapping := *good
	overlapping.Name = "B"
	wrongGate := *good
	wrongGate.Name = "C"
	wrongGate.Origin = loc(50, 0, 0)
	wrongGate.Positions = netherFootprint[:1]
	duplicate := *good
	duplicate.Name = "a"
	duplicate.Origin = loc(90, 0, 0)
	broken := *good
	broken.Name = "D"
	broken.Err = portal.InvalidStructureErr{Reason: "unknown facing"}
	personal := *good
	personal.Network = owner.String()
	personal.Name = "Mine"
	personal.Origin = loc(0, 0, 100)
	personal.Flags = portal.NewFlagSet(portal.FlagPersonalNetwork)
	remote := &storage.PortalRecord{
		Partition: storage.InterServer, Network: "Hub", Name: "Far", Owner: owner,
		Flags: portal.NewFlagSet(portal.FlagInterServer), Virtual: true, ServerID: "srv-b",
	}

	loader := &Loader{Registry: r, Gates: gates}
	res := loader.Apply([]*storage.PortalRecord{good, &overlapping, &wrongGate, &duplicate, &broken, &personal, remote})
	c.Assert(res.Loaded, Equals, 2)
	c.Assert(res.Virtual, Equals, 1)
	c.Assert(res.Skipped, HasLen, 4)
	c.Assert(portal.IsGateConflict(res.Skipped[0].Err), IsTrue)
	c.Assert(portal.IsInvalidStructure(res.Skipped[1].Err), IsTrue)
	c.Assert(portal.IsNameConflict(res.Skipped[2].Err), IsTrue)
	c.Assert(portal.IsInvalidStructure(res.Skipped[3].Err), IsTrue)

	mine := r.GetNetwork(owner.String(), false)
	c.Assert(mine, NotNil)
	c.Assert(mine.Kind(), Equals, KindPersonal)
	c.Assert(r.GetPortal(owner.String(), "mine", false), NotNil)
	far := r.GetPortal("Hub", "Far", true)
	c.Assert(far, NotNil)
	c.Assert(far.IsVirtual(), IsTrue)

	// Rejected rows leave no empty network behind.
	lonely := wrongGate
	lonely.Network = "Lonely"
	res = loader.Apply([]*storage.PortalRecord{&lonely})
	c.Assert(res.Skipped, HasLen, 1)
	c.Assert(r.GetNetwork("Lonely", false), IsNil)
	unnamed := *good
	unnamed.Network = "Nameless"
	unnamed.Name = ""
	res = loader.Apply([]*storage.PortalRecord{&unnamed})
	c.Assert(res.Skipped, HasLen, 1)
	c.Assert(r.GetNetwork("Nameless", false), IsNil)
	c.Assert(r.GetNetwork("Nether", false), NotNil)
}

func (s *testRegistrySuite) TestRejectedVirtualPortalLeavesNoNetwork(c *C) {
	r := New(Options{})
	local, err := portal.New(portal.Options{Name: "Plain", Network: "nowhere", Virtual: true}, 0)
	c.Assert(err, IsNil)
	c.Assert(portal.IsUnimplemented(r.AddVirtualPortal("Nowhere", local)), IsTrue)
	c.Assert(r.GetNetwork("Nowhere", true), IsNil)
	c.Assert(r.Networks(true), HasLen, 0)
}
