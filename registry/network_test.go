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
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyportal/portal"
	. "github.com/pingcap/check"
)

var _ = Suite(&testNetworkSuite{})

type testNetworkSuite struct{}

func (s *testNetworkSuite) TestCreateCustom(c *C) {
	r := NewNetworkRegistry("Central", []string{"Admin"}, 16)
	n, err := r.Create(NetworkSpec{Name: "Nether", Kind: KindCustom})
	c.Assert(err, IsNil)
	c.Assert(n.ID(), Equals, "nether")
	c.Assert(n.Name(), Equals, "Nether")
	c.Assert(n.StoredName(), Equals, "Nether")

	again, err := r.Create(NetworkSpec{Name: "NETHER", Kind: KindCustom})
	c.Assert(err, IsNil)
	c.Assert(again, Equals, n)
	c.Assert(r.Get("nEtHeR", false), Equals, n)
	c.Assert(r.Get("nether", true), IsNil)

	_, err = r.Create(NetworkSpec{Name: "Admin", Kind: KindCustom})
	c.Assert(portal.IsNameConflict(err), IsTrue)
	_, err = r.Create(NetworkSpec{Name: "central", Kind: KindCustom})
	c.Assert(portal.IsNameConflict(err), IsTrue)
	forced, err := r.Create(NetworkSpec{Name: "Admin", Kind: KindCustom, Forced: true})
	c.Assert(err, IsNil)
	c.Assert(forced.ID(), Equals, "admin")

	_, err = r.Create(NetworkSpec{Name: "this name is far too long", Kind: KindCustom})
	c.Assert(portal.IsNameInvalid(err), IsTrue)
}

func (s *testNetworkSuite) TestKindConflict(c *C) {
	r := NewNetworkRegistry("Central", nil, 0)
	def, err := r.Create(NetworkSpec{Kind: KindDefault})
	c.Assert(err, IsNil)
	c.Assert(def.ID(), Equals, "central")
	again, err := r.Create(NetworkSpec{Kind: KindDefault})
	c.Assert(err, IsNil)
	c.Assert(again, Equals, def)

	_, err = r.Create(NetworkSpec{Name: "Central", Kind: KindCustom, Forced: true})
	c.Assert(err, IsNil)

	_, err = r.Create(NetworkSpec{Name: "Nether", Kind: KindCustom})
	c.Assert(err, IsNil)
	_, err = r.Create(NetworkSpec{Name: "Hub", Kind: KindCrossServer})
	c.Assert(err, IsNil)
	// The cross-server partition is a separate namespace.
	hub, err := r.Create(NetworkSpec{Name: "Nether", InterServer: true})
	c.Assert(err, IsNil)
	c.Assert(hub.Kind(), Equals, KindCrossServer)
	c.Assert(hub.IsInterServer(), IsTrue)

	_, err = r.Create(NetworkSpec{Kind: KindDefault, InterServer: true})
	c.Assert(portal.IsUnimplemented(err), IsTrue)
	_, err = r.Create(NetworkSpec{Kind: KindPersonal, Owner: uuid.New(), InterServer: true})
	c.Assert(portal.IsUnimplemented(err), IsTrue)
}

func (s *testNetworkSuite) TestPersonal(c *C) {
	r := NewNetworkRegistry("Central", nil, 0)
	_, err := r.Create(NetworkSpec{Name: "Steve", Kind: KindCustom})
	c.Assert(err, IsNil)

	alex := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	n, err := r.Create(NetworkSpec{Name: "Alex", Kind: KindPersonal, Owner: alex})
	c.Assert(err, IsNil)
	c.Assert(n.ID(), Equals, alex.String())
	c.Assert(n.Name(), Equals, "Alex")
	c.Assert(n.StoredName(), Equals, alex.String())
	c.Assert(r.Get("alex", false), Equals, n)
	c.Assert(r.Get(alex.String(), false), Equals, n)

	steve := uuid.MustParse("99999999-2222-3333-4444-555555555555")
	p, err := r.Create(NetworkSpec{Name: "Steve", Kind: KindPersonal, Owner: steve})
	c.Assert(err, IsNil)
	c.Assert(p.Name(), Equals, "99999999")

	// A custom network cannot take the display name of a personal one.
	_, err = r.Create(NetworkSpec{Name: "alex", Kind: KindCustom})
	c.Assert(portal.IsNameConflict(err), IsTrue)
	// Nor can the same id come back with another kind.
	_, err = r.Create(NetworkSpec{Name: alex.String(), Kind: KindCustom})
	c.Assert(portal.IsNameConflict(err), IsTrue)
}

func (s *testNetworkSuite) TestRename(c *C) {
	r := NewNetworkRegistry("Central", nil, 0)
	n, err := r.Create(NetworkSpec{Name: "Nether", Kind: KindCustom})
	c.Assert(err, IsNil)
	_, err = r.Create(NetworkSpec{Name: "End", Kind: KindCustom})
	c.Assert(err, IsNil)

	_, err = r.Rename(n, "end")
	c.Assert(portal.IsNameConflict(err), IsTrue)
	_, err = r.Rename(n, "central")
	c.Assert(portal.IsNameConflict(err), IsTrue)

	old, err := r.Rename(n, "Underworld")
	c.Assert(err, IsNil)
	c.Assert(old, Equals, "nether")
	c.Assert(n.ID(), Equals, "underworld")
	c.Assert(r.Get("Nether", false), IsNil)
	c.Assert(r.Get("Underworld", false), Equals, n)

	owner := uuid.New()
	p, err := r.Create(NetworkSpec{Name: "Alex", Kind: KindPersonal, Owner: owner})
	c.Assert(err, IsNil)
	old, err = r.Rename(p, "Alexandra")
	c.Assert(err, IsNil)
	c.Assert(old, Equals, owner.String())
	c.Assert(p.ID(), Equals, owner.String())
	c.Assert(r.Get("alexandra", false), Equals, p)
	c.Assert(r.Get("alex", false), IsNil)
}

func (s *testNetworkSuite) TestMembersOrdered(c *C) {
	n := newNetwork("n", "N", KindCustom, false, uuid.Nil)
	for _, id := range []string{"c", "a", "b", "a"} {
		n.add(id)
	}
	c.Assert(n.Members(), DeepEquals, []string{"a", "b", "c"})
	c.Assert(n.Size(), Equals, 3)
	n.remove("b")
	c.Assert(n.Has("b"), IsFalse)
	c.Assert(n.Members(), DeepEquals, []string{"a", "c"})

	c.Assert(KindFromFlags(portal.NewFlagSet(portal.FlagPersonalNetwork)), Equals, KindPersonal)
	c.Assert(KindFromFlags(portal.NewFlagSet(portal.FlagDefaultNetwork)), Equals, KindDefault)
	c.Assert(KindFromFlags(portal.NewFlagSet(portal.FlagInterServer, portal.FlagCustomNetwork)), Equals, KindCrossServer)
	c.Assert(KindFromFlags(portal.NewFlagSet()), Equals, KindCustom)
}
