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
	. "github.com/pingcap/check"
)

var _ = Suite(&testPortalSuite{})

type testPortalSuite struct{}

func newTestPortal(c *C, name, dest string, flags ...Flag) *Portal {
	p, err := New(Options{
		Name:        name,
		Network:     "nether",
		NetworkName: "Nether",
		Owner:       uuid.New(),
		Destination: dest,
		Flags:       NewFlagSet(flags...),
		Origin:      Location{World: "world", X: 10, Y: 64, Z: -3},
		GateFormat:  "nether.gate",
		Positions: []Position{
			{Role: RoleFrame, Offset: Vector{0, 1, 0}},
			{Role: RoleControl, Offset: Vector{1, 0, 0}},
			{Role: RoleFrame, Offset: Vector{0, 0, 0}},
		},
	}, DefaultMaxNameLength)
	c.Assert(err, IsNil)
	return p
}

func (s *testPortalSuite) TestFlags(c *C) {
	set, unknown := ParseFlags("PHz1A")
	c.Assert(unknown, DeepEquals, []rune{'z'})
	c.Assert(set.String(), Equals, "1AHP")
	c.Assert(set.Has(FlagPrivate), IsTrue)
	c.Assert(set.Equal(NewFlagSet(FlagHidden, FlagFixed, FlagAlwaysOn, FlagPrivate)), IsTrue)
	c.Assert(FlagFixed.Internal(), IsTrue)
	c.Assert(FlagFree.Internal(), IsFalse)
	c.Assert(len(AllFlags()), Equals, 16)
}

func (s *testPortalSuite) TestRotate(c *C) {
	v := Vector{X: 1, Y: 2, Z: 3}
	c.Assert(South.Rotate(v, false), Equals, v)
	c.Assert(West.Rotate(v, false), Equals, Vector{X: -3, Y: 2, Z: 1})
	c.Assert(North.Rotate(v, false), Equals, Vector{X: -1, Y: 2, Z: -3})
	c.Assert(East.Rotate(v, false), Equals, Vector{X: 3, Y: 2, Z: -1})
	c.Assert(South.Rotate(v, true), Equals, Vector{X: 1, Y: 2, Z: -3})
	// Four quarter turns return to the start.
	w := v
	for i := 0; i < 4; i++ {
		w = West.Rotate(w, false)
	}
	c.Assert(w, Equals, v)

	f, ok := ParseFacing("north")
	c.Assert(ok, IsTrue)
	c.Assert(f, Equals, North)
	r, ok := ParseRole("Control")
	c.Assert(ok, IsTrue)
	c.Assert(r, Equals, RoleControl)
}

func (s *testPortalSuite) TestCells(c *C) {
	p := newTestPortal(c, "A", "B")
	cells := p.Cells()
	c.Assert(cells, HasLen, 3)
	c.Assert(cells[0], Equals, Cell{Role: RoleFrame, Location: Location{World: "world", X: 10, Y: 64, Z: -3}})
	c.Assert(cells[2], Equals, Cell{Role: RoleControl, Location: Location{World: "world", X: 11, Y: 64, Z: -3}})
}

func (s *testPortalSuite) TestStrategies(c *C) {
	fixed := newTestPortal(c, "A", "B", FlagAlwaysOn)
	c.Assert(fixed.Strategy(), Equals, StrategyFixed)
	c.Assert(fixed.HasFlag(FlagFixed), IsTrue)
	fixed.UpdateDestinations([]string{"a", "c"})
	c.Assert(fixed.IsOpen(), IsFalse)
	fixed.UpdateDestinations([]string{"a", "b", "c"})
	c.Assert(fixed.IsOpen(), IsTrue)
	fixed.Close(false)
	c.Assert(fixed.IsOpen(), IsTrue)
	fixed.Close(true)
	c.Assert(fixed.IsOpen(), IsFalse)

	seq := newTestPortal(c, "Hub", "")
	c.Assert(seq.Strategy(), Equals, StrategySequential)
	seq.UpdateDestinations([]string{"a", "b", "hub"})
	c.Assert(seq.Destinations(), DeepEquals, []string{"a", "b"})
	c.Assert(seq.Destination(), Equals, "a")
	c.Assert(seq.CycleDestination(false), Equals, "b")
	c.Assert(seq.CycleDestination(false), Equals, "a")
	c.Assert(seq.CycleDestination(true), Equals, "b")
	// The selection survives a membership change.
	seq.UpdateDestinations([]string{"0", "a", "b"})
	c.Assert(seq.Destination(), Equals, "b")

	rnd := newTestPortal(c, "Dice", "ignored", FlagRandom)
	c.Assert(rnd.Strategy(), Equals, StrategyRandom)
	c.Assert(rnd.HasFlag(FlagFixed), IsFalse)
	c.Assert(rnd.PickDestination(rand.New(rand.NewSource(1))), Equals, "")
	rnd.UpdateDestinations([]string{"x"})
	c.Assert(rnd.PickDestination(rand.New(rand.NewSource(1))), Equals, "x")
	c.Assert(rnd.Open(), IsTrue)
}

type recordingForwarder struct {
	forwarded []string
}

func (f *recordingForwarder) ForwardTeleport(actor uuid.UUID, p *Portal) error {
	f.forwarded = append(f.forwarded, actor.String()+"->"+p.ID())
	return nil
}

func (s *testPortalSuite) TestVirtual(c *C) {
	fwd := &recordingForwarder{}
	v, err := New(Options{
		Name:        "Remote",
		Network:     "hub",
		InterServer: true,
		Flags:       NewFlagSet(FlagPrivate),
		Positions:   []Position{{Role: RoleFrame}},
		Virtual:     true,
		ServerID:    "srv-b",
		ServerName:  "beta",
		Forwarder:   fwd,
	}, DefaultMaxNameLength)
	c.Assert(err, IsNil)
	c.Assert(v.IsVirtual(), IsTrue)
	c.Assert(v.Strategy(), Equals, StrategyRemote)
	c.Assert(v.Cells(), HasLen, 0)
	c.Assert(v.Flags().String(), Equals, "IP")

	v.SetMetadata("x")
	c.Assert(v.Metadata(), Equals, "")
	c.Assert(v.Open(), IsFalse)
	v.UpdateDestinations([]string{"a"})
	c.Assert(v.Destinations(), HasLen, 0)

	actor := uuid.New()
	c.Assert(v.TeleportHere(actor, nil), IsNil)
	c.Assert(fwd.forwarded, DeepEquals, []string{actor.String() + "->remote"})
}

func (s *testPortalSuite) TestVisibility(c *C) {
	p := newTestPortal(c, "Secret", "", FlagPrivate)
	owner := p.Owner()
	other := uuid.New()
	c.Assert(p.VisibleTo(owner, false, false), IsTrue)
	c.Assert(p.VisibleTo(other, false, false), IsFalse)
	c.Assert(p.VisibleTo(other, true, false), IsTrue)

	h := newTestPortal(c, "Shy", "", FlagHidden)
	c.Assert(h.VisibleTo(other, true, false), IsFalse)
	c.Assert(h.VisibleTo(other, false, true), IsTrue)
}

func (s *testPortalSuite) TestGateLibrary(c *C) {
	lib := NewGateLibrary()
	lib.Register("nether.gate", []Position{
		{Role: RoleFrame, Offset: Vector{0, 0, 0}},
		{Role: RoleFrame, Offset: Vector{0, 1, 0}},
		{Role: RoleControl, Offset: Vector{1, 0, 0}},
	})
	p := newTestPortal(c, "A", "B")
	c.Assert(lib.Check(p.GateFormat(), p.Positions()), IsNil)

	err := lib.Check("nether.gate", p.Positions()[:2])
	c.Assert(IsInvalidStructure(err), IsTrue)
	err = lib.Check("nether.gate", append(p.Positions(), Position{Role: RoleIris}))
	c.Assert(IsInvalidStructure(err), IsTrue)
	_, err = lib.Footprint("unknown.gate")
	c.Assert(IsInvalidStructure(err), IsTrue)
	c.Assert(lib.Names(), DeepEquals, []string{"nether.gate"})
}

func (s *testPortalSuite) TestNewRejectsBadName(c *C) {
	_, err := New(Options{Name: "", Network: "n"}, 10)
	c.Assert(IsNameInvalid(err), IsTrue)
	_, err = New(Options{Name: "ok"}, 10)
	c.Assert(IsNameInvalid(err), IsTrue)
}
