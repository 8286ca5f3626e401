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
	"fmt"
	"sort"
	"strings"
)

// Role is the structural function a grid cell plays in a gate.
type Role int

// Structural roles.
const (
	RoleFrame Role = iota
	RoleIris
	RoleControl
)

var roleNames = [...]string{"FRAME", "IRIS", "CONTROL"}

// AllRoles returns every structural role.
func AllRoles() []Role { return []Role{RoleFrame, RoleIris, RoleControl} }

func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("ROLE(%d)", int(r))
	}
	return roleNames[r]
}

// ParseRole resolves a persisted role name.
func ParseRole(s string) (Role, bool) {
	for i, name := range roleNames {
		if strings.EqualFold(name, s) {
			return Role(i), true
		}
	}
	return 0, false
}

// Vector is an offset relative to a portal's reference point.
type Vector struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (v Vector) String() string { return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z) }

// Location is an absolute grid cell.
type Location struct {
	World string `json:"world"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Z     int    `json:"z"`
}

// Add returns l translated by v.
func (l Location) Add(v Vector) Location {
	return Location{World: l.World, X: l.X + v.X, Y: l.Y + v.Y, Z: l.Z + v.Z}
}

func (l Location) String() string {
	return fmt.Sprintf("%s(%d,%d,%d)", l.World, l.X, l.Y, l.Z)
}

// Cell keys one entry of the spatial index.
type Cell struct {
	Role     Role     `json:"role"`
	Location Location `json:"location"`
}

func (c Cell) String() string { return c.Role.String() + "@" + c.Location.String() }

// Facing is the horizontal direction a gate was built towards.
type Facing int

// Facings in clockwise order, starting from the direction offsets are
// authored in.
const (
	South Facing = iota
	West
	North
	East
)

var facingNames = [...]string{"SOUTH", "WEST", "NORTH", "EAST"}

func (f Facing) String() string {
	if f < 0 || int(f) >= len(facingNames) {
		return fmt.Sprintf("FACING(%d)", int(f))
	}
	return facingNames[f]
}

// ParseFacing resolves a persisted facing name.
func ParseFacing(s string) (Facing, bool) {
	for i, name := range facingNames {
		if strings.EqualFold(name, s) {
			return Facing(i), true
		}
	}
	return South, false
}

// Rotate maps a relative offset into world orientation.
func (f Facing) Rotate(v Vector, flipZ bool) Vector {
	if flipZ {
		v.Z = -v.Z
	}
	switch f {
	case West:
		return Vector{X: -v.Z, Y: v.Y, Z: v.X}
	case North:
		return Vector{X: -v.X, Y: v.Y, Z: -v.Z}
	case East:
		return Vector{X: v.Z, Y: v.Y, Z: -v.X}
	default:
		return v
	}
}

// Position is one footprint cell of a gate, stored relative to the origin.
type Position struct {
	Role     Role   `json:"role"`
	Offset   Vector `json:"offset"`
	Metadata string `json:"metadata,omitempty"`
}

// SortPositions orders positions by role then offset so footprints compare
// deterministically.
func SortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		if a.Offset.X != b.Offset.X {
			return a.Offset.X < b.Offset.X
		}
		if a.Offset.Y != b.Offset.Y {
			return a.Offset.Y < b.Offset.Y
		}
		return a.Offset.Z < b.Offset.Z
	})
}

// FootprintProvider tells the registry which cells a gate format occupies.
type FootprintProvider interface {
	// Footprint returns the template positions of a gate format.
	Footprint(gateFormat string) ([]Position, error)
	// Check verifies that stored positions still match the gate format.
	Check(gateFormat string, positions []Position) error
}

// GateLibrary is an in-process FootprintProvider backed by named templates.
type GateLibrary struct {
	templates map[string][]Position
}

// NewGateLibrary creates an empty library.
func NewGateLibrary() *GateLibrary {
	return &GateLibrary{templates: make(map[string][]Position)}
}

// Register adds or replaces a template.
func (g *GateLibrary) Register(name string, positions []Position) {
	ps := append([]Position(nil), positions...)
	SortPositions(ps)
	g.templates[name] = ps
}

// Names lists the registered formats.
func (g *GateLibrary) Names() []string {
	names := make([]string, 0, len(g.templates))
	for name := range g.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Footprint implements FootprintProvider.
func (g *GateLibrary) Footprint(gateFormat string) ([]Position, error) {
	ps, ok := g.templates[gateFormat]
	if !ok {
		return nil, InvalidStructureErr{GateFormat: gateFormat, Reason: "unknown gate format"}
	}
	return append([]Position(nil), ps...), nil
}

// Check implements FootprintProvider.
func (g *GateLibrary) Check(gateFormat string, positions []Position) error {
	tpl, err := g.Footprint(gateFormat)
	if err != nil {
		return err
	}
	want := make(map[Position]struct{}, len(tpl))
	for _, p := range tpl {
		want[Position{Role: p.Role, Offset: p.Offset}] = struct{}{}
	}
	for _, p := range positions {
		key := Position{Role: p.Role, Offset: p.Offset}
		if _, ok := want[key]; !ok {
			return InvalidStructureErr{
				GateFormat: gateFormat,
				Reason:     fmt.Sprintf("%s %s is not part of the template", p.Role, p.Offset),
			}
		}
		delete(want, key)
	}
	if len(want) > 0 {
		return InvalidStructureErr{
			GateFormat: gateFormat,
			Reason:     fmt.Sprintf("%d template positions are missing", len(want)),
		}
	}
	return nil
}
