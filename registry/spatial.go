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
	"github.com/pingcap-incubator/tinyportal/portal"
)

// SpatialIndex maps (role, cell) to the portal that owns it.
type SpatialIndex struct {
	cells map[portal.Cell]portal.Key
}

// NewSpatialIndex creates an empty index.
func NewSpatialIndex() *SpatialIndex {
	return &SpatialIndex{cells: make(map[portal.Cell]portal.Key)}
}

// Register claims every cell for key. If any cell already belongs to a
// different portal nothing is inserted and a GateConflict is returned.
func (s *SpatialIndex) Register(key portal.Key, cells []portal.Cell) error {
	for _, cell := range cells {
		if owner, ok := s.cells[cell]; ok && owner != key {
			return portal.GateConflictErr{Cell: cell, Owner: owner.String()}
		}
	}
	for _, cell := range cells {
		s.cells[cell] = key
	}
	return nil
}

// Unregister drops the cells that still map to key. Cells claimed by another
// portal in the meantime are left alone.
func (s *SpatialIndex) Unregister(key portal.Key, cells []portal.Cell) {
	for _, cell := range cells {
		if owner, ok := s.cells[cell]; ok && owner == key {
			delete(s.cells, cell)
		}
	}
}

// Get returns the owner of a cell for one role.
func (s *SpatialIndex) Get(loc portal.Location, role portal.Role) (portal.Key, bool) {
	key, ok := s.cells[portal.Cell{Role: role, Location: loc}]
	return key, ok
}

// GetAny returns the owner of a cell for the first matching role.
func (s *SpatialIndex) GetAny(loc portal.Location, roles ...portal.Role) (portal.Key, bool) {
	for _, role := range roles {
		if key, ok := s.Get(loc, role); ok {
			return key, true
		}
	}
	return portal.Key{}, false
}

var horizontalNeighbors = []portal.Vector{
	{X: 1}, {X: -1}, {Z: 1}, {Z: -1},
}

// IsAdjacent reports whether one of the four horizontal neighbors of loc is
// registered for role. Cells above and below are not considered.
func (s *SpatialIndex) IsAdjacent(loc portal.Location, role portal.Role) bool {
	for _, v := range horizontalNeighbors {
		if _, ok := s.Get(loc.Add(v), role); ok {
			return true
		}
	}
	return false
}

// Len returns the number of registered cells.
func (s *SpatialIndex) Len() int { return len(s.cells) }
