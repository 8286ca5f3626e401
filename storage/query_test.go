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
	"strings"

	. "github.com/pingcap/check"
)

var _ = Suite(&testQuerySuite{})

type testQuerySuite struct{}

func (s *testQuerySuite) TestEveryDialectResolves(c *C) {
	c.Assert(Dialects(), DeepEquals, []string{MariaDB, MySQL, PostgreSQL, SQLite})
	for _, name := range Dialects() {
		d, err := GetDialect(name)
		c.Assert(err, IsNil)
		gen, err := NewQueryGenerator(d, TableConfig{Prefix: "SG_", Suffix: "_node1"})
		c.Assert(err, IsNil, Commentf("dialect %s", name))
		for op, info := range operations {
			for _, part := range []Partition{Local, InterServer} {
				stmt, err := gen.Statement(op, part)
				if !info.appliesTo(part) {
					c.Assert(err, NotNil)
					continue
				}
				c.Assert(err, IsNil)
				c.Assert(strings.Contains(stmt, "{"), IsFalse, Commentf("%s %s %s", name, op, stmt))
				if !info.optional {
					c.Assert(stmt, Not(Equals), "")
				}
			}
		}
	}
	_, err := GetDialect("oracle")
	c.Assert(err, NotNil)
}

func (s *testQuerySuite) TestTableResolution(c *C) {
	d, err := GetDialect(SQLite)
	c.Assert(err, IsNil)
	gen, err := NewQueryGenerator(d, TableConfig{Prefix: "SG_", Suffix: "_node1"})
	c.Assert(err, IsNil)

	stmt, err := gen.Statement(DeletePortal, Local)
	c.Assert(err, IsNil)
	c.Assert(stmt, Equals, "DELETE FROM SG_Portal_node1 WHERE name = ? AND network = ?")

	stmt, err = gen.Statement(DeletePortal, InterServer)
	c.Assert(err, IsNil)
	c.Assert(stmt, Equals, "DELETE FROM SG_InterPortal WHERE name = ? AND network = ?")

	// The node suffix keeps local tables apart; cross-server tables are
	// shared by every server of the store.
	local, _ := gen.Statement(InsertFlag, Local)
	inter, _ := gen.Statement(InsertFlag, InterServer)
	c.Assert(local, Equals, "INSERT INTO SG_Flag_node1 (character) VALUES (?)")
	c.Assert(inter, Equals, "INSERT INTO SG_Flag (character) VALUES (?)")
	stmt, err = gen.Statement(GetServerInfo, InterServer)
	c.Assert(err, IsNil)
	c.Assert(stmt, Equals, "SELECT serverId, serverName FROM SG_ServerInfo")

	c.Assert(gen.Tables().Tables(Local), DeepEquals, []string{
		"SG_Portal_node1", "SG_PortalFlagRelation_node1", "SG_PortalPosition_node1",
		"SG_Flag_node1", "SG_PortalPositionType_node1",
	})
	c.Assert(gen.Tables().Tables(InterServer), DeepEquals, []string{
		"SG_InterPortal", "SG_InterPortalFlagRelation", "SG_InterPortalPosition",
		"SG_Flag", "SG_PortalPositionType", "SG_ServerInfo",
	})
}

func (s *testQuerySuite) TestDialectOverrides(c *C) {
	my, err := GetDialect(MariaDB)
	c.Assert(err, IsNil)
	gen, err := NewQueryGenerator(my, TableConfig{})
	c.Assert(err, IsNil)
	stmt, err := gen.Statement(CreateIndexPortalPosition, Local)
	c.Assert(err, IsNil)
	c.Assert(stmt, Equals, "")
	stmt, _ = gen.Statement(CreateTablePortalPosition, InterServer)
	c.Assert(strings.Contains(stmt, "INDEX InterPortalPositionIndex (portalName, network)"), IsTrue)
	stmt, _ = gen.Statement(UpsertServerInfo, InterServer)
	c.Assert(strings.Contains(stmt, "ON DUPLICATE KEY UPDATE"), IsTrue)
	// Untouched operations fall back to the baseline.
	stmt, _ = gen.Statement(DeletePortal, Local)
	c.Assert(stmt, Equals, "DELETE FROM Portal WHERE name = ? AND network = ?")

	pg, err := GetDialect(PostgreSQL)
	c.Assert(err, IsNil)
	gen, err = NewQueryGenerator(pg, TableConfig{})
	c.Assert(err, IsNil)
	stmt, _ = gen.Statement(SetPositionMetadata, Local)
	c.Assert(stmt, Equals, "UPDATE PortalPosition SET metadata = $1 WHERE portalName = $2 AND network = $3 AND x = $4 AND y = $5 AND z = $6")
	stmt, _ = gen.Statement(CreateViewPortal, Local)
	c.Assert(strings.Contains(stmt, "STRING_AGG(CAST(r.flagCharacter AS TEXT), '')"), IsTrue)
}

func (s *testQuerySuite) TestRebindDollar(c *C) {
	c.Assert(rebindDollar("SELECT ? FROM t WHERE a = '?' AND b = ?"), Equals, "SELECT $1 FROM t WHERE a = '?' AND b = $2")
}
