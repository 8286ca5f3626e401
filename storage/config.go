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

// Config is the [storage] section of the server configuration.
type Config struct {
	Dialect      string `toml:"dialect" json:"dialect"`
	Path         string `toml:"path" json:"path"`
	Host         string `toml:"host" json:"host"`
	Port         int    `toml:"port" json:"port"`
	User         string `toml:"user" json:"user"`
	Password     string `toml:"password" json:"-"`
	Database     string `toml:"database" json:"database"`
	SSLMode      string `toml:"ssl-mode" json:"ssl-mode"`
	MaxOpenConns int    `toml:"max-open-conns" json:"max-open-conns"`
	MaxIdleConns int    `toml:"max-idle-conns" json:"max-idle-conns"`
	// TablePrefix is prepended to every table name.
	TablePrefix string `toml:"table-prefix" json:"table-prefix"`
	// NodeSuffix is appended to every table name so several registries can
	// share one physical database.
	NodeSuffix string `toml:"node-suffix" json:"node-suffix"`
	// InterServer enables the cross-server partition.
	InterServer bool `toml:"inter-server" json:"inter-server"`
}

// NameColumnWidth is the width of the network and portal name columns.
const NameColumnWidth = 180

// Partition selects the local or the cross-server set of tables.
type Partition int

// Storage partitions.
const (
	Local Partition = iota
	InterServer
)

func (p Partition) String() string {
	if p == InterServer {
		return "inter-server"
	}
	return "local"
}

// Partitions returns the partitions active for the configuration.
func (c *Config) Partitions() []Partition {
	if c.InterServer {
		return []Partition{Local, InterServer}
	}
	return []Partition{Local}
}

// TableConfig resolves logical table names to physical ones.
type TableConfig struct {
	Prefix string
	Suffix string
}

// logical table tokens that differ per partition
var partitionTables = map[string][2]string{
	"Portal":              {"Portal", "InterPortal"},
	"PortalFlagRelation":  {"PortalFlagRelation", "InterPortalFlagRelation"},
	"PortalPosition":      {"PortalPosition", "InterPortalPosition"},
	"PortalView":          {"PortalView", "InterPortalView"},
	"PortalPositionIndex": {"PortalPositionIndex", "InterPortalPositionIndex"},
}

// lookup tables and the server table, present in both partitions
var sharedTables = []string{"Flag", "PortalPositionType", "ServerInfo"}

// Resolve returns the physical name of a logical table token. The node
// suffix only applies to the local partition: the cross-server tables and
// the server table are shared by every server using the store.
func (t TableConfig) Resolve(token string, part Partition) (string, bool) {
	suffix := t.Suffix
	if part == InterServer || token == "ServerInfo" {
		suffix = ""
	}
	if names, ok := partitionTables[token]; ok {
		return t.Prefix + names[part] + suffix, true
	}
	for _, name := range sharedTables {
		if name == token {
			return t.Prefix + name + suffix, true
		}
	}
	return "", false
}

// Tables lists the physical tables of a partition, views and indices
// excluded.
func (t TableConfig) Tables(part Partition) []string {
	var names []string
	for _, token := range []string{"Portal", "PortalFlagRelation", "PortalPosition"} {
		name, _ := t.Resolve(token, part)
		names = append(names, name)
	}
	for _, token := range sharedTables {
		if token == "ServerInfo" && part != InterServer {
			continue
		}
		name, _ := t.Resolve(token, part)
		names = append(names, name)
	}
	return names
}
