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

package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyportal/pkg/logutil"
	"github.com/pingcap-incubator/tinyportal/pkg/typeutil"
	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/pingcap-incubator/tinyportal/replication"
	"github.com/pingcap-incubator/tinyportal/storage"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the portal server configuration.
type Config struct {
	*flag.FlagSet `json:"-"`

	Version bool `json:"-"`

	ConfigCheck bool `json:"-"`

	Name string `toml:"name" json:"name"`
	// ServerID identifies this server to its siblings. It is generated when
	// empty, so deployments relying on cross-server networks should pin it.
	ServerID   string `toml:"server-id" json:"server-id"`
	StatusAddr string `toml:"status-addr" json:"status-addr"`

	// Log related config.
	Log log.Config `toml:"log" json:"log"`

	Storage storage.Config `toml:"storage" json:"storage"`

	Network NetworkConfig `toml:"network" json:"network"`

	Replication ReplicationConfig `toml:"replication" json:"replication"`

	Gates []GateConfig `toml:"gate" json:"gate"`

	configFile string

	// For all warnings during parsing.
	WarningMsgs []string

	logger   *zap.Logger
	logProps *log.ZapProperties
}

// NetworkConfig is the [network] section.
type NetworkConfig struct {
	DefaultNetwork string   `toml:"default-network" json:"default-network"`
	MaxNameLength  int      `toml:"max-name-length" json:"max-name-length"`
	ReservedNames  []string `toml:"reserved-names" json:"reserved-names"`
}

// Relay kinds.
const (
	RelayNone   = "none"
	RelayMemory = "memory"
	RelayRedis  = "redis"
)

// ReplicationConfig is the [replication] section.
type ReplicationConfig struct {
	Relay           string            `toml:"relay" json:"relay"`
	RedisAddr       string            `toml:"redis-addr" json:"redis-addr"`
	RedisPassword   string            `toml:"redis-password" json:"-"`
	RedisDB         int               `toml:"redis-db" json:"redis-db"`
	Channel         string            `toml:"channel" json:"channel"`
	PendingCapacity int               `toml:"pending-capacity" json:"pending-capacity"`
	FlushInterval   typeutil.Duration `toml:"flush-interval" json:"flush-interval"`
	// SendRate caps outbound messages per second. Zero means unlimited.
	SendRate float64           `toml:"send-rate" json:"send-rate"`
	Timeout  typeutil.Duration `toml:"timeout" json:"timeout"`
}

// GateConfig is one [[gate]] footprint template. Offsets are [x, y, z].
type GateConfig struct {
	Name    string  `toml:"name" json:"name"`
	Frame   [][]int `toml:"frame" json:"frame"`
	Iris    [][]int `toml:"iris" json:"iris"`
	Control [][]int `toml:"control" json:"control"`
}

// Positions converts the template into relative positions.
func (g *GateConfig) Positions() ([]portal.Position, error) {
	var ps []portal.Position
	for _, set := range []struct {
		role    portal.Role
		offsets [][]int
	}{
		{portal.RoleFrame, g.Frame},
		{portal.RoleIris, g.Iris},
		{portal.RoleControl, g.Control},
	} {
		for _, o := range set.offsets {
			if len(o) != 3 {
				return nil, errors.Errorf("gate %s: %s offset %v must have three coordinates", g.Name, set.role, o)
			}
			ps = append(ps, portal.Position{Role: set.role, Offset: portal.Vector{X: o[0], Y: o[1], Z: o[2]}})
		}
	}
	if len(ps) == 0 {
		return nil, errors.Errorf("gate %s has no positions", g.Name)
	}
	portal.SortPositions(ps)
	return ps, nil
}

// NewConfig creates a new config.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.FlagSet = flag.NewFlagSet("portal", flag.ContinueOnError)
	fs := cfg.FlagSet

	fs.BoolVar(&cfg.Version, "V", false, "print version information and exit")
	fs.BoolVar(&cfg.Version, "version", false, "print version information and exit")
	fs.StringVar(&cfg.configFile, "config", "", "Config file")
	fs.BoolVar(&cfg.ConfigCheck, "config-check", false, "check config file validity and exit")

	fs.StringVar(&cfg.Name, "name", "", "human-readable name for this server")
	fs.StringVar(&cfg.ServerID, "server-id", "", "unique id of this server among its siblings (default a random uuid)")
	fs.StringVar(&cfg.StatusAddr, "status-addr", "", "address serving /status and /metrics")

	fs.StringVar(&cfg.Log.Level, "L", "", "log level: debug, info, warn, error, fatal (default 'info')")
	fs.StringVar(&cfg.Log.File.Filename, "log-file", "", "log file path")

	fs.StringVar(&cfg.Storage.Dialect, "dialect", "", "storage dialect: "+strings.Join(storage.Dialects(), ", "))
	fs.StringVar(&cfg.Storage.Path, "db-path", "", "path of the sqlite database file")
	fs.BoolVar(&cfg.Storage.InterServer, "inter-server", false, "enable cross-server networks")

	fs.StringVar(&cfg.Replication.Relay, "relay", "", "replication relay: none, memory, redis")
	fs.StringVar(&cfg.Replication.RedisAddr, "redis-addr", "", "address of the redis relay")

	return cfg
}

const (
	defaultName            = "portal"
	defaultStatusAddr      = "127.0.0.1:9180"
	defaultDialect         = storage.SQLite
	defaultSQLitePath      = "portals.db"
	defaultHost            = "127.0.0.1"
	defaultMySQLPort       = 3306
	defaultPostgresPort    = 5432
	defaultDatabase        = "portals"
	defaultNetwork         = "Central"
	defaultRedisAddr       = "127.0.0.1:6379"
	defaultPendingCapacity = 512
	defaultFlushInterval   = 5 * time.Second
	defaultRelayTimeout    = 3 * time.Second
	defaultLogLevel        = "info"
)

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *typeutil.Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Parse parses flag definitions from the argument list.
func (c *Config) Parse(arguments []string) error {
	// Parse first to get config file.
	err := c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	// Load config file if specified.
	var meta *toml.MetaData
	if c.configFile != "" {
		meta, err = c.configFromFile(c.configFile)
		if err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	err = c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(c.FlagSet.Args()) != 0 {
		return errors.Errorf("'%s' is an invalid flag", c.FlagSet.Arg(0))
	}

	return c.Adjust(meta)
}

// Validate is used to validate if some configurations are right.
func (c *Config) Validate() error {
	if _, err := storage.GetDialect(c.Storage.Dialect); err != nil {
		return err
	}
	if c.Storage.Dialect == storage.SQLite && c.Storage.Path == "" {
		return errors.New("sqlite storage requires a path")
	}
	switch c.Replication.Relay {
	case RelayNone:
	case RelayMemory, RelayRedis:
		if !c.Storage.InterServer {
			return errors.Errorf("relay %s requires storage.inter-server", c.Replication.Relay)
		}
	default:
		return errors.Errorf("unknown relay %q", c.Replication.Relay)
	}
	if c.Replication.SendRate < 0 {
		return errors.New("replication.send-rate must not be negative")
	}
	if c.Network.MaxNameLength > storage.NameColumnWidth {
		return errors.Errorf("network.max-name-length %d exceeds the stored name width %d", c.Network.MaxNameLength, storage.NameColumnWidth)
	}
	if err := portal.ValidateName(c.Network.DefaultNetwork, c.Network.MaxNameLength); err != nil {
		return errors.Wrap(err, "network.default-network")
	}
	seen := make(map[string]struct{}, len(c.Gates))
	for i := range c.Gates {
		g := &c.Gates[i]
		if g.Name == "" {
			return errors.Errorf("gate #%d has no name", i+1)
		}
		if _, ok := seen[g.Name]; ok {
			return errors.Errorf("gate %s is defined twice", g.Name)
		}
		seen[g.Name] = struct{}{}
		if _, err := g.Positions(); err != nil {
			return err
		}
	}
	return nil
}

// Utility to test if a configuration is defined.
type configMetaData struct {
	meta *toml.MetaData
	path []string
}

func newConfigMetadata(meta *toml.MetaData) *configMetaData {
	return &configMetaData{meta: meta}
}

func (m *configMetaData) IsDefined(key string) bool {
	if m.meta == nil {
		return false
	}
	keys := append([]string(nil), m.path...)
	keys = append(keys, key)
	return m.meta.IsDefined(keys...)
}

func (m *configMetaData) Child(path ...string) *configMetaData {
	newPath := append([]string(nil), m.path...)
	newPath = append(newPath, path...)
	return &configMetaData{
		meta: m.meta,
		path: newPath,
	}
}

func (m *configMetaData) CheckUndecoded() error {
	if m.meta == nil {
		return nil
	}
	undecoded := m.meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	errInfo := "Config contains undefined item: "
	for _, key := range undecoded {
		errInfo += key.String() + ", "
	}
	return errors.New(errInfo[:len(errInfo)-2])
}

// Adjust fills defaults and validates the configuration.
func (c *Config) Adjust(meta *toml.MetaData) error {
	configMetaData := newConfigMetadata(meta)
	if err := configMetaData.CheckUndecoded(); err != nil {
		c.WarningMsgs = append(c.WarningMsgs, err.Error())
	}

	if c.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		adjustString(&c.Name, fmt.Sprintf("%s-%s", defaultName, hostname))
	}
	adjustString(&c.ServerID, uuid.New().String())
	adjustString(&c.StatusAddr, defaultStatusAddr)

	adjustString(&c.Log.Level, defaultLogLevel)
	c.Log.Level = logutil.StringToZapLogLevel(c.Log.Level).String()

	c.adjustStorage()
	c.Network.adjust()
	c.Replication.adjust(configMetaData.Child("replication"), c.Storage.InterServer)

	return c.Validate()
}

func (c *Config) adjustStorage() {
	s := &c.Storage
	adjustString(&s.Dialect, defaultDialect)
	s.Dialect = strings.ToLower(s.Dialect)
	switch s.Dialect {
	case storage.SQLite:
		adjustString(&s.Path, defaultSQLitePath)
	case storage.MySQL, storage.MariaDB:
		adjustString(&s.Host, defaultHost)
		adjustInt(&s.Port, defaultMySQLPort)
		adjustString(&s.Database, defaultDatabase)
	case storage.PostgreSQL:
		adjustString(&s.Host, defaultHost)
		adjustInt(&s.Port, defaultPostgresPort)
		adjustString(&s.Database, defaultDatabase)
	}
}

func (c *NetworkConfig) adjust() {
	adjustString(&c.DefaultNetwork, defaultNetwork)
	adjustInt(&c.MaxNameLength, portal.DefaultMaxNameLength)
}

func (c *ReplicationConfig) adjust(meta *configMetaData, interServer bool) {
	if c.Relay == "" {
		c.Relay = RelayNone
		if interServer && !meta.IsDefined("relay") {
			c.Relay = RelayMemory
		}
	}
	c.Relay = strings.ToLower(c.Relay)
	if c.Relay == RelayRedis {
		adjustString(&c.RedisAddr, defaultRedisAddr)
	}
	adjustString(&c.Channel, replication.DefaultChannel)
	adjustInt(&c.PendingCapacity, defaultPendingCapacity)
	adjustDuration(&c.FlushInterval, defaultFlushInterval)
	adjustDuration(&c.Timeout, defaultRelayTimeout)
}

// GateLibrary builds the footprint provider described by the [[gate]]
// sections.
func (c *Config) GateLibrary() (*portal.GateLibrary, error) {
	lib := portal.NewGateLibrary()
	for i := range c.Gates {
		ps, err := c.Gates[i].Positions()
		if err != nil {
			return nil, err
		}
		lib.Register(c.Gates[i].Name, ps)
	}
	return lib, nil
}

// ChannelConfig returns the replication channel settings.
func (c *Config) ChannelConfig() replication.Config {
	return replication.Config{
		ServerID:        c.ServerID,
		ServerName:      c.Name,
		Channel:         c.Replication.Channel,
		PendingCapacity: c.Replication.PendingCapacity,
		FlushInterval:   c.Replication.FlushInterval.Duration,
		SendRate:        c.Replication.SendRate,
		Timeout:         c.Replication.Timeout.Duration,
	}
}

// Clone returns a cloned configuration.
func (c *Config) Clone() *Config {
	cfg := &Config{}
	*cfg = *c
	return cfg
}

func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "<nil>"
	}
	return string(data)
}

// configFromFile loads config from file.
func (c *Config) configFromFile(path string) (*toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, c)
	return &meta, errors.WithStack(err)
}

// SetupLogger setup the logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

// GetZapLogProperties gets properties of the zap logger.
func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}
