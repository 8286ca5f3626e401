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
	"sort"
	"sync"

	"github.com/pingcap/errcode"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// BindStyle is the placeholder syntax a driver expects.
type BindStyle int

// Placeholder syntaxes.
const (
	// BindQuestion keeps `?` placeholders.
	BindQuestion BindStyle = iota
	// BindDollar numbers placeholders as `$1`, `$2`, ...
	BindDollar
)

// Dialect describes one relational backend.
type Dialect struct {
	// Name is the value used in configuration.
	Name string
	// Driver is the database/sql driver name.
	Driver string
	// TemplateSet names the embedded override file. Empty means the
	// baseline templates are used unchanged.
	TemplateSet string
	BindStyle   BindStyle
	// DefaultMaxOpenConns applies when the configuration leaves the pool
	// size unset.
	DefaultMaxOpenConns int
	// DSN builds the connection string.
	DSN func(cfg *Config) string
	// Describe extracts driver specific detail from an error for logging.
	Describe func(err error) []zap.Field
}

var (
	dialectsMu sync.RWMutex
	dialects   = make(map[string]*Dialect)
)

// RegisterDialect makes a dialect available by name.
func RegisterDialect(d *Dialect) {
	dialectsMu.Lock()
	defer dialectsMu.Unlock()
	if _, ok := dialects[d.Name]; ok {
		panic("storage: dialect registered twice: " + d.Name)
	}
	dialects[d.Name] = d
}

// GetDialect resolves a registered dialect.
func GetDialect(name string) (*Dialect, error) {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	d, ok := dialects[name]
	if !ok {
		return nil, errors.WithStack(errcode.NewInvalidInputErr(errors.Errorf("unknown storage dialect %q", name)))
	}
	return d, nil
}

// Dialects lists registered dialect names.
func Dialects() []string {
	dialectsMu.RLock()
	defer dialectsMu.RUnlock()
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dialect) describe(err error) []zap.Field {
	if d.Describe == nil || err == nil {
		return nil
	}
	return d.Describe(errors.Cause(err))
}
