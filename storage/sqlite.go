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
	"fmt"
	"net/url"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLite is the baseline file dialect. Every logical operation has a
// template for it.
const SQLite = "sqlite"

func init() {
	RegisterDialect(&Dialect{
		Name:                SQLite,
		Driver:              "sqlite3",
		BindStyle:           BindQuestion,
		DefaultMaxOpenConns: 1,
		DSN:                 sqliteDSN,
		Describe:            describeSQLite,
	})
}

func sqliteDSN(cfg *Config) string {
	v := url.Values{}
	v.Set("mode", "rwc")
	v.Set("_journal_mode", "WAL")
	v.Set("_foreign_keys", "1")
	v.Set("_busy_timeout", "5000")
	return fmt.Sprintf("file:%s?%s", cfg.Path, v.Encode())
}

func describeSQLite(err error) []zap.Field {
	e, ok := err.(sqlite3.Error)
	if !ok {
		return nil
	}
	return []zap.Field{
		zap.Int("sqlite-code", int(e.Code)),
		zap.Int("sqlite-extended-code", int(e.ExtendedCode)),
		zap.Bool("busy", e.Code == sqlite3.ErrBusy || e.Code == sqlite3.ErrLocked),
	}
}
