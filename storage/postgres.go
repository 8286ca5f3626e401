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

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgreSQL dialect name.
const PostgreSQL = "postgres"

func init() {
	RegisterDialect(&Dialect{
		Name:                PostgreSQL,
		Driver:              "postgres",
		TemplateSet:         "postgres",
		BindStyle:           BindDollar,
		DefaultMaxOpenConns: 10,
		DSN:                 postgresDSN,
		Describe:            describePostgres,
	})
}

func postgresDSN(cfg *Config) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	return u.String()
}

func describePostgres(err error) []zap.Field {
	e, ok := err.(*pq.Error)
	if !ok {
		return nil
	}
	return []zap.Field{
		zap.String("pq-code", string(e.Code)),
		zap.String("pq-condition", e.Code.Name()),
		zap.String("pq-constraint", e.Constraint),
	}
}
