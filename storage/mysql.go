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

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// Client/server dialects sharing the mysql template set.
const (
	MySQL   = "mysql"
	MariaDB = "mariadb"
)

func init() {
	for _, name := range []string{MySQL, MariaDB} {
		RegisterDialect(&Dialect{
			Name:                name,
			Driver:              "mysql",
			TemplateSet:         "mysql",
			BindStyle:           BindQuestion,
			DefaultMaxOpenConns: 10,
			DSN:                 mysqlDSN,
			Describe:            describeMySQL,
		})
	}
}

func mysqlDSN(cfg *Config) string {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c.DBName = cfg.Database
	c.ParseTime = true
	c.ClientFoundRows = true
	if cfg.SSLMode != "" && cfg.SSLMode != "disable" {
		c.TLSConfig = "true"
	}
	return c.FormatDSN()
}

func describeMySQL(err error) []zap.Field {
	e, ok := err.(*mysql.MySQLError)
	if !ok {
		return nil
	}
	return []zap.Field{
		zap.Uint16("mysql-errno", e.Number),
		zap.String("mysql-message", e.Message),
	}
}
