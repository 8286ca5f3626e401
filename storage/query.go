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
	"embed"
	"regexp"
	"strconv"
	"strings"

	"github.com/magiconair/properties"
	"github.com/pkg/errors"
)

// Operation is a logical statement against the fixed schema.
type Operation string

// Logical operations.
const (
	CreateTablePortal             Operation = "CREATE_TABLE_PORTAL"
	CreateTableInterPortal        Operation = "CREATE_TABLE_INTER_PORTAL"
	CreateTableFlag               Operation = "CREATE_TABLE_FLAG"
	CreateTablePortalFlagRelation Operation = "CREATE_TABLE_PORTAL_FLAG_RELATION"
	CreateTablePositionType       Operation = "CREATE_TABLE_POSITION_TYPE"
	CreateTablePortalPosition     Operation = "CREATE_TABLE_PORTAL_POSITION"
	CreateIndexPortalPosition     Operation = "CREATE_INDEX_PORTAL_POSITION"
	CreateTableServerInfo         Operation = "CREATE_TABLE_SERVER_INFO"
	CreateViewPortal              Operation = "CREATE_VIEW_PORTAL"
	CreateViewInterPortal         Operation = "CREATE_VIEW_INTER_PORTAL"
	DropViewPortal                Operation = "DROP_VIEW_PORTAL"

	GetFlags           Operation = "GET_FLAGS"
	InsertFlag         Operation = "INSERT_FLAG"
	GetPositionTypes   Operation = "GET_POSITION_TYPES"
	InsertPositionType Operation = "INSERT_POSITION_TYPE"

	SelectPortalColumns       Operation = "SELECT_PORTAL_COLUMNS"
	SelectPositionColumns     Operation = "SELECT_POSITION_COLUMNS"
	AddPortalMetadataColumn   Operation = "ADD_PORTAL_METADATA_COLUMN"
	AddPositionMetadataColumn Operation = "ADD_POSITION_METADATA_COLUMN"

	InsertPortal             Operation = "INSERT_PORTAL"
	InsertInterPortal        Operation = "INSERT_INTER_PORTAL"
	InsertPortalFlagRelation Operation = "INSERT_PORTAL_FLAG_RELATION"
	InsertPortalPosition     Operation = "INSERT_PORTAL_POSITION"

	DeletePortalPositions     Operation = "DELETE_PORTAL_POSITIONS"
	DeletePortalFlagRelations Operation = "DELETE_PORTAL_FLAG_RELATIONS"
	DeletePortal              Operation = "DELETE_PORTAL"

	GetAllPortals      Operation = "GET_ALL_PORTALS"
	GetAllInterPortals Operation = "GET_ALL_INTER_PORTALS"
	GetPortalPositions Operation = "GET_PORTAL_POSITIONS"
	CountPortals       Operation = "COUNT_PORTALS"

	GetPortalMetadata   Operation = "GET_PORTAL_METADATA"
	SetPortalMetadata   Operation = "SET_PORTAL_METADATA"
	GetPositionMetadata Operation = "GET_POSITION_METADATA"
	SetPositionMetadata Operation = "SET_POSITION_METADATA"

	RenamePortal              Operation = "RENAME_PORTAL"
	RenamePortalFlagRelations Operation = "RENAME_PORTAL_FLAG_RELATIONS"
	RenamePortalPositions     Operation = "RENAME_PORTAL_POSITIONS"
	RenameNetwork             Operation = "RENAME_NETWORK"
	RenameNetworkFlagRelation Operation = "RENAME_NETWORK_FLAG_RELATIONS"
	RenameNetworkPositions    Operation = "RENAME_NETWORK_POSITIONS"

	UpsertServerInfo Operation = "UPSERT_SERVER_INFO"
	GetServerInfo    Operation = "GET_SERVER_INFO"
	SetServerOnline  Operation = "SET_SERVER_ONLINE"
)

type scope int

const (
	scopeBoth scope = iota
	scopeLocal
	scopeInter
)

type operationInfo struct {
	scope scope
	// optional templates may be empty when the dialect folds the
	// statement into another one
	optional bool
}

var operations = map[Operation]operationInfo{
	CreateTablePortal:             {scope: scopeLocal},
	CreateTableInterPortal:        {scope: scopeInter},
	CreateTableFlag:               {},
	CreateTablePortalFlagRelation: {},
	CreateTablePositionType:       {},
	CreateTablePortalPosition:     {},
	CreateIndexPortalPosition:     {optional: true},
	CreateTableServerInfo:         {scope: scopeInter},
	CreateViewPortal:              {scope: scopeLocal},
	CreateViewInterPortal:         {scope: scopeInter},
	DropViewPortal:                {},
	GetFlags:                      {},
	InsertFlag:                    {},
	GetPositionTypes:              {},
	InsertPositionType:            {},
	SelectPortalColumns:           {},
	SelectPositionColumns:         {},
	AddPortalMetadataColumn:       {},
	AddPositionMetadataColumn:     {},
	InsertPortal:                  {scope: scopeLocal},
	InsertInterPortal:             {scope: scopeInter},
	InsertPortalFlagRelation:      {},
	InsertPortalPosition:          {},
	DeletePortalPositions:         {},
	DeletePortalFlagRelations:     {},
	DeletePortal:                  {},
	GetAllPortals:                 {scope: scopeLocal},
	GetAllInterPortals:            {scope: scopeInter},
	GetPortalPositions:            {},
	CountPortals:                  {},
	GetPortalMetadata:             {},
	SetPortalMetadata:             {},
	GetPositionMetadata:           {},
	SetPositionMetadata:           {},
	RenamePortal:                  {},
	RenamePortalFlagRelations:     {},
	RenamePortalPositions:         {},
	RenameNetwork:                 {},
	RenameNetworkFlagRelation:     {},
	RenameNetworkPositions:        {},
	UpsertServerInfo:              {scope: scopeInter},
	GetServerInfo:                 {scope: scopeInter},
	SetServerOnline:               {scope: scopeInter},
}

func (info operationInfo) appliesTo(part Partition) bool {
	switch info.scope {
	case scopeLocal:
		return part == Local
	case scopeInter:
		return part == InterServer
	}
	return true
}

//go:embed queries/*.properties
var queryFiles embed.FS

const baselineTemplateSet = "sqlite"

var tableToken = regexp.MustCompile(`\{([A-Za-z]+)\}`)

type statementKey struct {
	op   Operation
	part Partition
}

// QueryGenerator maps a logical operation and a partition to a statement
// ready to be bound, for one dialect.
type QueryGenerator struct {
	dialect    *Dialect
	tables     TableConfig
	statements map[statementKey]string
}

// NewQueryGenerator loads the templates of the dialect and resolves every
// operation for both partitions. A template that is missing or references an
// unknown table is reported here rather than at query time.
func NewQueryGenerator(d *Dialect, tables TableConfig) (*QueryGenerator, error) {
	templates, err := loadTemplates(baselineTemplateSet)
	if err != nil {
		return nil, err
	}
	if d.TemplateSet != "" && d.TemplateSet != baselineTemplateSet {
		overrides, err := loadTemplates(d.TemplateSet)
		if err != nil {
			return nil, err
		}
		for key, value := range overrides {
			templates[key] = value
		}
	}

	g := &QueryGenerator{
		dialect:    d,
		tables:     tables,
		statements: make(map[statementKey]string),
	}
	for op, info := range operations {
		tpl, ok := templates[string(op)]
		if !ok {
			return nil, errors.WithStack(QueryMissingErr{Dialect: d.Name, Operation: op, Reason: "no template"})
		}
		tpl = strings.TrimSpace(tpl)
		if tpl == "" && !info.optional {
			return nil, errors.WithStack(QueryMissingErr{Dialect: d.Name, Operation: op, Reason: "empty template"})
		}
		for _, part := range []Partition{Local, InterServer} {
			if !info.appliesTo(part) {
				continue
			}
			stmt, err := g.resolve(op, tpl, part)
			if err != nil {
				return nil, err
			}
			g.statements[statementKey{op: op, part: part}] = stmt
		}
	}
	return g, nil
}

func loadTemplates(set string) (map[string]string, error) {
	data, err := queryFiles.ReadFile("queries/" + set + ".properties")
	if err != nil {
		return nil, errors.Wrapf(err, "template set %s", set)
	}
	p, err := properties.Load(data, properties.UTF8)
	if err != nil {
		return nil, errors.Wrapf(err, "template set %s", set)
	}
	p.DisableExpansion = true
	templates := make(map[string]string, p.Len())
	for _, key := range p.Keys() {
		templates[key] = p.GetString(key, "")
	}
	return templates, nil
}

func (g *QueryGenerator) resolve(op Operation, tpl string, part Partition) (string, error) {
	var unknown string
	stmt := tableToken.ReplaceAllStringFunc(tpl, func(m string) string {
		token := m[1 : len(m)-1]
		name, ok := g.tables.Resolve(token, part)
		if !ok {
			unknown = token
			return m
		}
		return name
	})
	if unknown != "" {
		return "", errors.WithStack(QueryMissingErr{Dialect: g.dialect.Name, Operation: op, Reason: "unknown table " + unknown})
	}
	if g.dialect.BindStyle == BindDollar {
		stmt = rebindDollar(stmt)
	}
	return stmt, nil
}

// rebindDollar numbers `?` placeholders outside of quoted literals.
func rebindDollar(stmt string) string {
	var b strings.Builder
	n := 0
	quoted := false
	for _, r := range stmt {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == '?' && !quoted:
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Dialect returns the dialect the generator was built for.
func (g *QueryGenerator) Dialect() *Dialect { return g.dialect }

// Tables returns the table naming in use.
func (g *QueryGenerator) Tables() TableConfig { return g.tables }

// Statement returns the resolved statement. An empty string with a nil error
// means the dialect folded the operation into another statement.
func (g *QueryGenerator) Statement(op Operation, part Partition) (string, error) {
	stmt, ok := g.statements[statementKey{op: op, part: part}]
	if !ok {
		return "", errors.WithStack(QueryMissingErr{Dialect: g.dialect.Name, Operation: op, Reason: "not defined for the " + part.String() + " partition"})
	}
	return stmt, nil
}
