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
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Engine executes the logical operations against a pooled connection. Every
// call blocks; callers dispatch them away from the owning goroutine.
type Engine struct {
	db    *sql.DB
	gen   *QueryGenerator
	inter bool
}

// Open connects to the configured backend.
func Open(cfg *Config) (*Engine, error) {
	d, err := GetDialect(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	gen, err := NewQueryGenerator(d, TableConfig{Prefix: cfg.TablePrefix, Suffix: cfg.NodeSuffix})
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.Driver, d.DSN(cfg))
	if err != nil {
		return nil, errors.WithStack(ReadFailureErr{Op: "connection", Err: err})
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = d.DefaultMaxOpenConns
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = maxOpen
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if err := db.Ping(); err != nil {
		db.Close()
		log.Error("cannot reach storage backend", append([]zap.Field{zap.String("dialect", d.Name), zap.Error(err)}, d.describe(err)...)...)
		return nil, errors.WithStack(ReadFailureErr{Op: "connection", Err: err})
	}
	log.Info("storage opened",
		zap.String("dialect", d.Name),
		zap.Int("max-open-conns", maxOpen),
		zap.Bool("inter-server", cfg.InterServer))
	return NewEngine(db, gen, cfg.InterServer), nil
}

// NewEngine wraps an existing pool.
func NewEngine(db *sql.DB, gen *QueryGenerator, inter bool) *Engine {
	return &Engine{db: db, gen: gen, inter: inter}
}

// Generator returns the query generator in use.
func (e *Engine) Generator() *QueryGenerator { return e.gen }

// InterServer reports whether the cross-server partition is enabled.
func (e *Engine) InterServer() bool { return e.inter }

// Close releases the pool.
func (e *Engine) Close() error {
	return errors.WithStack(e.db.Close())
}

func (e *Engine) partitions() []Partition {
	if e.inter {
		return []Partition{Local, InterServer}
	}
	return []Partition{Local}
}

func (e *Engine) observe(op string, part Partition, start time.Time) {
	storageHandleDuration.WithLabelValues(op, part.String()).Observe(time.Since(start).Seconds())
}

func (e *Engine) readFailure(op string, err error) error {
	if IsFailure(err) {
		return err
	}
	storageFailureCounter.WithLabelValues(op, "read").Inc()
	fields := []zap.Field{zap.String("op", op), zap.Error(err)}
	log.Error("storage read failed", append(fields, e.gen.dialect.describe(err)...)...)
	return errors.WithStack(ReadFailureErr{Op: op, Err: err})
}

func (e *Engine) writeFailure(op string, err error) error {
	if IsFailure(err) {
		return err
	}
	storageFailureCounter.WithLabelValues(op, "write").Inc()
	fields := []zap.Field{zap.String("op", op), zap.Error(err)}
	log.Error("storage write failed", append(fields, e.gen.dialect.describe(err)...)...)
	return errors.WithStack(WriteFailureErr{Op: op, Err: err})
}

func (e *Engine) exec(ctx context.Context, q querier, op Operation, part Partition, args ...interface{}) (sql.Result, error) {
	stmt, err := e.gen.Statement(op, part)
	if err != nil {
		return nil, err
	}
	if stmt == "" {
		return nil, nil
	}
	res, err := q.ExecContext(ctx, stmt, args...)
	return res, errors.WithStack(err)
}

func (e *Engine) query(ctx context.Context, q querier, op Operation, part Partition, args ...interface{}) (*sql.Rows, error) {
	stmt, err := e.gen.Statement(op, part)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, stmt, args...)
	return rows, errors.WithStack(err)
}

// withTx runs f in one transaction. Any error rolls the whole transaction
// back.
func (e *Engine) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	if err = f(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			log.Warn("rollback failed", zap.Error(rerr))
		}
		return err
	}
	return errors.WithStack(tx.Commit())
}

// CreateSchema creates every table, index and view of the active partitions
// if missing, adds columns introduced after a table was first created, and
// seeds the flag and position role lookup tables with the missing entries.
func (e *Engine) CreateSchema(ctx context.Context) error {
	defer e.observe("create-schema", Local, time.Now())

	for _, part := range e.partitions() {
		for _, op := range []Operation{CreateTableFlag, CreateTablePositionType} {
			if _, err := e.exec(ctx, e.db, op, part); err != nil {
				return e.writeFailure("schema", err)
			}
		}
	}
	if e.inter {
		if _, err := e.exec(ctx, e.db, CreateTableServerInfo, InterServer); err != nil {
			return e.writeFailure("schema", err)
		}
	}

	for _, part := range e.partitions() {
		tableOp, viewOp := CreateTablePortal, CreateViewPortal
		if part == InterServer {
			tableOp, viewOp = CreateTableInterPortal, CreateViewInterPortal
		}
		for _, op := range []Operation{tableOp, CreateTablePortalFlagRelation, CreateTablePortalPosition, CreateIndexPortalPosition} {
			if _, err := e.exec(ctx, e.db, op, part); err != nil {
				return e.writeFailure("schema", err)
			}
		}
		migrated, err := e.addMissingColumns(ctx, part)
		if err != nil {
			return err
		}
		if migrated {
			if _, err := e.exec(ctx, e.db, DropViewPortal, part); err != nil {
				return e.writeFailure("schema", err)
			}
		}
		if _, err := e.exec(ctx, e.db, viewOp, part); err != nil {
			return e.writeFailure("schema", err)
		}
	}

	var flags []string
	for _, f := range portal.AllFlags() {
		flags = append(flags, f.Char())
	}
	var roles []string
	for _, r := range portal.AllRoles() {
		roles = append(roles, r.String())
	}
	for _, part := range e.partitions() {
		if err := e.seed(ctx, part, GetFlags, InsertFlag, flags); err != nil {
			return err
		}
		if err := e.seed(ctx, part, GetPositionTypes, InsertPositionType, roles); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) addMissingColumns(ctx context.Context, part Partition) (bool, error) {
	migrated := false
	checks := []struct {
		sel, add Operation
	}{
		{SelectPortalColumns, AddPortalMetadataColumn},
		{SelectPositionColumns, AddPositionMetadataColumn},
	}
	for _, c := range checks {
		cols, err := e.columns(ctx, c.sel, part)
		if err != nil {
			return false, e.readFailure("schema", err)
		}
		if hasColumn(cols, "metadata") {
			continue
		}
		if _, err := e.exec(ctx, e.db, c.add, part); err != nil {
			return false, e.writeFailure("schema", err)
		}
		log.Info("added metadata column", zap.String("op", string(c.add)), zap.Stringer("partition", part))
		migrated = true
	}
	return migrated, nil
}

func (e *Engine) columns(ctx context.Context, op Operation, part Partition) ([]string, error) {
	rows, err := e.query(ctx, e.db, op, part)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	return cols, errors.WithStack(err)
}

func hasColumn(cols []string, name string) bool {
	for _, c := range cols {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// seed inserts the entries of want that the lookup table does not hold yet.
func (e *Engine) seed(ctx context.Context, part Partition, get, insert Operation, want []string) error {
	rows, err := e.query(ctx, e.db, get, part)
	if err != nil {
		return e.readFailure("schema", err)
	}
	stored := make(map[string]struct{})
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return e.readFailure("schema", err)
		}
		stored[strings.TrimSpace(v)] = struct{}{}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return e.readFailure("schema", err)
	}

	var missing []string
	for _, v := range want {
		if _, ok := stored[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		for _, v := range missing {
			if _, err := e.exec(ctx, tx, insert, part, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return e.writeFailure("schema", err)
	}
	log.Info("seeded lookup table", zap.String("op", string(insert)), zap.Stringer("partition", part), zap.Strings("values", missing))
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SavePortal writes the portal row, its flag relations and its positions in
// one transaction. On failure nothing is written.
func (e *Engine) SavePortal(ctx context.Context, rec *PortalRecord) error {
	part := rec.Partition
	defer e.observe("save-portal", part, time.Now())
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		args := []interface{}{
			rec.Network, rec.Name, nullString(rec.Destination), rec.Origin.World,
			rec.Origin.X, rec.Origin.Y, rec.Origin.Z, rec.Owner.String(), rec.GateFormat,
			rec.Facing.String(), rec.FlipZ, nullString(rec.Metadata),
		}
		op := InsertPortal
		if part == InterServer {
			op = InsertInterPortal
			args = append(args, rec.ServerID, rec.Online)
		}
		if _, err := e.exec(ctx, tx, op, part, args...); err != nil {
			return err
		}
		for _, f := range rec.Flags.Sorted() {
			if _, err := e.exec(ctx, tx, InsertPortalFlagRelation, part, rec.Name, rec.Network, f.Char()); err != nil {
				return err
			}
		}
		for _, pos := range rec.Positions {
			_, err := e.exec(ctx, tx, InsertPortalPosition, part,
				rec.Name, rec.Network, pos.Offset.X, pos.Offset.Y, pos.Offset.Z,
				pos.Role.String(), nullString(pos.Metadata))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return e.writeFailure("portal", err)
	}
	return nil
}

// RemovePortal deletes positions, flag relations and the portal row in one
// transaction, children first.
func (e *Engine) RemovePortal(ctx context.Context, part Partition, network, name string) error {
	defer e.observe("remove-portal", part, time.Now())
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		for _, op := range []Operation{DeletePortalPositions, DeletePortalFlagRelations, DeletePortal} {
			if _, err := e.exec(ctx, tx, op, part, name, network); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return e.writeFailure("portal", err)
	}
	return nil
}

// RenamePortal renames a portal across all three tables in one transaction.
func (e *Engine) RenamePortal(ctx context.Context, part Partition, network, oldName, newName string) error {
	defer e.observe("rename-portal", part, time.Now())
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		for _, op := range []Operation{RenamePortal, RenamePortalFlagRelations, RenamePortalPositions} {
			if _, err := e.exec(ctx, tx, op, part, newName, oldName, network); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return e.writeFailure("portal name", err)
	}
	return nil
}

// RenameNetwork moves every row of a network to a new network name in one
// transaction. Cross-server networks hold rows of other servers and cannot
// be renamed.
func (e *Engine) RenameNetwork(ctx context.Context, part Partition, oldName, newName string) error {
	if part == InterServer {
		return errors.WithStack(portal.UnimplementedErr{Capability: "renaming cross-server networks"})
	}
	defer e.observe("rename-network", part, time.Now())
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		for _, op := range []Operation{RenameNetwork, RenameNetworkFlagRelation, RenameNetworkPositions} {
			if _, err := e.exec(ctx, tx, op, part, newName, oldName); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return e.writeFailure("network name", err)
	}
	return nil
}

// LoadAll reads every portal of a partition. Cross-server rows whose origin
// differs from localServerID come back as virtual records without
// positions. Rows that cannot be decoded come back with Err set.
func (e *Engine) LoadAll(ctx context.Context, part Partition, localServerID string) ([]*PortalRecord, error) {
	defer e.observe("load-all", part, time.Now())
	op := GetAllPortals
	if part == InterServer {
		op = GetAllInterPortals
	}
	rows, err := e.query(ctx, e.db, op, part)
	if err != nil {
		return nil, e.readFailure("portals", err)
	}
	var records []*PortalRecord
	for rows.Next() {
		rec, err := e.scanPortal(rows, part, localServerID)
		if err != nil {
			rows.Close()
			return nil, e.readFailure("portals", err)
		}
		records = append(records, rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, e.readFailure("portals", err)
	}

	// Positions are fetched after the cursor is closed so a single
	// connection pool never needs two connections at once.
	for _, rec := range records {
		if rec.Virtual || rec.Err != nil {
			continue
		}
		positions, err := e.positions(ctx, part, rec.Network, rec.Name)
		if err != nil {
			if portal.IsInvalidStructure(err) {
				rec.Err = err
				continue
			}
			return nil, e.readFailure("portal positions", err)
		}
		rec.Positions = positions
	}
	return records, nil
}

func (e *Engine) scanPortal(rows *sql.Rows, part Partition, localServerID string) (*PortalRecord, error) {
	rec := &PortalRecord{Partition: part}
	var (
		destination, metadata, flags, serverName sql.NullString
		owner, facing                            string
	)
	dest := []interface{}{
		&rec.Network, &rec.Name, &destination, &rec.Origin.World,
		&rec.Origin.X, &rec.Origin.Y, &rec.Origin.Z, &owner, &rec.GateFormat,
		&facing, &rec.FlipZ, &metadata, &flags,
	}
	if part == InterServer {
		dest = append(dest, &rec.ServerID, &rec.Online, &serverName)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, errors.WithStack(err)
	}
	rec.Destination = destination.String
	rec.Metadata = metadata.String
	rec.ServerName = serverName.String
	rec.Virtual = part == InterServer && rec.ServerID != localServerID

	set, unknown := portal.ParseFlags(flags.String)
	if len(unknown) > 0 {
		log.Warn("ignoring unknown flags",
			zap.String("network", rec.Network),
			zap.String("portal", rec.Name),
			zap.String("flags", string(unknown)))
	}
	rec.Flags = set

	var err error
	if rec.Owner, err = uuid.Parse(owner); err != nil {
		rec.Err = errors.WithStack(portal.InvalidStructureErr{GateFormat: rec.GateFormat, Reason: "owner id " + owner + " is not a uuid"})
	}
	var ok bool
	if rec.Facing, ok = portal.ParseFacing(facing); !ok {
		rec.Err = errors.WithStack(portal.InvalidStructureErr{GateFormat: rec.GateFormat, Reason: "unknown facing " + facing})
	}
	return rec, nil
}

func (e *Engine) positions(ctx context.Context, part Partition, network, name string) ([]portal.Position, error) {
	rows, err := e.query(ctx, e.db, GetPortalPositions, part, name, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var (
		positions []portal.Position
		invalid   error
	)
	for rows.Next() {
		var (
			pos      portal.Position
			role     string
			metadata sql.NullString
		)
		if err := rows.Scan(&pos.Offset.X, &pos.Offset.Y, &pos.Offset.Z, &role, &metadata); err != nil {
			return nil, errors.WithStack(err)
		}
		r, ok := portal.ParseRole(role)
		if !ok {
			invalid = errors.WithStack(portal.InvalidStructureErr{Reason: "unknown position role " + role})
			continue
		}
		pos.Role = r
		pos.Metadata = metadata.String
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if invalid != nil {
		return nil, invalid
	}
	portal.SortPositions(positions)
	return positions, nil
}

// CountPortals returns the number of rows of a partition.
func (e *Engine) CountPortals(ctx context.Context, part Partition) (int, error) {
	stmt, err := e.gen.Statement(CountPortals, part)
	if err != nil {
		return 0, err
	}
	var n int
	if err := e.db.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, e.readFailure("portal count", errors.WithStack(err))
	}
	return n, nil
}

func (e *Engine) getMetadata(ctx context.Context, op Operation, part Partition, what string, args ...interface{}) (string, error) {
	stmt, err := e.gen.Statement(op, part)
	if err != nil {
		return "", err
	}
	var metadata sql.NullString
	err = e.db.QueryRowContext(ctx, stmt, args...).Scan(&metadata)
	if err == sql.ErrNoRows {
		return "", errors.WithStack(portal.NotFoundErr{Kind: what, Name: args[0].(string)})
	}
	if err != nil {
		return "", e.readFailure(what+" metadata", errors.WithStack(err))
	}
	return metadata.String, nil
}

func (e *Engine) setMetadata(ctx context.Context, op Operation, part Partition, what string, args ...interface{}) error {
	res, err := e.exec(ctx, e.db, op, part, args...)
	if err != nil {
		return e.writeFailure(what+" metadata", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.WithStack(portal.NotFoundErr{Kind: what, Name: args[1].(string)})
	}
	return nil
}

// GetPortalMetadata reads the metadata of one portal.
func (e *Engine) GetPortalMetadata(ctx context.Context, part Partition, network, name string) (string, error) {
	defer e.observe("get-portal-metadata", part, time.Now())
	return e.getMetadata(ctx, GetPortalMetadata, part, "portal", name, network)
}

// SetPortalMetadata replaces the metadata of one portal.
func (e *Engine) SetPortalMetadata(ctx context.Context, part Partition, network, name, metadata string) error {
	defer e.observe("set-portal-metadata", part, time.Now())
	return e.setMetadata(ctx, SetPortalMetadata, part, "portal", nullString(metadata), name, network)
}

// GetPositionMetadata reads the metadata of one footprint position.
func (e *Engine) GetPositionMetadata(ctx context.Context, part Partition, network, name string, offset portal.Vector) (string, error) {
	defer e.observe("get-position-metadata", part, time.Now())
	return e.getMetadata(ctx, GetPositionMetadata, part, "position", name, network, offset.X, offset.Y, offset.Z)
}

// SetPositionMetadata replaces the metadata of one footprint position.
func (e *Engine) SetPositionMetadata(ctx context.Context, part Partition, network, name string, offset portal.Vector, metadata string) error {
	defer e.observe("set-position-metadata", part, time.Now())
	return e.setMetadata(ctx, SetPositionMetadata, part, "position", nullString(metadata), name, network, offset.X, offset.Y, offset.Z)
}

// UpdateServerInfo records this server in the server table.
func (e *Engine) UpdateServerInfo(ctx context.Context, id, name string) error {
	if !e.inter {
		return nil
	}
	defer e.observe("update-server-info", InterServer, time.Now())
	if _, err := e.exec(ctx, e.db, UpsertServerInfo, InterServer, id, name); err != nil {
		return e.writeFailure("server info", err)
	}
	return nil
}

// SetServerOnline flags every cross-server portal owned by id as online or
// offline.
func (e *Engine) SetServerOnline(ctx context.Context, id string, online bool) error {
	if !e.inter {
		return nil
	}
	defer e.observe("set-server-online", InterServer, time.Now())
	if _, err := e.exec(ctx, e.db, SetServerOnline, InterServer, online, id); err != nil {
		return e.writeFailure("server status", err)
	}
	return nil
}

// ListServers returns every server that has announced itself.
func (e *Engine) ListServers(ctx context.Context) ([]ServerInfo, error) {
	if !e.inter {
		return nil, nil
	}
	rows, err := e.query(ctx, e.db, GetServerInfo, InterServer)
	if err != nil {
		return nil, e.readFailure("servers", err)
	}
	defer rows.Close()
	var servers []ServerInfo
	for rows.Next() {
		var (
			s    ServerInfo
			name sql.NullString
		)
		if err := rows.Scan(&s.ID, &name); err != nil {
			return nil, e.readFailure("servers", errors.WithStack(err))
		}
		s.Name = name.String
		servers = append(servers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, e.readFailure("servers", errors.WithStack(err))
	}
	return servers, nil
}
