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
	"context"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/pingcap-incubator/tinyportal/storage"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RecordSource yields the stored portals of a partition.
type RecordSource interface {
	LoadAll(ctx context.Context, part storage.Partition, localServerID string) ([]*storage.PortalRecord, error)
}

// SkippedRow is a stored portal that could not be materialized.
type SkippedRow struct {
	Network string
	Name    string
	Err     error
}

// LoadResult summarizes a bulk load.
type LoadResult struct {
	Loaded  int
	Virtual int
	Skipped []SkippedRow
}

// Loader turns stored records into live portals.
type Loader struct {
	Registry *Registry
	// Gates verifies stored footprints. Verification is skipped when nil.
	Gates portal.FootprintProvider
	// Forwarder is handed to virtual portals.
	Forwarder portal.Forwarder
}

// Load reads a partition from src and materializes it. A read failure aborts
// the load; a bad row is logged, reported in the result and skipped.
func (l *Loader) Load(ctx context.Context, src RecordSource, part storage.Partition, localServerID string) (LoadResult, error) {
	records, err := src.LoadAll(ctx, part, localServerID)
	if err != nil {
		return LoadResult{}, err
	}
	return l.Apply(records), nil
}

// Apply materializes already loaded records.
func (l *Loader) Apply(records []*storage.PortalRecord) LoadResult {
	var res LoadResult
	touched := make(map[*Network]struct{})
	for _, rec := range records {
		n, err := l.apply(rec)
		if err != nil {
			reason := "other"
			switch {
			case portal.IsInvalidStructure(err):
				reason = "invalid-structure"
			case portal.IsNameConflict(err):
				reason = "name-conflict"
			case portal.IsGateConflict(err):
				reason = "gate-conflict"
			case portal.IsNameInvalid(err):
				reason = "name-invalid"
			}
			loadSkippedCounter.WithLabelValues(reason).Inc()
			log.Warn("skipping stored portal",
				zap.Stringer("partition", rec.Partition),
				zap.String("network", rec.Network),
				zap.String("portal", rec.Name),
				zap.String("reason", reason),
				zap.Error(err))
			res.Skipped = append(res.Skipped, SkippedRow{Network: rec.Network, Name: rec.Name, Err: err})
			continue
		}
		touched[n] = struct{}{}
		if rec.Virtual {
			res.Virtual++
		} else {
			res.Loaded++
		}
	}
	for n := range touched {
		l.Registry.UpdatePortals(n)
	}
	return res
}

func (l *Loader) apply(rec *storage.PortalRecord) (*Network, error) {
	if rec.Err != nil {
		return nil, rec.Err
	}
	inter := rec.Partition == storage.InterServer
	spec := NetworkSpec{
		Name:        rec.Network,
		Kind:        KindFromFlags(rec.Flags),
		InterServer: inter,
		Forced:      true,
	}
	if spec.Kind == KindPersonal {
		owner, err := uuid.Parse(rec.Network)
		if err != nil {
			return nil, errors.WithStack(portal.InvalidStructureErr{GateFormat: rec.GateFormat, Reason: "personal network " + rec.Network + " is not a uuid"})
		}
		spec.Owner = owner
		spec.Name = ""
	}
	if inter && spec.Kind == KindCustom {
		spec.Kind = KindCrossServer
	}
	if !rec.Virtual && l.Gates != nil {
		if err := l.Gates.Check(rec.GateFormat, rec.Positions); err != nil {
			return nil, err
		}
	}
	n, err := l.Registry.CreateNetwork(spec)
	if err != nil {
		return nil, err
	}
	opts := portal.Options{
		Name:        rec.Name,
		Owner:       rec.Owner,
		Destination: rec.Destination,
		Flags:       rec.Flags,
		Origin:      rec.Origin,
		Facing:      rec.Facing,
		FlipZ:       rec.FlipZ,
		GateFormat:  rec.GateFormat,
		Positions:   rec.Positions,
		Metadata:    rec.Metadata,
		Virtual:     rec.Virtual,
		ServerID:    rec.ServerID,
		ServerName:  rec.ServerName,
	}
	if rec.Virtual {
		opts.Forwarder = l.Forwarder
	}
	n.Apply(&opts)
	p, err := portal.New(opts, l.Registry.maxNameLen)
	if err != nil {
		l.Registry.DropIfEmpty(n)
		return nil, err
	}
	if rec.Virtual {
		if err := l.Registry.AddVirtualPortal(n.Name(), p); err != nil {
			return nil, err
		}
		return n, nil
	}
	if err := l.Registry.Reserve(p); err != nil {
		l.Registry.DropIfEmpty(n)
		return nil, err
	}
	l.Registry.commitLoaded(p)
	return n, nil
}
