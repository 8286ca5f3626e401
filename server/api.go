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

package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/pingcap-incubator/tinyportal/registry"
	"github.com/pingcap-incubator/tinyportal/storage"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const storageTimeout = 30 * time.Second

// PortalRef names a portal from outside the owner goroutine.
type PortalRef struct {
	Network     string
	Portal      string
	InterServer bool
}

// CreatePortalRequest describes a portal to create. The network is resolved
// or created first; its identity overrides the network fields of Portal.
type CreatePortalRequest struct {
	Network registry.NetworkSpec
	Portal  portal.Options
}

func partitionOf(inter bool) storage.Partition {
	if inter {
		return storage.InterServer
	}
	return storage.Local
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// do schedules f on the owner.
func (s *Server) do(f func()) error {
	if s.registry == nil {
		return ErrServerNotStarted
	}
	if s.IsClosed() || !s.owner.Schedule(f) {
		return ErrServerClosed
	}
	return nil
}

// Snapshot runs f on the owner and returns its result. The result travels
// over a buffered channel, so a closure that finishes after the timeout
// writes nothing the caller can still see.
func (s *Server) Snapshot(f func(r *registry.Registry) interface{}) (interface{}, error) {
	ch := make(chan interface{}, 1)
	if err := s.do(func() { ch <- f(s.registry) }); err != nil {
		return nil, err
	}
	select {
	case v := <-ch:
		return v, nil
	case <-time.After(syncTimeout):
		return nil, errors.New("timed out waiting for the owner")
	}
}

// Sync runs f on the owner and waits for it to return.
func (s *Server) Sync(f func(r *registry.Registry)) error {
	_, err := s.Snapshot(func(r *registry.Registry) interface{} {
		f(r)
		return nil
	})
	return err
}

// persist runs write on the storage worker and hands its result to then on
// the owner. It must be called on the owner.
func (s *Server) persist(op string, write func(ctx context.Context) error, then func(err error)) {
	accepted := s.storeWorker.Schedule(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
		start := time.Now()
		err := write(ctx)
		cancel()
		requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if !s.owner.Schedule(func() { then(err) }) {
			log.Warn("owner stopped before storage result was delivered", zap.String("op", op), zap.Error(err))
		}
	})
	if !accepted {
		then(ErrServerClosed)
	}
}

func (s *Server) lookup(ref PortalRef) (*portal.Portal, *registry.Network, error) {
	p := s.registry.GetPortal(ref.Network, ref.Portal, ref.InterServer)
	if p == nil {
		return nil, nil, errors.WithStack(portal.NotFoundErr{Kind: "portal", Name: ref.Portal})
	}
	n := s.registry.GetNetwork(p.Network(), p.IsInterServer())
	if n == nil {
		return nil, nil, errors.WithStack(portal.NotFoundErr{Kind: "network", Name: ref.Network})
	}
	return p, n, nil
}

func (s *Server) lookupOwned(ref PortalRef) (*portal.Portal, *registry.Network, error) {
	p, n, err := s.lookup(ref)
	if err != nil {
		return nil, nil, err
	}
	if p.IsVirtual() {
		return nil, nil, errors.WithStack(portal.UnimplementedErr{Capability: "changing a portal owned by " + p.ServerName()})
	}
	return p, n, nil
}

// CreateNetwork resolves or creates a network.
func (s *Server) CreateNetwork(spec registry.NetworkSpec, done func(*registry.Network, error)) error {
	return s.do(func() {
		n, err := s.registry.CreateNetwork(spec)
		requestCounter.WithLabelValues("create-network", result(err)).Inc()
		if done != nil {
			done(n, err)
		}
	})
}

// CreatePortal validates, reserves and persists a portal. The portal only
// becomes visible once its rows are committed; done is called on the owner.
func (s *Server) CreatePortal(req CreatePortalRequest, done func(*portal.Portal, error)) error {
	finish := func(p *portal.Portal, err error) {
		requestCounter.WithLabelValues("create-portal", result(err)).Inc()
		if err != nil {
			log.Info("create portal failed",
				zap.String("network", req.Network.Name),
				zap.String("portal", req.Portal.Name),
				zap.Error(err))
		}
		if done != nil {
			done(p, err)
		}
	}
	return s.do(func() {
		opts := req.Portal
		if opts.GateFormat != "" && len(s.gates.Names()) > 0 {
			if err := s.gates.Check(opts.GateFormat, opts.Positions); err != nil {
				finish(nil, errors.WithStack(err))
				return
			}
		}
		n, err := s.registry.CreateNetwork(req.Network)
		if err != nil {
			finish(nil, err)
			return
		}
		n.Apply(&opts)
		p, err := portal.New(opts, s.registry.MaxNameLength())
		if err != nil {
			s.registry.DropIfEmpty(n)
			finish(nil, errors.WithStack(err))
			return
		}
		if err := s.registry.Reserve(p); err != nil {
			s.registry.DropIfEmpty(n)
			finish(nil, err)
			return
		}
		rec := storage.NewRecord(p, n.StoredName())
		s.persist("save-portal", func(ctx context.Context) error {
			return s.engine.SavePortal(ctx, rec)
		}, func(err error) {
			if err != nil {
				s.registry.Release(p)
				s.registry.DropIfEmpty(n)
				finish(nil, err)
				return
			}
			if s.registry.GetNetwork(p.Network(), p.IsInterServer()) == nil {
				// The network was destroyed while the rows were written.
				s.registry.Release(p)
				s.persist("remove-portal", func(ctx context.Context) error {
					return s.engine.RemovePortal(ctx, rec.Partition, rec.Network, rec.Name)
				}, func(error) {})
				finish(nil, errors.WithStack(portal.NotFoundErr{Kind: "network", Name: rec.Network}))
				return
			}
			s.registry.Commit(p)
			finish(p, nil)
		})
	})
}

// DestroyPortal detaches a local portal and deletes its rows.
func (s *Server) DestroyPortal(ref PortalRef, done func(error)) error {
	finish := func(err error) {
		requestCounter.WithLabelValues("destroy-portal", result(err)).Inc()
		if done != nil {
			done(err)
		}
	}
	return s.do(func() {
		p, n, err := s.lookupOwned(ref)
		if err != nil {
			finish(err)
			return
		}
		part, network, name := partitionOf(p.IsInterServer()), n.StoredName(), p.Name()
		s.registry.Detach(p)
		s.persist("remove-portal", func(ctx context.Context) error {
			return s.engine.RemovePortal(ctx, part, network, name)
		}, finish)
	})
}

// DestroyNetwork destroys every member of a network and drops it.
func (s *Server) DestroyNetwork(name string, inter bool, done func(error)) error {
	finish := func(err error) {
		requestCounter.WithLabelValues("destroy-network", result(err)).Inc()
		if done != nil {
			done(err)
		}
	}
	return s.do(func() {
		n := s.registry.GetNetwork(name, inter)
		if n == nil {
			finish(errors.WithStack(portal.NotFoundErr{Kind: "network", Name: name}))
			return
		}
		network := n.StoredName()
		var names []string
		for _, p := range s.registry.Members(n) {
			if !p.IsVirtual() {
				names = append(names, p.Name())
			}
		}
		if err := s.registry.DestroyNetwork(context.Background(), n); err != nil {
			finish(err)
			return
		}
		part := partitionOf(inter)
		s.persist("remove-portal", func(ctx context.Context) error {
			var firstErr error
			for _, name := range names {
				if err := s.engine.RemovePortal(ctx, part, network, name); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		}, finish)
	})
}

// RenamePortal renames a local portal in memory and storage. A storage
// failure restores the old name.
func (s *Server) RenamePortal(ref PortalRef, newName string, done func(error)) error {
	finish := func(err error) {
		requestCounter.WithLabelValues("rename-portal", result(err)).Inc()
		if done != nil {
			done(err)
		}
	}
	return s.do(func() {
		p, n, err := s.lookupOwned(ref)
		if err != nil {
			finish(err)
			return
		}
		part, network, oldName := partitionOf(p.IsInterServer()), n.StoredName(), p.Name()
		if err := s.registry.RenamePortal(p, newName); err != nil {
			finish(err)
			return
		}
		s.persist("rename-portal", func(ctx context.Context) error {
			return s.engine.RenamePortal(ctx, part, network, oldName, newName)
		}, func(err error) {
			if err != nil {
				if rerr := s.registry.RenamePortal(p, oldName); rerr != nil {
					log.Error("restore portal name failed", zap.String("portal", oldName), zap.Error(rerr))
				}
				finish(err)
				return
			}
			if p.IsInterServer() && s.channel != nil {
				s.channel.PortalRenamed(p, p.NetworkName(), oldName)
			}
			finish(nil)
		})
	})
}

// RenameNetwork renames a network in memory and storage. Personal networks
// only change their display name and need no storage write.
func (s *Server) RenameNetwork(name string, inter bool, newName string, done func(error)) error {
	finish := func(err error) {
		requestCounter.WithLabelValues("rename-network", result(err)).Inc()
		if done != nil {
			done(err)
		}
	}
	return s.do(func() {
		n := s.registry.GetNetwork(name, inter)
		if n == nil {
			finish(errors.WithStack(portal.NotFoundErr{Kind: "network", Name: name}))
			return
		}
		oldName, oldStored := n.Name(), n.StoredName()
		if err := s.registry.RenameNetwork(n, newName); err != nil {
			finish(err)
			return
		}
		newStored := n.StoredName()
		if newStored == oldStored {
			finish(nil)
			return
		}
		s.persist("rename-network", func(ctx context.Context) error {
			return s.engine.RenameNetwork(ctx, partitionOf(inter), oldStored, newStored)
		}, func(err error) {
			if err != nil {
				if rerr := s.registry.RenameNetwork(n, oldName); rerr != nil {
					log.Error("restore network name failed", zap.String("network", oldName), zap.Error(rerr))
				}
				finish(err)
				return
			}
			finish(nil)
		})
	})
}

// SetPortalMetadata updates the metadata of a local portal. The in-memory
// value is kept even if the write fails.
func (s *Server) SetPortalMetadata(ref PortalRef, metadata string, done func(error)) error {
	finish := func(err error) {
		requestCounter.WithLabelValues("set-portal-metadata", result(err)).Inc()
		if err != nil {
			log.Warn("persist portal metadata failed", zap.String("portal", ref.Portal), zap.Error(err))
		}
		if done != nil {
			done(err)
		}
	}
	return s.do(func() {
		p, n, err := s.lookupOwned(ref)
		if err != nil {
			finish(err)
			return
		}
		p.SetMetadata(metadata)
		part, network, name := partitionOf(p.IsInterServer()), n.StoredName(), p.Name()
		s.persist("set-portal-metadata", func(ctx context.Context) error {
			return s.engine.SetPortalMetadata(ctx, part, network, name, metadata)
		}, finish)
	})
}

// SetPositionMetadata updates the metadata of one footprint position.
func (s *Server) SetPositionMetadata(ref PortalRef, offset portal.Vector, metadata string, done func(error)) error {
	finish := func(err error) {
		requestCounter.WithLabelValues("set-position-metadata", result(err)).Inc()
		if done != nil {
			done(err)
		}
	}
	return s.do(func() {
		p, n, err := s.lookupOwned(ref)
		if err != nil {
			finish(err)
			return
		}
		part, network, name := partitionOf(p.IsInterServer()), n.StoredName(), p.Name()
		s.persist("set-position-metadata", func(ctx context.Context) error {
			return s.engine.SetPositionMetadata(ctx, part, network, name, offset, metadata)
		}, finish)
	})
}

// AvailablePortals lists the names of the portals viewer may travel to from
// requester, which may be empty.
func (s *Server) AvailablePortals(network string, inter bool, viewer uuid.UUID, requester string, done func([]string, error)) error {
	return s.do(func() {
		n := s.registry.GetNetwork(network, inter)
		if n == nil {
			done(nil, errors.WithStack(portal.NotFoundErr{Kind: "network", Name: network}))
			return
		}
		var from *portal.Portal
		if requester != "" {
			from = s.registry.GetPortal(network, requester, inter)
		}
		var names []string
		for _, p := range s.registry.AvailablePortals(n, viewer, from) {
			names = append(names, p.Name())
		}
		done(names, nil)
	})
}

// Teleport activates a portal for actor and reports the destination it led
// to. Destinations owned by other servers are reached through replication.
func (s *Server) Teleport(actor uuid.UUID, ref PortalRef, done func(destination string, err error)) error {
	finish := func(dest string, err error) {
		requestCounter.WithLabelValues("teleport", result(err)).Inc()
		if done != nil {
			done(dest, err)
		}
	}
	return s.do(func() {
		p, _, err := s.lookup(ref)
		if err != nil {
			finish("", err)
			return
		}
		dest := s.registry.PickDestination(p)
		if dest == nil {
			finish("", errors.WithStack(portal.NotFoundErr{Kind: "destination", Name: p.Name()}))
			return
		}
		finish(dest.Name(), dest.TeleportHere(actor, s.teleporter))
	})
}

// HandleTeleport serves TELEPORT requests from sibling servers. It runs on
// the owner.
func (s *Server) HandleTeleport(actor uuid.UUID, network, portalName string) error {
	p := s.registry.GetPortal(network, portalName, true)
	if p == nil || p.IsVirtual() {
		return errors.WithStack(portal.NotFoundErr{Kind: "portal", Name: portalName})
	}
	err := p.TeleportHere(actor, s.teleporter)
	requestCounter.WithLabelValues("inbound-teleport", result(err)).Inc()
	return err
}
