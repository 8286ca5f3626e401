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
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinyportal/pkg/logutil"
	"github.com/pingcap-incubator/tinyportal/pkg/worker"
	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/pingcap-incubator/tinyportal/registry"
	"github.com/pingcap-incubator/tinyportal/replication"
	"github.com/pingcap-incubator/tinyportal/server/config"
	"github.com/pingcap-incubator/tinyportal/storage"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	// ErrServerNotStarted is returned by calls made before Run.
	ErrServerNotStarted = errors.New("the server has not been started")
	// ErrServerClosed is returned once the server is shutting down.
	ErrServerClosed = errors.New("the server is closed")
)

const (
	ownerQueueCapacity    = 1024
	storageQueueCapacity  = 1024
	serverMetricsInterval = 15 * time.Second
	syncTimeout           = 5 * time.Second
)

// Option customizes a server before it runs.
type Option func(s *Server)

// WithRelay makes the server replicate over relay instead of the one named
// in the configuration. The caller keeps ownership of relay.
func WithRelay(relay replication.Relay) Option {
	return func(s *Server) { s.relay, s.ownsRelay = relay, false }
}

// WithPermissions installs the permission oracle used for listings.
func WithPermissions(perms registry.PermissionOracle) Option {
	return func(s *Server) { s.perms = perms }
}

// WithTeleporter installs the collaborator that moves actors to local
// portals.
func WithTeleporter(t portal.Teleporter) Option {
	return func(s *Server) { s.teleporter = t }
}

// Server owns the registry and serializes every mutation on a single
// goroutine, the owner. Blocking storage calls run on a second worker and
// report back to the owner.
type Server struct {
	isServing atomic.Bool

	cfg   *config.Config
	gates *portal.GateLibrary

	engine   *storage.Engine
	registry *registry.Registry
	loader   *registry.Loader
	loaded   map[storage.Partition]registry.LoadResult

	relay     replication.Relay
	ownsRelay bool
	channel   *replication.Channel

	perms      registry.PermissionOracle
	teleporter portal.Teleporter

	owner       *worker.Worker
	ownerWg     sync.WaitGroup
	storeWorker *worker.Worker
	storeWg     sync.WaitGroup

	serverLoopCtx    context.Context
	serverLoopCancel func()
	serverLoopWg     sync.WaitGroup

	statusListener net.Listener
	statusServer   *http.Server
	startTime      time.Time
}

// CreateServer creates the UNINITIALIZED server with given configuration.
func CreateServer(cfg *config.Config, opts ...Option) (*Server, error) {
	log.Info("Portal Config", zap.Reflect("config", cfg))
	gates, err := cfg.GateLibrary()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		gates:     gates,
		ownsRelay: true,
	}
	s.owner = worker.NewWorkerWithCapacity("owner", &s.ownerWg, ownerQueueCapacity)
	s.storeWorker = worker.NewWorkerWithCapacity("storage", &s.storeWg, storageQueueCapacity)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run opens storage, creates the schema and loads every partition before
// anything else runs, then starts the owner, replication and the status
// endpoint.
func (s *Server) Run(ctx context.Context) error {
	if s.isServing.Load() {
		return nil
	}
	s.startTime = time.Now()
	s.serverLoopCtx, s.serverLoopCancel = context.WithCancel(ctx)

	if err := s.startStorage(ctx); err != nil {
		s.serverLoopCancel()
		return err
	}
	s.registry = registry.New(registry.Options{
		DefaultNetwork: s.cfg.Network.DefaultNetwork,
		ReservedNames:  s.cfg.Network.ReservedNames,
		MaxNameLength:  s.cfg.Network.MaxNameLength,
		Permissions:    s.perms,
	})
	if err := s.startReplication(); err != nil {
		s.abort()
		return err
	}
	if err := s.load(ctx); err != nil {
		s.abort()
		return err
	}

	s.owner.Start(worker.FuncHandler{})
	s.storeWorker.Start(worker.FuncHandler{})
	s.isServing.Store(true)

	if s.channel != nil {
		if err := s.channel.Start(ctx); err != nil {
			s.Close()
			return err
		}
	}
	if err := s.startStatusServer(); err != nil {
		s.Close()
		return err
	}
	s.startServerLoop()
	log.Info("portal server started",
		zap.String("name", s.cfg.Name),
		zap.String("server-id", s.cfg.ServerID),
		zap.Duration("startup", time.Since(s.startTime)))
	return nil
}

func (s *Server) startStorage(ctx context.Context) error {
	engine, err := storage.Open(&s.cfg.Storage)
	if err != nil {
		return err
	}
	if err := engine.CreateSchema(ctx); err != nil {
		engine.Close()
		return err
	}
	if engine.InterServer() {
		if err := engine.UpdateServerInfo(ctx, s.cfg.ServerID, s.cfg.Name); err != nil {
			engine.Close()
			return err
		}
		if err := engine.SetServerOnline(ctx, s.cfg.ServerID, true); err != nil {
			engine.Close()
			return err
		}
	}
	s.engine = engine
	return nil
}

func (s *Server) startReplication() error {
	if !s.cfg.Storage.InterServer {
		return nil
	}
	if s.relay == nil {
		switch s.cfg.Replication.Relay {
		case config.RelayMemory:
			s.relay = replication.NewMemoryRelay()
		case config.RelayRedis:
			s.relay = replication.NewRedisRelay(replication.RedisOptions{
				Addr:     s.cfg.Replication.RedisAddr,
				Password: s.cfg.Replication.RedisPassword,
				DB:       s.cfg.Replication.RedisDB,
			})
		default:
			return nil
		}
	}
	s.channel = replication.NewChannel(s.cfg.ChannelConfig(), s.relay, s.registry, s.owner.Schedule)
	s.channel.SetTeleportHandler(s)
	s.registry.SetReplicator(s.channel)
	return nil
}

func (s *Server) load(ctx context.Context) error {
	s.loader = &registry.Loader{Registry: s.registry, Gates: s.gates}
	if s.channel != nil {
		s.loader.Forwarder = s.channel
	}
	s.loaded = make(map[storage.Partition]registry.LoadResult)
	for _, part := range s.cfg.Storage.Partitions() {
		res, err := s.loader.Load(ctx, s.engine, part, s.cfg.ServerID)
		if err != nil {
			return err
		}
		s.loaded[part] = res
		log.Info("portals loaded",
			zap.Stringer("partition", part),
			zap.Int("loaded", res.Loaded),
			zap.Int("virtual", res.Virtual),
			zap.Int("skipped", len(res.Skipped)))
	}
	return nil
}

// LoadResult returns what the startup load found in a partition.
func (s *Server) LoadResult(part storage.Partition) (registry.LoadResult, bool) {
	res, ok := s.loaded[part]
	return res, ok
}

// abort releases what Run acquired before the workers started.
func (s *Server) abort() {
	s.serverLoopCancel()
	if s.relay != nil && s.ownsRelay {
		s.relay.Close()
	}
	if err := s.engine.Close(); err != nil {
		log.Error("close storage meet error", zap.Error(err))
	}
}

func (s *Server) startServerLoop() {
	s.serverLoopWg.Add(1)
	go s.serverMetricsLoop()
}

func (s *Server) stopServerLoop() {
	s.serverLoopCancel()
	s.serverLoopWg.Wait()
}

func (s *Server) serverMetricsLoop() {
	defer logutil.LogPanic()
	defer s.serverLoopWg.Done()

	ctx, cancel := context.WithCancel(s.serverLoopCtx)
	defer cancel()
	for {
		s.collectQueueMetrics()
		select {
		case <-time.After(serverMetricsInterval):
		case <-ctx.Done():
			log.Info("server is closed, exit metrics loop")
			return
		}
	}
}

func (s *Server) collectQueueMetrics() {
	queueLengthGauge.WithLabelValues(s.owner.Name()).Set(float64(s.owner.Len()))
	queueLengthGauge.WithLabelValues(s.storeWorker.Name()).Set(float64(s.storeWorker.Len()))
}

// Close flushes replication, drains both workers and closes storage.
func (s *Server) Close() {
	if !s.isServing.Swap(false) {
		// server is already closed
		return
	}

	log.Info("closing server")

	s.stopServerLoop()
	s.stopStatusServer()

	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			log.Error("close replication channel meet error", zap.Error(err))
		}
	}

	// Drain storage first so its results still reach the owner.
	s.storeWorker.Stop()
	s.storeWg.Wait()
	s.owner.Stop()
	s.ownerWg.Wait()

	if s.relay != nil && s.ownsRelay {
		if err := s.relay.Close(); err != nil {
			log.Error("close relay meet error", zap.Error(err))
		}
	}
	if s.engine.InterServer() {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		if err := s.engine.SetServerOnline(ctx, s.cfg.ServerID, false); err != nil {
			log.Error("mark server offline meet error", zap.Error(err))
		}
		cancel()
	}
	if err := s.engine.Close(); err != nil {
		log.Error("close storage meet error", zap.Error(err))
	}

	log.Info("close server")
}

// IsClosed checks whether server is closed or not.
func (s *Server) IsClosed() bool {
	return !s.isServing.Load()
}

// Name returns the configured server name.
func (s *Server) Name() string { return s.cfg.Name }

// ServerID returns the id announced to sibling servers.
func (s *Server) ServerID() string { return s.cfg.ServerID }

// GetConfig returns the server configuration.
func (s *Server) GetConfig() *config.Config { return s.cfg }

// GetStorage returns the storage engine.
func (s *Server) GetStorage() *storage.Engine { return s.engine }

// Channel returns the replication channel, or nil when cross-server networks
// are disabled.
func (s *Server) Channel() *replication.Channel { return s.channel }
