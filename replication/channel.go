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

package replication

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinyportal/pkg/worker"
	"github.com/pingcap-incubator/tinyportal/portal"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultChannel is the broadcast channel used when none is configured.
const DefaultChannel = "portal"

const (
	defaultPendingCapacity = 512
	defaultRelayTimeout    = 3 * time.Second
)

// Applier materializes inbound events. *registry.Registry implements it; its
// methods are only invoked through the Scheduler.
type Applier interface {
	AddVirtualPortal(networkName string, p *portal.Portal) error
	RemoveVirtualPortal(networkName, portalName string) bool
	MaxNameLength() int
}

// TeleportHandler moves an actor to one of this server's portals on behalf
// of another server.
type TeleportHandler interface {
	HandleTeleport(actor uuid.UUID, network, portalName string) error
}

// Scheduler runs f on the goroutine that owns the registry. It returns false
// when f was not accepted.
type Scheduler func(f func()) bool

// Config configures a Channel.
type Config struct {
	ServerID   string
	ServerName string
	// Channel is the broadcast channel name. Each server also listens on
	// Channel + ":" + ServerID for requests addressed to it.
	Channel         string
	PendingCapacity int
	// FlushInterval retries gated sends periodically. Zero disables it.
	FlushInterval time.Duration
	// SendRate caps published messages per second. Zero means unlimited.
	SendRate float64
	// Timeout bounds each relay call.
	Timeout time.Duration
}

// Stats is a snapshot of channel counters.
type Stats struct {
	Sent     int64
	Received int64
	Dropped  int64
	Failed   int64
	Pending  int
	// Enqueued counts every broadcast message ever buffered.
	Enqueued uint64
}

// Channel replicates the lifecycle of cross-server portals to sibling servers
// and applies their events locally as virtual portals. Outbound sends run on
// a dedicated worker; inbound events are handed to the Scheduler.
type Channel struct {
	cfg      Config
	relay    Relay
	applier  Applier
	schedule Scheduler

	teleportMu sync.RWMutex
	teleports  TeleportHandler

	pending *pendingBuffer
	limiter *rate.Limiter
	flushMu sync.Mutex

	wg       sync.WaitGroup
	senderWg sync.WaitGroup
	sender   *worker.Worker
	sub      Subscription
	quit     chan struct{}

	started atomic.Bool
	closed  atomic.Bool

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewChannel creates a channel. Call Start before use.
func NewChannel(cfg Config, relay Relay, applier Applier, schedule Scheduler) *Channel {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.PendingCapacity <= 0 {
		cfg.PendingCapacity = defaultPendingCapacity
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRelayTimeout
	}
	c := &Channel{
		cfg:      cfg,
		relay:    relay,
		applier:  applier,
		schedule: schedule,
		pending:  newPendingBuffer(cfg.PendingCapacity),
		quit:     make(chan struct{}),
	}
	if cfg.SendRate > 0 {
		burst := int(cfg.SendRate)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	c.sender = worker.NewWorker("replication-sender", &c.senderWg)
	return c
}

// SetTeleportHandler installs the collaborator used for inbound TELEPORT
// requests.
func (c *Channel) SetTeleportHandler(h TeleportHandler) {
	c.teleportMu.Lock()
	defer c.teleportMu.Unlock()
	c.teleports = h
}

func (c *Channel) broadcast() string { return c.cfg.Channel }

func (c *Channel) privateChannel(serverID string) string {
	return c.cfg.Channel + ":" + serverID
}

// Start subscribes to the broadcast and private channels and launches the
// background loops.
func (c *Channel) Start(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WithStack(RelayClosedErr{Relay: "channel"})
	}
	if c.started.Swap(true) {
		return nil
	}
	sub, err := c.relay.Subscribe(ctx, c.broadcast(), c.privateChannel(c.cfg.ServerID))
	if err != nil {
		c.started.Store(false)
		return err
	}
	c.sub = sub
	c.sender.Start(worker.FuncHandler{})
	c.wg.Add(1)
	go c.receive()
	if c.cfg.FlushInterval > 0 {
		c.wg.Add(1)
		go c.tick()
	}
	log.Info("replication channel started",
		zap.String("channel", c.broadcast()),
		zap.String("server-id", c.cfg.ServerID))
	return nil
}

// PortalAdded broadcasts an ADD for a real cross-server portal.
func (c *Channel) PortalAdded(p *portal.Portal) {
	c.enqueue(NewPortalMessage(RequestAdd, p, c.cfg.ServerID, c.cfg.ServerName))
}

// PortalRemoved broadcasts a REMOVE for a real cross-server portal.
func (c *Channel) PortalRemoved(p *portal.Portal) {
	c.enqueue(NewPortalMessage(RequestRemove, p, c.cfg.ServerID, c.cfg.ServerName))
}

// PortalRenamed broadcasts the identity change of a real cross-server portal
// as a REMOVE of the old identity followed by an ADD of the new one.
func (c *Channel) PortalRenamed(p *portal.Portal, oldNetwork, oldName string) {
	remove := NewPortalMessage(RequestRemove, p, c.cfg.ServerID, c.cfg.ServerName)
	remove.Network = oldNetwork
	remove.PortalName = oldName
	c.enqueue(remove)
	c.PortalAdded(p)
}

func (c *Channel) enqueue(m *Message) {
	if c.closed.Load() {
		c.drop("closed")
		log.Warn("replication channel closed, message discarded",
			zap.String("type", string(m.RequestType)),
			zap.String("network", m.Network),
			zap.String("portal", m.PortalName))
		return
	}
	payload, err := Encode(m)
	if err != nil {
		log.Error("encode replication message failed", zap.Error(err))
		return
	}
	if c.pending.Push(outbound{kind: m.RequestType, channel: c.broadcast(), payload: payload}) {
		c.drop("pending-full")
	}
	c.sender.Schedule(func() { c.flush(false) })
}

// ForwardTeleport asks the server owning p to bring actor to it.
func (c *Channel) ForwardTeleport(actor uuid.UUID, p *portal.Portal) error {
	if c.closed.Load() || !c.started.Load() {
		return errors.WithStack(RelayClosedErr{Relay: "channel"})
	}
	m := NewPortalMessage(RequestTeleport, p, c.cfg.ServerID, c.cfg.ServerName)
	m.Actor = actor.String()
	m.Target = p.ServerID()
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	o := outbound{kind: RequestTeleport, channel: c.privateChannel(p.ServerID()), payload: payload}
	if !c.sender.Schedule(func() { c.publish(o) }) {
		return errors.WithStack(RelayClosedErr{Relay: "channel"})
	}
	return nil
}

// Flush sends buffered messages. Unless force is set nothing is sent while no
// other server listens on the broadcast channel.
func (c *Channel) Flush(force bool) {
	c.flush(force)
}

func (c *Channel) flush(force bool) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if c.pending.Len() == 0 {
		return
	}
	if !force {
		n, err := c.consumers()
		if err != nil {
			log.Warn("count relay consumers failed", zap.String("channel", c.broadcast()), zap.Error(err))
			return
		}
		if n <= 0 {
			return
		}
	}
	for _, o := range c.pending.Drain() {
		c.publish(o)
	}
}

// consumers returns the number of other servers on the broadcast channel.
func (c *Channel) consumers() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	n, err := c.relay.Consumers(ctx, c.broadcast())
	if err != nil {
		return 0, err
	}
	if c.sub != nil {
		n--
	}
	return n, nil
}

func (c *Channel) publish(o outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.fail(o, err)
			return
		}
	}
	if err := c.relay.Publish(ctx, o.channel, o.payload); err != nil {
		c.fail(o, err)
		return
	}
	c.sent.Inc()
	messageCounter.WithLabelValues("out", string(o.kind)).Inc()
}

func (c *Channel) fail(o outbound, err error) {
	c.failed.Inc()
	droppedCounter.WithLabelValues("send-failed").Inc()
	log.Warn("publish replication message failed",
		zap.String("channel", o.channel),
		zap.String("type", string(o.kind)),
		zap.Error(err))
}

func (c *Channel) drop(reason string) {
	c.dropped.Inc()
	droppedCounter.WithLabelValues(reason).Inc()
}

func (c *Channel) tick() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.pending.Len() > 0 {
				c.sender.Schedule(func() { c.flush(false) })
			}
		case <-c.quit:
			return
		}
	}
}

func (c *Channel) receive() {
	defer c.wg.Done()
	for env := range c.sub.Messages() {
		c.handle(env)
	}
}

func (c *Channel) handle(env Envelope) {
	m, err := Decode(env.Payload)
	if err != nil {
		c.drop("malformed")
		log.Warn("discard replication message", zap.String("channel", env.Channel), zap.Error(err))
		return
	}
	if m.OriginServerID == c.cfg.ServerID {
		return
	}
	if m.RequestType == RequestTeleport && m.Target != c.cfg.ServerID {
		return
	}
	c.received.Inc()
	messageCounter.WithLabelValues("in", string(m.RequestType)).Inc()
	if !c.schedule(func() {
		if err := c.Apply(m); err != nil {
			c.drop("apply-failed")
			log.Warn("apply replication message failed",
				zap.String("type", string(m.RequestType)),
				zap.String("network", m.Network),
				zap.String("portal", m.PortalName),
				zap.String("origin", m.OriginServerID),
				zap.Error(err))
		}
	}) {
		c.drop("scheduler-stopped")
	}
}

// Apply materializes an inbound message. It must run on the goroutine owning
// the registry.
func (c *Channel) Apply(m *Message) error {
	switch m.RequestType {
	case RequestAdd:
		flags, unknown := portal.ParseFlags(m.Flags)
		if len(unknown) > 0 {
			log.Warn("ignoring unknown flags", zap.String("portal", m.PortalName), zap.String("flags", string(unknown)))
		}
		p, err := portal.New(portal.Options{
			Name:        m.PortalName,
			Network:     portal.Normalize(m.Network),
			NetworkName: m.Network,
			InterServer: true,
			Owner:       m.OwnerID,
			Flags:       flags,
			Virtual:     true,
			ServerID:    m.OriginServerID,
			ServerName:  m.OriginServer,
			Forwarder:   c,
		}, c.applier.MaxNameLength())
		if err != nil {
			return err
		}
		return c.applier.AddVirtualPortal(m.Network, p)
	case RequestRemove:
		if !c.applier.RemoveVirtualPortal(m.Network, m.PortalName) {
			log.Debug("no virtual portal to remove", zap.String("network", m.Network), zap.String("portal", m.PortalName))
		}
		return nil
	case RequestTeleport:
		actor, err := uuid.Parse(m.Actor)
		if err != nil {
			return errors.WithStack(MalformedMessageErr{Version: ProtocolVersion, Reason: "bad actor " + m.Actor})
		}
		c.teleportMu.RLock()
		h := c.teleports
		c.teleportMu.RUnlock()
		if h == nil {
			return errors.WithStack(portal.UnimplementedErr{Capability: "inbound teleport"})
		}
		return h.HandleTeleport(actor, m.Network, m.PortalName)
	}
	return errors.WithStack(MalformedMessageErr{Version: ProtocolVersion, Reason: "unknown request type " + string(m.RequestType)})
}

// Stats returns the current counters.
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:     c.sent.Load(),
		Received: c.received.Load(),
		Dropped:  c.dropped.Load(),
		Failed:   c.failed.Load(),
		Pending:  c.pending.Len(),
		Enqueued: c.pending.NextIndex(),
	}
}

// Close drains the sender, force flushes whatever is still buffered and
// unsubscribes. The relay itself is left open.
func (c *Channel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.quit)
	if !c.started.Load() {
		return nil
	}
	c.sender.Stop()
	c.senderWg.Wait()
	c.flush(true)
	err := c.sub.Close()
	c.wg.Wait()
	log.Info("replication channel closed", zap.Any("stats", c.Stats()))
	return err
}
