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
	"github.com/pingcap-incubator/tinyportal/registry"
	"github.com/pingcap-incubator/tinyportal/storage"
	. "github.com/pingcap/check"
)

var _ = Suite(&testChannelSuite{})

type testChannelSuite struct{}

// owner runs closures on a single goroutine, like the server mailbox.
type owner struct {
	w  *worker.Worker
	wg sync.WaitGroup
}

func newOwner() *owner {
	o := &owner{}
	o.w = worker.NewWorker("owner", &o.wg)
	o.w.Start(worker.FuncHandler{})
	return o
}

func (o *owner) run(f func()) {
	done := make(chan struct{})
	o.w.Schedule(func() {
		defer close(done)
		f()
	})
	<-done
}

func (o *owner) stop() {
	o.w.Stop()
	o.wg.Wait()
}

func eventually(c *C, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Fatal("condition not reached in time")
}

type countingStore struct {
	mu     sync.Mutex
	writes int
}

func (s *countingStore) SavePortal(ctx context.Context, rec *storage.PortalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return nil
}

func (s *countingStore) RemovePortal(ctx context.Context, part storage.Partition, network, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return nil
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type teleportCall struct {
	actor   uuid.UUID
	network string
	portal  string
}

type recordingTeleports struct {
	mu    sync.Mutex
	calls []teleportCall
}

func (r *recordingTeleports) HandleTeleport(actor uuid.UUID, network, portalName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, teleportCall{actor: actor, network: network, portal: portalName})
	return nil
}

func (r *recordingTeleports) snapshot() []teleportCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]teleportCall(nil), r.calls...)
}

type node struct {
	id      string
	reg     *registry.Registry
	store   *countingStore
	owner   *owner
	channel *Channel
}

func startNode(c *C, relay Relay, id string) *node {
	n := &node{id: id, store: &countingStore{}, owner: newOwner()}
	n.reg = registry.New(registry.Options{Store: n.store})
	n.channel = NewChannel(Config{ServerID: id, ServerName: "server " + id}, relay, n.reg, n.owner.w.Schedule)
	n.reg.SetReplicator(n.channel)
	c.Assert(n.channel.Start(context.Background()), IsNil)
	return n
}

func (n *node) stop(c *C) {
	c.Assert(n.channel.Close(), IsNil)
	n.owner.stop()
}

func hubPortal(c *C, n *registry.Network, name string) *portal.Portal {
	opts := portal.Options{
		Name:       name,
		Owner:      uuid.New(),
		Origin:     portal.Location{World: "world"},
		GateFormat: "nether.gate",
		Positions: []portal.Position{
			{Role: portal.RoleFrame},
			{Role: portal.RoleControl, Offset: portal.Vector{X: 1}},
		},
	}
	n.Apply(&opts)
	p, err := portal.New(opts, 0)
	c.Assert(err, IsNil)
	return p
}

func (s *testChannelSuite) TestReplicatedAsVirtual(c *C) {
	relay := NewMemoryRelay()
	defer relay.Close()
	a := startNode(c, relay, "srv-a")
	b := startNode(c, relay, "srv-b")
	defer a.stop(c)
	defer b.stop(c)
	teleports := &recordingTeleports{}
	a.channel.SetTeleportHandler(teleports)

	var x *portal.Portal
	a.owner.run(func() {
		hub, err := a.reg.CreateNetwork(registry.NetworkSpec{Name: "Hub", InterServer: true})
		c.Assert(err, IsNil)
		x = hubPortal(c, hub, "X")
		c.Assert(a.reg.AddPortal(context.Background(), x), IsNil)
	})

	var remote *portal.Portal
	eventually(c, func() bool {
		b.owner.run(func() { remote = b.reg.GetPortal("Hub", "X", true) })
		return remote != nil
	})
	c.Assert(remote.IsVirtual(), IsTrue)
	c.Assert(remote.Owner(), Equals, x.Owner())
	c.Assert(remote.Flags().Equal(x.Flags()), IsTrue)
	c.Assert(remote.ServerID(), Equals, "srv-a")
	c.Assert(remote.ServerName(), Equals, "server srv-a")
	b.owner.run(func() {
		c.Assert(b.reg.Index().Len(), Equals, 0)
		c.Assert(b.reg.GetNetwork("Hub", true).Kind(), Equals, registry.KindCrossServer)
	})
	c.Assert(b.store.count(), Equals, 0)
	c.Assert(a.store.count(), Equals, 1)
	c.Assert(a.channel.Stats().Received, Equals, int64(0))

	actor := uuid.New()
	b.owner.run(func() {
		c.Assert(remote.TeleportHere(actor, nil), IsNil)
	})
	eventually(c, func() bool { return len(teleports.snapshot()) == 1 })
	c.Assert(teleports.snapshot()[0], DeepEquals, teleportCall{actor: actor, network: "Hub", portal: "X"})

	a.owner.run(func() {
		c.Assert(a.reg.DestroyPortal(context.Background(), x), IsNil)
	})
	eventually(c, func() bool {
		var gone bool
		b.owner.run(func() { gone = b.reg.GetPortal("Hub", "X", true) == nil })
		return gone
	})
	c.Assert(b.store.count(), Equals, 0)
}

func (s *testChannelSuite) TestSendGatedOnConsumers(c *C) {
	relay := NewMemoryRelay()
	defer relay.Close()
	o := newOwner()
	defer o.stop()
	ch := NewChannel(Config{ServerID: "srv-a", PendingCapacity: 2}, relay, registry.New(registry.Options{}), o.w.Schedule)
	c.Assert(ch.Start(context.Background()), IsNil)

	reg := registry.New(registry.Options{})
	hub, err := reg.CreateNetwork(registry.NetworkSpec{Name: "Hub", InterServer: true})
	c.Assert(err, IsNil)
	for _, name := range []string{"X", "Y", "Z"} {
		ch.PortalAdded(hubPortal(c, hub, name))
	}
	ch.Flush(false)
	st := ch.Stats()
	c.Assert(st.Pending, Equals, 2)
	c.Assert(st.Dropped, Equals, int64(1))
	c.Assert(st.Sent, Equals, int64(0))
	c.Assert(st.Enqueued, Equals, uint64(3))

	ch.Flush(true)
	st = ch.Stats()
	c.Assert(st.Pending, Equals, 0)
	c.Assert(st.Sent, Equals, int64(2))

	listener, err := relay.Subscribe(context.Background(), DefaultChannel)
	c.Assert(err, IsNil)
	ch.PortalRemoved(hubPortal(c, hub, "W"))
	select {
	case env := <-listener.Messages():
		m, err := Decode(env.Payload)
		c.Assert(err, IsNil)
		c.Assert(m.RequestType, Equals, RequestRemove)
		c.Assert(m.PortalName, Equals, "W")
		c.Assert(m.Network, Equals, "Hub")
		c.Assert(m.OriginServerID, Equals, "srv-a")
	case <-time.After(5 * time.Second):
		c.Fatal("no message delivered")
	}
	c.Assert(listener.Close(), IsNil)

	c.Assert(ch.Close(), IsNil)
	c.Assert(ch.Close(), IsNil)
	ch.PortalAdded(hubPortal(c, hub, "V"))
	c.Assert(ch.Stats().Pending, Equals, 0)
	c.Assert(IsClosed(ch.ForwardTeleport(uuid.New(), hubPortal(c, hub, "V"))), IsTrue)
}

func (s *testChannelSuite) TestInboundFiltering(c *C) {
	relay := NewMemoryRelay()
	defer relay.Close()
	a := startNode(c, relay, "srv-a")
	defer a.stop(c)

	own, err := Encode(&Message{RequestType: RequestAdd, Network: "Hub", PortalName: "Mine", OriginServerID: "srv-a"})
	c.Assert(err, IsNil)
	a.channel.handle(Envelope{Channel: DefaultChannel, Payload: own})
	elsewhere, err := Encode(&Message{RequestType: RequestTeleport, Network: "Hub", PortalName: "X", OriginServerID: "srv-b", Target: "srv-c", Actor: uuid.New().String()})
	c.Assert(err, IsNil)
	a.channel.handle(Envelope{Channel: DefaultChannel, Payload: elsewhere})
	c.Assert(a.channel.Stats().Received, Equals, int64(0))

	a.channel.handle(Envelope{Channel: DefaultChannel, Payload: []byte("garbage")})
	c.Assert(a.channel.Stats().Dropped, Equals, int64(1))

	// Teleports without a handler are reported, not applied.
	err = a.channel.Apply(&Message{RequestType: RequestTeleport, Network: "Hub", PortalName: "X", Actor: uuid.New().String()})
	c.Assert(portal.IsUnimplemented(err), IsTrue)
	err = a.channel.Apply(&Message{RequestType: RequestTeleport, Network: "Hub", PortalName: "X", Actor: "nobody"})
	c.Assert(IsMalformed(err), IsTrue)
}

func (s *testMessageSuite) TestMemoryRelay(c *C) {
	relay := NewMemoryRelay()
	ctx := context.Background()
	sub, err := relay.Subscribe(ctx, "a", "b")
	c.Assert(err, IsNil)
	n, err := relay.Consumers(ctx, "a")
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 1)
	c.Assert(relay.Publish(ctx, "b", []byte("hello")), IsNil)
	c.Assert(relay.Publish(ctx, "c", []byte("nobody")), IsNil)
	env := <-sub.Messages()
	c.Assert(env, DeepEquals, Envelope{Channel: "b", Payload: []byte("hello")})

	c.Assert(relay.Close(), IsNil)
	_, ok := <-sub.Messages()
	c.Assert(ok, IsFalse)
	c.Assert(sub.Close(), IsNil)
	c.Assert(IsClosed(relay.Publish(ctx, "a", nil)), IsTrue)
	_, err = relay.Subscribe(ctx, "a")
	c.Assert(IsClosed(err), IsTrue)
}

func (s *testChannelSuite) TestRenameReplicatesRemoveThenAdd(c *C) {
	relay := NewMemoryRelay()
	defer relay.Close()
	a := startNode(c, relay, "srv-a")
	b := startNode(c, relay, "srv-b")
	defer a.stop(c)
	defer b.stop(c)

	var x *portal.Portal
	a.owner.run(func() {
		hub, err := a.reg.CreateNetwork(registry.NetworkSpec{Name: "Hub", InterServer: true})
		c.Assert(err, IsNil)
		x = hubPortal(c, hub, "X")
		c.Assert(a.reg.AddPortal(context.Background(), x), IsNil)
	})
	eventually(c, func() bool {
		var found bool
		b.owner.run(func() { found = b.reg.GetPortal("Hub", "X", true) != nil })
		return found
	})

	a.owner.run(func() {
		c.Assert(a.reg.RenamePortal(x, "Xenon"), IsNil)
		a.channel.PortalRenamed(x, "Hub", "X")
	})
	eventually(c, func() bool {
		var renamed bool
		b.owner.run(func() {
			renamed = b.reg.GetPortal("Hub", "X", true) == nil && b.reg.GetPortal("Hub", "Xenon", true) != nil
		})
		return renamed
	})
	b.owner.run(func() {
		c.Assert(b.reg.Members(b.reg.GetNetwork("Hub", true)), HasLen, 1)
	})
}
