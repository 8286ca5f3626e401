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

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Envelope is a payload received on a named relay channel.
type Envelope struct {
	Channel string
	Payload []byte
}

// Subscription delivers envelopes until it is closed.
type Subscription interface {
	Messages() <-chan Envelope
	Close() error
}

// Relay moves opaque payloads between sibling servers over named channels.
type Relay interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	// Consumers returns the number of subscriptions on channel, including
	// the caller's own.
	Consumers(ctx context.Context, channel string) (int, error)
	Close() error
}

const memorySubscriptionCapacity = 256

// MemoryRelay connects servers living in one process. It is used by tests
// and single-process deployments.
type MemoryRelay struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed atomic.Bool
}

// NewMemoryRelay creates an empty relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish implements Relay. A subscriber whose queue is full misses the
// payload.
func (r *MemoryRelay) Publish(ctx context.Context, channel string, payload []byte) error {
	if r.closed.Load() {
		return errors.WithStack(RelayClosedErr{Relay: "memory"})
	}
	data := append([]byte(nil), payload...)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.subs[channel] {
		select {
		case sub.ch <- Envelope{Channel: channel, Payload: data}:
		default:
			droppedCounter.WithLabelValues("subscriber-full").Inc()
		}
	}
	return nil
}

// Subscribe implements Relay.
func (r *MemoryRelay) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if r.closed.Load() {
		return nil, errors.WithStack(RelayClosedErr{Relay: "memory"})
	}
	sub := &memorySubscription{
		relay:    r,
		channels: channels,
		ch:       make(chan Envelope, memorySubscriptionCapacity),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, channel := range channels {
		if r.subs[channel] == nil {
			r.subs[channel] = make(map[*memorySubscription]struct{})
		}
		r.subs[channel][sub] = struct{}{}
	}
	return sub, nil
}

// Consumers implements Relay.
func (r *MemoryRelay) Consumers(ctx context.Context, channel string) (int, error) {
	if r.closed.Load() {
		return 0, errors.WithStack(RelayClosedErr{Relay: "memory"})
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[channel]), nil
}

// Close implements Relay. Open subscriptions are terminated.
func (r *MemoryRelay) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*memorySubscription]struct{})
	for _, subs := range r.subs {
		for sub := range subs {
			if _, ok := seen[sub]; !ok {
				seen[sub] = struct{}{}
				sub.closeLocked()
			}
		}
	}
	r.subs = make(map[string]map[*memorySubscription]struct{})
	return nil
}

type memorySubscription struct {
	relay    *MemoryRelay
	channels []string
	ch       chan Envelope
	closed   bool
}

func (s *memorySubscription) Messages() <-chan Envelope { return s.ch }

func (s *memorySubscription) Close() error {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	for _, channel := range s.channels {
		delete(s.relay.subs[channel], s)
	}
	s.closeLocked()
	return nil
}

// closeLocked must be called with the relay lock held.
func (s *memorySubscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
