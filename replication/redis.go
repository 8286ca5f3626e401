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

	goredis "github.com/go-redis/redis/v9"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// RedisOptions configure a RedisRelay.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisRelay publishes over Redis pub/sub. Consumer counts come from
// PUBSUB NUMSUB.
type RedisRelay struct {
	client *goredis.Client
	closed atomic.Bool
}

// NewRedisRelay connects lazily to the configured Redis server.
func NewRedisRelay(opts RedisOptions) *RedisRelay {
	return &RedisRelay{
		client: goredis.NewClient(&goredis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
	}
}

// Publish implements Relay.
func (r *RedisRelay) Publish(ctx context.Context, channel string, payload []byte) error {
	if r.closed.Load() {
		return errors.WithStack(RelayClosedErr{Relay: "redis"})
	}
	return errors.WithStack(r.client.Publish(ctx, channel, payload).Err())
}

// Subscribe implements Relay. It waits for the subscription to be confirmed
// so that Consumers reflects it right away.
func (r *RedisRelay) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if r.closed.Load() {
		return nil, errors.WithStack(RelayClosedErr{Relay: "redis"})
	}
	ps := r.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, errors.WithStack(err)
	}
	sub := &redisSubscription{
		ps:   ps,
		ch:   make(chan Envelope, memorySubscriptionCapacity),
		quit: make(chan struct{}),
	}
	sub.wg.Add(1)
	go sub.forward()
	return sub, nil
}

// Consumers implements Relay.
func (r *RedisRelay) Consumers(ctx context.Context, channel string) (int, error) {
	if r.closed.Load() {
		return 0, errors.WithStack(RelayClosedErr{Relay: "redis"})
	}
	counts, err := r.client.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(counts[channel]), nil
}

// Close implements Relay.
func (r *RedisRelay) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return errors.WithStack(r.client.Close())
}

type redisSubscription struct {
	ps   *goredis.PubSub
	ch   chan Envelope
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func (s *redisSubscription) forward() {
	defer s.wg.Done()
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- Envelope{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-s.quit:
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan Envelope { return s.ch }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		err = s.ps.Close()
		s.wg.Wait()
		if err != nil {
			log.Warn("close redis subscription failed", zap.Error(err))
		}
	})
	return errors.WithStack(err)
}
