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

import "sync"

type outbound struct {
	kind    RequestType
	channel string
	payload []byte
}

// pendingBuffer is a bounded ring of messages waiting for a consumer. When it
// is full the oldest message is overwritten.
type pendingBuffer struct {
	sync.Mutex
	index   uint64
	records []outbound
	head    int
	tail    int
	size    int
}

func newPendingBuffer(size int) *pendingBuffer {
	// use an empty slot to tell a full ring from an empty one
	size++
	if size < 2 {
		size = 2
	}
	return &pendingBuffer{
		records: make([]outbound, size),
		size:    size,
	}
}

func (b *pendingBuffer) len() int {
	if b.tail < b.head {
		return b.tail + b.size - b.head
	}
	return b.tail - b.head
}

// Len returns the number of buffered messages.
func (b *pendingBuffer) Len() int {
	b.Lock()
	defer b.Unlock()
	return b.len()
}

// Push appends m and reports whether an older message was dropped to make
// room for it.
func (b *pendingBuffer) Push(m outbound) (dropped bool) {
	b.Lock()
	defer b.Unlock()
	b.records[b.tail] = m
	b.tail = (b.tail + 1) % b.size
	if b.tail == b.head {
		b.records[b.head] = outbound{}
		b.head = (b.head + 1) % b.size
		dropped = true
	}
	b.index++
	pendingGauge.Set(float64(b.len()))
	return dropped
}

// Drain removes and returns every buffered message, oldest first.
func (b *pendingBuffer) Drain() []outbound {
	b.Lock()
	defer b.Unlock()
	out := make([]outbound, 0, b.len())
	for i := b.head; i != b.tail; i = (i + 1) % b.size {
		out = append(out, b.records[i])
		b.records[i] = outbound{}
	}
	b.head, b.tail = 0, 0
	pendingGauge.Set(0)
	return out
}

// NextIndex returns the number of messages ever pushed.
func (b *pendingBuffer) NextIndex() uint64 {
	b.Lock()
	defer b.Unlock()
	return b.index
}
