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

// Package worker runs tasks one at a time on a dedicated goroutine. The
// server uses one worker as the owning-thread mailbox and one for blocking
// storage calls.
package worker

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Task is an item processed by a worker.
type Task interface{}

// TaskStop terminates the worker loop once it is dequeued.
type TaskStop struct{}

// TaskHandler processes tasks in FIFO order.
type TaskHandler interface {
	Handle(t Task)
}

// Starter is implemented by handlers that need setup on the worker goroutine.
type Starter interface {
	Start()
}

// Func is a task that runs itself.
type Func func()

// FuncHandler runs Func tasks and ignores everything else.
type FuncHandler struct{}

// Handle implements TaskHandler.
func (FuncHandler) Handle(t Task) {
	if f, ok := t.(Func); ok {
		f()
		return
	}
	log.Warn("unexpected task type", zap.Reflect("task", t))
}

// Worker owns a goroutine fed by an unbounded FIFO queue. Enqueueing never
// blocks, so two workers may schedule onto each other freely.
type Worker struct {
	name   string
	wg     *sync.WaitGroup
	notify chan struct{}

	mu      sync.Mutex
	queue   []Task
	stopped bool
}

const defaultWorkerCapacity = 128

// NewWorker creates a worker with the default initial queue capacity.
func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	return NewWorkerWithCapacity(name, wg, defaultWorkerCapacity)
}

// NewWorkerWithCapacity creates a worker whose queue starts with room for
// capacity tasks. The queue grows past it.
func NewWorkerWithCapacity(name string, wg *sync.WaitGroup, capacity int) *Worker {
	if capacity <= 0 {
		capacity = defaultWorkerCapacity
	}
	return &Worker{
		name:   name,
		wg:     wg,
		notify: make(chan struct{}, 1),
		queue:  make([]Task, 0, capacity),
	}
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// Start launches the loop. Panics inside a handler are logged and the loop
// keeps running.
func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		log.Debug("worker started", zap.String("name", w.name))
		for {
			t, ok := w.pop()
			if !ok {
				<-w.notify
				continue
			}
			if _, ok := t.(TaskStop); ok {
				log.Debug("worker stopped", zap.String("name", w.name))
				return
			}
			w.handle(handler, t)
		}
	}()
}

func (w *Worker) handle(handler TaskHandler, t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker task panicked", zap.String("name", w.name), zap.Reflect("panic", r), zap.Stack("stack"))
		}
	}()
	handler.Handle(t)
}

func (w *Worker) pop() (Task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil, false
	}
	t := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return t, true
}

// push must be called with mu held.
func (w *Worker) push(t Task) {
	w.queue = append(w.queue, t)
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Worker) send(t Task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.push(t)
	return true
}

// Schedule enqueues f. It returns false once the worker has been stopped.
func (w *Worker) Schedule(f func()) bool {
	return w.send(Func(f))
}

// Len returns the number of queued tasks.
func (w *Worker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Stop enqueues a TaskStop after every pending task. Later calls are no-ops.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.push(TaskStop{})
}
