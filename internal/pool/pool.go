// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pool provides the bounded worker pool for plan-generation tasks.
package pool

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrPoolClosed is returned by Submit once shutdown has begun.
var ErrPoolClosed = errors.New("worker pool is closed")

// =============================================================================
// POOL
// =============================================================================

// DefaultWorkers bounds concurrent generator calls when no capacity is
// configured. Matches the deployment default of ten outbound calls.
const DefaultWorkers = 10

// Callback observes task lifecycle events. Callbacks run on a worker
// goroutine and must not perform long blocking work.
type Callback func(*Task)

// Options configures a Pool.
type Options struct {
	// Workers is the number of concurrent workers (default: DefaultWorkers)
	Workers int

	// TaskTimeout bounds each task's context (0 = no pool-level timeout;
	// the generator client still applies its own per-call timeout)
	TaskTimeout time.Duration

	// OnStart is invoked when a worker picks a task up
	OnStart Callback

	// OnComplete is invoked with the task's terminal outcome
	OnComplete Callback
}

// Pool runs submitted tasks on a fixed number of workers. Admission is FIFO;
// tasks past capacity stay Pending until a worker frees up and are never
// dropped. Shutdown drains accepted tasks before releasing the workers.
type Pool struct {
	workers     int
	taskTimeout time.Duration
	onStart     Callback
	onComplete  Callback

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Task
	running int
	closed  bool

	wg sync.WaitGroup
}

// New creates a pool and starts its workers.
func New(opts Options) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	p := &Pool{
		workers:     workers,
		taskTimeout: opts.TaskTimeout,
		onStart:     opts.OnStart,
		onComplete:  opts.OnComplete,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

// Workers returns the configured capacity.
func (p *Pool) Workers() int {
	return p.workers
}

// =============================================================================
// SUBMISSION
// =============================================================================

// Submit enqueues a task. It returns immediately with a handle the caller can
// wait on, or ErrPoolClosed once shutdown has begun.
func (p *Pool) Submit(task *Task) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	task.markSubmitted()
	p.queue = append(p.queue, task)
	p.cond.Signal()

	return &Handle{task: task}, nil
}

// QueuedCount returns the number of tasks waiting for a worker.
func (p *Pool) QueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// RunningCount returns the number of tasks currently executing.
func (p *Pool) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// Shutdown stops accepting submissions and waits for accepted tasks to drain.
// Returns ctx.Err() if the drain does not finish before ctx is done; workers
// keep draining in the background in that case.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// WORKERS
// =============================================================================

// worker pops tasks in FIFO order until the pool is closed and the queue is
// empty. Accepted tasks are always executed, even during shutdown.
func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}

		task := p.queue[0]
		p.queue = p.queue[1:]
		p.running++
		p.mu.Unlock()

		p.execute(task)

		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}
}

// execute runs one task to its terminal status and fires the callbacks.
func (p *Pool) execute(task *Task) {
	task.markStarted()
	p.invoke(p.onStart, task)

	var ctx context.Context
	var cancel context.CancelFunc
	if p.taskTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), p.taskTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	result, err := task.fn(ctx)
	task.markFinished(result, err)

	p.invoke(p.onComplete, task)
	close(task.done)
}

// invoke runs a callback, containing panics so one bad callback cannot take
// a worker down with it.
func (p *Pool) invoke(cb Callback, task *Task) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pool: callback panic for task %s (%s): %v", task.ID, task.Kind, r)
		}
	}()
	cb(task)
}
