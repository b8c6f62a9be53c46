// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pool provides the bounded worker pool for plan-generation tasks.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TASK KINDS
// =============================================================================

// Kind identifies the unit of work a task performs.
type Kind string

const (
	// KindDiet generates a diet plan
	KindDiet Kind = "Diet"

	// KindFitness generates a fitness plan
	KindFitness Kind = "Fitness"

	// KindAnswer answers a follow-up question about generated plans
	KindAnswer Kind = "Answer"
)

// String returns the string representation of the task kind.
func (k Kind) String() string {
	return string(k)
}

// =============================================================================
// TASK STATUS
// =============================================================================

// Status represents the current state of a task.
type Status string

const (
	// StatusPending indicates the task is waiting for a free worker
	StatusPending Status = "Pending"

	// StatusRunning indicates the task is currently executing
	StatusRunning Status = "Running"

	// StatusSucceeded indicates the task finished with a result
	StatusSucceeded Status = "Succeeded"

	// StatusFailed indicates the task finished with an error
	StatusFailed Status = "Failed"
)

// String returns the string representation of the task status.
func (s Status) String() string {
	return string(s)
}

// =============================================================================
// TASK STRUCTURE
// =============================================================================

// Func is the work a task performs. The context carries the pool's task
// timeout when one is configured; the function must honor cancellation.
type Func func(ctx context.Context) (any, error)

// Task is one unit of work bound to a session and a generation counter.
// Tasks are transient: the pool owns them during execution and callers keep
// only snapshots after the result is folded into the owning session.
type Task struct {
	// ID is a unique identifier for this task
	ID string

	// SessionID is the session this task belongs to
	SessionID string

	// Generation is the session's generation counter at submission time.
	// It is the join key used to discard stale completions.
	Generation uint64

	// Kind identifies the work performed
	Kind Kind

	fn Func

	mu          sync.RWMutex
	status      Status
	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
	result      any
	err         error

	done chan struct{}
}

// NewTask creates a pending task for the given session and generation.
func NewTask(sessionID string, generation uint64, kind Kind, fn Func) *Task {
	return &Task{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Generation: generation,
		Kind:       kind,
		fn:         fn,
		status:     StatusPending,
		done:       make(chan struct{}),
	}
}

// =============================================================================
// TASK STATE (thread-safe)
// =============================================================================

// Status returns the current task status.
func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Result returns the task result. Valid once the task has succeeded.
func (t *Task) Result() any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

// Err returns the terminal error, or nil if the task succeeded or is not
// finished yet.
func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Duration returns how long the task has been running or took to finish.
func (t *Task) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.startedAt.IsZero() {
		return 0
	}
	if t.finishedAt.IsZero() {
		return time.Since(t.startedAt)
	}
	return t.finishedAt.Sub(t.startedAt)
}

// Terminal reports whether the task has reached a terminal status.
func (t *Task) Terminal() bool {
	s := t.Status()
	return s == StatusSucceeded || s == StatusFailed
}

// markSubmitted records admission into the pool queue.
func (t *Task) markSubmitted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.submittedAt = time.Now()
}

// markStarted records the transition to Running.
func (t *Task) markStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusRunning
	t.startedAt = time.Now()
}

// markFinished records the terminal outcome.
func (t *Task) markFinished(result any, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishedAt = time.Now()
	if err != nil {
		t.status = StatusFailed
		t.err = err
		return
	}
	t.status = StatusSucceeded
	t.result = result
}

// =============================================================================
// TASK HANDLE
// =============================================================================

// Handle lets a submitter observe one task without owning it.
type Handle struct {
	task *Task
}

// Done returns a channel closed once the task reaches a terminal status and
// its completion callback has run.
func (h *Handle) Done() <-chan struct{} {
	return h.task.done
}

// Task returns the underlying task for read access.
func (h *Handle) Task() *Task {
	return h.task
}
