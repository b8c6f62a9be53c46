// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pool provides the bounded worker pool for plan-generation tasks.
//
// The pool is the only component that touches the external generator, which
// bounds total concurrent outbound calls regardless of how many user sessions
// exist. Admission is strictly FIFO: a task submitted while all workers are
// busy stays Pending until a worker frees up and is never dropped.
//
// # Key Types
//
//   - Pool: fixed-capacity executor with FIFO admission
//   - Task: one unit of work (diet plan, fitness plan, or follow-up answer)
//     tagged with its session and generation counter
//   - Handle: lets the submitter wait for one task's completion
//
// # Usage
//
// Create a pool and submit work:
//
//	p := pool.New(pool.Options{
//	    Workers:    4,
//	    OnComplete: orch.handleCompletion,
//	})
//	handle, err := p.Submit(pool.NewTask(sessionID, gen, pool.KindDiet, fn))
//
// Shut down, draining accepted tasks:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	_ = p.Shutdown(ctx)
//
// The pool never retries a failed task; retry policy belongs to the
// orchestrator.
package pool
