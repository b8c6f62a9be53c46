// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator coordinates plan-generation rounds across the pool
// and the session registry.
//
// One round submits two tasks (diet and fitness) tagged with the session's
// current generation counter, observes their completions asynchronously via
// pool callbacks, and joins the outcomes into a single terminal session
// status. Regeneration bumps the counter instead of cancelling tasks:
// superseded completions are rejected by the registry and dropped here.
//
// # Key Types
//
//   - Orchestrator: StartGeneration / Regenerate / Ask / Shutdown
//   - Poller: non-blocking status reads for polling callers
//   - RoundRecord: per-round summary handed to the archive hook
//
// # Failure semantics
//
// A failed plan task is retried once (same generation); the second failure
// is terminal. A round with one failed kind ends Failed but still exposes
// the partial result that did succeed, so the caller can accept partial
// output or regenerate.
package orchestrator
