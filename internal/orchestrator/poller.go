// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import "github.com/jeranaias/vitaplan/internal/registry"

// =============================================================================
// STATUS POLLER
// =============================================================================

// Poller is the pull-based query surface for the presentation layer. Polls
// are pure registry reads: non-blocking, safe at arbitrary frequency from
// arbitrary concurrent callers.
type Poller struct {
	reg *registry.Registry
}

// NewPoller creates a poller over the given registry.
func NewPoller(reg *registry.Registry) *Poller {
	return &Poller{reg: reg}
}

// Poll returns the latest snapshot for the session. Callers are expected to
// poll at a bounded interval while the status is Queued or Running and stop
// once a terminal status is observed.
func (p *Poller) Poll(sessionID string) (registry.Session, error) {
	return p.reg.Get(sessionID)
}

// Poll is a convenience that reads through the orchestrator's registry.
func (o *Orchestrator) Poll(sessionID string) (registry.Session, error) {
	return o.reg.Get(sessionID)
}
