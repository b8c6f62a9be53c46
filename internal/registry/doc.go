// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry owns the authoritative per-session generation state.
//
// The registry is the only component that mutates Session records. All reads
// return snapshots, so callers never observe a record under concurrent
// mutation, and all writes go through Transition, which rejects mutations
// tagged with a superseded generation counter. That rejection is the
// cancellation mechanism for regeneration: in-flight tasks from an older
// round run to completion but their results are structurally discarded.
//
// Each session record carries its own lock; sessions are isolated by
// construction and only the create/lookup path takes the table lock.
//
// # Usage
//
//	reg := registry.New()
//	sess := reg.Create()
//
//	snap, err := reg.Transition(sess.ID, sess.Generation, func(s *registry.Session) error {
//	    s.ResetForGeneration()
//	    return nil
//	})
package registry
