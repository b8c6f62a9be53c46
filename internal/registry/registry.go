// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry owns the authoritative per-session generation state.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionNotFound is returned for unknown session identifiers.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStaleGeneration is returned when a transition carries a generation
	// value older than the session's current one. Callers treat it as a
	// benign no-op; it is how superseded task completions are discarded.
	ErrStaleGeneration = errors.New("stale generation")
)

// =============================================================================
// REGISTRY
// =============================================================================

// entry pairs a session record with its own lock so access to one session
// never serializes against another.
type entry struct {
	mu      sync.Mutex
	session Session
}

// Registry is the process-wide session table. The table lock covers only
// lookup and creation; each session record is independently synchronized.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Create allocates a new Idle session with a unique identifier and returns
// its snapshot.
func (r *Registry) Create() Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	// uuid collisions are effectively impossible, but the create path is the
	// one place uniqueness is a contract, so check anyway.
	id := uuid.New().String()
	for {
		if _, exists := r.entries[id]; !exists {
			break
		}
		id = uuid.New().String()
	}

	now := time.Now()
	e := &entry{
		session: Session{
			ID:        id,
			Status:    StatusIdle,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	r.entries[id] = e

	return e.session.clone()
}

// Get returns a snapshot of the session, or ErrSessionNotFound.
func (r *Registry) Get(id string) (Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.clone(), nil
}

// Evict removes a session from the table. In-flight task completions for it
// become no-ops (lookup fails).
func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.entries, id)
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Transition is the single mutation entry point. The mutation runs against a
// working copy under the session's lock and commits only if fn returns nil;
// generation must match the session's current value or the call is rejected
// with ErrStaleGeneration and the record is untouched.
//
// The returned snapshot reflects the committed state (or, on error, the
// unchanged state).
func (r *Registry) Transition(id string, generation uint64, fn func(*Session) error) (Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session.Generation != generation {
		return e.session.clone(), ErrStaleGeneration
	}

	work := e.session.clone()
	if err := fn(&work); err != nil {
		return e.session.clone(), err
	}
	work.UpdatedAt = time.Now()
	e.session = work

	return e.session.clone(), nil
}

// lookup resolves an entry under the table read lock.
func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}
