// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry owns the authoritative per-session generation state.
package registry

import (
	"time"

	"github.com/jeranaias/vitaplan/internal/generator"
)

// =============================================================================
// SESSION STATUS
// =============================================================================

// Status represents the current state of a session's generation round.
type Status string

const (
	// StatusIdle indicates no generation has been requested yet
	StatusIdle Status = "Idle"

	// StatusQueued indicates tasks are submitted but none has started
	StatusQueued Status = "Queued"

	// StatusRunning indicates at least one task is executing
	StatusRunning Status = "Running"

	// StatusCompleted indicates both plans resolved successfully
	StatusCompleted Status = "Completed"

	// StatusFailed indicates at least one plan failed terminally
	StatusFailed Status = "Failed"

	// StatusCancelled indicates the round was abandoned by eviction
	StatusCancelled Status = "Cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// Terminal reports whether the status is a terminal state for a round.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// =============================================================================
// PROGRESS MARKERS
// =============================================================================

// ProgressMarker is one stage in a generation round. Markers are append-only
// while the session is Running.
type ProgressMarker string

const (
	ProgressDietStarted    ProgressMarker = "DietStarted"
	ProgressDietDone       ProgressMarker = "DietDone"
	ProgressFitnessStarted ProgressMarker = "FitnessStarted"
	ProgressFitnessDone    ProgressMarker = "FitnessDone"
	ProgressTaskRetried    ProgressMarker = "TaskRetried"
)

// =============================================================================
// ERROR RECORD
// =============================================================================

// ErrorKind categorizes a session-level failure for the caller.
type ErrorKind string

const (
	ErrKindGeneratorTimeout      ErrorKind = "GeneratorTimeout"
	ErrKindGeneratorTransport    ErrorKind = "GeneratorTransportError"
	ErrKindGeneratorInvalidResp  ErrorKind = "GeneratorInvalidResponse"
	ErrKindPoolClosed            ErrorKind = "PoolClosed"
	ErrKindAlreadyInProgress     ErrorKind = "AlreadyInProgress"
	ErrKindSessionNotFound       ErrorKind = "SessionNotFound"
)

// ErrorRecord is the error surfaced on a Failed session.
type ErrorRecord struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// =============================================================================
// SESSION
// =============================================================================

// QAPair is one answered follow-up question.
type QAPair struct {
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	AskedAt  time.Time `json:"asked_at"`
}

// Session is the per-user generation record. Values handed out by the
// registry are snapshots: mutating one never affects the stored record.
type Session struct {
	// ID is the opaque session identifier, never reused
	ID string `json:"id"`

	// Status is the state of the current generation round
	Status Status `json:"status"`

	// Generation increments on every regeneration; completions tagged with
	// an older value are discarded
	Generation uint64 `json:"generation"`

	// Progress is the ordered sequence of stage markers for the current round
	Progress []ProgressMarker `json:"progress"`

	// DietResult and FitnessResult are independently present or absent
	DietResult    *generator.PlanPayload `json:"diet_result,omitempty"`
	FitnessResult *generator.PlanPayload `json:"fitness_result,omitempty"`

	// Err is set only when Status is Failed
	Err *ErrorRecord `json:"error,omitempty"`

	// QA holds answered follow-up questions for the current round
	QA []QAPair `json:"qa,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// clone returns a deep-enough copy: slices are copied, payloads are copied
// by value so callers cannot reach back into the stored record.
func (s *Session) clone() Session {
	out := *s

	if s.Progress != nil {
		out.Progress = make([]ProgressMarker, len(s.Progress))
		copy(out.Progress, s.Progress)
	}
	if s.QA != nil {
		out.QA = make([]QAPair, len(s.QA))
		copy(out.QA, s.QA)
	}
	if s.DietResult != nil {
		v := *s.DietResult
		out.DietResult = &v
	}
	if s.FitnessResult != nil {
		v := *s.FitnessResult
		out.FitnessResult = &v
	}
	if s.Err != nil {
		v := *s.Err
		out.Err = &v
	}

	return out
}

// ResetForGeneration clears round state and bumps the generation counter.
// Intended for use inside a registry Transition.
func (s *Session) ResetForGeneration() {
	s.Generation++
	s.Status = StatusQueued
	s.Progress = nil
	s.DietResult = nil
	s.FitnessResult = nil
	s.Err = nil
	s.QA = nil
}
