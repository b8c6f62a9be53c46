// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// TRACKER
// =============================================================================

// KindStats aggregates task timings for one task kind.
type KindStats struct {
	Count         int           `json:"count"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
}

// AvgDuration returns the mean task duration for the kind.
func (s KindStats) AvgDuration() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Count)
}

// Summary is a point-in-time copy of the tracker's counters.
type Summary struct {
	Rounds           int                  `json:"rounds"`
	RoundsCompleted  int                  `json:"rounds_completed"`
	RoundsFailed     int                  `json:"rounds_failed"`
	AvgRoundDuration time.Duration        `json:"avg_round_duration"`
	Tasks            map[string]KindStats `json:"tasks"`
}

// Tracker records task and round outcomes. Safe for concurrent use; the
// orchestrator calls it from pool workers.
type Tracker struct {
	mu sync.RWMutex

	tasks map[string]*KindStats

	rounds          int
	roundsCompleted int
	roundsFailed    int
	roundDuration   time.Duration
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		tasks: make(map[string]*KindStats),
	}
}

// =============================================================================
// RECORDING
// =============================================================================

// RecordTask records one task's terminal outcome.
func (t *Tracker) RecordTask(kind string, success bool, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats, ok := t.tasks[kind]
	if !ok {
		stats = &KindStats{}
		t.tasks[kind] = stats
	}

	stats.Count++
	if !success {
		stats.Failures++
	}
	stats.TotalDuration += duration
	if duration > stats.MaxDuration {
		stats.MaxDuration = duration
	}
}

// RecordRound records one generation round's terminal outcome.
// outcome is the terminal session status ("Completed" or "Failed").
func (t *Tracker) RecordRound(outcome string, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rounds++
	t.roundDuration += duration
	switch outcome {
	case "Completed":
		t.roundsCompleted++
	case "Failed":
		t.roundsFailed++
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := Summary{
		Rounds:          t.rounds,
		RoundsCompleted: t.roundsCompleted,
		RoundsFailed:    t.roundsFailed,
		Tasks:           make(map[string]KindStats, len(t.tasks)),
	}
	if t.rounds > 0 {
		out.AvgRoundDuration = t.roundDuration / time.Duration(t.rounds)
	}
	for kind, stats := range t.tasks {
		out.Tasks[kind] = *stats
	}
	return out
}

// String returns a one-block human-readable summary.
func (t *Tracker) String() string {
	s := t.Snapshot()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Rounds: %d (completed: %d, failed: %d, avg: %s)\n",
		s.Rounds, s.RoundsCompleted, s.RoundsFailed, s.AvgRoundDuration.Round(time.Millisecond))

	kinds := make([]string, 0, len(s.Tasks))
	for kind := range s.Tasks {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		stats := s.Tasks[kind]
		fmt.Fprintf(&sb, "%s tasks: %d (failures: %d, avg: %s, max: %s)\n",
			kind, stats.Count, stats.Failures,
			stats.AvgDuration().Round(time.Millisecond),
			stats.MaxDuration.Round(time.Millisecond))
	}

	return sb.String()
}
