// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/vitaplan/internal/generator"
)

func TestCreate(t *testing.T) {
	reg := New()
	sess := reg.Create()

	require.NotEmpty(t, sess.ID)
	assert.Equal(t, StatusIdle, sess.Status)
	assert.EqualValues(t, 0, sess.Generation)
	assert.False(t, sess.CreatedAt.IsZero())
}

func TestCreateUniqueIDs(t *testing.T) {
	reg := New()
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		sess := reg.Create()
		require.False(t, seen[sess.ID], "duplicate session id %s", sess.ID)
		seen[sess.ID] = true
	}
	assert.Equal(t, 1000, reg.Count())
}

func TestGetNotFound(t *testing.T) {
	reg := New()
	_, err := reg.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTransitionMutates(t *testing.T) {
	reg := New()
	sess := reg.Create()

	snap, err := reg.Transition(sess.ID, 0, func(s *Session) error {
		s.ResetForGeneration()
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Generation)
	assert.Equal(t, StatusQueued, snap.Status)

	got, err := reg.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Generation, got.Generation)
	assert.True(t, got.UpdatedAt.After(sess.UpdatedAt) || got.UpdatedAt.Equal(sess.UpdatedAt))
}

func TestTransitionStaleGenerationRejected(t *testing.T) {
	reg := New()
	sess := reg.Create()

	// Bump to generation 1.
	_, err := reg.Transition(sess.ID, 0, func(s *Session) error {
		s.ResetForGeneration()
		return nil
	})
	require.NoError(t, err)

	// A write tagged with the superseded generation must not touch the record.
	snap, err := reg.Transition(sess.ID, 0, func(s *Session) error {
		s.Status = StatusCompleted
		s.Progress = append(s.Progress, ProgressDietDone)
		return nil
	})
	assert.ErrorIs(t, err, ErrStaleGeneration)
	assert.Equal(t, StatusQueued, snap.Status)
	assert.Empty(t, snap.Progress)
}

func TestTransitionFnErrorRollsBack(t *testing.T) {
	reg := New()
	sess := reg.Create()
	boom := errors.New("rejected")

	snap, err := reg.Transition(sess.ID, 0, func(s *Session) error {
		s.Status = StatusRunning
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusIdle, snap.Status, "failed transition must not commit")
}

func TestSnapshotIsolation(t *testing.T) {
	reg := New()
	sess := reg.Create()

	_, err := reg.Transition(sess.ID, 0, func(s *Session) error {
		s.Progress = append(s.Progress, ProgressDietStarted)
		s.DietResult = &generator.PlanPayload{Kind: generator.PlanDiet, Content: "original"}
		return nil
	})
	require.NoError(t, err)

	snap, err := reg.Get(sess.ID)
	require.NoError(t, err)

	// Mutating the snapshot must not leak into the stored record.
	snap.Progress[0] = ProgressFitnessDone
	snap.Progress = append(snap.Progress, ProgressTaskRetried)
	snap.DietResult.Content = "tampered"

	fresh, err := reg.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []ProgressMarker{ProgressDietStarted}, fresh.Progress)
	assert.Equal(t, "original", fresh.DietResult.Content)
}

func TestSessionIsolation(t *testing.T) {
	reg := New()
	a := reg.Create()
	b := reg.Create()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = reg.Transition(a.ID, 0, func(s *Session) error {
				s.Progress = append(s.Progress, ProgressDietStarted)
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			_, _ = reg.Transition(b.ID, 0, func(s *Session) error {
				s.Progress = append(s.Progress, ProgressFitnessStarted)
				return nil
			})
		}()
	}
	wg.Wait()

	snapA, err := reg.Get(a.ID)
	require.NoError(t, err)
	snapB, err := reg.Get(b.ID)
	require.NoError(t, err)

	require.Len(t, snapA.Progress, 50)
	require.Len(t, snapB.Progress, 50)
	for _, m := range snapA.Progress {
		assert.Equal(t, ProgressDietStarted, m, "session A contains session B's data")
	}
	for _, m := range snapB.Progress {
		assert.Equal(t, ProgressFitnessStarted, m, "session B contains session A's data")
	}
}

func TestEvict(t *testing.T) {
	reg := New()
	sess := reg.Create()

	require.NoError(t, reg.Evict(sess.ID))
	assert.ErrorIs(t, reg.Evict(sess.ID), ErrSessionNotFound)

	_, err := reg.Get(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Late completions for an evicted session are no-ops.
	_, err = reg.Transition(sess.ID, 0, func(s *Session) error { return nil })
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusIdle:      false,
		StatusQueued:    false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	}
	for status, want := range cases {
		t.Run(string(status), func(t *testing.T) {
			assert.Equal(t, want, status.Terminal())
		})
	}
}

func TestResetForGeneration(t *testing.T) {
	s := Session{
		ID:         "x",
		Status:     StatusFailed,
		Generation: 3,
		Progress:   []ProgressMarker{ProgressDietDone},
		DietResult: &generator.PlanPayload{Content: "old"},
		Err:        &ErrorRecord{Kind: ErrKindGeneratorTimeout, Message: "old"},
		QA:         []QAPair{{Question: "q", Answer: "a"}},
	}

	s.ResetForGeneration()

	assert.EqualValues(t, 4, s.Generation)
	assert.Equal(t, StatusQueued, s.Status)
	assert.Nil(t, s.Progress)
	assert.Nil(t, s.DietResult)
	assert.Nil(t, s.FitnessResult)
	assert.Nil(t, s.Err)
	assert.Nil(t, s.QA)
	assert.Equal(t, "x", s.ID, "reset must preserve the identifier")
}

func TestConcurrentCreate(t *testing.T) {
	reg := New()

	var wg sync.WaitGroup
	ids := make(chan string, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- reg.Create().ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	assert.Equal(t, 200, reg.Count())
}

func ExampleRegistry_Transition() {
	reg := New()
	sess := reg.Create()

	snap, _ := reg.Transition(sess.ID, 0, func(s *Session) error {
		s.ResetForGeneration()
		return nil
	})
	fmt.Println(snap.Status, snap.Generation)
	// Output: Queued 1
}
