// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/vitaplan/internal/generator"
	"github.com/jeranaias/vitaplan/internal/pool"
	"github.com/jeranaias/vitaplan/internal/registry"
	"github.com/jeranaias/vitaplan/internal/telemetry"
)

// =============================================================================
// FAKE GENERATOR
// =============================================================================

// fakeGen substitutes the external generator with function fields.
type fakeGen struct {
	plan   func(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error)
	answer func(ctx context.Context, req *generator.AnswerRequest) (string, error)

	planCalls atomic.Int64
}

func (f *fakeGen) GeneratePlan(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error) {
	f.planCalls.Add(1)
	return f.plan(ctx, kind, req)
}

func (f *fakeGen) Answer(ctx context.Context, req *generator.AnswerRequest) (string, error) {
	if f.answer == nil {
		return "", errors.New("unexpected Answer call")
	}
	return f.answer(ctx, req)
}

// instantPlan returns successful payloads immediately.
func instantPlan(tag string) func(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error) {
	return func(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error) {
		return &generator.PlanPayload{
			Kind:        kind,
			Content:     tag + "-" + kind.String(),
			GeneratedAt: time.Now(),
		}, nil
	}
}

func newOrch(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	o, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

// waitForStatus polls until the session reaches the wanted status.
func waitForStatus(t *testing.T, o *Orchestrator, sessionID string, want registry.Status) registry.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := o.Poll(sessionID)
		require.NoError(t, err)
		if snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := o.Poll(sessionID)
	t.Fatalf("session %s never reached %s (stuck at %s)", sessionID, want, snap.Status)
	return registry.Session{}
}

// waitForTerminal polls until the session reaches any terminal status.
func waitForTerminal(t *testing.T, o *Orchestrator, sessionID string) registry.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := o.Poll(sessionID)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := o.Poll(sessionID)
	t.Fatalf("session %s never reached a terminal status (stuck at %s)", sessionID, snap.Status)
	return registry.Session{}
}

func waitForCalls(t *testing.T, g *fakeGen, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if g.planCalls.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("generator saw %d calls, want at least %d", g.planCalls.Load(), want)
}

// =============================================================================
// GENERATION ROUNDS
// =============================================================================

func TestStartGenerationCompletes(t *testing.T) {
	g := &fakeGen{plan: instantPlan("plan")}
	o := newOrch(t, Options{Generator: g, Workers: 2})

	sess := o.CreateSession()
	require.NoError(t, o.StartGeneration(sess.ID, &generator.PlanRequest{}))

	snap := waitForStatus(t, o, sess.ID, registry.StatusCompleted)

	assert.EqualValues(t, 1, snap.Generation)
	require.NotNil(t, snap.DietResult)
	require.NotNil(t, snap.FitnessResult)
	assert.Equal(t, "plan-diet", snap.DietResult.Content)
	assert.Equal(t, "plan-fitness", snap.FitnessResult.Content)
	assert.Nil(t, snap.Err)

	assert.ElementsMatch(t, []registry.ProgressMarker{
		registry.ProgressDietStarted, registry.ProgressDietDone,
		registry.ProgressFitnessStarted, registry.ProgressFitnessDone,
	}, snap.Progress)
}

func TestStartGenerationUnknownSession(t *testing.T) {
	g := &fakeGen{plan: instantPlan("plan")}
	o := newOrch(t, Options{Generator: g})

	err := o.StartGeneration("missing", &generator.PlanRequest{})
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)
}

// Deterministic fitness failure: the round ends Failed but still exposes the
// diet plan that succeeded.
func TestFitnessFailureKeepsPartialResult(t *testing.T) {
	g := &fakeGen{}
	g.plan = func(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error) {
		if kind == generator.PlanFitness {
			return nil, &generator.ClientError{Type: generator.ErrTypeConnection, Message: "connection refused"}
		}
		return &generator.PlanPayload{Kind: kind, Content: "meal plan"}, nil
	}
	o := newOrch(t, Options{Generator: g, Workers: 2})

	sess := o.CreateSession()
	require.NoError(t, o.StartGeneration(sess.ID, &generator.PlanRequest{}))

	snap := waitForStatus(t, o, sess.ID, registry.StatusFailed)

	require.NotNil(t, snap.DietResult)
	assert.Equal(t, "meal plan", snap.DietResult.Content)
	assert.Nil(t, snap.FitnessResult)
	require.NotNil(t, snap.Err)
	assert.Equal(t, registry.ErrKindGeneratorTransport, snap.Err.Kind)

	// The failed task was retried once before going terminal.
	assert.Contains(t, snap.Progress, registry.ProgressTaskRetried)
	assert.EqualValues(t, 3, g.planCalls.Load(), "one diet call, two fitness attempts")
}

func TestRetryRecovers(t *testing.T) {
	var fitnessAttempts atomic.Int64
	g := &fakeGen{}
	g.plan = func(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error) {
		if kind == generator.PlanFitness && fitnessAttempts.Add(1) == 1 {
			return nil, &generator.ClientError{Type: generator.ErrTypeTimeout, Message: "timed out"}
		}
		return &generator.PlanPayload{Kind: kind, Content: kind.String()}, nil
	}
	o := newOrch(t, Options{Generator: g, Workers: 2})

	sess := o.CreateSession()
	require.NoError(t, o.StartGeneration(sess.ID, &generator.PlanRequest{}))

	snap := waitForStatus(t, o, sess.ID, registry.StatusCompleted)

	require.NotNil(t, snap.FitnessResult)
	assert.Nil(t, snap.Err)
	assert.Contains(t, snap.Progress, registry.ProgressTaskRetried)
}

func TestDisableRetry(t *testing.T) {
	g := &fakeGen{}
	g.plan = func(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error) {
		if kind == generator.PlanFitness {
			return nil, &generator.ClientError{Type: generator.ErrTypeInvalidResponse, Message: "garbage"}
		}
		return &generator.PlanPayload{Kind: kind, Content: "ok"}, nil
	}
	o := newOrch(t, Options{Generator: g, Workers: 2, DisableRetry: true})

	sess := o.CreateSession()
	require.NoError(t, o.StartGeneration(sess.ID, &generator.PlanRequest{}))

	snap := waitForStatus(t, o, sess.ID, registry.StatusFailed)

	require.NotNil(t, snap.Err)
	assert.Equal(t, registry.ErrKindGeneratorInvalidResp, snap.Err.Kind)
	assert.NotContains(t, snap.Progress, registry.ProgressTaskRetried)
	assert.EqualValues(t, 2, g.planCalls.Load())
}

// =============================================================================
// IDEMPOTENT REJECTION
// =============================================================================

func TestStartGenerationAlreadyInProgress(t *testing.T) {
	release := make(chan struct{})
	g := &fakeGen{}
	g.plan = func(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error) {
		<-release
		return &generator.PlanPayload{Kind: kind, Content: "ok"}, nil
	}
	o := newOrch(t, Options{Generator: g, Workers: 2})

	sess := o.CreateSession()
	require.NoError(t, o.StartGeneration(sess.ID, &generator.PlanRequest{}))

	// Second call while the first is in flight is a benign rejection and
	// must not create a second task pair.
	err := o.StartGeneration(sess.ID, &generator.PlanRequest{})
	assert.ErrorIs(t, err, ErrAlreadyInProgress)

	close(release)
	waitForStatus(t, o, sess.ID, registry.StatusCompleted)
	assert.EqualValues(t, 2, g.planCalls.Load(), "rejected start must not submit tasks")
}

// =============================================================================
// REGENERATION INVALIDATION
// =============================================================================

func TestRegenerationDiscardsStaleResults(t *testing.T) {
	gate := make(chan struct{})
	g := &fakeGen{}
	g.plan = func(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error) {
		if req.Notes == "round1" {
			<-gate
			return &generator.PlanPayload{Kind: kind, Content: "stale"}, nil
		}
		return &generator.PlanPayload{Kind: kind, Content: "fresh"}, nil
	}
	o := newOrch(t, Options{Generator: g, Workers: 4})

	sess := o.CreateSession()
	require.NoError(t, o.StartGeneration(sess.ID, &generator.PlanRequest{Notes: "round1"}))
	waitForStatus(t, o, sess.ID, registry.StatusRunning)

	// Supersede the round while its tasks are still blocked.
	require.NoError(t, o.Regenerate(sess.ID, &generator.PlanRequest{Notes: "round2"}))
	snap := waitForStatus(t, o, sess.ID, registry.StatusCompleted)
	assert.EqualValues(t, 2, snap.Generation)

	// Let the superseded tasks finish and give their completions a chance
	// to (incorrectly) land.
	close(gate)
	waitForCalls(t, g, 4)
	time.Sleep(50 * time.Millisecond)

	final, err := o.Poll(sess.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, final.Generation)
	assert.Equal(t, registry.StatusCompleted, final.Status)
	assert.Equal(t, "fresh", final.DietResult.Content, "stale completion must not mutate the session")
	assert.Equal(t, "fresh", final.FitnessResult.Content)
	assert.Len(t, final.Progress, 4, "stale completions must not append markers")
}

// =============================================================================
// CAPACITY AND FAIRNESS
// =============================================================================

// Capacity one, two sessions: A's tasks run, B's queue behind them, and B
// still completes once A's round drains.
func TestTwoSessionsShareCapacityFairly(t *testing.T) {
	gateA := make(chan struct{})
	g := &fakeGen{}
	g.plan = func(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error) {
		if req.Notes == "A" {
			<-gateA
		}
		return &generator.PlanPayload{Kind: kind, Content: req.Notes + "-" + kind.String()}, nil
	}
	o := newOrch(t, Options{Generator: g, Workers: 1})

	a := o.CreateSession()
	b := o.CreateSession()

	require.NoError(t, o.StartGeneration(a.ID, &generator.PlanRequest{Notes: "A"}))
	waitForStatus(t, o, a.ID, registry.StatusRunning)

	require.NoError(t, o.StartGeneration(b.ID, &generator.PlanRequest{Notes: "B"}))

	// B's tasks sit behind A's in the FIFO queue: not failed, not dropped.
	snapB, err := o.Poll(b.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusQueued, snapB.Status)

	close(gateA)

	finalA := waitForStatus(t, o, a.ID, registry.StatusCompleted)
	finalB := waitForStatus(t, o, b.ID, registry.StatusCompleted)

	require.NotNil(t, finalB.DietResult)
	require.NotNil(t, finalB.FitnessResult)
	assert.Equal(t, "B-diet", finalB.DietResult.Content)
	assert.Equal(t, "A-fitness", finalA.FitnessResult.Content)
}

// Concurrent rounds on distinct sessions never leak data across sessions.
func TestSessionDataIsolation(t *testing.T) {
	g := &fakeGen{}
	g.plan = func(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error) {
		return &generator.PlanPayload{Kind: kind, Content: req.Notes + "-" + kind.String()}, nil
	}
	o := newOrch(t, Options{Generator: g, Workers: 4})

	a := o.CreateSession()
	b := o.CreateSession()

	var wg sync.WaitGroup
	for _, s := range []struct{ id, tag string }{{a.ID, "alpha"}, {b.ID, "beta"}} {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, o.StartGeneration(s.id, &generator.PlanRequest{Notes: s.tag}))
		}()
	}
	wg.Wait()

	finalA := waitForStatus(t, o, a.ID, registry.StatusCompleted)
	finalB := waitForStatus(t, o, b.ID, registry.StatusCompleted)

	assert.True(t, strings.HasPrefix(finalA.DietResult.Content, "alpha-"))
	assert.True(t, strings.HasPrefix(finalA.FitnessResult.Content, "alpha-"))
	assert.True(t, strings.HasPrefix(finalB.DietResult.Content, "beta-"))
	assert.True(t, strings.HasPrefix(finalB.FitnessResult.Content, "beta-"))
}

// =============================================================================
// SHUTDOWN
// =============================================================================

func TestStartGenerationAfterShutdown(t *testing.T) {
	g := &fakeGen{plan: instantPlan("plan")}
	o := newOrch(t, Options{Generator: g})

	sess := o.CreateSession()
	require.NoError(t, o.Shutdown(context.Background()))

	err := o.StartGeneration(sess.ID, &generator.PlanRequest{})
	assert.ErrorIs(t, err, pool.ErrPoolClosed)

	snap := waitForStatus(t, o, sess.ID, registry.StatusFailed)
	require.NotNil(t, snap.Err)
	assert.Equal(t, registry.ErrKindPoolClosed, snap.Err.Kind)
}

// =============================================================================
// FOLLOW-UP QUESTIONS
// =============================================================================

func TestAsk(t *testing.T) {
	g := &fakeGen{plan: instantPlan("plan")}
	g.answer = func(ctx context.Context, req *generator.AnswerRequest) (string, error) {
		require.Contains(t, req.DietPlan, "plan-diet")
		require.Contains(t, req.FitnessPlan, "plan-fitness")
		return "drink more water", nil
	}
	o := newOrch(t, Options{Generator: g, Workers: 2})

	sess := o.CreateSession()
	require.NoError(t, o.StartGeneration(sess.ID, &generator.PlanRequest{}))
	waitForStatus(t, o, sess.ID, registry.StatusCompleted)

	answer, err := o.Ask(context.Background(), sess.ID, "how much water should I drink?")
	require.NoError(t, err)
	assert.Equal(t, "drink more water", answer)

	snap, err := o.Poll(sess.ID)
	require.NoError(t, err)
	require.Len(t, snap.QA, 1)
	assert.Equal(t, "how much water should I drink?", snap.QA[0].Question)
	assert.Equal(t, "drink more water", snap.QA[0].Answer)
}

func TestAskRejectedWhileRunning(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	g := &fakeGen{}
	g.plan = func(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error) {
		<-release
		return &generator.PlanPayload{Kind: kind, Content: "ok"}, nil
	}
	o := newOrch(t, Options{Generator: g, Workers: 2})

	sess := o.CreateSession()
	require.NoError(t, o.StartGeneration(sess.ID, &generator.PlanRequest{}))
	waitForStatus(t, o, sess.ID, registry.StatusRunning)

	_, err := o.Ask(context.Background(), sess.ID, "question")
	assert.ErrorIs(t, err, ErrAlreadyInProgress)
}

func TestAskWithoutPlans(t *testing.T) {
	g := &fakeGen{plan: instantPlan("plan")}
	o := newOrch(t, Options{Generator: g})

	sess := o.CreateSession()
	_, err := o.Ask(context.Background(), sess.ID, "question")
	assert.ErrorIs(t, err, ErrNoPlans)

	_, err = o.Ask(context.Background(), "missing", "question")
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)
}

// =============================================================================
// HOOKS
// =============================================================================

func TestMetricsAndRoundHook(t *testing.T) {
	tracker := telemetry.NewTracker()
	records := make(chan RoundRecord, 1)

	g := &fakeGen{plan: instantPlan("plan")}
	o := newOrch(t, Options{
		Generator: g,
		Workers:   2,
		Metrics:   tracker,
		RoundHook: func(rec RoundRecord) { records <- rec },
	})

	sess := o.CreateSession()
	require.NoError(t, o.StartGeneration(sess.ID, &generator.PlanRequest{}))
	waitForStatus(t, o, sess.ID, registry.StatusCompleted)

	select {
	case rec := <-records:
		assert.Equal(t, sess.ID, rec.SessionID)
		assert.Equal(t, registry.StatusCompleted, rec.Outcome)
		assert.EqualValues(t, 1, rec.Generation)
		assert.Greater(t, rec.DietBytes, 0)
		assert.Empty(t, rec.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("round hook never fired")
	}

	summary := tracker.Snapshot()
	assert.Equal(t, 1, summary.Rounds)
	assert.Equal(t, 1, summary.RoundsCompleted)
	assert.Equal(t, 2, summary.Tasks[pool.KindDiet.String()].Count+summary.Tasks[pool.KindFitness.String()].Count)
}
