// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator coordinates plan-generation rounds across the pool
// and the session registry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/vitaplan/internal/generator"
	"github.com/jeranaias/vitaplan/internal/pool"
	"github.com/jeranaias/vitaplan/internal/registry"
	"github.com/jeranaias/vitaplan/internal/telemetry"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAlreadyInProgress is a benign rejection: a generation round is
	// already queued or running for the session. Callers should poll
	// instead of retrying submission.
	ErrAlreadyInProgress = errors.New("generation already in progress")

	// ErrNoPlans is returned by Ask when the session has no generated plan
	// to answer questions about.
	ErrNoPlans = errors.New("no generated plans to ask about")
)

// =============================================================================
// GENERATOR BOUNDARY
// =============================================================================

// Generator is the boundary to the external plan-generation service.
// *generator.Client satisfies it; tests substitute fakes.
type Generator interface {
	GeneratePlan(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error)
	Answer(ctx context.Context, req *generator.AnswerRequest) (string, error)
}

// =============================================================================
// ROUND RECORDS
// =============================================================================

// RoundRecord summarizes one finished generation round for archival hooks.
type RoundRecord struct {
	SessionID  string
	Generation uint64
	Outcome    registry.Status
	Error      string

	DietDuration    time.Duration
	FitnessDuration time.Duration
	DietBytes       int
	FitnessBytes    int

	StartedAt  time.Time
	FinishedAt time.Time
}

// round is the in-flight join state for one session's current generation.
type round struct {
	generation uint64
	req        *generator.PlanRequest
	remaining  int
	retried    map[pool.Kind]bool

	dietDuration    time.Duration
	fitnessDuration time.Duration
	dietBytes       int
	fitnessBytes    int
	startedAt       time.Time
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Options configures an Orchestrator.
type Options struct {
	// Registry is the session table (required)
	Registry *registry.Registry

	// Generator is the plan-generation boundary (required)
	Generator Generator

	// Workers bounds concurrent generator calls (default: pool.DefaultWorkers)
	Workers int

	// TaskTimeout is an optional pool-level bound per task; the generator
	// client applies its own per-call timeout regardless
	TaskTimeout time.Duration

	// DisableRetry turns off the single automatic retry of a failed task
	DisableRetry bool

	// Metrics receives per-task and per-round timings (optional)
	Metrics *telemetry.Tracker

	// RoundHook is invoked off the worker goroutine with a summary of every
	// finished round (optional)
	RoundHook func(RoundRecord)
}

// Orchestrator submits the two plan tasks of a generation round, joins their
// results, and performs the registry writes. It never blocks on the
// generator itself: StartGeneration returns as soon as tasks are queued and
// completions are folded in asynchronously through pool callbacks.
type Orchestrator struct {
	reg          *registry.Registry
	gen          Generator
	pool         *pool.Pool
	metrics      *telemetry.Tracker
	roundHook    func(RoundRecord)
	disableRetry bool

	mu     sync.Mutex
	rounds map[string]*round
}

// New creates an orchestrator and its worker pool.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("orchestrator: generator is required")
	}

	o := &Orchestrator{
		reg:          opts.Registry,
		gen:          opts.Generator,
		metrics:      opts.Metrics,
		roundHook:    opts.RoundHook,
		disableRetry: opts.DisableRetry,
		rounds:       make(map[string]*round),
	}
	o.pool = pool.New(pool.Options{
		Workers:     opts.Workers,
		TaskTimeout: opts.TaskTimeout,
		OnStart:     o.onTaskStart,
		OnComplete:  o.onTaskComplete,
	})

	return o, nil
}

// Pool exposes the worker pool for capacity introspection.
func (o *Orchestrator) Pool() *pool.Pool {
	return o.pool
}

// CreateSession allocates a new session in the registry.
func (o *Orchestrator) CreateSession() registry.Session {
	return o.reg.Create()
}

// Shutdown stops accepting work and drains in-flight tasks.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.pool.Shutdown(ctx)
}

// =============================================================================
// GENERATION
// =============================================================================

// StartGeneration begins a new round for the session: bumps the generation,
// clears prior round state, and submits the diet and fitness tasks. Returns
// ErrAlreadyInProgress while a round is queued or running; use Regenerate to
// supersede a running round.
func (o *Orchestrator) StartGeneration(sessionID string, req *generator.PlanRequest) error {
	return o.start(sessionID, req, false)
}

// Regenerate supersedes the session's current round. The generation bump
// logically cancels any in-flight tasks: they run to completion but their
// results are rejected by the registry as stale.
func (o *Orchestrator) Regenerate(sessionID string, req *generator.PlanRequest) error {
	return o.start(sessionID, req, true)
}

func (o *Orchestrator) start(sessionID string, req *generator.PlanRequest, supersede bool) error {
	snap, err := o.reg.Get(sessionID)
	if err != nil {
		return err
	}

	snap, err = o.reg.Transition(sessionID, snap.Generation, func(s *registry.Session) error {
		if !supersede && (s.Status == registry.StatusQueued || s.Status == registry.StatusRunning) {
			return ErrAlreadyInProgress
		}
		s.ResetForGeneration()
		return nil
	})
	if errors.Is(err, registry.ErrStaleGeneration) {
		// A concurrent start won the transition; same rejection as above.
		return ErrAlreadyInProgress
	}
	if err != nil {
		return err
	}

	gen := snap.Generation
	o.mu.Lock()
	o.rounds[sessionID] = &round{
		generation: gen,
		req:        req,
		remaining:  2,
		retried:    make(map[pool.Kind]bool),
		startedAt:  time.Now(),
	}
	o.mu.Unlock()

	var submitErr error
	for _, kind := range []pool.Kind{pool.KindDiet, pool.KindFitness} {
		if err := o.submitPlanTask(sessionID, gen, kind, req); err != nil {
			submitErr = err
			o.foldOutcome(sessionID, gen, kind, nil, err, 0)
		}
	}
	return submitErr
}

// submitPlanTask queues one generator call for the given kind.
func (o *Orchestrator) submitPlanTask(sessionID string, gen uint64, kind pool.Kind, req *generator.PlanRequest) error {
	planKind := generator.PlanDiet
	if kind == pool.KindFitness {
		planKind = generator.PlanFitness
	}

	task := pool.NewTask(sessionID, gen, kind, func(ctx context.Context) (any, error) {
		return o.gen.GeneratePlan(ctx, planKind, req)
	})
	if _, err := o.pool.Submit(task); err != nil {
		return fmt.Errorf("submit %s task: %w", kind, err)
	}
	return nil
}

// =============================================================================
// TASK CALLBACKS
// =============================================================================

// onTaskStart appends the started marker and moves Queued sessions to
// Running. Runs on a pool worker; stale rounds are silently dropped by the
// registry's generation check.
func (o *Orchestrator) onTaskStart(t *pool.Task) {
	var marker registry.ProgressMarker
	switch t.Kind {
	case pool.KindDiet:
		marker = registry.ProgressDietStarted
	case pool.KindFitness:
		marker = registry.ProgressFitnessStarted
	default:
		return
	}

	_, _ = o.reg.Transition(t.SessionID, t.Generation, func(s *registry.Session) error {
		if s.Status == registry.StatusQueued {
			s.Status = registry.StatusRunning
		}
		s.Progress = append(s.Progress, marker)
		return nil
	})
}

// onTaskComplete handles a task's terminal outcome: records metrics, retries
// a failed plan task once, and otherwise folds the outcome into the session.
func (o *Orchestrator) onTaskComplete(t *pool.Task) {
	if o.metrics != nil {
		o.metrics.RecordTask(t.Kind.String(), t.Err() == nil, t.Duration())
	}
	if t.Kind == pool.KindAnswer {
		// Ask waits on the handle and folds the answer itself.
		return
	}

	retry := false
	var req *generator.PlanRequest
	o.mu.Lock()
	rd := o.rounds[t.SessionID]
	if rd == nil || rd.generation != t.Generation {
		o.mu.Unlock()
		log.Printf("orchestrator: dropping stale %s completion for session %s (generation %d)",
			t.Kind, t.SessionID, t.Generation)
		return
	}
	if t.Err() != nil && !o.disableRetry && !rd.retried[t.Kind] {
		rd.retried[t.Kind] = true
		retry = true
		req = rd.req
	}
	o.mu.Unlock()

	if retry {
		log.Printf("orchestrator: retrying %s task for session %s: %v", t.Kind, t.SessionID, t.Err())
		_, _ = o.reg.Transition(t.SessionID, t.Generation, func(s *registry.Session) error {
			s.Progress = append(s.Progress, registry.ProgressTaskRetried)
			return nil
		})
		if err := o.submitPlanTask(t.SessionID, t.Generation, t.Kind, req); err == nil {
			return
		}
		// Pool closed mid-retry; fold the original failure as terminal.
	}

	var payload *generator.PlanPayload
	if t.Err() == nil {
		payload = t.Result().(*generator.PlanPayload)
	}
	o.foldOutcome(t.SessionID, t.Generation, t.Kind, payload, t.Err(), t.Duration())
}

// foldOutcome performs the single authorized write for one task's terminal
// result, then finalizes the round when both kinds have resolved.
func (o *Orchestrator) foldOutcome(sessionID string, gen uint64, kind pool.Kind, payload *generator.PlanPayload, taskErr error, took time.Duration) {
	_, err := o.reg.Transition(sessionID, gen, func(s *registry.Session) error {
		if taskErr != nil {
			if s.Err == nil {
				// First error encountered wins.
				s.Err = errorRecordFor(taskErr)
			}
			return nil
		}
		switch kind {
		case pool.KindDiet:
			s.DietResult = payload
			s.Progress = append(s.Progress, registry.ProgressDietDone)
		case pool.KindFitness:
			s.FitnessResult = payload
			s.Progress = append(s.Progress, registry.ProgressFitnessDone)
		}
		return nil
	})
	if err != nil {
		// Stale generation or evicted session: the outcome is discarded.
		return
	}

	o.mu.Lock()
	rd := o.rounds[sessionID]
	if rd == nil || rd.generation != gen {
		o.mu.Unlock()
		return
	}
	switch kind {
	case pool.KindDiet:
		rd.dietDuration = took
		if payload != nil {
			rd.dietBytes = len(payload.Content)
		}
	case pool.KindFitness:
		rd.fitnessDuration = took
		if payload != nil {
			rd.fitnessBytes = len(payload.Content)
		}
	}
	rd.remaining--
	finished := rd.remaining == 0
	if finished {
		delete(o.rounds, sessionID)
	}
	o.mu.Unlock()

	if finished {
		o.finalizeRound(sessionID, gen, rd)
	}
}

// finalizeRound transitions the session to its terminal status and fires the
// metrics and archive hooks.
func (o *Orchestrator) finalizeRound(sessionID string, gen uint64, rd *round) {
	snap, err := o.reg.Transition(sessionID, gen, func(s *registry.Session) error {
		if s.DietResult != nil && s.FitnessResult != nil {
			s.Status = registry.StatusCompleted
			return nil
		}
		s.Status = registry.StatusFailed
		if s.Err == nil {
			s.Err = &registry.ErrorRecord{
				Kind:    registry.ErrKindGeneratorTransport,
				Message: "plan task did not produce a result",
			}
		}
		return nil
	})
	if err != nil {
		return
	}

	if o.metrics != nil {
		o.metrics.RecordRound(snap.Status.String(), time.Since(rd.startedAt))
	}
	if o.roundHook != nil {
		rec := RoundRecord{
			SessionID:       sessionID,
			Generation:      gen,
			Outcome:         snap.Status,
			DietDuration:    rd.dietDuration,
			FitnessDuration: rd.fitnessDuration,
			DietBytes:       rd.dietBytes,
			FitnessBytes:    rd.fitnessBytes,
			StartedAt:       rd.startedAt,
			FinishedAt:      time.Now(),
		}
		if snap.Err != nil {
			rec.Error = string(snap.Err.Kind) + ": " + snap.Err.Message
		}
		// The hook may do I/O; keep it off the pool worker.
		go o.roundHook(rec)
	}
}

// =============================================================================
// FOLLOW-UP QUESTIONS
// =============================================================================

// Ask answers a follow-up question about the session's generated plans. The
// call routes through the worker pool (the pool stays the only component
// touching the generator) and blocks until the answer arrives or ctx is
// done. Rejected while a generation round is in flight.
func (o *Orchestrator) Ask(ctx context.Context, sessionID, question string) (string, error) {
	snap, err := o.reg.Get(sessionID)
	if err != nil {
		return "", err
	}
	if snap.Status == registry.StatusQueued || snap.Status == registry.StatusRunning {
		return "", ErrAlreadyInProgress
	}
	if snap.DietResult == nil && snap.FitnessResult == nil {
		return "", ErrNoPlans
	}

	req := &generator.AnswerRequest{Question: question}
	if snap.DietResult != nil {
		req.DietPlan = snap.DietResult.Content
	}
	if snap.FitnessResult != nil {
		req.FitnessPlan = snap.FitnessResult.Content
	}

	task := pool.NewTask(sessionID, snap.Generation, pool.KindAnswer, func(ctx context.Context) (any, error) {
		return o.gen.Answer(ctx, req)
	})
	h, err := o.pool.Submit(task)
	if err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		// The task keeps running on its worker; its answer is dropped.
		return "", ctx.Err()
	case <-h.Done():
	}

	if err := task.Err(); err != nil {
		return "", err
	}
	answer := task.Result().(string)

	// A regeneration since the snapshot makes this append stale; the caller
	// still gets the answer, the session just does not record it.
	_, _ = o.reg.Transition(sessionID, snap.Generation, func(s *registry.Session) error {
		s.QA = append(s.QA, registry.QAPair{
			Question: question,
			Answer:   answer,
			AskedAt:  time.Now(),
		})
		return nil
	})

	return answer, nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// errorRecordFor maps a task failure to the session-level error taxonomy.
func errorRecordFor(err error) *registry.ErrorRecord {
	rec := &registry.ErrorRecord{Message: err.Error()}

	var cerr *generator.ClientError
	switch {
	case errors.Is(err, pool.ErrPoolClosed):
		rec.Kind = registry.ErrKindPoolClosed
	case errors.As(err, &cerr):
		switch cerr.Type {
		case generator.ErrTypeTimeout:
			rec.Kind = registry.ErrKindGeneratorTimeout
		case generator.ErrTypeInvalidResponse:
			rec.Kind = registry.ErrKindGeneratorInvalidResp
		default:
			rec.Kind = registry.ErrKindGeneratorTransport
		}
	case errors.Is(err, context.DeadlineExceeded):
		rec.Kind = registry.ErrKindGeneratorTimeout
	default:
		rec.Kind = registry.ErrKindGeneratorTransport
	}

	return rec
}
