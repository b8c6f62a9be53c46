// vitaplan - concurrent diet and fitness plan generation from the terminal.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/vitaplan/internal/config"
	"github.com/jeranaias/vitaplan/internal/generator"
	"github.com/jeranaias/vitaplan/internal/history"
	"github.com/jeranaias/vitaplan/internal/orchestrator"
	"github.com/jeranaias/vitaplan/internal/registry"
	"github.com/jeranaias/vitaplan/internal/telemetry"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#56B6C2"))

	headingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#98C379"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E06C75"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5C6370"))
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

var markdownRenderer *glamour.TermRenderer

func init() {
	var err error
	markdownRenderer, err = glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		// Fallback to plain text if renderer initialization fails
		markdownRenderer = nil
	}
}

// renderMarkdown renders markdown content for terminal display.
// Returns the original content if rendering fails or renderer is unavailable.
func renderMarkdown(content string) string {
	if markdownRenderer == nil {
		return content
	}

	rendered, err := markdownRenderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// =============================================================================
// FLAGS
// =============================================================================

type cliFlags struct {
	configPath  string
	mock        bool
	version     bool
	workers     int
	historyPath string
	recent      int

	age      int
	heightCm float64
	weightKg float64
	sex      string
	activity string
	dietPref string
	goal     string
	notes    string

	ask string
}

func parseFlags() *cliFlags {
	f := &cliFlags{}

	flag.StringVar(&f.configPath, "config", "", "config file path (default ~/.vitaplan/config.toml)")
	flag.BoolVar(&f.mock, "mock", false, "use a canned generator instead of a live endpoint")
	flag.BoolVar(&f.version, "version", false, "print version and exit")
	flag.IntVar(&f.workers, "workers", 0, "override worker count")
	flag.StringVar(&f.historyPath, "history", "", "archive rounds to this SQLite file")
	flag.IntVar(&f.recent, "recent", 0, "print the N most recent archived rounds and exit")

	flag.IntVar(&f.age, "age", 30, "age in years")
	flag.Float64Var(&f.heightCm, "height", 175, "height in centimeters")
	flag.Float64Var(&f.weightKg, "weight", 75, "weight in kilograms")
	flag.StringVar(&f.sex, "sex", "unspecified", "biological sex")
	flag.StringVar(&f.activity, "activity", "moderate", "activity level (sedentary/light/moderate/active)")
	flag.StringVar(&f.dietPref, "diet", "no preference", "dietary preference")
	flag.StringVar(&f.goal, "goal", "general fitness", "fitness goal")
	flag.StringVar(&f.notes, "notes", "", "free-form notes for the generator")

	flag.StringVar(&f.ask, "ask", "", "follow-up question to ask about the generated plans")

	flag.Parse()
	return f
}

// =============================================================================
// MOCK GENERATOR
// =============================================================================

// mockGenerator produces canned plans without touching the network. Used
// for demos and for exercising the pipeline offline.
type mockGenerator struct {
	delay time.Duration
}

func (m *mockGenerator) GeneratePlan(ctx context.Context, kind generator.PlanKind, req *generator.PlanRequest) (*generator.PlanPayload, error) {
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var content string
	switch kind {
	case generator.PlanDiet:
		content = fmt.Sprintf("# Diet Plan\n\nTailored for a %d-year-old (%s, %.0fkg, %s activity).\n\n- Breakfast: oats with fruit\n- Lunch: grilled protein with vegetables\n- Dinner: balanced plate, %s\n",
			req.Profile.Age, req.Profile.Sex, req.Profile.WeightKg, req.Profile.ActivityLevel, req.Profile.DietaryPreference)
	default:
		content = fmt.Sprintf("# Fitness Plan\n\nGoal: %s.\n\n- Mon/Wed/Fri: strength training\n- Tue/Thu: 30 min cardio\n- Weekend: active recovery\n",
			req.Profile.FitnessGoal)
	}

	return &generator.PlanPayload{
		Kind:        kind,
		Content:     content,
		Model:       "mock",
		Duration:    m.delay,
		GeneratedAt: time.Now(),
	}, nil
}

func (m *mockGenerator) Answer(ctx context.Context, req *generator.AnswerRequest) (string, error) {
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return fmt.Sprintf("Based on your plans: %s — follow the plan consistently and adjust weekly.", req.Question), nil
}

// =============================================================================
// MAIN
// =============================================================================

func main() {
	f := parseFlags()

	if f.version {
		fmt.Printf("vitaplan %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func run(f *cliFlags) error {
	cfgPath := f.configPath
	if cfgPath == "" {
		if p, err := config.DefaultPath(); err == nil {
			cfgPath = p
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if f.workers > 0 {
		cfg.Pool.Workers = f.workers
	}
	if f.historyPath != "" {
		cfg.History.Enabled = true
		cfg.History.Path = f.historyPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Round archive (optional)
	var store *history.Store
	if cfg.History.Enabled || f.recent > 0 {
		path := cfg.History.Path
		if path == "" {
			path, err = config.DefaultHistoryPath()
			if err != nil {
				return err
			}
		}
		store, err = history.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	if f.recent > 0 {
		return printRecent(store, f.recent)
	}

	// Generator
	var gen orchestrator.Generator
	if f.mock {
		gen = &mockGenerator{delay: 300 * time.Millisecond}
	} else {
		gen = generator.NewClient(&generator.ClientConfig{
			BaseURL:        cfg.Generator.BaseURL,
			APIKey:         cfg.Generator.APIKey,
			Model:          cfg.Generator.Model,
			Timeout:        cfg.Timeout(),
			MaxTokens:      cfg.Generator.MaxTokens,
			Temperature:    cfg.Generator.Temperature,
			RequestsPerSec: cfg.Generator.RequestsPerSec,
		})
	}

	tracker := telemetry.NewTracker()

	opts := orchestrator.Options{
		Registry:    registry.New(),
		Generator:   gen,
		Workers:     cfg.Pool.Workers,
		TaskTimeout: cfg.Timeout(),
		Metrics:     tracker,
	}
	if store != nil {
		opts.RoundHook = func(r orchestrator.RoundRecord) {
			err := store.SaveRound(history.Round{
				SessionID:    r.SessionID,
				Generation:   r.Generation,
				Outcome:      string(r.Outcome),
				Error:        r.Error,
				DietMs:       r.DietDuration.Milliseconds(),
				FitnessMs:    r.FitnessDuration.Milliseconds(),
				DietBytes:    int64(r.DietBytes),
				FitnessBytes: int64(r.FitnessBytes),
				StartedAt:    r.StartedAt,
				FinishedAt:   r.FinishedAt,
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, mutedStyle.Render("archive: "+err.Error()))
			}
		}
	}

	orch, err := orchestrator.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	}()

	sess := orch.CreateSession()

	req := &generator.PlanRequest{
		Profile: generator.Profile{
			Age:               f.age,
			HeightCm:          f.heightCm,
			WeightKg:          f.weightKg,
			Sex:               f.sex,
			ActivityLevel:     f.activity,
			DietaryPreference: f.dietPref,
			FitnessGoal:       f.goal,
		},
		Notes: f.notes,
	}

	if err := orch.StartGeneration(sess.ID, req); err != nil {
		return err
	}

	final, err := pollUntilTerminal(orch, sess.ID, cfg.Pool.QueueWarnDepth)
	if err != nil {
		return err
	}

	printSession(final)

	if final.Status == registry.StatusFailed {
		if final.Err != nil {
			return fmt.Errorf("generation failed (%s): %s", final.Err.Kind, final.Err.Message)
		}
		return fmt.Errorf("generation failed")
	}

	if f.ask != "" {
		fmt.Println(headingStyle.Render("Q: " + f.ask))
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout())
		defer cancel()
		answer, err := orch.Ask(ctx, sess.ID, f.ask)
		if err != nil {
			return err
		}
		fmt.Print(renderMarkdown(answer))
	}

	fmt.Println(mutedStyle.Render(strings.TrimRight(tracker.String(), "\n")))
	return nil
}

// pollUntilTerminal watches the session via the status poller until it
// reaches a terminal state.
func pollUntilTerminal(orch *orchestrator.Orchestrator, sessionID string, queueWarnDepth int) (registry.Session, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastLine string
	warned := false
	for {
		if !warned && queueWarnDepth > 0 && orch.Pool().QueuedCount() > queueWarnDepth {
			fmt.Println(mutedStyle.Render(fmt.Sprintf("warning: %d tasks queued", orch.Pool().QueuedCount())))
			warned = true
		}
		sess, err := orch.Poll(sessionID)
		if err != nil {
			return registry.Session{}, err
		}

		line := fmt.Sprintf("[%s] %s", sess.Status, strings.Join(progressLabels(sess.Progress), ", "))
		if line != lastLine {
			fmt.Println(statusStyle.Render(line))
			lastLine = line
		}

		if sess.Status.Terminal() {
			return sess, nil
		}
		<-ticker.C
	}
}

func progressLabels(markers []registry.ProgressMarker) []string {
	if len(markers) == 0 {
		return []string{"waiting"}
	}
	out := make([]string, len(markers))
	for i, m := range markers {
		out[i] = string(m)
	}
	return out
}

func printSession(sess registry.Session) {
	if sess.DietResult != nil {
		fmt.Println(headingStyle.Render("Diet Plan"))
		fmt.Print(renderMarkdown(sess.DietResult.Content))
	}
	if sess.FitnessResult != nil {
		fmt.Println(headingStyle.Render("Fitness Plan"))
		fmt.Print(renderMarkdown(sess.FitnessResult.Content))
	}
	if sess.Err != nil {
		fmt.Println(errorStyle.Render(fmt.Sprintf("[%s] %s", sess.Err.Kind, sess.Err.Message)))
	}
}

func printRecent(store *history.Store, n int) error {
	rounds, err := store.Recent(n)
	if err != nil {
		return err
	}
	if len(rounds) == 0 {
		fmt.Println(mutedStyle.Render("no archived rounds"))
		return nil
	}
	for _, r := range rounds {
		line := fmt.Sprintf("%s  %s gen=%d %s diet=%dms fitness=%dms",
			r.FinishedAt.Format(time.RFC3339), r.SessionID, r.Generation, r.Outcome, r.DietMs, r.FitnessMs)
		if r.Error != "" {
			line += "  " + r.Error
		}
		if r.Outcome == "Completed" {
			fmt.Println(line)
		} else {
			fmt.Println(errorStyle.Render(line))
		}
	}
	return nil
}
