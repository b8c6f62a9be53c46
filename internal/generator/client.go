// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package generator provides the HTTP client for the plan-generation service.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the generator client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeTimeout
	ErrTypeConnection
	ErrTypeInvalidResponse
)

// Sentinel errors for easy checking.
var (
	ErrTimeout         = &ClientError{Type: ErrTypeTimeout, Message: "generator request timed out"}
	ErrInvalidResponse = &ClientError{Type: ErrTypeInvalidResponse, Message: "generator returned an invalid response"}
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

const (
	// DefaultTimeout is the default per-call timeout. Plan generation is
	// slow; the original deployments saw calls in the 30-120s range.
	DefaultTimeout = 120 * time.Second

	// maxResponseSize caps response body reads to prevent memory exhaustion.
	maxResponseSize = 10 * 1024 * 1024 // 10MB
)

// ClientConfig holds configuration options for the generator client.
type ClientConfig struct {
	// BaseURL is the OpenAI-compatible API base URL (default: https://api.openai.com/v1)
	BaseURL string

	// APIKey is sent as a bearer token when non-empty
	APIKey string

	// Model is the model used for all requests (default: "gpt-4o-mini")
	Model string

	// Timeout bounds each generation call (default: 120s)
	Timeout time.Duration

	// MaxTokens caps completion length (default: 2000, matching plan length)
	MaxTokens int

	// Temperature is the sampling temperature (default: 0.7)
	Temperature float64

	// RequestsPerSec rate-limits outbound calls across all workers
	// (0 = unlimited)
	RequestsPerSec float64
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		Timeout:     DefaultTimeout,
		MaxTokens:   2000,
		Temperature: 0.7,
	}
}

// Default system prompts. Embedding applications override these through
// PlanRequest.SystemPrompt; they are kept deliberately short.
const (
	defaultDietPrompt = "You are a dietary expert. Using the user profile, propose a detailed " +
		"one-day meal plan (breakfast, lunch, dinner, snacks), briefly explain why it fits " +
		"the user's goals, and respect any dietary restrictions."

	defaultFitnessPrompt = "You are a fitness expert. Using the user profile, propose a workout " +
		"routine tailored to the user's goals, including warm-up, main workout, and cool-down, " +
		"and explain the benefit of each recommended exercise."

	defaultAnswerPrompt = "You are a health and fitness expert. Answer the user's question " +
		"based on the provided diet and fitness plans."
)

// sharedHTTPClient pools connections across all generator calls.
// Per-request deadlines come from the context, not the client timeout.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with an OpenAI-compatible generation API.
//
// The Client is thread-safe for concurrent use; the worker pool is expected
// to call it from multiple goroutines at once.
//
// Example:
//
//	client := generator.NewClient(&generator.ClientConfig{APIKey: key})
//	payload, err := client.GeneratePlan(ctx, generator.PlanDiet, req)
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new generator client.
// Zero-valued config fields fall back to defaults.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	// Fill in defaults for any zero values
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}

	var limiter *rate.Limiter
	if config.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSec), 1)
	}

	return &Client{
		config:     config,
		httpClient: sharedHTTPClient,
		limiter:    limiter,
	}
}

// Config returns the client configuration.
func (c *Client) Config() *ClientConfig {
	return c.config
}

// =============================================================================
// PLAN GENERATION
// =============================================================================

// GeneratePlan requests one plan of the given kind for the request's profile.
// The call blocks until the API responds, the configured timeout elapses, or
// ctx is canceled. Errors are always *ClientError.
func (c *Client) GeneratePlan(ctx context.Context, kind PlanKind, req *PlanRequest) (*PlanPayload, error) {
	if req == nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "nil plan request"}
	}

	system := req.SystemPrompt
	if system == "" {
		switch kind {
		case PlanFitness:
			system = defaultFitnessPrompt
		default:
			system = defaultDietPrompt
		}
	}

	start := time.Now()
	resp, err := c.chat(ctx, system, profileText(req))
	if err != nil {
		return nil, err
	}

	return &PlanPayload{
		Kind:             kind,
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Duration:         time.Since(start),
		GeneratedAt:      time.Now(),
	}, nil
}

// Answer asks a follow-up question about previously generated plans.
func (c *Client) Answer(ctx context.Context, req *AnswerRequest) (string, error) {
	if req == nil || strings.TrimSpace(req.Question) == "" {
		return "", &ClientError{Type: ErrTypeUnknown, Message: "empty question"}
	}

	var sb strings.Builder
	if req.DietPlan != "" {
		sb.WriteString("Diet plan:\n")
		sb.WriteString(req.DietPlan)
		sb.WriteString("\n\n")
	}
	if req.FitnessPlan != "" {
		sb.WriteString("Fitness plan:\n")
		sb.WriteString(req.FitnessPlan)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(req.Question)

	resp, err := c.chat(ctx, defaultAnswerPrompt, sb.String())
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

// =============================================================================
// HTTP PLUMBING
// =============================================================================

// chat performs one non-streaming chat completion call.
// A chatResponse returned by chat always has at least one choice.
func (c *Client) chat(ctx context.Context, system, user string) (*chatResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, classifyError(err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	body := chatRequest{
		Model: c.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
		Stream:      false,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to encode request", Cause: err}
	}

	url := strings.TrimSuffix(c.config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Message: "failed to build request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer httpResp.Body.Close()

	// Size-capped read; oversized plans indicate a misbehaving endpoint.
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyError(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("generator returned HTTP %d", httpResp.StatusCode)
		var parsed struct {
			Error *apiError `json:"error"`
		}
		if jsonErr := json.Unmarshal(data, &parsed); jsonErr == nil && parsed.Error != nil {
			msg += ": " + parsed.Error.Message
		}
		return nil, &ClientError{Type: ErrTypeConnection, Message: msg}
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	if resp.Error != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: resp.Error.Message}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ErrInvalidResponse
	}

	return &resp, nil
}

// classifyError maps transport-level failures to typed client errors.
func classifyError(err error) *ClientError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ClientError{Type: ErrTypeTimeout, Message: "generator request timed out", Cause: err}
	case errors.Is(err, context.Canceled):
		return &ClientError{Type: ErrTypeTimeout, Message: "generator request canceled", Cause: err}
	default:
		return &ClientError{Type: ErrTypeConnection, Message: "generator request failed", Cause: err}
	}
}

// profileText renders the profile the way the generator expects it.
func profileText(req *PlanRequest) string {
	p := req.Profile
	var sb strings.Builder
	fmt.Fprintf(&sb, "Age: %d\n", p.Age)
	fmt.Fprintf(&sb, "Weight: %.1fkg\n", p.WeightKg)
	fmt.Fprintf(&sb, "Height: %.1fcm\n", p.HeightCm)
	fmt.Fprintf(&sb, "Sex: %s\n", p.Sex)
	fmt.Fprintf(&sb, "Activity level: %s\n", p.ActivityLevel)
	fmt.Fprintf(&sb, "Dietary preference: %s\n", p.DietaryPreference)
	fmt.Fprintf(&sb, "Fitness goal: %s\n", p.FitnessGoal)
	if req.Notes != "" {
		fmt.Fprintf(&sb, "Notes: %s\n", req.Notes)
	}
	return sb.String()
}
