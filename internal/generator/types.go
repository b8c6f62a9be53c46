// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package generator provides the HTTP client for the plan-generation service.
package generator

import "time"

// =============================================================================
// PLAN KINDS
// =============================================================================

// PlanKind identifies which plan a generation request produces.
type PlanKind string

const (
	// PlanDiet requests a personalized dietary plan.
	PlanDiet PlanKind = "diet"

	// PlanFitness requests a personalized fitness plan.
	PlanFitness PlanKind = "fitness"
)

// String returns the string representation of the plan kind.
func (k PlanKind) String() string {
	return string(k)
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// Profile holds the user attributes the generator tailors plans to.
type Profile struct {
	// Age in years
	Age int `json:"age"`

	// HeightCm is the height in centimeters
	HeightCm float64 `json:"height_cm"`

	// WeightKg is the weight in kilograms
	WeightKg float64 `json:"weight_kg"`

	// Sex is free-form ("female", "male", "other")
	Sex string `json:"sex"`

	// ActivityLevel describes typical activity ("sedentary" .. "extremely active")
	ActivityLevel string `json:"activity_level"`

	// DietaryPreference is the preferred diet style ("vegetarian", "keto", ...)
	DietaryPreference string `json:"dietary_preference"`

	// FitnessGoal is what the user wants to achieve ("lose weight", "gain muscle", ...)
	FitnessGoal string `json:"fitness_goal"`
}

// PlanRequest is the opaque request payload carried by a plan task.
type PlanRequest struct {
	// Profile is the user profile the plan is tailored to
	Profile Profile

	// Notes is optional free-form context appended to the profile
	Notes string

	// SystemPrompt overrides the built-in system prompt for the kind.
	// Prompt text is owned by the embedding application; the defaults here
	// exist only so the client is usable standalone.
	SystemPrompt string
}

// AnswerRequest asks a follow-up question about previously generated plans.
type AnswerRequest struct {
	// DietPlan is the generated diet plan content (may be empty)
	DietPlan string

	// FitnessPlan is the generated fitness plan content (may be empty)
	FitnessPlan string

	// Question is the user's question
	Question string
}

// =============================================================================
// RESULT TYPES
// =============================================================================

// PlanPayload is the result of one successful plan generation.
type PlanPayload struct {
	// Kind identifies which plan this payload holds
	Kind PlanKind `json:"kind"`

	// Content is the generated plan text (markdown)
	Content string `json:"content"`

	// Model is the model that produced the content
	Model string `json:"model"`

	// PromptTokens and CompletionTokens are usage numbers reported by the API
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`

	// Duration is how long the generator call took
	Duration time.Duration `json:"duration"`

	// GeneratedAt is when the call completed
	GeneratedAt time.Time `json:"generated_at"`
}

// =============================================================================
// WIRE TYPES (OpenAI-compatible chat API)
// =============================================================================

// chatMessage is a single message in a chat completion request.
type chatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// chatRequest is the request body for /chat/completions.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

// chatChoice is one completion choice in the response.
type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// chatUsage reports token usage for a completion.
type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// apiError is the error object returned by OpenAI-compatible APIs.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// chatResponse is the response body for /chat/completions.
type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
	Error   *apiError    `json:"error,omitempty"`
}
