// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package generator provides the HTTP client for the plan-generation service.
//
// The client speaks the OpenAI-compatible chat completion protocol and wraps
// each call with a timeout, optional outbound rate limiting, and categorized
// errors so callers can distinguish timeouts from transport failures and
// malformed responses.
//
// # Key Types
//
//   - Client: thread-safe API client
//   - PlanRequest / PlanPayload: opaque request and result payloads
//   - ClientError: categorized error (timeout, connection, invalid response)
//
// # Usage
//
// Generate a diet plan:
//
//	client := generator.NewClient(&generator.ClientConfig{
//	    APIKey: key,
//	    Model:  "gpt-4o-mini",
//	})
//	payload, err := client.GeneratePlan(ctx, generator.PlanDiet, req)
//
// Check error categories:
//
//	var cerr *generator.ClientError
//	if errors.As(err, &cerr) && cerr.Type == generator.ErrTypeTimeout {
//	    // retry or surface timeout
//	}
package generator
