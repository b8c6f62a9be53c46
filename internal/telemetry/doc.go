// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides in-memory generation metrics.
//
// The tracker counts plan tasks and generation rounds by outcome and keeps
// simple latency aggregates. It holds no references to session data and is
// written from pool workers, so recording must stay cheap and non-blocking.
package telemetry
