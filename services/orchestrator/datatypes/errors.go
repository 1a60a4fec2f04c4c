// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Error taxonomy for the serving backbone.
//
// Every failure mode that crosses a component boundary has a typed error
// here. Callers classify with errors.As / errors.Is rather than string
// matching, with one deliberate exception: connection-class failures from
// arbitrary backend transports are additionally recognized by keyword
// (see IsConnectionLike), because not every HTTP client wraps its I/O
// errors in a type we control.
package datatypes

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled marks a request that was cancelled while still pending.
// Terminal; never retried.
var ErrCancelled = errors.New("request cancelled")

// =============================================================================
// Configuration and Admission Errors
// =============================================================================

// ConfigError reports a model id that is not present in the capability
// registry, or a profile that references a missing model. Never retried.
type ConfigError struct {
	ModelID string
	Reason  string
}

func (e *ConfigError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("config error for model %q: %s", e.ModelID, e.Reason)
	}
	return fmt.Sprintf("config error: model %q not in capability registry", e.ModelID)
}

// QueueFullError is returned synchronously on enqueue when the request
// queue is at capacity.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("request queue full (capacity %d)", e.Capacity)
}

// TokenBudgetExceededError reports a user over their token quota. The
// quota check itself lives behind an extensions hook; this type is the
// wire surface. Never retried.
type TokenBudgetExceededError struct {
	UserID string
}

func (e *TokenBudgetExceededError) Error() string {
	return fmt.Sprintf("token budget exceeded for user %q", e.UserID)
}

// =============================================================================
// VRAM and Backend Errors
// =============================================================================

// MemoryError reports that the VRAM orchestrator could not make room for
// a model even after running the eviction strategy.
type MemoryError struct {
	ModelID     string
	RequiredGB  float64
	AvailableGB float64
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("insufficient VRAM for model %q: need %.1f GB, %.1f GB freeable",
		e.ModelID, e.RequiredGB, e.AvailableGB)
}

// CircuitBreakerError reports that a model has crashed too many times
// inside the crash window and further loads are blocked.
//
// RetryAfterSeconds is precise: crash_window - seconds_since_last_crash,
// the instant at which the most recent crash ages out of the window.
type CircuitBreakerError struct {
	ModelID           string
	CrashCount        int
	RetryAfterSeconds float64
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker open for model %q (%d recent crashes, retry in %.0fs)",
		e.ModelID, e.CrashCount, e.RetryAfterSeconds)
}

// ConnectionError wraps any backend I/O failure: refused connections,
// resets, timeouts. Recorded in the crash tracker and eligible for
// worker-level retry.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("backend connection error (%s): %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// GenerationError reports a structured failure from a backend: the HTTP
// exchange succeeded but the backend said the generation failed.
// Recorded as a crash.
type GenerationError struct {
	ModelID string
	Detail  string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed on model %q: %s", e.ModelID, e.Detail)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// EmptyStreamError reports a stream that completed without producing any
// non-whitespace content. The worker retries these in non-streaming mode.
type EmptyStreamError struct {
	ModelID string
}

func (e *EmptyStreamError) Error() string {
	return fmt.Sprintf("model %q streamed an empty response", e.ModelID)
}

// =============================================================================
// Classification
// =============================================================================

// connectionKeywords match the transport failure phrasings observed from
// the backend HTTP clients in the wild.
var connectionKeywords = []string{
	"connection", "connect", "refused", "timeout", "unreachable",
}

// IsConnectionLike reports whether err should be treated as a backend
// connectivity failure for crash tracking and retry purposes.
//
// Typed ConnectionErrors and context deadline expiry always qualify.
// Anything else is matched by keyword, since backend HTTP stacks surface
// dial and reset failures as plain wrapped errors.
func IsConnectionLike(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range connectionKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
