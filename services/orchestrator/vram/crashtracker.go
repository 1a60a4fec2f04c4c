// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vram

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

// CrashAlert is the push-style notification emitted when a model's
// crash count crosses the breaker threshold. Consumed by the profile
// manager's supervisor task.
type CrashAlert struct {
	ModelID string
	Count   int
	Reason  string
}

// CrashTracker counts recent backend failures per model inside a
// sliding time window.
//
// # Description
//
// Records are appended on every reported crash and trimmed on every
// read, so the invariant holds that a reported count of k corresponds to
// exactly k events with timestamps inside [now-window, now].
//
// The tracker carries its own mutex; it is called both from under the
// orchestrator mutex (breaker checks) and from streaming error paths
// that do not hold it.
type CrashTracker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	records   []datatypes.CrashRecord

	alerts chan CrashAlert
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewCrashTracker builds a tracker for the given window and threshold.
func NewCrashTracker(window time.Duration, threshold int) *CrashTracker {
	return &CrashTracker{
		window:    window,
		threshold: threshold,
		alerts:    make(chan CrashAlert, 8),
		logger:    logging.For("crash_tracker"),
		now:       time.Now,
	}
}

// RecordCrash appends a crash event and, when the model's windowed count
// reaches the threshold, pushes a CrashAlert. The alert send never
// blocks; if the supervisor is behind, the drop is logged — the breaker
// state is re-derivable from counts, the channel is only a wake-up.
func (t *CrashTracker) RecordCrash(modelID, reason string) {
	t.mu.Lock()
	now := t.now()
	t.records = append(t.records, datatypes.CrashRecord{
		ModelID:   modelID,
		Timestamp: now,
		Reason:    reason,
	})
	t.trimLocked(now)
	count := t.countLocked(modelID)
	t.mu.Unlock()

	t.logger.Warn("model crash recorded",
		"model", modelID,
		"reason", reason,
		"recent_count", count,
	)

	if count >= t.threshold {
		select {
		case t.alerts <- CrashAlert{ModelID: modelID, Count: count, Reason: reason}:
		default:
			t.logger.Warn("crash alert channel full, dropping", "model", modelID)
		}
	}
}

// Count returns the number of crashes for modelID inside the window.
func (t *CrashTracker) Count(modelID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trimLocked(t.now())
	return t.countLocked(modelID)
}

// IsTripped reports whether the breaker is open for modelID.
func (t *CrashTracker) IsTripped(modelID string) bool {
	return t.Count(modelID) >= t.threshold
}

// RetryAfterSeconds returns how long until the most recent crash ages
// out of the window, at which point the model's windowed count is zero.
// Zero when the model has no windowed crashes.
func (t *CrashTracker) RetryAfterSeconds(modelID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.trimLocked(now)

	var last time.Time
	for _, r := range t.records {
		if r.ModelID == modelID && r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}
	if last.IsZero() {
		return 0
	}
	remaining := t.window - now.Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining.Seconds()
}

// Alerts exposes the breaker notification channel.
func (t *CrashTracker) Alerts() <-chan CrashAlert { return t.alerts }

// Stats returns windowed crash counts per model for status snapshots.
func (t *CrashTracker) Stats() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trimLocked(t.now())
	out := make(map[string]int)
	for _, r := range t.records {
		out[r.ModelID]++
	}
	return out
}

func (t *CrashTracker) countLocked(modelID string) int {
	n := 0
	for _, r := range t.records {
		if r.ModelID == modelID {
			n++
		}
	}
	return n
}

// trimLocked drops records older than the window. Records arrive in
// time order, so the slice is trimmed from the front.
func (t *CrashTracker) trimLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	first := 0
	for first < len(t.records) && !t.records[first].Timestamp.After(cutoff) {
		first++
	}
	if first > 0 {
		t.records = append([]datatypes.CrashRecord(nil), t.records[first:]...)
	}
}
