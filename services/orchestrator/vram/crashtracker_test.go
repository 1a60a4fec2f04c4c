// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrashTracker_WindowedCount(t *testing.T) {
	tracker := NewCrashTracker(60*time.Second, 3)
	base := time.Now()
	now := base
	tracker.now = func() time.Time { return now }

	tracker.RecordCrash("X", "refused")
	now = base.Add(10 * time.Second)
	tracker.RecordCrash("X", "refused")
	now = base.Add(20 * time.Second)
	tracker.RecordCrash("Y", "timeout")

	assert.Equal(t, 2, tracker.Count("X"))
	assert.Equal(t, 1, tracker.Count("Y"))
	assert.Equal(t, 0, tracker.Count("Z"))

	// The first X crash ages out at base+60.
	now = base.Add(61 * time.Second)
	assert.Equal(t, 1, tracker.Count("X"))

	now = base.Add(2 * time.Minute)
	assert.Equal(t, 0, tracker.Count("X"))
	assert.Equal(t, 0, tracker.Count("Y"))
}

func TestCrashTracker_ThresholdAndAlert(t *testing.T) {
	tracker := NewCrashTracker(60*time.Second, 3)

	tracker.RecordCrash("X", "refused")
	tracker.RecordCrash("X", "refused")
	assert.False(t, tracker.IsTripped("X"))
	select {
	case alert := <-tracker.Alerts():
		t.Fatalf("no alert expected below threshold, got %+v", alert)
	default:
	}

	tracker.RecordCrash("X", "refused")
	assert.True(t, tracker.IsTripped("X"))

	select {
	case alert := <-tracker.Alerts():
		assert.Equal(t, "X", alert.ModelID)
		assert.Equal(t, 3, alert.Count)
	default:
		t.Fatal("expected a crash alert at threshold")
	}
}

func TestCrashTracker_RetryAfterSeconds(t *testing.T) {
	tracker := NewCrashTracker(60*time.Second, 3)
	base := time.Now()
	now := base
	tracker.now = func() time.Time { return now }

	tracker.RecordCrash("X", "refused")

	now = base.Add(15 * time.Second)
	retry := tracker.RetryAfterSeconds("X")
	require.InDelta(t, 45.0, retry, 0.01,
		"retry_after must be window minus seconds since last crash")

	assert.Equal(t, 0.0, tracker.RetryAfterSeconds("never-crashed"))
}

func TestCrashTracker_Stats(t *testing.T) {
	tracker := NewCrashTracker(60*time.Second, 3)
	tracker.RecordCrash("X", "a")
	tracker.RecordCrash("X", "b")
	tracker.RecordCrash("Y", "c")

	stats := tracker.Stats()
	assert.Equal(t, map[string]int{"X": 2, "Y": 1}, stats)
}
