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

	"github.com/lumenforge/modelhost/services/orchestrator/capabilities"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

func loaded(id string, sizeGB float64, prio capabilities.Priority, accessedAt time.Time, external bool) LoadedModel {
	return LoadedModel{
		ModelID:      id,
		SizeGB:       sizeGB,
		Priority:     prio,
		LastAccessed: accessedAt,
		IsExternal:   external,
	}
}

func TestPriorityLRUStrategy(t *testing.T) {
	base := time.Now()
	strategy := PriorityLRUStrategy{}

	tests := []struct {
		name        string
		models      []LoadedModel
		requiredGB  float64
		usageGB     float64
		hardGB      float64
		wantVictims []string
		wantErr     bool
	}{
		{
			name: "already fits",
			models: []LoadedModel{
				loaded("a", 10, capabilities.PriorityNormal, base, false),
			},
			requiredGB: 5, usageGB: 10, hardGB: 100,
			wantVictims: nil,
		},
		{
			name: "lower priority first even when younger",
			models: []LoadedModel{
				loaded("normal-old", 30, capabilities.PriorityNormal, base, false),
				loaded("low-young", 30, capabilities.PriorityLow, base.Add(time.Hour), false),
			},
			requiredGB: 30, usageGB: 60, hardGB: 60,
			wantVictims: []string{"low-young"},
		},
		{
			name: "lru within a priority class",
			models: []LoadedModel{
				loaded("young", 30, capabilities.PriorityNormal, base.Add(time.Hour), false),
				loaded("old", 30, capabilities.PriorityNormal, base, false),
			},
			requiredGB: 30, usageGB: 60, hardGB: 60,
			wantVictims: []string{"old"},
		},
		{
			name: "critical and external never selected",
			models: []LoadedModel{
				loaded("critical", 40, capabilities.PriorityCritical, base, false),
				loaded("ext", 40, capabilities.PriorityNormal, base, true),
				loaded("low", 10, capabilities.PriorityLow, base, false),
			},
			requiredGB: 10, usageGB: 50, hardGB: 50,
			wantVictims: []string{"low"},
		},
		{
			name: "accumulates victims until enough",
			models: []LoadedModel{
				loaded("low-a", 10, capabilities.PriorityLow, base, false),
				loaded("low-b", 10, capabilities.PriorityLow, base.Add(time.Minute), false),
				loaded("high", 40, capabilities.PriorityHigh, base, false),
			},
			requiredGB: 15, usageGB: 60, hardGB: 60,
			wantVictims: []string{"low-a", "low-b"},
		},
		{
			name: "infeasible",
			models: []LoadedModel{
				loaded("critical", 50, capabilities.PriorityCritical, base, false),
			},
			requiredGB: 20, usageGB: 50, hardGB: 50,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			victims, err := strategy.SelectVictims(tt.models, "incoming", tt.requiredGB, tt.usageGB, tt.hardGB)
			if tt.wantErr {
				var memErr *datatypes.MemoryError
				require.ErrorAs(t, err, &memErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVictims, victims)
		})
	}
}

// Mixed-priority scenario: CRITICAL/40 + NORMAL/30 + LOW/25 resident
// (95 GB), an incoming NORMAL/30 against a 100 GB hard limit. The
// strategy evicts the minimal prefix of the priority-then-LRU order:
// LOW/25 alone frees the 25 GB shortfall, so the older NORMAL/30
// survives. Eviction is sized to the shortfall, never to the candidate
// list — evicting NORMAL here would trade a warm model for nothing.
func TestPriorityLRUStrategy_MixedPriorityMinimalEviction(t *testing.T) {
	base := time.Now()
	models := []LoadedModel{
		// last_accessed order: normal(1) < low(2) < critical(3)
		loaded("normal", 30, capabilities.PriorityNormal, base.Add(1*time.Second), false),
		loaded("low", 25, capabilities.PriorityLow, base.Add(2*time.Second), false),
		loaded("critical", 40, capabilities.PriorityCritical, base.Add(3*time.Second), false),
	}

	victims, err := PriorityLRUStrategy{}.SelectVictims(models, "incoming", 30, 95, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"low"}, victims,
		"LOW is first in eviction order and alone covers the shortfall")

	// Sanity: the post-eviction budget holds with the incoming model.
	assert.LessOrEqual(t, 95.0-25+30, 100.0)
}
