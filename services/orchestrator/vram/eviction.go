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
	"sort"

	"github.com/lumenforge/modelhost/services/orchestrator/capabilities"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

// EvictionStrategy selects which resident models to unload so that an
// incoming model fits under the hard limit.
//
// # Contract
//
// SelectVictims returns an ordered victim list whose combined size frees
// at least the shortfall currentUsageGB + requiredGB - hardLimitGB; when
// that is zero or less, nothing is evicted. Implementations must honor,
// in order:
//
//  1. never evict CRITICAL models
//  2. prefer lower priority classes
//  3. within a priority class, oldest last_accessed first
//  4. never evict external models
//
// When no feasible victim set exists the strategy fails with a
// *datatypes.MemoryError.
type EvictionStrategy interface {
	SelectVictims(loaded []LoadedModel, modelID string, requiredGB, currentUsageGB, hardLimitGB float64) ([]string, error)
}

// PriorityLRUStrategy is the production strategy: evict by priority
// class first, LRU within a class.
type PriorityLRUStrategy struct{}

// SelectVictims implements EvictionStrategy.
func (PriorityLRUStrategy) SelectVictims(loaded []LoadedModel, modelID string,
	requiredGB, currentUsageGB, hardLimitGB float64) ([]string, error) {

	needGB := requiredGB + (currentUsageGB - hardLimitGB)
	if needGB <= 0 {
		return nil, nil
	}

	candidates := evictionOrder(loaded, capabilities.PriorityHigh)

	var victims []string
	var freedGB float64
	for _, m := range candidates {
		if freedGB >= needGB {
			break
		}
		victims = append(victims, m.ModelID)
		freedGB += m.SizeGB
	}

	if freedGB < needGB {
		return nil, &datatypes.MemoryError{
			ModelID:     modelID,
			RequiredGB:  needGB,
			AvailableGB: freedGB,
		}
	}
	return victims, nil
}

// evictionOrder returns the evictable models (priority >= floor, never
// CRITICAL, never external) sorted worst-first: lowest priority class
// first, oldest last_accessed within a class.
func evictionOrder(loaded []LoadedModel, floor capabilities.Priority) []LoadedModel {
	var out []LoadedModel
	for _, m := range loaded {
		if m.IsExternal || m.Priority == capabilities.PriorityCritical || m.Priority < floor {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].LastAccessed.Before(out[j].LastAccessed)
	})
	return out
}
