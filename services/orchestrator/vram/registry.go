// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vram implements the VRAM orchestrator: the single authority
// over which models occupy GPU memory.
//
// # Description
//
// The orchestrator serializes all model load and unload decisions behind
// one mutex so that the set of resident models always fits the active
// profile's hard budget. It is composed of a tracked-model registry, a
// memory monitor, a priority-bounded LRU eviction strategy, a
// backend-agnostic manager over the serving engines, and a crash tracker
// that arms the circuit breaker.
//
// # Concurrency
//
// Exactly one orchestrator-wide mutex guards admission, eviction, and
// registry mutation. Reconciliation and emergency eviction contend for
// the same mutex. Concurrent load requests for the same model id are
// additionally collapsed through a singleflight group so only one caller
// runs the load algorithm.
package vram

import (
	"sort"
	"time"

	"github.com/lumenforge/modelhost/services/orchestrator/capabilities"
)

// LoadedModel is one tracked resident model.
//
// IsExternal entries are visibility-only: they never count against the
// manageable budget and the orchestrator never drives their lifecycle.
type LoadedModel struct {
	ModelID      string                   `json:"model_id"`
	Backend      capabilities.BackendType `json:"backend"`
	SizeGB       float64                  `json:"size_gb"`
	Priority     capabilities.Priority    `json:"priority"`
	LoadedAt     time.Time                `json:"loaded_at"`
	LastAccessed time.Time                `json:"last_accessed"`
	IsExternal   bool                     `json:"is_external"`
}

// modelRegistry is the exclusive owner of LoadedModel entries.
//
// It carries no lock of its own: every method is called under the
// orchestrator mutex.
type modelRegistry struct {
	models map[string]*LoadedModel
}

func newModelRegistry() *modelRegistry {
	return &modelRegistry{models: make(map[string]*LoadedModel)}
}

func (r *modelRegistry) get(modelID string) (*LoadedModel, bool) {
	m, ok := r.models[modelID]
	return m, ok
}

func (r *modelRegistry) insert(m *LoadedModel) {
	r.models[m.ModelID] = m
}

func (r *modelRegistry) remove(modelID string) bool {
	if _, ok := r.models[modelID]; !ok {
		return false
	}
	delete(r.models, modelID)
	return true
}

func (r *modelRegistry) len() int { return len(r.models) }

// list returns value copies sorted by model id, stable for status output.
func (r *modelRegistry) list() []LoadedModel {
	out := make([]LoadedModel, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// manageableUsageGB sums sizes over non-external models only.
func (r *modelRegistry) manageableUsageGB() float64 {
	var total float64
	for _, m := range r.models {
		if !m.IsExternal {
			total += m.SizeGB
		}
	}
	return total
}

// totalUsageGB sums sizes over every tracked model, externals included.
func (r *modelRegistry) totalUsageGB() float64 {
	var total float64
	for _, m := range r.models {
		total += m.SizeGB
	}
	return total
}
