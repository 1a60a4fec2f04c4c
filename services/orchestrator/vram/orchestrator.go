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
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/orchestrator/capabilities"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("modelhost.vram")

// largeModelThresholdGB is the size above which a load is preceded by an
// OS buffer-cache flush. Multi-file loads in this class are sensitive to
// filesystem cache pressure.
const largeModelThresholdGB = 70.0

// =============================================================================
// Results
// =============================================================================

// StatusSnapshot is a deep copy of orchestrator state for status
// endpoints. UsagePercent is computed against manageable bytes only.
type StatusSnapshot struct {
	ManageableUsageGB float64        `json:"manageable_usage_gb"`
	TotalUsageGB      float64        `json:"total_usage_gb"`
	UsagePercent      float64        `json:"usage_percent"`
	SoftLimitGB       float64        `json:"soft_limit_gb"`
	HardLimitGB       float64        `json:"hard_limit_gb"`
	Models            []LoadedModel  `json:"models"`
	CrashCounts       map[string]int `json:"crash_counts,omitempty"`
}

// ReconcileResult reports one reconciliation pass.
type ReconcileResult struct {
	RegistryCount int      `json:"registry_count"`
	BackendCount  int      `json:"backend_count"`
	CleanedCount  int      `json:"cleaned_count"`
	CleanedModels []string `json:"cleaned_models,omitempty"`
}

// EvictionResult reports one emergency eviction attempt. Evicted is
// false when no eligible model existed; Reason says why.
type EvictionResult struct {
	Evicted bool    `json:"evicted"`
	ModelID string  `json:"model_id,omitempty"`
	FreedGB float64 `json:"freed_gb"`
	Reason  string  `json:"reason,omitempty"`
}

// =============================================================================
// Orchestrator
// =============================================================================

// Options configures an Orchestrator.
type Options struct {
	Capabilities *capabilities.Registry
	Backends     *BackendManager
	Memory       MemoryMonitor
	Crashes      *CrashTracker
	Strategy     EvictionStrategy

	SoftLimitGB float64
	HardLimitGB float64

	// BreakerEnabled gates every circuit-breaker interaction, including
	// crash recording on unload.
	BreakerEnabled bool

	// BufferGB is the headroom target the breaker frees ahead of a
	// retry on an unstable model.
	BufferGB float64
}

// Orchestrator is the single authority over model residency. See the
// package comment for the concurrency contract.
type Orchestrator struct {
	opts     Options
	registry *modelRegistry
	logger   *slog.Logger

	// mu serializes admission, eviction, and registry mutation.
	mu sync.Mutex

	// loads collapses concurrent RequestModelLoad calls for the same
	// model id into one execution of the load algorithm.
	loads singleflight.Group

	// limits are mutated by profile switches via UpdateLimits.
	softLimitGB float64
	hardLimitGB float64

	now func() time.Time
}

// NewOrchestrator builds the orchestrator. Strategy defaults to
// PriorityLRUStrategy, Memory to the nop monitor.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Strategy == nil {
		opts.Strategy = PriorityLRUStrategy{}
	}
	if opts.Memory == nil {
		opts.Memory = &NopMemoryMonitor{}
	}
	return &Orchestrator{
		opts:        opts,
		registry:    newModelRegistry(),
		logger:      logging.For("vram_orchestrator"),
		softLimitGB: opts.SoftLimitGB,
		hardLimitGB: opts.HardLimitGB,
		now:         time.Now,
	}
}

// =============================================================================
// Load
// =============================================================================

// RequestModelLoad admits a model into the VRAM budget.
//
// # Description
//
// Runs the admission algorithm: fast-path cache hit, capability
// resolution, circuit-breaker gate, large-model cache flush, capacity
// check with eviction, and finally registration. Registration reserves
// the budget slot only — the backend load itself happens lazily on the
// next generation, which keeps admission cheap; reconciliation squares
// the optimistic registry against backend reality.
//
// Concurrent callers for the same model id collapse into one execution;
// the rest block on its outcome.
//
// # Outputs
//
//   - error: *datatypes.ConfigError for unknown models,
//     *datatypes.CircuitBreakerError while the breaker is open,
//     *datatypes.MemoryError when eviction cannot make room.
func (o *Orchestrator) RequestModelLoad(ctx context.Context, modelID string,
	temperature *float32, additionalArgs map[string]any) error {

	ctx, span := tracer.Start(ctx, "vram.request_model_load")
	defer span.End()
	span.SetAttributes(attribute.String("model", modelID))

	_, err, _ := o.loads.Do(modelID, func() (interface{}, error) {
		return nil, o.loadOne(ctx, modelID)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (o *Orchestrator) loadOne(ctx context.Context, modelID string) error {
	o.mu.Lock()

	// 1. Fast-path cache hit. Externals take the same short-circuit;
	// their lifecycle is never ours to drive.
	if m, ok := o.registry.get(modelID); ok {
		m.LastAccessed = o.now()
		o.mu.Unlock()
		o.logger.Debug("load cache hit", "model", modelID)
		return nil
	}

	// 2. Resolve capabilities.
	mc, ok := o.opts.Capabilities.Get(modelID)
	if !ok {
		o.mu.Unlock()
		return &datatypes.ConfigError{ModelID: modelID}
	}

	if mc.IsExternal {
		// Track for visibility only.
		now := o.now()
		o.registry.insert(&LoadedModel{
			ModelID:      modelID,
			Backend:      mc.Backend,
			SizeGB:       mc.VRAMSizeGB,
			Priority:     mc.Priority,
			LoadedAt:     now,
			LastAccessed: now,
			IsExternal:   true,
		})
		o.mu.Unlock()
		return nil
	}

	// 3. Circuit breaker gate. While open, free headroom for the
	// eventual retry, then reject: the whole point of the breaker is
	// that this model does not get another immediate chance.
	if o.opts.BreakerEnabled && o.opts.Crashes != nil && o.opts.Crashes.IsTripped(modelID) {
		o.evictForHeadroomLocked(ctx, mc.VRAMSizeGB+o.opts.BufferGB)
		count := o.opts.Crashes.Count(modelID)
		retryAfter := o.opts.Crashes.RetryAfterSeconds(modelID)
		o.mu.Unlock()
		o.logger.Warn("circuit breaker rejected load",
			"model", modelID,
			"crash_count", count,
			"retry_after_s", retryAfter,
		)
		return &datatypes.CircuitBreakerError{
			ModelID:           modelID,
			CrashCount:        count,
			RetryAfterSeconds: retryAfter,
		}
	}

	// 4. Large loads are sensitive to filesystem cache pressure.
	if mc.VRAMSizeGB > largeModelThresholdGB {
		if err := o.opts.Memory.FlushBufferCache(ctx); err != nil {
			o.logger.Warn("pre-load cache flush failed, continuing", "model", modelID, "error", err)
		}
	}

	// 5-7. Capacity check and eviction.
	usage := o.registry.manageableUsageGB()
	if usage+mc.VRAMSizeGB > o.hardLimitGB {
		victims, err := o.opts.Strategy.SelectVictims(
			o.registry.list(), modelID, mc.VRAMSizeGB, usage, o.hardLimitGB)
		if err != nil {
			o.mu.Unlock()
			return err
		}
		o.evictVictimsLocked(ctx, victims, "capacity")

		if o.registry.manageableUsageGB()+mc.VRAMSizeGB > o.hardLimitGB {
			remaining := o.hardLimitGB - o.registry.manageableUsageGB()
			o.mu.Unlock()
			return &datatypes.MemoryError{
				ModelID:     modelID,
				RequiredGB:  mc.VRAMSizeGB,
				AvailableGB: remaining,
			}
		}
	}

	// 8. Reserve the slot. The backend driver performs the actual load
	// on next generation.
	now := o.now()
	o.registry.insert(&LoadedModel{
		ModelID:      modelID,
		Backend:      mc.Backend,
		SizeGB:       mc.VRAMSizeGB,
		Priority:     mc.Priority,
		LoadedAt:     now,
		LastAccessed: now,
	})
	usage = o.registry.manageableUsageGB()
	o.mu.Unlock()

	o.logger.Info("model admitted",
		"model", modelID,
		"size_gb", mc.VRAMSizeGB,
		"manageable_gb", usage,
		"hard_limit_gb", o.hardLimitGB,
	)
	return nil
}

// evictForHeadroomLocked evicts NORMAL-and-below LRU candidates until
// free space reaches targetGB. Best effort; used by the breaker path.
func (o *Orchestrator) evictForHeadroomLocked(ctx context.Context, targetGB float64) {
	candidates := evictionOrder(o.registry.list(), capabilities.PriorityNormal)
	for _, m := range candidates {
		if o.hardLimitGB-o.registry.manageableUsageGB() >= targetGB {
			return
		}
		o.evictVictimsLocked(ctx, []string{m.ModelID}, "breaker_headroom")
	}
}

// evictVictimsLocked unloads each victim on its backend and removes it
// from the registry. An unload failure leaves the model registered and
// counted — the budget must keep reflecting what is plausibly resident.
func (o *Orchestrator) evictVictimsLocked(ctx context.Context, victims []string, reason string) {
	for _, id := range victims {
		m, ok := o.registry.get(id)
		if !ok || m.IsExternal {
			continue
		}
		if err := o.opts.Backends.Unload(ctx, id, m.Backend); err != nil {
			o.logger.Warn("eviction unload failed, keeping registered",
				"model", id, "reason", reason, "error", err)
			continue
		}
		o.registry.remove(id)
		o.logger.Info("model evicted", "model", id, "size_gb", m.SizeGB, "reason", reason)
	}
}

// =============================================================================
// Access and Unload
// =============================================================================

// MarkModelAccessed bumps the LRU timestamp. Emitted by the agent runner
// at the start of each generation.
func (o *Orchestrator) MarkModelAccessed(modelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.registry.get(modelID); ok {
		m.LastAccessed = o.now()
	}
}

// MarkModelUnloaded removes a model from tracking.
//
// Non-external models are unloaded on their backend first. A crashed
// unload is recorded in the crash tracker regardless of whether the
// model was tracked, so repeated connection failures on untracked
// externals still arm the breaker. Calling twice is a no-op the second
// time.
func (o *Orchestrator) MarkModelUnloaded(ctx context.Context, modelID string, crashed bool, crashReason string) {
	o.mu.Lock()
	if m, ok := o.registry.get(modelID); ok {
		if !m.IsExternal {
			if err := o.opts.Backends.Unload(ctx, modelID, m.Backend); err != nil {
				o.logger.Warn("backend unload failed", "model", modelID, "error", err)
			}
		}
		o.registry.remove(modelID)
	}
	o.mu.Unlock()

	if crashed && o.opts.BreakerEnabled && o.opts.Crashes != nil {
		o.opts.Crashes.RecordCrash(modelID, crashReason)
	}
}

// =============================================================================
// Status, Reconciliation, Emergency Eviction
// =============================================================================

// GetStatus returns a deep copy of current residency and crash state.
func (o *Orchestrator) GetStatus() StatusSnapshot {
	o.mu.Lock()
	models := o.registry.list()
	manageable := o.registry.manageableUsageGB()
	total := o.registry.totalUsageGB()
	soft, hard := o.softLimitGB, o.hardLimitGB
	o.mu.Unlock()

	snap := StatusSnapshot{
		ManageableUsageGB: manageable,
		TotalUsageGB:      total,
		SoftLimitGB:       soft,
		HardLimitGB:       hard,
		Models:            models,
	}
	if hard > 0 {
		snap.UsagePercent = manageable / hard * 100
	}
	if o.opts.Crashes != nil {
		snap.CrashCounts = o.opts.Crashes.Stats()
	}
	return snap
}

// ReconcileRegistry squares the optimistic registry against what the
// backends actually have resident.
//
// Registry entries missing from the backends (killed externally, e.g.
// by the OOM killer) are silently unregistered. Backend entries we do
// not track are logged but left alone — the backend may be managing
// pre-loaded auxiliary models.
func (o *Orchestrator) ReconcileRegistry(ctx context.Context) ReconcileResult {
	// The backend survey does network I/O; take it before the mutex.
	actual := o.opts.Backends.ListLoaded(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()

	result := ReconcileResult{
		RegistryCount: o.registry.len(),
		BackendCount:  len(actual),
	}

	for _, m := range o.registry.list() {
		if _, present := actual[m.ModelID]; !present {
			o.registry.remove(m.ModelID)
			result.CleanedModels = append(result.CleanedModels, m.ModelID)
			o.logger.Info("reconciliation removed stale entry", "model", m.ModelID)
		}
	}
	result.CleanedCount = len(result.CleanedModels)

	for id := range actual {
		if _, tracked := o.registry.get(id); !tracked {
			o.logger.Info("backend has untracked model, leaving alone", "model", id)
		}
	}
	return result
}

// EmergencyEvictLRU evicts exactly one victim: the globally
// least-recently-used model with priority >= maxPriority and not
// CRITICAL, never external. Triggered by sustained memory pressure.
func (o *Orchestrator) EmergencyEvictLRU(ctx context.Context, maxPriority capabilities.Priority) EvictionResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	var victim *LoadedModel
	for _, m := range o.registry.list() {
		if m.IsExternal || m.Priority == capabilities.PriorityCritical || m.Priority < maxPriority {
			continue
		}
		m := m
		if victim == nil || m.LastAccessed.Before(victim.LastAccessed) {
			victim = &m
		}
	}
	if victim == nil {
		return EvictionResult{Reason: "no eligible model"}
	}

	if err := o.opts.Backends.Unload(ctx, victim.ModelID, victim.Backend); err != nil {
		o.logger.Warn("emergency unload failed", "model", victim.ModelID, "error", err)
		return EvictionResult{Reason: "unload failed: " + err.Error()}
	}
	o.registry.remove(victim.ModelID)
	o.logger.Warn("emergency eviction", "model", victim.ModelID, "freed_gb", victim.SizeGB)
	return EvictionResult{Evicted: true, ModelID: victim.ModelID, FreedGB: victim.SizeGB}
}

// FlushBufferCache drops the OS filesystem cache on demand.
func (o *Orchestrator) FlushBufferCache(ctx context.Context) error {
	return o.opts.Memory.FlushBufferCache(ctx)
}

// UpdateLimits swaps the budget limits. Called by profile switches. A
// shrink below current usage does not trigger immediate eviction; the
// next admission squeezes under the new limit.
func (o *Orchestrator) UpdateLimits(softLimitGB, hardLimitGB float64) {
	o.mu.Lock()
	o.softLimitGB = softLimitGB
	o.hardLimitGB = hardLimitGB
	over := o.registry.manageableUsageGB() > hardLimitGB
	o.mu.Unlock()

	o.logger.Info("limits updated", "soft_gb", softLimitGB, "hard_gb", hardLimitGB)
	if over {
		o.logger.Warn("current usage exceeds new hard limit, next load will evict")
	}
}

// HardLimitGB reports the current hard limit.
func (o *Orchestrator) HardLimitGB() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hardLimitGB
}
