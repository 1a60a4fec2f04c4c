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
	"fmt"
	"sync"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/llm"
	"github.com/lumenforge/modelhost/services/orchestrator/capabilities"
)

// LoadOptions carries the per-load knobs a backend understands.
type LoadOptions struct {
	// KeepAlive in the backend string form: "-1" pins, "300s" expires.
	KeepAlive string

	// NumCtx is the context window to load with. Some engines reset to
	// a small default when this is omitted.
	NumCtx int

	Temperature *float32
}

// Backend is the common capability set every serving engine exposes to
// the orchestrator: load, unload, list what is resident, and hand out a
// chat client for generation.
//
// Engines that manage a fixed model set (vLLM, SGLang serving one model
// per process; external providers) implement Load and Unload as cheap
// no-ops and report their fixed set from ListLoaded.
type Backend interface {
	Load(ctx context.Context, modelID string, opts LoadOptions) error
	Unload(ctx context.Context, modelID string) error
	ListLoaded(ctx context.Context) ([]string, error)
	Client() llm.LLMClient
}

// =============================================================================
// Backend Manager
// =============================================================================

// BackendManager is the backend-agnostic facade over the concrete
// serving engines, keyed by backend type.
type BackendManager struct {
	mu       sync.RWMutex
	backends map[capabilities.BackendType]Backend
	logger   interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
	}
}

// NewBackendManager returns an empty manager; engines are registered by
// the process root during wiring.
func NewBackendManager() *BackendManager {
	return &BackendManager{
		backends: make(map[capabilities.BackendType]Backend),
		logger:   logging.For("backend_manager"),
	}
}

// Register binds a backend implementation to its type. Re-registering a
// type replaces the previous binding.
func (bm *BackendManager) Register(bt capabilities.BackendType, b Backend) {
	bm.mu.Lock()
	bm.backends[bt] = b
	bm.mu.Unlock()
	bm.logger.Info("backend registered", "type", string(bt))
}

// Get returns the backend for a type.
func (bm *BackendManager) Get(bt capabilities.BackendType) (Backend, error) {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	b, ok := bm.backends[bt]
	if !ok {
		return nil, fmt.Errorf("no backend registered for type %s", bt)
	}
	return b, nil
}

// Unload dispatches an unload to the owning backend.
func (bm *BackendManager) Unload(ctx context.Context, modelID string, bt capabilities.BackendType) error {
	b, err := bm.Get(bt)
	if err != nil {
		return err
	}
	return b.Unload(ctx, modelID)
}

// ListLoaded aggregates the resident model ids reported by every
// registered backend. A backend that fails to answer is skipped with a
// warning; reconciliation degrades to the backends that did answer.
func (bm *BackendManager) ListLoaded(ctx context.Context) map[string]capabilities.BackendType {
	bm.mu.RLock()
	snapshot := make(map[capabilities.BackendType]Backend, len(bm.backends))
	for bt, b := range bm.backends {
		snapshot[bt] = b
	}
	bm.mu.RUnlock()

	out := make(map[string]capabilities.BackendType)
	for bt, b := range snapshot {
		ids, err := b.ListLoaded(ctx)
		if err != nil {
			bm.logger.Warn("backend list_loaded failed", "type", string(bt), "error", err)
			continue
		}
		for _, id := range ids {
			out[id] = bt
		}
	}
	return out
}
