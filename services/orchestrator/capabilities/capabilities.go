// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package capabilities holds the static model capability registry and
// the configuration document it is loaded from.
//
// # Description
//
// Every model that can be requested must have a capability record: which
// backend serves it, how much VRAM it occupies, its eviction priority
// class, and what generation features it supports. The registry is
// read-mostly — written at startup (and on optional hot reload), read on
// every admission decision.
//
// # Thread Safety
//
// Registry is safe for concurrent use. Reads return copies.
package capabilities

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// =============================================================================
// Enumerations
// =============================================================================

// BackendType is the sum type over concrete serving engines. A registry
// keyed by BackendType replaces inheritance dispatch in the backend
// manager.
type BackendType string

const (
	BackendOllama   BackendType = "OLLAMA"
	BackendSGLang   BackendType = "SGLANG"
	BackendVLLM     BackendType = "VLLM"
	BackendTRTLLM   BackendType = "TRT_LLM"
	BackendExternal BackendType = "EXTERNAL"
)

// ParseBackendType normalizes a config string into a BackendType.
func ParseBackendType(s string) (BackendType, error) {
	switch BackendType(strings.ToUpper(strings.TrimSpace(s))) {
	case BackendOllama:
		return BackendOllama, nil
	case BackendSGLang:
		return BackendSGLang, nil
	case BackendVLLM:
		return BackendVLLM, nil
	case BackendTRTLLM:
		return BackendTRTLLM, nil
	case BackendExternal:
		return BackendExternal, nil
	default:
		return "", fmt.Errorf("unknown backend type %q", s)
	}
}

// Priority is the eviction priority class. Lower numeric value means
// more protected: PriorityCritical models are never evicted.
//
// Comparisons read naturally with the numeric encoding: a model is
// evictable under a cap p when its Priority >= p.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority converts a config string into a Priority. Empty input
// defaults to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return PriorityCritical, nil
	case "HIGH":
		return PriorityHigh, nil
	case "NORMAL", "":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler for the string encoding.
func (p *Priority) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParsePriority(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ThinkingFormat names how a backend expects the reasoning switch:
// a boolean ("think": true) or a level string ("think": "high").
type ThinkingFormat string

const (
	ThinkingBool  ThinkingFormat = "bool"
	ThinkingLevel ThinkingFormat = "level"
)

// =============================================================================
// Model Capability
// =============================================================================

// ModelCapability is the static record for one model id.
//
// # Fields
//
//   - Backend / Endpoint: which serving engine hosts the model and where
//     it listens. Endpoint may be empty when the backend has a single
//     process-wide endpoint configured by environment.
//   - VRAMSizeGB: footprint charged against the manageable budget.
//   - KeepAliveSeconds: hint forwarded to backends that support it;
//     -1 means pin resident.
//   - IsExternal: model lives on a long-lived server outside the
//     orchestrator's lifecycle control. Tracked for visibility, never
//     loaded or unloaded by us, and excluded from manageable VRAM.
type ModelCapability struct {
	ModelID              string         `yaml:"model_id"`
	Backend              BackendType    `yaml:"backend"`
	Endpoint             string         `yaml:"endpoint,omitempty"`
	VRAMSizeGB           float64        `yaml:"vram_size_gb"`
	Priority             Priority       `yaml:"priority"`
	SupportsTools        bool           `yaml:"supports_tools"`
	SupportsThinking     bool           `yaml:"supports_thinking"`
	SupportsVision       bool           `yaml:"supports_vision"`
	ThinkingFormat       ThinkingFormat `yaml:"thinking_format,omitempty"`
	DefaultThinkingLevel string         `yaml:"default_thinking_level,omitempty"`
	KeepAliveSeconds     int            `yaml:"keep_alive_seconds,omitempty"`
	ContextWindow        int            `yaml:"context_window,omitempty"`
	IsExternal           bool           `yaml:"is_external"`
}

// KeepAlive renders the keep-alive hint in the backend string form
// ("-1", "300s"); empty when unset.
func (c ModelCapability) KeepAlive() string {
	switch {
	case c.KeepAliveSeconds == 0:
		return ""
	case c.KeepAliveSeconds < 0:
		return "-1"
	default:
		return fmt.Sprintf("%ds", c.KeepAliveSeconds)
	}
}

// =============================================================================
// Registry
// =============================================================================

// Registry is the concurrency-safe capability lookup table.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelCapability
}

// NewRegistry builds a registry from a capability list. Duplicate model
// ids are rejected.
func NewRegistry(caps []ModelCapability) (*Registry, error) {
	models := make(map[string]ModelCapability, len(caps))
	for _, c := range caps {
		if c.ModelID == "" {
			return nil, fmt.Errorf("capability record with empty model_id")
		}
		if _, dup := models[c.ModelID]; dup {
			return nil, fmt.Errorf("duplicate capability for model %q", c.ModelID)
		}
		if c.Priority == 0 {
			c.Priority = PriorityNormal
		}
		if c.ThinkingFormat == "" {
			c.ThinkingFormat = ThinkingBool
		}
		models[c.ModelID] = c
	}
	return &Registry{models: models}, nil
}

// Get returns the capability for a model id.
func (r *Registry) Get(modelID string) (ModelCapability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.models[modelID]
	return c, ok
}

// Has reports whether a model id is registered.
func (r *Registry) Has(modelID string) bool {
	_, ok := r.Get(modelID)
	return ok
}

// All returns every capability, sorted by model id for stable output.
func (r *Registry) All() []ModelCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelCapability, 0, len(r.models))
	for _, c := range r.models {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Replace swaps the whole capability set atomically. Used by the config
// hot-reload path; the replacement has already been validated.
func (r *Registry) Replace(caps []ModelCapability) error {
	fresh, err := NewRegistry(caps)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.models = fresh.models
	r.mu.Unlock()
	return nil
}
