// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capabilities

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

// =============================================================================
// Roles
// =============================================================================

// Role names a slot in a profile's role->model map.
const (
	RoleRouter             = "router"
	RoleCoder              = "coder"
	RoleReasoning          = "reasoning"
	RoleResearch           = "research"
	RoleMath               = "math"
	RoleArtifactExtraction = "artifact_extraction"
)

// requiredRoles must be bound in every profile; artifact_extraction is
// optional because a profile may disable artifact output entirely.
var requiredRoles = []string{RoleRouter, RoleCoder, RoleReasoning, RoleResearch, RoleMath}

// =============================================================================
// Profile Specification
// =============================================================================

// ProfileSpec is one named bundle of VRAM limits and role bindings.
// Exactly one profile is active at a time; the profile manager owns the
// active reference.
type ProfileSpec struct {
	Name         string             `yaml:"name"`
	SoftLimitGB  float64            `yaml:"soft_limit_gb"`
	HardLimitGB  float64            `yaml:"hard_limit_gb"`
	Roles        map[string]string  `yaml:"roles"`
	FetchLimits  map[string]int     `yaml:"fetch_limits,omitempty"`
	Fallback     string             `yaml:"fallback_profile,omitempty"`
	Conservative bool               `yaml:"conservative_mode"`
}

// ModelForRole returns the bound model id, empty when the role is unbound.
func (p ProfileSpec) ModelForRole(role string) string {
	return p.Roles[role]
}

// FetchLimit returns the web-fetch budget for a route. Routes without an
// explicit entry get 0 (tool disabled); -1 means unlimited.
func (p ProfileSpec) FetchLimit(route string) int {
	if p.FetchLimits == nil {
		return 0
	}
	return p.FetchLimits[route]
}

// =============================================================================
// Configuration Document
// =============================================================================

// QueueSettings bounds the admission queue.
type QueueSettings struct {
	MaxSize    int `yaml:"max_size"`
	MaxRetries int `yaml:"max_retries"`
}

// BreakerSettings parameterizes the crash-based circuit breaker.
type BreakerSettings struct {
	Enabled       bool    `yaml:"enabled"`
	WindowSeconds int     `yaml:"window_seconds"`
	Threshold     int     `yaml:"threshold"`
	BufferGB      float64 `yaml:"buffer_gb"`
}

// Window returns the crash window as a duration.
func (b BreakerSettings) Window() time.Duration {
	return time.Duration(b.WindowSeconds) * time.Second
}

// StreamSettings controls chunk emission pacing per client surface.
type StreamSettings struct {
	ChatChunkIntervalMs int `yaml:"chat_chunk_interval_ms"`
	WebChunkIntervalMs  int `yaml:"web_chunk_interval_ms"`
}

// FeatureFlags gates optional behavior. All default off except
// streaming, which the loader turns on when the document omits the
// features block entirely.
type FeatureFlags struct {
	EnableStreaming       bool `yaml:"enable_streaming"`
	ConservativeMode      bool `yaml:"vram_conservative_mode"`
	CircuitBreakerEnabled bool `yaml:"vram_circuit_breaker_enabled"`
	ConfigHotReload       bool `yaml:"config_hot_reload"`
}

// Config is the single YAML document describing the whole serving
// backbone: model capabilities, profiles, queue and breaker parameters,
// and feature flags.
type Config struct {
	Models        []ModelCapability `yaml:"models"`
	Profiles      []ProfileSpec     `yaml:"profiles"`
	ActiveProfile string            `yaml:"active_profile"`
	Queue         QueueSettings     `yaml:"queue"`
	Breaker       BreakerSettings   `yaml:"circuit_breaker"`
	Stream        StreamSettings    `yaml:"stream"`
	Features      FeatureFlags      `yaml:"features"`
}

// Profile returns the named profile spec.
func (c *Config) Profile(name string) (ProfileSpec, bool) {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return ProfileSpec{}, false
}

// =============================================================================
// Loading
// =============================================================================

// Load reads, defaults, and validates a configuration document.
//
// Environment overrides follow the existing bootstrap convention of
// os.Getenv with defaults: the three feature flags can be flipped per
// deployment without editing the document (ENABLE_STREAMING,
// VRAM_CONSERVATIVE_MODE, VRAM_CIRCUIT_BREAKER_ENABLED).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a configuration document from bytes.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	// A document with no features block at all gets streaming on.
	var probe struct {
		Features *FeatureFlags `yaml:"features"`
	}
	if err := yaml.Unmarshal(raw, &probe); err == nil && probe.Features == nil {
		cfg.Features.EnableStreaming = true
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Queue.MaxSize == 0 {
		cfg.Queue.MaxSize = 50
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = datatypes.MaxRequestRetries
	}
	if cfg.Breaker.WindowSeconds == 0 {
		cfg.Breaker.WindowSeconds = 300
	}
	if cfg.Breaker.Threshold == 0 {
		cfg.Breaker.Threshold = 3
	}
	if cfg.Breaker.BufferGB == 0 {
		cfg.Breaker.BufferGB = 4
	}
	if cfg.Stream.ChatChunkIntervalMs == 0 {
		cfg.Stream.ChatChunkIntervalMs = 700
	}
	if cfg.Stream.WebChunkIntervalMs == 0 {
		cfg.Stream.WebChunkIntervalMs = 50
	}
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envBool("ENABLE_STREAMING"); ok {
		cfg.Features.EnableStreaming = v
	}
	if v, ok := envBool("VRAM_CONSERVATIVE_MODE"); ok {
		cfg.Features.ConservativeMode = v
	}
	if v, ok := envBool("VRAM_CIRCUIT_BREAKER_ENABLED"); ok {
		cfg.Features.CircuitBreakerEnabled = v
		cfg.Breaker.Enabled = v
	}
	// The feature flag and the breaker block both control the breaker;
	// either turning it on wins, an explicit env override wins over both.
	if cfg.Features.CircuitBreakerEnabled {
		cfg.Breaker.Enabled = true
	} else if cfg.Breaker.Enabled {
		cfg.Features.CircuitBreakerEnabled = true
	}
}

func envBool(key string) (bool, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// Validate enforces the document invariants:
//
//   - every profile has hard_limit_gb >= soft_limit_gb > 0
//   - every role binding and fallback reference resolves
//   - the active profile exists
//   - a conservative fallback never points at itself
func (c *Config) Validate() error {
	reg, err := NewRegistry(c.Models)
	if err != nil {
		return err
	}

	if len(c.Profiles) == 0 {
		return fmt.Errorf("config declares no profiles")
	}

	for _, p := range c.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profile with empty name")
		}
		if p.SoftLimitGB <= 0 || p.HardLimitGB < p.SoftLimitGB {
			return fmt.Errorf("profile %q: limits must satisfy hard >= soft > 0 (soft=%.1f hard=%.1f)",
				p.Name, p.SoftLimitGB, p.HardLimitGB)
		}
		for _, role := range requiredRoles {
			modelID := p.Roles[role]
			if modelID == "" {
				return fmt.Errorf("profile %q: role %q is unbound", p.Name, role)
			}
			if !reg.Has(modelID) {
				return fmt.Errorf("profile %q: role %q references unknown model %q", p.Name, role, modelID)
			}
		}
		if extract := p.Roles[RoleArtifactExtraction]; extract != "" && !reg.Has(extract) {
			return fmt.Errorf("profile %q: artifact_extraction references unknown model %q", p.Name, extract)
		}
		if p.Fallback != "" {
			if p.Fallback == p.Name {
				return fmt.Errorf("profile %q: fallback points at itself", p.Name)
			}
			if _, ok := c.Profile(p.Fallback); !ok {
				return fmt.Errorf("profile %q: fallback profile %q not declared", p.Name, p.Fallback)
			}
		}
	}

	if c.ActiveProfile == "" {
		c.ActiveProfile = c.Profiles[0].Name
	}
	if _, ok := c.Profile(c.ActiveProfile); !ok {
		return fmt.Errorf("active_profile %q not declared", c.ActiveProfile)
	}
	return nil
}
