// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package capabilities

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `
models:
  - model_id: small
    backend: OLLAMA
    vram_size_gb: 4
    priority: CRITICAL
    supports_tools: true
    keep_alive_seconds: -1
  - model_id: big
    backend: OLLAMA
    vram_size_gb: 40
    priority: NORMAL
    supports_thinking: true
    thinking_format: level
    default_thinking_level: high
  - model_id: hosted
    backend: EXTERNAL
    vram_size_gb: 0
    priority: LOW
    is_external: true

profiles:
  - name: default
    soft_limit_gb: 80
    hard_limit_gb: 100
    fallback_profile: safe
    roles:
      router: small
      coder: big
      reasoning: big
      research: big
      math: big
    fetch_limits:
      RESEARCH: 5
  - name: safe
    soft_limit_gb: 40
    hard_limit_gb: 50
    conservative_mode: true
    roles:
      router: small
      coder: small
      reasoning: small
      research: small
      math: small

active_profile: default

queue:
  max_size: 25

circuit_breaker:
  enabled: true
  window_seconds: 120
  threshold: 4
`

func TestParse_ValidDocument(t *testing.T) {
	cfg, err := Parse([]byte(validDoc))
	require.NoError(t, err)

	assert.Len(t, cfg.Models, 3)
	assert.Equal(t, "default", cfg.ActiveProfile)
	assert.Equal(t, 25, cfg.Queue.MaxSize)
	assert.Equal(t, 2, cfg.Queue.MaxRetries, "retry default applies")
	assert.Equal(t, 120, cfg.Breaker.WindowSeconds)
	assert.Equal(t, 4, cfg.Breaker.Threshold)
	assert.Equal(t, 4.0, cfg.Breaker.BufferGB, "buffer default applies")
	assert.True(t, cfg.Features.CircuitBreakerEnabled,
		"breaker block enables the feature flag")

	def, ok := cfg.Profile("default")
	require.True(t, ok)
	assert.Equal(t, 5, def.FetchLimit("RESEARCH"))
	assert.Equal(t, 0, def.FetchLimit("MATH"))
	assert.Equal(t, "safe", def.Fallback)

	safe, ok := cfg.Profile("safe")
	require.True(t, ok)
	assert.True(t, safe.Conservative)
}

func TestParse_Priorities(t *testing.T) {
	cfg, err := Parse([]byte(validDoc))
	require.NoError(t, err)

	reg, err := NewRegistry(cfg.Models)
	require.NoError(t, err)

	small, _ := reg.Get("small")
	assert.Equal(t, PriorityCritical, small.Priority)
	assert.Equal(t, "-1", small.KeepAlive())

	big, _ := reg.Get("big")
	assert.Equal(t, PriorityNormal, big.Priority)
	assert.Equal(t, ThinkingLevel, big.ThinkingFormat)
	assert.Equal(t, "high", big.DefaultThinkingLevel)

	hosted, _ := reg.Get("hosted")
	assert.True(t, hosted.IsExternal)
}

func TestParse_InvalidDocuments(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "hard below soft",
			mutate:  func(s string) string { return strings.Replace(s, "hard_limit_gb: 100", "hard_limit_gb: 10", 1) },
			wantErr: "hard >= soft",
		},
		{
			name:    "role references unknown model",
			mutate:  func(s string) string { return strings.Replace(s, "coder: big", "coder: missing", 1) },
			wantErr: "unknown model",
		},
		{
			name:    "unknown active profile",
			mutate:  func(s string) string { return strings.Replace(s, "active_profile: default", "active_profile: nope", 1) },
			wantErr: "not declared",
		},
		{
			name:    "unknown fallback",
			mutate:  func(s string) string { return strings.Replace(s, "fallback_profile: safe", "fallback_profile: nope", 1) },
			wantErr: "not declared",
		},
		{
			name:    "duplicate model id",
			mutate:  func(s string) string { return strings.Replace(s, "model_id: big", "model_id: small", 1) },
			wantErr: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.mutate(validDoc)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("ENABLE_STREAMING", "true")
	t.Setenv("VRAM_CIRCUIT_BREAKER_ENABLED", "false")

	cfg, err := Parse([]byte(validDoc))
	require.NoError(t, err)
	assert.True(t, cfg.Features.EnableStreaming)
	assert.False(t, cfg.Breaker.Enabled, "env override wins over the document")
}

func TestRegistry_Replace(t *testing.T) {
	reg, err := NewRegistry([]ModelCapability{{ModelID: "a", Backend: BackendOllama}})
	require.NoError(t, err)
	require.True(t, reg.Has("a"))

	require.NoError(t, reg.Replace([]ModelCapability{{ModelID: "b", Backend: BackendOllama}}))
	assert.False(t, reg.Has("a"))
	assert.True(t, reg.Has("b"))

	// A bad replacement leaves the registry untouched.
	require.Error(t, reg.Replace([]ModelCapability{{ModelID: ""}}))
	assert.True(t, reg.Has("b"))
}

func TestParseBackendType(t *testing.T) {
	bt, err := ParseBackendType("ollama")
	require.NoError(t, err)
	assert.Equal(t, BackendOllama, bt)

	_, err = ParseBackendType("mystery")
	assert.Error(t, err)
}
