// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP and WebSocket handlers for the
// orchestrator service.
//
// This file contains URL resolution for the backend serving engines,
// centralizing endpoint configuration. It handles environment variable
// resolution with backwards compatibility for deprecated variable
// names.
//
// Note: this does NOT decide which model handles a request. That is the
// router's job; capability records may also pin a per-model endpoint
// that overrides these per-engine defaults.
package handlers

import (
	"log/slog"
	"os"

	"github.com/lumenforge/modelhost/services/orchestrator/capabilities"
)

// =============================================================================
// INTERFACES
// =============================================================================

// EndpointResolver defines the contract for backend URL resolution.
//
// Description:
//
//	EndpointResolver provides a testable interface for resolving serving
//	engine URLs based on deployment configuration and environment
//	variables. This enables mocking in unit tests without needing real
//	engines.
//
// Implementations:
//   - DefaultEndpointResolver (production - reads from environment)
//   - MockEndpointResolver (testing - returns configured values)
//
// Limitations:
//   - Does not validate URL format
//   - Does not test connectivity
//
// Assumptions:
//   - Environment variables are set before first call
//   - URLs do not have trailing slashes
type EndpointResolver interface {
	// ResolveBackendURL returns the base URL for a backend type.
	ResolveBackendURL(bt capabilities.BackendType) string
}

// =============================================================================
// STRUCTS
// =============================================================================

// DefaultEndpointResolver resolves engine URLs from environment
// variables.
//
// Description:
//
//	For each engine, the resolver checks environment variables in
//	order: the new preferred name first, then the legacy deprecated
//	name (logging a warning), then a default based on deployment mode.
//
// Fields:
//   - deploymentMode: "standalone" or "distributed" (affects defaults)
//
// Example:
//
//	resolver := NewDefaultEndpointResolver("standalone")
//	url := resolver.ResolveBackendURL(capabilities.BackendOllama)
//	// Returns OLLAMA_BASE_URL if set, else "http://localhost:11434"
//
// Limitations:
//   - Reads environment at call time (no caching)
//   - Deprecation warnings logged on every call (consider caching if noisy)
type DefaultEndpointResolver struct {
	deploymentMode string
}

// NewDefaultEndpointResolver creates a resolver for the given
// deployment mode ("standalone" for local dev, "distributed" for the
// containerized stack).
func NewDefaultEndpointResolver(deploymentMode string) *DefaultEndpointResolver {
	return &DefaultEndpointResolver{deploymentMode: deploymentMode}
}

// =============================================================================
// METHODS
// =============================================================================

// ResolveBackendURL returns the base URL for a backend type.
//
// Environment Variables (checked in order per engine):
//
//	OLLAMA:   OLLAMA_BASE_URL, then OLLAMA_URL (deprecated)
//	SGLANG:   SGLANG_BASE_URL
//	VLLM:     VLLM_BASE_URL
//	TRT_LLM:  TRT_LLM_BASE_URL, then TRITON_URL (deprecated)
//	EXTERNAL: EXTERNAL_PROVIDER_BASE_URL
//
// Defaults depend on deployment mode; standalone points at localhost,
// distributed at the compose service names.
func (r *DefaultEndpointResolver) ResolveBackendURL(bt capabilities.BackendType) string {
	switch bt {
	case capabilities.BackendOllama:
		if url := os.Getenv("OLLAMA_BASE_URL"); url != "" {
			return url
		}
		if url := os.Getenv("OLLAMA_URL"); url != "" {
			slog.Warn("OLLAMA_URL is deprecated and will be removed in v2.0, use OLLAMA_BASE_URL instead")
			return url
		}
		if r.deploymentMode == "standalone" {
			return "http://localhost:11434"
		}
		return "http://ollama:11434"

	case capabilities.BackendSGLang:
		if url := os.Getenv("SGLANG_BASE_URL"); url != "" {
			return url
		}
		if r.deploymentMode == "standalone" {
			return "http://localhost:30000/v1"
		}
		return "http://sglang:30000/v1"

	case capabilities.BackendVLLM:
		if url := os.Getenv("VLLM_BASE_URL"); url != "" {
			return url
		}
		if r.deploymentMode == "standalone" {
			return "http://localhost:8000/v1"
		}
		return "http://vllm:8000/v1"

	case capabilities.BackendTRTLLM:
		if url := os.Getenv("TRT_LLM_BASE_URL"); url != "" {
			return url
		}
		if url := os.Getenv("TRITON_URL"); url != "" {
			slog.Warn("TRITON_URL is deprecated and will be removed in v2.0, use TRT_LLM_BASE_URL instead")
			return url
		}
		if r.deploymentMode == "standalone" {
			return "http://localhost:9000/v1"
		}
		return "http://trt-llm:9000/v1"

	case capabilities.BackendExternal:
		// Hosted providers speak the OpenAI-compatible API; the base
		// URL selects which one.
		if url := os.Getenv("EXTERNAL_PROVIDER_BASE_URL"); url != "" {
			return url
		}
		return "https://api.openai.com/v1"

	default:
		return ""
	}
}

// =============================================================================
// MOCK IMPLEMENTATION (for testing)
// =============================================================================

// MockEndpointResolver is a test double for EndpointResolver.
//
// Fields:
//   - URLs: per-backend-type URL to return
//
// Example:
//
//	mock := &MockEndpointResolver{URLs: map[capabilities.BackendType]string{
//	    capabilities.BackendOllama: server.URL,
//	}}
type MockEndpointResolver struct {
	URLs map[capabilities.BackendType]string
}

// ResolveBackendURL returns the configured URL for the backend type.
func (m *MockEndpointResolver) ResolveBackendURL(bt capabilities.BackendType) string {
	return m.URLs[bt]
}

// =============================================================================
// TYPE ASSERTION COMPILE CHECKS
// =============================================================================

var _ EndpointResolver = (*DefaultEndpointResolver)(nil)
var _ EndpointResolver = (*MockEndpointResolver)(nil)
