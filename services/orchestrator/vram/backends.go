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

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/llm"
)

// =============================================================================
// Ollama
// =============================================================================

// OllamaBackend drives an Ollama server, the one engine that loads and
// unloads models on request. Warmup and keep-alive bookkeeping delegate
// to the multi-model manager so alternating between the router model and
// a specialist does not thrash.
type OllamaBackend struct {
	mgr    *llm.MultiModelManager
	client llm.LLMClient
}

// NewOllamaBackend wraps an Ollama manager and its streaming client.
func NewOllamaBackend(mgr *llm.MultiModelManager, client llm.LLMClient) *OllamaBackend {
	return &OllamaBackend{mgr: mgr, client: client}
}

func (b *OllamaBackend) Load(ctx context.Context, modelID string, opts LoadOptions) error {
	return b.mgr.WarmModel(ctx, modelID, opts.KeepAlive, opts.NumCtx)
}

func (b *OllamaBackend) Unload(ctx context.Context, modelID string) error {
	return b.mgr.UnloadModel(ctx, modelID)
}

func (b *OllamaBackend) ListLoaded(ctx context.Context) ([]string, error) {
	return b.mgr.ListServerLoaded(ctx)
}

func (b *OllamaBackend) Client() llm.LLMClient { return b.client }

// =============================================================================
// OpenAI-compatible Engines
// =============================================================================

// OpenAICompatBackend fronts engines speaking the OpenAI API: SGLang,
// vLLM, TensorRT-LLM. These serve a fixed model set chosen at server
// start, so Load and Unload are residency no-ops — admission accounting
// still happens in the orchestrator registry, and ListLoaded reports
// whatever /v1/models returns for reconciliation.
type OpenAICompatBackend struct {
	client *llm.OpenAICompatClient
}

// NewOpenAICompatBackend wraps an OpenAI-compatible client.
func NewOpenAICompatBackend(client *llm.OpenAICompatClient) *OpenAICompatBackend {
	return &OpenAICompatBackend{client: client}
}

func (b *OpenAICompatBackend) Load(ctx context.Context, modelID string, opts LoadOptions) error {
	// The serving process owns residency; nothing to do.
	return nil
}

func (b *OpenAICompatBackend) Unload(ctx context.Context, modelID string) error {
	logging.For("backend_manager").Debug("unload ignored on fixed-model engine", "model", modelID)
	return nil
}

func (b *OpenAICompatBackend) ListLoaded(ctx context.Context) ([]string, error) {
	return b.client.ListModels(ctx)
}

func (b *OpenAICompatBackend) Client() llm.LLMClient { return b.client }

// =============================================================================
// External Providers
// =============================================================================

// ExternalBackend fronts hosted providers outside our lifecycle control
// entirely. The model set is whatever the config declared external; the
// orchestrator tracks them for visibility and never drives residency.
type ExternalBackend struct {
	client   llm.LLMClient
	modelIDs []string
}

// NewExternalBackend wraps a hosted-provider client and the external
// model ids declared in the capability document.
func NewExternalBackend(client llm.LLMClient, modelIDs []string) *ExternalBackend {
	return &ExternalBackend{client: client, modelIDs: modelIDs}
}

func (b *ExternalBackend) Load(ctx context.Context, modelID string, opts LoadOptions) error {
	return nil
}

func (b *ExternalBackend) Unload(ctx context.Context, modelID string) error {
	return nil
}

func (b *ExternalBackend) ListLoaded(ctx context.Context) ([]string, error) {
	out := make([]string, len(b.modelIDs))
	copy(out, b.modelIDs)
	return out, nil
}

func (b *ExternalBackend) Client() llm.LLMClient { return b.client }

var (
	_ Backend = (*OllamaBackend)(nil)
	_ Backend = (*OpenAICompatBackend)(nil)
	_ Backend = (*ExternalBackend)(nil)
)
