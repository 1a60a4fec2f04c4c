// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the drivers for the serving engines behind the
// orchestrator.
//
// This package defines the LLMClient interface the agent runner
// generates through, and one driver per engine family:
//
//   - OllamaClient / MultiModelManager: the Ollama server, the one
//     engine whose model residency the orchestrator actively manages
//   - OpenAICompatClient: engines speaking the OpenAI chat API —
//     SGLang, vLLM, TensorRT-LLM's frontend, and hosted external
//     providers
//
// # Streaming
//
// Streaming is callback-based: ChatStream invokes the callback once
// per event in generation order. Backpressure is natural — a slow
// callback slows the read loop, which slows the backend socket.
//
// # Thread Safety
//
// All implementations must be safe for concurrent use; per-request
// state (model override, keep-alive, thinking switch) travels in
// GenerationParams, never on the client.
package llm

import (
	"context"

	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

// =============================================================================
// Generation Parameters
// =============================================================================

// GenerationParams holds the per-request generation knobs.
//
// # Description
//
// Sampling parameters are pointers so that nil means "use the driver's
// default". The Ollama drivers fill nil knobs with fixed values
// (temperature 0.2, top_k 20, top_p 0.9, num_predict 8192); the
// OpenAI-compatible driver leaves them unset, so the engine's own
// defaults apply. The non-JSON fields
// (ModelOverride, KeepAlive, ThinkingLevel) are routing concerns the
// drivers translate into their own wire formats.
//
// # Fields
//
//   - Temperature / TopK / TopP / MaxTokens: standard sampling knobs;
//     nil uses the driver default described above.
//   - Stop: extra stop sequences; empty means none.
//   - EnableThinking: reasoning switch for models with a plain on/off
//     (Ollama "think": true).
//   - ThinkingLevel: reasoning effort for models graded by level
//     ("high" | "medium" | "low"); when set it wins over
//     EnableThinking.
//   - NumCtx: context window override. Must be resent on every request
//     to a given model — some engines reset to a small default
//     otherwise (observed with Ollama).
//   - ModelOverride: pins generation to a specific warmed model id,
//     bypassing whatever default model a driver was constructed with.
//     The agent runner sets this from the resolved route.
//   - KeepAlive: engine-specific residency hint ("-1" pin resident,
//     "300s" expire, "0" unload now). Sourced from the model's
//     capability record.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	EnableThinking bool   `json:"thinking,omitempty"`
	ThinkingLevel  string `json:"-"`

	NumCtx        *int   `json:"num_ctx,omitempty"`
	ModelOverride string `json:"-"`
	KeepAlive     string `json:"-"`
}

// =============================================================================
// Streaming Types
// =============================================================================

// StreamEventType discriminates streaming events.
type StreamEventType string

const (
	// StreamEventToken carries a fragment of user-visible content.
	StreamEventToken StreamEventType = "token"

	// StreamEventThinking carries reasoning text from engines that
	// surface it as a separate channel rather than inline tags. Never
	// shown to clients; counted toward throughput.
	StreamEventThinking StreamEventType = "thinking"

	// StreamEventError signals a failure mid-stream; the stream
	// terminates after it.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one event during generation. Exactly one of Content
// or Error is populated, per Type.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives events in generation order from a single
// goroutine. Returning an error aborts the stream; the abort error is
// surfaced from ChatStream after cleanup.
type StreamCallback func(event StreamEvent) error

// =============================================================================
// Interface Definition
// =============================================================================

// LLMClient is the generation surface every engine driver exposes.
//
// # Description
//
// Three operations: one-shot completion, blocking chat, and streaming
// chat. The orchestrator's admission layer decides which model serves
// a turn; drivers receive that decision via
// GenerationParams.ModelOverride and must honor it.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Assumptions
//
//   - The target engine is reachable before use; connectivity failures
//     surface as wrapped errors the caller classifies, never panics.
//   - Context cancellation is respected at request boundaries.
type LLMClient interface {
	// Generate produces text from a single prompt with no
	// conversation context. Prefer Chat for conversational turns.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat sends a conversation (system, user, assistant, tool
	// messages) and blocks until the complete assistant response is
	// available. Messages must be in chronological order.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)

	// ChatStream is Chat with incremental delivery: the callback is
	// invoked per event as tokens arrive. When the backend reports an
	// error inside the stream, the callback sees a StreamEventError
	// before the method returns the failure. The OpenAI-compatible
	// driver emits one for any receive error; the Ollama driver returns
	// context cancellation and read errors without one.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}
