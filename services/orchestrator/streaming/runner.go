// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package streaming

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/llm"
	"github.com/lumenforge/modelhost/services/orchestrator/capabilities"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
	"github.com/lumenforge/modelhost/services/orchestrator/vram"
)

var tracer = otel.Tracer("modelhost.streaming")

// maxToolRounds bounds the research tool loop independently of the
// fetch budget, so a model that keeps calling tools without fetching
// cannot spin forever.
const maxToolRounds = 6

// baseLoadTimeout is the floor for backend model loads; the per-load
// timeout scales with model size on top of it.
const baseLoadTimeout = 5 * time.Minute

// ModelScheduler is the slice of the VRAM orchestrator the runner
// drives. Satisfied by *vram.Orchestrator.
type ModelScheduler interface {
	RequestModelLoad(ctx context.Context, modelID string, temperature *float32, additionalArgs map[string]any) error
	MarkModelAccessed(modelID string)
	MarkModelUnloaded(ctx context.Context, modelID string, crashed bool, crashReason string)
}

// ToolChat is the tool-calling chat surface. Satisfied by
// *llm.MultiModelManager.
type ToolChat interface {
	ChatWithTools(ctx context.Context, model string, messages []datatypes.Message,
		params llm.GenerationParams, tools []llm.OllamaTool) (*llm.ChatWithToolsResult, error)
}

// ConversationStore is the out-of-scope persistence boundary: history
// in, finished turns out. A nil store means single-turn operation.
type ConversationStore interface {
	History(ctx context.Context, conversationID string, limit int) ([]datatypes.Message, error)
	AppendTurn(ctx context.Context, conversationID string, userMsg, assistantMsg datatypes.Message) error
}

// =============================================================================
// Runner
// =============================================================================

// Runner drives one generation over the chosen backend: prompt
// assembly, model admission, the tool phase, streaming with the filter
// pipeline, and crash reporting.
type Runner struct {
	sched    ModelScheduler
	backends *vram.BackendManager
	caps     *capabilities.Registry
	tools    ToolChat
	fetch    FetchFunc
	store    ConversationStore
	logger   *slog.Logger
}

// RunnerOptions wires a Runner.
type RunnerOptions struct {
	Scheduler    ModelScheduler
	Backends     *vram.BackendManager
	Capabilities *capabilities.Registry

	// Tools is optional; without it the research route degrades to
	// plain generation.
	Tools ToolChat

	// Fetch is optional; defaults to the built-in HTTPFetch.
	Fetch FetchFunc

	// Store is optional; nil runs single-turn.
	Store ConversationStore
}

// NewRunner builds a Runner.
func NewRunner(opts RunnerOptions) *Runner {
	if opts.Fetch == nil {
		opts.Fetch = HTTPFetch
	}
	return &Runner{
		sched:    opts.Scheduler,
		backends: opts.Backends,
		caps:     opts.Capabilities,
		tools:    opts.Tools,
		fetch:    opts.Fetch,
		store:    opts.Store,
		logger:   logging.For("agent_runner"),
	}
}

// RunInput is everything one generation needs.
type RunInput struct {
	Request *datatypes.Request
	Route   datatypes.RouteConfig
	Prefs   datatypes.ResolvedPreferences

	// FetchLimit is the per-route web-fetch budget from the active
	// profile; -1 unlimited, 0 disabled.
	FetchLimit int

	// StatusSent tells the status-line suppressor whether the worker
	// already emitted an early status indicator.
	StatusSent bool
}

// =============================================================================
// Streaming Path
// =============================================================================

// Stream drives one streaming generation. emit receives filtered chunks
// in order; backpressure from emit throttles backend reads naturally.
//
// On any backend failure the model is reported crashed so the circuit
// breaker observes it; connection-class failures come back as
// *datatypes.ConnectionError, structured backend failures as
// *datatypes.GenerationError, and an all-whitespace stream as
// *datatypes.EmptyStreamError.
func (r *Runner) Stream(ctx context.Context, in RunInput, emit func(chunk string) error) (*datatypes.GenerationResult, error) {
	ctx, span := tracer.Start(ctx, "streaming.process_stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", in.Route.ModelID),
		attribute.String("route", string(in.Route.Route)),
	)

	prep, err := r.prepare(ctx, in)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	started := time.Now()
	stripper := NewThinkingTagStripper()
	pipeline := NewPipeline(
		stripper,
		NewSpacingFixer(),
		NewStatusLineSuppressor(in.StatusSent),
	)

	var accumulated strings.Builder
	outputTokens := 0
	thinkingChars := 0

	streamErr := prep.client.ChatStream(ctx, prep.messages, prep.params, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.StreamEventToken:
			outputTokens++
			filtered := pipeline.Process(ev.Content)
			if filtered == "" {
				return nil
			}
			accumulated.WriteString(filtered)
			return emit(filtered)
		case llm.StreamEventThinking:
			// Backend-side reasoning channel; never shown, still paid for.
			thinkingChars += len(ev.Content)
			return nil
		case llm.StreamEventError:
			// The error return from ChatStream carries the failure.
			return nil
		}
		return nil
	})

	if streamErr != nil {
		return nil, r.reportCrash(ctx, in.Route.ModelID, prep.endpoint, streamErr)
	}

	if tail := pipeline.Flush(); tail != "" {
		accumulated.WriteString(tail)
		if err := emit(tail); err != nil {
			return nil, err
		}
	}

	content := accumulated.String()
	if strings.TrimSpace(content) == "" {
		return nil, &datatypes.EmptyStreamError{ModelID: in.Route.ModelID}
	}

	content = InjectReferences(content, prep.refs.All())
	result := r.finishResult(ctx, in, prep, content, outputTokens,
		stripper.DiscardedChars()+thinkingChars, time.Since(started))
	return result, nil
}

// Complete drives one blocking generation; the fallback for retries
// after empty streams.
func (r *Runner) Complete(ctx context.Context, in RunInput) (*datatypes.GenerationResult, error) {
	ctx, span := tracer.Start(ctx, "streaming.process")
	defer span.End()
	span.SetAttributes(attribute.String("model", in.Route.ModelID))

	prep, err := r.prepare(ctx, in)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	started := time.Now()
	raw, err := prep.client.Chat(ctx, prep.messages, prep.params)
	if err != nil {
		return nil, r.reportCrash(ctx, in.Route.ModelID, prep.endpoint, err)
	}

	content, discarded := StripThinkingTags(raw)
	if strings.TrimSpace(content) == "" {
		return nil, &datatypes.EmptyStreamError{ModelID: in.Route.ModelID}
	}

	content = InjectReferences(content, prep.refs.All())
	result := r.finishResult(ctx, in, prep, content, len(content)/4, discarded, time.Since(started))
	return result, nil
}

// =============================================================================
// Preparation
// =============================================================================

// prepared carries per-generation state between prepare and the drive.
type prepared struct {
	client   llm.LLMClient
	endpoint string
	messages []datatypes.Message
	params   llm.GenerationParams
	refs     *ReferenceList
	userMsg  datatypes.Message
}

// prepare admits the model, warms the backend, assembles messages and
// generation parameters, and runs the research tool phase when the
// route calls for it.
func (r *Runner) prepare(ctx context.Context, in RunInput) (*prepared, error) {
	mc, ok := r.caps.Get(in.Route.ModelID)
	if !ok {
		return nil, &datatypes.ConfigError{ModelID: in.Route.ModelID}
	}

	if err := r.sched.RequestModelLoad(ctx, in.Route.ModelID, in.Prefs.Temperature, nil); err != nil {
		return nil, err
	}

	backend, err := r.backends.Get(mc.Backend)
	if err != nil {
		return nil, &datatypes.ConfigError{ModelID: in.Route.ModelID, Reason: err.Error()}
	}

	// The slot is reserved; now the backend actually loads, bounded by
	// a size-scaled timeout.
	if !mc.IsExternal {
		loadCtx, cancel := context.WithTimeout(ctx, loadTimeout(mc.VRAMSizeGB))
		err := backend.Load(loadCtx, in.Route.ModelID, vram.LoadOptions{
			KeepAlive:   mc.KeepAlive(),
			NumCtx:      mc.ContextWindow,
			Temperature: in.Prefs.Temperature,
		})
		cancel()
		if err != nil {
			return nil, r.reportCrash(ctx, in.Route.ModelID, mc.Endpoint, err)
		}
	}
	r.sched.MarkModelAccessed(in.Route.ModelID)

	prompt := in.Request.Message
	if in.Route.FilteredPrompt != "" {
		prompt = in.Route.FilteredPrompt
	}
	userMsg := datatypes.Message{Role: "user", Content: prompt}

	messages := []datatypes.Message{{
		Role: "system",
		Content: BuildSystemPrompt(PromptOptions{
			Route:          in.Route.Route,
			OutputArtifact: in.Route.HasPost(datatypes.PostOutputArtifact),
		}),
	}}
	if r.store != nil {
		history, err := r.store.History(ctx, in.Request.ConversationID, datatypes.MaxMessagesPerRequest)
		if err != nil {
			r.logger.Warn("history load failed, running single-turn", "error", err)
		} else {
			messages = append(messages, history...)
		}
	}
	messages = append(messages, userMsg)

	params := llm.GenerationParams{
		Temperature:   in.Prefs.Temperature,
		ModelOverride: in.Route.ModelID,
		KeepAlive:     mc.KeepAlive(),
	}
	if mc.ContextWindow > 0 {
		numCtx := mc.ContextWindow
		params.NumCtx = &numCtx
	}
	applyThinking(&params, mc, in)

	refs := &ReferenceList{}
	if in.Route.Route == datatypes.RouteResearch && mc.SupportsTools && r.tools != nil {
		toolMsgs, err := r.runToolPhase(ctx, in, params, messages, refs)
		if err != nil {
			r.logger.Warn("tool phase failed, answering without web context", "error", err)
		} else {
			messages = toolMsgs
		}
	}

	return &prepared{
		client:   backend.Client(),
		endpoint: mc.Endpoint,
		messages: messages,
		params:   params,
		refs:     refs,
		userMsg:  userMsg,
	}, nil
}

// applyThinking resolves the thinking switch: capability gates it, the
// route sets the default (deliberate lanes think, quick lanes do not),
// an explicit user preference wins.
func applyThinking(params *llm.GenerationParams, mc capabilities.ModelCapability, in RunInput) {
	if !mc.SupportsThinking {
		return
	}
	enabled := in.Route.Route == datatypes.RouteReasoning || in.Route.Route == datatypes.RouteMath
	if in.Prefs.ThinkingEnabled != nil {
		enabled = *in.Prefs.ThinkingEnabled
	}
	if !enabled {
		return
	}
	switch mc.ThinkingFormat {
	case capabilities.ThinkingLevel:
		level := mc.DefaultThinkingLevel
		if level == "" {
			level = "medium"
		}
		params.ThinkingLevel = level
	default:
		params.EnableThinking = true
	}
}

// runToolPhase lets a research model gather sources through the
// budgeted fetch tool before the streamed answer. Returns the message
// history extended with tool calls and their results.
func (r *Runner) runToolPhase(ctx context.Context, in RunInput, params llm.GenerationParams,
	messages []datatypes.Message, refs *ReferenceList) ([]datatypes.Message, error) {

	tools := ToolsForRoute(in.FetchLimit, r.fetch, refs)
	if len(tools) == 0 {
		return messages, nil
	}
	defs := make([]llm.OllamaTool, len(tools))
	byName := make(map[string]Tool, len(tools))
	for i, t := range tools {
		defs[i] = t.Definition
		byName[t.Definition.Function.Name] = t
	}

	for round := 0; round < maxToolRounds; round++ {
		result, err := r.tools.ChatWithTools(ctx, in.Route.ModelID, messages, params, defs)
		if err != nil {
			return messages, err
		}
		if result.StopReason != "tool_use" || len(result.ToolCalls) == 0 {
			return messages, nil
		}

		messages = append(messages, datatypes.Message{
			Role:      "assistant",
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})
		for _, call := range result.ToolCalls {
			tool, ok := byName[call.Name]
			if !ok {
				messages = append(messages, datatypes.Message{
					Role: "tool", Content: "Unknown tool: " + call.Name,
				})
				continue
			}
			output, err := tool.Invoke(ctx, call.Arguments)
			if err != nil {
				output = "Tool error: " + err.Error()
			}
			messages = append(messages, datatypes.Message{Role: "tool", Content: output})
		}
	}

	r.logger.Warn("tool round cap reached", "model", in.Route.ModelID, "rounds", maxToolRounds)
	return messages, nil
}

// =============================================================================
// Completion and Failure
// =============================================================================

// finishResult assembles the result and persists the turn.
func (r *Runner) finishResult(ctx context.Context, in RunInput, prep *prepared,
	content string, outputTokens, thinkingChars int, elapsed time.Duration) *datatypes.GenerationResult {

	result := &datatypes.GenerationResult{
		Content:        content,
		ModelID:        in.Route.ModelID,
		Route:          in.Route.Route,
		References:     prep.refs.All(),
		InputTokens:    estimateTokens(prep.messages),
		OutputTokens:   outputTokens,
		ThinkingTokens: thinkingChars / 4,
		Duration:       elapsed,
	}

	if r.store != nil {
		assistant := datatypes.Message{Role: "assistant", Content: content}
		if err := r.store.AppendTurn(ctx, in.Request.ConversationID, prep.userMsg, assistant); err != nil {
			r.logger.Warn("turn persistence failed", "conversation", in.Request.ConversationID, "error", err)
		}
	}

	r.logger.Info("generation complete",
		"model", in.Route.ModelID,
		"route", string(in.Route.Route),
		"output_tokens", result.OutputTokens,
		"thinking_tokens", result.ThinkingTokens,
		"tps", result.TokensPerSecond(),
	)
	return result
}

// reportCrash records the failure with the circuit breaker and returns
// the typed error the worker retries on.
func (r *Runner) reportCrash(ctx context.Context, modelID, endpoint string, err error) error {
	r.sched.MarkModelUnloaded(ctx, modelID, true, err.Error())

	if datatypes.IsConnectionLike(err) {
		return &datatypes.ConnectionError{Endpoint: endpoint, Err: err}
	}
	return &datatypes.GenerationError{ModelID: modelID, Detail: err.Error(), Err: err}
}

// loadTimeout scales the load deadline with model size: the base five
// minutes plus a minute per 20 GB of weights.
func loadTimeout(sizeGB float64) time.Duration {
	return baseLoadTimeout + time.Duration(sizeGB/20)*time.Minute
}

// estimateTokens is the rough chars/4 input estimate used for metrics
// only; budgets never depend on it.
func estimateTokens(messages []datatypes.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total / 4
}
