// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

// OpenAICompatClient speaks the OpenAI chat API against any compatible
// serving engine: SGLang, vLLM, TensorRT-LLM's OpenAI frontend, or
// hosted OpenAI itself.
//
// # Description
//
// The local engines serve a fixed model per process and mostly ignore
// the API key, so both are optional. The model on each request comes
// from GenerationParams.ModelOverride, falling back to the construction
// default.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying client is stateless per call.
type OpenAICompatClient struct {
	client *openai.Client
	model  string
}

// NewOpenAICompatClient creates a client for an OpenAI-compatible
// endpoint. baseURL should include the /v1 suffix the engine exposes
// (e.g. "http://localhost:30000/v1"). An empty apiKey sends a
// placeholder, which the local engines accept.
func NewOpenAICompatClient(baseURL, apiKey, model string) *OpenAICompatClient {
	if apiKey == "" {
		apiKey = "local"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	slog.Info("Initializing OpenAI-compatible client", "base_url", cfg.BaseURL, "default_model", model)
	return &OpenAICompatClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// NewOpenAIClient creates a client against hosted OpenAI using the
// environment, falling back to the container secret mount for the key.
func NewOpenAIClient() (*OpenAICompatClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	return NewOpenAICompatClient("", apiKey, model), nil
}

func (o *OpenAICompatClient) resolveModel(params GenerationParams) string {
	if params.ModelOverride != "" {
		return params.ModelOverride
	}
	return o.model
}

func (o *OpenAICompatClient) buildRequest(messages []datatypes.Message,
	params GenerationParams, stream bool) openai.ChatCompletionRequest {

	req := openai.ChatCompletionRequest{
		Model:    o.resolveModel(params),
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
		Stream:   stream,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// Generate implements the LLMClient interface.
func (o *OpenAICompatClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	messages := []datatypes.Message{{Role: "user", Content: prompt}}
	return o.Chat(ctx, messages, params)
}

// Chat implements the LLMClient interface.
func (o *OpenAICompatClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	slog.Debug("Chat via OpenAI-compatible backend", "model", o.resolveModel(params))

	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(messages, params, false))
	if err != nil {
		slog.Error("OpenAI-compatible chat failed", "error", err)
		return "", fmt.Errorf("openai-compatible chat failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai-compatible backend returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements the LLMClient interface via the SSE stream.
func (o *OpenAICompatClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	stream, err := o.client.CreateChatCompletionStream(ctx, o.buildRequest(messages, params, true))
	if err != nil {
		_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
		return fmt.Errorf("opening openai-compatible stream: %w", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
			return fmt.Errorf("reading openai-compatible stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if err := callback(StreamEvent{Type: StreamEventToken, Content: content}); err != nil {
			return err
		}
	}
}

// ListModels reports the model ids the engine is serving. Used by
// registry reconciliation.
func (o *OpenAICompatClient) ListModels(ctx context.Context) ([]string, error) {
	resp, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	ids := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

var _ LLMClient = (*OpenAICompatClient)(nil)
