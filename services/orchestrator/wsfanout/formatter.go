// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wsfanout

import (
	"sync/atomic"

	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

// MessageFormatter builds the wire envelope for each event kind. The
// two client surfaces differ only here: envelope shape and delta
// policy.
type MessageFormatter interface {
	// Processing is the event sent before the orchestrator is invoked.
	Processing(req *datatypes.Request) interface{}

	// Chunk formats one stream update. accumulated is the full content
	// so far; delta is just the new part. isComplete marks the terminal
	// chunk, which carries the result.
	Chunk(req *datatypes.Request, accumulated, delta string, isComplete bool, result *datatypes.GenerationResult) interface{}

	// Status formats a transient status line (retries, fallback).
	Status(req *datatypes.Request, message string) interface{}

	// Completed formats the final completion event, nil when the
	// surface has no separate completion frame.
	Completed(req *datatypes.Request, result *datatypes.GenerationResult) interface{}

	// Failed formats terminal failure.
	Failed(req *datatypes.Request, failure error, attempts int) interface{}
}

// FormatterFor picks the formatter for a client kind.
func FormatterFor(kind datatypes.ClientKind) MessageFormatter {
	if kind == datatypes.ClientWeb {
		return &WebFormatter{}
	}
	return &ChatFormatter{}
}

// =============================================================================
// Chat Formatter
// =============================================================================

// statusPool is the rotating set of cosmetic status strings the chat
// surface renders with animated typing dots.
var statusPool = []string{
	"Thinking it over",
	"Working on it",
	"Consulting the models",
	"Putting thoughts together",
	"Crunching",
}

var statusCursor atomic.Uint64

func randomStatusMessage() string {
	n := statusCursor.Add(1)
	return statusPool[n%uint64(len(statusPool))]
}

// ChatFormatter speaks to the chat bot surface.
//
// The client edits one message in place, so every chunk carries the
// full accumulated content, plus the channel and message ids it needs
// to find that message.
type ChatFormatter struct{}

func (f *ChatFormatter) Processing(req *datatypes.Request) interface{} {
	return map[string]interface{}{
		"type":               "processing",
		"request_id":         req.RequestID,
		"channel_id":         req.ChannelID,
		"message_id":         req.MessageID,
		"message_channel_id": req.ChannelID,
	}
}

func (f *ChatFormatter) Chunk(req *datatypes.Request, accumulated, delta string,
	isComplete bool, result *datatypes.GenerationResult) interface{} {

	frame := map[string]interface{}{
		"type":        "stream_chunk",
		"request_id":  req.RequestID,
		"content":     accumulated,
		"is_complete": isComplete,
		"channel_id":  req.ChannelID,
		"message_id":  req.MessageID,
	}
	if isComplete && result != nil && len(result.Artifacts) > 0 {
		frame["artifacts"] = result.Artifacts
	}
	return frame
}

func (f *ChatFormatter) Status(req *datatypes.Request, message string) interface{} {
	return map[string]interface{}{
		"type":        "early_status",
		"channel_id":  req.ChannelID,
		"message_id":  req.MessageID,
		"request_id":  req.RequestID,
		"status_type": "retry",
		"content":     message,
	}
}

func (f *ChatFormatter) Completed(req *datatypes.Request, result *datatypes.GenerationResult) interface{} {
	// The terminal stream_chunk already carries everything the chat
	// surface renders.
	return nil
}

func (f *ChatFormatter) Failed(req *datatypes.Request, failure error, attempts int) interface{} {
	return map[string]interface{}{
		"type":       "failed",
		"request_id": req.RequestID,
		"error":      failure.Error(),
		"attempts":   attempts,
		"channel_id": req.ChannelID,
		"message_id": req.MessageID,
	}
}

// =============================================================================
// Web Formatter
// =============================================================================

// WebFormatter speaks to the web UI, which appends deltas and shows a
// metrics footer on completion.
type WebFormatter struct{}

func (f *WebFormatter) Processing(req *datatypes.Request) interface{} {
	return map[string]interface{}{
		"type":       "processing",
		"request_id": req.RequestID,
	}
}

func (f *WebFormatter) Chunk(req *datatypes.Request, accumulated, delta string,
	isComplete bool, result *datatypes.GenerationResult) interface{} {

	return map[string]interface{}{
		"type":        "stream_chunk",
		"request_id":  req.RequestID,
		"content":     delta,
		"is_complete": isComplete,
	}
}

func (f *WebFormatter) Status(req *datatypes.Request, message string) interface{} {
	return map[string]interface{}{
		"type":       "status",
		"request_id": req.RequestID,
		"content":    message,
	}
}

func (f *WebFormatter) Completed(req *datatypes.Request, result *datatypes.GenerationResult) interface{} {
	return map[string]interface{}{
		"type":       "response",
		"request_id": req.RequestID,
		"content":    result.Content,
		"references": result.References,
		"metrics": map[string]interface{}{
			"tokens_per_second": result.TokensPerSecond(),
			"input_tokens":      result.InputTokens,
			"output_tokens":     result.OutputTokens,
			"reasoning_tokens":  result.ThinkingTokens,
			"duration_ms":       result.Duration.Milliseconds(),
			"model":             result.ModelID,
		},
	}
}

func (f *WebFormatter) Failed(req *datatypes.Request, failure error, attempts int) interface{} {
	return map[string]interface{}{
		"type":       "failed",
		"request_id": req.RequestID,
		"error":      failure.Error(),
		"attempts":   attempts,
	}
}

var (
	_ MessageFormatter = (*ChatFormatter)(nil)
	_ MessageFormatter = (*WebFormatter)(nil)
)
