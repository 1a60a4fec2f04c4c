// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the conversation message types shared by every
// backend driver. Request lifecycle types live in request.go, the
// error taxonomy in errors.go.
package datatypes

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Per SEC-003: Unbounded message input mitigation.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of history messages
	// sent to a backend in one generation.
	// Per SEC-004: Unbounded message history mitigation.
	MaxMessagesPerRequest = 100
)

// =============================================================================
// Message
// =============================================================================

// Message is a single turn in a conversation passed to an LLMClient.
//
// # Fields
//
//   - MessageID: Optional. Unique identifier for this message (UUID v4).
//   - Timestamp: Optional. Unix timestamp in milliseconds (UTC).
//   - Role: Required. One of "user", "assistant", "system", "tool".
//   - Content: Required. Message text, limited to 32KB per SEC-003.
type Message struct {
	MessageID string `json:"message_id,omitempty" validate:"omitempty,uuid4"`
	Timestamp int64  `json:"timestamp,omitempty" validate:"omitempty,gt=0"`
	Role      string `json:"role" validate:"required,oneof=user assistant system tool"`
	Content   string `json:"content" validate:"required,maxbytes"`

	// ToolCalls carries backend-reported function calls on an assistant
	// message. Populated only when the backend and route support tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}
