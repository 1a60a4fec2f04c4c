// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Request lifecycle types: the admitted request, the derived routing
// plan, resolved user preferences, and the generation result that flows
// back out to the client transport.
package datatypes

import "time"

// =============================================================================
// Client Identity
// =============================================================================

// ClientKind discriminates the two client surfaces the backbone serves.
// The chat surface edits a single message in place and wants accumulated
// content; the web surface renders deltas.
type ClientKind string

const (
	ClientChat ClientKind = "chat"
	ClientWeb  ClientKind = "web"
)

// =============================================================================
// Routes
// =============================================================================

// Route names the specialist lane a turn is dispatched to. The router
// model emits one of these verbatim; anything unparseable defaults to
// RouteReasoning.
type Route string

const (
	RouteSelfHandle Route = "SELF_HANDLE"
	RouteSimpleCode Route = "SIMPLE_CODE"
	RouteReasoning  Route = "REASONING"
	RouteResearch   Route = "RESEARCH"
	RouteMath       Route = "MATH"
)

// AllRoutes lists every route in classifier-prompt order.
var AllRoutes = []Route{
	RouteSelfHandle, RouteSimpleCode, RouteReasoning, RouteResearch, RouteMath,
}

// PreStep and PostStep name the optional pipeline stages attached to a
// route by the artifact detectors.
type PreStep string

type PostStep string

const (
	PreInputArtifact   PreStep  = "INPUT_ARTIFACT"
	PostOutputArtifact PostStep = "OUTPUT_ARTIFACT"
)

// =============================================================================
// Request
// =============================================================================

// Attachment is a file reference carried on an inbound message. The file
// bytes themselves live behind the out-of-scope ingestion surface; the
// backbone only sees metadata.
type Attachment struct {
	Filename    string `json:"filename" validate:"required"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty" validate:"gte=0"`
}

// MaxRequestRetries is the retry cap per admitted request. A request is
// dispatched at most MaxRequestRetries+1 times.
const MaxRequestRetries = 2

// Request is one admitted user turn, owned by the queue from enqueue
// until mark_complete or mark_failed hands the result to the worker.
//
// # Fields
//
//   - RequestID: server-assigned UUID v4, set at admission.
//   - AttemptCount: retries so far (0 on the first dispatch); never
//     exceeds MaxRequestRetries.
//   - ClientKind / ClientID: which fan-out formatter and connection the
//     response flows back through.
//   - ChannelID / MessageID: chat-surface routing keys, echoed on every
//     outbound frame so the client can edit the right message.
//   - ModelOverride / Temperature / Thinking: per-request preference
//     overrides; these win over stored user preferences.
type Request struct {
	RequestID       string       `json:"request_id"`
	UserID          string       `json:"user_id" validate:"required"`
	ConversationID  string       `json:"conversation_id" validate:"required"`
	Message         string       `json:"message" validate:"required,maxbytes"`
	Attachments     []Attachment `json:"attachments,omitempty" validate:"omitempty,max=16,dive"`
	EstimatedTokens int          `json:"estimated_tokens,omitempty"`
	AttemptCount    int          `json:"attempt_count"`
	EnqueuedAt      time.Time    `json:"enqueued_at"`
	ClientKind      ClientKind   `json:"client_kind"`
	ClientID        string       `json:"client_id"`
	ChannelID       string       `json:"channel_id,omitempty"`
	MessageID       string       `json:"message_id,omitempty"`

	ModelOverride string   `json:"model_override,omitempty"`
	Temperature   *float32 `json:"temperature,omitempty"`
	Thinking      *bool    `json:"thinking,omitempty"`
}

// =============================================================================
// Routing Plan
// =============================================================================

// RouteConfig is the derived execution plan for one turn. It may be
// reused verbatim across retries of the same request to skip the ~7s
// re-classification round trip.
type RouteConfig struct {
	Route          Route      `json:"route"`
	ModelID        string     `json:"model_id"`
	Preprocessing  []PreStep  `json:"preprocessing,omitempty"`
	Postprocessing []PostStep `json:"postprocessing,omitempty"`

	// FilteredPrompt is the user message rephrased with filename and
	// storage language stripped. Set only when OUTPUT_ARTIFACT was
	// detected; consumed only by the execution model.
	FilteredPrompt string `json:"filtered_prompt,omitempty"`

	UserSelected bool       `json:"user_selected"`
	Source       ClientKind `json:"source"`
}

// HasPre reports whether the given preprocessing step is attached.
func (rc *RouteConfig) HasPre(s PreStep) bool {
	for _, p := range rc.Preprocessing {
		if p == s {
			return true
		}
	}
	return false
}

// HasPost reports whether the given postprocessing step is attached.
func (rc *RouteConfig) HasPost(s PostStep) bool {
	for _, p := range rc.Postprocessing {
		if p == s {
			return true
		}
	}
	return false
}

// =============================================================================
// Preferences
// =============================================================================

// ModelSource records where a resolved model choice came from, highest
// precedence last: profile default, stored user preference, per-request
// override.
type ModelSource string

const (
	ModelSourceProfile ModelSource = "profile"
	ModelSourceUser    ModelSource = "user"
	ModelSourceRequest ModelSource = "request"
)

// UserPreferences is the stored per-user configuration consumed by the
// preference resolver. Persistence is delegated to the out-of-scope user
// store; this is the read shape.
type UserPreferences struct {
	UserID          string   `json:"user_id"`
	PreferredModel  string   `json:"preferred_model,omitempty"`
	Temperature     *float32 `json:"temperature,omitempty"`
	ThinkingEnabled *bool    `json:"thinking_enabled,omitempty"`
}

// ResolvedPreferences is the merge of profile defaults, stored user
// preferences, and per-request overrides.
//
// Invariant: ShouldBypassRouting implies ModelSource is user or request.
type ResolvedPreferences struct {
	ModelID                 string      `json:"model_id"`
	ModelSource             ModelSource `json:"model_source"`
	Temperature             *float32    `json:"temperature,omitempty"`
	ThinkingEnabled         *bool       `json:"thinking_enabled,omitempty"`
	ArtifactExtractionModel string      `json:"artifact_extraction_model,omitempty"`
	ArtifactDetectionModel  string      `json:"artifact_detection_model,omitempty"`
	ShouldBypassRouting     bool        `json:"should_bypass_routing"`
}

// =============================================================================
// Results
// =============================================================================

// Reference is a captured web citation: title plus resolved URL.
type Reference struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Artifact is a file-like side product of a response, surfaced to the
// client alongside the final chunk. Extraction itself is out of scope;
// the backbone only carries the envelope.
type Artifact struct {
	Filename string `json:"filename"`
	Content  string `json:"content,omitempty"`
	Language string `json:"language,omitempty"`
}

// GenerationResult is the terminal payload for one processed request.
// ThinkingTokens counts characters stripped from <think> spans so that
// tokens-per-second reflects actual backend throughput.
type GenerationResult struct {
	Content        string        `json:"content"`
	ModelID        string        `json:"model_id"`
	Route          Route         `json:"route,omitempty"`
	References     []Reference   `json:"references,omitempty"`
	Artifacts      []Artifact    `json:"artifacts,omitempty"`
	InputTokens    int           `json:"input_tokens"`
	OutputTokens   int           `json:"output_tokens"`
	ThinkingTokens int           `json:"thinking_tokens"`
	Duration       time.Duration `json:"duration"`
}

// TokensPerSecond reports combined output and thinking throughput. Zero
// duration yields zero rather than Inf.
func (r *GenerationResult) TokensPerSecond() float64 {
	secs := r.Duration.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(r.OutputTokens+r.ThinkingTokens) / secs
}

// =============================================================================
// Crash Records
// =============================================================================

// CrashRecord is one observed backend failure, keyed by (model, time).
// Append-only; the crash tracker trims records that age out of the
// configured window.
type CrashRecord struct {
	ModelID   string    `json:"model_id"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}
