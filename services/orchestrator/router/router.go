// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router classifies user turns onto specialist routes and
// resolves execution preferences.
//
// A small always-warm router model does the classification; two
// lightweight detectors decide whether artifacts flow in or out of the
// turn, and a rephrase step strips filename language from prompts bound
// for file output.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/llm"
	"github.com/lumenforge/modelhost/services/orchestrator/capabilities"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
	"github.com/lumenforge/modelhost/services/orchestrator/profile"
)

var tracer = otel.Tracer("modelhost.router")

// ModelChat is the minimal per-model chat surface the router needs.
// Satisfied by *llm.MultiModelManager.
type ModelChat interface {
	Chat(ctx context.Context, model string, messages []datatypes.Message,
		params llm.GenerationParams) (string, error)
}

// Router classifies messages and assembles RouteConfigs.
type Router struct {
	models   ModelChat
	profiles *profile.Manager
	logger   *slog.Logger
}

// New builds a Router over the warm router model and the active profile.
func New(models ModelChat, profiles *profile.Manager) *Router {
	return &Router{
		models:   models,
		profiles: profiles,
		logger:   logging.For("router"),
	}
}

// =============================================================================
// Prompts
// =============================================================================

const classifyPrompt = `Classify the user message into exactly one route.
Routes:
SELF_HANDLE - greetings, small talk, questions about this assistant
SIMPLE_CODE - write or fix a small self-contained piece of code
REASONING - general questions, analysis, multi-step reasoning
RESEARCH - needs current information from the web
MATH - calculation, proofs, symbolic math

Output only the route name, nothing else.`

const artifactDetectPrompt = `Does the user ask for output saved or delivered as a file
(a document, script, source file, or similar)? Answer only YES or NO.`

// rephrasePrompt strips storage language so the execution model answers
// the substance instead of narrating file operations. Few-shot keeps
// the small model on-format.
const rephrasePrompt = `Rewrite the user message with all filename and storage instructions removed.
Keep the substance of the request unchanged. Output only the rewritten message.

Example: "Write a haiku about rain and save it to rain.md"
Rewritten: "Write a haiku about rain"

Example: "Summarize this thread into notes.txt for me"
Rewritten: "Summarize this thread"`

// =============================================================================
// Classification
// =============================================================================

// ClassifyRequest derives the execution plan for one turn.
//
// # Description
//
// Runs the route classifier unless prefs bypass it, then both artifact
// detectors — user-selected models still get artifact detection, since
// an explicit model choice says nothing about wanting file output.
// The execution model comes from the active profile's role map, or from
// prefs when routing is bypassed.
//
// Classification is deterministic for a fixed profile: temperature 0 on
// every router-model call.
func (r *Router) ClassifyRequest(ctx context.Context, userMessage string,
	fileRefs []datatypes.Attachment, prefs datatypes.ResolvedPreferences,
	source datatypes.ClientKind) (datatypes.RouteConfig, error) {

	ctx, span := tracer.Start(ctx, "router.classify_request")
	defer span.End()

	active := r.profiles.ActiveProfile()
	routerModel := active.ModelForRole(capabilities.RoleRouter)

	rc := datatypes.RouteConfig{
		Route:  datatypes.RouteReasoning,
		Source: source,
	}

	if prefs.ShouldBypassRouting {
		rc.ModelID = prefs.ModelID
		rc.UserSelected = true
	} else {
		route, err := r.classifyRoute(ctx, routerModel, userMessage)
		if err != nil {
			// A dead router model must not take the turn down with it.
			r.logger.Warn("route classification failed, defaulting", "error", err)
			route = datatypes.RouteReasoning
		}
		rc.Route = route
		modelID, err := modelForRoute(active, route)
		if err != nil {
			return rc, err
		}
		rc.ModelID = modelID
	}
	span.SetAttributes(
		attribute.String("route", string(rc.Route)),
		attribute.String("model", rc.ModelID),
	)

	if countArtifactInputs(fileRefs) > 0 {
		rc.Preprocessing = append(rc.Preprocessing, datatypes.PreInputArtifact)
	}

	detectModel := prefs.ArtifactDetectionModel
	if detectModel == "" {
		detectModel = routerModel
	}
	if r.detectOutputArtifact(ctx, detectModel, userMessage) {
		rc.Postprocessing = append(rc.Postprocessing, datatypes.PostOutputArtifact)
		if filtered := r.stripFilenameLanguage(ctx, routerModel, userMessage); filtered != "" {
			rc.FilteredPrompt = filtered
		}
	}

	return rc, nil
}

// classifyRoute runs the strict name-only classifier prompt.
func (r *Router) classifyRoute(ctx context.Context, routerModel, userMessage string) (datatypes.Route, error) {
	zero := float32(0)
	raw, err := r.models.Chat(ctx, routerModel, []datatypes.Message{
		{Role: "system", Content: classifyPrompt},
		{Role: "user", Content: userMessage},
	}, llm.GenerationParams{Temperature: &zero})
	if err != nil {
		return datatypes.RouteReasoning, err
	}
	return ParseRoute(raw), nil
}

// ParseRoute maps raw classifier output onto a route: exact match
// first, substring match next, REASONING as the safety default.
func ParseRoute(raw string) datatypes.Route {
	cleaned := strings.ToUpper(strings.TrimSpace(raw))
	for _, route := range datatypes.AllRoutes {
		if cleaned == string(route) {
			return route
		}
	}
	for _, route := range datatypes.AllRoutes {
		if strings.Contains(cleaned, string(route)) {
			return route
		}
	}
	return datatypes.RouteReasoning
}

// detectOutputArtifact asks the detector model whether the turn wants
// file output. Detector failure degrades to NO.
func (r *Router) detectOutputArtifact(ctx context.Context, detectModel, userMessage string) bool {
	zero := float32(0)
	raw, err := r.models.Chat(ctx, detectModel, []datatypes.Message{
		{Role: "system", Content: artifactDetectPrompt},
		{Role: "user", Content: userMessage},
	}, llm.GenerationParams{Temperature: &zero})
	if err != nil {
		r.logger.Warn("output artifact detection failed", "error", err)
		return false
	}
	return strings.Contains(strings.ToUpper(raw), "YES")
}

// stripFilenameLanguage reuses the already-warm router model to rephrase
// the message without storage instructions. Empty on failure; callers
// fall back to the original message.
func (r *Router) stripFilenameLanguage(ctx context.Context, routerModel, userMessage string) string {
	zero := float32(0)
	raw, err := r.models.Chat(ctx, routerModel, []datatypes.Message{
		{Role: "system", Content: rephrasePrompt},
		{Role: "user", Content: userMessage},
	}, llm.GenerationParams{Temperature: &zero})
	if err != nil {
		r.logger.Warn("rephrase for content generation failed", "error", err)
		return ""
	}
	return strings.TrimSpace(raw)
}

// modelForRoute resolves the role map binding for a route.
func modelForRoute(p capabilities.ProfileSpec, route datatypes.Route) (string, error) {
	var role string
	switch route {
	case datatypes.RouteSelfHandle:
		role = capabilities.RoleRouter
	case datatypes.RouteSimpleCode:
		role = capabilities.RoleCoder
	case datatypes.RouteReasoning:
		role = capabilities.RoleReasoning
	case datatypes.RouteResearch:
		role = capabilities.RoleResearch
	case datatypes.RouteMath:
		role = capabilities.RoleMath
	default:
		role = capabilities.RoleReasoning
	}
	modelID := p.ModelForRole(role)
	if modelID == "" {
		return "", &datatypes.ConfigError{
			ModelID: string(route),
			Reason:  fmt.Sprintf("profile %q binds no model for role %q", p.Name, role),
		}
	}
	return modelID, nil
}

// =============================================================================
// File Language Filter
// =============================================================================

// artifactExtensions are the attachment types that count as ingestible
// artifacts. Media files are handled by the vision path, not the
// artifact pipeline.
var artifactExtensions = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".rs":   "rust",
	".java": "java",
	".c":    "c",
	".cpp":  "cpp",
	".sh":   "shell",
	".sql":  "sql",
	".md":   "markdown",
	".txt":  "text",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".csv":  "csv",
}

// ArtifactLanguage returns the language tag for a filename, empty when
// the file type is not an artifact.
func ArtifactLanguage(filename string) string {
	return artifactExtensions[strings.ToLower(filepath.Ext(filename))]
}

// countArtifactInputs counts attachments that pass the language filter.
func countArtifactInputs(refs []datatypes.Attachment) int {
	n := 0
	for _, ref := range refs {
		if ArtifactLanguage(ref.Filename) != "" {
			n++
		}
	}
	return n
}
