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
	"strings"
	"time"

	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

// PromptOptions parameterizes system prompt assembly for one request.
type PromptOptions struct {
	Route datatypes.Route

	// OutputArtifact adds the chat-not-file protocol override: the
	// response body stays conversational even though a file will be
	// extracted from it afterwards.
	OutputArtifact bool

	// UserCustomization is the user's stored personality/instruction
	// text, appended last so it can tune but not override protocols.
	UserCustomization string

	Now time.Time
}

const rolePrompt = `You are a helpful assistant running on locally hosted models. Be direct and accurate. If you do not know something, say so.`

const criticalProtocols = `Never fabricate citations, file contents, or tool results.
Answer in the same language the user writes in.`

var taskPrompts = map[datatypes.Route]string{
	datatypes.RouteSelfHandle: `Handle this conversationally. Keep it short and warm.`,
	datatypes.RouteSimpleCode: `Write correct, idiomatic code. Include a brief explanation only when the code is not self-explanatory.`,
	datatypes.RouteReasoning:  `Think the problem through carefully before answering. Show the key steps of your reasoning in the answer when they help the user.`,
	datatypes.RouteResearch:   `Use the web_fetch tool to gather current information before answering. Cite sources inline using 【source name】 markers.`,
	datatypes.RouteMath:       `Work the mathematics step by step. State assumptions. Give the final result clearly at the end.`,
}

const formatRules = `Format responses in markdown. Use code fences with language tags for code.`

const outputArtifactOverride = `You are chatting with the user. Do not wrap your whole response as a file or document; just answer. File packaging happens separately.`

// BuildSystemPrompt assembles the layered system prompt: role, critical
// protocols, per-route task definition, format rules, then user
// customization. The current date is injected so models stop insisting
// it is their training cutoff.
func BuildSystemPrompt(opts PromptOptions) string {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	sections := []string{
		rolePrompt,
		"Current date: " + now.Format("2006-01-02") + ".",
		criticalProtocols,
	}

	if task, ok := taskPrompts[opts.Route]; ok {
		sections = append(sections, task)
	}
	if opts.OutputArtifact {
		sections = append(sections, outputArtifactOverride)
	}
	sections = append(sections, formatRules)
	if custom := strings.TrimSpace(opts.UserCustomization); custom != "" {
		sections = append(sections, custom)
	}

	return strings.Join(sections, "\n\n")
}
