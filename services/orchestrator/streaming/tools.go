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
	"fmt"
	"net/http"
	"time"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/llm"
)

// fetchTimeout bounds a single web fetch.
const fetchTimeout = 15 * time.Second

// budgetReachedResult is the synthetic tool result returned once the
// per-route fetch budget is exhausted. The tool never errors on budget:
// the model is asked to land the answer with what it has.
const budgetReachedResult = "Fetch limit reached for this request. Do not fetch again; synthesize your answer from the information you already have."

// FetchResult is one retrieved page.
type FetchResult struct {
	Title   string
	URL     string
	Content string
}

// FetchFunc retrieves a URL. The concrete web-fetch implementation is
// an external collaborator; the runner only needs this shape.
type FetchFunc func(ctx context.Context, url string) (*FetchResult, error)

// Tool is one function exposed to a tool-capable model: the Ollama
// schema plus the local invoke.
type Tool struct {
	Definition llm.OllamaTool
	Invoke     func(ctx context.Context, args map[string]any) (string, error)
}

// NewBudgetedFetchTool wraps fetch in a per-request budget and a
// reference-capture hook.
//
// # Description
//
// The call counter lives in the returned closure, so each request gets
// its own budget. limit -1 means unlimited; 0 disables by always
// returning the budget message. Successful fetches record {title, url}
// into refs for citation injection after streaming.
func NewBudgetedFetchTool(fetch FetchFunc, limit int, refs *ReferenceList) Tool {
	logger := logging.For("fetch_tool")
	calls := 0

	return Tool{
		Definition: llm.OllamaTool{
			Type: "function",
			Function: llm.OllamaToolFunction{
				Name:        "web_fetch",
				Description: "Fetch a web page and return its readable text content.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"url": map[string]interface{}{
							"type":        "string",
							"description": "Absolute URL to fetch",
						},
					},
					"required": []string{"url"},
				},
			},
		},
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			if limit >= 0 && calls >= limit {
				logger.Info("fetch budget exhausted", "limit", limit)
				return budgetReachedResult, nil
			}
			calls++

			url, _ := args["url"].(string)
			if url == "" {
				return "Error: web_fetch requires a url argument.", nil
			}

			fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
			defer cancel()

			result, err := fetch(fetchCtx, url)
			if err != nil {
				logger.Warn("fetch failed", "url", url, "error", err)
				return fmt.Sprintf("Error fetching %s: %v", url, err), nil
			}

			refs.Add(result.Title, result.URL)
			return result.Content, nil
		},
	}
}

// HTTPFetch is the default FetchFunc: a plain GET returning the raw
// body with the URL doubling as title when none is known. Production
// deployments inject the richer readability-extracting fetcher from the
// tools surface; this keeps the backbone self-contained.
func HTTPFetch(ctx context.Context, url string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	// Cap the body read; pages beyond this add nothing for the model.
	buf := make([]byte, 256*1024)
	n, _ := resp.Body.Read(buf)
	return &FetchResult{
		Title:   url,
		URL:     url,
		Content: string(buf[:n]),
	}, nil
}

// ToolsForRoute assembles the tool set a route is allowed. Only the
// research lane gets web access; fetchLimit comes from the active
// profile.
func ToolsForRoute(routeFetchLimit int, fetch FetchFunc, refs *ReferenceList) []Tool {
	if routeFetchLimit == 0 || fetch == nil {
		return nil
	}
	return []Tool{NewBudgetedFetchTool(fetch, routeFetchLimit, refs)}
}
