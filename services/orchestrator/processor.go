// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"log/slog"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
	"github.com/lumenforge/modelhost/services/orchestrator/handlers"
	"github.com/lumenforge/modelhost/services/orchestrator/profile"
	"github.com/lumenforge/modelhost/services/orchestrator/queue"
	"github.com/lumenforge/modelhost/services/orchestrator/router"
	"github.com/lumenforge/modelhost/services/orchestrator/streaming"
)

// turnProcessor is the per-request conductor: resolve preferences,
// classify, drive the agent runner. It implements queue.Processor.
type turnProcessor struct {
	router   *router.Router
	resolver *router.PreferenceResolver
	runner   *streaming.Runner
	profiles *profile.Manager
	prefs    handlers.PreferenceStore
	logger   *slog.Logger
}

func newTurnProcessor(rt *router.Router, resolver *router.PreferenceResolver,
	runner *streaming.Runner, profiles *profile.Manager, prefs handlers.PreferenceStore) *turnProcessor {

	return &turnProcessor{
		router:   rt,
		resolver: resolver,
		runner:   runner,
		profiles: profiles,
		prefs:    prefs,
		logger:   logging.For("turn_processor"),
	}
}

// plan resolves preferences and derives (or reuses) the route.
func (p *turnProcessor) plan(ctx context.Context, req *datatypes.Request,
	reuse *datatypes.RouteConfig) (datatypes.RouteConfig, datatypes.ResolvedPreferences, error) {

	user, err := p.prefs.Get(ctx, req.UserID)
	if err != nil {
		p.logger.Warn("preference load failed, using defaults", "user", req.UserID, "error", err)
		user = datatypes.UserPreferences{UserID: req.UserID}
	}

	resolved, err := p.resolver.Resolve(req, user)
	if err != nil {
		return datatypes.RouteConfig{}, resolved, err
	}

	if reuse != nil {
		return *reuse, resolved, nil
	}

	rc, err := p.router.ClassifyRequest(ctx, req.Message, req.Attachments, resolved, req.ClientKind)
	return rc, resolved, err
}

func (p *turnProcessor) runInput(req *datatypes.Request, rc datatypes.RouteConfig,
	resolved datatypes.ResolvedPreferences) streaming.RunInput {

	active := p.profiles.ActiveProfile()
	return streaming.RunInput{
		Request:    req,
		Route:      rc,
		Prefs:      resolved,
		FetchLimit: active.FetchLimit(string(rc.Route)),
		// The dispatcher already showed a status indicator on the chat
		// surface; suppress a duplicate model-generated one.
		StatusSent: req.ClientKind == datatypes.ClientChat,
	}
}

// ProcessStream implements queue.Processor.
func (p *turnProcessor) ProcessStream(ctx context.Context, req *datatypes.Request,
	emit func(chunk string) error) (*queue.Outcome, error) {

	rc, resolved, err := p.plan(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	outcome := &queue.Outcome{Route: &rc}

	result, err := p.runner.Stream(ctx, p.runInput(req, rc, resolved), emit)
	if err != nil {
		// The derived route rides along so retries skip
		// re-classification.
		return outcome, err
	}
	outcome.Result = result
	return outcome, nil
}

// Process implements queue.Processor: the blocking path, reusing the
// given route when the caller already derived one.
func (p *turnProcessor) Process(ctx context.Context, req *datatypes.Request,
	route *datatypes.RouteConfig) (*queue.Outcome, error) {

	rc, resolved, err := p.plan(ctx, req, route)
	if err != nil {
		return nil, err
	}
	outcome := &queue.Outcome{Route: &rc}

	result, err := p.runner.Complete(ctx, p.runInput(req, rc, resolved))
	if err != nil {
		return outcome, err
	}
	outcome.Result = result
	return outcome, nil
}

var _ queue.Processor = (*turnProcessor)(nil)
