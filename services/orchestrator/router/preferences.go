// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"log/slog"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/orchestrator/capabilities"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
	"github.com/lumenforge/modelhost/services/orchestrator/profile"
)

// PreferenceResolver merges profile defaults, stored user preferences,
// and per-request overrides into one execution plan.
//
// Precedence, lowest to highest: profile default, user preference,
// request override. An explicit user or request model choice sets
// ShouldBypassRouting — classification is skipped, artifact detection
// is not.
type PreferenceResolver struct {
	profiles *profile.Manager
	caps     *capabilities.Registry
	logger   *slog.Logger
}

// NewPreferenceResolver builds a resolver.
func NewPreferenceResolver(profiles *profile.Manager, caps *capabilities.Registry) *PreferenceResolver {
	return &PreferenceResolver{
		profiles: profiles,
		caps:     caps,
		logger:   logging.For("preference_resolver"),
	}
}

// Resolve derives the preferences for one request.
//
// A per-request override naming an unknown model is a hard
// *datatypes.ConfigError — the user asked for something specific and
// silently substituting would be worse than failing. A stale stored
// preference is merely dropped with a warning.
//
// While a conservative fallback profile is active, model choices are
// not honored at all: the role map is used as-is, because fallback was
// triggered by model instability.
func (r *PreferenceResolver) Resolve(req *datatypes.Request,
	user datatypes.UserPreferences) (datatypes.ResolvedPreferences, error) {

	active := r.profiles.ActiveProfile()

	resolved := datatypes.ResolvedPreferences{
		ModelID:                 active.ModelForRole(capabilities.RoleReasoning),
		ModelSource:             datatypes.ModelSourceProfile,
		ArtifactExtractionModel: active.ModelForRole(capabilities.RoleArtifactExtraction),
		ArtifactDetectionModel:  active.ModelForRole(capabilities.RoleRouter),
	}

	if !active.Conservative {
		if user.PreferredModel != "" {
			if r.caps.Has(user.PreferredModel) {
				resolved.ModelID = user.PreferredModel
				resolved.ModelSource = datatypes.ModelSourceUser
				resolved.ShouldBypassRouting = true
			} else {
				r.logger.Warn("stored model preference no longer exists, ignoring",
					"user", user.UserID, "model", user.PreferredModel)
			}
		}
		if req.ModelOverride != "" {
			if !r.caps.Has(req.ModelOverride) {
				return resolved, &datatypes.ConfigError{ModelID: req.ModelOverride}
			}
			resolved.ModelID = req.ModelOverride
			resolved.ModelSource = datatypes.ModelSourceRequest
			resolved.ShouldBypassRouting = true
		}
	}

	if user.Temperature != nil {
		resolved.Temperature = user.Temperature
	}
	if req.Temperature != nil {
		resolved.Temperature = req.Temperature
	}

	if user.ThinkingEnabled != nil {
		resolved.ThinkingEnabled = user.ThinkingEnabled
	}
	if req.Thinking != nil {
		resolved.ThinkingEnabled = req.Thinking
	}

	return resolved, nil
}
