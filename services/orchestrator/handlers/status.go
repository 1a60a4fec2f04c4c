// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lumenforge/modelhost/services/orchestrator/profile"
	"github.com/lumenforge/modelhost/services/orchestrator/queue"
	"github.com/lumenforge/modelhost/services/orchestrator/vram"
)

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetStatus returns the VRAM snapshot, queue depth, and active profile.
func GetStatus(orch *vram.Orchestrator, q *queue.Queue, profiles *profile.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		active := profiles.ActiveProfile()
		c.JSON(http.StatusOK, gin.H{
			"vram":           orch.GetStatus(),
			"queue_depth":    q.Size(),
			"queue_full":     q.IsFull(),
			"active_profile": active.Name,
			"in_fallback":    profiles.IsInFallback(),
		})
	}
}

// switchProfileRequest is the admin profile-switch body.
type switchProfileRequest struct {
	Profile string `json:"profile" binding:"required"`
	Reason  string `json:"reason"`
}

// SwitchProfile activates a named profile on operator request.
func SwitchProfile(profiles *profile.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body switchProfileRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		reason := body.Reason
		if reason == "" {
			reason = "operator request"
		}
		if err := profiles.SwitchProfile(body.Profile, reason); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"active_profile": body.Profile})
	}
}

// Reconcile runs one reconciliation pass on demand.
func Reconcile(orch *vram.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, orch.ReconcileRegistry(c.Request.Context()))
	}
}
