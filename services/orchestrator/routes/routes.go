// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenforge/modelhost/pkg/extensions"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
	"github.com/lumenforge/modelhost/services/orchestrator/handlers"
	"github.com/lumenforge/modelhost/services/orchestrator/middleware"
	"github.com/lumenforge/modelhost/services/orchestrator/profile"
	"github.com/lumenforge/modelhost/services/orchestrator/queue"
	"github.com/lumenforge/modelhost/services/orchestrator/vram"
)

// Deps carries the long-lived singletons the routes close over.
type Deps struct {
	Queue        *queue.Queue
	Orchestrator *vram.Orchestrator
	Profiles     *profile.Manager
	WS           handlers.WSDeps

	// Auth guards the admin surface; nil means the open-build no-op
	// provider.
	Auth extensions.AuthProvider
}

// SetupRoutes registers every HTTP and WebSocket endpoint.
//
// One WebSocket endpoint per client kind; status and profile admin
// under /v1; Prometheus metrics on /metrics.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/ws/chat", handlers.HandleClientWebSocket(datatypes.ClientChat, deps.WS))
	router.GET("/ws/web", handlers.HandleClientWebSocket(datatypes.ClientWeb, deps.WS))

	auth := deps.Auth
	if auth == nil {
		auth = &extensions.NopAuthProvider{}
	}
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(auth))
	{
		v1.GET("/status", handlers.GetStatus(deps.Orchestrator, deps.Queue, deps.Profiles))
		v1.POST("/profile", handlers.SwitchProfile(deps.Profiles))
		v1.POST("/reconcile", handlers.Reconcile(deps.Orchestrator))
	}
}
