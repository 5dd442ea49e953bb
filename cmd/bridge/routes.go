package main

import (
	"log/slog"

	"dialbridge/internal/auth"
	"dialbridge/internal/bridge"
	"dialbridge/internal/httpapi"
	"dialbridge/internal/rbac"
	"dialbridge/internal/telephony"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, orch *bridge.Orchestrator, log *slog.Logger) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Backend webhooks (public).
	// NOTE: This endpoint should be protected by backend signature validation in production.
	r.POST("/webhooks/telephony/legs", telephony.WebhookHandler(orch, log))

	// protected API group
	v1 := r.Group("/v1")
	{
		// AUTH routes (token issuance).
		// NOTE: This is a placeholder login route; real credential validation is not implemented.
		v1.POST("/auth/login", h.Login)

		protected := v1.Group("")
		protected.Use(auth.RequireAccessToken(h.Auth))

		// Identity echo for client debugging.
		protected.GET("/me", func(c *gin.Context) {
			aid, _ := auth.AgentID(c.Request.Context())
			wid, _ := auth.WorkspaceID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"agent_id": aid, "workspace_id": wid, "role": role})
		})

		// CALLS routes
		callsGroup := protected.Group("/calls")
		callsGroup.Use(rbac.RequireWorkspace())
		callsGroup.Use(rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor, rbac.RoleAdmin, rbac.RoleSuperAdmin))
		{
			callsGroup.POST("/dial", h.Dial)
			callsGroup.POST("/hangup", h.Hangup)
			callsGroup.GET("/active", h.ActiveCall)
			callsGroup.POST("/resume-audio", h.ResumeAudio)
		}
	}
}
