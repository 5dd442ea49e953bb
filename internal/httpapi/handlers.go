package httpapi

import (
	"errors"
	"net/http"
	"time"

	"dialbridge/internal/audit"
	"dialbridge/internal/auth"
	"dialbridge/internal/bridge"
	"dialbridge/internal/media"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth    *auth.Manager
	Bridge  *bridge.Orchestrator
	Media   *media.Manager
	Auditor *audit.Service
}

// --- Auth ---

type loginRequest struct {
	AgentID     string `json:"agent_id"`
	WorkspaceID string `json:"workspace_id"`
	Role        string `json:"role"`
	Extension   string `json:"extension"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.AgentID == "" || req.WorkspaceID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "agent_id, workspace_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.AgentID, req.WorkspaceID, req.Role, req.Extension)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

type dialRequest struct {
	Destination string `json:"destination"`
}

// Dial starts an outbound call attempt for the authenticated agent.
func (h Handlers) Dial(c *gin.Context) {
	if h.Bridge == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "bridge not configured"})
		return
	}
	agentID, err := auth.AgentID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent_id required"})
		return
	}

	var req dialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	session, err := h.Bridge.Dial(c.Request.Context(), agentID, req.Destination)
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrEmptyDestination):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "destination required"})
		return
	case errors.Is(err, bridge.ErrAlreadyInCall):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "already in a call"})
		return
	case errors.Is(err, media.ErrPermissionDenied):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "microphone permission denied"})
		return
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "dial failed"})
		return
	}

	h.logAction(c, agentID, "dial requested", session.SessionID)
	c.JSON(http.StatusAccepted, session)
}

// Hangup ends the active call. Waits for teardown so the response reflects
// the terminal state.
func (h Handlers) Hangup(c *gin.Context) {
	if h.Bridge == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "bridge not configured"})
		return
	}
	agentID, err := auth.AgentID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "agent_id required"})
		return
	}

	if err := h.Bridge.Hangup(c.Request.Context()); err != nil {
		if errors.Is(err, bridge.ErrNoActiveCall) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no active call"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "hangup failed"})
		return
	}

	h.logAction(c, agentID, "hangup requested", "")
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

// ActiveCall returns the in-progress session, if any.
func (h Handlers) ActiveCall(c *gin.Context) {
	if h.Bridge == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "bridge not configured"})
		return
	}
	session, ok := h.Bridge.Snapshot()
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no active call"})
		return
	}
	c.JSON(http.StatusOK, session)
}

// ResumeAudio retries playback that was blocked pending a user interaction.
// Clients call it on the first interaction after a blocked-playback notice.
func (h Handlers) ResumeAudio(c *gin.Context) {
	if h.Media == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "media not configured"})
		return
	}
	h.Media.ResumePlayback()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h Handlers) logAction(c *gin.Context, agentID, message, sessionID string) {
	if h.Auditor == nil {
		return
	}
	role, _ := auth.Role(c.Request.Context())
	_ = h.Auditor.LogAgentAction(c.Request.Context(), agentID, role, c.ClientIP(), message, sessionID)
}
