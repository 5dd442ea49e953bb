package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// Multi-tenant invariant: WorkspaceID must be present for all agent activity.
// The softphone UI authenticates as an agent; Extension identifies the agent's
// signaling endpoint and is informational only (never an authorization input).
type Claims struct {
	jwt.RegisteredClaims

	AgentID     string    `json:"agent_id"`
	WorkspaceID string    `json:"workspace_id"`
	Role        string    `json:"role"`
	Extension   string    `json:"extension,omitempty"`
	TokenType   TokenType `json:"token_type"`
}
