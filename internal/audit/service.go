package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to agents by default.
// - Callers should treat audit logging as best-effort.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.Type == EventTypeCallTransition && e.SessionID == "" {
		return ErrInvalidEvent
	}
	if e.Type == EventTypeAgentAction && e.ActorAgentID == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogCallTransition records one state change of a call session.
func (s *Service) LogCallTransition(ctx context.Context, sessionID, from, to, reason string) error {
	return s.Append(ctx, Event{
		Type:       EventTypeCallTransition,
		SessionID:  sessionID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
	})
}

// LogAgentAction records an agent-initiated API action (dial, hangup).
func (s *Service) LogAgentAction(ctx context.Context, agentID, role, ip, message, sessionID string) error {
	return s.Append(ctx, Event{
		Type:         EventTypeAgentAction,
		ActorAgentID: agentID,
		ActorRole:    role,
		IPAddress:    ip,
		SessionID:    sessionID,
		Message:      message,
	})
}
