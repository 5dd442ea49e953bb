package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"dialbridge/internal/audit"
	"dialbridge/internal/bridge"
	"dialbridge/internal/calls"
	"dialbridge/internal/media"
	"dialbridge/pkg/utils"
)

// mediaAdapter narrows *media.Manager to the orchestrator's interface.
type mediaAdapter struct {
	mgr *media.Manager
}

func (a *mediaAdapter) Acquire(ctx context.Context) (bridge.MediaSession, error) {
	return a.mgr.Acquire(ctx)
}

func (a *mediaAdapter) Release(set bridge.MediaSession) {
	rs, _ := set.(*media.ResourceSet)
	a.mgr.Release(rs)
}

// redisGuard enforces one live call per agent across bridge instances. The
// TTL bounds slot leakage if an instance dies without releasing.
type redisGuard struct {
	rdb *redis.Client
}

const callSlotTTL = 2 * time.Hour

func (g *redisGuard) Acquire(ctx context.Context, agentID string) (bool, error) {
	return utils.AcquireCallSlot(ctx, g.rdb, "call_slot:"+agentID, 1, callSlotTTL)
}

func (g *redisGuard) Release(ctx context.Context, agentID string) error {
	return utils.ReleaseCallSlot(ctx, g.rdb, "call_slot:"+agentID)
}

// bridgeAuditor forwards state transitions to the audit trail, best-effort.
type bridgeAuditor struct {
	svc *audit.Service
	log *slog.Logger
}

func (a *bridgeAuditor) RecordTransition(ctx context.Context, sessionID string, from, to bridge.Status, reason string) {
	if err := a.svc.LogCallTransition(ctx, sessionID, string(from), string(to), reason); err != nil {
		a.log.Warn("audit append failed", "session_id", sessionID, "err", err)
	}
}

// callRecorder maps a terminal session to a call record.
type callRecorder struct {
	store  *calls.Store
	caller string
	log    *slog.Logger
}

func (r *callRecorder) Record(ctx context.Context, s bridge.CallSession) error {
	return r.store.Insert(ctx, calls.Record{
		SessionID:     s.SessionID,
		AgentID:       s.AgentID,
		Caller:        r.caller,
		Destination:   s.DestinationNumber,
		LocalLegID:    s.LocalLegID,
		RemoteLegID:   s.RemoteLegID,
		Disposition:   calls.DispositionFor(s.Status == bridge.StatusEnded, s.BridgedAt),
		FailureReason: s.LastError,
		StartedAt:     s.StartedAt,
		BridgedAt:     s.BridgedAt,
		EndedAt:       time.Now().UTC(),
	})
}
