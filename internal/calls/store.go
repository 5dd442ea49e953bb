package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dialbridge/pkg/utils"
)

var ErrInvalidRecord = errors.New("calls: invalid record")

// Store persists call records in Postgres.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// Insert writes one final call record. Records are written once at session
// end and never updated.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	if rec.RecordID == "" {
		rec.RecordID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	if rec.TalkSeconds == 0 && !rec.BridgedAt.IsZero() && !rec.EndedAt.IsZero() {
		rec.TalkSeconds = int(rec.EndedAt.Sub(rec.BridgedAt) / time.Second)
	}

	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO call_records (
				record_id, session_id, agent_id, workspace_id,
				caller, destination, local_leg_id, remote_leg_id,
				disposition, failure_reason,
				started_at, bridged_at, ended_at, talk_seconds, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			rec.RecordID, rec.SessionID, rec.AgentID, rec.WorkspaceID,
			rec.Caller, rec.Destination, rec.LocalLegID, rec.RemoteLegID,
			string(rec.Disposition), rec.FailureReason,
			rec.StartedAt, nullableTime(rec.BridgedAt), nullableTime(rec.EndedAt),
			rec.TalkSeconds, rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("calls: insert record: %w", err)
		}
		return nil
	})
}

func validate(rec Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("%w: session id required", ErrInvalidRecord)
	}
	if rec.AgentID == "" {
		return fmt.Errorf("%w: agent id required", ErrInvalidRecord)
	}
	if rec.Destination == "" {
		return fmt.Errorf("%w: destination required", ErrInvalidRecord)
	}
	switch rec.Disposition {
	case DispositionCompleted, DispositionUnanswered, DispositionFailed:
	default:
		return fmt.Errorf("%w: unknown disposition %q", ErrInvalidRecord, rec.Disposition)
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
