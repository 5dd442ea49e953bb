package calls

import "time"

// Record is the persisted outcome of one outbound call attempt.
//
// NOTE: This is a domain model only. Backend-specific identifiers live in
// the leg id columns; raw backend payloads belong in metadata, not here.

type Record struct {
	RecordID    string `json:"record_id" db:"record_id"`
	SessionID   string `json:"session_id" db:"session_id"`
	AgentID     string `json:"agent_id" db:"agent_id"`
	WorkspaceID string `json:"workspace_id,omitempty" db:"workspace_id"`

	Caller      string `json:"caller" db:"caller"`
	Destination string `json:"destination" db:"destination"`

	LocalLegID  string `json:"local_leg_id,omitempty" db:"local_leg_id"`
	RemoteLegID string `json:"remote_leg_id,omitempty" db:"remote_leg_id"`

	Disposition   Disposition `json:"disposition" db:"disposition"`
	FailureReason string      `json:"failure_reason,omitempty" db:"failure_reason"`

	StartedAt time.Time `json:"started_at" db:"started_at"`
	BridgedAt time.Time `json:"bridged_at" db:"bridged_at"`
	EndedAt   time.Time `json:"ended_at" db:"ended_at"`

	// TalkSeconds is the bridged duration in seconds.
	// Keep as an int for JSON friendliness; store as INT in Postgres.
	TalkSeconds int `json:"talk_seconds" db:"talk_seconds"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Disposition string

const (
	DispositionCompleted  Disposition = "completed"
	DispositionUnanswered Disposition = "unanswered"
	DispositionFailed     Disposition = "failed"
)

// DispositionFor derives the record disposition from the session outcome:
// a session that ended after bridging completed; one that ended without
// ever bridging went unanswered; anything else failed.
func DispositionFor(ended bool, bridgedAt time.Time) Disposition {
	switch {
	case ended && !bridgedAt.IsZero():
		return DispositionCompleted
	case ended:
		return DispositionUnanswered
	default:
		return DispositionFailed
	}
}
