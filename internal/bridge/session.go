package bridge

import (
	"errors"
	"time"
)

// Status is the lifecycle state of one outbound call attempt.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusConnecting       Status = "connecting"
	StatusLocalLegActive   Status = "local_leg_active"
	StatusRemoteLegDialing Status = "remote_leg_dialing"
	StatusRemoteLegRinging Status = "remote_leg_ringing"
	StatusBridged          Status = "bridged"
	StatusEnded            Status = "ended"
	StatusFailed           Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Failure reasons carried in CallSession.LastError.
const (
	ReasonPermissionDenied = "permission_denied"
	ReasonMedia            = "media_error"
	ReasonConnection       = "connection_error"
	ReasonLegCreation      = "leg_creation_error"
	ReasonAction           = "action_error"
	ReasonAnswerTimeout    = "answer_timeout"
	ReasonLocalLegLost     = "local_leg_lost"
)

var (
	// ErrAlreadyInCall rejects a dial attempt while a session is active.
	// The active session is left untouched.
	ErrAlreadyInCall = errors.New("bridge: already in a call")

	// ErrNoActiveCall rejects a hangup with no session in progress.
	ErrNoActiveCall = errors.New("bridge: no active call")

	// ErrEmptyDestination rejects a dial with no destination number.
	ErrEmptyDestination = errors.New("bridge: destination number required")
)

// CallSession is the aggregate for one outbound call attempt.
//
// Invariants:
// - RemoteLegID is set iff the remote leg was created on the backend.
// - BridgedAt is set iff the session ever reached Bridged.
// - DestinationNumber is immutable once set.
// - At most one non-terminal CallSession per orchestrator.
type CallSession struct {
	SessionID         string    `json:"session_id"`
	AgentID           string    `json:"agent_id"`
	Status            Status    `json:"status"`
	LocalLegID        string    `json:"local_leg_id,omitempty"`
	RemoteLegID       string    `json:"remote_leg_id,omitempty"`
	DestinationNumber string    `json:"destination_number"`
	StartedAt         time.Time `json:"started_at"`
	BridgedAt         time.Time `json:"bridged_at"`
	LastError         string    `json:"last_error,omitempty"`
}
