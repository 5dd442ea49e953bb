package telephony

import (
	"context"
	"errors"
)

// LegController is the provider-agnostic interface for the PSTN-side call
// leg. Implementations adapt one backend; business logic never talks to a
// provider API directly.
type LegController interface {
	// CreateLeg dials destination from caller and asks the backend to post
	// leg notifications to notifyURL. Rejection (invalid number, quota,
	// auth) wraps ErrLegCreation and is fatal to the call attempt.
	CreateLeg(ctx context.Context, caller, destination, notifyURL string) (string, error)

	// PerformAction issues a control action on an existing leg. Failure
	// wraps ErrAction; whether that is fatal is the caller's decision.
	PerformAction(ctx context.Context, legID string, action Action, param string) error
}

// Action is a backend control verb for an existing leg.
type Action string

const (
	ActionAnswer Action = "answer"
	ActionBridge Action = "bridge"
	ActionHangup Action = "hangup"
)

var (
	// ErrLegCreation means the backend rejected the outbound dial request.
	ErrLegCreation = errors.New("telephony: leg creation rejected")

	// ErrAction means a control action on an existing leg failed.
	ErrAction = errors.New("telephony: leg action failed")
)

// LegEventKind classifies out-of-band leg notifications from the backend.
type LegEventKind string

const (
	LegRinging  LegEventKind = "ringing"
	LegAnswered LegEventKind = "answered"
	LegHangup   LegEventKind = "hangup"
)

// LegEvent is one backend notification about a remote leg. The controller
// layer surfaces these without interpreting them.
type LegEvent struct {
	LegID string
	Kind  LegEventKind
}

// EventSink receives remote leg events parsed from webhook notifications.
type EventSink interface {
	HandleLegEvent(ev LegEvent)
}
