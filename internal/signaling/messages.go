package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrConnection means the control channel to the media relay could not be
// established or was lost. Fatal to the enclosing call session.
var ErrConnection = errors.New("signaling: connection failed")

// Leg states as delivered by the relay, strictly ordered per leg: trying
// precedes active, destroy is terminal and can follow either. The relay is
// known to duplicate the active event on occasion; consumers must tolerate
// that.
type LegStateKind string

const (
	LegTrying  LegStateKind = "trying"
	LegActive  LegStateKind = "active"
	LegDestroy LegStateKind = "destroy"
)

// LegState is one state-change notification for a local leg.
type LegState struct {
	LegID string       `json:"legId"`
	State LegStateKind `json:"state"`
}

// ParkedLeg is the relay-side handle for a local leg held in park.
type ParkedLeg struct {
	ID        string `json:"legId"`
	AnswerSDP string `json:"sdp"`
}

const (
	methodLogin     = "login"
	methodDial      = "dial"
	methodHangup    = "hangup"
	methodCallState = "callState"
)

// envelope is the single wire frame shape. Requests carry id+method+params,
// responses echo the id with result or error, server-initiated events carry
// method+params without an id.
type envelope struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wireError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

type loginParams struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type dialParams struct {
	SDP string `json:"sdp"`
}

type hangupParams struct {
	LegID string `json:"legId"`
}
