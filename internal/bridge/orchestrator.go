package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dialbridge/internal/media"
	"dialbridge/internal/signaling"
	"dialbridge/internal/telephony"
)

// MediaSession is the slice of a media resource set the orchestrator drives.
type MediaSession interface {
	CreateOffer() (string, error)
	ApplyAnswer(sdp string) error
}

// MediaManager acquires and releases the process-wide media resources.
type MediaManager interface {
	Acquire(ctx context.Context) (MediaSession, error)
	Release(MediaSession)
}

// SignalSession is one control-channel connection to the media relay.
// *signaling.Session satisfies it.
type SignalSession interface {
	Connect(ctx context.Context) error
	Park(ctx context.Context, offerSDP string) (signaling.ParkedLeg, error)
	Hangup(ctx context.Context, legID string) error
	Events() <-chan signaling.LegState
	Close() error
}

// SessionFactory opens a fresh signaling session for one dial attempt.
type SessionFactory func() SignalSession

// CallGuard reserves the agent's single call slot across bridge instances.
type CallGuard interface {
	Acquire(ctx context.Context, agentID string) (bool, error)
	Release(ctx context.Context, agentID string) error
}

// Auditor receives every state transition. Best-effort; failures are logged.
type Auditor interface {
	RecordTransition(ctx context.Context, sessionID string, from, to Status, reason string)
}

// CallRecorder persists the final call record when a session terminates.
type CallRecorder interface {
	Record(ctx context.Context, s CallSession) error
}

// Config is the orchestrator's tunable surface.
type Config struct {
	CallerNumber       string
	NotifyURL          string
	AnswerTimeout      time.Duration
	BridgeRetryBackoff time.Duration
}

// Orchestrator runs the outbound-call state machine. One session at a time;
// all session mutations happen on a single run loop consuming an ordered
// event queue, so handlers never interleave. User hangups travel on a
// separate priority channel drained before the main queue.
type Orchestrator struct {
	cfg        Config
	media      MediaManager
	newSession SessionFactory
	legs       telephony.LegController
	guard      CallGuard
	auditor    Auditor
	recorder   CallRecorder
	log        *slog.Logger

	mu  sync.Mutex
	cur *activeCall
}

func NewOrchestrator(cfg Config, mm MediaManager, factory SessionFactory, legs telephony.LegController, log *slog.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		cfg:        cfg,
		media:      mm,
		newSession: factory,
		legs:       legs,
		log:        log,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option wires optional collaborators into the orchestrator.
type Option func(*Orchestrator)

func WithGuard(g CallGuard) Option       { return func(o *Orchestrator) { o.guard = g } }
func WithAuditor(a Auditor) Option       { return func(o *Orchestrator) { o.auditor = a } }
func WithRecorder(r CallRecorder) Option { return func(o *Orchestrator) { o.recorder = r } }

type eventKind int

const (
	evParked eventKind = iota
	evConnectFailed
	evLocalLeg
	evCreateLegOK
	evCreateLegFailed
	evRemoteLeg
	evBridgeOK
	evBridgeFailed
	evAnswerTimeout
	evUserHangup
)

type event struct {
	kind   eventKind
	legID  string
	err    error
	local  signaling.LegState
	remote telephony.LegEvent
}

type activeCall struct {
	session CallSession

	mediaSet    MediaSession
	signal      SignalSession
	ctx         context.Context
	cancel      context.CancelFunc
	events      chan event
	hangups     chan event
	done        chan struct{}
	answerTimer *time.Timer

	legCreated    bool
	bridging      bool
	pendingRemote []telephony.LegEvent
}

// Dial starts a new outbound call attempt. It returns once the session is
// created and the connect sequence is in flight; progress is observable via
// Snapshot. A dial while a session is active fails with ErrAlreadyInCall and
// leaves the active session untouched.
func (o *Orchestrator) Dial(ctx context.Context, agentID, destination string) (CallSession, error) {
	if destination == "" {
		return CallSession{}, ErrEmptyDestination
	}

	o.mu.Lock()
	if o.cur != nil {
		o.mu.Unlock()
		return CallSession{}, ErrAlreadyInCall
	}
	// Reserve the slot with a placeholder so a racing dial fails fast while
	// we acquire external resources.
	c := &activeCall{
		session: CallSession{
			SessionID:         uuid.NewString(),
			AgentID:           agentID,
			Status:            StatusIdle,
			DestinationNumber: destination,
			StartedAt:         time.Now().UTC(),
		},
		events:  make(chan event, 32),
		hangups: make(chan event, 1),
		done:    make(chan struct{}),
	}
	o.cur = c
	o.mu.Unlock()

	if o.guard != nil {
		ok, err := o.guard.Acquire(ctx, agentID)
		if err != nil {
			o.abortDial(c)
			return CallSession{}, fmt.Errorf("bridge: call guard: %w", err)
		}
		if !ok {
			o.abortDial(c)
			return CallSession{}, ErrAlreadyInCall
		}
	}

	// Microphone first. A denied permission must never open a signaling
	// session, so this happens before the session factory is touched.
	set, err := o.media.Acquire(ctx)
	if err != nil {
		reason := ReasonMedia
		if errors.Is(err, media.ErrPermissionDenied) {
			reason = ReasonPermissionDenied
		}
		o.failBeforeLoop(c, reason, err)
		return c.session, fmt.Errorf("bridge: %w", err)
	}
	c.mediaSet = set

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.signal = o.newSession()

	o.transition(c, StatusConnecting, "")
	go o.runLoop(c)
	go o.connect(c)

	return o.snapshotOf(c), nil
}

// Hangup injects a user hangup and waits for the session to reach a
// terminal state.
func (o *Orchestrator) Hangup(ctx context.Context) error {
	o.mu.Lock()
	c := o.cur
	o.mu.Unlock()
	if c == nil {
		return ErrNoActiveCall
	}

	select {
	case c.hangups <- event{kind: evUserHangup}:
	default:
		// A hangup is already queued; waiting on done is enough.
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the active session, if any.
func (o *Orchestrator) Snapshot() (CallSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return CallSession{}, false
	}
	return o.cur.session, true
}

// HandleLegEvent implements telephony.EventSink. Events for unknown legs or
// with no session in progress are dropped.
func (o *Orchestrator) HandleLegEvent(ev telephony.LegEvent) {
	o.mu.Lock()
	c := o.cur
	o.mu.Unlock()
	if c == nil {
		o.log.Debug("dropping leg event, no active session", "leg_id", ev.LegID)
		return
	}
	o.post(c, event{kind: evRemoteLeg, remote: ev})
}

func (o *Orchestrator) post(c *activeCall, ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// connect runs the session establishment sequence off the run loop; every
// outcome re-enters the loop as an event.
func (o *Orchestrator) connect(c *activeCall) {
	if err := c.signal.Connect(c.ctx); err != nil {
		o.post(c, event{kind: evConnectFailed, err: err})
		return
	}
	go o.pumpSignalEvents(c)

	offer, err := c.mediaSet.CreateOffer()
	if err != nil {
		o.post(c, event{kind: evConnectFailed, err: err})
		return
	}
	parked, err := c.signal.Park(c.ctx, offer)
	if err != nil {
		o.post(c, event{kind: evConnectFailed, err: err})
		return
	}
	if err := c.mediaSet.ApplyAnswer(parked.AnswerSDP); err != nil {
		o.post(c, event{kind: evConnectFailed, err: err})
		return
	}
	o.post(c, event{kind: evParked, legID: parked.ID})
}

func (o *Orchestrator) pumpSignalEvents(c *activeCall) {
	for state := range c.signal.Events() {
		o.post(c, event{kind: evLocalLeg, local: state})
	}
}

func (o *Orchestrator) runLoop(c *activeCall) {
	defer close(c.done)
	for {
		// Priority drain: a queued user hangup preempts pending events.
		select {
		case ev := <-c.hangups:
			o.handle(c, ev)
		default:
		}
		if o.statusOf(c).Terminal() {
			return
		}

		select {
		case ev := <-c.hangups:
			o.handle(c, ev)
		case ev := <-c.events:
			o.handle(c, ev)
		}
		if o.statusOf(c).Terminal() {
			return
		}
	}
}

func (o *Orchestrator) handle(c *activeCall, ev event) {
	switch ev.kind {
	case evConnectFailed:
		o.log.Warn("signaling connect failed", "session_id", c.session.SessionID, "err", ev.err)
		o.fail(c, ReasonConnection, ev.err)

	case evParked:
		o.setLocalLeg(c, ev.legID)

	case evLocalLeg:
		o.handleLocalLeg(c, ev.local)

	case evCreateLegOK:
		o.setRemoteLeg(c, ev.legID)
		o.transition(c, StatusRemoteLegDialing, "")
		o.startAnswerTimer(c)
		o.replayPendingRemote(c)

	case evCreateLegFailed:
		o.log.Warn("remote leg creation failed", "session_id", c.session.SessionID, "err", ev.err)
		o.fail(c, ReasonLegCreation, ev.err)

	case evRemoteLeg:
		o.handleRemoteLeg(c, ev.remote)

	case evBridgeOK:
		o.setBridged(c)

	case evBridgeFailed:
		o.log.Warn("bridge action failed after retry", "session_id", c.session.SessionID, "err", ev.err)
		o.fail(c, ReasonAction, ev.err)

	case evAnswerTimeout:
		switch o.statusOf(c) {
		case StatusRemoteLegDialing, StatusRemoteLegRinging:
			o.fail(c, ReasonAnswerTimeout, nil)
		}

	case evUserHangup:
		o.end(c, "user hangup")
	}
}

func (o *Orchestrator) handleLocalLeg(c *activeCall, state signaling.LegState) {
	switch state.State {
	case signaling.LegTrying:
		o.log.Debug("local leg trying", "session_id", c.session.SessionID, "leg_id", state.LegID)

	case signaling.LegActive:
		if o.statusOf(c) != StatusConnecting {
			return
		}
		o.transition(c, StatusLocalLegActive, "")
		// The relay can duplicate the active event; the latch keeps leg
		// creation single-shot.
		if c.legCreated {
			return
		}
		c.legCreated = true
		go o.createRemoteLeg(c)

	case signaling.LegDestroy:
		if o.statusOf(c) == StatusBridged {
			o.end(c, "remote party hangup")
			return
		}
		// Local leg died before the call was up. The remote leg may already
		// be live on the backend; teardown hangs it up best-effort.
		o.fail(c, ReasonLocalLegLost, nil)
	}
}

func (o *Orchestrator) handleRemoteLeg(c *activeCall, ev telephony.LegEvent) {
	remoteID := o.remoteLegOf(c)
	if remoteID == "" {
		if c.legCreated {
			// Webhook raced the create-leg response; replay after the leg
			// id is known.
			c.pendingRemote = append(c.pendingRemote, ev)
		}
		return
	}
	if ev.LegID != remoteID {
		o.log.Debug("dropping event for unknown leg", "leg_id", ev.LegID)
		return
	}

	switch ev.Kind {
	case telephony.LegRinging:
		if o.statusOf(c) == StatusRemoteLegDialing {
			o.transition(c, StatusRemoteLegRinging, "")
		}

	case telephony.LegAnswered:
		switch o.statusOf(c) {
		case StatusRemoteLegDialing, StatusRemoteLegRinging:
			if c.bridging {
				return
			}
			c.bridging = true
			o.stopAnswerTimer(c)
			go o.bridgeLegs(c)
		}

	case telephony.LegHangup:
		// Callee hung up or never answered. Normal call end either way;
		// before Bridged it is an unanswered outcome, not a failure.
		o.end(c, "remote leg hangup")
	}
}

func (o *Orchestrator) replayPendingRemote(c *activeCall) {
	pending := c.pendingRemote
	c.pendingRemote = nil
	for _, ev := range pending {
		o.handleRemoteLeg(c, ev)
	}
}

func (o *Orchestrator) createRemoteLeg(c *activeCall) {
	legID, err := o.legs.CreateLeg(c.ctx, o.cfg.CallerNumber, c.session.DestinationNumber, o.cfg.NotifyURL)
	if err != nil {
		o.post(c, event{kind: evCreateLegFailed, err: err})
		return
	}
	o.post(c, event{kind: evCreateLegOK, legID: legID})
}

// bridgeLegs joins the two legs. A bridge rejection gets one retry after a
// short backoff; the remote leg may not have fully settled when the first
// attempt lands.
func (o *Orchestrator) bridgeLegs(c *activeCall) {
	remoteID := o.remoteLegOf(c)
	localID := o.localLegOf(c)

	err := o.legs.PerformAction(c.ctx, remoteID, telephony.ActionBridge, localID)
	if err != nil {
		o.log.Warn("bridge attempt failed, retrying once",
			"session_id", c.session.SessionID, "err", err)
		select {
		case <-time.After(o.cfg.BridgeRetryBackoff):
		case <-c.ctx.Done():
			return
		}
		err = o.legs.PerformAction(c.ctx, remoteID, telephony.ActionBridge, localID)
	}
	if err != nil {
		o.post(c, event{kind: evBridgeFailed, err: err})
		return
	}
	o.post(c, event{kind: evBridgeOK})
}

func (o *Orchestrator) startAnswerTimer(c *activeCall) {
	if o.cfg.AnswerTimeout <= 0 {
		return
	}
	c.answerTimer = time.AfterFunc(o.cfg.AnswerTimeout, func() {
		o.post(c, event{kind: evAnswerTimeout})
	})
}

func (o *Orchestrator) stopAnswerTimer(c *activeCall) {
	if c.answerTimer != nil {
		c.answerTimer.Stop()
		c.answerTimer = nil
	}
}

func (o *Orchestrator) fail(c *activeCall, reason string, err error) {
	o.teardown(c)
	o.mu.Lock()
	from := c.session.Status
	c.session.Status = StatusFailed
	c.session.LastError = reason
	o.mu.Unlock()
	o.audit(c, from, StatusFailed, reason)
	o.record(c)
	if err != nil {
		o.log.Error("call failed", "session_id", c.session.SessionID, "reason", reason, "err", err)
	} else {
		o.log.Error("call failed", "session_id", c.session.SessionID, "reason", reason)
	}
}

func (o *Orchestrator) end(c *activeCall, reason string) {
	o.teardown(c)
	o.mu.Lock()
	from := c.session.Status
	c.session.Status = StatusEnded
	c.session.LastError = ""
	o.mu.Unlock()
	o.audit(c, from, StatusEnded, reason)
	o.record(c)
	o.log.Info("call ended", "session_id", c.session.SessionID, "reason", reason)
}

// teardown unwinds every external resource. It runs exactly once per
// session, on the way into any terminal state, and never propagates errors:
// by this point the session outcome is already decided.
func (o *Orchestrator) teardown(c *activeCall) {
	c.cancel()
	o.stopAnswerTimer(c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if remoteID := o.remoteLegOf(c); remoteID != "" {
		if err := o.legs.PerformAction(ctx, remoteID, telephony.ActionHangup, ""); err != nil {
			o.log.Warn("remote leg hangup failed", "leg_id", remoteID, "err", err)
		}
	}
	if localID := o.localLegOf(c); localID != "" {
		if err := c.signal.Hangup(ctx, localID); err != nil {
			o.log.Warn("local leg hangup failed", "leg_id", localID, "err", err)
		}
	}
	if err := c.signal.Close(); err != nil {
		o.log.Warn("signaling close failed", "err", err)
	}
	o.media.Release(c.mediaSet)
	o.releaseGuard(c)

	o.mu.Lock()
	if o.cur == c {
		o.cur = nil
	}
	o.mu.Unlock()
}

// abortDial backs out of a dial that failed before any resource was held.
func (o *Orchestrator) abortDial(c *activeCall) {
	o.mu.Lock()
	if o.cur == c {
		o.cur = nil
	}
	o.mu.Unlock()
	close(c.done)
}

// failBeforeLoop terminates a session that never started its run loop
// (media acquisition failed). No signaling resources exist yet.
func (o *Orchestrator) failBeforeLoop(c *activeCall, reason string, err error) {
	o.mu.Lock()
	from := c.session.Status
	c.session.Status = StatusFailed
	c.session.LastError = reason
	if o.cur == c {
		o.cur = nil
	}
	o.mu.Unlock()
	o.releaseGuard(c)
	o.audit(c, from, StatusFailed, reason)
	o.record(c)
	close(c.done)
	o.log.Error("call failed", "session_id", c.session.SessionID, "reason", reason, "err", err)
}

func (o *Orchestrator) releaseGuard(c *activeCall) {
	if o.guard == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.guard.Release(ctx, c.session.AgentID); err != nil {
		o.log.Warn("call guard release failed", "agent_id", c.session.AgentID, "err", err)
	}
}

func (o *Orchestrator) transition(c *activeCall, to Status, reason string) {
	o.mu.Lock()
	from := c.session.Status
	c.session.Status = to
	if reason == "" {
		c.session.LastError = ""
	}
	o.mu.Unlock()
	o.audit(c, from, to, reason)
	o.log.Info("call state changed", "session_id", c.session.SessionID, "from", from, "to", to)
}

func (o *Orchestrator) setBridged(c *activeCall) {
	o.mu.Lock()
	from := c.session.Status
	c.session.Status = StatusBridged
	c.session.BridgedAt = time.Now().UTC()
	c.session.LastError = ""
	o.mu.Unlock()
	o.audit(c, from, StatusBridged, "")
	o.log.Info("call bridged", "session_id", c.session.SessionID,
		"local_leg_id", c.session.LocalLegID, "remote_leg_id", c.session.RemoteLegID)
}

func (o *Orchestrator) audit(c *activeCall, from, to Status, reason string) {
	if o.auditor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.auditor.RecordTransition(ctx, c.session.SessionID, from, to, reason)
}

func (o *Orchestrator) record(c *activeCall) {
	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.recorder.Record(ctx, o.snapshotOf(c)); err != nil {
		o.log.Warn("call record persist failed", "session_id", c.session.SessionID, "err", err)
	}
}

func (o *Orchestrator) statusOf(c *activeCall) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return c.session.Status
}

func (o *Orchestrator) localLegOf(c *activeCall) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return c.session.LocalLegID
}

func (o *Orchestrator) remoteLegOf(c *activeCall) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return c.session.RemoteLegID
}

func (o *Orchestrator) setLocalLeg(c *activeCall, legID string) {
	o.mu.Lock()
	c.session.LocalLegID = legID
	o.mu.Unlock()
}

func (o *Orchestrator) setRemoteLeg(c *activeCall, legID string) {
	o.mu.Lock()
	c.session.RemoteLegID = legID
	o.mu.Unlock()
}

func (o *Orchestrator) snapshotOf(c *activeCall) CallSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return c.session
}
