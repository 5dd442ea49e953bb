package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dialbridge/internal/media"
	"dialbridge/internal/signaling"
	"dialbridge/internal/telephony"
)

type fakeMediaSet struct{}

func (f *fakeMediaSet) CreateOffer() (string, error) { return "v=0 offer", nil }
func (f *fakeMediaSet) ApplyAnswer(sdp string) error { return nil }

type fakeMedia struct {
	mu         sync.Mutex
	acquireErr error
	acquires   int
	releases   int
}

func (f *fakeMedia) Acquire(ctx context.Context) (MediaSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return &fakeMediaSet{}, nil
}

func (f *fakeMedia) Release(MediaSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
}

func (f *fakeMedia) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

type fakeSignal struct {
	connectErr error
	connects   *atomic.Int32

	mu      sync.Mutex
	hangups []string
	events  chan signaling.LegState
	once    sync.Once
}

func newFakeSignal(connects *atomic.Int32) *fakeSignal {
	return &fakeSignal{
		connects: connects,
		events:   make(chan signaling.LegState, 16),
	}
}

func (f *fakeSignal) Connect(ctx context.Context) error {
	f.connects.Add(1)
	return f.connectErr
}

func (f *fakeSignal) Park(ctx context.Context, offerSDP string) (signaling.ParkedLeg, error) {
	return signaling.ParkedLeg{ID: "leg-local-1", AnswerSDP: "v=0 answer"}, nil
}

func (f *fakeSignal) Hangup(ctx context.Context, legID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, legID)
	return nil
}

func (f *fakeSignal) Events() <-chan signaling.LegState { return f.events }

func (f *fakeSignal) Close() error {
	f.once.Do(func() { close(f.events) })
	return nil
}

func (f *fakeSignal) emit(state signaling.LegState) { f.events <- state }

func (f *fakeSignal) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

type legActionCall struct {
	legID  string
	action telephony.Action
	param  string
}

type fakeLegs struct {
	mu          sync.Mutex
	createErr   error
	createCalls int
	createGate  chan struct{} // when set, CreateLeg blocks until closed
	bridgeErrs  []error
	actions     []legActionCall
}

func (f *fakeLegs) CreateLeg(ctx context.Context, caller, destination, notifyURL string) (string, error) {
	f.mu.Lock()
	f.createCalls++
	err := f.createErr
	gate := f.createGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	return "call-123", nil
}

func (f *fakeLegs) PerformAction(ctx context.Context, legID string, action telephony.Action, param string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, legActionCall{legID: legID, action: action, param: param})
	if action == telephony.ActionBridge && len(f.bridgeErrs) > 0 {
		err := f.bridgeErrs[0]
		f.bridgeErrs = f.bridgeErrs[1:]
		return err
	}
	return nil
}

func (f *fakeLegs) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *fakeLegs) actionsOf(kind telephony.Action) []legActionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []legActionCall
	for _, a := range f.actions {
		if a.action == kind {
			out = append(out, a)
		}
	}
	return out
}

type fakeRecorder struct {
	mu    sync.Mutex
	final []CallSession
}

func (f *fakeRecorder) Record(ctx context.Context, s CallSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.final = append(f.final, s)
	return nil
}

func (f *fakeRecorder) last() (CallSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.final) == 0 {
		return CallSession{}, false
	}
	return f.final[len(f.final)-1], true
}

type harness struct {
	orch     *Orchestrator
	mediaMgr *fakeMedia
	signal   *fakeSignal
	legs     *fakeLegs
	recorder *fakeRecorder
	connects *atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mediaMgr: &fakeMedia{},
		legs:     &fakeLegs{},
		recorder: &fakeRecorder{},
		connects: &atomic.Int32{},
	}
	h.signal = newFakeSignal(h.connects)
	h.orch = NewOrchestrator(Config{
		CallerNumber:       "+46700000001",
		NotifyURL:          "https://bridge.example/webhooks/telephony/legs",
		AnswerTimeout:      5 * time.Second,
		BridgeRetryBackoff: 10 * time.Millisecond,
	}, h.mediaMgr, func() SignalSession { return h.signal }, h.legs, nil,
		WithRecorder(h.recorder))
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitStatus(t *testing.T, want Status) {
	t.Helper()
	waitFor(t, fmt.Sprintf("status %s", want), func() bool {
		s, ok := h.orch.Snapshot()
		return ok && s.Status == want
	})
}

func (h *harness) waitFinal(t *testing.T, want Status) CallSession {
	t.Helper()
	var final CallSession
	waitFor(t, fmt.Sprintf("final status %s", want), func() bool {
		s, ok := h.recorder.last()
		if !ok {
			return false
		}
		final = s
		return s.Status == want
	})
	return final
}

// driveToDialing walks a fresh session to RemoteLegDialing.
func (h *harness) driveToDialing(t *testing.T) CallSession {
	t.Helper()
	s, err := h.orch.Dial(context.Background(), "agent-7", "+46701234567")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	h.signal.emit(signaling.LegState{LegID: "leg-local-1", State: signaling.LegTrying})
	h.signal.emit(signaling.LegState{LegID: "leg-local-1", State: signaling.LegActive})
	h.waitStatus(t, StatusRemoteLegDialing)
	return s
}

func TestDial_HappyPath(t *testing.T) {
	h := newHarness(t)
	s := h.driveToDialing(t)
	if s.DestinationNumber != "+46701234567" {
		t.Fatalf("unexpected destination: %q", s.DestinationNumber)
	}

	h.orch.HandleLegEvent(telephony.LegEvent{LegID: "call-123", Kind: telephony.LegRinging})
	h.waitStatus(t, StatusRemoteLegRinging)

	h.orch.HandleLegEvent(telephony.LegEvent{LegID: "call-123", Kind: telephony.LegAnswered})
	h.waitStatus(t, StatusBridged)

	snap, ok := h.orch.Snapshot()
	if !ok {
		t.Fatal("expected active session")
	}
	if snap.BridgedAt.IsZero() {
		t.Fatal("BridgedAt not set on Bridged")
	}
	if snap.RemoteLegID != "call-123" || snap.LocalLegID != "leg-local-1" {
		t.Fatalf("unexpected leg ids: %+v", snap)
	}

	if err := h.orch.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup: %v", err)
	}

	final := h.waitFinal(t, StatusEnded)
	if final.BridgedAt.IsZero() {
		t.Fatal("final record lost BridgedAt")
	}
	if got := h.legs.actionsOf(telephony.ActionHangup); len(got) != 1 || got[0].legID != "call-123" {
		t.Fatalf("expected one remote hangup for call-123, got %+v", got)
	}
	if h.signal.hangupCount() != 1 {
		t.Fatalf("expected local leg hangup, got %d", h.signal.hangupCount())
	}
	if h.mediaMgr.releaseCount() != 1 {
		t.Fatalf("expected exactly one media release, got %d", h.mediaMgr.releaseCount())
	}
	if _, ok := h.orch.Snapshot(); ok {
		t.Fatal("session still active after hangup")
	}
}

func TestDial_SecondDialRejected(t *testing.T) {
	h := newHarness(t)
	h.driveToDialing(t)
	before, _ := h.orch.Snapshot()

	_, err := h.orch.Dial(context.Background(), "agent-7", "+46709999999")
	if !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("expected ErrAlreadyInCall, got %v", err)
	}

	after, ok := h.orch.Snapshot()
	if !ok {
		t.Fatal("active session gone after rejected dial")
	}
	if after != before {
		t.Fatalf("active session changed by rejected dial:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestDial_EmptyDestination(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orch.Dial(context.Background(), "agent-7", ""); !errors.Is(err, ErrEmptyDestination) {
		t.Fatalf("expected ErrEmptyDestination, got %v", err)
	}
}

func TestDial_PermissionDeniedNeverConnects(t *testing.T) {
	h := newHarness(t)
	h.mediaMgr.acquireErr = media.ErrPermissionDenied

	_, err := h.orch.Dial(context.Background(), "agent-7", "+46701234567")
	if !errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if n := h.connects.Load(); n != 0 {
		t.Fatalf("signaling connect called %d times after permission denial", n)
	}

	final := h.waitFinal(t, StatusFailed)
	if final.LastError != ReasonPermissionDenied {
		t.Fatalf("unexpected failure reason %q", final.LastError)
	}
	if _, ok := h.orch.Snapshot(); ok {
		t.Fatal("session left active after permission denial")
	}
}

func TestDial_DeviceFailureNotReportedAsPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.mediaMgr.acquireErr = errors.New("media: open microphone: device busy")

	_, err := h.orch.Dial(context.Background(), "agent-7", "+46701234567")
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if errors.Is(err, media.ErrPermissionDenied) {
		t.Fatalf("device failure surfaced as permission denial: %v", err)
	}
	if n := h.connects.Load(); n != 0 {
		t.Fatalf("signaling connect called %d times after media failure", n)
	}

	final := h.waitFinal(t, StatusFailed)
	if final.LastError != ReasonMedia {
		t.Fatalf("unexpected failure reason %q", final.LastError)
	}
	if _, ok := h.orch.Snapshot(); ok {
		t.Fatal("session left active after media failure")
	}
}

func TestDuplicateActive_CreatesOneLeg(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orch.Dial(context.Background(), "agent-7", "+46701234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	h.signal.emit(signaling.LegState{LegID: "leg-local-1", State: signaling.LegActive})
	h.signal.emit(signaling.LegState{LegID: "leg-local-1", State: signaling.LegActive})
	h.waitStatus(t, StatusRemoteLegDialing)

	// Give a duplicated create any chance to land before asserting.
	time.Sleep(50 * time.Millisecond)
	if n := h.legs.createCount(); n != 1 {
		t.Fatalf("expected exactly one CreateLeg, got %d", n)
	}
}

func TestAnsweredWebhook_RacesCreateLegResponse(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.legs.createGate = gate

	if _, err := h.orch.Dial(context.Background(), "agent-7", "+46701234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	h.signal.emit(signaling.LegState{LegID: "leg-local-1", State: signaling.LegActive})
	h.waitStatus(t, StatusLocalLegActive)

	// The backend can answer and deliver the webhook before the create
	// response carrying the leg id arrives.
	h.orch.HandleLegEvent(telephony.LegEvent{LegID: "call-123", Kind: telephony.LegAnswered})
	close(gate)

	h.waitStatus(t, StatusBridged)
	if got := h.legs.actionsOf(telephony.ActionBridge); len(got) != 1 || got[0].legID != "call-123" || got[0].param != "leg-local-1" {
		t.Fatalf("unexpected bridge actions: %+v", got)
	}
	if err := h.orch.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup: %v", err)
	}
}

func TestHangup_DuringRemoteDialing(t *testing.T) {
	h := newHarness(t)
	h.driveToDialing(t)

	if err := h.orch.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup: %v", err)
	}

	h.waitFinal(t, StatusEnded)
	if got := h.legs.actionsOf(telephony.ActionHangup); len(got) != 1 || got[0].legID != "call-123" {
		t.Fatalf("expected best-effort remote hangup, got %+v", got)
	}
	if h.mediaMgr.releaseCount() != 1 {
		t.Fatalf("expected one media release, got %d", h.mediaMgr.releaseCount())
	}
}

func TestHangup_NoActiveCall(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Hangup(context.Background()); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("expected ErrNoActiveCall, got %v", err)
	}
}

func TestCreateLegRejected(t *testing.T) {
	h := newHarness(t)
	h.legs.createErr = fmt.Errorf("%w: backend returned 400", telephony.ErrLegCreation)

	if _, err := h.orch.Dial(context.Background(), "agent-7", "+46701234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}
	h.signal.emit(signaling.LegState{LegID: "leg-local-1", State: signaling.LegActive})

	final := h.waitFinal(t, StatusFailed)
	if final.LastError != ReasonLegCreation {
		t.Fatalf("unexpected failure reason %q", final.LastError)
	}
	if final.RemoteLegID != "" {
		t.Fatalf("remote leg id set without a created leg: %+v", final)
	}
	if h.signal.hangupCount() != 1 {
		t.Fatalf("expected local leg hangup, got %d", h.signal.hangupCount())
	}
	if h.mediaMgr.releaseCount() != 1 {
		t.Fatalf("expected one media release, got %d", h.mediaMgr.releaseCount())
	}
}

func TestConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.signal.connectErr = fmt.Errorf("%w: relay unreachable", signaling.ErrConnection)

	if _, err := h.orch.Dial(context.Background(), "agent-7", "+46701234567"); err != nil {
		t.Fatalf("dial: %v", err)
	}

	final := h.waitFinal(t, StatusFailed)
	if final.LastError != ReasonConnection {
		t.Fatalf("unexpected failure reason %q", final.LastError)
	}
	if h.mediaMgr.releaseCount() != 1 {
		t.Fatalf("expected one media release, got %d", h.mediaMgr.releaseCount())
	}
}

func TestBridge_RetriedOnceThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.legs.bridgeErrs = []error{fmt.Errorf("%w: not ready", telephony.ErrAction)}
	h.driveToDialing(t)

	h.orch.HandleLegEvent(telephony.LegEvent{LegID: "call-123", Kind: telephony.LegAnswered})
	h.waitStatus(t, StatusBridged)

	if got := h.legs.actionsOf(telephony.ActionBridge); len(got) != 2 {
		t.Fatalf("expected two bridge attempts, got %d", len(got))
	}
}

func TestBridge_FailsAfterRetry(t *testing.T) {
	h := newHarness(t)
	h.legs.bridgeErrs = []error{
		fmt.Errorf("%w: not ready", telephony.ErrAction),
		fmt.Errorf("%w: still not ready", telephony.ErrAction),
	}
	h.driveToDialing(t)

	h.orch.HandleLegEvent(telephony.LegEvent{LegID: "call-123", Kind: telephony.LegAnswered})

	final := h.waitFinal(t, StatusFailed)
	if final.LastError != ReasonAction {
		t.Fatalf("unexpected failure reason %q", final.LastError)
	}
	if got := h.legs.actionsOf(telephony.ActionBridge); len(got) != 2 {
		t.Fatalf("expected two bridge attempts, got %d", len(got))
	}
	if got := h.legs.actionsOf(telephony.ActionHangup); len(got) != 1 {
		t.Fatalf("expected best-effort remote hangup, got %+v", got)
	}
}

func TestAnswerTimeout(t *testing.T) {
	h := newHarness(t)
	h.orch.cfg.AnswerTimeout = 50 * time.Millisecond
	h.driveToDialing(t)

	final := h.waitFinal(t, StatusFailed)
	if final.LastError != ReasonAnswerTimeout {
		t.Fatalf("unexpected failure reason %q", final.LastError)
	}
	if got := h.legs.actionsOf(telephony.ActionHangup); len(got) != 1 {
		t.Fatalf("expected remote hangup on timeout, got %+v", got)
	}
}

func TestRemoteHangup_BeforeBridge(t *testing.T) {
	h := newHarness(t)
	h.driveToDialing(t)

	h.orch.HandleLegEvent(telephony.LegEvent{LegID: "call-123", Kind: telephony.LegHangup})

	h.waitFinal(t, StatusEnded)
	if h.mediaMgr.releaseCount() != 1 {
		t.Fatalf("expected one media release, got %d", h.mediaMgr.releaseCount())
	}
}

func TestRemoteHangup_WhileBridged(t *testing.T) {
	h := newHarness(t)
	h.driveToDialing(t)
	h.orch.HandleLegEvent(telephony.LegEvent{LegID: "call-123", Kind: telephony.LegAnswered})
	h.waitStatus(t, StatusBridged)

	h.signal.emit(signaling.LegState{LegID: "leg-local-1", State: signaling.LegDestroy})

	final := h.waitFinal(t, StatusEnded)
	if final.BridgedAt.IsZero() {
		t.Fatal("final record lost BridgedAt")
	}
}

func TestLocalLegDestroyed_BeforeBridge(t *testing.T) {
	h := newHarness(t)
	h.driveToDialing(t)

	h.signal.emit(signaling.LegState{LegID: "leg-local-1", State: signaling.LegDestroy})

	final := h.waitFinal(t, StatusFailed)
	if final.LastError != ReasonLocalLegLost {
		t.Fatalf("unexpected failure reason %q", final.LastError)
	}
	// The remote leg was live; it must still be hung up.
	if got := h.legs.actionsOf(telephony.ActionHangup); len(got) != 1 || got[0].legID != "call-123" {
		t.Fatalf("expected remote hangup, got %+v", got)
	}
}

func TestLegEvent_UnknownLegDropped(t *testing.T) {
	h := newHarness(t)
	h.driveToDialing(t)

	h.orch.HandleLegEvent(telephony.LegEvent{LegID: "call-999", Kind: telephony.LegAnswered})

	time.Sleep(50 * time.Millisecond)
	if got := h.legs.actionsOf(telephony.ActionBridge); len(got) != 0 {
		t.Fatalf("bridge issued for unknown leg: %+v", got)
	}
	s, ok := h.orch.Snapshot()
	if !ok || s.Status != StatusRemoteLegDialing {
		t.Fatalf("session state disturbed by unknown leg event: %+v", s)
	}
	_ = h.orch.Hangup(context.Background())
}

type fakeGuard struct {
	mu       sync.Mutex
	allow    bool
	acquires int
	releases int
}

func (g *fakeGuard) Acquire(ctx context.Context, agentID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquires++
	return g.allow, nil
}

func (g *fakeGuard) Release(ctx context.Context, agentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releases++
	return nil
}

func TestGuard_RejectionSurfacesAlreadyInCall(t *testing.T) {
	h := newHarness(t)
	guard := &fakeGuard{allow: false}
	h.orch.guard = guard

	_, err := h.orch.Dial(context.Background(), "agent-7", "+46701234567")
	if !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("expected ErrAlreadyInCall, got %v", err)
	}
	if h.mediaMgr.acquires != 0 {
		t.Fatal("media acquired despite guard rejection")
	}
}

func TestGuard_ReleasedOnTeardown(t *testing.T) {
	h := newHarness(t)
	guard := &fakeGuard{allow: true}
	h.orch.guard = guard

	h.driveToDialing(t)
	if err := h.orch.Hangup(context.Background()); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	h.waitFinal(t, StatusEnded)

	guard.mu.Lock()
	defer guard.mu.Unlock()
	if guard.acquires != 1 || guard.releases != 1 {
		t.Fatalf("guard acquire/release mismatch: %d/%d", guard.acquires, guard.releases)
	}
}
