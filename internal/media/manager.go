package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied means the user denied microphone access. Terminal
	// for the enclosing call attempt; no signaling session may be opened
	// after this error. Other device failures are not permission denials
	// and must not be reported as one.
	ErrPermissionDenied = errors.New("media: microphone permission denied")

	// ErrPlaybackBlocked is returned by an AudioSink when the execution
	// environment refuses to start playback without a user interaction.
	ErrPlaybackBlocked = errors.New("media: playback blocked")
)

// Capture opens the microphone. Implementations own the underlying device
// feed; Close stops the feed for the most recently opened track.
type Capture interface {
	OpenMicrophone(ctx context.Context) (*webrtc.TrackLocalStaticSample, error)
	Close() error
}

// AudioSink plays the remote party's audio.
// Play may fail with ErrPlaybackBlocked; the manager handles the deferred
// retry policy, sinks should not retry themselves.
type AudioSink interface {
	Play(track *webrtc.TrackRemote) error
	Stop()
}

// Manager owns the media resources bound to the active call session.
//
// Invariants:
// - At most one live ResourceSet process-wide.
// - Acquire is idempotent while a set is live (no duplicate device opens).
// - Release is idempotent and never panics; it always runs on the way into
//   a terminal call state.
// - The call orchestrator is the only writer; other components may read
//   (e.g. device settings) but never create or destroy the set.
type Manager struct {
	mu      sync.Mutex
	capture Capture
	sink    AudioSink
	log     *slog.Logger

	current *ResourceSet
}

func NewManager(capture Capture, sink AudioSink, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{capture: capture, sink: sink, log: log}
}

// Acquire opens the microphone and builds the WebRTC peer connection for a
// new call leg. Calling it while a set is already live returns the existing
// set; repeated mounts must not orphan audio resources.
func (m *Manager) Acquire(ctx context.Context) (*ResourceSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return m.current, nil
	}

	mic, err := m.capture.OpenMicrophone(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("media: open microphone: %w", err)
	}

	pc, err := newPeerConnection()
	if err != nil {
		_ = m.capture.Close()
		return nil, fmt.Errorf("media: peer connection: %w", err)
	}

	if _, err := pc.AddTrack(mic); err != nil {
		_ = m.capture.Close()
		_ = pc.Close()
		return nil, fmt.Errorf("media: add local track: %w", err)
	}

	set := &ResourceSet{pc: pc, mic: mic}
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.playRemote(set, track)
	})

	m.current = set
	return set, nil
}

// Release tears down a set: stops the device feed, closes the peer
// connection and detaches the sink. Safe to call more than once and safe
// against already-torn-down resources.
func (m *Manager) Release(set *ResourceSet) {
	if set == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if set.released {
		return
	}
	set.released = true
	set.pendingRemote = nil
	set.pendingResume = false

	if err := m.capture.Close(); err != nil {
		m.log.Warn("capture close failed", "err", err)
	}
	m.sink.Stop()
	if err := set.pc.Close(); err != nil {
		m.log.Warn("peer connection close failed", "err", err)
	}

	if m.current == set {
		m.current = nil
	}
}

// ResumePlayback retries a playback start that was previously blocked.
// Wired to the next user-interaction event; a second block is logged and
// dropped, never surfaced as a session failure.
func (m *Manager) ResumePlayback() {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.current
	if set == nil || !set.pendingResume {
		return
	}
	track := set.pendingRemote
	set.pendingRemote = nil
	set.pendingResume = false
	set.resumeSpent = true

	if err := m.sink.Play(track); err != nil {
		m.log.Warn("deferred playback failed, giving up", "err", err)
	}
}

func (m *Manager) playRemote(set *ResourceSet, track *webrtc.TrackRemote) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set.released {
		return
	}
	err := m.sink.Play(track)
	if err == nil {
		return
	}
	if errors.Is(err, ErrPlaybackBlocked) && !set.resumeSpent {
		// One deferred retry on the next user interaction.
		set.pendingRemote = track
		set.pendingResume = true
		m.log.Info("playback blocked, deferring to next user interaction")
		return
	}
	m.log.Warn("remote playback failed", "err", err)
}

// newPeerConnection builds an audio-only peer connection restricted to
// PCMU/PCMA; the relay consistently selects PCMU and wider codec sets have
// caused negotiation issues.
func newPeerConnection() (*webrtc.PeerConnection, error) {
	e := &webrtc.MediaEngine{}
	if err := e.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	if err := e.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
		PayloadType:        8,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(e))

	// STUN is required because the bridge is typically behind NAT and the
	// relay needs a public srflx candidate to reach us.
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
}
