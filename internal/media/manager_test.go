package media

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

type fakeCapture struct {
	opens  int
	closes int
	err    error
}

func (f *fakeCapture) OpenMicrophone(ctx context.Context) (*webrtc.TrackLocalStaticSample, error) {
	f.opens++
	if f.err != nil {
		return nil, f.err
	}
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"audio", "test-mic",
	)
}

func (f *fakeCapture) Close() error {
	f.closes++
	return nil
}

type fakeSink struct {
	plays   int
	stops   int
	playErr []error
}

func (f *fakeSink) Play(track *webrtc.TrackRemote) error {
	f.plays++
	if len(f.playErr) > 0 {
		err := f.playErr[0]
		f.playErr = f.playErr[1:]
		return err
	}
	return nil
}

func (f *fakeSink) Stop() { f.stops++ }

func TestAcquire_IdempotentWhileLive(t *testing.T) {
	cap := &fakeCapture{}
	m := NewManager(cap, &fakeSink{}, nil)

	a, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a != b {
		t.Fatalf("expected same resource set on repeated acquire")
	}
	if cap.opens != 1 {
		t.Fatalf("expected one device open, got %d", cap.opens)
	}
	m.Release(a)
}

func TestAcquire_PermissionDenied(t *testing.T) {
	cap := &fakeCapture{err: ErrPermissionDenied}
	m := NewManager(cap, &fakeSink{}, nil)

	_, err := m.Acquire(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestAcquire_DeviceFailureIsNotPermissionDenial(t *testing.T) {
	cap := &fakeCapture{err: errors.New("device busy")}
	m := NewManager(cap, &fakeSink{}, nil)

	_, err := m.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected acquire to fail")
	}
	if errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("device failure reported as permission denial: %v", err)
	}
}

func TestRelease_DoubleReleaseSafe(t *testing.T) {
	cap := &fakeCapture{}
	sink := &fakeSink{}
	m := NewManager(cap, sink, nil)

	set, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m.Release(set)
	m.Release(set) // must not panic or double-free
	m.Release(nil)

	if cap.closes != 1 {
		t.Fatalf("expected one capture close, got %d", cap.closes)
	}
	if sink.stops != 1 {
		t.Fatalf("expected one sink stop, got %d", sink.stops)
	}
}

func TestRelease_AllowsFreshAcquire(t *testing.T) {
	cap := &fakeCapture{}
	m := NewManager(cap, &fakeSink{}, nil)

	a, _ := m.Acquire(context.Background())
	m.Release(a)

	b, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if a == b {
		t.Fatalf("expected a fresh resource set after release")
	}
	m.Release(b)
}

func TestPlayback_DeferredExactlyOnce(t *testing.T) {
	cap := &fakeCapture{}
	sink := &fakeSink{playErr: []error{ErrPlaybackBlocked, ErrPlaybackBlocked}}
	m := NewManager(cap, sink, nil)

	set, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// First block: playback deferred to the next user interaction.
	m.playRemote(set, nil)
	if sink.plays != 1 {
		t.Fatalf("expected one play attempt, got %d", sink.plays)
	}
	if !set.pendingResume {
		t.Fatalf("expected playback deferred")
	}

	// Second block on resume: give up silently, no further deferral.
	m.ResumePlayback()
	if sink.plays != 2 {
		t.Fatalf("expected retry on resume, got %d plays", sink.plays)
	}
	m.ResumePlayback()
	if sink.plays != 2 {
		t.Fatalf("expected exactly one deferred retry, got %d plays", sink.plays)
	}

	m.Release(set)
}

func TestPlayback_StartsWhenUnblocked(t *testing.T) {
	cap := &fakeCapture{}
	sink := &fakeSink{}
	m := NewManager(cap, sink, nil)

	set, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.playRemote(set, nil)
	if sink.plays != 1 {
		t.Fatalf("expected playback started, got %d plays", sink.plays)
	}
	m.Release(set)

	// Released set never plays.
	m.playRemote(set, nil)
	if sink.plays != 1 {
		t.Fatalf("expected no playback on released set")
	}
}
