package media

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DrainSink reads and discards remote audio. It keeps RTCP feedback alive on
// the peer connection when no playback device is attached (headless
// deployments, tests against a live relay).
type DrainSink struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	log    *slog.Logger
}

func NewDrainSink(log *slog.Logger) *DrainSink {
	if log == nil {
		log = slog.Default()
	}
	return &DrainSink{log: log}
}

func (s *DrainSink) Play(track *webrtc.TrackRemote) error {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	}()
	s.log.Debug("remote audio playback started", "codec", track.Codec().MimeType)
	return nil
}

func (s *DrainSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
