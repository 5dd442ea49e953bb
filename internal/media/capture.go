package media

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	frameDuration = 20 * time.Millisecond
	frameSamples  = 160 // 8kHz * 20ms
	pcmuSilence   = 0xFF
)

// SilenceCapture is the built-in microphone source: a PCMU track fed with
// silence frames so SDP negotiation and RTP pacing behave like a real
// device.
//
// TODO: replace the silence feed with a real capture-device source once the
// target deployment settles on an audio backend.
type SilenceCapture struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewSilenceCapture() *SilenceCapture { return &SilenceCapture{} }

func (c *SilenceCapture) OpenMicrophone(ctx context.Context) (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"audio", "microphone",
	)
	if err != nil {
		return nil, err
	}

	feedCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()

	go feedSilence(feedCtx, track)
	return track, nil
}

func (c *SilenceCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return nil
}

func feedSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	frame := make([]byte, frameSamples)
	for i := range frame {
		frame[i] = pcmuSilence
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
				return
			}
		}
	}
}
