package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ResourceSet bundles the audio resources owned by one call session: the
// microphone track, the peer connection and the deferred-playback state.
// Created by Manager.Acquire, destroyed exactly once by Manager.Release,
// never shared across sessions.
type ResourceSet struct {
	pc  *webrtc.PeerConnection
	mic *webrtc.TrackLocalStaticSample

	released      bool
	pendingRemote *webrtc.TrackRemote
	pendingResume bool
	resumeSpent   bool
}

// CreateOffer produces a complete (non-trickle) SDP offer for the local leg.
func (s *ResourceSet) CreateOffer() (string, error) {
	if s.released {
		return "", errors.New("media: resource set released")
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	<-gathered
	return s.pc.LocalDescription().SDP, nil
}

// ApplyAnswer installs the relay's SDP answer for the parked local leg.
func (s *ResourceSet) ApplyAnswer(sdp string) error {
	if s.released {
		return errors.New("media: resource set released")
	}
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}
