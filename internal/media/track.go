// Package media acquires local audio/video streams and controls them during a
// call: mute and camera toggles, and screen-share track substitution.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrNoDevices = errors.New("no usable capture device")
	ErrNoScreen  = errors.New("screen capture unavailable")
)

// Track is a local track that can be attached to a peer connection. Disabled
// tracks stay attached and negotiated but carry silence or black frames.
type Track interface {
	webrtc.TrackLocal
	Enabled() bool
	SetEnabled(enabled bool)
	// Stop releases the capture source. A stopped track produces nothing.
	Stop()
}

// Stream groups the tracks captured together by one acquisition.
type Stream struct {
	id     string
	tracks []Track
}

// NewStream wraps tracks into a stream identified by id.
func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns every track of the stream.
func (s *Stream) Tracks() []Track {
	return append([]Track(nil), s.tracks...)
}

// AudioTrack returns the first audio track, or nil.
func (s *Stream) AudioTrack() Track {
	return s.first(webrtc.RTPCodecTypeAudio)
}

// VideoTrack returns the first video track, or nil.
func (s *Stream) VideoTrack() Track {
	return s.first(webrtc.RTPCodecTypeVideo)
}

func (s *Stream) first(kind webrtc.RTPCodecType) Track {
	if s == nil {
		return nil
	}
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// Stop stops every track.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.tracks {
		t.Stop()
	}
}
