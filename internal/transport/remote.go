package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

// RemoteStream groups the tracks received from the peer on one connection.
type RemoteStream struct {
	id string

	mu     sync.RWMutex
	tracks []RemoteTrack
}

func newRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) add(t RemoteTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// Tracks returns the received tracks in arrival order.
func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RemoteTrack(nil), s.tracks...)
}

// Has reports whether a track of kind was received.
func (s *RemoteStream) Has(kind webrtc.RTPCodecType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

// pictureLoss asks the sender of ssrc for a fresh keyframe.
func pictureLoss(ssrc webrtc.SSRC) []rtcp.Packet {
	return []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}
}

// readRTP drains a remote track into the call stats until the track ends.
// Decoding and playback belong to the application.
func readRTP(ctx context.Context, track RemoteTrack) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				util.LogDebug("remote %s track %s: %v", track.Kind(), track.ID(), err)
			}
			return
		}
		util.Stats.AddRTP(len(pkt.Payload))
		if ctx.Err() != nil {
			return
		}
	}
}
