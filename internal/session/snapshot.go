package session

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/callstate"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/transport"
)

// Snapshot is the observable state of a call at one point in time.
type Snapshot struct {
	SessionID string
	State     callstate.State

	Local  *media.Stream
	Remote *transport.RemoteStream

	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool

	// RemoteAudio and RemoteVideo follow the peer's last media-state
	// message; before one arrives they report the kinds it is sending.
	RemoteAudio bool
	RemoteVideo bool

	// Peer is the other participant, nil until the relay announced one.
	Peer *signaling.Participant

	RTT   time.Duration
	Error string
}

// Subscribe returns a channel receiving a snapshot after every observable
// change. Slow readers only see the latest one. Call cancel to unsubscribe.
func (c *Controller) Subscribe() (updates <-chan Snapshot, cancel func()) {
	ch := make(chan Snapshot, 1)

	c.subsMu.Lock()
	c.subs = append(c.subs, ch)
	ch <- c.Snapshot()
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, s := range c.subs {
			if s == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
	}
}

// publish pushes the current snapshot to every subscriber, replacing any
// snapshot they have not read yet.
func (c *Controller) publish() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	ms := c.media.State()

	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		SessionID:     c.cfg.SessionID,
		State:         c.machine.State(),
		Local:         c.media.Local(),
		Remote:        c.remote,
		AudioEnabled:  ms.Audio,
		VideoEnabled:  ms.Video,
		ScreenSharing: ms.ScreenSharing,
		RTT:           c.rtt,
		Error:         c.lastErr,
	}
	if c.peer != nil {
		p := *c.peer
		snap.Peer = &p
	}
	switch {
	case c.remoteMedia != nil:
		snap.RemoteAudio, snap.RemoteVideo = c.remoteMedia.Audio, c.remoteMedia.Video
	case c.remote != nil:
		snap.RemoteAudio = c.remote.Has(webrtc.RTPCodecTypeAudio)
		snap.RemoteVideo = c.remote.Has(webrtc.RTPCodecTypeVideo)
	}
	return snap
}
