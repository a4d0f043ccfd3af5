package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/util"
)

var (
	ErrNotInitiator          = errors.New("only the initiator creates offers")
	ErrAlreadyActive         = errors.New("peer connection already negotiated")
	ErrNotInitialized        = errors.New("peer connection not initialized")
	ErrNegotiationInProgress = errors.New("negotiation already in progress")
	ErrNoVideoSender         = errors.New("connection has no outgoing video sender")
)

// ChannelLabelPrefix prefixes the side channel label created by the initiator.
const ChannelLabelPrefix = "peercall-"

// Events are the engine's outbound notifications. They run on pion's
// goroutines and must not call back into the engine synchronously.
type Events struct {
	// LocalCandidate forwards a gathered local candidate, once, after the
	// description it belongs to was handed to signaling.
	LocalCandidate func(c webrtc.ICECandidateInit)
	// ConnectionState reports transport state of the current connection.
	ConnectionState func(state webrtc.PeerConnectionState)
	// RemoteTrack reports a track received from the peer.
	RemoteTrack func(stream *RemoteStream, track RemoteTrack)
	// DataChannel reports the side channel, created locally by the
	// initiator or received by the responder.
	DataChannel func(ch *Channel)
}

// Engine negotiates and owns the single peer connection of a call.
type Engine struct {
	newConn   func() (Conn, error)
	initiator bool
	events    Events

	mu          sync.Mutex
	conn        Conn
	ctx         context.Context
	cancel      context.CancelFunc
	negotiated  bool // an offer or answer was applied locally
	negotiating bool
	remoteSet   bool
	remote      remoteCandidates
	local       *localCandidates
	sending     map[webrtc.RTPCodecType]bool
	videoSender Sender
	recvAdded   bool
	channel     *Channel
	stream      *RemoteStream
	remoteVideo []webrtc.SSRC
}

// NewEngine creates an engine using newConn for every connection it
// allocates. Exactly one side of a call is the initiator.
func NewEngine(newConn func() (Conn, error), initiator bool, events Events) *Engine {
	return &Engine{newConn: newConn, initiator: initiator, events: events}
}

// Initiator reports the engine's role.
func (e *Engine) Initiator() bool { return e.initiator }

// Initialize allocates the peer connection and registers its hooks. Calling
// it again before any offer or answer is a no-op; once negotiated it fails
// with ErrAlreadyActive.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		if e.negotiated {
			return ErrAlreadyActive
		}
		return nil
	}

	conn, err := e.newConn()
	if err != nil {
		return err
	}

	local := newLocalCandidates(func(c webrtc.ICECandidateInit) {
		if e.events.LocalCandidate != nil {
			e.events.LocalCandidate(c)
		}
	})

	conn.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if !e.current(conn) {
			return
		}
		if c == nil {
			util.LogDebug("ICE gathering complete")
			return
		}
		local.add(*c)
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if !e.current(conn) {
			return
		}
		if e.events.ConnectionState != nil {
			e.events.ConnectionState(state)
		}
	})
	conn.OnTrack(func(track RemoteTrack) {
		e.onTrack(conn, track)
	})
	conn.OnDataChannel(func(dc DataChannel) {
		e.onDataChannel(conn, dc)
	})

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.conn = conn
	e.local = local
	e.sending = make(map[webrtc.RTPCodecType]bool)
	return nil
}

// Negotiated reports whether an offer or answer was applied on the current
// connection.
func (e *Engine) Negotiated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.negotiated
}

// RemoteDescriptionSet reports whether the peer's description was applied on
// the current connection.
func (e *Engine) RemoteDescriptionSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteSet
}

func (e *Engine) current(conn Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn == conn
}

// AttachLocalStream adds each local track as a sender. It must precede
// CreateOffer/HandleOffer for the tracks to be negotiated.
func (e *Engine) AttachLocalStream(stream *media.Stream) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return ErrNotInitialized
	}
	if e.negotiated {
		return ErrAlreadyActive
	}
	for _, track := range stream.Tracks() {
		sender, err := e.conn.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		e.sending[track.Kind()] = true
		if track.Kind() == webrtc.RTPCodecTypeVideo && e.videoSender == nil {
			e.videoSender = sender
		}
	}
	return nil
}

// begin claims the connection for one negotiation step.
func (e *Engine) begin() (Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, ErrNotInitialized
	}
	if e.negotiating {
		return nil, ErrNegotiationInProgress
	}
	e.negotiating = true
	return e.conn, nil
}

func (e *Engine) end(conn Conn, negotiated bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != conn {
		return
	}
	e.negotiating = false
	if negotiated {
		e.negotiated = true
	}
}

// CreateOffer builds the initiator's offer, creating the side channel on
// first use. The offer always asks to receive audio and video; kinds without
// a local track are offered receive-only.
func (e *Engine) CreateOffer(ctx context.Context) (offer webrtc.SessionDescription, err error) {
	if !e.initiator {
		return offer, ErrNotInitiator
	}
	conn, err := e.begin()
	if err != nil {
		return offer, err
	}
	defer func() { e.end(conn, err == nil) }()

	if err := e.ensureChannel(conn); err != nil {
		return offer, err
	}
	if err := e.ensureReceivers(conn); err != nil {
		return offer, err
	}

	offer, err = conn.CreateOffer()
	if err != nil {
		return offer, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return offer, err
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		return offer, fmt.Errorf("failed to set local offer: %w", err)
	}
	if sections, err := Sections(offer); err == nil {
		util.LogDebug("offer sections: %v", sections)
	}
	return offer, nil
}

func (e *Engine) ensureChannel(conn Conn) error {
	e.mu.Lock()
	if e.channel != nil || e.conn != conn {
		e.mu.Unlock()
		return nil
	}
	dc, err := conn.CreateDataChannel(ChannelLabelPrefix + uuid.NewString())
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	ch := newChannel(e.ctx, dc)
	e.channel = ch
	e.mu.Unlock()

	if e.events.DataChannel != nil {
		e.events.DataChannel(ch)
	}
	return nil
}

func (e *Engine) ensureReceivers(conn Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recvAdded || e.conn != conn {
		return nil
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if e.sending[kind] {
			continue
		}
		if err := conn.AddRecvOnly(kind); err != nil {
			return fmt.Errorf("failed to add %s receiver: %w", kind, err)
		}
	}
	e.recvAdded = true
	return nil
}

// HandleOffer applies the remote offer, then any candidates buffered before
// it, and returns the answer set as local description. Local candidates stay
// held until FlushLocalCandidates.
func (e *Engine) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (answer webrtc.SessionDescription, err error) {
	conn, err := e.begin()
	if err != nil {
		return answer, err
	}
	defer func() { e.end(conn, err == nil) }()

	if err := conn.SetRemoteDescription(offer); err != nil {
		return answer, fmt.Errorf("failed to set remote offer: %w", err)
	}
	e.remoteApplied(conn)

	if err := ctx.Err(); err != nil {
		return answer, err
	}
	answer, err = conn.CreateAnswer()
	if err != nil {
		return answer, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return answer, fmt.Errorf("failed to set local answer: %w", err)
	}
	return answer, nil
}

// HandleAnswer applies the remote answer on the initiator, then the buffered
// remote candidates, and releases the local candidates held since the offer.
func (e *Engine) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) (err error) {
	if !e.initiator {
		return ErrNotInitiator
	}
	conn, err := e.begin()
	if err != nil {
		return err
	}
	defer func() { e.end(conn, err == nil) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := conn.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	e.remoteApplied(conn)
	e.FlushLocalCandidates()
	return nil
}

// remoteApplied marks the remote description as set and applies the
// buffered remote candidates in arrival order.
func (e *Engine) remoteApplied(conn Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != conn {
		return
	}
	e.remoteSet = true
	pending := e.remote.take()
	if len(pending) > 0 {
		util.LogDebug("applying %d buffered remote candidates", len(pending))
	}
	for _, c := range pending {
		e.applyLocked(c)
	}
}

func (e *Engine) applyLocked(c webrtc.ICECandidateInit) {
	if err := e.conn.AddICECandidate(c); err != nil {
		util.LogWarning("failed to add remote candidate: %v", err)
		return
	}
	util.Stats.AddApplied()
}

// AddICECandidate applies a remote candidate, or buffers it until the remote
// description is set. Buffered candidates are never dropped.
func (e *Engine) AddICECandidate(c webrtc.ICECandidateInit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil || !e.remoteSet {
		e.remote.push(c)
		util.Stats.AddBuffered()
		return
	}
	e.applyLocked(c)
}

// BufferedCandidates returns how many remote candidates await a remote
// description.
func (e *Engine) BufferedCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote.len()
}

// FlushLocalCandidates releases the local candidates held until now. The
// responder calls it once its answer has been sent.
func (e *Engine) FlushLocalCandidates() {
	e.mu.Lock()
	local := e.local
	e.mu.Unlock()
	if local != nil {
		local.release()
	}
}

// ReplaceVideoTrack swaps the outgoing video track in place, without
// renegotiation. A nil track leaves the sender empty.
func (e *Engine) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	e.mu.Lock()
	sender := e.videoSender
	conn := e.conn
	e.mu.Unlock()

	if conn == nil {
		return ErrNotInitialized
	}
	if sender == nil {
		return ErrNoVideoSender
	}
	return sender.ReplaceTrack(track)
}

// OutgoingVideo returns the track currently carried by the video sender.
func (e *Engine) OutgoingVideo() webrtc.TrackLocal {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.videoSender == nil {
		return nil
	}
	return e.videoSender.Track()
}

// RequestKeyframe sends a picture loss indication for every remote video
// track, e.g. after the peer re-enabled its camera.
func (e *Engine) RequestKeyframe() {
	e.mu.Lock()
	conn := e.conn
	ssrcs := append([]webrtc.SSRC(nil), e.remoteVideo...)
	e.mu.Unlock()

	for _, ssrc := range ssrcs {
		if err := conn.WriteRTCP(pictureLoss(ssrc)); err != nil {
			util.LogDebug("PLI for %d: %v", ssrc, err)
		}
	}
}

// Channel returns the side channel, or nil before it exists.
func (e *Engine) Channel() *Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel
}

// RemoteStream returns the tracks received so far, or nil.
func (e *Engine) RemoteStream() *RemoteStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream
}

func (e *Engine) onTrack(conn Conn, track RemoteTrack) {
	e.mu.Lock()
	if e.conn != conn {
		e.mu.Unlock()
		return
	}
	if e.stream == nil {
		e.stream = newRemoteStream(track.StreamID())
	}
	stream := e.stream
	stream.add(track)
	ctx := e.ctx
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		e.remoteVideo = append(e.remoteVideo, track.SSRC())
	}
	e.mu.Unlock()

	util.LogInfo("receiving remote %s track %s", track.Kind(), track.ID())
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		if err := conn.WriteRTCP(pictureLoss(track.SSRC())); err != nil {
			util.LogDebug("initial PLI: %v", err)
		}
	}
	go readRTP(ctx, track)

	if e.events.RemoteTrack != nil {
		e.events.RemoteTrack(stream, track)
	}
}

// onDataChannel attaches the side channel offered by the initiator. The
// initiator never attaches one, and at most one exists per connection.
func (e *Engine) onDataChannel(conn Conn, dc DataChannel) {
	e.mu.Lock()
	if e.conn != conn || e.initiator || e.channel != nil {
		e.mu.Unlock()
		util.LogWarning("ignoring unexpected data channel %s", dc.Label())
		return
	}
	ch := newChannel(e.ctx, dc)
	e.channel = ch
	e.mu.Unlock()

	if e.events.DataChannel != nil {
		e.events.DataChannel(ch)
	}
}

// Close closes the side channel, then the connection, and resets the engine
// so Initialize can start over. Safe to call at any time, including while a
// negotiation step is in flight.
func (e *Engine) Close() error {
	e.mu.Lock()
	conn, ch, cancel := e.conn, e.channel, e.cancel
	e.conn, e.channel, e.cancel, e.ctx = nil, nil, nil, nil
	e.negotiated, e.negotiating, e.remoteSet, e.recvAdded = false, false, false, false
	e.remote = remoteCandidates{}
	e.local = nil
	e.sending = nil
	e.videoSender = nil
	e.stream = nil
	e.remoteVideo = nil
	e.mu.Unlock()

	if conn == nil {
		return nil
	}
	cancel()

	var errs []error
	if ch != nil {
		errs = append(errs, ch.Close())
	}
	errs = append(errs, conn.Close())
	return errors.Join(errs...)
}
