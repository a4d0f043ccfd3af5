// Package session is the call façade: it composes media acquisition, the
// negotiation engine and the connection state machine behind one
// participant's public call API, and speaks the signaling protocol with the
// other participant.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/callstate"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
)

// Config wires a controller to its collaborators.
type Config struct {
	SessionID string
	Self      signaling.Participant
	Initiator bool

	// Video is used when a call starts implicitly, i.e. when the responder
	// receives an offer before StartCall.
	Video bool

	Relay   signaling.Relay
	Devices media.Devices
	NewConn func() (transport.Conn, error)
}

// Controller is one participant's side of a call. All methods are safe for
// concurrent use. Failures never cross the API as errors: they show up as
// State=failed with a message in Snapshot().Error.
type Controller struct {
	cfg     Config
	engine  *transport.Engine
	media   *media.Controller
	machine *callstate.Machine
	out     *outbox

	// opMu serializes call starts and negotiation steps. EndCall never
	// takes it.
	opMu sync.Mutex

	mu          sync.Mutex
	gen         uint64
	ctx         context.Context
	cancel      context.CancelFunc
	attached    bool
	withVideo   bool
	peer        *signaling.Participant
	remote      *transport.RemoteStream
	remoteMedia *signaling.MediaState
	lastOffer   string
	offerID     string // negotiation id of the offer awaiting an answer
	rtt         time.Duration
	lastErr     string
	onChat      func(text string)

	subsMu sync.Mutex
	subs   []chan Snapshot
}

// New creates an idle controller. Call Run to start handling signaling.
func New(cfg Config) *Controller {
	c := &Controller{
		cfg:       cfg,
		machine:   callstate.NewMachine(),
		out:       newOutbox(cfg.Relay),
		withVideo: cfg.Video,
	}
	c.media = media.NewController(cfg.Devices, func(audio, video bool) {
		c.out.push(signaling.MediaState{SessionID: cfg.SessionID, Audio: audio, Video: video})
	})
	c.engine = transport.NewEngine(cfg.NewConn, cfg.Initiator, transport.Events{
		LocalCandidate: func(cand webrtc.ICECandidateInit) {
			c.out.push(signaling.ICECandidate{SessionID: cfg.SessionID, Candidate: cand})
		},
		ConnectionState: c.onTransportState,
		RemoteTrack:     c.onRemoteTrack,
		DataChannel:     c.onDataChannel,
	})
	c.machine.OnChange(func(from, to callstate.State, ev callstate.Event) {
		util.LogInfo("[%s] call %s -> %s (%s)", cfg.SessionID, from, to, ev)
	})
	return c
}

// State returns the connection state.
func (c *Controller) State() callstate.State { return c.machine.State() }

// BufferedCandidates returns how many remote candidates wait for the remote
// description.
func (c *Controller) BufferedCandidates() int { return c.engine.BufferedCandidates() }

// OnChat registers the callback for text messages from the peer.
func (c *Controller) OnChat(fn func(text string)) {
	c.mu.Lock()
	c.onChat = fn
	c.mu.Unlock()
}

func (c *Controller) apply(ev callstate.Event) {
	if _, changed := c.machine.Apply(ev); changed {
		c.publish()
	}
}

// renew starts a new call generation, canceling whatever the previous one
// still had in flight.
func (c *Controller) renew(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	c.ctx, c.cancel = ctx, cancel
	return ctx, c.gen
}

// live returns the current generation's context, or false when no call was
// started since the last EndCall.
func (c *Controller) live() (context.Context, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil, 0, false
	}
	return c.ctx, c.gen, true
}

// dropConnection closes the peer connection and forgets the remote side of
// it, keeping local media.
func (c *Controller) dropConnection() {
	if err := c.engine.Close(); err != nil {
		util.LogDebug("[%s] closing connection: %v", c.cfg.SessionID, err)
	}
	c.mu.Lock()
	c.attached = false
	c.offerID = ""
	c.remote = nil
	c.rtt = 0
	c.mu.Unlock()
}

// fail records err and moves the call to failed, unless the generation that
// produced it was ended or replaced meanwhile.
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.lastErr = err.Error()
	c.mu.Unlock()

	util.LogError("[%s] %v", c.cfg.SessionID, err)
	c.machine.Apply(callstate.EventLocalError)
	c.publish()
}

// StartCall starts a fresh call: connecting, local media with video falling
// back to audio only, and for the initiator an offer to the peer. It returns
// once the offer was queued or the call failed; observe the outcome through
// State and Snapshot.
func (c *Controller) StartCall(ctx context.Context, withVideo bool) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	callCtx, gen := c.renew(ctx)
	c.dropConnection()
	c.media.Release()

	c.mu.Lock()
	c.withVideo = withVideo
	c.lastErr = ""
	c.mu.Unlock()

	c.apply(callstate.EventStart)
	c.begin(callCtx, gen)
}

// restart renegotiates on a fresh connection, keeping local media.
func (c *Controller) restart(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	callCtx, gen := c.renew(ctx)
	c.dropConnection()

	c.mu.Lock()
	c.lastErr = ""
	c.mu.Unlock()

	c.apply(callstate.EventStart)
	c.begin(callCtx, gen)
}

// begin acquires media, attaches it and, on the initiator, sends an offer.
func (c *Controller) begin(ctx context.Context, gen uint64) {
	if err := c.prepare(ctx, gen); err != nil {
		c.fail(gen, err)
		return
	}
	if !c.cfg.Initiator {
		return
	}
	if err := c.offer(ctx, gen); err != nil {
		c.fail(gen, err)
	}
}

// prepare makes sure local media exists and is attached to an initialized
// connection.
func (c *Controller) prepare(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	withVideo := c.withVideo
	c.mu.Unlock()

	stream := c.media.Local()
	fresh := false
	if stream == nil {
		s, degraded, err := media.Acquire(ctx, c.cfg.Devices, withVideo)
		if err != nil {
			return err
		}
		if degraded {
			util.LogWarning("[%s] continuing audio only", c.cfg.SessionID)
		}
		stream, fresh = s, true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		if fresh {
			stream.Stop()
		}
		return context.Canceled
	}
	if c.attached {
		return nil
	}
	if err := c.engine.Initialize(); err != nil {
		if fresh {
			stream.Stop()
		}
		return fmt.Errorf("could not initialize connection: %w", err)
	}
	if err := c.engine.AttachLocalStream(stream); err != nil {
		if fresh {
			stream.Stop()
		}
		return err
	}
	c.media.Attach(stream, c.engine)
	c.attached = true
	return nil
}

func (c *Controller) offer(ctx context.Context, gen uint64) error {
	offer, err := c.engine.CreateOffer(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return context.Canceled
	}
	c.offerID = uuid.NewString()
	c.out.push(signaling.Offer{SessionID: c.cfg.SessionID, NegotiationID: c.offerID, SDP: offer})
	return nil
}

// EndCall tears the call down (local stream, screen stream, side channel,
// connection) and moves to closed. It cancels any start or negotiation
// still in flight and is a no-op when there is no call.
func (c *Controller) EndCall() {
	c.mu.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = nil, nil
	c.remoteMedia = nil
	c.mu.Unlock()

	c.media.Release()
	c.dropConnection()
	c.machine.Apply(callstate.EventEnd)
	c.publish()
}

// ToggleMute flips the microphone and tells the peer.
func (c *Controller) ToggleMute() {
	c.media.ToggleMute()
	c.publish()
}

// ToggleCamera flips the camera and tells the peer.
func (c *Controller) ToggleCamera() {
	c.media.ToggleCamera()
	c.publish()
}

// StartScreenShare sends the screen instead of the camera. Failures are also
// recorded in Snapshot().Error but leave the call state alone.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	err := c.media.StartScreenShare(ctx)
	c.screenShareDone(err)
	return err
}

// StopScreenShare puts the camera back on the connection.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	err := c.media.StopScreenShare(ctx)
	c.screenShareDone(err)
	return err
}

func (c *Controller) screenShareDone(err error) {
	if err != nil {
		util.LogWarning("[%s] %v", c.cfg.SessionID, err)
		c.mu.Lock()
		c.lastErr = err.Error()
		c.mu.Unlock()
	}
	c.publish()
}

// SendChat sends text over the side channel. Returns false when there is no
// channel yet or the message could not be queued.
func (c *Controller) SendChat(text string) bool {
	ch := c.engine.Channel()
	if ch == nil {
		return false
	}
	return ch.SendChat(text)
}

// Close ends the call and flushes the outbound signaling queue. The relay
// stays open; it belongs to the caller.
func (c *Controller) Close() {
	c.EndCall()
	c.out.close()
}

// ── Engine events ────────────────────────────────────────────────────────────

func (c *Controller) onTransportState(state webrtc.PeerConnectionState) {
	util.LogDebug("[%s] peer connection %s", c.cfg.SessionID, state)
	ev, ok := callstate.FromTransport(state)
	if !ok {
		return
	}
	if ev == callstate.EventTransportFailed {
		c.mu.Lock()
		c.lastErr = "peer connection failed"
		c.mu.Unlock()
	}
	if ev == callstate.EventTransportConnected {
		c.mu.Lock()
		c.lastErr = ""
		c.mu.Unlock()
	}
	c.apply(ev)
}

func (c *Controller) onRemoteTrack(stream *transport.RemoteStream, track transport.RemoteTrack) {
	c.mu.Lock()
	c.remote = stream
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) onDataChannel(ch *transport.Channel) {
	util.LogDebug("[%s] side channel %s", c.cfg.SessionID, ch.Label())
	ch.OnChat(func(text string) {
		c.mu.Lock()
		fn := c.onChat
		c.mu.Unlock()
		if fn != nil {
			fn(text)
		}
	})
	ch.OnRTT(func(rtt time.Duration) {
		c.mu.Lock()
		c.rtt = rtt
		c.mu.Unlock()
		c.publish()
	})
}

// ignorable reports errors that end a step without failing the call.
func ignorable(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrNegotiationInProgress)
}
