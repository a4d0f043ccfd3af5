package session

import (
	"context"

	"github.com/1ureka/peercall/internal/callstate"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

// Run handles inbound signaling until ctx is done or the relay closes its
// receive stream, in which case it returns signaling.ErrClosed.
func (c *Controller) Run(ctx context.Context) error {
	inbox := c.cfg.Relay.Receive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbox:
			if !ok {
				return signaling.ErrClosed
			}
			util.Stats.AddSignalRecv()
			c.handle(ctx, msg)
		}
	}
}

func (c *Controller) handle(ctx context.Context, msg signaling.Message) {
	if msg.Session() != c.cfg.SessionID {
		util.LogDebug("[%s] dropping %s for session %s", c.cfg.SessionID, msg.Type(), msg.Session())
		return
	}
	util.LogDebug("[%s] <- %s", c.cfg.SessionID, msg.Type())

	switch m := msg.(type) {
	case signaling.Offer:
		c.handleOffer(ctx, m)
	case signaling.Answer:
		c.handleAnswer(m)
	case signaling.ICECandidate:
		c.engine.AddICECandidate(m.Candidate)
	case signaling.MediaState:
		c.handleMediaState(m)
	case signaling.PeerJoined:
		c.handlePeerJoined(ctx, m)
	case signaling.PeerLeft:
		c.handlePeerLeft(m)
	}
}

// handleOffer answers the initiator. A responder that has not started a
// call yet starts one implicitly, one that ended its call ignores offers, and
// an offer on an already negotiated connection means the initiator
// restarted, so it gets a fresh connection.
func (c *Controller) handleOffer(ctx context.Context, m signaling.Offer) {
	if c.cfg.Initiator {
		util.LogWarning("[%s] ignoring offer: both sides act as initiator", c.cfg.SessionID)
		return
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	// Only a fresh participant starts implicitly; after EndCall it takes a
	// new StartCall to answer again.
	if _, _, live := c.live(); !live && c.machine.State() != callstate.Idle {
		util.LogInfo("[%s] ignoring offer: the call was ended", c.cfg.SessionID)
		return
	}

	c.mu.Lock()
	duplicate := c.lastOffer == m.SDP.SDP
	c.mu.Unlock()
	if duplicate && c.engine.Negotiated() {
		util.LogDebug("[%s] ignoring duplicate offer", c.cfg.SessionID)
		return
	}
	if c.engine.Negotiated() {
		c.dropConnection()
	}
	callCtx, gen := c.renew(ctx)
	c.apply(callstate.EventStart)

	if err := c.prepare(callCtx, gen); err != nil {
		c.fail(gen, err)
		return
	}

	answer, err := c.engine.HandleOffer(callCtx, m.SDP)
	if err != nil {
		if ignorable(err) {
			util.LogWarning("[%s] offer not handled: %v", c.cfg.SessionID, err)
			return
		}
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.lastOffer = m.SDP.SDP
	c.out.push(signaling.Answer{SessionID: c.cfg.SessionID, NegotiationID: m.NegotiationID, SDP: answer})
	c.mu.Unlock()

	c.engine.FlushLocalCandidates()
}

func (c *Controller) handleAnswer(m signaling.Answer) {
	if !c.cfg.Initiator {
		util.LogWarning("[%s] ignoring answer: not the initiator", c.cfg.SessionID)
		return
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	ctx, gen, ok := c.live()
	if !ok {
		util.LogDebug("[%s] ignoring answer without a call", c.cfg.SessionID)
		return
	}
	c.mu.Lock()
	current := c.offerID
	c.mu.Unlock()
	// A restart replaces the offer; answers to the old one must not reach
	// the new connection.
	if current == "" || m.NegotiationID != current {
		util.LogDebug("[%s] ignoring answer to offer %q, waiting for %q", c.cfg.SessionID, m.NegotiationID, current)
		return
	}
	if c.engine.RemoteDescriptionSet() {
		util.LogDebug("[%s] ignoring duplicate answer", c.cfg.SessionID)
		return
	}

	if err := c.engine.HandleAnswer(ctx, m.SDP); err != nil {
		if ignorable(err) {
			util.LogWarning("[%s] answer not handled: %v", c.cfg.SessionID, err)
			return
		}
		c.fail(gen, err)
	}
}

func (c *Controller) handleMediaState(m signaling.MediaState) {
	c.mu.Lock()
	wasVideo := c.remoteMedia == nil || c.remoteMedia.Video
	c.remoteMedia = &m
	c.mu.Unlock()

	if m.Video && !wasVideo {
		c.engine.RequestKeyframe()
	}
	c.publish()
}

// handlePeerJoined records the other participant. The initiator restarts a
// call it has already started so the newcomer gets a fresh offer; whether
// negotiation had begun does not matter.
func (c *Controller) handlePeerJoined(ctx context.Context, m signaling.PeerJoined) {
	p := signaling.Participant{ID: m.PeerID, Name: m.PeerName, IsTherapist: m.IsTherapist}

	c.mu.Lock()
	same := c.peer != nil && c.peer.ID == p.ID
	c.peer = &p
	c.mu.Unlock()

	util.LogInfo("[%s] %s joined", c.cfg.SessionID, describe(p))
	c.publish()

	if !c.cfg.Initiator {
		return
	}
	switch state := c.machine.State(); {
	case state == callstate.Idle || state == callstate.Closed:
		return
	case state == callstate.Connected && same:
		return
	}
	c.restart(ctx)
}

func (c *Controller) handlePeerLeft(m signaling.PeerLeft) {
	c.mu.Lock()
	if c.peer != nil && c.peer.ID != m.PeerID {
		c.mu.Unlock()
		util.LogDebug("[%s] ignoring peer-left for %s", c.cfg.SessionID, m.PeerID)
		return
	}
	c.peer = nil
	c.remote = nil
	c.remoteMedia = nil
	c.mu.Unlock()

	util.LogWarning("[%s] peer %s left", c.cfg.SessionID, m.PeerID)
	c.machine.Apply(callstate.EventPeerLeft)
	c.publish()
}

func describe(p signaling.Participant) string {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	if p.IsTherapist {
		return name + " (therapist)"
	}
	return name
}
