package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peercall/internal/callstate"
	"github.com/1ureka/peercall/internal/session"
	"github.com/1ureka/peercall/internal/signaling"
)

func supervise(t *testing.T, h *harness, policy session.ReconnectPolicy) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		session.NewSupervisor(h.Controller, policy).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSupervisorFailsStalledConnect(t *testing.T) {
	h := newHarness(t, signaling.NewMemoryHub(), alice, true)
	supervise(t, h, session.ReconnectPolicy{ConnectTimeout: 50 * time.Millisecond})

	h.StartCall(context.Background(), true)
	h.waitState(t, callstate.Failed)
	assert.Contains(t, h.Snapshot().Error, "timed out")
}

func TestSupervisorRestartsFailedCall(t *testing.T) {
	h, peer, offer := startedCall(t, true)
	supervise(t, h, session.ReconnectPolicy{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	})

	send(t, peer, answerTo(offer, 1))
	first := h.conns.Last()
	require.Eventually(t, func() bool { return first.RemoteDescription() != nil }, waitFor, tick)
	first.SetState(webrtc.PeerConnectionStateConnected)
	first.SetState(webrtc.PeerConnectionStateFailed)

	retry := expect[signaling.Offer](t, peer)
	assert.Equal(t, sid, retry.SessionID)
	h.waitState(t, callstate.Connecting)

	conns := h.conns.Conns()
	require.Len(t, conns, 2)
	assert.True(t, conns[0].Closed())
	assert.NotNil(t, h.Snapshot().Local, "local media survives a restart")
}

func TestSupervisorGivesUp(t *testing.T) {
	h, peer, _ := startedCall(t, true)
	supervise(t, h, session.ReconnectPolicy{
		MaxAttempts:    1,
		InitialBackoff: 10 * time.Millisecond,
	})

	h.conns.Last().SetState(webrtc.PeerConnectionStateFailed)
	expect[signaling.Offer](t, peer)
	h.waitState(t, callstate.Connecting)

	h.conns.Last().SetState(webrtc.PeerConnectionStateFailed)
	expectNothing(t, peer)
	assert.Equal(t, callstate.Failed, h.State())
	assert.Len(t, h.conns.Conns(), 2)
}

func TestSupervisorResponderOnlyWaits(t *testing.T) {
	hub := signaling.NewMemoryHub()
	h := newHarness(t, hub, bob, false)
	peer := join(t, hub, alice)
	expect[signaling.PeerJoined](t, peer)
	supervise(t, h, session.ReconnectPolicy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond})

	send(t, peer, signaling.Offer{SessionID: sid, SDP: sdpOf(webrtc.SDPTypeOffer)})
	expect[signaling.Answer](t, peer)
	h.conns.Last().SetState(webrtc.PeerConnectionStateFailed)

	expectNothing(t, peer)
	assert.Equal(t, callstate.Failed, h.State())
	assert.Len(t, h.conns.Conns(), 1)
}
