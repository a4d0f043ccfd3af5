package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peercall/internal/callstate"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/session"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/transport/transporttest"
)

const sid = "session-1"

var (
	alice = signaling.Participant{ID: "alice", Name: "Alice"}
	bob   = signaling.Participant{ID: "bob", Name: "Bob", IsTherapist: true}
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

// harness is a controller joined to a memory hub, with synthetic devices and
// fake peer connections.
type harness struct {
	*session.Controller
	relay   *signaling.MemoryRelay
	devices *media.SyntheticDevices
	conns   *transporttest.Factory
}

func newHarness(t *testing.T, hub *signaling.MemoryHub, self signaling.Participant, initiator bool, opts ...func(*session.Config)) *harness {
	t.Helper()
	h, start := newPausedHarness(t, hub, self, initiator, opts...)
	start()
	return h
}

// newPausedHarness is newHarness with inbound signaling held back until
// start is called.
func newPausedHarness(t *testing.T, hub *signaling.MemoryHub, self signaling.Participant, initiator bool, opts ...func(*session.Config)) (*harness, func()) {
	t.Helper()
	relay, err := hub.Join(sid, self)
	require.NoError(t, err)

	h := &harness{relay: relay, devices: media.NewSyntheticDevices(), conns: &transporttest.Factory{}}
	cfg := session.Config{
		SessionID: sid,
		Self:      self,
		Initiator: initiator,
		Video:     true,
		Relay:     relay,
		Devices:   h.devices,
		NewConn:   h.conns.New,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.Controller = session.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var once sync.Once
	start := func() {
		once.Do(func() {
			go func() {
				defer close(done)
				h.Run(ctx)
			}()
		})
	}
	t.Cleanup(func() {
		cancel()
		start()
		<-done
		h.Close()
		relay.Close()
	})
	return h, start
}

// waitPeer blocks until the controller has seen the other participant.
func (h *harness) waitPeer(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Snapshot().Peer != nil }, waitFor, tick)
}

func (h *harness) waitState(t *testing.T, want callstate.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.State() == want }, waitFor, tick, "want %s, have %s", want, h.State())
}

func (h *harness) videoSender(t *testing.T) *transporttest.Sender {
	t.Helper()
	for _, s := range h.conns.Last().Senders() {
		if s.Kind() == webrtc.RTPCodecTypeVideo {
			return s
		}
	}
	t.Fatal("no video sender")
	return nil
}

// join adds a scripted participant to the session.
func join(t *testing.T, hub *signaling.MemoryHub, self signaling.Participant) *signaling.MemoryRelay {
	t.Helper()
	r, err := hub.Join(sid, self)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func next(t *testing.T, r signaling.Relay) signaling.Message {
	t.Helper()
	select {
	case msg, ok := <-r.Receive():
		require.True(t, ok, "relay closed")
		return msg
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a signaling message")
		return nil
	}
}

func expect[T signaling.Message](t *testing.T, r signaling.Relay) T {
	t.Helper()
	msg := next(t, r)
	m, ok := msg.(T)
	require.True(t, ok, "unexpected %s message", msg.Type())
	return m
}

func expectNothing(t *testing.T, r signaling.Relay) {
	t.Helper()
	select {
	case msg := <-r.Receive():
		t.Fatalf("unexpected %s message", msg.Type())
	case <-time.After(100 * time.Millisecond):
	}
}

func send(t *testing.T, r signaling.Relay, msg signaling.Message) {
	t.Helper()
	require.NoError(t, r.Send(context.Background(), msg))
}

func sdpOf(typ webrtc.SDPType) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: typ, SDP: "v=0\r\no=- 42 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"}
}

func answerSDP(version int) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0\r\no=- %d 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n", version)}
}

// answerTo replies to offer the way a responder does, echoing its
// negotiation id.
func answerTo(offer signaling.Offer, version int) signaling.Answer {
	return signaling.Answer{SessionID: sid, NegotiationID: offer.NegotiationID, SDP: answerSDP(version)}
}

func candidate(s string) signaling.ICECandidate {
	return signaling.ICECandidate{SessionID: sid, Candidate: webrtc.ICECandidateInit{Candidate: s}}
}

// startedCall returns an initiator whose offer was delivered to a scripted
// peer.
func startedCall(t *testing.T, withVideo bool, opts ...func(*session.Config)) (*harness, *signaling.MemoryRelay, signaling.Offer) {
	t.Helper()
	hub := signaling.NewMemoryHub()
	h := newHarness(t, hub, alice, true, opts...)
	peer := join(t, hub, bob)
	expect[signaling.PeerJoined](t, peer)
	h.waitPeer(t)

	h.StartCall(context.Background(), withVideo)
	offer := expect[signaling.Offer](t, peer)
	return h, peer, offer
}

func TestResponderAnswersOfferBeforeStartCall(t *testing.T) {
	hub := signaling.NewMemoryHub()
	h := newHarness(t, hub, bob, false)
	peer := join(t, hub, alice)
	joined := expect[signaling.PeerJoined](t, peer)
	assert.Equal(t, bob.ID, joined.PeerID)
	assert.True(t, joined.IsTherapist)

	send(t, peer, signaling.Offer{SessionID: sid, SDP: sdpOf(webrtc.SDPTypeOffer)})

	answer := expect[signaling.Answer](t, peer)
	assert.Equal(t, sid, answer.SessionID)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.SDP.Type)
	expectNothing(t, peer)

	snap := h.Snapshot()
	assert.Equal(t, callstate.Connecting, snap.State)
	require.NotNil(t, snap.Local)
	assert.NotNil(t, snap.Local.AudioTrack())
	assert.NotNil(t, snap.Local.VideoTrack())
	require.NotNil(t, snap.Peer)
	assert.Equal(t, alice.ID, snap.Peer.ID)

	conn := h.conns.Last()
	assert.NotNil(t, conn.RemoteDescription())
	assert.Empty(t, conn.Channels(), "responder must not create a data channel")
}

func TestResponderAttachesReceivedChannel(t *testing.T) {
	hub := signaling.NewMemoryHub()
	h := newHarness(t, hub, bob, false)
	peer := join(t, hub, alice)
	expect[signaling.PeerJoined](t, peer)

	send(t, peer, signaling.Offer{SessionID: sid, SDP: sdpOf(webrtc.SDPTypeOffer)})
	expect[signaling.Answer](t, peer)

	dc := transporttest.NewDataChannel(transport.ChannelLabelPrefix + "x")
	h.conns.Last().ReceiveDataChannel(dc)
	dc.Open()

	assert.True(t, h.SendChat("hello"))
	assert.Eventually(t, func() bool { return len(dc.Sent()) > 0 }, waitFor, tick)
	assert.Empty(t, h.conns.Last().Channels())
}

func TestInitiatorAudioOnlyFallback(t *testing.T) {
	h, _, offer := startedCall(t, true, func(cfg *session.Config) {
		d := media.NewSyntheticDevices()
		d.SetCamera(false)
		cfg.Devices = d
	})

	snap := h.Snapshot()
	assert.Equal(t, callstate.Connecting, snap.State)
	assert.True(t, snap.AudioEnabled)
	assert.False(t, snap.VideoEnabled)
	assert.Empty(t, snap.Error)

	sections, err := transport.Sections(offer.SDP)
	require.NoError(t, err)
	var got []string
	for _, s := range sections {
		got = append(got, s.String())
	}
	assert.Equal(t, []string{"audio:sendrecv", "video:recvonly", "application"}, got)
	assert.False(t, transport.Sends(offer.SDP, webrtc.RTPCodecTypeVideo))

	assert.Len(t, h.conns.Last().Channels(), 1, "initiator creates exactly one data channel")
}

func TestMicrophoneFailureFailsCall(t *testing.T) {
	hub := signaling.NewMemoryHub()
	h := newHarness(t, hub, alice, true)
	h.devices.SetMicrophone(false)

	h.StartCall(context.Background(), true)

	snap := h.Snapshot()
	assert.Equal(t, callstate.Failed, snap.State)
	assert.Contains(t, snap.Error, "microphone")
	assert.Nil(t, snap.Local)
}

func TestCandidatesBufferedUntilAnswer(t *testing.T) {
	h, peer, offer := startedCall(t, true)
	conn := h.conns.Last()

	// Local candidates stay back until the answer arrived.
	conn.Gather("candidate:local-1")
	expectNothing(t, peer)

	send(t, peer, candidate("candidate:remote-1"))
	send(t, peer, candidate("candidate:remote-2"))
	require.Eventually(t, func() bool { return h.BufferedCandidates() == 2 }, waitFor, tick)
	assert.Empty(t, conn.Applied())

	send(t, peer, answerTo(offer, 1))

	local := expect[signaling.ICECandidate](t, peer)
	assert.Equal(t, "candidate:local-1", local.Candidate.Candidate)
	assert.Eventually(t, func() bool {
		applied := conn.Applied()
		return len(applied) == 2 && applied[0] == "candidate:remote-1" && applied[1] == "candidate:remote-2"
	}, waitFor, tick)

	// Duplicate delivery of the answer is harmless.
	send(t, peer, answerTo(offer, 1))
	send(t, peer, candidate("candidate:remote-3"))
	assert.Eventually(t, func() bool { return len(conn.Applied()) == 3 }, waitFor, tick)
	assert.Equal(t, callstate.Connecting, h.State())
}

func TestForeignSessionIgnored(t *testing.T) {
	h, peer, offer := startedCall(t, true)
	foreign := answerTo(offer, 1)
	foreign.SessionID = "other"
	send(t, peer, foreign)
	send(t, peer, candidate("candidate:remote-1"))

	require.Eventually(t, func() bool { return h.BufferedCandidates() == 1 }, waitFor, tick)
	assert.Nil(t, h.conns.Last().RemoteDescription())
}

func TestToggleMuteRoundTrip(t *testing.T) {
	h, peer, _ := startedCall(t, true)

	h.ToggleMute()
	h.ToggleMute()

	first := expect[signaling.MediaState](t, peer)
	second := expect[signaling.MediaState](t, peer)
	assert.False(t, first.Audio)
	assert.True(t, second.Audio)
	assert.True(t, first.Video)
	assert.True(t, second.Video)
	assert.Equal(t, sid, first.SessionID)
	expectNothing(t, peer)

	assert.True(t, h.Snapshot().AudioEnabled)
}

func TestToggleCameraBroadcasts(t *testing.T) {
	h, peer, _ := startedCall(t, true)

	h.ToggleCamera()
	m := expect[signaling.MediaState](t, peer)
	assert.True(t, m.Audio)
	assert.False(t, m.Video)
	assert.False(t, h.Snapshot().VideoEnabled)
}

func TestToggleWithoutCallIsNoop(t *testing.T) {
	hub := signaling.NewMemoryHub()
	h := newHarness(t, hub, alice, true)
	peer := join(t, hub, bob)
	expect[signaling.PeerJoined](t, peer)

	h.ToggleMute()
	h.ToggleCamera()
	expectNothing(t, peer)
	assert.Equal(t, callstate.Idle, h.State())
}

func TestScreenShareSwapsTrackInPlace(t *testing.T) {
	h, peer, _ := startedCall(t, true)
	sender := h.videoSender(t)
	require.Equal(t, "video", sender.Track().ID())

	require.NoError(t, h.StartScreenShare(context.Background()))
	assert.Equal(t, "screen", sender.Track().ID())
	assert.True(t, h.Snapshot().ScreenSharing)

	require.NoError(t, h.StopScreenShare(context.Background()))
	assert.Equal(t, "video", sender.Track().ID())
	assert.False(t, h.Snapshot().ScreenSharing)
	assert.Equal(t, 2, sender.Replaced())

	expectNothing(t, peer)
	assert.Len(t, h.conns.Conns(), 1)
}

func TestScreenShareFailureIsReported(t *testing.T) {
	h, _, _ := startedCall(t, true)
	h.devices.SetScreen(false)

	err := h.StartScreenShare(context.Background())
	require.ErrorIs(t, err, media.ErrNoScreen)

	snap := h.Snapshot()
	assert.Equal(t, callstate.Connecting, snap.State)
	assert.Contains(t, snap.Error, "screen")
	assert.False(t, snap.ScreenSharing)
}

func TestEndCallReleasesEverything(t *testing.T) {
	h, _, _ := startedCall(t, true)
	require.NoError(t, h.StartScreenShare(context.Background()))

	conn := h.conns.Last()
	local := h.Snapshot().Local
	require.NotNil(t, local)

	h.EndCall()

	assert.Equal(t, callstate.Closed, h.State())
	assert.True(t, conn.Closed())
	for _, tr := range local.Tracks() {
		assert.True(t, tr.(*media.SampleTrack).Stopped(), tr.ID())
	}
	require.Len(t, conn.Channels(), 1)
	assert.True(t, conn.Channels()[0].Closed())

	snap := h.Snapshot()
	assert.Nil(t, snap.Local)
	assert.False(t, snap.ScreenSharing)

	h.EndCall()
	assert.Equal(t, callstate.Closed, h.State())
}

func TestEndCallWhenIdle(t *testing.T) {
	h := newHarness(t, signaling.NewMemoryHub(), alice, true)
	h.EndCall()
	assert.Equal(t, callstate.Idle, h.State())
	assert.Empty(t, h.conns.Conns())
}

// stalledDevices never produce a stream; they wait for cancellation.
type stalledDevices struct {
	media.Devices
	entered chan struct{}
}

func (d stalledDevices) GetUserMedia(ctx context.Context, _ media.Constraints) (*media.Stream, error) {
	select {
	case d.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEndCallDuringAcquisition(t *testing.T) {
	entered := make(chan struct{}, 1)
	h := newHarness(t, signaling.NewMemoryHub(), alice, true, func(cfg *session.Config) {
		cfg.Devices = stalledDevices{Devices: media.NewSyntheticDevices(), entered: entered}
	})

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		h.StartCall(context.Background(), true)
	}()

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("acquisition never started")
	}
	assert.Equal(t, callstate.Connecting, h.State())

	h.EndCall()

	select {
	case <-returned:
	case <-time.After(waitFor):
		t.Fatal("StartCall did not return after EndCall")
	}
	snap := h.Snapshot()
	assert.Equal(t, callstate.Closed, snap.State)
	assert.Empty(t, snap.Error)
	assert.Empty(t, h.conns.Conns())
}

func TestTransportStateDrivesCall(t *testing.T) {
	h, peer, offer := startedCall(t, true)
	send(t, peer, answerTo(offer, 1))
	conn := h.conns.Last()
	require.Eventually(t, func() bool { return conn.RemoteDescription() != nil }, waitFor, tick)

	conn.SetState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, callstate.Connected, h.State())

	conn.SetState(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, callstate.Reconnecting, h.State())

	conn.SetState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, callstate.Connected, h.State())

	conn.SetState(webrtc.PeerConnectionStateFailed)
	snap := h.Snapshot()
	assert.Equal(t, callstate.Failed, snap.State)
	assert.Equal(t, "peer connection failed", snap.Error)
}

func TestRemoteTracksAndMediaState(t *testing.T) {
	hub := signaling.NewMemoryHub()
	h := newHarness(t, hub, bob, false)
	peer := join(t, hub, alice)
	expect[signaling.PeerJoined](t, peer)
	send(t, peer, signaling.Offer{SessionID: sid, SDP: sdpOf(webrtc.SDPTypeOffer)})
	expect[signaling.Answer](t, peer)

	conn := h.conns.Last()
	audio := transporttest.NewRemoteTrack(webrtc.RTPCodecTypeAudio, "a", "remote", 1111)
	video := transporttest.NewRemoteTrack(webrtc.RTPCodecTypeVideo, "v", "remote", 2222)
	t.Cleanup(func() {
		audio.End()
		video.End()
	})
	conn.Track(audio)
	conn.Track(video)

	snap := h.Snapshot()
	require.NotNil(t, snap.Remote)
	assert.Equal(t, "remote", snap.Remote.ID())
	assert.True(t, snap.RemoteAudio)
	assert.True(t, snap.RemoteVideo)
	initialPLI := len(conn.RTCP())

	send(t, peer, signaling.MediaState{SessionID: sid, Audio: false, Video: false})
	require.Eventually(t, func() bool {
		s := h.Snapshot()
		return !s.RemoteAudio && !s.RemoteVideo
	}, waitFor, tick)

	send(t, peer, signaling.MediaState{SessionID: sid, Audio: false, Video: true})
	require.Eventually(t, func() bool { return h.Snapshot().RemoteVideo }, waitFor, tick)
	assert.Greater(t, len(conn.RTCP()), initialPLI, "camera back on asks for a keyframe")
}

func TestPeerLeftMovesToReconnecting(t *testing.T) {
	hub := signaling.NewMemoryHub()
	h := newHarness(t, hub, bob, false)
	peer, err := hub.Join(sid, alice)
	require.NoError(t, err)
	expect[signaling.PeerJoined](t, peer)
	send(t, peer, signaling.Offer{SessionID: sid, SDP: sdpOf(webrtc.SDPTypeOffer)})
	expect[signaling.Answer](t, peer)

	conn := h.conns.Last()
	video := transporttest.NewRemoteTrack(webrtc.RTPCodecTypeVideo, "v", "remote", 2222)
	t.Cleanup(video.End)
	conn.Track(video)
	conn.SetState(webrtc.PeerConnectionStateConnected)
	require.Equal(t, callstate.Connected, h.State())

	require.NoError(t, peer.Close())
	h.waitState(t, callstate.Reconnecting)

	snap := h.Snapshot()
	assert.Nil(t, snap.Remote)
	assert.Nil(t, snap.Peer)
	assert.False(t, conn.Closed(), "no automatic teardown")
	assert.NotNil(t, snap.Local)
}

func TestPeerJoinedRestartsInitiatorCall(t *testing.T) {
	hub := signaling.NewMemoryHub()
	caller := newHarness(t, hub, alice, true)

	// Nobody hears this offer.
	caller.StartCall(context.Background(), true)
	require.Equal(t, callstate.Connecting, caller.State())
	require.Len(t, caller.conns.Conns(), 1)

	callee := newHarness(t, hub, bob, false)

	require.Eventually(t, func() bool {
		conns := caller.conns.Conns()
		return len(conns) == 2 && conns[0].Closed() && conns[1].RemoteDescription() != nil
	}, waitFor, tick)
	callee.waitState(t, callstate.Connecting)
	callee.waitPeer(t)

	caller.conns.Last().SetState(webrtc.PeerConnectionStateConnected)
	callee.conns.Last().SetState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, callstate.Connected, caller.State())
	assert.Equal(t, callstate.Connected, callee.State())

	// Only the initiator ever opened a data channel.
	for _, c := range callee.conns.Conns() {
		assert.Empty(t, c.Channels())
	}
	assert.Len(t, caller.conns.Last().Channels(), 1)
}

func TestAnswerToReplacedOfferIgnored(t *testing.T) {
	hub := signaling.NewMemoryHub()
	caller, start := newPausedHarness(t, hub, alice, true)
	peer := join(t, hub, bob)
	expect[signaling.PeerJoined](t, peer)

	// The call starts before the caller has read peer-joined, so reading
	// it restarts the call after the peer already answered the first offer.
	caller.StartCall(context.Background(), true)
	first := expect[signaling.Offer](t, peer)
	require.NotEmpty(t, first.NegotiationID)
	send(t, peer, answerTo(first, 1))

	start()
	second := expect[signaling.Offer](t, peer)
	assert.NotEqual(t, first.NegotiationID, second.NegotiationID)

	send(t, peer, answerTo(second, 2))
	require.Eventually(t, func() bool {
		conns := caller.conns.Conns()
		return len(conns) == 2 && conns[1].RemoteDescription() != nil
	}, waitFor, tick)

	conns := caller.conns.Conns()
	assert.True(t, conns[0].Closed())
	assert.Nil(t, conns[0].RemoteDescription())
	assert.Equal(t, answerSDP(2).SDP, conns[1].RemoteDescription().SDP)
	assert.Equal(t, callstate.Connecting, caller.State())
	assert.Empty(t, caller.Snapshot().Error)
}

func TestAnswerWithoutPendingOfferIgnored(t *testing.T) {
	h, peer, offer := startedCall(t, true)

	stray := answerTo(offer, 1)
	stray.NegotiationID = "someone-else"
	send(t, peer, stray)
	send(t, peer, answerTo(offer, 2))

	conn := h.conns.Last()
	require.Eventually(t, func() bool { return conn.RemoteDescription() != nil }, waitFor, tick)
	assert.Equal(t, answerSDP(2).SDP, conn.RemoteDescription().SDP)
}

func TestEndedResponderIgnoresOffers(t *testing.T) {
	hub := signaling.NewMemoryHub()
	h := newHarness(t, hub, bob, false)
	peer := join(t, hub, alice)
	expect[signaling.PeerJoined](t, peer)

	send(t, peer, signaling.Offer{SessionID: sid, NegotiationID: "n1", SDP: sdpOf(webrtc.SDPTypeOffer)})
	answer := expect[signaling.Answer](t, peer)
	assert.Equal(t, "n1", answer.NegotiationID)

	h.EndCall()
	require.Equal(t, callstate.Closed, h.State())

	second := signaling.Offer{SessionID: sid, NegotiationID: "n2", SDP: sdpOf(webrtc.SDPTypeOffer)}
	second.SDP.SDP = "v=0\r\no=- 43 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"
	send(t, peer, second)
	expectNothing(t, peer)

	snap := h.Snapshot()
	assert.Equal(t, callstate.Closed, snap.State)
	assert.Nil(t, snap.Local)
	assert.Len(t, h.conns.Conns(), 1)

	// A new StartCall makes the responder answer again.
	h.StartCall(context.Background(), true)
	third := second
	third.NegotiationID = "n3"
	send(t, peer, third)
	answer = expect[signaling.Answer](t, peer)
	assert.Equal(t, "n3", answer.NegotiationID)
	assert.Equal(t, callstate.Connecting, h.State())
}

func TestRenegotiationOfferGetsFreshConnection(t *testing.T) {
	hub := signaling.NewMemoryHub()
	h := newHarness(t, hub, bob, false)
	peer := join(t, hub, alice)
	expect[signaling.PeerJoined](t, peer)

	first := signaling.Offer{SessionID: sid, SDP: sdpOf(webrtc.SDPTypeOffer)}
	send(t, peer, first)
	expect[signaling.Answer](t, peer)

	// A redelivered offer is answered only once.
	send(t, peer, first)
	expectNothing(t, peer)
	require.Len(t, h.conns.Conns(), 1)

	second := first
	second.SDP.SDP = "v=0\r\no=- 43 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"
	send(t, peer, second)
	expect[signaling.Answer](t, peer)

	conns := h.conns.Conns()
	require.Len(t, conns, 2)
	assert.True(t, conns[0].Closed())
	assert.Equal(t, second.SDP.SDP, conns[1].RemoteDescription().SDP)
	assert.Equal(t, callstate.Connecting, h.State())
}

func TestSubscribeSeesStateChanges(t *testing.T) {
	hub := signaling.NewMemoryHub()
	h := newHarness(t, hub, alice, true)

	updates, cancel := h.Subscribe()
	defer cancel()
	assert.Equal(t, callstate.Idle, (<-updates).State)

	h.StartCall(context.Background(), false)
	select {
	case snap := <-updates:
		assert.Equal(t, callstate.Connecting, snap.State)
		assert.Equal(t, sid, snap.SessionID)
	case <-time.After(waitFor):
		t.Fatal("no update")
	}
}
