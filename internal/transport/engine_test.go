package transport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/transport/transporttest"
)

type recorder struct {
	mu         sync.Mutex
	candidates []string
	states     []webrtc.PeerConnectionState
	channels   []*transport.Channel
	tracks     []transport.RemoteTrack
}

func (r *recorder) events() transport.Events {
	return transport.Events{
		LocalCandidate: func(c webrtc.ICECandidateInit) {
			r.mu.Lock()
			r.candidates = append(r.candidates, c.Candidate)
			r.mu.Unlock()
		},
		ConnectionState: func(s webrtc.PeerConnectionState) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		RemoteTrack: func(_ *transport.RemoteStream, t transport.RemoteTrack) {
			r.mu.Lock()
			r.tracks = append(r.tracks, t)
			r.mu.Unlock()
		},
		DataChannel: func(ch *transport.Channel) {
			r.mu.Lock()
			r.channels = append(r.channels, ch)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) sentCandidates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.candidates...)
}

func newEngine(t *testing.T, initiator bool) (*transport.Engine, *transporttest.Factory, *recorder) {
	t.Helper()
	f := &transporttest.Factory{}
	rec := &recorder{}
	e := transport.NewEngine(f.New, initiator, rec.events())
	t.Cleanup(func() { e.Close() })
	return e, f, rec
}

func localStream(t *testing.T, withVideo bool) *media.Stream {
	t.Helper()
	s, _, err := media.Acquire(context.Background(), media.NewSyntheticDevices(), withVideo)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func offerSDP() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
}

func answerSDP() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestInitializeIdempotentUntilNegotiated(t *testing.T) {
	e, f, _ := newEngine(t, true)
	ctx := context.Background()

	require.NoError(t, e.Initialize())
	require.NoError(t, e.Initialize())
	assert.Len(t, f.Conns(), 1)

	_, err := e.CreateOffer(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Initialize(), transport.ErrAlreadyActive)
}

func TestOperationsBeforeInitialize(t *testing.T) {
	e, _, _ := newEngine(t, true)
	ctx := context.Background()

	_, err := e.CreateOffer(ctx)
	assert.ErrorIs(t, err, transport.ErrNotInitialized)
	assert.ErrorIs(t, e.AttachLocalStream(media.NewStream("s")), transport.ErrNotInitialized)
	assert.ErrorIs(t, e.ReplaceVideoTrack(nil), transport.ErrNotInitialized)
}

func TestOnlyInitiatorCreatesDataChannel(t *testing.T) {
	ctx := context.Background()

	initiator, fi, ri := newEngine(t, true)
	require.NoError(t, initiator.Initialize())
	require.NoError(t, initiator.AttachLocalStream(localStream(t, true)))
	_, err := initiator.CreateOffer(ctx)
	require.NoError(t, err)
	_, err = initiator.CreateOffer(ctx)
	require.NoError(t, err)

	require.Len(t, fi.Last().Channels(), 1)
	assert.Contains(t, fi.Last().Channels()[0].Label(), transport.ChannelLabelPrefix)
	assert.Len(t, ri.channels, 1)

	// The initiator ignores a channel announced by the peer.
	fi.Last().ReceiveDataChannel(transporttest.NewDataChannel("rogue"))
	assert.Len(t, ri.channels, 1)

	responder, fr, rr := newEngine(t, false)
	require.NoError(t, responder.Initialize())
	_, err = responder.CreateOffer(ctx)
	assert.ErrorIs(t, err, transport.ErrNotInitiator)
	assert.ErrorIs(t, responder.HandleAnswer(ctx, answerSDP()), transport.ErrNotInitiator)

	_, err = responder.HandleOffer(ctx, offerSDP())
	require.NoError(t, err)
	assert.Empty(t, fr.Last().Channels())

	fr.Last().ReceiveDataChannel(transporttest.NewDataChannel("peercall-x"))
	fr.Last().ReceiveDataChannel(transporttest.NewDataChannel("peercall-y"))
	require.Len(t, rr.channels, 1)
	assert.Equal(t, "peercall-x", rr.channels[0].Label())
	assert.Same(t, rr.channels[0], responder.Channel())
}

func TestAudioOnlyOfferStillReceivesVideo(t *testing.T) {
	e, f, _ := newEngine(t, true)
	require.NoError(t, e.Initialize())
	require.NoError(t, e.AttachLocalStream(localStream(t, false)))

	offer, err := e.CreateOffer(context.Background())
	require.NoError(t, err)

	assert.True(t, transport.Sends(offer, webrtc.RTPCodecTypeAudio))
	assert.False(t, transport.Sends(offer, webrtc.RTPCodecTypeVideo))
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo}, f.Last().RecvOnly())

	sections, err := transport.Sections(offer)
	require.NoError(t, err)
	assert.Equal(t, []string{"audio:sendrecv", "video:recvonly", "application"},
		[]string{sections[0].String(), sections[1].String(), sections[2].String()})
}

func TestRemoteCandidatesBufferedUntilOffer(t *testing.T) {
	e, f, _ := newEngine(t, false)
	require.NoError(t, e.Initialize())

	e.AddICECandidate(candidate("c1"))
	e.AddICECandidate(candidate("c2"))
	assert.Equal(t, 2, e.BufferedCandidates())
	assert.Empty(t, f.Last().Applied())

	_, err := e.HandleOffer(context.Background(), offerSDP())
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, f.Last().Applied())
	assert.Zero(t, e.BufferedCandidates())

	e.AddICECandidate(candidate("c3"))
	assert.Equal(t, []string{"c1", "c2", "c3"}, f.Last().Applied())
}

func TestRemoteCandidatesBufferedBeforeInitialize(t *testing.T) {
	e, f, _ := newEngine(t, false)

	e.AddICECandidate(candidate("early"))
	require.NoError(t, e.Initialize())
	_, err := e.HandleOffer(context.Background(), offerSDP())
	require.NoError(t, err)

	assert.Equal(t, []string{"early"}, f.Last().Applied())
}

func TestRemoteCandidatesBufferedUntilAnswer(t *testing.T) {
	e, f, _ := newEngine(t, true)
	ctx := context.Background()
	require.NoError(t, e.Initialize())
	_, err := e.CreateOffer(ctx)
	require.NoError(t, err)

	e.AddICECandidate(candidate("a"))
	e.AddICECandidate(candidate("b"))
	assert.Empty(t, f.Last().Applied())

	require.NoError(t, e.HandleAnswer(ctx, answerSDP()))
	assert.Equal(t, []string{"a", "b"}, f.Last().Applied())
}

func TestLocalCandidatesHeldUntilAnswer(t *testing.T) {
	e, f, rec := newEngine(t, true)
	ctx := context.Background()
	require.NoError(t, e.Initialize())
	_, err := e.CreateOffer(ctx)
	require.NoError(t, err)

	conn := f.Last()
	conn.Gather("l1")
	conn.Gather("l2")
	conn.Gather("l1")
	assert.Empty(t, rec.sentCandidates())

	require.NoError(t, e.HandleAnswer(ctx, answerSDP()))
	conn.Gather("l3")
	conn.Gather("l2")
	conn.GatheringDone()

	assert.Equal(t, []string{"l1", "l2", "l3"}, rec.sentCandidates())
}

func TestResponderLocalCandidatesHeldUntilFlush(t *testing.T) {
	e, f, rec := newEngine(t, false)
	require.NoError(t, e.Initialize())
	_, err := e.HandleOffer(context.Background(), offerSDP())
	require.NoError(t, err)

	f.Last().Gather("r1")
	assert.Empty(t, rec.sentCandidates())

	e.FlushLocalCandidates()
	f.Last().Gather("r2")
	assert.Equal(t, []string{"r1", "r2"}, rec.sentCandidates())
}

func TestNegotiationSingleFlight(t *testing.T) {
	e, f, _ := newEngine(t, false)
	require.NoError(t, e.Initialize())
	hold := make(chan struct{})
	f.Last().Hold = hold

	done := make(chan error, 1)
	go func() {
		_, err := e.HandleOffer(context.Background(), offerSDP())
		done <- err
	}()

	require.Eventually(t, f.Last().Holding, time.Second, 5*time.Millisecond)
	_, err := e.HandleOffer(context.Background(), offerSDP())
	assert.ErrorIs(t, err, transport.ErrNegotiationInProgress)

	close(hold)
	require.NoError(t, <-done)
	assert.True(t, e.Negotiated())
}

func TestCloseDuringNegotiation(t *testing.T) {
	e, f, _ := newEngine(t, false)
	require.NoError(t, e.Initialize())
	conn := f.Last()
	hold := make(chan struct{})
	conn.Hold = hold

	done := make(chan error, 1)
	go func() {
		_, err := e.HandleOffer(context.Background(), offerSDP())
		done <- err
	}()
	require.Eventually(t, conn.Holding, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Close())
	close(hold)
	assert.Error(t, <-done)
	assert.True(t, conn.Closed())
	assert.False(t, e.Negotiated())

	// A fresh connection can be negotiated after close.
	require.NoError(t, e.Initialize())
	assert.Len(t, f.Conns(), 2)
	_, err := e.HandleOffer(context.Background(), offerSDP())
	assert.NoError(t, err)
}

func TestStaleConnectionEventsIgnored(t *testing.T) {
	e, f, rec := newEngine(t, true)
	require.NoError(t, e.Initialize())
	old := f.Last()
	old.SetState(webrtc.PeerConnectionStateConnecting)

	require.NoError(t, e.Close())
	require.NoError(t, e.Initialize())
	old.SetState(webrtc.PeerConnectionStateFailed)
	f.Last().SetState(webrtc.PeerConnectionStateConnected)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []webrtc.PeerConnectionState{
		webrtc.PeerConnectionStateConnecting,
		webrtc.PeerConnectionStateConnected,
	}, rec.states)
}

func TestStaleConnectionCandidatesDropped(t *testing.T) {
	e, f, rec := newEngine(t, true)
	ctx := context.Background()
	require.NoError(t, e.Initialize())
	_, err := e.CreateOffer(ctx)
	require.NoError(t, err)
	require.NoError(t, e.HandleAnswer(ctx, answerSDP()))
	old := f.Last()
	old.Gather("old-1")

	require.NoError(t, e.Close())
	require.NoError(t, e.Initialize())
	old.Gather("old-2")
	f.Last().Gather("new-1")

	assert.Equal(t, []string{"old-1"}, rec.sentCandidates())
}

func TestReplaceVideoTrack(t *testing.T) {
	e, _, _ := newEngine(t, true)
	require.NoError(t, e.Initialize())

	require.NoError(t, e.AttachLocalStream(localStream(t, false)))
	assert.ErrorIs(t, e.ReplaceVideoTrack(nil), transport.ErrNoVideoSender)

	e2, _, _ := newEngine(t, true)
	require.NoError(t, e2.Initialize())
	stream := localStream(t, true)
	require.NoError(t, e2.AttachLocalStream(stream))
	assert.Same(t, stream.VideoTrack(), e2.OutgoingVideo())

	screen, err := media.NewSyntheticDevices().GetDisplayMedia(context.Background())
	require.NoError(t, err)
	defer screen.Stop()
	require.NoError(t, e2.ReplaceVideoTrack(screen.VideoTrack()))
	assert.Same(t, screen.VideoTrack(), e2.OutgoingVideo())
}

func TestAttachAfterNegotiationRejected(t *testing.T) {
	e, _, _ := newEngine(t, true)
	require.NoError(t, e.Initialize())
	_, err := e.CreateOffer(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, e.AttachLocalStream(localStream(t, false)), transport.ErrAlreadyActive)
}

func TestRemoteVideoTrackRequestsKeyframe(t *testing.T) {
	e, f, rec := newEngine(t, true)
	require.NoError(t, e.Initialize())

	video := transporttest.NewRemoteTrack(webrtc.RTPCodecTypeVideo, "v", "remote", 42)
	audio := transporttest.NewRemoteTrack(webrtc.RTPCodecTypeAudio, "a", "remote", 7)
	defer video.End()
	defer audio.End()
	f.Last().Track(video)
	f.Last().Track(audio)

	stream := e.RemoteStream()
	require.NotNil(t, stream)
	assert.Equal(t, "remote", stream.ID())
	assert.True(t, stream.Has(webrtc.RTPCodecTypeVideo))
	assert.Len(t, rec.tracks, 2)

	e.RequestKeyframe()
	pkts := f.Last().RTCP()
	require.Len(t, pkts, 2)
	for _, p := range pkts {
		pli, ok := p.(*rtcp.PictureLossIndication)
		require.True(t, ok)
		assert.Equal(t, uint32(42), pli.MediaSSRC)
	}
}
