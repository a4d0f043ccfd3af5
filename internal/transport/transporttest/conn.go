// Package transporttest provides in-memory fakes of the transport
// interfaces: a peer connection that records every call and lets tests fire
// the events pion would.
package transporttest

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/transport"
)

// Compile-time interface checks.
var (
	_ transport.Conn        = (*Conn)(nil)
	_ transport.Sender      = (*Sender)(nil)
	_ transport.DataChannel = (*DataChannel)(nil)
	_ transport.RemoteTrack = (*RemoteTrack)(nil)
)

// Factory creates Conns and remembers them.
type Factory struct {
	mu    sync.Mutex
	conns []*Conn
	Err   error
}

// New satisfies the engine's connection factory signature.
func (f *Factory) New() (transport.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{id: len(f.conns) + 1}
	f.conns = append(f.conns, c)
	return c, nil
}

// Conns returns every connection created so far.
func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Last returns the most recent connection, or nil.
func (f *Factory) Last() *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// Conn is a fake peer connection.
type Conn struct {
	id       int
	mu       sync.Mutex
	senders  []*Sender
	recvOnly []webrtc.RTPCodecType
	channels []*DataChannel
	local    *webrtc.SessionDescription
	remote   *webrtc.SessionDescription
	applied  []webrtc.ICECandidateInit
	rtcp     []rtcp.Packet
	closed   bool

	onCandidate func(*webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(transport.RemoteTrack)
	onDC        func(transport.DataChannel)

	// RemoteErr, when set, fails SetRemoteDescription.
	RemoteErr error

	// Hold, when set, blocks SetRemoteDescription until closed.
	Hold chan struct{}

	holding atomic.Bool
}

func (c *Conn) AddTrack(track webrtc.TrackLocal) (transport.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, io.ErrClosedPipe
	}
	s := &Sender{kind: track.Kind(), track: track}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *Conn) AddRecvOnly(kind webrtc.RTPCodecType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvOnly = append(c.recvOnly, kind)
	return nil
}

func (c *Conn) CreateDataChannel(label string) (transport.DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dc := NewDataChannel(label)
	c.channels = append(c.channels, dc)
	return dc, nil
}

// description renders an SDP with one m-line per sender, then one per
// receive-only kind, then the data channel.
func (c *Conn) description(typ webrtc.SDPType) webrtc.SessionDescription {
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=- %d 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n", c.id)
	for _, s := range c.senders {
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF 96\r\na=sendrecv\r\n", s.kind)
	}
	for _, kind := range c.recvOnly {
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF 96\r\na=recvonly\r\n", kind)
	}
	if len(c.channels) > 0 {
		b.WriteString("m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n")
	}
	return webrtc.SessionDescription{Type: typ, SDP: b.String()}
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, io.ErrClosedPipe
	}
	return c.description(webrtc.SDPTypeOffer), nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, io.ErrClosedPipe
	}
	if c.remote == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("answer without remote offer")
	}
	return c.description(webrtc.SDPTypeAnswer), nil
}

func (c *Conn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	c.local = &sdp
	return nil
}

func (c *Conn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if c.Hold != nil {
		c.holding.Store(true)
		<-c.Hold
		c.holding.Store(false)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	if c.RemoteErr != nil {
		return c.RemoteErr
	}
	c.remote = &sdp
	return nil
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return fmt.Errorf("candidate %q applied before remote description", candidate.Candidate)
	}
	c.applied = append(c.applied, candidate)
	return nil
}

func (c *Conn) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(transport.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnDataChannel(fn func(transport.DataChannel)) {
	c.mu.Lock()
	c.onDC = fn
	c.mu.Unlock()
}

func (c *Conn) WriteRTCP(pkts []rtcp.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtcp = append(c.rtcp, pkts...)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, dc := range c.channels {
		dc.closeLocked()
	}
	return nil
}

// ── Inspection ───────────────────────────────────────────────────────────────

func (c *Conn) Senders() []*Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Sender(nil), c.senders...)
}

func (c *Conn) RecvOnly() []webrtc.RTPCodecType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), c.recvOnly...)
}

func (c *Conn) Channels() []*DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*DataChannel(nil), c.channels...)
}

func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Conn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Applied returns the remote candidates applied, in order.
func (c *Conn) Applied() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.applied))
	for _, a := range c.applied {
		out = append(out, a.Candidate)
	}
	return out
}

func (c *Conn) RTCP() []rtcp.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rtcp.Packet(nil), c.rtcp...)
}

// Holding reports whether SetRemoteDescription is blocked on Hold.
func (c *Conn) Holding() bool { return c.holding.Load() }

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ── Event injection ──────────────────────────────────────────────────────────

// Gather fires a local candidate.
func (c *Conn) Gather(candidate string) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		fn(&webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// GatheringDone fires the end-of-candidates marker.
func (c *Conn) GatheringDone() {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
}

// SetState fires a connection state change.
func (c *Conn) SetState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// Track fires a remote track.
func (c *Conn) Track(t transport.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// ReceiveDataChannel fires an inbound data channel.
func (c *Conn) ReceiveDataChannel(dc *DataChannel) {
	c.mu.Lock()
	fn := c.onDC
	c.mu.Unlock()
	if fn != nil {
		fn(dc)
	}
}

// Sender is a fake RTP sender.
type Sender struct {
	mu       sync.Mutex
	kind     webrtc.RTPCodecType
	track    webrtc.TrackLocal
	replaced int
}

func (s *Sender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if track != nil && track.Kind() != s.kind {
		return fmt.Errorf("cannot replace %s track with %s", s.kind, track.Kind())
	}
	s.track = track
	s.replaced++
	return nil
}

// Replaced counts ReplaceTrack calls.
func (s *Sender) Replaced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// RemoteTrack is a fake inbound track fed with Push.
type RemoteTrack struct {
	id, streamID string
	kind         webrtc.RTPCodecType
	ssrc         webrtc.SSRC

	packets chan *rtp.Packet
	once    sync.Once
	done    chan struct{}
}

func NewRemoteTrack(kind webrtc.RTPCodecType, id, streamID string, ssrc webrtc.SSRC) *RemoteTrack {
	return &RemoteTrack{
		id:       id,
		streamID: streamID,
		kind:     kind,
		ssrc:     ssrc,
		packets:  make(chan *rtp.Packet, 16),
		done:     make(chan struct{}),
	}
}

func (t *RemoteTrack) ID() string                { return t.id }
func (t *RemoteTrack) StreamID() string          { return t.streamID }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *RemoteTrack) SSRC() webrtc.SSRC         { return t.ssrc }

func (t *RemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case pkt := <-t.packets:
		return pkt, nil, nil
	case <-t.done:
		return nil, nil, io.EOF
	}
}

// Push queues one packet carrying payload.
func (t *RemoteTrack) Push(payload []byte) {
	t.packets <- &rtp.Packet{Header: rtp.Header{SSRC: uint32(t.ssrc)}, Payload: payload}
}

// End makes ReadRTP return io.EOF.
func (t *RemoteTrack) End() {
	t.once.Do(func() { close(t.done) })
}
