package transport

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/util"
	"github.com/pion/webrtc/v4"
)

// PingInterval is how often an open side channel measures round-trip time.
var PingInterval = 2 * time.Second

// Channel is the call's data side channel: in-call text messages and
// ping/pong round-trip measurement over one ordered DataChannel.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time.
type Channel struct {
	dc     DataChannel
	out    *writer
	seq    protocol.SeqGen

	openSignal chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc

	mu     sync.RWMutex
	rtt    time.Duration
	onChat func(text string)
	onRTT  func(rtt time.Duration)
}

func newChannel(ctx context.Context, dc DataChannel) *Channel {
	cCtx, cCancel := context.WithCancel(ctx)
	c := &Channel{
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        cCtx,
		cancel:     cCancel,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() {
			util.LogDebug("DataChannel %s open", dc.Label())
			close(c.openSignal)
			go c.pinger()
		})
	})
	dc.OnClose(func() {
		util.LogDebug("DataChannel %s closed", dc.Label())
		cCancel()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		pkt, err := protocol.Decode(msg.Data)
		if err != nil {
			util.LogWarning("side channel: %v", err)
			return
		}
		c.handle(pkt)
	})

	c.out = newWriter(cCtx, dc, c.openSignal)
	return c
}

// Label returns the DataChannel label.
func (c *Channel) Label() string { return c.dc.Label() }

// Ready is closed once the channel is open.
func (c *Channel) Ready() <-chan struct{} { return c.openSignal }

// Done is closed once the channel is shut down.
func (c *Channel) Done() <-chan struct{} { return c.ctx.Done() }

// OnChat registers the callback for inbound text messages.
func (c *Channel) OnChat(fn func(text string)) {
	c.mu.Lock()
	c.onChat = fn
	c.mu.Unlock()
}

// OnRTT registers the callback for each round-trip measurement.
func (c *Channel) OnRTT(fn func(rtt time.Duration)) {
	c.mu.Lock()
	c.onRTT = fn
	c.mu.Unlock()
}

// RTT returns the last measured round-trip time, zero before the first pong.
func (c *Channel) RTT() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rtt
}

// SendChat enqueues a text message. Returns false if it could not be queued.
func (c *Channel) SendChat(text string) bool {
	return c.out.enqueue(c.ctx, &protocol.Packet{
		Type:    protocol.TypeChat,
		SeqNum:  c.seq.Next(),
		SentAt:  time.Now().UnixNano(),
		Payload: []byte(text),
	})
}

// Ping enqueues one round-trip measurement.
func (c *Channel) Ping() bool {
	return c.out.enqueue(c.ctx, &protocol.Packet{
		Type:   protocol.TypePing,
		SeqNum: c.seq.Next(),
		SentAt: time.Now().UnixNano(),
	})
}

// Close shuts the DataChannel down.
func (c *Channel) Close() error {
	c.cancel()
	return c.dc.Close()
}

func (c *Channel) pinger() {
	c.Ping()
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Ping()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Channel) handle(pkt *protocol.Packet) {
	switch pkt.Type {
	case protocol.TypePing:
		// Echo the sender's timestamp so it measures on its own clock.
		c.out.enqueue(c.ctx, &protocol.Packet{Type: protocol.TypePong, SeqNum: pkt.SeqNum, SentAt: pkt.SentAt})
	case protocol.TypePong:
		rtt := time.Since(time.Unix(0, pkt.SentAt))
		c.mu.Lock()
		c.rtt = rtt
		fn := c.onRTT
		c.mu.Unlock()
		if fn != nil {
			fn(rtt)
		}
	case protocol.TypeChat:
		c.mu.RLock()
		fn := c.onChat
		c.mu.RUnlock()
		if fn != nil {
			fn(string(pkt.Payload))
		}
	}
}
