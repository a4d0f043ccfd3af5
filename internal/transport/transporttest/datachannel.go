package transporttest

import (
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
)

// DataChannel is a fake data channel. Two channels joined with Pair deliver
// each other's sends.
type DataChannel struct {
	label string

	mu        sync.Mutex
	open      bool
	closed    bool
	sent      [][]byte
	peer      *DataChannel
	buffered  uint64
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
	onLow     func()
}

func NewDataChannel(label string) *DataChannel {
	return &DataChannel{label: label}
}

// Pair links a and b so that a send on one is delivered to the other.
func Pair(a, b *DataChannel) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (d *DataChannel) Label() string { return d.label }

func (d *DataChannel) OnOpen(fn func()) {
	d.mu.Lock()
	d.onOpen = fn
	d.mu.Unlock()
}

func (d *DataChannel) OnClose(fn func()) {
	d.mu.Lock()
	d.onClose = fn
	d.mu.Unlock()
}

func (d *DataChannel) OnMessage(fn func(webrtc.DataChannelMessage)) {
	d.mu.Lock()
	d.onMessage = fn
	d.mu.Unlock()
}

func (d *DataChannel) Send(data []byte) error {
	d.mu.Lock()
	if d.closed || !d.open {
		d.mu.Unlock()
		return io.ErrClosedPipe
	}
	d.sent = append(d.sent, append([]byte(nil), data...))
	peer := d.peer
	d.mu.Unlock()

	if peer != nil {
		peer.Deliver(data)
	}
	return nil
}

func (d *DataChannel) BufferedAmount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}

func (d *DataChannel) SetBufferedAmountLowThreshold(th uint64) {}

func (d *DataChannel) OnBufferedAmountLow(fn func()) {
	d.mu.Lock()
	d.onLow = fn
	d.mu.Unlock()
}

func (d *DataChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	return nil
}

func (d *DataChannel) closeLocked() {
	if d.closed {
		return
	}
	d.closed = true
	if fn := d.onClose; fn != nil {
		go fn()
	}
}

// Open fires the open callback.
func (d *DataChannel) Open() {
	d.mu.Lock()
	d.open = true
	fn := d.onOpen
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Deliver fires the message callback with a binary message.
func (d *DataChannel) Deliver(data []byte) {
	d.mu.Lock()
	fn := d.onMessage
	d.mu.Unlock()
	if fn != nil {
		fn(webrtc.DataChannelMessage{Data: append([]byte(nil), data...)})
	}
}

// SetBuffered pretends n bytes wait in the send buffer.
func (d *DataChannel) SetBuffered(n uint64) {
	d.mu.Lock()
	d.buffered = n
	d.mu.Unlock()
}

// Drain empties the send buffer and fires the buffered-amount-low callback.
func (d *DataChannel) Drain() {
	d.mu.Lock()
	d.buffered = 0
	fn := d.onLow
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Sent returns every payload sent so far.
func (d *DataChannel) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

func (d *DataChannel) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
