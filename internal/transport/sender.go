package transport

import (
	"context"

	"github.com/1ureka/peercall/internal/protocol"
	"github.com/1ureka/peercall/internal/util"
)

const (
	// congestedAt is the buffered byte count above which the writer skips
	// pings and holds chat until the buffer drains to half of it.
	congestedAt   = 64 * 1024
	writerBacklog = 32
)

// writer owns every Send on one DataChannel. The side channel is best
// effort: packets are refused when the backlog is full, and pings queued
// behind a congested buffer are skipped since their RTT would be stale.
type writer struct {
	dc      DataChannel
	backlog chan *protocol.Packet
	drained chan struct{}
}

func newWriter(ctx context.Context, dc DataChannel, open <-chan struct{}) *writer {
	w := &writer{
		dc:      dc,
		backlog: make(chan *protocol.Packet, writerBacklog),
		drained: make(chan struct{}, 1),
	}
	dc.SetBufferedAmountLowThreshold(congestedAt / 2)
	dc.OnBufferedAmountLow(func() {
		select {
		case w.drained <- struct{}{}:
		default:
		}
	})
	go w.run(ctx, open)
	return w
}

// enqueue reports whether pkt was accepted for sending.
func (w *writer) enqueue(ctx context.Context, pkt *protocol.Packet) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case w.backlog <- pkt:
		return true
	default:
		util.LogDebug("side channel backlog full, dropping packet %d", pkt.SeqNum)
		return false
	}
}

func (w *writer) run(ctx context.Context, open <-chan struct{}) {
	select {
	case <-open:
	case <-ctx.Done():
		return
	}

	for {
		var pkt *protocol.Packet
		select {
		case pkt = <-w.backlog:
		case <-ctx.Done():
			return
		}

		if w.dc.BufferedAmount() > congestedAt {
			if pkt.Type == protocol.TypePing {
				continue
			}
			select {
			case <-w.drained:
			case <-ctx.Done():
				return
			}
		}

		// A failed send loses this packet only; a closed channel cancels ctx.
		if err := w.dc.Send(protocol.Encode(pkt)); err != nil {
			util.LogDebug("side channel: packet %d not sent: %v", pkt.SeqNum, err)
		}
	}
}
