package session

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

// sendTimeout bounds a single relay write.
const sendTimeout = 10 * time.Second

// outbox is the single writer to the relay. Producers (engine callbacks, the
// media controller, handlers) enqueue without blocking and messages leave in
// enqueue order, which is what keeps an answer ahead of its candidates.
type outbox struct {
	relay signaling.Relay

	mu    sync.Mutex
	queue []signaling.Message
	wake  chan struct{}
	done  chan struct{}
	idle  chan struct{}
	once  sync.Once
}

func newOutbox(relay signaling.Relay) *outbox {
	o := &outbox{
		relay: relay,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		idle:  make(chan struct{}),
	}
	go o.loop()
	return o
}

func (o *outbox) push(msg signaling.Message) {
	o.mu.Lock()
	o.queue = append(o.queue, msg)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) loop() {
	defer close(o.idle)
	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		o.mu.Unlock()

		for _, msg := range batch {
			o.write(msg)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-o.wake:
		case <-o.done:
			o.mu.Lock()
			rest := o.queue
			o.queue = nil
			o.mu.Unlock()
			for _, msg := range rest {
				o.write(msg)
			}
			return
		}
	}
}

func (o *outbox) write(msg signaling.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := o.relay.Send(ctx, msg); err != nil {
		util.LogWarning("[%s] failed to send %s: %v", msg.Session(), msg.Type(), err)
		return
	}
	util.Stats.AddSignalSent()
}

// close stops the writer once everything already queued was written.
func (o *outbox) close() {
	o.once.Do(func() { close(o.done) })
	<-o.idle
}
