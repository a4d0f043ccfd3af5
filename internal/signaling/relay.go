package signaling

import (
	"context"
	"sync"
)

// Relay is the contract the call core needs from the signaling channel:
// publish to the other participant of the session, and receive what the
// other participant (or the relay itself) sent. Delivery is at-least-once
// and ordered per sender; nothing is promised across senders.
type Relay interface {
	Send(ctx context.Context, msg Message) error
	// Receive returns the inbound message stream. It is closed once the
	// relay is closed or the underlying connection is lost.
	Receive() <-chan Message
	Close() error
}

// mailbox is an unbounded FIFO between a producer that must never block
// (relay callbacks, the hub) and a single consumer reading out.
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	closed bool

	notify chan struct{}
	done   chan struct{}
	out    chan Message
}

func newMailbox() *mailbox {
	m := &mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Message),
	}
	go m.pump()
	return m
}

// put enqueues msg. Returns false once the mailbox is closed.
func (m *mailbox) put(msg Message) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// close stops delivery; queued messages that were not yet read are dropped.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.notify:
				continue
			case <-m.done:
				return
			}
		}
		msg := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- msg:
		case <-m.done:
			return
		}
	}
}
