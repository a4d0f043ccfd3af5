package signaling

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Relay = (*MemoryRelay)(nil)

// MemoryHub is an in-process relay with the same room semantics as Server:
// at most two participants per session, peer-joined sent to both sides when
// the second participant arrives, peer-left sent to the one that remains.
type MemoryHub struct {
	mu    sync.Mutex
	rooms map[string][]*MemoryRelay
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{rooms: make(map[string][]*MemoryRelay)}
}

// MemoryRelay is one participant's endpoint on a MemoryHub.
type MemoryRelay struct {
	hub     *MemoryHub
	session string
	self    Participant
	inbox   *mailbox

	closeOnce sync.Once
}

// Join adds self to the session and returns its endpoint.
func (h *MemoryHub) Join(sessionID string, self Participant) (*MemoryRelay, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[sessionID]
	if len(members) >= 2 {
		return nil, ErrSessionFull
	}

	r := &MemoryRelay{hub: h, session: sessionID, self: self, inbox: newMailbox()}
	for _, other := range members {
		other.inbox.put(joinedBy(sessionID, self))
		r.inbox.put(joinedBy(sessionID, other.self))
	}
	h.rooms[sessionID] = append(members, r)
	return r, nil
}

// Participants returns the ids currently joined to the session.
func (h *MemoryHub) Participants(sessionID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for _, r := range h.rooms[sessionID] {
		ids = append(ids, r.self.ID)
	}
	return ids
}

// Send delivers msg to the other participant. With nobody else in the
// session the message is dropped, as a real relay would.
func (r *MemoryRelay) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()

	members := r.hub.rooms[r.session]
	joined := false
	for _, m := range members {
		if m == r {
			joined = true
		}
	}
	if !joined {
		return ErrClosed
	}
	for _, m := range members {
		if m != r {
			m.inbox.put(msg)
		}
	}
	return nil
}

// Receive implements Relay.
func (r *MemoryRelay) Receive() <-chan Message {
	return r.inbox.out
}

// Close leaves the session and notifies the remaining participant.
func (r *MemoryRelay) Close() error {
	r.closeOnce.Do(func() {
		r.hub.mu.Lock()
		members := r.hub.rooms[r.session]
		remaining := members[:0]
		for _, m := range members {
			if m != r {
				remaining = append(remaining, m)
			}
		}
		if len(remaining) == 0 {
			delete(r.hub.rooms, r.session)
		} else {
			r.hub.rooms[r.session] = remaining
		}
		for _, m := range remaining {
			m.inbox.put(PeerLeft{SessionID: r.session, PeerID: r.self.ID})
		}
		r.hub.mu.Unlock()

		r.inbox.close()
	})
	return nil
}
