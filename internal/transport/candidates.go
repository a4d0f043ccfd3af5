package transport

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// remoteCandidates holds remote candidates that arrived before the remote
// description. Guarded by the engine mutex.
type remoteCandidates struct {
	pending []webrtc.ICECandidateInit
}

func (r *remoteCandidates) push(c webrtc.ICECandidateInit) {
	r.pending = append(r.pending, c)
}

// take returns the buffered candidates in arrival order and empties the
// buffer.
func (r *remoteCandidates) take() []webrtc.ICECandidateInit {
	out := r.pending
	r.pending = nil
	return out
}

func (r *remoteCandidates) len() int { return len(r.pending) }

// localCandidates gates gathered local candidates until the description they
// belong to has been handed to signaling, and forwards each one once.
type localCandidates struct {
	mu       sync.Mutex
	released bool
	held     []webrtc.ICECandidateInit
	seen     map[string]struct{}
	emit     func(webrtc.ICECandidateInit)
}

func newLocalCandidates(emit func(webrtc.ICECandidateInit)) *localCandidates {
	return &localCandidates{seen: make(map[string]struct{}), emit: emit}
}

// add forwards c, or holds it until release. Duplicates are dropped.
func (l *localCandidates) add(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.seen[c.Candidate]; dup {
		return
	}
	l.seen[c.Candidate] = struct{}{}
	if !l.released {
		l.held = append(l.held, c)
		return
	}
	l.emit(c)
}

// release forwards the held candidates in gathering order and lets later
// ones through directly. Subsequent calls are no-ops.
func (l *localCandidates) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	for _, c := range l.held {
		l.emit(c)
	}
	l.held = nil
}
