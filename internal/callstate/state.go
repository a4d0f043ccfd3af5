// Package callstate is the authoritative connection state of a call,
// derived from transport events and the explicit start/end commands.
package callstate

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// State is the call's connection state.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Reconnecting
	Failed
	Closed
)

var stateNames = [...]string{"idle", "connecting", "connected", "reconnecting", "failed", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether only a fresh start leaves s.
func (s State) Terminal() bool { return s == Failed || s == Closed }

// Event is an input to the machine.
type Event int

const (
	EventStart Event = iota
	EventEnd
	EventTransportConnected
	EventTransportDisconnected
	EventTransportFailed
	EventPeerLeft
	EventLocalError
)

var eventNames = [...]string{"start", "end", "transport-connected", "transport-disconnected", "transport-failed", "peer-left", "local-error"}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[e]
}

// FromTransport maps a peer connection state to an event. States that do not
// move the call (new, connecting, closed) report ok=false.
func FromTransport(s webrtc.PeerConnectionState) (ev Event, ok bool) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return EventTransportConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return EventTransportDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return EventTransportFailed, true
	default:
		return 0, false
	}
}

// Next is the transition function. Events that do not apply in from leave
// the state unchanged.
func Next(from State, ev Event) State {
	switch ev {
	case EventStart:
		return Connecting
	case EventEnd:
		if from == Idle {
			return Idle
		}
		return Closed
	case EventTransportFailed, EventLocalError:
		if from == Idle || from == Closed {
			return from
		}
		return Failed
	}

	switch from {
	case Connecting:
		if ev == EventTransportConnected {
			return Connected
		}
		// The peer vanished before media flowed.
		if ev == EventPeerLeft {
			return Reconnecting
		}
	case Connected:
		if ev == EventTransportDisconnected || ev == EventPeerLeft {
			return Reconnecting
		}
	case Reconnecting:
		// ICE may recover on its own.
		if ev == EventTransportConnected {
			return Connected
		}
	}
	return from
}

// Machine holds the current state and notifies observers of changes.
type Machine struct {
	mu        sync.Mutex
	state     State
	observers []func(from, to State, ev Event)
}

// NewMachine returns a machine in Idle.
func NewMachine() *Machine {
	return &Machine{}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers an observer called after every state change, in
// change order, while the machine is locked. Observers must not call Apply.
func (m *Machine) OnChange(fn func(from, to State, ev Event)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Apply feeds ev to the machine and returns the resulting state and whether
// it changed.
func (m *Machine) Apply(ev Event) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	to := Next(from, ev)
	if to == from {
		return to, false
	}
	m.state = to
	for _, fn := range m.observers {
		fn(from, to, ev)
	}
	return to, true
}
