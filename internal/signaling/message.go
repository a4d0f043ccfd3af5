// Package signaling carries offer/answer/candidate/presence messages between
// the two participants of a call session over an external relay.
package signaling

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type identifies the kind of signaling message on the wire.
type Type string

const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeMediaState   Type = "media-state"
	TypePeerJoined   Type = "peer-joined"
	TypePeerLeft     Type = "peer-left"
)

var (
	ErrUnknownType = errors.New("unknown signaling message type")
	ErrClosed      = errors.New("signaling relay closed")
	ErrSessionFull = errors.New("session already has two participants")
)

// Message is one of Offer, Answer, ICECandidate, MediaState, PeerJoined or
// PeerLeft. The set is closed: only types in this package implement it, so a
// type switch over those six covers every message.
type Message interface {
	Type() Type
	Session() string
	isMessage()
}

// Offer is sent by the initiator to open or restart negotiation. Every offer
// carries a fresh NegotiationID.
type Offer struct {
	SessionID     string
	NegotiationID string
	SDP           webrtc.SessionDescription
}

// Answer is the responder's reply to an Offer; NegotiationID echoes the
// offer's so the initiator can drop answers to offers it replaced.
type Answer struct {
	SessionID     string
	NegotiationID string
	SDP           webrtc.SessionDescription
}

// ICECandidate is a trickled local candidate from either side.
type ICECandidate struct {
	SessionID string
	Candidate webrtc.ICECandidateInit
}

// MediaState broadcasts the sender's audio/video enabled flags.
type MediaState struct {
	SessionID string
	Audio     bool
	Video     bool
}

// PeerJoined is emitted by the relay to each participant, describing the
// other one.
type PeerJoined struct {
	SessionID   string
	PeerID      string
	PeerName    string
	IsTherapist bool
}

// PeerLeft is emitted by the relay to the remaining participant.
type PeerLeft struct {
	SessionID string
	PeerID    string
}

func (Offer) Type() Type        { return TypeOffer }
func (Answer) Type() Type       { return TypeAnswer }
func (ICECandidate) Type() Type { return TypeICECandidate }
func (MediaState) Type() Type   { return TypeMediaState }
func (PeerJoined) Type() Type   { return TypePeerJoined }
func (PeerLeft) Type() Type     { return TypePeerLeft }

func (m Offer) Session() string        { return m.SessionID }
func (m Answer) Session() string       { return m.SessionID }
func (m ICECandidate) Session() string { return m.SessionID }
func (m MediaState) Session() string   { return m.SessionID }
func (m PeerJoined) Session() string   { return m.SessionID }
func (m PeerLeft) Session() string     { return m.SessionID }

func (Offer) isMessage()        {}
func (Answer) isMessage()       {}
func (ICECandidate) isMessage() {}
func (MediaState) isMessage()   {}
func (PeerJoined) isMessage()   {}
func (PeerLeft) isMessage()     {}

// Envelope is the flat wire form of a Message: sessionId plus the
// type-specific payload fields. From is stamped by relays with the sender's
// participant id and is never set by callers.
type Envelope struct {
	Type          Type                       `json:"type"`
	SessionID     string                     `json:"sessionId"`
	From          string                     `json:"from,omitempty"`
	NegotiationID string                     `json:"negotiationId,omitempty"`
	Offer         *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer        *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate     *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Audio         *bool                      `json:"audio,omitempty"`
	Video         *bool                      `json:"video,omitempty"`
	PeerID        string                     `json:"peerId,omitempty"`
	PeerName      string                     `json:"peerName,omitempty"`
	IsTherapist   bool                       `json:"isTherapist,omitempty"`
}

// Wrap converts a Message into its Envelope.
func Wrap(msg Message) Envelope {
	env := Envelope{Type: msg.Type(), SessionID: msg.Session()}
	switch m := msg.(type) {
	case Offer:
		sdp := m.SDP
		env.Offer, env.NegotiationID = &sdp, m.NegotiationID
	case Answer:
		sdp := m.SDP
		env.Answer, env.NegotiationID = &sdp, m.NegotiationID
	case ICECandidate:
		c := m.Candidate
		env.Candidate = &c
	case MediaState:
		audio, video := m.Audio, m.Video
		env.Audio, env.Video = &audio, &video
	case PeerJoined:
		env.PeerID, env.PeerName, env.IsTherapist = m.PeerID, m.PeerName, m.IsTherapist
	case PeerLeft:
		env.PeerID = m.PeerID
	}
	return env
}

// Message validates the envelope and converts it back into a Message.
func (e Envelope) Message() (Message, error) {
	if e.SessionID == "" {
		return nil, fmt.Errorf("%s message without sessionId", e.Type)
	}
	switch e.Type {
	case TypeOffer:
		if e.Offer == nil {
			return nil, fmt.Errorf("offer message without offer payload")
		}
		return Offer{SessionID: e.SessionID, NegotiationID: e.NegotiationID, SDP: *e.Offer}, nil
	case TypeAnswer:
		if e.Answer == nil {
			return nil, fmt.Errorf("answer message without answer payload")
		}
		return Answer{SessionID: e.SessionID, NegotiationID: e.NegotiationID, SDP: *e.Answer}, nil
	case TypeICECandidate:
		if e.Candidate == nil {
			return nil, fmt.Errorf("ice-candidate message without candidate payload")
		}
		return ICECandidate{SessionID: e.SessionID, Candidate: *e.Candidate}, nil
	case TypeMediaState:
		if e.Audio == nil || e.Video == nil {
			return nil, fmt.Errorf("media-state message without audio/video flags")
		}
		return MediaState{SessionID: e.SessionID, Audio: *e.Audio, Video: *e.Video}, nil
	case TypePeerJoined:
		if e.PeerID == "" {
			return nil, fmt.Errorf("peer-joined message without peerId")
		}
		return PeerJoined{SessionID: e.SessionID, PeerID: e.PeerID, PeerName: e.PeerName, IsTherapist: e.IsTherapist}, nil
	case TypePeerLeft:
		if e.PeerID == "" {
			return nil, fmt.Errorf("peer-left message without peerId")
		}
		return PeerLeft{SessionID: e.SessionID, PeerID: e.PeerID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

// Participant identifies one side of a session on the relay.
type Participant struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsTherapist bool   `json:"isTherapist"`
}

// joinedBy builds the peer-joined notification that describes p.
func joinedBy(sessionID string, p Participant) PeerJoined {
	return PeerJoined{SessionID: sessionID, PeerID: p.ID, PeerName: p.Name, IsTherapist: p.IsTherapist}
}
