package transport

import (
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// MediaSection summarises one m-line of a session description.
type MediaSection struct {
	Kind      string // audio, video or application
	Direction webrtc.RTPTransceiverDirection
}

func (m MediaSection) String() string {
	if m.Kind == "application" {
		return m.Kind
	}
	return fmt.Sprintf("%s:%s", m.Kind, m.Direction)
}

// Sections parses desc and lists its m-lines in order.
func Sections(desc webrtc.SessionDescription) ([]MediaSection, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", desc.Type, err)
	}

	sections := make([]MediaSection, 0, len(parsed.MediaDescriptions))
	for _, md := range parsed.MediaDescriptions {
		s := MediaSection{Kind: md.MediaName.Media, Direction: webrtc.RTPTransceiverDirectionSendrecv}
		for _, dir := range []webrtc.RTPTransceiverDirection{
			webrtc.RTPTransceiverDirectionSendrecv,
			webrtc.RTPTransceiverDirectionSendonly,
			webrtc.RTPTransceiverDirectionRecvonly,
			webrtc.RTPTransceiverDirectionInactive,
		} {
			if _, ok := md.Attribute(dir.String()); ok {
				s.Direction = dir
				break
			}
		}
		sections = append(sections, s)
	}
	return sections, nil
}

// Sends reports whether desc offers to send media of kind.
func Sends(desc webrtc.SessionDescription, kind webrtc.RTPCodecType) bool {
	sections, err := Sections(desc)
	if err != nil {
		return false
	}
	for _, s := range sections {
		if s.Kind == kind.String() &&
			(s.Direction == webrtc.RTPTransceiverDirectionSendrecv || s.Direction == webrtc.RTPTransceiverDirectionSendonly) {
			return true
		}
	}
	return false
}
