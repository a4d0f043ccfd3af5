package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Constraints selects which kinds a user-media request captures.
type Constraints struct {
	Audio bool
	Video bool
}

// Devices is a capture backend. A request fails as a whole when any
// requested kind cannot be captured.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
	GetDisplayMedia(ctx context.Context) (*Stream, error)
}

// CodecRegistrar is implemented by backends that encode with a fixed codec
// set and must register it on the peer connection's media engine.
type CodecRegistrar interface {
	RegisterCodecs(m *webrtc.MediaEngine) error
}
