package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	// Opus TOC for a 20ms CELT frame followed by silence.
	opusSilence = []byte{0xf8, 0xff, 0xfe}

	// A VP8 keyframe header with an empty 16x16 frame.
	vp8Frame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00, 0x00, 0x00}
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 100 * time.Millisecond
)

// SampleTrack is a generated track backed by a TrackLocalStaticSample. It
// writes a fixed frame at a steady cadence while enabled.
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	frame   []byte
	every   time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewSampleTrack creates and starts a generated audio (Opus) or video (VP8)
// track.
func NewSampleTrack(kind webrtc.RTPCodecType, id, streamID string) (*SampleTrack, error) {
	var (
		capability webrtc.RTPCodecCapability
		frame      []byte
		every      time.Duration
	)
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		frame, every = opusSilence, audioFrame
	case webrtc.RTPCodecTypeVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		frame, every = vp8Frame, videoFrame
	default:
		return nil, fmt.Errorf("unsupported track kind %s", kind)
	}

	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	t := &SampleTrack{
		TrackLocalStaticSample: local,
		frame:                  frame,
		every:                  every,
		stop:                   make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func (t *SampleTrack) pump() {
	ticker := time.NewTicker(t.every)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.enabled.Load() {
				continue
			}
			// Unbound tracks drop samples, nothing to handle here.
			_ = t.WriteSample(pmedia.Sample{Data: t.frame, Duration: t.every})
		}
	}
}

func (t *SampleTrack) Enabled() bool           { return t.enabled.Load() }
func (t *SampleTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Stop halts sample generation. Safe to call multiple times.
func (t *SampleTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Stopped reports whether Stop was called.
func (t *SampleTrack) Stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// SyntheticDevices is a capture backend generating silence and blank frames.
// Each device can be switched off to simulate missing or busy hardware.
type SyntheticDevices struct {
	mu         sync.Mutex
	camera     bool
	microphone bool
	screen     bool
	requests   []Constraints
}

// NewSyntheticDevices returns a backend with camera, microphone and screen
// available.
func NewSyntheticDevices() *SyntheticDevices {
	return &SyntheticDevices{camera: true, microphone: true, screen: true}
}

func (d *SyntheticDevices) SetCamera(available bool) {
	d.mu.Lock()
	d.camera = available
	d.mu.Unlock()
}

func (d *SyntheticDevices) SetMicrophone(available bool) {
	d.mu.Lock()
	d.microphone = available
	d.mu.Unlock()
}

func (d *SyntheticDevices) SetScreen(available bool) {
	d.mu.Lock()
	d.screen = available
	d.mu.Unlock()
}

// Requests returns the user-media constraints requested so far, in order.
func (d *SyntheticDevices) Requests() []Constraints {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Constraints(nil), d.requests...)
}

// GetUserMedia implements Devices.
func (d *SyntheticDevices) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.requests = append(d.requests, c)
	camera, microphone := d.camera, d.microphone
	d.mu.Unlock()

	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: nothing requested", ErrNoDevices)
	}
	if c.Audio && !microphone {
		return nil, fmt.Errorf("%w: microphone", ErrNoDevices)
	}
	if c.Video && !camera {
		return nil, fmt.Errorf("%w: camera", ErrNoDevices)
	}

	streamID := "peercall-" + uuid.NewString()
	var tracks []Track
	if c.Audio {
		t, err := NewSampleTrack(webrtc.RTPCodecTypeAudio, "audio", streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := NewSampleTrack(webrtc.RTPCodecTypeVideo, "video", streamID)
		if err != nil {
			NewStream(streamID, tracks...).Stop()
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return NewStream(streamID, tracks...), nil
}

// GetDisplayMedia implements Devices.
func (d *SyntheticDevices) GetDisplayMedia(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	screen := d.screen
	d.mu.Unlock()
	if !screen {
		return nil, ErrNoScreen
	}

	streamID := "peercall-screen-" + uuid.NewString()
	t, err := NewSampleTrack(webrtc.RTPCodecTypeVideo, "screen", streamID)
	if err != nil {
		return nil, err
	}
	return NewStream(streamID, t), nil
}
