//go:build linux && cgo

// Package capture is the hardware capture backend: V4L2 cameras, ALSA/Pulse
// microphones and X11 screens through pion/mediadevices, encoded to VP8 and
// Opus.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/util"
)

// Compile-time interface checks.
var (
	_ media.Devices        = (*Devices)(nil)
	_ media.CodecRegistrar = (*Devices)(nil)
)

// Devices captures from local hardware.
type Devices struct {
	selector *mediadevices.CodecSelector
}

// New prepares the VP8/Opus encoders shared by every capture. The returned
// devices also implement media.CodecRegistrar.
func New() (media.Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	for _, d := range mediadevices.EnumerateDevices() {
		util.LogDebug("media device: kind=%v label=%q", d.Kind, d.Label)
	}

	return &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs registers exactly the codecs the encoders produce.
func (d *Devices) RegisterCodecs(m *webrtc.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

// GetUserMedia implements media.Devices.
func (d *Devices) GetUserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: nothing requested", media.ErrNoDevices)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras produce frames
			// the VP8 encoder rejects.
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatI444, frame.FormatRGBA}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrNoDevices, err)
	}
	return wrapStream(stream), nil
}

// GetDisplayMedia implements media.Devices.
func (d *Devices) GetDisplayMedia(ctx context.Context) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrNoScreen, err)
	}
	return wrapStream(stream), nil
}

func wrapStream(stream mediadevices.MediaStream) *media.Stream {
	var tracks []media.Track
	streamID := ""
	for _, t := range stream.GetTracks() {
		tracks = append(tracks, wrapTrack(t))
		streamID = t.StreamID()
	}
	return media.NewStream(streamID, tracks...)
}

// track gates a capture track: while disabled, the encoder is fed black
// frames or silence so the negotiated sender keeps flowing.
type track struct {
	mediadevices.Track
	enabled atomic.Bool
}

func wrapTrack(t mediadevices.Track) *track {
	w := &track{Track: t}
	w.enabled.Store(true)

	switch src := t.(type) {
	case *mediadevices.VideoTrack:
		src.Transform(w.gateVideo)
	case *mediadevices.AudioTrack:
		src.Transform(w.gateAudio)
	}
	t.OnEnded(func(err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			util.LogWarning("local %s track ended: %v", t.Kind(), err)
		}
	})
	return w
}

func (t *track) Enabled() bool           { return t.enabled.Load() }
func (t *track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *track) Stop() {
	if err := t.Close(); err != nil {
		util.LogDebug("close %s track: %v", t.Kind(), err)
	}
}

func (t *track) gateVideo(r video.Reader) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil || t.enabled.Load() {
			return img, release, err
		}
		if release != nil {
			release()
		}
		return blackFrame(img.Bounds()), func() {}, nil
	})
}

func (t *track) gateAudio(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil || t.enabled.Load() {
			return chunk, release, err
		}
		info := chunk.ChunkInfo()
		if release != nil {
			release()
		}
		return wave.NewInt16Interleaved(info), func() {}, nil
	})
}

func blackFrame(bounds image.Rectangle) image.Image {
	img := image.NewYCbCr(bounds, image.YCbCrSubsampleRatio420)
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return img
}
