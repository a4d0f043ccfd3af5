package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

// VideoSender swaps the track carried by the outgoing video sender of a live
// connection without renegotiating.
type VideoSender interface {
	ReplaceVideoTrack(track webrtc.TrackLocal) error
}

// State is the local media state reported to the peer and the application.
type State struct {
	Audio         bool
	Video         bool
	ScreenSharing bool
}

// Controller owns the local and screen streams of a call.
type Controller struct {
	devices Devices
	notify  func(audio, video bool)

	mu     sync.Mutex
	local  *Stream
	screen *Stream
	sender VideoSender
}

// NewController creates a controller capturing screens from devices. notify
// is called once per toggle with the resulting flags, in toggle order.
func NewController(devices Devices, notify func(audio, video bool)) *Controller {
	return &Controller{devices: devices, notify: notify}
}

// Attach installs the local stream and the connection's video sender,
// replacing (and stopping) whatever was attached before.
func (c *Controller) Attach(local *Stream, sender VideoSender) {
	c.mu.Lock()
	prevLocal, prevScreen := c.local, c.screen
	c.local, c.screen, c.sender = local, nil, sender
	c.mu.Unlock()

	if prevScreen != nil {
		prevScreen.Stop()
	}
	if prevLocal != nil && prevLocal != local {
		prevLocal.Stop()
	}
}

// Local returns the attached local stream, or nil.
func (c *Controller) Local() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// State returns the current flags. Without a local stream everything is off.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	s := State{ScreenSharing: c.screen != nil}
	if t := c.local.AudioTrack(); t != nil {
		s.Audio = t.Enabled()
	}
	if t := c.local.VideoTrack(); t != nil {
		s.Video = t.Enabled()
	}
	return s
}

// ToggleMute flips the audio track's enabled flag. No-op without a stream.
func (c *Controller) ToggleMute() {
	c.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleCamera flips the camera track's enabled flag. No-op without a stream.
func (c *Controller) ToggleCamera() {
	c.toggle(webrtc.RTPCodecTypeVideo)
}

func (c *Controller) toggle(kind webrtc.RTPCodecType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return
	}
	if t := c.local.first(kind); t != nil {
		t.SetEnabled(!t.Enabled())
	}
	s := c.stateLocked()
	util.LogDebug("local media: audio=%v video=%v", s.Audio, s.Video)
	if c.notify != nil {
		c.notify(s.Audio, s.Video)
	}
}

// StartScreenShare captures the screen and puts its first video track on the
// outgoing video sender in place of the camera. No-op when already sharing
// or without a local stream.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if c.local == nil || c.screen != nil {
		c.mu.Unlock()
		return nil
	}
	sender := c.sender
	c.mu.Unlock()

	if sender == nil {
		return errors.New("screen share needs an active connection")
	}

	screen, err := c.devices.GetDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("could not capture screen: %w", err)
	}
	track := screen.VideoTrack()
	if track == nil {
		screen.Stop()
		return ErrNoScreen
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// endCall or a second share may have raced the capture.
	if c.local == nil || c.screen != nil || c.sender != sender {
		screen.Stop()
		return nil
	}
	if err := sender.ReplaceVideoTrack(track); err != nil {
		screen.Stop()
		return fmt.Errorf("could not switch to screen: %w", err)
	}
	c.screen = screen
	util.LogInfo("screen sharing started")
	return nil
}

// StopScreenShare restores the camera track (or no track, if there was no
// camera) on the outgoing video sender and releases the screen stream.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.screen == nil {
		return nil
	}

	var camera webrtc.TrackLocal
	if t := c.local.VideoTrack(); t != nil {
		camera = t
	}
	var err error
	if c.sender != nil {
		if rerr := c.sender.ReplaceVideoTrack(camera); rerr != nil {
			err = fmt.Errorf("could not restore camera: %w", rerr)
		}
	}
	c.screen.Stop()
	c.screen = nil
	util.LogInfo("screen sharing stopped")
	return err
}

// Release stops the local stream, then the screen stream, and detaches the
// sender. Safe to call repeatedly.
func (c *Controller) Release() {
	c.mu.Lock()
	local, screen := c.local, c.screen
	c.local, c.screen, c.sender = nil, nil, nil
	c.mu.Unlock()

	local.Stop()
	screen.Stop()
}
