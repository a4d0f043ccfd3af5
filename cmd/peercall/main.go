// Command peercall is the call participant CLI.
//
// It joins a 1:1 call session through a signaling relay and drives the call
// either from an interactive menu or, with --auto, by starting the call right
// away and running until Ctrl+C.
//
// Settings come from flags, PEERCALL_* environment variables and an optional
// peercall.{yaml,json,toml} in --config-dir, in that order of precedence.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/peercall/internal/callstate"
	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/media/capture"
	"github.com/1ureka/peercall/internal/session"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/util"
)

var version = "dev"

// callFlags maps command-line flags to config keys.
var callFlags = map[string]string{
	"session":        "session",
	"name":           "name",
	"id":             "peer",
	"role":           "role",
	"therapist":      "therapist",
	"video":          "video",
	"relay":          "relay.kind",
	"relay-url":      "relay.url",
	"realm":          "relay.realm",
	"codec":          "relay.codec",
	"stun":           "ice.stun",
	"media":          "media.backend",
	"reconnect":      "reconnect.enabled",
	"log-level":      "log.level",
	"stats-interval": "stats.interval",
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configDir string
		auto      bool
		loader    *config.Loader
		cfg       *config.Config
	)

	cmd := &cobra.Command{
		Use:           "peercall",
		Short:         "Join a 1:1 WebRTC call session",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			loader = config.NewLoader("peercall", configDir)
			if err := loader.BindFlags(cmd, callFlags); err != nil {
				return err
			}
			if !auto {
				if err := loader.Fill("session", askSession); err != nil {
					return err
				}
			}
			c, err := loader.Load()
			if err != nil {
				return err
			}
			cfg = c
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), loader, cfg, auto)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configDir, "config-dir", ".", "Directory searched for peercall.yaml")
	f.BoolVar(&auto, "auto", false, "Start the call immediately instead of showing the menu")
	f.String("session", "", "Session id shared by both participants")
	f.String("name", "", "Display name")
	f.String("id", "", "Participant id (generated when empty)")
	f.String("role", "", "Negotiation role: initiator or responder")
	f.Bool("therapist", false, "Join as the therapist")
	f.Bool("video", true, "Start calls with the camera")
	f.String("relay", "", "Relay kind: ws or wamp")
	f.String("relay-url", "", "Relay (ws) or router (wamp) URL")
	f.String("realm", "", "WAMP realm")
	f.String("codec", "", "Signaling codec: json or cbor")
	f.StringSlice("stun", nil, "STUN server URLs")
	f.String("media", "", "Media backend: synthetic or devices")
	f.Bool("reconnect", false, "Restart failed calls automatically")
	f.String("log-level", "", "Log level: debug, info, warn or error")
	f.Duration("stats-interval", 0, "Log call statistics at this interval (0 disables)")
	return cmd
}

// ----- Call -----

func run(ctx context.Context, loader *config.Loader, cfg *config.Config, auto bool) error {
	if err := util.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	loader.WatchLogLevel()

	pterm.Info.Println(fmt.Sprintf("peercall v%s", version))
	pterm.Println()

	self := signaling.Participant{ID: cfg.Peer, Name: cfg.Name, IsTherapist: cfg.Therapist}
	if self.ID == "" {
		self.ID = uuid.NewString()
		if self.Name == "" {
			self.Name = "guest-" + self.ID[:8]
		}
	}

	devices, opts, err := openDevices(cfg)
	if err != nil {
		return err
	}
	newConn, err := transport.NewConnFactory(opts)
	if err != nil {
		return err
	}

	relay, err := dialRelay(ctx, cfg, self)
	if err != nil {
		return err
	}
	defer relay.Close()
	util.LogSuccess("joined session %q as %s via %s relay", cfg.Session, self.Name, cfg.Relay.Kind)

	ctrl := session.New(session.Config{
		SessionID: cfg.Session,
		Self:      self,
		Initiator: cfg.Role == config.RoleInitiator,
		Video:     cfg.Video,
		Relay:     relay,
		Devices:   devices,
		NewConn:   newConn,
	})
	defer ctrl.Close()
	ctrl.OnChat(func(text string) {
		pterm.Info.Println("peer: " + text)
	})

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := ctrl.Run(callCtx); errors.Is(err, signaling.ErrClosed) {
			util.LogError("lost the signaling relay")
			cancel()
		}
	}()
	if cfg.Reconnect.Enabled {
		go session.NewSupervisor(ctrl, reconnectPolicy(cfg.Reconnect)).Run(callCtx)
	}
	if cfg.Stats.Interval > 0 {
		util.StartStatsReporter(callCtx, cfg.Stats.Interval)
	}
	go watchCall(callCtx, ctrl)

	if auto {
		ctrl.StartCall(callCtx, cfg.Video)
		<-callCtx.Done()
		return nil
	}
	runMenu(callCtx, ctrl, cfg.Video)
	return nil
}

func openDevices(cfg *config.Config) (media.Devices, transport.Options, error) {
	opts := transport.Options{
		STUN:                cfg.ICE.STUN,
		DisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		FailedTimeout:       cfg.ICE.FailedTimeout,
		KeepAlive:           cfg.ICE.KeepAlive,
	}
	if cfg.Media.Backend != "devices" {
		return media.NewSyntheticDevices(), opts, nil
	}

	devices, err := capture.New()
	if err != nil {
		return nil, opts, err
	}
	if r, ok := devices.(media.CodecRegistrar); ok {
		opts.RegisterCodecs = r.RegisterCodecs
	}
	return devices, opts, nil
}

func dialRelay(ctx context.Context, cfg *config.Config, self signaling.Participant) (signaling.Relay, error) {
	codec, err := signaling.CodecByName(cfg.Relay.Codec)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if cfg.Relay.Kind == "wamp" {
		r, err := signaling.DialWAMP(dialCtx, cfg.Relay.URL, cfg.Relay.Realm, cfg.Session, self, codec)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	r, err := signaling.DialWS(dialCtx, cfg.Relay.URL, cfg.Session, self, codec)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func reconnectPolicy(r config.Reconnect) session.ReconnectPolicy {
	return session.ReconnectPolicy{
		ConnectTimeout: r.ConnectTimeout,
		Grace:          r.Grace,
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
	}
}

// watchCall logs the changes a user should notice.
func watchCall(ctx context.Context, ctrl *session.Controller) {
	updates, cancel := ctrl.Subscribe()
	defer cancel()

	var last session.Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-updates:
			if s.Peer != nil && (last.Peer == nil || last.Peer.ID != s.Peer.ID) {
				util.LogInfo("%s is in the session", describe(s.Peer))
			}
			if s.State != last.State && s.State == callstate.Connected {
				util.LogSuccess("call connected")
			}
			if s.Error != "" && s.Error != last.Error {
				util.LogWarning("call: %s", s.Error)
			}
			last = s
		}
	}
}

// ----- Interactive menu -----

const (
	optStart   = "Start call"
	optMute    = "Toggle microphone"
	optCamera  = "Toggle camera"
	optShare   = "Share screen"
	optUnshare = "Stop sharing screen"
	optChat    = "Send chat message"
	optStatus  = "Show status"
	optHangUp  = "Hang up"
	optQuit    = "Quit"
)

func runMenu(ctx context.Context, ctrl *session.Controller, video bool) {
	for ctx.Err() == nil {
		snap := ctrl.Snapshot()
		choice, err := pterm.DefaultInteractiveSelect.
			WithOptions(menuOptions(snap)).
			Show(fmt.Sprintf("Call is %s", snap.State))
		pterm.Println()
		if err != nil || ctx.Err() != nil {
			return
		}

		switch choice {
		case optStart:
			ctrl.StartCall(ctx, video)
		case optMute:
			ctrl.ToggleMute()
		case optCamera:
			ctrl.ToggleCamera()
		case optShare:
			if err := ctrl.StartScreenShare(ctx); err == nil {
				util.LogSuccess("sharing screen")
			}
		case optUnshare:
			if err := ctrl.StopScreenShare(ctx); err == nil {
				util.LogSuccess("camera restored")
			}
		case optChat:
			sendChat(ctrl)
		case optStatus:
			printStatus(ctrl)
		case optHangUp:
			ctrl.EndCall()
		case optQuit:
			return
		}
	}
}

func menuOptions(s session.Snapshot) []string {
	switch s.State {
	case callstate.Idle, callstate.Closed, callstate.Failed:
		return []string{optStart, optStatus, optQuit}
	}
	share := optShare
	if s.ScreenSharing {
		share = optUnshare
	}
	return []string{optMute, optCamera, share, optChat, optStatus, optHangUp, optQuit}
}

func sendChat(ctrl *session.Controller) {
	text, _ := pterm.DefaultInteractiveTextInput.Show("Message")
	pterm.Println()
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if !ctrl.SendChat(text) {
		util.LogWarning("chat is not available until the call connects")
	}
}

func printStatus(ctrl *session.Controller) {
	s := ctrl.Snapshot()
	peer := "none"
	if s.Peer != nil {
		peer = describe(s.Peer)
	}
	rtt := "n/a"
	if s.RTT > 0 {
		rtt = s.RTT.Round(time.Millisecond).String()
	}

	data := pterm.TableData{
		{"State", s.State.String()},
		{"Peer", peer},
		{"Microphone", onOff(s.AudioEnabled)},
		{"Camera", onOff(s.VideoEnabled)},
		{"Screen share", onOff(s.ScreenSharing)},
		{"Peer audio / video", onOff(s.RemoteAudio) + " / " + onOff(s.RemoteVideo)},
		{"Round trip", rtt},
		{"Buffered candidates", strconv.Itoa(ctrl.BufferedCandidates())},
	}
	if s.Error != "" {
		data = append(data, []string{"Last error", s.Error})
	}
	_ = pterm.DefaultTable.WithData(data).Render()
	pterm.Println()
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askSession prompts for a session id until a non-empty one is entered.
func askSession() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Session id").
			Show()

		if id := strings.TrimSpace(raw); id != "" {
			pterm.Println()
			return id
		}

		pterm.Println()
		util.LogWarning("session id must not be empty")
	}
}

func describe(p *signaling.Participant) string {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	if p.IsTherapist {
		return name + " (therapist)"
	}
	return name
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
