// Command relay serves the signaling relay participants meet on: either the
// websocket relay (ws) or a WAMP router (wamp) for DialWAMP clients.
//
// Settings come from flags, PEERCALL_* environment variables and an optional
// relay.{yaml,json,toml} in --config-dir.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

var version = "dev"

var serverFlags = map[string]string{
	"listen":       "listen",
	"kind":         "kind",
	"realm":        "realm",
	"rate":         "rate",
	"burst":        "burst",
	"upgrade-rate": "upgrade_rate",
	"log-level":    "log.level",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Serve the peercall signaling relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewServerLoader("relay", configDir)
			if err := loader.BindFlags(cmd, serverFlags); err != nil {
				return err
			}
			cfg, err := loader.LoadServer()
			if err != nil {
				return err
			}
			if err := util.SetLevel(cfg.Log.Level); err != nil {
				return err
			}
			loader.WatchLogLevel()
			return serve(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configDir, "config-dir", ".", "Directory searched for relay.yaml")
	f.String("listen", "", "Listen address, e.g. :8090")
	f.String("kind", "", "Relay kind: ws or wamp")
	f.String("realm", "", "WAMP realm")
	f.Float64("rate", 0, "Signaling frames per second per connection (ws)")
	f.Int64("burst", 0, "Signaling frame burst per connection (ws)")
	f.Float64("upgrade-rate", 0, "Websocket upgrades per second across sessions (ws)")
	f.String("log-level", "", "Log level: debug, info, warn or error")
	return cmd
}

func serve(ctx context.Context, cfg *config.Server) error {
	pterm.Info.Println(fmt.Sprintf("peercall relay v%s", version))
	pterm.Println()

	switch cfg.Kind {
	case "wamp":
		r, err := signaling.NewWAMPRouter(cfg.Realm)
		if err != nil {
			return err
		}
		defer r.Close()

		port, err := r.Start(cfg.Listen)
		if err != nil {
			return err
		}
		util.LogSuccess("WAMP router for realm %q listening on port %d", cfg.Realm, port)

	default:
		srv := signaling.NewServer(signaling.ServerOptions{
			Rate:        cfg.Rate,
			Burst:       cfg.Burst,
			UpgradeRate: cfg.UpgradeRate,
		})
		defer srv.Close()

		port, err := srv.Start(cfg.Listen)
		if err != nil {
			return err
		}
		util.LogSuccess("relay listening on port %d (ws://<host>:%d/ws/<session>)", port, port)
	}

	<-ctx.Done()
	util.LogInfo("shutting down")
	return nil
}
