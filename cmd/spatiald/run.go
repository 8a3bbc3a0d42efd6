package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/banshee-data/spatial.session/internal/config"
	"github.com/banshee-data/spatial.session/internal/timeutil"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		listen     string
		configPath string
		hubURL     string
		originID   string
		seed       int64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a session against the synthetic sensor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := *a.env
			flags := cmd.Flags()
			if flags.Changed("listen") {
				env.Listen = listen
			}
			if flags.Changed("config") {
				env.ConfigPath = configPath
			}
			if flags.Changed("hub") {
				env.HubURL = hubURL
			}
			if flags.Changed("origin") {
				env.OriginID = originID
			}
			if flags.Changed("seed") {
				env.Seed = seed
			}

			tuning, err := config.LoadTuningConfig(env.ConfigPath)
			if err != nil {
				return fmt.Errorf("tuning: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(ctx, &env, tuning, timeutil.RealClock{}, a.logger)
			if err != nil {
				return err
			}
			defer d.Close()
			return d.run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&listen, "listen", a.env.Listen, "HTTP listen address for /status, /save, /metrics and /collab")
	f.StringVar(&configPath, "config", a.env.ConfigPath, "session tuning file (.json)")
	f.StringVar(&hubURL, "hub", "", "websocket URL of a peer's /collab endpoint")
	f.StringVar(&originID, "origin", "", "origin id announced to peers (default: random)")
	f.Int64Var(&seed, "seed", a.env.Seed, "synthetic sensor seed")
	return cmd
}
