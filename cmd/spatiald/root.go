package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/spatial.session/internal/config"
	"github.com/banshee-data/spatial.session/internal/monitoring"
)

// app carries what every subcommand shares once PersistentPreRunE has run.
type app struct {
	env    *config.Env
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{env: config.DefaultEnv()}

	rootCmd := &cobra.Command{
		Use:           "spatiald",
		Short:         "Spatial-tracking session daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return err
			}
			// Flags win over the environment.
			flags := cmd.Flags()
			if flags.Changed("db") {
				env.DBPath = a.env.DBPath
			}
			if flags.Changed("log-level") {
				env.LogLevel = a.env.LogLevel
			}
			if flags.Changed("log-dev") {
				env.LogDev = a.env.LogDev
			}
			if flags.Changed("session") {
				env.SessionID = a.env.SessionID
			}
			logger, err := monitoring.NewLogger(env.LogConfig())
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			monitoring.UseLogger(logger)
			a.env, a.logger = env, logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.env.DBPath, "db", a.env.DBPath, "world-map archive (sqlite)")
	pf.StringVar(&a.env.SessionID, "session", a.env.SessionID, "session id used to file saved maps")
	pf.StringVar(&a.env.LogLevel, "log-level", a.env.LogLevel, "debug, info, warn or error")
	pf.BoolVar(&a.env.LogDev, "log-dev", a.env.LogDev, "human-readable console logs")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(a),
		newInspectCmd(a),
		newMapsCmd(a),
	)
	return rootCmd
}
