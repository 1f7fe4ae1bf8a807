package main

import (
	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	dataDir    string
	logLevel   string

	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline action queue and sync engine for field service orders",
		Long: `fieldsync records technician gestures (status changes, checklist
toggles, photos, signatures, labor time) locally and replays them against
the backend once it is reachable.

Quick start:
  fieldsync serve                          # Local API, WebSocket and background sync
  fieldsync enqueue status SO-1 in_progress
  fieldsync timer start SO-1 emp-7
  fieldsync pending                        # What is still waiting to sync
  fieldsync sync SO-1                      # Drain one order now`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	cmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "override the data directory")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newPendingCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newRequeueCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newTimerCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logging.Init(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Log.Level))
	o.cfg = cfg
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("fieldsync " + version)
		},
	}
}
