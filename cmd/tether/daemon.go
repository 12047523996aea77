package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/tether-sync/tether/internal/config"
	"github.com/tether-sync/tether/internal/daemon"
	"github.com/tether-sync/tether/internal/state"
	"github.com/tether-sync/tether/internal/version"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

func newDaemonCmd() *cobra.Command {
	var interval time.Duration
	var watch bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run sync cycles in the foreground on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if verbose, _ := cmd.Flags().GetBool("verbose"); !verbose {
				logLevel.Set(slog.LevelInfo)
			}

			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("interval") {
				if interval < config.MinInterval {
					interval = config.MinInterval
				}
				a.cfg.Sync.Interval = interval
			}
			if cmd.Flags().Changed("watch") {
				a.cfg.Sync.Watch = watch
			}

			var lastRun time.Time
			if st, err := state.Open(a.ws.StatePath, a.orch.MachineID()); err == nil {
				lastRun = st.LastSync()
			} else {
				slog.Warn("read state", "error", err)
			}

			slog.Info("tether daemon", "version", version.Version, "revision", version.Revision,
				"machine", a.orch.MachineID(), "interval", a.cfg.Sync.Interval, "watch", a.cfg.Sync.Watch)

			d := daemon.New(daemon.Options{
				Runner:    a.orch,
				Workspace: a.ws,
				Config:    a.cfg,
				LastRun:   lastRun,
			})
			defer slog.Info("Bye!")
			if err := d.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", config.DefaultInterval, "time between cycles")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "also sync shortly after tracked files change")

	return cmd
}
