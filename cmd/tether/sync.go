package main

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/tether-sync/tether/internal/conflict"
	"github.com/tether-sync/tether/internal/engine"
)

var errPendingConflicts = errors.New("unresolved conflicts")

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func newSyncCmd() *cobra.Command {
	var mode string
	var dryRun, allowSecrets, asJSON bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := engine.ParseMode(mode)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, runErr := a.orch.Run(cmd.Context(), engine.RunOptions{
				Mode:         m,
				DryRun:       dryRun,
				AllowSecrets: allowSecrets,
			})
			if asJSON {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
			} else {
				printReport(cmd.OutOrStdout(), report)
			}
			if runErr != nil {
				return runErr
			}
			return pendingConflicts(a.orch)
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVarP(&mode, "mode", "m", string(engine.ModeFull), "full, dotfiles-only or packages-only")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "show what would change without writing anything")
	cmd.Flags().BoolVar(&allowSecrets, "allow-secrets", false, "push plaintext files even when secrets are detected")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the cycle report as JSON")

	return cmd
}

// pendingConflicts fails when conflicts are waiting for the operator.
func pendingConflicts(orch *engine.Orchestrator) error {
	recs, err := orch.ListConflicts()
	if err != nil {
		return err
	}
	n := 0
	for _, rec := range recs {
		if rec.State == conflict.Pending {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	err = errors.Newf("%d unresolved conflicts", n)
	err = errors.Mark(errors.Mark(err, errPendingConflicts), engine.ErrConflict)
	return errors.WithHint(err, "see `tether conflicts list`, then `tether resolve <id> --local|--remote|--file <path>`")
}
