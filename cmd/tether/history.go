package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newHistoryCmd())
}

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.history == nil {
				return errors.New("sync history is unavailable, see the log for details")
			}

			entries, err := a.history.Latest(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sync cycles recorded")
				return nil
			}
			t := newTable("#", "Started", "Mode", "Took", "Applied", "Conflicts", "Failures", "Result")
			for _, e := range entries {
				mode := e.Mode
				if e.DryRun {
					mode += " (dry)"
				}
				result := greenStyle.Render("ok")
				if e.Error != "" {
					result = redStyle.Render(e.Error)
				}
				t.Row(strconv.FormatInt(e.ID, 10), ago(e.StartedAt), mode, e.Duration().Round(10*time.Millisecond).String(),
					strconv.Itoa(e.Applied), strconv.Itoa(e.Conflicts), strconv.Itoa(e.Failures), result)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of cycles to show")

	return cmd
}
