package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tether-sync/tether/internal/lock"
)

func init() {
	rootCmd.AddCommand(newLockCmd())
}

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or clear the sync lock",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show who holds the sync lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ws, err := loadWorkspace(cmd)
			if err != nil {
				return err
			}
			rec, alive, err := lock.New(ws.LockPath).Status()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rec == nil {
				fmt.Fprintln(out, "Not locked")
				return nil
			}
			holder := green("running")
			if !alive {
				holder = red("stale")
			}
			fmt.Fprintf(out, "%s %s\n", grayStyle.Render("Holder   "), holder)
			fmt.Fprintf(out, "%s %d on %s\n", grayStyle.Render("Process  "), rec.PID, rec.Hostname)
			fmt.Fprintf(out, "%s %s\n", grayStyle.Render("Purpose  "), rec.Purpose)
			fmt.Fprintf(out, "%s %s (%s)\n", grayStyle.Render("Acquired "), rec.AcquiredAt.Format(time.RFC3339), ago(rec.AcquiredAt))
			return nil
		},
	})

	var force bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove a stale sync lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ws, err := loadWorkspace(cmd)
			if err != nil {
				return err
			}
			if err := lock.New(ws.LockPath).Clear(cmd.Context(), force); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Lock cleared")
			return nil
		},
	}
	clearCmd.Flags().BoolVarP(&force, "force", "f", false, "clear even if the holder is still running")
	cmd.AddCommand(clearCmd)

	return cmd
}
