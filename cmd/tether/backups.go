package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newBackupsCmd())
}

func newBackupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List and restore local backups",
	}

	var verbose bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List backup snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			infos, err := a.orch.Backups()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "No backups")
				return nil
			}
			t := newTable("Snapshot", "Taken", "Files", "Size")
			for _, info := range infos {
				t.Row(info.ID, ago(info.Time), strconv.Itoa(len(info.Files)), humanize.Bytes(uint64(info.Size)))
			}
			fmt.Fprintln(out, t.Render())
			if verbose {
				for _, info := range infos {
					fmt.Fprintln(out, cyan(info.ID))
					for _, f := range info.Files {
						fmt.Fprintf(out, "  %s\n", f)
					}
				}
			}
			return nil
		},
	}
	listCmd.Flags().BoolVarP(&verbose, "files", "l", false, "list the files in each snapshot")
	cmd.AddCommand(listCmd)

	var path string
	restoreCmd := &cobra.Command{
		Use:   "restore <snapshot>",
		Short: "Copy the files of a snapshot back into the home directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			restored, err := a.orch.RestoreBackup(cmd.Context(), args[0], path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(restored) == 0 {
				fmt.Fprintln(out, "Nothing matched")
				return nil
			}
			for _, key := range restored {
				fmt.Fprintf(out, "%s %s\n", green("restored"), key)
			}
			fmt.Fprintf(out, "Run %s to push the restored files\n", cyan("tether sync"))
			return nil
		},
	}
	restoreCmd.Flags().StringVarP(&path, "path", "p", "", "only restore keys with this prefix, e.g. dotfile/.zshrc")
	cmd.AddCommand(restoreCmd)

	return cmd
}
