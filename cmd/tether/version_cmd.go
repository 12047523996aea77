package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tether-sync/tether/internal/version"
)

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print tether version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s (sync protocol %s)\n", version.Detailed(), version.Protocol)
			return err
		},
	}
}
