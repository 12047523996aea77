package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newMachinesCmd())
}

func newMachinesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "machines",
		Short: "List machines syncing through the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			machines, err := a.orch.Machines(cmd.Context())
			if err != nil {
				return err
			}
			if len(machines) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No machines have synced yet")
				return nil
			}
			sort.Slice(machines, func(i, j int) bool { return machines[i].LastSync.After(machines[j].LastSync) })

			t := newTable("ID", "Name", "Host", "OS", "Protocol", "Dotfiles", "Packages", "Last sync")
			for _, m := range machines {
				id := m.ID
				if id == a.orch.MachineID() {
					id = greenStyle.Render(id + " *")
				}
				pkgs := 0
				for _, names := range m.Packages {
					pkgs += len(names)
				}
				t.Row(id, m.Name, m.Hostname, m.OS, m.Protocol,
					strconv.Itoa(len(m.Dotfiles)), strconv.Itoa(pkgs), ago(m.LastSync))
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
}
