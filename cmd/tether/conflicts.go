package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"
	"github.com/tether-sync/tether/internal/conflict"
	"github.com/tether-sync/tether/internal/engine"
	"github.com/tether-sync/tether/internal/state"
)

func init() {
	rootCmd.AddCommand(newConflictsCmd())
	rootCmd.AddCommand(newResolveCmd())
}

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect conflicts waiting for resolution",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recorded conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			recs, err := a.orch.ListConflicts()
			if err != nil {
				return err
			}
			printConflicts(cmd.OutOrStdout(), recs)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show both sides of a conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			id, err := matchConflict(a.orch, args[0])
			if err != nil {
				return err
			}
			rec, contents, err := a.orch.ConflictContents(id)
			if err != nil {
				return err
			}
			showConflict(cmd.OutOrStdout(), rec, contents)
			return nil
		},
	})
	return cmd
}

func newResolveCmd() *cobra.Command {
	var local, remote, noSync bool
	var file string

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a conflict by keeping one side or a merged file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var choice conflict.Resolution
			var merged []byte
			switch {
			case local && !remote && file == "":
				choice = conflict.ResolvedLocal
			case remote && !local && file == "":
				choice = conflict.ResolvedRemote
			case file != "" && !local && !remote:
				data, err := os.ReadFile(file)
				if err != nil {
					return errors.Wrap(err, "read merged file")
				}
				choice, merged = conflict.ResolvedMerged, data
			default:
				return errors.New("pass exactly one of --local, --remote or --file")
			}
			cmd.SilenceUsage = true

			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			id, err := matchConflict(a.orch, args[0])
			if err != nil {
				return err
			}
			rec, _, err := a.orch.ConflictContents(id)
			if err != nil {
				return err
			}
			if err := a.orch.ResolveConflict(cmd.Context(), id, choice, merged); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", green("resolved"), rec.Entity, choice)
			if noSync {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied on the next %s\n", cyan("tether sync"))
				return nil
			}

			mode := engine.ModeDotfiles
			if rec.Kind == state.KindManifest {
				mode = engine.ModePackages
			}
			report, err := a.orch.Run(cmd.Context(), engine.RunOptions{Mode: mode})
			printReport(cmd.OutOrStdout(), report)
			if err != nil {
				return err
			}
			return pendingConflicts(a.orch)
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().BoolVar(&local, "local", false, "keep this machine's version")
	cmd.Flags().BoolVar(&remote, "remote", false, "take the repository's version")
	cmd.Flags().StringVar(&file, "file", "", "use the contents of a hand-merged file")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "record the choice without running a sync")

	return cmd
}

// matchConflict expands a unique id prefix, as printed by `conflicts list`.
func matchConflict(orch *engine.Orchestrator, prefix string) (string, error) {
	recs, err := orch.ListConflicts()
	if err != nil {
		return "", err
	}
	var found []string
	for _, rec := range recs {
		if rec.ID == prefix {
			return rec.ID, nil
		}
		if strings.HasPrefix(rec.ID, prefix) {
			found = append(found, rec.ID)
		}
	}
	switch len(found) {
	case 0:
		return "", errors.WithHint(errors.Wrapf(conflict.ErrConflictNotFound, "%q", prefix), "see `tether conflicts list`")
	case 1:
		return found[0], nil
	}
	return "", errors.Newf("conflict id %q is ambiguous, %d matches", prefix, len(found))
}

func showConflict(w io.Writer, rec conflict.Record, c conflict.Contents) {
	fmt.Fprintf(w, "%s %s\n", grayStyle.Render("ID      "), rec.ID)
	fmt.Fprintf(w, "%s %s (%s)\n", grayStyle.Render("Entity  "), cyan(rec.Entity), rec.Kind)
	fmt.Fprintf(w, "%s %s\n", grayStyle.Render("Outcome "), rec.Outcome)
	fmt.Fprintf(w, "%s %s\n", grayStyle.Render("State   "), rec.State)
	fmt.Fprintf(w, "%s %s\n", grayStyle.Render("Local   "), describeSide(rec.Local))
	fmt.Fprintf(w, "%s %s\n", grayStyle.Render("Remote  "), describeSide(rec.Remote))

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(c.Local)),
		B:        difflib.SplitLines(string(c.Remote)),
		FromFile: "local",
		ToFile:   "remote",
		Context:  3,
	})
	if err != nil || diff == "" {
		return
	}
	fmt.Fprintln(w)
	for _, line := range difflib.SplitLines(diff) {
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "+"):
			line = greenStyle.Render(line)
		case strings.HasPrefix(line, "-"):
			line = redStyle.Render(line)
		case strings.HasPrefix(line, "@@"):
			line = cyanStyle.Render(line)
		}
		fmt.Fprintln(w, line)
	}
}

func describeSide(s conflict.Side) string {
	if s.Fingerprint == "" {
		return redStyle.Render("deleted")
	}
	out := shortID(s.Fingerprint)
	if s.Machine != "" {
		out += " from " + s.Machine
	}
	if !s.ModifiedAt.IsZero() {
		out += ", modified " + ago(s.ModifiedAt)
	}
	return out
}
