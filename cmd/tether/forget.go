package main

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tether-sync/tether/internal/config"
	"github.com/tether-sync/tether/internal/state"
	"github.com/tether-sync/tether/internal/utils"
)

func init() {
	rootCmd.AddCommand(newForgetCmd())
	rootCmd.AddCommand(newTrackCmd())
}

func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <path>",
		Short: "Stop syncing a file on every machine, leaving local copies alone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := homeRelative(a, args[0])
			if err != nil {
				return err
			}
			kind := state.KindDotfile
			if inTrackedDir(a.cfg, id) {
				kind = state.KindDirFile
			}
			if err := a.orch.Forget(cmd.Context(), id, kind); err != nil {
				return err
			}

			n := len(a.cfg.Dotfiles.Files)
			a.cfg.Dotfiles.Files = slices.DeleteFunc(a.cfg.Dotfiles.Files, func(f config.FileEntry) bool {
				return f.Path == id
			})
			if len(a.cfg.Dotfiles.Files) != n {
				if err := a.cfg.Save(a.ws.ConfigPath); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", yellow("forgotten"), id)
			return nil
		},
	}
}

func newTrackCmd() *cobra.Command {
	var encrypt bool

	cmd := &cobra.Command{
		Use:   "track <path>",
		Short: "Start syncing a file, or resume one that was forgotten",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := homeRelative(a, args[0])
			if err != nil {
				return err
			}
			if err := a.orch.Track(cmd.Context(), id); err != nil {
				return err
			}

			listed := slices.ContainsFunc(a.cfg.Dotfiles.Files, func(f config.FileEntry) bool { return f.Path == id })
			if !listed && !inTrackedDir(a.cfg, id) {
				a.cfg.Dotfiles.Files = append(a.cfg.Dotfiles.Files, config.FileEntry{Path: id, Encrypt: encrypt})
				if err := a.cfg.Validate(); err != nil {
					return err
				}
				if err := a.cfg.Save(a.ws.ConfigPath); err != nil {
					return err
				}
			}
			if !a.orch.LocalExists(id) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s does not exist here yet\n", yellow("note:"), id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s, applied on the next %s\n", green("tracking"), id, cyan("tether sync"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "store the file encrypted")
	return cmd
}

// homeRelative accepts "~/.zshrc", an absolute path under home or a home-relative path.
func homeRelative(a *app, arg string) (string, error) {
	switch {
	case strings.HasPrefix(arg, "~/"):
		return utils.CleanRelPath(strings.TrimPrefix(arg, "~/"))
	case filepath.IsAbs(arg) || strings.HasPrefix(arg, a.ws.Home):
		return a.ws.Rel(arg)
	}
	return utils.CleanRelPath(arg)
}

func inTrackedDir(cfg *config.Config, id string) bool {
	for _, dir := range cfg.Dotfiles.Dirs {
		if strings.HasPrefix(id, dir+"/") {
			return true
		}
	}
	return false
}
