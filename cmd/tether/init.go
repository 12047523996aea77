package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/tether-sync/tether/internal/config"
	"github.com/tether-sync/tether/internal/utils"
)

// dotfiles tracked by init when they exist
var commonDotfiles = []string{
	".bashrc",
	".bash_profile",
	".profile",
	".zshrc",
	".zprofile",
	".gitconfig",
	".vimrc",
	".tmux.conf",
}

func init() {
	rootCmd.AddCommand(newInitCmd())
}

func newInitCmd() *cobra.Command {
	var name, branch, token, sshKey string
	var encrypt, force bool

	cmd := &cobra.Command{
		Use:   "init <repository-url>",
		Short: "Create the tether config and clone the sync repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			out := cmd.OutOrStdout()

			ws, err := loadWorkspace(cmd)
			if err != nil {
				return err
			}
			if ws.Initialized() && !force {
				fmt.Fprintln(out, "tether already initialized")
				fmt.Fprintf(out, "Config: %s\n", green(ws.ConfigPath))
				fmt.Fprintln(out, "Use --force to overwrite it.")
				return nil
			}
			if err := ws.Setup(); err != nil {
				return err
			}
			openLogFile(ws)

			if name == "" {
				name, _ = os.Hostname()
			}
			cfg := config.Default()
			cfg.Backend.URL = args[0]
			cfg.Backend.Branch = branch
			cfg.Backend.AuthToken = token
			cfg.Backend.SSHKey = sshKey
			cfg.Machine.Name = name
			cfg.Security.EncryptDotfiles = encrypt
			for _, rel := range commonDotfiles {
				if utils.FileExists(ws.HomePath(rel)) {
					cfg.Dotfiles.Files = append(cfg.Dotfiles.Files, config.FileEntry{Path: rel})
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Sync.NetworkTimeout)
			defer cancel()
			if err := newTransport(ws, cfg).Open(ctx); err != nil {
				return errors.WithHint(errors.Wrapf(err, "open %s", cfg.Backend.URL),
					"check the URL, --token for https remotes or --ssh-key for ssh remotes")
			}
			if err := cfg.Save(ws.ConfigPath); err != nil {
				return err
			}

			fmt.Fprintln(out, "tether initialized")
			fmt.Fprintf(out, "Config:     %s\n", green(ws.ConfigPath))
			fmt.Fprintf(out, "Repository: %s (%s)\n", cyan(cfg.Backend.URL), cfg.Backend.Branch)
			fmt.Fprintf(out, "Machine:    %s\n", cyan(cfg.Machine.Name))
			fmt.Fprintf(out, "Tracking:   %d dotfiles\n", len(cfg.Dotfiles.Files))
			if encrypt {
				fmt.Fprintf(out, "Next: %s, then %s\n", cyan("tether keys init"), cyan("tether sync"))
			} else {
				fmt.Fprintf(out, "Next: %s\n", cyan("tether sync"))
			}
			return nil
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringVarP(&name, "name", "n", "", "machine name (default hostname)")
	cmd.Flags().StringVarP(&branch, "branch", "b", config.DefaultBranch, "repository branch")
	cmd.Flags().StringVar(&token, "token", "", "HTTPS access token")
	cmd.Flags().StringVar(&sshKey, "ssh-key", "", "SSH private key file")
	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt every dotfile in the repository")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config")

	return cmd
}
