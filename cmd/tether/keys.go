package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/tether-sync/tether/internal/engine"
	"github.com/tether-sync/tether/internal/secure"
	"github.com/tether-sync/tether/internal/utils"
)

const identityFile = "identity"

func init() {
	rootCmd.AddCommand(newKeysCmd())
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the key that encrypts dotfiles in the repository",
	}
	cmd.AddCommand(
		newKeysInitCmd(),
		newKeysUnlockCmd(),
		newKeysLockCmd(),
		newKeysStatusCmd(),
		newKeysGenerateCmd(),
		newKeysRewrapCmd(),
	)
	return cmd
}

func newKeysInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the data key, protect it with a passphrase and publish it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			passphrase, err := readPassphrase(cmd, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := a.orch.InitKeys(cmd.Context(), passphrase); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Encryption key created and unlocked on this machine")
			fmt.Fprintf(cmd.OutOrStdout(), "On other machines run %s with the same passphrase\n", cyan("tether keys unlock"))
			return nil
		},
	}
}

func newKeysUnlockCmd() *cobra.Command {
	var identityPath string

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Unwrap the data key with the passphrase or an identity and cache it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if identityPath != "" {
				id, err := loadIdentity(identityPath)
				if err != nil {
					return err
				}
				err = a.orch.UnlockIdentity(cmd.Context(), id)
				if err != nil {
					return err
				}
			} else {
				passphrase, err := readPassphrase(cmd, cmd.InOrStdin())
				if err != nil {
					return err
				}
				if err := a.orch.UnlockPassphrase(cmd.Context(), passphrase); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("unlocked"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&identityPath, "identity", "i", "", "identity file from `tether keys generate`")
	return cmd
}

func newKeysLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Forget the cached data key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.orch.LockKeys(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "locked")
			return nil
		},
	}
}

func newKeysStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether keys exist and are unlocked here",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.orch.KeyStatus()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", grayStyle.Render("Initialized "), yesNo(st.Initialized))
			fmt.Fprintf(out, "%s %s\n", grayStyle.Render("Unlocked    "), yesNo(st.Unlocked))
			fmt.Fprintf(out, "%s %d\n", grayStyle.Render("Recipients  "), len(st.Recipients))
			for _, r := range st.Recipients {
				fmt.Fprintf(out, "  %s\n", r)
			}
			return nil
		},
	}
}

func newKeysGenerateCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create an identity for recipient-based unlocking",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if output == "" {
				ws, err := loadWorkspace(cmd)
				if err != nil {
					return err
				}
				output = filepath.Join(ws.Root, identityFile)
			}
			if utils.FileExists(output) {
				return errors.WithHint(errors.Newf("%s already exists", output), "pass --output to write elsewhere")
			}
			id, err := secure.GenerateIdentity()
			if err != nil {
				return err
			}
			if err := utils.WriteFileAtomic(output, []byte(id.String()+"\n"), 0o600); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Identity:  %s\n", green(output))
			fmt.Fprintf(out, "Recipient: %s\n", cyan(id.Recipient()))
			fmt.Fprintf(out, "Share the recipient with someone who can run %s\n", cyan("tether keys rewrap --add <recipient>"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "identity file (default <root>/identity)")
	return cmd
}

func newKeysRewrapCmd() *cobra.Command {
	var add, remove []string

	cmd := &cobra.Command{
		Use:   "rewrap",
		Short: "Change the recipients who can unlock the data key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			recipients := rewrapRecipients(a.cfg.Security.Recipients, add, remove)
			if err := a.orch.Rewrap(cmd.Context(), recipients); err != nil {
				return err
			}
			a.cfg.Security.Recipients = recipients
			if err := a.cfg.Save(a.ws.ConfigPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Data key wrapped for %d recipients\n", len(recipients))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&add, "add", nil, "recipient to add")
	cmd.Flags().StringSliceVar(&remove, "remove", nil, "recipient to remove")
	return cmd
}

// rewrapRecipients applies additions and removals, keeping order and dropping duplicates.
func rewrapRecipients(current, add, remove []string) []string {
	var out []string
	for _, r := range append(slices.Clone(current), add...) {
		r = strings.TrimSpace(r)
		if r == "" || slices.Contains(remove, r) || slices.Contains(out, r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func loadIdentity(path string) (*secure.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read identity")
	}
	id, err := secure.ParseIdentity(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "identity %s", path), engine.ErrConfiguration)
	}
	return id, nil
}

func yesNo(b bool) string {
	if b {
		return green("yes")
	}
	return red("no")
}
