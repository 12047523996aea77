package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/tether-sync/tether/internal/engine"
	"github.com/tether-sync/tether/internal/utils"
	"github.com/tether-sync/tether/internal/version"
)

// Exit codes. Scripts rely on these, keep them stable.
const (
	exitOK            = 0
	exitError         = 1
	exitConflicts     = 2
	exitConfiguration = 3
	exitManual        = 4
	exitIntegrity     = 5
	exitTransient     = 6
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
)

var logLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:           "tether",
	Short:         "Sync dotfiles and package manifests across machines",
	Version:       version.Detailed(),
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logLevel.Set(slog.LevelDebug)
		}
	},
}

func init() {
	logLevel.Set(slog.LevelWarn)
	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringP("root", "r", "", "tether state directory (default ~/.tether)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <root>/config.toml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
}

func main() {
	setupLogging(nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeLogFile()

	if err != nil {
		printError(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

// setupLogging sends records at logLevel to stderr and, once the workspace is known,
// everything from debug up to the log file.
func setupLogging(file io.Writer) {
	stderrHandler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	if file == nil {
		slog.SetDefault(slog.New(stderrHandler))
		return
	}

	fileHandler := slog.NewTextHandler(utils.NewLogStamper(file), &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the stamper adds the time
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stderrHandler, fileHandler)))
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch engine.Classify(err) {
	case engine.CategoryConflict:
		return exitConflicts
	case engine.CategoryConfiguration:
		return exitConfiguration
	case engine.CategoryManual:
		return exitManual
	case engine.CategoryIntegrity:
		return exitIntegrity
	case engine.CategoryTransient:
		return exitTransient
	}
	return exitError
}

func printError(w io.Writer, err error) {
	if errors.Is(err, errPendingConflicts) {
		fmt.Fprintf(w, "%s: %s\n", yellow("CONFLICT"), err)
	} else {
		fmt.Fprintf(w, "%s: %s\n", red("ERROR"), err)
	}
	for _, hint := range errors.GetAllHints(err) {
		for _, line := range strings.Split(hint, "\n") {
			fmt.Fprintf(w, "  %s %s\n", cyan("hint:"), line)
		}
	}
}
