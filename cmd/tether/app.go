package main

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/tether-sync/tether/internal/config"
	"github.com/tether-sync/tether/internal/engine"
	"github.com/tether-sync/tether/internal/history"
	"github.com/tether-sync/tether/internal/lock"
	"github.com/tether-sync/tether/internal/packages"
	"github.com/tether-sync/tether/internal/secure"
	"github.com/tether-sync/tether/internal/transport"
	"github.com/tether-sync/tether/internal/workspace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// PassphraseEnv is read before prompting on stdin.
const PassphraseEnv = "TETHER_PASSPHRASE"

var logFile *lumberjack.Logger

// app is everything a command needs once the workspace is initialized.
type app struct {
	ws      *workspace.Workspace
	cfg     *config.Config
	orch    *engine.Orchestrator
	history *history.Store
}

func loadWorkspace(cmd *cobra.Command) (*workspace.Workspace, error) {
	root, _ := cmd.Flags().GetString("root")
	ws, err := workspace.New(root, "")
	if err != nil {
		return nil, err
	}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		ws.ConfigPath = path
	}
	return ws, nil
}

func loadApp(cmd *cobra.Command) (*app, error) {
	ws, err := loadWorkspace(cmd)
	if err != nil {
		return nil, err
	}
	if !ws.Initialized() {
		return nil, errors.WithHint(
			errors.Mark(errors.Newf("no config at %s", ws.ConfigPath), engine.ErrConfiguration),
			"run `tether init <repository-url>` first",
		)
	}
	if err := ws.Setup(); err != nil {
		return nil, err
	}
	openLogFile(ws)

	cfg, err := config.Load(ws.ConfigPath)
	if err != nil {
		return nil, err
	}
	managers, err := buildManagers(cfg)
	if err != nil {
		return nil, err
	}

	hist, err := history.Open(ws.HistoryPath)
	if err != nil {
		slog.Warn("sync history unavailable", "path", ws.HistoryPath, "error", err)
		hist = nil
	}

	opts := engine.Options{
		Workspace: ws,
		Config:    cfg,
		Transport: newTransport(ws, cfg),
		Guard:     lock.New(ws.LockPath),
		Managers:  managers,
		Keys:      secure.NewKeyCache(ws.KeyCachePath),
		History:   hist,
	}
	if cfg.Team.Enabled {
		opts.Team = transport.NewGit(transport.GitConfig{
			URL:    cfg.Team.URL,
			Branch: config.DefaultBranch,
			Dir:    ws.TeamDir,
			Token:  cfg.Backend.AuthToken,
			SSHKey: cfg.Backend.SSHKey,
		})
	}
	orch, err := engine.New(opts)
	if err != nil {
		if hist != nil {
			hist.Close()
		}
		return nil, err
	}
	return &app{ws: ws, cfg: cfg, orch: orch, history: hist}, nil
}

func (a *app) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			slog.Debug("close history", "error", err)
		}
	}
}

func newTransport(ws *workspace.Workspace, cfg *config.Config) *transport.Git {
	return transport.NewGit(transport.GitConfig{
		URL:    cfg.Backend.URL,
		Branch: cfg.Backend.Branch,
		Dir:    ws.RepoDir,
		Token:  cfg.Backend.AuthToken,
		SSHKey: cfg.Backend.SSHKey,
	})
}

// buildManagers returns the enabled built-in managers plus the custom ones.
func buildManagers(cfg *config.Config) (map[string]packages.Manager, error) {
	builtins := packages.Builtins(nil)
	managers := make(map[string]packages.Manager)
	for _, name := range cfg.Packages.EnabledManagers() {
		if m, ok := builtins[name]; ok {
			managers[name] = m
		}
	}
	for _, spec := range cfg.Packages.Custom {
		m, err := packages.NewCustom(spec, nil)
		if err != nil {
			return nil, errors.Mark(err, engine.ErrConfiguration)
		}
		managers[spec.Name] = m
	}
	return managers, nil
}

func openLogFile(ws *workspace.Workspace) {
	if logFile != nil {
		return
	}
	logFile = &lumberjack.Logger{
		Filename:   ws.LogPath,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}
	setupLogging(logFile)
}

func closeLogFile() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// readPassphrase takes the passphrase from the environment, or the first line of in.
func readPassphrase(cmd *cobra.Command, in io.Reader) (string, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}
	cmd.PrintErr("Passphrase: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", errors.Wrap(err, "read passphrase")
	}
	p := strings.TrimRight(line, "\r\n")
	if p == "" {
		return "", errors.WithHint(errors.Mark(errors.New("empty passphrase"), engine.ErrConfiguration),
			"type it on stdin or set "+PassphraseEnv)
	}
	return p, nil
}
