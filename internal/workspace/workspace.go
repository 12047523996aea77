// Package workspace describes the local ~/.tether directory.
package workspace

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/tether-sync/tether/internal/utils"
)

const (
	DirName = ".tether"

	configFile    = "config.toml"
	stateFile     = "state.json"
	conflictsFile = "conflicts.json"
	conflictsDir  = "conflicts"
	lockFile      = "lock.json"
	backupsDir    = "backups"
	historyFile   = "history.db"
	logsDir       = "logs"
	logFile       = "tether.log"
	keyCacheFile  = "key.cache"
	repoDir       = "repo"
	teamDir       = "team"
)

type Workspace struct {
	// Home is the directory tracked dotfile paths are relative to.
	Home string
	Root string

	ConfigPath    string
	StatePath     string
	ConflictsPath string
	ConflictsDir  string
	LockPath      string
	BackupsDir    string
	HistoryPath   string
	LogsDir       string
	LogPath       string
	KeyCachePath  string
	RepoDir       string
	TeamDir       string
}

// New lays out a workspace under root. An empty root means ~/.tether, an empty home means the user's home.
func New(root, home string) (*Workspace, error) {
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "resolve home directory")
		}
		home = h
	}
	home, err := utils.ResolvePath(home)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve path %s", home)
	}
	if root == "" {
		root = filepath.Join(home, DirName)
	}
	root, err = utils.ResolvePath(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve path %s", root)
	}

	return &Workspace{
		Home:          home,
		Root:          root,
		ConfigPath:    filepath.Join(root, configFile),
		StatePath:     filepath.Join(root, stateFile),
		ConflictsPath: filepath.Join(root, conflictsFile),
		ConflictsDir:  filepath.Join(root, conflictsDir),
		LockPath:      filepath.Join(root, lockFile),
		BackupsDir:    filepath.Join(root, backupsDir),
		HistoryPath:   filepath.Join(root, historyFile),
		LogsDir:       filepath.Join(root, logsDir),
		LogPath:       filepath.Join(root, logsDir, logFile),
		KeyCachePath:  filepath.Join(root, keyCacheFile),
		RepoDir:       filepath.Join(root, repoDir),
		TeamDir:       filepath.Join(root, teamDir),
	}, nil
}

// Setup creates the workspace directories. Everything here is private to the user.
func (w *Workspace) Setup() error {
	for _, dir := range []string{w.Root, w.ConflictsDir, w.BackupsDir, w.LogsDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrapf(err, "create directory %s", dir)
		}
	}
	slog.Debug("workspace", "root", w.Root, "home", w.Home)
	return nil
}

// Initialized reports whether `tether init` has written a config.
func (w *Workspace) Initialized() bool {
	return utils.FileExists(w.ConfigPath)
}

// HomePath maps a slash-separated home-relative path to the local filesystem.
func (w *Workspace) HomePath(rel string) string {
	return filepath.Join(w.Home, filepath.FromSlash(rel))
}

// Rel converts an absolute local path under Home to the slash form used for entity ids.
func (w *Workspace) Rel(path string) (string, error) {
	rel, err := filepath.Rel(w.Home, path)
	if err != nil {
		return "", err
	}
	return utils.CleanRelPath(filepath.ToSlash(rel))
}
