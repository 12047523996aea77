package engine

import (
	"context"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rjeczalik/notify"
	"github.com/tether-sync/tether/internal/config"
	"github.com/tether-sync/tether/internal/utils"
	"github.com/tether-sync/tether/internal/workspace"
)

const (
	DefaultDebounce = 2 * time.Second
	eventBufferSize = 64
)

type watchRoot struct {
	dir       string
	recursive bool
}

// Watcher calls onChange once local edits to synced files settle for the debounce period.
type Watcher struct {
	ws       *workspace.Workspace
	files    map[string]bool
	patterns []string
	dirs     []string
	ignore   *ignoreList
	roots    []watchRoot
	debounce time.Duration
	onChange func()

	mu    sync.Mutex
	timer *time.Timer
}

func NewWatcher(ws *workspace.Workspace, cfg *config.Config, onChange func()) *Watcher {
	w := &Watcher{
		ws:       ws,
		files:    make(map[string]bool),
		ignore:   newIgnoreList(cfg.Dotfiles.Ignore),
		debounce: DefaultDebounce,
		onChange: onChange,
	}
	roots := make(map[watchRoot]bool)
	for _, f := range cfg.Dotfiles.Files {
		if isPattern(f.Path) {
			base, _ := doublestar.SplitPattern(f.Path)
			w.patterns = append(w.patterns, f.Path)
			roots[watchRoot{dir: ws.HomePath(base), recursive: true}] = true
			continue
		}
		w.files[f.Path] = true
		roots[watchRoot{dir: filepath.Dir(ws.HomePath(f.Path))}] = true
	}
	for _, d := range cfg.Dotfiles.Dirs {
		w.dirs = append(w.dirs, d)
		roots[watchRoot{dir: ws.HomePath(d), recursive: true}] = true
	}
	for r := range roots {
		w.roots = append(w.roots, r)
	}
	return w
}

func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start watches until ctx is done. Roots that do not exist yet are skipped.
func (w *Watcher) Start(ctx context.Context) error {
	raw := make(chan notify.EventInfo, eventBufferSize)
	watched := 0
	for _, r := range w.roots {
		if !utils.DirExists(r.dir) {
			slog.Debug("watcher skip missing dir", "dir", r.dir)
			continue
		}
		p := r.dir
		if r.recursive {
			p = filepath.Join(r.dir, "...")
		}
		if err := notify.Watch(p, raw, notify.All); err != nil {
			notify.Stop(raw)
			return err
		}
		watched++
	}
	slog.Info("file watcher start", "roots", watched, "debounce", w.debounce)
	defer func() {
		notify.Stop(raw)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		slog.Info("file watcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-raw:
			if w.relevant(ev.Path()) {
				w.schedule()
			}
		}
	}
}

// relevant reports whether an event path belongs to a synced file.
func (w *Watcher) relevant(p string) bool {
	rel, err := w.ws.Rel(p)
	if err != nil {
		return false
	}
	if w.files[rel] {
		return true
	}
	for _, pattern := range w.patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	for _, d := range w.dirs {
		if inner, ok := strings.CutPrefix(rel, d+"/"); ok {
			return !w.ignore.match(path.Clean(inner))
		}
	}
	return false
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}
