package engine

import (
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cockroachdb/errors"
	"github.com/tether-sync/tether/internal/state"
)

const manifestPrefix = "manifest:"

// entity is one file under sync for this cycle.
type entity struct {
	id   string
	kind state.Kind
	// local is the absolute path on this machine.
	local string
	// repoRel is the slash path inside the checkout without the encrypted suffix.
	repoRel string
	encrypt bool
	create  bool
	// layer is the team source path, empty when the entity is not team-layered.
	layer string
}

func (e entity) category() string {
	return string(e.kind)
}

// discover expands the configured dotfiles and directories into file entities. Paths
// present only in the repository are included so that remote additions are pulled.
func (c *cycle) discover() ([]entity, error) {
	byID := make(map[string]entity)
	add := func(e entity) {
		if _, ok := byID[e.id]; ok {
			return
		}
		if c.state.IsTombstoned(e.id) {
			slog.Debug("skip removed entity", "entity", e.id)
			return
		}
		if src, ok := c.cfg.Team.Layer(e.id); ok {
			e.layer = src
		}
		byID[e.id] = e
	}

	for _, f := range c.cfg.Dotfiles.Files {
		encrypt := c.cfg.ShouldEncrypt(f)
		paths := []string{f.Path}
		if isPattern(f.Path) {
			var err error
			if paths, err = c.expandPattern(f.Path); err != nil {
				return nil, err
			}
		}
		for _, p := range paths {
			add(entity{
				id:      p,
				kind:    state.KindDotfile,
				local:   c.ws.HomePath(p),
				repoRel: path.Join(DotfilesDir, p),
				encrypt: encrypt,
				create:  f.CreateIfMissing && !isPattern(f.Path),
			})
		}
	}

	ignore := newIgnoreList(c.cfg.Dotfiles.Ignore)
	for _, dir := range c.cfg.Dotfiles.Dirs {
		files, err := c.scanDir(dir, ignore)
		if err != nil {
			return nil, err
		}
		for _, rel := range files {
			id := path.Join(dir, rel)
			add(entity{
				id:      id,
				kind:    state.KindDirFile,
				local:   c.ws.HomePath(id),
				repoRel: path.Join(ConfigsDir, id),
				encrypt: c.cfg.Security.EncryptDotfiles,
			})
		}
	}

	out := make([]entity, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

func isPattern(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// expandPattern matches a glob against local files under home and stored dotfiles.
func (c *cycle) expandPattern(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, configurationError(errors.Newf("invalid pattern %q in dotfiles.files", pattern), "see https://github.com/bmatcuk/doublestar#patterns")
	}
	seen := make(map[string]bool)
	local, err := doublestar.Glob(os.DirFS(c.ws.Home), pattern, doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
	if err != nil {
		return nil, errors.Wrapf(err, "expand %s", pattern)
	}
	for _, p := range local {
		seen[p] = true
	}
	stored, err := c.repo.files(DotfilesDir)
	if err != nil {
		return nil, err
	}
	for _, p := range stored {
		if ok, _ := doublestar.Match(pattern, p); ok {
			seen[p] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// scanDir lists files of a directory config, relative to it, from both sides.
func (c *cycle) scanDir(dir string, ignore *ignoreList) ([]string, error) {
	seen := make(map[string]bool)

	root := c.ws.HomePath(dir)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) && p == root {
			return fs.SkipAll
		}
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if ignore.match(rel + "/") {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ignore.match(rel) {
			return nil
		}
		seen[rel] = true
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", dir)
	}

	stored, err := c.repo.files(path.Join(ConfigsDir, dir))
	if err != nil {
		return nil, err
	}
	for _, rel := range stored {
		if !ignore.match(rel) {
			seen[rel] = true
		}
	}

	out := make([]string, 0, len(seen))
	for rel := range seen {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}
