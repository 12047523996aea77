// Package backup keeps timestamped copies of local files before sync overwrites them.
package backup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tether-sync/tether/internal/utils"
)

const (
	timeFormat  = "2006-01-02T15-04-05"
	DefaultKeep = 5
)

var ErrSnapshotNotFound = errors.New("backup snapshot not found")

type Manager struct {
	root string
	keep int
	now  func() time.Time
}

func New(root string, keep int) *Manager {
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Manager{root: root, keep: keep, now: time.Now}
}

// Snapshot groups the backups taken during one sync cycle. The directory is only
// created when the first file is saved.
type Snapshot struct {
	ID   string
	dir  string
	mu   sync.Mutex
	keys []string
}

func (m *Manager) Begin() *Snapshot {
	ts := m.now().Format(timeFormat)
	id := ts
	dir := filepath.Join(m.root, id)
	for n := 1; utils.DirExists(dir); n++ {
		id = fmt.Sprintf("%s.%d", ts, n)
		dir = filepath.Join(m.root, id)
	}
	return &Snapshot{ID: id, dir: dir}
}

// Save stores content as <category>/<rel> in the snapshot.
func (s *Snapshot) Save(category, rel string, content []byte) error {
	target, err := s.target(category, rel)
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(target, content, 0o600); err != nil {
		return errors.Wrapf(err, "backup %s", rel)
	}
	s.record(category, rel)
	return nil
}

// SaveFile copies src into the snapshot. A missing src is not an error.
func (s *Snapshot) SaveFile(category, rel, src string) error {
	if !utils.FileExists(src) {
		return nil
	}
	target, err := s.target(category, rel)
	if err != nil {
		return err
	}
	if err := utils.CopyFile(src, target); err != nil {
		return errors.Wrapf(err, "backup %s", rel)
	}
	s.record(category, rel)
	return nil
}

// Files lists what was saved so far as category/rel.
func (s *Snapshot) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func (s *Snapshot) target(category, rel string) (string, error) {
	clean, err := utils.CleanRelPath(rel)
	if err != nil {
		return "", errors.Wrapf(err, "backup path %q", rel)
	}
	return filepath.Join(s.dir, category, filepath.FromSlash(clean)), nil
}

func (s *Snapshot) record(category, rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, category+"/"+rel)
}

// Info describes a snapshot on disk.
type Info struct {
	ID    string
	Time  time.Time
	Files []string
	Size  int64
}

// List returns snapshots newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "list backups")
	}

	var out []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ts, err := time.ParseInLocation(timeFormat, strings.SplitN(e.Name(), ".", 2)[0], time.Local)
		if err != nil {
			continue
		}
		info := Info{ID: e.Name(), Time: ts}
		dir := filepath.Join(m.root, e.Name())
		_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			rel, _ := filepath.Rel(dir, path)
			info.Files = append(info.Files, filepath.ToSlash(rel))
			if fi, err := d.Info(); err == nil {
				info.Size += fi.Size()
			}
			return nil
		})
		sort.Strings(info.Files)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Prune deletes all but the newest snapshots.
func (m *Manager) Prune() error {
	snaps, err := m.List()
	if err != nil {
		return err
	}
	for i := m.keep; i < len(snaps); i++ {
		if err := os.RemoveAll(filepath.Join(m.root, snaps[i].ID)); err != nil {
			return errors.Wrapf(err, "prune backup %s", snaps[i].ID)
		}
	}
	return nil
}

// Restore copies files of snapshot id back in place. Only files whose category/path starts
// with prefix are restored; root maps a category to its destination directory.
func (m *Manager) Restore(id, prefix string, root func(category string) (string, error)) ([]string, error) {
	dir := filepath.Join(m.root, id)
	if !utils.DirExists(dir) || strings.ContainsAny(id, `/\`) {
		return nil, errors.Wrapf(ErrSnapshotNotFound, "%s", id)
	}

	var restored []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		key := filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		category, file, ok := strings.Cut(key, "/")
		if !ok {
			return nil
		}
		dest, err := root(category)
		if err != nil {
			return err
		}
		if err := utils.CopyFile(path, filepath.Join(dest, filepath.FromSlash(file))); err != nil {
			return errors.Wrapf(err, "restore %s", key)
		}
		restored = append(restored, key)
		return nil
	})
	return restored, err
}
