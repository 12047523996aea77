package engine

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tether-sync/tether/internal/config"
	"github.com/tether-sync/tether/internal/conflict"
	"github.com/tether-sync/tether/internal/history"
	"github.com/tether-sync/tether/internal/lock"
	"github.com/tether-sync/tether/internal/packages"
	"github.com/tether-sync/tether/internal/secure"
	"github.com/tether-sync/tether/internal/state"
	"github.com/tether-sync/tether/internal/transport"
	"github.com/tether-sync/tether/internal/workspace"
)

// fakeRemote is an in-memory stand-in for the shared repository.
type fakeRemote struct {
	mu     sync.Mutex
	files  map[string][]byte
	rev    int
	pushes int
	// reject makes the next n pushes fail as if another machine pushed first.
	reject  int
	pushErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: make(map[string][]byte)}
}

func (r *fakeRemote) file(rel string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[rel]
	return data, ok
}

type fakeTransport struct {
	remote  *fakeRemote
	dir     string
	base    int
	fetched map[string][]byte
	pending map[string][]byte
}

func (f *fakeTransport) Dir() string { return f.dir }

// hookedTransport runs onDir the first time the checkout directory is requested during a cycle.
type hookedTransport struct {
	*fakeTransport
	onDir func()
}

func (h *hookedTransport) Dir() string {
	if fn := h.onDir; fn != nil {
		h.onDir = nil
		fn()
	}
	return h.fakeTransport.Dir()
}

func (f *fakeTransport) Open(ctx context.Context) error {
	return os.MkdirAll(f.dir, 0o755)
}

func (f *fakeTransport) Fetch(ctx context.Context) error {
	return ctx.Err()
}

func (f *fakeTransport) Rebase(ctx context.Context) error {
	f.remote.mu.Lock()
	files := make(map[string][]byte, len(f.remote.files))
	for k, v := range f.remote.files {
		files[k] = v
	}
	f.base = f.remote.rev
	f.remote.mu.Unlock()

	if err := os.RemoveAll(f.dir); err != nil {
		return err
	}
	for rel, data := range files {
		p := filepath.Join(f.dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return err
		}
	}
	f.fetched, f.pending = files, nil
	return os.MkdirAll(f.dir, 0o755)
}

func (f *fakeTransport) Commit(ctx context.Context, message string, author transport.Author) (bool, error) {
	snap := make(map[string][]byte)
	err := filepath.WalkDir(f.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(f.dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		snap[filepath.ToSlash(rel)] = data
		return err
	})
	if err != nil {
		return false, err
	}
	if sameFiles(snap, f.fetched) {
		return false, nil
	}
	f.pending = snap
	return true, nil
}

func (f *fakeTransport) Push(ctx context.Context) error {
	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	if f.remote.pushErr != nil {
		return f.remote.pushErr
	}
	if f.remote.reject > 0 {
		f.remote.reject--
		return transport.ErrPushRejected
	}
	if f.remote.rev != f.base {
		return transport.ErrPushRejected
	}
	if f.pending == nil {
		return nil
	}
	f.remote.files = f.pending
	f.remote.rev++
	f.remote.pushes++
	f.base, f.fetched, f.pending = f.remote.rev, f.pending, nil
	return nil
}

func (f *fakeTransport) Head() (string, error) {
	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	if f.remote.rev == 0 {
		return "", nil
	}
	return fmt.Sprintf("rev-%d", f.remote.rev), nil
}

func sameFiles(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || !bytes.Equal(v, w) {
			return false
		}
	}
	return true
}

// memKeys is a KeyStore shared between test machines.
type memKeys struct {
	raw []byte
}

func (m *memKeys) Load() (*secure.Key, error) {
	if m.raw == nil {
		return nil, secure.ErrLocked
	}
	return secure.NewKey(append([]byte(nil), m.raw...))
}

func (m *memKeys) Store(k *secure.Key) error {
	m.raw = append([]byte(nil), k.Bytes()...)
	return nil
}

func (m *memKeys) Clear() error {
	m.raw = nil
	return nil
}

func unlockedKeys(t *testing.T) *memKeys {
	t.Helper()
	raw, err := secure.NewDataKey()
	require.NoError(t, err)
	return &memKeys{raw: raw}
}

// fakeManager keeps its installed set in memory.
type fakeManager struct {
	mu        sync.Mutex
	name      string
	installed map[string]bool
	broken    map[string]bool
	imports   [][]string
}

func newFakeManager(name string, installed ...string) *fakeManager {
	m := &fakeManager{name: name, installed: make(map[string]bool), broken: make(map[string]bool)}
	for _, p := range installed {
		m.installed[p] = true
	}
	return m
}

func (m *fakeManager) Name() string                       { return m.name }
func (m *fakeManager) Available(ctx context.Context) bool { return true }

func (m *fakeManager) ListInstalled(ctx context.Context) ([]packages.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []packages.Package
	for p := range m.installed {
		out = append(out, packages.Package{Name: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *fakeManager) Install(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken[name] {
		return fmt.Errorf("%s: no such formula", name)
	}
	m.installed[name] = true
	return nil
}

func (m *fakeManager) Uninstall(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.installed, name)
	return nil
}

func (m *fakeManager) ExportManifest(ctx context.Context) ([]byte, error) {
	pkgs, err := m.ListInstalled(ctx)
	if err != nil {
		return nil, err
	}
	return packages.FormatManifest(packages.Names(pkgs)), nil
}

func (m *fakeManager) ImportManifest(ctx context.Context, manifest []byte) (*packages.ImportResult, error) {
	names := packages.ParseManifest(manifest)
	m.mu.Lock()
	m.imports = append(m.imports, names)
	m.mu.Unlock()
	res := &packages.ImportResult{Failed: make(map[string]error)}
	for _, p := range names {
		if err := m.Install(ctx, p); err != nil {
			res.Failed[p] = err
			continue
		}
		res.Installed = append(res.Installed, p)
	}
	return res, nil
}

func (m *fakeManager) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed[name]
}

// testMachine is one participant with its own home, workspace and checkout.
type testMachine struct {
	t        *testing.T
	id       string
	ws       *workspace.Workspace
	cfg      *config.Config
	tr       *fakeTransport
	keys     *memKeys
	managers map[string]packages.Manager
	team     *hookedTransport
	now      time.Time
	o        *Orchestrator
}

type machineOption func(*testMachine)

func withConfig(fn func(*config.Config)) machineOption {
	return func(m *testMachine) { fn(m.cfg) }
}

func withKeys(k *memKeys) machineOption {
	return func(m *testMachine) { m.keys = k }
}

// withTeam layers the given home paths over sources in the team repository.
func withTeam(team *fakeRemote, layers ...config.LayerEntry) machineOption {
	return func(m *testMachine) {
		m.cfg.Team.Enabled = true
		m.cfg.Team.URL = "https://example.com/team.git"
		m.cfg.Team.Layers = layers
		m.team = &hookedTransport{fakeTransport: &fakeTransport{remote: team, dir: m.ws.TeamDir}}
	}
}

func withManagers(managers ...*fakeManager) machineOption {
	return func(m *testMachine) {
		for _, mgr := range managers {
			m.managers[mgr.name] = mgr
		}
	}
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMachine(t *testing.T, remote *fakeRemote, id string, opts ...machineOption) *testMachine {
	t.Helper()
	home := t.TempDir()
	ws, err := workspace.New(filepath.Join(home, workspace.DirName), home)
	require.NoError(t, err)
	require.NoError(t, ws.Setup())

	cfg := config.Default()
	cfg.Machine.Name = id
	cfg.Packages.Brew.Enabled = false
	cfg.Dotfiles.Files = []config.FileEntry{{Path: ".zshrc"}, {Path: ".gitconfig"}}

	m := &testMachine{
		t:        t,
		id:       id,
		ws:       ws,
		cfg:      cfg,
		tr:       &fakeTransport{remote: remote, dir: ws.RepoDir},
		keys:     &memKeys{},
		managers: make(map[string]packages.Manager),
		now:      testEpoch,
	}
	for _, opt := range opts {
		opt(m)
	}
	var team transport.Transport
	if m.team != nil {
		team = m.team
	}
	m.o, err = New(Options{
		Workspace: ws,
		Config:    cfg,
		Transport: m.tr,
		Team:      team,
		Guard:     lock.New(ws.LockPath),
		Managers:  m.managers,
		Keys:      m.keys,
		MachineID: id,
		Now:       func() time.Time { return m.now },
		Backoff:   func(int) time.Duration { return 0 },
	})
	require.NoError(t, err)
	return m
}

func (m *testMachine) path(rel string) string {
	return m.ws.HomePath(rel)
}

// write sets content and an mtime offset from the test epoch.
func (m *testMachine) write(rel, content string, age time.Duration) {
	m.t.Helper()
	p := m.path(rel)
	require.NoError(m.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(m.t, os.WriteFile(p, []byte(content), 0o644))
	at := testEpoch.Add(age)
	require.NoError(m.t, os.Chtimes(p, at, at))
}

func (m *testMachine) read(rel string) string {
	m.t.Helper()
	data, err := os.ReadFile(m.path(rel))
	require.NoError(m.t, err)
	return string(data)
}

func (m *testMachine) sync(opts ...func(*RunOptions)) *CycleReport {
	m.t.Helper()
	report, err := m.run(opts...)
	require.NoError(m.t, err)
	return report
}

func (m *testMachine) run(opts ...func(*RunOptions)) (*CycleReport, error) {
	ro := RunOptions{Mode: ModeFull}
	for _, opt := range opts {
		opt(&ro)
	}
	m.now = m.now.Add(time.Minute)
	return m.o.Run(context.Background(), ro)
}

func (m *testMachine) state() *state.Store {
	m.t.Helper()
	st, err := state.Open(m.ws.StatePath, m.id)
	require.NoError(m.t, err)
	return st
}

func (m *testMachine) conflicts() []conflict.Record {
	m.t.Helper()
	recs, err := m.o.ListConflicts()
	require.NoError(m.t, err)
	return recs
}

func openHistory(t *testing.T, m *testMachine) *history.Store {
	t.Helper()
	store, err := history.Open(m.ws.HistoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	m.o.history = store
	return store
}

func dryRun(o *RunOptions)       { o.DryRun = true }
func allowSecrets(o *RunOptions) { o.AllowSecrets = true }

func mode(md Mode) func(*RunOptions) {
	return func(o *RunOptions) { o.Mode = md }
}

func actions(r *CycleReport) map[string]Action {
	out := make(map[string]Action)
	for _, a := range r.Applied {
		out[a.Entity] = a.Action
	}
	return out
}
