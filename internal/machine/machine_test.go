package machine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tether-sync/tether/internal/version"
)

func TestLocalIDIsStable(t *testing.T) {
	a := LocalID()
	b := LocalID()
	assert.Equal(t, a, b)
	assert.Regexp(t, idPattern, a)
}

func TestSaveLoadList(t *testing.T) {
	repo := t.TempDir()

	laptop := New("laptop01", "Laptop")
	laptop.SetPackages("brew", []string{"ripgrep", "git"})
	require.NoError(t, laptop.Save(repo))

	desktop := New("desktop01", "")
	desktop.SetPackages("brew", []string{"git", "fd"})
	desktop.SetPackages("npm", []string{"typescript"})
	require.NoError(t, desktop.Save(repo))

	loaded, err := Load(repo, "laptop01")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "Laptop", loaded.Name)
	assert.Equal(t, version.Protocol, loaded.Protocol)
	assert.Equal(t, []string{"git", "ripgrep"}, loaded.Packages["brew"])

	missing, err := Load(repo, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := List(repo)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "desktop01", all[0].ID)

	union := UnionPackages(all)
	assert.Equal(t, []string{"fd", "git", "ripgrep"}, union["brew"])
	assert.Equal(t, []string{"typescript"}, union["npm"])
}

func TestLoadOrNewRefreshesProtocol(t *testing.T) {
	repo := t.TempDir()
	old := New("m1", "box")
	old.Protocol = "1.0.0"
	old.SetPackages("gem", []string{"rails"})
	require.NoError(t, old.Save(repo))

	m, err := LoadOrNew(repo, "m1", "box")
	require.NoError(t, err)
	assert.Equal(t, version.Protocol, m.Protocol)
	assert.Equal(t, []string{"rails"}, m.Packages["gem"])
}

func TestListSkipsBrokenRecords(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, New("ok", "ok").Save(repo))
	broken := `{"id":"broken","protocol_version":"2.0.0","dotfiles":"not-a-list"}`
	require.NoError(t, os.WriteFile(filepath.Join(repo, Dir, "broken.json"), []byte(broken), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, Dir, "README.md"), []byte("hi"), 0o644))

	all, err := List(repo)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "ok", all[0].ID)
}

func TestListGatesUndecodableRecords(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"newer shape", `{"id":"future","name":"future","protocol_version":"3.0.0","packages":{"brew":[{"name":"jq"}]}}`},
		{"truncated", `{`},
		{"protocol not a string", `{"id":"odd","protocol_version":3}`},
		{"no protocol", `{"id":"bare","packages":7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := t.TempDir()
			require.NoError(t, New("ok", "ok").Save(repo))
			require.NoError(t, os.WriteFile(filepath.Join(repo, Dir, "other.json"), []byte(tt.raw), 0o644))

			all, err := List(repo)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrIncompatibleProtocol))
			assert.NotEmpty(t, errors.GetAllHints(err))
			assert.Empty(t, all)
		})
	}
}

func TestValidPackageName(t *testing.T) {
	for _, ok := range []string{"ripgrep", "@types/node", "oven-sh/bun/bun", "python@3.12", "ruff"} {
		assert.True(t, ValidPackageName(ok), ok)
	}
	for _, bad := range []string{"", "a;rm -rf /", "$(id)", "x`y`", "--global", "a|b", "a b"} {
		assert.False(t, ValidPackageName(bad), bad)
	}
}

func TestDecodeDropsUnsafePackages(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, Dir), 0o755))
	raw := `{"id":"m2","name":"m2","protocol_version":"2.0.0","packages":{"npm":["ok","bad;rm"]}}`
	require.NoError(t, os.WriteFile(Path(repo, "m2"), []byte(raw), 0o644))

	m, err := Load(repo, "m2")
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, m.Packages["npm"])
}

func TestInvalidID(t *testing.T) {
	err := New("../escape", "x").Save(t.TempDir())
	assert.True(t, errors.Is(err, ErrInvalidRecord))
}

func TestCheckCompatible(t *testing.T) {
	assert.NoError(t, CheckCompatible([]Identity{
		{ID: "a", Protocol: version.Protocol},
		{ID: "b", Protocol: "2.0.0"},
		{ID: "c", Protocol: "1.4.2"},
		{ID: "d"},
	}))

	err := CheckCompatible([]Identity{{ID: "future", Name: "future", Protocol: "3.0.0"}})
	assert.True(t, errors.Is(err, ErrIncompatibleProtocol))
	assert.NotEmpty(t, errors.GetAllHints(err))

	err = CheckCompatible([]Identity{{ID: "x", Protocol: "not-a-version"}})
	assert.True(t, errors.Is(err, ErrIncompatibleProtocol))
}

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, "my-mac.local", sanitizeID("My Mac.local"))
	assert.Equal(t, "unknown", sanitizeID("..."))
}
