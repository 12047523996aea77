package packages

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	outputs map[string]string
	fail    map[string]bool
	calls   []call
}

func (f *fakeRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	key := strings.TrimSpace(name + " " + strings.Join(args, " "))
	if f.fail[key] {
		return nil, errors.Newf("%s failed", key)
	}
	return []byte(f.outputs[key]), nil
}

func TestManifestFormat(t *testing.T) {
	pkgs := ParseManifest([]byte("# brew\nripgrep\n\n  fd \nripgrep\nbat\n"))
	assert.Equal(t, []string{"bat", "fd", "ripgrep"}, pkgs)
	assert.Equal(t, "bat\nfd\nripgrep\n", string(FormatManifest([]string{"ripgrep", "bat", "fd"})))
	assert.Empty(t, FormatManifest(nil))
}

func TestBuiltins_Parsers(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{
		"brew leaves --installed-on-request": "git\nripgrep\n",
		"npm ls -g --depth=0 --json":         `{"dependencies":{"npm":{"version":"10.0.0"},"typescript":{"version":"5.4.0"}}}`,
		"pnpm ls -g --depth=0 --json":        `[{"dependencies":{"prettier":{"version":"3.2.0"}}}]`,
		"bun pm ls -g":                       "/home/u/.bun/install/global node_modules (2)\n├── cowsay@1.6.0\n└── @biomejs/biome@1.5.0\n",
		"gem list --local":                   "*** LOCAL GEMS ***\n\nbundler (default: 2.5.0)\nrails (7.1.3, 7.1.2)\n",
		"uv tool list":                       "ruff v0.4.1\n- ruff\nhttpie v3.2.2\n- http\n- https\n",
		"cargo install --list":               "ripgrep v14.1.0:\n    rg\nbat v0.24.0:\n    bat\n",
	}}
	mgrs := Builtins(f.run)
	ctx := context.Background()

	tests := []struct {
		manager string
		want    []string
	}{
		{"brew", []string{"git", "ripgrep"}},
		{"npm", []string{"typescript"}},
		{"pnpm", []string{"prettier"}},
		{"bun", []string{"@biomejs/biome", "cowsay"}},
		{"gem", []string{"rails"}},
		{"uv", []string{"httpie", "ruff"}},
		{"cargo", []string{"bat", "ripgrep"}},
	}
	for _, tt := range tests {
		t.Run(tt.manager, func(t *testing.T) {
			pkgs, err := mgrs[tt.manager].ListInstalled(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, Names(pkgs))
		})
	}
}

func TestCommandManager_InstallUninstall(t *testing.T) {
	f := &fakeRunner{}
	brew := Builtins(f.run)["brew"]

	require.NoError(t, brew.Install(context.Background(), "ripgrep"))
	require.NoError(t, brew.Uninstall(context.Background(), "ripgrep"))
	require.Len(t, f.calls, 2)
	assert.Equal(t, []string{"install", "ripgrep"}, f.calls[0].args)
	assert.Equal(t, []string{"uninstall", "ripgrep"}, f.calls[1].args)

	err := brew.Install(context.Background(), "x; rm -rf ~")
	assert.True(t, errors.Is(err, ErrUnsafeName))
	assert.Len(t, f.calls, 2, "unsafe names never reach the shell")
}

func TestCommandManager_ImportManifestContinuesPastFailures(t *testing.T) {
	f := &fakeRunner{
		outputs: map[string]string{"brew leaves --installed-on-request": "git\n"},
		fail:    map[string]bool{"brew install broken": true},
	}
	brew := Builtins(f.run)["brew"]

	res, err := brew.ImportManifest(context.Background(), []byte("git\nbroken\nripgrep\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ripgrep"}, res.Installed)
	require.Contains(t, res.Failed, "broken")
	assert.NotContains(t, res.Failed, "git")
}

func TestCommandManager_ExportManifest(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{"brew leaves --installed-on-request": "ripgrep\ngit\n"}}
	out, err := Builtins(f.run)["brew"].ExportManifest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "git\nripgrep\n", string(out))
}

func TestNewCustom(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{"mise ls --global --names": "node\npython\n"}}
	m, err := NewCustom(CustomSpec{
		Name:      "mise",
		List:      "mise ls --global --names",
		Install:   `mise use --global "{pkg}@latest"`,
		Uninstall: "mise uninstall",
	}, f.run)
	require.NoError(t, err)
	assert.Equal(t, "mise", m.Name())

	pkgs, err := m.ListInstalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"node", "python"}, Names(pkgs))

	require.NoError(t, m.Install(context.Background(), "go"))
	require.NoError(t, m.Uninstall(context.Background(), "go"))
	assert.Equal(t, []string{"use", "--global", "go@latest"}, f.calls[1].args)
	assert.Equal(t, []string{"uninstall", "go"}, f.calls[2].args)

	_, err = NewCustom(CustomSpec{Name: "bad", List: `unterminated "quote`, Install: "x", Uninstall: "y"}, f.run)
	assert.Error(t, err)
	_, err = NewCustom(CustomSpec{Name: "empty", List: "x"}, f.run)
	assert.Error(t, err)
}

func TestBuiltinNames(t *testing.T) {
	assert.Equal(t, []string{"brew", "brew-cask", "bun", "cargo", "gem", "npm", "pnpm", "uv"}, BuiltinNames())
}
