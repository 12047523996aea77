package packages

import (
	"context"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

const placeholder = "{pkg}"

// CommandManager drives a package manager through its command line.
type CommandManager struct {
	name      string
	binary    string
	list      []string
	install   []string
	uninstall []string
	parse     func(out []byte) []Package
	// ignore filters packages that belong to the manager itself
	ignore map[string]bool
	run    Runner
}

func (m *CommandManager) Name() string { return m.name }

func (m *CommandManager) Available(ctx context.Context) bool {
	_, err := exec.LookPath(m.binary)
	return err == nil
}

func (m *CommandManager) ListInstalled(ctx context.Context) ([]Package, error) {
	out, err := m.run(ctx, m.list[0], m.list[1:]...)
	if err != nil {
		return nil, errors.Wrapf(err, "%s list", m.name)
	}
	var pkgs []Package
	for _, p := range m.parse(out) {
		if p.Name == "" || m.ignore[p.Name] {
			continue
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, nil
}

func (m *CommandManager) Install(ctx context.Context, name string) error {
	return m.exec(ctx, m.install, name)
}

func (m *CommandManager) Uninstall(ctx context.Context, name string) error {
	return m.exec(ctx, m.uninstall, name)
}

func (m *CommandManager) ExportManifest(ctx context.Context) ([]byte, error) {
	pkgs, err := m.ListInstalled(ctx)
	if err != nil {
		return nil, err
	}
	return FormatManifest(Names(pkgs)), nil
}

func (m *CommandManager) ImportManifest(ctx context.Context, manifest []byte) (*ImportResult, error) {
	installed, err := m.ListInstalled(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(installed))
	for _, p := range installed {
		have[p.Name] = true
	}

	res := &ImportResult{Failed: make(map[string]error)}
	for _, name := range ParseManifest(manifest) {
		if have[name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := m.Install(ctx, name); err != nil {
			res.Failed[name] = err
			continue
		}
		res.Installed = append(res.Installed, name)
	}
	return res, nil
}

func (m *CommandManager) exec(ctx context.Context, tmpl []string, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	args := make([]string, len(tmpl))
	substituted := false
	for i, a := range tmpl {
		if strings.Contains(a, placeholder) {
			substituted = true
		}
		args[i] = strings.ReplaceAll(a, placeholder, name)
	}
	if !substituted {
		args = append(args, name)
	}
	_, err := m.run(ctx, args[0], args[1:]...)
	return err
}

// CustomSpec describes a user-defined manager by shell-style command lines.
type CustomSpec struct {
	Name      string `toml:"name" mapstructure:"name"`
	List      string `toml:"list" mapstructure:"list"`
	Install   string `toml:"install" mapstructure:"install"`
	Uninstall string `toml:"uninstall" mapstructure:"uninstall"`
}

// NewCustom builds a manager from command lines. List must print one package per line;
// install and uninstall may use {pkg}, otherwise the name is appended.
func NewCustom(spec CustomSpec, run Runner) (*CommandManager, error) {
	if run == nil {
		run = ExecRunner
	}
	list, err := splitCommand(spec.Name, "list", spec.List)
	if err != nil {
		return nil, err
	}
	install, err := splitCommand(spec.Name, "install", spec.Install)
	if err != nil {
		return nil, err
	}
	uninstall, err := splitCommand(spec.Name, "uninstall", spec.Uninstall)
	if err != nil {
		return nil, err
	}
	return &CommandManager{
		name:      spec.Name,
		binary:    list[0],
		list:      list,
		install:   install,
		uninstall: uninstall,
		parse:     parseLines,
		run:       run,
	}, nil
}

func splitCommand(manager, op, line string) ([]string, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s command", manager, op)
	}
	if len(words) == 0 {
		return nil, errors.Newf("%s %s command is empty", manager, op)
	}
	return words, nil
}
