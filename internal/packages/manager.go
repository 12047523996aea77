// Package packages adapts package managers to a common list/install/uninstall surface.
package packages

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/tether-sync/tether/internal/machine"
)

var ErrUnsafeName = errors.New("unsafe package name")

type Package struct {
	Name    string
	Version string
}

// Manager is the capability set of one package manager.
type Manager interface {
	Name() string
	Available(ctx context.Context) bool
	ListInstalled(ctx context.Context) ([]Package, error)
	Install(ctx context.Context, name string) error
	Uninstall(ctx context.Context, name string) error
	ExportManifest(ctx context.Context) ([]byte, error)
	// ImportManifest installs every listed package that is missing. Failures of
	// individual packages are collected, not fatal.
	ImportManifest(ctx context.Context, manifest []byte) (*ImportResult, error)
}

type ImportResult struct {
	Installed []string
	Failed    map[string]error
}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 400 {
			msg = msg[len(msg)-400:]
		}
		return out, errors.Wrapf(err, "%s %s: %s", name, strings.Join(args, " "), msg)
	}
	return out, nil
}

// ParseManifest reads one package per line, ignoring blanks and # comments.
func ParseManifest(data []byte) []string {
	var out []string
	seen := make(map[string]struct{})
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	sort.Strings(out)
	return out
}

// FormatManifest is the inverse of ParseManifest: sorted, one per line.
func FormatManifest(pkgs []string) []byte {
	sorted := append([]string(nil), pkgs...)
	sort.Strings(sorted)
	var b bytes.Buffer
	for _, p := range sorted {
		if p == "" {
			continue
		}
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func Names(pkgs []Package) []string {
	out := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, p.Name)
	}
	sort.Strings(out)
	return out
}

func checkName(name string) error {
	if !machine.ValidPackageName(name) {
		return errors.Wrapf(ErrUnsafeName, "%q", name)
	}
	return nil
}
