package packages

import (
	"bufio"
	"bytes"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Builtins returns the managers tether knows out of the box, keyed by name.
func Builtins(run Runner) map[string]Manager {
	if run == nil {
		run = ExecRunner
	}
	all := []*CommandManager{
		{
			name: "brew", binary: "brew",
			list:      []string{"brew", "leaves", "--installed-on-request"},
			install:   []string{"brew", "install", placeholder},
			uninstall: []string{"brew", "uninstall", placeholder},
			parse:     parseLines,
		},
		{
			name: "brew-cask", binary: "brew",
			list:      []string{"brew", "list", "--cask", "-1"},
			install:   []string{"brew", "install", "--cask", placeholder},
			uninstall: []string{"brew", "uninstall", "--cask", placeholder},
			parse:     parseLines,
		},
		{
			name: "npm", binary: "npm",
			list:      []string{"npm", "ls", "-g", "--depth=0", "--json"},
			install:   []string{"npm", "install", "-g", placeholder},
			uninstall: []string{"npm", "uninstall", "-g", placeholder},
			parse:     parseNpmJSON,
			ignore:    map[string]bool{"npm": true, "corepack": true},
		},
		{
			name: "pnpm", binary: "pnpm",
			list:      []string{"pnpm", "ls", "-g", "--depth=0", "--json"},
			install:   []string{"pnpm", "add", "-g", placeholder},
			uninstall: []string{"pnpm", "remove", "-g", placeholder},
			parse:     parsePnpmJSON,
		},
		{
			name: "bun", binary: "bun",
			list:      []string{"bun", "pm", "ls", "-g"},
			install:   []string{"bun", "add", "-g", placeholder},
			uninstall: []string{"bun", "remove", "-g", placeholder},
			parse:     parseTree,
		},
		{
			name: "gem", binary: "gem",
			list:      []string{"gem", "list", "--local"},
			install:   []string{"gem", "install", placeholder},
			uninstall: []string{"gem", "uninstall", "-x", placeholder},
			parse:     parseGemList,
		},
		{
			name: "uv", binary: "uv",
			list:      []string{"uv", "tool", "list"},
			install:   []string{"uv", "tool", "install", placeholder},
			uninstall: []string{"uv", "tool", "uninstall", placeholder},
			parse:     parseNameVersionLines,
		},
		{
			name: "cargo", binary: "cargo",
			list:      []string{"cargo", "install", "--list"},
			install:   []string{"cargo", "install", placeholder},
			uninstall: []string{"cargo", "uninstall", placeholder},
			parse:     parseNameVersionLines,
		},
	}

	out := make(map[string]Manager, len(all))
	for _, m := range all {
		m.run = run
		out[m.name] = m
	}
	return out
}

// BuiltinNames is the stable order used for config defaults and display.
func BuiltinNames() []string {
	names := make([]string, 0, 8)
	for name := range Builtins(nil) {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseLines(out []byte) []Package {
	var pkgs []Package
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			pkgs = append(pkgs, Package{Name: line})
		}
	}
	return pkgs
}

func parseNpmJSON(out []byte) []Package {
	var doc struct {
		Dependencies map[string]struct {
			Version string `json:"version"`
		} `json:"dependencies"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil
	}
	pkgs := make([]Package, 0, len(doc.Dependencies))
	for name, d := range doc.Dependencies {
		pkgs = append(pkgs, Package{Name: name, Version: d.Version})
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Name < pkgs[j].Name })
	return pkgs
}

func parsePnpmJSON(out []byte) []Package {
	var docs []json.RawMessage
	if err := json.Unmarshal(out, &docs); err != nil {
		return parseNpmJSON(out)
	}
	var pkgs []Package
	for _, d := range docs {
		pkgs = append(pkgs, parseNpmJSON(d)...)
	}
	return pkgs
}

// parseTree reads `├── name@1.2.3` style listings.
func parseTree(out []byte) []Package {
	var pkgs []Package
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		i := strings.Index(line, "── ")
		if i < 0 {
			continue
		}
		spec := strings.TrimSpace(line[i+len("── "):])
		at := strings.LastIndex(spec, "@")
		if at <= 0 {
			pkgs = append(pkgs, Package{Name: spec})
			continue
		}
		pkgs = append(pkgs, Package{Name: spec[:at], Version: spec[at+1:]})
	}
	return pkgs
}

// parseGemList reads `name (1.2.3, 1.2.2)` lines.
func parseGemList(out []byte) []Package {
	var pkgs []Package
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "***") {
			continue
		}
		name, rest, _ := strings.Cut(line, " ")
		ver := strings.Trim(rest, "()")
		if strings.HasPrefix(ver, "default: ") {
			// gems bundled with ruby are not user installs
			continue
		}
		ver, _, _ = strings.Cut(ver, ",")
		pkgs = append(pkgs, Package{Name: name, Version: ver})
	}
	return pkgs
}

// parseNameVersionLines reads `name v1.2.3` headers and skips indented or dashed detail lines
// (uv tool list, cargo install --list).
func parseNameVersionLines(out []byte) []Package {
	var pkgs []Package
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == ' ' || line[0] == '\t' || line[0] == '-' {
			continue
		}
		fields := strings.Fields(strings.TrimSuffix(line, ":"))
		p := Package{Name: fields[0]}
		if len(fields) > 1 {
			p.Version = strings.TrimPrefix(fields[1], "v")
		}
		pkgs = append(pkgs, p)
	}
	return pkgs
}
