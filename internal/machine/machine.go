// Package machine manages the per-machine records published in the sync repository.
package machine

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/denisbrodbeck/machineid"
	"github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/tether-sync/tether/internal/conflict"
	"github.com/tether-sync/tether/internal/utils"
	"github.com/tether-sync/tether/internal/version"
)

const (
	Dir = "machines"

	appID                 = "tether"
	maxPackagesPerManager = 10_000
	maxPackageNameLen     = 256
	maxDotfiles           = 50_000
)

var (
	ErrIncompatibleProtocol = errors.New("repository written by a newer sync protocol")
	ErrInvalidRecord        = errors.New("invalid machine record")

	idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)
)

// Identity is the record of one participating machine. Only the owning machine writes it.
type Identity struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Hostname string    `json:"hostname"`
	OS       string    `json:"os"`
	Protocol string    `json:"protocol_version"`
	LastSync time.Time `json:"last_sync"`

	// Packages installed here, per manager.
	Packages map[string][]string `json:"packages"`
	// RemovedPackages were uninstalled here on purpose and are not reinstalled here.
	RemovedPackages map[string][]string `json:"removed_packages,omitempty"`
	Dotfiles        []string            `json:"dotfiles,omitempty"`
}

// LocalID derives a stable identifier for this machine. The raw OS machine id is never
// published, only an app-scoped hash of it.
func LocalID() string {
	if id, err := machineid.ProtectedID(appID); err == nil && len(id) >= 16 {
		return id[:16]
	} else if err != nil {
		slog.Warn("machine id unavailable, falling back to hostname", "error", err)
	}
	host, _ := os.Hostname()
	return sanitizeID(host)
}

func New(id, name string) *Identity {
	host, _ := os.Hostname()
	if name == "" {
		name = host
	}
	return &Identity{
		ID:              id,
		Name:            name,
		Hostname:        host,
		OS:              osDescription(),
		Protocol:        version.Protocol,
		Packages:        make(map[string][]string),
		RemovedPackages: make(map[string][]string),
	}
}

func Path(repoDir, id string) string {
	return filepath.Join(repoDir, Dir, id+".json")
}

// Load reads the record of id, returning nil when the machine has never published one.
func Load(repoDir, id string) (*Identity, error) {
	data, err := os.ReadFile(Path(repoDir, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "read machine %s", id)
	}
	return decode(data)
}

// LoadOrNew returns the existing record of id refreshed for this build, or a new one.
func LoadOrNew(repoDir, id, name string) (*Identity, error) {
	m, err := Load(repoDir, id)
	if err != nil {
		return nil, err
	}
	fresh := New(id, name)
	if m == nil {
		return fresh, nil
	}
	m.Name, m.Hostname, m.OS, m.Protocol = fresh.Name, fresh.Hostname, fresh.OS, fresh.Protocol
	return m, nil
}

// Save writes the record into the repository checkout.
func (m *Identity) Save(repoDir string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode machine")
	}
	return errors.Wrapf(utils.WriteFileAtomic(Path(repoDir, m.ID), append(data, '\n'), 0o644), "write machine %s", m.ID)
}

// List reads every machine record. A record that does not decode is skipped only when its
// protocol_version is still readable and compatible; otherwise List fails with
// ErrIncompatibleProtocol so an older build never syncs against a format it cannot read.
func List(repoDir string) ([]Identity, error) {
	entries, err := os.ReadDir(filepath.Join(repoDir, Dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "list machines")
	}

	var out []Identity
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(repoDir, Dir, e.Name()))
		if err != nil {
			slog.Warn("skip machine record", "file", e.Name(), "error", err)
			continue
		}
		m, err := decode(data)
		if err != nil {
			if perr := checkHeader(strings.TrimSuffix(e.Name(), ".json"), data); perr != nil {
				return nil, perr
			}
			slog.Warn("skip machine record", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetPackages records the installed set for manager, dropping unsafe names.
func (m *Identity) SetPackages(manager string, pkgs []string) {
	m.Packages[manager] = filterSafe(pkgs)
}

// UnionPackages merges the package sets of all machines per manager.
func UnionPackages(machines []Identity) map[string][]string {
	perManager := make(map[string][][]string)
	for _, m := range machines {
		for mgr, pkgs := range m.Packages {
			perManager[mgr] = append(perManager[mgr], pkgs)
		}
	}
	out := make(map[string][]string, len(perManager))
	for mgr, lists := range perManager {
		out[mgr] = conflict.UnionManifest(lists...)
	}
	return out
}

func (m *Identity) Validate() error {
	if !idPattern.MatchString(m.ID) {
		return errors.Wrapf(ErrInvalidRecord, "id %q", m.ID)
	}
	if len(m.Dotfiles) > maxDotfiles {
		return errors.Wrapf(ErrInvalidRecord, "%d dotfiles", len(m.Dotfiles))
	}
	for mgr, pkgs := range m.Packages {
		if len(pkgs) > maxPackagesPerManager {
			return errors.Wrapf(ErrInvalidRecord, "%d %s packages", len(pkgs), mgr)
		}
	}
	return nil
}

// ValidPackageName rejects names that could be abused when passed to a shell.
func ValidPackageName(name string) bool {
	return name != "" &&
		len(name) <= maxPackageNameLen &&
		!strings.ContainsAny(name, ";&|$`'\"\\\n\r<>(){}* ") &&
		!strings.HasPrefix(name, "-")
}

func decode(data []byte) (*Identity, error) {
	var m Identity
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode machine"), ErrInvalidRecord)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Packages == nil {
		m.Packages = make(map[string][]string)
	}
	if m.RemovedPackages == nil {
		m.RemovedPackages = make(map[string][]string)
	}
	for mgr, pkgs := range m.Packages {
		m.Packages[mgr] = filterSafe(pkgs)
	}
	for mgr, pkgs := range m.RemovedPackages {
		m.RemovedPackages[mgr] = filterSafe(pkgs)
	}
	return &m, nil
}

func filterSafe(pkgs []string) []string {
	out := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		if ValidPackageName(p) {
			out = append(out, p)
		} else {
			slog.Warn("dropping unsafe package name", "package", p)
		}
	}
	sort.Strings(out)
	return out
}

func osDescription() string {
	info, err := host.Info()
	if err != nil {
		return ""
	}
	if info.PlatformVersion == "" {
		return info.Platform
	}
	return info.Platform + "/" + info.PlatformVersion + "; kernel/" + info.KernelVersion
}

func sanitizeID(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	id := strings.Trim(b.String(), "-.")
	if id == "" {
		return "unknown"
	}
	if len(id) > 64 {
		id = id[:64]
	}
	return id
}
