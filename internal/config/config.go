// Package config holds the user settings stored in config.toml.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"github.com/tether-sync/tether/internal/conflict"
	"github.com/tether-sync/tether/internal/packages"
	"github.com/tether-sync/tether/internal/secure"
	"github.com/tether-sync/tether/internal/utils"
)

const (
	FileName  = "config.toml"
	EnvPrefix = "TETHER"

	DefaultInterval       = 5 * time.Minute
	MinInterval           = 30 * time.Second
	DefaultPushRetries    = 3
	DefaultNetworkTimeout = 2 * time.Minute
	DefaultGracePeriod    = 30 * time.Second
	DefaultBranch         = "main"
)

var ErrInvalidConfig = errors.New("invalid configuration")

var branchRe = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

type Config struct {
	Machine  MachineConfig  `toml:"machine" mapstructure:"machine"`
	Sync     SyncConfig     `toml:"sync" mapstructure:"sync"`
	Backend  BackendConfig  `toml:"backend" mapstructure:"backend"`
	Dotfiles DotfilesConfig `toml:"dotfiles" mapstructure:"dotfiles"`
	Packages PackagesConfig `toml:"packages" mapstructure:"packages"`
	Security SecurityConfig `toml:"security" mapstructure:"security"`
	Team     TeamConfig     `toml:"team" mapstructure:"team"`
	Path     string         `toml:"-" mapstructure:"-"`
}

type MachineConfig struct {
	Name string `toml:"name" mapstructure:"name"`
	// Primary is the machine id that wins under the machine-priority strategy.
	Primary string `toml:"primary,omitempty" mapstructure:"primary"`
}

type SyncConfig struct {
	Interval       time.Duration `toml:"interval" mapstructure:"interval"`
	Strategy       string        `toml:"strategy" mapstructure:"strategy"`
	MaxPushRetries int           `toml:"max_push_retries" mapstructure:"max_push_retries"`
	NetworkTimeout time.Duration `toml:"network_timeout" mapstructure:"network_timeout"`
	GracePeriod    time.Duration `toml:"grace_period" mapstructure:"grace_period"`
	Watch          bool          `toml:"watch" mapstructure:"watch"`
}

type BackendConfig struct {
	URL       string `toml:"url" mapstructure:"url"`
	Branch    string `toml:"branch" mapstructure:"branch"`
	AuthToken string `toml:"auth_token,omitempty" mapstructure:"auth_token"`
	SSHKey    string `toml:"ssh_key,omitempty" mapstructure:"ssh_key"`
}

type FileEntry struct {
	Path            string `toml:"path" mapstructure:"path"`
	Encrypt         bool   `toml:"encrypt,omitempty" mapstructure:"encrypt"`
	CreateIfMissing bool   `toml:"create_if_missing,omitempty" mapstructure:"create_if_missing"`
}

type DotfilesConfig struct {
	Files  []FileEntry `toml:"files" mapstructure:"files"`
	Dirs   []string    `toml:"dirs" mapstructure:"dirs"`
	Ignore []string    `toml:"ignore" mapstructure:"ignore"`
}

type ManagerConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

type PackagesConfig struct {
	Brew           ManagerConfig         `toml:"brew" mapstructure:"brew"`
	BrewCask       ManagerConfig         `toml:"brew-cask" mapstructure:"brew-cask"`
	NPM            ManagerConfig         `toml:"npm" mapstructure:"npm"`
	PNPM           ManagerConfig         `toml:"pnpm" mapstructure:"pnpm"`
	Bun            ManagerConfig         `toml:"bun" mapstructure:"bun"`
	Gem            ManagerConfig         `toml:"gem" mapstructure:"gem"`
	UV             ManagerConfig         `toml:"uv" mapstructure:"uv"`
	Cargo          ManagerConfig         `toml:"cargo" mapstructure:"cargo"`
	RemoveUnlisted bool                  `toml:"remove_unlisted" mapstructure:"remove_unlisted"`
	Custom         []packages.CustomSpec `toml:"custom" mapstructure:"custom"`
}

type SecurityConfig struct {
	EncryptDotfiles bool     `toml:"encrypt_dotfiles" mapstructure:"encrypt_dotfiles"`
	ScanSecrets     bool     `toml:"scan_secrets" mapstructure:"scan_secrets"`
	Recipients      []string `toml:"recipients" mapstructure:"recipients"`
}

type TeamConfig struct {
	Enabled bool         `toml:"enabled" mapstructure:"enabled"`
	URL     string       `toml:"url" mapstructure:"url"`
	Layers  []LayerEntry `toml:"layers" mapstructure:"layers"`
}

// LayerEntry composes the dotfile at Path from Source in the team checkout plus the personal copy.
type LayerEntry struct {
	Path   string `toml:"path" mapstructure:"path"`
	Source string `toml:"source" mapstructure:"source"`
}

// Layer returns the team source for a dotfile path.
func (t *TeamConfig) Layer(path string) (string, bool) {
	if !t.Enabled {
		return "", false
	}
	for _, l := range t.Layers {
		if l.Path == path {
			return l.Source, true
		}
	}
	return "", false
}

func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			Interval:       DefaultInterval,
			Strategy:       string(conflict.LastWriteWins),
			MaxPushRetries: DefaultPushRetries,
			NetworkTimeout: DefaultNetworkTimeout,
			GracePeriod:    DefaultGracePeriod,
		},
		Backend: BackendConfig{Branch: DefaultBranch},
		Packages: PackagesConfig{
			Brew: ManagerConfig{Enabled: true},
		},
		Security: SecurityConfig{ScanSecrets: true},
	}
}

// EnabledManagers returns the names of the enabled built-in managers, sorted.
func (p *PackagesConfig) EnabledManagers() []string {
	all := map[string]bool{
		"brew":      p.Brew.Enabled,
		"brew-cask": p.BrewCask.Enabled,
		"npm":       p.NPM.Enabled,
		"pnpm":      p.PNPM.Enabled,
		"bun":       p.Bun.Enabled,
		"gem":       p.Gem.Enabled,
		"uv":        p.UV.Enabled,
		"cargo":     p.Cargo.Enabled,
	}
	var names []string
	for name, on := range all {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Policy builds the conflict policy for this machine.
func (c *Config) Policy(self string) (conflict.Policy, error) {
	strategy, err := conflict.ParseStrategy(c.Sync.Strategy)
	if err != nil {
		return conflict.Policy{}, err
	}
	return conflict.Policy{Strategy: strategy, Primary: c.Machine.Primary, Self: self}, nil
}

// ShouldEncrypt reports whether the dotfile entry is stored encrypted in the repository.
func (c *Config) ShouldEncrypt(f FileEntry) bool {
	return f.Encrypt || c.Security.EncryptDotfiles
}

func (c *Config) Validate() error {
	var errs []error
	add := func(err error, hint string) {
		errs = append(errs, errors.WithHint(errors.Mark(err, ErrInvalidConfig), hint))
	}

	if c.Sync.Interval < MinInterval {
		add(errors.Newf("sync.interval %s is below the minimum", c.Sync.Interval),
			"set sync.interval to at least "+MinInterval.String())
	}
	if _, err := conflict.ParseStrategy(c.Sync.Strategy); err != nil {
		errs = append(errs, errors.Mark(err, ErrInvalidConfig))
	} else if conflict.Strategy(c.Sync.Strategy) == conflict.MachinePriority && c.Machine.Primary == "" {
		add(errors.New("machine-priority strategy without machine.primary"),
			"set machine.primary to the id shown by `tether machines`")
	}
	if c.Sync.MaxPushRetries < 0 {
		add(errors.Newf("sync.max_push_retries %d is negative", c.Sync.MaxPushRetries), "use 0 to disable retries")
	}
	if c.Sync.NetworkTimeout <= 0 {
		add(errors.New("sync.network_timeout must be positive"), "the default is "+DefaultNetworkTimeout.String())
	}
	if c.Backend.Branch != "" && !branchRe.MatchString(c.Backend.Branch) {
		add(errors.Newf("backend.branch %q is not a valid branch name", c.Backend.Branch), "use letters, digits, '.', '_', '-' or '/'")
	}

	seen := make(map[string]bool)
	for i, f := range c.Dotfiles.Files {
		clean, err := utils.CleanRelPath(f.Path)
		if err != nil {
			add(errors.Wrapf(err, "dotfiles.files[%d]", i), "paths must be relative to the home directory and stay inside it")
			continue
		}
		if seen[clean] {
			add(errors.Newf("dotfiles.files[%d]: %q listed twice", i, f.Path), "remove the duplicate entry")
		}
		seen[clean] = true
		c.Dotfiles.Files[i].Path = clean
	}
	for i, d := range c.Dotfiles.Dirs {
		clean, err := utils.CleanRelPath(d)
		if err != nil {
			add(errors.Wrapf(err, "dotfiles.dirs[%d]", i), "paths must be relative to the home directory and stay inside it")
			continue
		}
		c.Dotfiles.Dirs[i] = clean
	}

	names := make(map[string]bool)
	for _, n := range packages.BuiltinNames() {
		names[n] = true
	}
	for i, spec := range c.Packages.Custom {
		if spec.Name == "" {
			add(errors.Newf("packages.custom[%d] has no name", i), "give every custom manager a name")
			continue
		}
		if _, err := packages.NewCustom(spec, nil); err != nil {
			add(errors.Wrapf(err, "packages.custom[%d]", i), "custom managers need a name and list/install/uninstall commands")
			continue
		}
		if names[spec.Name] {
			add(errors.Newf("packages.custom[%d]: name %q already in use", i, spec.Name), "pick a name that is not a built-in manager")
		}
		names[spec.Name] = true
	}

	for i, r := range c.Security.Recipients {
		if _, err := secure.ParseRecipient(r); err != nil {
			add(errors.Wrapf(err, "security.recipients[%d]", i), "recipients look like tether-pub-..., see `tether keys generate`")
		}
	}

	if c.Team.Enabled {
		if c.Team.URL == "" {
			add(errors.New("team.enabled without team.url"), "set team.url to the team repository")
		}
		for i, l := range c.Team.Layers {
			path, err := utils.CleanRelPath(l.Path)
			if err != nil {
				add(errors.Wrapf(err, "team.layers[%d].path", i), "paths must be relative to the home directory")
				continue
			}
			source, err := utils.CleanRelPath(l.Source)
			if err != nil {
				add(errors.Wrapf(err, "team.layers[%d].source", i), "sources are relative to the team repository")
				continue
			}
			c.Team.Layers[i] = LayerEntry{Path: path, Source: source}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Mark(errors.Join(errs...), ErrInvalidConfig)
}

// Load reads path, applies TETHER_* environment overrides and validates.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, errors.WithHint(
				errors.Mark(errors.Wrapf(err, "read config %s", path), ErrInvalidConfig),
				"fix the TOML syntax or move the file aside and run `tether init`",
			)
		}
	}
	return FromViper(v, path)
}

// FromViper decodes an already populated viper instance. Flags bound by the CLI take effect here.
func FromViper(v *viper.Viper, path string) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WithHint(errors.Mark(errors.Wrap(err, "decode config"), ErrInvalidConfig),
			"check value types in "+path)
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.strategy", d.Sync.Strategy)
	v.SetDefault("sync.max_push_retries", d.Sync.MaxPushRetries)
	v.SetDefault("sync.network_timeout", d.Sync.NetworkTimeout)
	v.SetDefault("sync.grace_period", d.Sync.GracePeriod)
	v.SetDefault("sync.watch", false)
	v.SetDefault("backend.branch", d.Backend.Branch)
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.auth_token", "")
	v.SetDefault("machine.name", "")
	v.SetDefault("machine.primary", "")
	v.SetDefault("packages.brew.enabled", d.Packages.Brew.Enabled)
	v.SetDefault("packages.remove_unlisted", false)
	v.SetDefault("security.scan_secrets", d.Security.ScanSecrets)
	v.SetDefault("security.encrypt_dotfiles", false)
}

// Save writes the config as TOML with 0600 permissions, since it may carry an auth token.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(c); err != nil {
		return errors.Wrap(err, "encode config")
	}
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(path, buf.Bytes(), 0o600); err != nil {
		return errors.Wrapf(err, "write config %s", path)
	}
	c.Path = path
	return nil
}

// DefaultPath is ~/.tether/config.toml.
func DefaultPath(home string) string {
	return filepath.Join(home, ".tether", FileName)
}
