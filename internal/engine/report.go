package engine

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tether-sync/tether/internal/conflict"
	"github.com/tether-sync/tether/internal/secrets"
	"github.com/tether-sync/tether/internal/state"
)

type Mode string

const (
	ModeDotfiles Mode = "dotfiles-only"
	ModePackages Mode = "packages-only"
	ModeFull     Mode = "full"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDotfiles, ModePackages, ModeFull:
		return Mode(s), nil
	case "", "all":
		return ModeFull, nil
	case "dotfiles":
		return ModeDotfiles, nil
	case "packages":
		return ModePackages, nil
	}
	return "", errors.WithHint(errors.Newf("unknown sync mode %q", s), "use full, dotfiles-only or packages-only")
}

func (m Mode) dotfiles() bool { return m != ModePackages }
func (m Mode) packages() bool { return m != ModeDotfiles }

type Action string

const (
	ActionPush      Action = "push"
	ActionPull      Action = "pull"
	ActionRestore   Action = "restore"
	ActionCreate    Action = "create"
	ActionConverged Action = "converged"
	ActionReencrypt Action = "re-encrypt"
	ActionResolved  Action = "resolved"
	ActionUntrack   Action = "untrack"
	ActionRemove    Action = "remove"
	ActionInstall   Action = "install"
	ActionUninstall Action = "uninstall"
	ActionManifest  Action = "manifest"
)

// Applied is one change a cycle made, or would make in a dry run.
type Applied struct {
	Entity string     `json:"entity"`
	Kind   state.Kind `json:"kind"`
	Action Action     `json:"action"`
	Detail string     `json:"detail,omitempty"`
}

// Failure is an entity the cycle could not sync. The rest of the cycle is unaffected.
type Failure struct {
	Entity   string            `json:"entity"`
	Category Category          `json:"category"`
	Error    string            `json:"error"`
	Hint     string            `json:"hint,omitempty"`
	Findings []secrets.Finding `json:"findings,omitempty"`
}

// CycleReport separates what was applied, what conflicts need resolution and what failed.
type CycleReport struct {
	Mode       Mode              `json:"mode"`
	DryRun     bool              `json:"dry_run"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Attempts   int               `json:"attempts"`
	Commit     string            `json:"commit,omitempty"`
	Pushed     bool              `json:"pushed"`
	Backup     string            `json:"backup,omitempty"`
	Applied    []Applied         `json:"applied"`
	Conflicts  []conflict.Record `json:"conflicts"`
	Failures   []Failure         `json:"failures"`
	// Error is set when the cycle as a whole did not complete.
	Error string `json:"error,omitempty"`
}

func (r *CycleReport) Clean() bool {
	return r.Error == "" && len(r.Conflicts) == 0 && len(r.Failures) == 0
}

func (r *CycleReport) applied(entity string, kind state.Kind, action Action, detail string) {
	r.Applied = append(r.Applied, Applied{Entity: entity, Kind: kind, Action: action, Detail: detail})
}

func (r *CycleReport) fail(entity string, err error) {
	r.Failures = append(r.Failures, Failure{
		Entity:   entity,
		Category: Classify(err),
		Error:    err.Error(),
		Hint:     strings.Join(errors.GetAllHints(err), "; "),
	})
}

// reset drops everything an abandoned push attempt recorded.
func (r *CycleReport) reset() {
	r.Applied, r.Conflicts, r.Failures = nil, nil, nil
	r.Backup = ""
}
