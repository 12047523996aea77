package conflict

import (
	"github.com/cockroachdb/errors"
)

type Strategy string

const (
	LastWriteWins   Strategy = "last-write-wins"
	Manual          Strategy = "manual"
	MachinePriority Strategy = "machine-priority"
)

var ErrUnknownStrategy = errors.New("unknown conflict strategy")

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case LastWriteWins, Manual, MachinePriority:
		return Strategy(s), nil
	case "":
		return LastWriteWins, nil
	}
	return "", errors.WithHint(
		errors.Wrapf(ErrUnknownStrategy, "%q", s),
		"use one of last-write-wins, manual, machine-priority",
	)
}

// Policy picks a side for divergent file content.
type Policy struct {
	Strategy Strategy
	// Primary is the machine id whose version wins under machine-priority.
	Primary string
	// Self is this machine's id.
	Self string
}

// Decide returns ResolvedLocal, ResolvedRemote or Pending. Delete/edit conflicts are
// always left to the operator.
func (p Policy) Decide(c Conflict) Resolution {
	if c.Outcome == DeleteEdit {
		return Pending
	}

	switch p.Strategy {
	case LastWriteWins:
		if c.Remote.ModifiedAt.After(c.Local.ModifiedAt) {
			return ResolvedRemote
		}
		return ResolvedLocal
	case MachinePriority:
		switch {
		case p.Primary == "":
			return Pending
		case p.Primary == p.Self:
			return ResolvedLocal
		case c.Remote.Machine == p.Primary:
			return ResolvedRemote
		}
		// neither side is the primary
		return Pending
	default:
		return Pending
	}
}

// Apply returns the content selected by a resolution.
func (c Conflict) Apply(r Resolution) (Version, bool) {
	switch r {
	case ResolvedLocal:
		return c.Local, true
	case ResolvedRemote:
		return c.Remote, true
	}
	return Version{}, false
}
