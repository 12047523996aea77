package conflict

import (
	"time"

	"github.com/tether-sync/tether/internal/utils"
)

// Version is one candidate content of an entity. Content is nil when the side is absent.
// Sum stands in for the fingerprint when only the hash of a version is known, as for baselines.
type Version struct {
	Content    []byte
	Sum        string
	ModifiedAt time.Time
	Machine    string
}

func (v Version) Present() bool {
	return v.Content != nil
}

func (v Version) Fingerprint() string {
	if v.Content == nil {
		return v.Sum
	}
	return utils.Fingerprint(v.Content)
}

// Result is either Clean or Conflict.
type Result interface {
	isResult()
}

// Clean is a merge that needs no operator input. Content is nil when the merged
// state is "absent".
type Clean struct {
	Content    []byte
	ModifiedAt time.Time
	Outcome    Outcome
}

// Conflict keeps all three candidates for later resolution.
type Conflict struct {
	Base    Version
	Local   Version
	Remote  Version
	Outcome Outcome
}

func (Clean) isResult()    {}
func (Conflict) isResult() {}

// Merge performs the three-way decision on whole-file content.
func Merge(base, local, remote Version) Result {
	outcome := Classify(Observation{
		Base:   base.Fingerprint(),
		Local:  local.Fingerprint(),
		Remote: remote.Fingerprint(),
	})

	switch outcome {
	case Unchanged, LocalOnly, Convergent:
		return Clean{Content: local.Content, ModifiedAt: local.ModifiedAt, Outcome: outcome}
	case RemoteOnly:
		return Clean{Content: remote.Content, ModifiedAt: remote.ModifiedAt, Outcome: outcome}
	default:
		return Conflict{Base: base, Local: local, Remote: remote, Outcome: outcome}
	}
}
