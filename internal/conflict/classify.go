// Package conflict decides how local and remote edits of a tracked entity reconcile.
package conflict

// Outcome is the classification of one entity for one sync cycle.
type Outcome int

const (
	Unchanged Outcome = iota
	LocalOnly
	RemoteOnly
	// Convergent means both sides changed to the same content.
	Convergent
	Divergent
	// DeleteEdit means one side removed the entity while the other edited it.
	DeleteEdit
)

func (o Outcome) String() string {
	switch o {
	case Unchanged:
		return "unchanged"
	case LocalOnly:
		return "local-only"
	case RemoteOnly:
		return "remote-only"
	case Convergent:
		return "convergent"
	case Divergent:
		return "divergent"
	case DeleteEdit:
		return "delete-edit"
	default:
		return "unknown"
	}
}

// Observation holds the three fingerprints of an entity. An empty fingerprint means absent.
type Observation struct {
	Base   string
	Local  string
	Remote string
}

func Classify(o Observation) Outcome {
	localChanged := o.Local != o.Base
	remoteChanged := o.Remote != o.Base

	switch {
	case !localChanged && !remoteChanged:
		return Unchanged
	case localChanged && !remoteChanged:
		return LocalOnly
	case !localChanged && remoteChanged:
		return RemoteOnly
	case o.Local == o.Remote:
		return Convergent
	case o.Base != "" && (o.Local == "" || o.Remote == ""):
		return DeleteEdit
	default:
		return Divergent
	}
}
