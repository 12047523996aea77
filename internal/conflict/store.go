package conflict

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tether-sync/tether/internal/state"
	"github.com/tether-sync/tether/internal/utils"
)

type Resolution string

const (
	Pending        Resolution = "pending"
	ResolvedLocal  Resolution = "resolved-local"
	ResolvedRemote Resolution = "resolved-remote"
	ResolvedMerged Resolution = "resolved-merged"
)

var (
	ErrConflictNotFound = errors.New("conflict not found")
	ErrAlreadyResolved  = errors.New("conflict already resolved")
	ErrInvalidChoice    = errors.New("invalid resolution choice")
	ErrCorruptConflicts = errors.New("conflicts file is corrupt")
)

// ParseChoice maps operator input to a resolution.
func ParseChoice(s string) (Resolution, error) {
	switch s {
	case "local", string(ResolvedLocal):
		return ResolvedLocal, nil
	case "remote", string(ResolvedRemote):
		return ResolvedRemote, nil
	case "merged", string(ResolvedMerged):
		return ResolvedMerged, nil
	}
	return "", errors.WithHint(errors.Wrapf(ErrInvalidChoice, "%q", s), "choose local, remote or merged")
}

type Side struct {
	Fingerprint string    `json:"fingerprint"`
	ModifiedAt  time.Time `json:"modified_at,omitempty"`
	Machine     string    `json:"machine,omitempty"`
}

// Record is a persisted unreconciled change. While State is Pending the entity must not
// be overwritten by a sync cycle.
type Record struct {
	ID         string     `json:"id"`
	Entity     string     `json:"entity"`
	Kind       state.Kind `json:"kind"`
	Outcome    string     `json:"outcome"`
	Layer      Layer      `json:"layer,omitempty"`
	Base       Side       `json:"base"`
	Local      Side       `json:"local"`
	Remote     Side       `json:"remote"`
	DetectedAt time.Time  `json:"detected_at"`
	State      Resolution `json:"state"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// NewRecord builds a pending record from a merge conflict.
func NewRecord(entity string, kind state.Kind, c Conflict) Record {
	side := func(v Version) Side {
		return Side{Fingerprint: v.Fingerprint(), ModifiedAt: v.ModifiedAt, Machine: v.Machine}
	}
	return Record{
		ID:         uuid.NewString(),
		Entity:     entity,
		Kind:       kind,
		Outcome:    c.Outcome.String(),
		Base:       side(c.Base),
		Local:      side(c.Local),
		Remote:     side(c.Remote),
		DetectedAt: time.Now(),
		State:      Pending,
	}
}

// Contents are the candidate bodies kept next to a record. Merged is set by a
// resolved-merged choice.
type Contents struct {
	Base   []byte
	Local  []byte
	Remote []byte
	Merged []byte
}

// Store persists records in conflicts.json and their contents under a sibling directory.
type Store struct {
	path    string
	blobDir string

	mu      sync.Mutex
	records []Record
}

func OpenStore(path, blobDir string) (*Store, error) {
	s := &Store{path: path, blobDir: blobDir}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "read conflicts %s", path)
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, errors.WithHintf(
			errors.Mark(errors.Wrapf(err, "parse conflicts %s", path), ErrCorruptConflicts),
			"repair or move %s aside", path,
		)
	}
	return s, nil
}

// Add stores rec and its contents, replacing any earlier record for the same entity.
func (s *Store) Add(rec Record, contents Contents) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	for _, r := range s.records {
		if r.Entity == rec.Entity {
			os.RemoveAll(filepath.Join(s.blobDir, r.ID))
			continue
		}
		kept = append(kept, r)
	}
	s.records = append(kept, rec)

	if err := s.writeContents(rec.ID, contents); err != nil {
		return err
	}
	return s.save()
}

func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Record(nil), s.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

func (s *Store) Get(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(id); i >= 0 {
		return s.records[i], nil
	}
	return Record{}, errors.Wrapf(ErrConflictNotFound, "%s", id)
}

// Pending returns the unresolved record for entity, if any.
func (s *Store) Pending(entity string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Entity == entity && r.State == Pending {
			return r, true
		}
	}
	return Record{}, false
}

// Resolved returns records with a choice that has not yet been written and pushed.
func (s *Store) Resolved() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.State != Pending {
			out = append(out, r)
		}
	}
	return out
}

// Resolve records the operator's choice. merged is required for ResolvedMerged.
func (s *Store) Resolve(id string, choice Resolution, merged []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		return errors.Wrapf(ErrConflictNotFound, "%s", id)
	}
	if s.records[i].State != Pending {
		return errors.Wrapf(ErrAlreadyResolved, "%s is %s", id, s.records[i].State)
	}
	switch choice {
	case ResolvedLocal, ResolvedRemote:
	case ResolvedMerged:
		if merged == nil {
			return errors.WithHint(errors.Wrap(ErrInvalidChoice, "merged content required"), "pass --file with the merged result")
		}
		if err := utils.WriteFileAtomic(filepath.Join(s.blobDir, id, "merged"), merged, 0o600); err != nil {
			return errors.Wrap(err, "write merged content")
		}
	default:
		return errors.Wrapf(ErrInvalidChoice, "%q", choice)
	}

	now := time.Now()
	s.records[i].State = choice
	s.records[i].ResolvedAt = &now
	return s.save()
}

// Clear drops a record once its resolution is on local disk and in the remote.
func (s *Store) Clear(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return errors.Wrapf(ErrConflictNotFound, "%s", id)
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	if err := os.RemoveAll(filepath.Join(s.blobDir, id)); err != nil {
		return errors.Wrap(err, "remove conflict contents")
	}
	return s.save()
}

func (s *Store) Contents(id string) (Contents, error) {
	dir := filepath.Join(s.blobDir, id)
	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return data, err
	}

	var c Contents
	var err error
	if c.Base, err = read("base"); err != nil {
		return c, err
	}
	if c.Local, err = read("local"); err != nil {
		return c, err
	}
	if c.Remote, err = read("remote"); err != nil {
		return c, err
	}
	c.Merged, err = read("merged")
	return c, err
}

func (s *Store) writeContents(id string, c Contents) error {
	dir := filepath.Join(s.blobDir, id)
	for name, data := range map[string][]byte{"base": c.Base, "local": c.Local, "remote": c.Remote} {
		if data == nil {
			continue
		}
		if err := utils.WriteFileAtomic(filepath.Join(dir, name), data, 0o600); err != nil {
			return errors.Wrapf(err, "write conflict %s content", name)
		}
	}
	return nil
}

func (s *Store) index(id string) int {
	for i, r := range s.records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) save() error {
	records := s.records
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode conflicts")
	}
	return errors.Wrapf(utils.WriteFileAtomic(s.path, data, 0o600), "write conflicts %s", s.path)
}
