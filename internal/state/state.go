// Package state persists the last synchronized fingerprint of every tracked entity.
package state

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/tether-sync/tether/internal/utils"
)

const currentVersion = 2

var (
	ErrCorruptState       = errors.New("state file is corrupt")
	ErrUnsupportedVersion = errors.New("state file written by a newer version")
)

type Kind string

const (
	KindDotfile  Kind = "dotfile"
	KindDirFile  Kind = "dir-file"
	KindManifest Kind = "manifest"
)

// Entity is a tracked dotfile, directory config file or package manifest.
// Synced is the baseline: content that was identical locally and remotely at SyncedAt.
type Entity struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Synced     string    `json:"synced"`
	SyncedAt   time.Time `json:"synced_at"`
	ModifiedAt time.Time `json:"modified_at"`
	Machine    string    `json:"machine"`
	Encrypted  bool      `json:"encrypted"`
	// Layers holds the per-layer fingerprints of a team-layered entity at the last sync.
	Layers map[string]string `json:"layers,omitempty"`
}

type Tombstone struct {
	ID        string    `json:"id"`
	RemovedAt time.Time `json:"removed_at"`
	Machine   string    `json:"machine"`
}

type fileState struct {
	Version    int                   `json:"version"`
	MachineID  string                `json:"machine_id"`
	LastSync   time.Time             `json:"last_sync"`
	Entities   map[string]*Entity    `json:"entities"`
	Tombstones map[string]*Tombstone `json:"tombstones"`
	// Applied holds fingerprints of remote content written locally by a cycle whose push
	// was not confirmed yet. It is never a baseline.
	Applied map[string]string `json:"applied,omitempty"`
}

// Store is the on-disk state record of one machine. Mutations are kept in memory until Save.
type Store struct {
	path  string
	mu    sync.RWMutex
	state *fileState
}

// Open loads the state file at path, or starts an empty state if it does not exist.
// A file that cannot be parsed is never replaced: the caller gets ErrCorruptState.
func Open(path string, machineID string) (*Store, error) {
	s := &Store{
		path: path,
		state: &fileState{
			Version:    currentVersion,
			MachineID:  machineID,
			Entities:   make(map[string]*Entity),
			Tombstones: make(map[string]*Tombstone),
			Applied:    make(map[string]string),
		},
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "read state %s", path)
	}

	var fs fileState
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, errors.WithHintf(
			errors.Mark(errors.Wrapf(err, "parse state %s", path), ErrCorruptState),
			"restore %s from a backup or move it aside to start over; it is never deleted automatically", path,
		)
	}
	if fs.Version > currentVersion {
		return nil, errors.WithHint(
			errors.Wrapf(ErrUnsupportedVersion, "state version %d", fs.Version),
			"upgrade tether on this machine",
		)
	}
	if fs.Entities == nil {
		fs.Entities = make(map[string]*Entity)
	}
	if fs.Tombstones == nil {
		fs.Tombstones = make(map[string]*Tombstone)
	}
	if fs.Applied == nil {
		fs.Applied = make(map[string]string)
	}
	if fs.MachineID == "" {
		fs.MachineID = machineID
	}
	fs.Version = currentVersion
	s.state = &fs
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) MachineID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.MachineID
}

// GetBaseline returns the last synchronized fingerprint of id.
func (s *Store) GetBaseline(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.state.Entities[id]
	if !ok || e.Synced == "" {
		return "", false
	}
	return e.Synced, true
}

func (s *Store) Get(id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.state.Entities[id]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Track registers an entity on first discovery without giving it a baseline.
func (s *Store) Track(id string, kind Kind, encrypted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.state.Entities[id]; ok {
		e.Kind = kind
		e.Encrypted = encrypted
		return
	}
	s.state.Entities[id] = &Entity{ID: id, Kind: kind, Encrypted: encrypted}
}

// RecordSynced advances the baseline of id. Callers must only do this once the content
// is confirmed present both locally and in the pushed remote.
func (s *Store) RecordSynced(id string, fingerprint string, modifiedAt time.Time, machine string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.Entities[id]
	if !ok {
		e = &Entity{ID: id, Kind: KindDotfile}
		s.state.Entities[id] = e
	}
	e.Synced = fingerprint
	e.ModifiedAt = modifiedAt
	e.SyncedAt = time.Now()
	e.Machine = machine
}

// RecordLayers stores the layer fingerprints of id next to its baseline.
func (s *Store) RecordLayers(id string, layers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.Entities[id]
	if !ok {
		return
	}
	e.Layers = make(map[string]string, len(layers))
	for k, v := range layers {
		e.Layers[k] = v
	}
}

// ListTracked returns all entities ordered by id.
func (s *Store) ListTracked() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entity, 0, len(s.state.Entities))
	for _, e := range s.state.Entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkApplied records that remote content with fingerprint sum was written over the local
// copy of id and is waiting for the push that confirms it.
func (s *Store) MarkApplied(id string, sum string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Applied[id] = sum
}

// Applied returns the fingerprint written locally for id by an unconfirmed cycle.
func (s *Store) Applied(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.state.Applied[id]
	return sum, ok
}

func (s *Store) ClearApplied(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Applied, id)
}

// Forget drops the entity record, used when an entity leaves the configuration.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Entities, id)
	delete(s.state.Applied, id)
}

// Tombstone records an explicit removal so the entity is not resurrected by the next pull.
func (s *Store) Tombstone(id string, machine string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Entities, id)
	delete(s.state.Applied, id)
	s.state.Tombstones[id] = &Tombstone{ID: id, RemovedAt: at, Machine: machine}
}

func (s *Store) Untombstone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Tombstones, id)
}

func (s *Store) IsTombstoned(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.state.Tombstones[id]
	return ok
}

func (s *Store) Tombstones() []Tombstone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tombstone, 0, len(s.state.Tombstones))
	for _, t := range s.state.Tombstones {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastSync
}

func (s *Store) SetLastSync(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastSync = t
}

// Save writes the state atomically.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	if err := utils.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return errors.Wrapf(err, "write state %s", s.path)
	}
	return nil
}
