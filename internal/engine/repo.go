package engine

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-json"
	"github.com/tether-sync/tether/internal/utils"
)

// Repository layout.
const (
	DotfilesDir    = "dotfiles"
	ConfigsDir     = "configs"
	ManifestsDir   = "manifests"
	KeysDir        = "keys"
	IndexFile      = "index.json"
	TombstonesFile = "tombstones.json"
	EncryptedExt   = ".enc"
)

// indexEntry carries what git cannot: when and where the stored blob was last edited.
// Blob is the hash of the stored bytes so that plaintext hashes of encrypted files never
// reach the repository.
type indexEntry struct {
	Blob       string    `json:"blob"`
	ModifiedAt time.Time `json:"modified_at"`
	Machine    string    `json:"machine"`
}

type repoTombstone struct {
	RemovedAt time.Time `json:"removed_at"`
	Machine   string    `json:"machine"`
}

// repo is the working view of the checkout for one push attempt.
type repo struct {
	dir        string
	index      map[string]indexEntry
	tombstones map[string]repoTombstone
	dirty      bool
}

func loadRepo(dir string) (*repo, error) {
	r := &repo{
		dir:        dir,
		index:      make(map[string]indexEntry),
		tombstones: make(map[string]repoTombstone),
	}
	if err := readJSON(filepath.Join(dir, IndexFile), &r.index); err != nil {
		return nil, integrityError(errors.Wrap(err, "repository index"))
	}
	if err := readJSON(filepath.Join(dir, TombstonesFile), &r.tombstones); err != nil {
		return nil, integrityError(errors.Wrap(err, "repository tombstones"))
	}
	return r, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (r *repo) abs(rel string) string {
	return filepath.Join(r.dir, filepath.FromSlash(rel))
}

// read returns the stored bytes of rel and whether they are the encrypted variant.
// The plaintext variant is checked second so a flipped encrypt flag still finds the old blob.
func (r *repo) read(rel string, preferEncrypted bool) ([]byte, bool, error) {
	order := []bool{preferEncrypted, !preferEncrypted}
	for _, enc := range order {
		data, err := os.ReadFile(r.abs(variant(rel, enc)))
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, false, errors.Wrapf(err, "read %s", rel)
		}
		return data, enc, nil
	}
	return nil, false, nil
}

// write stores data as the chosen variant of rel and removes the other one.
func (r *repo) write(id, rel string, data []byte, encrypted bool, meta indexEntry) error {
	if err := utils.WriteFileAtomic(r.abs(variant(rel, encrypted)), data, 0o644); err != nil {
		return errors.Wrapf(err, "stage %s", rel)
	}
	if err := os.Remove(r.abs(variant(rel, !encrypted))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "remove stale %s", rel)
	}
	meta.Blob = utils.Fingerprint(data)
	r.index[id] = meta
	delete(r.tombstones, id)
	r.dirty = true
	return nil
}

// remove deletes both variants of rel and leaves a tombstone for id.
func (r *repo) remove(id, rel string, tomb repoTombstone) error {
	for _, enc := range []bool{false, true} {
		if err := os.Remove(r.abs(variant(rel, enc))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "remove %s", rel)
		}
	}
	delete(r.index, id)
	r.tombstones[id] = tomb
	r.dirty = true
	return nil
}

func (r *repo) untombstone(id string) {
	if _, ok := r.tombstones[id]; ok {
		delete(r.tombstones, id)
		r.dirty = true
	}
}

// meta returns the index entry of id if it describes the stored bytes.
func (r *repo) meta(id string, stored []byte) indexEntry {
	e, ok := r.index[id]
	if !ok || stored == nil || e.Blob != utils.Fingerprint(stored) {
		return indexEntry{}
	}
	return e
}

func (r *repo) save() error {
	if !r.dirty {
		return nil
	}
	for name, v := range map[string]any{IndexFile: r.index, TombstonesFile: r.tombstones} {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errors.Wrapf(err, "encode %s", name)
		}
		if err := utils.WriteFileAtomic(filepath.Join(r.dir, name), append(data, '\n'), 0o644); err != nil {
			return errors.Wrapf(err, "write %s", name)
		}
	}
	r.dirty = false
	return nil
}

// files lists every regular file under the slash-separated prefix, relative to it, with
// the encrypted suffix stripped.
func (r *repo) files(prefix string) ([]string, error) {
	root := r.abs(prefix)
	if !utils.DirExists(root) {
		return nil, nil
	}
	seen := make(map[string]bool)
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if ext := path.Ext(rel); ext == EncryptedExt {
			rel = rel[:len(rel)-len(ext)]
		}
		seen[rel] = true
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walk %s", prefix)
	}
	out := make([]string, 0, len(seen))
	for rel := range seen {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

func variant(rel string, encrypted bool) string {
	if encrypted {
		return rel + EncryptedExt
	}
	return rel
}
