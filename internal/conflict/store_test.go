package conflict

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tether-sync/tether/internal/state"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenStore(filepath.Join(dir, "conflicts.json"), filepath.Join(dir, "conflicts"))
	require.NoError(t, err)
	return s, dir
}

func sampleConflict() Conflict {
	return Conflict{
		Base:    Version{Content: []byte("h0")},
		Local:   Version{Content: []byte("h2"), ModifiedAt: time.Now(), Machine: "b"},
		Remote:  Version{Content: []byte("h1"), ModifiedAt: time.Now(), Machine: "a"},
		Outcome: Divergent,
	}
}

func TestStore_AddListResolveClear(t *testing.T) {
	s, dir := newTestStore(t)
	c := sampleConflict()

	rec := NewRecord(".zshrc", state.KindDotfile, c)
	require.NoError(t, s.Add(rec, Contents{Base: c.Base.Content, Local: c.Local.Content, Remote: c.Remote.Content}))

	pending, ok := s.Pending(".zshrc")
	require.True(t, ok)
	assert.Equal(t, rec.ID, pending.ID)
	assert.Equal(t, "divergent", pending.Outcome)

	// reload from disk
	s2, err := OpenStore(filepath.Join(dir, "conflicts.json"), filepath.Join(dir, "conflicts"))
	require.NoError(t, err)
	require.Len(t, s2.List(), 1)

	contents, err := s2.Contents(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "h2", string(contents.Local))
	assert.Equal(t, "h1", string(contents.Remote))

	require.NoError(t, s2.Resolve(rec.ID, ResolvedRemote, nil))
	_, ok = s2.Pending(".zshrc")
	assert.False(t, ok)
	require.Len(t, s2.Resolved(), 1)

	err = s2.Resolve(rec.ID, ResolvedLocal, nil)
	assert.True(t, errors.Is(err, ErrAlreadyResolved))

	require.NoError(t, s2.Clear(rec.ID))
	assert.Empty(t, s2.List())
	_, err = os.Stat(filepath.Join(dir, "conflicts", rec.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_AddReplacesSameEntity(t *testing.T) {
	s, _ := newTestStore(t)
	first := NewRecord(".vimrc", state.KindDotfile, sampleConflict())
	second := NewRecord(".vimrc", state.KindDotfile, sampleConflict())

	require.NoError(t, s.Add(first, Contents{}))
	require.NoError(t, s.Add(second, Contents{}))

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)
}

func TestStore_ResolveMerged(t *testing.T) {
	s, _ := newTestStore(t)
	rec := NewRecord(".gitconfig", state.KindDotfile, sampleConflict())
	require.NoError(t, s.Add(rec, Contents{}))

	err := s.Resolve(rec.ID, ResolvedMerged, nil)
	assert.True(t, errors.Is(err, ErrInvalidChoice))

	require.NoError(t, s.Resolve(rec.ID, ResolvedMerged, []byte("both")))
	contents, err := s.Contents(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "both", string(contents.Merged))
}

func TestStore_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get("nope")
	assert.True(t, errors.Is(err, ErrConflictNotFound))
	assert.True(t, errors.Is(s.Resolve("nope", ResolvedLocal, nil), ErrConflictNotFound))
}

func TestStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conflicts.json")
	require.NoError(t, os.WriteFile(path, []byte("[{"), 0o600))

	_, err := OpenStore(path, filepath.Join(dir, "conflicts"))
	assert.True(t, errors.Is(err, ErrCorruptConflicts))
}

func TestParseChoice(t *testing.T) {
	r, err := ParseChoice("local")
	require.NoError(t, err)
	assert.Equal(t, ResolvedLocal, r)

	r, err = ParseChoice("resolved-remote")
	require.NoError(t, err)
	assert.Equal(t, ResolvedRemote, r)

	_, err = ParseChoice("theirs")
	assert.True(t, errors.Is(err, ErrInvalidChoice))
}
