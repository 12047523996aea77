package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndLatest(t *testing.T) {
	s := newStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		start := base.Add(time.Duration(i) * time.Minute)
		_, err := s.Record(&Entry{
			Mode:       "full",
			StartedAt:  start,
			FinishedAt: start.Add(2 * time.Second),
			Applied:    i,
		}, map[string]int{"n": i})
		require.NoError(t, err)
	}

	entries, err := s.Latest(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, entries[0].Applied)
	assert.Equal(t, 1, entries[1].Applied)
	assert.Equal(t, 2*time.Second, entries[0].Duration())
	assert.True(t, entries[0].StartedAt.Equal(base.Add(2*time.Minute)))

	var report map[string]int
	require.NoError(t, json.Unmarshal(entries[0].Report, &report))
	assert.Equal(t, 2, report["n"])
}

func TestPrune(t *testing.T) {
	s := newStore(t)
	old := time.Now().Add(-48 * time.Hour)
	_, err := s.Record(&Entry{Mode: "full", StartedAt: old, FinishedAt: old, DryRun: true}, nil)
	require.NoError(t, err)
	now := time.Now()
	_, err = s.Record(&Entry{Mode: "packages-only", StartedAt: now, FinishedAt: now, Error: "boom"}, nil)
	require.NoError(t, err)

	n, err := s.Prune(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := s.Latest(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "packages-only", entries[0].Mode)
	assert.Equal(t, "boom", entries[0].Error)
	assert.False(t, entries[0].DryRun)
}
