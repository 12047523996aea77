package daemon

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tether-sync/tether/internal/config"
	"github.com/tether-sync/tether/internal/engine"
	"github.com/tether-sync/tether/internal/workspace"
)

type countingRunner struct {
	runs atomic.Int32
}

func (r *countingRunner) Run(ctx context.Context, opts engine.RunOptions) (*engine.CycleReport, error) {
	r.runs.Add(1)
	return &engine.CycleReport{}, nil
}

func TestDaemon_RunsUntilCancelled(t *testing.T) {
	home := t.TempDir()
	ws, err := workspace.New(filepath.Join(home, workspace.DirName), home)
	require.NoError(t, err)
	cfg := config.Default()
	cfg.Sync.Watch = true
	cfg.Dotfiles.Files = []config.FileEntry{{Path: ".zshrc"}}

	runner := &countingRunner{}
	d := New(Options{Runner: runner, Workspace: ws, Config: cfg, Heartbeat: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Start(ctx) }()

	require.Eventually(t, func() bool { return runner.runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "daemon did not stop")
	}
	assert.Equal(t, 1, d.Scheduler().Cycles(), "interval is minutes away")
}
