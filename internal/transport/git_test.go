package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemote(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "remote.git")
	_, err := git.PlainInit(dir, true)
	require.NoError(t, err)
	return dir
}

func newClone(t *testing.T, remote string) *Git {
	t.Helper()
	g := NewGit(GitConfig{URL: remote, Dir: filepath.Join(t.TempDir(), "checkout")})
	require.NoError(t, g.Open(context.Background()))
	return g
}

func write(t *testing.T, g *Git, name, content string) {
	t.Helper()
	path := filepath.Join(g.Dir(), name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func author(name string) Author {
	return Author{Name: name, Email: name + "@tether.local", When: time.Now()}
}

func TestGit_EmptyRemoteFirstPush(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	a := newClone(t, remote)

	head, err := a.Head()
	require.NoError(t, err)
	assert.Empty(t, head)

	committed, err := a.Commit(ctx, "nothing", author("a"))
	require.NoError(t, err)
	assert.False(t, committed)

	write(t, a, "dotfiles/.zshrc", "export A=1\n")
	committed, err = a.Commit(ctx, "first", author("a"))
	require.NoError(t, err)
	assert.True(t, committed)
	require.NoError(t, a.Push(ctx))

	b := newClone(t, remote)
	data, err := os.ReadFile(filepath.Join(b.Dir(), "dotfiles/.zshrc"))
	require.NoError(t, err)
	assert.Equal(t, "export A=1\n", string(data))
}

func TestGit_ConcurrentPushRejectedThenRebase(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)

	seed := newClone(t, remote)
	write(t, seed, "README", "seed")
	_, err := seed.Commit(ctx, "seed", author("seed"))
	require.NoError(t, err)
	require.NoError(t, seed.Push(ctx))

	a := newClone(t, remote)
	b := newClone(t, remote)

	write(t, a, "a.txt", "from a")
	_, err = a.Commit(ctx, "a", author("a"))
	require.NoError(t, err)
	require.NoError(t, a.Push(ctx))

	write(t, b, "b.txt", "from b")
	_, err = b.Commit(ctx, "b", author("b"))
	require.NoError(t, err)
	err = b.Push(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPushRejected), "got %v", err)
	assert.True(t, IsRetryable(err))

	require.NoError(t, b.Fetch(ctx))
	require.NoError(t, b.Rebase(ctx))
	assert.FileExists(t, filepath.Join(b.Dir(), "a.txt"))
	assert.NoFileExists(t, filepath.Join(b.Dir(), "b.txt"), "unpushed work is rebuilt by the caller")

	write(t, b, "b.txt", "from b")
	_, err = b.Commit(ctx, "b again", author("b"))
	require.NoError(t, err)
	require.NoError(t, b.Push(ctx))

	headB, err := b.Head()
	require.NoError(t, err)
	require.NoError(t, a.Fetch(ctx))
	require.NoError(t, a.Rebase(ctx))
	headA, err := a.Head()
	require.NoError(t, err)
	assert.Equal(t, headB, headA)
}

func TestGit_OpenExistingCheckout(t *testing.T) {
	remote := newRemote(t)
	a := newClone(t, remote)

	reopened := NewGit(GitConfig{URL: remote, Dir: a.Dir()})
	require.NoError(t, reopened.Open(context.Background()))
}

func TestGit_UnreachableRemote(t *testing.T) {
	g := NewGit(GitConfig{URL: filepath.Join(t.TempDir(), "missing.git"), Dir: filepath.Join(t.TempDir(), "c")})
	assert.Error(t, g.Open(context.Background()))
}

func TestClassify(t *testing.T) {
	assert.True(t, errors.Is(classify(git.ErrNonFastForwardUpdate), ErrPushRejected))
	assert.True(t, errors.Is(classify(errors.New("! [rejected] main -> main (fetch first)")), ErrPushRejected))
	assert.True(t, errors.Is(classify(errors.New("dial tcp: connection refused")), ErrUnreachable))
	assert.False(t, IsRetryable(classify(errors.New("authentication required"))))
}
