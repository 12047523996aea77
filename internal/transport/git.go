package transport

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	gittransport "github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/tether-sync/tether/internal/utils"
)

const remoteName = "origin"

type GitConfig struct {
	URL    string
	Branch string
	Dir    string
	// Token is used as the HTTPS basic-auth password.
	Token string
	// SSHKey is a private key file for ssh:// and scp-style URLs.
	SSHKey string
}

// Git implements Transport with go-git, no git binary required.
type Git struct {
	cfg  GitConfig
	repo *git.Repository
}

func NewGit(cfg GitConfig) *Git {
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	return &Git{cfg: cfg}
}

func (g *Git) Dir() string {
	return g.cfg.Dir
}

func (g *Git) branchRef() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(g.cfg.Branch)
}

func (g *Git) remoteRef() plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(remoteName, g.cfg.Branch)
}

func (g *Git) Open(ctx context.Context) error {
	if utils.DirExists(filepath.Join(g.cfg.Dir, ".git")) {
		repo, err := git.PlainOpen(g.cfg.Dir)
		if err != nil {
			return errors.Wrapf(err, "open checkout %s", g.cfg.Dir)
		}
		g.repo = repo
		return nil
	}

	auth, err := g.auth()
	if err != nil {
		return err
	}
	slog.Info("cloning sync repository", "url", g.cfg.URL, "dir", g.cfg.Dir)
	repo, err := git.PlainCloneContext(ctx, g.cfg.Dir, false, &git.CloneOptions{
		URL:           g.cfg.URL,
		Auth:          auth,
		RemoteName:    remoteName,
		ReferenceName: g.branchRef(),
		SingleBranch:  true,
	})
	switch {
	case err == nil:
		g.repo = repo
		return nil
	case errors.Is(err, gittransport.ErrEmptyRemoteRepository), isMissingBranch(err):
		// a brand new remote: start an empty history that the first push creates
		os.RemoveAll(g.cfg.Dir)
		return g.initEmpty()
	default:
		os.RemoveAll(g.cfg.Dir)
		return classify(errors.Wrap(err, "clone"))
	}
}

func (g *Git) initEmpty() error {
	repo, err := git.PlainInitWithOptions(g.cfg.Dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: g.branchRef()},
	})
	if err != nil {
		return errors.Wrap(err, "init checkout")
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{g.cfg.URL}}); err != nil {
		return errors.Wrap(err, "add remote")
	}
	g.repo = repo
	return nil
}

func (g *Git) Fetch(ctx context.Context) error {
	if err := g.ensureOpen(); err != nil {
		return err
	}
	auth, err := g.auth()
	if err != nil {
		return err
	}
	spec := config.RefSpec("+" + g.branchRef().String() + ":" + g.remoteRef().String())
	err = g.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{spec},
		Auth:       auth,
		Force:      true,
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, gittransport.ErrEmptyRemoteRepository), isMissingBranch(err):
		return nil
	}
	return classify(errors.Wrap(err, "fetch"))
}

func (g *Git) Rebase(ctx context.Context) error {
	if err := g.ensureOpen(); err != nil {
		return err
	}
	remote, err := g.repo.Reference(g.remoteRef(), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// remote branch does not exist yet, keep whatever we have
		return nil
	} else if err != nil {
		return errors.Wrap(err, "resolve remote branch")
	}

	if err := g.repo.Storer.SetReference(plumbing.NewHashReference(g.branchRef(), remote.Hash())); err != nil {
		return errors.Wrap(err, "move branch")
	}
	if err := g.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, g.branchRef())); err != nil {
		return errors.Wrap(err, "set HEAD")
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "worktree")
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remote.Hash(), Mode: git.HardReset}); err != nil {
		return errors.Wrap(err, "reset to remote")
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return errors.Wrap(err, "clean checkout")
	}
	return nil
}

func (g *Git) Commit(ctx context.Context, message string, author Author) (bool, error) {
	if err := g.ensureOpen(); err != nil {
		return false, err
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return false, errors.Wrap(err, "worktree")
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return false, errors.Wrap(err, "stage changes")
	}
	status, err := wt.Status()
	if err != nil {
		return false, errors.Wrap(err, "status")
	}
	if status.IsClean() {
		return false, nil
	}

	sig := &object.Signature{Name: author.Name, Email: author.Email, When: author.When}
	if _, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return false, errors.Wrap(err, "commit")
	}
	return true, nil
}

func (g *Git) Push(ctx context.Context) error {
	if err := g.ensureOpen(); err != nil {
		return err
	}
	auth, err := g.auth()
	if err != nil {
		return err
	}
	spec := config.RefSpec(g.branchRef().String() + ":" + g.branchRef().String())
	err = g.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{spec},
		Auth:       auth,
	})
	if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return classify(errors.Wrap(err, "push"))
}

func (g *Git) Head() (string, error) {
	if err := g.ensureOpen(); err != nil {
		return "", err
	}
	ref, err := g.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	} else if err != nil {
		return "", errors.Wrap(err, "head")
	}
	return ref.Hash().String(), nil
}

func (g *Git) ensureOpen() error {
	if g.repo == nil {
		return errors.New("checkout not opened")
	}
	return nil
}

func (g *Git) auth() (gittransport.AuthMethod, error) {
	switch {
	case g.cfg.SSHKey != "":
		keys, err := gitssh.NewPublicKeysFromFile("git", g.cfg.SSHKey, "")
		if err != nil {
			return nil, errors.WithHint(errors.Wrap(err, "load ssh key"), "check backend.ssh_key")
		}
		return keys, nil
	case g.cfg.Token != "":
		return &githttp.BasicAuth{Username: "tether", Password: g.cfg.Token}, nil
	}
	return nil, nil
}

func isMissingBranch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "couldn't find remote ref")
}

// classify maps go-git failures onto the transport error kinds.
func classify(err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, git.ErrNonFastForwardUpdate),
		strings.Contains(msg, "non-fast-forward"),
		strings.Contains(msg, "rejected"),
		strings.Contains(msg, "fetch first"):
		return errors.Mark(err, ErrPushRejected)
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") {
		return errors.Mark(err, ErrUnreachable)
	}
	return err
}
