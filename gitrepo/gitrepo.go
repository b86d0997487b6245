// Package gitrepo implements the GitProvider capability: the thin
// read-only view of a target repository's git state (HEAD commit,
// current branch, remote URL) that feeds RepositoriesManifest entries
// and dependencies.json commit pins. Backed by go-git/v5, the same
// library gittuf's retrieval-pack repo uses for all of its own
// repository introspection.
package gitrepo

import (
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/jc12690/taf/taferrors"
)

// Provider is the GitProvider capability for a single on-disk
// repository clone.
type Provider struct {
	path string
	repo *git.Repository
}

// Open opens the git repository rooted at path.
func Open(path string) (*Provider, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, &taferrors.GitError{Path: path, Op: "open", Err: err}
	}
	return &Provider{path: path, repo: repo}, nil
}

// HeadCommit returns the hex SHA of the repository's current HEAD.
func (p *Provider) HeadCommit() (string, error) {
	ref, err := p.repo.Head()
	if err != nil {
		return "", &taferrors.GitError{Path: p.path, Op: "HEAD", Err: err}
	}
	return ref.Hash().String(), nil
}

// CurrentBranch returns the short name of the branch HEAD points at.
// It returns an InvalidPathError-free empty string with no error when
// HEAD is detached, since detached-HEAD commit pins are a normal
// authoring scenario (spec.md §9 supplemented feature).
func (p *Provider) CurrentBranch() (string, error) {
	ref, err := p.repo.Head()
	if err != nil {
		return "", &taferrors.GitError{Path: p.path, Op: "HEAD", Err: err}
	}
	if ref.Name() == plumbing.HEAD || !ref.Name().IsBranch() {
		return "", nil
	}
	return ref.Name().Short(), nil
}

// RemoteURL returns the URL of the named remote (conventionally
// "origin"). Returns an empty string with no error if the remote does
// not exist, so callers can fall back to a locally-configured default.
func (p *Provider) RemoteURL(name string) (string, error) {
	remote, err := p.repo.Remote(name)
	if err != nil {
		if err == git.ErrRemoteNotFound {
			return "", nil
		}
		return "", &taferrors.GitError{Path: p.path, Op: fmt.Sprintf("remote %q", name), Err: err}
	}
	cfg := remote.Config()
	if len(cfg.URLs) == 0 {
		return "", nil
	}
	return cfg.URLs[0], nil
}

// CommitExists reports whether sha resolves to a real commit in this
// repository's object store, used to validate commit pins recorded in
// dependencies.json before they are written out.
func (p *Provider) CommitExists(sha string) bool {
	hash := plumbing.NewHash(sha)
	if hash.IsZero() {
		return false
	}
	_, err := p.repo.CommitObject(hash)
	return err == nil
}

// Path returns the filesystem path this Provider was opened against.
func (p *Provider) Path() string { return p.path }

// InitAndCommit initializes a fresh git repository at path (if one
// does not already exist) and commits every file currently on disk
// there under message, used by repoauthor.Create's optional `--commit`
// step.
func InitAndCommit(path, message, authorName, authorEmail string) (*Provider, error) {
	repo, err := git.PlainInit(path, false)
	if err != nil {
		repo, err = git.PlainOpen(path)
		if err != nil {
			return nil, &taferrors.GitError{Path: path, Op: "init", Err: err}
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, &taferrors.GitError{Path: path, Op: "worktree", Err: err}
	}
	if _, err := wt.Add("."); err != nil {
		return nil, &taferrors.GitError{Path: path, Op: "add", Err: err}
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return nil, &taferrors.GitError{Path: path, Op: "commit", Err: err}
	}
	return &Provider{path: path, repo: repo}, nil
}
