// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/google/pkgdepot/internal/treehash"
	"github.com/google/pkgdepot/internal/uri"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/pkg/errors"
)

// Git network operations share the fetcher retry policy: three retries with
// a fixed delay on transient failures. gitRetryDelay is a variable so tests
// can shrink it.
const gitRetries = 3

var gitRetryDelay = 5 * time.Second

// transientGitError reports whether a clone or fetch failure is worth
// retrying. Missing repositories and rejected credentials are permanent;
// transport-level errors and truncated streams are not.
func transientGitError(err error) bool {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	var derr *depot.NetworkError
	if errors.As(err, &derr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// gitRetry runs a git network operation under the retry policy.
func (f *Fetcher) gitRetry(ctx context.Context, desc string, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(); err == nil || !transientGitError(err) {
			return err
		}
		if attempt == gitRetries {
			return err
		}
		log.Printf("Transient failure %s, retrying (%d/%d): %v", desc, attempt+1, gitRetries, err)
		select {
		case <-time.After(gitRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// clonePath returns the bare-clone cache directory for a repo URL in the
// primary depot.
func (f *Fetcher) clonePath(repoURL string) (string, error) {
	key, err := uri.CloneCacheKey(repoURL)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.Config.Primary().ClonesDir(), key), nil
}

// openOrClone returns the cached bare clone for repoURL, cloning on first
// use.
func (f *Fetcher) openOrClone(ctx context.Context, repoURL string) (*git.Repository, error) {
	dir, err := f.clonePath(repoURL)
	if err != nil {
		return nil, err
	}
	if repo, err := git.PlainOpen(dir); err == nil {
		return repo, nil
	}
	if f.Config.Offline {
		return nil, &depot.NetworkError{URL: repoURL, Err: errors.New("offline mode is enabled")}
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, err
	}
	if f.Config.UseCLIGit {
		err := f.gitRetry(ctx, "cloning "+repoURL, func() error {
			cmd := exec.CommandContext(ctx, "git", "clone", "--mirror", repoURL, dir)
			if out, err := cmd.CombinedOutput(); err != nil {
				os.RemoveAll(dir)
				return &depot.NetworkError{URL: repoURL, Err: errors.Errorf("git clone: %s", out)}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return git.PlainOpen(dir)
	}
	var repo *git.Repository
	err = f.gitRetry(ctx, "cloning "+repoURL, func() error {
		r, cerr := git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{URL: repoURL, Mirror: true})
		if cerr != nil {
			os.RemoveAll(dir)
			return cerr
		}
		repo = r
		return nil
	})
	if err != nil {
		return nil, &depot.NetworkError{URL: repoURL, Err: err}
	}
	return repo, nil
}

// refresh fetches new objects into an existing clone.
func (f *Fetcher) refresh(ctx context.Context, repo *git.Repository, repoURL string) error {
	if f.Config.Offline {
		return &depot.NetworkError{URL: repoURL, Err: errors.New("offline mode is enabled")}
	}
	if f.Config.UseCLIGit {
		dir, err := f.clonePath(repoURL)
		if err != nil {
			return err
		}
		return f.gitRetry(ctx, "fetching "+repoURL, func() error {
			cmd := exec.CommandContext(ctx, "git", "-C", dir, "fetch", "--force", "--tags", "origin")
			if out, err := cmd.CombinedOutput(); err != nil {
				return &depot.NetworkError{URL: repoURL, Err: errors.Errorf("git fetch: %s", out)}
			}
			return nil
		})
	}
	err := f.gitRetry(ctx, "fetching "+repoURL, func() error {
		ferr := repo.FetchContext(ctx, &git.FetchOptions{Tags: git.AllTags, Force: true})
		if ferr == git.NoErrAlreadyUpToDate {
			return nil
		}
		return ferr
	})
	if err != nil {
		return &depot.NetworkError{URL: repoURL, Err: err}
	}
	return nil
}

// resolveRev maps a user-supplied revision (branch, tag, version number, or
// commit hash) to a commit, fetching once if the clone does not know it yet.
func (f *Fetcher) resolveRev(ctx context.Context, repo *git.Repository, repoURL, rev string) (*object.Commit, error) {
	candidates := []string{rev, "v" + rev}
	resolve := func() (*object.Commit, error) {
		for _, c := range candidates {
			h, err := repo.ResolveRevision(plumbing.Revision(c))
			if err != nil {
				continue
			}
			commit, err := repo.CommitObject(*h)
			if err != nil {
				continue
			}
			return commit, nil
		}
		return nil, errors.Errorf("revision %q not found", rev)
	}
	commit, err := resolve()
	if err == nil {
		return commit, nil
	}
	log.Printf("Revision %q missing from clone of %s, fetching", rev, repoURL)
	if ferr := f.refresh(ctx, repo, repoURL); ferr != nil {
		return nil, ferr
	}
	return resolve()
}

// ResolveRev resolves rev against a repo and returns the commit id together
// with the commit's tree hash.
func (f *Fetcher) ResolveRev(ctx context.Context, repoURL, rev string) (string, treehash.Hash, error) {
	repo, err := f.openOrClone(ctx, repoURL)
	if err != nil {
		return "", treehash.ZeroHash, err
	}
	commit, err := f.resolveRev(ctx, repo, repoURL, rev)
	if err != nil {
		return "", treehash.ZeroHash, err
	}
	var th treehash.Hash
	copy(th[:], commit.TreeHash[:])
	return commit.Hash.String(), th, nil
}

// RepoSource materializes the tree at rev from a repository into the store
// and returns its path.
func (f *Fetcher) RepoSource(ctx context.Context, name, repoURL, rev string, want treehash.Hash) (string, error) {
	if want.IsZero() {
		_, th, err := f.ResolveRev(ctx, repoURL, rev)
		if err != nil {
			return "", err
		}
		want = th
	}
	if path, ok := f.Store.PackagePath(name, want); ok {
		return path, nil
	}
	return f.Store.MaterializePackage(ctx, name, want, func(fs billy.Filesystem) error {
		return f.populateFromRepoTree(ctx, repoURL, want, fs)
	})
}

// FileFromTree reads the first of the named files out of a tree object in
// the repository's clone, without materializing the tree.
func (f *Fetcher) FileFromTree(ctx context.Context, repoURL string, h treehash.Hash, names ...string) ([]byte, error) {
	repo, err := f.openOrClone(ctx, repoURL)
	if err != nil {
		return nil, err
	}
	var ph plumbing.Hash
	copy(ph[:], h[:])
	tree, err := repo.TreeObject(ph)
	if err != nil {
		return nil, errors.Wrapf(err, "tree %s not found in %s", h.Hex(), repoURL)
	}
	for _, name := range names {
		file, err := tree.File(name)
		if err != nil {
			continue
		}
		contents, err := file.Contents()
		if err != nil {
			return nil, err
		}
		return []byte(contents), nil
	}
	return nil, errors.Errorf("none of %v found in tree %s", names, h.Hex())
}

// populateFromRepoTree extracts the tree object named by h from the repo's
// clone, fetching once when the object is absent.
func (f *Fetcher) populateFromRepoTree(ctx context.Context, repoURL string, h treehash.Hash, fs billy.Filesystem) error {
	repo, err := f.openOrClone(ctx, repoURL)
	if err != nil {
		return err
	}
	var ph plumbing.Hash
	copy(ph[:], h[:])
	tree, err := repo.TreeObject(ph)
	if err != nil {
		if ferr := f.refresh(ctx, repo, repoURL); ferr != nil {
			return ferr
		}
		tree, err = repo.TreeObject(ph)
		if err != nil {
			return errors.Wrapf(err, "tree %s not found in %s", h.Hex(), repoURL)
		}
	}
	return extractTree(tree, fs)
}

// extractTree writes a git tree onto a filesystem, preserving executable
// bits and symlinks.
func extractTree(tree *object.Tree, fs billy.Filesystem) error {
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		switch entry.Mode {
		case filemode.Dir:
			if err := fs.MkdirAll(name, 0o755); err != nil {
				return err
			}
		case filemode.Regular, filemode.Executable:
			blob, err := tree.TreeEntryFile(&object.TreeEntry{Name: entry.Name, Mode: entry.Mode, Hash: entry.Hash})
			if err != nil {
				return err
			}
			r, err := blob.Reader()
			if err != nil {
				return err
			}
			perm := os.FileMode(0o644)
			if entry.Mode == filemode.Executable {
				perm = 0o755
			}
			dst, err := fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
			if err != nil {
				r.Close()
				return err
			}
			if _, err := io.Copy(dst, r); err != nil {
				r.Close()
				dst.Close()
				return err
			}
			r.Close()
			if err := dst.Close(); err != nil {
				return err
			}
		case filemode.Symlink:
			blob, err := tree.TreeEntryFile(&object.TreeEntry{Name: entry.Name, Mode: entry.Mode, Hash: entry.Hash})
			if err != nil {
				return err
			}
			target, err := blob.Contents()
			if err != nil {
				return err
			}
			if err := fs.Symlink(target, name); err != nil {
				return err
			}
		case filemode.Submodule:
			// Submodules are not vendored into package trees.
			continue
		default:
			return errors.Errorf("unsupported tree entry mode %v at %s", entry.Mode, name)
		}
	}
}
