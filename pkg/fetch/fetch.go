// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package fetch retrieves package source trees from registry tarballs, git
// repositories, and local paths, and materializes them into the object
// store.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-git/go-billy/v5"
	"github.com/google/pkgdepot/internal/httpx"
	"github.com/google/pkgdepot/internal/tarx"
	"github.com/google/pkgdepot/internal/treehash"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Fetcher retrieves source trees. HTTP downloads flow through Client, which
// already applies the retry policy; git clones and fetches retry via
// gitRetry.
type Fetcher struct {
	Config depot.Config
	Store  *store.ObjectStore
	Client httpx.BasicClient
}

// New builds a Fetcher with the default client stack.
func New(cfg depot.Config, s *store.ObjectStore) *Fetcher {
	return &Fetcher{
		Config: cfg,
		Store:  s,
		Client: &httpx.RetryClient{
			BasicClient: &httpx.WithUserAgent{BasicClient: http.DefaultClient, UserAgent: "pkgdepot"},
		},
	}
}

func (f *Fetcher) get(ctx context.Context, url string) (io.ReadCloser, error) {
	if f.Config.Offline {
		return nil, &depot.NetworkError{URL: url, Err: errors.New("offline mode is enabled")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &depot.NetworkError{URL: url, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &depot.NetworkError{URL: url, Err: errors.New(resp.Status)}
	}
	return resp.Body, nil
}

// serverTarballURL is the mirror scheme for package source archives.
func (f *Fetcher) serverTarballURL(id uuid.UUID, h treehash.Hash) string {
	return fmt.Sprintf("%s/package/%s/%s", f.Config.Server, id, h.Hex())
}

// tarballPopulate downloads and unpacks a gzipped source tarball.
func (f *Fetcher) tarballPopulate(ctx context.Context, url string) store.Populate {
	return func(fs billy.Filesystem) error {
		body, err := f.get(ctx, url)
		if err != nil {
			return err
		}
		defer body.Close()
		return tarx.ExtractTarGz(body, fs, tarx.ExtractOptions{})
	}
}

// RegistrySource materializes the source tree of a registered package
// version: from the package server when configured, otherwise by extracting
// the tree object from the upstream repository clone.
func (f *Fetcher) RegistrySource(ctx context.Context, name string, id uuid.UUID, h treehash.Hash, repoURL string) (string, error) {
	if path, ok := f.Store.PackagePath(name, h); ok {
		return path, nil
	}
	if f.Config.Server != "" {
		path, err := f.Store.MaterializePackage(ctx, name, h, f.tarballPopulate(ctx, f.serverTarballURL(id, h)))
		if err == nil {
			return path, nil
		}
		var herr *depot.HashMismatchError
		if errors.As(err, &herr) {
			return "", err
		}
		// Fall through to the repository when the mirror cannot serve.
		if repoURL == "" {
			return "", err
		}
	}
	if repoURL == "" {
		return "", errors.Errorf("no source for %s@%s: no package server and no repo recorded", name, h.Hex())
	}
	return f.Store.MaterializePackage(ctx, name, h, func(fs billy.Filesystem) error {
		return f.populateFromRepoTree(ctx, repoURL, h, fs)
	})
}

// PathSource validates a develop/path entry. The path is authoritative; no
// copy is made into the store.
func (f *Fetcher) PathSource(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return "", &depot.StateError{Reason: "tracked path " + path + " does not exist"}
	}
	return path, nil
}

// Request is one unit of parallel source materialization.
type Request struct {
	Name    string
	UUID    uuid.UUID
	Tree    treehash.Hash
	RepoURL string
	RepoRev string
}

// EnsureAll materializes every requested source with bounded parallelism.
// The done callback fires after each completed request, in completion
// order.
func (f *Fetcher) EnsureAll(ctx context.Context, reqs []Request, done func(Request)) error {
	g, ctx := errgroup.WithContext(ctx)
	limit := f.Config.Concurrency
	if limit <= 0 {
		limit = depot.DefaultConcurrency
	}
	g.SetLimit(limit)
	for _, req := range reqs {
		g.Go(func() error {
			var err error
			if req.RepoURL != "" && req.RepoRev != "" {
				_, err = f.RepoSource(ctx, req.Name, req.RepoURL, req.RepoRev, req.Tree)
			} else {
				_, err = f.RegistrySource(ctx, req.Name, req.UUID, req.Tree, req.RepoURL)
			}
			if err != nil {
				return err
			}
			if done != nil {
				done(req)
			}
			return nil
		})
	}
	return g.Wait()
}
