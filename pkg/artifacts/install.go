// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"context"
	"crypto"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/google/pkgdepot/internal/hashext"
	"github.com/google/pkgdepot/internal/httpx"
	"github.com/google/pkgdepot/internal/tarx"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Index answers artifact queries against the depot search path and installs
// artifact payloads into the primary depot.
type Index struct {
	Store  *store.ObjectStore
	Client httpx.BasicClient

	cache overrideCache
}

// NewIndex builds an Index over the given store with the default retrying
// HTTP client.
func NewIndex(s *store.ObjectStore) *Index {
	return &Index{
		Store:  s,
		Client: &httpx.RetryClient{BasicClient: http.DefaultClient},
	}
}

// ReloadOverrides drops the cached override mapping so the next query
// re-reads every depot's Overrides.toml.
func (ix *Index) ReloadOverrides() {
	ix.cache.invalidate()
}

// Resolved is the outcome of a query: the descriptor to use and, when an
// override redirects to an absolute path, that path.
type Resolved struct {
	Descriptor
	// OverridePath short-circuits storage resolution when non-empty.
	OverridePath string
}

// Query selects the descriptor for (pkg, name) on host and applies
// overrides. ok is false when no descriptor matches the host platform.
func (ix *Index) Query(pkg uuid.UUID, name string, descs []Descriptor, host depot.Platform) (Resolved, bool, error) {
	ov, err := ix.cache.get(ix.Store.Config)
	if err != nil {
		return Resolved{}, false, err
	}
	d, ok := Select(descs, host)
	if r, hit := ov.ForArtifact(pkg, name); hit {
		if r.Path != "" {
			return Resolved{Descriptor: Descriptor{Name: name}, OverridePath: r.Path}, true, nil
		}
		if !ok {
			d = Descriptor{Name: name}
		}
		d.TreeHash = r.Hash
		return Resolved{Descriptor: d}, true, nil
	}
	if !ok {
		return Resolved{}, false, nil
	}
	if r, hit := ov.ForHash(d.TreeHash); hit {
		if r.Path != "" {
			return Resolved{Descriptor: d, OverridePath: r.Path}, true, nil
		}
		d.TreeHash = r.Hash
	}
	return Resolved{Descriptor: d}, true, nil
}

// Path returns the on-disk location of a resolved artifact, if present.
func (ix *Index) Path(r Resolved) (string, bool) {
	if r.OverridePath != "" {
		fi, err := os.Stat(r.OverridePath)
		return r.OverridePath, err == nil && fi.IsDir()
	}
	return ix.Store.ArtifactPath(r.TreeHash)
}

// Install materializes a resolved artifact into the primary depot, trying
// each download in order and verifying both the archive digest and the
// unpacked tree hash.
func (ix *Index) Install(ctx context.Context, r Resolved) (string, error) {
	if r.OverridePath != "" {
		return r.OverridePath, nil
	}
	if path, ok := ix.Store.ArtifactPath(r.TreeHash); ok {
		return path, nil
	}
	if len(r.Downloads) == 0 {
		return "", errors.Errorf("artifact %s has no download sources", r.Name)
	}
	var lastErr error
	for _, dl := range r.Downloads {
		path, err := ix.Store.MaterializeArtifact(ctx, r.TreeHash, func(fs billy.Filesystem) error {
			return ix.fetchArchive(ctx, dl, fs)
		})
		if err == nil {
			return path, nil
		}
		log.Printf("Artifact %s download from %s failed: %v", r.Name, dl.URL, err)
		lastErr = err
	}
	return "", errors.Wrapf(lastErr, "installing artifact %s", r.Name)
}

// fetchArchive downloads one archive, verifies its sha256, and unpacks it
// into the staging filesystem.
func (ix *Index) fetchArchive(ctx context.Context, dl Download, fs billy.Filesystem) error {
	if ix.Store.Config.Offline {
		return &depot.NetworkError{URL: dl.URL, Err: errors.New("offline mode is enabled")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dl.URL, nil)
	if err != nil {
		return errors.Wrap(err, "building artifact request")
	}
	resp, err := ix.Client.Do(req)
	if err != nil {
		return &depot.NetworkError{URL: dl.URL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &depot.NetworkError{URL: dl.URL, Err: errors.New(resp.Status)}
	}
	tmp, err := os.CreateTemp("", "artifact-*.tar.gz")
	if err != nil {
		return errors.Wrap(err, "staging artifact archive")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	digest := hashext.NewTypedHash(crypto.SHA256)
	if _, err := io.Copy(tmp, io.TeeReader(resp.Body, digest)); err != nil {
		return &depot.NetworkError{URL: dl.URL, Err: err}
	}
	if dl.SHA256 != "" && !strings.EqualFold(digest.Hex(), dl.SHA256) {
		return &depot.HashMismatchError{Object: dl.URL, Want: dl.SHA256, Got: digest.Hex()}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return tarx.ExtractTarGz(tmp, fs, tarx.ExtractOptions{})
}

// EnsureForPackage installs every artifact of a package that matches host.
// Lazy descriptors install only when includeLazy is set. Unmatched
// descriptors are skipped without error.
func (ix *Index) EnsureForPackage(ctx context.Context, pkg uuid.UUID, artifactsFile string, host depot.Platform, includeLazy bool) error {
	byName, err := ParseFile(artifactsFile)
	if err != nil {
		return err
	}
	for _, name := range sortedNames(byName) {
		r, ok, err := ix.Query(pkg, name, byName[name], host)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if r.Lazy && !includeLazy {
			continue
		}
		if _, err := ix.Install(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func sortedNames(m map[string][]Descriptor) []string {
	return store.SortedPaths(m)
}
