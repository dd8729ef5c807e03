// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/pkgdepot/pkg/project"
	"github.com/google/uuid"
)

var unregisteredID = uuid.MustParse("dcb67f36-efa0-11e8-0a23-3dc0fa8c68b2")

func initUnregisteredRepo(t *testing.T, versions []string) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	when := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	for _, v := range versions {
		content := `name = "Unregistered"
uuid = "` + unregisteredID.String() + `"
version = "` + v + `"
`
		if err := os.WriteFile(filepath.Join(dir, "Project.toml"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := wt.Add("."); err != nil {
			t.Fatal(err)
		}
		sig := &object.Signature{Name: "tester", Email: "tester@example.com", When: when}
		commit, err := wt.Commit("release "+v, &git.CommitOptions{Author: sig, Committer: sig})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := repo.CreateTag(v, commit, nil); err != nil {
			t.Fatal(err)
		}
		when = when.Add(time.Hour)
	}
	return dir
}

// Adding by repository, then re-adding by name with a version, keeps the
// recorded url and moves only the revision.
func TestAddRepoThenSwitchRev(t *testing.T) {
	w := newTestWorld(t)
	repoDir := initUnregisteredRepo(t, []string{"0.1.0", "0.2.0"})

	if _, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, repoDir+"#0.2.0")}, Options{}); err != nil {
		t.Fatalf("Add(repo) failed: %v", err)
	}
	man, err := project.ReadManifest(w.env.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	ent := man.Entries[unregisteredID]
	if ent == nil {
		t.Fatal("repo entry missing")
	}
	if ent.Kind() != project.SourceRepo || ent.RepoRev != "0.2.0" {
		t.Fatalf("entry = kind %s rev %q", ent.Kind(), ent.RepoRev)
	}
	if ent.Version == nil || ent.Version.String() != "0.2.0" {
		t.Errorf("version = %v, want read from the tree's project file", ent.Version)
	}
	recordedURL := ent.RepoURL

	if _, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, "Unregistered@0.1.0")}, Options{}); err != nil {
		t.Fatalf("Add(name@rev) failed: %v", err)
	}
	man, err = project.ReadManifest(w.env.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	ent = man.Entries[unregisteredID]
	if ent.RepoURL != recordedURL {
		t.Errorf("repo-url moved: %q -> %q", recordedURL, ent.RepoURL)
	}
	if ent.RepoRev != "0.1.0" {
		t.Errorf("repo-rev = %q, want switched to 0.1.0", ent.RepoRev)
	}
	if ent.Version == nil || ent.Version.String() != "0.1.0" {
		t.Errorf("version = %v", ent.Version)
	}
	// The source tree is materialized under its tree hash.
	if _, ok := w.env.Store.PackagePath("Unregistered", ent.TreeHash); !ok {
		t.Error("repo source not materialized")
	}
}

func TestPinRepoEntryAtRevision(t *testing.T) {
	w := newTestWorld(t)
	repoDir := initUnregisteredRepo(t, []string{"0.1.0"})
	if _, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, repoDir+"#0.1.0")}, Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.env.Pin(context.Background(), []PackageSpec{mustSpec(t, "Unregistered")}, Options{}); err != nil {
		t.Fatalf("Pin() failed: %v", err)
	}
	man, err := project.ReadManifest(w.env.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if !man.Entries[unregisteredID].Pinned {
		t.Error("repo entry not pinned")
	}
}
