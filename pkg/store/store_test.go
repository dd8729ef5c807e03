// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/pkgdepot/internal/treehash"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/pkg/errors"
)

func testConfig(t *testing.T, depots ...depot.Depot) depot.Config {
	t.Helper()
	if len(depots) == 0 {
		depots = []depot.Depot{depot.Depot(t.TempDir())}
	}
	for _, d := range depots {
		if err := d.Init(); err != nil {
			t.Fatal(err)
		}
	}
	return depot.Config{DepotPath: depots, Concurrency: 1}
}

func writeTree(files map[string]string) Populate {
	return func(fs billy.Filesystem) error {
		for path, content := range files {
			if err := util.WriteFile(fs, path, []byte(content), 0o644); err != nil {
				return err
			}
		}
		return nil
	}
}

func hashOf(t *testing.T, files map[string]string) treehash.Hash {
	t.Helper()
	fs := memfs.New()
	if err := writeTree(files)(fs); err != nil {
		t.Fatal(err)
	}
	h, err := treehash.Tree(fs, ".")
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestMaterializePackage(t *testing.T) {
	cfg := testConfig(t)
	s := &ObjectStore{Config: cfg}
	files := map[string]string{"src/lib.jl": "module Lib end\n"}
	want := hashOf(t, files)

	path, err := s.MaterializePackage(context.Background(), "Lib", want, writeTree(files))
	if err != nil {
		t.Fatalf("MaterializePackage() failed: %v", err)
	}
	if filepath.Base(path) != want.Hex() {
		t.Errorf("source directory basename = %s, want %s", filepath.Base(path), want.Hex())
	}
	data, err := os.ReadFile(filepath.Join(path, "src", "lib.jl"))
	if err != nil || string(data) != "module Lib end\n" {
		t.Errorf("content = %q, %v", data, err)
	}
	fi, err := os.Stat(filepath.Join(path, "src", "lib.jl"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm()&0o222 != 0 {
		t.Errorf("committed file is writable: %v", fi.Mode())
	}
	// Idempotent: the second call must not re-run populate.
	called := false
	again, err := s.MaterializePackage(context.Background(), "Lib", want, func(billy.Filesystem) error {
		called = true
		return nil
	})
	if err != nil || again != path {
		t.Fatalf("second MaterializePackage() = %s, %v", again, err)
	}
	if called {
		t.Error("populate ran for an already-materialized tree")
	}
	if got, ok := s.PackagePath("Lib", want); !ok || got != path {
		t.Errorf("PackagePath() = %s, %v", got, ok)
	}
}

func TestMaterializeHashMismatch(t *testing.T) {
	cfg := testConfig(t)
	s := &ObjectStore{Config: cfg}
	files := map[string]string{"a.txt": "a\n"}
	wrong := hashOf(t, map[string]string{"b.txt": "b\n"})
	_, err := s.MaterializePackage(context.Background(), "Lib", wrong, writeTree(files))
	var herr *depot.HashMismatchError
	if !errors.As(err, &herr) {
		t.Fatalf("error = %v, want HashMismatchError", err)
	}
	if _, ok := s.PackagePath("Lib", wrong); ok {
		t.Error("mismatched tree was committed")
	}
	// IGNORE_HASHES downgrades the mismatch to a warning.
	cfg.IgnoreHashes = true
	s = &ObjectStore{Config: cfg}
	if _, err := s.MaterializePackage(context.Background(), "Lib", wrong, writeTree(files)); err != nil {
		t.Errorf("MaterializePackage() with IgnoreHashes failed: %v", err)
	}
}

func TestLocateAcrossDepots(t *testing.T) {
	first := depot.Depot(t.TempDir())
	second := depot.Depot(t.TempDir())
	cfg := testConfig(t, first, second)
	files := map[string]string{"x": "y\n"}
	want := hashOf(t, files)
	// Install into the second depot only.
	s2 := &ObjectStore{Config: depot.Config{DepotPath: []depot.Depot{second}}}
	if _, err := s2.MaterializePackage(context.Background(), "Lib", want, writeTree(files)); err != nil {
		t.Fatal(err)
	}
	s := &ObjectStore{Config: cfg}
	got, ok := s.PackagePath("Lib", want)
	if !ok {
		t.Fatal("PackagePath() missed the second depot")
	}
	if got != second.PackageDir("Lib", want.Hex()) {
		t.Errorf("PackagePath() = %s", got)
	}
	// Materialize into the primary; the primary now shadows.
	s1 := &ObjectStore{Config: cfg}
	if _, err := s1.MaterializePackage(context.Background(), "Lib", want, writeTree(files)); err != nil {
		t.Fatal(err)
	}
	got, _ = s.PackagePath("Lib", want)
	if got != first.PackageDir("Lib", want.Hex()) {
		t.Errorf("primary does not shadow: %s", got)
	}
}

func TestRemoveSealedTree(t *testing.T) {
	cfg := testConfig(t)
	s := &ObjectStore{Config: cfg}
	files := map[string]string{"deep/nested/file.txt": "z\n"}
	want := hashOf(t, files)
	path, err := s.MaterializePackage(context.Background(), "Lib", want, writeTree(files))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(path); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if _, ok := s.PackagePath("Lib", want); ok {
		t.Error("tree still present after Remove()")
	}
}
