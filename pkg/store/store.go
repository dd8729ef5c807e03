// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package store implements the content-addressed object store holding
// package source trees and artifact payloads.
package store

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/pkgdepot/internal/depotlock"
	"github.com/google/pkgdepot/internal/treehash"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/pkg/errors"
)

// Populate fills a staging filesystem with the contents of an object.
type Populate func(billy.Filesystem) error

// ObjectStore materializes and locates content-addressed directories across
// the depot search path. Objects are written once and never mutated.
type ObjectStore struct {
	Config depot.Config
}

// PackagePath returns the location of a package source tree, searching every
// depot in order. ok is false when the tree is nowhere materialized.
func (s *ObjectStore) PackagePath(name string, h treehash.Hash) (string, bool) {
	for _, d := range s.Config.DepotPath {
		p := d.PackageDir(name, h.Hex())
		if dirExists(p) {
			return p, true
		}
	}
	return "", false
}

// ArtifactPath returns the location of an artifact tree, searching every
// depot in order.
func (s *ObjectStore) ArtifactPath(h treehash.Hash) (string, bool) {
	for _, d := range s.Config.DepotPath {
		p := d.ArtifactDir(h.Hex())
		if dirExists(p) {
			return p, true
		}
	}
	return "", false
}

// MaterializePackage ensures packages/<name>/<hex> exists in the primary
// depot with contents hashing to want, invoking populate only when absent.
func (s *ObjectStore) MaterializePackage(ctx context.Context, name string, want treehash.Hash, populate Populate) (string, error) {
	target := s.Config.Primary().PackageDir(name, want.Hex())
	lockPath := filepath.Join(filepath.Dir(target), ".install-"+want.Hex()+".lock")
	return s.materialize(ctx, target, lockPath, want, populate)
}

// MaterializeArtifact ensures artifacts/<hex> exists in the primary depot.
func (s *ObjectStore) MaterializeArtifact(ctx context.Context, want treehash.Hash, populate Populate) (string, error) {
	target := s.Config.Primary().ArtifactDir(want.Hex())
	lockPath := filepath.Join(filepath.Dir(target), ".install-"+want.Hex()+".lock")
	return s.materialize(ctx, target, lockPath, want, populate)
}

func (s *ObjectStore) materialize(ctx context.Context, target, lockPath string, want treehash.Hash, populate Populate) (string, error) {
	if dirExists(target) {
		return target, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", errors.Wrap(err, "creating store directory")
	}
	h, err := depotlock.AcquireFile(ctx, lockPath)
	if err != nil {
		return "", err
	}
	defer h.Release()
	defer os.Remove(lockPath)
	// Existence is the commit signal: a concurrent writer may have won the
	// lock race and installed before us.
	if dirExists(target) {
		return target, nil
	}
	if err := os.MkdirAll(s.Config.Primary().ScratchDir(), 0o755); err != nil {
		return "", errors.Wrap(err, "creating scratch directory")
	}
	stage, err := os.MkdirTemp(s.Config.Primary().ScratchDir(), want.Hex()+"-")
	if err != nil {
		return "", errors.Wrap(err, "creating staging directory")
	}
	defer os.RemoveAll(stage)
	if err := populate(osfs.New(stage)); err != nil {
		return "", err
	}
	got, err := treehash.Tree(osfs.New(stage), ".")
	if err != nil {
		return "", errors.Wrap(err, "hashing staged tree")
	}
	if got != want {
		if !s.Config.IgnoreHashes {
			return "", &depot.HashMismatchError{Object: target, Want: want.Hex(), Got: got.Hex()}
		}
		log.Printf("Warning: ignoring hash mismatch for %s: expected %s, got %s", target, want.Hex(), got.Hex())
	}
	if err := stripWriteBits(stage); err != nil {
		return "", errors.Wrap(err, "sealing staged tree")
	}
	if err := os.Rename(stage, target); err != nil {
		if dirExists(target) {
			return target, nil
		}
		return "", errors.Wrap(err, "committing staged tree")
	}
	return target, nil
}

// Remove deletes an object directory from the primary depot. Only the
// garbage collector calls this, after the reference scan.
func (s *ObjectStore) Remove(path string) error {
	return removeTree(path)
}

// stripWriteBits clears write permission on files while keeping directories
// writable, so the tree is immutable yet still deletable.
func stripWriteBits(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(path, info.Mode().Perm()&^0o222)
	})
}

// removeTree deletes a sealed object tree. Directories stay writable at
// install time so no chmod pass is required here, but the files are
// read-only, which plain os.RemoveAll handles fine on POSIX.
func removeTree(path string) error {
	return os.RemoveAll(path)
}

func dirExists(path string) bool {
	fi, err := os.Lstat(path)
	return err == nil && fi.IsDir()
}
