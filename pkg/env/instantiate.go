// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"context"
	"path/filepath"

	"github.com/google/pkgdepot/pkg/artifacts"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/project"
	"github.com/google/pkgdepot/pkg/store"
)

// manifestConsistent reports whether the manifest is a valid snapshot of
// the project: every direct dep manifested, compat honored (pins excepted),
// and the entry table closed under dependencies.
func (e *Environment) manifestConsistent() bool {
	if err := e.Manifest.Validate(); err != nil {
		return false
	}
	for name, id := range e.Project.Deps {
		ent, ok := e.Manifest.Entries[id]
		if !ok {
			return false
		}
		if ent.Pinned || ent.Version == nil {
			continue
		}
		if !e.Project.CompatSpec(name).Contains(*ent.Version) {
			return false
		}
	}
	return true
}

// Resolve verifies that the manifest matches the project and re-runs the
// resolver when it does not. It never installs.
func (e *Environment) Resolve(ctx context.Context, o Options) (*Diff, error) {
	if e.manifestConsistent() {
		return &Diff{Applied: true}, nil
	}
	restore := e.snapshot()
	diff, err := e.resolveAndCommit(ctx, commitOpts{Options: o})
	return e.finish(diff, err, restore)
}

// Instantiate materializes every manifest entry and installs each package's
// eager artifacts for the host platform. It requires a manifest consistent
// with the project.
func (e *Environment) Instantiate(ctx context.Context, manifestOnly bool, o Options) error {
	if len(e.Manifest.Entries) == 0 && len(e.Project.Deps) > 0 {
		return &depot.StateError{Reason: "no manifest for this project; run resolve first"}
	}
	if !manifestOnly && !e.manifestConsistent() {
		return &depot.StateError{Reason: "manifest is out of sync with the project; run resolve first"}
	}
	if o.DryRun {
		return nil
	}
	if err := e.materialize(ctx, e.Manifest); err != nil {
		return err
	}
	if err := store.AppendUsage(e.Config.Primary(), store.ManifestUsageLog, e.ManifestPath); err != nil {
		return err
	}
	host := depot.Host()
	for id, ent := range e.Manifest.Entries {
		dir, ok := e.sourceDir(ent)
		if !ok {
			continue
		}
		af := artifacts.FindFile(dir)
		if af == "" {
			continue
		}
		if err := store.AppendUsage(e.Config.Primary(), store.ArtifactUsageLog, af); err != nil {
			return err
		}
		if err := e.Artifacts.EnsureForPackage(ctx, id, af, host, false); err != nil {
			return err
		}
	}
	return nil
}

// sourceDir locates the source tree of a manifest entry.
func (e *Environment) sourceDir(ent *project.ManifestEntry) (string, bool) {
	switch ent.Kind() {
	case project.SourcePath:
		dir := ent.Path
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(e.ProjectDir(), dir)
		}
		return dir, dirExists(dir)
	case project.SourceStdlib:
		return "", false
	default:
		if ent.TreeHash.IsZero() {
			return "", false
		}
		return e.Store.PackagePath(ent.Name, ent.TreeHash)
	}
}
