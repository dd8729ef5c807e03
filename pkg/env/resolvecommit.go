// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/google/pkgdepot/pkg/fetch"
	"github.com/google/pkgdepot/pkg/project"
	"github.com/google/pkgdepot/pkg/resolver"
	"github.com/google/pkgdepot/pkg/version"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Options is accepted by every operation.
type Options struct {
	// DryRun computes the final state and diff without touching the
	// filesystem.
	DryRun bool
	// Preserve selects how firmly non-target entries hold their versions.
	Preserve resolver.PreserveLevel
}

// commitOpts parameterizes one resolve-and-commit cycle.
type commitOpts struct {
	Options
	// Targets are the packages the operation moves; they are neither
	// preserved nor held fixed.
	Targets map[uuid.UUID]bool
	// ExtraConstraints bounds versions per package (update levels) without
	// forcing presence.
	ExtraConstraints map[uuid.UUID]version.Spec
	// Install materializes sources after resolution.
	Install bool
	// ProjectChanged marks the diff when the caller mutated the project.
	ProjectChanged bool
}

// resolveAndCommit runs the resolver against the current project, rebuilds
// the manifest from the solution, and (outside dry runs) materializes
// sources and persists both files.
func (e *Environment) resolveAndCommit(ctx context.Context, o commitOpts) (*Diff, error) {
	fixed, err := e.fixedNodes()
	if err != nil {
		return nil, err
	}
	reqs := e.requirements()
	// Pins are absolute: a pinned package's fixed version wins over its
	// compat entry, so the requirement degrades to plain presence.
	for i, r := range reqs {
		if _, isFixed := fixed[r.UUID]; isFixed {
			reqs[i].Spec = version.Any()
		}
	}
	sol, err := resolver.Solve(ctx, e.View, resolver.Opts{
		Requirements: reqs,
		Constraints:  o.ExtraConstraints,
		Fixed:        fixed,
		Current:      e.current(),
		Direct:       e.directSet(),
		Targets:      o.Targets,
		Preserve:     o.Preserve,
		MaxTime:      e.Config.ResolveMaxTime,
	})
	if err != nil {
		return nil, err
	}
	newMan, err := e.buildManifest(sol)
	if err != nil {
		return nil, err
	}
	baseline := e.base
	if baseline == nil {
		baseline = e.Manifest
	}
	diff := &Diff{
		Changes:        diffManifests(baseline, newMan),
		ProjectChanged: o.ProjectChanged,
	}
	if o.DryRun {
		return diff, nil
	}
	if o.Install {
		if err := e.materialize(ctx, newMan); err != nil {
			return nil, err
		}
	}
	e.Manifest = newMan
	if err := e.persist(ctx); err != nil {
		return nil, err
	}
	diff.Applied = true
	return diff, nil
}

// buildManifest projects a resolver solution onto a fresh manifest,
// carrying source coordinates and unknown keys from the old entries.
func (e *Environment) buildManifest(sol *resolver.Solution) (*project.Manifest, error) {
	newMan := project.NewManifest()
	newMan.ManifestFormat = e.Manifest.ManifestFormat
	if newMan.ManifestFormat == 0 {
		newMan.ManifestFormat = project.ManifestFormat
	}
	newMan.JuliaVersion = e.Manifest.JuliaVersion
	for k, v := range e.Manifest.Other {
		newMan.Other[k] = v
	}
	for id, v := range sol.Versions {
		old := e.Manifest.Entries[id]
		ent := &project.ManifestEntry{UUID: id, Deps: map[string]uuid.UUID{}, Other: map[string]any{}}
		if old != nil {
			ent.Name = old.Name
			ent.Pinned = old.Pinned
			ent.Path = old.Path
			ent.RepoURL = old.RepoURL
			ent.RepoRev = old.RepoRev
			ent.Stdlib = old.Stdlib
			ent.Version = old.Version
			ent.TreeHash = old.TreeHash
			for k, val := range old.Other {
				ent.Other[k] = val
			}
		}
		if ent.Name == "" {
			if name, ok := e.View.Name(id); ok {
				ent.Name = name
			} else {
				return nil, errors.Errorf("no name known for resolved package %s", id)
			}
		}
		switch {
		case old != nil && old.Kind() == project.SourcePath:
			deps, err := e.pathEntryDeps(old)
			if err != nil {
				return nil, err
			}
			ent.Deps = deps
		case old != nil && (old.Kind() == project.SourceRepo || old.Kind() == project.SourceStdlib):
			for name, depID := range old.Deps {
				ent.Deps[name] = depID
			}
		default:
			vv := v
			ent.Version = &vv
			th, err := e.View.TreeHash(id, v)
			if err != nil {
				return nil, err
			}
			ent.TreeHash = th
			deps, err := e.View.Deps(id, v)
			if err != nil {
				return nil, err
			}
			for _, d := range deps {
				if _, installed := sol.Versions[d.UUID]; !installed {
					continue // weak target left uninstalled
				}
				ent.Deps[d.Name] = d.UUID
			}
		}
		newMan.Entries[id] = ent
	}
	if err := newMan.Validate(); err != nil {
		return nil, err
	}
	return newMan, nil
}

// pathEntryDeps reads the dependency mapping of a path-tracked entry from
// its own project file, falling back to the recorded mapping.
func (e *Environment) pathEntryDeps(ent *project.ManifestEntry) (map[string]uuid.UUID, error) {
	dir := ent.Path
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(e.ProjectDir(), dir)
	}
	proj, err := project.ReadProject(project.FindProjectFile(dir))
	if err != nil || len(proj.Deps) == 0 {
		out := map[string]uuid.UUID{}
		for k, v := range ent.Deps {
			out[k] = v
		}
		return out, nil
	}
	out := map[string]uuid.UUID{}
	for k, v := range proj.Deps {
		out[k] = v
	}
	return out, nil
}

// materialize fetches every storable entry of a manifest in parallel.
func (e *Environment) materialize(ctx context.Context, man *project.Manifest) error {
	var reqs []fetch.Request
	for id, ent := range man.Entries {
		switch ent.Kind() {
		case project.SourcePath, project.SourceStdlib:
			continue
		}
		if ent.TreeHash.IsZero() {
			continue
		}
		req := fetch.Request{Name: ent.Name, UUID: id, Tree: ent.TreeHash}
		if ent.Kind() == project.SourceRepo {
			req.RepoURL = ent.RepoURL
			req.RepoRev = ent.RepoRev
		} else {
			req.RepoURL = e.View.RepoURL(id)
		}
		reqs = append(reqs, req)
	}
	total := len(reqs)
	var mu sync.Mutex
	done := 0
	return e.Fetcher.EnsureAll(ctx, reqs, func(r fetch.Request) {
		mu.Lock()
		done++
		n := done
		mu.Unlock()
		if e.OnFetch != nil {
			e.OnFetch(n, total, r.Name)
		}
	})
}
