// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package env mediates all state changes to an environment: the project
// file, its manifest, and the materialized store objects behind them.
package env

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/pkgdepot/internal/depotlock"
	"github.com/google/pkgdepot/pkg/artifacts"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/fetch"
	"github.com/google/pkgdepot/pkg/project"
	"github.com/google/pkgdepot/pkg/registry"
	"github.com/google/pkgdepot/pkg/resolver"
	"github.com/google/pkgdepot/pkg/store"
	"github.com/google/pkgdepot/pkg/version"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Environment binds a project and manifest to the depot search path.
type Environment struct {
	Config       depot.Config
	ProjectPath  string
	ManifestPath string
	Project      *project.Project
	Manifest     *project.Manifest

	View      registry.View
	Store     *store.ObjectStore
	Fetcher   *fetch.Fetcher
	Artifacts *artifacts.Index

	// OnFetch, when set, observes source materialization progress.
	OnFetch func(done, total int, name string)

	// base is the manifest as of the running operation's snapshot, the
	// baseline its diff is computed against.
	base *project.Manifest
}

// Load opens the environment rooted at projectPath. An empty path falls
// back to the configured active project, then to the working directory.
func Load(cfg depot.Config, projectPath string) (*Environment, error) {
	if projectPath == "" {
		projectPath = cfg.ActiveProject
	}
	if projectPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		projectPath = project.FindProjectFile(wd)
	}
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, errors.Wrap(err, "resolving project path")
	}
	if fi, err := os.Stat(abs); err == nil && fi.IsDir() {
		abs = project.FindProjectFile(abs)
	}
	proj, err := project.ReadProject(abs)
	if err != nil {
		return nil, err
	}
	manifestPath := project.ManifestPathFor(abs)
	man, err := project.ReadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	view, err := registry.Load(cfg)
	if err != nil {
		return nil, err
	}
	st := &store.ObjectStore{Config: cfg}
	e := &Environment{
		Config:       cfg,
		ProjectPath:  abs,
		ManifestPath: manifestPath,
		Project:      proj,
		Manifest:     man,
		View:         view,
		Store:        st,
		Fetcher:      fetch.New(cfg, st),
		Artifacts:    artifacts.NewIndex(st),
	}
	return e, nil
}

// ProjectDir returns the directory holding the project file.
func (e *Environment) ProjectDir() string {
	return filepath.Dir(e.ProjectPath)
}

// persist writes the project and manifest and records manifest usage for
// the garbage collector, all under the primary depot lock.
func (e *Environment) persist(ctx context.Context) error {
	return depotlock.With(ctx, e.Config.Primary(), func() error {
		if err := e.Project.Write(e.ProjectPath); err != nil {
			return err
		}
		if err := e.Manifest.Write(e.ManifestPath); err != nil {
			return err
		}
		return store.AppendUsage(e.Config.Primary(), store.ManifestUsageLog, e.ManifestPath)
	})
}

// requirements derives the resolver inputs from the project: one
// requirement per direct dep, constrained by project compat.
func (e *Environment) requirements() []resolver.Requirement {
	var out []resolver.Requirement
	for name, id := range e.Project.Deps {
		out = append(out, resolver.Requirement{UUID: id, Spec: e.Project.CompatSpec(name)})
	}
	return out
}

// fixedNodes builds the forced assignments: pinned entries at their
// manifest versions, and path/repo/stdlib entries at their recorded
// versions, with dependency edges read from their own project files where
// available. Operations that move a repo or path entry rewrite the entry
// before resolving, so the manifest state is always the fixed truth.
func (e *Environment) fixedNodes() (map[uuid.UUID]resolver.FixedNode, error) {
	out := map[uuid.UUID]resolver.FixedNode{}
	for id, ent := range e.Manifest.Entries {
		var fixed bool
		switch ent.Kind() {
		case project.SourcePath, project.SourceRepo, project.SourceStdlib:
			fixed = true
		case project.SourceRegistry:
			fixed = ent.Pinned
		}
		if !fixed {
			continue
		}
		fn := resolver.FixedNode{}
		if ent.Version != nil {
			fn.Version = *ent.Version
		}
		deps, err := e.entryDeps(ent)
		if err != nil {
			return nil, err
		}
		fn.Deps = deps
		out[id] = fn
	}
	return out, nil
}

// entryDeps derives the dependency edges a fixed entry imposes. Path
// entries read their tracked project file; registry entries use registry
// metadata; anything else falls back to the manifest's dep mapping.
func (e *Environment) entryDeps(ent *project.ManifestEntry) ([]resolver.FixedDep, error) {
	if ent.Kind() == project.SourcePath {
		dir := ent.Path
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(e.ProjectDir(), dir)
		}
		proj, err := project.ReadProject(project.FindProjectFile(dir))
		if err == nil && len(proj.Deps) > 0 {
			var out []resolver.FixedDep
			for name, id := range proj.Deps {
				out = append(out, resolver.FixedDep{UUID: id, Spec: proj.CompatSpec(name)})
			}
			return out, nil
		}
	}
	if ent.Kind() == project.SourceRegistry && ent.Version != nil && e.View.Has(ent.UUID) {
		deps, err := e.View.Deps(ent.UUID, *ent.Version)
		if err != nil {
			return nil, err
		}
		compat, err := e.View.Compat(ent.UUID, *ent.Version)
		if err != nil {
			return nil, err
		}
		var out []resolver.FixedDep
		for _, d := range deps {
			spec := version.Any()
			if s, ok := compat[d.Name]; ok {
				spec = s
			}
			out = append(out, resolver.FixedDep{UUID: d.UUID, Spec: spec, Weak: d.Strength == registry.Weak})
		}
		return out, nil
	}
	var out []resolver.FixedDep
	for _, id := range ent.Deps {
		out = append(out, resolver.FixedDep{UUID: id, Spec: version.Any()})
	}
	return out, nil
}

// current maps manifested packages to their versions for preserve tiers.
func (e *Environment) current() map[uuid.UUID]version.Version {
	out := map[uuid.UUID]version.Version{}
	for id, ent := range e.Manifest.Entries {
		if ent.Version != nil {
			out[id] = *ent.Version
		}
	}
	return out
}

func (e *Environment) directSet() map[uuid.UUID]bool {
	out := map[uuid.UUID]bool{}
	for _, id := range e.Project.Deps {
		out[id] = true
	}
	return out
}

// nameFor returns the best-known name for a package.
func (e *Environment) nameFor(id uuid.UUID) string {
	if ent, ok := e.Manifest.Entries[id]; ok {
		return ent.Name
	}
	if name, ok := e.View.Name(id); ok {
		return name
	}
	return id.String()
}
