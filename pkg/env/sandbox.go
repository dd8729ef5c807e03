// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/project"
	"github.com/google/uuid"
)

// MakeSandbox assembles the project and manifest for a named test/build
// target: the active dependency subgraph plus the target's extras, with
// each extra's compat enforced and the project's preferences carried over.
// The sandbox is never executed here; callers resolve and instantiate it
// like any environment.
func (e *Environment) MakeSandbox(targetName string) (*project.Project, *project.Manifest, error) {
	extraNames, ok := e.Project.Targets[targetName]
	if !ok {
		return nil, nil, &depot.StateError{Reason: "project has no target " + targetName}
	}
	sp := project.NewProject()
	sp.Name = e.Project.Name
	for name, id := range e.Project.Deps {
		sp.Deps[name] = id
	}
	for _, name := range extraNames {
		id, ok := e.Project.Extras[name]
		if !ok {
			return nil, nil, &depot.ValidationError{Reason: "target " + targetName + " names unknown extra " + name}
		}
		sp.Deps[name] = id
	}
	// The package under test joins its own sandbox when it has an identity.
	if e.Project.Name != "" && e.Project.UUID != uuid.Nil {
		sp.Deps[e.Project.Name] = e.Project.UUID
	}
	for name, spec := range e.Project.Compat {
		if _, kept := sp.Deps[name]; kept || name == "julia" {
			sp.Compat[name] = spec
		}
	}
	// Seed the sandbox manifest with the active subgraph so resolution
	// preserves the environment's versions.
	snapshot := e.Manifest.Clone()
	sm := project.NewManifest()
	sm.ManifestFormat = snapshot.ManifestFormat
	seen := map[uuid.UUID]bool{}
	var walk func(id uuid.UUID)
	walk = func(id uuid.UUID) {
		if seen[id] {
			return
		}
		seen[id] = true
		ent, ok := snapshot.Entries[id]
		if !ok {
			return
		}
		sm.Entries[id] = ent
		for _, depID := range ent.Deps {
			walk(depID)
		}
	}
	for _, id := range sp.Deps {
		walk(id)
	}
	return sp, sm, nil
}
