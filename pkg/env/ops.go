// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"context"
	"path/filepath"

	"github.com/google/pkgdepot/internal/treehash"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/project"
	"github.com/google/pkgdepot/pkg/version"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// snapshot captures project and manifest so failed or dry-run operations
// leave the in-memory environment untouched.
func (e *Environment) snapshot() (restore func()) {
	proj := e.Project.Clone()
	man := e.Manifest.Clone()
	e.base = man
	return func() {
		e.Project = proj
		e.Manifest = man
		e.base = nil
	}
}

// finish restores state for dry runs and failures.
func (e *Environment) finish(diff *Diff, err error, restore func()) (*Diff, error) {
	if err != nil || (diff != nil && !diff.Applied) {
		restore()
	} else {
		e.base = nil
	}
	return diff, err
}

// Add introduces packages as direct dependencies and resolves. Existing
// pins are untouched: adding a version for a pinned package only updates
// the project's compat.
func (e *Environment) Add(ctx context.Context, specs []PackageSpec, o Options) (*Diff, error) {
	if len(specs) == 0 {
		return nil, &depot.ValidationError{Reason: "add requires at least one package"}
	}
	restore := e.snapshot()
	targets := map[uuid.UUID]bool{}
	for i := range specs {
		s := &specs[i]
		if s.Path != "" {
			// A local path given to add is tracked as a repository.
			abs, err := filepath.Abs(s.Path)
			if err != nil {
				return e.finish(nil, err, restore)
			}
			s.URL, s.Path = abs, ""
		}
		if s.URL != "" {
			if s.HasVersion {
				return e.finish(nil, &depot.ValidationError{Reason: "cannot give both a url and a version"}, restore)
			}
			id, err := e.addRepo(ctx, s.URL, s.Rev)
			if err != nil {
				return e.finish(nil, err, restore)
			}
			targets[id] = true
			continue
		}
		if err := e.resolveIdentity(s); err != nil {
			return e.finish(nil, err, restore)
		}
		if !e.View.Has(s.UUID) {
			// Unregistered but previously added by url: reuse the recorded
			// url, treating the requested version as the new revision.
			ent := e.Manifest.Entries[s.UUID]
			if ent == nil || ent.RepoURL == "" {
				return e.finish(nil, &depot.UnknownPackageError{Name: s.Name, UUID: s.UUID}, restore)
			}
			rev := s.VersionRaw
			if rev == "" {
				rev = ent.RepoRev
			}
			id, err := e.addRepo(ctx, ent.RepoURL, rev)
			if err != nil {
				return e.finish(nil, err, restore)
			}
			targets[id] = true
			continue
		}
		name := s.Name
		if name == "" {
			name, _ = e.View.Name(s.UUID)
		}
		e.Project.Deps[name] = s.UUID
		if s.HasVersion {
			e.Project.Compat[name] = s.VersionRaw
		}
		targets[s.UUID] = true
	}
	diff, err := e.resolveAndCommit(ctx, commitOpts{
		Options: o, Targets: targets, Install: true, ProjectChanged: true,
	})
	return e.finish(diff, err, restore)
}

// addRepo records a repository-tracked entry at the given revision and adds
// it to the project. Returns the package uuid read from the fetched tree.
func (e *Environment) addRepo(ctx context.Context, url, rev string) (uuid.UUID, error) {
	recordedRev := rev
	if rev == "" {
		rev, recordedRev = "HEAD", ""
	}
	commit, tree, err := e.Fetcher.ResolveRev(ctx, url, rev)
	if err != nil {
		return uuid.Nil, err
	}
	if recordedRev == "" {
		recordedRev = commit
	}
	data, err := e.Fetcher.FileFromTree(ctx, url, tree, project.ProjectNames...)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "reading project file from repository")
	}
	proj, err := project.ParseProject(data)
	if err != nil {
		return uuid.Nil, err
	}
	if proj.Name == "" || proj.UUID == uuid.Nil {
		return uuid.Nil, &depot.ValidationError{Reason: "repository project file lacks name or uuid"}
	}
	ent := e.Manifest.Entries[proj.UUID]
	if ent == nil {
		ent = &project.ManifestEntry{UUID: proj.UUID, Other: map[string]any{}}
		e.Manifest.Entries[proj.UUID] = ent
	}
	ent.Name = proj.Name
	ent.Version = proj.Version
	ent.TreeHash = tree
	if ent.RepoURL == "" {
		ent.RepoURL = url
	}
	ent.RepoRev = recordedRev
	ent.Path = ""
	ent.Deps = map[string]uuid.UUID{}
	for name, id := range proj.Deps {
		ent.Deps[name] = id
	}
	e.Project.Deps[proj.Name] = proj.UUID
	return proj.UUID, nil
}

// Develop tracks packages by local path: an existing checkout, or an
// editable tree materialized under the develop directory.
func (e *Environment) Develop(ctx context.Context, specs []PackageSpec, shared bool, o Options) (*Diff, error) {
	if len(specs) == 0 {
		return nil, &depot.ValidationError{Reason: "develop requires at least one package"}
	}
	restore := e.snapshot()
	targets := map[uuid.UUID]bool{}
	for i := range specs {
		s := &specs[i]
		if s.Rev != "" {
			return e.finish(nil, &depot.StateError{Reason: "develop does not accept a revision"}, restore)
		}
		dir, err := e.developDir(ctx, s, shared)
		if err != nil {
			return e.finish(nil, err, restore)
		}
		proj, err := project.ReadProject(project.FindProjectFile(dir))
		if err != nil {
			return e.finish(nil, err, restore)
		}
		if proj.Name == "" || proj.UUID == uuid.Nil {
			return e.finish(nil, &depot.ValidationError{Reason: "develop target " + dir + " lacks a project name or uuid"}, restore)
		}
		ent := e.Manifest.Entries[proj.UUID]
		if ent == nil {
			ent = &project.ManifestEntry{UUID: proj.UUID, Other: map[string]any{}}
			e.Manifest.Entries[proj.UUID] = ent
		}
		ent.Name = proj.Name
		ent.Version = proj.Version
		ent.TreeHash = treehash.ZeroHash
		ent.RepoURL, ent.RepoRev = "", ""
		ent.Path = e.recordPath(dir, s.Path != "")
		ent.Deps = map[string]uuid.UUID{}
		for name, id := range proj.Deps {
			ent.Deps[name] = id
		}
		e.Project.Deps[proj.Name] = proj.UUID
		targets[proj.UUID] = true
	}
	diff, err := e.resolveAndCommit(ctx, commitOpts{
		Options: o, Targets: targets, Install: true, ProjectChanged: true,
	})
	return e.finish(diff, err, restore)
}

// developDir locates or materializes the editable checkout for a develop
// spec.
func (e *Environment) developDir(ctx context.Context, s *PackageSpec, shared bool) (string, error) {
	if s.Path != "" {
		abs, err := filepath.Abs(s.Path)
		if err != nil {
			return "", err
		}
		return e.Fetcher.PathSource(abs)
	}
	if err := e.resolveIdentity(s); err != nil {
		return "", err
	}
	name := s.Name
	if name == "" {
		name = e.nameFor(s.UUID)
	}
	var dir string
	if shared {
		dir = filepath.Join(e.Config.SharedDevDir(), name)
	} else {
		dir = filepath.Join(e.ProjectDir(), "dev", name)
	}
	if dirExists(dir) {
		return dir, nil
	}
	// Materialize an editable tree from the registry.
	if !e.View.Has(s.UUID) {
		return "", &depot.StateError{Reason: "cannot develop " + name + ": no local copy and not registered"}
	}
	infos, err := e.View.Versions(s.UUID)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", &depot.StateError{Reason: "cannot develop " + name + ": registry lists no versions"}
	}
	latest := infos[0]
	src, err := e.Fetcher.RegistrySource(ctx, name, s.UUID, latest.TreeHash, e.View.RepoURL(s.UUID))
	if err != nil {
		return "", err
	}
	if err := copyWritableTree(src, dir); err != nil {
		return "", errors.Wrap(err, "materializing editable tree")
	}
	return dir, nil
}

// recordPath canonicalizes a develop path for the manifest: paths the user
// gave as absolute stay absolute, everything else is stored relative to the
// project directory.
func (e *Environment) recordPath(dir string, userGaveAbs bool) string {
	if userGaveAbs && filepath.IsAbs(dir) {
		return dir
	}
	rel, err := filepath.Rel(e.ProjectDir(), dir)
	if err != nil {
		return dir
	}
	return filepath.ToSlash(rel)
}

// RemoveMode selects what remove drops from.
type RemoveMode int

const (
	// RemoveProject drops direct dependencies from the project.
	RemoveProject RemoveMode = iota
	// RemoveManifest drops entries from the manifest directly.
	RemoveManifest
)

// Remove drops packages and prunes transitive entries and compat keys that
// lost their last user.
func (e *Environment) Remove(ctx context.Context, specs []PackageSpec, mode RemoveMode, o Options) (*Diff, error) {
	if len(specs) == 0 {
		return nil, &depot.ValidationError{Reason: "rm requires at least one package"}
	}
	restore := e.snapshot()
	targets := map[uuid.UUID]bool{}
	for i := range specs {
		s := &specs[i]
		if err := e.resolveIdentity(s); err != nil {
			return e.finish(nil, err, restore)
		}
		name := s.Name
		if name == "" {
			name = e.nameFor(s.UUID)
		}
		if _, inProject := e.Project.Deps[name]; !inProject && mode == RemoveProject {
			return e.finish(nil, &depot.StateError{Reason: name + " is not a direct dependency"}, restore)
		}
		delete(e.Project.Deps, name)
		delete(e.Project.Compat, name)
		if mode == RemoveManifest {
			delete(e.Manifest.Entries, s.UUID)
		}
		targets[s.UUID] = true
	}
	e.pruneCompat()
	diff, err := e.resolveAndCommit(ctx, commitOpts{
		Options: o, Targets: targets, ProjectChanged: true,
	})
	return e.finish(diff, err, restore)
}

// pruneCompat deletes compat keys that no longer name a dep, weakdep, or
// extra.
func (e *Environment) pruneCompat() {
	for name := range e.Project.Compat {
		if name == "julia" {
			continue
		}
		_, dep := e.Project.Deps[name]
		_, weak := e.Project.WeakDeps[name]
		_, extra := e.Project.Extras[name]
		if !dep && !weak && !extra {
			delete(e.Project.Compat, name)
		}
	}
}

// Pin forbids version changes on entries across subsequent resolutions.
// Registered packages may be pinned to an explicit version; unregistered
// entries pin at their current repo revision.
func (e *Environment) Pin(ctx context.Context, specs []PackageSpec, o Options) (*Diff, error) {
	restore := e.snapshot()
	targets := map[uuid.UUID]bool{}
	for i := range specs {
		s := &specs[i]
		if err := e.resolveIdentity(s); err != nil {
			return e.finish(nil, err, restore)
		}
		ent := e.Manifest.Entries[s.UUID]
		if ent == nil {
			return e.finish(nil, &depot.StateError{Reason: "cannot pin " + s.Name + ": not in manifest"}, restore)
		}
		if s.HasVersion {
			if !e.View.Has(s.UUID) {
				return e.finish(nil, &depot.StateError{Reason: "cannot pin unregistered " + ent.Name + " to an arbitrary version"}, restore)
			}
			v, ok := s.Version.Single()
			if !ok {
				// A shorthand like E@0.3.0 decodes to a range; pin at its
				// lowest registered member, the version as written.
				infos, err := e.View.Versions(s.UUID)
				if err != nil {
					return e.finish(nil, err, restore)
				}
				for i := len(infos) - 1; i >= 0; i-- {
					if vi := infos[i]; !vi.Yanked && s.Version.Contains(vi.Version) {
						v, ok = vi.Version, true
						break
					}
				}
				if !ok {
					return e.finish(nil, &depot.StateError{Reason: "no registered version of " + ent.Name + " matches the pin"}, restore)
				}
			}
			th, err := e.View.TreeHash(s.UUID, v)
			if err != nil {
				return e.finish(nil, err, restore)
			}
			ent.Version = &v
			ent.TreeHash = th
		} else if ent.Version == nil && ent.RepoURL == "" && ent.Path == "" {
			return e.finish(nil, &depot.StateError{Reason: "cannot pin " + ent.Name + ": no version or tracked source"}, restore)
		}
		ent.Pinned = true
		targets[s.UUID] = true
	}
	diff, err := e.resolveAndCommit(ctx, commitOpts{
		Options: o, Targets: targets, Install: true,
	})
	return e.finish(diff, err, restore)
}

// Free clears pins and repo/path tracking, returning registered packages to
// registry control.
func (e *Environment) Free(ctx context.Context, specs []PackageSpec, o Options) (*Diff, error) {
	restore := e.snapshot()
	targets := map[uuid.UUID]bool{}
	for i := range specs {
		s := &specs[i]
		if err := e.resolveIdentity(s); err != nil {
			return e.finish(nil, err, restore)
		}
		ent := e.Manifest.Entries[s.UUID]
		if ent == nil {
			return e.finish(nil, &depot.StateError{Reason: "cannot free " + s.Name + ": not in manifest"}, restore)
		}
		switch {
		case ent.Pinned:
			ent.Pinned = false
			if ent.RepoURL != "" && e.View.Has(s.UUID) {
				ent.RepoURL, ent.RepoRev = "", ""
			}
		case ent.Path != "" || ent.RepoURL != "":
			if !e.View.Has(s.UUID) {
				return e.finish(nil, &depot.StateError{Reason: "cannot free unregistered " + ent.Name + ": tracked only by its repository"}, restore)
			}
			ent.Path, ent.RepoURL, ent.RepoRev = "", "", ""
		default:
			return e.finish(nil, &depot.StateError{Reason: ent.Name + " is neither pinned nor tracking a repo or path"}, restore)
		}
		targets[s.UUID] = true
	}
	diff, err := e.resolveAndCommit(ctx, commitOpts{
		Options: o, Targets: targets, Install: true,
	})
	return e.finish(diff, err, restore)
}

// UpdateLevel bounds how far update may move a version.
type UpdateLevel int

const (
	// UpdateFixed refreshes the manifest without moving versions.
	UpdateFixed UpdateLevel = iota
	// UpdatePatch allows patch bumps only.
	UpdatePatch
	// UpdateMinor allows minor and patch bumps.
	UpdateMinor
	// UpdateMajor lifts all bump restrictions beyond compat.
	UpdateMajor
)

func (l UpdateLevel) bound(cur version.Version) version.Spec {
	switch l {
	case UpdateFixed:
		return version.Exactly(cur)
	case UpdatePatch:
		return version.Between(cur, version.Version{Major: cur.Major, Minor: cur.Minor + 1})
	case UpdateMinor:
		return version.Between(cur, version.Version{Major: cur.Major + 1})
	default:
		return version.AtLeast(cur)
	}
}

// Update moves the targeted packages (or every non-pinned entry) as far as
// the level allows. Pinned entries never move.
func (e *Environment) Update(ctx context.Context, specs []PackageSpec, level UpdateLevel, o Options) (*Diff, error) {
	restore := e.snapshot()
	targets := map[uuid.UUID]bool{}
	if len(specs) == 0 {
		for id, ent := range e.Manifest.Entries {
			if !ent.Pinned && ent.Kind() == project.SourceRegistry {
				targets[id] = true
			}
		}
	} else {
		for i := range specs {
			s := &specs[i]
			if err := e.resolveIdentity(s); err != nil {
				return e.finish(nil, err, restore)
			}
			ent := e.Manifest.Entries[s.UUID]
			if ent == nil {
				return e.finish(nil, &depot.StateError{Reason: "cannot update " + s.Name + ": not in manifest"}, restore)
			}
			if ent.Pinned {
				continue
			}
			targets[s.UUID] = true
		}
	}
	extra := map[uuid.UUID]version.Spec{}
	for id := range targets {
		ent := e.Manifest.Entries[id]
		if ent == nil || ent.Version == nil || ent.Kind() != project.SourceRegistry {
			continue
		}
		extra[id] = level.bound(*ent.Version)
	}
	diff, err := e.resolveAndCommit(ctx, commitOpts{
		Options: o, Targets: targets, ExtraConstraints: extra, Install: true,
	})
	return e.finish(diff, err, restore)
}
