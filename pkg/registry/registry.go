// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package registry exposes a read-only view of package metadata: known
// versions, dependency edges, and compat constraints.
package registry

import (
	"sort"

	"github.com/google/pkgdepot/internal/treehash"
	"github.com/google/pkgdepot/pkg/version"
	"github.com/google/uuid"
)

// Strength classifies a dependency edge.
type Strength int

const (
	// Strong edges force the target's presence in any solution.
	Strong Strength = iota
	// Weak edges constrain the target's version only if something else
	// brings it in.
	Weak
)

// Dep is one dependency edge of a package version.
type Dep struct {
	Name     string
	UUID     uuid.UUID
	Strength Strength
}

// VersionInfo describes one registered version.
type VersionInfo struct {
	Version  version.Version
	TreeHash treehash.Hash
	Yanked   bool
}

// View is a read-only window onto one or more registries, merged.
type View interface {
	// Has reports whether any registry knows the package.
	Has(uuid.UUID) bool
	// Name returns the advisory name for a package.
	Name(uuid.UUID) (string, bool)
	// Lookup returns the uuids registered under a name, across registries.
	Lookup(name string) []uuid.UUID
	// RepoURL returns the upstream repository for a package, if recorded.
	RepoURL(uuid.UUID) string
	// Versions lists registered versions in descending order. Yanked
	// versions are included, flagged.
	Versions(uuid.UUID) ([]VersionInfo, error)
	// Deps returns the dependency edges of one version.
	Deps(uuid.UUID, version.Version) ([]Dep, error)
	// Compat returns the version constraints one version places on its
	// dependencies, keyed by dependency name.
	Compat(uuid.UUID, version.Version) (map[string]version.Spec, error)
	// TreeHash returns the source tree hash of one version.
	TreeHash(uuid.UUID, version.Version) (treehash.Hash, error)
}

// MemPackage is the in-memory description of one package, used by MemView.
type MemPackage struct {
	Name     string
	Repo     string
	Versions []VersionInfo
	// Deps and Compat map version -> data; the key is the canonical
	// version string.
	Deps   map[string][]Dep
	Compat map[string]map[string]version.Spec
}

// MemView is an in-process View over MemPackage values, used in tests.
type MemView struct {
	Packages map[uuid.UUID]*MemPackage
}

// NewMemView returns an empty MemView.
func NewMemView() *MemView {
	return &MemView{Packages: map[uuid.UUID]*MemPackage{}}
}

// Add registers a package.
func (m *MemView) Add(id uuid.UUID, pkg *MemPackage) {
	sort.Slice(pkg.Versions, func(i, j int) bool {
		return pkg.Versions[j].Version.Less(pkg.Versions[i].Version)
	})
	m.Packages[id] = pkg
}

func (m *MemView) Has(id uuid.UUID) bool {
	_, ok := m.Packages[id]
	return ok
}

func (m *MemView) Name(id uuid.UUID) (string, bool) {
	p, ok := m.Packages[id]
	if !ok {
		return "", false
	}
	return p.Name, true
}

func (m *MemView) Lookup(name string) []uuid.UUID {
	var out []uuid.UUID
	for id, p := range m.Packages {
		if p.Name == name {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (m *MemView) RepoURL(id uuid.UUID) string {
	if p, ok := m.Packages[id]; ok {
		return p.Repo
	}
	return ""
}

func (m *MemView) Versions(id uuid.UUID) ([]VersionInfo, error) {
	p, ok := m.Packages[id]
	if !ok {
		return nil, errUnknown(id)
	}
	return p.Versions, nil
}

func (m *MemView) find(id uuid.UUID, v version.Version) (*MemPackage, *VersionInfo, error) {
	p, ok := m.Packages[id]
	if !ok {
		return nil, nil, errUnknown(id)
	}
	for i := range p.Versions {
		if p.Versions[i].Version.Equal(v) {
			return p, &p.Versions[i], nil
		}
	}
	return nil, nil, errUnknownVersion(id, v)
}

func (m *MemView) Deps(id uuid.UUID, v version.Version) ([]Dep, error) {
	p, _, err := m.find(id, v)
	if err != nil {
		return nil, err
	}
	return p.Deps[v.String()], nil
}

func (m *MemView) Compat(id uuid.UUID, v version.Version) (map[string]version.Spec, error) {
	p, _, err := m.find(id, v)
	if err != nil {
		return nil, err
	}
	return p.Compat[v.String()], nil
}

func (m *MemView) TreeHash(id uuid.UUID, v version.Version) (treehash.Hash, error) {
	_, vi, err := m.find(id, v)
	if err != nil {
		return treehash.ZeroHash, err
	}
	return vi.TreeHash, nil
}

var _ View = &MemView{}
