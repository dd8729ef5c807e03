// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/pkgdepot/internal/cache"
	"github.com/google/pkgdepot/internal/treehash"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/version"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

func errUnknown(id uuid.UUID) error {
	return &depot.UnknownPackageError{UUID: id}
}

func errUnknownVersion(id uuid.UUID, v version.Version) error {
	return errors.Errorf("package %s has no version %s", id, v)
}

// registryTOML mirrors <registry>/Registry.toml.
type registryTOML struct {
	Name     string                 `toml:"name"`
	UUID     string                 `toml:"uuid"`
	Packages map[string]packageStub `toml:"packages"`
}

type packageStub struct {
	Name string `toml:"name"`
	Path string `toml:"path"`
}

// packageTOML mirrors <registry>/<path>/Package.toml.
type packageTOML struct {
	Name string `toml:"name"`
	UUID string `toml:"uuid"`
	Repo string `toml:"repo"`
}

type versionTOML struct {
	TreeHash string `toml:"git-tree-sha1"`
	Yanked   bool   `toml:"yanked"`
}

// diskRegistry is one registry directory on disk.
type diskRegistry struct {
	root     string
	name     string
	packages map[uuid.UUID]packageStub
	loaded   cache.CoalescingMemoryCache // uuid -> *MemPackage
}

// DepotView merges every registry found under the depot search path.
// Package payloads load lazily and are cached for the life of the view.
type DepotView struct {
	regs   []*diskRegistry
	byName map[string][]uuid.UUID
}

// Load scans the registries directory of every depot in order.
func Load(cfg depot.Config) (*DepotView, error) {
	view := &DepotView{byName: map[string][]uuid.UUID{}}
	for _, d := range cfg.DepotPath {
		entries, err := os.ReadDir(d.RegistriesDir())
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return nil, errors.Wrapf(err, "scanning registries in %s", d)
		}
		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			root := filepath.Join(d.RegistriesDir(), ent.Name())
			reg, err := openRegistry(root)
			if err != nil {
				log.Printf("Skipping unreadable registry %s: %v", root, err)
				continue
			}
			view.regs = append(view.regs, reg)
			for id, stub := range reg.packages {
				view.byName[stub.Name] = append(view.byName[stub.Name], id)
			}
		}
	}
	for name := range view.byName {
		ids := view.byName[name]
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
		view.byName[name] = dedup(ids)
	}
	return view, nil
}

func dedup(ids []uuid.UUID) []uuid.UUID {
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || ids[i-1] != id {
			out = append(out, id)
		}
	}
	return out
}

func openRegistry(root string) (*diskRegistry, error) {
	data, err := os.ReadFile(filepath.Join(root, "Registry.toml"))
	if err != nil {
		return nil, err
	}
	var rt registryTOML
	if err := toml.Unmarshal(data, &rt); err != nil {
		return nil, errors.Wrap(err, "parsing Registry.toml")
	}
	reg := &diskRegistry{root: root, name: rt.Name, packages: map[uuid.UUID]packageStub{}}
	for idStr, stub := range rt.Packages {
		id, err := uuid.Parse(idStr)
		if err != nil {
			log.Printf("Ignoring invalid package uuid %q in %s", idStr, root)
			continue
		}
		reg.packages[id] = stub
	}
	return reg, nil
}

func decodeTOMLFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	return toml.Unmarshal(data, v)
}

// load reads and caches the package payload for id.
func (r *diskRegistry) load(id uuid.UUID) (*MemPackage, error) {
	stub, ok := r.packages[id]
	if !ok {
		return nil, errUnknown(id)
	}
	val, err := r.loaded.GetOrSet(id, func() (any, error) {
		return r.loadPackage(id, stub)
	})
	if err != nil {
		return nil, err
	}
	return val.(*MemPackage), nil
}

func (r *diskRegistry) loadPackage(id uuid.UUID, stub packageStub) (*MemPackage, error) {
	dir := filepath.Join(r.root, filepath.FromSlash(stub.Path))
	var pt packageTOML
	if err := decodeTOMLFile(filepath.Join(dir, "Package.toml"), &pt); err != nil {
		return nil, errors.Wrapf(err, "loading %s Package.toml", stub.Name)
	}
	pkg := &MemPackage{
		Name:   stub.Name,
		Repo:   pt.Repo,
		Deps:   map[string][]Dep{},
		Compat: map[string]map[string]version.Spec{},
	}
	var versions map[string]versionTOML
	if err := decodeTOMLFile(filepath.Join(dir, "Versions.toml"), &versions); err != nil {
		return nil, errors.Wrapf(err, "loading %s Versions.toml", stub.Name)
	}
	for vs, vt := range versions {
		v, err := version.Parse(vs)
		if err != nil {
			log.Printf("Ignoring invalid version %q of %s", vs, stub.Name)
			continue
		}
		h, err := treehash.Parse(vt.TreeHash)
		if err != nil {
			log.Printf("Ignoring version %s of %s with invalid tree hash", vs, stub.Name)
			continue
		}
		pkg.Versions = append(pkg.Versions, VersionInfo{Version: v, TreeHash: h, Yanked: vt.Yanked})
	}
	sort.Slice(pkg.Versions, func(i, j int) bool {
		return pkg.Versions[j].Version.Less(pkg.Versions[i].Version)
	})
	deps, err := loadRanged(filepath.Join(dir, "Deps.toml"))
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s Deps.toml", stub.Name)
	}
	weak, err := loadRanged(filepath.Join(dir, "WeakDeps.toml"))
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s WeakDeps.toml", stub.Name)
	}
	compat, err := loadRanged(filepath.Join(dir, "Compat.toml"))
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s Compat.toml", stub.Name)
	}
	for _, vi := range pkg.Versions {
		vkey := vi.Version.String()
		for name, val := range collapse(deps, vi.Version) {
			depID, err := uuid.Parse(val)
			if err != nil {
				return nil, errors.Errorf("dep %s of %s has invalid uuid %q", name, stub.Name, val)
			}
			pkg.Deps[vkey] = append(pkg.Deps[vkey], Dep{Name: name, UUID: depID, Strength: Strong})
		}
		for name, val := range collapse(weak, vi.Version) {
			depID, err := uuid.Parse(val)
			if err != nil {
				return nil, errors.Errorf("weakdep %s of %s has invalid uuid %q", name, stub.Name, val)
			}
			pkg.Deps[vkey] = append(pkg.Deps[vkey], Dep{Name: name, UUID: depID, Strength: Weak})
		}
		sort.Slice(pkg.Deps[vkey], func(i, j int) bool {
			return pkg.Deps[vkey][i].Name < pkg.Deps[vkey][j].Name
		})
		for name, val := range collapse(compat, vi.Version) {
			spec, err := version.ParseSpec(val)
			if err != nil {
				return nil, errors.Errorf("compat %s of %s: %v", name, stub.Name, err)
			}
			if pkg.Compat[vkey] == nil {
				pkg.Compat[vkey] = map[string]version.Spec{}
			}
			pkg.Compat[vkey][name] = spec
		}
	}
	return pkg, nil
}

// rangedSection is one version-range-keyed stanza of Deps/WeakDeps/Compat.
type rangedSection struct {
	spec   version.Spec
	values map[string]string
}

func loadRanged(path string) ([]rangedSection, error) {
	var raw map[string]map[string]string
	if err := decodeTOMLFile(path, &raw); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for rangeStr := range raw {
		keys = append(keys, rangeStr)
	}
	sort.Strings(keys)
	var out []rangedSection
	for _, rangeStr := range keys {
		spec, err := version.ParseSpec(rangeStr)
		if err != nil {
			return nil, errors.Wrapf(err, "section [%q]", rangeStr)
		}
		out = append(out, rangedSection{spec: spec, values: raw[rangeStr]})
	}
	return out, nil
}

// collapse merges every section covering v. Sections arrive sorted by
// range, so key collisions resolve deterministically.
func collapse(sections []rangedSection, v version.Version) map[string]string {
	out := map[string]string{}
	for _, s := range sections {
		if !s.spec.Contains(v) {
			continue
		}
		for k, val := range s.values {
			out[k] = val
		}
	}
	return out
}

// Has reports whether any registry knows the package.
func (dv *DepotView) Has(id uuid.UUID) bool {
	for _, r := range dv.regs {
		if _, ok := r.packages[id]; ok {
			return true
		}
	}
	return false
}

// Name returns the advisory name for a package.
func (dv *DepotView) Name(id uuid.UUID) (string, bool) {
	for _, r := range dv.regs {
		if stub, ok := r.packages[id]; ok {
			return stub.Name, true
		}
	}
	return "", false
}

// Lookup returns the uuids registered under a name.
func (dv *DepotView) Lookup(name string) []uuid.UUID {
	return dv.byName[name]
}

// RepoURL returns the upstream repository recorded for a package.
func (dv *DepotView) RepoURL(id uuid.UUID) string {
	for _, r := range dv.regs {
		if _, ok := r.packages[id]; ok {
			pkg, err := r.load(id)
			if err == nil && pkg.Repo != "" {
				return pkg.Repo
			}
		}
	}
	return ""
}

// first returns the payload from the first registry knowing id.
func (dv *DepotView) first(id uuid.UUID) (*MemPackage, error) {
	for _, r := range dv.regs {
		if _, ok := r.packages[id]; ok {
			return r.load(id)
		}
	}
	return nil, errUnknown(id)
}

// Versions lists registered versions in descending order.
func (dv *DepotView) Versions(id uuid.UUID) ([]VersionInfo, error) {
	pkg, err := dv.first(id)
	if err != nil {
		return nil, err
	}
	return pkg.Versions, nil
}

// Deps returns the dependency edges of one version.
func (dv *DepotView) Deps(id uuid.UUID, v version.Version) ([]Dep, error) {
	pkg, err := dv.first(id)
	if err != nil {
		return nil, err
	}
	if _, ok := pkg.Deps[v.String()]; !ok && !hasVersion(pkg, v) {
		return nil, errUnknownVersion(id, v)
	}
	return pkg.Deps[v.String()], nil
}

// Compat returns the constraints one version places on its deps.
func (dv *DepotView) Compat(id uuid.UUID, v version.Version) (map[string]version.Spec, error) {
	pkg, err := dv.first(id)
	if err != nil {
		return nil, err
	}
	if !hasVersion(pkg, v) {
		return nil, errUnknownVersion(id, v)
	}
	return pkg.Compat[v.String()], nil
}

// TreeHash returns the source tree hash of one version.
func (dv *DepotView) TreeHash(id uuid.UUID, v version.Version) (treehash.Hash, error) {
	pkg, err := dv.first(id)
	if err != nil {
		return treehash.ZeroHash, err
	}
	for _, vi := range pkg.Versions {
		if vi.Version.Equal(v) {
			return vi.TreeHash, nil
		}
	}
	return treehash.ZeroHash, errUnknownVersion(id, v)
}

func hasVersion(pkg *MemPackage, v version.Version) bool {
	for _, vi := range pkg.Versions {
		if vi.Version.Equal(v) {
			return true
		}
	}
	return false
}

var _ View = &DepotView{}
