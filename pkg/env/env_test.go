// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/pkgdepot/internal/treehash"
	"github.com/google/pkgdepot/pkg/artifacts"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/fetch"
	"github.com/google/pkgdepot/pkg/project"
	"github.com/google/pkgdepot/pkg/registry"
	"github.com/google/pkgdepot/pkg/store"
	"github.com/google/pkgdepot/pkg/version"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	exampleID = uuid.MustParse("7876af07-990d-54b4-ab0e-23690620f79b")
	jsonID    = uuid.MustParse("682c06a0-de6a-54ab-a142-c8b1cf79cde6")
	extraID   = uuid.MustParse("8dfed614-e22c-5e08-85e1-65c5234f0b40")
)

type fakeServer map[string][]byte

func (s fakeServer) Do(req *http.Request) (*http.Response, error) {
	body, ok := s[req.URL.String()]
	if !ok {
		return &http.Response{StatusCode: 404, Status: "404 Not Found", Body: http.NoBody}, nil
	}
	return &http.Response{StatusCode: 200, Status: "200 OK", Body: nopCloser{bytes.NewReader(body)}}, nil
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }

// archiveOf builds a tar.gz of files and returns it with the tree hash of
// its contents.
func archiveOf(t *testing.T, files map[string]string) ([]byte, treehash.Hash) {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	mem := memfs.New()
	for path, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: path, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
		if err := util.WriteFile(mem, path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	tree, err := treehash.Tree(mem, ".")
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), tree
}

type testWorld struct {
	env    *Environment
	view   *registry.MemView
	server fakeServer
	pkgs   map[uuid.UUID]*registry.MemPackage
}

func newTestWorld(t *testing.T) *testWorld {
	t.Helper()
	d := depot.Depot(t.TempDir())
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	cfg := depot.Config{
		DepotPath:   []depot.Depot{d},
		Concurrency: 1,
		Server:      "https://pkg.test",
	}
	view := registry.NewMemView()
	server := fakeServer{}
	st := &store.ObjectStore{Config: cfg}
	f := fetch.New(cfg, st)
	f.Client = server
	projPath := filepath.Join(t.TempDir(), "Project.toml")
	e := &Environment{
		Config:       cfg,
		ProjectPath:  projPath,
		ManifestPath: project.ManifestPathFor(projPath),
		Project:      project.NewProject(),
		Manifest:     project.NewManifest(),
		View:         view,
		Store:        st,
		Fetcher:      f,
		Artifacts:    artifacts.NewIndex(st),
	}
	e.Artifacts.Client = server
	return &testWorld{env: e, view: view, server: server, pkgs: map[uuid.UUID]*registry.MemPackage{}}
}

// register adds one package version to the in-memory registry and serves
// its source archive at the package-server URL.
func (w *testWorld) register(t *testing.T, id uuid.UUID, name, vstr string, files map[string]string, deps []registry.Dep, compat map[string]string) treehash.Hash {
	t.Helper()
	archive, tree := archiveOf(t, files)
	w.server["https://pkg.test/package/"+id.String()+"/"+tree.Hex()] = archive
	pkg, ok := w.pkgs[id]
	if !ok {
		pkg = &registry.MemPackage{
			Name:   name,
			Deps:   map[string][]registry.Dep{},
			Compat: map[string]map[string]version.Spec{},
		}
		w.pkgs[id] = pkg
	}
	pkg.Versions = append(pkg.Versions, registry.VersionInfo{Version: version.MustParse(vstr), TreeHash: tree})
	if deps != nil {
		pkg.Deps[vstr] = deps
	}
	if compat != nil {
		specs := map[string]version.Spec{}
		for n, s := range compat {
			specs[n] = version.MustParseSpec(s)
		}
		pkg.Compat[vstr] = specs
	}
	w.view.Add(id, pkg)
	return tree
}

func mustSpec(t *testing.T, arg string) PackageSpec {
	t.Helper()
	s, err := ParseSpec(arg)
	if err != nil {
		t.Fatalf("ParseSpec(%q) failed: %v", arg, err)
	}
	return s
}

func TestAddInstallsFromRegistry(t *testing.T) {
	w := newTestWorld(t)
	tree := w.register(t, exampleID, "Example", "0.5.3", map[string]string{"src/Example.jl": "module Example end\n"}, nil, nil)

	diff, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, "Example")}, Options{})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if !diff.Applied || len(diff.Changes) != 1 || diff.Changes[0].Op != OpAdd {
		t.Fatalf("diff = %+v", diff)
	}
	man, err := project.ReadManifest(w.env.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	ent := man.Entries[exampleID]
	if ent == nil {
		t.Fatal("Example missing from written manifest")
	}
	if ent.Version == nil || ent.Version.String() != "0.5.3" {
		t.Errorf("version = %v", ent.Version)
	}
	if ent.TreeHash != tree {
		t.Errorf("tree hash = %s, want %s", ent.TreeHash.Hex(), tree.Hex())
	}
	src, ok := w.env.Store.PackagePath("Example", tree)
	if !ok {
		t.Fatal("source not materialized")
	}
	if filepath.Base(src) != tree.Hex() {
		t.Errorf("source dir basename = %s, want the tree hash hex", filepath.Base(src))
	}
	proj, err := project.ReadProject(w.env.ProjectPath)
	if err != nil {
		t.Fatal(err)
	}
	if proj.Deps["Example"] != exampleID {
		t.Errorf("project deps = %v", proj.Deps)
	}
}

func TestAddUnknownPackage(t *testing.T) {
	w := newTestWorld(t)
	_, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, "Ghost")}, Options{})
	var uerr *depot.UnknownPackageError
	if !errors.As(err, &uerr) {
		t.Fatalf("error = %v, want UnknownPackageError", err)
	}
}

func TestAddPullsTransitiveDeps(t *testing.T) {
	w := newTestWorld(t)
	w.register(t, jsonID, "JSON", "0.21.4", map[string]string{"src/JSON.jl": "module JSON end\n"}, nil, nil)
	w.register(t, exampleID, "Example", "0.5.3", map[string]string{"src/Example.jl": "x\n"},
		[]registry.Dep{{Name: "JSON", UUID: jsonID}}, map[string]string{"JSON": "0.21"})

	if _, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, "Example")}, Options{}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	man, err := project.ReadManifest(w.env.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	ent := man.Entries[jsonID]
	if ent == nil {
		t.Fatal("transitive dep missing from manifest")
	}
	if man.Entries[exampleID].Deps["JSON"] != jsonID {
		t.Errorf("dep mapping = %v", man.Entries[exampleID].Deps)
	}
}

func TestUpdateLevels(t *testing.T) {
	w := newTestWorld(t)
	th := w.register(t, exampleID, "Example", "0.3.0", map[string]string{"a": "1\n"}, nil, nil)
	w.register(t, exampleID, "Example", "0.3.3", map[string]string{"a": "2\n"}, nil, nil)
	w.register(t, exampleID, "Example", "0.5.0", map[string]string{"a": "3\n"}, nil, nil)
	w.env.Project.Deps["Example"] = exampleID
	v030 := version.MustParse("0.3.0")
	w.env.Manifest.Entries[exampleID] = &project.ManifestEntry{
		UUID: exampleID, Name: "Example", Version: &v030, TreeHash: th,
		Deps: map[string]uuid.UUID{}, Other: map[string]any{},
	}

	testCases := []struct {
		name  string
		level UpdateLevel
		want  string
	}{
		{name: "Fixed", level: UpdateFixed, want: "0.3.0"},
		{name: "Patch", level: UpdatePatch, want: "0.3.3"},
		{name: "Minor", level: UpdateMinor, want: "0.5.0"},
		{name: "Major", level: UpdateMajor, want: "0.5.0"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			diff, err := w.env.Update(context.Background(), []PackageSpec{mustSpec(t, "Example")}, tc.level, Options{DryRun: true})
			if err != nil {
				t.Fatalf("Update() failed: %v", err)
			}
			if tc.want == "0.3.0" {
				if !diff.Empty() {
					t.Errorf("diff = %+v, want no movement", diff.Changes)
				}
				return
			}
			if len(diff.Changes) != 1 || diff.Changes[0].New == nil || diff.Changes[0].New.String() != tc.want {
				t.Errorf("diff = %+v, want upgrade to %s", diff.Changes, tc.want)
			}
		})
	}
}

// Pinning holds a version through later adds; the add still lands in the
// project's compat.
func TestPinHoldsThroughAdd(t *testing.T) {
	w := newTestWorld(t)
	w.register(t, exampleID, "Example", "0.3.0", map[string]string{"a": "old\n"}, nil, nil)
	w.register(t, exampleID, "Example", "0.5.0", map[string]string{"a": "new\n"}, nil, nil)

	if _, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, "Example")}, Options{}); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if _, err := w.env.Pin(context.Background(), []PackageSpec{mustSpec(t, "Example@=0.3.0")}, Options{}); err != nil {
		t.Fatalf("Pin() failed: %v", err)
	}
	if _, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, "Example@0.5.0")}, Options{}); err != nil {
		t.Fatalf("second Add() failed: %v", err)
	}
	man, err := project.ReadManifest(w.env.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	ent := man.Entries[exampleID]
	if ent.Version.String() != "0.3.0" || !ent.Pinned {
		t.Errorf("entry = v%s pinned=%v, want pinned v0.3.0", ent.Version, ent.Pinned)
	}
	proj, err := project.ReadProject(w.env.ProjectPath)
	if err != nil {
		t.Fatal(err)
	}
	if proj.Compat["Example"] != "0.5.0" {
		t.Errorf("compat = %q, want updated to 0.5.0", proj.Compat["Example"])
	}
}

func TestFreeUnpinned(t *testing.T) {
	w := newTestWorld(t)
	w.register(t, exampleID, "Example", "0.5.0", map[string]string{"a": "x\n"}, nil, nil)
	if _, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, "Example")}, Options{}); err != nil {
		t.Fatal(err)
	}
	_, err := w.env.Free(context.Background(), []PackageSpec{mustSpec(t, "Example")}, Options{})
	var serr *depot.StateError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want StateError for freeing an unpinned entry", err)
	}
}

func TestRemovePrunesTransitiveAndCompat(t *testing.T) {
	w := newTestWorld(t)
	w.register(t, jsonID, "JSON", "0.21.4", map[string]string{"j": "x\n"}, nil, nil)
	w.register(t, exampleID, "Example", "0.5.3", map[string]string{"e": "y\n"},
		[]registry.Dep{{Name: "JSON", UUID: jsonID}}, nil)
	if _, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, "Example@0.5.3")}, Options{}); err != nil {
		t.Fatal(err)
	}
	diff, err := w.env.Remove(context.Background(), []PackageSpec{mustSpec(t, "Example")}, RemoveProject, Options{})
	if err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if !diff.Applied {
		t.Fatal("remove not applied")
	}
	man, err := project.ReadManifest(w.env.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(man.Entries) != 0 {
		t.Errorf("manifest entries = %d, want transitive prune to empty", len(man.Entries))
	}
	proj, err := project.ReadProject(w.env.ProjectPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(proj.Deps) != 0 || len(proj.Compat) != 0 {
		t.Errorf("project not pruned: deps=%v compat=%v", proj.Deps, proj.Compat)
	}
}

func TestResolveReconciles(t *testing.T) {
	w := newTestWorld(t)
	w.register(t, exampleID, "Example", "0.5.3", map[string]string{"e": "z\n"}, nil, nil)
	w.env.Project.Deps["Example"] = exampleID

	diff, err := w.env.Resolve(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if !diff.Applied {
		t.Fatal("resolve not applied")
	}
	man, err := project.ReadManifest(w.env.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if man.Entries[exampleID] == nil {
		t.Fatal("manifest not reconciled")
	}
	// Resolve never installs.
	if _, ok := w.env.Store.PackagePath("Example", man.Entries[exampleID].TreeHash); ok {
		t.Error("Resolve() materialized sources")
	}
}

func TestInstantiateRequiresConsistentManifest(t *testing.T) {
	w := newTestWorld(t)
	w.register(t, exampleID, "Example", "0.5.3", map[string]string{"e": "w\n"}, nil, nil)
	w.env.Project.Deps["Example"] = exampleID
	err := w.env.Instantiate(context.Background(), false, Options{})
	var serr *depot.StateError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want StateError", err)
	}
}

func TestInstantiateMaterializes(t *testing.T) {
	w := newTestWorld(t)
	tree := w.register(t, exampleID, "Example", "0.5.3", map[string]string{"e": "w\n"}, nil, nil)
	w.env.Project.Deps["Example"] = exampleID
	if _, err := w.env.Resolve(context.Background(), Options{}); err != nil {
		t.Fatal(err)
	}
	if err := w.env.Instantiate(context.Background(), false, Options{}); err != nil {
		t.Fatalf("Instantiate() failed: %v", err)
	}
	if _, ok := w.env.Store.PackagePath("Example", tree); !ok {
		t.Error("source not materialized by instantiate")
	}
	usage, err := store.ReadUsage(w.env.Config.Primary(), store.ManifestUsageLog)
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) == 0 {
		t.Error("manifest usage not logged")
	}
}

func TestDryRunLeavesStateUntouched(t *testing.T) {
	w := newTestWorld(t)
	w.register(t, exampleID, "Example", "0.5.3", map[string]string{"e": "v\n"}, nil, nil)
	diff, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, "Example")}, Options{DryRun: true})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if diff.Applied || len(diff.Changes) != 1 {
		t.Errorf("diff = %+v, want unapplied single add", diff)
	}
	if _, err := os.Stat(w.env.ProjectPath); !os.IsNotExist(err) {
		t.Error("dry run wrote the project file")
	}
	if _, err := os.Stat(w.env.ManifestPath); !os.IsNotExist(err) {
		t.Error("dry run wrote the manifest file")
	}
	if len(w.env.Project.Deps) != 0 || len(w.env.Manifest.Entries) != 0 {
		t.Error("dry run left in-memory mutations behind")
	}
}

func TestDevelopRejectsRev(t *testing.T) {
	w := newTestWorld(t)
	spec := PackageSpec{Name: "Example", Rev: "main"}
	_, err := w.env.Develop(context.Background(), []PackageSpec{spec}, true, Options{})
	var serr *depot.StateError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want StateError", err)
	}
}

func TestDevelopLocalPath(t *testing.T) {
	w := newTestWorld(t)
	devDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(devDir, "Project.toml"), []byte(`name = "Devved"
uuid = "443db023-6e24-4c05-8bbc-97d5f9b9ad4e"
version = "0.1.0"
`), 0o644); err != nil {
		t.Fatal(err)
	}
	diff, err := w.env.Develop(context.Background(), []PackageSpec{mustSpec(t, devDir)}, true, Options{})
	if err != nil {
		t.Fatalf("Develop() failed: %v", err)
	}
	if !diff.Applied {
		t.Fatal("develop not applied")
	}
	man, err := project.ReadManifest(w.env.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.MustParse("443db023-6e24-4c05-8bbc-97d5f9b9ad4e")
	ent := man.Entries[id]
	if ent == nil {
		t.Fatal("develop entry missing")
	}
	if ent.Kind() != project.SourcePath {
		t.Errorf("kind = %s, want path", ent.Kind())
	}
	if !filepath.IsAbs(ent.Path) {
		t.Errorf("path = %q, want the user's absolute path retained", ent.Path)
	}
	if !ent.TreeHash.IsZero() {
		t.Error("path entry carries a tree hash")
	}
}

func TestMakeSandbox(t *testing.T) {
	w := newTestWorld(t)
	w.register(t, exampleID, "Example", "0.5.3", map[string]string{"e": "s\n"}, nil, nil)
	w.register(t, extraID, "Test", "1.0.0", map[string]string{"t": "t\n"}, nil, nil)
	if _, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, "Example")}, Options{}); err != nil {
		t.Fatal(err)
	}
	w.env.Project.Extras["Test"] = extraID
	w.env.Project.Targets["test"] = []string{"Test"}
	w.env.Project.Compat["Test"] = "1"

	sp, sm, err := w.env.MakeSandbox("test")
	if err != nil {
		t.Fatalf("MakeSandbox() failed: %v", err)
	}
	if sp.Deps["Example"] != exampleID || sp.Deps["Test"] != extraID {
		t.Errorf("sandbox deps = %v", sp.Deps)
	}
	if sp.Compat["Test"] != "1" {
		t.Errorf("sandbox compat = %v", sp.Compat)
	}
	if sm.Entries[exampleID] == nil {
		t.Error("active subgraph not carried into sandbox manifest")
	}
	if _, _, err := w.env.MakeSandbox("bench"); err == nil {
		t.Error("unknown target accepted")
	}
}

func TestAddPreservesExisting(t *testing.T) {
	// With tiered preservation, adding a second package must not move the
	// first when its current version remains admissible.
	w := newTestWorld(t)
	w.register(t, exampleID, "Example", "0.3.0", map[string]string{"a": "1\n"}, nil, nil)
	if _, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, "Example@=0.3.0")}, Options{}); err != nil {
		t.Fatal(err)
	}
	// Lift the compat restriction, then add JSON; Example stays at 0.3.0.
	w.register(t, exampleID, "Example", "0.5.0", map[string]string{"a": "2\n"}, nil, nil)
	delete(w.env.Project.Compat, "Example")
	w.register(t, jsonID, "JSON", "0.21.4", map[string]string{"j": "1\n"}, nil, nil)
	if _, err := w.env.Add(context.Background(), []PackageSpec{mustSpec(t, "JSON")}, Options{}); err != nil {
		t.Fatal(err)
	}
	man, err := project.ReadManifest(w.env.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := man.Entries[exampleID].Version.String(); got != "0.3.0" {
		t.Errorf("Example moved to %s during unrelated add", got)
	}
}
