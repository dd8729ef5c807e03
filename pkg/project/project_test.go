// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

const exampleProject = `name = "Sandbox"
uuid = "7876af07-990d-54b4-ab0e-23690620f79a"
version = "0.1.0"

[deps]
Example = "7876af07-990d-54b4-ab0e-23690620f79b"

[extras]
Test = "8dfed614-e22c-5e08-85e1-65c5234f0b40"

[compat]
Example = "0.5"

[targets]
test = ["Test"]

[customsection]
flag = true
`

func TestParseProject(t *testing.T) {
	p, err := ParseProject([]byte(exampleProject))
	if err != nil {
		t.Fatalf("ParseProject() failed: %v", err)
	}
	if p.Name != "Sandbox" {
		t.Errorf("Name = %q", p.Name)
	}
	if p.UUID != uuid.MustParse("7876af07-990d-54b4-ab0e-23690620f79a") {
		t.Errorf("UUID = %s", p.UUID)
	}
	if p.Version == nil || p.Version.String() != "0.1.0" {
		t.Errorf("Version = %v", p.Version)
	}
	if got := p.Deps["Example"]; got != uuid.MustParse("7876af07-990d-54b4-ab0e-23690620f79b") {
		t.Errorf("Deps[Example] = %s", got)
	}
	if got := p.Compat["Example"]; got != "0.5" {
		t.Errorf("Compat[Example] = %q", got)
	}
	if diff := cmp.Diff([]string{"Test"}, p.Targets["test"]); diff != "" {
		t.Errorf("Targets mismatch (-want +got):\n%s", diff)
	}
	if _, ok := p.Other["customsection"]; !ok {
		t.Error("unknown table was not preserved")
	}
}

func TestProjectRoundTrip(t *testing.T) {
	p, err := ParseProject([]byte(exampleProject))
	if err != nil {
		t.Fatal(err)
	}
	data, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	p2, err := ParseProject(data)
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if p2.Name != p.Name || p2.UUID != p.UUID {
		t.Errorf("identity lost: %q %s", p2.Name, p2.UUID)
	}
	if diff := cmp.Diff(p.Deps, p2.Deps); diff != "" {
		t.Errorf("deps mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(p.Compat, p2.Compat); diff != "" {
		t.Errorf("compat mismatch (-want +got):\n%s", diff)
	}
	if _, ok := p2.Other["customsection"]; !ok {
		t.Error("unknown table lost on round trip")
	}
}

func TestProjectValidate(t *testing.T) {
	bad := `[compat]
Ghost = "1"
`
	if _, err := ParseProject([]byte(bad)); err == nil {
		t.Error("compat entry without a dep should fail validation")
	}
	julia := `[compat]
julia = "1.6"
`
	if _, err := ParseProject([]byte(julia)); err != nil {
		t.Errorf("julia compat should be allowed: %v", err)
	}
}

const exampleManifest = `manifest_format = 2
julia_version = "1.10.0"

[[Example]]
uuid = "7876af07-990d-54b4-ab0e-23690620f79b"
version = "0.5.3"
git-tree-sha1 = "46e44e869b4d90b96bd8ed1fdcf32244fddfb6cc"
future-key = "preserved"

[[Dev]]
uuid = "443db023-6e24-4c05-8bbc-97d5f9b9ad4e"
path = "../Dev"

[Dev.deps]
Example = "7876af07-990d-54b4-ab0e-23690620f79b"
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(exampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest() failed: %v", err)
	}
	if m.ManifestFormat != 2 {
		t.Errorf("ManifestFormat = %d", m.ManifestFormat)
	}
	ex := m.Entries[uuid.MustParse("7876af07-990d-54b4-ab0e-23690620f79b")]
	if ex == nil {
		t.Fatal("Example entry missing")
	}
	if ex.Version == nil || ex.Version.String() != "0.5.3" {
		t.Errorf("Example version = %v", ex.Version)
	}
	if ex.TreeHash.Hex() != "46e44e869b4d90b96bd8ed1fdcf32244fddfb6cc" {
		t.Errorf("Example tree hash = %s", ex.TreeHash.Hex())
	}
	if ex.Kind() != SourceRegistry {
		t.Errorf("Example kind = %s", ex.Kind())
	}
	if got, ok := ex.Other["future-key"]; !ok || got != "preserved" {
		t.Errorf("unknown entry key = %v, %v", got, ok)
	}
	dev := m.Entries[uuid.MustParse("443db023-6e24-4c05-8bbc-97d5f9b9ad4e")]
	if dev == nil {
		t.Fatal("Dev entry missing")
	}
	if dev.Kind() != SourcePath {
		t.Errorf("Dev kind = %s", dev.Kind())
	}
	if dev.Version != nil {
		t.Errorf("path entry version = %v, want absent", dev.Version)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m, err := ParseManifest([]byte(exampleManifest))
	if err != nil {
		t.Fatal(err)
	}
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	m2, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if len(m2.Entries) != len(m.Entries) {
		t.Fatalf("entry count = %d, want %d", len(m2.Entries), len(m.Entries))
	}
	ex := m2.Entries[uuid.MustParse("7876af07-990d-54b4-ab0e-23690620f79b")]
	if got, ok := ex.Other["future-key"]; !ok || got != "preserved" {
		t.Errorf("unknown key lost on round trip: %v, %v", got, ok)
	}
	dev := m2.Entries[uuid.MustParse("443db023-6e24-4c05-8bbc-97d5f9b9ad4e")]
	if dev.Path != "../Dev" {
		t.Errorf("Dev path = %q", dev.Path)
	}
	if diff := cmp.Diff(m.Entries[dev.UUID].Deps, dev.Deps); diff != "" {
		t.Errorf("deps mismatch (-want +got):\n%s", diff)
	}
}

func TestManifestValidateMissingDep(t *testing.T) {
	const broken = `manifest_format = 2

[[Lonely]]
uuid = "443db023-6e24-4c05-8bbc-97d5f9b9ad4e"

[Lonely.deps]
Ghost = "7876af07-990d-54b4-ab0e-23690620f79b"
`
	m, err := ParseManifest([]byte(broken))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Validate(); err == nil {
		t.Error("Validate() accepted a dangling dep uuid")
	}
}

func TestManifestCyclesTolerated(t *testing.T) {
	const cyclic = `manifest_format = 2

[[A]]
uuid = "00000000-0000-0000-0000-00000000000a"
path = "../A"

[A.deps]
B = "00000000-0000-0000-0000-00000000000b"

[[B]]
uuid = "00000000-0000-0000-0000-00000000000b"
path = "../B"

[B.deps]
A = "00000000-0000-0000-0000-00000000000a"
`
	m, err := ParseManifest([]byte(cyclic))
	if err != nil {
		t.Fatalf("cycle through path entries should parse: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate() rejected a legal path cycle: %v", err)
	}
	if _, err := m.Marshal(); err != nil {
		t.Errorf("Marshal() failed on cycle: %v", err)
	}
}

func TestManifestPathFor(t *testing.T) {
	if got := ManifestPathFor("/p/Project.toml"); got != "/p/Manifest.toml" {
		t.Errorf("ManifestPathFor = %q", got)
	}
	if got := ManifestPathFor("/p/JuliaProject.toml"); got != "/p/JuliaManifest.toml" {
		t.Errorf("ManifestPathFor = %q", got)
	}
}
