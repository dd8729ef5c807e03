// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"os"
	"testing"

	"github.com/google/pkgdepot/internal/treehash"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/uuid"
)

func writeOverrides(t *testing.T, d depot.Depot, content string) {
	t.Helper()
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(d.OverridesPath(), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestOverrideShadowing(t *testing.T) {
	hash := "43563e7631a7eafae1f9f8d9d332e3de44ad7239"
	first := depot.Depot(t.TempDir())
	second := depot.Depot(t.TempDir())
	writeOverrides(t, first, hash+` = "1111111111111111111111111111111111111111"`+"\n")
	writeOverrides(t, second, hash+` = "2222222222222222222222222222222222222222"`+"\n")
	ov, err := LoadOverrides(depot.Config{DepotPath: []depot.Depot{first, second}})
	if err != nil {
		t.Fatal(err)
	}
	h, _ := treehash.Parse(hash)
	r, ok := ov.ForHash(h)
	if !ok {
		t.Fatal("ForHash() found nothing")
	}
	if r.Hash.Hex() != "1111111111111111111111111111111111111111" {
		t.Errorf("earlier depot did not shadow: got %s", r.Hash.Hex())
	}
}

func TestOverrideForms(t *testing.T) {
	hash := "43563e7631a7eafae1f9f8d9d332e3de44ad7239"
	pkg := uuid.MustParse("7876af07-990d-54b4-ab0e-23690620f79b")
	d := depot.Depot(t.TempDir())
	writeOverrides(t, d, hash+` = "/opt/prebuilt/socrates"
notahash = "1111111111111111111111111111111111111111"

[7876af07-990d-54b4-ab0e-23690620f79b]
socrates = "1111111111111111111111111111111111111111"
broken = 42
`)
	ov, err := LoadOverrides(depot.Config{DepotPath: []depot.Depot{d}})
	if err != nil {
		t.Fatal(err)
	}
	h, _ := treehash.Parse(hash)
	if r, ok := ov.ForHash(h); !ok || r.Path != "/opt/prebuilt/socrates" {
		t.Errorf("path override = %+v, %v", r, ok)
	}
	if r, ok := ov.ForArtifact(pkg, "socrates"); !ok || r.Hash.Hex() != "1111111111111111111111111111111111111111" {
		t.Errorf("uuid override = %+v, %v", r, ok)
	}
	// Invalid entries are logged and ignored, never fatal.
	if _, ok := ov.ForArtifact(pkg, "broken"); ok {
		t.Error("invalid override entry survived")
	}
}

func TestOverrideClear(t *testing.T) {
	hash := "43563e7631a7eafae1f9f8d9d332e3de44ad7239"
	d := depot.Depot(t.TempDir())
	writeOverrides(t, d, hash+` = ""`+"\n")
	ov, err := LoadOverrides(depot.Config{DepotPath: []depot.Depot{d}})
	if err != nil {
		t.Fatal(err)
	}
	h, _ := treehash.Parse(hash)
	if _, ok := ov.ForHash(h); ok {
		t.Error("cleared override should report no redirect")
	}
}
