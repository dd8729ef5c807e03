// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package depot

import (
	"os"
	"path/filepath"
	"regexp"
)

// Depot is a filesystem root holding an object store, environments, clone
// caches, and registries.
type Depot string

// String returns the depot root path.
func (d Depot) String() string { return string(d) }

// PackagesDir returns the package source store root.
func (d Depot) PackagesDir() string { return filepath.Join(string(d), "packages") }

// PackageDir returns the source directory for one package tree hash.
func (d Depot) PackageDir(name, hexTree string) string {
	return filepath.Join(d.PackagesDir(), name, hexTree)
}

// ArtifactsDir returns the artifact store root.
func (d Depot) ArtifactsDir() string { return filepath.Join(string(d), "artifacts") }

// ArtifactDir returns the directory for one artifact tree hash.
func (d Depot) ArtifactDir(hexTree string) string {
	return filepath.Join(d.ArtifactsDir(), hexTree)
}

// ClonesDir returns the bare-clone cache root.
func (d Depot) ClonesDir() string { return filepath.Join(string(d), "clones") }

// EnvironmentsDir returns the named-environments root.
func (d Depot) EnvironmentsDir() string { return filepath.Join(string(d), "environments") }

// DevDir returns the shared develop-checkout root.
func (d Depot) DevDir() string { return filepath.Join(string(d), "dev") }

// ScratchDir returns the staging root for partially materialized objects.
func (d Depot) ScratchDir() string { return filepath.Join(string(d), "scratchspaces") }

// RegistriesDir returns the registry data root.
func (d Depot) RegistriesDir() string { return filepath.Join(string(d), "registries") }

// LogsDir returns the usage/orphan log root.
func (d Depot) LogsDir() string { return filepath.Join(string(d), "logs") }

// LockPath returns the advisory lock file serializing mutations to the depot.
func (d Depot) LockPath() string { return filepath.Join(string(d), ".pkg.lock") }

// OverridesPath returns the artifact overrides file for the depot.
func (d Depot) OverridesPath() string {
	return filepath.Join(d.ArtifactsDir(), "Overrides.toml")
}

// Init creates the depot directory skeleton.
func (d Depot) Init() error {
	for _, dir := range []string{
		d.PackagesDir(), d.ArtifactsDir(), d.ClonesDir(), d.EnvironmentsDir(),
		d.DevDir(), d.ScratchDir(), d.RegistriesDir(), d.LogsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

var nameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidPackageName reports whether name matches the package identifier
// grammar.
func ValidPackageName(name string) bool {
	return nameRE.MatchString(name)
}
