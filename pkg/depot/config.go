// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package depot defines the depot layout, the process configuration handle,
// the host platform model, and the error kinds shared across the core.
package depot

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultConcurrency bounds parallel downloads when PKG_CONCURRENCY is unset.
const DefaultConcurrency = 8

// Config carries all process-wide settings. It is constructed once (usually
// via FromEnv at the CLI boundary) and passed explicitly through operations;
// nothing in the core re-reads the environment.
type Config struct {
	// DepotPath is the ordered depot search path. The first entry is the
	// primary depot, the target of installs.
	DepotPath []Depot
	// ActiveProject is the path of the current project file, if any.
	ActiveProject string
	// DevDir is the directory for shared develop checkouts. Empty means
	// <primary>/dev.
	DevDir string
	// Concurrency bounds simultaneous downloads.
	Concurrency int
	// UseCLIGit selects the external git binary for fetches.
	UseCLIGit bool
	// IgnoreHashes downgrades hash mismatches to logged warnings.
	IgnoreHashes bool
	// Offline refuses all network I/O in the fetcher.
	Offline bool
	// ResolveMaxTime is the resolver time budget. Zero means no budget.
	ResolveMaxTime time.Duration
	// Server is an optional mirror URL for registry and archive retrieval.
	Server string
}

// FromEnv builds a Config from the recognized environment variables.
func FromEnv() (Config, error) {
	cfg := Config{Concurrency: DefaultConcurrency}
	for _, p := range filepath.SplitList(os.Getenv("DEPOT_PATH")) {
		if p == "" {
			continue
		}
		cfg.DepotPath = append(cfg.DepotPath, Depot(p))
	}
	if len(cfg.DepotPath) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, errors.Wrap(err, "determining default depot")
		}
		cfg.DepotPath = []Depot{Depot(filepath.Join(home, ".pkgdepot"))}
	}
	cfg.ActiveProject = os.Getenv("ACTIVE_PROJECT")
	cfg.DevDir = os.Getenv("PKG_DEVDIR")
	if v := os.Getenv("PKG_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, &ValidationError{Reason: "PKG_CONCURRENCY must be a positive integer"}
		}
		cfg.Concurrency = n
	}
	cfg.UseCLIGit = os.Getenv("PKG_USE_CLI_GIT") != ""
	cfg.IgnoreHashes = os.Getenv("PKG_IGNORE_HASHES") != ""
	cfg.Offline = os.Getenv("PKG_OFFLINE") != ""
	if v := os.Getenv("PKG_RESOLVE_MAX_TIME"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			return cfg, &ValidationError{Reason: "PKG_RESOLVE_MAX_TIME must be a non-negative number of seconds"}
		}
		cfg.ResolveMaxTime = time.Duration(secs * float64(time.Second))
	}
	cfg.Server = strings.TrimSuffix(os.Getenv("PKG_SERVER"), "/")
	return cfg, nil
}

// Primary returns the install-target depot.
func (c Config) Primary() Depot {
	return c.DepotPath[0]
}

// SharedDevDir returns the directory for shared develop checkouts.
func (c Config) SharedDevDir() string {
	if c.DevDir != "" {
		return c.DevDir
	}
	return c.Primary().DevDir()
}
