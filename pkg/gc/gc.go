// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package gc prunes unreferenced store objects after an aging delay, using
// the depot usage logs as roots.
package gc

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/pkgdepot/internal/depotlock"
	"github.com/google/pkgdepot/pkg/artifacts"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/project"
	"github.com/google/pkgdepot/pkg/store"
)

// DefaultDelay ages orphans for about a month before deletion.
const DefaultDelay = 30 * 24 * time.Hour

// Options configures one collection sweep.
type Options struct {
	// Delay is the orphan age required before deletion. Negative means
	// DefaultDelay; zero collects immediately ("all" mode).
	Delay time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Report summarizes one sweep.
type Report struct {
	// Referenced counts live object references across all usage logs.
	Referenced int
	// Orphaned lists objects newly entered into the orphan log.
	Orphaned []string
	// Deleted lists object directories removed this sweep.
	Deleted []string
}

type refSet map[string]bool

func packageKey(name, hex string) string { return "pkg:" + name + "/" + hex }
func artifactKey(hex string) string     { return "art:" + hex }

// Collect runs one garbage collection sweep across the depot search path.
// It is idempotent: a second sweep with no state change collects the
// stragglers the first re-entered.
func Collect(ctx context.Context, cfg depot.Config, o Options) (*Report, error) {
	if o.Delay < 0 {
		o.Delay = DefaultDelay
	}
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	refs := refSet{}
	report := &Report{}
	for _, d := range cfg.DepotPath {
		if err := depotlock.With(ctx, d, func() error {
			return gatherRoots(d, refs)
		}); err != nil {
			return nil, err
		}
	}
	report.Referenced = len(refs)
	for _, d := range cfg.DepotPath {
		if err := depotlock.With(ctx, d, func() error {
			return sweepDepot(d, refs, o.Delay, now(), report)
		}); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// gatherRoots reads both usage logs of one depot, accumulates the
// references of every file that still exists, and prunes stale stanzas.
func gatherRoots(d depot.Depot, refs refSet) error {
	manifests, err := store.ReadUsage(d, store.ManifestUsageLog)
	if err != nil {
		return err
	}
	liveManifests := map[string][]time.Time{}
	for _, path := range store.SortedPaths(manifests) {
		if _, err := os.Stat(path); err != nil {
			continue // stale stanza, pruned below
		}
		man, err := project.ReadManifest(path)
		if err != nil {
			log.Printf("Skipping unreadable manifest %s: %v", path, err)
			continue
		}
		liveManifests[path] = manifests[path]
		for _, ent := range man.Entries {
			if !ent.TreeHash.IsZero() {
				refs[packageKey(ent.Name, ent.TreeHash.Hex())] = true
			}
		}
	}
	if err := store.WriteUsage(d, store.ManifestUsageLog, liveManifests); err != nil {
		return err
	}
	arts, err := store.ReadUsage(d, store.ArtifactUsageLog)
	if err != nil {
		return err
	}
	liveArts := map[string][]time.Time{}
	for _, path := range store.SortedPaths(arts) {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		hashes, err := artifacts.Hashes(path)
		if err != nil {
			log.Printf("Skipping unreadable artifacts file %s: %v", path, err)
			continue
		}
		liveArts[path] = arts[path]
		for _, h := range hashes {
			refs[artifactKey(h.Hex())] = true
		}
	}
	return store.WriteUsage(d, store.ArtifactUsageLog, liveArts)
}

// sweepDepot ages and deletes the unreferenced objects of one depot.
func sweepDepot(d depot.Depot, refs refSet, delay time.Duration, now time.Time, report *Report) error {
	present := map[string]string{} // object path -> ref key
	entries, _ := os.ReadDir(d.PackagesDir())
	for _, nameEnt := range entries {
		if !nameEnt.IsDir() {
			continue
		}
		trees, _ := os.ReadDir(filepath.Join(d.PackagesDir(), nameEnt.Name()))
		for _, t := range trees {
			if !t.IsDir() {
				continue
			}
			path := filepath.Join(d.PackagesDir(), nameEnt.Name(), t.Name())
			present[path] = packageKey(nameEnt.Name(), t.Name())
		}
	}
	arts, _ := os.ReadDir(d.ArtifactsDir())
	for _, a := range arts {
		if !a.IsDir() {
			continue
		}
		path := filepath.Join(d.ArtifactsDir(), a.Name())
		present[path] = artifactKey(a.Name())
	}
	orphans, err := store.ReadOrphans(d)
	if err != nil {
		return err
	}
	// Objects referenced again leave the orphan log.
	for path := range orphans {
		if key, ok := present[path]; ok && refs[key] {
			delete(orphans, path)
		}
	}
	for path, key := range present {
		if refs[key] {
			continue
		}
		if _, aged := orphans[path]; !aged {
			orphans[path] = now
			report.Orphaned = append(report.Orphaned, path)
		}
	}
	st := &store.ObjectStore{Config: depot.Config{DepotPath: []depot.Depot{d}}}
	for _, path := range store.SortedPaths(orphans) {
		t := orphans[path]
		if now.Sub(t) < delay {
			continue
		}
		if _, err := os.Lstat(path); err != nil {
			// Already gone: the straggler from a prior sweep, or a racing
			// deletion. Never fatal.
			log.Printf("Orphan %s already removed", path)
			delete(orphans, path)
			continue
		}
		if err := st.Remove(path); err != nil {
			log.Printf("Failed to remove %s: %v", path, err)
			continue
		}
		report.Deleted = append(report.Deleted, path)
		// Keep the entry one more sweep so a racing installer that has
		// not yet logged a reference does not lose the object silently.
	}
	return store.WriteOrphans(d, orphans)
}
