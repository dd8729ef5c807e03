// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"sort"

	"github.com/google/pkgdepot/pkg/project"
	"github.com/google/pkgdepot/pkg/version"
	"github.com/google/uuid"
)

// Op classifies one manifest change.
type Op int

const (
	OpAdd Op = iota
	OpRemove
	OpUpgrade
	OpDowngrade
	OpChange
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "+"
	case OpRemove:
		return "-"
	case OpUpgrade:
		return "↑"
	case OpDowngrade:
		return "↓"
	default:
		return "~"
	}
}

// Change is one entry-level difference between two manifests.
type Change struct {
	Op      Op
	Name    string
	UUID    uuid.UUID
	Old     *version.Version
	New     *version.Version
	OldKind string
	NewKind string
	Pinned  bool
}

// Diff is the structured outcome every operation reports: the would-be (or
// applied) changes to project and manifest.
type Diff struct {
	Changes []Change
	// ProjectChanged reports whether the project file itself changed.
	ProjectChanged bool
	// Applied is false for dry runs.
	Applied bool
}

// Empty reports whether the operation changed nothing.
func (d *Diff) Empty() bool {
	return len(d.Changes) == 0 && !d.ProjectChanged
}

func diffManifests(old, new *project.Manifest) []Change {
	var out []Change
	for id, oe := range old.Entries {
		ne, ok := new.Entries[id]
		if !ok {
			out = append(out, Change{Op: OpRemove, Name: oe.Name, UUID: id, Old: oe.Version, OldKind: oe.Kind().String()})
			continue
		}
		if c, changed := diffEntry(oe, ne); changed {
			out = append(out, c)
		}
	}
	for id, ne := range new.Entries {
		if _, ok := old.Entries[id]; !ok {
			out = append(out, Change{Op: OpAdd, Name: ne.Name, UUID: id, New: ne.Version, NewKind: ne.Kind().String(), Pinned: ne.Pinned})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UUID.String() < out[j].UUID.String()
	})
	return out
}

func diffEntry(oe, ne *project.ManifestEntry) (Change, bool) {
	c := Change{
		Op: OpChange, Name: ne.Name, UUID: ne.UUID,
		Old: oe.Version, New: ne.Version,
		OldKind: oe.Kind().String(), NewKind: ne.Kind().String(),
		Pinned: ne.Pinned,
	}
	switch {
	case oe.Version != nil && ne.Version != nil && !oe.Version.Equal(*ne.Version):
		if oe.Version.Less(*ne.Version) {
			c.Op = OpUpgrade
		} else {
			c.Op = OpDowngrade
		}
		return c, true
	case oe.Kind() != ne.Kind(),
		oe.Pinned != ne.Pinned,
		oe.RepoRev != ne.RepoRev,
		oe.RepoURL != ne.RepoURL,
		oe.Path != ne.Path,
		oe.TreeHash != ne.TreeHash:
		return c, true
	}
	return c, false
}
