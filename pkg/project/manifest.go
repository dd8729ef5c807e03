// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"os"
	"sort"

	"github.com/google/pkgdepot/internal/treehash"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/version"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// ManifestFormat is the format written by this implementation.
const ManifestFormat = 2

// SourceKind distinguishes where a manifest entry's tree comes from.
type SourceKind int

const (
	// SourceRegistry entries are tracked by registry version.
	SourceRegistry SourceKind = iota
	// SourceRepo entries track a git repository revision.
	SourceRepo
	// SourcePath entries point at a local directory (develop).
	SourcePath
	// SourceStdlib entries ship with the runtime and carry no tree.
	SourceStdlib
)

func (k SourceKind) String() string {
	switch k {
	case SourceRegistry:
		return "registry"
	case SourceRepo:
		return "repo"
	case SourcePath:
		return "path"
	case SourceStdlib:
		return "stdlib"
	default:
		return "unknown"
	}
}

// ManifestEntry is one resolved package.
type ManifestEntry struct {
	UUID     uuid.UUID
	Name     string
	Version  *version.Version
	TreeHash treehash.Hash
	Path     string
	RepoURL  string
	RepoRev  string
	Pinned   bool
	Stdlib   bool
	Deps     map[string]uuid.UUID

	// Other preserves unknown entry keys verbatim.
	Other map[string]any
}

// Kind derives the source kind from the populated coordinates.
func (e *ManifestEntry) Kind() SourceKind {
	switch {
	case e.Stdlib:
		return SourceStdlib
	case e.Path != "":
		return SourcePath
	case e.RepoURL != "":
		return SourceRepo
	default:
		return SourceRegistry
	}
}

// Manifest is the lock file: a keyed entry table, not an ownership tree, so
// dependency cycles through path entries are representable.
type Manifest struct {
	ManifestFormat int64
	JuliaVersion   string
	Entries        map[uuid.UUID]*ManifestEntry

	// Other preserves unknown top-level keys verbatim.
	Other map[string]any
}

// NewManifest returns an empty manifest at the current format.
func NewManifest() *Manifest {
	return &Manifest{
		ManifestFormat: ManifestFormat,
		Entries:        map[uuid.UUID]*ManifestEntry{},
		Other:          map[string]any{},
	}
}

func parseEntry(name string, raw map[string]any) (*ManifestEntry, error) {
	e := &ManifestEntry{Name: name, Deps: map[string]uuid.UUID{}, Other: map[string]any{}}
	for key, val := range raw {
		switch key {
		case "uuid":
			s, _ := val.(string)
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, &depot.IntegrityError{Reason: "entry " + name + " has invalid uuid"}
			}
			e.UUID = id
		case "version":
			s, _ := val.(string)
			v, err := version.Parse(s)
			if err != nil {
				return nil, &depot.IntegrityError{Reason: "entry " + name + " has invalid version"}
			}
			e.Version = &v
		case "git-tree-sha1":
			s, _ := val.(string)
			h, err := treehash.Parse(s)
			if err != nil {
				return nil, &depot.IntegrityError{Reason: "entry " + name + " has invalid git-tree-sha1"}
			}
			e.TreeHash = h
		case "path":
			e.Path, _ = val.(string)
		case "repo-url":
			e.RepoURL, _ = val.(string)
		case "repo-rev":
			e.RepoRev, _ = val.(string)
		case "pinned":
			e.Pinned, _ = val.(bool)
		case "stdlib":
			e.Stdlib, _ = val.(bool)
		case "deps":
			deps, err := parseUUIDMap(val, name+".deps")
			if err != nil {
				return nil, err
			}
			e.Deps = deps
		default:
			e.Other[key] = val
		}
	}
	if e.UUID == uuid.Nil {
		return nil, &depot.IntegrityError{Reason: "entry " + name + " is missing a uuid"}
	}
	return e, nil
}

// ParseManifest decodes a manifest file.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, &depot.IntegrityError{Reason: "manifest file: " + err.Error()}
	}
	m := NewManifest()
	for key, val := range raw {
		switch key {
		case "manifest_format":
			switch v := val.(type) {
			case int64:
				m.ManifestFormat = v
			case string:
				// Older writers quoted the format.
				var n int64
				for _, r := range v {
					if r < '0' || r > '9' {
						break
					}
					n = n*10 + int64(r-'0')
				}
				m.ManifestFormat = n
			}
		case "julia_version":
			m.JuliaVersion, _ = val.(string)
		default:
			list, ok := val.([]any)
			if !ok {
				m.Other[key] = val
				continue
			}
			for _, elem := range list {
				tbl, ok := elem.(map[string]any)
				if !ok {
					return nil, &depot.IntegrityError{Reason: "entry " + key + " is not a table"}
				}
				e, err := parseEntry(key, tbl)
				if err != nil {
					return nil, err
				}
				if _, dup := m.Entries[e.UUID]; dup {
					return nil, &depot.IntegrityError{Reason: "duplicate manifest entry " + e.UUID.String()}
				}
				m.Entries[e.UUID] = e
			}
		}
	}
	return m, nil
}

// ReadManifest loads the manifest at path. A missing file yields an empty
// manifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewManifest(), nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading manifest")
	}
	return ParseManifest(data)
}

// Validate checks that every dependency uuid named by an entry is itself an
// entry.
func (m *Manifest) Validate() error {
	for _, e := range m.Entries {
		for depName, depID := range e.Deps {
			if _, ok := m.Entries[depID]; !ok {
				return &depot.IntegrityError{
					Reason: "entry " + e.Name + " depends on " + depName + " [" + depID.String() + "] which has no entry",
				}
			}
		}
	}
	return nil
}

// SortedEntries returns the entries ordered by name, then uuid.
func (m *Manifest) SortedEntries() []*ManifestEntry {
	out := make([]*ManifestEntry, 0, len(m.Entries))
	for _, e := range m.Entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UUID.String() < out[j].UUID.String()
	})
	return out
}

func (e *ManifestEntry) marshalMap() map[string]any {
	out := map[string]any{}
	for k, v := range e.Other {
		out[k] = v
	}
	out["uuid"] = e.UUID.String()
	if e.Version != nil {
		out["version"] = e.Version.String()
	}
	if !e.TreeHash.IsZero() {
		out["git-tree-sha1"] = e.TreeHash.Hex()
	}
	if e.Path != "" {
		out["path"] = e.Path
	}
	if e.RepoURL != "" {
		out["repo-url"] = e.RepoURL
	}
	if e.RepoRev != "" {
		out["repo-rev"] = e.RepoRev
	}
	if e.Pinned {
		out["pinned"] = true
	}
	if e.Stdlib {
		out["stdlib"] = true
	}
	if len(e.Deps) > 0 {
		out["deps"] = uuidMapToAny(e.Deps)
	}
	return out
}

// Marshal renders the manifest in canonical form.
func (m *Manifest) Marshal() ([]byte, error) {
	out := map[string]any{}
	for k, v := range m.Other {
		out[k] = v
	}
	out["manifest_format"] = m.ManifestFormat
	if m.JuliaVersion != "" {
		out["julia_version"] = m.JuliaVersion
	}
	for _, e := range m.SortedEntries() {
		list, _ := out[e.Name].([]map[string]any)
		out[e.Name] = append(list, e.marshalMap())
	}
	return toml.Marshal(out)
}

// Write persists the manifest at path via write-then-rename.
func (m *Manifest) Write(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return errors.Wrap(err, "serializing manifest")
	}
	return atomicWrite(path, data)
}

// Clone deep-copies the manifest, for dry-run mutation.
func (m *Manifest) Clone() *Manifest {
	out := NewManifest()
	out.ManifestFormat = m.ManifestFormat
	out.JuliaVersion = m.JuliaVersion
	for k, v := range m.Other {
		out.Other[k] = v
	}
	for id, e := range m.Entries {
		ne := *e
		ne.Deps = map[string]uuid.UUID{}
		for k, v := range e.Deps {
			ne.Deps[k] = v
		}
		ne.Other = map[string]any{}
		for k, v := range e.Other {
			ne.Other[k] = v
		}
		out.Entries[id] = &ne
	}
	return out
}
