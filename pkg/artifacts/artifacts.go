// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package artifacts parses artifact descriptor files, selects descriptors by
// platform, applies depot-local overrides, and installs artifact payloads.
package artifacts

import (
	"os"
	"sort"

	"github.com/google/pkgdepot/internal/treehash"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// File base names, in preference order.
var FileNames = []string{"JuliaArtifacts.toml", "Artifacts.toml"}

// Download is one retrieval location for an artifact archive.
type Download struct {
	URL    string
	SHA256 string
}

// Descriptor describes one artifact payload, optionally constrained to a
// platform.
type Descriptor struct {
	Name     string
	TreeHash treehash.Hash
	Lazy     bool
	Platform depot.Platform
	// Constrained reports whether the descriptor carries any platform
	// fields; an unconstrained descriptor matches every host.
	Constrained bool
	Downloads   []Download
}

var platformKeys = map[string]func(*depot.Platform, string){
	"os":                  func(p *depot.Platform, v string) { p.OS = v },
	"arch":                func(p *depot.Platform, v string) { p.Arch = v },
	"libc":                func(p *depot.Platform, v string) { p.Libc = v },
	"libgfortran_version": func(p *depot.Platform, v string) { p.LibgfortranVersion = v },
	"libstdcxx_version":   func(p *depot.Platform, v string) { p.LibstdcxxVersion = v },
	"cxxstring_abi":       func(p *depot.Platform, v string) { p.CxxstringABI = v },
}

func parseDescriptor(name string, raw map[string]any) (Descriptor, error) {
	d := Descriptor{Name: name}
	for key, val := range raw {
		switch key {
		case "git-tree-sha1":
			s, _ := val.(string)
			h, err := treehash.Parse(s)
			if err != nil {
				return d, errors.Wrapf(err, "artifact %s", name)
			}
			d.TreeHash = h
		case "lazy":
			d.Lazy, _ = val.(bool)
		case "download":
			list, ok := val.([]any)
			if !ok {
				return d, errors.Errorf("artifact %s: download is not an array", name)
			}
			for _, e := range list {
				tbl, ok := e.(map[string]any)
				if !ok {
					return d, errors.Errorf("artifact %s: download entry is not a table", name)
				}
				dl := Download{}
				dl.URL, _ = tbl["url"].(string)
				dl.SHA256, _ = tbl["sha256"].(string)
				if dl.URL == "" {
					return d, errors.Errorf("artifact %s: download entry missing url", name)
				}
				d.Downloads = append(d.Downloads, dl)
			}
		default:
			s, ok := val.(string)
			if !ok {
				return d, errors.Errorf("artifact %s: key %s is not a string", name, key)
			}
			if set, known := platformKeys[key]; known {
				set(&d.Platform, s)
			} else {
				if d.Platform.Tags == nil {
					d.Platform.Tags = map[string]string{}
				}
				d.Platform.Tags[key] = s
			}
			d.Constrained = true
		}
	}
	if d.TreeHash.IsZero() {
		return d, errors.Errorf("artifact %s: missing git-tree-sha1", name)
	}
	return d, nil
}

// Parse decodes an artifacts file into name -> descriptors. Each name maps
// to either one platform-independent descriptor or a list of per-platform
// descriptors.
func Parse(data []byte) (map[string][]Descriptor, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing artifacts file")
	}
	out := map[string][]Descriptor{}
	for name, val := range raw {
		switch v := val.(type) {
		case map[string]any:
			d, err := parseDescriptor(name, v)
			if err != nil {
				return nil, err
			}
			out[name] = []Descriptor{d}
		case []any:
			for _, e := range v {
				tbl, ok := e.(map[string]any)
				if !ok {
					return nil, errors.Errorf("artifact %s: element is not a table", name)
				}
				d, err := parseDescriptor(name, tbl)
				if err != nil {
					return nil, err
				}
				out[name] = append(out[name], d)
			}
		default:
			return nil, errors.Errorf("artifact %s: unexpected value", name)
		}
	}
	return out, nil
}

// ParseFile reads and decodes the artifacts file at path.
func ParseFile(path string) (map[string][]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading artifacts file")
	}
	return Parse(data)
}

// FindFile locates the artifacts file within a package source directory,
// returning "" when the package ships none.
func FindFile(pkgDir string) string {
	for _, name := range FileNames {
		p := pkgDir + string(os.PathSeparator) + name
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Select picks the descriptor matching host. When several match, the most
// specific wins: greatest number of constrained fields, then lexicographic
// order of the serialized constraint. ok is false when none match.
func Select(descs []Descriptor, host depot.Platform) (Descriptor, bool) {
	matched := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		if !d.Constrained || d.Platform.Matches(host) {
			matched = append(matched, d)
		}
	}
	if len(matched) == 0 {
		return Descriptor{}, false
	}
	sort.Slice(matched, func(i, j int) bool {
		si, sj := matched[i].Platform.Specificity(), matched[j].Platform.Specificity()
		if si != sj {
			return si > sj
		}
		return matched[i].Platform.Serialize() < matched[j].Platform.Serialize()
	})
	return matched[0], true
}

// Hashes returns every tree hash referenced by an artifacts file,
// irrespective of platform. The garbage collector uses this as the
// reference set so that no host's artifacts are collected out from under it.
func Hashes(path string) ([]treehash.Hash, error) {
	byName, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	var out []treehash.Hash
	for _, descs := range byName {
		for _, d := range descs {
			out = append(out, d.TreeHash)
		}
	}
	return out, nil
}
