// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package project reads and writes the user-editable project file and the
// resolved manifest, preserving unknown keys on round-trip.
package project

import (
	"os"
	"path/filepath"

	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/version"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// File base names, in preference order when both exist.
var (
	ProjectNames  = []string{"JuliaProject.toml", "Project.toml"}
	ManifestNames = []string{"JuliaManifest.toml", "Manifest.toml"}
)

// Project is the human-editable declaration of direct requirements.
type Project struct {
	Name    string
	UUID    uuid.UUID
	Version *version.Version

	Deps     map[string]uuid.UUID
	WeakDeps map[string]uuid.UUID
	Extras   map[string]uuid.UUID
	Compat   map[string]string
	Targets  map[string][]string

	// Other preserves unknown top-level keys verbatim.
	Other map[string]any
}

// NewProject returns an empty project with allocated maps.
func NewProject() *Project {
	return &Project{
		Deps:     map[string]uuid.UUID{},
		WeakDeps: map[string]uuid.UUID{},
		Extras:   map[string]uuid.UUID{},
		Compat:   map[string]string{},
		Targets:  map[string][]string{},
		Other:    map[string]any{},
	}
}

// FindProjectFile locates the project file within dir, preferring the
// alternative name if present. Returns the preferred default path when
// neither exists.
func FindProjectFile(dir string) string {
	for _, name := range ProjectNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "Project.toml")
}

// ManifestPathFor pairs a manifest path with the given project path by
// basename.
func ManifestPathFor(projectPath string) string {
	dir := filepath.Dir(projectPath)
	if filepath.Base(projectPath) == "JuliaProject.toml" {
		return filepath.Join(dir, "JuliaManifest.toml")
	}
	return filepath.Join(dir, "Manifest.toml")
}

func parseUUIDMap(raw any, what string) (map[string]uuid.UUID, error) {
	out := map[string]uuid.UUID{}
	tbl, ok := raw.(map[string]any)
	if !ok {
		return nil, &depot.ValidationError{Reason: what + " is not a table"}
	}
	for name, v := range tbl {
		s, ok := v.(string)
		if !ok {
			return nil, &depot.ValidationError{Reason: what + "." + name + " is not a string"}
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, &depot.ValidationError{Reason: what + "." + name + " is not a uuid"}
		}
		out[name] = id
	}
	return out, nil
}

func uuidMapToAny(m map[string]uuid.UUID) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.String()
	}
	return out
}

// ParseProject decodes a project file.
func ParseProject(data []byte) (*Project, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, &depot.ValidationError{Reason: "project file: " + err.Error()}
	}
	p := NewProject()
	for key, val := range raw {
		var err error
		switch key {
		case "name":
			p.Name, _ = val.(string)
		case "uuid":
			s, _ := val.(string)
			p.UUID, err = uuid.Parse(s)
			if err != nil {
				return nil, &depot.ValidationError{Reason: "project uuid is not a uuid"}
			}
		case "version":
			s, _ := val.(string)
			v, err := version.Parse(s)
			if err != nil {
				return nil, &depot.ValidationError{Reason: "project version: " + err.Error()}
			}
			p.Version = &v
		case "deps":
			p.Deps, err = parseUUIDMap(val, "deps")
		case "weakdeps":
			p.WeakDeps, err = parseUUIDMap(val, "weakdeps")
		case "extras":
			p.Extras, err = parseUUIDMap(val, "extras")
		case "compat":
			tbl, ok := val.(map[string]any)
			if !ok {
				return nil, &depot.ValidationError{Reason: "compat is not a table"}
			}
			for name, v := range tbl {
				s, ok := v.(string)
				if !ok {
					return nil, &depot.ValidationError{Reason: "compat." + name + " is not a string"}
				}
				p.Compat[name] = s
			}
		case "targets":
			tbl, ok := val.(map[string]any)
			if !ok {
				return nil, &depot.ValidationError{Reason: "targets is not a table"}
			}
			for target, v := range tbl {
				list, ok := v.([]any)
				if !ok {
					return nil, &depot.ValidationError{Reason: "targets." + target + " is not an array"}
				}
				var names []string
				for _, e := range list {
					s, ok := e.(string)
					if !ok {
						return nil, &depot.ValidationError{Reason: "targets." + target + " contains a non-string"}
					}
					names = append(names, s)
				}
				p.Targets[target] = names
			}
		default:
			p.Other[key] = val
		}
		if err != nil {
			return nil, err
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadProject loads and validates the project at path. A missing file yields
// an empty project.
func ReadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewProject(), nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading project")
	}
	return ParseProject(data)
}

// Validate enforces the project invariants: every compat key names a direct
// dep, weak dep, or extra; compat specs parse.
func (p *Project) Validate() error {
	for name := range p.Compat {
		if name == "julia" {
			continue
		}
		_, dep := p.Deps[name]
		_, weak := p.WeakDeps[name]
		_, extra := p.Extras[name]
		if !dep && !weak && !extra {
			return &depot.ValidationError{Reason: "compat entry " + name + " is not a dep, weakdep, or extra"}
		}
	}
	for name, s := range p.Compat {
		if _, err := version.ParseSpec(s); err != nil {
			return &depot.ValidationError{Reason: "compat." + name + ": " + err.Error()}
		}
	}
	return nil
}

// CompatSpec returns the parsed compat constraint for name, or Any.
func (p *Project) CompatSpec(name string) version.Spec {
	if s, ok := p.Compat[name]; ok {
		if spec, err := version.ParseSpec(s); err == nil {
			return spec
		}
	}
	return version.Any()
}

// Clone deep-copies the project, for dry-run mutation.
func (p *Project) Clone() *Project {
	out := NewProject()
	out.Name = p.Name
	out.UUID = p.UUID
	if p.Version != nil {
		v := *p.Version
		out.Version = &v
	}
	for k, v := range p.Deps {
		out.Deps[k] = v
	}
	for k, v := range p.WeakDeps {
		out.WeakDeps[k] = v
	}
	for k, v := range p.Extras {
		out.Extras[k] = v
	}
	for k, v := range p.Compat {
		out.Compat[k] = v
	}
	for k, v := range p.Targets {
		out.Targets[k] = append([]string{}, v...)
	}
	for k, v := range p.Other {
		out.Other[k] = v
	}
	return out
}

// Marshal renders the project in canonical form.
func (p *Project) Marshal() ([]byte, error) {
	out := map[string]any{}
	for k, v := range p.Other {
		out[k] = v
	}
	if p.Name != "" {
		out["name"] = p.Name
	}
	if p.UUID != uuid.Nil {
		out["uuid"] = p.UUID.String()
	}
	if p.Version != nil {
		out["version"] = p.Version.String()
	}
	if len(p.Deps) > 0 {
		out["deps"] = uuidMapToAny(p.Deps)
	}
	if len(p.WeakDeps) > 0 {
		out["weakdeps"] = uuidMapToAny(p.WeakDeps)
	}
	if len(p.Extras) > 0 {
		out["extras"] = uuidMapToAny(p.Extras)
	}
	if len(p.Compat) > 0 {
		compat := make(map[string]any, len(p.Compat))
		for k, v := range p.Compat {
			compat[k] = v
		}
		out["compat"] = compat
	}
	if len(p.Targets) > 0 {
		targets := make(map[string]any, len(p.Targets))
		for k, v := range p.Targets {
			targets[k] = v
		}
		out["targets"] = targets
	}
	return toml.Marshal(out)
}

// Write persists the project at path via write-then-rename.
func (p *Project) Write(path string) error {
	data, err := p.Marshal()
	if err != nil {
		return errors.Wrap(err, "serializing project")
	}
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
