// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"os"
	"strings"

	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/version"
	"github.com/google/uuid"
)

// PackageSpec is one parsed user argument naming a package: by name, uuid,
// repository url, or local path, optionally with a version or revision.
type PackageSpec struct {
	Name       string
	UUID       uuid.UUID
	URL        string
	Rev        string
	Path       string
	Version    version.Spec
	VersionRaw string
	HasVersion bool
}

func looksLikeURL(s string) bool {
	return strings.Contains(s, "://") || strings.HasPrefix(s, "git@")
}

func looksLikePath(s string) bool {
	return strings.ContainsAny(s, "/\\") || s == "." || s == ".." ||
		strings.HasPrefix(s, "~")
}

// ParseSpec parses one package argument. Accepted forms:
//
//	Name            Name@1.2          Name@1.2.3        Name=<uuid>
//	<uuid>          <url>             <url>@<rev>       <url>#<rev>
//	<path>          <path>#<rev>
//
// A version and a revision together are rejected, as are bare paths that do
// not exist.
func ParseSpec(arg string) (PackageSpec, error) {
	var s PackageSpec
	if arg == "" {
		return s, &depot.ValidationError{Reason: "empty package spec"}
	}
	// "#rev" names a revision on url and path forms.
	var rev string
	if hash := strings.LastIndexByte(arg, '#'); hash >= 0 {
		arg, rev = arg[:hash], arg[hash+1:]
		if rev == "" {
			return s, &depot.ValidationError{Reason: "empty revision in " + arg}
		}
	}
	if looksLikeURL(arg) {
		s.URL = arg
		s.Rev = rev
		// The user part of a "git@host:path" url is not a revision.
		hostStart := strings.Index(arg, "://") + 3
		if strings.HasPrefix(arg, "git@") {
			hostStart = len("git@")
		}
		if at := strings.LastIndex(arg, "@"); at > hostStart {
			if rev != "" {
				return s, &depot.ValidationError{Reason: "revision given twice in " + arg}
			}
			s.URL, s.Rev = arg[:at], arg[at+1:]
			if s.Rev == "" {
				return s, &depot.ValidationError{Reason: "empty revision in " + arg}
			}
		}
		return s, nil
	}
	if rev != "" {
		if fi, err := os.Stat(arg); err != nil || !fi.IsDir() {
			return s, &depot.ValidationError{Reason: "path " + arg + " does not exist"}
		}
		s.Path = arg
		s.Rev = rev
		return s, nil
	}
	if id, err := uuid.Parse(arg); err == nil {
		s.UUID = id
		return s, nil
	}
	base := arg
	if at := strings.IndexByte(arg, '@'); at >= 0 {
		base = arg[:at]
		verStr := arg[at+1:]
		spec, err := version.ParseSpec(verStr)
		if err != nil {
			return s, &depot.ValidationError{Reason: "invalid version in " + arg + ": " + err.Error()}
		}
		s.Version = spec
		s.VersionRaw = verStr
		s.HasVersion = true
	} else if eq := strings.IndexByte(arg, '='); eq >= 0 {
		base = arg[:eq]
		id, err := uuid.Parse(arg[eq+1:])
		if err != nil {
			return s, &depot.ValidationError{Reason: "invalid uuid in " + arg}
		}
		s.UUID = id
	}
	if depot.ValidPackageName(base) {
		s.Name = base
		return s, nil
	}
	if looksLikePath(arg) {
		if fi, err := os.Stat(arg); err != nil || !fi.IsDir() {
			return s, &depot.ValidationError{Reason: "path " + arg + " does not exist"}
		}
		s.Path = arg
		return s, nil
	}
	return s, &depot.ValidationError{Reason: "cannot parse package spec " + arg}
}

// ParseSpecs parses a list of package arguments.
func ParseSpecs(args []string) ([]PackageSpec, error) {
	out := make([]PackageSpec, 0, len(args))
	for _, a := range args {
		s, err := ParseSpec(a)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// resolveIdentity fills in the uuid (and name) of a spec from the project,
// manifest, or registries.
func (e *Environment) resolveIdentity(s *PackageSpec) error {
	if s.UUID != uuid.Nil {
		if s.Name == "" {
			s.Name = e.nameFor(s.UUID)
		}
		return nil
	}
	if s.Name == "" {
		return nil // url/path identities resolve after fetch
	}
	if id, ok := e.Project.Deps[s.Name]; ok {
		s.UUID = id
		return nil
	}
	for id, ent := range e.Manifest.Entries {
		if ent.Name == s.Name {
			s.UUID = id
			return nil
		}
	}
	ids := e.View.Lookup(s.Name)
	switch len(ids) {
	case 0:
		return &depot.UnknownPackageError{Name: s.Name}
	case 1:
		s.UUID = ids[0]
		return nil
	default:
		return &depot.ValidationError{Reason: "name " + s.Name + " is ambiguous across registries; use Name=<uuid>"}
	}
}
