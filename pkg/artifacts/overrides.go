// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/pkgdepot/internal/treehash"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Redirect is the target of one override: another hash, an absolute path,
// or a cleared (identity) mapping.
type Redirect struct {
	Hash  treehash.Hash
	Path  string
	Clear bool
}

func parseRedirect(val string) (Redirect, error) {
	switch {
	case val == "":
		return Redirect{Clear: true}, nil
	case filepath.IsAbs(val):
		return Redirect{Path: val}, nil
	default:
		h, err := treehash.Parse(val)
		if err != nil {
			return Redirect{}, errors.Errorf("override value %q is neither a hash nor an absolute path", val)
		}
		return Redirect{Hash: h}, nil
	}
}

// Overrides is the merged override mapping of the depot search path.
// Earlier depots shadow later ones.
type Overrides struct {
	byHash map[treehash.Hash]Redirect
	byUUID map[uuid.UUID]map[string]Redirect
}

// loadOverridesFile parses a single Overrides.toml, logging and skipping
// invalid entries rather than failing.
func loadOverridesFile(path string) (*Overrides, error) {
	out := &Overrides{
		byHash: map[treehash.Hash]Redirect{},
		byUUID: map[uuid.UUID]map[string]Redirect{},
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading overrides")
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	for key, val := range raw {
		if h, err := treehash.Parse(key); err == nil {
			s, ok := val.(string)
			if !ok {
				log.Printf("Ignoring override for %s in %s: value is not a string", key, path)
				continue
			}
			r, err := parseRedirect(s)
			if err != nil {
				log.Printf("Ignoring override for %s in %s: %v", key, path, err)
				continue
			}
			out.byHash[h] = r
			continue
		}
		id, err := uuid.Parse(key)
		if err != nil {
			log.Printf("Ignoring override key %q in %s: not a hash or uuid", key, path)
			continue
		}
		tbl, ok := val.(map[string]any)
		if !ok {
			log.Printf("Ignoring override for %s in %s: value is not a table", key, path)
			continue
		}
		for name, v := range tbl {
			s, ok := v.(string)
			if !ok {
				log.Printf("Ignoring override %s.%s in %s: value is not a string", key, name, path)
				continue
			}
			r, err := parseRedirect(s)
			if err != nil {
				log.Printf("Ignoring override %s.%s in %s: %v", key, name, path, err)
				continue
			}
			if out.byUUID[id] == nil {
				out.byUUID[id] = map[string]Redirect{}
			}
			out.byUUID[id][name] = r
		}
	}
	return out, nil
}

// LoadOverrides merges the Overrides.toml of every depot. The first depot
// defining a mapping wins.
func LoadOverrides(cfg depot.Config) (*Overrides, error) {
	merged := &Overrides{
		byHash: map[treehash.Hash]Redirect{},
		byUUID: map[uuid.UUID]map[string]Redirect{},
	}
	for _, d := range cfg.DepotPath {
		ov, err := loadOverridesFile(d.OverridesPath())
		if err != nil {
			return nil, err
		}
		for h, r := range ov.byHash {
			if _, shadowed := merged.byHash[h]; !shadowed {
				merged.byHash[h] = r
			}
		}
		for id, names := range ov.byUUID {
			for name, r := range names {
				if merged.byUUID[id] == nil {
					merged.byUUID[id] = map[string]Redirect{}
				}
				if _, shadowed := merged.byUUID[id][name]; !shadowed {
					merged.byUUID[id][name] = r
				}
			}
		}
	}
	return merged, nil
}

// ForHash returns the redirect registered for a hash, if any. Cleared
// mappings report no redirect.
func (o *Overrides) ForHash(h treehash.Hash) (Redirect, bool) {
	r, ok := o.byHash[h]
	if !ok || r.Clear {
		return Redirect{}, false
	}
	return r, true
}

// ForArtifact returns the redirect registered for a (package, artifact
// name) pair, if any.
func (o *Overrides) ForArtifact(pkg uuid.UUID, name string) (Redirect, bool) {
	r, ok := o.byUUID[pkg][name]
	if !ok || r.Clear {
		return Redirect{}, false
	}
	return r, true
}

// overrideCache caches the merged overrides per process, invalidated
// explicitly via Index.ReloadOverrides.
type overrideCache struct {
	mu sync.Mutex
	ov *Overrides
}

func (c *overrideCache) get(cfg depot.Config) (*Overrides, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ov == nil {
		ov, err := LoadOverrides(cfg)
		if err != nil {
			return nil, err
		}
		c.ov = ov
	}
	return c.ov, nil
}

func (c *overrideCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ov = nil
}
