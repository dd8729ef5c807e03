// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/pkgdepot/pkg/depot"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Usage log file names under <depot>/logs.
const (
	ManifestUsageLog = "manifest_usage.toml"
	ArtifactUsageLog = "artifact_usage.toml"
	OrphanLog        = "orphaned.toml"
)

// stamp is one timestamped stanza value.
type stamp struct {
	Time time.Time `toml:"time"`
}

// AppendUsage records that the file at path was read into an active
// operation. The log accumulates append-only: each use appends an
// array-of-tables stanza keyed by the absolute path, so the file stays
// parseable TOML without ever rewriting earlier stanzas.
func AppendUsage(d depot.Depot, logName, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "canonicalizing usage path")
	}
	if err := os.MkdirAll(d.LogsDir(), 0o755); err != nil {
		return errors.Wrap(err, "creating logs directory")
	}
	f, err := os.OpenFile(filepath.Join(d.LogsDir(), logName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening usage log")
	}
	defer f.Close()
	stanza := fmt.Sprintf("[[%q]]\ntime = %s\n", abs, time.Now().UTC().Format("2006-01-02T15:04:05Z"))
	if _, err := f.WriteString(stanza); err != nil {
		return errors.Wrap(err, "appending usage stanza")
	}
	return nil
}

// ReadUsage parses a usage log into path -> use times. A missing log reads
// as empty.
func ReadUsage(d depot.Depot, logName string) (map[string][]time.Time, error) {
	data, err := os.ReadFile(filepath.Join(d.LogsDir(), logName))
	if os.IsNotExist(err) {
		return map[string][]time.Time{}, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading usage log")
	}
	var raw map[string][]stamp
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", logName)
	}
	out := make(map[string][]time.Time, len(raw))
	for path, stamps := range raw {
		for _, s := range stamps {
			out[path] = append(out[path], s.Time)
		}
	}
	return out, nil
}

// WriteUsage rewrites a usage log wholesale, used by the garbage collector
// to prune stale entries. Each path keeps only its most recent use time.
func WriteUsage(d depot.Depot, logName string, usage map[string][]time.Time) error {
	out := make(map[string][]stamp, len(usage))
	for path, times := range usage {
		latest := times[0]
		for _, t := range times[1:] {
			if t.After(latest) {
				latest = t
			}
		}
		out[path] = []stamp{{Time: latest.UTC()}}
	}
	data, err := toml.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "serializing usage log")
	}
	if err := os.MkdirAll(d.LogsDir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.LogsDir(), logName), data, 0o644)
}

// ReadOrphans parses the orphan log into object path -> orphaned-at time.
func ReadOrphans(d depot.Depot) (map[string]time.Time, error) {
	data, err := os.ReadFile(filepath.Join(d.LogsDir(), OrphanLog))
	if os.IsNotExist(err) {
		return map[string]time.Time{}, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading orphan log")
	}
	var raw map[string]stamp
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing orphan log")
	}
	out := make(map[string]time.Time, len(raw))
	for path, s := range raw {
		out[path] = s.Time
	}
	return out, nil
}

// WriteOrphans rewrites the orphan log.
func WriteOrphans(d depot.Depot, orphans map[string]time.Time) error {
	out := make(map[string]stamp, len(orphans))
	for path, t := range orphans {
		out[path] = stamp{Time: t.UTC()}
	}
	data, err := toml.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "serializing orphan log")
	}
	if err := os.MkdirAll(d.LogsDir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.LogsDir(), OrphanLog), data, 0o644)
}

// SortedPaths returns the keys of a usage map in stable order.
func SortedPaths[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
