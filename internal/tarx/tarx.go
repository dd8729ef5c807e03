// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package tarx writes tar archive contents onto a billy filesystem.
package tarx

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
)

// ExtractOptions provides options modifying Extract behavior.
type ExtractOptions struct {
	// Strip removes this many leading path components from each entry.
	// Entries consumed entirely by the strip are dropped.
	Strip int
}

// Extract writes the contents of a tar to a filesystem, preserving file
// modes and symlinks. Entries escaping the root via ".." are skipped.
func Extract(tr *tar.Reader, fs billy.Filesystem, opt ExtractOptions) error {
	for {
		h, err := tr.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		path := filepath.Clean(h.Name)
		parts := strings.Split(path, string(filepath.Separator))
		if len(parts) <= opt.Strip {
			continue
		}
		parts = parts[opt.Strip:]
		if slices.Contains(parts, "..") {
			if _, err := io.CopyN(io.Discard, tr, h.Size); err != nil {
				return err
			}
			continue
		}
		path = filepath.Join(parts...)
		switch h.Typeflag {
		case tar.TypeSymlink:
			if err := fs.Symlink(h.Linkname, path); err != nil {
				return err
			}
		case tar.TypeDir:
			if err := fs.MkdirAll(path, h.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeReg:
			tf, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, h.FileInfo().Mode())
			if err != nil {
				return err
			}
			if _, err := io.CopyN(tf, tr, h.Size); err != nil {
				tf.Close()
				return err
			}
			if err := tf.Close(); err != nil {
				return err
			}
		default:
			// Hard links and device nodes have no place in package sources.
			return errors.Errorf("unsupported tar entry type %d: %s", h.Typeflag, h.Name)
		}
	}
}

// ExtractTarGz gunzips and extracts an archive stream onto fs.
func ExtractTarGz(r io.Reader, fs billy.Filesystem, opt ExtractOptions) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "initializing gzip reader")
	}
	defer gzr.Close()
	return Extract(tar.NewReader(gzr), fs, opt)
}
