// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package treehash computes the git tree hash of a directory without
// invoking git.
package treehash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/go-git/go-billy/v5"
	"github.com/pjbgf/sha1cd"
	"github.com/pkg/errors"
)

// Hash is a 20-byte git object id.
type Hash [20]byte

// ZeroHash is the absent hash value.
var ZeroHash Hash

// EmptyTree is the hash of a tree with no entries.
var EmptyTree = mustParse("4b825dc642cb6eb9a060e54bf8d69288fbee4904")

// Hex returns the 40-character lowercase hex encoding.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string { return h.Hex() }

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool { return h == ZeroHash }

// Parse decodes a 40-character hex tree hash.
func Parse(s string) (Hash, error) {
	var h Hash
	if len(s) != 40 {
		return h, errors.Errorf("invalid tree hash length: %q", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.Wrapf(err, "invalid tree hash %q", s)
	}
	copy(h[:], b)
	return h, nil
}

func mustParse(s string) Hash {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

// treeEntry is one row of a serialized git tree object.
type treeEntry struct {
	mode string
	name string
	hash Hash
}

// sortKey orders entries the way git does: byte-wise, with directory names
// compared as if suffixed with "/".
func (e treeEntry) sortKey() string {
	if e.mode == "40000" {
		return e.name + "/"
	}
	return e.name
}

func hashObject(kind string, size int64, content io.Reader) (Hash, error) {
	h := sha1cd.New()
	fmt.Fprintf(h, "%s %d\x00", kind, size)
	if content != nil {
		if _, err := io.Copy(h, content); err != nil {
			return ZeroHash, err
		}
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

func hashBlob(fs billy.Filesystem, path string, size int64) (Hash, error) {
	f, err := fs.Open(path)
	if err != nil {
		return ZeroHash, err
	}
	defer f.Close()
	return hashObject("blob", size, f)
}

// Tree computes the git tree hash of dir within fs. Symlinks are hashed as
// link blobs and never followed. A directory whose subtree hashes to the
// empty tree is omitted from its parent, matching git. Only the user execute
// bit distinguishes 100755 from 100644.
func Tree(fs billy.Filesystem, dir string) (Hash, error) {
	infos, err := fs.ReadDir(dir)
	if err != nil {
		return ZeroHash, errors.Wrapf(err, "reading %s", dir)
	}
	var entries []treeEntry
	for _, fi := range infos {
		name := fi.Name()
		path := fs.Join(dir, name)
		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			target, err := fs.Readlink(path)
			if err != nil {
				return ZeroHash, errors.Wrapf(err, "reading symlink %s", path)
			}
			h := sha1cd.New()
			fmt.Fprintf(h, "blob %d\x00%s", len(target), target)
			var bh Hash
			copy(bh[:], h.Sum(nil))
			entries = append(entries, treeEntry{"120000", name, bh})
		case fi.IsDir():
			sub, err := Tree(fs, path)
			if err != nil {
				return ZeroHash, err
			}
			if sub == EmptyTree {
				continue
			}
			entries = append(entries, treeEntry{"40000", name, sub})
		case fi.Mode().IsRegular():
			bh, err := hashBlob(fs, path, fi.Size())
			if err != nil {
				return ZeroHash, errors.Wrapf(err, "hashing %s", path)
			}
			mode := "100644"
			if fi.Mode()&0o100 != 0 {
				mode = "100755"
			}
			entries = append(entries, treeEntry{mode, name, bh})
		default:
			return ZeroHash, errors.Errorf("unhashable file type at %s", path)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].sortKey() < entries[j].sortKey()
	})
	var payload []byte
	for _, e := range entries {
		payload = append(payload, e.mode...)
		payload = append(payload, ' ')
		payload = append(payload, e.name...)
		payload = append(payload, 0)
		payload = append(payload, e.hash[:]...)
	}
	h := sha1cd.New()
	h.Write([]byte("tree " + strconv.Itoa(len(payload))))
	h.Write([]byte{0})
	h.Write(payload)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}
