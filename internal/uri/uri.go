// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package uri canonicalizes repository URIs for use as clone-cache keys.
package uri

import (
	"encoding/hex"
	"net/url"
	"path/filepath"
	re "regexp"
	"strings"

	"github.com/pjbgf/sha1cd"
	"github.com/pkg/errors"
)

var (
	// NOTE: This is non-exhaustive and should be expanded as necessary.
	githubRE    = re.MustCompile(`(?i)\bgithub(\.com)?[:/]([\w-]+/[\w-\.]+)`)
	gitlabRE    = re.MustCompile(`(?i)\bgitlab(\.com)?[:/]([\w-]+/[\w-\.]+)`)
	bitbucketRE = re.MustCompile(`(?i)\bbitbucket(\.org)?[:/]([\w-]+/[\w-\.]+)`)
)

var errUnsupportedRepo = errors.Errorf("unsupported repo type")

// CanonicalizeRepoURI parses repos into a canonical HTTPS URI.
func CanonicalizeRepoURI(uri string) (string, error) {
	if uri == "" {
		return "", errors.New("No repo URL")
	}
	var repo string
	// NOTE: For these well-known platforms, ToLower canonicalization is safe.
	if repo = githubRE.FindString(uri); repo != "" {
		repo = "//github.com/" + strings.TrimSuffix(strings.ToLower(repo[strings.IndexAny(repo, ":/")+1:]), ".git")
	} else if repo = gitlabRE.FindString(uri); repo != "" {
		repo = "//gitlab.com/" + strings.TrimSuffix(strings.ToLower(repo[strings.IndexAny(repo, ":/")+1:]), ".git")
	} else if repo = bitbucketRE.FindString(uri); repo != "" {
		repo = "//bitbucket.org/" + strings.TrimSuffix(strings.ToLower(repo[strings.IndexAny(repo, ":/")+1:]), ".git")
	} else {
		// Try to parse it as a URL and see what happens.
		repo = uri
	}
	u, err := url.Parse(repo)
	if err != nil || u.Host == "" || u.User.String() != "" {
		return "", errors.Wrap(errUnsupportedRepo, uri)
	}
	u.Scheme = "https"
	u.Host = strings.ToLower(u.Host)
	if strings.HasSuffix(u.Path, "/.") || strings.HasSuffix(u.Path, "/..") {
		return "", errors.Wrap(errUnsupportedRepo, uri)
	}
	u.RawQuery = ""
	return u.String(), nil
}

// CloneCacheKey derives a stable directory name for the clone cache from a
// repo URI. The same repository reached through equivalent URIs (ssh vs
// https, trailing .git) maps to the same key. Local filesystem repos key on
// their cleaned path.
func CloneCacheKey(uri string) (string, error) {
	canonical, err := CanonicalizeRepoURI(uri)
	if err != nil {
		if filepath.IsAbs(uri) {
			canonical = filepath.Clean(uri)
		} else {
			return "", err
		}
	}
	h := sha1cd.New()
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil)), nil
}
