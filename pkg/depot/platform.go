// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package depot

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Platform describes a host or an artifact constraint. Unset fields on a
// constraint are wildcards; Tags is an open-ended map so descriptors can key
// on properties this code has never heard of.
type Platform struct {
	OS                 string
	Arch               string
	Libc               string
	LibgfortranVersion string
	LibstdcxxVersion   string
	CxxstringABI       string
	Tags               map[string]string
}

// Host returns the platform descriptor of the current process.
func Host() Platform {
	p := Platform{}
	switch runtime.GOOS {
	case "darwin":
		p.OS = "macos"
	default:
		p.OS = runtime.GOOS
	}
	switch runtime.GOARCH {
	case "amd64":
		p.Arch = "x86_64"
	case "386":
		p.Arch = "i686"
	case "arm64":
		p.Arch = "aarch64"
	case "arm":
		p.Arch = "armv7l"
	default:
		p.Arch = runtime.GOARCH
	}
	if p.OS == "linux" {
		p.Libc = "glibc"
	}
	return p
}

// fields lists the closed-field names and values in serialization order.
func (p Platform) fields() [][2]string {
	return [][2]string{
		{"arch", p.Arch},
		{"cxxstring_abi", p.CxxstringABI},
		{"libc", p.Libc},
		{"libgfortran_version", p.LibgfortranVersion},
		{"libstdcxx_version", p.LibstdcxxVersion},
		{"os", p.OS},
	}
}

// Matches reports whether p, read as a constraint, accepts host. Every set
// field must equal the host's, and every tag present on p must be present
// with the same value on host.
func (p Platform) Matches(host Platform) bool {
	hf := host.fields()
	for i, f := range p.fields() {
		if f[1] != "" && f[1] != hf[i][1] {
			return false
		}
	}
	for k, v := range p.Tags {
		hv, ok := host.Tags[k]
		if !ok || hv != v {
			return false
		}
	}
	return true
}

// Specificity counts the constrained fields, the measure used to pick the
// most specific of several matching descriptors.
func (p Platform) Specificity() int {
	n := 0
	for _, f := range p.fields() {
		if f[1] != "" {
			n++
		}
	}
	return n + len(p.Tags)
}

// Serialize renders the constraint in canonical form, usable as an equality
// and tie-break key.
func (p Platform) Serialize() string {
	var parts []string
	for _, f := range p.fields() {
		if f[1] != "" {
			parts = append(parts, f[0]+"="+f[1])
		}
	}
	keys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, p.Tags[k]))
	}
	return strings.Join(parts, ";")
}

// Equal reports field-wise equality including tags.
func (p Platform) Equal(o Platform) bool {
	return p.Serialize() == o.Serialize()
}
