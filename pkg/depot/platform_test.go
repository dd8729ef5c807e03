// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package depot

import "testing"

func TestPlatformMatches(t *testing.T) {
	host := Platform{
		OS: "linux", Arch: "x86_64", Libc: "glibc",
		Tags: map[string]string{"flooblecrank": "v2"},
	}
	testCases := []struct {
		name       string
		constraint Platform
		want       bool
	}{
		{name: "Unconstrained", constraint: Platform{}, want: true},
		{name: "OSOnly", constraint: Platform{OS: "linux"}, want: true},
		{name: "OSMismatch", constraint: Platform{OS: "windows"}, want: false},
		{name: "FullMatch", constraint: Platform{OS: "linux", Arch: "x86_64", Libc: "glibc"}, want: true},
		{name: "LibcMismatch", constraint: Platform{OS: "linux", Libc: "musl"}, want: false},
		{name: "TagSubset", constraint: Platform{OS: "linux", Tags: map[string]string{"flooblecrank": "v2"}}, want: true},
		{name: "TagValueMismatch", constraint: Platform{Tags: map[string]string{"flooblecrank": "v1"}}, want: false},
		{name: "TagMissingOnHost", constraint: Platform{Tags: map[string]string{"gizmo": "x"}}, want: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.constraint.Matches(host); got != tc.want {
				t.Errorf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPlatformSpecificityAndSerialize(t *testing.T) {
	a := Platform{OS: "linux"}
	b := Platform{OS: "linux", Arch: "x86_64"}
	c := Platform{OS: "linux", Arch: "x86_64", Tags: map[string]string{"flooblecrank": "v2"}}
	if !(a.Specificity() < b.Specificity() && b.Specificity() < c.Specificity()) {
		t.Errorf("specificity not increasing: %d %d %d", a.Specificity(), b.Specificity(), c.Specificity())
	}
	if got := b.Serialize(); got != "arch=x86_64;os=linux" {
		t.Errorf("Serialize() = %q", got)
	}
	if !b.Equal(Platform{Arch: "x86_64", OS: "linux"}) {
		t.Error("field-wise equality failed")
	}
	if b.Equal(c) {
		t.Error("platforms with different tags should not be equal")
	}
}

func TestHostPlatform(t *testing.T) {
	h := Host()
	if h.OS == "" || h.Arch == "" {
		t.Errorf("Host() = %+v, want os and arch set", h)
	}
}
