// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package depot

import (
	"testing"

	"github.com/pkg/errors"
)

func TestExitCode(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want int
	}{
		{name: "Nil", err: nil, want: ExitSuccess},
		{name: "Validation", err: &ValidationError{Reason: "x"}, want: ExitUsage},
		{name: "WrappedValidation", err: errors.Wrap(&ValidationError{Reason: "x"}, "ctx"), want: ExitUsage},
		{name: "Resolve", err: &ResolveError{}, want: ExitResolve},
		{name: "ResolveTimeout", err: &ResolveTimeoutError{Budget: "5s"}, want: ExitResolve},
		{name: "HashMismatch", err: &HashMismatchError{Object: "o", Want: "a", Got: "b"}, want: ExitIntegrity},
		{name: "Network", err: &NetworkError{URL: "u", Err: errors.New("x")}, want: ExitGeneric},
		{name: "Generic", err: errors.New("boom"), want: ExitGeneric},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Errorf("ExitCode() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestValidPackageName(t *testing.T) {
	for name, want := range map[string]bool{
		"Example": true, "_x9": true, "HTTP2": true,
		"9lives": false, "has-dash": false, "": false, "a b": false,
	} {
		if got := ValidPackageName(name); got != want {
			t.Errorf("ValidPackageName(%q) = %v, want %v", name, got, want)
		}
	}
}
