// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package depot

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Exit codes for CLI wrappers.
const (
	ExitSuccess   = 0
	ExitGeneric   = 1
	ExitUsage     = 2
	ExitResolve   = 3
	ExitIntegrity = 4
)

// ValidationError reports malformed user input. It is raised immediately and
// never caught internally.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid input: " + e.Reason }

// UnknownPackageError reports a name or uuid absent from every registry.
type UnknownPackageError struct {
	Name string
	UUID uuid.UUID
}

func (e *UnknownPackageError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("package %s not found in any registry", e.Name)
	}
	return fmt.Sprintf("package %s not found in any registry", e.UUID)
}

// Conflict names one participant in an unsatisfiable requirement set.
type Conflict struct {
	Name      string
	UUID      uuid.UUID
	Spec      string
	Available []string
}

func (c Conflict) String() string {
	s := fmt.Sprintf("%s [%s] requires %s", c.Name, c.UUID, c.Spec)
	if len(c.Available) > 0 {
		s += fmt.Sprintf(" (available: %s)", strings.Join(c.Available, ", "))
	}
	return s
}

// ResolveError reports that no satisfying assignment exists. Conflicts names
// the packages and specs participating in the minimal conflict found.
type ResolveError struct {
	Conflicts []Conflict
}

func (e *ResolveError) Error() string {
	if len(e.Conflicts) == 0 {
		return "unsatisfiable requirements"
	}
	lines := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		lines = append(lines, " "+c.String())
	}
	return "unsatisfiable requirements:\n" + strings.Join(lines, "\n")
}

// ResolveTimeoutError reports that the resolver exceeded its time budget.
type ResolveTimeoutError struct {
	Budget string
}

func (e *ResolveTimeoutError) Error() string {
	return "resolve exceeded time budget " + e.Budget
}

// HashMismatchError reports a tree-hash or archive-digest disagreement.
type HashMismatchError struct {
	Object string
	Want   string
	Got    string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %s: expected %s, got %s", e.Object, e.Want, e.Got)
}

// NetworkError reports a transport failure that survived retries.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network failure for %s: %v", e.URL, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// IntegrityError reports a manifest referencing a uuid absent from the
// registries and from its own entries.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string { return "manifest integrity: " + e.Reason }

// StateError reports an operation illegal against the current state.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string { return e.Reason }

// ExitCode maps an error to the documented CLI exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var (
		verr  *ValidationError
		rerr  *ResolveError
		rterr *ResolveTimeoutError
		herr  *HashMismatchError
		ierr  *IntegrityError
	)
	switch {
	case errors.As(err, &verr):
		return ExitUsage
	case errors.As(err, &rerr), errors.As(err, &rterr):
		return ExitResolve
	case errors.As(err, &herr), errors.As(err, &ierr):
		return ExitIntegrity
	default:
		return ExitGeneric
	}
}
