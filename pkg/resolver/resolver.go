// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"time"

	"github.com/google/pkgdepot/pkg/depot"
	"github.com/google/pkgdepot/pkg/registry"
	"github.com/google/pkgdepot/pkg/version"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// PreserveLevel controls how strongly an incremental operation holds
// non-target packages at their current versions.
type PreserveLevel int

const (
	// PreserveTiered tries All, Direct, Semver, then None, returning the
	// first tier that resolves.
	PreserveTiered PreserveLevel = iota
	// PreserveAll pins every non-target package to its current version.
	PreserveAll
	// PreserveDirect pins only non-target direct dependencies.
	PreserveDirect
	// PreserveSemver holds each non-target within its semver-compatible
	// range.
	PreserveSemver
	// PreserveNone resolves freely.
	PreserveNone
)

func (l PreserveLevel) tiers() []PreserveLevel {
	if l == PreserveTiered {
		return []PreserveLevel{PreserveAll, PreserveDirect, PreserveSemver, PreserveNone}
	}
	return []PreserveLevel{l}
}

// Opts parameterizes one resolve call.
type Opts struct {
	// Requirements are the direct constraints, typically the project deps
	// intersected with project compat. Requirements force presence.
	Requirements []Requirement
	// Constraints bound versions without forcing presence: update-level
	// bumps and other operation-scoped limits.
	Constraints map[uuid.UUID]version.Spec
	// Fixed forces pinned/develop/path entries to their known versions.
	Fixed map[uuid.UUID]FixedNode
	// Current maps already-manifested packages to their versions, the
	// substrate preserve tiers work from.
	Current map[uuid.UUID]version.Version
	// Direct flags which Current entries are direct project deps.
	Direct map[uuid.UUID]bool
	// Targets are the packages the operation is about; they are never
	// preserved.
	Targets map[uuid.UUID]bool
	// Preserve selects the preservation tier.
	Preserve PreserveLevel
	// MaxTime bounds the whole call. Zero means unbounded.
	MaxTime time.Duration
}

// Solution is a satisfying assignment: one version per installed package.
type Solution struct {
	Versions map[uuid.UUID]version.Version
}

// semverCompatible returns the range of versions semver-compatible with v.
func semverCompatible(v version.Version) version.Spec {
	switch {
	case v.Major > 0:
		return version.Between(v, version.Version{Major: v.Major + 1})
	case v.Minor > 0:
		return version.Between(v, version.Version{Minor: v.Minor + 1})
	default:
		return version.Between(v, version.Version{Patch: v.Patch + 1})
	}
}

// preserveConstraints derives the version bounds of one tier. Preservation
// never forces presence: a package leaving the dependency closure still
// prunes.
func preserveConstraints(tier PreserveLevel, o Opts) map[uuid.UUID]version.Spec {
	out := map[uuid.UUID]version.Spec{}
	for id, spec := range o.Constraints {
		out[id] = spec
	}
	for id, cur := range o.Current {
		if o.Targets[id] {
			continue
		}
		if _, isFixed := o.Fixed[id]; isFixed {
			continue
		}
		var bound version.Spec
		switch tier {
		case PreserveAll:
			bound = version.Exactly(cur)
		case PreserveDirect:
			if !o.Direct[id] {
				continue
			}
			bound = version.Exactly(cur)
		case PreserveSemver:
			bound = semverCompatible(cur)
		default:
			continue
		}
		if prev, ok := out[id]; ok {
			bound = prev.Intersect(bound)
		}
		out[id] = bound
	}
	return out
}

// Solve picks one version per active package. The returned assignment is
// deterministic for identical inputs.
func Solve(ctx context.Context, view registry.View, o Opts) (*Solution, error) {
	if o.MaxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.MaxTime)
		defer cancel()
	}
	var lastErr error
	for _, tier := range o.Preserve.tiers() {
		sol, err := solveOnce(ctx, view, o.Requirements, preserveConstraints(tier, o), o)
		if err == nil {
			return sol, nil
		}
		var terr *depot.ResolveTimeoutError
		if errors.As(err, &terr) {
			return nil, err
		}
		var rerr *depot.ResolveError
		if !errors.As(err, &rerr) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func timeoutErr(o Opts) error {
	budget := "unbounded"
	if o.MaxTime > 0 {
		budget = o.MaxTime.String()
	}
	return &depot.ResolveTimeoutError{Budget: budget}
}

// solveOnce runs the Build -> Prune -> MaxSum -> (Greedy | Accept) ->
// Verify -> Emit pipeline for one tier.
func solveOnce(ctx context.Context, view registry.View, reqs []Requirement, constraints map[uuid.UUID]version.Spec, o Opts) (*Solution, error) {
	g, err := buildGraph(view, reqs, constraints, o.Fixed, o.Current)
	if err != nil {
		return nil, err
	}
	if empty := g.emptyRequired(); len(empty) > 0 {
		return nil, g.conflictError(view, reqs, empty, nil)
	}
	p := newProblem(g)
	assign, converged, err := p.maxSum(ctx)
	if err != nil {
		return nil, timeoutErr(o)
	}
	if !converged || len(p.violations(assign)) > 0 {
		if assign, err = p.greedy(ctx, assign); err != nil {
			return nil, timeoutErr(o)
		}
	}
	if assign, err = p.relaxOptional(ctx, assign); err != nil {
		return nil, timeoutErr(o)
	}
	// Verify: every factor must hold on the final assignment.
	if viols := p.violations(assign); len(viols) > 0 {
		return nil, g.conflictError(view, reqs, nil, viols)
	}
	sol := &Solution{Versions: map[uuid.UUID]version.Version{}}
	for i, id := range p.order {
		if p.uninstalled(i, assign[i]) {
			continue
		}
		sol.Versions[id] = g.nodes[id].versions[assign[i]]
	}
	g.stripUnneeded(sol.Versions)
	return sol, nil
}

// stripUnneeded drops installed packages not strongly reachable from a
// requirement or fixed entry, implementing the fewer-packages preference.
// Weak edges never hold a package in.
func (g *Graph) stripUnneeded(sol map[uuid.UUID]version.Version) {
	keep := map[uuid.UUID]bool{}
	var queue []uuid.UUID
	for _, id := range g.order {
		if n := g.nodes[id]; n.required {
			if _, installed := sol[id]; installed {
				keep[id] = true
				queue = append(queue, id)
			}
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		v, ok := sol[id]
		if !ok {
			continue
		}
		for _, e := range g.nodes[id].edges[v.String()] {
			if e.weak || keep[e.target] {
				continue
			}
			if _, installed := sol[e.target]; installed {
				keep[e.target] = true
				queue = append(queue, e.target)
			}
		}
	}
	for id := range sol {
		if !keep[id] {
			delete(sol, id)
		}
	}
}

// relaxOptional retires optional packages stuck in violated states: the
// unsatisfiable-core fallback forces the worst non-required participant to
// uninstalled and repairs again, until only required packages conflict.
func (p *problem) relaxOptional(ctx context.Context, assign []int) ([]int, error) {
	for {
		viols := p.violations(assign)
		if len(viols) == 0 {
			return assign, nil
		}
		counts := make([]int, len(p.order))
		for _, v := range viols {
			counts[v.i]++
			if v.j >= 0 {
				counts[v.j]++
			}
		}
		worst, found := -1, false
		for i := range counts {
			if counts[i] == 0 || p.domain[i] == 0 {
				continue
			}
			if p.g.nodes[p.order[i]].required || p.uninstalled(i, assign[i]) {
				continue
			}
			if worst == -1 || counts[i] > counts[worst] {
				worst, found = i, true
			}
		}
		if !found {
			// Only user requirements participate; nothing left to drop.
			return assign, nil
		}
		assign[worst] = p.nvers[worst] // uninstalled
		var err error
		if assign, err = p.greedy(ctx, assign); err != nil {
			return nil, err
		}
	}
}

// conflictError names the packages and specs in the failing subset.
func (g *Graph) conflictError(view registry.View, reqs []Requirement, empty []uuid.UUID, viols []violation) error {
	rerr := &depot.ResolveError{}
	seen := map[uuid.UUID]bool{}
	addConflict := func(id uuid.UUID, spec string) {
		if seen[id] {
			return
		}
		seen[id] = true
		c := depot.Conflict{UUID: id, Spec: spec}
		if name, ok := view.Name(id); ok {
			c.Name = name
		} else if n := g.nodes[id]; n != nil {
			c.Name = n.name
		}
		if infos, err := view.Versions(id); err == nil {
			for _, vi := range infos {
				c.Available = append(c.Available, vi.Version.String())
			}
		}
		rerr.Conflicts = append(rerr.Conflicts, c)
	}
	reqSpec := func(id uuid.UUID) string {
		for _, r := range reqs {
			if r.UUID == id {
				return r.Spec.String()
			}
		}
		return "*"
	}
	for _, id := range empty {
		addConflict(id, reqSpec(id))
	}
	for _, v := range viols {
		addConflict(g.order[v.i], reqSpec(g.order[v.i]))
		if v.j >= 0 {
			addConflict(g.order[v.j], reqSpec(g.order[v.j]))
		}
	}
	return rerr
}
