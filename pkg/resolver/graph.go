// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package resolver chooses one version per active package, maximizing a
// lexicographic preference of feasibility, version height, and package
// count, via max-sum message passing with greedy repair.
package resolver

import (
	"sort"

	"github.com/google/pkgdepot/pkg/registry"
	"github.com/google/pkgdepot/pkg/version"
	"github.com/google/uuid"
)

// Requirement is one direct constraint on a package.
type Requirement struct {
	UUID uuid.UUID
	Spec version.Spec
}

// FixedDep is one dependency edge contributed by a fixed node.
type FixedDep struct {
	UUID uuid.UUID
	Spec version.Spec
	Weak bool
}

// FixedNode forces a package to a known version outside registry control:
// pinned, develop, and path entries.
type FixedNode struct {
	// Version is the forced version. The zero version stands for versionless
	// path entries.
	Version version.Version
	Deps    []FixedDep
}

// edge is one dependency constraint of a specific (package, version).
type edge struct {
	target uuid.UUID
	spec   version.Spec
	weak   bool
}

// node is one active package in the pruned graph.
type node struct {
	id       uuid.UUID
	name     string
	fixed    bool
	required bool // direct requirement: no uninstalled state
	versions []version.Version
	edges    map[string][]edge // canonical version string -> edges
}

// Graph is the pruned dependency graph handed to the optimizer.
type Graph struct {
	nodes       map[uuid.UUID]*node
	order       []uuid.UUID
	reqs        map[uuid.UUID]version.Spec
	constraints map[uuid.UUID]version.Spec
}

// buildGraph transitively collects every package reachable from the
// requirements along strong edges, computes feasible version sets, and
// prunes trivially infeasible versions to a fixed point.
func buildGraph(view registry.View, reqs []Requirement, constraints map[uuid.UUID]version.Spec, fixed map[uuid.UUID]FixedNode, current map[uuid.UUID]version.Version) (*Graph, error) {
	g := &Graph{nodes: map[uuid.UUID]*node{}, reqs: map[uuid.UUID]version.Spec{}, constraints: constraints}
	for _, r := range reqs {
		if prev, ok := g.reqs[r.UUID]; ok {
			g.reqs[r.UUID] = prev.Intersect(r.Spec)
		} else {
			g.reqs[r.UUID] = r.Spec
		}
	}
	var queue []uuid.UUID
	enqueue := func(id uuid.UUID) {
		if _, ok := g.nodes[id]; ok {
			return
		}
		g.nodes[id] = nil // reserve to break cycles
		queue = append(queue, id)
	}
	for _, r := range reqs {
		enqueue(r.UUID)
	}
	for id := range fixed {
		enqueue(id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n, err := g.expand(view, id, fixed, current)
		if err != nil {
			return nil, err
		}
		g.nodes[id] = n
		// Strong targets join the graph; weak targets join only when some
		// other strong path or requirement already reserved them, so just
		// record the edges and let those paths enqueue.
		for _, edges := range n.edges {
			for _, e := range edges {
				if !e.weak {
					enqueue(e.target)
				}
			}
		}
	}
	g.prune()
	g.order = make([]uuid.UUID, 0, len(g.nodes))
	for id := range g.nodes {
		g.order = append(g.order, id)
	}
	sort.Slice(g.order, func(i, j int) bool { return g.order[i].String() < g.order[j].String() })
	return g, nil
}

// expand computes the feasible versions and per-version edges for one
// package.
func (g *Graph) expand(view registry.View, id uuid.UUID, fixed map[uuid.UUID]FixedNode, current map[uuid.UUID]version.Version) (*node, error) {
	_, required := g.reqs[id]
	n := &node{id: id, required: required, edges: map[string][]edge{}}
	if name, ok := view.Name(id); ok {
		n.name = name
	}
	if fn, ok := fixed[id]; ok {
		n.fixed = true
		n.required = true
		n.versions = []version.Version{fn.Version}
		var es []edge
		for _, d := range fn.Deps {
			es = append(es, edge{target: d.UUID, spec: d.Spec, weak: d.Weak})
		}
		n.edges[fn.Version.String()] = es
		return n, nil
	}
	infos, err := view.Versions(id)
	if err != nil {
		return nil, err
	}
	req, constrained := g.reqs[id]
	if c, ok := g.constraints[id]; ok {
		if constrained {
			req = req.Intersect(c)
		} else {
			req, constrained = c, true
		}
	}
	for _, vi := range infos {
		if constrained && !req.Contains(vi.Version) {
			continue
		}
		// Yanked versions stay eligible only where a manifest already
		// holds them.
		if vi.Yanked && (current == nil || !current[id].Equal(vi.Version)) {
			continue
		}
		n.versions = append(n.versions, vi.Version)
		deps, err := view.Deps(id, vi.Version)
		if err != nil {
			return nil, err
		}
		compat, err := view.Compat(id, vi.Version)
		if err != nil {
			return nil, err
		}
		var es []edge
		for _, d := range deps {
			spec := version.Any()
			if s, ok := compat[d.Name]; ok {
				spec = s
			}
			es = append(es, edge{target: d.UUID, spec: spec, weak: d.Strength == registry.Weak})
		}
		n.edges[vi.Version.String()] = es
	}
	sort.Slice(n.versions, func(i, j int) bool { return n.versions[j].Less(n.versions[i]) })
	return n, nil
}

// prune removes versions whose strong deps admit no feasible target
// version, iterating to a fixed point.
func (g *Graph) prune() {
	changed := true
	for changed {
		changed = false
		for _, id := range sortedIDs(g.nodes) {
			n := g.nodes[id]
			if n == nil || n.fixed {
				continue
			}
			kept := n.versions[:0:0]
			for _, v := range n.versions {
				if g.versionSupported(n, v) {
					kept = append(kept, v)
				} else {
					delete(n.edges, v.String())
					changed = true
				}
			}
			n.versions = kept
		}
	}
}

func (g *Graph) versionSupported(n *node, v version.Version) bool {
	for _, e := range n.edges[v.String()] {
		if e.weak {
			continue
		}
		target, ok := g.nodes[e.target]
		if !ok || target == nil {
			return false
		}
		any := false
		for _, tv := range target.versions {
			if e.spec.Contains(tv) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

func sortedIDs(nodes map[uuid.UUID]*node) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(nodes))
	for id := range nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// emptyRequired reports required packages retaining no feasible versions
// at all.
func (g *Graph) emptyRequired() []uuid.UUID {
	var out []uuid.UUID
	for _, id := range g.order {
		n := g.nodes[id]
		if n.required && len(n.versions) == 0 {
			out = append(out, id)
		}
	}
	return out
}
