// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"math"
	"sort"

	"github.com/google/uuid"
)

const (
	// convergenceEps bounds the message change considered stable.
	convergenceEps = 1e-9
	// sweepCap bounds max-sum iterations before falling back to repair.
	sweepCap = 256
)

// problem is the factor-graph encoding of a Graph.
type problem struct {
	g     *Graph
	order []uuid.UUID
	index map[uuid.UUID]int
	// domain[i] is the number of states of variable i; state k < nvers
	// selects versions[k], and state nvers (present only for non-required
	// nodes) means uninstalled.
	domain    []int
	nvers     []int
	neighbors [][]int // adjacency by variable index, sorted
}

func newProblem(g *Graph) *problem {
	p := &problem{g: g, order: g.order, index: map[uuid.UUID]int{}}
	for i, id := range g.order {
		p.index[id] = i
	}
	p.domain = make([]int, len(g.order))
	p.nvers = make([]int, len(g.order))
	nbrs := make([]map[int]bool, len(g.order))
	for i := range nbrs {
		nbrs[i] = map[int]bool{}
	}
	for i, id := range g.order {
		n := g.nodes[id]
		p.nvers[i] = len(n.versions)
		p.domain[i] = len(n.versions)
		if !n.required {
			p.domain[i]++
		}
		for _, v := range n.versions {
			for _, e := range n.edges[v.String()] {
				j, ok := p.index[e.target]
				if !ok {
					continue // weak edge to an inactive package
				}
				nbrs[i][j] = true
				nbrs[j][i] = true
			}
		}
	}
	p.neighbors = make([][]int, len(g.order))
	for i, set := range nbrs {
		for j := range set {
			p.neighbors[i] = append(p.neighbors[i], j)
		}
		sort.Ints(p.neighbors[i])
	}
	return p
}

func (p *problem) uninstalled(i, state int) bool {
	return state == p.nvers[i]
}

// unary is the per-variable utility: higher versions first. Uninstalled
// ranks below every version, so omission never outbids version height; the
// fewer-packages preference is applied by construction (weak targets join
// the graph lazily) and by the post-solve reachability strip.
func (p *problem) unary(i, state int) float64 {
	if p.uninstalled(i, state) {
		return -float64(p.nvers[i]) - 0.5
	}
	return -float64(state)
}

// factor evaluates the pairwise compatibility between variable i in state
// si and variable j in state sj. It accounts for edges in both directions.
func (p *problem) factor(i, si, j, sj int) float64 {
	if !p.edgeOK(i, si, j, sj) || !p.edgeOK(j, sj, i, si) {
		return math.Inf(-1)
	}
	return 0
}

// edgeOK checks the constraints that the dependent (i, si) places on (j, sj).
func (p *problem) edgeOK(i, si, j, sj int) bool {
	if p.uninstalled(i, si) {
		return true
	}
	ni := p.g.nodes[p.order[i]]
	v := ni.versions[si]
	for _, e := range ni.edges[v.String()] {
		tj, ok := p.index[e.target]
		if !ok || tj != j {
			continue
		}
		if p.uninstalled(j, sj) {
			if !e.weak {
				return false
			}
			continue
		}
		tv := p.g.nodes[p.order[j]].versions[sj]
		if !e.spec.Contains(tv) {
			return false
		}
	}
	return true
}

// messages holds directed messages msg[i][j] over the domain of j, for
// adjacent i, j.
type messages map[int]map[int][]float64

func newMessages(p *problem) messages {
	m := messages{}
	for i := range p.order {
		m[i] = map[int][]float64{}
		for _, j := range p.neighbors[i] {
			m[i][j] = make([]float64, p.domain[j])
		}
	}
	return m
}

// beliefWithout computes the belief of variable i excluding the message
// from neighbor excl.
func (p *problem) beliefWithout(m messages, i, excl int) []float64 {
	b := make([]float64, p.domain[i])
	for s := range b {
		b[s] = p.unary(i, s)
	}
	for _, k := range p.neighbors[i] {
		if k == excl {
			continue
		}
		for s := range b {
			b[s] += m[k][i][s]
		}
	}
	return b
}

// maxSum runs synchronous max-sum sweeps until messages stabilize or the
// sweep cap is reached, then returns the belief argmax per variable.
// Ties break toward the lower state, which encodes the higher version and,
// for equal versions, the lower uuid via the variable ordering.
func (p *problem) maxSum(ctx context.Context) ([]int, bool, error) {
	m := newMessages(p)
	converged := false
	for sweep := 0; sweep < sweepCap; sweep++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		delta := 0.0
		for i := range p.order {
			if p.domain[i] == 0 {
				continue
			}
			for _, j := range p.neighbors[i] {
				if p.domain[j] == 0 {
					continue
				}
				base := p.beliefWithout(m, i, j)
				out := make([]float64, p.domain[j])
				for sj := range out {
					best := math.Inf(-1)
					for si := 0; si < p.domain[i]; si++ {
						if v := base[si] + p.factor(i, si, j, sj); v > best {
							best = v
						}
					}
					out[sj] = best
				}
				normalize(out)
				for s := range out {
					d := math.Abs(out[s] - m[i][j][s])
					if math.IsNaN(d) {
						d = 0 // -inf stayed -inf
					}
					if d > delta {
						delta = d
					}
				}
				m[i][j] = out
			}
		}
		if delta < convergenceEps {
			converged = true
			break
		}
	}
	assign := make([]int, len(p.order))
	for i := range p.order {
		b := p.beliefWithout(m, i, -1)
		best := 0
		for s := 1; s < len(b); s++ {
			if b[s] > b[best] {
				best = s
			}
		}
		assign[i] = best
	}
	return assign, converged, nil
}

// normalize shifts a message so its maximum finite entry is zero,
// preventing drift across sweeps.
func normalize(msg []float64) {
	best := math.Inf(-1)
	for _, v := range msg {
		if v > best {
			best = v
		}
	}
	if math.IsInf(best, -1) {
		return
	}
	for i := range msg {
		msg[i] -= best
	}
}

// violations lists the broken constraints of an assignment: pairwise
// factors evaluating to -inf and required packages with no state.
type violation struct {
	i, j int // j == -1 for unary/domain violations
}

func (p *problem) violations(assign []int) []violation {
	var out []violation
	for i := range p.order {
		if p.domain[i] == 0 {
			out = append(out, violation{i: i, j: -1})
			continue
		}
		for _, j := range p.neighbors[i] {
			if j <= i {
				continue
			}
			if p.domain[j] == 0 {
				continue
			}
			if math.IsInf(p.factor(i, assign[i], j, assign[j]), -1) {
				out = append(out, violation{i: i, j: j})
			}
		}
	}
	return out
}

// greedy performs deterministic local search from a seed assignment: flip
// the variable participating in the most violations to its best state,
// until no violation remains or no flip helps.
func (p *problem) greedy(ctx context.Context, assign []int) ([]int, error) {
	for iter := 0; iter < 4*len(p.order)+16; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
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
		worst := 0
		for i := 1; i < len(counts); i++ {
			if counts[i] > counts[worst] {
				worst = i
			}
		}
		bestState, bestScore := assign[worst], p.flipScore(assign, worst, assign[worst])
		for s := 0; s < p.domain[worst]; s++ {
			if s == assign[worst] {
				continue
			}
			if score := p.flipScore(assign, worst, s); score > bestScore {
				bestState, bestScore = s, score
			}
		}
		if bestState == assign[worst] {
			return assign, nil // stuck
		}
		assign[worst] = bestState
	}
	return assign, nil
}

// flipScore scores variable i at state s against the rest of the current
// assignment: violations weigh far more than version preference.
func (p *problem) flipScore(assign []int, i, s int) float64 {
	score := p.unary(i, s)
	for _, j := range p.neighbors[i] {
		if p.domain[j] == 0 {
			continue
		}
		if math.IsInf(p.factor(i, s, j, assign[j]), -1) {
			score -= 1e12
		}
	}
	return score
}
