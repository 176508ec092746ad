// Package graph implements the graph manager ("DSG" in spec.md section
// 4.D): convergence/divergence analysis over the attached root list, and
// the per-node reference counts the scheduler consults to decide where to
// cache. Complexity is quadratic in graph size by design — graphs are
// small and convergence is computed once per attach/detach, mirroring the
// teacher's BuildDependencyMatrix recursive producer/consumer counting in
// proto/ooo/ooo.go, generalized from a bounded 32-op window to unbounded
// node graphs.
package graph

import (
	"github.com/pkg/errors"

	"github.com/sigflow/dspgraph/internal/dsperr"
	"github.com/sigflow/dspgraph/internal/node"
)

// Manager holds the circular list of attached root nodes.
type Manager struct {
	roots []node.Node
}

// New constructs an empty graph manager.
func New() *Manager { return &Manager{} }

// Roots returns the attached roots in attach order. The returned slice is
// owned by the caller; spec.md describes the underlying storage as a
// circular list, which this slice's wraparound-free iteration order
// faithfully represents since roots are only ever appended/removed, never
// reordered.
func (m *Manager) Roots() []node.Node {
	out := make([]node.Node, len(m.roots))
	copy(out, m.roots)
	return out
}

// IsAttached reports whether n is currently in the root list.
func (m *Manager) IsAttached(n node.Node) bool {
	for _, r := range m.roots {
		if r == n {
			return true
		}
	}
	return false
}

// canJoin rejects only an immediate self-edge on the candidate root; per
// spec.md's design notes, deeper cycles are not detected here and are the
// host's responsibility.
func canJoin(root node.Node) bool {
	for _, g := range root.Gates() {
		if g.Enabled && g.Upstream == root {
			return false
		}
	}
	return true
}

// countPaths is the naive recursive path count spec.md section 4.D calls
// for twice per node: once rooted at the new root (intra) and once per
// already-attached root (across). It recomputes from scratch every call —
// the intentional quadratic behavior the component's doc comment accepts.
func countPaths(from, target node.Node) int {
	if from == target {
		return 1
	}
	total := 0
	for _, g := range from.Gates() {
		if !g.Enabled || g.Upstream == nil {
			continue
		}
		total += countPaths(g.Upstream, target)
	}
	return total
}

// Converge attaches root: for every node reachable from root without
// passing through a cache point, its convergence count is set to the number of paths reaching it from root
// itself plus the number of paths reaching it from every already-attached
// root. A node reached by more than one path becomes a cache point and is
// not descended into further along this traversal; the rest are visited
// inline. On success, root is appended to the root list.
func (m *Manager) Converge(root node.Node) error {
	if !canJoin(root) {
		return errors.Wrap(dsperr.ErrConvergeFailed, "immediate self-loop")
	}

	priorRoots := m.roots
	visited := make(map[node.Node]bool)

	var descend func(n node.Node)
	descend = func(n node.Node) {
		for _, g := range n.Gates() {
			if !g.Enabled || g.Upstream == nil {
				continue
			}
			c := g.Upstream
			if visited[c] {
				continue
			}
			visited[c] = true

			intra := countPaths(root, c)
			across := 0
			for _, r := range priorRoots {
				across += countPaths(r, c)
			}
			refs := intra + across
			c.SetConvergenceCount(refs)

			if refs <= 1 {
				descend(c)
			}
			// refs > 1: cache point; no further descent through it from
			// this traversal, per spec.md section 4.D.
		}
	}
	descend(root)

	m.roots = append(m.roots, root)
	return nil
}

// Diverge dismounts root: depth-first, decrementing each reachable node's
// convergence count by the number of paths root itself contributed. A
// node reaching zero is released from engine ownership (the caller is
// responsible for actually forgetting it; Diverge only updates counts and
// the root list).
func (m *Manager) Diverge(root node.Node) []node.Node {
	visited := make(map[node.Node]bool)
	var released []node.Node

	var walk func(n node.Node)
	walk = func(n node.Node) {
		for _, g := range n.Gates() {
			if !g.Enabled || g.Upstream == nil {
				continue
			}
			c := g.Upstream
			if visited[c] {
				continue
			}
			visited[c] = true

			contributed := countPaths(root, c)
			next := c.ConvergenceCount() - contributed
			if next < 0 {
				next = 0
			}
			c.SetConvergenceCount(next)
			if next == 0 {
				released = append(released, c)
			}
			walk(c)
		}
	}
	walk(root)

	for i, r := range m.roots {
		if r == root {
			m.roots = append(m.roots[:i], m.roots[i+1:]...)
			break
		}
	}
	return released
}
