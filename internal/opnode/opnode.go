// Package opnode provides small graph-combinator node types that wire
// expression leaves (and other nodes) together, grounded on spec.md's
// testable scenarios 2 and 3 (Add(Var, Const), Add(X, X) over a shared
// cache point).
package opnode

import (
	"github.com/sigflow/dspgraph/internal/node"
	"github.com/sigflow/dspgraph/internal/vfile"
)

// Sum accumulates its gates' outputs into one output vector. The first
// enabled gate is never explicitly added: the scheduler's first-child-
// inline descent already wrote that child's result directly into Sum's
// own output vector, so Render only has to add the remaining gates.
type Sum struct {
	gates       []*node.Gate
	vf          *vfile.File
	sampleCount int
	node.Base
}

// NewSum constructs a Sum node over inputs, in gate order.
func NewSum(vf *vfile.File, sampleCount int, inputs ...node.Node) *Sum {
	s := &Sum{vf: vf, sampleCount: sampleCount}
	for _, in := range inputs {
		g := node.NewGate(s)
		g.Attach(in)
		s.gates = append(s.gates, g)
	}
	return s
}

func (s *Sum) Gates() []*node.Gate { return s.gates }
func (s *Sum) Ops() node.OpBits    { return node.OpBitRender }
func (s *Sum) Sync(dt float32)     {}

// SetLevel adjusts the gain/bias the scheduler composes into input i's
// forked branch before it is added into the mix. The first enabled input
// renders inline and shares Sum's own frame, so it has no frame of its own
// to carry a level: a level set on it is stored but has no effect.
func (s *Sum) SetLevel(i int, gain, bias float32) bool {
	if i < 0 || i >= len(s.gates) {
		return false
	}
	s.gates[i].SetLevel(gain, bias)
	return true
}

func (s *Sum) Render(op node.RenderOp) bool {
	out, err := s.vf.DataImmediate(s.OutputVector(), s.sampleCount)
	if err != nil {
		return false
	}
	seenFirst := false
	for _, g := range s.gates {
		if !g.Enabled || g.Upstream == nil {
			continue
		}
		if !seenFirst {
			seenFirst = true
			continue
		}
		rhs, err := s.vf.DataImmediate(g.BoundIndex, s.sampleCount)
		if err != nil {
			return false
		}
		for j := range out {
			out[j] += rhs[j]
		}
	}
	return true
}
