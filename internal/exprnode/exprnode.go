// Package exprnode implements the leaf node kind spec.md section 6
// requires of "leaf expression nodes": no input gates, and a render step
// that runs a compiled expr.Program and replicates its single scalar
// result across the node's output vector.
package exprnode

import (
	"github.com/sigflow/dspgraph/internal/expr"
	"github.com/sigflow/dspgraph/internal/node"
	"github.com/sigflow/dspgraph/internal/vfile"
)

// Leaf is an expression-evaluating node with no upstream gates.
type Leaf struct {
	vf          *vfile.File
	sampleCount int
	mod         *expr.Module
	prog        *expr.Program
	registers   []float64
	node.Base
}

// NewLeaf constructs a leaf bound to prog, one of mod's compiled programs.
// registers are sized to prog.UB, mirroring the VM's per-node register file
// sized to the program's high-water mark.
func NewLeaf(vf *vfile.File, sampleCount int, mod *expr.Module, prog *expr.Program) *Leaf {
	return &Leaf{
		vf:          vf,
		sampleCount: sampleCount,
		mod:         mod,
		prog:        prog,
		registers:   make([]float64, prog.UB),
	}
}

func (l *Leaf) Gates() []*node.Gate { return nil }
func (l *Leaf) Ops() node.OpBits    { return node.OpBitRender }
func (l *Leaf) Sync(dt float32)     {}

func (l *Leaf) Render(op node.RenderOp) bool {
	v, err := l.prog.Eval(l.mod.DataSlots, l.registers)
	if err != nil {
		return false
	}
	out, err := l.vf.DataImmediate(l.OutputVector(), l.sampleCount)
	if err != nil {
		return false
	}
	for i := range out {
		out[i] = float32(v)
	}
	return true
}
