package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigflow/dspgraph/internal/dps"
	"github.com/sigflow/dspgraph/internal/dss"
	"github.com/sigflow/dspgraph/internal/dsperr"
	"github.com/sigflow/dspgraph/internal/graph"
	"github.com/sigflow/dspgraph/internal/logging"
	"github.com/sigflow/dspgraph/internal/node"
	"github.com/sigflow/dspgraph/internal/vfile"
)

const testSampleCount = 4

type scalarNode struct {
	node.Base
	gates       []*node.Gate
	vf          *vfile.File
	value       float64
	renderCount int
}

func newScalarNode(vf *vfile.File, v float64) *scalarNode {
	return &scalarNode{vf: vf, value: v}
}

func (n *scalarNode) Gates() []*node.Gate { return n.gates }
func (n *scalarNode) Ops() node.OpBits    { return node.OpBitRender }
func (n *scalarNode) Sync(dt float32)     {}
func (n *scalarNode) Render(op node.RenderOp) bool {
	n.renderCount++
	ptr, err := n.vf.DataImmediate(n.OutputVector(), testSampleCount)
	if err != nil {
		return false
	}
	for i := range ptr {
		ptr[i] = float32(n.value)
	}
	return true
}

type addNode struct {
	node.Base
	gates []*node.Gate
	vf    *vfile.File
}

func newAddNode(vf *vfile.File, l, r node.Node) *addNode {
	n := &addNode{vf: vf}
	g0 := node.NewGate(n)
	g0.Attach(l)
	g1 := node.NewGate(n)
	g1.Attach(r)
	n.gates = []*node.Gate{g0, g1}
	return n
}

func (n *addNode) Gates() []*node.Gate { return n.gates }
func (n *addNode) Ops() node.OpBits    { return node.OpBitRender }
func (n *addNode) Sync(dt float32)     {}
func (n *addNode) Render(op node.RenderOp) bool {
	out, err := n.vf.DataImmediate(n.OutputVector(), testSampleCount)
	if err != nil {
		return false
	}
	if len(n.gates) > 1 && n.gates[1].Enabled && n.gates[1].Upstream != nil {
		rhs, err := n.vf.DataImmediate(n.gates[1].BoundIndex, testSampleCount)
		if err != nil {
			return false
		}
		for i := range out {
			out[i] += rhs[i]
		}
	}
	return true
}

func newHarness() (*vfile.File, *Scheduler) {
	dssPool := dss.New(4096, nil)
	dpsPool := dps.New(256, 4, nil)
	vf := vfile.New(64, 4, 4, dssPool, dpsPool, nil)
	s := New(vf, logging.NewNop(), nil)
	return vf, s
}

func TestDescendSingleConstantLeaf(t *testing.T) {
	vf, s := newHarness()
	leaf := newScalarNode(vf, 1.5)

	g := graph.New()
	require.NoError(t, g.Converge(leaf))

	proc := NewProcess(leaf, 0, 0x10, 48000, testSampleCount, 0.01)
	s.BeginTick()
	idx, ok := s.DescendProcess(proc)
	require.True(t, ok)

	ptr, err := vf.DataImmediate(idx, testSampleCount)
	require.NoError(t, err)
	for _, v := range ptr {
		require.Equal(t, float32(1.5), v)
	}
}

func TestDescendAddVarConst(t *testing.T) {
	vf, s := newHarness()
	v := newScalarNode(vf, 3)
	c := newScalarNode(vf, 2)
	add := newAddNode(vf, v, c)

	g := graph.New()
	require.NoError(t, g.Converge(add))

	proc := NewProcess(add, 0, 0x10, 48000, testSampleCount, 0.01)
	s.BeginTick()
	idx, ok := s.DescendProcess(proc)
	require.True(t, ok)
	ptr, _ := vf.DataImmediate(idx, testSampleCount)
	for _, x := range ptr {
		require.Equal(t, float32(5), x)
	}

	// changing the input and re-rendering needs no recompilation.
	v.value = -4
	s.BeginTick()
	idx2, ok := s.DescendProcess(proc)
	require.True(t, ok)
	ptr2, _ := vf.DataImmediate(idx2, testSampleCount)
	for _, x := range ptr2 {
		require.Equal(t, float32(-2), x)
	}
}

func TestDescendDiamondCachesSharedSubgraph(t *testing.T) {
	vf, s := newHarness()
	x := newScalarNode(vf, 7)
	add := newAddNode(vf, x, x)

	g := graph.New()
	require.NoError(t, g.Converge(add))
	require.Equal(t, 2, x.ConvergenceCount())

	proc := NewProcess(add, 0, 0x10, 48000, testSampleCount, 0.01)
	s.BeginTick()
	idx, ok := s.DescendProcess(proc)
	require.True(t, ok)

	ptr, _ := vf.DataImmediate(idx, testSampleCount)
	for _, v := range ptr {
		require.Equal(t, float32(14), v)
	}
	require.LessOrEqual(t, x.renderCount, 2)
	require.Equal(t, 1, x.renderCount)
}

func TestDescendTwoConsecutiveTicksAreBitwiseEqual(t *testing.T) {
	vf, s := newHarness()
	v := newScalarNode(vf, 3)
	c := newScalarNode(vf, 2)
	add := newAddNode(vf, v, c)

	g := graph.New()
	require.NoError(t, g.Converge(add))
	proc := NewProcess(add, 0, 0x10, 48000, testSampleCount, 0)

	s.BeginTick()
	idx1, ok := s.DescendProcess(proc)
	require.True(t, ok)
	p1, _ := vf.DataImmediate(idx1, testSampleCount)
	out1 := append([]float32(nil), p1...)

	s.BeginTick()
	idx2, ok := s.DescendProcess(proc)
	require.True(t, ok)
	p2, _ := vf.DataImmediate(idx2, testSampleCount)
	require.Equal(t, out1, p2)
}

func TestDescendOversizedAllocationFaults(t *testing.T) {
	dssPool := dss.New(2, nil) // tiny page, guarantees oversize
	dpsPool := dps.New(4, 1, nil)
	vf := vfile.New(8, 4, 1, dssPool, dpsPool, nil)
	s := New(vf, logging.NewNop(), nil)

	leaf := newScalarNode(vf, 1) // testSampleCount=4 > page size 2
	g := graph.New()
	require.NoError(t, g.Converge(leaf))

	proc := NewProcess(leaf, 0, 0x10, 48000, testSampleCount, 0.01)
	s.BeginTick()
	_, ok := s.DescendProcess(proc)
	require.False(t, ok)
	require.True(t, proc.ReturnFlags.Has(dsperr.FlagRenderFault))
}
