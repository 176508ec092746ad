package dspgraph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigflow/dspgraph/internal/config"
	"github.com/sigflow/dspgraph/internal/expr"
	"github.com/sigflow/dspgraph/internal/exprnode"
	"github.com/sigflow/dspgraph/internal/logging"
	"github.com/sigflow/dspgraph/internal/node"
	"github.com/sigflow/dspgraph/internal/opnode"
	"github.com/sigflow/dspgraph/internal/vfile"
)

// oversizeLeaf is a test-only node that always requests more samples than
// the transient pool's page can hold, used to exercise scenario 4's
// oversized-allocation fault without needing a vector-file-level API that
// production node authors wouldn't otherwise reach for.
type oversizeLeaf struct {
	vf *vfile.File
	node.Base
}

func (l *oversizeLeaf) Gates() []*node.Gate { return nil }
func (l *oversizeLeaf) Ops() node.OpBits    { return node.OpBitRender }
func (l *oversizeLeaf) Sync(dt float32)     {}
func (l *oversizeLeaf) Render(op node.RenderOp) bool {
	_, err := l.vf.DataImmediate(l.OutputVector(), 1<<20)
	return err == nil
}

func TestAttachRenderConstantLeaf(t *testing.T) {
	e := NewDefault()
	mod, err := e.NewCompiler().Compile([]*expr.Expr{expr.Const(1.5)})
	require.NoError(t, err)
	leaf := exprnode.NewLeaf(e.VectorFile(), e.SampleCount(), mod, mod.Programs[0])

	require.True(t, e.Attach(leaf))
	require.True(t, e.Render(0.01))

	out, ok := e.Output(leaf)
	require.True(t, ok)
	for _, v := range out {
		require.Equal(t, float32(1.5), v)
	}
}

func TestAttachRenderAddVarConstNoRecompile(t *testing.T) {
	e := NewDefault()
	v := 3.0
	modV, err := e.NewCompiler().Compile([]*expr.Expr{expr.VarRef(&v)})
	require.NoError(t, err)
	modC, err := e.NewCompiler().Compile([]*expr.Expr{expr.Const(2)})
	require.NoError(t, err)

	leafV := exprnode.NewLeaf(e.VectorFile(), e.SampleCount(), modV, modV.Programs[0])
	leafC := exprnode.NewLeaf(e.VectorFile(), e.SampleCount(), modC, modC.Programs[0])
	sum := opnode.NewSum(e.VectorFile(), e.SampleCount(), leafV, leafC)

	require.True(t, e.Attach(sum))
	require.True(t, e.Render(0.01))
	out, ok := e.Output(sum)
	require.True(t, ok)
	for _, x := range out {
		require.Equal(t, float32(5), x)
	}

	v = -4
	require.True(t, e.Render(0.01))
	out2, ok := e.Output(sum)
	require.True(t, ok)
	for _, x := range out2 {
		require.Equal(t, float32(-2), x)
	}
}

func TestAttachRenderDiamondSharedSubgraph(t *testing.T) {
	e := NewDefault()
	v := 7.0
	mod, err := e.NewCompiler().Compile([]*expr.Expr{expr.VarRef(&v)})
	require.NoError(t, err)
	x := exprnode.NewLeaf(e.VectorFile(), e.SampleCount(), mod, mod.Programs[0])
	sum := opnode.NewSum(e.VectorFile(), e.SampleCount(), x, x)

	require.True(t, e.Attach(sum))
	require.True(t, e.Render(0))
	out, ok := e.Output(sum)
	require.True(t, ok)
	for _, val := range out {
		require.Equal(t, float32(14), val)
	}
}

func TestRenderOversizedAllocationFaultsOneProcessNotOthers(t *testing.T) {
	e := NewDefault()
	bad := &oversizeLeaf{vf: e.VectorFile()}
	mod, err := e.NewCompiler().Compile([]*expr.Expr{expr.Const(9)})
	require.NoError(t, err)
	good := exprnode.NewLeaf(e.VectorFile(), e.SampleCount(), mod, mod.Programs[0])

	require.True(t, e.Attach(bad))
	require.True(t, e.Attach(good))

	ok := e.Render(0.01)
	require.False(t, ok)

	_, badOK := e.Output(bad)
	require.False(t, badOK)

	goodOut, goodOK := e.Output(good)
	require.True(t, goodOK)
	for _, v := range goodOut {
		require.Equal(t, float32(9), v)
	}
}

func TestDetachRemovesOwnership(t *testing.T) {
	e := NewDefault()
	mod, err := e.NewCompiler().Compile([]*expr.Expr{expr.Const(1)})
	require.NoError(t, err)
	leaf := exprnode.NewLeaf(e.VectorFile(), e.SampleCount(), mod, mod.Programs[0])

	require.True(t, e.Attach(leaf))
	require.True(t, e.IsAttached(leaf, e))
	require.True(t, e.Detach(leaf))
	require.False(t, e.IsAttached(leaf, e))
	require.False(t, e.Detach(leaf)) // double detach is a no-op failure
}

func TestDoubleNegationFoldsThroughEngine(t *testing.T) {
	e := NewDefault()
	x := 2.0
	mod, err := e.NewCompiler().Compile([]*expr.Expr{expr.Neg(expr.Neg(expr.VarRef(&x)))})
	require.NoError(t, err)
	for _, instr := range mod.Programs[0].Instructions {
		require.NotEqual(t, expr.OpNeg, instr.Op)
	}

	leaf := exprnode.NewLeaf(e.VectorFile(), e.SampleCount(), mod, mod.Programs[0])
	require.True(t, e.Attach(leaf))
	require.True(t, e.Render(0.01))
	out, ok := e.Output(leaf)
	require.True(t, ok)
	for _, v := range out {
		require.Equal(t, float32(2), v)
	}
}

func TestSumGateLevelComposesGainBias(t *testing.T) {
	e := NewDefault()
	modA, err := e.NewCompiler().Compile([]*expr.Expr{expr.Const(5)})
	require.NoError(t, err)
	modB, err := e.NewCompiler().Compile([]*expr.Expr{expr.Const(10)})
	require.NoError(t, err)
	a := exprnode.NewLeaf(e.VectorFile(), e.SampleCount(), modA, modA.Programs[0])
	b := exprnode.NewLeaf(e.VectorFile(), e.SampleCount(), modB, modB.Programs[0])
	sum := opnode.NewSum(e.VectorFile(), e.SampleCount(), a, b)

	// b is the second (forked) input: its forked frame is scaled by 2 and
	// offset by 3 before being mixed in, so the result is 5 + (10*2 + 3).
	require.True(t, sum.SetLevel(1, 2, 3))
	require.False(t, sum.SetLevel(5, 1, 0)) // out of range

	require.True(t, e.Attach(sum))
	require.True(t, e.Render(0.01))
	out, ok := e.Output(sum)
	require.True(t, ok)
	for _, v := range out {
		require.Equal(t, float32(28), v)
	}
}

func TestSetSampleFormatRejectsInvalid(t *testing.T) {
	e := NewDefault()
	require.False(t, e.SetSampleFormat(SampleFormat(0x55)))
	require.Equal(t, FormatPCM1, e.SampleFormat())
	require.True(t, e.SetSampleFormat(FormatPCM2))
	require.Equal(t, FormatPCM2, e.SampleFormat())
}

func TestSetSampleRateRejectsOutOfRange(t *testing.T) {
	e := New(config.Default(), logging.NewNop(), nil)
	require.False(t, e.SetSampleRate(10))
	require.True(t, e.SetSampleRate(44100))
	require.Equal(t, 44100, e.SampleRate())
}
