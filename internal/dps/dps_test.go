package dps

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigflow/dspgraph/internal/dsperr"
)

func TestAcquireSingleBlock(t *testing.T) {
	p := New(8, 4, nil)
	buf, cap0, err := p.Acquire(4)
	require.NoError(t, err)
	require.Len(t, buf, 4)
	require.Equal(t, 4, cap0)
	require.Equal(t, 1, p.UsedBlocks())
}

func TestAcquireSpansMultipleBlocks(t *testing.T) {
	p := New(8, 4, nil)
	_, cap0, err := p.Acquire(5)
	require.NoError(t, err)
	require.Equal(t, 8, cap0) // ceil(5/4)=2 blocks * 4
	require.Equal(t, 2, p.UsedBlocks())
}

func TestAcquireOversized(t *testing.T) {
	p := New(8, 4, nil)
	_, _, err := p.Acquire(64)
	require.Error(t, err)
	require.ErrorIs(t, err, dsperr.ErrOversizedAllocation)
}

func TestAcquireGrowsWhenFull(t *testing.T) {
	p := New(2, 4, nil)
	_, _, err := p.Acquire(8) // fills both blocks on page 1
	require.NoError(t, err)
	_, _, err = p.Acquire(4)
	require.NoError(t, err)
	require.Equal(t, 2, p.PageCount())
}

func TestReleaseClearsRun(t *testing.T) {
	p := New(8, 4, nil)
	buf, cap0, err := p.Acquire(8)
	require.NoError(t, err)
	require.Equal(t, 2, p.UsedBlocks())
	p.Release(buf, cap0)
	require.Equal(t, 0, p.UsedBlocks())
}

func TestAcquireReusesReleasedRun(t *testing.T) {
	p := New(8, 4, nil)
	a, acap, _ := p.Acquire(4)
	b, _, err := p.Acquire(4)
	require.NoError(t, err)
	p.Release(a, acap)
	c, _, err := p.Acquire(4)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.NotNil(t, c)
}

func TestDisposeFreesPages(t *testing.T) {
	p := New(8, 4, nil)
	_, _, _ = p.Acquire(4)
	p.Dispose()
	require.Equal(t, 0, p.PageCount())
}
