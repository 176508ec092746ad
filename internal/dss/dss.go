// Package dss implements the transient sample pool ("DSS" in spec.md
// section 4.A): a page-allocated bump allocator cleared between render
// ticks. Nodes borrow slices of its backing pages for the duration of a
// single render; nothing here survives a clear().
package dss

import (
	"github.com/pkg/errors"

	"github.com/sigflow/dspgraph/internal/dsperr"
	"github.com/sigflow/dspgraph/internal/metrics"
)

// page is one bump-allocated block. Pages chain into a linked list so the
// pool can grow without invalidating slices already handed out this tick.
type page struct {
	samples []float32
	bump    int
	next    *page
}

func newPage(size int) *page {
	return &page{samples: make([]float32, size)}
}

func (p *page) remaining() int { return len(p.samples) - p.bump }

// Pool is the transient sample pool. pageSize is the capacity of each page
// in samples; a single acquire larger than pageSize always fails with
// dsperr.ErrOversizedAllocation, matching spec.md's "effective capacity of
// one page" rule.
type Pool struct {
	pageSize int
	head     *page
	tail     *page
	m        *metrics.Engine
}

// New constructs an empty pool with one page pre-allocated, the teacher's
// Memory type is allocated up front the same way.
func New(pageSize int, m *metrics.Engine) *Pool {
	p := &Pool{pageSize: pageSize, m: m}
	p.head = newPage(pageSize)
	p.tail = p.head
	return p
}

// Acquire rounds the request up to the pool's block granularity (a no-op
// here since transient blocks are sample-granular) and returns a slice of
// exactly requestedSamples backed by the tail page's bump region, advancing
// a new page in if the tail lacks room.
func (p *Pool) Acquire(requestedSamples int) ([]float32, int, error) {
	if requestedSamples > p.pageSize {
		if p.m != nil {
			p.m.OversizedRejections.WithLabelValues("transient").Inc()
		}
		return nil, 0, errors.Wrapf(dsperr.ErrOversizedAllocation, "requested %d samples > page size %d", requestedSamples, p.pageSize)
	}

	for {
		if p.tail.remaining() >= requestedSamples {
			start := p.tail.bump
			p.tail.bump += requestedSamples
			return p.tail.samples[start : start+requestedSamples : start+requestedSamples], requestedSamples, nil
		}
		if p.tail.next != nil {
			p.tail = p.tail.next
			p.tail.bump = 0
			continue
		}
		np := newPage(p.pageSize)
		p.tail.next = np
		p.tail = np
		if p.m != nil {
			p.m.PoolGrowths.WithLabelValues("transient").Inc()
		}
	}
}

// Release is advisory only: the pool is reclaimed in bulk by Clear, never
// per-allocation. spec.md section 9 calls this out explicitly — the source
// passes capacities that don't always match the held size, so Release must
// not attempt to validate or reuse them.
func (p *Pool) Release([]float32) {}

// Clear rewinds the pool to its head page for reuse on the next tick.
func (p *Pool) Clear() {
	p.head.bump = 0
	p.tail = p.head
}

// Dispose frees all pages. Allocations never persist across engine
// disposal, per spec.md section 4.A.
func (p *Pool) Dispose() {
	p.head = nil
	p.tail = nil
}

// Occupancy reports the bump offset summed across the pages from head
// through the current tail (pages past the tail are reset when the pool
// advances into them), used by tests asserting the "occupancy unchanged
// modulo growth" invariant from spec.md section 8.
func (p *Pool) Occupancy() int {
	total := 0
	for pg := p.head; pg != nil; pg = pg.next {
		total += pg.bump
		if pg == p.tail {
			break
		}
	}
	return total
}

// PageCount reports how many pages the pool currently holds.
func (p *Pool) PageCount() int {
	n := 0
	for pg := p.head; pg != nil; pg = pg.next {
		n++
	}
	return n
}
