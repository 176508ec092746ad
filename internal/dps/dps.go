// Package dps implements the persistent sample pool ("DPS" in spec.md
// section 4.B): page-allocated, bitmap-managed blocks whose buffers survive
// across render ticks until explicitly released. Each page reserves a
// bitmap over fixed-size sub-blocks; acquire scans for the first free run,
// mirroring the teacher's Scoreboard bit-test/bit-set idiom in
// proto/ooo/ooo.go, generalized from "is this register ready" to "is this
// block free".
package dps

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/sigflow/dspgraph/internal/dsperr"
	"github.com/sigflow/dspgraph/internal/metrics"
)

// page holds a bitmap over blocksPerPage fixed-size blocks, plus the
// backing sample storage for all of them.
type page struct {
	bitmap  []byte // ceil(blocksPerPage/8) bytes
	samples []float32
	next    *page
}

func newPage(blocksPerPage, blockSize int) *page {
	return &page{
		bitmap:  make([]byte, (blocksPerPage+7)/8),
		samples: make([]float32, blocksPerPage*blockSize),
	}
}

func (p *page) base() uintptr {
	if len(p.samples) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&p.samples[0]))
}

func (p *page) byteLen() uintptr { return uintptr(len(p.samples)) * 4 }

// contains reports whether addr falls within this page's backing storage,
// re-derived from first principles per spec.md section 9 rather than the
// original's reversed "(data + size) < address" comparison.
func (p *page) contains(addr uintptr) bool {
	b := p.base()
	return b != 0 && addr >= b && addr < b+p.byteLen()
}

// bitTest/bitSet/bitClear operate on a byte-slice bitmap using the
// corrected mask 1<<(bit&7), per spec.md section 9's documented deviation
// from the source's 1<<(bit&3) bug.
func bitTest(bitmap []byte, bit int) bool {
	return bitmap[bit/8]&(1<<uint(bit&7)) != 0
}

func bitSet(bitmap []byte, bit int) {
	bitmap[bit/8] |= 1 << uint(bit&7)
}

func bitClear(bitmap []byte, bit int) {
	bitmap[bit/8] &^= 1 << uint(bit&7)
}

// findFreeRun scans bitmap left to right for the first run of `span` zero
// bits, skipping whole bytes with value 0xFF as a fast path (every
// starting byte whose value is 0xFF cannot start or contain a free bit).
func findFreeRun(bitmap []byte, totalBits, span int) (int, bool) {
	i := 0
	for i+span <= totalBits {
		byteIdx := i / 8
		if bitmap[byteIdx] == 0xFF {
			i = (byteIdx + 1) * 8
			continue
		}
		if bitTest(bitmap, i) {
			i++
			continue
		}
		run := 1
		for run < span && i+run < totalBits && !bitTest(bitmap, i+run) {
			run++
		}
		if run >= span {
			return i, true
		}
		i += run
	}
	return 0, false
}

// Pool is the persistent sample pool.
type Pool struct {
	blocksPerPage int
	blockSize     int
	head          *page
	tail          *page
	m             *metrics.Engine
}

// New constructs an empty pool. blocksPerPage is M in spec.md's notation;
// blockSize is B samples per block.
func New(blocksPerPage, blockSize int, m *metrics.Engine) *Pool {
	p := &Pool{blocksPerPage: blocksPerPage, blockSize: blockSize, m: m}
	p.head = newPage(blocksPerPage, blockSize)
	p.tail = p.head
	return p
}

// Acquire computes the needed bit-span ceil(n/blockSize), scans the
// current tail page for the first free run that size, and returns the
// backing slice plus its capacity in samples (span*blockSize).
func (p *Pool) Acquire(n int) ([]float32, int, error) {
	span := (n + p.blockSize - 1) / p.blockSize
	if span <= 0 {
		span = 1
	}
	if span > p.blocksPerPage {
		if p.m != nil {
			p.m.OversizedRejections.WithLabelValues("persistent").Inc()
		}
		return nil, 0, errors.Wrapf(dsperr.ErrOversizedAllocation, "requested %d samples needs %d blocks > page capacity %d", n, span, p.blocksPerPage)
	}

	for {
		if start, ok := findFreeRun(p.tail.bitmap, p.blocksPerPage, span); ok {
			for b := start; b < start+span; b++ {
				bitSet(p.tail.bitmap, b)
			}
			base := start * p.blockSize
			cap0 := span * p.blockSize
			return p.tail.samples[base : base+cap0 : base+cap0], cap0, nil
		}
		if p.tail.next != nil {
			p.tail = p.tail.next
			continue
		}
		np := newPage(p.blocksPerPage, p.blockSize)
		p.tail.next = np
		p.tail = np
		if p.m != nil {
			p.m.PoolGrowths.WithLabelValues("persistent").Inc()
		}
	}
}

// Release locates the owning page by pointer range and clears the
// corresponding bit run. capacity must be the value returned by the
// matching Acquire.
func (p *Pool) Release(ptr []float32, capacity int) {
	if len(ptr) == 0 {
		return
	}
	addr := uintptr(unsafe.Pointer(&ptr[0]))
	for pg := p.head; pg != nil; pg = pg.next {
		if !pg.contains(addr) {
			continue
		}
		offsetSamples := int((addr - pg.base()) / 4)
		startBlock := offsetSamples / p.blockSize
		span := (capacity + p.blockSize - 1) / p.blockSize
		for b := startBlock; b < startBlock+span && b < p.blocksPerPage; b++ {
			bitClear(pg.bitmap, b)
		}
		return
	}
}

// ResetToHead rewinds the pool's scan cursor to the head page. Persistent
// allocations within a tick are short-lived scratch; only vectors whose
// handles explicitly requested persistence survive a tick boundary, so
// after every process has rendered this tick the scan position returns to
// the head page for the next tick's short-lived allocations. It does not
// clear any bitmap bits — only an explicit Release does that.
func (p *Pool) ResetToHead() {
	p.tail = p.head
}

// Dispose frees all pages. Allocations do not persist across engine
// disposal, per spec.md section 4.B.
func (p *Pool) Dispose() {
	p.head = nil
	p.tail = nil
}

// PageCount reports how many pages the pool currently holds.
func (p *Pool) PageCount() int {
	n := 0
	for pg := p.head; pg != nil; pg = pg.next {
		n++
	}
	return n
}

// UsedBlocks reports the number of set bits across every page, used by
// tests asserting occupancy invariants.
func (p *Pool) UsedBlocks() int {
	total := 0
	for pg := p.head; pg != nil; pg = pg.next {
		for _, byteVal := range pg.bitmap {
			for b := 0; b < 8; b++ {
				if byteVal&(1<<uint(b)) != 0 {
					total++
				}
			}
		}
	}
	return total
}
