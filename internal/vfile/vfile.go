// Package vfile implements the vector file ("VF" in spec.md section 4.C):
// a growable table of logical buffer handles ("vectors") owned by the
// active render branch stack. Backing memory is realized lazily from the
// transient or persistent pool on first read/write via DataImmediate.
package vfile

import (
	"github.com/pkg/errors"

	"github.com/sigflow/dspgraph/internal/dsperr"
	"github.com/sigflow/dspgraph/internal/dss"
	"github.com/sigflow/dspgraph/internal/dps"
	"github.com/sigflow/dspgraph/internal/metrics"
)

// Vector is one entry in the file: spec.md section 3's "Vector (buffer
// handle)".
type Vector struct {
	Ptr                []float32
	Capacity           int // current backing capacity in samples
	Requested          int // 0 = auto (sampleCount*sampleSize), else explicit
	PersistenceReq     bool
	InUse              bool
	PersistentBacked    bool
	Far                bool // memory not owned by either pool
}

const invalidIndex = -1

// File is the vector file.
type File struct {
	slots      []Vector
	chunk      int
	sampleSize int // samples per frame (the engine passes its channel count); multiplies sampleCount for "auto" sizing
	blockSize  int // persistent pool block size, for rounding
	dssPool    *dss.Pool
	dpsPool    *dps.Pool
	m          *metrics.Engine
}

// New constructs an empty vector file. chunk is the fixed growth quantum
// from spec.md's reserve(n); sampleSize/blockSize size "auto" requests.
func New(chunk, sampleSize, blockSize int, dssPool *dss.Pool, dpsPool *dps.Pool, m *metrics.Engine) *File {
	return &File{chunk: chunk, sampleSize: sampleSize, blockSize: blockSize, dssPool: dssPool, dpsPool: dpsPool, m: m}
}

// Reserve grows capacity to at least n, in fixed chunks rounded up to the
// chunk quantum.
func (f *File) Reserve(n int) {
	if n <= len(f.slots) {
		return
	}
	chunks := (n + f.chunk - 1) / f.chunk
	newLen := chunks * f.chunk
	grown := make([]Vector, newLen)
	copy(grown, f.slots)
	f.slots = grown
}

// Acquire reuses the first in-use==false slot within [lb, *ub), or appends
// at *ub if none is free, growing the file if necessary. It advances *ub
// when the chosen index equals the prior *ub, per spec.md section 4.C.
func (f *File) Acquire(lb int, ub *int, requestedSize int, persistenceRequested, far bool) (int, error) {
	chosen := invalidIndex
	for i := lb; i < *ub; i++ {
		if i < len(f.slots) && !f.slots[i].InUse {
			chosen = i
			break
		}
	}
	grew := false
	if chosen == invalidIndex {
		chosen = *ub
		grew = true
	}

	const maxVectors = 1 << 20
	if chosen >= maxVectors {
		return invalidIndex, errors.Wrap(dsperr.ErrOutOfVectors, "vector file cannot grow further")
	}
	f.Reserve(chosen + 1)

	f.slots[chosen] = Vector{
		Requested:      requestedSize,
		PersistenceReq: persistenceRequested,
		InUse:          true,
		Far:            far,
	}
	if grew {
		*ub = chosen + 1
	}
	return chosen, nil
}

// Release clears the used bit on index. If the slot holds "far" memory the
// pointer is simply forgotten. If it holds persistent-backed memory and
// force is set, the persistent pool releases it. Transient-backed memory
// is left alone for the transient pool's own Clear to reclaim.
func (f *File) Release(index int, force bool) {
	if index < 0 || index >= len(f.slots) {
		return
	}
	v := &f.slots[index]
	if !v.InUse {
		return // double release is a no-op, per spec.md section 8
	}
	v.InUse = false

	switch {
	case v.Far:
		v.Ptr = nil
		v.Capacity = 0
	case v.PersistentBacked && force:
		if f.dpsPool != nil {
			f.dpsPool.Release(v.Ptr, v.Capacity)
		}
		v.Ptr = nil
		v.Capacity = 0
		v.PersistentBacked = false
	}
}

// requiredSamples computes the backing size a vector needs: explicit if
// Requested > 0, else sampleCount*sampleSize (samples per frame) rounded up
// to the persistent pool's block granularity.
func (f *File) requiredSamples(v *Vector, sampleCount int) int {
	if v.Requested > 0 {
		return v.Requested
	}
	raw := sampleCount * f.sampleSize
	if f.blockSize <= 0 {
		return raw
	}
	return ((raw + f.blockSize - 1) / f.blockSize) * f.blockSize
}

// DataImmediate is the lazy realization of backing memory described in
// spec.md section 4.C. On failure it returns nil and a non-nil error;
// callers propagate that as an AllocationFailed flag.
func (f *File) DataImmediate(index, sampleCount int) ([]float32, error) {
	if index < 0 || index >= len(f.slots) {
		return nil, errors.New("vfile: index out of range")
	}
	v := &f.slots[index]
	required := f.requiredSamples(v, sampleCount)

	if v.Ptr != nil && v.Capacity >= required {
		return v.Ptr, nil
	}

	if v.PersistenceReq && (!v.PersistentBacked || v.Capacity < required) {
		f.releaseOldBacking(v)
		ptr, cap0, err := f.dpsPool.Acquire(required)
		if err != nil {
			return nil, errors.Wrap(err, "vfile: persistent acquire")
		}
		v.Ptr, v.Capacity, v.PersistentBacked = ptr, cap0, true
	} else {
		f.releaseOldBacking(v)
		ptr, cap0, err := f.dssPool.Acquire(required)
		if err != nil {
			return nil, errors.Wrap(err, "vfile: transient acquire")
		}
		v.Ptr, v.Capacity, v.PersistentBacked = ptr, cap0, false
	}

	v.PersistenceReq = false
	return v.Ptr, nil
}

func (f *File) releaseOldBacking(v *Vector) {
	if v.Ptr == nil {
		return
	}
	if v.PersistentBacked {
		if f.dpsPool != nil {
			f.dpsPool.Release(v.Ptr, v.Capacity)
		}
	} else if f.dssPool != nil {
		f.dssPool.Release(v.Ptr)
	}
	v.Ptr = nil
	v.Capacity = 0
	v.PersistentBacked = false
}

// Clear walks [lb, *ub) top-down, releasing every non-persistent in-use
// slot. Persistent slots retain their memory. If reset, *ub is lowered to
// lb.
func (f *File) Clear(lb int, ub *int, reset bool) {
	for i := *ub - 1; i >= lb; i-- {
		if i >= len(f.slots) {
			continue
		}
		if f.slots[i].InUse && !f.slots[i].PersistentBacked {
			f.Release(i, false)
		}
	}
	if reset {
		*ub = lb
	}
}

// Vector exposes a read-only copy of a slot's state for diagnostics/tests.
func (f *File) Vector(index int) Vector {
	if index < 0 || index >= len(f.slots) {
		return Vector{}
	}
	return f.slots[index]
}

// Len reports the current slot capacity.
func (f *File) Len() int { return len(f.slots) }

// SetSampleSize updates the per-frame multiplier "auto" sizing uses in
// DataImmediate — e.g. when the engine's channel count changes.
func (f *File) SetSampleSize(n int) { f.sampleSize = n }
