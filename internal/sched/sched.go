// Package sched implements the render scheduler ("DSP" in spec.md section
// 4.E): per-process branch stacks, depth-first descent with cache-point
// materialization, the control-rate sync pass, and each forked branch's
// accumulated gain/bias. The first-child-inline, rest-forked split is
// grounded on the teacher's two-tier priority scheduling in
// proto/ooo/ooo.go (critical-path ops issued first, the rest following);
// Fork's reentrant cache-point handling generalizes the teacher's
// dependency-matrix bookkeeping to nested branch frames instead of a flat
// 32-op window.
package sched

import (
	"github.com/pkg/errors"

	"github.com/sigflow/dspgraph/internal/dsperr"
	"github.com/sigflow/dspgraph/internal/logging"
	"github.com/sigflow/dspgraph/internal/metrics"
	"github.com/sigflow/dspgraph/internal/node"
	"github.com/sigflow/dspgraph/internal/vfile"
)

// Invalid is the sentinel vector index returned on descent failure.
const Invalid = -1

// Branch is one level of the render stack for one process, per spec.md
// section 3's "Branch frame". Only the top frame's assignment range
// grows; nested frames' ranges are nested within it. Gain/Bias is this
// frame's accumulated affine transform — the composition of every forking
// gate's own level from the process root down to this frame — applied
// once to the frame's rendered samples by fork (cache-point frames are not
// scaled).
type Branch struct {
	SampleFormat uint8
	SampleRate   int
	ReturnFlags  dsperr.Flags
	ReturnVector int
	LB, UB       int
	Gain, Bias   float32
	Parent       *Branch
}

// ProcessState is a process's lifecycle state.
type ProcessState uint8

const (
	StateReady ProcessState = iota
	StateBusy
	StateWait
	StateSuspend
)

// Process is one attached root's per-render state: a branch frame extended
// with the owning root, lifecycle state, and time accumulators, per
// spec.md section 3.
type Process struct {
	Branch
	Root Root

	State ProcessState
	Top   *Branch

	SampleCount int // frames per tick; needed to apply a forked branch's accumulated gain/bias in place

	StepLatency float32
	StepTime    float32
	DT          float32
	Time        float32 // in [0, 1)
	Omega       float32 // in [0, 2*pi)
}

// Root is the subset of node.Node a process descends from; kept as its
// own alias so callers don't need to import node just to hold a *Process.
type Root = node.Node

const twoPi = 6.283185307179586

// wrap01 keeps Time in [0,1) by modular subtraction, per spec.md section 3.
func wrap01(t float32) float32 {
	for t >= 1 {
		t -= 1
	}
	for t < 0 {
		t += 1
	}
	return t
}

// wrapOmega keeps Omega in [0, 2*pi) by modular subtraction.
func wrapOmega(w float32) float32 {
	for w >= twoPi {
		w -= twoPi
	}
	for w < 0 {
		w += twoPi
	}
	return w
}

// NewProcess constructs a process rooted at root with the given branch
// frame seed values (assignment range, sample format/rate, frames per
// tick). The root frame's accumulated gain/bias starts at the identity
// transform (1, 0), matching the original engine's process constructor.
func NewProcess(root Root, lb int, sampleFormat uint8, sampleRate, sampleCount int, stepTime float32) *Process {
	p := &Process{
		Root:        root,
		SampleCount: sampleCount,
		StepTime:    stepTime,
		StepLatency: stepTime,
	}
	p.SampleFormat = sampleFormat
	p.SampleRate = sampleRate
	p.LB = lb
	p.UB = lb
	p.Gain = 1
	p.Top = &p.Branch
	return p
}

// Advance advances a process's time and omega accumulators after a
// successful tick, wrapping both per spec.md section 3's invariants.
func (p *Process) Advance(dt float32) {
	p.DT = dt
	p.Time = wrap01(p.Time + p.StepTime)
	p.Omega = wrapOmega(p.Omega + twoPi*p.StepTime)
}

// Scheduler runs descent and the sync pass over processes sharing one
// vector file. It holds the engine-wide per-tick fingerprint.
type Scheduler struct {
	vf          *vfile.File
	log         logging.Logger
	m           *metrics.Engine
	fingerprint uint64
}

// New constructs a scheduler bound to vf.
func New(vf *vfile.File, log logging.Logger, m *metrics.Engine) *Scheduler {
	return &Scheduler{vf: vf, log: log, m: m}
}

// Fingerprint reports the current per-tick stamp.
func (s *Scheduler) Fingerprint() uint64 { return s.fingerprint }

// BeginTick advances the engine-wide fingerprint; called once per render()
// call before any process descends.
func (s *Scheduler) BeginTick() { s.fingerprint++ }

// firstEnabledIndex reports the index of the first enabled, bound gate in
// gates, or -1 if none.
func firstEnabledIndex(gates []*node.Gate) int {
	for i, g := range gates {
		if g.Enabled && g.Upstream != nil {
			return i
		}
	}
	return -1
}

// DescendProcess runs one full descent from proc.Root, per spec.md section
// 4.E. It resets the process's return flags and top-of-stack pointer
// first. It returns the process's return vector index and whether the
// descent succeeded cleanly.
func (s *Scheduler) DescendProcess(proc *Process) (int, bool) {
	proc.ReturnFlags = 0
	proc.Top = &proc.Branch
	proc.UB = proc.LB

	retIdx, err := s.vf.Acquire(proc.LB, &proc.UB, 0, false, false)
	if err != nil {
		proc.ReturnFlags = proc.ReturnFlags.Set(dsperr.FlagAllocationFailed)
		return Invalid, false
	}
	proc.ReturnVector = retIdx

	idx, err := s.descend(proc, &proc.Branch, proc.Root, node.OpReplace)
	ok := err == nil && idx != Invalid && !proc.ReturnFlags.Failed()
	if ok {
		proc.ReturnVector = idx
	}
	return idx, ok
}

// descend is spec.md section 4.E's core traversal.
func (s *Scheduler) descend(proc *Process, branch *Branch, n node.Node, op node.RenderOp) (int, error) {
	if n.ConvergenceCount() > 1 {
		// Cache point, and this is not its self-visit (a self-visit is
		// marked by temporarily negating the convergence count, so it can
		// never be seen as > 1 here). No gate context here (n may be the
		// process root itself), so no edge-level gain/bias to compose.
		return s.fork(proc, branch, n, true, 1, 0)
	}

	if n.Fingerprint() == s.fingerprint {
		return n.OutputVector(), nil
	}

	n.SetOutputVector(branch.ReturnVector)
	n.SetPassCounter(absInt(n.ConvergenceCount()))

	gates := n.Gates()
	first := firstEnabledIndex(gates)
	for i, g := range gates {
		if !g.Enabled || g.Upstream == nil {
			continue
		}

		var childIdx int
		var err error
		if i == first {
			// The first child renders inline, sharing this frame — it has
			// no independent branch frame to carry its own gain/bias, so
			// it renders at the parent's already-accumulated level only.
			childIdx, err = s.descend(proc, branch, g.Upstream, node.OpReplace)
		} else {
			childIdx, err = s.fork(proc, branch, g.Upstream, false, g.Gain, g.Bias)
		}
		if err != nil || childIdx == Invalid {
			branch.ReturnFlags = branch.ReturnFlags.Set(dsperr.FlagRenderFault)
			return Invalid, errors.Wrap(dsperr.ErrRenderFault, "child descent failed")
		}
		g.BoundIndex = childIdx
	}

	ops := n.Ops()
	if ops&node.OpBitSync != 0 {
		n.Sync(proc.DT)
	}
	if ops&node.OpBitRender != 0 {
		if !n.Render(op) {
			branch.ReturnFlags = branch.ReturnFlags.Set(dsperr.FlagRenderFault)
			if s.m != nil {
				s.m.RenderFaults.Inc()
			}
			return Invalid, dsperr.ErrRenderFault
		}
	}

	n.SetFingerprint(s.fingerprint)
	return branch.ReturnVector, nil
}

// fork allocates a subordinate branch, descends target through it, pops
// the branch, and returns the vector holding target's result. When
// ffStatic is true (a cache-point fork), target's result is copied into
// the parent frame's return vector and that vector is returned; if target
// was already materialized earlier this tick, its existing output vector
// is copied without re-rendering — the behavior spec.md section 4.E
// describes as "reuses a cached one if the cache-point flag requests it".
// gain/bias are the forking edge's own contribution; they compose with the
// parent frame's already-accumulated value into the child frame's
// accumulated Gain/Bias (spec.md section 3), which for a non-cache-point
// fork is then applied to the child's freshly rendered samples in place.
// A cache-point vector is never scaled here: it is a canonical buffer
// other edges (with a different gain/bias) also read this tick, and
// mutating it in place would corrupt those reads.
func (s *Scheduler) fork(proc *Process, parentBranch *Branch, target node.Node, ffStatic bool, gain, bias float32) (int, error) {
	if ffStatic && target.Fingerprint() == s.fingerprint {
		idx := target.OutputVector()
		target.SetPassCounter(target.PassCounter() - 1)
		return s.copyToReturn(proc, parentBranch, idx)
	}

	retIdx, err := s.vf.Acquire(parentBranch.LB, &parentBranch.UB, 0, false, false)
	if err != nil {
		parentBranch.ReturnFlags = parentBranch.ReturnFlags.Set(dsperr.FlagAllocationFailed)
		return Invalid, errors.Wrap(dsperr.ErrAllocationFailed, "fork: vector acquire")
	}

	child := &Branch{
		SampleFormat: parentBranch.SampleFormat,
		SampleRate:   parentBranch.SampleRate,
		ReturnVector: retIdx,
		LB:           parentBranch.UB,
		UB:           parentBranch.UB,
		Gain:         parentBranch.Gain * gain,
		Bias:         parentBranch.Bias*gain + bias,
		Parent:       parentBranch,
	}
	prevTop := proc.Top
	proc.Top = child

	if ffStatic {
		target.SetConvergenceCount(-target.ConvergenceCount())
	}
	idx, derr := s.descend(proc, child, target, node.OpReplace)
	if ffStatic {
		target.SetConvergenceCount(-target.ConvergenceCount())
		if derr == nil && idx != Invalid {
			target.SetPassCounter(target.ConvergenceCount() - 1)
			if s.m != nil {
				s.m.CacheMaterializations.Inc()
			}
		}
	}

	if !ffStatic && derr == nil && idx != Invalid && (child.Gain != 1 || child.Bias != 0) {
		if data, derr2 := s.vf.DataImmediate(idx, proc.SampleCount); derr2 == nil {
			for i := range data {
				data[i] = data[i]*child.Gain + child.Bias
			}
		}
	}

	proc.Top = prevTop
	s.vf.Clear(child.LB, &child.UB, true)

	if derr != nil || idx == Invalid {
		parentBranch.ReturnFlags = parentBranch.ReturnFlags.Set(dsperr.FlagReturnFault)
		return Invalid, errors.Wrap(dsperr.ErrReturnFault, "fork: target descent failed")
	}
	if ffStatic {
		return s.copyToReturn(proc, parentBranch, idx)
	}
	return idx, nil
}

// copyToReturn copies cached vector src into branch's return vector and
// returns that vector, leaving src itself unchanged.
func (s *Scheduler) copyToReturn(proc *Process, branch *Branch, src int) (int, error) {
	from, err1 := s.vf.DataImmediate(src, proc.SampleCount)
	to, err2 := s.vf.DataImmediate(branch.ReturnVector, proc.SampleCount)
	if err1 != nil || err2 != nil {
		branch.ReturnFlags = branch.ReturnFlags.Set(dsperr.FlagAllocationFailed)
		return Invalid, errors.Wrap(dsperr.ErrAllocationFailed, "fork: cache copy")
	}
	copy(to, from)
	return branch.ReturnVector, nil
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// SyncPass walks proc.Root depth-first in gate order, calling every
// reachable node's Sync(dt) exactly once. No vectors are allocated. This
// lets nodes with internal state machines advance at the control rate
// independently of audio rendering. It is a no-op when dt <= 0, per
// spec.md section 6.
func (s *Scheduler) SyncPass(proc *Process, dt float32) {
	if dt <= 0 {
		return
	}
	visited := make(map[node.Node]bool)
	var walk func(n node.Node)
	walk = func(n node.Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		if n.Ops()&node.OpBitSync != 0 {
			n.Sync(dt)
		}
		for _, g := range n.Gates() {
			if g.Enabled && g.Upstream != nil {
				walk(g.Upstream)
			}
		}
	}
	walk(proc.Root)
}
