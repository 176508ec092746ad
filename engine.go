// Package dspgraph assembles the transient/persistent sample pools, the
// vector file, the graph manager, and the render scheduler into the single
// entry point spec.md section 6 describes: an Engine a host drives with
// attach/detach/render/sync calls at a regular control-rate cadence. This
// mirrors the way the teacher's SUPRAXCore assembles its scheduler, branch
// predictor, and memory into one struct with a Cycle() entry point.
package dspgraph

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sigflow/dspgraph/internal/config"
	"github.com/sigflow/dspgraph/internal/dps"
	"github.com/sigflow/dspgraph/internal/dss"
	"github.com/sigflow/dspgraph/internal/expr"
	"github.com/sigflow/dspgraph/internal/graph"
	"github.com/sigflow/dspgraph/internal/logging"
	"github.com/sigflow/dspgraph/internal/metrics"
	"github.com/sigflow/dspgraph/internal/node"
	"github.com/sigflow/dspgraph/internal/sched"
	"github.com/sigflow/dspgraph/internal/vfile"
)

// Engine is the library's single entry point. It owns the graph, both
// sample pools, the vector file, and one process per attached root. The
// zero value is not usable; construct with New.
type Engine struct {
	mu sync.Mutex // the "busy" flag of spec.md section 5: TryLock rejects reentrant calls

	cfg     config.Engine
	log     logging.Logger
	metrics *metrics.Engine

	manager   *graph.Manager
	scheduler *sched.Scheduler
	vf        *vfile.File
	dssPool   *dss.Pool
	dpsPool   *dps.Pool

	sampleFormat SampleFormat
	sampleRate   int
	controlRate  int

	order     []node.Node
	processes map[node.Node]*sched.Process
}

// New constructs an Engine from cfg. log may be logging.NewNop() if the
// host doesn't care; reg may be nil to skip metrics registration.
func New(cfg config.Engine, log logging.Logger, reg prometheus.Registerer) *Engine {
	m := metrics.NewEngine(reg)
	dssPool := dss.New(cfg.TransientPageSamples, m)
	dpsPool := dps.New(cfg.PersistentPageBlocks, cfg.PersistentBlockSize, m)
	format := SampleFormat(cfg.DefaultSampleFormat)
	vf := vfile.New(cfg.VectorFileChunk, format.Channels(), cfg.PersistentBlockSize, dssPool, dpsPool, m)

	return &Engine{
		cfg:          cfg,
		log:          log,
		metrics:      m,
		manager:      graph.New(),
		scheduler:    sched.New(vf, log, m),
		vf:           vf,
		dssPool:      dssPool,
		dpsPool:      dpsPool,
		sampleFormat: format,
		sampleRate:   cfg.DefaultSampleRate,
		controlRate:  cfg.ControlRate,
		processes:    map[node.Node]*sched.Process{},
	}
}

// NewDefault constructs an Engine from config.Default() with a no-op
// logger and no metrics registration — the library equivalent of
// spec.md's `Engine::new()` with no optional arguments.
func NewDefault() *Engine {
	return New(config.Default(), logging.NewNop(), nil)
}

// VectorFile exposes the engine's vector file so node constructors
// (exprnode.Leaf, opnode.Sum) can be built against it.
func (e *Engine) VectorFile() *vfile.File { return e.vf }

// SampleCount reports the number of frames one render tick produces:
// sample_rate / control_rate, floored at 1.
func (e *Engine) SampleCount() int {
	if e.controlRate <= 0 {
		return e.sampleRate
	}
	n := e.sampleRate / e.controlRate
	if n < 1 {
		n = 1
	}
	return n
}

// NewCompiler builds an expr.Compiler sized from the engine's configured
// register/variable/instruction page quanta.
func (e *Engine) NewCompiler() *expr.Compiler {
	return expr.NewCompiler(e.cfg.ExprRegisterPageQuant, e.cfg.ExprVariablePageQuant, e.cfg.ExprInstrPageQuant)
}

// Attach converges and mounts n, creating its process. Fails with false if
// n is already attached or convergence rejects an immediate self-loop.
func (e *Engine) Attach(n node.Node) bool {
	if !e.mu.TryLock() {
		return false
	}
	defer e.mu.Unlock()

	if e.manager.IsAttached(n) {
		e.log.Warn("attach: already attached")
		return false
	}
	if err := e.manager.Converge(n); err != nil {
		e.log.Warn("attach: converge failed", "err", err)
		return false
	}

	stepTime := float32(0)
	if e.controlRate > 0 {
		stepTime = 1 / float32(e.controlRate)
	}
	proc := sched.NewProcess(n, 0, uint8(e.sampleFormat), e.sampleRate, e.SampleCount(), stepTime)
	e.processes[n] = proc
	e.order = append(e.order, n)
	return true
}

// Detach diverges and unmounts n, freeing its process.
func (e *Engine) Detach(n node.Node) bool {
	if !e.mu.TryLock() {
		return false
	}
	defer e.mu.Unlock()

	if !e.manager.IsAttached(n) {
		return false
	}
	e.manager.Diverge(n)
	proc := e.processes[n]
	delete(e.processes, n)
	for i, r := range e.order {
		if r == n {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	if proc != nil {
		e.vf.Clear(proc.LB, &proc.UB, true)
	}
	return true
}

// IsAttached reports whether n is attached to e. A non-nil expected must be
// e, otherwise it reports not-attached; nil accepts e.
func (e *Engine) IsAttached(n node.Node, expected *Engine) bool {
	if !e.manager.IsAttached(n) {
		return false
	}
	return expected == nil || expected == e
}

// Render runs one tick: descends every non-suspended process in attach
// order, advancing each one's time/omega on success. dt > 0 additionally
// runs the sync pass for that process. Returns true iff every active
// process's descent succeeded. Before descending, it rewinds the prior
// tick's transient allocations — outputs from the tick that just finished
// remain valid via Output() until this call, matching spec.md section
// 4.E's "between processes, the transient pool is rewound" up to the
// adaptation that a Go library has no per-node host callback to rewind
// between: rewinding happens once, at the start of the next tick, so a
// caller can still read results after Render returns.
func (e *Engine) Render(dt float32) bool {
	if !e.mu.TryLock() {
		return false
	}
	defer e.mu.Unlock()

	for _, root := range e.order {
		proc := e.processes[root]
		e.vf.Clear(proc.LB, &proc.UB, true)
	}
	e.dssPool.Clear()
	e.dpsPool.ResetToHead()

	e.scheduler.BeginTick()
	if e.metrics != nil {
		e.metrics.RenderTicks.Inc()
	}

	ok := true
	next := 0
	for _, root := range e.order {
		proc := e.processes[root]
		if proc.State == sched.StateSuspend {
			continue
		}
		proc.LB = next
		_, succeeded := e.scheduler.DescendProcess(proc)
		next = proc.UB
		if !succeeded {
			ok = false
			continue
		}
		proc.Advance(dt)
		if dt > 0 {
			e.scheduler.SyncPass(proc, dt)
		}
	}
	return ok
}

// Sync runs the sync pass over every attached process without rendering.
// It is a no-op returning false if dt <= 0.
func (e *Engine) Sync(dt float32) bool {
	if dt <= 0 {
		return false
	}
	if !e.mu.TryLock() {
		return false
	}
	defer e.mu.Unlock()

	for _, root := range e.order {
		e.scheduler.SyncPass(e.processes[root], dt)
	}
	return true
}

// Output returns the most recent render's samples for the process rooted
// at n, or (nil, false) if n isn't attached or its last descent failed.
func (e *Engine) Output(n node.Node) ([]float32, bool) {
	proc, ok := e.processes[n]
	if !ok || proc.ReturnFlags.Failed() {
		return nil, false
	}
	ptr, err := e.vf.DataImmediate(proc.ReturnVector, e.SampleCount())
	if err != nil {
		return nil, false
	}
	return ptr, true
}

// SampleFormat reports the engine's current sample format.
func (e *Engine) SampleFormat() SampleFormat { return e.sampleFormat }

// SetSampleFormat validates and installs f, updating the vector file's
// per-frame sizing to match the new channel count. Rejects unrecognized
// formats, leaving prior state unchanged.
func (e *Engine) SetSampleFormat(f SampleFormat) bool {
	if !f.Valid() {
		return false
	}
	e.sampleFormat = f
	e.vf.SetSampleSize(f.Channels())
	return true
}

// SampleRate reports the engine's current sample rate in Hz.
func (e *Engine) SampleRate() int { return e.sampleRate }

// SetSampleRate validates and installs rate, which must fall within the
// configured [min, max] bound.
func (e *Engine) SetSampleRate(rate int) bool {
	if rate < e.cfg.MinSampleRate || rate > e.cfg.MaxSampleRate {
		return false
	}
	e.sampleRate = rate
	return true
}

// Dispose tears the engine down: diverges every attached root and disposes
// both sample pools. Grounded on original_source/dc.cpp's disposed-channel
// cleanup pass; not named in spec.md section 6, but a host needs some way
// to tear an engine down between sessions.
func (e *Engine) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, root := range e.order {
		e.manager.Diverge(root)
	}
	e.order = nil
	e.processes = map[node.Node]*sched.Process{}
	e.dssPool.Dispose()
	e.dpsPool.Dispose()
}
