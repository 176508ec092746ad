// Package node defines the Node and Gate surface required of external
// collaborators per spec.md section 6: a node provides render/sync
// callbacks and an ordered list of input gates; a gate binds to an
// upstream node's output buffer during descent.
package node

// RenderOp conveys additive-vs-replacement semantics to a node's Render
// callback. The scheduler passes OpReplace on every descent; it never
// passes OpMix.
type RenderOp uint8

const (
	OpReplace RenderOp = iota
	OpMix
)

// OpBits advertises which of a node's two callbacks the scheduler should
// invoke during descent, per spec.md section 4.E.
type OpBits uint8

const (
	OpBitSync OpBits = 1 << iota
	OpBitRender
)

// Node is the unit of computation described in spec.md section 3. A node
// may belong to at most one engine at a time; its convergence count is
// >= 0 and equals the number of live paths to it across all attached
// graphs, except while the scheduler temporarily negates it during a
// cache-point visit; its fingerprint advances monotonically within an
// engine's lifetime.
type Node interface {
	// Gates returns the node's ordered input edges.
	Gates() []*Gate
	// Ops reports which callbacks the scheduler should invoke.
	Ops() OpBits

	ConvergenceCount() int
	SetConvergenceCount(int)
	PassCounter() int
	SetPassCounter(int)
	Fingerprint() uint64
	SetFingerprint(uint64)
	OutputVector() int
	SetOutputVector(int)

	// Sync advances any internal state machine at the control rate,
	// independent of audio rendering.
	Sync(dt float32)
	// Render computes this node's output into its bound output vector.
	// op conveys additive-vs-replacement semantics for a forked branch.
	Render(op RenderOp) bool
}

// Gate is a unidirectional input edge on a node, per spec.md section 3. Its
// bound index is only valid for the duration of a single render tick. Gain
// and Bias are this edge's own contribution to the branch-frame "accumulated
// gain/bias" spec.md section 3 assigns to a forked subtree; they default to
// the identity transform (1, 0).
type Gate struct {
	Owner      Node
	Upstream   Node
	BoundIndex int
	Enabled    bool
	Gain       float32
	Bias       float32
}

// NewGate constructs a gate owned by owner, enabled with no upstream and an
// identity gain/bias.
func NewGate(owner Node) *Gate {
	return &Gate{Owner: owner, Enabled: true, BoundIndex: -1, Gain: 1}
}

// SetLevel sets this gate's own gain/bias contribution. The scheduler
// composes it into the accumulated value of the branch frame forked for
// this edge the next time that frame renders.
func (g *Gate) SetLevel(gain, bias float32) {
	g.Gain = gain
	g.Bias = bias
}

// Attach binds source as this gate's upstream. Fails only if source is nil.
func (g *Gate) Attach(source Node) bool {
	if source == nil {
		return false
	}
	g.Upstream = source
	return true
}

// Detach clears the upstream binding.
func (g *Gate) Detach() bool {
	g.Upstream = nil
	g.BoundIndex = -1
	return true
}

// Base is an embeddable implementation of Node's bookkeeping fields,
// leaving Gates/Ops/Sync/Render to the concrete node type — the same
// split the teacher uses between architectural state (SUPRAXCore's plain
// fields) and behavior (Cycle, Fetch, Execute methods defined around it).
type Base struct {
	convergence  int
	passCounter  int
	fingerprint  uint64
	outputVector int
}

func (b *Base) ConvergenceCount() int      { return b.convergence }
func (b *Base) SetConvergenceCount(n int)  { b.convergence = n }
func (b *Base) PassCounter() int           { return b.passCounter }
func (b *Base) SetPassCounter(n int)       { b.passCounter = n }
func (b *Base) Fingerprint() uint64        { return b.fingerprint }
func (b *Base) SetFingerprint(fp uint64)   { b.fingerprint = fp }
func (b *Base) OutputVector() int          { return b.outputVector }
func (b *Base) SetOutputVector(idx int)    { b.outputVector = idx }

// IsCachePoint reports whether this node's current convergence count makes
// it a cache point (spec.md: convergence_count > 1).
func (b *Base) IsCachePoint() bool { return b.convergence > 1 }
