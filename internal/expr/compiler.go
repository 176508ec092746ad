package expr

import "errors"

// ErrOutOfRegisters is returned when the linear-scan allocator cannot find
// a free register within a program's assigned range.
var ErrOutOfRegisters = errors.New("expr: out of registers")

// regAlloc is a linear-scan allocator over one program's register range
// [lb, ub), grounded on the teacher's Scoreboard bit-test/bit-set idiom in
// proto/ooo/ooo.go: get_scratch scans from lastScanned for the next free
// slot; drop_scratch lowers lastScanned when it frees an earlier register.
// getScratch never raises lastScanned, so every scan starts at the range's
// first register. Subbranch frames mirror the nested vector-file branch
// ranges of spec.md section 4.E: every register allocated since a push is
// dropped when its matching pop runs.
type regAlloc struct {
	lb, ub      int
	free        []bool
	lastScanned int
	subStack    [][]int
}

func newRegAlloc(lb, ub int) *regAlloc {
	n := ub - lb
	free := make([]bool, n)
	for i := range free {
		free[i] = true
	}
	return &regAlloc{lb: lb, ub: ub, free: free, subStack: [][]int{{}}}
}

func (a *regAlloc) getScratch() (int, bool) {
	for i := a.lastScanned; i < len(a.free); i++ {
		if a.free[i] {
			a.free[i] = false
			top := len(a.subStack) - 1
			a.subStack[top] = append(a.subStack[top], i)
			return a.lb + i, true
		}
	}
	return 0, false
}

func (a *regAlloc) dropScratch(reg int) {
	off := reg - a.lb
	if off < 0 || off >= len(a.free) {
		return
	}
	a.free[off] = true
	if off < a.lastScanned {
		a.lastScanned = off
	}
	for lvl := len(a.subStack) - 1; lvl >= 0; lvl-- {
		for i, r := range a.subStack[lvl] {
			if r == off {
				a.subStack[lvl] = append(a.subStack[lvl][:i], a.subStack[lvl][i+1:]...)
				return
			}
		}
	}
}

func (a *regAlloc) pushSubbranch() { a.subStack = append(a.subStack, nil) }

func (a *regAlloc) popSubbranch() {
	top := a.subStack[len(a.subStack)-1]
	for _, off := range top {
		a.free[off] = true
		if off < a.lastScanned {
			a.lastScanned = off
		}
	}
	a.subStack = a.subStack[:len(a.subStack)-1]
}

// Compiler turns static expression trees into compiled Programs, sizing
// its register/variable/instruction allocations from each tree's static
// Bounds, per spec.md section 4.F.
type Compiler struct {
	regPageQuant, varPageQuant, instrPageQuant int
}

// NewCompiler constructs a compiler that rounds register, variable, and
// instruction totals up to the given page quanta.
func NewCompiler(regPageQuant, varPageQuant, instrPageQuant int) *Compiler {
	return &Compiler{regPageQuant: regPageQuant, varPageQuant: varPageQuant, instrPageQuant: instrPageQuant}
}

// Module is the result of compiling one or more argument programs
// together: a shared data-slot table (spec.md's "per-compilation alias
// table") and one Program per root expression, each owning a disjoint
// register range.
type Module struct {
	Programs          []*Program
	DataSlots         []DataSlot
	TotalRegisters    int
	TotalInstructions int
	TotalVariables    int
}

func roundUp(n, quant int) int {
	if quant <= 0 {
		return n
	}
	return ((n + quant - 1) / quant) * quant
}

// Compile compiles one or more root expressions ("argument programs") into
// a shared Module. Each program gets its own contiguous register range
// sized by its static bound; emission failure on one program does not
// abort the others — it installs the Nop|Halt error sentinel and the
// first error encountered is returned.
func (c *Compiler) Compile(roots []*Expr) (*Module, error) {
	mod := &Module{}
	aliasTable := make(map[Var]int)
	lb := 0
	var firstErr error

	for _, root := range roots {
		bounds := boundsOf(root)
		ub := lb + bounds.Registers
		prog := &Program{LB: lb, UB: ub}
		alloc := newRegAlloc(lb, ub)

		destReg, _, _, err := emit(root, alloc, prog, mod, aliasTable)
		if err != nil {
			prog.Instructions = []Instruction{{Op: OpNop, Halt: true}}
			prog.Failed = true
			if firstErr == nil {
				firstErr = err
			}
		} else {
			prog.ResultReg = destReg
			if len(prog.Instructions) > 0 {
				last := &prog.Instructions[len(prog.Instructions)-1]
				last.Halt = true
				last.Return = true
			}
		}

		mod.Programs = append(mod.Programs, prog)
		lb = ub
	}

	mod.TotalRegisters = roundUp(lb, c.regPageQuant)
	instrTotal := 0
	for _, p := range mod.Programs {
		instrTotal += len(p.Instructions)
	}
	mod.TotalInstructions = roundUp(instrTotal, c.instrPageQuant)
	mod.TotalVariables = roundUp(len(mod.DataSlots), c.varPageQuant)

	return mod, firstErr
}

func internConst(mod *Module, v float64) int {
	idx := len(mod.DataSlots)
	mod.DataSlots = append(mod.DataSlots, DataSlot{Value: v})
	return idx
}

func internVar(mod *Module, aliasTable map[Var]int, h Var) int {
	if idx, ok := aliasTable[h]; ok {
		return idx
	}
	idx := len(mod.DataSlots)
	mod.DataSlots = append(mod.DataSlots, DataSlot{Handle: h})
	aliasTable[h] = idx
	return idx
}

func opcodeFor(k Kind) Opcode {
	switch k {
	case KindAdd:
		return OpAdd
	case KindSub:
		return OpSub
	case KindMul:
		return OpMul
	case KindDiv:
		return OpDiv
	default:
		return OpNop
	}
}

// emit recursively compiles e, returning its destination register and its
// const/volatile flags per spec.md section 4.F's propagation rules.
func emit(e *Expr, alloc *regAlloc, prog *Program, mod *Module, aliasTable map[Var]int) (destReg int, constFlag, volatileFlag bool, err error) {
	switch e.Kind {
	case KindConst:
		r, ok := alloc.getScratch()
		if !ok {
			return 0, false, false, ErrOutOfRegisters
		}
		slot := internConst(mod, e.ConstValue)
		prog.Instructions = append(prog.Instructions, Instruction{
			Op: OpMov, Dst: DstReg, DstReg: r, Src: SrcData, SrcData: slot, Const: true,
		})
		return r, true, false, nil

	case KindVar:
		r, ok := alloc.getScratch()
		if !ok {
			return 0, false, false, ErrOutOfRegisters
		}
		slot := internVar(mod, aliasTable, e.VarHandle)
		prog.Instructions = append(prog.Instructions, Instruction{
			Op: OpMov, Dst: DstReg, DstReg: r, Src: SrcData, SrcData: slot, Volatile: true,
		})
		return r, false, true, nil

	case KindPos:
		return emit(e.Left, alloc, prog, mod, aliasTable)

	case KindNeg:
		if e.Left.Kind == KindConst {
			folded := Const(foldNeg(e.Left.ConstValue))
			return emit(folded, alloc, prog, mod, aliasTable)
		}
		if e.Left.Kind == KindNeg {
			return emit(e.Left.Left, alloc, prog, mod, aliasTable)
		}
		r, c, v, err := emit(e.Left, alloc, prog, mod, aliasTable)
		if err != nil {
			return 0, false, false, err
		}
		prog.Instructions = append(prog.Instructions, Instruction{
			Op: OpNeg, Dst: DstReg, DstReg: r, Const: c, Volatile: v,
		})
		return r, c, v, nil

	case KindAdd, KindSub, KindMul, KindDiv:
		lReg, lc, lv, err := emit(e.Left, alloc, prog, mod, aliasTable)
		if err != nil {
			return 0, false, false, err
		}
		alloc.pushSubbranch()
		rReg, rc, rv, err := emit(e.Right, alloc, prog, mod, aliasTable)
		if err != nil {
			alloc.popSubbranch()
			return 0, false, false, err
		}
		constFlag := lc && rc && !lv && !rv
		volatileFlag := lv || rv
		prog.Instructions = append(prog.Instructions, Instruction{
			Op: opcodeFor(e.Kind), Dst: DstReg, DstReg: lReg, Src: SrcReg, SrcReg: rReg,
			Const: constFlag, Volatile: volatileFlag,
		})
		alloc.dropScratch(rReg)
		alloc.popSubbranch()
		return lReg, constFlag, volatileFlag, nil

	default:
		return 0, false, false, errors.New("expr: unknown node kind")
	}
}
