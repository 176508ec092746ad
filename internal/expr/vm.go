package expr

import "errors"

// Opcode is a micro-instruction's operation, per spec.md section 3's
// "Micro-instruction" record.
type Opcode uint8

const (
	OpMov Opcode = iota
	OpNeg
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpNop // error sentinel when paired with the Halt flag
)

// DstKind tags an instruction's destination: either none, or a register.
type DstKind uint8

const (
	DstNone DstKind = iota
	DstReg
)

// SrcKind tags an instruction's source operand.
type SrcKind uint8

const (
	SrcNone SrcKind = iota
	SrcReg
	SrcData
	SrcImm
)

// Instruction is one micro-instruction. A program is a contiguous sequence
// of these terminated by one bearing the Return flag; a Halt flag on a Nop
// marks compile failure, per spec.md section 3.
type Instruction struct {
	Op Opcode

	Dst    DstKind
	DstReg int

	Src     SrcKind
	SrcReg  int
	SrcData int
	SrcImm  float64

	Const    bool
	Volatile bool
	Halt     bool
	Return   bool
}

// DataSlot is an entry in the compiler's data register table: either a
// fixed constant or an alias to a runtime variable handle that must be
// re-read on every execution (Volatile).
type DataSlot struct {
	Value  float64
	Handle Var
}

func (d DataSlot) read() float64 {
	if d.Handle != nil {
		return *d.Handle
	}
	return d.Value
}

// ErrCompileFailed is returned by Eval when the program's bytecode is the
// Nop|Halt error sentinel left behind by a failed compilation.
var ErrCompileFailed = errors.New("expr: program failed to compile")

// Program is one compiled argument: a register range, a result register,
// and the bytecode that computes it.
type Program struct {
	Instructions []Instruction
	ResultReg    int
	LB, UB       int // register range this program owns within the module's register file
	Failed       bool
}

// Eval executes the program's bytecode against the given data slots and a
// scratch register file sized to at least p.UB. It returns the scalar
// value the leaf node should replicate across its output vector.
func (p *Program) Eval(dataSlots []DataSlot, registers []float64) (float64, error) {
	if p.Failed {
		return 0, ErrCompileFailed
	}
	for _, instr := range p.Instructions {
		switch instr.Op {
		case OpMov:
			registers[instr.DstReg] = p.readSource(instr, dataSlots, registers)
		case OpNeg:
			registers[instr.DstReg] = -registers[instr.DstReg]
		case OpAdd:
			registers[instr.DstReg] += registers[instr.SrcReg]
		case OpSub:
			registers[instr.DstReg] -= registers[instr.SrcReg]
		case OpMul:
			registers[instr.DstReg] *= registers[instr.SrcReg]
		case OpDiv:
			registers[instr.DstReg] /= registers[instr.SrcReg]
		case OpNop:
			if instr.Halt {
				return 0, ErrCompileFailed
			}
		}
		if instr.Halt || instr.Return {
			break
		}
	}
	return registers[p.ResultReg], nil
}

func (p *Program) readSource(instr Instruction, dataSlots []DataSlot, registers []float64) float64 {
	switch instr.Src {
	case SrcReg:
		return registers[instr.SrcReg]
	case SrcData:
		return dataSlots[instr.SrcData].read()
	case SrcImm:
		return instr.SrcImm
	default:
		return 0
	}
}
