package ir

import "fmt"

type (
	Opcode uint8

	// Unary computes Dst = Op(Src). Mov and Abs accept any type,
	// the rest are float only.
	Unary struct {
		Op   Opcode
		Type Type
		Dst  Reg
		Src  Reg
	}

	// Binary computes Dst = Op(Src0, Src1).
	Binary struct {
		Op   Opcode
		Type Type
		Dst  Reg
		Src0 Reg
		Src1 Reg
	}

	// Compare computes a boolean Dst from two sources of Type.
	Compare struct {
		Op   Opcode
		Type Type
		Dst  Reg
		Src0 Reg
		Src1 Reg
	}

	// Convert reinterprets or converts Src of SrcType into Dst of DstType.
	Convert struct {
		DstType Type
		SrcType Type
		Dst     Reg
		Src     Reg
	}

	// Select picks per lane between slots 1 and 2 of Srcs by the
	// boolean predicate in slot 0.
	Select struct {
		Type Type
		Dst  Reg
		Srcs Tuple
	}

	// Load reads ValueNum values of Type from Space at the address in
	// Offset into the registers of Dst.
	Load struct {
		Type      Type
		Dst       Tuple
		Offset    Reg
		Space     AddrSpace
		ValueNum  int
		DWAligned bool
	}

	// Store writes the registers of Src to Space at the address in Offset.
	Store struct {
		Type      Type
		Src       Tuple
		Offset    Reg
		Space     AddrSpace
		ValueNum  int
		DWAligned bool
	}

	// LoadImm materializes an immediate table entry into Dst.
	LoadImm struct {
		Type  Type
		Dst   Reg
		Value Imm
	}

	// Branch transfers control to Target, for the lanes where Pred
	// holds when Conditional is set.
	Branch struct {
		Target      LabelIndex
		Pred        Reg
		Conditional bool
	}

	Ret struct{}

	// Sync is a fence/barrier. Mask is a non-empty set of SyncXXX bits.
	Sync struct {
		Mask uint32
	}

	// Label opens a basic block. It is always the first instruction
	// of its block and appears nowhere else.
	Label struct {
		Index LabelIndex
	}
)

const (
	OpMov Opcode = iota
	OpAbs
	OpCos
	OpSin
	OpLog
	OpSqrt
	OpRsq
	OpRcp
	OpRndd
	OpRnde
	OpRndu
	OpRndz

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpShl
	OpShr
	OpAsr
	OpAnd
	OpOr
	OpXor
	OpPow

	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe

	opcodeNum
)

// Sync mask bits. A Sync instruction carries at least one of them.
const (
	SyncWorkgroup uint32 = 1 << iota
	SyncLocalRead
	SyncLocalWrite
	SyncGlobalRead
	SyncGlobalWrite

	SyncMax = 1<<5 - 1
)

var opcodeNames = [...]string{
	OpMov: "mov", OpAbs: "abs", OpCos: "cos", OpSin: "sin",
	OpLog: "log", OpSqrt: "sqrt", OpRsq: "rsq", OpRcp: "rcp",
	OpRndd: "rndd", OpRnde: "rnde", OpRndu: "rndu", OpRndz: "rndz",

	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div",
	OpRem: "rem", OpShl: "shl", OpShr: "shr", OpAsr: "asr",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpPow: "pow",

	OpEq: "eq", OpNe: "ne", OpLt: "lt", OpLe: "le", OpGt: "gt", OpGe: "ge",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}

	return fmt.Sprintf("op%d", int(op))
}

// FloatOnly reports whether the unary opcode is restricted to float types.
func (op Opcode) FloatOnly() bool {
	return op >= OpCos && op <= OpRndz
}

// Commutes reports whether the binary opcode allows swapping sources.
func (op Opcode) Commutes() bool {
	switch op {
	case OpAdd, OpMul, OpAnd, OpOr, OpXor:
		return true
	}

	return false
}

// Sources returns the registers the instruction reads, in operand order.
func Sources(f *Function, x Instruction) []Reg {
	switch x := x.(type) {
	case Unary:
		return []Reg{x.Src}
	case Binary:
		return []Reg{x.Src0, x.Src1}
	case Compare:
		return []Reg{x.Src0, x.Src1}
	case Convert:
		return []Reg{x.Src}
	case Select:
		return f.TupleRegs(x.Srcs)
	case Load:
		return []Reg{x.Offset}
	case Store:
		return append([]Reg{x.Offset}, f.TupleRegs(x.Src)...)
	case Branch:
		if x.Conditional {
			return []Reg{x.Pred}
		}

		return nil
	default:
		return nil
	}
}

// Destinations returns the registers the instruction writes.
func Destinations(f *Function, x Instruction) []Reg {
	switch x := x.(type) {
	case Unary:
		return []Reg{x.Dst}
	case Binary:
		return []Reg{x.Dst}
	case Compare:
		return []Reg{x.Dst}
	case Convert:
		return []Reg{x.Dst}
	case Select:
		return []Reg{x.Dst}
	case Load:
		return f.TupleRegs(x.Dst)
	case LoadImm:
		return []Reg{x.Dst}
	default:
		return nil
	}
}

// SideEffect reports whether the instruction must not be removed or
// reordered across other side-effecting instructions.
func SideEffect(x Instruction) bool {
	switch x.(type) {
	case Store, Sync:
		return true
	}

	return false
}

// Terminates reports whether the instruction legally ends a block.
func Terminates(x Instruction) bool {
	switch x.(type) {
	case Branch, Ret:
		return true
	}

	return false
}

// Format renders the instruction for stage dumps.
func Format(f *Function, x Instruction) string {
	switch x := x.(type) {
	case Unary:
		return fmt.Sprintf("%v.%d r%d, r%d", x.Op, x.Type, x.Dst, x.Src)
	case Binary:
		return fmt.Sprintf("%v.%d r%d, r%d, r%d", x.Op, x.Type, x.Dst, x.Src0, x.Src1)
	case Compare:
		return fmt.Sprintf("%v.%d r%d, r%d, r%d", x.Op, x.Type, x.Dst, x.Src0, x.Src1)
	case Convert:
		return fmt.Sprintf("cvt.%d.%d r%d, r%d", x.DstType, x.SrcType, x.Dst, x.Src)
	case Select:
		return fmt.Sprintf("sel.%d r%d, %v", x.Type, x.Dst, f.TupleRegs(x.Srcs))
	case Load:
		return fmt.Sprintf("load.%d.%d %v, [r%d]", x.Space, x.ValueNum, f.TupleRegs(x.Dst), x.Offset)
	case Store:
		return fmt.Sprintf("store.%d.%d [r%d], %v", x.Space, x.ValueNum, x.Offset, f.TupleRegs(x.Src))
	case LoadImm:
		return fmt.Sprintf("loadi.%d r%d, #%d", x.Type, x.Dst, x.Value)
	case Branch:
		if x.Conditional {
			return fmt.Sprintf("bra L%d ? r%d", x.Target, x.Pred)
		}

		return fmt.Sprintf("bra L%d", x.Target)
	case Ret:
		return "ret"
	case Sync:
		return fmt.Sprintf("sync %#x", x.Mask)
	case Label:
		return fmt.Sprintf("L%d:", x.Index)
	default:
		return fmt.Sprintf("%+v", x)
	}
}
