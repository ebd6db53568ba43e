// Package sel defines the selection IR: machine-shaped instructions
// over virtual registers, produced from scalar ir by a one-to-many
// lowering. Instructions carry the execution state (width, mask,
// predication, flags) the encoder will need, registers carry region
// and modifier info, and register vectors record contiguity
// constraints for the allocator.
package sel

import (
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/tlog/tlwire"

	"github.com/simtlang/simt/compiler/ir"
)

type (
	Op uint8

	RegFile uint8

	DataType uint8

	Pred uint8

	// Reg is a selection operand: a virtual or physical register,
	// an immediate, a flag, the accumulator or null, with region
	// and modifier info.
	Reg struct {
		File  RegFile
		Index ir.Reg

		Nr       uint8
		SubNr    uint8
		Physical bool

		Type DataType

		VStride uint8
		Width   uint8
		HStride uint8

		Neg bool
		Abs bool

		Imm uint64
	}

	// State is the execution state an instruction issues under.
	State struct {
		ExecWidth uint8
		Quarter   uint8
		NoMask    bool

		Predicate Pred
		Inverse   bool

		// Flag is either a virtual boolean register or a physical
		// flag nr/sub pair.
		PhysicalFlag bool
		FlagNr       uint8
		FlagSub      uint8
		FlagIndex    ir.Reg

		AccWrEnable bool
	}

	Instr struct {
		Op    Op
		State State

		Dst [MaxDst]Reg
		Src [MaxSrc]Reg

		DstNum int
		SrcNum int

		// Function is the message bti, the compare condition, the
		// math function or the fence mask, depending on Op.
		Function uint8

		// Elem is the value count of a message.
		Elem uint8

		// Index is the branch target or the label opened.
		Index ir.LabelIndex
	}

	// Vector records that the instruction needs the listed virtual
	// registers laid out contiguously, as sources or destinations.
	Vector struct {
		Insn  *Instr
		Regs  []ir.Reg
		IsSrc bool
	}

	Block struct {
		BB *ir.Block

		Insns   []*Instr
		Vectors []*Vector

		// Tmp lists registers selection invented for this block.
		Tmp []ir.Reg
	}

	// Selection owns the lowered blocks and the extended register
	// file (the scalar ir file plus selection temporaries).
	Selection struct {
		Fn     *ir.Function
		Blocks []*Block

		file []ir.Family
	}
)

const (
	MaxDst = 4
	MaxSrc = 6

	// MaxVectorRegs bounds a contiguity constraint.
	MaxVectorRegs = 7
)

const (
	FileGRF RegFile = iota
	FileFlag
	FileAcc
	FileNull
	FileImm
)

const (
	TypeUD DataType = iota
	TypeD
	TypeUW
	TypeW
	TypeUB
	TypeB
	TypeF
	TypeHF
	TypeUQ
	TypeQ
	TypeDF
)

const (
	PredNone Pred = iota
	PredNormal
	PredAny
	PredAll
)

const (
	OpMov Op = iota
	OpSel
	OpNot
	OpAnd
	OpOr
	OpXor
	OpShr
	OpShl
	OpAsr
	OpAdd
	OpMul
	OpMach
	OpFrc
	OpRndd
	OpRndu
	OpRnde
	OpRndz
	OpCmp
	OpMath
	OpJmpi
	OpLabel
	OpUntypedRead
	OpUntypedWrite
	OpByteGather
	OpByteScatter
	OpBarrier
	OpWait
	OpEot
	OpNop

	opNum
)

// Math function codes carried in Instr.Function.
const (
	MathRcp uint8 = iota + 1
	MathLog
	MathSqrt
	MathRsq
	MathSin
	MathCos
	MathPow
	MathIntDiv
	MathIntRem
	MathFDiv
)

// Compare conditions carried in Instr.Function.
const (
	CondEQ uint8 = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
)

// Surface binding table indices.
const (
	BTIGlobal   uint8 = 0x01
	BTIConstant uint8 = 0x02
	BTILocal    uint8 = 0xfe
)

var opNames = [...]string{
	OpMov: "mov", OpSel: "sel", OpNot: "not", OpAnd: "and", OpOr: "or",
	OpXor: "xor", OpShr: "shr", OpShl: "shl", OpAsr: "asr", OpAdd: "add",
	OpMul: "mul", OpMach: "mach", OpFrc: "frc", OpRndd: "rndd",
	OpRndu: "rndu", OpRnde: "rnde", OpRndz: "rndz", OpCmp: "cmp",
	OpMath: "math", OpJmpi: "jmpi", OpLabel: "label",
	OpUntypedRead: "untyped_read", OpUntypedWrite: "untyped_write",
	OpByteGather: "byte_gather", OpByteScatter: "byte_scatter",
	OpBarrier: "barrier", OpWait: "wait", OpEot: "eot", OpNop: "nop",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}

	return fmt.Sprintf("op%d", int(op))
}

// IsRead reports whether the instruction reads memory.
func (i *Instr) IsRead() bool {
	return i.Op == OpUntypedRead || i.Op == OpByteGather
}

// IsWrite reports whether the instruction writes memory.
func (i *Instr) IsWrite() bool {
	return i.Op == OpUntypedWrite || i.Op == OpByteScatter
}

func (i *Instr) IsBranch() bool { return i.Op == OpJmpi }

func (i *Instr) IsLabel() bool { return i.Op == OpLabel }

func (i *Instr) Dsts() []Reg { return i.Dst[:i.DstNum] }

func (i *Instr) Srcs() []Reg { return i.Src[:i.SrcNum] }

// ReplaceReg substitutes virtual register from with to in all
// operands. Vectors referencing the instruction are not touched.
func (i *Instr) ReplaceReg(from, to ir.Reg) {
	for j := 0; j < i.DstNum; j++ {
		if i.Dst[j].File == FileGRF && !i.Dst[j].Physical && i.Dst[j].Index == from {
			i.Dst[j].Index = to
		}
	}

	for j := 0; j < i.SrcNum; j++ {
		if i.Src[j].File == FileGRF && !i.Src[j].Physical && i.Src[j].Index == from {
			i.Src[j].Index = to
		}
	}
}

func NewSelection(fn *ir.Function) *Selection {
	s := &Selection{Fn: fn}

	s.file = make([]ir.Family, fn.RegNum())
	for r := 0; r < fn.RegNum(); r++ {
		s.file[r] = fn.RegFamily(ir.Reg(r))
	}

	return s
}

// NewTemp adds a selection temporary to the extended register file.
func (s *Selection) NewTemp(fam ir.Family) (ir.Reg, error) {
	if len(s.file) >= ir.MaxReg {
		return 0, errors.Wrap(ir.ErrLimit, "selection temporaries in %v", s.Fn.Name)
	}

	s.file = append(s.file, fam)

	return ir.Reg(len(s.file) - 1), nil
}

func (s *Selection) RegNum() int { return len(s.file) }

func (s *Selection) RegFamily(r ir.Reg) ir.Family { return s.file[r] }

// VectorNum counts the contiguity constraints across all blocks.
func (s *Selection) VectorNum() (n int) {
	for _, b := range s.Blocks {
		n += len(b.Vectors)
	}

	return n
}

// LargestBlock returns the instruction count of the biggest block.
func (s *Selection) LargestBlock() (n int) {
	for _, b := range s.Blocks {
		if len(b.Insns) > n {
			n = len(b.Insns)
		}
	}

	return n
}

func (b *Block) append(i *Instr) *Instr {
	b.Insns = append(b.Insns, i)
	return i
}

// AppendVector attaches a contiguity constraint to the instruction.
func (b *Block) AppendVector(i *Instr, regs []ir.Reg, isSrc bool) (*Vector, error) {
	if len(regs) > MaxVectorRegs {
		return nil, errors.Wrap(ir.ErrMalformed, "vector of %v registers", len(regs))
	}

	v := &Vector{Insn: i, Regs: regs, IsSrc: isSrc}
	b.Vectors = append(b.Vectors, v)

	return v, nil
}

// GRF operand helpers.

// GRFVec is a full-width register operand.
func GRFVec(r ir.Reg, t DataType) Reg {
	return Reg{File: FileGRF, Index: r, Type: t, VStride: 8, Width: 8, HStride: 1}
}

// GRFScalar is a broadcast scalar operand.
func GRFScalar(r ir.Reg, t DataType) Reg {
	return Reg{File: FileGRF, Index: r, Type: t, VStride: 0, Width: 1, HStride: 0}
}

func FlagReg(r ir.Reg) Reg {
	return Reg{File: FileFlag, Index: r, Type: TypeUW, Width: 1}
}

func PhysFlag(nr, sub uint8) Reg {
	return Reg{File: FileFlag, Physical: true, Nr: nr, SubNr: sub, Type: TypeUW, Width: 1}
}

func Acc(t DataType) Reg {
	return Reg{File: FileAcc, Type: t, VStride: 8, Width: 8, HStride: 1}
}

func Null() Reg { return Reg{File: FileNull} }

func ImmUD(v uint32) Reg { return Reg{File: FileImm, Type: TypeUD, Imm: uint64(v)} }
func ImmD(v int32) Reg   { return Reg{File: FileImm, Type: TypeD, Imm: uint64(uint32(v))} }
func ImmUW(v uint16) Reg { return Reg{File: FileImm, Type: TypeUW, Imm: uint64(v)} }
func ImmW(v int16) Reg   { return Reg{File: FileImm, Type: TypeW, Imm: uint64(uint16(v))} }
func ImmF(bits uint32) Reg {
	return Reg{File: FileImm, Type: TypeF, Imm: uint64(bits)}
}
func ImmUQ(v uint64) Reg { return Reg{File: FileImm, Type: TypeUQ, Imm: v} }
func ImmQ(v int64) Reg   { return Reg{File: FileImm, Type: TypeQ, Imm: uint64(v)} }
func ImmDF(bits uint64) Reg {
	return Reg{File: FileImm, Type: TypeDF, Imm: bits}
}

func (r Reg) Negate() Reg { r.Neg = !r.Neg; return r }

func (r Reg) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	switch r.File {
	case FileImm:
		b = e.AppendMap(b, 1)
		b = e.AppendKeyInt(b, "imm", int(r.Imm))
	case FileNull:
		b = e.AppendFormat(b, "null")
	case FileAcc:
		b = e.AppendFormat(b, "acc")
	case FileFlag:
		if r.Physical {
			b = e.AppendFormat(b, "f%d.%d", r.Nr, r.SubNr)
		} else {
			b = e.AppendFormat(b, "fv%d", r.Index)
		}
	default:
		if r.Physical {
			b = e.AppendFormat(b, "g%d.%d", r.Nr, r.SubNr)
		} else {
			b = e.AppendFormat(b, "v%d", r.Index)
		}
	}

	return b
}
