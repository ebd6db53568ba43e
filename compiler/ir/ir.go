// Package ir holds the scalar intermediate representation the backend
// consumes: typed virtual registers, register tuples, immediates and
// labeled basic blocks grouped into functions of a translation unit.
//
// The representation is scalar on purpose. Each instruction describes
// what a single lane computes; the backend widens it to the execution
// width during selection.
package ir

import (
	"tlog.app/go/errors"
	"tlog.app/go/tlog/tlwire"
)

type (
	// Reg is a virtual register index into the function register file.
	Reg uint16

	// Family is the storage class of a register.
	Family uint8

	// Type is a value type an instruction operates on.
	Type uint8

	// LabelIndex names a basic block.
	LabelIndex uint16

	// Tuple indexes the function tuple table.
	Tuple uint16

	// Imm indexes the function immediate table.
	Imm uint16

	// AddrSpace selects the memory an access goes to.
	AddrSpace uint8

	// ArgKind classifies a kernel argument.
	ArgKind uint8

	Immediate struct {
		Type Type
		Bits uint64
	}

	// PushLocation is a byte range of a kernel argument that is
	// preloaded into a register with the kernel payload.
	PushLocation struct {
		Arg    int
		Offset int
	}

	Arg struct {
		Name string
		Kind ArgKind
		Type Type
		Size int
	}

	// Instruction is one element of Block.Code. It holds one of the
	// instruction structs of this package by value.
	Instruction any

	Block struct {
		Index int
		Code  []Instruction

		Preds []int
		Succs []int
	}

	Function struct {
		Name string
		Unit *Unit

		Blocks  []*Block
		Args    []Arg
		Outputs []Reg

		// SimdWidth pins the execution width when non-zero.
		SimdWidth int
		UseSLM    bool

		file   []Family
		tuples [][]Reg
		imms   []Immediate
		labels []int

		push     map[Reg]PushLocation
		pushback map[PushLocation]Reg
	}

	Unit struct {
		Name        string
		PointerSize int

		Functions []*Function

		byName map[string]*Function
	}
)

const (
	FamilyBool Family = iota
	FamilyByte
	FamilyWord
	FamilyDWord
	FamilyFloat
	FamilyQWord
)

const (
	TypeBool Type = iota
	TypeS8
	TypeU8
	TypeS16
	TypeU16
	TypeS32
	TypeU32
	TypeS64
	TypeU64
	TypeF16
	TypeF32
	TypeF64
)

const (
	Global AddrSpace = iota
	Constant
	Local
)

const (
	ArgValue ArgKind = iota
	ArgStructure
	ArgGlobalPtr
	ArgConstantPtr
	ArgLocalPtr
)

// Special registers. Every function reserves them at the bottom of its
// register file. None of them is a legal destination except StackPtr.
const (
	RegLocalID0 Reg = iota
	RegLocalID1
	RegLocalID2
	RegGroupID0
	RegGroupID1
	RegGroupID2
	RegBlockIP
	RegStackPtr

	specialNum
)

// MaxReg bounds the register file, the tuple table, the immediate
// table and the label space of one function.
const MaxReg = 0xffff

var (
	ErrMalformed = errors.New("malformed ir")
	ErrLimit     = errors.New("resource limit")
)

var familySizes = [...]int{
	FamilyBool:  2,
	FamilyByte:  1,
	FamilyWord:  2,
	FamilyDWord: 4,
	FamilyFloat: 4,
	FamilyQWord: 8,
}

var familyNames = [...]string{
	FamilyBool:  "bool",
	FamilyByte:  "byte",
	FamilyWord:  "word",
	FamilyDWord: "dword",
	FamilyFloat: "float",
	FamilyQWord: "qword",
}

func (f Family) Size() int      { return familySizes[f] }
func (f Family) String() string { return familyNames[f] }

func (t Type) Family() Family {
	switch t {
	case TypeBool:
		return FamilyBool
	case TypeS8, TypeU8:
		return FamilyByte
	case TypeS16, TypeU16, TypeF16:
		return FamilyWord
	case TypeS32, TypeU32:
		return FamilyDWord
	case TypeF32:
		return FamilyFloat
	default:
		return FamilyQWord
	}
}

func (t Type) Float() bool {
	return t == TypeF16 || t == TypeF32 || t == TypeF64
}

func (t Type) Signed() bool {
	switch t {
	case TypeS8, TypeS16, TypeS32, TypeS64:
		return true
	}

	return false
}

func (t Type) Size() int { return t.Family().Size() }

func NewUnit(name string, ptrSize int) *Unit {
	return &Unit{
		Name:        name,
		PointerSize: ptrSize,
		byName:      map[string]*Function{},
	}
}

func (u *Unit) PointerFamily() Family {
	if u.PointerSize == 8 {
		return FamilyQWord
	}

	return FamilyDWord
}

func (u *Unit) NewFunction(name string) *Function {
	f := &Function{
		Name:     name,
		Unit:     u,
		push:     map[Reg]PushLocation{},
		pushback: map[PushLocation]Reg{},
	}

	ptr := u.PointerFamily()

	for r := Reg(0); r < specialNum; r++ {
		switch r {
		case RegBlockIP:
			f.file = append(f.file, FamilyWord)
		case RegStackPtr:
			f.file = append(f.file, ptr)
		default:
			f.file = append(f.file, FamilyDWord)
		}
	}

	u.Functions = append(u.Functions, f)
	u.byName[name] = f

	return f
}

func (u *Unit) Function(name string) *Function { return u.byName[name] }

func (f *Function) NewReg(fam Family) (Reg, error) {
	if len(f.file) >= MaxReg {
		return 0, errors.Wrap(ErrLimit, "registers in %v", f.Name)
	}

	f.file = append(f.file, fam)

	return Reg(len(f.file) - 1), nil
}

func (f *Function) RegNum() int { return len(f.file) }

func (f *Function) RegFamily(r Reg) Family { return f.file[r] }

func (f *Function) RegValid(r Reg) bool { return int(r) < len(f.file) }

func IsSpecial(r Reg) bool { return r < specialNum }

func (f *Function) NewTuple(regs ...Reg) (Tuple, error) {
	if len(f.tuples) >= MaxReg {
		return 0, errors.Wrap(ErrLimit, "tuples in %v", f.Name)
	}

	f.tuples = append(f.tuples, regs)

	return Tuple(len(f.tuples) - 1), nil
}

func (f *Function) TupleValid(t Tuple) bool { return int(t) < len(f.tuples) }

// TupleRegs returns the registers of the tuple. Callers must not
// modify the returned slice.
func (f *Function) TupleRegs(t Tuple) []Reg { return f.tuples[t] }

func (f *Function) NewImm(tp Type, bits uint64) (Imm, error) {
	if len(f.imms) >= MaxReg {
		return 0, errors.Wrap(ErrLimit, "immediates in %v", f.Name)
	}

	f.imms = append(f.imms, Immediate{Type: tp, Bits: bits})

	return Imm(len(f.imms) - 1), nil
}

func (f *Function) ImmValid(i Imm) bool { return int(i) < len(f.imms) }

func (f *Function) ImmValue(i Imm) Immediate { return f.imms[i] }

func (f *Function) NewLabel() (LabelIndex, error) {
	if len(f.labels) >= MaxReg {
		return 0, errors.Wrap(ErrLimit, "labels in %v", f.Name)
	}

	f.labels = append(f.labels, -1)

	return LabelIndex(len(f.labels) - 1), nil
}

func (f *Function) LabelNum() int { return len(f.labels) }

func (f *Function) LabelValid(l LabelIndex) bool { return int(l) < len(f.labels) }

// LabelBlock returns the index of the block the label is bound to,
// or -1 when the label was created but never placed.
func (f *Function) LabelBlock(l LabelIndex) int {
	if int(l) >= len(f.labels) {
		return -1
	}

	return f.labels[l]
}

func (f *Function) bindLabel(l LabelIndex, block int) { f.labels[l] = block }

// AppendBlock adds a block starting with the given unplaced label.
func (f *Function) AppendBlock(l LabelIndex) (*Block, error) {
	if !f.LabelValid(l) {
		return nil, errors.Wrap(ErrMalformed, "append block at unknown label L%d", l)
	}

	if f.LabelBlock(l) >= 0 {
		return nil, errors.Wrap(ErrMalformed, "label L%d placed twice", l)
	}

	b := &Block{Index: len(f.Blocks)}
	b.Code = append(b.Code, Label{Index: l})

	f.Blocks = append(f.Blocks, b)
	f.bindLabel(l, b.Index)

	return b, nil
}

// MarkPushed records that the given byte range of an argument is
// preloaded into r with the kernel payload. The mapping is kept
// bidirectional and must stay one-to-one.
func (f *Function) MarkPushed(r Reg, arg, offset int) error {
	loc := PushLocation{Arg: arg, Offset: offset}

	if old, ok := f.push[r]; ok && old != loc {
		return errors.Wrap(ErrMalformed, "register %v pushed twice", r)
	}

	if old, ok := f.pushback[loc]; ok && old != r {
		return errors.Wrap(ErrMalformed, "arg %v offset %v pushed twice", arg, offset)
	}

	f.push[r] = loc
	f.pushback[loc] = r

	return nil
}

func (f *Function) PushedLocation(r Reg) (PushLocation, bool) {
	loc, ok := f.push[r]
	return loc, ok
}

func (f *Function) PushedReg(arg, offset int) (Reg, bool) {
	r, ok := f.pushback[PushLocation{Arg: arg, Offset: offset}]
	return r, ok
}

func (f *Function) RangePushed(fn func(r Reg, loc PushLocation) bool) {
	for r, loc := range f.push {
		if !fn(r, loc) {
			return
		}
	}
}

func (b *Block) Label() LabelIndex {
	l, _ := b.Code[0].(Label)
	return l.Index
}

func (b *Block) Last() Instruction {
	if len(b.Code) == 0 {
		return nil
	}

	return b.Code[len(b.Code)-1]
}

func (r Reg) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendInt(b, int(r))
}

func (l LabelIndex) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 1)
	b = e.AppendKeyInt(b, "L", int(l))

	return b
}
