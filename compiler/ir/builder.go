package ir

import "tlog.app/go/errors"

// Builder is the construction surface the upstream lowering uses to
// produce a function. The first error sticks: later calls become
// no-ops and Function returns it, so call sites stay linear.
type Builder struct {
	f   *Function
	cur *Block
	err error
}

func Build(u *Unit, name string) *Builder {
	return &Builder{f: u.NewFunction(name)}
}

// Function closes the builder and returns the constructed function
// or the first error hit while building it.
func (b *Builder) Function() (*Function, error) {
	if b.err != nil {
		return nil, b.err
	}

	if b.cur != nil {
		return nil, errors.Wrap(ErrMalformed, "%v: open block at end of function", b.f.Name)
	}

	b.f.ComputeCFG()

	return b.f, nil
}

func (b *Builder) Err() error { return b.err }

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) Reg(fam Family) Reg {
	r, err := b.f.NewReg(fam)
	if err != nil {
		b.fail(err)
	}

	return r
}

func (b *Builder) Label() LabelIndex {
	l, err := b.f.NewLabel()
	if err != nil {
		b.fail(err)
	}

	return l
}

func (b *Builder) Tuple(regs ...Reg) Tuple {
	t, err := b.f.NewTuple(regs...)
	if err != nil {
		b.fail(err)
	}

	return t
}

func (b *Builder) Imm(tp Type, bits uint64) Imm {
	i, err := b.f.NewImm(tp, bits)
	if err != nil {
		b.fail(err)
	}

	return i
}

func (b *Builder) Arg(name string, kind ArgKind, tp Type, size int) int {
	b.f.Args = append(b.f.Args, Arg{Name: name, Kind: kind, Type: tp, Size: size})

	return len(b.f.Args) - 1
}

func (b *Builder) Pushed(r Reg, arg, offset int) {
	err := b.f.MarkPushed(r, arg, offset)
	if err != nil {
		b.fail(err)
	}
}

// StartBlock opens the block the label names. An open previous block
// is closed with an explicit fallthrough branch.
func (b *Builder) StartBlock(l LabelIndex) {
	if b.err != nil {
		return
	}

	if b.cur != nil {
		b.emit(Branch{Target: l})
	}

	blk, err := b.f.AppendBlock(l)
	if err != nil {
		b.fail(err)
		return
	}

	b.cur = blk
}

func (b *Builder) emit(x Instruction) {
	if b.err != nil {
		return
	}

	if b.cur == nil {
		b.fail(errors.Wrap(ErrMalformed, "%v: instruction outside of a block", b.f.Name))
		return
	}

	b.cur.Code = append(b.cur.Code, x)

	if Terminates(x) {
		b.cur = nil
	}
}

func (b *Builder) Mov(tp Type, dst, src Reg)  { b.emit(Unary{Op: OpMov, Type: tp, Dst: dst, Src: src}) }
func (b *Builder) Unop(op Opcode, tp Type, dst, src Reg) {
	b.emit(Unary{Op: op, Type: tp, Dst: dst, Src: src})
}

func (b *Builder) Binop(op Opcode, tp Type, dst, src0, src1 Reg) {
	b.emit(Binary{Op: op, Type: tp, Dst: dst, Src0: src0, Src1: src1})
}

func (b *Builder) Cmp(op Opcode, tp Type, dst, src0, src1 Reg) {
	b.emit(Compare{Op: op, Type: tp, Dst: dst, Src0: src0, Src1: src1})
}

func (b *Builder) Cvt(dt, st Type, dst, src Reg) {
	b.emit(Convert{DstType: dt, SrcType: st, Dst: dst, Src: src})
}

func (b *Builder) Sel(tp Type, dst, pred, src0, src1 Reg) {
	b.emit(Select{Type: tp, Dst: dst, Srcs: b.Tuple(pred, src0, src1)})
}

func (b *Builder) Load(tp Type, space AddrSpace, offset Reg, aligned bool, dst ...Reg) {
	b.emit(Load{
		Type: tp, Dst: b.Tuple(dst...), Offset: offset,
		Space: space, ValueNum: len(dst), DWAligned: aligned,
	})
}

func (b *Builder) Store(tp Type, space AddrSpace, offset Reg, aligned bool, src ...Reg) {
	b.emit(Store{
		Type: tp, Src: b.Tuple(src...), Offset: offset,
		Space: space, ValueNum: len(src), DWAligned: aligned,
	})
}

func (b *Builder) LoadImm(tp Type, dst Reg, bits uint64) {
	b.emit(LoadImm{Type: tp, Dst: dst, Value: b.Imm(tp, bits)})
}

func (b *Builder) Bra(l LabelIndex) { b.emit(Branch{Target: l}) }

func (b *Builder) BraIf(l LabelIndex, pred Reg) {
	b.emit(Branch{Target: l, Pred: pred, Conditional: true})
}

func (b *Builder) Ret() { b.emit(Ret{}) }

func (b *Builder) Sync(mask uint32) { b.emit(Sync{Mask: mask}) }
