package ir

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// MaxLoadNum bounds the number of values one Load or Store moves.
const MaxLoadNum = 4

// Validate checks the function against the structural rules the rest
// of the backend relies on. Violations come back wrapped over
// ErrMalformed or ErrLimit with the offending construct named.
func Validate(ctx context.Context, f *Function) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "ir_validate", "func", f.Name)
	defer tr.Finish("err", &err)

	_ = ctx

	if len(f.Blocks) == 0 {
		return errors.Wrap(ErrMalformed, "%v: no blocks", f.Name)
	}

	if w := f.SimdWidth; w != 0 && w != 8 && w != 16 {
		return errors.Wrap(ErrMalformed, "%v: simd width %v", f.Name, w)
	}

	for i, b := range f.Blocks {
		err = f.checkBlock(i, b)
		if err != nil {
			return errors.Wrap(err, "%v: block %v", f.Name, i)
		}
	}

	return nil
}

func (f *Function) checkBlock(i int, b *Block) error {
	if len(b.Code) == 0 {
		return errors.Wrap(ErrMalformed, "empty block")
	}

	l, ok := b.Code[0].(Label)
	if !ok {
		return errors.Wrap(ErrMalformed, "does not start with a label")
	}

	if f.LabelBlock(l.Index) != i {
		return errors.Wrap(ErrMalformed, "label L%d bound to block %v", l.Index, f.LabelBlock(l.Index))
	}

	if !Terminates(b.Last()) {
		return errors.Wrap(ErrMalformed, "does not end with a branch")
	}

	for j, x := range b.Code {
		if j != 0 {
			if _, ok := x.(Label); ok {
				return errors.Wrap(ErrMalformed, "insn %v: label inside block", j)
			}
		}

		if j != len(b.Code)-1 && Terminates(x) {
			return errors.Wrap(ErrMalformed, "insn %v: branch inside block", j)
		}

		err := f.checkInsn(x)
		if err != nil {
			return errors.Wrap(err, "insn %v (%v)", j, Format(f, x))
		}
	}

	return nil
}

func (f *Function) checkInsn(x Instruction) error {
	switch x := x.(type) {
	case Unary:
		if x.Op > OpRndz {
			return errors.Wrap(ErrMalformed, "opcode %v is not unary", x.Op)
		}

		if x.Op.FloatOnly() && !x.Type.Float() {
			return errors.Wrap(ErrMalformed, "%v on non-float type", x.Op)
		}

		fam := x.Type.Family()

		return first(f.checkDst(x.Dst, fam), f.checkSrc(x.Src, fam))
	case Binary:
		if x.Op < OpAdd || x.Op > OpPow {
			return errors.Wrap(ErrMalformed, "opcode %v is not binary", x.Op)
		}

		err := f.checkBinaryType(x.Op, x.Type)
		if err != nil {
			return err
		}

		fam := x.Type.Family()

		return first(f.checkDst(x.Dst, fam), f.checkSrc(x.Src0, fam), f.checkSrc(x.Src1, fam))
	case Compare:
		if x.Op < OpEq || x.Op > OpGe {
			return errors.Wrap(ErrMalformed, "opcode %v is not a comparison", x.Op)
		}

		fam := x.Type.Family()

		return first(f.checkDst(x.Dst, FamilyBool), f.checkSrc(x.Src0, fam), f.checkSrc(x.Src1, fam))
	case Convert:
		return first(f.checkDst(x.Dst, x.DstType.Family()), f.checkSrc(x.Src, x.SrcType.Family()))
	case Select:
		if !f.TupleValid(x.Srcs) {
			return errors.Wrap(ErrMalformed, "tuple %v out of range", x.Srcs)
		}

		regs := f.TupleRegs(x.Srcs)
		if len(regs) != 3 {
			return errors.Wrap(ErrMalformed, "select takes 3 sources, got %v", len(regs))
		}

		fam := x.Type.Family()

		return first(
			f.checkDst(x.Dst, fam),
			f.checkSrc(regs[0], FamilyBool),
			f.checkSrc(regs[1], fam),
			f.checkSrc(regs[2], fam),
		)
	case Load:
		return f.checkAccess(x.Dst, x.Offset, x.Space, x.ValueNum, x.Type, true)
	case Store:
		return f.checkAccess(x.Src, x.Offset, x.Space, x.ValueNum, x.Type, false)
	case LoadImm:
		if !f.ImmValid(x.Value) {
			return errors.Wrap(ErrMalformed, "immediate %v out of range", x.Value)
		}

		if got := f.ImmValue(x.Value).Type.Family(); got != x.Type.Family() {
			return errors.Wrap(ErrMalformed, "immediate family %v, insn family %v", got, x.Type.Family())
		}

		return f.checkDst(x.Dst, x.Type.Family())
	case Branch:
		if !f.LabelValid(x.Target) || f.LabelBlock(x.Target) < 0 {
			return errors.Wrap(ErrMalformed, "branch to unbound label L%d", x.Target)
		}

		if x.Conditional {
			return f.checkSrc(x.Pred, FamilyBool)
		}

		return nil
	case Ret:
		return nil
	case Sync:
		if x.Mask == 0 || x.Mask > SyncMax {
			return errors.Wrap(ErrMalformed, "sync mask %#x", x.Mask)
		}

		return nil
	case Label:
		return nil
	default:
		return errors.Wrap(ErrMalformed, "unknown instruction %T", x)
	}
}

func (f *Function) checkBinaryType(op Opcode, tp Type) error {
	switch op {
	case OpAnd, OpOr, OpXor:
		return nil
	case OpPow:
		if !tp.Float() {
			return errors.Wrap(ErrMalformed, "%v on non-float type", op)
		}
	case OpShl, OpShr, OpAsr:
		if tp.Float() || tp == TypeBool {
			return errors.Wrap(ErrMalformed, "%v on non-integer type", op)
		}
	default:
		if tp == TypeBool {
			return errors.Wrap(ErrMalformed, "%v on bool", op)
		}
	}

	return nil
}

func (f *Function) checkAccess(t Tuple, offset Reg, space AddrSpace, num int, tp Type, write bool) error {
	if space > Local {
		return errors.Wrap(ErrMalformed, "address space %v", space)
	}

	if num < 1 || num > MaxLoadNum {
		return errors.Wrap(ErrMalformed, "value count %v", num)
	}

	if !f.TupleValid(t) {
		return errors.Wrap(ErrMalformed, "tuple %v out of range", t)
	}

	regs := f.TupleRegs(t)
	if len(regs) != num {
		return errors.Wrap(ErrMalformed, "tuple of %v registers, value count %v", len(regs), num)
	}

	fam := tp.Family()

	for _, r := range regs {
		var err error
		if write {
			err = f.checkDst(r, fam)
		} else {
			err = f.checkSrc(r, fam)
		}

		if err != nil {
			return err
		}
	}

	return f.checkSrc(offset, f.Unit.PointerFamily())
}

func (f *Function) checkDst(r Reg, fam Family) error {
	if !f.RegValid(r) {
		return errors.Wrap(ErrMalformed, "register r%d out of range", r)
	}

	if IsSpecial(r) && r != RegStackPtr {
		return errors.Wrap(ErrMalformed, "special register r%d written", r)
	}

	if got := f.RegFamily(r); got != fam {
		return errors.Wrap(ErrMalformed, "register r%d family %v, want %v", r, got, fam)
	}

	return nil
}

func (f *Function) checkSrc(r Reg, fam Family) error {
	if !f.RegValid(r) {
		return errors.Wrap(ErrMalformed, "register r%d out of range", r)
	}

	if got := f.RegFamily(r); got != fam {
		return errors.Wrap(ErrMalformed, "register r%d family %v, want %v", r, got, fam)
	}

	return nil
}

func first(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}
