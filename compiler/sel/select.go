package sel

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/simtlang/simt/compiler/ir"
)

// ErrUnsupported marks a construct the target cannot express.
var ErrUnsupported = errors.New("unsupported construct")

// Params configures one selection run.
type Params struct {
	Width int

	// Join maps each label needing a join-point guard to the label
	// control skips to when no lane enters the block.
	Join map[ir.LabelIndex]ir.LabelIndex
}

type selector struct {
	s  *Selection
	fn *ir.Function

	width int
	join  map[ir.LabelIndex]ir.LabelIndex

	blk *Block
	cur *ir.Block
}

// Select lowers the function into selection IR at the given width.
// One scalar instruction expands into one or more machine-shaped
// instructions; contiguity constraints and temporaries are recorded
// on the blocks as they appear.
func Select(ctx context.Context, fn *ir.Function, p Params) (s *Selection, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "select", "func", fn.Name, "width", p.Width)
	defer tr.Finish("err", &err)

	_ = ctx

	g := &selector{
		s:     NewSelection(fn),
		fn:    fn,
		width: p.Width,
		join:  p.Join,
	}

	for i, bb := range fn.Blocks {
		g.blk = &Block{BB: bb}
		g.cur = bb
		g.s.Blocks = append(g.s.Blocks, g.blk)

		for j, x := range bb.Code {
			err = g.insn(x)
			if err != nil {
				return nil, errors.Wrap(err, "block %v insn %v (%v)", i, j, ir.Format(fn, x))
			}
		}
	}

	if tr.If("dump_sel") {
		tr.Printw("selection", "func", fn.Name, "dump", g.s.Dump())
	}

	return g.s, nil
}

func (g *selector) st() State {
	return State{ExecWidth: uint8(g.width)}
}

func (g *selector) stNoMask() State {
	return State{ExecWidth: uint8(g.width), NoMask: true}
}

func (g *selector) emit(op Op, st State, dst, src []Reg) *Instr {
	i := &Instr{Op: op, State: st, DstNum: len(dst), SrcNum: len(src)}

	copy(i.Dst[:], dst)
	copy(i.Src[:], src)

	return g.blk.append(i)
}

func dataType(t ir.Type) DataType {
	switch t {
	case ir.TypeBool, ir.TypeU16:
		return TypeUW
	case ir.TypeS8:
		return TypeB
	case ir.TypeU8:
		return TypeUB
	case ir.TypeS16:
		return TypeW
	case ir.TypeF16:
		return TypeHF
	case ir.TypeS32:
		return TypeD
	case ir.TypeU32:
		return TypeUD
	case ir.TypeF32:
		return TypeF
	case ir.TypeS64:
		return TypeQ
	case ir.TypeU64:
		return TypeUQ
	default:
		return TypeDF
	}
}

func (g *selector) vreg(r ir.Reg, t ir.Type) Reg {
	if g.s.RegFamily(r) == ir.FamilyBool {
		return FlagReg(r)
	}

	return GRFVec(r, dataType(t))
}

func (g *selector) addr(r ir.Reg) Reg {
	if g.fn.Unit.PointerSize == 8 {
		return GRFVec(r, TypeUQ)
	}

	return GRFVec(r, TypeUD)
}

func (g *selector) temp(fam ir.Family) (ir.Reg, error) {
	r, err := g.s.NewTemp(fam)
	if err != nil {
		return 0, err
	}

	g.blk.Tmp = append(g.blk.Tmp, r)

	return r, nil
}

// pinnedReg reports whether the register has a fixed payload home.
// Pushed arguments and the special thread values are placed before
// any contiguity constraint is seen.
func (g *selector) pinnedReg(r ir.Reg) bool {
	if ir.IsSpecial(r) {
		return true
	}

	_, ok := g.fn.PushedLocation(r)

	return ok
}

// payloadSrc hands out a register a message payload vector may own.
// A payload-pinned source is copied into a fresh temporary so the
// vector stays free to place it.
func (g *selector) payloadSrc(r ir.Reg, op Reg) (ir.Reg, Reg, error) {
	if !g.pinnedReg(r) {
		return r, op, nil
	}

	tmp, err := g.temp(g.s.RegFamily(r))
	if err != nil {
		return 0, Reg{}, err
	}

	top := op
	top.Index = tmp

	g.emit(OpMov, g.st(), []Reg{top}, []Reg{op})

	return tmp, top, nil
}

func (g *selector) insn(x ir.Instruction) error {
	switch x := x.(type) {
	case ir.Label:
		return g.label(x)
	case ir.Branch:
		return g.branch(x)
	case ir.Ret:
		st := State{ExecWidth: 8, NoMask: true}
		g.emit(OpEot, st, nil, nil)

		return nil
	case ir.Unary:
		return g.unary(x)
	case ir.Binary:
		return g.binary(x)
	case ir.Compare:
		return g.compare(x)
	case ir.Convert:
		g.emit(OpMov, g.st(),
			[]Reg{g.vreg(x.Dst, x.DstType)},
			[]Reg{g.vreg(x.Src, x.SrcType)})

		return nil
	case ir.Select:
		regs := g.fn.TupleRegs(x.Srcs)

		st := g.st()
		st.Predicate = PredNormal
		st.FlagIndex = regs[0]

		g.emit(OpSel, st,
			[]Reg{g.vreg(x.Dst, x.Type)},
			[]Reg{g.vreg(regs[1], x.Type), g.vreg(regs[2], x.Type)})

		return nil
	case ir.Load:
		return g.load(x)
	case ir.Store:
		return g.store(x)
	case ir.LoadImm:
		return g.loadImm(x)
	case ir.Sync:
		i := g.emit(OpBarrier, g.stNoMask(), nil, nil)
		i.Function = uint8(x.Mask)

		if x.Mask&ir.SyncWorkgroup != 0 {
			g.emit(OpWait, State{ExecWidth: 1, NoMask: true}, nil, nil)
		}

		return nil
	default:
		return errors.Wrap(ir.ErrMalformed, "unknown instruction %T", x)
	}
}

var mathFn = map[ir.Opcode]uint8{
	ir.OpCos:  MathCos,
	ir.OpSin:  MathSin,
	ir.OpLog:  MathLog,
	ir.OpSqrt: MathSqrt,
	ir.OpRsq:  MathRsq,
	ir.OpRcp:  MathRcp,
}

func (g *selector) unary(x ir.Unary) error {
	dst := g.vreg(x.Dst, x.Type)
	src := g.vreg(x.Src, x.Type)

	switch x.Op {
	case ir.OpMov:
		g.emit(OpMov, g.st(), []Reg{dst}, []Reg{src})
	case ir.OpAbs:
		src.Abs = true
		g.emit(OpMov, g.st(), []Reg{dst}, []Reg{src})
	case ir.OpRndd, ir.OpRnde, ir.OpRndu, ir.OpRndz:
		ops := map[ir.Opcode]Op{
			ir.OpRndd: OpRndd, ir.OpRnde: OpRnde,
			ir.OpRndu: OpRndu, ir.OpRndz: OpRndz,
		}

		g.emit(ops[x.Op], g.st(), []Reg{dst}, []Reg{src})
	default:
		if x.Type != ir.TypeF32 {
			return errors.Wrap(ErrUnsupported, "%v on type %v", x.Op, x.Type)
		}

		i := g.emit(OpMath, g.st(), []Reg{dst}, []Reg{src})
		i.Function = mathFn[x.Op]
	}

	return nil
}

func (g *selector) binary(x ir.Binary) error {
	fam := x.Type.Family()

	dst := g.vreg(x.Dst, x.Type)
	a := g.vreg(x.Src0, x.Type)
	b := g.vreg(x.Src1, x.Type)

	switch x.Op {
	case ir.OpAdd:
		g.emit(OpAdd, g.st(), []Reg{dst}, []Reg{a, b})
	case ir.OpSub:
		g.emit(OpAdd, g.st(), []Reg{dst}, []Reg{a, b.Negate()})
	case ir.OpAnd, ir.OpOr, ir.OpXor:
		ops := map[ir.Opcode]Op{ir.OpAnd: OpAnd, ir.OpOr: OpOr, ir.OpXor: OpXor}

		g.emit(ops[x.Op], g.st(), []Reg{dst}, []Reg{a, b})
	case ir.OpShl, ir.OpShr, ir.OpAsr:
		ops := map[ir.Opcode]Op{ir.OpShl: OpShl, ir.OpShr: OpShr, ir.OpAsr: OpAsr}

		g.emit(ops[x.Op], g.st(), []Reg{dst}, []Reg{a, b})
	case ir.OpMul:
		if fam == ir.FamilyDWord {
			return g.mul32(x, dst, a, b)
		}

		if fam == ir.FamilyQWord {
			return errors.Wrap(ErrUnsupported, "64-bit multiply")
		}

		g.emit(OpMul, g.st(), []Reg{dst}, []Reg{a, b})
	case ir.OpDiv:
		fn := MathFDiv
		if !x.Type.Float() {
			fn = MathIntDiv
		}

		i := g.emit(OpMath, g.st(), []Reg{dst}, []Reg{a, b})
		i.Function = fn
	case ir.OpRem:
		if x.Type.Float() {
			return errors.Wrap(ErrUnsupported, "float remainder")
		}

		i := g.emit(OpMath, g.st(), []Reg{dst}, []Reg{a, b})
		i.Function = MathIntRem
	case ir.OpPow:
		if x.Type != ir.TypeF32 {
			return errors.Wrap(ErrUnsupported, "pow on type %v", x.Type)
		}

		i := g.emit(OpMath, g.st(), []Reg{dst}, []Reg{a, b})
		i.Function = MathPow
	}

	return nil
}

// mul32 expands a 32-bit integer multiply into the mul/mach/mov
// accumulator sequence the hardware requires for full precision.
func (g *selector) mul32(x ir.Binary, dst, a, b Reg) error {
	hi, err := g.temp(ir.FamilyDWord)
	if err != nil {
		return err
	}

	acc := Acc(dst.Type)

	g.emit(OpMul, g.st(), []Reg{acc}, []Reg{a, b})

	st := g.st()
	st.AccWrEnable = true
	g.emit(OpMach, st, []Reg{GRFVec(hi, dst.Type)}, []Reg{a, b})

	g.emit(OpMov, g.st(), []Reg{dst}, []Reg{acc})

	return nil
}

var cmpCond = map[ir.Opcode]uint8{
	ir.OpEq: CondEQ, ir.OpNe: CondNE,
	ir.OpLt: CondLT, ir.OpLe: CondLE,
	ir.OpGt: CondGT, ir.OpGe: CondGE,
}

func (g *selector) compare(x ir.Compare) error {
	if x.Type == ir.TypeBool {
		return errors.Wrap(ErrUnsupported, "comparison of booleans")
	}

	st := g.st()
	st.FlagIndex = x.Dst

	i := g.emit(OpCmp, st,
		[]Reg{Null()},
		[]Reg{g.vreg(x.Src0, x.Type), g.vreg(x.Src1, x.Type)})
	i.Function = cmpCond[x.Op]

	return nil
}

func (g *selector) loadImm(x ir.LoadImm) error {
	imm := g.fn.ImmValue(x.Value)

	var src Reg

	switch x.Type.Family() {
	case ir.FamilyBool:
		v := uint16(0)
		if imm.Bits != 0 {
			v = 0xffff
		}

		src = ImmUW(v)
	case ir.FamilyByte, ir.FamilyWord:
		if x.Type.Signed() || x.Type == ir.TypeF16 {
			src = ImmW(int16(imm.Bits))
		} else {
			src = ImmUW(uint16(imm.Bits))
		}
	case ir.FamilyDWord:
		if x.Type.Signed() {
			src = ImmD(int32(imm.Bits))
		} else {
			src = ImmUD(uint32(imm.Bits))
		}
	case ir.FamilyFloat:
		src = ImmF(uint32(imm.Bits))
	default:
		switch {
		case x.Type == ir.TypeF64:
			src = ImmDF(imm.Bits)
		case x.Type.Signed():
			src = ImmQ(int64(imm.Bits))
		default:
			src = ImmUQ(imm.Bits)
		}
	}

	g.emit(OpMov, g.st(), []Reg{g.vreg(x.Dst, x.Type)}, []Reg{src})

	return nil
}

func spaceBTI(s ir.AddrSpace) uint8 {
	switch s {
	case ir.Local:
		return BTILocal
	case ir.Constant:
		return BTIConstant
	default:
		return BTIGlobal
	}
}

func (g *selector) load(x ir.Load) error {
	if x.Space == ir.Local {
		g.fn.UseSLM = true
	}

	fam := x.Type.Family()
	regs := g.fn.TupleRegs(x.Dst)

	switch {
	case (fam == ir.FamilyDWord || fam == ir.FamilyFloat || fam == ir.FamilyQWord) && x.DWAligned:
		dst := make([]Reg, len(regs))
		vec := make([]ir.Reg, len(regs))

		// A pushed destination has a fixed payload home, the message
		// lands in a temporary first.
		var fixup [][2]ir.Reg

		for i, r := range regs {
			vr := r

			if g.pinnedReg(r) {
				tmp, err := g.temp(fam)
				if err != nil {
					return err
				}

				fixup = append(fixup, [2]ir.Reg{r, tmp})
				vr = tmp
			}

			dst[i] = GRFVec(vr, dataType(x.Type))
			vec[i] = vr
		}

		elem := x.ValueNum
		if fam == ir.FamilyQWord {
			elem *= 2
		}

		i := g.emit(OpUntypedRead, g.st(), dst, []Reg{g.addr(x.Offset)})
		i.Function = spaceBTI(x.Space)
		i.Elem = uint8(elem)

		_, err := g.blk.AppendVector(i, vec, false)
		if err != nil {
			return err
		}

		_, err = g.blk.AppendVector(i, []ir.Reg{x.Offset}, true)
		if err != nil {
			return err
		}

		for _, f := range fixup {
			g.emit(OpMov, g.st(),
				[]Reg{GRFVec(f[0], dataType(x.Type))},
				[]Reg{GRFVec(f[1], dataType(x.Type))})
		}

		return nil
	case fam == ir.FamilyByte, fam == ir.FamilyWord:
		if x.ValueNum != 1 {
			return errors.Wrap(ErrUnsupported, "gather of %v values", x.ValueNum)
		}

		tmp, err := g.temp(ir.FamilyDWord)
		if err != nil {
			return err
		}

		i := g.emit(OpByteGather, g.st(),
			[]Reg{GRFVec(tmp, TypeUD)}, []Reg{g.addr(x.Offset)})
		i.Function = spaceBTI(x.Space)
		i.Elem = uint8(fam.Size())

		_, err = g.blk.AppendVector(i, []ir.Reg{x.Offset}, true)
		if err != nil {
			return err
		}

		g.emit(OpMov, g.st(),
			[]Reg{g.vreg(regs[0], x.Type)}, []Reg{GRFVec(tmp, TypeUD)})

		return nil
	default:
		return errors.Wrap(ErrUnsupported, "load of %v family", fam)
	}
}

func (g *selector) store(x ir.Store) error {
	if x.Space == ir.Local {
		g.fn.UseSLM = true
	}

	fam := x.Type.Family()
	regs := g.fn.TupleRegs(x.Src)

	switch {
	case (fam == ir.FamilyDWord || fam == ir.FamilyFloat || fam == ir.FamilyQWord) && x.DWAligned:
		// The message payload is the address followed by the values,
		// back to back.
		src := make([]Reg, 0, len(regs)+1)
		vec := make([]ir.Reg, 0, len(regs)+1)

		ar, aop, err := g.payloadSrc(x.Offset, g.addr(x.Offset))
		if err != nil {
			return err
		}

		src = append(src, aop)
		vec = append(vec, ar)

		for _, r := range regs {
			vr, op, err := g.payloadSrc(r, GRFVec(r, dataType(x.Type)))
			if err != nil {
				return err
			}

			src = append(src, op)
			vec = append(vec, vr)
		}

		elem := x.ValueNum
		if fam == ir.FamilyQWord {
			elem *= 2
		}

		i := g.emit(OpUntypedWrite, g.st(), nil, src)
		i.Function = spaceBTI(x.Space)
		i.Elem = uint8(elem)

		_, err = g.blk.AppendVector(i, vec, true)

		return err
	case fam == ir.FamilyByte, fam == ir.FamilyWord:
		if x.ValueNum != 1 {
			return errors.Wrap(ErrUnsupported, "scatter of %v values", x.ValueNum)
		}

		tmp, err := g.temp(ir.FamilyDWord)
		if err != nil {
			return err
		}

		g.emit(OpMov, g.st(),
			[]Reg{GRFVec(tmp, TypeUD)}, []Reg{g.vreg(regs[0], x.Type)})

		ar, aop, err := g.payloadSrc(x.Offset, g.addr(x.Offset))
		if err != nil {
			return err
		}

		i := g.emit(OpByteScatter, g.st(),
			nil, []Reg{aop, GRFVec(tmp, TypeUD)})
		i.Function = spaceBTI(x.Space)
		i.Elem = uint8(fam.Size())

		_, err = g.blk.AppendVector(i, []ir.Reg{ar, tmp}, true)

		return err
	default:
		return errors.Wrap(ErrUnsupported, "store of %v family", fam)
	}
}

func (g *selector) blockIP() Reg {
	return GRFVec(ir.RegBlockIP, TypeUW)
}

func (g *selector) label(x ir.Label) error {
	i := g.emit(OpLabel, g.stNoMask(), nil, nil)
	i.Index = x.Index

	// Recompute the active set: a lane runs this block iff its
	// per-lane pointer did not move past the label.
	st := g.stNoMask()
	st.PhysicalFlag = true

	cmp := g.emit(OpCmp, st, []Reg{Null()}, []Reg{g.blockIP(), ImmUW(uint16(x.Index))})
	cmp.Function = CondLE

	// Active lanes pull their pointer up to the label. A lane that
	// quit a loop keeps pointing at its last block and stays masked
	// off when the rest of the lanes take the back edge.
	mst := g.st()
	mst.Predicate = PredNormal
	mst.PhysicalFlag = true

	g.emit(OpMov, mst, []Reg{g.blockIP()}, []Reg{ImmUW(uint16(x.Index))})

	jip, ok := g.join[x.Index]
	if !ok {
		return nil
	}

	// Join point: when no lane qualifies, skip ahead.
	jst := State{ExecWidth: 1, NoMask: true, Predicate: PredAny, Inverse: true, PhysicalFlag: true}

	j := g.emit(OpJmpi, jst, nil, nil)
	j.Index = jip

	return nil
}

func (g *selector) branch(x ir.Branch) error {
	cur := g.cur.Label()

	if x.Target <= cur {
		return g.backwardBranch(x)
	}

	return g.forwardBranch(x)
}

func (g *selector) forwardBranch(x ir.Branch) error {
	next := g.cur.Label() + 1

	// Only active lanes move their pointer. An inactive lane may be
	// headed to a block before the target, its pointer must survive.
	mov := g.st()
	mov.Predicate = PredNormal

	if x.Conditional {
		mov.FlagIndex = x.Pred
	} else {
		mov.PhysicalFlag = true
	}

	g.emit(OpMov, mov, []Reg{g.blockIP()}, []Reg{ImmUW(uint16(x.Target))})

	// The jump is taken only when every lane, active or not, already
	// points past the immediate successor.
	st := g.stNoMask()
	st.PhysicalFlag = true

	cmp := g.emit(OpCmp, st, []Reg{Null()}, []Reg{g.blockIP(), ImmUW(uint16(next))})
	cmp.Function = CondGT

	jst := State{ExecWidth: 1, NoMask: true, Predicate: PredAll, PhysicalFlag: true}

	j := g.emit(OpJmpi, jst, nil, nil)
	j.Index = x.Target

	return nil
}

func (g *selector) backwardBranch(x ir.Branch) error {
	mov := g.st()
	mov.Predicate = PredNormal

	if x.Conditional {
		mov.FlagIndex = x.Pred
	} else {
		mov.PhysicalFlag = true
	}

	g.emit(OpMov, mov, []Reg{g.blockIP()}, []Reg{ImmUW(uint16(x.Target))})

	jst := State{ExecWidth: 1, NoMask: true}
	if x.Conditional {
		jst.Predicate = PredAny
		jst.FlagIndex = x.Pred
	}

	j := g.emit(OpJmpi, jst, nil, nil)
	j.Index = x.Target

	return nil
}
