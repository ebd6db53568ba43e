package main

import (
	"tlog.app/go/errors"

	"github.com/simtlang/simt/compiler/ir"
)

type demo struct {
	name  string
	desc  string
	build func(u *ir.Unit) error
}

var demos = []demo{
	{name: "vadd", desc: "out[i] = a[i] + b[i]", build: buildVadd},
	{name: "clamp", desc: "out[i] = min(a[i], limit), branchy version", build: buildClamp},
	{name: "reduce_loop", desc: "counted loop accumulating into out[i]", build: buildReduceLoop},
	{name: "bytes", desc: "byte load, widen, increment, byte store", build: buildBytes},
	{name: "slm_swap", desc: "bounce a value through local memory with a barrier", build: buildSLMSwap},
	{name: "sponge", desc: "pressure kernel that only fits at simd8", build: buildSponge},
}

func demoUnit(names []string) (*ir.Unit, error) {
	pick := map[string]bool{}
	for _, n := range names {
		pick[n] = true
	}

	u := ir.NewUnit("demo", 4)

	for _, d := range demos {
		if len(pick) != 0 && !pick[d.name] {
			continue
		}

		err := d.build(u)
		if err != nil {
			return nil, errors.Wrap(err, "%v", d.name)
		}
	}

	if len(u.Functions) == 0 {
		return nil, errors.New("no such demo: %v", names)
	}

	return u, nil
}

// laneAddr computes base + lane*scale into a fresh register.
func laneAddr(b *ir.Builder, base ir.Reg, shift uint64) ir.Reg {
	sh := b.Reg(ir.FamilyDWord)
	b.LoadImm(ir.TypeU32, sh, shift)

	off := b.Reg(ir.FamilyDWord)
	b.Binop(ir.OpShl, ir.TypeU32, off, ir.RegLocalID0, sh)

	addr := b.Reg(ir.FamilyDWord)
	b.Binop(ir.OpAdd, ir.TypeU32, addr, base, off)

	return addr
}

func pushedPtr(b *ir.Builder, name string) ir.Reg {
	arg := b.Arg(name, ir.ArgGlobalPtr, ir.TypeU32, 4)

	r := b.Reg(ir.FamilyDWord)
	b.Pushed(r, arg, 0)

	return r
}

func buildVadd(u *ir.Unit) error {
	b := ir.Build(u, "vadd")

	pa := pushedPtr(b, "a")
	pb := pushedPtr(b, "b")
	po := pushedPtr(b, "out")

	entry := b.Label()
	b.StartBlock(entry)

	ea := laneAddr(b, pa, 2)
	eb := laneAddr(b, pb, 2)
	eo := laneAddr(b, po, 2)

	x := b.Reg(ir.FamilyFloat)
	y := b.Reg(ir.FamilyFloat)
	b.Load(ir.TypeF32, ir.Global, ea, true, x)
	b.Load(ir.TypeF32, ir.Global, eb, true, y)

	s := b.Reg(ir.FamilyFloat)
	b.Binop(ir.OpAdd, ir.TypeF32, s, x, y)

	b.Store(ir.TypeF32, ir.Global, eo, true, s)
	b.Ret()

	_, err := b.Function()

	return err
}

func buildClamp(u *ir.Unit) error {
	b := ir.Build(u, "clamp")

	pa := pushedPtr(b, "a")
	po := pushedPtr(b, "out")

	entry, then, out := b.Label(), b.Label(), b.Label()

	b.StartBlock(entry)

	ea := laneAddr(b, pa, 2)
	eo := laneAddr(b, po, 2)

	x := b.Reg(ir.FamilyFloat)
	b.Load(ir.TypeF32, ir.Global, ea, true, x)

	limit := b.Reg(ir.FamilyFloat)
	b.LoadImm(ir.TypeF32, limit, 0x42c80000) // 100.0

	p := b.Reg(ir.FamilyBool)
	b.Cmp(ir.OpGt, ir.TypeF32, p, x, limit)

	r := b.Reg(ir.FamilyFloat)

	b.BraIf(then, p)

	// fallthrough: keep the value
	fall := b.Label()
	b.StartBlock(fall)
	b.Mov(ir.TypeF32, r, x)
	b.Bra(out)

	b.StartBlock(then)
	b.Mov(ir.TypeF32, r, limit)
	b.Bra(out)

	b.StartBlock(out)
	b.Store(ir.TypeF32, ir.Global, eo, true, r)
	b.Ret()

	_, err := b.Function()

	return err
}

func buildReduceLoop(u *ir.Unit) error {
	b := ir.Build(u, "reduce_loop")

	po := pushedPtr(b, "out")

	entry, loop, exit := b.Label(), b.Label(), b.Label()

	b.StartBlock(entry)

	eo := laneAddr(b, po, 2)

	i := b.Reg(ir.FamilyDWord)
	acc := b.Reg(ir.FamilyDWord)
	n := b.Reg(ir.FamilyDWord)
	one := b.Reg(ir.FamilyDWord)

	b.LoadImm(ir.TypeU32, i, 0)
	b.LoadImm(ir.TypeU32, acc, 0)
	b.LoadImm(ir.TypeU32, n, 16)
	b.LoadImm(ir.TypeU32, one, 1)

	b.StartBlock(loop)
	b.Binop(ir.OpAdd, ir.TypeU32, acc, acc, i)
	b.Binop(ir.OpAdd, ir.TypeU32, i, i, one)

	p := b.Reg(ir.FamilyBool)
	b.Cmp(ir.OpLt, ir.TypeU32, p, i, n)
	b.BraIf(loop, p)

	b.StartBlock(exit)
	b.Store(ir.TypeU32, ir.Global, eo, true, acc)
	b.Ret()

	_, err := b.Function()

	return err
}

func buildBytes(u *ir.Unit) error {
	b := ir.Build(u, "bytes")

	pa := pushedPtr(b, "a")
	po := pushedPtr(b, "out")

	entry := b.Label()
	b.StartBlock(entry)

	ea := laneAddr(b, pa, 0)
	eo := laneAddr(b, po, 0)

	x := b.Reg(ir.FamilyByte)
	b.Load(ir.TypeU8, ir.Global, ea, false, x)

	w := b.Reg(ir.FamilyDWord)
	b.Cvt(ir.TypeU32, ir.TypeU8, w, x)

	one := b.Reg(ir.FamilyDWord)
	b.LoadImm(ir.TypeU32, one, 1)
	b.Binop(ir.OpAdd, ir.TypeU32, w, w, one)

	y := b.Reg(ir.FamilyByte)
	b.Cvt(ir.TypeU8, ir.TypeU32, y, w)

	b.Store(ir.TypeU8, ir.Global, eo, false, y)
	b.Ret()

	_, err := b.Function()

	return err
}

func buildSLMSwap(u *ir.Unit) error {
	b := ir.Build(u, "slm_swap")

	pa := pushedPtr(b, "a")
	po := pushedPtr(b, "out")

	entry := b.Label()
	b.StartBlock(entry)

	ea := laneAddr(b, pa, 2)
	eo := laneAddr(b, po, 2)
	slm := laneAddr(b, ir.RegLocalID0, 2)

	x := b.Reg(ir.FamilyDWord)
	b.Load(ir.TypeU32, ir.Global, ea, true, x)
	b.Store(ir.TypeU32, ir.Local, slm, true, x)

	b.Sync(ir.SyncWorkgroup | ir.SyncLocalRead | ir.SyncLocalWrite)

	y := b.Reg(ir.FamilyDWord)
	b.Load(ir.TypeU32, ir.Local, slm, true, y)

	b.Store(ir.TypeU32, ir.Global, eo, true, y)
	b.Ret()

	_, err := b.Function()

	return err
}

// buildSponge defines many values in one block and consumes them in
// the next. Liveness across the edge cannot be scheduled away, so
// simd16 runs out of file and the driver lands on simd8.
func buildSponge(u *ir.Unit) error {
	const vals = 72

	b := ir.Build(u, "sponge")

	po := pushedPtr(b, "out")

	entry, sum := b.Label(), b.Label()

	b.StartBlock(entry)

	eo := laneAddr(b, po, 2)

	regs := make([]ir.Reg, vals)
	for i := range regs {
		regs[i] = b.Reg(ir.FamilyDWord)
		b.LoadImm(ir.TypeU32, regs[i], uint64(i)*2654435761)
	}

	b.StartBlock(sum)

	acc := b.Reg(ir.FamilyDWord)
	b.Mov(ir.TypeU32, acc, regs[0])

	for _, r := range regs[1:] {
		b.Binop(ir.OpAdd, ir.TypeU32, acc, acc, r)
	}

	b.Store(ir.TypeU32, ir.Global, eo, true, acc)
	b.Ret()

	_, err := b.Function()

	return err
}
