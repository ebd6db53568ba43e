package ra

import (
	"context"
	"testing"

	"tlog.app/go/errors"

	"github.com/simtlang/simt/compiler/ir"
	"github.com/simtlang/simt/compiler/sel"
)

func TestPartitioner(t *testing.T) {
	p := NewPartitioner(64, 256)

	a, ok := p.Allocate(32, 32)
	if !ok || a != 64 {
		t.Fatalf("first: %v %v", a, ok)
	}

	b, ok := p.Allocate(10, 8)
	if !ok || b != 96 {
		t.Fatalf("second: %v %v", b, ok)
	}

	c, ok := p.Allocate(32, 32)
	if !ok || c != 128 {
		t.Fatalf("aligned: %v %v", c, ok)
	}

	if p.Max() != 160 {
		t.Errorf("max: %v", p.Max())
	}

	_, ok = p.Allocate(1024, 1)
	if ok {
		t.Errorf("oversized allocation must fail")
	}

	// release the middle, it must coalesce back into one usable hole
	p.Deallocate(b)
	p.Deallocate(a)

	d, ok := p.Allocate(64, 32)
	if !ok || d != 64 {
		t.Errorf("reuse after coalesce: %v %v", d, ok)
	}

	if p.Max() != 160 {
		t.Errorf("max must not move on reuse: %v", p.Max())
	}
}

func TestPartitionerUnknownDeallocate(t *testing.T) {
	p := NewPartitioner(0, 128)

	p.Deallocate(42) // no-op

	a, ok := p.Allocate(128, 1)
	if !ok || a != 0 {
		t.Errorf("full arena: %v %v", a, ok)
	}
}

func fnWithRegs(t *testing.T, n int, fam ir.Family) *ir.Function {
	t.Helper()

	u := ir.NewUnit("t", 8)
	f := u.NewFunction("f")

	for i := 0; i < n; i++ {
		_, err := f.NewReg(fam)
		if err != nil {
			t.Fatalf("reg: %v", err)
		}
	}

	return f
}

func block(insns ...*sel.Instr) *sel.Block {
	return &sel.Block{BB: &ir.Block{}, Insns: insns}
}

func mov(dst, src ir.Reg) *sel.Instr {
	i := &sel.Instr{Op: sel.OpMov, DstNum: 1, SrcNum: 1}
	i.State.ExecWidth = 16
	i.Dst[0] = sel.GRFVec(dst, sel.TypeUD)
	i.Src[0] = sel.GRFVec(src, sel.TypeUD)

	return i
}

func movImm(dst ir.Reg, v uint32) *sel.Instr {
	i := &sel.Instr{Op: sel.OpMov, DstNum: 1, SrcNum: 1}
	i.State.ExecWidth = 16
	i.Dst[0] = sel.GRFVec(dst, sel.TypeUD)
	i.Src[0] = sel.ImmUD(v)

	return i
}

func TestAllocatePayload(t *testing.T) {
	u := ir.NewUnit("t", 8)
	fn := u.NewFunction("f")

	arg, err := fn.NewReg(ir.FamilyQWord)
	if err != nil {
		t.Fatalf("reg: %v", err)
	}

	tmp, err := fn.NewReg(ir.FamilyDWord)
	if err != nil {
		t.Fatalf("reg: %v", err)
	}

	if err = fn.MarkPushed(arg, 0, 0); err != nil {
		t.Fatalf("push: %v", err)
	}

	s := sel.NewSelection(fn)
	s.Blocks = []*sel.Block{block(mov(tmp, arg))}

	res, err := Allocate(context.Background(), s, 16, false)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	// r0 is the thread header, the lane pointer comes right after
	if got := res.Offset(ir.RegBlockIP); got != 32 {
		t.Errorf("lane pointer at %v", got)
	}

	if got := res.Offset(arg); got != 64 {
		t.Errorf("pushed arg at %v", got)
	}

	if got := res.CurbeSize(); got != 160 {
		t.Errorf("curbe: %v", got)
	}

	// the temporary lands past the payload
	if got := res.Offset(tmp); got != 192 {
		t.Errorf("temporary at %v", got)
	}

	if res.GRFNr(tmp) != 6 {
		t.Errorf("grf nr: %v", res.GRFNr(tmp))
	}

	// limiting pressure drops the pushed placement
	res, err = Allocate(context.Background(), s, 16, true)
	if err != nil {
		t.Fatalf("allocate limited: %v", err)
	}

	if got := res.CurbeSize(); got != 32 {
		t.Errorf("limited curbe: %v", got)
	}
}

func TestAllocateVector(t *testing.T) {
	fn := fnWithRegs(t, 3, ir.FamilyDWord) // r8..r10

	s := sel.NewSelection(fn)

	rd := &sel.Instr{Op: sel.OpUntypedRead, DstNum: 2, SrcNum: 1}
	rd.Function = sel.BTIGlobal
	rd.Dst[0] = sel.GRFVec(9, sel.TypeUD)
	rd.Dst[1] = sel.GRFVec(10, sel.TypeUD)
	rd.Src[0] = sel.GRFVec(8, sel.TypeUD)

	b := block(rd)

	if _, err := b.AppendVector(rd, []ir.Reg{9, 10}, false); err != nil {
		t.Fatalf("vector: %v", err)
	}

	s.Blocks = []*sel.Block{b}

	res, err := Allocate(context.Background(), s, 16, false)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if res.Offset(10) != res.Offset(9)+64 {
		t.Errorf("vector not contiguous: %v %v", res.Offset(9), res.Offset(10))
	}

	if res.Offset(9)%32 != 0 {
		t.Errorf("vector not register aligned: %v", res.Offset(9))
	}
}

func TestAllocateSubVectorElision(t *testing.T) {
	fn := fnWithRegs(t, 3, ir.FamilyDWord)

	s := sel.NewSelection(fn)

	i0 := movImm(8, 0)
	i1 := movImm(9, 0)

	b := block(i0, i1)

	if _, err := b.AppendVector(i0, []ir.Reg{8, 9, 10}, false); err != nil {
		t.Fatalf("vector: %v", err)
	}

	if _, err := b.AppendVector(i1, []ir.Reg{9, 10}, false); err != nil {
		t.Fatalf("vector: %v", err)
	}

	s.Blocks = []*sel.Block{b}

	res, err := Allocate(context.Background(), s, 16, false)
	if err != nil {
		t.Fatalf("nested vectors must coexist: %v", err)
	}

	if res.Offset(9) != res.Offset(8)+64 || res.Offset(10) != res.Offset(9)+64 {
		t.Errorf("layout: %v %v %v", res.Offset(8), res.Offset(9), res.Offset(10))
	}
}

func TestAllocateConflictingVectors(t *testing.T) {
	fn := fnWithRegs(t, 3, ir.FamilyDWord)

	s := sel.NewSelection(fn)

	i0 := movImm(8, 0)
	i1 := movImm(9, 0)

	b := block(i0, i1)

	if _, err := b.AppendVector(i0, []ir.Reg{8, 9, 10}, false); err != nil {
		t.Fatalf("vector: %v", err)
	}

	// r8 and r10 are not adjacent in the big vector
	if _, err := b.AppendVector(i1, []ir.Reg{8, 10}, false); err != nil {
		t.Fatalf("vector: %v", err)
	}

	s.Blocks = []*sel.Block{b}

	_, err := Allocate(context.Background(), s, 16, false)
	if !errors.Is(err, ErrAllocation) {
		t.Errorf("want allocation failure: %v", err)
	}
}

func TestAllocateIntervalReuse(t *testing.T) {
	fn := fnWithRegs(t, 3, ir.FamilyDWord)

	s := sel.NewSelection(fn)
	s.Blocks = []*sel.Block{block(
		movImm(8, 1),
		mov(9, 8), // r8 dies here
		mov(10, 9),
	)}

	res, err := Allocate(context.Background(), s, 16, false)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if res.Offset(10) != res.Offset(8) {
		t.Errorf("r10 must reuse the slot of r8: %v %v", res.Offset(8), res.Offset(10))
	}

	if res.Offset(9) == res.Offset(8) {
		t.Errorf("r9 overlaps r8")
	}
}

func cmpOn(p ir.Reg) *sel.Instr {
	i := &sel.Instr{Op: sel.OpCmp, DstNum: 1, SrcNum: 2}
	i.State.ExecWidth = 16
	i.State.FlagIndex = p
	i.Dst[0] = sel.Null()
	i.Src[0] = sel.GRFVec(8, sel.TypeUD)
	i.Src[1] = sel.ImmUD(0)

	return i
}

func predMov(dst ir.Reg, p ir.Reg) *sel.Instr {
	i := movImm(dst, 1)
	i.State.Predicate = sel.PredNormal
	i.State.FlagIndex = p

	return i
}

func TestAllocateFlags(t *testing.T) {
	u := ir.NewUnit("t", 8)
	fn := u.NewFunction("f")

	_, _ = fn.NewReg(ir.FamilyDWord) // r8, cmp source

	var ps []ir.Reg

	for i := 0; i < 4; i++ {
		p, err := fn.NewReg(ir.FamilyBool)
		if err != nil {
			t.Fatalf("reg: %v", err)
		}

		ps = append(ps, p)
	}

	var insns []*sel.Instr

	for _, p := range ps {
		insns = append(insns, cmpOn(p))
	}

	for _, p := range ps {
		insns = append(insns, predMov(8, p))
	}

	s := sel.NewSelection(fn)
	s.Blocks = []*sel.Block{block(insns...)}

	res, err := Allocate(context.Background(), s, 16, false)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	seen := map[int]bool{}

	for _, p := range ps {
		nr, sub := res.FlagSlot(p)
		slot := 2*nr + sub

		if slot == 0 {
			t.Errorf("f0.0 is reserved, v%d got it", p)
		}

		if seen[slot] {
			t.Errorf("slot %v assigned twice", slot)
		}

		seen[slot] = true
	}
}

func TestAllocateFlagExhaustion(t *testing.T) {
	u := ir.NewUnit("t", 8)
	fn := u.NewFunction("f")

	_, _ = fn.NewReg(ir.FamilyDWord) // r8

	var ps []ir.Reg

	for i := 0; i < flagSlots; i++ {
		p, err := fn.NewReg(ir.FamilyBool)
		if err != nil {
			t.Fatalf("reg: %v", err)
		}

		ps = append(ps, p)
	}

	var insns []*sel.Instr

	for _, p := range ps {
		insns = append(insns, cmpOn(p))
	}

	for _, p := range ps {
		insns = append(insns, predMov(8, p))
	}

	s := sel.NewSelection(fn)
	s.Blocks = []*sel.Block{block(insns...)}

	_, err := Allocate(context.Background(), s, 16, false)
	if !errors.Is(err, ErrAllocation) {
		t.Errorf("want allocation failure: %v", err)
	}
}

func TestAllocatePressure(t *testing.T) {
	const n = 70

	fn := fnWithRegs(t, n+1, ir.FamilyDWord) // r8..r78, r78 is the sink

	sink := ir.Reg(8 + n)

	var insns []*sel.Instr

	for i := 0; i < n; i++ {
		insns = append(insns, movImm(ir.Reg(8+i), uint32(i)))
	}

	for i := 0; i < n; i++ {
		insns = append(insns, mov(sink, ir.Reg(8+i)))
	}

	mk := func() *sel.Selection {
		s := sel.NewSelection(fn)
		s.Blocks = []*sel.Block{block(insns...)}

		return s
	}

	// 70 dwords live at once need 70 register pairs at simd16, the
	// file only has 63 free ones.
	_, err := Allocate(context.Background(), mk(), 16, false)
	if !errors.Is(err, ErrAllocation) {
		t.Fatalf("want allocation failure at simd16: %v", err)
	}

	res, err := Allocate(context.Background(), mk(), 8, false)
	if err != nil {
		t.Fatalf("simd8 must fit: %v", err)
	}

	if res.Footprint() > grfNum {
		t.Errorf("footprint: %v", res.Footprint())
	}
}
