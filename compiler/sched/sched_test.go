package sched

import (
	"context"
	"testing"

	"github.com/simtlang/simt/compiler/ir"
	"github.com/simtlang/simt/compiler/sel"
)

func emptyFn(t *testing.T, regs int) *ir.Function {
	t.Helper()

	u := ir.NewUnit("t", 8)
	f := u.NewFunction("f")

	for f.RegNum() < regs {
		_, err := f.NewReg(ir.FamilyDWord)
		if err != nil {
			t.Fatalf("reg: %v", err)
		}
	}

	return f
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

func selection(t *testing.T, regs int, insns ...*sel.Instr) *sel.Selection {
	t.Helper()

	s := sel.NewSelection(emptyFn(t, regs))
	s.Blocks = []*sel.Block{{Insns: insns}}

	return s
}

// stubPlacement maps virtual registers to fixed hardware registers.
type stubPlacement map[ir.Reg]int

func (p stubPlacement) GRFNr(r ir.Reg) int        { return p[r] }
func (p stubPlacement) FlagSlot(ir.Reg) (int, int) { return 1, 0 }

// reads and writes mirror the dependency model so tests can verify
// that a schedule preserves every conflict of the original order.
func reads(g *scheduler, i *sel.Instr) []int {
	var r []int

	for _, s := range i.Srcs() {
		if slot := g.index(s); slot >= 0 {
			r = append(r, slot)
		}
	}

	if i.State.Predicate != sel.PredNone {
		r = append(r, g.index(flagOf(i)))
	}

	if i.IsRead() {
		r = append(r, g.memIndex(i.Function))
	}

	return r
}

func writes(g *scheduler, i *sel.Instr) []int {
	var w []int

	for _, d := range i.Dsts() {
		if slot := g.index(d); slot >= 0 {
			w = append(w, slot)
		}
	}

	if i.Op == sel.OpCmp {
		w = append(w, g.index(flagOf(i)))
	}

	if i.State.AccWrEnable {
		w = append(w, g.grfNum+maxFlagSlot)
	}

	if i.IsWrite() {
		w = append(w, g.memIndex(i.Function))
	}

	if i.Op == sel.OpBarrier || i.Op == sel.OpWait {
		w = append(w, g.memIndex(sel.BTIGlobal), g.memIndex(sel.BTILocal))
	}

	return w
}

func conflicts(g *scheduler, a, b *sel.Instr) bool {
	pinned := func(i *sel.Instr) bool {
		return i.IsBranch() || i.IsLabel() || i.Op == sel.OpEot
	}

	if pinned(a) || pinned(b) {
		return true
	}

	hit := func(x, y []int) bool {
		for _, i := range x {
			for _, j := range y {
				if i == j {
					return true
				}
			}
		}

		return false
	}

	wa, wb := writes(g, a), writes(g, b)

	return hit(wa, wb) || hit(wa, reads(g, b)) || hit(reads(g, a), wb)
}

func checkOrder(t *testing.T, g *scheduler, orig, got []*sel.Instr) {
	t.Helper()

	if len(got) != len(orig) {
		t.Fatalf("length changed: %v -> %v", len(orig), len(got))
	}

	pos := map[*sel.Instr]int{}
	for i, x := range got {
		pos[x] = i
	}

	for i, a := range orig {
		if _, ok := pos[a]; !ok {
			t.Fatalf("insn %v dropped", i)
		}

		for _, b := range orig[i+1:] {
			if conflicts(g, a, b) && pos[a] > pos[b] {
				t.Errorf("conflict reordered: %v after %v", a.Op, b.Op)
			}
		}
	}
}

func TestSchedulePreservesConflicts(t *testing.T) {
	// A mix of RAW, WAW and WAR chains plus memory traffic.
	read := &sel.Instr{Op: sel.OpUntypedRead, DstNum: 1, SrcNum: 1}
	read.Function = sel.BTIGlobal
	read.Dst[0] = sel.GRFVec(10, sel.TypeUD)
	read.Src[0] = sel.GRFVec(9, sel.TypeUD)

	write := &sel.Instr{Op: sel.OpUntypedWrite, SrcNum: 2}
	write.Function = sel.BTIGlobal
	write.Src[0] = sel.GRFVec(9, sel.TypeUD)
	write.Src[1] = sel.GRFVec(11, sel.TypeUD)

	insns := []*sel.Instr{
		movImm(9, 64),
		read,
		mov(11, 10),
		mov(12, 10), // RAW on r10 with read
		write,
		mov(11, 12), // WAR against write
		movImm(10, 0), // WAW/WAR on r10
	}

	orig := append([]*sel.Instr(nil), insns...)

	s := selection(t, 16, insns...)

	err := Schedule(context.Background(), s, PreAlloc, 16, nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	g := &scheduler{policy: PreAlloc, grfNum: s.RegNum()}
	checkOrder(t, g, orig, s.Blocks[0].Insns)
}

func TestScheduleLIFOKeepsChainsTogether(t *testing.T) {
	// Two independent three-mov chains. The pre-allocation policy is
	// depth first: it finishes one chain before starting the other,
	// which keeps fewer values live at once.
	insns := []*sel.Instr{
		movImm(10, 1), mov(11, 10), mov(12, 11),
		movImm(20, 2), mov(21, 20), mov(22, 21),
	}

	s := selection(t, 23, insns...)

	err := Schedule(context.Background(), s, PreAlloc, 16, nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	got := s.Blocks[0].Insns

	first := got[0].Dst[0].Index
	for i := 1; i < 3; i++ {
		if got[i].Dst[0].Index/10 != first/10 {
			t.Errorf("chain split at %v: %v", i, got[i].Dst[0].Index)
		}
	}
}

func TestScheduleFIFOInterleaves(t *testing.T) {
	a1, a2, a3 := movImm(10, 1), mov(11, 10), mov(12, 11)
	b1, b2, b3 := movImm(20, 2), mov(21, 20), mov(22, 21)

	s := selection(t, 23, a1, a2, a3, b1, b2, b3)

	pl := stubPlacement{10: 10, 11: 12, 12: 14, 20: 20, 21: 22, 22: 24}

	err := Schedule(context.Background(), s, PostAlloc, 16, pl)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	got := s.Blocks[0].Insns

	want := []*sel.Instr{a1, b1, a2, b2, a3, b3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %v: want %v dst r%d, got %v dst r%d",
				i, want[i].Op, want[i].Dst[0].Index, got[i].Op, got[i].Dst[0].Index)
		}
	}
}

func TestScheduleBarriersPin(t *testing.T) {
	label := &sel.Instr{Op: sel.OpLabel}
	jmp := &sel.Instr{Op: sel.OpJmpi}

	insns := []*sel.Instr{
		label,
		movImm(10, 1),
		movImm(11, 2),
		jmp,
	}

	s := selection(t, 16, insns...)

	err := Schedule(context.Background(), s, PreAlloc, 16, nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	got := s.Blocks[0].Insns

	if got[0] != label {
		t.Errorf("label moved: %v", got[0].Op)
	}

	if got[len(got)-1] != jmp {
		t.Errorf("branch moved: %v", got[len(got)-1].Op)
	}
}

func TestScheduleGranuleAliasing(t *testing.T) {
	// i0 produces r5 slowly; i1 consumes it; i2 is independent in the
	// virtual file. When allocation puts i2's destination in the same
	// register pair as r5, the post pass must keep i2 behind i1.
	mk := func(alias bool) []*sel.Instr {
		i0 := &sel.Instr{Op: sel.OpMath, DstNum: 1, SrcNum: 1}
		i0.Dst[0] = sel.GRFVec(10, sel.TypeF)
		i0.Src[0] = sel.GRFVec(9, sel.TypeF)

		i1 := mov(11, 10)
		i2 := movImm(12, 7)

		s := selection(t, 16, i0, i1, i2)

		pl := stubPlacement{9: 2, 10: 4, 11: 6, 12: 8}
		if alias {
			pl[12] = 5 // same pair as r10 at simd16
		}

		err := Schedule(context.Background(), s, PostAlloc, 16, pl)
		if err != nil {
			t.Fatalf("schedule: %v", err)
		}

		return s.Blocks[0].Insns
	}

	got := mk(false)
	if got[1].Op != sel.OpMov || got[1].Src[0].File != sel.FileImm {
		t.Errorf("independent mov must fill the latency gap: %v", got[1].Op)
	}

	got = mk(true)
	if got[1].Src[0].File == sel.FileImm {
		t.Errorf("aliased mov hoisted over the consumer")
	}
}
