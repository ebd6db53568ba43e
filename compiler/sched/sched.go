// Package sched reorders selection instructions inside basic blocks
// under a dependency DAG. It runs twice per kernel with different
// goals: before register allocation it schedules LIFO with a zero
// cycle model to keep register pressure down, after allocation it
// schedules FIFO against coarse latency and throughput estimates to
// hide instruction latency.
package sched

import (
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/tlog"

	"github.com/simtlang/simt/compiler/ir"
	"github.com/simtlang/simt/compiler/sel"
)

type (
	Policy uint8

	// Placement resolves virtual registers to their physical spots.
	// The post-allocation pass needs it; the pre-allocation pass
	// runs without one.
	Placement interface {
		// GRFNr returns the first hardware register of the allocation.
		GRFNr(r ir.Reg) int
		// FlagSlot returns the flag register pair a boolean got.
		FlagSlot(r ir.Reg) (nr, sub int)
	}

	node struct {
		insn     *sel.Instr
		children []*node

		// refs counts unscheduled nodes this one waits for.
		refs    int
		retired int
	}

	scheduler struct {
		policy Policy
		width  int
		pl     Placement
		s      *sel.Selection

		// grfNum is the size of the register resource space: the
		// virtual register count before allocation, the hardware
		// granule count after.
		grfNum int

		nodes     []*node
		insnNodes []*node

		ready  []*node
		active heap.Heap[*node]
	}
)

const (
	PreAlloc Policy = iota
	PostAlloc
)

const (
	maxFlagSlot = 16
	maxAcc      = 1
	memSystems  = 2
)

// Schedule reorders every block of the selection in place.
func Schedule(ctx context.Context, s *sel.Selection, policy Policy, width int, pl Placement) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "schedule",
		"func", s.Fn.Name, "policy", int(policy), "width", width)
	defer tr.Finish("err", &err)

	_ = ctx

	g := &scheduler{
		policy: policy,
		width:  width,
		pl:     pl,
		s:      s,
	}

	if policy == PreAlloc {
		g.grfNum = s.RegNum()
	} else if width == 8 {
		g.grfNum = 128
	} else {
		g.grfNum = 64
	}

	g.nodes = make([]*node, g.grfNum+maxFlagSlot+maxAcc+memSystems)
	g.insnNodes = make([]*node, s.LargestBlock())

	g.active.Less = func(d []*node, i, j int) bool {
		return d[i].retired < d[j].retired
	}

	for _, b := range s.Blocks {
		n := g.buildDAG(b)
		g.scheduleDAG(b, n)
	}

	if tr.If("dump_sched") {
		tr.Printw("scheduled", "func", s.Fn.Name, "dump", s.Dump())
	}

	return nil
}

func (g *scheduler) clear() {
	for i := range g.nodes {
		g.nodes[i] = nil
	}

	g.ready = g.ready[:0]
	g.active.Data = g.active.Data[:0]
}

// index maps an operand to its resource slot, or -1 when the operand
// carries no dependency (immediates and null).
func (g *scheduler) index(r sel.Reg) int {
	switch r.File {
	case sel.FileImm, sel.FileNull:
		return -1
	case sel.FileAcc:
		return g.grfNum + maxFlagSlot
	case sel.FileFlag:
		nr, sub := int(r.Nr), int(r.SubNr)

		if !r.Physical {
			if g.policy == PreAlloc {
				return int(r.Index)
			}

			nr, sub = g.pl.FlagSlot(r.Index)
		}

		return g.grfNum + 2*nr + sub
	default:
		if g.policy == PreAlloc {
			return int(r.Index)
		}

		nr := int(r.Nr)
		if !r.Physical {
			nr = g.pl.GRFNr(r.Index)
		}

		// SIMD16 values span register pairs, so the granule is the pair.
		if g.width != 8 {
			nr /= 2
		}

		return nr
	}
}

func (g *scheduler) memIndex(bti uint8) int {
	i := g.grfNum + maxFlagSlot + maxAcc

	if bti == sel.BTILocal {
		i++
	}

	return i
}

func flagOf(i *sel.Instr) sel.Reg {
	if i.State.PhysicalFlag {
		return sel.PhysFlag(i.State.FlagNr, i.State.FlagSub)
	}

	return sel.FlagReg(i.State.FlagIndex)
}

// addDep records that n0 waits for n1.
func (g *scheduler) addDep(n0, n1 *node) {
	if n0 == nil || n1 == nil || n0 == n1 {
		return
	}

	for _, c := range n1.children {
		if c == n0 {
			return
		}
	}

	n1.children = append(n1.children, n0)
	n0.refs++
}

func (g *scheduler) depOnSlot(n *node, slot int) {
	if slot >= 0 {
		g.addDep(n, g.nodes[slot])
	}
}

func (g *scheduler) slotDepOn(slot int, n *node) {
	if slot >= 0 {
		g.addDep(g.nodes[slot], n)
	}
}

// updateWrites records n as the last writer of everything it writes:
// destinations, the flag on compares, the accumulator, and the memory
// system of store messages. Barriers and waits count as writing both
// memories.
func (g *scheduler) updateWrites(n *node) {
	insn := n.insn

	for _, d := range insn.Dsts() {
		if slot := g.index(d); slot >= 0 {
			g.nodes[slot] = n
		}
	}

	if insn.Op == sel.OpCmp {
		g.nodes[g.index(flagOf(insn))] = n
	}

	if insn.State.AccWrEnable {
		g.nodes[g.grfNum+maxFlagSlot] = n
	}

	if insn.IsWrite() {
		g.nodes[g.memIndex(insn.Function)] = n
	}

	if insn.Op == sel.OpBarrier || insn.Op == sel.OpWait {
		g.nodes[g.memIndex(sel.BTIGlobal)] = n
		g.nodes[g.memIndex(sel.BTILocal)] = n
	}
}

// makeBarrier pins the instruction: everything before it must issue
// first, everything after it waits for it.
func (g *scheduler) makeBarrier(id, n int) {
	barrier := g.insnNodes[id]

	for i := 0; i < id; i++ {
		g.addDep(barrier, g.insnNodes[i])
	}

	for i := id + 1; i < n; i++ {
		g.addDep(g.insnNodes[i], barrier)
	}
}

func (g *scheduler) buildDAG(b *sel.Block) int {
	g.clear()

	// Forward pass: read-after-write and write-after-write.
	n := 0
	for _, insn := range b.Insns {
		nd := &node{insn: insn}
		g.insnNodes[n] = nd
		n++

		for _, s := range insn.Srcs() {
			g.depOnSlot(nd, g.index(s))
		}

		if insn.State.Predicate != sel.PredNone {
			g.depOnSlot(nd, g.index(flagOf(insn)))
		}

		if insn.IsRead() {
			g.depOnSlot(nd, g.memIndex(insn.Function))
		}

		if insn.Op == sel.OpBarrier || insn.Op == sel.OpWait {
			g.depOnSlot(nd, g.memIndex(sel.BTIGlobal))
			g.depOnSlot(nd, g.memIndex(sel.BTILocal))
		}

		for _, d := range insn.Dsts() {
			g.depOnSlot(nd, g.index(d))
		}

		if insn.Op == sel.OpCmp {
			g.depOnSlot(nd, g.index(flagOf(insn)))
		}

		if insn.State.AccWrEnable {
			g.depOnSlot(nd, g.grfNum+maxFlagSlot)
		}

		if insn.IsWrite() {
			g.depOnSlot(nd, g.memIndex(insn.Function))
		}

		g.updateWrites(nd)
	}

	// Backward pass: write-after-read.
	for i := range g.nodes {
		g.nodes[i] = nil
	}

	for i := n - 1; i >= 0; i-- {
		nd := g.insnNodes[i]
		insn := nd.insn

		for _, s := range insn.Srcs() {
			g.slotDepOn(g.index(s), nd)
		}

		if insn.State.Predicate != sel.PredNone {
			g.slotDepOn(g.index(flagOf(insn)), nd)
		}

		if insn.IsRead() {
			g.slotDepOn(g.memIndex(insn.Function), nd)
		}

		if insn.Op == sel.OpBarrier || insn.Op == sel.OpWait {
			g.slotDepOn(g.memIndex(sel.BTIGlobal), nd)
			g.slotDepOn(g.memIndex(sel.BTILocal), nd)
		}

		g.updateWrites(nd)
	}

	// Labels, branches and the thread end never move.
	for i := 0; i < n; i++ {
		insn := g.insnNodes[i].insn

		if insn.IsBranch() || insn.IsLabel() || insn.Op == sel.OpEot {
			g.makeBarrier(i, n)
		}
	}

	for i := 0; i < n; i++ {
		if g.insnNodes[i].refs == 0 {
			g.ready = append(g.ready, g.insnNodes[i])
		}
	}

	return n
}

func (g *scheduler) scheduleDAG(b *sel.Block, n int) {
	out := make([]*sel.Instr, 0, n)
	cycle := 0

	for n != 0 {
		// Retire what finished and release its children.
		for g.active.Len() != 0 && g.active.Data[0].retired <= cycle {
			nd := g.active.Pop()

			for _, c := range nd.children {
				c.refs--

				if c.refs == 0 {
					g.ready = append(g.ready, c)
				}
			}
		}

		if len(g.ready) == 0 {
			cycle++
			continue
		}

		var nd *node

		if g.policy == PostAlloc {
			nd = g.ready[0]
			g.ready = g.ready[:copy(g.ready, g.ready[1:])]
		} else {
			nd = g.ready[len(g.ready)-1]
			g.ready = g.ready[:len(g.ready)-1]
		}

		if g.policy == PostAlloc {
			cycle += throughput(nd.insn, g.width == 8)
			nd.retired = cycle + latency(nd.insn)
		} else {
			nd.retired = cycle
		}

		g.active.Push(nd)

		out = append(out, nd.insn)
		n--
	}

	b.Insns = out
}
