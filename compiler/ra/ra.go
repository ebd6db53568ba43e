// Package ra assigns physical register file bytes to the virtual
// registers of a selection. Contiguity constraints are satisfied
// first, then plain registers are placed by a linear scan over live
// intervals. Booleans live in the flag registers. There is no
// spilling: when the file is exhausted allocation fails and the
// driver retries with a cheaper strategy.
package ra

import (
	"context"
	"math"
	"sort"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"

	"github.com/simtlang/simt/compiler/ir"
	"github.com/simtlang/simt/compiler/sel"
	"github.com/simtlang/simt/compiler/set"
)

const (
	grfNum   = 128
	grfSize  = 32
	fileSize = grfNum * grfSize

	// flag slot 0 is f0.0, reserved for the lane pointer checks
	flagSlots = 16
)

var ErrAllocation = errors.New("register allocation failed")

// Result is the placement of one allocation run. It answers the
// physical queries the post-allocation scheduler and the kernel
// builder need.
type Result struct {
	offsets []int
	flags   []int

	footprint int
	curbeSize int
}

func (r *Result) Allocated(reg ir.Reg) bool { return r.offsets[reg] >= 0 }

// Offset returns the register file byte offset of the register.
func (r *Result) Offset(reg ir.Reg) int { return r.offsets[reg] }

// GRFNr returns the first hardware register of the allocation.
func (r *Result) GRFNr(reg ir.Reg) int { return r.offsets[reg] / grfSize }

// FlagSlot returns the physical flag pair of a boolean register.
func (r *Result) FlagSlot(reg ir.Reg) (nr, sub int) {
	s := r.flags[reg]
	return s / 2, s % 2
}

// Footprint returns the number of hardware registers the kernel touches.
func (r *Result) Footprint() int { return r.footprint }

// CurbeSize returns the payload bytes preloaded after the thread header.
func (r *Result) CurbeSize() int { return r.curbeSize }

type interval struct {
	reg        ir.Reg
	start, end int
}

type allocator struct {
	s     *sel.Selection
	width int
	limit bool

	part *Partitioner
	res  *Result

	used   set.Bitmap
	pinned set.Bitmap

	grf   []interval
	flags []interval
}

// Allocate places every register the selection uses. The limit flag
// drops argument pushing to free payload space for hot kernels.
func Allocate(ctx context.Context, s *sel.Selection, width int, limit bool) (res *Result, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "allocate",
		"func", s.Fn.Name, "width", width, "limit", limit)
	defer tr.Finish("err", &err)

	_ = ctx

	a := &allocator{
		s:     s,
		width: width,
		limit: limit,
		res: &Result{
			offsets: make([]int, s.RegNum()),
			flags:   make([]int, s.RegNum()),
		},
	}

	for i := range a.res.offsets {
		a.res.offsets[i] = -1
		a.res.flags[i] = -1
	}

	a.scanUsage()
	a.placePayload()

	err = a.placeVectors()
	if err != nil {
		return nil, err
	}

	a.buildIntervals()

	err = a.scanGRF(tr)
	if err != nil {
		return nil, err
	}

	err = a.scanFlags()
	if err != nil {
		return nil, err
	}

	a.res.footprint = (a.part.Max() + grfSize - 1) / grfSize

	tr.Printw("allocated", "footprint", a.res.footprint, "curbe", a.res.curbeSize)

	return a.res, nil
}

func (a *allocator) stride(r ir.Reg) int {
	return a.s.RegFamily(r).Size() * a.width
}

func (a *allocator) scanUsage() {
	for _, b := range a.s.Blocks {
		for _, i := range b.Insns {
			forEachUse(i, func(r ir.Reg) { a.used.Set(int(r)) })
			forEachDef(i, func(r ir.Reg) { a.used.Set(int(r)) })
		}
	}
}

// placePayload reserves the bottom of the file: the thread header,
// the lane pointer, and the pushed argument registers. Everything
// placed here lives for the whole kernel.
func (a *allocator) placePayload() {
	cursor := grfSize

	place := func(r ir.Reg) {
		st := a.stride(r)

		align := st
		if align > grfSize {
			align = grfSize
		}

		cursor = (cursor + align - 1) &^ (align - 1)
		a.res.offsets[r] = cursor
		a.pinned.Set(int(r))
		cursor += st
	}

	place(ir.RegBlockIP)

	for r := ir.RegLocalID0; r <= ir.RegGroupID2; r++ {
		if a.used.IsSet(int(r)) {
			place(r)
		}
	}

	if a.used.IsSet(int(ir.RegStackPtr)) {
		place(ir.RegStackPtr)
	}

	if !a.limit {
		var pushed []ir.Reg

		a.s.Fn.RangePushed(func(r ir.Reg, _ ir.PushLocation) bool {
			pushed = append(pushed, r)
			return true
		})

		sort.Slice(pushed, func(i, j int) bool { return pushed[i] < pushed[j] })

		for _, r := range pushed {
			place(r)
		}
	}

	cursor = (cursor + grfSize - 1) &^ (grfSize - 1)

	a.res.curbeSize = cursor - grfSize
	a.part = NewPartitioner(cursor, fileSize-cursor)
}

// placeVectors satisfies contiguity constraints, biggest first so
// that smaller vectors land inside already placed ones when their
// registers line up.
func (a *allocator) placeVectors() error {
	var vectors []*sel.Vector

	for _, b := range a.s.Blocks {
		vectors = append(vectors, b.Vectors...)
	}

	sort.SliceStable(vectors, func(i, j int) bool {
		return len(vectors[i].Regs) > len(vectors[j].Regs)
	})

	for _, v := range vectors {
		err := a.placeVector(v)
		if err != nil {
			return err
		}
	}

	return nil
}

func (a *allocator) placeVector(v *sel.Vector) error {
	placed := 0
	for _, r := range v.Regs {
		if a.res.offsets[r] >= 0 {
			placed++
		}
	}

	if placed == len(v.Regs) {
		cum := a.res.offsets[v.Regs[0]]

		for _, r := range v.Regs {
			if a.res.offsets[r] != cum {
				return errors.Wrap(ErrAllocation, "conflicting layout for register v%d", r)
			}

			cum += a.stride(r)
		}

		return nil
	}

	if placed != 0 {
		return errors.Wrap(ErrAllocation, "vector partially placed")
	}

	total := 0
	for _, r := range v.Regs {
		total += a.stride(r)
	}

	off, ok := a.part.Allocate(total, grfSize)
	if !ok {
		return errors.Wrap(ErrAllocation, "%d contiguous bytes for %d registers", total, len(v.Regs))
	}

	for _, r := range v.Regs {
		a.res.offsets[r] = off
		a.pinned.Set(int(r))
		off += a.stride(r)
	}

	return nil
}

// buildIntervals numbers instructions across the whole function and
// computes per register live ranges, widened by block liveness so a
// value staying live across a back edge keeps its spot.
func (a *allocator) buildIntervals() {
	n := a.s.RegNum()

	starts := make([]int, n)
	ends := make([]int, n)

	for i := range starts {
		starts[i] = math.MaxInt
		ends[i] = -1
	}

	touch := func(r ir.Reg, pos int) {
		if pos < starts[r] {
			starts[r] = pos
		}

		if pos > ends[r] {
			ends[r] = pos
		}
	}

	type blockLive struct {
		use, def, in, out set.Bitmap
		start, end        int
	}

	live := make([]blockLive, len(a.s.Blocks))

	pos := 0
	for bi, b := range a.s.Blocks {
		l := &live[bi]
		l.start = pos

		for _, i := range b.Insns {
			forEachUse(i, func(r ir.Reg) {
				touch(r, pos)

				if !l.def.IsSet(int(r)) {
					l.use.Set(int(r))
				}
			})

			forEachDef(i, func(r ir.Reg) {
				touch(r, pos)
				l.def.Set(int(r))
			})

			pos++
		}

		l.end = pos - 1
	}

	for changed := true; changed; {
		changed = false

		for bi := len(a.s.Blocks) - 1; bi >= 0; bi-- {
			l := &live[bi]

			for _, s := range a.s.Blocks[bi].BB.Succs {
				if l.out.Or(live[s].in) {
					changed = true
				}
			}

			in := l.out.Copy()
			in.AndNot(l.def)
			in.Or(l.use)

			if l.in.Or(in) {
				changed = true
			}
		}
	}

	for bi := range live {
		l := &live[bi]

		l.out.Range(func(r int) bool {
			touch(ir.Reg(r), l.end)
			return true
		})

		l.in.Range(func(r int) bool {
			touch(ir.Reg(r), l.start)
			return true
		})
	}

	for r := 0; r < n; r++ {
		if !a.used.IsSet(r) || a.pinned.IsSet(r) {
			continue
		}

		iv := interval{reg: ir.Reg(r), start: starts[r], end: ends[r]}

		if a.s.RegFamily(ir.Reg(r)) == ir.FamilyBool {
			a.flags = append(a.flags, iv)
		} else {
			a.grf = append(a.grf, iv)
		}
	}

	sort.SliceStable(a.grf, func(i, j int) bool { return a.grf[i].start < a.grf[j].start })
	sort.SliceStable(a.flags, func(i, j int) bool { return a.flags[i].start < a.flags[j].start })
}

func (a *allocator) scanGRF(tr tlog.Span) error {
	type activeReg struct {
		end    int
		offset int
	}

	var active []activeReg

	for _, iv := range a.grf {
		for len(active) != 0 && active[0].end < iv.start {
			a.part.Deallocate(active[0].offset)
			active = active[1:]
		}

		st := a.stride(iv.reg)

		align := st
		if align > grfSize {
			align = grfSize
		}

		off, ok := a.part.Allocate(st, align)
		if !ok {
			tr.Printw("out of registers", "reg", iv.reg, "bytes", st,
				"live", len(active), "caller", loc.Caller(0))

			return errors.Wrap(ErrAllocation, "register v%d, %d bytes, %d live", iv.reg, st, len(active))
		}

		a.res.offsets[iv.reg] = off

		i := sort.Search(len(active), func(i int) bool { return active[i].end >= iv.end })
		active = append(active, activeReg{})
		copy(active[i+1:], active[i:])
		active[i] = activeReg{end: iv.end, offset: off}
	}

	return nil
}

func (a *allocator) scanFlags() error {
	var inUse [flagSlots]int // ends, exclusive; slot 0 stays reserved

	for i := range inUse {
		inUse[i] = -1
	}

	for _, iv := range a.flags {
		slot := -1

		for s := 1; s < flagSlots; s++ {
			if inUse[s] < iv.start {
				slot = s
				break
			}
		}

		if slot < 0 {
			return errors.Wrap(ErrAllocation, "flag register for v%d, %d live", iv.reg, flagSlots-1)
		}

		inUse[slot] = iv.end
		a.res.flags[iv.reg] = slot
	}

	return nil
}

func forEachUse(i *sel.Instr, f func(r ir.Reg)) {
	for _, s := range i.Srcs() {
		if (s.File == sel.FileGRF || s.File == sel.FileFlag) && !s.Physical {
			f(s.Index)
		}
	}

	if i.State.Predicate != sel.PredNone && !i.State.PhysicalFlag {
		f(i.State.FlagIndex)
	}
}

func forEachDef(i *sel.Instr, f func(r ir.Reg)) {
	for _, d := range i.Dsts() {
		if (d.File == sel.FileGRF || d.File == sel.FileFlag) && !d.Physical {
			f(d.Index)
		}
	}

	if i.Op == sel.OpCmp && !i.State.PhysicalFlag {
		f(i.State.FlagIndex)
	}
}
