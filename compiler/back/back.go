// Package back drives code generation for one kernel at one strategy:
// it normalizes returns, resolves the lane divergence jump targets,
// runs selection, both scheduling passes and register allocation, and
// packs the result into a Kernel descriptor.
package back

import (
	"context"
	"sort"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/simtlang/simt/compiler/ir"
	"github.com/simtlang/simt/compiler/ra"
	"github.com/simtlang/simt/compiler/sched"
	"github.com/simtlang/simt/compiler/sel"
)

type (
	// Context compiles one function at a fixed width.
	Context struct {
		Fn    *ir.Function
		Width int

		// Limit trades argument pushing for free payload registers.
		Limit bool

		PreSchedule  bool
		PostSchedule bool

		// usedLabels are the branch targets of the function, the
		// only labels a lane pointer can hold.
		usedLabels map[ir.LabelIndex]bool
	}

	// Patch tells the runtime which argument bytes to copy into the
	// payload before launch.
	Patch struct {
		Arg    int
		Offset int

		CurbeOffset int
	}

	// Kernel is the output of one successful compilation.
	Kernel struct {
		Name      string
		SimdWidth int

		RegNum    int
		CurbeSize int
		UseSLM    bool

		Patches []Patch

		Blocks  []*sel.Block
		InsnNum int
	}
)

// CompileKernel runs the full pipeline. Allocation failures come back
// wrapping ra.ErrAllocation so the driver can retry cheaper.
func (c *Context) CompileKernel(ctx context.Context) (k *Kernel, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "codegen",
		"func", c.Fn.Name, "width", c.Width, "limit", c.Limit)
	defer tr.Finish("err", &err)

	err = ir.Validate(ctx, c.Fn)
	if err != nil {
		return nil, errors.Wrap(err, "validate")
	}

	err = c.normalizeReturns()
	if err != nil {
		return nil, errors.Wrap(err, "normalize returns")
	}

	c.Fn.SortLabels()
	c.Fn.ComputeCFG()

	join := c.buildJIPs()

	s, err := sel.Select(ctx, c.Fn, sel.Params{Width: c.Width, Join: join})
	if err != nil {
		return nil, errors.Wrap(err, "select")
	}

	if c.PreSchedule {
		err = sched.Schedule(ctx, s, sched.PreAlloc, c.Width, nil)
		if err != nil {
			return nil, errors.Wrap(err, "pre-alloc schedule")
		}
	}

	res, err := ra.Allocate(ctx, s, c.Width, c.Limit)
	if err != nil {
		return nil, errors.Wrap(err, "allocate")
	}

	if c.PostSchedule {
		err = sched.Schedule(ctx, s, sched.PostAlloc, c.Width, res)
		if err != nil {
			return nil, errors.Wrap(err, "post-alloc schedule")
		}
	}

	k = c.buildKernel(s, res)

	tr.Printw("kernel", "name", k.Name, "width", k.SimdWidth,
		"regs", k.RegNum, "insns", k.InsnNum, "curbe", k.CurbeSize)

	return k, nil
}

// normalizeReturns rewrites the function so exactly one return
// remains, in the last block. That single return becomes the thread
// end message.
func (c *Context) normalizeReturns() error {
	f := c.Fn

	rets := 0
	for _, b := range f.Blocks {
		if _, ok := b.Last().(ir.Ret); ok {
			rets++
		}
	}

	last := f.Blocks[len(f.Blocks)-1]
	if rets == 1 {
		if _, ok := last.Last().(ir.Ret); ok {
			return nil
		}
	}

	l, err := f.NewLabel()
	if err != nil {
		return err
	}

	for _, b := range f.Blocks {
		if _, ok := b.Last().(ir.Ret); ok {
			b.Code[len(b.Code)-1] = ir.Branch{Target: l}
		}
	}

	term, err := f.AppendBlock(l)
	if err != nil {
		return err
	}

	term.Code = append(term.Code, ir.Ret{})

	return nil
}

// buildJIPs decides which labels need a join-point guard and where
// the guard skips to. Runs after SortLabels, so label order is block
// order. A label needs a guard iff a forward branch can move lanes
// past it; the skip target is the nearest branch target after it,
// the terminal block otherwise.
func (c *Context) buildJIPs() map[ir.LabelIndex]ir.LabelIndex {
	f := c.Fn

	c.usedLabels = map[ir.LabelIndex]bool{}
	forward := map[ir.LabelIndex]bool{}

	for _, b := range f.Blocks {
		br, ok := b.Last().(ir.Branch)
		if !ok {
			continue
		}

		c.usedLabels[br.Target] = true

		if br.Target > b.Label() {
			forward[br.Target] = true
		}
	}

	targets := make([]ir.LabelIndex, 0, len(c.usedLabels))
	for l := range c.usedLabels {
		targets = append(targets, l)
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	terminal := f.Blocks[len(f.Blocks)-1].Label()

	join := map[ir.LabelIndex]ir.LabelIndex{}

	for l := range forward {
		// Every lane converges on the terminal block, no guard needed.
		if l == terminal {
			continue
		}

		jip := terminal

		for _, t := range targets {
			if t > l {
				jip = t
				break
			}
		}

		join[l] = jip
	}

	return join
}

// UsedLabels returns the branch targets found by the last build.
func (c *Context) UsedLabels() map[ir.LabelIndex]bool { return c.usedLabels }

func (c *Context) buildKernel(s *sel.Selection, res *ra.Result) *Kernel {
	k := &Kernel{
		Name:      c.Fn.Name,
		SimdWidth: c.Width,
		RegNum:    res.Footprint(),
		CurbeSize: res.CurbeSize(),
		UseSLM:    c.Fn.UseSLM,
		Blocks:    s.Blocks,
	}

	for _, b := range s.Blocks {
		k.InsnNum += len(b.Insns)
	}

	if !c.Limit {
		c.Fn.RangePushed(func(r ir.Reg, loc ir.PushLocation) bool {
			if res.Allocated(r) {
				k.Patches = append(k.Patches, Patch{
					Arg:         loc.Arg,
					Offset:      loc.Offset,
					CurbeOffset: res.Offset(r),
				})
			}

			return true
		})

		sort.Slice(k.Patches, func(i, j int) bool {
			return k.Patches[i].CurbeOffset < k.Patches[j].CurbeOffset
		})
	}

	return k
}

// Dump renders the final instruction stream.
func (k *Kernel) Dump() string {
	s := sel.Selection{Blocks: k.Blocks}
	return s.Dump()
}
