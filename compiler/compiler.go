// Package compiler turns scalar ir units into kernels. It owns the
// strategy retry policy: wide first, then with argument pushing
// dropped, then narrow, accepting the first strategy the register
// file can hold.
package compiler

import (
	"context"

	"github.com/xyproto/env/v2"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/simtlang/simt/compiler/back"
	"github.com/simtlang/simt/compiler/ir"
	"github.com/simtlang/simt/compiler/ra"
)

type (
	// Strategy is one code generation attempt: an execution width
	// and whether to trade argument pushing for payload space.
	Strategy struct {
		Width         int
		LimitPressure bool
	}

	Config struct {
		PreSchedule  bool
		PostSchedule bool

		// Strategies overrides the retry table when non-empty.
		Strategies []Strategy
	}
)

var defaultStrategies = []Strategy{
	{Width: 16},
	{Width: 16, LimitPressure: true},
	{Width: 8},
	{Width: 8, LimitPressure: true},
}

// DefaultConfig reads the environment toggles.
func DefaultConfig() Config {
	return Config{
		PreSchedule:  env.Str("SIMT_PRE_SCHED", "1") != "0",
		PostSchedule: env.Str("SIMT_POST_SCHED", "1") != "0",
	}
}

// Compile generates a kernel for every function of the unit.
func Compile(ctx context.Context, u *ir.Unit, cfg Config) (kernels map[string]*back.Kernel, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile", "unit", u.Name)
	defer tr.Finish("err", &err)

	kernels = make(map[string]*back.Kernel, len(u.Functions))

	for _, f := range u.Functions {
		k, err := CompileFunction(ctx, f, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "%v", f.Name)
		}

		kernels[f.Name] = k
	}

	return kernels, nil
}

// CompileFunction walks the strategy table until one fits. Only
// register exhaustion moves on to the next strategy; anything else
// fails the compilation outright.
func CompileFunction(ctx context.Context, f *ir.Function, cfg Config) (k *back.Kernel, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile_function", "func", f.Name)
	defer tr.Finish("err", &err)

	strategies := cfg.Strategies
	if len(strategies) == 0 {
		strategies = defaultStrategies
	}

	if f.SimdWidth != 0 {
		narrowed := make([]Strategy, 0, len(strategies))

		for _, s := range strategies {
			if s.Width == f.SimdWidth {
				narrowed = append(narrowed, s)
			}
		}

		strategies = narrowed
	}

	if len(strategies) == 0 {
		return nil, errors.New("no strategy matches pinned width %v", f.SimdWidth)
	}

	var last error

	for _, s := range strategies {
		c := &back.Context{
			Fn:           f,
			Width:        s.Width,
			Limit:        s.LimitPressure,
			PreSchedule:  cfg.PreSchedule,
			PostSchedule: cfg.PostSchedule,
		}

		k, err = c.CompileKernel(ctx)
		if err == nil {
			return k, nil
		}

		if !errors.Is(err, ra.ErrAllocation) {
			return nil, err
		}

		tr.Printw("strategy failed", "width", s.Width, "limit", s.LimitPressure, "err", err)

		last = err
	}

	return nil, errors.Wrap(last, "no viable code generation strategy")
}
