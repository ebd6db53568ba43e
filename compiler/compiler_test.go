package compiler

import (
	"context"
	"strings"
	"testing"

	"tlog.app/go/errors"

	"github.com/simtlang/simt/compiler/ir"
	"github.com/simtlang/simt/compiler/ra"
	"github.com/simtlang/simt/compiler/sel"
)

// pressureFn builds a function with many simultaneously live values:
// it loads a pile of constants and only then folds them into one sum,
// so the register file must hold all of them at once.
func pressureFn(t *testing.T, u *ir.Unit, live int) *ir.Function {
	t.Helper()

	b := ir.Build(u, "pressure")

	arg := b.Arg("out", ir.ArgGlobalPtr, ir.TypeU64, 8)
	ptr := b.Reg(ir.FamilyQWord)
	b.Pushed(ptr, arg, 0)

	regs := make([]ir.Reg, live)
	for i := range regs {
		regs[i] = b.Reg(ir.FamilyDWord)
	}

	acc := b.Reg(ir.FamilyDWord)

	b.StartBlock(b.Label())

	for i, r := range regs {
		b.LoadImm(ir.TypeU32, r, uint64(i))
	}

	b.Mov(ir.TypeU32, acc, regs[0])
	for _, r := range regs[1:] {
		b.Binop(ir.OpAdd, ir.TypeU32, acc, acc, r)
	}

	b.Store(ir.TypeU32, ir.Global, ptr, true, acc)
	b.Ret()

	fn, err := b.Function()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	return fn
}

func smallFn(t *testing.T, u *ir.Unit, name string) *ir.Function {
	t.Helper()

	b := ir.Build(u, name)

	arg := b.Arg("out", ir.ArgGlobalPtr, ir.TypeU64, 8)
	ptr := b.Reg(ir.FamilyQWord)
	b.Pushed(ptr, arg, 0)

	x := b.Reg(ir.FamilyDWord)

	b.StartBlock(b.Label())
	b.LoadImm(ir.TypeU32, x, 7)
	b.Store(ir.TypeU32, ir.Global, ptr, true, x)
	b.Ret()

	fn, err := b.Function()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	return fn
}

func TestCompileFunctionRetriesNarrow(t *testing.T) {
	u := ir.NewUnit("t", 8)
	fn := pressureFn(t, u, 70)

	cfg := Config{PreSchedule: true, PostSchedule: true}

	k, err := CompileFunction(context.Background(), fn, cfg)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	// too fat for the wide strategies, the driver falls back
	if k.SimdWidth != 8 {
		t.Errorf("width: %v", k.SimdWidth)
	}

	if len(k.Patches) != 1 {
		t.Errorf("patches: %+v", k.Patches)
	}
}

func TestCompileFunctionPushesWide(t *testing.T) {
	u := ir.NewUnit("t", 8)
	fn := smallFn(t, u, "push")

	k, err := CompileFunction(context.Background(), fn, Config{PreSchedule: true, PostSchedule: true})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	// storing through the pushed pointer must not cost the wide
	// strategy its argument pushing
	if k.SimdWidth != 16 {
		t.Errorf("width: %v", k.SimdWidth)
	}

	if len(k.Patches) != 1 || k.Patches[0].CurbeOffset < 32 {
		t.Errorf("patches: %+v", k.Patches)
	}
}

func TestCompileFunctionPinnedWidth(t *testing.T) {
	u := ir.NewUnit("t", 8)
	fn := smallFn(t, u, "pinned")
	fn.SimdWidth = 8

	k, err := CompileFunction(context.Background(), fn, Config{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if k.SimdWidth != 8 {
		t.Errorf("width: %v", k.SimdWidth)
	}
}

func TestCompileFunctionPinnedWidthUnmatched(t *testing.T) {
	u := ir.NewUnit("t", 8)
	fn := smallFn(t, u, "pinned")
	fn.SimdWidth = 8

	cfg := Config{Strategies: []Strategy{{Width: 16}}}

	_, err := CompileFunction(context.Background(), fn, cfg)
	if err == nil || !strings.Contains(err.Error(), "no strategy matches") {
		t.Errorf("error: %v", err)
	}
}

func TestCompileFunctionHardErrorStops(t *testing.T) {
	u := ir.NewUnit("t", 8)
	b := ir.Build(u, "frem")

	x := b.Reg(ir.FamilyFloat)
	y := b.Reg(ir.FamilyFloat)

	b.StartBlock(b.Label())
	b.LoadImm(ir.TypeF32, x, 0x3f800000)
	b.LoadImm(ir.TypeF32, y, 0x40000000)
	b.Binop(ir.OpRem, ir.TypeF32, x, x, y)
	b.Ret()

	fn, err := b.Function()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	_, err = CompileFunction(context.Background(), fn, Config{})
	if !errors.Is(err, sel.ErrUnsupported) {
		t.Errorf("error: %v", err)
	}

	// a hard error fails outright instead of burning strategies
	if err != nil && strings.Contains(err.Error(), "no viable") {
		t.Errorf("hard error went through the retry loop: %v", err)
	}
}

func TestCompileFunctionAllStrategiesFail(t *testing.T) {
	u := ir.NewUnit("t", 8)
	fn := pressureFn(t, u, 70)

	cfg := Config{Strategies: []Strategy{{Width: 16}, {Width: 16, LimitPressure: true}}}

	_, err := CompileFunction(context.Background(), fn, cfg)
	if err == nil {
		t.Fatal("expected failure")
	}

	if !errors.Is(err, ra.ErrAllocation) {
		t.Errorf("cause: %v", err)
	}

	if !strings.Contains(err.Error(), "no viable code generation strategy") {
		t.Errorf("error: %v", err)
	}
}

func TestCompileUnit(t *testing.T) {
	u := ir.NewUnit("t", 8)
	smallFn(t, u, "a")
	smallFn(t, u, "b")

	kernels, err := Compile(context.Background(), u, DefaultConfig())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if len(kernels) != 2 || kernels["a"] == nil || kernels["b"] == nil {
		t.Errorf("kernels: %v", kernels)
	}
}
