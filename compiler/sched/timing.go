package sched

import "github.com/simtlang/simt/compiler/sel"

// Instruction classes for timing. The numbers are coarse engineering
// estimates, not measured cycles: the machine co-issues across
// threads, so only the relative order matters.
type class uint8

const (
	classLabel class = iota
	classSimple
	classCompare
	classMath
	classBranch
	classSend
	classBarrier
)

var opClasses = [...]class{
	sel.OpMov: classSimple, sel.OpSel: classSimple, sel.OpNot: classSimple,
	sel.OpAnd: classSimple, sel.OpOr: classSimple, sel.OpXor: classSimple,
	sel.OpShr: classSimple, sel.OpShl: classSimple, sel.OpAsr: classSimple,
	sel.OpAdd: classSimple, sel.OpMul: classSimple, sel.OpMach: classSimple,
	sel.OpFrc: classSimple, sel.OpRndd: classSimple, sel.OpRndu: classSimple,
	sel.OpRnde: classSimple, sel.OpRndz: classSimple,

	sel.OpCmp:  classCompare,
	sel.OpMath: classMath,

	sel.OpJmpi:  classBranch,
	sel.OpLabel: classLabel,
	sel.OpNop:   classLabel,

	sel.OpUntypedRead: classSend, sel.OpUntypedWrite: classSend,
	sel.OpByteGather: classSend, sel.OpByteScatter: classSend,
	sel.OpEot: classSend,

	sel.OpBarrier: classBarrier, sel.OpWait: classBarrier,
}

var classLatency = [...]int{
	classLabel:   0,
	classSimple:  20,
	classCompare: 20,
	classMath:    40,
	classBranch:  14,
	classSend:    80,
	classBarrier: 80,
}

// Throughput in issue cycles, SIMD16 and SIMD8 variants.
var classThroughput = [...][2]int{
	classLabel:   {0, 0},
	classSimple:  {4, 2},
	classCompare: {4, 2},
	classMath:    {16, 8},
	classBranch:  {2, 1},
	classSend:    {8, 4},
	classBarrier: {16, 8},
}

func latency(i *sel.Instr) int {
	return classLatency[opClasses[i.Op]]
}

func throughput(i *sel.Instr, simd8 bool) int {
	t := classThroughput[opClasses[i.Op]]

	if simd8 {
		return t[1]
	}

	return t[0]
}
