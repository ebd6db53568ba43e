package sel

import (
	"fmt"
	"strings"
)

var typeNames = [...]string{
	TypeUD: "ud", TypeD: "d", TypeUW: "uw", TypeW: "w",
	TypeUB: "ub", TypeB: "b", TypeF: "f", TypeHF: "hf",
	TypeUQ: "uq", TypeQ: "q", TypeDF: "df",
}

func (t DataType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}

	return fmt.Sprintf("t%d", int(t))
}

func (r Reg) String() string {
	var b strings.Builder

	if r.Neg {
		b.WriteByte('-')
	}

	if r.Abs {
		b.WriteString("abs ")
	}

	switch r.File {
	case FileImm:
		fmt.Fprintf(&b, "#%d:%v", int64(r.Imm), r.Type)
	case FileNull:
		b.WriteString("null")
	case FileAcc:
		fmt.Fprintf(&b, "acc:%v", r.Type)
	case FileFlag:
		if r.Physical {
			fmt.Fprintf(&b, "f%d.%d", r.Nr, r.SubNr)
		} else {
			fmt.Fprintf(&b, "fv%d", r.Index)
		}
	default:
		if r.Physical {
			fmt.Fprintf(&b, "g%d.%d:%v", r.Nr, r.SubNr, r.Type)
		} else {
			fmt.Fprintf(&b, "v%d:%v", r.Index, r.Type)
		}
	}

	return b.String()
}

func (st State) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "(%d", st.ExecWidth)

	if st.NoMask {
		b.WriteString(" nomask")
	}

	if st.Predicate != PredNone {
		preds := [...]string{PredNormal: "+", PredAny: "+any", PredAll: "+all"}

		b.WriteString(" ")
		b.WriteString(preds[st.Predicate])

		if st.Inverse {
			b.WriteString("!")
		}

		b.WriteString(st.flagName())
	} else if st.AccWrEnable {
		b.WriteString(" accwr")
	}

	b.WriteString(")")

	return b.String()
}

func (st State) flagName() string {
	if st.PhysicalFlag {
		return fmt.Sprintf("f%d.%d", st.FlagNr, st.FlagSub)
	}

	return fmt.Sprintf("fv%d", st.FlagIndex)
}

func (i *Instr) String() string {
	var b strings.Builder

	b.WriteString(i.State.String())
	b.WriteString(" ")
	b.WriteString(i.Op.String())

	switch i.Op {
	case OpLabel:
		fmt.Fprintf(&b, " L%d", i.Index)
		return b.String()
	case OpJmpi:
		fmt.Fprintf(&b, " L%d", i.Index)
		return b.String()
	case OpCmp:
		conds := [...]string{CondEQ: "eq", CondNE: "ne", CondLT: "lt", CondLE: "le", CondGT: "gt", CondGE: "ge"}
		fmt.Fprintf(&b, ".%s %s", conds[i.Function], i.State.flagName())
	case OpMath:
		fmt.Fprintf(&b, ".%d", i.Function)
	case OpUntypedRead, OpUntypedWrite, OpByteGather, OpByteScatter:
		fmt.Fprintf(&b, ".bti%#x.%d", i.Function, i.Elem)
	case OpBarrier:
		fmt.Fprintf(&b, ".%#x", i.Function)
	}

	for j, d := range i.Dsts() {
		if j > 0 {
			b.WriteString(",")
		}

		b.WriteString(" ")
		b.WriteString(d.String())
	}

	if i.DstNum != 0 && i.SrcNum != 0 {
		b.WriteString(" <-")
	}

	for j, s := range i.Srcs() {
		if j > 0 {
			b.WriteString(",")
		}

		b.WriteString(" ")
		b.WriteString(s.String())
	}

	return b.String()
}

// Dump renders all blocks for stage dumps.
func (s *Selection) Dump() string {
	var b strings.Builder

	for i, blk := range s.Blocks {
		fmt.Fprintf(&b, "block %d", i)

		if len(blk.Vectors) != 0 {
			fmt.Fprintf(&b, "  (%d vectors)", len(blk.Vectors))
		}

		b.WriteString("\n")

		for _, x := range blk.Insns {
			b.WriteString("  ")
			b.WriteString(x.String())
			b.WriteString("\n")
		}
	}

	return b.String()
}
