package ir

// SortLabels renumbers labels so that block i carries label i, patching
// every label and branch in place. Linearization depends on this
// numbering: a branch to a smaller label is backward, to a larger one
// forward. Unused label table entries are dropped.
func (f *Function) SortLabels() {
	remap := make([]LabelIndex, len(f.labels))

	for i, b := range f.Blocks {
		remap[b.Label()] = LabelIndex(i)
	}

	f.labels = f.labels[:0]

	for i, b := range f.Blocks {
		f.labels = append(f.labels, i)
		b.Code[0] = Label{Index: LabelIndex(i)}

		last := len(b.Code) - 1

		if br, ok := b.Code[last].(Branch); ok {
			br.Target = remap[br.Target]
			b.Code[last] = br
		}
	}
}

// ComputeCFG rebuilds predecessor and successor lists from scratch.
// A block falls through to the next one unless it ends with an
// unconditional branch or a return.
func (f *Function) ComputeCFG() {
	for i, b := range f.Blocks {
		b.Index = i
		b.Preds = b.Preds[:0]
		b.Succs = b.Succs[:0]
	}

	for i, b := range f.Blocks {
		fall := true

		switch x := b.Last().(type) {
		case Branch:
			f.addEdge(i, f.LabelBlock(x.Target))
			fall = x.Conditional
		case Ret:
			fall = false
		}

		if fall && i+1 < len(f.Blocks) {
			f.addEdge(i, i+1)
		}
	}
}

func (f *Function) addEdge(from, to int) {
	for _, s := range f.Blocks[from].Succs {
		if s == to {
			return
		}
	}

	f.Blocks[from].Succs = append(f.Blocks[from].Succs, to)
	f.Blocks[to].Preds = append(f.Blocks[to].Preds, from)
}
