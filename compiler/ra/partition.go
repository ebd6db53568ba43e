package ra

// Partitioner hands out byte ranges of the register file. First fit
// over a sorted free list, with coalescing on release.
type Partitioner struct {
	free      []span
	allocated map[int]int

	// high water mark of the arena, for the kernel footprint
	max int
}

type span struct {
	offset int
	size   int
}

func NewPartitioner(offset, size int) *Partitioner {
	return &Partitioner{
		free:      []span{{offset: offset, size: size}},
		allocated: map[int]int{},
		max:       offset,
	}
}

// Allocate finds an aligned range of the given size. It reports
// failure instead of growing: the register file is fixed.
func (p *Partitioner) Allocate(size, align int) (int, bool) {
	if size <= 0 || align <= 0 {
		return 0, false
	}

	for i, s := range p.free {
		start := (s.offset + align - 1) &^ (align - 1)
		end := s.offset + s.size

		if start+size > end {
			continue
		}

		var repl []span

		if start > s.offset {
			repl = append(repl, span{offset: s.offset, size: start - s.offset})
		}

		if start+size < end {
			repl = append(repl, span{offset: start + size, size: end - start - size})
		}

		p.free = append(p.free[:i], append(repl, p.free[i+1:]...)...)
		p.allocated[start] = size

		if start+size > p.max {
			p.max = start + size
		}

		return start, true
	}

	return 0, false
}

// Deallocate returns a range obtained from Allocate. Releasing an
// unknown offset is a no-op.
func (p *Partitioner) Deallocate(offset int) {
	size, ok := p.allocated[offset]
	if !ok {
		return
	}

	delete(p.allocated, offset)

	i := 0
	for i < len(p.free) && p.free[i].offset < offset {
		i++
	}

	p.free = append(p.free, span{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = span{offset: offset, size: size}

	p.coalesce(i)
}

func (p *Partitioner) coalesce(i int) {
	if i+1 < len(p.free) && p.free[i].offset+p.free[i].size == p.free[i+1].offset {
		p.free[i].size += p.free[i+1].size
		p.free = append(p.free[:i+1], p.free[i+2:]...)
	}

	if i > 0 && p.free[i-1].offset+p.free[i-1].size == p.free[i].offset {
		p.free[i-1].size += p.free[i].size
		p.free = append(p.free[:i], p.free[i+1:]...)
	}
}

// Max returns the high water mark of the arena.
func (p *Partitioner) Max() int { return p.max }
