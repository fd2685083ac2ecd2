package ring

// Index is a position in a ring whose size is a power of 2. Lap flips every
// time the position wraps past the last slot, which is what packed layouts
// use as their wrap counter. All wrap-around arithmetic lives here.
type Index struct {
	Pos uint32
	Lap bool
}

// Advance returns i moved forward n slots in a ring of the given size.
func (i Index) Advance(n int, size uint32) Index {
	p := i.Pos + uint32(n)
	for p >= size {
		p -= size
		i.Lap = !i.Lap
	}

	i.Pos = p
	return i
}

// Distance returns the number of slots from i forward to j.
func (i Index) Distance(j Index, size uint32) uint32 {
	return (j.Pos - i.Pos) & (size - 1)
}
