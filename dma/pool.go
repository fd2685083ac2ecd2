package dma

import (
	"fmt"
	"sync"
)

// Buf is one fixed-size buffer owned by a Pool.
type Buf struct {
	Phys  uint64
	Bytes []byte // full capacity; callers slice to the valid length

	idx int
}

// Pool is a fixed set of equally sized buffers carved out of one region.
// Free buffers are kept on a stack so the most recently freed (and likely
// still cached) buffer is reused first.
type Pool struct {
	mu     sync.Mutex
	region Region
	alloc  Allocator
	bufs   []Buf
	free   []int
	inUse  []bool
	size   int
}

// NewPool allocates n buffers of size bytes, each aligned to align.
func NewPool(a Allocator, n, size, align int) (*Pool, error) {
	if n <= 0 || size <= 0 {
		return nil, fmt.Errorf("%w: pool of %d buffers of %d bytes", ErrConfig, n, size)
	}

	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of 2", ErrConfig, align)
	}

	stride := (size + align - 1) &^ (align - 1)

	r, err := a.Alloc(n*stride, align)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		region: r,
		alloc:  a,
		bufs:   make([]Buf, n),
		free:   make([]int, n),
		inUse:  make([]bool, n),
		size:   size,
	}

	for i := range p.bufs {
		off := i * stride
		p.bufs[i] = Buf{
			Phys:  r.Phys + uint64(off),
			Bytes: r.Bytes[off : off+size : off+size],
			idx:   i,
		}

		// pop order is 0, 1, 2...
		p.free[i] = n - 1 - i
	}

	return p, nil
}

// Alloc takes a buffer from the pool. It returns false if the pool is empty.
func (p *Pool) Alloc() (*Buf, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, false
	}

	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[i] = true

	return &p.bufs[i], true
}

// Free returns b to the pool. Freeing a buffer twice is a bug and panics.
func (p *Pool) Free(b *Buf) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b == nil || b.idx >= len(p.bufs) || &p.bufs[b.idx] != b {
		panic("dma: free of foreign buffer")
	}

	if !p.inUse[b.idx] {
		panic(fmt.Sprintf("dma: double free of buffer %#x", b.Phys))
	}

	p.inUse[b.idx] = false
	p.free = append(p.free, b.idx)
}

// Available returns the number of free buffers.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) Len() int     { return len(p.bufs) }
func (p *Pool) BufSize() int { return p.size }

// Close returns the pool's memory to its allocator.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bufs == nil {
		return
	}

	p.alloc.Free(p.region)
	p.bufs, p.free, p.inUse = nil, nil, nil
}
