package nic

import (
	"fmt"

	"github.com/c35s/nicring/dma"
	"github.com/c35s/nicring/ring"
)

// BufferPool supplies receive buffers by physical address. Free takes back a
// buffer the driver no longer needs; cookies delivered to a Handler are the
// Handler's to return.
type BufferPool interface {
	Alloc(size int) (addr uint64, cookie ring.Cookie, ok bool)
	Free(cookie ring.Cookie)
}

// Pool adapts a dma.Pool to BufferPool. Cookies are *dma.Buf.
type Pool struct {
	*dma.Pool
}

func (p Pool) Alloc(size int) (uint64, ring.Cookie, bool) {
	if size > p.BufSize() {
		return 0, nil, false
	}

	b, ok := p.Pool.Alloc()
	if !ok {
		return 0, nil, false
	}

	return b.Phys, b, true
}

func (p Pool) Free(cookie ring.Cookie) {
	b, ok := cookie.(*dma.Buf)
	if !ok {
		panic(fmt.Sprintf("nic: foreign cookie %T", cookie))
	}

	p.Pool.Free(b)
}
