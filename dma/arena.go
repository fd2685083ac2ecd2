//go:build linux

package dma

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Arena is a physically contiguous block of pinned memory. Physical addresses
// start at the arena's base and map 1:1 onto the mmaped bytes, so anything the
// driver writes is visible to a device resolving addresses with MemAt.
//
// Arena is a bump allocator. Free is accepted for symmetry with real DMA
// managers but memory is only returned by Close.
type Arena struct {
	mu   sync.Mutex
	mem  []byte
	base uint64
	off  int
	live int
}

const (
	ArenaSizeMin     = 64 << 10 // 64K
	ArenaSizeDefault = 4 << 20  // 4M

	// BaseDefault keeps addresses below 4G so 32-bit descriptor layouts can
	// hold them.
	BaseDefault = 0x4000_0000
)

// NewArena maps size bytes of anonymous memory at physical base.
// A size of 0 selects ArenaSizeDefault.
func NewArena(size int, base uint64) (*Arena, error) {
	if size == 0 {
		size = ArenaSizeDefault
	}

	pgsz := os.Getpagesize()

	switch {
	case size < ArenaSizeMin:
		return nil, fmt.Errorf("%w: arena is too small: %d < %d", ErrConfig, size, ArenaSizeMin)

	case size%pgsz != 0:
		return nil, fmt.Errorf("%w: arena size must be a multiple of the page size (%d)", ErrConfig, pgsz)

	case base%uint64(pgsz) != 0:
		return nil, fmt.Errorf("%w: base %#x is not page aligned", ErrConfig, base)
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMmap, err)
	}

	return &Arena{mem: mem, base: base}, nil
}

// Alloc returns size bytes whose physical address is a multiple of align.
// The memory is zeroed.
func (a *Arena) Alloc(size, align int) (Region, error) {
	if size <= 0 {
		return Region{}, fmt.Errorf("%w: size %d", ErrConfig, size)
	}

	if align <= 0 || align&(align-1) != 0 {
		return Region{}, fmt.Errorf("%w: alignment %d is not a power of 2", ErrConfig, align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return Region{}, fmt.Errorf("%w: arena is closed", ErrNoSpace)
	}

	phys := (a.base + uint64(a.off) + uint64(align) - 1) &^ (uint64(align) - 1)
	off := int(phys - a.base)

	if off+size > len(a.mem) {
		return Region{}, fmt.Errorf("%w: want %d bytes, %d left", ErrNoSpace, size, len(a.mem)-a.off)
	}

	a.off = off + size
	a.live++

	b := a.mem[off : off+size : off+size]
	clear(b)

	return Region{Phys: phys, Bytes: b}, nil
}

func (a *Arena) Free(r Region) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.Bytes != nil && a.live > 0 {
		a.live--
	}
}

// MemAt returns the n bytes at physical address phys.
func (a *Arena) MemAt(phys uint64, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if phys < a.base || n < 0 || phys-a.base+uint64(n) > uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrRange, phys, phys+uint64(n))
	}

	off := phys - a.base
	return a.mem[off : off+uint64(n)], nil
}

// Base returns the physical address of the first byte of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Used returns the number of bytes handed out so far, including padding.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.off
}

func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}

	err := unix.Munmap(a.mem)
	a.mem = nil

	return err
}
