// Package ring implements descriptor rings shared between a driver and a DMA
// engine. A ring is generic over the hardware descriptor type; everything
// backend specific is behind Layout.
//
// Rings are not safe for concurrent use by multiple goroutines. The device is
// the only other party, and it coordinates through the ownership word of each
// descriptor.
package ring

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/c35s/nicring/dma"
)

// Ring is the state shared by TxRing and RxRing. Slots in [head, tail) belong
// to the device. Two slots are never used so that head == tail always means
// empty.
type Ring[D any] struct {
	layout Layout[D]
	alloc  dma.Allocator
	cache  dma.Cache
	region dma.Region

	desc     []D
	descSize int
	cookies  []Cookie

	size   uint32
	head   Index
	tail   Index
	remain int
}

const CapacityMin = 4

var (
	ErrConfig = errors.New("ring: invalid config")
	ErrAlloc  = errors.New("ring: allocation failed")
)

func newRing[D any](r *Ring[D], capacity, alignment int, l Layout[D], a dma.Allocator, c dma.Cache) error {
	if capacity < CapacityMin || capacity&(capacity-1) != 0 {
		return fmt.Errorf("%w: capacity %d is not a power of 2 >= %d", ErrConfig, capacity, CapacityMin)
	}

	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return fmt.Errorf("%w: alignment %d is not a power of 2", ErrConfig, alignment)
	}

	if l == nil || a == nil {
		return fmt.Errorf("%w: missing layout or allocator", ErrConfig)
	}

	var zero D
	dsz := int(unsafe.Sizeof(zero))

	if dsz == 0 {
		return fmt.Errorf("%w: zero-size descriptor", ErrConfig)
	}

	if al := int(unsafe.Alignof(zero)); alignment < al {
		alignment = al
	}

	region, err := a.Alloc(dsz*capacity, alignment)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	if c == nil {
		c = dma.Coherent{}
	}

	if b, ok := l.(Based); ok {
		b.SetBase(region.Phys)
	}

	*r = Ring[D]{
		layout:   l,
		alloc:    a,
		cache:    c,
		region:   region,
		desc:     unsafe.Slice((*D)(unsafe.Pointer(&region.Bytes[0])), capacity),
		descSize: dsz,
		cookies:  make([]Cookie, capacity),
		size:     uint32(capacity),
		remain:   capacity - 2,
	}

	r.clear()
	return nil
}

// Capacity returns the number of descriptor slots.
func (r *Ring[D]) Capacity() int { return int(r.size) }

// Free returns the number of slots the driver may still hand to the device.
func (r *Ring[D]) Free() int { return r.remain }

// Occupied returns the number of slots the device owns.
func (r *Ring[D]) Occupied() int { return int(r.size) - 2 - r.remain }

func (r *Ring[D]) Head() Index { return r.head }
func (r *Ring[D]) Tail() Index { return r.tail }

// Phys returns the physical address of the descriptor array.
func (r *Ring[D]) Phys() uint64 { return r.region.Phys }

// Descriptors returns the descriptor array. The device side of a simulated
// backend uses it; drivers should not.
func (r *Ring[D]) Descriptors() []D { return r.desc }

// Reset drops everything in flight and returns the ring to its freshly
// created state. The device must be stopped. drop, if not nil, is called for
// each cookie still held by the ring; it is not a completion. Reset returns
// the number of descriptors dropped.
func (r *Ring[D]) Reset(drop func(Cookie)) int {
	dropped := r.Occupied()

	for i, c := range r.cookies {
		if c != nil && drop != nil {
			drop(c)
		}

		r.cookies[i] = nil
	}

	r.clear()
	r.head, r.tail = Index{}, Index{}
	r.remain = int(r.size) - 2

	return dropped
}

// Destroy returns the descriptor memory to its allocator. The ring must not
// be used afterwards.
func (r *Ring[D]) Destroy() {
	if r.desc == nil {
		return
	}

	r.alloc.Free(r.region)
	r.desc, r.cookies = nil, nil
}

func (r *Ring[D]) clear() {
	for i := range r.desc {
		r.layout.Clear(&r.desc[i], r.slotAt(Index{Pos: uint32(i)}))
	}

	r.cache.Clean(r.region.Phys, len(r.region.Bytes))
}

func (r *Ring[D]) slotAt(i Index) Slot {
	return Slot{
		Index: int(i.Pos),
		Last:  i.Pos == r.size-1,
		Lap:   i.Lap,
	}
}

func (r *Ring[D]) descPhys(pos uint32) uint64 {
	return r.region.Phys + uint64(pos)*uint64(r.descSize)
}
