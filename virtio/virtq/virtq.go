// Package virtq implements the descriptor layout of packed virtqueues as
// described by the Virtual I/O Device (VIRTIO) Version 1.2 spec, for both the
// driver and the device. Split virtqueues are not supported.
//
// Ownership is encoded by the AVAIL and USED flags relative to a wrap counter
// that each side flips when it passes the end of the ring. The driver makes a
// descriptor available by setting AVAIL to its wrap counter and USED to the
// inverse; the device marks it used by setting both to its own.
//
// Every descriptor is marked used individually, in order. For receive, the
// device sets NEXT on a used descriptor when the frame continues in the
// following buffer.
package virtq

import (
	"math"

	"github.com/c35s/nicring/ring"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Desc is a descriptor in a packed virtqueue.
type Desc struct {
	Addr    uint64
	Len     uint32
	IDFlags atomicbitops.Uint32 // ID:16 Flags:16
}

const (
	DescFNext     = 1 // buffer continues in the next descriptor
	DescFWrite    = 2 // buffer is device wo (otherwise ro)
	DescFIndirect = 4 // buffer contains a descriptor table
	DescFAvail    = 1 << 7
	DescFUsed     = 1 << 15
)

// ID returns the buffer ID of d.
func (d *Desc) ID() uint16 { return uint16(d.IDFlags.RacyLoad()) }

// Flags returns the flags of d.
func (d *Desc) Flags() uint16 { return uint16(d.IDFlags.RacyLoad() >> 16) }

func pack(id, flags uint16) uint32 { return uint32(id) | uint32(flags)<<16 }

func unpack(w uint32) (id, flags uint16) { return uint16(w), uint16(w >> 16) }

// wrapCounter is the wrap counter of the side that produced slot s. It starts
// at 1 and flips on every lap.
func wrapCounter(s ring.Slot) bool { return !s.Lap }

// availFlags returns the flags that make a descriptor available in a lap with
// the given wrap counter.
func availFlags(wrap bool) uint16 {
	if wrap {
		return DescFAvail
	}

	return DescFUsed
}

func usedFlags(wrap bool) uint16 {
	if wrap {
		return DescFAvail | DescFUsed
	}

	return 0
}

func isAvail(flags uint16, wrap bool) bool {
	a := flags&DescFAvail != 0
	u := flags&DescFUsed != 0
	return a != u && a == wrap
}

func isUsed(flags uint16, wrap bool) bool {
	a := flags&DescFAvail != 0
	u := flags&DescFUsed != 0
	return a == u && u == wrap
}

// Layout is the driver's side of a packed virtqueue. The same layout serves
// transmit and receive queues. Buffer IDs are slot indexes.
type Layout struct{}

// MaxSegment keeps Len within 32 bits on every platform.
func (Layout) MaxSegment() int { return math.MaxInt32 }

func (Layout) Ownership(d *Desc) *atomicbitops.Uint32 { return &d.IDFlags }

func (Layout) Clear(d *Desc, _ ring.Slot) {
	d.Addr, d.Len = 0, 0
	d.IDFlags.RacyStore(0)
}

func (Layout) DeviceOwned(word uint32, s ring.Slot) bool {
	_, flags := unpack(word)
	return !isUsed(flags, wrapCounter(s))
}

func (Layout) Tx(d *Desc, s ring.Slot, seg ring.Segment, m ring.Markers) uint32 {
	flags := availFlags(wrapCounter(s))
	if m&ring.EOP == 0 {
		flags |= DescFNext
	}

	d.Addr = seg.Addr
	d.Len = uint32(seg.Len)

	return pack(uint16(s.Index), flags)
}

func (Layout) Rx(d *Desc, s ring.Slot, addr uint64, size int) uint32 {
	d.Addr = addr
	d.Len = uint32(size)

	return pack(uint16(s.Index), DescFWrite|availFlags(wrapCounter(s)))
}

func (Layout) Received(d *Desc, word uint32) (int, bool) {
	_, flags := unpack(word)
	return int(d.Len), flags&DescFNext == 0
}
