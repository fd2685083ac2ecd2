// Package dwmac implements the normal descriptor layout of the Synopsys
// DesignWare GMAC (the MAC in the Amlogic S905 and many other SoCs).
//
// Descriptors are either kept in ring mode, where the last one carries an
// end-of-ring bit, or chained, where each points at the next by physical
// address and the last points back at the first.
package dwmac

import (
	"fmt"

	"github.com/c35s/nicring/ring"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Desc is a normal DMA descriptor.
type Desc struct {
	Status atomicbitops.Uint32
	Cntl   uint32
	Addr   uint32
	Next   uint32
}

const descSize = 16

// Own is set in Status while the DMA engine owns the descriptor.
const Own = 1 << 31

// transmit control bits
const (
	TxInt        = 1 << 31 // interrupt on completion
	TxLast       = 1 << 30
	TxFirst      = 1 << 29
	TxEndOfRing  = 1 << 25
	TxChain      = 1 << 24
	TxSize1Mask  = 0x7ff
	TxSize1Shift = 0
)

// receive control bits
const (
	RxEndOfRing = 1 << 25
	RxChain     = 1 << 24
	RxSize1Mask = 0x7ff
)

// receive status bits
const (
	RxErrSummary  = 1 << 15
	RxFirst       = 1 << 9
	RxLast        = 1 << 8
	RxFrmLenMask  = 0x3fff << RxFrmLenShift
	RxFrmLenShift = 16
)

// MaxBuf is the largest buffer one descriptor can describe.
const MaxBuf = TxSize1Mask

// Chain links descriptors into a list. Base is the physical address of the
// first descriptor; the ring sets it through SetBase.
type Chain struct {
	Base uint64
}

func (c *Chain) next(s ring.Slot) uint32 {
	if s.Last {
		return uint32(c.Base)
	}

	return uint32(c.Base + uint64(s.Index+1)*descSize)
}

func addr32(a uint64) uint32 {
	if a > 0xffff_ffff {
		panic(fmt.Sprintf("dwmac: address %#x is above 4G", a))
	}

	return uint32(a)
}

// Tx writes transmit descriptors. A nil Chain selects ring mode.
type Tx struct {
	Chain *Chain
}

// NewChainedTx returns a transmit layout in chained mode.
func NewChainedTx() Tx { return Tx{Chain: new(Chain)} }

func (l Tx) SetBase(phys uint64) {
	if l.Chain != nil {
		l.Chain.Base = uint64(addr32(phys))
	}
}

func (Tx) MaxSegment() int { return MaxBuf }

func (Tx) Ownership(d *Desc) *atomicbitops.Uint32 { return &d.Status }

func (l Tx) Clear(d *Desc, s ring.Slot) {
	d.Cntl = l.mode(d, s)
	d.Addr = 0
	d.Status.RacyStore(0)
}

func (Tx) DeviceOwned(word uint32, _ ring.Slot) bool { return word&Own != 0 }

func (l Tx) Tx(d *Desc, s ring.Slot, seg ring.Segment, m ring.Markers) uint32 {
	if seg.Len > MaxBuf {
		panic(fmt.Sprintf("dwmac: segment of %d bytes exceeds %d", seg.Len, MaxBuf))
	}

	cntl := l.mode(d, s) | uint32(seg.Len)<<TxSize1Shift&TxSize1Mask
	if m&ring.SOP != 0 {
		cntl |= TxFirst
	}

	if m&ring.EOP != 0 {
		cntl |= TxLast | TxInt
	}

	d.Cntl = cntl
	d.Addr = addr32(seg.Addr)

	return Own
}

func (l Tx) mode(d *Desc, s ring.Slot) uint32 {
	if l.Chain != nil {
		d.Next = l.Chain.next(s)
		return TxChain
	}

	d.Next = 0
	if s.Last {
		return TxEndOfRing
	}

	return 0
}

// Rx reads and writes receive descriptors. A nil Chain selects ring mode.
type Rx struct {
	Chain *Chain
}

// NewChainedRx returns a receive layout in chained mode.
func NewChainedRx() Rx { return Rx{Chain: new(Chain)} }

func (l Rx) SetBase(phys uint64) {
	if l.Chain != nil {
		l.Chain.Base = uint64(addr32(phys))
	}
}

func (Rx) Ownership(d *Desc) *atomicbitops.Uint32 { return &d.Status }

func (l Rx) Clear(d *Desc, s ring.Slot) {
	d.Cntl = l.mode(d, s)
	d.Addr = 0
	d.Status.RacyStore(0)
}

func (Rx) DeviceOwned(word uint32, _ ring.Slot) bool { return word&Own != 0 }

func (l Rx) Rx(d *Desc, s ring.Slot, addr uint64, size int) uint32 {
	if size > RxSize1Mask {
		size = RxSize1Mask
	}

	d.Cntl = l.mode(d, s) | uint32(size)&RxSize1Mask
	d.Addr = addr32(addr)

	return Own
}

// Received reports the bytes in this buffer. The device fills every buffer
// of a frame but the last, and writes the length of the whole frame into the
// last descriptor's status, so the last buffer holds what is left over.
func (Rx) Received(d *Desc, word uint32) (int, bool) {
	size := int(d.Cntl & RxSize1Mask)
	if word&RxLast == 0 {
		return size, false
	}

	n := int(word&RxFrmLenMask) >> RxFrmLenShift
	if word&RxFirst != 0 || size == 0 {
		return n, true
	}

	if rem := n % size; rem != 0 {
		return rem, true
	}

	return size, true
}

// Errored reports the error summary bit of the last descriptor.
func (Rx) Errored(word uint32) bool { return word&RxErrSummary != 0 }

func (l Rx) mode(d *Desc, s ring.Slot) uint32 {
	if l.Chain != nil {
		d.Next = l.Chain.next(s)
		return RxChain
	}

	d.Next = 0
	if s.Last {
		return RxEndOfRing
	}

	return 0
}
