// Package enet implements the buffer descriptor layout of the i.MX6 ENET
// MAC. A descriptor is two words: data length and status share the first,
// the buffer address is the second. The MAC only reaches 32-bit addresses.
package enet

import (
	"fmt"

	"github.com/c35s/nicring/ring"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Desc is a legacy (non-enhanced) buffer descriptor.
type Desc struct {
	Word atomicbitops.Uint32 // len:16 stat:16
	Addr uint32
}

// receive status bits
const (
	RxEmpty     = 1 << 15 // waiting for reception
	RxWrap      = 1 << 13 // last descriptor in the ring
	RxLast      = 1 << 11 // last buffer of a frame
	RxMiss      = 1 << 8
	RxBroadcast = 1 << 7
	RxMulticast = 1 << 6
	RxBadLen    = 1 << 5
	RxBadAlign  = 1 << 4
	RxCRCErr    = 1 << 2
	RxOverrun   = 1 << 1
	RxTrunc     = 1 << 0

	RxError = RxBadLen | RxBadAlign | RxCRCErr | RxOverrun | RxTrunc
)

// transmit status bits
const (
	TxReady     = 1 << 15 // waiting to be transmitted
	TxWrap      = 1 << 13 // last descriptor in the ring
	TxLast      = 1 << 11 // last buffer of a frame
	TxAddCRC    = 1 << 10 // append a CRC
	TxAddBadCRC = 1 << 9
)

func pack(n int, stat uint16) uint32 { return uint32(n)&0xffff | uint32(stat)<<16 }

func unpack(w uint32) (n int, stat uint16) { return int(w & 0xffff), uint16(w >> 16) }

func addr32(a uint64) uint32 {
	if a > 0xffff_ffff {
		panic(fmt.Sprintf("enet: buffer address %#x is above 4G", a))
	}

	return uint32(a)
}

func wrap(s ring.Slot, bit uint16) uint16 {
	if s.Last {
		return bit
	}

	return 0
}

// Tx writes transmit descriptors.
type Tx struct{}

// MaxSegment is the limit of the 16-bit data length field.
func (Tx) MaxSegment() int { return 0xffff }

func (Tx) Ownership(d *Desc) *atomicbitops.Uint32 { return &d.Word }

func (Tx) Clear(d *Desc, s ring.Slot) {
	d.Addr = 0
	d.Word.RacyStore(pack(0, wrap(s, TxWrap)))
}

func (Tx) DeviceOwned(word uint32, _ ring.Slot) bool {
	_, stat := unpack(word)
	return stat&TxReady != 0
}

func (Tx) Tx(d *Desc, s ring.Slot, seg ring.Segment, m ring.Markers) uint32 {
	d.Addr = addr32(seg.Addr)

	stat := TxReady | wrap(s, TxWrap)
	if m&ring.EOP != 0 {
		stat |= TxLast | TxAddCRC
	}

	return pack(seg.Len, stat)
}

// Rx reads and writes receive descriptors. The buffer size is programmed into
// the MAC's maximum receive buffer size register, not the descriptor.
type Rx struct{}

func (Rx) Ownership(d *Desc) *atomicbitops.Uint32 { return &d.Word }

func (Rx) Clear(d *Desc, s ring.Slot) {
	d.Addr = 0
	d.Word.RacyStore(pack(0, wrap(s, RxWrap)))
}

func (Rx) DeviceOwned(word uint32, _ ring.Slot) bool {
	_, stat := unpack(word)
	return stat&RxEmpty != 0
}

func (Rx) Rx(d *Desc, s ring.Slot, addr uint64, _ int) uint32 {
	d.Addr = addr32(addr)
	return pack(0, RxEmpty|wrap(s, RxWrap))
}

func (Rx) Received(_ *Desc, word uint32) (int, bool) {
	n, stat := unpack(word)
	return n, stat&RxLast != 0
}

// Errored reports the frame error bits the MAC sets in the last descriptor.
func (Rx) Errored(word uint32) bool {
	_, stat := unpack(word)
	return stat&RxError != 0
}
