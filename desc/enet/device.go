package enet

import "github.com/c35s/nicring/ring"

// DeviceTx is the MAC's side of the transmit layout.
type DeviceTx struct{}

func (DeviceTx) Fetch(d *Desc, _ ring.Slot) (seg ring.Segment, eop, ok bool) {
	n, stat := unpack(d.Word.Load())
	if stat&TxReady == 0 {
		return ring.Segment{}, false, false
	}

	return ring.Segment{Addr: uint64(d.Addr), Len: n}, stat&TxLast != 0, true
}

// Complete clears READY and keeps the other bits.
func (DeviceTx) Complete(d *Desc, _ ring.Slot) {
	n, stat := unpack(d.Word.RacyLoad())
	d.Word.Store(pack(n, stat&^TxReady))
}

// DeviceRx is the MAC's side of the receive layout.
type DeviceRx struct{}

func (DeviceRx) Fetch(d *Desc, _ ring.Slot) (addr uint64, size int, ok bool) {
	if _, stat := unpack(d.Word.Load()); stat&RxEmpty == 0 {
		return 0, 0, false
	}

	return uint64(d.Addr), 0, true
}

func (DeviceRx) Fill(d *Desc, _ ring.Slot, n int, eop bool) {
	_, stat := unpack(d.Word.RacyLoad())

	stat &= RxWrap
	if eop {
		stat |= RxLast
	}

	d.Word.Store(pack(n, stat))
}
