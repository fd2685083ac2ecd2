package e1000

import "github.com/c35s/nicring/ring"

// DeviceTx is the controller's side of the transmit layout. The controller
// only fetches descriptors the tail register has released to it.
type DeviceTx struct{}

func (DeviceTx) Fetch(d *TxDesc, _ ring.Slot) (seg ring.Segment, eop, ok bool) {
	return ring.Segment{Addr: d.Addr, Len: int(d.Length)}, d.Cmd&CmdEOP != 0, true
}

// Complete writes back DD.
func (DeviceTx) Complete(d *TxDesc, _ ring.Slot) {
	d.Status.Store(d.Status.RacyLoad() | StaDD)
}

// DeviceRx is the controller's side of the receive layout.
type DeviceRx struct{}

// Fetch returns a size of 0; the buffer size comes from the receive control
// register.
func (DeviceRx) Fetch(d *RxDesc, _ ring.Slot) (addr uint64, size int, ok bool) {
	return d.Addr, 0, true
}

func (DeviceRx) Fill(d *RxDesc, _ ring.Slot, n int, eop bool) {
	d.Length = uint16(n)
	d.Checksum = 0

	st := uint32(StaDD)
	if eop {
		st |= StaEOP
	}

	d.Status.Store(st)
}
