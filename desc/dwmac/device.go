package dwmac

import "github.com/c35s/nicring/ring"

// DeviceTx is the DMA engine's side of the transmit layout.
type DeviceTx struct{}

func (DeviceTx) Fetch(d *Desc, _ ring.Slot) (seg ring.Segment, eop, ok bool) {
	if d.Status.Load()&Own == 0 {
		return ring.Segment{}, false, false
	}

	seg = ring.Segment{
		Addr: uint64(d.Addr),
		Len:  int(d.Cntl&TxSize1Mask) >> TxSize1Shift,
	}

	return seg, d.Cntl&TxLast != 0, true
}

func (DeviceTx) Complete(d *Desc, _ ring.Slot) {
	d.Status.Store(0)
}

// DeviceRx is the DMA engine's side of the receive layout. It tracks the
// frame in progress because the last descriptor reports the whole frame's
// length.
type DeviceRx struct {
	frame int
}

func (*DeviceRx) Fetch(d *Desc, _ ring.Slot) (addr uint64, size int, ok bool) {
	if d.Status.Load()&Own == 0 {
		return 0, 0, false
	}

	return uint64(d.Addr), int(d.Cntl & RxSize1Mask), true
}

func (e *DeviceRx) Fill(d *Desc, _ ring.Slot, n int, eop bool) {
	var st uint32
	if e.frame == 0 {
		st |= RxFirst
	}

	e.frame += n

	if eop {
		st |= RxLast | uint32(e.frame)<<RxFrmLenShift&RxFrmLenMask
		e.frame = 0
	}

	d.Status.Store(st)
}

// Reset forgets a partially received frame.
func (e *DeviceRx) Reset() { e.frame = 0 }
