package virtq

import "github.com/c35s/nicring/ring"

// DeviceTx is the device's side of a transmit queue. The slot passed in
// carries the device's own lap, which gives its wrap counter.
type DeviceTx struct{}

func (DeviceTx) Fetch(d *Desc, s ring.Slot) (seg ring.Segment, eop, ok bool) {
	_, flags := unpack(d.IDFlags.Load())
	if !isAvail(flags, wrapCounter(s)) {
		return ring.Segment{}, false, false
	}

	if flags&DescFWrite != 0 {
		panic("virtq: device-writable descriptor on a transmit queue")
	}

	return ring.Segment{Addr: d.Addr, Len: int(d.Len)}, flags&DescFNext == 0, true
}

func (DeviceTx) Complete(d *Desc, s ring.Slot) {
	id, _ := unpack(d.IDFlags.RacyLoad())
	d.Len = 0
	d.IDFlags.Store(pack(id, usedFlags(wrapCounter(s))))
}

// DeviceRx is the device's side of a receive queue.
type DeviceRx struct{}

func (DeviceRx) Fetch(d *Desc, s ring.Slot) (addr uint64, size int, ok bool) {
	_, flags := unpack(d.IDFlags.Load())
	if !isAvail(flags, wrapCounter(s)) {
		return 0, 0, false
	}

	if flags&DescFWrite == 0 {
		panic("virtq: read-only descriptor on a receive queue")
	}

	return d.Addr, int(d.Len), true
}

func (DeviceRx) Fill(d *Desc, s ring.Slot, n int, eop bool) {
	id, _ := unpack(d.IDFlags.RacyLoad())

	flags := DescFWrite | usedFlags(wrapCounter(s))
	if !eop {
		flags |= DescFNext
	}

	d.Len = uint32(n)
	d.IDFlags.Store(pack(id, flags))
}
