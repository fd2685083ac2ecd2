package virtq_test

import (
	"math"
	"testing"

	"github.com/c35s/nicring/ring"
	"github.com/c35s/nicring/virtio/virtq"
)

func slot(i ring.Index, size uint32) ring.Slot {
	return ring.Slot{Index: int(i.Pos), Last: i.Pos == size-1, Lap: i.Lap}
}

func TestQ(t *testing.T) {
	t.Run("nothing available", func(t *testing.T) {
		q := make([]virtq.Desc, 4)
		for i := range q {
			virtq.Layout{}.Clear(&q[i], ring.Slot{Index: i})
		}

		if _, _, ok := (virtq.DeviceTx{}).Fetch(&q[0], ring.Slot{}); ok {
			t.Error("fetched a cleared descriptor")
		}

		if _, _, ok := (virtq.DeviceRx{}).Fetch(&q[0], ring.Slot{}); ok {
			t.Error("fetched a cleared descriptor")
		}
	})

	t.Run("segment limit", func(t *testing.T) {
		if got := (virtq.Layout{}).MaxSegment(); got != math.MaxInt32 {
			t.Errorf("MaxSegment() = %d", got)
		}
	})

	t.Run("one available", func(t *testing.T) {
		var (
			d   virtq.Desc
			l   virtq.Layout
			dev virtq.DeviceRx
			s   = ring.Slot{Index: 2}
		)

		d.IDFlags.Store(l.Rx(&d, s, 0x1000, 2048))

		if d.ID() != 2 {
			t.Errorf("id %d != 2", d.ID())
		}

		if d.Flags() != virtq.DescFAvail|virtq.DescFWrite {
			t.Errorf("flags %#x", d.Flags())
		}

		if !l.DeviceOwned(d.IDFlags.Load(), s) {
			t.Error("available descriptor is driver owned")
		}

		addr, size, ok := dev.Fetch(&d, s)
		if !ok || addr != 0x1000 || size != 2048 {
			t.Errorf("fetch = %#x, %d, %v", addr, size, ok)
		}

		dev.Fill(&d, s, 60, true)

		w := d.IDFlags.Load()
		if l.DeviceOwned(w, s) {
			t.Fatal("used descriptor is device owned")
		}

		if n, eop := l.Received(&d, w); n != 60 || !eop {
			t.Errorf("received %d, %v", n, eop)
		}

		if _, _, ok := dev.Fetch(&d, s); ok {
			t.Error("fetched a used descriptor")
		}
	})

	t.Run("chained", func(t *testing.T) {
		var (
			q   = make([]virtq.Desc, 4)
			l   virtq.Layout
			dev virtq.DeviceTx
		)

		segs := []ring.Segment{{Addr: 0x10, Len: 1}, {Addr: 0x20, Len: 2}, {Addr: 0x30, Len: 3}}
		for i, seg := range segs {
			var m ring.Markers
			if i == len(segs)-1 {
				m = ring.EOP
			}

			q[i].IDFlags.Store(l.Tx(&q[i], ring.Slot{Index: i}, seg, m))
		}

		for i, want := range segs {
			seg, eop, ok := dev.Fetch(&q[i], ring.Slot{Index: i})
			if !ok {
				t.Fatalf("descriptor %d not available", i)
			}

			if seg != want {
				t.Errorf("descriptor %d: %+v != %+v", i, seg, want)
			}

			if eop != (i == len(segs)-1) {
				t.Errorf("descriptor %d: eop=%v", i, eop)
			}

			if q[i].Flags()&virtq.DescFWrite != 0 {
				t.Errorf("descriptor %d is device writable", i)
			}
		}
	})

	t.Run("wrap", func(t *testing.T) {
		const size = 4

		var (
			q        = make([]virtq.Desc, size)
			l        virtq.Layout
			dev      virtq.DeviceTx
			drv, usd ring.Index
		)

		for i := range q {
			l.Clear(&q[i], slot(ring.Index{Pos: uint32(i)}, size))
		}

		for n := 0; n < 3*size; n++ {
			s := slot(drv, size)
			q[drv.Pos].IDFlags.Store(l.Tx(&q[drv.Pos], s, ring.Segment{Addr: uint64(n), Len: 1}, ring.EOP))
			drv = drv.Advance(1, size)

			ds := slot(usd, size)
			seg, _, ok := dev.Fetch(&q[usd.Pos], ds)
			if !ok {
				t.Fatalf("packet %d not available at %+v", n, usd)
			}

			if seg.Addr != uint64(n) {
				t.Errorf("packet %d: addr %d", n, seg.Addr)
			}

			dev.Complete(&q[usd.Pos], ds)

			if l.DeviceOwned(q[usd.Pos].IDFlags.Load(), s) {
				t.Fatalf("packet %d not returned", n)
			}

			usd = usd.Advance(1, size)

			// the next slot is empty or holds last lap's used descriptor
			if _, _, ok := dev.Fetch(&q[usd.Pos], slot(usd, size)); ok {
				t.Fatalf("stale descriptor available after packet %d", n)
			}
		}
	})

	t.Run("wrong direction", func(t *testing.T) {
		var (
			d virtq.Desc
			l virtq.Layout
		)

		d.IDFlags.Store(l.Rx(&d, ring.Slot{}, 0x1000, 64))

		defer func() {
			if recover() == nil {
				t.Error("no panic")
			}
		}()

		virtq.DeviceTx{}.Fetch(&d, ring.Slot{})
	})
}
