package ring

import (
	"fmt"
	"math"

	"github.com/c35s/nicring/dma"
)

// TxRing is a transmit ring. A packet occupies one descriptor per segment.
// The number of descriptors is recorded at the packet's first slot and the
// cookie at its last, so reclamation can retire a packet as a unit.
type TxRing[D any] struct {
	Ring[D]
	tx TxLayout[D]

	counts []uint32
	words  []uint32
	maxSeg int
}

// NewTx creates a transmit ring of capacity descriptors whose array is aligned
// to alignment bytes. It touches no hardware.
func NewTx[D any](capacity, alignment int, l TxLayout[D], a dma.Allocator, c dma.Cache) (*TxRing[D], error) {
	r := &TxRing[D]{tx: l}
	if err := newRing(&r.Ring, capacity, alignment, l, a, c); err != nil {
		return nil, err
	}

	r.counts = make([]uint32, capacity)
	r.words = make([]uint32, capacity)

	r.maxSeg = math.MaxInt
	if sl, ok := l.(SegmentLimited); ok {
		r.maxSeg = sl.MaxSegment()
	}

	return r, nil
}

// Transmit enqueues one packet. If there is not enough room it first reclaims
// finished packets, reporting them to complete, and returns false if there is
// still not enough room. A packet is never partially enqueued. Transmit panics
// if segs is empty or a segment is empty or longer than MaxSegment.
func (r *TxRing[D]) Transmit(segs []Segment, cookie Cookie, complete func(Cookie)) bool {
	n := len(segs)
	if n == 0 {
		panic("ring: transmit of empty packet")
	}

	for _, seg := range segs {
		if seg.Len <= 0 || seg.Len > r.maxSeg {
			panic(fmt.Sprintf("ring: segment of %d bytes, want 1..%d", seg.Len, r.maxSeg))
		}
	}

	if n > r.remain {
		r.ReclaimTx(complete)
		if n > r.remain {
			return false
		}
	}

	first := r.tail
	i := first

	for k, seg := range segs {
		var m Markers
		if k == 0 {
			m |= SOP
		}

		if k == n-1 {
			m |= EOP
		}

		r.cache.Clean(seg.Addr, seg.Len)
		r.words[k] = r.tx.Tx(&r.desc[i.Pos], r.slotAt(i), seg, m)
		i = i.Advance(1, r.size)
	}

	// Flip from the last descriptor back to the first so a device that is
	// already polling sees the packet all at once.
	for k := n - 1; k >= 0; k-- {
		r.publishToDevice(first.Advance(k, r.size).Pos, r.words[k])
	}

	last := first.Advance(n-1, r.size)
	r.counts[first.Pos] = uint32(n)
	r.cookies[last.Pos] = cookie

	r.tail = i
	r.remain -= n

	return true
}

// ReclaimTx retires packets the device has finished with, in submission order,
// calling complete once per packet with its cookie. It stops at the first
// packet with a descriptor the device still owns and returns the number of
// packets retired.
func (r *TxRing[D]) ReclaimTx(complete func(Cookie)) int {
	retired := 0

	for r.head.Pos != r.tail.Pos {
		n := int(r.counts[r.head.Pos])
		if n == 0 {
			panic(fmt.Sprintf("ring: no packet recorded at slot %d", r.head.Pos))
		}

		for k := 0; k < n; k++ {
			if _, ok := r.returned(r.head.Advance(k, r.size)); !ok {
				return retired
			}
		}

		last := r.head.Advance(n-1, r.size)
		cookie := r.cookies[last.Pos]

		r.cookies[last.Pos] = nil
		r.counts[r.head.Pos] = 0
		r.head = r.head.Advance(n, r.size)
		r.remain += n
		retired++

		if complete != nil {
			complete(cookie)
		}
	}

	return retired
}

// MaxSegment returns the largest segment Transmit accepts.
func (r *TxRing[D]) MaxSegment() int { return r.maxSeg }

// Reset drops every packet in flight without completing it.
func (r *TxRing[D]) Reset(drop func(Cookie)) int {
	clear(r.counts)
	return r.Ring.Reset(drop)
}
