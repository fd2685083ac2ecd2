package ring

import (
	"fmt"

	"github.com/c35s/nicring/dma"
)

// RxRing is a receive ring. Each posted descriptor points at one empty buffer
// of the ring's buffer size; a frame larger than one buffer comes back as a
// run of descriptors ending in one marked end-of-packet.
type RxRing[D any] struct {
	Ring[D]
	rx    RxLayout[D]
	check Checked

	bufSize int
	bufs    []uint64

	runCookies []Cookie
	runLens    []int

	// stalled is set when every descriptor up to tail is back from the device
	// but the frame at head has not ended. The device cannot finish it
	// without more buffers.
	stalled bool

	errored int
}

// AllocFunc supplies an empty receive buffer of at least size bytes, or
// returns false if none is available.
type AllocFunc func(size int) (addr uint64, cookie Cookie, ok bool)

// NewRx creates a receive ring of capacity descriptors whose array is aligned
// to alignment bytes. Buffers posted to it are bufSize bytes. It touches no
// hardware.
func NewRx[D any](capacity, alignment, bufSize int, l RxLayout[D], a dma.Allocator, c dma.Cache) (*RxRing[D], error) {
	if bufSize <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", ErrConfig, bufSize)
	}

	r := &RxRing[D]{rx: l, bufSize: bufSize}
	if err := newRing(&r.Ring, capacity, alignment, l, a, c); err != nil {
		return nil, err
	}

	r.check, _ = l.(Checked)
	r.bufs = make([]uint64, capacity)
	r.runCookies = make([]Cookie, 0, capacity)
	r.runLens = make([]int, 0, capacity)

	return r, nil
}

// BufSize returns the size of the buffers posted to the ring.
func (r *RxRing[D]) BufSize() int { return r.bufSize }

// Refill posts empty buffers until the ring is full or alloc runs dry. It does
// nothing unless at least burst slots are free, so buffers are posted in
// batches; a burst larger than the ring's usable depth is clamped to it. The
// threshold is ignored while a partial frame is waiting on buffers the device
// does not have. Refill returns the number of buffers posted.
func (r *RxRing[D]) Refill(alloc AllocFunc, burst int) int {
	if depth := int(r.size) - 2; burst > depth {
		burst = depth
	}

	if r.remain == 0 || r.remain < burst && !r.stalled {
		return 0
	}

	posted := 0

	for r.remain > 0 {
		addr, cookie, ok := alloc(r.bufSize)
		if !ok {
			break
		}

		i := r.tail

		r.cache.Invalidate(addr, r.bufSize)
		word := r.rx.Rx(&r.desc[i.Pos], r.slotAt(i), addr, r.bufSize)

		r.cookies[i.Pos] = cookie
		r.bufs[i.Pos] = addr
		r.publishToDevice(i.Pos, word)

		r.tail = i.Advance(1, r.size)
		r.remain--
		posted++
	}

	if posted > 0 {
		r.stalled = false
	}

	return posted
}

// Stalled reports whether the frame at head is waiting for more buffers to
// be posted.
func (r *RxRing[D]) Stalled() bool { return r.stalled }

// ReclaimRx hands completed frames to deliver, in ring order. A frame is
// delivered once every descriptor of its run is back from the device,
// through the one marked end-of-packet; a partial run is left for a later
// call. A frame the layout reports as errored goes to drop instead. The
// slices passed to deliver and drop are reused and are only valid for the
// duration of the call. ReclaimRx returns the number of frames delivered.
func (r *RxRing[D]) ReclaimRx(deliver func(cookies []Cookie, lens []int), drop func(cookies []Cookie)) int {
	frames := 0
	r.stalled = false

	for r.head.Pos != r.tail.Pos {
		var (
			cookies = r.runCookies[:0]
			lens    = r.runLens[:0]
			i       = r.head
			word    uint32
			eop     bool
		)

		for !eop && i.Pos != r.tail.Pos {
			var ok bool
			if word, ok = r.returned(i); !ok {
				break
			}

			var n int
			n, eop = r.rx.Received(&r.desc[i.Pos], word)

			r.cache.Invalidate(r.bufs[i.Pos], n)
			cookies = append(cookies, r.cookies[i.Pos])
			lens = append(lens, n)

			i = i.Advance(1, r.size)
		}

		if !eop {
			r.stalled = len(cookies) > 0 && i.Pos == r.tail.Pos
			return frames
		}

		for j := r.head; j.Pos != i.Pos; j = j.Advance(1, r.size) {
			r.cookies[j.Pos] = nil
			r.bufs[j.Pos] = 0
		}

		r.head = i
		r.remain += len(cookies)

		if r.check != nil && r.check.Errored(word) {
			r.errored++
			if drop != nil {
				drop(cookies)
			}

			continue
		}

		frames++

		if deliver != nil {
			deliver(cookies, lens)
		}
	}

	return frames
}

// Errored returns the number of frames dropped because the device flagged
// them.
func (r *RxRing[D]) Errored() int { return r.errored }

// Reset drops every posted buffer. drop is called with each buffer's cookie
// so it can be returned to its pool.
func (r *RxRing[D]) Reset(drop func(Cookie)) int {
	clear(r.bufs)
	r.stalled = false
	return r.Ring.Reset(drop)
}
