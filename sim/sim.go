// Package sim is a software network controller. It runs the device half of a
// descriptor layout against rings in a dma.Arena, behind a small register
// file, and implements nic.Device.
//
// By default transmitted frames loop back to the receive side.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/c35s/nicring/nic"
	"github.com/c35s/nicring/ring"
	"github.com/sirupsen/logrus"
)

// TxEngine is the device half of a transmit layout.
type TxEngine[D any] interface {

	// Fetch reads a descriptor the driver has handed over. ok is false if the
	// device does not own d yet.
	Fetch(d *D, s ring.Slot) (seg ring.Segment, eop, ok bool)

	// Complete writes d back to the driver.
	Complete(d *D, s ring.Slot)
}

// RxEngine is the device half of a receive layout.
type RxEngine[D any] interface {

	// Fetch returns the buffer posted in d. A size of 0 means the buffer size
	// comes from the rx buffer size register.
	Fetch(d *D, s ring.Slot) (addr uint64, size int, ok bool)

	// Fill writes n received bytes back to the driver.
	Fill(d *D, s ring.Slot, n int, eop bool)
}

// Memory resolves device addresses. *dma.Arena implements it.
type Memory interface {
	MemAt(phys uint64, n int) ([]byte, error)
}

// Config configures a NIC.
type Config[T, R any] struct {
	Mem Memory
	Tx  TxEngine[T]
	Rx  RxEngine[R]

	// Output receives transmitted frames. If nil, frames loop back to the
	// receive side.
	Output func(frame []byte)

	// Interrupt is called, without locks held, when a cause enabled in the
	// interrupt mask is raised.
	Interrupt func()

	// Backlog bounds the inbound frame queue. If zero, 64 is used.
	Backlog int

	Log *logrus.Entry
}

// Stats counts the engine's work since it was created.
type Stats struct {
	TxFrames uint64
	RxFrames uint64
	Dropped  uint64 // inbound frames refused because the backlog was full
}

// NIC is a simulated controller.
type NIC[T, R any] struct {
	cfg Config[T, R]
	log *logrus.Entry

	mu   sync.Mutex
	regs regs

	txq    []T
	rxq    []R
	txHead ring.Index
	rxHead ring.Index

	inbound [][]byte
	partial int // bytes of inbound[0] already written to buffers
	holdTx  bool
	stats   Stats
}

var ErrConfig = errors.New("sim: invalid config")

func New[T, R any](cfg Config[T, R]) (*NIC[T, R], error) {
	if cfg.Mem == nil || cfg.Tx == nil || cfg.Rx == nil {
		return nil, fmt.Errorf("%w: memory and both engines are required", ErrConfig)
	}

	if cfg.Backlog < 0 {
		return nil, fmt.Errorf("%w: backlog %d < 0", ErrConfig, cfg.Backlog)
	}

	if cfg.Backlog == 0 {
		cfg.Backlog = 64
	}

	log := cfg.Log
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = logrus.NewEntry(l)
	}

	return &NIC[T, R]{cfg: cfg, log: log.WithField("dev", "sim")}, nil
}

// Inject queues an inbound frame. It returns false if the backlog is full.
func (n *NIC[T, R]) Inject(frame []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.enqueue(append([]byte(nil), frame...))
}

func (n *NIC[T, R]) enqueue(frame []byte) bool {
	if len(n.inbound) >= n.cfg.Backlog {
		n.stats.Dropped++
		return false
	}

	n.inbound = append(n.inbound, frame)
	return true
}

// Fail simulates a bus error: the engine halts and raises the fatal cause.
func (n *NIC[T, R]) Fail() {
	n.mu.Lock()
	irq := n.fatal(errors.New("injected"))
	n.mu.Unlock()

	if irq {
		n.cfg.Interrupt()
	}
}

// HoldTx stops or resumes transmit processing. Held descriptors stay owned by
// the device.
func (n *NIC[T, R]) HoldTx(hold bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.holdTx = hold
}

// Pending returns the number of queued inbound frames.
func (n *NIC[T, R]) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.inbound)
}

func (n *NIC[T, R]) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.stats
}

// Step runs the DMA engine once. It transmits every packet released by the
// tx doorbell, then receives pending frames into posted buffers. A frame
// that does not fit the posted buffers is finished on a later Step.
func (n *NIC[T, R]) Step() {
	n.mu.Lock()

	if n.regs.status != statusRunning {
		n.mu.Unlock()
		return
	}

	var out [][]byte
	if !n.holdTx {
		out = n.transmit()
	}

	if n.regs.status == statusRunning {
		n.receive()
	}

	irq := n.regs.cause&n.regs.mask != 0 && n.cfg.Interrupt != nil
	n.mu.Unlock()

	if n.cfg.Output != nil {
		for _, f := range out {
			n.cfg.Output(f)
		}
	}

	if irq {
		n.cfg.Interrupt()
	}
}

// Run steps the engine every tick until ctx is done.
func (n *NIC[T, R]) Run(ctx context.Context, tick time.Duration) error {
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			n.Step()
		}
	}
}

func (n *NIC[T, R]) transmit() (out [][]byte) {
	size := n.regs.txLen

	for n.txHead.Pos != n.regs.txTail {
		frame, used, ok, err := n.gather()
		if err != nil {
			n.fatal(err)
			return out
		}

		if !ok {
			break
		}

		i := n.txHead
		for j := 0; j < used; j++ {
			n.cfg.Tx.Complete(&n.txq[i.Pos], slot(i, size))
			i = i.Advance(1, size)
		}

		n.txHead = i
		n.regs.cause |= uint32(nic.TxDone)
		n.stats.TxFrames++

		if n.cfg.Output != nil {
			out = append(out, frame)
		} else {
			n.enqueue(frame)
		}
	}

	return out
}

// gather reads the packet starting at txHead. ok is false if the packet is
// not completely released to the device yet.
func (n *NIC[T, R]) gather() (frame []byte, used int, ok bool, err error) {
	size := n.regs.txLen

	for i := n.txHead; ; i = i.Advance(1, size) {
		if used > 0 && i.Pos == n.regs.txTail {
			return nil, 0, false, nil
		}

		seg, eop, ok := n.cfg.Tx.Fetch(&n.txq[i.Pos], slot(i, size))
		if !ok {
			return nil, 0, false, nil
		}

		b, err := n.cfg.Mem.MemAt(seg.Addr, seg.Len)
		if err != nil {
			return nil, 0, false, fmt.Errorf("tx descriptor %d: %w", i.Pos, err)
		}

		frame = append(frame, b...)
		used++

		if eop {
			return frame, used, true, nil
		}

		if used == int(size) {
			return nil, 0, false, fmt.Errorf("tx packet at %d has no end", n.txHead.Pos)
		}
	}
}

func (n *NIC[T, R]) receive() {
	size := n.regs.rxLen

	for len(n.inbound) > 0 && n.rxHead.Pos != n.regs.rxTail {
		s := slot(n.rxHead, size)
		d := &n.rxq[n.rxHead.Pos]

		addr, bufSize, ok := n.cfg.Rx.Fetch(d, s)
		if !ok {
			return
		}

		if bufSize == 0 {
			bufSize = int(n.regs.rxBufSize)
		}

		frame := n.inbound[0]
		chunk := min(len(frame)-n.partial, bufSize)

		b, err := n.cfg.Mem.MemAt(addr, chunk)
		if err != nil {
			n.fatal(fmt.Errorf("rx descriptor %d: %w", n.rxHead.Pos, err))
			return
		}

		copy(b, frame[n.partial:n.partial+chunk])
		n.partial += chunk

		eop := n.partial == len(frame)
		n.cfg.Rx.Fill(d, s, chunk, eop)
		n.rxHead = n.rxHead.Advance(1, size)
		n.regs.cause |= uint32(nic.RxDone)

		if eop {
			n.inbound[0] = nil
			n.inbound = n.inbound[1:]
			n.partial = 0
			n.stats.RxFrames++
		}
	}
}

// fatal halts the engine. It reports whether an interrupt is due.
func (n *NIC[T, R]) fatal(err error) bool {
	n.regs.status = statusFatal
	n.regs.cause |= uint32(nic.Fatal)
	n.log.WithError(err).Error("dma engine halted")

	return n.regs.mask&uint32(nic.Fatal) != 0 && n.cfg.Interrupt != nil
}

func (n *NIC[T, R]) resetEngine() {
	n.txHead, n.rxHead = ring.Index{}, ring.Index{}

	// a frame cut off mid-way starts over in fresh buffers
	n.partial = 0

	for _, e := range []any{n.cfg.Tx, n.cfg.Rx} {
		if r, ok := e.(interface{ Reset() }); ok {
			r.Reset()
		}
	}
}

func slot(i ring.Index, size uint32) ring.Slot {
	return ring.Slot{Index: int(i.Pos), Last: i.Pos == size-1, Lap: i.Lap}
}
