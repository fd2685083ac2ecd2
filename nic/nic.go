// Package nic drives a network controller through a pair of descriptor
// rings. The controller is reached through Device; the descriptor format is
// supplied as ring layouts, so one driver serves every backend.
//
// A Driver is not safe for concurrent use. Interrupt handlers should hand the
// interrupt to the goroutine that owns the driver rather than calling
// HandleIRQ directly.
package nic

import (
	"errors"
	"fmt"

	"github.com/c35s/nicring/dma"
	"github.com/c35s/nicring/ring"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Cause is a set of interrupt cause bits.
type Cause uint32

const (
	TxDone Cause = 1 << iota // transmit descriptors written back
	RxDone                   // receive descriptors written back
	Fatal                    // bus or DMA error; the device has stopped
)

func (c Cause) String() string {
	return fmt.Sprintf("tx=%t rx=%t fatal=%t", c&TxDone != 0, c&RxDone != 0, c&Fatal != 0)
}

// RingInfo tells the device where a ring is.
type RingInfo struct {
	Phys    uint64
	Size    int // descriptors
	BufSize int // receive buffer size; 0 for transmit rings
}

// Device is the register interface of a network controller.
type Device interface {
	SetRings(tx, rx RingInfo) error

	// SetInterrupts sets the causes that raise an interrupt. 0 masks all.
	SetInterrupts(Cause) error

	Start() error
	Stop() error

	// NotifyTx and NotifyRx are the doorbells. tail is the ring index one
	// past the last descriptor handed to the device.
	NotifyTx(tail uint32)
	NotifyRx(tail uint32)

	// Cause reads and acknowledges pending interrupt causes.
	Cause() Cause
}

// Handler receives completions.
type Handler interface {

	// TxComplete is called once for every transmitted packet, in submission
	// order, with the cookie passed to Transmit.
	TxComplete(cookie ring.Cookie)

	// RxComplete is called once for every received frame with the cookies
	// of its buffers and the bytes in each. The slices are only valid for
	// the duration of the call.
	RxComplete(cookies []ring.Cookie, lens []int)
}

type nopHandler struct{}

func (nopHandler) TxComplete(ring.Cookie)          {}
func (nopHandler) RxComplete([]ring.Cookie, []int) {}

// Backend is what a driver needs to know about one kind of controller.
type Backend[T, R any] struct {
	Device   Device
	TxLayout ring.TxLayout[T]
	RxLayout ring.RxLayout[R]

	// Mem allocates the descriptor arrays.
	Mem dma.Allocator

	// Cache maintains descriptors and buffers on non-coherent platforms.
	// If nil, memory is assumed to be coherent.
	Cache dma.Cache
}

// TxResult is the outcome of Transmit.
type TxResult int

const (
	Enqueued TxResult = iota
	Rejected
)

func (r TxResult) String() string {
	if r == Enqueued {
		return "enqueued"
	}

	return "rejected"
}

// Driver runs one controller.
type Driver[T, R any] struct {
	cfg Config
	dev Device
	log *logrus.Entry
	m   *counters

	tx *ring.TxRing[T]
	rx *ring.RxRing[R]

	err        error
	recoveries int
}

var (
	ErrConfig = errors.New("nic: invalid config")
	ErrRing   = errors.New("nic: ring creation failed")
	ErrDevice = errors.New("nic: device programming failed")
	ErrFailed = errors.New("nic: driver failed")
)

// New creates both rings, programs and starts the device, and posts the first
// receive buffers. Nothing touches the device until the rings exist.
func New[T, R any](cfg Config, b Backend[T, R]) (*Driver[T, R], error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if b.Device == nil || b.TxLayout == nil || b.RxLayout == nil || b.Mem == nil {
		return nil, fmt.Errorf("%w: incomplete backend", ErrConfig)
	}

	for _, l := range []any{b.TxLayout, b.RxLayout} {
		if v, ok := l.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrConfig, err)
			}
		}
	}

	tx, err := ring.NewTx(cfg.TxRingSize, cfg.DMAAlignment, b.TxLayout, b.Mem, b.Cache)
	if err != nil {
		return nil, fmt.Errorf("%w: tx: %w", ErrRing, err)
	}

	rx, err := ring.NewRx(cfg.RxRingSize, cfg.DMAAlignment, cfg.BufferSize, b.RxLayout, b.Mem, b.Cache)
	if err != nil {
		tx.Destroy()
		return nil, fmt.Errorf("%w: rx: %w", ErrRing, err)
	}

	d := &Driver[T, R]{
		cfg: cfg,
		dev: b.Device,
		log: cfg.Logger.WithField("nic", cfg.Name),
		m:   newCounters(cfg.Name, cfg.Registry),
		tx:  tx,
		rx:  rx,
	}

	if err := d.program(); err != nil {
		tx.Destroy()
		rx.Destroy()
		return nil, err
	}

	d.refill()

	d.log.WithFields(logrus.Fields{
		"mode":    cfg.Mode,
		"tx_ring": cfg.TxRingSize,
		"rx_ring": cfg.RxRingSize,
		"posted":  rx.Occupied(),
	}).Info("nic up")

	return d, nil
}

// Transmit enqueues one packet made of segs. It never blocks: if the ring is
// full after reclaiming finished packets it returns Rejected and the caller
// should retry later. Transmit panics if segs is empty or a segment does not
// fit one descriptor of the layout.
func (d *Driver[T, R]) Transmit(segs []ring.Segment, cookie ring.Cookie) TxResult {
	if d.err != nil {
		return Rejected
	}

	if !d.tx.Transmit(segs, cookie, d.txComplete) {
		d.m.txRejected.Inc(1)
		return Rejected
	}

	d.dev.NotifyTx(d.tx.Tail().Pos)
	d.m.txEnqueued.Inc(1)
	d.m.txOccupied.Update(int64(d.tx.Occupied()))

	return Enqueued
}

// Poll reclaims finished transmit packets, delivers received frames and
// refills the receive ring, in that order. A fatal cause pending on the device
// triggers recovery instead.
func (d *Driver[T, R]) Poll() {
	if d.err != nil {
		return
	}

	if c := d.dev.Cause(); c&Fatal != 0 {
		d.recover(c)
		return
	}

	d.reclaimTx()
	d.reclaimRx()
	d.refill()
}

// HandleIRQ reads and acknowledges the device's interrupt causes and
// dispatches them.
func (d *Driver[T, R]) HandleIRQ() {
	if d.err != nil {
		return
	}

	d.Dispatch(d.dev.Cause())
}

// Dispatch runs the work for the given causes.
func (d *Driver[T, R]) Dispatch(c Cause) {
	if d.err != nil {
		return
	}

	if c&Fatal != 0 {
		d.recover(c)
		return
	}

	if c&TxDone != 0 {
		d.reclaimTx()
	}

	if c&RxDone != 0 {
		d.reclaimRx()
		d.refill()
	}
}

// Err returns why the driver failed, or nil.
func (d *Driver[T, R]) Err() error {
	return d.err
}

// MaxSegment returns the largest transmit segment the layout can describe.
func (d *Driver[T, R]) MaxSegment() int { return d.tx.MaxSegment() }

// Registry returns the driver's metrics registry, or nil if metrics are off.
func (d *Driver[T, R]) Registry() metrics.Registry {
	return d.cfg.Registry
}

// Close stops the device, returns posted receive buffers to the pool and
// frees both rings. Packets still in flight are dropped.
func (d *Driver[T, R]) Close() error {
	err := d.dev.Stop()

	d.tx.Reset(nil)
	d.rx.Reset(d.cfg.Pool.Free)
	d.tx.Destroy()
	d.rx.Destroy()

	if d.err == nil {
		d.err = fmt.Errorf("%w: closed", ErrFailed)
	}

	return err
}

func (d *Driver[T, R]) reclaimTx() {
	if d.tx.ReclaimTx(d.txComplete) > 0 {
		d.m.txOccupied.Update(int64(d.tx.Occupied()))
	}
}

func (d *Driver[T, R]) txComplete(c ring.Cookie) {
	d.m.txComplete.Inc(1)
	d.cfg.Handler.TxComplete(c)
}

func (d *Driver[T, R]) reclaimRx() {
	d.rx.ReclaimRx(d.rxComplete, d.rxDrop)
}

// rxDrop recycles the buffers of a frame the device flagged as bad.
func (d *Driver[T, R]) rxDrop(cookies []ring.Cookie) {
	for _, c := range cookies {
		d.cfg.Pool.Free(c)
	}

	d.m.rxErrors.Inc(1)
	d.log.WithField("buffers", len(cookies)).Debug("dropped errored frame")
}

func (d *Driver[T, R]) rxComplete(cookies []ring.Cookie, lens []int) {
	n := 0
	for _, l := range lens {
		n += l
	}

	d.m.rxPackets.Inc(1)
	d.m.rxBytes.Inc(int64(n))
	d.cfg.Handler.RxComplete(cookies, lens)
}

func (d *Driver[T, R]) refill() {
	if d.rx.Refill(d.cfg.Pool.Alloc, d.cfg.RefillBurst) > 0 {
		d.dev.NotifyRx(d.rx.Tail().Pos)
	}

	d.m.rxOccupied.Update(int64(d.rx.Occupied()))

	switch {
	case d.rx.Occupied() == 0:
		d.m.rxStarved.Inc(1)
		d.log.Debug("receive ring empty; buffer pool is dry")

	case d.rx.Stalled():
		d.m.rxStarved.Inc(1)
		d.log.WithField("occupied", d.rx.Occupied()).Debug("frame waiting on receive buffers")
	}
}

func (d *Driver[T, R]) program() error {
	var mask Cause
	if d.cfg.Mode == Interrupt {
		mask = TxDone | RxDone | Fatal
	}

	tx := RingInfo{Phys: d.tx.Phys(), Size: d.tx.Capacity()}
	rx := RingInfo{Phys: d.rx.Phys(), Size: d.rx.Capacity(), BufSize: d.rx.BufSize()}

	if err := d.dev.SetRings(tx, rx); err != nil {
		return fmt.Errorf("%w: set rings: %w", ErrDevice, err)
	}

	if err := d.dev.SetInterrupts(mask); err != nil {
		return fmt.Errorf("%w: set interrupts: %w", ErrDevice, err)
	}

	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("%w: start: %w", ErrDevice, err)
	}

	return nil
}

// recover resets the device after a fatal error. Whatever was in flight is
// dropped without completions: transmit cookies are forgotten and receive
// buffers go back to the pool.
func (d *Driver[T, R]) recover(c Cause) {
	log := d.log.WithField("cause", c)
	log.Error("fatal device error; resetting")

	if err := d.dev.Stop(); err != nil {
		d.fail(log, fmt.Errorf("%w: stop: %w", ErrDevice, err))
		return
	}

	txDropped := d.tx.Reset(nil)
	rxDropped := d.rx.Reset(d.cfg.Pool.Free)

	if err := d.program(); err != nil {
		d.fail(log, err)
		return
	}

	d.recoveries++
	d.m.recoveries.Inc(1)
	d.m.dropped.Inc(int64(txDropped + rxDropped))
	d.m.txOccupied.Update(0)

	d.refill()

	log.WithFields(logrus.Fields{
		"tx_dropped": txDropped,
		"rx_dropped": rxDropped,
		"recoveries": d.recoveries,
	}).Info("nic recovered")
}

func (d *Driver[T, R]) fail(log *logrus.Entry, err error) {
	d.err = fmt.Errorf("%w: %w", ErrFailed, err)
	log.WithError(err).Error("recovery failed; driver stopped")
}

// RingStats is a snapshot of one ring.
type RingStats struct {
	Head     uint32
	Tail     uint32
	Occupied int
	Free     int
}

// Stats is a snapshot of the driver.
type Stats struct {
	Tx         RingStats
	Rx         RingStats
	Recoveries int
	RxErrors   int // frames dropped because the device flagged them
}

func (d *Driver[T, R]) Stats() Stats {
	return Stats{
		Tx:         RingStats{d.tx.Head().Pos, d.tx.Tail().Pos, d.tx.Occupied(), d.tx.Free()},
		Rx:         RingStats{d.rx.Head().Pos, d.rx.Tail().Pos, d.rx.Occupied(), d.rx.Free()},
		Recoveries: d.recoveries,
		RxErrors:   d.rx.Errored(),
	}
}
