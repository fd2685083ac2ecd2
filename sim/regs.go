package sim

import (
	"encoding/binary"
	"unsafe"

	"github.com/c35s/nicring/nic"
	"github.com/c35s/nicring/ring"
	"golang.org/x/sys/unix"
)

// register offsets

const (
	regCtrl      = 0x000 // engine enable (RW); writing 0 stops and resets the engine
	regStatus    = 0x004 // running and fatal bits (R)
	regIntCause  = 0x008 // pending interrupt causes (R)
	regIntAck    = 0x00c // clears the written cause bits (W)
	regIntMask   = 0x010 // causes that raise an interrupt (RW)
	regTxBaseLo  = 0x020 // tx descriptor array address, low word (RW)
	regTxBaseHi  = 0x024 // tx descriptor array address, high word (RW)
	regTxLen     = 0x028 // tx ring size in descriptors (RW)
	regTxTail    = 0x02c // tx doorbell (RW)
	regTxHead    = 0x030 // next tx descriptor the engine will fetch (R)
	regRxBaseLo  = 0x040 // rx descriptor array address, low word (RW)
	regRxBaseHi  = 0x044 // rx descriptor array address, high word (RW)
	regRxLen     = 0x048 // rx ring size in descriptors (RW)
	regRxTail    = 0x04c // rx doorbell (RW)
	regRxHead    = 0x050 // next rx descriptor the engine will fill (R)
	regRxBufSize = 0x054 // rx buffer size for layouts that don't carry one (RW)
)

const (
	ctrlEnable = 1

	statusRunning = 1 << 0
	statusFatal   = 1 << 1
)

var le = binary.LittleEndian

type regs struct {
	ctrl   uint32
	status uint32
	cause  uint32
	mask   uint32

	txBase uint64
	txLen  uint32
	txTail uint32

	rxBase    uint64
	rxLen     uint32
	rxTail    uint32
	rxBufSize uint32
}

// HandleMMIO performs a 32-bit register access at offset off.
func (n *NIC[T, R]) HandleMMIO(off int, data []byte, isWrite bool) (err error) {
	if len(data) != 4 {
		return unix.EINVAL
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	defer func() {
		if err != nil {
			n.log.WithField("off", off).WithError(err).Debug("register access failed")
		}
	}()

	if isWrite {
		return n.writeMMIO(off, le.Uint32(data))
	}

	return n.readMMIO(off, data)
}

func (n *NIC[T, R]) readMMIO(off int, p []byte) error {
	switch off {
	case regCtrl:
		le.PutUint32(p, n.regs.ctrl)

	case regStatus:
		le.PutUint32(p, n.regs.status)

	case regIntCause:
		le.PutUint32(p, n.regs.cause)

	case regIntMask:
		le.PutUint32(p, n.regs.mask)

	case regTxBaseLo:
		le.PutUint32(p, uint32(n.regs.txBase))

	case regTxBaseHi:
		le.PutUint32(p, uint32(n.regs.txBase>>32))

	case regTxLen:
		le.PutUint32(p, n.regs.txLen)

	case regTxTail:
		le.PutUint32(p, n.regs.txTail)

	case regTxHead:
		le.PutUint32(p, n.txHead.Pos)

	case regRxBaseLo:
		le.PutUint32(p, uint32(n.regs.rxBase))

	case regRxBaseHi:
		le.PutUint32(p, uint32(n.regs.rxBase>>32))

	case regRxLen:
		le.PutUint32(p, n.regs.rxLen)

	case regRxTail:
		le.PutUint32(p, n.regs.rxTail)

	case regRxHead:
		le.PutUint32(p, n.rxHead.Pos)

	case regRxBufSize:
		le.PutUint32(p, n.regs.rxBufSize)

	default:
		return unix.EINVAL
	}

	return nil
}

func (n *NIC[T, R]) writeMMIO(off int, v uint32) error {
	// after a fatal error only a ctrl write (to reset) is allowed
	if n.regs.status&statusFatal != 0 && off != regCtrl {
		return unix.EPERM
	}

	switch off {
	case regCtrl:
		return n.writeCtrl(v)

	case regIntAck:
		n.regs.cause &^= v
		return nil

	case regIntMask:
		n.regs.mask = v
		return nil

	case regTxTail:
		return n.writeTail(&n.regs.txTail, n.regs.txLen, v)

	case regRxTail:
		return n.writeTail(&n.regs.rxTail, n.regs.rxLen, v)
	}

	// ring configuration is frozen while the engine runs
	if n.regs.ctrl&ctrlEnable != 0 {
		return unix.EPERM
	}

	switch off {
	case regTxBaseLo:
		n.regs.txBase = n.regs.txBase&^0xffff_ffff | uint64(v)

	case regTxBaseHi:
		n.regs.txBase = n.regs.txBase&0xffff_ffff | uint64(v)<<32

	case regTxLen:
		n.regs.txLen = v

	case regRxBaseLo:
		n.regs.rxBase = n.regs.rxBase&^0xffff_ffff | uint64(v)

	case regRxBaseHi:
		n.regs.rxBase = n.regs.rxBase&0xffff_ffff | uint64(v)<<32

	case regRxLen:
		n.regs.rxLen = v

	case regRxBufSize:
		n.regs.rxBufSize = v

	default:
		return unix.EINVAL
	}

	return nil
}

func (n *NIC[T, R]) writeTail(tail *uint32, size, v uint32) error {
	if n.regs.ctrl&ctrlEnable == 0 {
		return unix.EPERM
	}

	if v >= size {
		return unix.EINVAL
	}

	*tail = v
	return nil
}

func (n *NIC[T, R]) writeCtrl(v uint32) error {
	if v == 0 {
		// stop and reset the engine; ring configuration survives
		n.regs.ctrl = 0
		n.regs.status = 0
		n.regs.cause = 0
		n.regs.txTail, n.regs.rxTail = 0, 0
		n.txq, n.rxq = nil, nil
		n.resetEngine()
		return nil
	}

	if v != ctrlEnable {
		return unix.EINVAL
	}

	if n.regs.ctrl&ctrlEnable != 0 {
		return unix.EPERM
	}

	txq, err := mapRing[T](n.cfg.Mem, n.regs.txBase, n.regs.txLen)
	if err != nil {
		return err
	}

	rxq, err := mapRing[R](n.cfg.Mem, n.regs.rxBase, n.regs.rxLen)
	if err != nil {
		return err
	}

	n.txq, n.rxq = txq, rxq
	n.txHead, n.rxHead = ring.Index{}, ring.Index{}
	n.regs.ctrl = ctrlEnable
	n.regs.status = statusRunning

	return nil
}

// mapRing overlays the descriptor array at phys.
func mapRing[D any](mem Memory, phys uint64, size uint32) ([]D, error) {
	if size < ring.CapacityMin || size&(size-1) != 0 {
		return nil, unix.EINVAL
	}

	var zero D
	b, err := mem.MemAt(phys, int(unsafe.Sizeof(zero))*int(size))
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*D)(unsafe.Pointer(&b[0])), size), nil
}

// nic.Device

func (n *NIC[T, R]) read32(off int) uint32 {
	var b [4]byte
	if err := n.HandleMMIO(off, b[:], false); err != nil {
		panic(err)
	}

	return le.Uint32(b[:])
}

func (n *NIC[T, R]) write32(off int, v uint32) error {
	var b [4]byte
	le.PutUint32(b[:], v)
	return n.HandleMMIO(off, b[:], true)
}

func (n *NIC[T, R]) SetRings(tx, rx nic.RingInfo) error {
	for _, w := range []struct {
		off int
		v   uint32
	}{
		{regTxBaseLo, uint32(tx.Phys)},
		{regTxBaseHi, uint32(tx.Phys >> 32)},
		{regTxLen, uint32(tx.Size)},
		{regRxBaseLo, uint32(rx.Phys)},
		{regRxBaseHi, uint32(rx.Phys >> 32)},
		{regRxLen, uint32(rx.Size)},
		{regRxBufSize, uint32(rx.BufSize)},
	} {
		if err := n.write32(w.off, w.v); err != nil {
			return err
		}
	}

	return nil
}

func (n *NIC[T, R]) SetInterrupts(c nic.Cause) error {
	return n.write32(regIntMask, uint32(c))
}

func (n *NIC[T, R]) Start() error { return n.write32(regCtrl, ctrlEnable) }
func (n *NIC[T, R]) Stop() error  { return n.write32(regCtrl, 0) }

func (n *NIC[T, R]) NotifyTx(tail uint32) { n.doorbell(regTxTail, tail) }
func (n *NIC[T, R]) NotifyRx(tail uint32) { n.doorbell(regRxTail, tail) }

// doorbell writes are posted; a rejected write is only logged.
func (n *NIC[T, R]) doorbell(off int, tail uint32) {
	if err := n.write32(off, tail); err != nil {
		n.log.WithError(err).WithField("tail", tail).Warn("doorbell dropped")
	}
}

// Cause reads the pending causes and acknowledges exactly those, so a cause
// raised in between is not lost.
func (n *NIC[T, R]) Cause() nic.Cause {
	c := n.read32(regIntCause)
	if c != 0 {
		// refused while fatal; the cause stays set until Stop
		_ = n.write32(regIntAck, c)
	}

	return nic.Cause(c)
}
