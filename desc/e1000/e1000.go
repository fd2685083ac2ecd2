// Package e1000 implements the legacy transmit and receive descriptor layouts
// of the Intel 82574 and 82580 gigabit controllers.
//
// These chips decide ownership with the head and tail registers rather than a
// flag: the device owns [head, tail) and writes the Descriptor Done bit back
// when it is finished with a slot. Clearing DD when posting a descriptor and
// testing it when reclaiming gives the ring its ownership word.
package e1000

import (
	"errors"
	"fmt"

	"github.com/c35s/nicring/ring"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Family selects a member of the e1000 family.
type Family int

const (
	I82574 Family = iota
	I82580
)

func (f Family) String() string {
	switch f {
	case I82574:
		return "82574"
	case I82580:
		return "82580"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// TxDesc is a legacy transmit descriptor.
type TxDesc struct {
	Addr   uint64
	Length uint16
	CSO    uint8
	Cmd    uint8
	Status atomicbitops.Uint32 // STA:4 ExtCMD:4 CSS:8 VLAN:16
}

// RxDesc is a legacy receive descriptor.
type RxDesc struct {
	Addr     uint64
	Length   uint16
	Checksum uint16
	Status   atomicbitops.Uint32 // status:8 errors:8 VLAN:16
}

// transmit command bits
const (
	CmdEOP  = 1 << 0 // end of packet
	CmdIFCS = 1 << 1 // insert FCS
	CmdRS   = 1 << 3 // report status
	CmdIDE  = 1 << 7 // interrupt delay enable
)

// status bits
const (
	StaDD  = 1 << 0 // descriptor done
	StaEOP = 1 << 1 // end of packet (rx)

	extCmdShift = 4
	extCmdMask  = 0xf << extCmdShift
)

// receive error bits, as they sit in RxDesc.Status
const (
	RxErrCE  = 1 << 8  // CRC or alignment error
	RxErrSE  = 1 << 9  // symbol error
	RxErrSEQ = 1 << 10 // sequence error
	RxErrCXE = 1 << 12 // carrier extension error
	RxErrRXE = 1 << 15 // data error

	RxErrors = RxErrCE | RxErrSE | RxErrSEQ | RxErrCXE | RxErrRXE
)

var ErrConfig = errors.New("e1000: invalid config")

// Tx writes transmit descriptors for one chip family.
type Tx struct {
	Family Family

	// Cmd is or'd into every descriptor's command byte. EOP is added to the
	// last descriptor of a packet.
	Cmd uint8

	// ExtCmd fills the extended command nibble next to STA. It is reserved on
	// the 82580 and must be zero there.
	ExtCmd uint8
}

// NewTx returns the transmit layout for f with the command bits the family
// wants by default.
func NewTx(f Family) (Tx, error) {
	tx := Tx{Family: f}

	switch f {
	case I82574:
		tx.Cmd = CmdIFCS | CmdRS | CmdIDE

	case I82580:
		tx.Cmd = CmdIFCS | CmdRS

	default:
		return Tx{}, fmt.Errorf("%w: unknown family %v", ErrConfig, f)
	}

	return tx, nil
}

// Validate reports whether the layout is legal for its family.
func (l Tx) Validate() error {
	if l.ExtCmd > 0xf {
		return fmt.Errorf("%w: ExtCmd %#x does not fit in 4 bits", ErrConfig, l.ExtCmd)
	}

	if l.Family == I82580 && l.ExtCmd != 0 {
		return fmt.Errorf("%w: ExtCmd is reserved on the %v", ErrConfig, l.Family)
	}

	return nil
}

// MaxSegment is the limit of the 16-bit length field.
func (Tx) MaxSegment() int { return 0xffff }

func (Tx) Ownership(d *TxDesc) *atomicbitops.Uint32 { return &d.Status }

// Clear leaves DD set so a fresh slot reads as finished.
func (Tx) Clear(d *TxDesc, _ ring.Slot) {
	d.Addr, d.Length, d.CSO, d.Cmd = 0, 0, 0, 0
	d.Status.RacyStore(StaDD)
}

func (Tx) DeviceOwned(word uint32, _ ring.Slot) bool { return word&StaDD == 0 }

func (l Tx) Tx(d *TxDesc, _ ring.Slot, seg ring.Segment, m ring.Markers) uint32 {
	cmd := l.Cmd
	if m&ring.EOP != 0 {
		cmd |= CmdEOP
	}

	d.Addr = seg.Addr
	d.Length = uint16(seg.Len)
	d.CSO = 0
	d.Cmd = cmd

	ext := uint32(l.ExtCmd) << extCmdShift
	return ext & extCmdMask
}

// Rx reads and writes receive descriptors. Legacy receive descriptors carry
// no buffer size; the device takes it from its receive control register.
type Rx struct{}

func (Rx) Ownership(d *RxDesc) *atomicbitops.Uint32 { return &d.Status }

func (Rx) Clear(d *RxDesc, _ ring.Slot) {
	d.Addr, d.Length, d.Checksum = 0, 0, 0
	d.Status.RacyStore(StaDD)
}

func (Rx) DeviceOwned(word uint32, _ ring.Slot) bool { return word&StaDD == 0 }

func (Rx) Rx(d *RxDesc, _ ring.Slot, addr uint64, _ int) uint32 {
	d.Addr = addr
	d.Length = 0
	d.Checksum = 0
	return 0
}

func (Rx) Received(d *RxDesc, word uint32) (int, bool) {
	return int(d.Length), word&StaEOP != 0
}

func (Rx) Errored(word uint32) bool { return word&RxErrors != 0 }
