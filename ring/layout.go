package ring

import "gvisor.dev/gvisor/pkg/atomicbitops"

// Slot says where a descriptor sits. Some layouts encode it in the descriptor
// itself: a wrap bit on the last slot, or a wrap counter in the ownership
// flags.
type Slot struct {
	Index int
	Last  bool // the final slot before the ring wraps
	Lap   bool // Index.Lap of the position the slot was produced at
}

// Markers delimit a packet spread over several descriptors.
type Markers uint8

const (
	SOP Markers = 1 << iota // start of packet
	EOP                     // end of packet
)

// Segment is one buffer of an outbound packet.
type Segment struct {
	Addr uint64
	Len  int
}

// Cookie is the caller's handle for a buffer or packet. The device never
// sees it.
type Cookie = any

// Layout is the backend-specific part of a ring: how a hardware descriptor
// encodes ownership. Exactly one 32-bit word of each descriptor carries the
// ownership flag; it is the only word both the driver and the device write.
type Layout[D any] interface {

	// Ownership returns the word of d that carries the ownership flag.
	Ownership(d *D) *atomicbitops.Uint32

	// Clear puts d in its initial, driver-owned state.
	Clear(d *D, s Slot)

	// DeviceOwned reports whether an ownership word read from slot s says
	// the device still owns it.
	DeviceOwned(word uint32, s Slot) bool
}

// TxLayout writes transmit descriptors.
type TxLayout[D any] interface {
	Layout[D]

	// Tx writes every field of d except the ownership word and returns the
	// ownership word that hands d to the device.
	Tx(d *D, s Slot, seg Segment, m Markers) uint32
}

// RxLayout writes and decodes receive descriptors.
type RxLayout[D any] interface {
	Layout[D]

	// Rx writes every field of d except the ownership word, pointing it at an
	// empty buffer, and returns the ownership word that hands d to the device.
	Rx(d *D, s Slot, addr uint64, size int) uint32

	// Received decodes a descriptor the device has returned. word is the
	// ownership word already loaded from d.
	Received(d *D, word uint32) (n int, eop bool)
}

// Checked is implemented by receive layouts whose descriptors flag frames the
// MAC received with errors. Errored is given the ownership word of the
// descriptor that ends the frame.
type Checked interface {
	Errored(word uint32) bool
}

// SegmentLimited is implemented by transmit layouts whose length field is
// narrower than an int. MaxSegment returns the largest segment one descriptor
// can describe.
type SegmentLimited interface {
	MaxSegment() int
}

// Based is implemented by layouts that link descriptors by physical address.
// SetBase is called with the address of the descriptor array before any
// descriptor is cleared or written.
type Based interface {
	SetBase(phys uint64)
}
