package enet_test

import (
	"testing"
	"unsafe"

	"github.com/c35s/nicring/desc/enet"
	"github.com/c35s/nicring/ring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	first = ring.Slot{Index: 0}
	last  = ring.Slot{Index: 7, Last: true}
)

func TestSize(t *testing.T) {
	assert.EqualValues(t, 8, unsafe.Sizeof(enet.Desc{}))
}

func TestTx(t *testing.T) {
	var (
		l   = enet.Tx{}
		dev = enet.DeviceTx{}
		d   enet.Desc
	)

	l.Clear(&d, last)
	assert.Equal(t, uint32(enet.TxWrap)<<16, d.Word.Load())
	assert.False(t, l.DeviceOwned(d.Word.Load(), last))

	_, _, ok := dev.Fetch(&d, last)
	assert.False(t, ok, "cleared descriptor is not ready")

	w := l.Tx(&d, last, ring.Segment{Addr: 0x4000_0800, Len: 98}, ring.SOP|ring.EOP)
	assert.True(t, l.DeviceOwned(w, last))
	assert.Equal(t, uint32(enet.TxReady|enet.TxWrap|enet.TxLast|enet.TxAddCRC)<<16|98, w)

	d.Word.Store(w)

	seg, eop, ok := dev.Fetch(&d, last)
	require.True(t, ok)
	assert.True(t, eop)
	assert.Equal(t, ring.Segment{Addr: 0x4000_0800, Len: 98}, seg)

	dev.Complete(&d, last)
	assert.False(t, l.DeviceOwned(d.Word.Load(), last))
	assert.NotZero(t, d.Word.Load()&(enet.TxWrap<<16), "wrap survives completion")

	w = l.Tx(&d, first, ring.Segment{Addr: 0x10, Len: 14}, ring.SOP)
	assert.Zero(t, w&((enet.TxWrap|enet.TxLast)<<16))

	assert.Panics(t, func() { l.Tx(&d, first, ring.Segment{Addr: 1 << 32, Len: 1}, ring.SOP) })
	assert.Equal(t, 0xffff, l.MaxSegment(), "length shares the word with status")
}

func TestRx(t *testing.T) {
	var (
		l   = enet.Rx{}
		dev = enet.DeviceRx{}
		d   enet.Desc
	)

	l.Clear(&d, first)
	assert.Zero(t, d.Word.Load())

	d.Word.Store(l.Rx(&d, last, 0x4000_4000, 1536))
	assert.True(t, l.DeviceOwned(d.Word.Load(), last))

	addr, _, ok := dev.Fetch(&d, last)
	require.True(t, ok)
	assert.Equal(t, uint64(0x4000_4000), addr)

	dev.Fill(&d, last, 1536, false)

	w := d.Word.Load()
	require.False(t, l.DeviceOwned(w, last))

	n, eop := l.Received(&d, w)
	assert.Equal(t, 1536, n)
	assert.False(t, eop)
	assert.NotZero(t, w&(enet.RxWrap<<16))

	_, _, ok = dev.Fetch(&d, last)
	assert.False(t, ok, "filled descriptor is not empty")

	d.Word.Store(l.Rx(&d, last, 0x4000_4000, 1536))
	dev.Fill(&d, last, 60, true)

	n, eop = l.Received(&d, d.Word.Load())
	assert.Equal(t, 60, n)
	assert.True(t, eop)
	assert.False(t, l.Errored(d.Word.Load()))
	assert.True(t, l.Errored(d.Word.Load()|enet.RxCRCErr<<16))
	assert.False(t, l.Errored(d.Word.Load()|enet.RxBroadcast<<16), "broadcast is not an error")
}
