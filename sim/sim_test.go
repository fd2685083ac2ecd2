//go:build linux

package sim

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/c35s/nicring/desc/e1000"
	"github.com/c35s/nicring/dma"
	"github.com/c35s/nicring/nic"
	"github.com/c35s/nicring/ring"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	ringSize = 8
	bufSize  = 256
)

type bench struct {
	arena *dma.Arena
	pool  nic.Pool
	dev   *NIC[e1000.TxDesc, e1000.RxDesc]
	tx    *ring.TxRing[e1000.TxDesc]
	rx    *ring.RxRing[e1000.RxDesc]
	irqs  int
}

func newBench(t *testing.T, cfg Config[e1000.TxDesc, e1000.RxDesc]) *bench {
	t.Helper()

	arena, err := dma.NewArena(0, dma.BaseDefault)
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })

	p, err := dma.NewPool(arena, 32, bufSize, 64)
	require.NoError(t, err)

	txl, err := e1000.NewTx(e1000.I82580)
	require.NoError(t, err)

	b := &bench{arena: arena, pool: nic.Pool{Pool: p}}

	b.tx, err = ring.NewTx(ringSize, 128, txl, arena, nil)
	require.NoError(t, err)

	b.rx, err = ring.NewRx(ringSize, 128, bufSize, e1000.Rx{}, arena, nil)
	require.NoError(t, err)

	cfg.Mem = arena
	cfg.Tx = e1000.DeviceTx{}
	cfg.Rx = e1000.DeviceRx{}
	cfg.Interrupt = func() { b.irqs++ }

	b.dev, err = New(cfg)
	require.NoError(t, err)

	require.NoError(t, b.dev.SetRings(
		nic.RingInfo{Phys: b.tx.Phys(), Size: ringSize},
		nic.RingInfo{Phys: b.rx.Phys(), Size: ringSize, BufSize: bufSize},
	))

	require.NoError(t, b.dev.Start())

	return b
}

func (b *bench) post(n int) {
	posted := 0
	b.rx.Refill(func(size int) (uint64, ring.Cookie, bool) {
		if posted == n {
			return 0, nil, false
		}

		posted++
		return b.pool.Alloc(size)
	}, 1)

	b.dev.NotifyRx(b.rx.Tail().Pos)
}

func (b *bench) send(t *testing.T, frame []byte) {
	t.Helper()

	buf, ok := b.pool.Pool.Alloc()
	require.True(t, ok)

	n := copy(buf.Bytes, frame)
	require.True(t, b.tx.Transmit([]ring.Segment{{Addr: buf.Phys, Len: n}}, buf, nil))

	b.dev.NotifyTx(b.tx.Tail().Pos)
}

func (b *bench) received() [][]byte {
	var ff [][]byte
	b.rx.ReclaimRx(func(cookies []ring.Cookie, lens []int) {
		var f []byte
		for i, c := range cookies {
			buf := c.(*dma.Buf)
			f = append(f, buf.Bytes[:lens[i]]...)
			b.pool.Free(buf)
		}

		ff = append(ff, f)
	}, func(cookies []ring.Cookie) {
		for _, c := range cookies {
			b.pool.Free(c.(*dma.Buf))
		}
	})

	return ff
}

func udpFrame(t *testing.T, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}

	udp := &layers.UDP{SrcPort: 4000, DstPort: 4001}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))

	return buf.Bytes()
}

func TestRegisters(t *testing.T) {
	b := newBench(t, Config[e1000.TxDesc, e1000.RxDesc]{})
	d := b.dev

	read := func(off int) uint32 {
		var p [4]byte
		require.NoError(t, d.HandleMMIO(off, p[:], false))
		return le.Uint32(p[:])
	}

	write := func(off int, v uint32) error {
		var p [4]byte
		le.PutUint32(p[:], v)
		return d.HandleMMIO(off, p[:], true)
	}

	assert.Equal(t, uint32(ctrlEnable), read(regCtrl))
	assert.Equal(t, uint32(statusRunning), read(regStatus))
	assert.Equal(t, uint32(b.rx.Phys()), read(regRxBaseLo))
	assert.Equal(t, uint32(b.rx.Phys()>>32), read(regRxBaseHi))
	assert.Equal(t, uint32(ringSize), read(regTxLen))
	assert.Equal(t, uint32(bufSize), read(regRxBufSize))

	assert.ErrorIs(t, d.HandleMMIO(regCtrl, make([]byte, 2), false), unix.EINVAL)
	assert.ErrorIs(t, d.HandleMMIO(0x3fc, make([]byte, 4), false), unix.EINVAL)
	assert.ErrorIs(t, write(regTxLen, 16), unix.EPERM, "ring config while running")
	assert.ErrorIs(t, write(regTxTail, ringSize), unix.EINVAL)
	assert.ErrorIs(t, write(regCtrl, ctrlEnable), unix.EPERM, "double start")

	require.NoError(t, write(regIntMask, uint32(nic.RxDone)))
	assert.Equal(t, uint32(nic.RxDone), read(regIntMask))

	require.NoError(t, d.Stop())
	assert.Zero(t, read(regStatus))
	assert.ErrorIs(t, write(regRxTail, 1), unix.EPERM, "doorbell while stopped")

	require.NoError(t, write(regTxBaseHi, 1))
	assert.Equal(t, uint64(1)<<32|b.tx.Phys(), uint64(read(regTxBaseHi))<<32|uint64(read(regTxBaseLo)))

	// the arena has nothing at 4G
	assert.ErrorIs(t, d.Start(), dma.ErrRange)

	require.NoError(t, write(regTxBaseHi, 0))
	require.NoError(t, write(regRxLen, 6))
	assert.ErrorIs(t, d.Start(), unix.EINVAL, "ring size not a power of 2")
}

func TestLoopback(t *testing.T) {
	b := newBench(t, Config[e1000.TxDesc, e1000.RxDesc]{})
	b.post(ringSize)

	frame := udpFrame(t, []byte("ping"))
	b.send(t, frame)
	b.dev.Step()

	assert.Equal(t, nic.TxDone|nic.RxDone, b.dev.Cause())
	assert.Zero(t, b.dev.Cause(), "causes are acknowledged")
	assert.Zero(t, b.irqs, "interrupts masked")

	var done []ring.Cookie
	assert.Equal(t, 1, b.tx.ReclaimTx(func(c ring.Cookie) { done = append(done, c) }))
	require.Len(t, done, 1)
	b.pool.Free(done[0])

	ff := b.received()
	require.Len(t, ff, 1)
	require.Equal(t, frame, ff[0])

	pkt := gopacket.NewPacket(ff[0], layers.LayerTypeEthernet, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())

	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok, "no udp layer")
	assert.Equal(t, layers.UDPPort(4001), udp.DstPort)
	assert.Equal(t, []byte("ping"), udp.Payload)

	assert.Equal(t, Stats{TxFrames: 1, RxFrames: 1}, b.dev.Stats())
}

func TestSplitFrame(t *testing.T) {
	b := newBench(t, Config[e1000.TxDesc, e1000.RxDesc]{})

	frame := bytes.Repeat([]byte("0123456789"), 60)
	require.True(t, b.dev.Inject(frame))

	// two buffers take the first 512 bytes; the rest waits
	b.post(2)
	b.dev.Step()

	assert.Empty(t, b.received(), "partial frame delivered")
	assert.Equal(t, 1, b.dev.Pending())

	b.post(4)
	b.dev.Step()

	ff := b.received()
	require.Len(t, ff, 1)
	assert.Equal(t, frame, ff[0])
	assert.Zero(t, b.dev.Pending())
}

func TestHoldTx(t *testing.T) {
	b := newBench(t, Config[e1000.TxDesc, e1000.RxDesc]{})
	b.dev.HoldTx(true)

	b.send(t, []byte("held"))
	b.dev.Step()

	assert.Zero(t, b.tx.ReclaimTx(nil))
	assert.Zero(t, b.dev.Cause())

	b.dev.HoldTx(false)
	b.dev.Step()

	assert.Equal(t, 1, b.tx.ReclaimTx(nil))
}

func TestBusError(t *testing.T) {
	b := newBench(t, Config[e1000.TxDesc, e1000.RxDesc]{})
	require.NoError(t, b.dev.SetInterrupts(nic.Fatal))

	// a segment outside the arena
	require.True(t, b.tx.Transmit([]ring.Segment{{Addr: 0x1000, Len: 64}}, nil, nil))
	b.dev.NotifyTx(b.tx.Tail().Pos)
	b.dev.Step()

	assert.Equal(t, 1, b.irqs)
	assert.Equal(t, nic.Fatal, b.dev.Cause())
	assert.Equal(t, nic.Fatal, b.dev.Cause(), "fatal cause survives the ack")
	assert.Zero(t, b.tx.ReclaimTx(nil), "descriptor not written back")

	// everything but a reset is refused
	assert.ErrorIs(t, b.dev.SetInterrupts(0), unix.EPERM)

	require.NoError(t, b.dev.Stop())
	assert.Zero(t, b.dev.Cause())

	b.tx.Reset(nil)
	require.NoError(t, b.dev.Start())

	b.send(t, []byte("again"))
	b.dev.Step()
	assert.Equal(t, 1, b.tx.ReclaimTx(nil))
}

func TestFail(t *testing.T) {
	b := newBench(t, Config[e1000.TxDesc, e1000.RxDesc]{})
	require.NoError(t, b.dev.SetInterrupts(nic.TxDone|nic.RxDone|nic.Fatal))

	b.dev.Fail()
	assert.Equal(t, 1, b.irqs)

	b.post(ringSize)
	require.True(t, b.dev.Inject([]byte("dropped on the floor")))
	b.dev.Step()

	assert.Empty(t, b.received(), "halted engine received")
}

func TestOutput(t *testing.T) {
	var out [][]byte

	b := newBench(t, Config[e1000.TxDesc, e1000.RxDesc]{
		Output: func(f []byte) { out = append(out, f) },
	})

	b.send(t, []byte("to the wire"))
	b.dev.Step()

	assert.Equal(t, [][]byte{[]byte("to the wire")}, out)
	assert.Zero(t, b.dev.Pending(), "no loopback")
}

func TestBacklog(t *testing.T) {
	b := newBench(t, Config[e1000.TxDesc, e1000.RxDesc]{Backlog: 2})

	assert.True(t, b.dev.Inject([]byte{1}))
	assert.True(t, b.dev.Inject([]byte{2}))
	assert.False(t, b.dev.Inject([]byte{3}))
	assert.Equal(t, uint64(1), b.dev.Stats().Dropped)
}

func TestRun(t *testing.T) {
	b := newBench(t, Config[e1000.TxDesc, e1000.RxDesc]{})
	b.post(ringSize)
	require.True(t, b.dev.Inject([]byte("tick")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, b.dev.Run(ctx, time.Millisecond), context.DeadlineExceeded)
	assert.Equal(t, [][]byte{[]byte("tick")}, b.received())
}

func TestNewErrors(t *testing.T) {
	_, err := New(Config[e1000.TxDesc, e1000.RxDesc]{})
	assert.ErrorIs(t, err, ErrConfig)
}
