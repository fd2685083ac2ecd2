// Command nicsim drives a simulated NIC in loopback. It sends a stream of UDP
// frames through the transmit ring, receives them back through the receive
// ring and checks every one.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c35s/nicring/desc/dwmac"
	"github.com/c35s/nicring/desc/e1000"
	"github.com/c35s/nicring/desc/enet"
	"github.com/c35s/nicring/dma"
	"github.com/c35s/nicring/nic"
	"github.com/c35s/nicring/ring"
	"github.com/c35s/nicring/sim"
	"github.com/c35s/nicring/virtio/virtq"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

type options struct {
	frames    int
	size      int
	segment   int
	interval  time.Duration
	tick      time.Duration
	failAfter int
	polled    bool
	status    bool
	stats     string
	graphite  string
}

func main() {

	var (
		configPath = flag.String("config", "", "load the driver config from a YAML file")
		backend    = flag.String("backend", "e1000", "descriptor layout: e1000, e1000-82580, enet, dwmac, dwmac-ring or virtio")
		mode       = flag.String("mode", "", "override the config's mode: polled or interrupt")
		frames     = flag.Int("frames", 1000, "send this many frames")
		size       = flag.Int("size", 512, "frame size in bytes")
		segment    = flag.Int("segment", 1024, "split frames into transmit segments of at most this many bytes")
		interval   = flag.Duration("interval", 100*time.Microsecond, "time between frames")
		tick       = flag.Duration("tick", 50*time.Microsecond, "DMA engine step interval")
		failAfter  = flag.Int("fail-after", 0, "inject a bus error after this many frames (0 never)")
		logLevel   = flag.String("log-level", "info", "log level")
		logFormat  = flag.String("log-format", "text", "log format: text or json")
		stats      = flag.String("stats-listen", "", "serve driver metrics for Prometheus on this address")
		carbon     = flag.String("stats-graphite", "", "push driver metrics to this graphite host:port")
	)

	flag.Parse()

	l := logrus.New()
	if err := configLogger(l, *logLevel, *logFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		l.WithError(err).Error("failed to load config")
		os.Exit(1)
	}

	if *mode != "" {
		if err := cfg.Mode.UnmarshalText([]byte(*mode)); err != nil {
			l.WithError(err).Error("bad -mode")
			os.Exit(1)
		}
	}

	cfg.Logger = l
	if *stats != "" || *carbon != "" {
		cfg.Metrics = true
	}

	o := options{
		frames:    *frames,
		size:      *size,
		segment:   *segment,
		interval:  *interval,
		tick:      *tick,
		failAfter: *failAfter,
		polled:    cfg.Mode == nic.Polled,
		status:    term.IsTerminal(int(os.Stderr.Fd())),
		stats:     *stats,
		graphite:  *carbon,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := start(ctx, *backend, cfg, o); err != nil && !errors.Is(err, context.Canceled) {
		l.WithError(err).Error("nicsim failed")
		os.Exit(1)
	}
}

func configLogger(l *logrus.Logger, level, format string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}

	l.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "text":
		l.Formatter = &logrus.TextFormatter{TimestampFormat: time.RFC3339Nano, FullTimestamp: true}
	case "json":
		l.Formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", format, []string{"text", "json"})
	}

	return nil
}

func loadConfig(path string) (nic.Config, error) {
	if path == "" {
		return nic.Config{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nic.Config{}, err
	}

	defer f.Close()
	return nic.LoadConfig(f)
}

func start(ctx context.Context, backend string, cfg nic.Config, o options) error {
	switch backend {
	case "e1000", "e1000-82580":
		f := e1000.I82574
		if backend == "e1000-82580" {
			f = e1000.I82580
		}

		tx, err := e1000.NewTx(f)
		if err != nil {
			return err
		}

		return run(ctx, cfg, o, tx, e1000.Rx{}, e1000.DeviceTx{}, e1000.DeviceRx{})

	case "enet":
		return run(ctx, cfg, o, enet.Tx{}, enet.Rx{}, enet.DeviceTx{}, enet.DeviceRx{})

	case "dwmac":
		return run(ctx, cfg, o, dwmac.NewChainedTx(), dwmac.NewChainedRx(), dwmac.DeviceTx{}, &dwmac.DeviceRx{})

	case "dwmac-ring":
		return run(ctx, cfg, o, dwmac.Tx{}, dwmac.Rx{}, dwmac.DeviceTx{}, &dwmac.DeviceRx{})

	case "virtio":
		return run(ctx, cfg, o, virtq.Layout{}, virtq.Layout{}, virtq.DeviceTx{}, virtq.DeviceRx{})

	default:
		return fmt.Errorf("unknown backend %q", backend)
	}
}

func run[T, R any](ctx context.Context, cfg nic.Config, o options, txl ring.TxLayout[T], rxl ring.RxLayout[R], txe sim.TxEngine[T], rxe sim.RxEngine[R]) error {
	log := cfg.Logger.WithField("backend", fmt.Sprintf("%T", txl))

	arena, err := dma.NewArena(16<<20, dma.BaseDefault)
	if err != nil {
		return err
	}

	defer arena.Close()

	bufSize := cfg.BufferSize
	if bufSize == 0 {
		bufSize = nic.BufferSizeDefault
	}

	rxPool, err := dma.NewPool(arena, 1024, bufSize, 64)
	if err != nil {
		return err
	}

	txPool, err := dma.NewPool(arena, 512, o.segment, 64)
	if err != nil {
		return err
	}

	irq := make(chan struct{}, 1)

	dev, err := sim.New(sim.Config[T, R]{
		Mem: arena,
		Tx:  txe,
		Rx:  rxe,
		Log: log,

		Interrupt: func() {
			select {
			case irq <- struct{}{}:
			default:
			}
		},
	})

	if err != nil {
		return err
	}

	h := &host{txPool: txPool, rxPool: rxPool, log: log}

	cfg.Pool = nic.Pool{Pool: rxPool}
	cfg.Handler = h

	drv, err := nic.New(cfg, nic.Backend[T, R]{
		Device:   dev,
		TxLayout: txl,
		RxLayout: rxl,
		Mem:      arena,
	})

	if err != nil {
		return err
	}

	defer drv.Close()

	if o.segment > drv.MaxSegment() {
		return fmt.Errorf("segment size %d exceeds the %T limit of %d", o.segment, txl, drv.MaxSegment())
	}

	if o.graphite != "" {
		if err := startGraphite(log, drv.Registry(), o.graphite, time.Second); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dev.Run(ctx, o.tick)
	})

	g.Go(func() error {
		defer cancel()
		return drive(ctx, o, drv, dev, h, irq)
	})

	if o.stats != "" {
		g.Go(func() error {
			return serveStats(ctx, log, drv.Registry(), o.stats, time.Second)
		})
	}

	began := time.Now()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if o.status {
		fmt.Fprintln(os.Stderr)
	}

	st := drv.Stats()
	log.WithFields(logrus.Fields{
		"sent":       h.sent,
		"completed":  h.completed,
		"received":   h.received,
		"bad":        h.bad,
		"recoveries": st.Recoveries,
		"rx_errors":  st.RxErrors,
		"arena_used": arena.Used(),
		"elapsed":    time.Since(began).Round(time.Millisecond),
	}).Info("done")

	if r := drv.Registry(); r != nil {
		metrics.WriteOnce(r, os.Stdout)
	}

	if h.bad > 0 {
		return fmt.Errorf("%d frames arrived corrupted", h.bad)
	}

	return drv.Err()
}

func drive[T, R any](ctx context.Context, o options, drv *nic.Driver[T, R], dev *sim.NIC[T, R], h *host, irq <-chan struct{}) error {
	send := time.NewTicker(o.interval)
	defer send.Stop()

	report := time.NewTicker(200 * time.Millisecond)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-irq:
			drv.HandleIRQ()

		case <-report.C:
			if o.status {
				st := drv.Stats()
				fmt.Fprintf(os.Stderr, "\rsent %d  received %d  tx ring %d/%d  rx ring %d  recoveries %d ",
					h.sent, h.received, st.Tx.Occupied, st.Tx.Occupied+st.Tx.Free, st.Rx.Occupied, st.Recoveries)
			}

		case <-send.C:
			if o.polled {
				drv.Poll()
			}

			if err := drv.Err(); err != nil {
				return err
			}

			if h.sent == o.frames {
				if drv.Stats().Tx.Occupied == 0 && dev.Pending() == 0 {
					drv.Dispatch(nic.TxDone | nic.RxDone)
					return nil
				}

				continue
			}

			if h.sent == o.failAfter && h.sent > 0 && !h.failed {
				h.failed = true
				dev.Fail()
				continue
			}

			segs, p, err := h.frame(h.sent, o.size, o.segment)
			if err != nil {
				return err
			}

			if drv.Transmit(segs, p) == nic.Rejected {
				h.release(p)
				continue
			}

			h.sent++
		}
	}
}

// host is the network stack above the driver.
type host struct {
	txPool *dma.Pool
	rxPool *dma.Pool
	log    *logrus.Entry

	sent      int
	completed int
	received  int
	bad       int
	failed    bool
}

type packet struct {
	bufs []*dma.Buf
}

var (
	srcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

// frame builds UDP frame seq of size bytes and copies it into transmit
// buffers of at most segment bytes each.
func (h *host) frame(seq, size, segment int) ([]ring.Segment, *packet, error) {
	const headers = 14 + 20 + 8

	payload := make([]byte, max(size-headers, 4))
	binary.BigEndian.PutUint32(payload, uint32(seq))

	for i := 4; i < len(payload); i++ {
		payload[i] = byte(seq + i)
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}

	udp := &layers.UDP{SrcPort: 9000, DstPort: 9001}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, nil, err
	}

	p := &packet{}

	var segs []ring.Segment
	for rest := buf.Bytes(); len(rest) > 0; {
		b, ok := h.txPool.Alloc()
		if !ok {
			h.release(p)
			return nil, nil, errors.New("transmit buffer pool is dry")
		}

		n := copy(b.Bytes[:min(len(rest), segment)], rest)
		segs = append(segs, ring.Segment{Addr: b.Phys, Len: n})
		p.bufs = append(p.bufs, b)
		rest = rest[n:]
	}

	return segs, p, nil
}

func (h *host) release(p *packet) {
	for _, b := range p.bufs {
		h.txPool.Free(b)
	}
}

func (h *host) TxComplete(c ring.Cookie) {
	h.release(c.(*packet))
	h.completed++
}

func (h *host) RxComplete(cookies []ring.Cookie, lens []int) {
	var frame []byte
	for i, c := range cookies {
		b := c.(*dma.Buf)
		frame = append(frame, b.Bytes[:lens[i]]...)
		h.rxPool.Free(b)
	}

	h.received++

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || pkt.ErrorLayer() != nil || len(udp.Payload) < 4 {
		h.bad++
		h.log.WithField("len", len(frame)).Warn("received a frame that is not ours")
		return
	}

	seq := int(binary.BigEndian.Uint32(udp.Payload))
	for i := 4; i < len(udp.Payload); i++ {
		if udp.Payload[i] != byte(seq+i) {
			h.bad++
			h.log.WithField("seq", seq).Warn("payload corrupted")
			return
		}
	}

	h.log.WithFields(logrus.Fields{"seq": seq, "len": len(frame)}).Trace("received")
}
