// Package ip is the IPv4 layer between a point-to-point link and the
// transports: it validates inbound datagrams, hands them to per-flow input
// workers that demultiplex by protocol, answers ICMP echo, and wraps
// outbound transport payloads in an IPv4 header.
package ip

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/irctrakz/wgtcp/pkg/core"
	"github.com/irctrakz/wgtcp/pkg/logging"
)

// Handler consumes datagrams of one transport protocol.
type Handler interface {
	HandlePacket(pkb *core.PacketBuffer) error
}

// Config configures a Layer.
type Config struct {
	// Addr is the local address. Datagrams to any other destination are dropped.
	Addr netip.Addr
	// TTL of outbound datagrams.
	TTL uint8
	// Workers is the number of input workers. Datagrams of one flow are
	// always handled by the same worker, in arrival order.
	Workers int
	// QueueCap is the total input queue capacity, split across workers.
	QueueCap int
}

// Layer is an IPv4 endpoint on a single link.
type Layer struct {
	cfg      Config
	link     core.Link
	handlers map[uint8]Handler
	ids      idCounter

	shards  []chan *core.PacketBuffer
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	metrics core.IPMetrics
	log     *logrus.Entry
}

// New creates the layer and registers it as the link's packet processor.
func New(cfg Config, link core.Link) *Layer {
	if cfg.TTL == 0 {
		cfg.TTL = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = 1024
	}
	per := max(1, cfg.QueueCap/cfg.Workers)

	l := &Layer{
		cfg:      cfg,
		link:     link,
		handlers: make(map[uint8]Handler),
		shards:   make([]chan *core.PacketBuffer, cfg.Workers),
		stopCh:   make(chan struct{}),
		log:      logging.Component("ip"),
	}
	for i := range l.shards {
		l.shards[i] = make(chan *core.PacketBuffer, per)
	}
	link.SetPacketProcessor(l)
	return l
}

// Register installs the handler for protocol proto. It must be called
// before Start.
func (l *Layer) Register(proto uint8, h Handler) {
	l.handlers[proto] = h
}

// Addr returns the local address.
func (l *Layer) Addr() netip.Addr { return l.cfg.Addr }

// MaxPayload returns the largest transport payload that fits the link MTU.
func (l *Layer) MaxPayload() int { return l.link.MTU() - headerLen }

// Start starts the input workers.
func (l *Layer) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("ip layer already running")
	}
	l.running = true
	l.wg.Add(len(l.shards))
	for i, ch := range l.shards {
		go l.worker(i, ch)
	}
	l.log.Infof("IP layer started on %s with %d workers", l.cfg.Addr, len(l.shards))
	return nil
}

// Stop stops the input workers. Queued datagrams are discarded.
func (l *Layer) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return nil
	}
	close(l.stopCh)
	l.wg.Wait()
	l.running = false
	l.log.Infof("IP layer stopped")
	return nil
}

// ProcessPacket implements core.PacketProcessor for datagrams arriving on
// the link. It validates the header and queues the datagram for its flow's
// worker; it never blocks.
func (l *Layer) ProcessPacket(packet core.Packet) error {
	atomic.AddUint64(&l.metrics.PacketsReceived, 1)

	pkb, err := l.validate(packet.Data())
	if err != nil {
		return err
	}

	select {
	case l.shards[l.shard(pkb)] <- pkb:
		return nil
	default:
		atomic.AddUint64(&l.metrics.InputQueueDrops, 1)
		return fmt.Errorf("packet dropped: input queue full")
	}
}

func (l *Layer) validate(data []byte) (*core.PacketBuffer, error) {
	h, err := parseHeader(data)
	if err != nil {
		atomic.AddUint64(&l.metrics.MalformedPackets, 1)
		return nil, err
	}
	if !headerChecksumValid(data, h.Len) {
		atomic.AddUint64(&l.metrics.BadChecksum, 1)
		return nil, fmt.Errorf("bad header checksum from %s", h.Src)
	}
	if h.Flags&ipv4.MoreFragments != 0 || h.FragOff != 0 {
		atomic.AddUint64(&l.metrics.MalformedPackets, 1)
		return nil, fmt.Errorf("fragment from %s not supported", h.Src)
	}
	dst := addrFrom(h.Dst)
	if dst != l.cfg.Addr {
		atomic.AddUint64(&l.metrics.NotForUs, 1)
		return nil, fmt.Errorf("datagram for %s is not for us", dst)
	}
	return &core.PacketBuffer{
		Data:            data[:h.TotalLen],
		NetworkOffset:   0,
		TransportOffset: h.Len,
		Src:             addrFrom(h.Src),
		Dst:             dst,
	}, nil
}

func (l *Layer) worker(id int, ch <-chan *core.PacketBuffer) {
	defer l.wg.Done()
	l.log.Debugf("input worker %d started", id)
	for {
		select {
		case <-l.stopCh:
			l.log.Debugf("input worker %d stopped", id)
			return
		case pkb := <-ch:
			l.deliver(pkb)
		}
	}
}

// deliver hands a validated datagram to its protocol.
func (l *Layer) deliver(pkb *core.PacketBuffer) {
	proto := pkb.Data[9]
	if proto == ProtocolICMP {
		l.handleICMP(pkb)
		return
	}
	h, ok := l.handlers[proto]
	if !ok {
		atomic.AddUint64(&l.metrics.UnknownProtocol, 1)
		l.log.Debugf("no handler for protocol %d from %s", proto, pkb.Src)
		l.sendUnreachable(pkb, codeProtocolUnreachable)
		return
	}
	atomic.AddUint64(&l.metrics.PacketsDelivered, 1)
	if err := h.HandlePacket(pkb); err != nil {
		l.log.Debugf("protocol %d from %s: %v", proto, pkb.Src, err)
	}
}

// SendDatagram wraps payload in an IPv4 header and writes it to the link.
// An invalid src selects the local address.
func (l *Layer) SendDatagram(proto uint8, src, dst netip.Addr, payload []byte) error {
	total := headerLen + len(payload)
	if mtu := l.link.MTU(); mtu > 0 && total > mtu {
		atomic.AddUint64(&l.metrics.OutputErrors, 1)
		return fmt.Errorf("datagram of %d bytes exceeds MTU %d", total, mtu)
	}
	if !src.IsValid() {
		src = l.cfg.Addr
	}

	b := bufGet(total)
	defer bufPut(b)
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      headerLen,
		TotalLen: total,
		ID:       int(l.ids.next()),
		Flags:    ipv4.DontFragment,
		TTL:      int(l.cfg.TTL),
		Protocol: int(proto),
		Src:      net.IP(src.AsSlice()),
		Dst:      net.IP(dst.AsSlice()),
	}
	if err := marshalHeader(h, b); err != nil {
		atomic.AddUint64(&l.metrics.OutputErrors, 1)
		return err
	}
	copy(b[headerLen:], payload)

	if err := l.link.WritePacket(core.NewPacket(b)); err != nil {
		atomic.AddUint64(&l.metrics.OutputErrors, 1)
		return fmt.Errorf("write to %s: %w", l.link.Name(), err)
	}
	atomic.AddUint64(&l.metrics.PacketsSent, 1)
	return nil
}

// Metrics returns a snapshot of the counters.
func (l *Layer) Metrics() core.IPMetrics {
	load := func(p *uint64) uint64 { return atomic.LoadUint64(p) }
	return core.IPMetrics{
		PacketsReceived:  load(&l.metrics.PacketsReceived),
		PacketsDelivered: load(&l.metrics.PacketsDelivered),
		PacketsSent:      load(&l.metrics.PacketsSent),
		MalformedPackets: load(&l.metrics.MalformedPackets),
		BadChecksum:      load(&l.metrics.BadChecksum),
		NotForUs:         load(&l.metrics.NotForUs),
		UnknownProtocol:  load(&l.metrics.UnknownProtocol),
		InputQueueDrops:  load(&l.metrics.InputQueueDrops),
		OutputErrors:     load(&l.metrics.OutputErrors),
		EchoReplies:      load(&l.metrics.EchoReplies),
		Unreachables:     load(&l.metrics.Unreachables),
	}
}
