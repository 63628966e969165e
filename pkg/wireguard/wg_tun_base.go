package wireguard

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"

	wtun "golang.zx2c4.com/wireguard/tun"

	"github.com/irctrakz/wgtcp/pkg/core"
)

// TUNMetrics exposes counters for the plaintext exchange with wireguard-go.
type TUNMetrics struct {
	PlaintextFromWG uint64 // bytes written by WG (decrypted from peers)
	PlaintextToWG   uint64 // bytes read by WG (to be encrypted)
	FramesFromWG    uint64
	FramesToWG      uint64
	Hairpinned      uint64 // frames from one peer routed back to another
	NonIPv4         uint64 // frames from WG that are not IPv4
	QueueDrops      uint64 // frames dropped due to full queue
	DeliverErrors   uint64 // frames the processor refused
}

// WGTun is a userspace TUN device for wireguard-go. Plaintext frames
// written by the device are handed to a core.PacketProcessor; frames
// queued with InjectToPeer are read by the device and encrypted.
type WGTun struct {
	name string
	mtu  int

	outCh   chan []byte
	events  chan wtun.Event
	closed  chan struct{}
	closeMu sync.Mutex

	procMu    sync.RWMutex
	processor core.PacketProcessor
	pcap      *pcapWriter

	metrics TUNMetrics

	// Overlay prefixes of the peers; frames between peers are hairpinned.
	routeMu   sync.RWMutex
	local     netip.Addr
	peerNets  []netip.Prefix
	hairpinOn bool
}

// NewWGTun creates a WGTun with the given name, MTU and read queue capacity.
func NewWGTun(name string, mtu, queueCap int) *WGTun {
	if mtu <= 0 {
		mtu = 1380
	}
	if queueCap <= 0 {
		queueCap = 1024
	}
	t := &WGTun{
		name:   name,
		mtu:    mtu,
		outCh:  make(chan []byte, queueCap),
		events: make(chan wtun.Event, 2),
		closed: make(chan struct{}),
	}
	t.events <- wtun.EventUp
	return t
}

// SetPacketProcessor sets the receiver of plaintext frames from peers.
func (t *WGTun) SetPacketProcessor(p core.PacketProcessor) {
	t.procMu.Lock()
	t.processor = p
	t.procMu.Unlock()
}

func (t *WGTun) setPCAP(w *pcapWriter) {
	t.procMu.Lock()
	t.pcap = w
	t.procMu.Unlock()
}

// Close shuts down the device and emits a Down event.
func (t *WGTun) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	select {
	case t.events <- wtun.EventDown:
	default:
	}
	close(t.events)
	for {
		select {
		case <-t.outCh:
		default:
			return nil
		}
	}
}

// InjectToPeer enqueues a plaintext IP frame to be read by the WG device.
func (t *WGTun) InjectToPeer(b []byte) error {
	select {
	case <-t.closed:
		return fmt.Errorf("wg tun closed")
	default:
	}
	cp := append([]byte(nil), b...)
	select {
	case t.outCh <- cp:
		atomic.AddUint64(&t.metrics.PlaintextToWG, uint64(len(cp)))
		atomic.AddUint64(&t.metrics.FramesToWG, 1)
		return nil
	default:
		atomic.AddUint64(&t.metrics.QueueDrops, 1)
		return errQueueFull
	}
}

var errQueueFull = fmt.Errorf("wg tun queue full")

// Metrics returns a snapshot of counters.
func (t *WGTun) Metrics() TUNMetrics {
	load := func(p *uint64) uint64 { return atomic.LoadUint64(p) }
	return TUNMetrics{
		PlaintextFromWG: load(&t.metrics.PlaintextFromWG),
		PlaintextToWG:   load(&t.metrics.PlaintextToWG),
		FramesFromWG:    load(&t.metrics.FramesFromWG),
		FramesToWG:      load(&t.metrics.FramesToWG),
		Hairpinned:      load(&t.metrics.Hairpinned),
		NonIPv4:         load(&t.metrics.NonIPv4),
		QueueDrops:      load(&t.metrics.QueueDrops),
		DeliverErrors:   load(&t.metrics.DeliverErrors),
	}
}

// SetRoutes configures hairpinning: frames from a peer addressed to another
// peer's prefix, and not to local, go straight back into WireGuard.
// Default routes are ignored so that the local address stays reachable.
func (t *WGTun) SetRoutes(local netip.Addr, cidrs []string) error {
	var nets []netip.Prefix
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return err
		}
		if p.Bits() == 0 || !p.Addr().Is4() {
			continue
		}
		nets = append(nets, p.Masked())
	}
	t.routeMu.Lock()
	t.local = local
	t.peerNets = nets
	t.hairpinOn = len(nets) > 0
	t.routeMu.Unlock()
	return nil
}

func (t *WGTun) hairpin(dst netip.Addr) bool {
	t.routeMu.RLock()
	defer t.routeMu.RUnlock()
	if !t.hairpinOn || dst == t.local {
		return false
	}
	for _, n := range t.peerNets {
		if n.Contains(dst) {
			return true
		}
	}
	return false
}

// IsIPv4 reports whether b appears to be an IPv4 packet.
func IsIPv4(b []byte) bool { return len(b) >= 20 && b[0]>>4 == 4 }
