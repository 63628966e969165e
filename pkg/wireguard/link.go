package wireguard

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irctrakz/wgtcp/pkg/core"
	"github.com/irctrakz/wgtcp/pkg/logging"
)

// Link carries the stack's IPv4 datagrams through a userspace WireGuard
// device. It implements core.Link.
type Link struct {
	cfg   DeviceConfig
	local netip.Addr
	tun   *WGTun

	mu      sync.Mutex
	dev     DeviceHandle
	pcap    *pcapWriter
	running bool

	// startDevice is replaced in tests.
	startDevice func(DeviceConfig, *WGTun) (DeviceHandle, error)

	mtuWarned uint32
	errors    uint64

	// Queue saturation instrumentation.
	lastSuccessUnixNano int64
	fullStreak          uint64
	maxFullStreak       uint64
	fullBursts          uint64
}

var _ core.Link = (*Link)(nil)

// NewLink creates the link for the stack address local.
func NewLink(cfg DeviceConfig, local netip.Addr) *Link {
	return &Link{
		cfg:         cfg,
		local:       local,
		tun:         NewWGTun("wg0", cfg.MTU, cfg.QueueCap),
		startDevice: StartDevice,
	}
}

// Name returns the interface name.
func (l *Link) Name() string { return l.tun.name }

// MTU returns the plaintext MTU of the tunnel.
func (l *Link) MTU() int { return l.tun.mtu }

// Tun returns the device wireguard-go reads from and writes to.
func (l *Link) Tun() *WGTun { return l.tun }

// SetPacketProcessor sets the receiver of datagrams decrypted from peers.
func (l *Link) SetPacketProcessor(processor core.PacketProcessor) {
	l.tun.SetPacketProcessor(processor)
}

// Start opens the capture file, installs the peer routes and brings the
// device up.
func (l *Link) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("wireguard link already running")
	}

	if l.cfg.PcapFile != "" {
		w, err := openPCAP(l.cfg.PcapFile)
		if err != nil {
			return err
		}
		l.pcap = w
		l.tun.setPCAP(w)
		logging.Infof("WireGuard plaintext capture to %s", l.cfg.PcapFile)
	}
	if l.cfg.Hairpin {
		var cidrs []string
		for _, p := range l.cfg.Peers {
			cidrs = append(cidrs, p.AllowedIPs...)
		}
		if err := l.tun.SetRoutes(l.local, cidrs); err != nil {
			l.closePCAP()
			return fmt.Errorf("peer routes: %w", err)
		}
	}

	dev, err := l.startDevice(l.cfg, l.tun)
	if err != nil {
		l.closePCAP()
		return err
	}
	l.dev = dev
	l.running = true
	return nil
}

// Stop closes the device and the tun.
func (l *Link) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return nil
	}
	l.running = false
	err := l.dev.Close()
	if cerr := l.tun.Close(); err == nil {
		err = cerr
	}
	l.closePCAP()
	logging.Infof("WireGuard link stopped")
	return err
}

func (l *Link) closePCAP() {
	l.tun.setPCAP(nil)
	if err := l.pcap.Close(); err != nil {
		logging.Warnf("close pcap: %v", err)
	}
	l.pcap = nil
}

// Device returns the running device, or nil.
func (l *Link) Device() DeviceHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dev
}

// WritePacket queues a datagram for encryption to the peer owning its
// destination.
func (l *Link) WritePacket(packet core.Packet) error {
	data := packet.Data()
	if len(data) > l.tun.mtu {
		atomic.AddUint64(&l.errors, 1)
		if atomic.CompareAndSwapUint32(&l.mtuWarned, 0, 1) {
			logging.Warnf("packet length %d exceeds WG MTU %d; check the TCP MSS", len(data), l.tun.mtu)
		}
		return fmt.Errorf("packet of %d bytes exceeds MTU %d", len(data), l.tun.mtu)
	}
	l.tun.procMu.RLock()
	pcap := l.tun.pcap
	l.tun.procMu.RUnlock()
	pcap.write(data)

	if err := l.tun.InjectToPeer(data); err != nil {
		atomic.AddUint64(&l.errors, 1)
		if errors.Is(err, errQueueFull) {
			if atomic.AddUint64(&l.fullStreak, 1) == 1 {
				atomic.AddUint64(&l.fullBursts, 1)
			}
			for {
				cur := atomic.LoadUint64(&l.maxFullStreak)
				streak := atomic.LoadUint64(&l.fullStreak)
				if streak <= cur || atomic.CompareAndSwapUint64(&l.maxFullStreak, cur, streak) {
					break
				}
			}
		}
		return err
	}
	atomic.StoreInt64(&l.lastSuccessUnixNano, time.Now().UnixNano())
	atomic.StoreUint64(&l.fullStreak, 0)
	return nil
}

// Metrics returns metrics for the link.
func (l *Link) Metrics() core.LinkMetrics {
	m := l.tun.Metrics()
	return core.LinkMetrics{
		PacketsReceived: m.FramesFromWG,
		PacketsSent:     m.FramesToWG,
		BytesReceived:   m.PlaintextFromWG,
		BytesSent:       m.PlaintextToWG,
		Errors:          atomic.LoadUint64(&l.errors) + m.DeliverErrors,
	}
}

// DetailedMetrics exposes tunnel-specific counters for the metrics log.
func (l *Link) DetailedMetrics() map[string]uint64 {
	m := l.tun.Metrics()
	return map[string]uint64{
		"wg_hairpinned":      m.Hairpinned,
		"wg_non_ipv4":        m.NonIPv4,
		"wg_queue_full":      m.QueueDrops,
		"wg_deliver_errors":  m.DeliverErrors,
		"wg_full_streak_cur": atomic.LoadUint64(&l.fullStreak),
		"wg_full_streak_max": atomic.LoadUint64(&l.maxFullStreak),
		"wg_full_bursts":     atomic.LoadUint64(&l.fullBursts),
		"wg_last_success_ns": uint64(atomic.LoadInt64(&l.lastSuccessUnixNano)),
	}
}
