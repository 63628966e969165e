package wireguard

import (
	"fmt"
	"net/netip"
	"os"
	"sync/atomic"

	wtun "golang.zx2c4.com/wireguard/tun"

	"github.com/irctrakz/wgtcp/pkg/core"
	"github.com/irctrakz/wgtcp/pkg/logging"
)

var _ wtun.Device = (*WGTun)(nil)

// File returns nil; userspace WGTun does not back with an os.File.
func (t *WGTun) File() *os.File { return nil }

// Name returns the interface name.
func (t *WGTun) Name() (string, error) { return t.name, nil }

// MTU returns the interface MTU.
func (t *WGTun) MTU() (int, error) { return t.mtu, nil }

// Read hands the next queued frame to wireguard-go at bufs[0][offset:].
func (t *WGTun) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case <-t.closed:
		return 0, os.ErrClosed
	case pkt := <-t.outCh:
		if len(bufs) == 0 || len(sizes) == 0 {
			return 0, nil
		}
		b := bufs[0]
		if offset >= len(b) {
			return 0, fmt.Errorf("offset beyond buffer")
		}
		sizes[0] = copy(b[offset:], pkt)
		return 1, nil
	}
}

// Write receives decrypted frames from wireguard-go. IPv4 frames are
// hairpinned to another peer or passed to the processor; anything else is
// counted and consumed.
func (t *WGTun) Write(bufs [][]byte, offset int) (int, error) {
	t.procMu.RLock()
	proc, pcap := t.processor, t.pcap
	t.procMu.RUnlock()

	written := 0
	for _, b := range bufs {
		if offset >= len(b) {
			continue
		}
		pkt := b[offset:]
		written++
		if !IsIPv4(pkt) {
			atomic.AddUint64(&t.metrics.NonIPv4, 1)
			logging.Debugf("WGTun received non-IPv4 frame: len=%d", len(pkt))
			continue
		}
		atomic.AddUint64(&t.metrics.FramesFromWG, 1)
		atomic.AddUint64(&t.metrics.PlaintextFromWG, uint64(len(pkt)))
		pcap.write(pkt)

		dst := netip.AddrFrom4([4]byte(pkt[16:20]))
		if t.hairpin(dst) {
			if err := t.InjectToPeer(pkt); err != nil {
				logging.Debugf("WGTun hairpin to %s: %v", dst, err)
				continue
			}
			atomic.AddUint64(&t.metrics.Hairpinned, 1)
			continue
		}
		if proc == nil {
			continue
		}
		// wireguard-go reuses its buffers once Write returns.
		cp := append([]byte(nil), pkt...)
		if err := proc.ProcessPacket(core.NewPacket(cp)); err != nil {
			atomic.AddUint64(&t.metrics.DeliverErrors, 1)
			logging.Debugf("WGTun deliver: %v", err)
		}
	}
	return written, nil
}

// Events returns the device event stream.
func (t *WGTun) Events() <-chan wtun.Event { return t.events }

// BatchSize returns 1 to indicate minimal batch support.
func (t *WGTun) BatchSize() int { return 1 }
