// Package tun provides an in-memory point-to-point link. Two Pipe ends are
// connected back to back: a datagram written to one end is delivered
// asynchronously to the processor of the other. It needs no kernel access
// or privileges and backs the tests and the loopback mode.
package tun

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/wgtcp/pkg/core"
	"github.com/irctrakz/wgtcp/pkg/logging"
)

// Pipe is one end of an in-memory link. It implements core.Link.
type Pipe struct {
	name      string
	mtu       int
	processor core.PacketProcessor
	peer      *Pipe

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	inbound chan []byte
	mu      sync.Mutex

	// drop, when set, discards outbound datagrams it returns true for.
	drop func([]byte) bool
	// record keeps a copy of every written datagram.
	record  bool
	written [][]byte

	metrics core.LinkMetrics
}

var _ core.Link = (*Pipe)(nil)

// NewPipe creates a connected pair of links named name0 and name1.
func NewPipe(name string, mtu int) (*Pipe, *Pipe) {
	a := newEnd(name+"0", mtu)
	b := newEnd(name+"1", mtu)
	a.peer, b.peer = b, a
	return a, b
}

func newEnd(name string, mtu int) *Pipe {
	return &Pipe{
		name:    name,
		mtu:     mtu,
		stopCh:  make(chan struct{}),
		inbound: make(chan []byte, 1024),
	}
}

// Name returns the name of the link.
func (p *Pipe) Name() string {
	return p.name
}

// MTU returns the Maximum Transmission Unit of the link.
func (p *Pipe) MTU() int {
	return p.mtu
}

// SetPacketProcessor sets the receiver of datagrams arriving from the peer.
func (p *Pipe) SetPacketProcessor(processor core.PacketProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processor = processor
}

// SetDropFunc installs a filter on outbound datagrams, used to simulate loss.
func (p *Pipe) SetDropFunc(f func([]byte) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop = f
}

// Record enables keeping a copy of every written datagram.
func (p *Pipe) Record(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record = on
}

// WritePacket sends a datagram to the peer end.
func (p *Pipe) WritePacket(packet core.Packet) error {
	data := packet.Data()
	if len(data) > p.mtu {
		atomic.AddUint64(&p.metrics.Errors, 1)
		return fmt.Errorf("packet of %d bytes exceeds MTU %d", len(data), p.mtu)
	}

	// The caller may reuse its buffer once we return.
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	p.mu.Lock()
	drop := p.drop
	if p.record {
		p.written = append(p.written, dataCopy)
	}
	p.mu.Unlock()

	atomic.AddUint64(&p.metrics.PacketsSent, 1)
	atomic.AddUint64(&p.metrics.BytesSent, uint64(len(data)))

	if drop != nil && drop(dataCopy) {
		logging.Debugf("pipe %s dropped packet of length %d", p.name, len(data))
		return nil
	}
	return p.peer.receive(dataCopy)
}

// receive queues a datagram for this end's processor.
func (p *Pipe) receive(data []byte) error {
	select {
	case p.inbound <- data:
		return nil
	default:
		atomic.AddUint64(&p.metrics.Errors, 1)
		return fmt.Errorf("pipe %s: inbound queue full, packet dropped", p.name)
	}
}

// Inject delivers data to this end's processor as if the peer had sent it.
func (p *Pipe) Inject(data []byte) error {
	return p.receive(append([]byte(nil), data...))
}

// Start starts delivering inbound datagrams.
func (p *Pipe) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("pipe %s already running", p.name)
	}
	p.running = true

	p.wg.Add(1)
	go p.readLoop()

	logging.Infof("Pipe link started: %s", p.name)
	return nil
}

// Stop stops delivery. It is safe to call more than once.
func (p *Pipe) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logging.Infof("Pipe link stopped: %s", p.name)
	return nil
}

// Metrics returns metrics for the link.
func (p *Pipe) Metrics() core.LinkMetrics {
	return core.LinkMetrics{
		PacketsReceived: atomic.LoadUint64(&p.metrics.PacketsReceived),
		PacketsSent:     atomic.LoadUint64(&p.metrics.PacketsSent),
		BytesReceived:   atomic.LoadUint64(&p.metrics.BytesReceived),
		BytesSent:       atomic.LoadUint64(&p.metrics.BytesSent),
		Errors:          atomic.LoadUint64(&p.metrics.Errors),
	}
}

// Written returns copies of the datagrams written while recording.
func (p *Pipe) Written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([][]byte, len(p.written))
	for i, packet := range p.written {
		result[i] = append([]byte(nil), packet...)
	}
	return result
}

// readLoop hands inbound datagrams to the processor.
func (p *Pipe) readLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case data := <-p.inbound:
			atomic.AddUint64(&p.metrics.PacketsReceived, 1)
			atomic.AddUint64(&p.metrics.BytesReceived, uint64(len(data)))

			p.mu.Lock()
			processor := p.processor
			p.mu.Unlock()
			if processor == nil {
				continue
			}
			if err := processor.ProcessPacket(core.NewPacket(data)); err != nil {
				logging.Debugf("pipe %s: process packet: %v", p.name, err)
				atomic.AddUint64(&p.metrics.Errors, 1)
			}
		}
	}
}
