// Package tcp implements the TCP transport: segment codec, transmission
// control blocks, the connection state machine, listen/accept queues,
// output assembly and the blocking socket operations built on them.
package tcp

import (
	"net/netip"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/irctrakz/wgtcp/pkg/core"
	"github.com/irctrakz/wgtcp/pkg/logging"
	"github.com/irctrakz/wgtcp/pkg/sock"
)

// Output hands a checksummed transport payload to the network layer.
type Output interface {
	SendDatagram(proto uint8, src, dst netip.Addr, payload []byte) error
}

// Stack is one TCP instance bound to a local IPv4 address.
type Stack struct {
	cfg   Config
	addr  netip.Addr
	out   Output
	table *sock.Table[Handle]
	arena arena
	iss   ISSGenerator
	ids   IDGenerator
	rst   *rate.Limiter
	stats core.TCPMetrics
	log   *logrus.Entry
}

// Option customizes a Stack.
type Option func(*Stack)

// WithISSGenerator replaces the default RFC 6528 generator.
func WithISSGenerator(g ISSGenerator) Option {
	return func(s *Stack) { s.iss = g }
}

// NewStack creates a stack for addr sending through out.
func NewStack(addr netip.Addr, cfg Config, out Output, opts ...Option) *Stack {
	cfg = cfg.withDefaults()
	s := &Stack{
		cfg:   cfg,
		addr:  addr,
		out:   out,
		table: sock.NewTable[Handle](cfg.EphemeralPortMin, cfg.EphemeralPortMax),
		iss:   NewClockISS(),
		rst:   rate.NewLimiter(rate.Inf, 0),
		log:   logging.Component("tcp"),
	}
	if cfg.ResetRateLimit > 0 {
		s.rst = rate.NewLimiter(rate.Limit(cfg.ResetRateLimit), cfg.ResetRateLimit)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Addr returns the local address.
func (s *Stack) Addr() netip.Addr { return s.addr }

// Config returns the effective configuration.
func (s *Stack) Config() Config { return s.cfg }

// Lookup resolves a handle. The returned TCB carries a reference; nil means
// the handle is stale.
func (s *Stack) Lookup(h Handle) *TCB { return s.arena.get(h) }

// HandlePacket implements the network layer's transport handler.
func (s *Stack) HandlePacket(pkb *core.PacketBuffer) error { return s.In(pkb) }

// In processes one inbound segment. Errors describe why a segment was
// dropped; they never affect other connections.
func (s *Stack) In(pkb *core.PacketBuffer) error {
	atomic.AddUint64(&s.stats.SegmentsReceived, 1)

	raw := pkb.Transport()
	seg, err := Decode(raw)
	if err != nil {
		atomic.AddUint64(&s.stats.MalformedSegments, 1)
		s.log.Debugf("drop from %s: %v", pkb.Src, err)
		return err
	}
	seg.Src, seg.Dst = pkb.Src, pkb.Dst

	if s.cfg.VerifyChecksum && !ChecksumValid(seg.Src, seg.Dst, raw) {
		atomic.AddUint64(&s.stats.BadChecksum, 1)
		s.log.Debugf("drop from %s:%d: bad checksum %#04x", seg.Src, seg.SrcPort, seg.Checksum)
		return errors.Wrap(ErrInvalidFormat, "bad checksum")
	}
	if seg.Flags&FlagRst != 0 {
		atomic.AddUint64(&s.stats.ResetsReceived, 1)
	}

	var t *TCB
	if h, ok := s.table.Lookup(seg.Dst, seg.DstPort, seg.Src, seg.SrcPort); ok {
		t = s.arena.get(h)
	}
	if t == nil {
		s.noConnection(seg)
		return nil
	}
	defer t.Put()
	t.process(seg)
	return nil
}

// noConnection answers a segment that matches no socket.
func (s *Stack) noConnection(seg *Segment) {
	if seg.Flags&FlagRst != 0 {
		return
	}
	if !s.rst.Allow() {
		atomic.AddUint64(&s.stats.ResetsSuppressed, 1)
		return
	}
	s.log.Debugf("no socket for %s:%d -> %s:%d (%s), resetting",
		seg.Src, seg.SrcPort, seg.Dst, seg.DstPort, seg.Flags)
	b := resetFor(seg).Encode()
	SetChecksum(seg.Dst, seg.Src, b)
	s.countReset()
	s.transmit(seg.Dst, seg.Src, b)
}

func (s *Stack) transmit(src, dst netip.Addr, b []byte) {
	atomic.AddUint64(&s.stats.SegmentsSent, 1)
	if s.out == nil {
		return
	}
	if err := s.out.SendDatagram(ProtocolNumber, src, dst, b); err != nil {
		s.log.Debugf("output to %s: %v", dst, err)
	}
}

// Close aborts every connection and listener.
func (s *Stack) Close() {
	s.arena.each(func(t *TCB) {
		parent := t.lock()
		if t.state == Listen {
			t.drainQueues()
		} else if t.state.synchronized() && t.state != TimeWait {
			t.sendRst()
		}
		t.destroy(parent, ErrClosed)
		t.unlock(parent)
	})
}

// Metrics returns a snapshot of the counters.
func (s *Stack) Metrics() core.TCPMetrics {
	load := func(p *uint64) uint64 { return atomic.LoadUint64(p) }
	m := core.TCPMetrics{
		SegmentsReceived:   load(&s.stats.SegmentsReceived),
		SegmentsSent:       load(&s.stats.SegmentsSent),
		MalformedSegments:  load(&s.stats.MalformedSegments),
		BadChecksum:        load(&s.stats.BadChecksum),
		ResetsSent:         load(&s.stats.ResetsSent),
		ResetsReceived:     load(&s.stats.ResetsReceived),
		ResetsSuppressed:   load(&s.stats.ResetsSuppressed),
		ConnectionsCreated: load(&s.stats.ConnectionsCreated),
		ConnectionsClosed:  load(&s.stats.ConnectionsClosed),
		PassiveOpens:       load(&s.stats.PassiveOpens),
		ActiveOpens:        load(&s.stats.ActiveOpens),
		AcceptQueueDrops:   load(&s.stats.AcceptQueueDrops),
		ListenQueueDrops:   load(&s.stats.ListenQueueDrops),
		Retransmits:        load(&s.stats.Retransmits),
		Timeouts:           load(&s.stats.Timeouts),
		OutOfOrderDrops:    load(&s.stats.OutOfOrderDrops),
	}
	m.ActiveConnections = m.ConnectionsCreated - m.ConnectionsClosed
	return m
}

func (s *Stack) countCreated()     { atomic.AddUint64(&s.stats.ConnectionsCreated, 1) }
func (s *Stack) countClosed()      { atomic.AddUint64(&s.stats.ConnectionsClosed, 1) }
func (s *Stack) countReset()       { atomic.AddUint64(&s.stats.ResetsSent, 1) }
func (s *Stack) countPassiveOpen() { atomic.AddUint64(&s.stats.PassiveOpens, 1) }
func (s *Stack) countActiveOpen()  { atomic.AddUint64(&s.stats.ActiveOpens, 1) }
func (s *Stack) countAcceptDrop()  { atomic.AddUint64(&s.stats.AcceptQueueDrops, 1) }
func (s *Stack) countListenDrop()  { atomic.AddUint64(&s.stats.ListenQueueDrops, 1) }
func (s *Stack) countRetransmit()  { atomic.AddUint64(&s.stats.Retransmits, 1) }
func (s *Stack) countTimeout()     { atomic.AddUint64(&s.stats.Timeouts, 1) }
func (s *Stack) countOutOfOrder()  { atomic.AddUint64(&s.stats.OutOfOrderDrops, 1) }
