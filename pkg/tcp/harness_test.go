package tcp

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/wgtcp/pkg/core"
)

var (
	localAddr  = netip.MustParseAddr("10.0.0.1")
	remoteAddr = netip.MustParseAddr("10.0.0.2")
)

// capture records every segment the stack hands to the network layer.
type capture struct {
	mu   sync.Mutex
	segs []*Segment
}

func (c *capture) SendDatagram(proto uint8, src, dst netip.Addr, payload []byte) error {
	b := append([]byte(nil), payload...)
	seg, err := Decode(b)
	if err != nil {
		return err
	}
	seg.Src, seg.Dst = src, dst
	c.mu.Lock()
	c.segs = append(c.segs, seg)
	c.mu.Unlock()
	return nil
}

func (c *capture) take() []*Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.segs
	c.segs = nil
	return out
}

func (c *capture) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.segs)
}

// only returns the single captured segment.
func (c *capture) only(t *testing.T) *Segment {
	t.Helper()
	segs := c.take()
	require.Len(t, segs, 1, "captured %v", segs)
	return segs[0]
}

// wait blocks until a segment is captured and returns it.
func (c *capture) wait(t *testing.T) *Segment {
	t.Helper()
	require.Eventually(t, func() bool { return c.len() > 0 }, time.Second, time.Millisecond)
	return c.only(t)
}

// first blocks until segments are captured and returns the earliest,
// discarding the rest.
func (c *capture) first(t *testing.T) *Segment {
	t.Helper()
	require.Eventually(t, func() bool { return c.len() > 0 }, time.Second, time.Millisecond)
	return c.take()[0]
}

type harness struct {
	t     *testing.T
	stack *Stack
	out   *capture
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	cfg := DefaultConfig()
	cfg.ResetRateLimit = 0
	cfg.InitialRTO = 10 * time.Second
	cfg.MaxRTO = 10 * time.Second
	for _, m := range mutate {
		m(&cfg)
	}
	out := &capture{}
	s := NewStack(localAddr, cfg, out, WithISSGenerator(&SequentialISS{Next: 1000, Step: 1000}))
	t.Cleanup(s.Close)
	return &harness{t: t, stack: s, out: out}
}

func (h *harness) inject(seg Segment) error {
	if !seg.Src.IsValid() {
		seg.Src = remoteAddr
	}
	if !seg.Dst.IsValid() {
		seg.Dst = localAddr
	}
	b := seg.Encode()
	SetChecksum(seg.Src, seg.Dst, b)
	return h.stack.In(&core.PacketBuffer{Data: b, Src: seg.Src, Dst: seg.Dst})
}

func (h *harness) listen(port uint16, backlog int) *TCB {
	h.t.Helper()
	l, err := h.stack.Listen(netip.AddrPortFrom(netip.Addr{}, port), backlog)
	require.NoError(h.t, err)
	return l
}

// conn returns the TCB the stack would match for a segment from remotePort.
func (h *harness) conn(localPort, remotePort uint16) *TCB {
	h.t.Helper()
	hd, ok := h.stack.table.Lookup(localAddr, localPort, remoteAddr, remotePort)
	require.True(h.t, ok)
	c := h.stack.Lookup(hd)
	require.NotNil(h.t, c)
	c.Put()
	return c
}

// establish runs a passive handshake with a peer using initial sequence
// irs and returns the accepted child. Our ISS is the synack's sequence.
func (h *harness) establish(l *TCB, port uint16, irs seqnum.Value) *TCB {
	h.t.Helper()
	lport := l.LocalAddr().Port()
	require.NoError(h.t, h.inject(Segment{SrcPort: port, DstPort: lport, Seq: irs, Flags: FlagSyn, Window: 8192}))
	synack := h.out.only(h.t)
	require.Equal(h.t, FlagSyn|FlagAck, synack.Flags)
	require.NoError(h.t, h.inject(Segment{SrcPort: port, DstPort: lport, Seq: irs + 1, Ack: synack.Seq + 1, Flags: FlagAck, Window: 8192}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := l.Accept(ctx)
	require.NoError(h.t, err)
	return c
}

// dial runs an active handshake against remote port, answering the SYN with
// a SYN-ACK carrying irs and window wnd.
func (h *harness) dial(port uint16, irs seqnum.Value, wnd uint16) *TCB {
	h.t.Helper()
	c := h.stack.Socket()
	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		errc <- c.Connect(ctx, netip.AddrPortFrom(remoteAddr, port))
	}()

	syn := h.out.wait(h.t)
	require.Equal(h.t, FlagSyn, syn.Flags)
	require.NoError(h.t, h.inject(Segment{
		SrcPort: port, DstPort: syn.SrcPort,
		Seq: irs, Ack: syn.Seq + 1,
		Flags: FlagSyn | FlagAck, Window: wnd,
	}))
	require.NoError(h.t, <-errc)
	ack := h.out.only(h.t)
	require.Equal(h.t, FlagAck, ack.Flags)
	return c
}

func locked[T any](t *TCB, fn func() T) T {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn()
}
