package tcp

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/wgtcp/pkg/core"
)

func TestReceiveInOrder(t *testing.T) {
	h := newHarness(t)
	l := h.listen(80, 4)
	c := h.establish(l, 5000, 100)

	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 80, Seq: 101, Ack: 1001, Flags: FlagAck | FlagPsh, Window: 8192, Payload: []byte("hello")}))
	ack := h.out.only(t)
	assert.Equal(t, FlagAck, ack.Flags)
	assert.Equal(t, seqnum.Value(106), ack.Ack)
	assert.Equal(t, uint16(4091), ack.Window)

	// Overlapping retransmission: only the new bytes are kept.
	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 80, Seq: 103, Ack: 1001, Flags: FlagAck | FlagPsh, Window: 8192, Payload: []byte("llo world")}))
	ack = h.out.only(t)
	assert.Equal(t, seqnum.Value(112), ack.Ack)

	buf := make([]byte, 64)
	n, err := c.Recv(testContext(t), buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))
}

func TestDuplicateSegmentOnlyAcked(t *testing.T) {
	h := newHarness(t)
	l := h.listen(80, 4)
	c := h.establish(l, 5000, 100)

	seg := Segment{SrcPort: 5000, DstPort: 80, Seq: 101, Ack: 1001, Flags: FlagAck | FlagPsh, Window: 8192, Payload: []byte("hello")}
	require.NoError(t, h.inject(seg))
	h.out.only(t)

	require.NoError(t, h.inject(seg))
	ack := h.out.only(t)
	assert.Equal(t, FlagAck, ack.Flags)
	assert.Equal(t, seqnum.Value(106), ack.Ack)
	assert.Equal(t, 5, locked(c, func() int { return c.rcvBuf.Length() }))
	assert.Equal(t, Established, c.State())
}

func TestOutOfOrderDropped(t *testing.T) {
	h := newHarness(t)
	l := h.listen(80, 4)
	c := h.establish(l, 5000, 100)

	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 80, Seq: 111, Ack: 1001, Flags: FlagAck, Window: 8192, Payload: []byte("later")}))
	ack := h.out.only(t)
	assert.Equal(t, seqnum.Value(101), ack.Ack)
	assert.Equal(t, 0, locked(c, func() int { return c.rcvBuf.Length() }))
	assert.Equal(t, uint64(1), h.stack.Metrics().OutOfOrderDrops)
}

func TestReceiveWindow(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ReceiveBufferSize = 8 })
	l := h.listen(80, 4)
	c := h.establish(l, 5000, 100)

	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 80, Seq: 101, Ack: 1001, Flags: FlagAck, Window: 8192, Payload: []byte("0123456789")}))
	ack := h.out.only(t)
	assert.Equal(t, seqnum.Value(109), ack.Ack, "text beyond the buffer is not acknowledged")
	assert.Equal(t, uint16(0), ack.Window)

	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 80, Seq: 109, Ack: 1001, Flags: FlagAck, Window: 8192, Payload: []byte("89")}))
	ack = h.out.only(t)
	assert.Equal(t, seqnum.Value(109), ack.Ack)

	buf := make([]byte, 8)
	n, err := c.Recv(testContext(t), buf)
	require.NoError(t, err)
	assert.Equal(t, "01234567", string(buf[:n]))

	update := h.out.only(t)
	assert.Equal(t, FlagAck, update.Flags)
	assert.Equal(t, uint16(8), update.Window)
}

func TestResetUnblocksRecv(t *testing.T) {
	h := newHarness(t)
	l := h.listen(80, 4)
	c := h.establish(l, 5000, 100)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Recv(testContext(t), make([]byte, 16))
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 80, Seq: 101, Flags: FlagRst}))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrConnReset)
	case <-time.After(time.Second):
		t.Fatal("recv still blocked")
	}
	assert.Empty(t, h.out.take())
	assert.Equal(t, Closed, c.State())

	_, err := c.Send(testContext(t), []byte("x"))
	assert.ErrorIs(t, err, ErrConnReset)
	assert.Equal(t, Listen, h.conn(80, 5000).State())
}

func TestResetUnblocksSend(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SendBufferSize = 4 })
	l := h.listen(80, 4)
	c := h.establish(l, 5000, 100)

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := c.Send(testContext(t), []byte("12345678"))
		done <- result{n, err}
	}()

	data := h.out.wait(t)
	assert.Equal(t, []byte("1234"), data.Payload)

	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 80, Seq: 101, Flags: FlagRst}))
	select {
	case r := <-done:
		assert.Equal(t, 4, r.n)
		assert.ErrorIs(t, r.err, ErrConnReset)
	case <-time.After(time.Second):
		t.Fatal("send still blocked")
	}
}

func TestSendBlocksUntilAcked(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SendBufferSize = 4 })
	l := h.listen(80, 4)
	c := h.establish(l, 5000, 100)

	done := make(chan error, 1)
	go func() {
		_, err := c.Send(testContext(t), []byte("12345678"))
		done <- err
	}()
	first := h.out.wait(t)
	assert.Equal(t, seqnum.Value(1001), first.Seq)

	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 80, Seq: 101, Ack: 1005, Flags: FlagAck, Window: 8192}))
	require.NoError(t, <-done)
	second := h.out.wait(t)
	assert.Equal(t, seqnum.Value(1005), second.Seq)
	assert.Equal(t, []byte("5678"), second.Payload)
}

func TestOutOfWindowReset(t *testing.T) {
	h := newHarness(t)
	l := h.listen(80, 4)
	c := h.establish(l, 5000, 100)

	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 80, Seq: 90000, Flags: FlagRst}))
	assert.Empty(t, h.out.take())
	assert.Equal(t, Established, c.State())
}

func TestSynInWindowResets(t *testing.T) {
	h := newHarness(t)
	l := h.listen(80, 4)
	c := h.establish(l, 5000, 100)

	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 80, Seq: 150, Flags: FlagSyn, Window: 8192}))
	rst := h.out.only(t)
	assert.Equal(t, FlagRst|FlagAck, rst.Flags)
	assert.Equal(t, seqnum.Value(151), rst.Ack)
	assert.Equal(t, Closed, c.State())
	assert.ErrorIs(t, c.Err(), ErrConnReset)
}

func TestAckBeyondSent(t *testing.T) {
	h := newHarness(t)
	l := h.listen(80, 4)
	c := h.establish(l, 5000, 100)

	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 80, Seq: 101, Ack: 9999, Flags: FlagAck | FlagPsh, Window: 8192, Payload: []byte("ignored")}))
	ack := h.out.only(t)
	assert.Equal(t, seqnum.Value(101), ack.Ack)
	assert.Equal(t, 0, locked(c, func() int { return c.rcvBuf.Length() }))
}

func TestDataAfterCloseDiscarded(t *testing.T) {
	h := newHarness(t)
	l := h.listen(80, 4)
	c := h.establish(l, 5000, 100)

	require.NoError(t, c.Close())
	h.out.only(t)
	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 80, Seq: 101, Ack: 1002, Flags: FlagAck, Window: 8192, Payload: []byte("late")}))
	ack := h.out.only(t)
	assert.Equal(t, seqnum.Value(105), ack.Ack)
	assert.Equal(t, 0, locked(c, func() int { return c.rcvBuf.Length() }))
}

func TestActiveOpen(t *testing.T) {
	h := newHarness(t)
	c := h.dial(80, 5000, 8192)
	assert.Equal(t, Established, c.State())
	assert.Equal(t, uint64(1), h.stack.Metrics().ActiveOpens)

	local := c.LocalAddr()
	assert.Equal(t, localAddr, local.Addr())
	assert.GreaterOrEqual(t, local.Port(), uint16(49152))

	_, err := c.Send(testContext(t), []byte("hello world"))
	require.NoError(t, err)
	data := h.out.only(t)
	assert.Equal(t, FlagAck|FlagPsh, data.Flags)
	assert.Equal(t, seqnum.Value(1001), data.Seq)
	assert.Equal(t, seqnum.Value(5001), data.Ack)
	assert.Equal(t, []byte("hello world"), data.Payload)

	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: local.Port(), Seq: 5001, Ack: 1012, Flags: FlagAck, Window: 8192}))
	assert.Empty(t, h.out.take())
	assert.Equal(t, 0, locked(c, func() int { return len(c.sndQueue) }))
	assert.Nil(t, locked(c, func() *time.Timer { return c.timer }))

	assert.ErrorIs(t, c.Connect(testContext(t), netip.AddrPortFrom(remoteAddr, 80)), ErrAlreadyConnected)
}

func TestSendRespectsPeerWindow(t *testing.T) {
	h := newHarness(t)
	c := h.dial(80, 5000, 4)
	port := c.LocalAddr().Port()

	n, err := c.Send(testContext(t), []byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	seg := h.out.only(t)
	assert.Equal(t, []byte("0123"), seg.Payload)

	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: port, Seq: 5001, Ack: 1005, Flags: FlagAck, Window: 4}))
	seg = h.out.only(t)
	assert.Equal(t, seqnum.Value(1005), seg.Seq)
	assert.Equal(t, []byte("4567"), seg.Payload)

	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: port, Seq: 5001, Ack: 1009, Flags: FlagAck, Window: 4}))
	seg = h.out.only(t)
	assert.Equal(t, []byte("89"), seg.Payload)
}

func TestSendSegmentsByMSS(t *testing.T) {
	h := newHarness(t)
	c := h.dial(80, 5000, 8192)
	locked(c, func() int { c.mss = 3; return 0 })

	_, err := c.Send(testContext(t), []byte("abcdefgh"))
	require.NoError(t, err)
	segs := h.out.take()
	require.Len(t, segs, 3)
	assert.Equal(t, []byte("abc"), segs[0].Payload)
	assert.Equal(t, []byte("def"), segs[1].Payload)
	assert.Equal(t, []byte("gh"), segs[2].Payload)
	assert.Equal(t, seqnum.Value(1007), segs[2].Seq)
}

func TestPeerMSSApplied(t *testing.T) {
	h := newHarness(t)
	c := h.stack.Socket()
	go c.Connect(testContext(t), netip.AddrPortFrom(remoteAddr, 80))

	syn := h.out.wait(t)
	mss, ok := syn.MSSOption()
	require.True(t, ok)
	assert.Equal(t, 1460, mss)

	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: syn.SrcPort, Seq: 5000, Ack: 1001, Flags: FlagSyn | FlagAck, Window: 8192, Options: mssOption(536)}))
	require.Eventually(t, func() bool { return c.State() == Established }, time.Second, time.Millisecond)
	assert.Equal(t, 536, locked(c, func() int { return c.mss }))
}

func TestConnectRefused(t *testing.T) {
	h := newHarness(t)
	c := h.stack.Socket()
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(testContext(t), netip.AddrPortFrom(remoteAddr, 80)) }()

	syn := h.out.wait(t)
	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: syn.SrcPort, Ack: syn.Seq + 1, Flags: FlagRst | FlagAck}))
	assert.ErrorIs(t, <-errc, ErrConnRefused)
	assert.Equal(t, Closed, c.State())
}

func TestSynSentBadAck(t *testing.T) {
	h := newHarness(t)
	c := h.stack.Socket()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(ctx, netip.AddrPortFrom(remoteAddr, 80)) }()

	syn := h.out.wait(t)
	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: syn.SrcPort, Seq: 5000, Ack: 999, Flags: FlagSyn | FlagAck, Window: 8192}))
	rst := h.out.only(t)
	assert.Equal(t, FlagRst, rst.Flags)
	assert.Equal(t, seqnum.Value(999), rst.Seq)
	assert.Equal(t, SynSent, c.State())

	// A RST with an unacceptable ACK is ignored.
	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: syn.SrcPort, Ack: 999, Flags: FlagRst | FlagAck}))
	assert.Empty(t, h.out.take())
	assert.Equal(t, SynSent, c.State())

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, Closed, c.State())
}

func TestSynSentIgnoresBareReset(t *testing.T) {
	h := newHarness(t)
	c := h.stack.Socket()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(ctx, netip.AddrPortFrom(remoteAddr, 80)) }()

	syn := h.out.wait(t)
	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: syn.SrcPort, Seq: 5000, Flags: FlagRst}))
	assert.Empty(t, h.out.take())
	assert.Equal(t, SynSent, c.State())

	// The real answer still completes the handshake.
	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: syn.SrcPort, Seq: 5000, Ack: syn.Seq + 1, Flags: FlagSyn | FlagAck, Window: 8192}))
	require.NoError(t, <-errc)
	assert.Equal(t, Established, c.State())
	cancel()
}

func TestSimultaneousOpen(t *testing.T) {
	h := newHarness(t)
	c := h.stack.Socket()
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(testContext(t), netip.AddrPortFrom(remoteAddr, 80)) }()

	syn := h.out.wait(t)
	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: syn.SrcPort, Seq: 5000, Flags: FlagSyn, Window: 8192}))
	synack := h.out.only(t)
	assert.Equal(t, FlagSyn|FlagAck, synack.Flags)
	assert.Equal(t, syn.Seq, synack.Seq)
	assert.Equal(t, seqnum.Value(5001), synack.Ack)
	assert.Equal(t, SynRecv, c.State())

	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: syn.SrcPort, Seq: 5001, Ack: syn.Seq + 1, Flags: FlagAck, Window: 8192}))
	require.NoError(t, <-errc)
	assert.Equal(t, Established, c.State())
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.InitialRTO = 5 * time.Millisecond
		c.MaxRTO = 10 * time.Millisecond
		c.MaxRetries = 2
	})
	c := h.stack.Socket()
	err := c.Connect(testContext(t), netip.AddrPortFrom(remoteAddr, 80))
	assert.ErrorIs(t, err, ErrTimeout)

	segs := h.out.take()
	require.Len(t, segs, 3)
	for _, s := range segs {
		assert.Equal(t, FlagSyn, s.Flags)
		assert.Equal(t, segs[0].Seq, s.Seq)
	}
	m := h.stack.Metrics()
	assert.Equal(t, uint64(1), m.Timeouts)
	assert.Equal(t, uint64(2), m.Retransmits)
}

func TestRetransmitUnackedData(t *testing.T) {
	h := newHarness(t)
	c := h.dial(80, 5000, 8192)
	port := c.LocalAddr().Port()
	locked(c, func() int { c.rto = 20 * time.Millisecond; return 0 })

	_, err := c.Send(testContext(t), []byte("abc"))
	require.NoError(t, err)
	h.out.only(t)

	again := h.out.first(t)
	assert.Equal(t, seqnum.Value(1001), again.Seq)
	assert.Equal(t, []byte("abc"), again.Payload)

	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: port, Seq: 5001, Ack: 1004, Flags: FlagAck, Window: 8192}))
	assert.Nil(t, locked(c, func() *time.Timer { return c.timer }))
	assert.Equal(t, 0, locked(c, func() int { return c.retries }))
	assert.GreaterOrEqual(t, h.stack.Metrics().Retransmits, uint64(1))
}

func TestZeroWindowProbe(t *testing.T) {
	h := newHarness(t)
	c := h.dial(80, 5000, 0)
	port := c.LocalAddr().Port()
	locked(c, func() int { c.rto = 20 * time.Millisecond; return 0 })

	_, err := c.Send(testContext(t), []byte("abc"))
	require.NoError(t, err)
	assert.Empty(t, h.out.take())

	probe := h.out.first(t)
	assert.Equal(t, seqnum.Value(1001), probe.Seq)
	assert.Equal(t, []byte("a"), probe.Payload)
	assert.Equal(t, seqnum.Value(1001), locked(c, func() seqnum.Value { return c.sndNxt }))

	// The peer's window is still closed: our ACK must stay at snd_una to be
	// acceptable there.
	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: port, Seq: 5001, Ack: 1001, Flags: FlagAck | FlagPsh, Window: 0, Payload: []byte("hi")}))
	var ack *Segment
	require.Eventually(t, func() bool {
		for _, s := range h.out.take() {
			if len(s.Payload) == 0 && s.Ack == 5003 {
				ack = s
			}
		}
		return ack != nil
	}, time.Second, time.Millisecond)
	assert.Equal(t, seqnum.Value(1001), ack.Seq)

	require.NoError(t, h.inject(Segment{SrcPort: 80, DstPort: port, Seq: 5003, Ack: 1002, Flags: FlagAck, Window: 8}))
	var rest *Segment
	require.Eventually(t, func() bool {
		for _, s := range h.out.take() {
			if s.Seq == 1002 && string(s.Payload) == "bc" {
				rest = s
			}
		}
		return rest != nil
	}, time.Second, time.Millisecond)
}

func TestNoConnectionReset(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 81, Seq: 100, Flags: FlagSyn, Window: 8192}))
	rst := h.out.only(t)
	assert.Equal(t, FlagRst|FlagAck, rst.Flags)
	assert.Equal(t, seqnum.Value(0), rst.Seq)
	assert.Equal(t, seqnum.Value(101), rst.Ack)
	assert.Equal(t, uint16(81), rst.SrcPort)
	assert.Equal(t, localAddr, rst.Src)

	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 81, Seq: 5, Ack: 77, Flags: FlagAck, Payload: []byte("xy")}))
	rst = h.out.only(t)
	assert.Equal(t, FlagRst, rst.Flags)
	assert.Equal(t, seqnum.Value(77), rst.Seq)

	require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 81, Seq: 5, Flags: FlagRst}))
	assert.Empty(t, h.out.take())
	assert.Equal(t, uint64(2), h.stack.Metrics().ResetsSent)
}

func TestNoConnectionResetRateLimited(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ResetRateLimit = 1 })

	for i := 0; i < 3; i++ {
		require.NoError(t, h.inject(Segment{SrcPort: 5000, DstPort: 81, Seq: 100, Flags: FlagSyn}))
	}
	assert.Len(t, h.out.take(), 1)
	assert.Equal(t, uint64(2), h.stack.Metrics().ResetsSuppressed)
}

func TestMalformedAndBadChecksum(t *testing.T) {
	h := newHarness(t)
	h.listen(80, 4)

	err := h.stack.In(&core.PacketBuffer{Data: make([]byte, 10), Src: remoteAddr, Dst: localAddr})
	assert.ErrorIs(t, err, ErrInvalidFormat)

	b := (&Segment{SrcPort: 5000, DstPort: 80, Seq: 100, Flags: FlagSyn, Window: 8192}).Encode()
	SetChecksum(remoteAddr, localAddr, b)
	b[4] ^= 0xff
	err = h.stack.In(&core.PacketBuffer{Data: b, Src: remoteAddr, Dst: localAddr})
	assert.ErrorIs(t, err, ErrInvalidFormat)
	assert.Empty(t, h.out.take())

	m := h.stack.Metrics()
	assert.Equal(t, uint64(1), m.MalformedSegments)
	assert.Equal(t, uint64(1), m.BadChecksum)
}

func TestBindConflicts(t *testing.T) {
	h := newHarness(t)
	h.listen(80, 4)

	_, err := h.stack.Listen(netip.AddrPortFrom(netip.Addr{}, 80), 4)
	assert.ErrorIs(t, err, ErrAddrInUse)

	c := h.stack.Socket()
	assert.Error(t, c.Bind(netip.AddrPortFrom(netip.MustParseAddr("10.9.9.9"), 90)))
	require.NoError(t, c.Bind(netip.AddrPortFrom(localAddr, 90)))
	assert.ErrorIs(t, c.Bind(netip.AddrPortFrom(localAddr, 91)), ErrInvalidState)
	require.NoError(t, c.Listen(4))
	assert.ErrorIs(t, c.Listen(4), ErrInvalidState)

	_, err = c.Send(testContext(t), []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = c.Recv(testContext(t), make([]byte, 1))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, c.Connect(testContext(t), netip.AddrPortFrom(remoteAddr, 80)), ErrInvalidState)
}

func TestUnconnectedSocket(t *testing.T) {
	h := newHarness(t)
	c := h.stack.Socket()

	_, err := c.Send(testContext(t), []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Recv(testContext(t), make([]byte, 1))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.CloseWrite(), ErrNotConnected)
	_, err = c.Accept(testContext(t))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, c.Listen(4), ErrInvalidState, "listen requires bind")
}

func TestAbort(t *testing.T) {
	h := newHarness(t)
	l := h.listen(80, 4)
	c := h.establish(l, 5000, 100)

	c.Abort()
	rst := h.out.only(t)
	assert.Equal(t, FlagRst|FlagAck, rst.Flags)
	assert.Equal(t, seqnum.Value(1001), rst.Seq)
	assert.Equal(t, seqnum.Value(101), rst.Ack)
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 1, h.stack.arena.live())
}

func TestStackClose(t *testing.T) {
	h := newHarness(t)
	l := h.listen(80, 4)
	c := h.establish(l, 5000, 100)

	h.stack.Close()
	rst := h.out.only(t)
	assert.Equal(t, FlagRst|FlagAck, rst.Flags)

	_, err := c.Recv(testContext(t), make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = l.Accept(testContext(t))
	assert.ErrorIs(t, err, ErrClosed)
}
