package tcp

import (
	"context"
	"net/netip"

	"github.com/pkg/errors"

	"github.com/irctrakz/wgtcp/pkg/sock"
)

// Socket allocates an unbound TCB in CLOSED. The caller owns one reference,
// released by Close or Abort.
func (s *Stack) Socket() *TCB {
	t := newTCB(s)
	t.Get()
	return t
}

// Listen is a shorthand for Socket, Bind and Listen.
func (s *Stack) Listen(addr netip.AddrPort, backlog int) (*TCB, error) {
	t := s.Socket()
	if err := t.Bind(addr); err != nil {
		t.Close()
		return nil, err
	}
	if err := t.Listen(backlog); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// Dial is a shorthand for Socket and Connect.
func (s *Stack) Dial(ctx context.Context, remote netip.AddrPort) (*TCB, error) {
	t := s.Socket()
	if err := t.Connect(ctx, remote); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// Bind assigns the local endpoint. An unspecified address accepts traffic
// for any local address; port zero selects an ephemeral port.
func (t *TCB) Bind(addr netip.AddrPort) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead.Load() {
		return ErrClosed
	}
	if t.state != Closed || t.bound {
		return errors.Wrap(ErrInvalidState, "bind")
	}
	return t.bindLocked(addr.Addr(), addr.Port())
}

func (t *TCB) bindLocked(addr netip.Addr, port uint16) error {
	s := t.stack
	if addr.IsValid() && !addr.IsUnspecified() && addr != s.addr {
		return errors.Errorf("bind %s: address not local", addr)
	}
	p, err := s.table.Bind(port)
	switch {
	case errors.Is(err, sock.ErrPortInUse):
		return errors.Wrapf(ErrAddrInUse, "port %d", port)
	case errors.Is(err, sock.ErrNoPorts):
		return ErrNoPorts
	case err != nil:
		return err
	}
	if addr.IsUnspecified() {
		addr = netip.Addr{}
	}
	t.sid.LocalAddr = addr
	t.sid.LocalPort = p
	t.bound = true
	t.bhash = sock.BindHash(p)
	return nil
}

// Listen moves a bound socket to LISTEN. backlog is clamped to
// [1, MaxBacklog].
func (t *TCB) Listen(backlog int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead.Load() {
		return ErrClosed
	}
	if t.state != Closed {
		return errors.Wrap(ErrInvalidState, "listen")
	}
	if !t.bound {
		return errors.Wrap(ErrInvalidState, "listen on unbound socket")
	}
	backlog = max(1, min(backlog, t.stack.cfg.MaxBacklog))

	if err := t.stack.table.Listen(t.sid.LocalAddr, t.sid.LocalPort, t.handle); err != nil {
		return errors.Wrapf(ErrAddrInUse, "listen %s", t.sid.Local())
	}
	t.initQueues(backlog)
	t.setState(Listen)
	t.log.WithFields(t.fields()).Infof("listening, backlog %d", backlog)
	return nil
}

// Accept blocks until a connection completes its handshake and returns it
// with a reference owned by the caller. Connections are served in the order
// their handshakes completed.
func (t *TCB) Accept(ctx context.Context) (*TCB, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.state != Listen {
			if t.dead.Load() {
				return nil, ErrClosed
			}
			return nil, errors.Wrap(ErrInvalidState, "accept")
		}
		if t.acceptQueue.Len() > 0 {
			if c := t.acceptDequeue(); c != nil {
				return c, nil
			}
			continue
		}
		if err := t.acceptWait.Block(ctx, &t.mu); err != nil {
			return nil, err
		}
	}
}

// Connect performs an active open to remote and blocks until the handshake
// completes or fails. Cancelling ctx abandons the attempt.
func (t *TCB) Connect(ctx context.Context, remote netip.AddrPort) error {
	t.mu.Lock()
	if err := t.startConnect(remote); err != nil {
		t.mu.Unlock()
		return err
	}
	for t.state == SynSent || t.state == SynRecv {
		if err := t.connectWait.Block(ctx, t.locker()); err != nil {
			t.destroy(nil, err)
			t.unlockAndFlush()
			return err
		}
	}
	defer t.unlockAndFlush()
	switch t.state {
	case Established, CloseWait, FinWait1, FinWait2, Closing, LastAck, TimeWait:
		return nil
	}
	if t.err != nil {
		return t.err
	}
	return ErrConnRefused
}

func (t *TCB) startConnect(remote netip.AddrPort) error {
	s := t.stack
	if t.dead.Load() {
		return ErrClosed
	}
	switch t.state {
	case Closed:
	case Listen:
		return errors.Wrap(ErrInvalidState, "connect on listening socket")
	default:
		return ErrAlreadyConnected
	}
	if !remote.Addr().Is4() || remote.Port() == 0 {
		return errors.Errorf("connect: invalid remote %s", remote)
	}
	if !t.bound {
		if err := t.bindLocked(netip.Addr{}, 0); err != nil {
			return err
		}
	}
	if !t.sid.LocalAddr.IsValid() {
		t.sid.LocalAddr = s.addr
	}
	t.sid.RemoteAddr = remote.Addr()
	t.sid.RemotePort = remote.Port()

	if err := s.table.Hash(t.sid, t.handle); err != nil {
		t.sid.RemoteAddr = netip.Addr{}
		t.sid.RemotePort = 0
		return errors.Wrapf(ErrAddrInUse, "connect %s", remote)
	}
	t.flags |= flagHashed
	t.initSend()
	t.setState(SynSent)
	s.countActiveOpen()
	t.sendSyn()
	t.armRetransmit()
	return nil
}

// Send queues b for transmission, blocking while the send buffer is full.
// It returns the number of bytes queued.
func (t *TCB) Send(ctx context.Context, b []byte) (int, error) {
	t.mu.Lock()
	defer t.unlockAndFlush()

	sent := 0
	for len(b) > 0 {
		if t.err != nil {
			return sent, t.err
		}
		switch t.state {
		case Established, CloseWait:
		case SynSent, SynRecv:
			if err := t.connectWait.Block(ctx, t.locker()); err != nil {
				return sent, err
			}
			continue
		case Closed:
			if t.dead.Load() {
				return sent, ErrClosed
			}
			return sent, ErrNotConnected
		case Listen:
			return sent, errors.Wrap(ErrInvalidState, "send on listening socket")
		default:
			return sent, ErrConnClosing
		}
		if t.flags&flagFinQueued != 0 {
			return sent, ErrConnClosing
		}

		room := t.stack.cfg.SendBufferSize - len(t.sndQueue)
		if room <= 0 {
			if err := t.sendWait.Block(ctx, t.locker()); err != nil {
				return sent, err
			}
			continue
		}
		n := min(room, len(b))
		t.sndQueue = append(t.sndQueue, b[:n]...)
		b = b[n:]
		sent += n
		t.output()
	}
	return sent, nil
}

// Write implements io.Writer.
func (t *TCB) Write(b []byte) (int, error) {
	return t.Send(context.Background(), b)
}

// CloseWrite closes the sending half: queued text is delivered, then FIN.
func (t *TCB) CloseWrite() error {
	parent := t.lock()
	defer t.unlock(parent)
	switch t.state {
	case Closed, Listen, SynSent:
		if t.err != nil {
			return t.err
		}
		return ErrNotConnected
	}
	return t.shutdown(parent)
}

func (t *TCB) shutdown(parent *TCB) error {
	switch t.state {
	case Closed:
		if t.dead.Load() {
			return ErrClosed
		}
		t.destroy(parent, nil)
		return nil
	case Listen:
		t.drainQueues()
		t.destroy(parent, nil)
		return nil
	case SynSent:
		t.destroy(parent, ErrClosed)
		return nil
	case SynRecv:
		t.flags |= flagFinQueued
		return nil
	case Established:
		t.flags |= flagFinQueued
		t.setState(FinWait1)
	case CloseWait:
		t.flags |= flagFinQueued
		t.setState(LastAck)
	default:
		return ErrConnClosing
	}
	t.output()
	return nil
}

// Close closes the socket and releases the caller's reference. An
// established connection sends its remaining text and FIN and lingers in
// the closing states without the caller. Unread received text is discarded.
//
// Closing a connection the peer already reset succeeds; only a second Close
// reports ErrClosed.
func (t *TCB) Close() error {
	parent := t.lock()
	released := t.flags&flagUserClosed == 0
	err := t.shutdown(parent)
	if errors.Is(err, ErrConnClosing) || (released && errors.Is(err, ErrClosed)) {
		err = nil
	}
	t.flags |= flagUserClosed
	t.rcvBuf.Reset()
	t.updateWindow()
	t.lingerFinWait2()
	t.unlock(parent)

	if released {
		t.Put()
	}
	return err
}

// Abort resets the connection and releases the caller's reference.
func (t *TCB) Abort() {
	parent := t.lock()
	if t.state.synchronized() && t.state != TimeWait {
		t.sendRst()
	}
	if t.state == Listen {
		t.drainQueues()
	}
	t.destroy(parent, ErrConnReset)
	released := t.flags&flagUserClosed == 0
	t.flags |= flagUserClosed
	t.unlock(parent)

	if released {
		t.Put()
	}
}

// destroy moves t to CLOSED for good: it leaves its listener's queue and
// the lookup tables, drops buffered data, fails blocked callers with err and
// releases the connection's own reference.
func (t *TCB) destroy(parent *TCB, err error) {
	if t.dead.Load() {
		return
	}
	s := t.stack
	if err != nil && t.err == nil {
		t.err = err
	}
	wasListening := t.state == Listen
	t.setState(Closed)
	t.stopTimer()

	if parent != nil {
		parent.unlinkChild(t)
	}
	if t.flags&flagHashed != 0 {
		s.table.Unhash(t.sid)
		t.flags &^= flagHashed
	}
	if wasListening {
		s.table.Unlisten(t.sid.LocalAddr, t.sid.LocalPort)
	}
	if t.bound {
		s.table.Unbind(t.sid.LocalPort)
		t.bound = false
	}

	t.rcvBuf.Reset()
	t.sndQueue = nil
	t.dead.Store(true)
	t.wakeAll()
	s.countClosed()
	t.log.WithFields(t.fields()).Debugf("destroyed: %v", t.err)
	t.Put()
}
