package tcp

import (
	"container/list"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/irctrakz/wgtcp/pkg/sock"
)

// tcbFlags are auxiliary connection bits.
type tcbFlags uint8

const (
	// flagAckNow requests an ACK once the current segment is processed.
	flagAckNow tcbFlags = 1 << iota
	// flagFinRecv is set once the peer's FIN has been consumed.
	flagFinRecv
	// flagFinQueued is set once the application has closed its half.
	flagFinQueued
	// flagFinAcked is set once the peer has acknowledged our FIN.
	flagFinAcked
	// flagHashed is set while the TCB is registered for lookup.
	flagHashed
	// flagUserClosed is set once the application has released its reference.
	flagUserClosed
)

type outSegment struct {
	src, dst netip.Addr
	b        []byte
}

// TCB is a transmission control block: the state of one connection or
// listening socket. The exported methods form the socket API.
//
// Fields are guarded by mu, except the queue linkage of a child (elem,
// queue) which is guarded by its parent's mu. Locks are always taken parent
// first.
type TCB struct {
	mu     sync.Mutex
	xmit   sync.Mutex
	stack  *Stack
	handle Handle
	id     uint64
	dead   atomic.Bool

	sid   sock.ID
	bound bool
	bhash uint32

	state State
	flags tcbFlags
	err   error

	// Listener side.
	listenQueue   *list.List
	acceptQueue   *list.List
	acceptBacklog int
	backlog       int

	// Child side.
	parent   Handle
	detached atomic.Bool
	elem     *list.Element
	queue    *list.List

	acceptWait  sock.Wait
	connectWait sock.Wait
	sendWait    sock.Wait
	recvWait    sock.Wait

	rcvBuf   *ringbuffer.RingBuffer
	rcvCap   int
	sndQueue []byte
	mss      int

	sndUna seqnum.Value
	sndNxt seqnum.Value
	sndMax seqnum.Value
	sndWnd seqnum.Size
	sndUp  seqnum.Value
	sndWl1 seqnum.Value
	sndWl2 seqnum.Value
	iss    seqnum.Value
	rcvNxt seqnum.Value
	rcvWnd seqnum.Size
	rcvUp  seqnum.Value
	irs    seqnum.Value

	timer    *time.Timer
	timerGen uint64
	rto      time.Duration
	retries  int

	outq []outSegment
	log  *logrus.Entry
}

func newTCB(s *Stack) *TCB {
	t := &TCB{
		stack:  s,
		id:     s.ids.Next(),
		state:  Closed,
		rcvCap: s.cfg.ReceiveBufferSize,
		rcvBuf: ringbuffer.New(s.cfg.ReceiveBufferSize),
		mss:    s.cfg.MSS,
		rto:    s.cfg.InitialRTO,
	}
	t.rcvWnd = seqnum.Size(t.rcvCap)
	s.arena.alloc(t)
	t.log = s.log.WithField("conn", t.id)
	s.countCreated()
	return t
}

// Get takes a reference on t.
func (t *TCB) Get() *TCB {
	t.stack.arena.hold(t.handle)
	return t
}

// Put drops a reference taken with Get, Accept or Socket.
func (t *TCB) Put() {
	t.stack.arena.put(t.handle)
}

// Handle returns the arena handle of t.
func (t *TCB) Handle() Handle { return t.handle }

// State returns the connection state.
func (t *TCB) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ID returns the connection identity.
func (t *TCB) ID() sock.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sid
}

// LocalAddr returns the local endpoint.
func (t *TCB) LocalAddr() netip.AddrPort { return t.ID().Local() }

// RemoteAddr returns the remote endpoint.
func (t *TCB) RemoteAddr() netip.AddrPort { return t.ID().Remote() }

// Err returns the error that terminated the connection, if any.
func (t *TCB) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *TCB) fields() logrus.Fields {
	local := t.sid.LocalAddr
	if !local.IsValid() {
		// Wildcard bind.
		local = netip.IPv4Unspecified()
	}
	f := logrus.Fields{
		"state": t.state,
		"local": netip.AddrPortFrom(local, t.sid.LocalPort),
	}
	if t.sid.RemoteAddr.IsValid() {
		f["remote"] = t.sid.Remote()
	}
	return f
}

func (t *TCB) setState(s State) {
	if t.state == s {
		return
	}
	t.log.WithFields(t.fields()).Debugf("-> %s", s)
	t.state = s
}

// lock acquires t.mu, preceded by the parent's lock while t still sits on
// a listener's queue. The returned parent, if any, carries a reference and
// must be passed to unlock.
func (t *TCB) lock() *TCB {
	if t.parent.Valid() && !t.detached.Load() {
		if p := t.stack.arena.get(t.parent); p != nil {
			p.mu.Lock()
			t.mu.Lock()
			return p
		}
	}
	t.mu.Lock()
	return nil
}

func (t *TCB) unlock(parent *TCB) {
	t.unlockAndFlush()
	if parent != nil {
		parent.unlockAndFlush()
		parent.Put()
	}
}

// unlockAndFlush releases t.mu and hands the segments built under it to the
// network layer in order, without holding t.mu.
func (t *TCB) unlockAndFlush() {
	if len(t.outq) == 0 {
		t.mu.Unlock()
		return
	}
	out := t.outq
	t.outq = nil
	t.xmit.Lock()
	t.mu.Unlock()
	for _, o := range out {
		t.stack.transmit(o.src, o.dst, o.b)
	}
	t.xmit.Unlock()
}

// flushLocker adapts a TCB to sync.Locker for sock.Wait, flushing output
// whenever the lock is released.
type flushLocker TCB

func (l *flushLocker) Lock()   { l.mu.Lock() }
func (l *flushLocker) Unlock() { (*TCB)(l).unlockAndFlush() }

func (t *TCB) locker() *flushLocker { return (*flushLocker)(t) }

// wakeAll releases every blocked caller so it can observe a state change.
func (t *TCB) wakeAll() {
	t.acceptWait.Wake()
	t.connectWait.Wake()
	t.sendWait.Wake()
	t.recvWait.Wake()
}

// dataEnd is the sequence number following the last queued byte. Once the
// application has closed, it is the sequence number of our FIN.
func (t *TCB) dataEnd() seqnum.Value {
	return t.sndUna.Add(seqnum.Size(len(t.sndQueue)))
}

// finSent reports whether our FIN has been transmitted.
func (t *TCB) finSent() bool {
	if t.flags&flagFinQueued == 0 {
		return false
	}
	return t.flags&flagFinAcked != 0 || t.sndNxt == t.dataEnd().Add(1)
}

// inflight returns the number of data bytes sent but not acknowledged.
func (t *TCB) inflight() int {
	n := int(t.sndUna.Size(t.sndNxt))
	if n > 0 && t.finSent() {
		n--
	}
	return n
}

// advance moves snd_nxt forward, tracking the highest value sent.
func (t *TCB) advance(n seqnum.Size) {
	t.sndNxt = t.sndNxt.Add(n)
	if t.sndMax.LessThan(t.sndNxt) {
		t.sndMax = t.sndNxt
	}
}
