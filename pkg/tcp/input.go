package tcp

import (
	"github.com/google/netstack/tcpip/seqnum"

	"github.com/irctrakz/wgtcp/pkg/logging"
	"github.com/irctrakz/wgtcp/pkg/sock"
)

// process runs one inbound segment through the state machine of t.
func (t *TCB) process(seg *Segment) {
	parent := t.lock()
	defer t.unlock(parent)

	if logging.IsDebug() {
		t.log.WithFields(t.fields()).Debugf("recv %s seq=%d ack=%d len=%d wnd=%d",
			seg.Flags, seg.Seq, seg.Ack, seg.DataLen(), seg.Window)
	}

	switch t.state {
	case Closed:
		if seg.Flags&FlagRst == 0 {
			t.replyRst(seg)
		}
	case Listen:
		t.inListen(seg)
	case SynSent:
		t.inSynSent(seg)
	default:
		t.inSynchronized(parent, seg)
	}
}

// inListen handles a segment addressed to a listener. A valid SYN spawns a
// child in SYN_RECV on the listen queue.
func (t *TCB) inListen(seg *Segment) {
	switch {
	case seg.Flags&FlagRst != 0:
		return
	case seg.Flags&FlagAck != 0:
		t.replyRst(seg)
		return
	case seg.Flags&FlagSyn == 0:
		return
	}

	if t.listenQueueFull() {
		t.stack.countListenDrop()
		t.log.WithFields(t.fields()).Warnf("listen queue full (%d), refusing %s:%d",
			t.backlog, seg.Src, seg.SrcPort)
		t.replyRst(seg)
		return
	}

	c := t.spawn(seg)
	if c != nil {
		c.unlockAndFlush()
	}
}

// spawn creates the child for a SYN received by listener t. The child is
// returned locked.
func (t *TCB) spawn(seg *Segment) *TCB {
	s := t.stack
	c := newTCB(s)
	c.mu.Lock()

	c.sid = sock.ID{
		LocalAddr:  seg.Dst,
		LocalPort:  seg.DstPort,
		RemoteAddr: seg.Src,
		RemotePort: seg.SrcPort,
	}
	c.parent = t.handle
	c.bhash = t.bhash
	c.irs = seg.Seq
	c.rcvNxt = seg.Seq.Add(1)
	c.initSend()
	c.sndWnd = seqnum.Size(seg.Window)
	c.sndWl1 = seg.Seq
	c.sndWl2 = c.iss
	c.applyMSS(seg)

	if err := s.table.Hash(c.sid, c.handle); err != nil {
		c.log.WithFields(c.fields()).Debugf("hash: %v", err)
		c.destroy(nil, nil)
		c.mu.Unlock()
		return nil
	}
	c.flags |= flagHashed
	c.setState(SynRecv)
	t.listenEnqueue(c)
	s.countPassiveOpen()

	c.sendSynAck()
	c.armRetransmit()
	return c
}

func (t *TCB) applyMSS(seg *Segment) {
	if mss, ok := seg.MSSOption(); ok && mss > 0 && mss < t.mss {
		t.mss = mss
	}
}

// inSynSent handles the reply to our SYN.
func (t *TCB) inSynSent(seg *Segment) {
	ackOK := false
	if seg.Flags&FlagAck != 0 {
		if seg.Ack.LessThanEq(t.iss) || t.sndNxt.LessThan(seg.Ack) {
			if seg.Flags&FlagRst == 0 {
				t.replyRst(seg)
			}
			return
		}
		ackOK = true
	}

	if seg.Flags&FlagRst != 0 {
		if ackOK {
			t.log.WithFields(t.fields()).Info("connection refused")
			t.destroy(nil, ErrConnRefused)
		}
		return
	}
	if seg.Flags&FlagSyn == 0 {
		return
	}

	t.irs = seg.Seq
	t.rcvNxt = seg.Seq.Add(1)
	t.sndWnd = seqnum.Size(seg.Window)
	t.sndWl1 = seg.Seq
	t.sndWl2 = seg.Ack
	t.applyMSS(seg)

	if ackOK {
		t.sndUna = seg.Ack
		t.establish()
		t.sendAck()
		t.output()
		return
	}

	// Simultaneous open.
	t.sndWl2 = t.iss
	t.setState(SynRecv)
	t.sendSynAck()
	t.armRetransmit()
}

// establish completes the handshake.
func (t *TCB) establish() {
	t.resetBackoff()
	if t.flags&flagFinQueued != 0 {
		t.setState(FinWait1)
	} else {
		t.setState(Established)
	}
	t.connectWait.Wake()
	t.sendWait.Wake()
}

// acceptable implements the RFC 793 segment acceptability test. All
// comparisons are modulo 2^32.
func (t *TCB) acceptable(seg *Segment) bool {
	return acceptable(seg.Seq, seg.Len, t.rcvNxt, t.rcvWnd)
}

func acceptable(seq seqnum.Value, n seqnum.Size, rcvNxt seqnum.Value, rcvWnd seqnum.Size) bool {
	if n == 0 {
		if rcvWnd == 0 {
			return seq == rcvNxt
		}
		return seq.InWindow(rcvNxt, rcvWnd)
	}
	if rcvWnd == 0 {
		return false
	}
	last := seq.Add(n - 1)
	return seq.InWindow(rcvNxt, rcvWnd) || last.InWindow(rcvNxt, rcvWnd)
}

// inSynchronized handles every state from SYN_RECV on.
func (t *TCB) inSynchronized(parent *TCB, seg *Segment) {
	if !t.acceptable(seg) {
		switch {
		case seg.Flags&FlagRst != 0:
		case t.state == SynRecv && seg.Flags&FlagSyn != 0 && seg.Seq == t.irs:
			t.sendSynAck()
		default:
			if t.state == TimeWait && seg.Flags&FlagFin != 0 {
				t.enterTimeWait()
			}
			t.sendAck()
		}
		return
	}

	if seg.Flags&FlagRst != 0 {
		t.inReset(parent)
		return
	}

	if seg.Flags&FlagSyn != 0 {
		t.log.WithFields(t.fields()).Warn("SYN inside the window, resetting connection")
		t.replyRst(seg)
		t.destroy(parent, ErrConnReset)
		return
	}

	if seg.Flags&FlagAck == 0 {
		return
	}

	if t.state == SynRecv {
		if !(t.sndUna.LessThan(seg.Ack) && seg.Ack.LessThanEq(t.sndNxt)) {
			t.replyRst(seg)
			return
		}
		if !t.completeHandshake(parent, seg) {
			return
		}
	}

	if !t.processAck(parent, seg) {
		return
	}

	finOK := t.processText(seg)

	if seg.Flags&FlagFin != 0 && finOK {
		t.processFin()
	}

	if t.flags&flagAckNow != 0 {
		t.sendAck()
	}
	t.output()
}

// inReset aborts the connection on an acceptable RST.
func (t *TCB) inReset(parent *TCB) {
	switch t.state {
	case SynRecv:
		if parent != nil {
			t.log.WithFields(t.fields()).Debug("half-open connection reset")
			t.destroy(parent, ErrConnReset)
			return
		}
		t.destroy(nil, ErrConnRefused)
	case Established, FinWait1, FinWait2, CloseWait:
		t.log.WithFields(t.fields()).Info("connection reset by peer")
		t.destroy(parent, ErrConnReset)
	default:
		t.destroy(parent, nil)
	}
}

// completeHandshake confirms a SYN_RECV connection. A passive child moves
// from the listen queue to the accept queue, or is reset when that queue is
// full.
func (t *TCB) completeHandshake(parent *TCB, seg *Segment) bool {
	t.sndUna = seg.Ack
	if parent == nil {
		t.establish()
		return true
	}

	if parent.acceptQueueFull() {
		t.stack.countAcceptDrop()
		t.log.WithFields(t.fields()).Warnf("accept queue full (%d), resetting", parent.backlog)
		t.replyRst(seg)
		t.destroy(parent, ErrBacklogFull)
		return false
	}
	parent.acceptEnqueue(t)
	t.establish()
	parent.acceptWait.Wake()
	return true
}

// processAck applies the acknowledgment and window of seg. It reports
// whether processing continues with text and FIN.
func (t *TCB) processAck(parent *TCB, seg *Segment) bool {
	ack := seg.Ack
	if t.sndMax.LessThan(ack) {
		t.sendAck()
		return false
	}

	if t.sndUna.LessThan(ack) {
		if t.sndNxt.LessThan(ack) {
			t.sndNxt = ack
		}
		acked := int(t.sndUna.Size(ack))
		if acked > len(t.sndQueue) {
			t.flags |= flagFinAcked
			acked = len(t.sndQueue)
		}
		t.sndQueue = t.sndQueue[acked:]
		if len(t.sndQueue) == 0 {
			t.sndQueue = nil
		}
		t.sndUna = ack
		t.resetBackoff()
		t.sendWait.Wake()
	}

	if !ack.LessThan(t.sndUna) {
		if t.sndWl1.LessThan(seg.Seq) || (t.sndWl1 == seg.Seq && t.sndWl2.LessThanEq(ack)) {
			t.sndWnd = seqnum.Size(seg.Window)
			t.sndWl1 = seg.Seq
			t.sndWl2 = ack
			if t.sndWnd == 0 {
				t.retries = 0
			}
			t.sendWait.Wake()
		}
	}

	finAcked := t.flags&flagFinAcked != 0
	switch t.state {
	case FinWait1:
		if finAcked {
			t.setState(FinWait2)
			t.lingerFinWait2()
		}
	case Closing:
		if finAcked {
			t.enterTimeWait()
			return false
		}
		// The peer's FIN is consumed; only our text and FIN remain.
		t.output()
		return false
	case LastAck:
		if finAcked {
			t.destroy(parent, nil)
			return false
		}
		t.output()
		return false
	}
	return true
}

// processText delivers in-order text to the receive buffer. It reports
// whether everything before a FIN in seg has been consumed.
func (t *TCB) processText(seg *Segment) bool {
	payload := seg.Payload
	if len(payload) == 0 {
		if seg.Seq != t.rcvNxt && seg.Flags&FlagFin != 0 {
			t.flags |= flagAckNow
		}
		return seg.Seq == t.rcvNxt
	}
	if !t.state.canRecv() {
		return false
	}

	if t.rcvNxt.LessThan(seg.Seq) {
		t.stack.countOutOfOrder()
		t.log.WithFields(t.fields()).Debugf("out of order seq=%d rcv_nxt=%d, dropped", seg.Seq, t.rcvNxt)
		t.flags |= flagAckNow
		return false
	}

	if skip := int(seg.Seq.Size(t.rcvNxt)); skip >= len(payload) {
		payload = nil
	} else {
		payload = payload[skip:]
	}
	complete := true
	if room := t.rcvBuf.Free(); len(payload) > room {
		payload = payload[:room]
		complete = false
	}
	t.deliver(payload)
	t.flags |= flagAckNow
	return complete
}

// processFin consumes the peer's FIN.
func (t *TCB) processFin() {
	t.rcvNxt = t.rcvNxt.Add(1)
	t.flags |= flagFinRecv | flagAckNow
	t.recvWait.Wake()

	switch t.state {
	case SynRecv, Established:
		t.setState(CloseWait)
	case FinWait1:
		t.setState(Closing)
	case FinWait2:
		t.enterTimeWait()
	case TimeWait:
		t.enterTimeWait()
	}
}
