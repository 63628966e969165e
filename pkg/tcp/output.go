package tcp

import (
	"net/netip"

	"github.com/google/netstack/tcpip/seqnum"

	"github.com/irctrakz/wgtcp/pkg/logging"
)

// Output assembly. Builders run under t.mu and append the finished segment
// to t.outq; unlockAndFlush hands it to the network layer.

func (t *TCB) advertisedWindow() uint16 {
	if t.rcvWnd > 0xffff {
		return 0xffff
	}
	return uint16(t.rcvWnd)
}

func (t *TCB) emit(seg *Segment, src, dst netip.Addr) {
	b := seg.Encode()
	SetChecksum(src, dst, b)
	if seg.Flags&FlagRst != 0 {
		t.stack.countReset()
	}
	if logging.IsDebug() {
		t.log.WithFields(t.fields()).Debugf("send %s seq=%d ack=%d len=%d wnd=%d",
			seg.Flags, seg.Seq, seg.Ack, len(seg.Payload), seg.Window)
	}
	t.outq = append(t.outq, outSegment{src: src, dst: dst, b: b})
}

func (t *TCB) build(seq, ack seqnum.Value, flags Flags, payload, opts []byte) {
	t.emit(&Segment{
		SrcPort: t.sid.LocalPort,
		DstPort: t.sid.RemotePort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  t.advertisedWindow(),
		Options: opts,
		Payload: payload,
	}, t.sid.LocalAddr, t.sid.RemoteAddr)
}

func (t *TCB) sendSyn() {
	t.build(t.iss, 0, FlagSyn, nil, mssOption(t.stack.cfg.MSS))
}

func (t *TCB) sendSynAck() {
	t.build(t.iss, t.rcvNxt, FlagSyn|FlagAck, nil, mssOption(t.stack.cfg.MSS))
}

func (t *TCB) sendAck() {
	t.flags &^= flagAckNow
	t.build(t.sndNxt, t.rcvNxt, FlagAck, nil, nil)
}

func (t *TCB) sendFin() {
	t.flags &^= flagAckNow
	t.build(t.sndNxt, t.rcvNxt, FlagFin|FlagAck, nil, nil)
	t.advance(1)
}

// sendRst aborts the peer's view of a synchronized connection.
func (t *TCB) sendRst() {
	if !t.sid.RemoteAddr.IsValid() {
		return
	}
	t.build(t.sndNxt, t.rcvNxt, FlagRst|FlagAck, nil, nil)
}

func (t *TCB) sendData(b []byte) {
	t.flags &^= flagAckNow
	t.build(t.sndNxt, t.rcvNxt, FlagAck|FlagPsh, b, nil)
	t.advance(seqnum.Size(len(b)))
}

// initSend chooses the initial send sequence.
func (t *TCB) initSend() {
	t.iss = t.stack.iss.NewISS(t.sid)
	t.sndUna = t.iss
	t.sndNxt = t.iss.Add(1)
	t.sndMax = t.sndNxt
}

// resetFor builds the RST answering seg: with ACK set the reset takes its
// sequence number from seg.Ack, otherwise it acknowledges everything seg
// occupied.
func resetFor(seg *Segment) *Segment {
	r := &Segment{SrcPort: seg.DstPort, DstPort: seg.SrcPort}
	if seg.Flags&FlagAck != 0 {
		r.Seq = seg.Ack
		r.Flags = FlagRst
	} else {
		r.Ack = seg.Seq.Add(seg.Len)
		r.Flags = FlagRst | FlagAck
	}
	return r
}

// replyRst answers seg with a reset from t's context.
func (t *TCB) replyRst(seg *Segment) {
	r := resetFor(seg)
	r.Window = t.advertisedWindow()
	t.emit(r, seg.Dst, seg.Src)
}

// output transmits queued text the peer window admits, then our FIN once the
// application has closed and all text is out, and keeps the retransmission
// timer armed while anything is outstanding.
func (t *TCB) output() {
	if t.state.canSend() && !t.finSent() {
		for {
			inflight := t.inflight()
			unsent := len(t.sndQueue) - inflight
			if unsent <= 0 {
				break
			}
			room := int(t.sndWnd) - inflight
			if room <= 0 {
				break
			}
			n := min(unsent, room, t.mss)
			t.sendData(t.sndQueue[inflight : inflight+n])
		}
		if t.flags&flagFinQueued != 0 && t.inflight() == len(t.sndQueue) {
			t.sendFin()
		}
	}
	t.armRetransmit()
}

// retransmit runs when the retransmission timer expires. Handshake segments
// are resent as is; otherwise sending restarts from snd_una, since the
// receiver keeps no out-of-order data.
func (t *TCB) retransmit() {
	t.stack.countRetransmit()
	switch t.state {
	case SynSent:
		t.sendSyn()
		return
	case SynRecv:
		t.sendSynAck()
		return
	}

	t.sndNxt = t.sndUna
	t.output()
	if t.sndUna == t.sndNxt && len(t.sndQueue) > 0 && t.sndWnd == 0 {
		t.sendProbe()
	}
}

// sendProbe sends the first queued byte past a zero window so the peer
// answers with its current window. snd_nxt stays put: our later ACKs must
// remain acceptable to a receiver whose window is still closed. An ACK
// covering the byte moves snd_una and snd_nxt together.
func (t *TCB) sendProbe() {
	t.flags &^= flagAckNow
	t.build(t.sndUna, t.rcvNxt, FlagAck, t.sndQueue[:1], nil)
	if end := t.sndUna.Add(1); t.sndMax.LessThan(end) {
		t.sndMax = end
	}
}
