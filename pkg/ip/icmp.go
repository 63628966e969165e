package ip

import (
	"sync/atomic"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/irctrakz/wgtcp/pkg/core"
)

const codeProtocolUnreachable = 2

// handleICMP answers echo requests addressed to us. Other messages are
// dropped.
func (l *Layer) handleICMP(pkb *core.PacketBuffer) {
	msg, err := icmp.ParseMessage(ProtocolICMP, pkb.Transport())
	if err != nil {
		atomic.AddUint64(&l.metrics.MalformedPackets, 1)
		l.log.Debugf("icmp from %s: %v", pkb.Src, err)
		return
	}
	if msg.Type != ipv4.ICMPTypeEcho {
		l.log.Debugf("icmp %v from %s ignored", msg.Type, pkb.Src)
		return
	}

	reply := icmp.Message{Type: ipv4.ICMPTypeEchoReply, Code: 0, Body: msg.Body}
	b, err := reply.Marshal(nil)
	if err != nil {
		l.log.Warnf("icmp: marshal echo reply: %v", err)
		return
	}
	if err := l.SendDatagram(ProtocolICMP, pkb.Dst, pkb.Src, b); err != nil {
		l.log.Debugf("icmp echo reply to %s: %v", pkb.Src, err)
		return
	}
	atomic.AddUint64(&l.metrics.EchoReplies, 1)
}

// sendUnreachable reports pkb back to its sender as undeliverable. The
// message quotes the original header and the first 8 bytes of its payload.
func (l *Layer) sendUnreachable(pkb *core.PacketBuffer, code int) {
	quote := pkb.Data[:min(len(pkb.Data), pkb.TransportOffset+8)]
	msg := icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: code,
		Body: &icmp.DstUnreach{Data: quote},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		l.log.Warnf("icmp: marshal unreachable: %v", err)
		return
	}
	if err := l.SendDatagram(ProtocolICMP, pkb.Dst, pkb.Src, b); err != nil {
		l.log.Debugf("icmp unreachable to %s: %v", pkb.Src, err)
		return
	}
	atomic.AddUint64(&l.metrics.Unreachables, 1)
}
