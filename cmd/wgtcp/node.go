package main

import (
	"fmt"
	"net/netip"

	"github.com/irctrakz/wgtcp/pkg/config"
	"github.com/irctrakz/wgtcp/pkg/core"
	"github.com/irctrakz/wgtcp/pkg/ip"
	"github.com/irctrakz/wgtcp/pkg/logging"
	"github.com/irctrakz/wgtcp/pkg/tcp"
	"github.com/irctrakz/wgtcp/pkg/tun"
	"github.com/irctrakz/wgtcp/pkg/wireguard"
)

// stackNode is one IPv4 address with its TCP instance on a link.
type stackNode struct {
	link  core.Link
	layer *ip.Layer
	stack *tcp.Stack
}

func newStackNode(link core.Link, addr netip.Addr, cfg *config.Config) *stackNode {
	layer := ip.New(ip.Config{
		Addr:     addr,
		TTL:      uint8(cfg.Stack.TTL),
		Workers:  cfg.Stack.InputWorkers,
		QueueCap: cfg.Stack.InputQueueCap,
	}, link)

	tcfg := cfg.TCPOptions()
	// A segment plus its TCP header must fit in one datagram.
	if limit := layer.MaxPayload() - 20; tcfg.MSS > limit {
		logging.Infof("clamping TCP MSS %d to %d for %s MTU %d", tcfg.MSS, limit, link.Name(), link.MTU())
		tcfg.MSS = limit
	}
	stack := tcp.NewStack(addr, tcfg, layer)
	layer.Register(ip.ProtocolTCP, stack)
	return &stackNode{link: link, layer: layer, stack: stack}
}

func (s *stackNode) start() error {
	if err := s.link.Start(); err != nil {
		return fmt.Errorf("start link %s: %w", s.link.Name(), err)
	}
	if err := s.layer.Start(); err != nil {
		s.link.Stop()
		return err
	}
	return nil
}

func (s *stackNode) stop() {
	s.stack.Close()
	s.layer.Stop()
	if err := s.link.Stop(); err != nil {
		logging.Warnf("stop link %s: %v", s.link.Name(), err)
	}
}

// node is the served stack plus, in loopback mode, the peer that exercises it.
type node struct {
	*stackNode
	peer *stackNode
	wg   *wireguard.Link
}

func newNode(cfg *config.Config) (*node, error) {
	addr := cfg.LocalAddr()
	switch cfg.Stack.Link {
	case "wireguard":
		link := wireguard.NewLink(cfg.WireGuard, addr)
		return &node{stackNode: newStackNode(link, addr, cfg), wg: link}, nil
	case "loopback":
		ours, theirs := tun.NewPipe("lo", cfg.WireGuard.MTU)
		return &node{
			stackNode: newStackNode(ours, addr, cfg),
			peer:      newStackNode(theirs, addr.Next(), cfg),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported link: %s", cfg.Stack.Link)
	}
}

func (n *node) start() error {
	if err := n.stackNode.start(); err != nil {
		return err
	}
	if n.peer != nil {
		if err := n.peer.start(); err != nil {
			n.stackNode.stop()
			return err
		}
	}
	return nil
}

func (n *node) stop() {
	if n.peer != nil {
		n.peer.stop()
	}
	n.stackNode.stop()
}

func (n *node) addrPort(port int) netip.AddrPort {
	return netip.AddrPortFrom(n.layer.Addr(), uint16(port))
}
