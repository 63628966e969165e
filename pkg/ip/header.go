package ip

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"golang.org/x/net/ipv4"
)

const (
	headerLen = ipv4.HeaderLen

	ProtocolICMP = 1
	ProtocolTCP  = 6
)

// parseHeader validates and parses the IPv4 header at the start of b.
//
// ipv4.ParseHeader reads the length and fragment fields in host order on
// some BSDs, where raw sockets deliver them that way. Datagrams from a link
// are always in network order, so those fields are re-read here.
func parseHeader(b []byte) (*ipv4.Header, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("packet too short: %d bytes", len(b))
	}
	if v := b[0] >> 4; v != ipv4.Version {
		return nil, fmt.Errorf("unsupported IP version: %d", v)
	}
	if ihl := int(b[0]&0x0f) * 4; ihl < headerLen {
		return nil, fmt.Errorf("header length %d", ihl)
	}
	h, err := ipv4.ParseHeader(b)
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	h.TotalLen = int(binary.BigEndian.Uint16(b[2:4]))
	frag := binary.BigEndian.Uint16(b[6:8])
	h.Flags = ipv4.HeaderFlags(frag >> 13)
	h.FragOff = int(frag & 0x1fff)

	if h.TotalLen < h.Len || h.TotalLen > len(b) {
		return nil, fmt.Errorf("total length %d with %d bytes", h.TotalLen, len(b))
	}
	return h, nil
}

// headerChecksumValid verifies the header checksum of the datagram b.
func headerChecksumValid(b []byte, hl int) bool {
	return header.Checksum(b[:hl], 0) == 0xffff
}

// marshalHeader writes h into b in network order and fills in the checksum.
func marshalHeader(h *ipv4.Header, b []byte) error {
	hb, err := h.Marshal()
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	n := copy(b, hb)
	binary.BigEndian.PutUint16(b[2:4], uint16(h.TotalLen))
	binary.BigEndian.PutUint16(b[6:8], uint16(h.Flags)<<13|uint16(h.FragOff))
	binary.BigEndian.PutUint16(b[10:12], 0)
	binary.BigEndian.PutUint16(b[10:12], ^header.Checksum(b[:n], 0))
	return nil
}

func addrFrom(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip.To4())
	return a
}
