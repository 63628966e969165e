package ip

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

var (
	ourAddr  = netip.MustParseAddr("10.0.0.1")
	peerAddr = netip.MustParseAddr("10.0.0.2")
)

// datagram builds a valid IPv4 datagram from src to dst.
func datagram(t *testing.T, proto int, src, dst netip.Addr, payload []byte) []byte {
	t.Helper()
	b := make([]byte, headerLen+len(payload))
	require.NoError(t, marshalHeader(&ipv4.Header{
		Version:  ipv4.Version,
		Len:      headerLen,
		TotalLen: len(b),
		ID:       0x1234,
		TTL:      64,
		Protocol: proto,
		Src:      net.IP(src.AsSlice()),
		Dst:      net.IP(dst.AsSlice()),
	}, b))
	copy(b[headerLen:], payload)
	return b
}

func TestHeaderRoundTrip(t *testing.T) {
	b := datagram(t, ProtocolTCP, peerAddr, ourAddr, []byte("payload"))
	assert.Equal(t, byte(0x45), b[0])
	assert.Equal(t, []byte{0x00, 0x1b}, b[2:4])

	h, err := parseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, headerLen, h.Len)
	assert.Equal(t, len(b), h.TotalLen)
	assert.Equal(t, 0x1234, h.ID)
	assert.Equal(t, 64, h.TTL)
	assert.Equal(t, ProtocolTCP, h.Protocol)
	assert.Equal(t, peerAddr, addrFrom(h.Src))
	assert.Equal(t, ourAddr, addrFrom(h.Dst))
	assert.True(t, headerChecksumValid(b, h.Len))

	b[8]--
	assert.False(t, headerChecksumValid(b, h.Len))
}

func TestHeaderFlagsNetworkOrder(t *testing.T) {
	b := make([]byte, headerLen)
	require.NoError(t, marshalHeader(&ipv4.Header{
		Version: ipv4.Version, Len: headerLen, TotalLen: headerLen,
		Flags: ipv4.DontFragment, FragOff: 0, TTL: 1, Protocol: 6,
		Src: net.IP(peerAddr.AsSlice()), Dst: net.IP(ourAddr.AsSlice()),
	}, b))
	assert.Equal(t, []byte{0x40, 0x00}, b[6:8])

	h, err := parseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, ipv4.DontFragment, h.Flags)
	assert.Equal(t, 0, h.FragOff)
}

func TestParseHeaderRejects(t *testing.T) {
	good := datagram(t, ProtocolTCP, peerAddr, ourAddr, nil)

	_, err := parseHeader(good[:19])
	assert.Error(t, err)

	v6 := append([]byte(nil), good...)
	v6[0] = 0x65
	_, err = parseHeader(v6)
	assert.Error(t, err)

	shortIHL := append([]byte(nil), good...)
	shortIHL[0] = 0x44
	_, err = parseHeader(shortIHL)
	assert.Error(t, err)

	long := append([]byte(nil), good...)
	long[3] = 0xff
	_, err = parseHeader(long)
	assert.Error(t, err)
}
