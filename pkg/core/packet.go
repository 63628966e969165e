package core

import (
	"net/netip"
	"sync/atomic"
)

// Global debug flag that can be set via configuration
var debugMode uint32

// SetDebugMode sets the global debug mode flag.
// When enabled, packet data handed to NewPacket is copied so that callers may
// reuse their buffers; when disabled the slice is adopted as-is.
func SetDebugMode(enabled bool) {
	if enabled {
		atomic.StoreUint32(&debugMode, 1)
	} else {
		atomic.StoreUint32(&debugMode, 0)
	}
}

// IsDebugMode returns whether debug mode is enabled
func IsDebugMode() bool {
	return atomic.LoadUint32(&debugMode) == 1
}

// Packet represents a raw IPv4 datagram moving between a link and the IP layer.
type Packet interface {
	// Data returns the packet data
	Data() []byte

	// Length returns the packet length
	Length() int
}

// SimplePacket is a simple implementation of Packet
type SimplePacket struct {
	data []byte
}

// NewPacket creates a new packet
func NewPacket(data []byte) Packet {
	if data == nil {
		return &SimplePacket{data: make([]byte, 0)}
	}
	if IsDebugMode() {
		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)
		return &SimplePacket{data: dataCopy}
	}
	return &SimplePacket{data: data}
}

// Data returns the packet data
func (p *SimplePacket) Data() []byte {
	return p.data
}

// Length returns the packet length
func (p *SimplePacket) Length() int {
	return len(p.data)
}

// PacketBuffer is a received datagram annotated by the IP layer: the header
// offsets inside Data and the already-parsed addresses. Data is trimmed to the
// IP total length, so everything past TransportOffset is the transport segment.
type PacketBuffer struct {
	Data            []byte
	NetworkOffset   int
	TransportOffset int

	Src netip.Addr
	Dst netip.Addr
}

// Network returns the IP header bytes.
func (b *PacketBuffer) Network() []byte {
	return b.Data[b.NetworkOffset:b.TransportOffset]
}

// Transport returns the transport header and payload.
func (b *PacketBuffer) Transport() []byte {
	return b.Data[b.TransportOffset:]
}
