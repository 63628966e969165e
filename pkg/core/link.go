package core

// PacketProcessor consumes packets. Links implement it for the outbound
// direction, the IP layer implements it for the inbound direction.
type PacketProcessor interface {
	ProcessPacket(packet Packet) error
}

// Link is a point-to-point interface carrying raw IPv4 datagrams.
type Link interface {
	// Name returns the interface name.
	Name() string

	// MTU returns the Maximum Transmission Unit of the link.
	MTU() int

	// SetPacketProcessor sets the receiver of inbound datagrams.
	SetPacketProcessor(processor PacketProcessor)

	// WritePacket transmits a datagram to the peer. The link must not
	// retain the packet data after returning and must not call back into
	// its processor synchronously.
	WritePacket(packet Packet) error

	// Start starts the link.
	Start() error

	// Stop stops the link.
	Stop() error

	// Metrics returns metrics for the link.
	Metrics() LinkMetrics
}
