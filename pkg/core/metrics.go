package core

// LinkMetrics contains metrics for a link.
type LinkMetrics struct {
	PacketsReceived uint64
	PacketsSent     uint64
	BytesReceived   uint64
	BytesSent       uint64
	Errors          uint64
}

// IPMetrics contains counters of the IPv4 layer.
type IPMetrics struct {
	PacketsReceived  uint64
	PacketsDelivered uint64
	PacketsSent      uint64
	MalformedPackets uint64
	BadChecksum      uint64
	NotForUs         uint64
	UnknownProtocol  uint64
	InputQueueDrops  uint64
	OutputErrors     uint64
	EchoReplies      uint64
	Unreachables     uint64
}

// TCPMetrics contains counters of the TCP layer. Fields are updated with
// sync/atomic and must be read through a snapshot.
type TCPMetrics struct {
	SegmentsReceived   uint64
	SegmentsSent       uint64
	MalformedSegments  uint64
	BadChecksum        uint64
	ResetsSent         uint64
	ResetsReceived     uint64
	ResetsSuppressed   uint64
	ConnectionsCreated uint64
	ConnectionsClosed  uint64
	PassiveOpens       uint64
	ActiveOpens        uint64
	AcceptQueueDrops   uint64
	ListenQueueDrops   uint64
	Retransmits        uint64
	Timeouts           uint64
	OutOfOrderDrops    uint64
	ActiveConnections  uint64
}

// Map flattens the metrics for reporters.
func (m TCPMetrics) Map() map[string]uint64 {
	return map[string]uint64{
		"segments_received":   m.SegmentsReceived,
		"segments_sent":       m.SegmentsSent,
		"malformed_segments":  m.MalformedSegments,
		"bad_checksum":        m.BadChecksum,
		"resets_sent":         m.ResetsSent,
		"resets_received":     m.ResetsReceived,
		"resets_suppressed":   m.ResetsSuppressed,
		"connections_created": m.ConnectionsCreated,
		"connections_closed":  m.ConnectionsClosed,
		"passive_opens":       m.PassiveOpens,
		"active_opens":        m.ActiveOpens,
		"accept_queue_drops":  m.AcceptQueueDrops,
		"listen_queue_drops":  m.ListenQueueDrops,
		"retransmits":         m.Retransmits,
		"timeouts":            m.Timeouts,
		"out_of_order_drops":  m.OutOfOrderDrops,
		"active_connections":  m.ActiveConnections,
	}
}

// Map flattens the metrics for reporters.
func (m IPMetrics) Map() map[string]uint64 {
	return map[string]uint64{
		"packets_received":  m.PacketsReceived,
		"packets_delivered": m.PacketsDelivered,
		"packets_sent":      m.PacketsSent,
		"malformed_packets": m.MalformedPackets,
		"bad_checksum":      m.BadChecksum,
		"not_for_us":        m.NotForUs,
		"unknown_protocol":  m.UnknownProtocol,
		"input_queue_drops": m.InputQueueDrops,
		"output_errors":     m.OutputErrors,
		"echo_replies":      m.EchoReplies,
		"unreachables":      m.Unreachables,
	}
}
