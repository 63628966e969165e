package tcp

import (
	"encoding/binary"
	"net/netip"
	"strings"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

// ProtocolNumber is the IP protocol number of TCP.
const ProtocolNumber = 6

const (
	urgentOffset   = 18
	optionKindEnd  = 0
	optionKindNop  = 1
	optionKindMSS  = 2
	maxHeaderBytes = 60
)

// Flags holds the eight control bits of a segment.
type Flags uint8

const (
	FlagFin Flags = 1 << iota
	FlagSyn
	FlagRst
	FlagPsh
	FlagAck
	FlagUrg
	FlagEce
	FlagCwr
)

var flagNames = []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}

// Has reports whether every bit of m is set.
func (f Flags) Has(m Flags) bool { return f&m == m }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Segment is a decoded TCP segment. The wire fields are stored in host order;
// the remaining fields are derived once on decode (or build) and carried
// through input processing unchanged.
type Segment struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      seqnum.Value
	Ack      seqnum.Value
	Flags    Flags
	Window   uint16
	Checksum uint16
	Urgent   uint16
	Options  []byte
	Payload  []byte

	// reserved keeps the low nibble of the data offset byte.
	reserved uint8

	// Src and Dst are the addresses of the enclosing IP datagram.
	Src netip.Addr
	Dst netip.Addr

	// Len is the sequence space occupied: text plus one each for SYN and FIN.
	Len seqnum.Size
	// LastSeq is the last sequence number occupied, or Seq when Len is 0.
	LastSeq seqnum.Value
}

// Decode parses a TCP segment. The returned segment aliases b.
func Decode(b []byte) (*Segment, error) {
	if len(b) < header.TCPMinimumSize {
		return nil, errors.Wrapf(ErrInvalidFormat, "%d bytes shorter than header", len(b))
	}
	h := header.TCP(b)
	off := int(h.DataOffset())
	if off < header.TCPMinimumSize || off > len(b) {
		return nil, errors.Wrapf(ErrInvalidFormat, "data offset %d with %d bytes", off, len(b))
	}

	s := &Segment{
		SrcPort:  h.SourcePort(),
		DstPort:  h.DestinationPort(),
		Seq:      seqnum.Value(h.SequenceNumber()),
		Ack:      seqnum.Value(h.AckNumber()),
		Flags:    Flags(h.Flags()),
		Window:   h.WindowSize(),
		Checksum: h.Checksum(),
		Urgent:   binary.BigEndian.Uint16(b[urgentOffset:]),
		Options:  b[header.TCPMinimumSize:off],
		Payload:  b[off:],
		reserved: b[12] & 0x0f,
	}
	s.derive()
	return s, nil
}

func (s *Segment) derive() {
	s.Len = seqnum.Size(len(s.Payload))
	if s.Flags&FlagSyn != 0 {
		s.Len++
	}
	if s.Flags&FlagFin != 0 {
		s.Len++
	}
	s.LastSeq = s.Seq
	if s.Len > 0 {
		s.LastSeq = s.Seq.Add(s.Len - 1)
	}
}

// DataLen returns the text length.
func (s *Segment) DataLen() int { return len(s.Payload) }

// HeaderLen returns the encoded header length in bytes.
func (s *Segment) HeaderLen() int { return header.TCPMinimumSize + len(s.Options) }

// Encode produces the wire form of s. Options must be padded to a multiple
// of four bytes and at most 40 bytes long. The checksum field is written as
// stored; use SetChecksum to compute it.
func (s *Segment) Encode() []byte {
	hl := s.HeaderLen()
	b := make([]byte, hl+len(s.Payload))
	header.TCP(b).Encode(&header.TCPFields{
		SrcPort:       s.SrcPort,
		DstPort:       s.DstPort,
		SeqNum:        uint32(s.Seq),
		AckNum:        uint32(s.Ack),
		DataOffset:    uint8(hl),
		Flags:         uint8(s.Flags),
		WindowSize:    s.Window,
		Checksum:      s.Checksum,
		UrgentPointer: s.Urgent,
	})
	b[12] |= s.reserved
	copy(b[header.TCPMinimumSize:], s.Options)
	copy(b[hl:], s.Payload)
	return b
}

// MSSOption returns the peer's maximum segment size option, if present.
func (s *Segment) MSSOption() (int, bool) {
	opts := s.Options
	for len(opts) > 0 {
		switch opts[0] {
		case optionKindEnd:
			return 0, false
		case optionKindNop:
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 || int(opts[1]) < 2 || int(opts[1]) > len(opts) {
			return 0, false
		}
		if opts[0] == optionKindMSS && opts[1] == 4 {
			return int(binary.BigEndian.Uint16(opts[2:4])), true
		}
		opts = opts[opts[1]:]
	}
	return 0, false
}

func mssOption(mss int) []byte {
	return []byte{optionKindMSS, 4, byte(mss >> 8), byte(mss)}
}

func pseudoHeaderChecksum(src, dst netip.Addr, length int) uint16 {
	var ph [12]byte
	s4, d4 := src.As4(), dst.As4()
	copy(ph[0:4], s4[:])
	copy(ph[4:8], d4[:])
	ph[9] = ProtocolNumber
	binary.BigEndian.PutUint16(ph[10:], uint16(length))
	return header.Checksum(ph[:], 0)
}

// Checksum computes the checksum of the wire segment b sent from src to dst,
// treating its checksum field as zero.
func Checksum(src, dst netip.Addr, b []byte) uint16 {
	stored := header.TCP(b).Checksum()
	header.TCP(b).SetChecksum(0)
	sum := ^header.Checksum(b, pseudoHeaderChecksum(src, dst, len(b)))
	header.TCP(b).SetChecksum(stored)
	return sum
}

// SetChecksum fills in the checksum field of the wire segment b.
func SetChecksum(src, dst netip.Addr, b []byte) {
	header.TCP(b).SetChecksum(Checksum(src, dst, b))
}

// ChecksumValid verifies the checksum of the wire segment b.
func ChecksumValid(src, dst netip.Addr, b []byte) bool {
	return header.Checksum(b, pseudoHeaderChecksum(src, dst, len(b))) == 0xffff
}
