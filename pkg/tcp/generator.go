package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/netstack/tcpip/seqnum"

	"github.com/irctrakz/wgtcp/pkg/sock"
)

// ISSGenerator chooses initial send sequence numbers.
type ISSGenerator interface {
	NewISS(id sock.ID) seqnum.Value
}

// ClockISS implements RFC 6528: a 4 microsecond clock plus a keyed hash of
// the connection identity.
type ClockISS struct {
	secret [16]byte
	start  time.Time
}

// NewClockISS returns a generator with a random secret.
func NewClockISS() *ClockISS {
	g := &ClockISS{start: time.Now()}
	if _, err := rand.Read(g.secret[:]); err != nil {
		binary.BigEndian.PutUint64(g.secret[:], uint64(time.Now().UnixNano()))
	}
	return g
}

// NewISS returns the ISS for id.
func (g *ClockISS) NewISS(id sock.ID) seqnum.Value {
	d := xxhash.New()
	d.Write(g.secret[:])
	l, r := id.LocalAddr.As4(), id.RemoteAddr.As4()
	d.Write(l[:])
	d.Write(r[:])
	var ports [4]byte
	binary.BigEndian.PutUint16(ports[0:], id.LocalPort)
	binary.BigEndian.PutUint16(ports[2:], id.RemotePort)
	d.Write(ports[:])

	ticks := uint32(time.Since(g.start) / (4 * time.Microsecond))
	return seqnum.Value(uint32(d.Sum64()) + ticks)
}

// SequentialISS hands out Start, Start+Step, ... It is meant for tests.
type SequentialISS struct {
	mu   sync.Mutex
	Next seqnum.Value
	Step seqnum.Size
}

// NewISS returns the next value.
func (g *SequentialISS) NewISS(sock.ID) seqnum.Value {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.Next
	g.Next = g.Next.Add(g.Step)
	return v
}

// IDGenerator issues connection ids used to tag log lines.
type IDGenerator struct {
	next atomic.Uint64
}

// Next returns a fresh id, starting at 1.
func (g *IDGenerator) Next() uint64 { return g.next.Add(1) }
