// Package sock is the protocol-independent socket layer: connection
// identities, the lookup table used to demultiplex inbound segments, local
// port binding and the wait/wake primitive used by blocking socket calls.
package sock

import (
	"fmt"
	"net/netip"

	"github.com/pkg/errors"
)

var (
	// ErrPortInUse is returned when binding a port that is already bound.
	ErrPortInUse = errors.New("local port in use")

	// ErrNoPorts is returned when the ephemeral range is exhausted.
	ErrNoPorts = errors.New("no ephemeral ports available")

	// ErrExists is returned when hashing a 4-tuple or listener that is already present.
	ErrExists = errors.New("socket already hashed")
)

// ID identifies a connection by its local and remote endpoints. Listening and
// unconnected sockets leave the remote half zero.
type ID struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// Local returns the local endpoint.
func (id ID) Local() netip.AddrPort { return netip.AddrPortFrom(id.LocalAddr, id.LocalPort) }

// Remote returns the remote endpoint.
func (id ID) Remote() netip.AddrPort { return netip.AddrPortFrom(id.RemoteAddr, id.RemotePort) }

// Reply returns the identity seen from the other end.
func (id ID) Reply() ID {
	return ID{
		LocalAddr:  id.RemoteAddr,
		LocalPort:  id.RemotePort,
		RemoteAddr: id.LocalAddr,
		RemotePort: id.LocalPort,
	}
}

func (id ID) String() string {
	return fmt.Sprintf("%s->%s", id.Local(), id.Remote())
}
