package sock

import (
	"encoding/binary"
	"net/netip"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const bindBuckets = 64

type listenKey struct {
	addr netip.Addr
	port uint16
}

func wildcard(addr netip.Addr) netip.Addr {
	if !addr.IsValid() || addr.IsUnspecified() {
		return netip.Addr{}
	}
	return addr
}

// BindHash returns the bind-hash value of a local port.
func BindHash(port uint16) uint32 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], port)
	return uint32(xxhash.Sum64(b[:]))
}

// Table maps connection identities to sockets of type T. It keeps three
// structures: fully specified 4-tuples, listeners keyed by local address and
// port (the zero address meaning any), and the bind hash of occupied local
// ports. Values are held for lookup only; the table never owns them.
type Table[T any] struct {
	mu          sync.RWMutex
	established map[ID]T
	listeners   map[listenKey]T
	bhash       [bindBuckets]map[uint16]int

	portMin, portMax uint16
	nextPort         uint16
}

// NewTable creates a table allocating ephemeral ports from [portMin, portMax].
func NewTable[T any](portMin, portMax uint16) *Table[T] {
	if portMin == 0 {
		portMin = 1
	}
	if portMax < portMin {
		portMax = portMin
	}
	t := &Table[T]{
		established: make(map[ID]T),
		listeners:   make(map[listenKey]T),
		portMin:     portMin,
		portMax:     portMax,
		nextPort:    portMin,
	}
	for i := range t.bhash {
		t.bhash[i] = make(map[uint16]int)
	}
	return t
}

func (t *Table[T]) bucket(port uint16) map[uint16]int {
	return t.bhash[BindHash(port)%bindBuckets]
}

// Hash registers a connected socket under its 4-tuple.
func (t *Table[T]) Hash(id ID, v T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.established[id]; ok {
		return ErrExists
	}
	t.established[id] = v
	return nil
}

// Unhash removes a connected socket.
func (t *Table[T]) Unhash(id ID) {
	t.mu.Lock()
	delete(t.established, id)
	t.mu.Unlock()
}

// Listen registers a listening socket on addr:port. An invalid or
// unspecified addr listens on every local address.
func (t *Table[T]) Listen(addr netip.Addr, port uint16, v T) error {
	key := listenKey{addr: wildcard(addr), port: port}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[key]; ok {
		return ErrExists
	}
	t.listeners[key] = v
	return nil
}

// Unlisten removes a listening socket.
func (t *Table[T]) Unlisten(addr netip.Addr, port uint16) {
	t.mu.Lock()
	delete(t.listeners, listenKey{addr: wildcard(addr), port: port})
	t.mu.Unlock()
}

// Lookup finds the socket for an inbound segment addressed to
// local:localPort from remote:remotePort. Exact 4-tuples win over a listener
// on the local address, which wins over a wildcard listener.
func (t *Table[T]) Lookup(local netip.Addr, localPort uint16, remote netip.Addr, remotePort uint16) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id := ID{LocalAddr: local, LocalPort: localPort, RemoteAddr: remote, RemotePort: remotePort}
	if v, ok := t.established[id]; ok {
		return v, true
	}
	if v, ok := t.listeners[listenKey{addr: local, port: localPort}]; ok {
		return v, true
	}
	v, ok := t.listeners[listenKey{port: localPort}]
	return v, ok
}

// Bind reserves a local port. Port zero picks the next free ephemeral port.
// The chosen port is returned.
func (t *Table[T]) Bind(port uint16) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if port != 0 {
		b := t.bucket(port)
		if b[port] > 0 {
			return 0, ErrPortInUse
		}
		b[port]++
		return port, nil
	}

	span := int(t.portMax-t.portMin) + 1
	for i := 0; i < span; i++ {
		p := t.nextPort
		if t.nextPort == t.portMax {
			t.nextPort = t.portMin
		} else {
			t.nextPort++
		}
		b := t.bucket(p)
		if b[p] == 0 {
			b[p]++
			return p, nil
		}
	}
	return 0, ErrNoPorts
}

// Unbind releases a port reserved with Bind.
func (t *Table[T]) Unbind(port uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bucket(port)
	if b[port] <= 1 {
		delete(b, port)
		return
	}
	b[port]--
}

// Bound reports whether port is reserved.
func (t *Table[T]) Bound(port uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bucket(port)[port] > 0
}

// Len returns the number of hashed connections and listeners.
func (t *Table[T]) Len() (established, listening int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.established), len(t.listeners)
}
