package sock

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	local  = netip.MustParseAddr("10.0.0.1")
	remote = netip.MustParseAddr("10.0.0.2")
)

func TestLookupPrecedence(t *testing.T) {
	tbl := NewTable[string](40000, 40010)

	require.NoError(t, tbl.Listen(netip.Addr{}, 80, "any"))
	v, ok := tbl.Lookup(local, 80, remote, 5000)
	require.True(t, ok)
	assert.Equal(t, "any", v)

	require.NoError(t, tbl.Listen(local, 80, "addr"))
	v, _ = tbl.Lookup(local, 80, remote, 5000)
	assert.Equal(t, "addr", v)

	id := ID{LocalAddr: local, LocalPort: 80, RemoteAddr: remote, RemotePort: 5000}
	require.NoError(t, tbl.Hash(id, "conn"))
	v, _ = tbl.Lookup(local, 80, remote, 5000)
	assert.Equal(t, "conn", v)

	// other peers still reach the listener
	v, _ = tbl.Lookup(local, 80, remote, 5001)
	assert.Equal(t, "addr", v)

	tbl.Unhash(id)
	tbl.Unlisten(local, 80)
	tbl.Unlisten(netip.IPv4Unspecified(), 80)
	_, ok = tbl.Lookup(local, 80, remote, 5000)
	assert.False(t, ok)
}

func TestHashDuplicate(t *testing.T) {
	tbl := NewTable[int](40000, 40010)
	id := ID{LocalAddr: local, LocalPort: 1, RemoteAddr: remote, RemotePort: 2}
	require.NoError(t, tbl.Hash(id, 1))
	assert.ErrorIs(t, tbl.Hash(id, 2), ErrExists)
	require.NoError(t, tbl.Listen(local, 1, 1))
	assert.ErrorIs(t, tbl.Listen(local, 1, 1), ErrExists)

	est, lis := tbl.Len()
	assert.Equal(t, 1, est)
	assert.Equal(t, 1, lis)
}

func TestBindEphemeral(t *testing.T) {
	tbl := NewTable[int](50000, 50002)

	seen := map[uint16]bool{}
	for i := 0; i < 3; i++ {
		p, err := tbl.Bind(0)
		require.NoError(t, err)
		assert.True(t, p >= 50000 && p <= 50002)
		assert.False(t, seen[p])
		seen[p] = true
	}
	_, err := tbl.Bind(0)
	assert.ErrorIs(t, err, ErrNoPorts)

	tbl.Unbind(50001)
	p, err := tbl.Bind(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(50001), p)
}

func TestBindExplicit(t *testing.T) {
	tbl := NewTable[int](50000, 50010)
	p, err := tbl.Bind(8080)
	require.NoError(t, err)
	assert.Equal(t, uint16(8080), p)
	assert.True(t, tbl.Bound(8080))

	_, err = tbl.Bind(8080)
	assert.ErrorIs(t, err, ErrPortInUse)

	tbl.Unbind(8080)
	assert.False(t, tbl.Bound(8080))
}

func TestBindHashStable(t *testing.T) {
	assert.Equal(t, BindHash(443), BindHash(443))
	assert.NotEqual(t, BindHash(443), BindHash(444))
}

func TestIDReply(t *testing.T) {
	id := ID{LocalAddr: local, LocalPort: 80, RemoteAddr: remote, RemotePort: 5000}
	r := id.Reply()
	assert.Equal(t, remote, r.LocalAddr)
	assert.Equal(t, uint16(80), r.RemotePort)
	assert.Equal(t, id, r.Reply())
	assert.Equal(t, "10.0.0.1:80->10.0.0.2:5000", id.String())
}

func TestWaitWake(t *testing.T) {
	var (
		mu    sync.Mutex
		w     Wait
		ready bool
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		mu.Lock()
		defer mu.Unlock()
		for !ready {
			assert.NoError(t, w.Block(context.Background(), &mu))
		}
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	ready = true
	mu.Unlock()
	w.Wake()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleeper was not woken")
	}
}

func TestWaitContext(t *testing.T) {
	var (
		mu sync.Mutex
		w  Wait
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	mu.Lock()
	err := w.Block(ctx, &mu)
	mu.Unlock()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
