package ip

import "sync"

// Outbound datagram buffers are pooled by size class. Only buffers that came
// from bufGet are returned (checked by capacity).

const (
	bufSmall = 2048
	bufLarge = 16384
)

var (
	poolSmall = sync.Pool{New: func() any { b := make([]byte, bufSmall); return &b }}
	poolLarge = sync.Pool{New: func() any { b := make([]byte, bufLarge); return &b }}
)

func bufGet(n int) []byte {
	switch {
	case n <= bufSmall:
		p := poolSmall.Get().(*[]byte)
		return (*p)[:n]
	case n <= bufLarge:
		p := poolLarge.Get().(*[]byte)
		return (*p)[:n]
	default:
		return make([]byte, n)
	}
}

func bufPut(b []byte) {
	switch cap(b) {
	case bufSmall:
		bb := b[:bufSmall]
		poolSmall.Put(&bb)
	case bufLarge:
		bb := b[:bufLarge]
		poolLarge.Put(&bb)
	}
}
