package ip

import (
	"github.com/cespare/xxhash/v2"

	"github.com/irctrakz/wgtcp/pkg/core"
)

// shard picks the input worker for a datagram from its flow: addresses,
// protocol and, when present, the transport ports. All datagrams of a TCP
// connection land on the same worker.
func (l *Layer) shard(pkb *core.PacketBuffer) int {
	if len(l.shards) == 1 {
		return 0
	}
	var key [13]byte
	src, dst := pkb.Src.As4(), pkb.Dst.As4()
	copy(key[0:4], src[:])
	copy(key[4:8], dst[:])
	key[8] = pkb.Data[9]
	if t := pkb.Transport(); len(t) >= 4 {
		copy(key[9:13], t[:4])
	}
	return int(xxhash.Sum64(key[:]) % uint64(len(l.shards)))
}
