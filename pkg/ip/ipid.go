package ip

import "sync/atomic"

// idCounter generates the IPv4 Identification field. Datagrams are never
// fragmented, but a constant zero ID confuses some middleboxes.
type idCounter struct{ n atomic.Uint32 }

func (c *idCounter) next() uint16 { return uint16(c.n.Add(1)) }
