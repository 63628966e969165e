package wireguard

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

// pcapWriter tees plaintext IPv4 frames into a capture file (LINKTYPE_RAW).
// A nil *pcapWriter discards everything.
type pcapWriter struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

const linkTypeRaw = 101

func openPCAP(path string) (*pcapWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap: %w", err)
	}
	// magic, version 2.4, thiszone 0, sigfigs 0, snaplen, network
	hdr := make([]byte, 24)
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], 65535)
	binary.LittleEndian.PutUint32(hdr[20:24], linkTypeRaw)
	w := bufio.NewWriter(f)
	if _, err := w.Write(hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &pcapWriter{f: f, w: w}, nil
}

// write appends one frame with a per-record header.
func (p *pcapWriter) write(b []byte) {
	if p == nil || len(b) == 0 {
		return
	}
	var ph [16]byte
	now := time.Now()
	binary.LittleEndian.PutUint32(ph[0:4], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(ph[4:8], uint32(now.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(ph[8:12], uint32(len(b)))
	binary.LittleEndian.PutUint32(ph[12:16], uint32(len(b)))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return
	}
	p.w.Write(ph[:])
	p.w.Write(b)
}

func (p *pcapWriter) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return nil
	}
	err := p.w.Flush()
	if cerr := p.f.Close(); err == nil {
		err = cerr
	}
	p.w = nil
	return err
}
