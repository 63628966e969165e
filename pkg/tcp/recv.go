package tcp

import (
	"context"
	"io"

	"github.com/google/netstack/tcpip/seqnum"
)

// deliver copies in-order text into the receive buffer, advances rcv_nxt
// and wakes readers. The caller has trimmed b to the free space.
func (t *TCB) deliver(b []byte) {
	if len(b) == 0 {
		return
	}
	if t.flags&flagUserClosed != 0 {
		// Nobody will read it.
		t.rcvNxt = t.rcvNxt.Add(seqnum.Size(len(b)))
		return
	}
	n, err := t.rcvBuf.Write(b)
	if err != nil {
		t.log.WithFields(t.fields()).Debugf("receive buffer: %v", err)
	}
	t.rcvNxt = t.rcvNxt.Add(seqnum.Size(n))
	t.rcvWnd = seqnum.Size(t.rcvBuf.Free())
	t.recvWait.Wake()
}

// Recv reads received text into b, blocking until some is available, the
// peer has closed its half (io.EOF) or the connection fails.
func (t *TCB) Recv(ctx context.Context, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.unlockAndFlush()

	for {
		if t.rcvBuf.Length() > 0 {
			n, _ := t.rcvBuf.Read(b)
			t.updateWindow()
			return n, nil
		}
		if t.err != nil {
			return 0, t.err
		}
		if t.flags&flagFinRecv != 0 {
			return 0, io.EOF
		}
		switch t.state {
		case Closed:
			if t.dead.Load() {
				return 0, ErrClosed
			}
			return 0, ErrNotConnected
		case Listen:
			return 0, ErrInvalidState
		}
		if err := t.recvWait.Block(ctx, t.locker()); err != nil {
			return 0, err
		}
	}
}

// Read implements io.Reader.
func (t *TCB) Read(b []byte) (int, error) {
	return t.Recv(context.Background(), b)
}

// updateWindow recomputes rcv_wnd after the application consumed data and
// announces it when the window reopens from zero or grows by half the buffer.
func (t *TCB) updateWindow() {
	old := t.rcvWnd
	t.rcvWnd = seqnum.Size(t.rcvBuf.Free())
	if !t.state.synchronized() || t.state == TimeWait {
		return
	}
	if old == 0 || int(t.rcvWnd-old) >= t.rcvCap/2 {
		t.sendAck()
	}
}
