package main

import (
	"context"
	"io"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/wgtcp/pkg/logging"
	"github.com/irctrakz/wgtcp/pkg/tcp"
)

func listenEcho(stack *tcp.Stack, port uint16) (*tcp.TCB, error) {
	l, err := stack.Listen(netip.AddrPortFrom(netip.Addr{}, port), stack.Config().MaxBacklog)
	if err != nil {
		return nil, err
	}
	logging.Infof("echo service listening on port %d", port)
	return l, nil
}

// serveEcho accepts connections on l and echoes their text until ctx is
// done, then closes the listener.
func serveEcho(ctx context.Context, l *tcp.TCB) error {
	defer l.Close()
	log := logging.Component("echo")
	for {
		c, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, tcp.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			defer c.Close()
			fields := logrus.Fields{"remote": c.RemoteAddr()}
			n, err := io.Copy(c, c)
			if err != nil {
				log.WithFields(fields).Debugf("echo after %d bytes: %v", n, err)
				return
			}
			log.WithFields(fields).Debugf("echoed %d bytes", n)
		}()
	}
}

// selfCheck dials the echo service from the loopback peer and verifies the
// reply.
func selfCheck(ctx context.Context, peer *tcp.Stack, target netip.AddrPort) error {
	c, err := peer.Dial(ctx, target)
	if err != nil {
		return err
	}
	defer c.Close()

	msg := []byte("wgtcp self-check")
	if _, err := c.Send(ctx, msg); err != nil {
		return err
	}
	if err := c.CloseWrite(); err != nil {
		return err
	}
	got := make([]byte, 0, len(msg))
	buf := make([]byte, 64)
	for {
		n, err := c.Recv(ctx, buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if string(got) != string(msg) {
		return errors.New("self-check: echo mismatch")
	}
	logging.Infof("self-check against %s passed", target)
	return nil
}
