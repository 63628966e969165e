// Command stress_tcp pushes concurrent echo flows between two stacks over an
// in-memory link, optionally lossy, and prints the resulting counters.
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/irctrakz/wgtcp/pkg/ip"
	"github.com/irctrakz/wgtcp/pkg/logging"
	"github.com/irctrakz/wgtcp/pkg/tcp"
	"github.com/irctrakz/wgtcp/pkg/tun"
)

type options struct {
	flows   int
	size    int
	mtu     int
	lossPct int
	rto     time.Duration
	timeout time.Duration
}

func main() {
	app := cli.NewApp()
	app.Name = "stress_tcp"
	app.Usage = "stress the TCP stack over an in-memory link"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "flows", Value: 8, Usage: "number of concurrent connections"},
		cli.IntFlag{Name: "size", Value: 256 << 10, Usage: "bytes echoed per connection"},
		cli.IntFlag{Name: "mtu", Value: 1380, Usage: "link MTU"},
		cli.IntFlag{Name: "loss", Value: 0, Usage: "percentage of datagrams dropped in each direction"},
		cli.DurationFlag{Name: "rto", Value: 50 * time.Millisecond, Usage: "initial retransmission timeout"},
		cli.DurationFlag{Name: "timeout", Value: time.Minute, Usage: "overall deadline"},
	}
	app.Action = func(c *cli.Context) error {
		logging.SetLevel(logging.WarnLevel)
		return stress(options{
			flows:   c.Int("flows"),
			size:    c.Int("size"),
			mtu:     c.Int("mtu"),
			lossPct: c.Int("loss"),
			rto:     c.Duration("rto"),
			timeout: c.Duration("timeout"),
		})
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "stress_tcp: %s\n", err)
		os.Exit(1)
	}
}

type endpoint struct {
	link  *tun.Pipe
	layer *ip.Layer
	stack *tcp.Stack
}

func newEndpoint(link *tun.Pipe, addr netip.Addr, cfg tcp.Config) (*endpoint, error) {
	layer := ip.New(ip.Config{Addr: addr}, link)
	cfg.MSS = layer.MaxPayload() - 20
	stack := tcp.NewStack(addr, cfg, layer)
	layer.Register(ip.ProtocolTCP, stack)
	if err := link.Start(); err != nil {
		return nil, err
	}
	if err := layer.Start(); err != nil {
		return nil, err
	}
	return &endpoint{link: link, layer: layer, stack: stack}, nil
}

func (e *endpoint) close() {
	e.stack.Close()
	e.layer.Stop()
	e.link.Stop()
}

func lossy(pct int, dropped *uint64) func([]byte) bool {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var mu sync.Mutex
	return func([]byte) bool {
		mu.Lock()
		drop := rng.Intn(100) < pct
		mu.Unlock()
		if drop {
			atomic.AddUint64(dropped, 1)
		}
		return drop
	}
}

func stress(o options) error {
	cfg := tcp.DefaultConfig()
	cfg.InitialRTO = o.rto
	cfg.MaxRTO = 20 * o.rto
	cfg.MaxRetries = 15

	a, b := tun.NewPipe("stress", o.mtu)
	serverAddr := netip.MustParseAddr("10.99.0.1")
	server, err := newEndpoint(a, serverAddr, cfg)
	if err != nil {
		return err
	}
	defer server.close()
	client, err := newEndpoint(b, serverAddr.Next(), cfg)
	if err != nil {
		return err
	}
	defer client.close()

	var dropped uint64
	if o.lossPct > 0 {
		a.SetDropFunc(lossy(o.lossPct, &dropped))
		b.SetDropFunc(lossy(o.lossPct, &dropped))
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	l, err := server.stack.Listen(netip.AddrPortFrom(netip.Addr{}, 7), o.flows)
	if err != nil {
		return err
	}
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()

	payload := make([]byte, o.size)
	rand.Read(payload)

	start := time.Now()
	eg, ectx := errgroup.WithContext(ctx)
	for i := 0; i < o.flows; i++ {
		i := i
		eg.Go(func() error {
			if err := echoFlow(ectx, client.stack, netip.AddrPortFrom(serverAddr, 7), payload); err != nil {
				return errors.Wrapf(err, "flow %d", i)
			}
			return nil
		})
	}
	err = eg.Wait()
	elapsed := time.Since(start)

	total := float64(o.flows*o.size*2) / (1 << 20)
	fmt.Printf("flows=%d size=%d mtu=%d loss=%d%%: %.1f MiB in %v (%.1f MiB/s)\n",
		o.flows, o.size, o.mtu, o.lossPct, total, elapsed, total/elapsed.Seconds())
	fmt.Printf("dropped datagrams: %d\n", atomic.LoadUint64(&dropped))
	for name, e := range map[string]*endpoint{"server": server, "client": client} {
		m := e.stack.Metrics()
		fmt.Printf("%s: segs out=%d in=%d retransmits=%d timeouts=%d resets out=%d in=%d ooo=%d ipdrops=%d\n",
			name, m.SegmentsSent, m.SegmentsReceived, m.Retransmits, m.Timeouts,
			m.ResetsSent, m.ResetsReceived, m.OutOfOrderDrops, e.layer.Metrics().InputQueueDrops)
	}
	return err
}

func echoFlow(ctx context.Context, s *tcp.Stack, target netip.AddrPort, payload []byte) error {
	c, err := s.Dial(ctx, target)
	if err != nil {
		return err
	}
	defer c.Close()

	sendErr := make(chan error, 1)
	go func() {
		_, err := c.Send(ctx, payload)
		if err == nil {
			err = c.CloseWrite()
		}
		sendErr <- err
	}()

	var got bytes.Buffer
	buf := make([]byte, 16<<10)
	for {
		n, err := c.Recv(ctx, buf)
		got.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := <-sendErr; err != nil {
		return err
	}
	if !bytes.Equal(got.Bytes(), payload) {
		return errors.Errorf("echo mismatch: got %d bytes, want %d", got.Len(), len(payload))
	}
	return nil
}
