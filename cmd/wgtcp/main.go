// Command wgtcp terminates TCP for peers reached over a userspace WireGuard
// tunnel and serves an echo service on the tunnel address.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/irctrakz/wgtcp/pkg/config"
	"github.com/irctrakz/wgtcp/pkg/core"
	"github.com/irctrakz/wgtcp/pkg/logging"
)

func main() {
	app := cli.NewApp()
	app.Name = "wgtcp"
	app.Usage = "userspace TCP endpoint behind WireGuard"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "configuration file (.yaml, .yml or .json)",
			EnvVar: "WGTCP_CONFIG",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log level (debug, info, warn, error)",
		},
		cli.IntFlag{
			Name:  "echo-port",
			Usage: "port of the echo service, 0 disables it",
			Value: -1,
		},
		cli.StringFlag{
			Name:  "link",
			Usage: "link implementation: wireguard or loopback",
		},
		cli.DurationFlag{
			Name:   "metrics-interval",
			Usage:  "period of the metrics log, 0 disables it",
			EnvVar: "METRICS_INTERVAL",
		},
		cli.StringFlag{
			Name:   "metrics-format",
			Usage:  "metrics log format: text or json",
			Value:  "text",
			EnvVar: "METRICS_FORMAT",
		},
		cli.BoolFlag{
			Name:   "debug",
			Usage:  "enable debug output and packet copy mode",
			EnvVar: "DEBUG",
		},
	}

	app.Action = func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg, reporterOptions{
			interval: c.Duration("metrics-interval"),
			format:   c.String("metrics-format"),
		})
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "wgtcp: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, the environment and flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path := c.String("config"); path != "" {
		if err := config.LoadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)

	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if c.Bool("debug") {
		cfg.Logging.Level = "debug"
	}
	if p := c.Int("echo-port"); p >= 0 {
		cfg.Stack.EchoPort = p
	}
	if l := c.String("link"); l != "" {
		cfg.Stack.Link = l
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}
	core.SetDebugMode(logging.IsDebug())
	return cfg, nil
}

// run starts the node and its services and blocks until ctx is done or
// one of them fails.
func run(ctx context.Context, cfg *config.Config, ropts reporterOptions) error {
	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	if err := n.start(); err != nil {
		return err
	}
	defer n.stop()

	eg, ctx := errgroup.WithContext(ctx)

	if cfg.Stack.EchoPort > 0 {
		l, err := listenEcho(n.stack, uint16(cfg.Stack.EchoPort))
		if err != nil {
			return err
		}
		eg.Go(func() error { return serveEcho(ctx, l) })
	}

	if n.peer != nil && cfg.Stack.EchoPort > 0 {
		eg.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return selfCheck(cctx, n.peer.stack, n.addrPort(cfg.Stack.EchoPort))
		})
	}

	if cfg.Stack.MetricsAddr != "" {
		srv := newHTTPServer(cfg.Stack.MetricsAddr, n)
		eg.Go(func() error { return serveHTTP(ctx, srv) })
	}

	if ropts.interval > 0 {
		eg.Go(func() error {
			runMetricsReporter(ctx, n, ropts)
			return nil
		})
	}

	logging.Infof("wgtcp running on %s via %s link", n.layer.Addr(), cfg.Stack.Link)
	<-ctx.Done()
	logging.Infof("shutting down")
	return ignoreCanceled(eg.Wait())
}

func ignoreCanceled(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
