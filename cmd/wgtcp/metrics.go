package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/irctrakz/wgtcp/pkg/logging"
)

// gaugeNames are the snapshot values that can go down. Prometheus requires
// one value type per family, so they are exported apart from the counters.
var gaugeNames = map[string]bool{
	"active_connections": true,
	"wg_full_streak_cur": true,
	"wg_full_streak_max": true,
	"wg_last_success_ns": true,
}

// stackCollector exports the node's counters on every scrape.
type stackCollector struct {
	n        *node
	counters *prometheus.Desc
	gauges   *prometheus.Desc
}

func newStackCollector(n *node) *stackCollector {
	return &stackCollector{
		n: n,
		counters: prometheus.NewDesc("wgtcp_counter", "Stack counters by layer.",
			[]string{"layer", "name"}, nil),
		gauges: prometheus.NewDesc("wgtcp_gauge", "Stack gauges by layer.",
			[]string{"layer", "name"}, nil),
	}
}

func (c *stackCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.counters
	ch <- c.gauges
}

func (c *stackCollector) Collect(ch chan<- prometheus.Metric) {
	for layer, m := range c.n.snapshot() {
		for name, v := range m {
			if gaugeNames[name] {
				ch <- prometheus.MustNewConstMetric(c.gauges, prometheus.GaugeValue, float64(v), layer, name)
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.counters, prometheus.CounterValue, float64(v), layer, name)
		}
	}
}

// snapshot returns the counters of every layer, keyed by layer name.
func (n *node) snapshot() map[string]map[string]uint64 {
	lm := n.link.Metrics()
	out := map[string]map[string]uint64{
		"tcp": n.stack.Metrics().Map(),
		"ip":  n.layer.Metrics().Map(),
		"link": {
			"packets_received": lm.PacketsReceived,
			"packets_sent":     lm.PacketsSent,
			"bytes_received":   lm.BytesReceived,
			"bytes_sent":       lm.BytesSent,
			"errors":           lm.Errors,
		},
	}
	if n.wg != nil {
		out["wg"] = n.wg.DetailedMetrics()
	}
	return out
}

func newHTTPServer(addr string, n *node) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newStackCollector(n))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":             "ok",
			"address":            n.layer.Addr().String(),
			"link":               n.link.Name(),
			"active_connections": n.stack.Metrics().ActiveConnections,
		})
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// serveHTTP runs srv until ctx is done.
func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Infof("metrics and health on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
