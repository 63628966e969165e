package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/wgtcp/pkg/config"
	"github.com/irctrakz/wgtcp/pkg/wireguard"
)

func loopbackNode(t *testing.T) (*node, *config.Config) {
	cfg := config.DefaultConfig()
	cfg.Stack.Link = "loopback"
	cfg.WireGuard.MTU = 1280
	require.NoError(t, cfg.Validate())

	n, err := newNode(cfg)
	require.NoError(t, err)
	require.NoError(t, n.start())
	t.Cleanup(n.stop)
	return n, cfg
}

func TestLoopbackSelfCheck(t *testing.T) {
	n, cfg := loopbackNode(t)
	require.NotNil(t, n.peer)
	assert.Equal(t, n.layer.Addr().Next(), n.peer.layer.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := listenEcho(n.stack, uint16(cfg.Stack.EchoPort))
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- serveEcho(ctx, l) }()

	require.NoError(t, selfCheck(ctx, n.peer.stack, n.addrPort(cfg.Stack.EchoPort)))
	require.NoError(t, selfCheck(ctx, n.peer.stack, n.addrPort(cfg.Stack.EchoPort)))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("echo service did not stop")
	}
	assert.Equal(t, uint64(2), n.stack.Metrics().PassiveOpens)
}

func TestSelfCheckRefused(t *testing.T) {
	n, _ := loopbackNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, selfCheck(ctx, n.peer.stack, n.addrPort(9)))
}

func TestMSSClampedToLink(t *testing.T) {
	n, _ := loopbackNode(t)
	assert.Equal(t, 1240, n.stack.Config().MSS)
	assert.Equal(t, 1240, n.peer.stack.Config().MSS)
}

func TestCollectorExportsLayers(t *testing.T) {
	n, _ := loopbackNode(t)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(newStackCollector(n)))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 2)

	byName := map[string]*dto.MetricFamily{}
	for _, f := range families {
		byName[f.GetName()] = f
	}
	require.Contains(t, byName, "wgtcp_counter")
	require.Contains(t, byName, "wgtcp_gauge")
	assert.Equal(t, dto.MetricType_COUNTER, byName["wgtcp_counter"].GetType())
	assert.Equal(t, dto.MetricType_GAUGE, byName["wgtcp_gauge"].GetType())

	layers := map[string]bool{}
	for _, m := range byName["wgtcp_counter"].GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "layer" {
				layers[lp.GetValue()] = true
			}
		}
	}
	assert.Equal(t, map[string]bool{"tcp": true, "ip": true, "link": true}, layers)

	gauges := byName["wgtcp_gauge"].GetMetric()
	require.Len(t, gauges, 1)
	assert.Equal(t, 0.0, gauges[0].GetGauge().GetValue())
}

func TestHTTPEndpoints(t *testing.T) {
	n, _ := loopbackNode(t)
	srv := httptest.NewServer(newHTTPServer("127.0.0.1:0", n).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "10.77.0.1", health["address"])

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `wgtcp_gauge{layer="tcp",name="active_connections"} 0`)
	assert.Contains(t, string(body), `wgtcp_counter{layer="ip",name="packets_received"}`)
}

func TestSummarizeHandshakes(t *testing.T) {
	now := time.Unix(100000, 0)
	peers := []wireguard.PeerStatus{
		{PublicKey: "a", LastHandshake: now.Add(-10 * time.Second)},
		{PublicKey: "b", LastHandshake: now.Add(-90 * time.Second), Keepalive: 25},
		{PublicKey: "c", LastHandshake: now.Add(-5 * time.Minute)},
		{PublicKey: "d"},
	}
	got := summarizeHandshakes(peers, now)
	assert.Equal(t, map[string]uint64{
		"peers":      4,
		"fresh":      1,
		"stale":      3,
		"oldest_sec": 300,
		"newest_sec": 10,
	}, got)
}

func TestFormatSnapshot(t *testing.T) {
	n, _ := loopbackNode(t)
	snap := collectSnapshot(n, time.Unix(0, 0))
	assert.Nil(t, snap.WG)

	text := formatSnapshot(snap, "text")
	assert.True(t, strings.HasPrefix(text, "ts=1970-01-01T00:00:00Z | tcp:"))
	assert.Contains(t, text, "active_connections=0")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(formatSnapshot(snap, "json")), &decoded))
	assert.Contains(t, decoded, "tcp")
	assert.NotContains(t, decoded, "wg")
}
