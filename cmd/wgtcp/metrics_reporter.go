package main

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/irctrakz/wgtcp/pkg/logging"
	"github.com/irctrakz/wgtcp/pkg/wireguard"
)

type reporterOptions struct {
	interval time.Duration
	format   string
}

type metricsSnapshot struct {
	Timestamp string            `json:"ts"`
	TCP       map[string]uint64 `json:"tcp"`
	IP        map[string]uint64 `json:"ip"`
	Link      map[string]uint64 `json:"link"`
	WG        map[string]uint64 `json:"wg,omitempty"`
	WGHS      map[string]uint64 `json:"wg_hs,omitempty"`
	RT        map[string]uint64 `json:"rt"`
}

// runMetricsReporter logs a metrics snapshot every interval until ctx is done.
func runMetricsReporter(ctx context.Context, n *node, opts reporterOptions) {
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	var lastRetransmits uint64
	for {
		snap := collectSnapshot(n, time.Now())
		cur := snap.TCP["retransmits"]
		snap.TCP["retransmits_delta"] = cur - lastRetransmits
		lastRetransmits = cur
		logging.Infof("metrics: %s", formatSnapshot(snap, opts.format))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func collectSnapshot(n *node, now time.Time) metricsSnapshot {
	layers := n.snapshot()
	snap := metricsSnapshot{
		Timestamp: now.UTC().Format(time.RFC3339),
		TCP:       layers["tcp"],
		IP:        layers["ip"],
		Link:      layers["link"],
		WG:        layers["wg"],
		RT:        runtimeStats(),
	}
	if n.wg != nil {
		if dev := n.wg.Device(); dev != nil {
			if state, err := dev.IpcGet(); err == nil {
				snap.WGHS = summarizeHandshakes(wireguard.ParsePeerStatus(state), now)
			}
		}
	}
	return snap
}

func formatSnapshot(snap metricsSnapshot, format string) string {
	if strings.EqualFold(format, "json") {
		b, _ := json.Marshal(snap)
		return string(b)
	}
	var b strings.Builder
	b.WriteString("ts=" + snap.Timestamp)
	writeSection(&b, "tcp", snap.TCP, "segments_sent", "segments_received", "active_connections",
		"retransmits", "retransmits_delta", "timeouts", "resets_sent", "resets_received", "accept_queue_drops")
	writeSection(&b, "ip", snap.IP, "packets_received", "packets_delivered", "packets_sent",
		"not_for_us", "input_queue_drops", "output_errors")
	writeSection(&b, "link", snap.Link, "packets_received", "packets_sent", "errors")
	if snap.WG != nil {
		writeSection(&b, "wg", snap.WG, "wg_queue_full", "wg_full_streak_max", "wg_hairpinned")
	}
	if snap.WGHS != nil {
		writeSection(&b, "hs", snap.WGHS, "peers", "fresh", "stale", "oldest_sec", "newest_sec")
	}
	writeSection(&b, "rt", snap.RT, "heap_alloc_mib", "goroutines", "num_gc", "open_fds")
	return b.String()
}

func writeSection(b *strings.Builder, name string, m map[string]uint64, keys ...string) {
	b.WriteString(" | " + name + ":")
	for _, k := range keys {
		b.WriteString(" " + k + "=")
		b.WriteString(strconv.FormatUint(m[k], 10))
	}
}

// summarizeHandshakes counts peers whose last handshake is recent. A peer
// is fresh when its handshake is younger than three keepalive intervals,
// or 60 seconds without keepalive.
func summarizeHandshakes(peers []wireguard.PeerStatus, now time.Time) map[string]uint64 {
	res := map[string]uint64{"peers": uint64(len(peers))}
	var fresh, oldest, newest uint64
	seen := false
	for _, p := range peers {
		if p.LastHandshake.IsZero() {
			continue
		}
		age := uint64(now.Sub(p.LastHandshake) / time.Second)
		if !seen || age > oldest {
			oldest = age
		}
		if !seen || age < newest {
			newest = age
		}
		seen = true
		thr := uint64(60)
		if p.Keepalive > 0 {
			thr = max(thr, uint64(p.Keepalive)*3)
		}
		if age < thr {
			fresh++
		}
	}
	res["fresh"] = fresh
	res["stale"] = uint64(len(peers)) - fresh
	res["oldest_sec"] = oldest
	res["newest_sec"] = newest
	return res
}

func runtimeStats() map[string]uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out := map[string]uint64{
		"heap_alloc_mib": ms.HeapAlloc / (1024 * 1024),
		"heap_inuse":     ms.HeapInuse,
		"sys":            ms.Sys,
		"num_gc":         uint64(ms.NumGC),
		"goroutines":     uint64(runtime.NumGoroutine()),
	}
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rl); err == nil {
		out["nofile_soft"] = rl.Cur
	}
	if ents, err := os.ReadDir("/proc/self/fd"); err == nil {
		out["open_fds"] = uint64(len(ents))
	}
	return out
}
