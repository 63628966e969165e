package wireguard

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/conn"
	wgdev "golang.zx2c4.com/wireguard/device"

	"github.com/irctrakz/wgtcp/pkg/logging"
)

type wgHandle struct {
	dev  *wgdev.Device
	stop chan struct{}
}

func (h *wgHandle) Close() error {
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	if h.dev != nil {
		h.dev.Close()
	}
	return nil
}

func (h *wgHandle) IpcGet() (string, error) {
	if h == nil || h.dev == nil {
		return "", fmt.Errorf("nil device")
	}
	return h.dev.IpcGet()
}

// RebindListenPort updates the device's UDP listen port (0 = random) via UAPI.
func (h *wgHandle) RebindListenPort(port int) error {
	if h == nil || h.dev == nil {
		return fmt.Errorf("nil device")
	}
	if port < 0 {
		port = 0
	}
	conf := fmt.Sprintf("listen_port=%d\n", port)
	if err := h.dev.IpcSet(conf); err != nil {
		return fmt.Errorf("IpcSet listen_port: %w", err)
	}
	return nil
}

// PeerStatus is one peer section of the UAPI device state.
type PeerStatus struct {
	PublicKey     string
	Endpoint      string
	LastHandshake time.Time
	RxBytes       uint64
	TxBytes       uint64
	Keepalive     int // seconds, 0 when off
}

// ParsePeerStatus extracts the peer sections from a UAPI get response.
func ParsePeerStatus(state string) []PeerStatus {
	var peers []PeerStatus
	var cur *PeerStatus
	for _, line := range strings.Split(state, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if key == "public_key" {
			peers = append(peers, PeerStatus{PublicKey: val})
			cur = &peers[len(peers)-1]
			continue
		}
		if cur == nil {
			continue
		}
		switch key {
		case "endpoint":
			cur.Endpoint = val
		case "last_handshake_time_sec":
			if sec, err := strconv.ParseInt(val, 10, 64); err == nil && sec > 0 {
				cur.LastHandshake = time.Unix(sec, 0)
			}
		case "rx_bytes":
			cur.RxBytes, _ = strconv.ParseUint(val, 10, 64)
		case "tx_bytes":
			cur.TxBytes, _ = strconv.ParseUint(val, 10, 64)
		case "persistent_keepalive_interval":
			cur.Keepalive, _ = strconv.Atoi(val)
		}
	}
	return peers
}

// handshakeAge renders how long ago the last handshake happened.
func handshakeAge(last time.Time, now time.Time) string {
	if last.IsZero() {
		return "never"
	}
	age := now.Sub(last)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%d seconds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(age.Minutes()))
	default:
		return fmt.Sprintf("%d hours ago", int(age.Hours()))
	}
}

func shortKey(k string) string {
	if len(k) > 16 {
		return k[:8] + "..." + k[len(k)-8:]
	}
	return k
}

// monitorHandshakes periodically logs the handshake status of every peer.
func monitorHandshakes(h *wgHandle, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	log := logging.Component("wireguard")
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			state, err := h.IpcGet()
			if err != nil {
				log.Warnf("handshake monitor: failed to get device state: %v", err)
				continue
			}
			now := time.Now()
			for _, p := range ParsePeerStatus(state) {
				log.Infof("peer %s: handshake=%s endpoint=%s transfer=rx:%d/tx:%d bytes",
					shortKey(p.PublicKey), handshakeAge(p.LastHandshake, now), p.Endpoint, p.RxBytes, p.TxBytes)
			}
		}
	}
}

// keyHex converts a base64 key to the hex form UAPI expects. Keys that do
// not decode to 32 bytes are assumed to be hex already.
func keyHex(k string) string {
	k = strings.TrimSpace(k)
	if raw, err := base64.StdEncoding.DecodeString(k); err == nil && len(raw) == 32 {
		return hex.EncodeToString(raw)
	}
	return k
}

// uapiConfig renders cfg as a UAPI set request.
func uapiConfig(cfg DeviceConfig) (string, error) {
	rawPriv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.PrivateKey))
	if err != nil || len(rawPriv) != 32 {
		return "", fmt.Errorf("invalid private key: must be base64 of 32 bytes")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\nlisten_port=%d\nreplace_peers=true\n", hex.EncodeToString(rawPriv), cfg.ListenPort)
	for _, p := range cfg.Peers {
		fmt.Fprintf(&b, "public_key=%s\n", keyHex(p.PublicKey))
		b.WriteString("replace_allowed_ips=true\n")
		for _, ip := range p.AllowedIPs {
			fmt.Fprintf(&b, "allowed_ip=%s\n", strings.TrimSpace(ip))
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "endpoint=%s\n", p.Endpoint)
		}
		if p.PersistentKeepaliveSec > 0 {
			fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", p.PersistentKeepaliveSec)
		}
	}
	return b.String(), nil
}

// deviceLogger routes wireguard-go's log through logrus.
func deviceLogger(verbose bool) *wgdev.Logger {
	entry := logging.Component("wireguard-go")
	l := &wgdev.Logger{
		Verbosef: wgdev.DiscardLogf,
		Errorf:   entry.Errorf,
	}
	if verbose || logging.IsDebug() {
		l.Verbosef = entry.Debugf
		if verbose {
			l.Verbosef = entry.Infof
		}
	}
	return l
}

// StartDevice starts a wireguard-go device bound to cfg.ListenPort using
// tun for plaintext exchange. It applies the configuration via IpcSet.
func StartDevice(cfg DeviceConfig, tun *WGTun) (DeviceHandle, error) {
	if tun == nil {
		return nil, fmt.Errorf("nil tun")
	}
	conf, err := uapiConfig(cfg)
	if err != nil {
		return nil, err
	}

	dev := wgdev.NewDevice(tun, conn.NewDefaultBind(), deviceLogger(cfg.Verbose))
	if logging.IsDebug() {
		priv := keyHex(cfg.PrivateKey)
		masked := strings.Repeat("*", len(priv)-6) + priv[len(priv)-6:]
		logging.Debugf("WG UAPI IpcSet applying:\n%s", strings.ReplaceAll(conf, priv, masked))
	}
	if err := dev.IpcSet(conf); err != nil {
		dev.Close()
		return nil, fmt.Errorf("IpcSet: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("device up: %w", err)
	}
	logging.WithFields(logrus.Fields{
		"port":  cfg.ListenPort,
		"peers": len(cfg.Peers),
	}).Info("wireguard device up")

	if state, err := dev.IpcGet(); err == nil {
		logging.Debugf("WG UAPI device state after Up:\n%s", state)
	}

	handle := &wgHandle{dev: dev}
	if cfg.MonitorEvery > 0 {
		handle.stop = make(chan struct{})
		go monitorHandshakes(handle, time.Duration(cfg.MonitorEvery)*time.Second, handle.stop)
	}
	return handle, nil
}
