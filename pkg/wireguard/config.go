package wireguard

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PeerConfig holds a single WireGuard peer configuration.
type PeerConfig struct {
	PublicKey              string   `json:"publicKey" yaml:"publicKey"`   // base64
	AllowedIPs             []string `json:"allowedIPs" yaml:"allowedIPs"` // CIDRs
	Endpoint               string   `json:"endpoint" yaml:"endpoint"`     // host:port
	PersistentKeepaliveSec int      `json:"persistentKeepaliveSec" yaml:"persistentKeepaliveSec"`
}

// DeviceConfig holds the WireGuard device configuration.
type DeviceConfig struct {
	ListenPort int          `json:"listenPort" yaml:"listenPort"`
	PrivateKey string       `json:"privateKey" yaml:"privateKey"` // base64
	MTU        int          `json:"mtu" yaml:"mtu"`               // plaintext MTU for wg tun
	Peers      []PeerConfig `json:"peers" yaml:"peers"`

	QueueCap     int    `json:"queueCap" yaml:"queueCap"`               // outbound frames waiting for the device
	PcapFile     string `json:"pcapFile" yaml:"pcapFile"`               // plaintext capture, empty disables
	Hairpin      bool   `json:"hairpin" yaml:"hairpin"`                 // route peer-to-peer frames inside the tunnel
	Verbose      bool   `json:"verbose" yaml:"verbose"`                 // wireguard-go verbose log
	MonitorEvery int    `json:"monitorEverySec" yaml:"monitorEverySec"` // peer status log period, 0 disables
}

// LoadFromEnv builds a DeviceConfig from environment variables.
//
// Required:
//
//	WG_PRIVATE_KEY  (base64)
//
// Optional:
//
//	WG_LISTEN_PORT (default 51820)
//	WG_MTU (default 1380)
//	WG_PEERS (comma-separated peer indices, e.g., "0,1")
//	WG_TUN_QUEUE_CAP, WG_PCAP, WG_HAIRPIN, WG_DEBUG, WG_MONITOR_SEC
//
// For each index i in WG_PEERS, read:
//
//	WG_PEER_i_PUBLIC_KEY
//	WG_PEER_i_ALLOWED_IPS (comma-separated CIDRs)
//	WG_PEER_i_ENDPOINT (host:port)
//	WG_PEER_i_KEEPALIVE (seconds, optional)
func (c *DeviceConfig) LoadFromEnv() error {
	if c.ListenPort == 0 {
		c.ListenPort = 51820
	}
	if c.MTU == 0 {
		c.MTU = 1380
	}
	c.ApplyEnv()
	if c.PrivateKey == "" {
		return fmt.Errorf("WG_PRIVATE_KEY is required")
	}
	return nil
}

// ApplyEnv overlays any WG_* variables that are set, leaving other fields alone.
func (c *DeviceConfig) ApplyEnv() {
	if pk := strings.TrimSpace(os.Getenv("WG_PRIVATE_KEY")); pk != "" {
		c.PrivateKey = pk
	}
	if v := os.Getenv("WG_LISTEN_PORT"); v != "" {
		if x, err := strconv.Atoi(v); err == nil {
			c.ListenPort = x
		}
	}
	if v := os.Getenv("WG_MTU"); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x > 0 {
			c.MTU = x
		}
	}

	if v := os.Getenv("WG_TUN_QUEUE_CAP"); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x > 0 {
			c.QueueCap = x
		}
	}
	if v := strings.TrimSpace(os.Getenv("WG_PCAP")); v != "" {
		c.PcapFile = v
	}
	if v, ok := envFlag("WG_HAIRPIN"); ok {
		c.Hairpin = v
	}
	if v, ok := envFlag("WG_DEBUG"); ok {
		c.Verbose = v
	}
	if v := os.Getenv("WG_MONITOR_SEC"); v != "" {
		if x, err := strconv.Atoi(v); err == nil && x >= 0 {
			c.MonitorEvery = x
		}
	}

	idxs := strings.TrimSpace(os.Getenv("WG_PEERS"))
	if idxs == "" {
		return
	}
	var peers []PeerConfig
	for _, s := range strings.Split(idxs, ",") {
		i := strings.TrimSpace(s)
		if i == "" {
			continue
		}
		p := PeerConfig{}
		p.PublicKey = strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_PUBLIC_KEY"))
		allowed := strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_ALLOWED_IPS"))
		if allowed != "" {
			p.AllowedIPs = splitCSV(allowed)
		}
		p.Endpoint = strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_ENDPOINT"))
		if ka := strings.TrimSpace(os.Getenv("WG_PEER_" + i + "_KEEPALIVE")); ka != "" {
			if x, err := strconv.Atoi(ka); err == nil {
				p.PersistentKeepaliveSec = x
			}
		}
		if p.PublicKey != "" {
			peers = append(peers, p)
		}
	}
	c.Peers = peers
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envFlag(name string) (bool, bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		return false, false
	}
	return v == "1" || v == "true" || v == "yes" || v == "on", true
}
