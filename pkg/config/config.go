// Package config provides configuration handling for the userspace TCP stack.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/wgtcp/pkg/logging"
	"github.com/irctrakz/wgtcp/pkg/tcp"
	"github.com/irctrakz/wgtcp/pkg/wireguard"
	"gopkg.in/yaml.v3"
)

// Config represents the complete stack configuration.
type Config struct {
	// Stack contains the IP layer and link configuration.
	Stack StackConfig `json:"stack" yaml:"stack"`

	// TCP contains the transport tunables.
	TCP TCPConfig `json:"tcp" yaml:"tcp"`

	// WireGuard contains the WireGuard link configuration.
	WireGuard wireguard.DeviceConfig `json:"wireguard" yaml:"wireguard"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// StackConfig contains configuration for the IP layer.
type StackConfig struct {
	// Address is the local IPv4 address terminated by the stack.
	Address string `json:"address" yaml:"address"`

	// TTL is the time-to-live of emitted datagrams.
	TTL int `json:"ttl" yaml:"ttl"`

	// InputWorkers is the number of inbound processing workers.
	InputWorkers int `json:"inputWorkers" yaml:"inputWorkers"`

	// InputQueueCap is the per-worker inbound queue capacity.
	InputQueueCap int `json:"inputQueueCap" yaml:"inputQueueCap"`

	// Link selects the link implementation: "wireguard" or "loopback".
	Link string `json:"link" yaml:"link"`

	// EchoPort is the port of the built-in echo service (0 disables it).
	EchoPort int `json:"echoPort" yaml:"echoPort"`

	// MetricsAddr is the listen address of the /metrics and /health endpoint.
	MetricsAddr string `json:"metricsAddr" yaml:"metricsAddr"`
}

// TCPConfig contains the TCP tunables.
type TCPConfig struct {
	// ReceiveBufferSize is the capacity of each connection's receive buffer
	// and therefore the largest advertised window.
	ReceiveBufferSize int `json:"receiveBufferSize" yaml:"receiveBufferSize"`

	// SendBufferSize caps unacknowledged plus unsent bytes per connection.
	SendBufferSize int `json:"sendBufferSize" yaml:"sendBufferSize"`

	// MSS is the largest payload placed in one segment.
	MSS int `json:"mss" yaml:"mss"`

	// MaxBacklog caps the backlog accepted by listen().
	MaxBacklog int `json:"maxBacklog" yaml:"maxBacklog"`

	// MSLSec is the maximum segment lifetime; TIME_WAIT lasts twice this.
	MSLSec int `json:"mslSec" yaml:"mslSec"`

	// FinTimeoutSec bounds FIN_WAIT2 once the application has closed.
	FinTimeoutSec int `json:"finTimeoutSec" yaml:"finTimeoutSec"`

	// InitialRTOMs is the first retransmission timeout.
	InitialRTOMs int `json:"initialRtoMs" yaml:"initialRtoMs"`

	// MaxRTOMs bounds the exponential backoff.
	MaxRTOMs int `json:"maxRtoMs" yaml:"maxRtoMs"`

	// MaxRetries is the number of retransmissions before a connection times out.
	MaxRetries int `json:"maxRetries" yaml:"maxRetries"`

	// VerifyChecksum drops inbound segments with a bad checksum.
	VerifyChecksum bool `json:"verifyChecksum" yaml:"verifyChecksum"`

	// ResetRateLimit caps RSTs per second sent for unmatched segments (0 = unlimited).
	ResetRateLimit int `json:"resetRateLimit" yaml:"resetRateLimit"`

	// EphemeralPortMin and EphemeralPortMax bound automatically bound ports.
	EphemeralPortMin int `json:"ephemeralPortMin" yaml:"ephemeralPortMin"`
	EphemeralPortMax int `json:"ephemeralPortMax" yaml:"ephemeralPortMax"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	def := tcp.DefaultConfig()
	return &Config{
		Stack: StackConfig{
			Address:       "10.77.0.1",
			TTL:           64,
			InputWorkers:  4,
			InputQueueCap: 1024,
			Link:          "wireguard",
			EchoPort:      7,
			MetricsAddr:   ":8080",
		},
		TCP: TCPConfig{
			ReceiveBufferSize: def.ReceiveBufferSize,
			SendBufferSize:    def.SendBufferSize,
			MSS:               def.MSS,
			MaxBacklog:        def.MaxBacklog,
			MSLSec:            int(def.MSL / time.Second),
			FinTimeoutSec:     int(def.FinTimeout / time.Second),
			InitialRTOMs:      int(def.InitialRTO / time.Millisecond),
			MaxRTOMs:          int(def.MaxRTO / time.Millisecond),
			MaxRetries:        def.MaxRetries,
			VerifyChecksum:    def.VerifyChecksum,
			ResetRateLimit:    def.ResetRateLimit,
			EphemeralPortMin:  int(def.EphemeralPortMin),
			EphemeralPortMax:  int(def.EphemeralPortMax),
		},
		WireGuard: wireguard.DeviceConfig{
			ListenPort: 51820,
			MTU:        1380,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

func envInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if val := strings.ToLower(strings.TrimSpace(os.Getenv(name))); val != "" {
		*dst = val == "1" || val == "true" || val == "yes" || val == "on"
	}
}

// LoadFromEnv overlays environment variables on config.
func LoadFromEnv(config *Config) {
	// Stack
	if val := os.Getenv("WGTCP_ADDRESS"); val != "" {
		config.Stack.Address = val
	}
	if val := os.Getenv("WGTCP_LINK"); val != "" {
		config.Stack.Link = val
	}
	if val := os.Getenv("WGTCP_METRICS_ADDR"); val != "" {
		config.Stack.MetricsAddr = val
	}
	envInt("WGTCP_TTL", &config.Stack.TTL)
	envInt("WGTCP_INPUT_WORKERS", &config.Stack.InputWorkers)
	envInt("WGTCP_INPUT_QUEUE_CAP", &config.Stack.InputQueueCap)
	envInt("WGTCP_ECHO_PORT", &config.Stack.EchoPort)

	// TCP
	envInt("TCP_RCVBUF", &config.TCP.ReceiveBufferSize)
	envInt("TCP_SNDBUF", &config.TCP.SendBufferSize)
	envInt("TCP_MSS", &config.TCP.MSS)
	envInt("TCP_MAX_BACKLOG", &config.TCP.MaxBacklog)
	envInt("TCP_MSL_SEC", &config.TCP.MSLSec)
	envInt("TCP_FIN_TIMEOUT_SEC", &config.TCP.FinTimeoutSec)
	envInt("TCP_RTO_MS", &config.TCP.InitialRTOMs)
	envInt("TCP_MAX_RTO_MS", &config.TCP.MaxRTOMs)
	envInt("TCP_MAX_RETRIES", &config.TCP.MaxRetries)
	envInt("TCP_RST_RATE", &config.TCP.ResetRateLimit)
	envBool("TCP_VERIFY_CHECKSUM", &config.TCP.VerifyChecksum)

	// WireGuard
	config.WireGuard.ApplyEnv()

	// Logging
	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	envInt("LOGGING_MAX_SIZE", &config.Logging.MaxSize)
	envInt("LOGGING_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("LOGGING_MAX_AGE", &config.Logging.MaxAge)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	addr, err := netip.ParseAddr(c.Stack.Address)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("invalid stack address (must be IPv4): %s", c.Stack.Address)
	}
	if c.Stack.TTL <= 0 || c.Stack.TTL > 255 {
		return fmt.Errorf("invalid TTL: %d", c.Stack.TTL)
	}
	if c.Stack.InputWorkers <= 0 {
		return fmt.Errorf("invalid input worker count: %d", c.Stack.InputWorkers)
	}
	if c.Stack.EchoPort < 0 || c.Stack.EchoPort > 65535 {
		return fmt.Errorf("invalid echo port: %d", c.Stack.EchoPort)
	}
	switch c.Stack.Link {
	case "wireguard":
		if strings.TrimSpace(c.WireGuard.PrivateKey) == "" {
			return fmt.Errorf("wireguard link requires a private key")
		}
		if c.WireGuard.ListenPort <= 0 || c.WireGuard.ListenPort > 65535 {
			return fmt.Errorf("invalid WireGuard listen port: %d", c.WireGuard.ListenPort)
		}
	case "loopback":
	default:
		return fmt.Errorf("unsupported link: %s", c.Stack.Link)
	}

	if c.TCP.ReceiveBufferSize <= 0 || c.TCP.ReceiveBufferSize > 65535 {
		return fmt.Errorf("invalid receive buffer size: %d", c.TCP.ReceiveBufferSize)
	}
	if c.TCP.SendBufferSize <= 0 {
		return fmt.Errorf("invalid send buffer size: %d", c.TCP.SendBufferSize)
	}
	if c.TCP.MSS < 64 || c.TCP.MSS > 65495 {
		return fmt.Errorf("invalid MSS: %d", c.TCP.MSS)
	}
	if c.TCP.MaxBacklog <= 0 {
		return fmt.Errorf("invalid max backlog: %d", c.TCP.MaxBacklog)
	}
	if c.TCP.MSLSec <= 0 || c.TCP.InitialRTOMs <= 0 || c.TCP.MaxRTOMs < c.TCP.InitialRTOMs {
		return fmt.Errorf("invalid TCP timers: msl=%ds rto=%dms maxRto=%dms",
			c.TCP.MSLSec, c.TCP.InitialRTOMs, c.TCP.MaxRTOMs)
	}
	if c.TCP.EphemeralPortMin <= 0 || c.TCP.EphemeralPortMax > 65535 || c.TCP.EphemeralPortMin > c.TCP.EphemeralPortMax {
		return fmt.Errorf("invalid ephemeral port range: %d-%d", c.TCP.EphemeralPortMin, c.TCP.EphemeralPortMax)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// TCPOptions converts the TCP section into the transport configuration.
func (c *Config) TCPOptions() tcp.Config {
	return tcp.Config{
		ReceiveBufferSize: c.TCP.ReceiveBufferSize,
		SendBufferSize:    c.TCP.SendBufferSize,
		MSS:               c.TCP.MSS,
		MaxBacklog:        c.TCP.MaxBacklog,
		MSL:               time.Duration(c.TCP.MSLSec) * time.Second,
		FinTimeout:        time.Duration(c.TCP.FinTimeoutSec) * time.Second,
		InitialRTO:        time.Duration(c.TCP.InitialRTOMs) * time.Millisecond,
		MaxRTO:            time.Duration(c.TCP.MaxRTOMs) * time.Millisecond,
		MaxRetries:        c.TCP.MaxRetries,
		VerifyChecksum:    c.TCP.VerifyChecksum,
		ResetRateLimit:    c.TCP.ResetRateLimit,
		EphemeralPortMin:  uint16(c.TCP.EphemeralPortMin),
		EphemeralPortMax:  uint16(c.TCP.EphemeralPortMax),
	}
}

// LocalAddr returns the parsed stack address. Call Validate first.
func (c *Config) LocalAddr() netip.Addr {
	addr, _ := netip.ParseAddr(c.Stack.Address)
	return addr
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			filepath.Dir(c.Logging.File),
			filepath.Base(c.Logging.File),
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
