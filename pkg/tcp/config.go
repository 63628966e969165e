package tcp

import "time"

// Config holds the transport tunables of a Stack.
type Config struct {
	// ReceiveBufferSize is the per-connection receive buffer capacity and the
	// largest window ever advertised.
	ReceiveBufferSize int
	// SendBufferSize caps unacknowledged plus unsent bytes per connection.
	SendBufferSize int
	// MSS is the largest text placed in one outbound segment.
	MSS int
	// MaxBacklog caps the backlog given to Listen.
	MaxBacklog int
	// MSL is the maximum segment lifetime. TIME_WAIT lasts 2*MSL.
	MSL time.Duration
	// FinTimeout bounds FIN_WAIT2 for connections the application has closed.
	FinTimeout time.Duration
	// InitialRTO and MaxRTO bound the retransmission timeout.
	InitialRTO time.Duration
	MaxRTO     time.Duration
	// MaxRetries is the number of retransmissions before ErrTimeout.
	MaxRetries int
	// VerifyChecksum drops inbound segments with a bad checksum.
	VerifyChecksum bool
	// ResetRateLimit caps RSTs per second for segments matching no
	// connection. Zero disables the limit.
	ResetRateLimit int
	// EphemeralPortMin and EphemeralPortMax bound automatic port selection.
	EphemeralPortMin uint16
	EphemeralPortMax uint16
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		ReceiveBufferSize: 4096,
		SendBufferSize:    16384,
		MSS:               1460,
		MaxBacklog:        128,
		MSL:               30 * time.Second,
		FinTimeout:        60 * time.Second,
		InitialRTO:        time.Second,
		MaxRTO:            60 * time.Second,
		MaxRetries:        5,
		VerifyChecksum:    true,
		ResetRateLimit:    100,
		EphemeralPortMin:  49152,
		EphemeralPortMax:  65535,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReceiveBufferSize <= 0 {
		c.ReceiveBufferSize = d.ReceiveBufferSize
	}
	if c.ReceiveBufferSize > 0xffff {
		c.ReceiveBufferSize = 0xffff
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.MSS <= 0 {
		c.MSS = d.MSS
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = d.MaxBacklog
	}
	if c.MSL <= 0 {
		c.MSL = d.MSL
	}
	if c.FinTimeout <= 0 {
		c.FinTimeout = d.FinTimeout
	}
	if c.InitialRTO <= 0 {
		c.InitialRTO = d.InitialRTO
	}
	if c.MaxRTO < c.InitialRTO {
		c.MaxRTO = c.InitialRTO
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.EphemeralPortMin == 0 || c.EphemeralPortMax < c.EphemeralPortMin {
		c.EphemeralPortMin, c.EphemeralPortMax = d.EphemeralPortMin, d.EphemeralPortMax
	}
	return c
}
