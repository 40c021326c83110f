package transport

import (
	"math"
	"math/rand"
	"time"

	"github.com/quillan/sandbus/internal/wire"
)

// ProtocolVersion is the compiled wire protocol version. Peers advertising a
// different version in hello are closed without a reply.
const ProtocolVersion uint32 = 1

// DefaultRenderFormat is the render subscription assumed for a hello with
// wants_render until the application layer picks another one.
const DefaultRenderFormat = "rgb565"

// BackoffConfig defines connect retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport reliability and framing defaults.
type Config struct {
	ProtocolVersion    uint32
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	PongWait           time.Duration
	MaxConnectAttempts int
	Backoff            BackoffConfig
	Limits             wire.Limits

	// ClientMode picks the outbound framing for the client role. Servers
	// always mirror the mode a connection's first frame established.
	ClientMode Mode
}

func DefaultConfig() Config {
	return Config{
		ProtocolVersion: ProtocolVersion,
		ConnectTimeout:  5 * time.Second,
		RequestTimeout:  2 * time.Second,
		WriteTimeout:    15 * time.Second,
		PingInterval:    5 * time.Second,
		PongWait:        15 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		MaxConnectAttempts: 1,
		Limits:             wire.DefaultLimits(),
		ClientMode:         ModeBinary,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = def.ProtocolVersion
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	if c.MaxConnectAttempts == 0 {
		c.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if c.Limits.MaxTypeBytes == 0 || c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	if c.ClientMode == ModeUnset {
		c.ClientMode = def.ClientMode
	}
	return c
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
