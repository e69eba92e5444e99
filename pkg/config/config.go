// Package config loads fabstream configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Provider selects the underlying fabric mode.
const (
	ProviderMSG = "MSG" // connection-oriented message endpoints
	ProviderRDM = "RDM" // connectionless tagged datagram endpoints
)

// Completion-wait strategies for the event loop.
const (
	CompSpin   = "spin"    // busy poll the completion queue
	CompSRead  = "sread"   // blocking read with timeout
	CompWaitFD = "wait_fd" // wait on the queue's readiness object
)

// Config holds all transport configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Addressing
	SrcAddr string `env:"FS_SRC_ADDR" envDefault:""`     // Bind address for passive endpoints
	SrcPort int    `env:"FS_SRC_PORT" envDefault:"9350"` // Local source port
	DstAddr string `env:"FS_DST_ADDR" envDefault:""`     // Target for connect / channel creation
	DstPort int    `env:"FS_DST_PORT" envDefault:"9350"`

	// Ring sizing
	//
	// BufSize is the total bytes per ring, split evenly across NoBuffers
	// slots. It is capped at the provider's max message size. Four slots
	// leave two usable for data after the credit reservation; raise
	// NoBuffers before BufSize when throughput-bound.
	BufSize   int `env:"FS_BUF_SIZE" envDefault:"65536"`
	NoBuffers int `env:"FS_NO_BUFFERS" envDefault:"4"`

	// Fabric mode and completion strategy
	Provider   string `env:"FS_PROVIDER" envDefault:"MSG"`     // MSG or RDM
	CompMethod string `env:"FS_COMP_METHOD" envDefault:"spin"` // spin, sread, wait_fd

	// Back-pressure thresholds on outstanding (queued, unacknowledged)
	// bytes per channel. The high-water callback fires only after
	// HWMEnqueueCount consecutive above-threshold enqueues, so a single
	// burst does not flap the signal.
	HWMBytes        int64 `env:"FS_HWM_BYTES" envDefault:"104857600"` // 100 MiB
	LWMBytes        int64 `env:"FS_LWM_BYTES" envDefault:"52428800"`  // 50 MiB
	HWMEnqueueCount int   `env:"FS_HWM_ENQUEUE_COUNT" envDefault:"1024"`

	// Accept-path guard (server side)
	MaxAcceptsPerSec   int     `env:"FS_MAX_ACCEPTS_PER_SEC" envDefault:"100"`
	CPURejectThreshold float64 `env:"FS_CPU_REJECT_THRESHOLD" envDefault:"90.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and environment
// variables. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; deployments set the
	// environment directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects option combinations the transport cannot honor.
func (c *Config) Validate() error {
	if c.Provider != ProviderMSG && c.Provider != ProviderRDM {
		return fmt.Errorf("config: unknown provider %q (must be MSG or RDM)", c.Provider)
	}
	switch c.CompMethod {
	case CompSpin, CompSRead, CompWaitFD:
	default:
		return fmt.Errorf("config: unknown comp_method %q", c.CompMethod)
	}
	if c.NoBuffers < 4 {
		// Two slots are reserved for credit traffic; fewer than four
		// leaves no usable data window.
		return fmt.Errorf("config: no_buffers must be >= 4, got %d", c.NoBuffers)
	}
	if c.BufSize < c.NoBuffers*64 {
		return fmt.Errorf("config: buf_size %d too small for %d slots", c.BufSize, c.NoBuffers)
	}
	if c.LWMBytes > c.HWMBytes {
		return fmt.Errorf("config: lwm_bytes %d exceeds hwm_bytes %d", c.LWMBytes, c.HWMBytes)
	}
	return nil
}

// SlotSize returns the per-slot byte count (BufSize split across slots).
func (c *Config) SlotSize() int {
	return c.BufSize / c.NoBuffers
}

// Print logs the effective configuration at startup.
func (c *Config) Print(logger zerolog.Logger) {
	logger.Info().
		Str("provider", c.Provider).
		Str("comp_method", c.CompMethod).
		Int("buf_size", c.BufSize).
		Int("no_buffers", c.NoBuffers).
		Int64("hwm_bytes", c.HWMBytes).
		Int64("lwm_bytes", c.LWMBytes).
		Msg("Effective configuration")
}
