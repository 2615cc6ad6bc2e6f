// Package config loads the process-wide configuration for the transport
// endpoint (listen address, global rate budgets, scheduler tick period,
// logging, metrics) and declares the protocol's fixed constants (block
// size, buffer caps, timeouts), which are not read from the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror spec §6.2.
const (
	DefaultGlobalInBytesPerSec  = 125_000_000
	DefaultGlobalOutBytesPerSec = 125_000_000
	DefaultTickPeriod           = 50 * time.Millisecond

	BlockSize        = 494
	BlocksPerACK      = 8
	OutputBufferSize = 16 * 1024
	RTTMin           = 4 * time.Millisecond
	RTTMax           = 3 * time.Second
	ReceiveTimeout   = 10 * time.Second
	SessionIdleTimeout = 60 * time.Second
	PingTimeout      = 10 * time.Second
	GreetingTimeout  = 30 * time.Second
	AckTimeoutLimit  = 5
	MaxOutstandingBlocks = 80
)

// Config is the process-wide transport configuration.
type Config struct {
	Listen string `yaml:"listen"`

	Rate struct {
		GlobalInBytesPerSec  int64 `yaml:"global_in_bytes_per_sec"`
		GlobalOutBytesPerSec int64 `yaml:"global_out_bytes_per_sec"`
	} `yaml:"rate"`

	TickPeriod time.Duration `yaml:"tick_period"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"metrics"`
}

// Default returns a Config populated with spec §6.2 defaults.
func Default() *Config {
	cfg := &Config{
		Listen:     ":9890",
		TickPeriod: DefaultTickPeriod,
	}
	cfg.Rate.GlobalInBytesPerSec = DefaultGlobalInBytesPerSec
	cfg.Rate.GlobalOutBytesPerSec = DefaultGlobalOutBytesPerSec
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return cfg
}

// Load reads and validates a YAML configuration file, filling in defaults
// for any field left unset.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Rate.GlobalInBytesPerSec <= 0 {
		cfg.Rate.GlobalInBytesPerSec = DefaultGlobalInBytesPerSec
	}
	if cfg.Rate.GlobalOutBytesPerSec <= 0 {
		cfg.Rate.GlobalOutBytesPerSec = DefaultGlobalOutBytesPerSec
	}
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = DefaultTickPeriod
	}

	return cfg, nil
}
