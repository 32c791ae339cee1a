// Package config loads the example binary's configuration from a
// .env file and environment variables. Grounded on ws/config.go's
// caarlos0/env + godotenv loading shape, trimmed to what a DDP client
// needs instead of a WebSocket/Kafka bridge server.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every setting the example binary reads at startup.
type Config struct {
	// DDPURL is the ws[s]://host/websocket endpoint to dial.
	DDPURL string `env:"DDP_URL" envDefault:"ws://localhost:3000/websocket"`
	// DDPVersion is the preferred protocol version advertised in connect.
	DDPVersion string `env:"DDP_VERSION" envDefault:"1"`

	// CacheDir is where the offline overlay writes <collection>.cache files.
	CacheDir string `env:"DDP_CACHE_DIR" envDefault:"./.ddp-cache"`

	// MethodRateLimit caps outbound method calls per second (ambient
	// backpressure; calls are never blocked, only logged when exceeded).
	MethodRateLimit float64 `env:"DDP_METHOD_RATE_LIMIT" envDefault:"50"`

	// MetricsAddr serves /metrics for Prometheus scraping; empty disables it.
	MetricsAddr     string        `env:"DDP_METRICS_ADDR" envDefault:":9102"`
	MetricsInterval time.Duration `env:"DDP_METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (if present) then environment variables, validating
// the result. Priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("config: no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks field ranges and required values.
func (c *Config) Validate() error {
	if c.DDPURL == "" {
		return fmt.Errorf("DDP_URL is required")
	}
	if c.DDPVersion != "1" && c.DDPVersion != "pre2" {
		return fmt.Errorf("DDP_VERSION must be \"1\" or \"pre2\", got %q", c.DDPVersion)
	}
	if c.MethodRateLimit <= 0 {
		return fmt.Errorf("DDP_METHOD_RATE_LIMIT must be > 0, got %v", c.MethodRateLimit)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, console (got %q)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the loaded configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("ddp_url", c.DDPURL).
		Str("ddp_version", c.DDPVersion).
		Str("cache_dir", c.CacheDir).
		Float64("method_rate_limit", c.MethodRateLimit).
		Str("metrics_addr", c.MetricsAddr).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("config: loaded")
}
