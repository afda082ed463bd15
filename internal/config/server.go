// Package config loads and validates the server and client configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the top-level configuration for the relay server.
type ServerConfig struct {
	Domain string `yaml:"domain"`
	SecretKeys []string `yaml:"secret_keys"`
	Port int `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodySize int64 `yaml:"max_body_size"`
	GracefulDrain time.Duration `yaml:"graceful_drain"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RateLimitConfig bounds per-IP/per-tunnel request admission.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst int `yaml:"burst"`
}

// LoggingConfig controls slog handler construction and optional rotation.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Format string `yaml:"format"`
	File string `yaml:"file"`
	MaxSizeMB int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
	Compress bool `yaml:"compress"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultServerConfig returns a ServerConfig with spec-mandated defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port: 8080,
		RequestTimeout: 30 * time.Second,
		MaxBodySize: 10 * 1024 * 1024,
		GracefulDrain: 30 * time.Second,
		RateLimit: RateLimitConfig{
			Enabled: true,
			RequestsPerSecond: 50,
			Burst: 100,
		},
		Logging: LoggingConfig{
			Level: "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			ListenAddress: "127.0.0.1:9090",
			Endpoint: "/metrics",
		},
	}
}

// LoadServerConfig reads a YAML file at path (if non-empty), applies
// RELAY_-prefixed environment overrides, and validates the result.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyServerEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate rejects out-of-range or contradictory configuration before the
// server binds a listener.
func (c *ServerConfig) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if len(c.SecretKeys) == 0 {
		return fmt.Errorf("secret_keys must contain at least one key")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1-65535, got %d", c.Port)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.RequestTimeout > 5*time.Minute {
		return fmt.Errorf("request_timeout must not exceed 5m")
	}
	if c.MaxBodySize <= 0 {
		return fmt.Errorf("max_body_size must be positive")
	}
	if c.GracefulDrain <= 0 {
		return fmt.Errorf("graceful_drain must be positive")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate_limit.burst must be positive")
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	if c.Metrics.Enabled {
		if c.Metrics.ListenAddress == "" {
			return fmt.Errorf("metrics.listen_address is required when metrics is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Metrics.ListenAddress); err != nil {
			return fmt.Errorf("metrics.listen_address is invalid: %w", err)
		}
	}
	return nil
}

// applyServerEnvOverrides applies RELAY_-prefixed environment variables,
// following the same uppercase-with-underscores convention as the
// config-file field names.
func applyServerEnvOverrides(cfg *ServerConfig) {
	overrides := map[string]func(string){
		"RELAY_DOMAIN": func(v string) { cfg.Domain = v },
		"RELAY_SECRET_KEYS": func(v string) { cfg.SecretKeys = strings.Split(v, ",") },
		"RELAY_PORT": func(v string) { cfg.Port = parseInt(v, cfg.Port) },
		"RELAY_REQUEST_TIMEOUT": func(v string) { cfg.RequestTimeout = parseDuration(v, cfg.RequestTimeout) },
		"RELAY_MAX_BODY_SIZE": func(v string) { cfg.MaxBodySize = parseInt64(v, cfg.MaxBodySize) },
		"RELAY_GRACEFUL_DRAIN": func(v string) { cfg.GracefulDrain = parseDuration(v, cfg.GracefulDrain) },
		"RELAY_RATE_LIMIT_ENABLED": func(v string) { cfg.RateLimit.Enabled = parseBool(v, cfg.RateLimit.Enabled) },
		"RELAY_RATE_LIMIT_RPS": func(v string) { cfg.RateLimit.RequestsPerSecond = parseFloat(v, cfg.RateLimit.RequestsPerSecond) },
		"RELAY_LOGGING_LEVEL": func(v string) { cfg.Logging.Level = v },
		"RELAY_LOGGING_FORMAT": func(v string) { cfg.Logging.Format = v },
		"RELAY_LOGGING_FILE": func(v string) { cfg.Logging.File = v },
		"RELAY_METRICS_ENABLED": func(v string) { cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled) },
		"RELAY_METRICS_LISTEN_ADDRESS": func(v string) { cfg.Metrics.ListenAddress = v },
	}
	for env, apply := range overrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			apply(v)
		}
	}
}

func parseInt(v string, fallback int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseInt64(v string, fallback int64) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(v string, fallback float64) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
