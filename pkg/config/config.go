// Package config provides configuration structures and loading logic for the proxy.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-tap/pkg/domain"
	"github.com/polisai/polis-tap/pkg/logging"
)

// DefaultPort is the data listener port used when PORT is not set.
const DefaultPort = 3000

// Config holds the process-wide configuration. It is built once at startup
// and treated as read-only afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP listeners.
type ServerConfig struct {
	Port int `yaml:"port"`
	// AdminAddress enables the metrics listener when non-empty.
	AdminAddress string `yaml:"admin_address"`
}

// UpstreamConfig describes the single upstream target.
type UpstreamConfig struct {
	// Target is the upstream base URL. Empty means not configured; the proxy
	// still starts and answers non-health requests with 500.
	Target string `yaml:"target"`
	// Timeout bounds a whole upstream exchange. Zero disables it.
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: DefaultPort,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from an optional YAML file and applies environment
// variable overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("PORT"); val != "" {
		port, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("%w: PORT %q is not a number", domain.ErrConfigInvalid, val)
		}
		cfg.Server.Port = port
	}
	if val := os.Getenv("ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}

	if val := os.Getenv("TARGET_SERVICE"); val != "" {
		cfg.Upstream.Target = val
	}
	if val := os.Getenv("UPSTREAM_TIMEOUT"); val != "" {
		timeout, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("%w: UPSTREAM_TIMEOUT: %v", domain.ErrConfigInvalid, err)
		}
		cfg.Upstream.Timeout = timeout
	}

	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	return nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", domain.ErrConfigInvalid, c.Port)
	}
	if c.AdminAddress != "" && c.AdminAddress == c.DataAddress() {
		return fmt.Errorf("%w: admin_address %q conflicts with data listener", domain.ErrConfigInvalid, c.AdminAddress)
	}
	return nil
}

// DataAddress returns the listen address of the proxy listener.
func (c *ServerConfig) DataAddress() string {
	return ":" + strconv.Itoa(c.Port)
}

// Validate performs validation of upstream configuration.
func (c *UpstreamConfig) Validate() error {
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", domain.ErrConfigInvalid)
	}

	c.Target = strings.TrimSpace(c.Target)
	if c.Target == "" {
		return nil
	}

	u, err := url.Parse(c.Target)
	if err != nil {
		return fmt.Errorf("%w: target %q: %v", domain.ErrConfigInvalid, c.Target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: target %q must use http or https", domain.ErrConfigInvalid, c.Target)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: target %q has no host", domain.ErrConfigInvalid, c.Target)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%w: target %q must not carry a query or fragment", domain.ErrConfigInvalid, c.Target)
	}
	return nil
}

// Configured reports whether an upstream target is set.
func (c *UpstreamConfig) Configured() bool {
	return c.Target != ""
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if _, err := logging.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfigInvalid, err)
	}
	return nil
}
