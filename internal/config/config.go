// Package config holds the configuration types and loading logic for arrivald.
//
// Precedence, lowest to highest: Default(), the YAML file, environment
// variables. A missing file is not an error.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an arrivald instance.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Schedule ScheduleConfig `yaml:"schedule"`
	HTTP     HTTPConfig     `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Log      LogConfig      `yaml:"log"`
}

// NodeConfig holds identity and network settings.
type NodeConfig struct {
	// ID is a ULID string. "auto" generates one and keeps it in DataDir.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// ScheduleConfig sets the defaults applied to PUT /{schedule} and the limits
// every schedule must respect.
type ScheduleConfig struct {
	// DefaultRate is used when a PUT omits arrival_rate (events per second).
	DefaultRate float64 `yaml:"default_rate"`
	// DefaultDuration is used when a PUT omits duration (seconds).
	DefaultDuration float64 `yaml:"default_duration"`
	// MaxArrivals caps ceil(rate*duration) so one request cannot exhaust memory.
	MaxArrivals int `yaml:"max_arrivals"`
	// Seed makes offset generation reproducible. 0 means a random seed per
	// schedule.
	Seed int64 `yaml:"seed"`
	// Renew is the default for the per-schedule renew flag.
	Renew bool `yaml:"renew"`
}

// HTTPConfig holds net/http server timeouts. WriteTimeout defaults to 0
// because /wait responses are held open until the next arrival is due.
type HTTPConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus endpoint. When enabled, /metrics is
// served on the main listener and, if Port differs from node.port, on a
// dedicated listener too.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ArchiveConfig controls the bbolt history of removed schedules.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to <data_dir>/archive.db.
	Path string `yaml:"path"`
}

// WebhookConfig controls push delivery to webhook subscribers.
type WebhookConfig struct {
	// RetryDelaysMs are the back-off delays between failed POSTs. Once the
	// list is exhausted the subscription is dropped.
	RetryDelaysMs []int `yaml:"retry_delays_ms"`
	TimeoutMs     int   `yaml:"timeout_ms"`
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Schedule: ScheduleConfig{
			DefaultRate:     1.0,
			DefaultDuration: 10.0,
			MaxArrivals:     10_000_000,
		},
		HTTP: HTTPConfig{
			ReadTimeout:     15 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Webhook: WebhookConfig{
			RetryDelaysMs: []int{1_000, 5_000, 30_000},
			TimeoutMs:     5_000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path over Default() and then applies
// environment overrides:
//
//	ARRIVALS_PORT       node.port
//	ARRIVALS_DATA_DIR   node.data_dir
//	ARRIVALS_API_KEY    auth.api_key, and sets auth.enabled
//	ARRIVALS_LOG_LEVEL  log.level
//	ARRIVALS_SEED       schedule.seed
//
// An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ARRIVALS_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("ARRIVALS_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("ARRIVALS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ARRIVALS_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: ARRIVALS_PORT: %w", err)
		}
		cfg.Node.Port = p
	}
	if v := os.Getenv("ARRIVALS_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: ARRIVALS_SEED: %w", err)
		}
		cfg.Schedule.Seed = seed
	}
	return nil
}

// ArchivePath returns the archive file location, resolving the default.
func (c *Config) ArchivePath() string {
	if c.Archive.Path != "" {
		return c.Archive.Path
	}
	return filepath.Join(c.Node.DataDir, "archive.db")
}

// Addr returns the main listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Node.Host, c.Node.Port)
}

// Validate checks that values are consistent and in range. It returns the
// first problem found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if !positiveFinite(c.Schedule.DefaultRate) {
		return errors.New("schedule.default_rate must be a positive number")
	}
	if c.Schedule.DefaultDuration < 0 || math.IsNaN(c.Schedule.DefaultDuration) || math.IsInf(c.Schedule.DefaultDuration, 0) {
		return errors.New("schedule.default_duration must be >= 0")
	}
	if c.Schedule.MaxArrivals < 1 {
		return errors.New("schedule.max_arrivals must be at least 1")
	}
	if c.HTTP.ReadTimeout < 0 || c.HTTP.WriteTimeout < 0 || c.HTTP.IdleTimeout < 0 {
		return errors.New("http timeouts must be >= 0")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("http.shutdown_timeout must be positive")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	for _, d := range c.Webhook.RetryDelaysMs {
		if d < 0 {
			return errors.New("webhook.retry_delays_ms entries must be >= 0")
		}
	}
	if c.Webhook.TimeoutMs < 1 {
		return errors.New("webhook.timeout_ms must be at least 1")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf(`log.format must be "console" or "json", got %q`, c.Log.Format)
	}
	return nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
