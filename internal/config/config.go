package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazz-dev/uptimer/internal/check"
)

// Duration is a time.Duration that unmarshals from a YAML string like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Check describes a check seeded into storage at startup.
type Check struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	Method         string   `yaml:"method"`
	Interval       Duration `yaml:"interval"`
	Timeout        Duration `yaml:"timeout"`
	ExpectedStatus int      `yaml:"expected_status"`
	Active         *bool    `yaml:"active"`
}

// Spec converts the configured check to a check.Spec.
func (c Check) Spec() check.Spec {
	return check.Spec{
		Name:           c.Name,
		URL:            c.URL,
		Method:         c.Method,
		Interval:       c.Interval.Duration,
		Timeout:        c.Timeout.Duration,
		ExpectedStatus: c.ExpectedStatus,
		Active:         c.Active,
	}
}

// WebhookConfig holds alert webhook settings.
type WebhookConfig struct {
	URL      string   `yaml:"url"`
	Cooldown Duration `yaml:"cooldown"`
	// FailureThreshold is the number of consecutive failures before a
	// "down" alert is sent.
	FailureThreshold int `yaml:"failure_threshold"`
}

// AlertsConfig holds all alert configuration.
type AlertsConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address     string   `yaml:"address"`
	RateLimit   float64  `yaml:"rate_limit"`
	RateBurst   int      `yaml:"rate_burst"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig holds the tick loop settings.
type SchedulerConfig struct {
	Tick        Duration `yaml:"tick"`
	Concurrency int      `yaml:"concurrency"`
}

// LogConfig holds logger settings. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Checks    []Check         `yaml:"checks"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:     ":4001",
			RateLimit:   20,
			RateBurst:   40,
			CORSOrigins: []string{"*"},
		},
		Storage:   StorageConfig{Path: "uptimer.db"},
		Scheduler: SchedulerConfig{Tick: Duration{40 * time.Second}},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Alerts: AlertsConfig{
			Webhook: WebhookConfig{Cooldown: Duration{5 * time.Minute}, FailureThreshold: 1},
		},
	}
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads, parses, and validates the config file at path, then applies
// environment overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Address = ":" + v
	}
	if v := os.Getenv("UPTIMER_ADDR"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("CRON_EVERY_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid CRON_EVERY_SECONDS %q", v)
		}
		cfg.Scheduler.Tick = Duration{time.Duration(n) * time.Second}
	}
	if v := os.Getenv("UPTIMER_TICK"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid UPTIMER_TICK %q: %w", v, err)
		}
		cfg.Scheduler.Tick = Duration{d}
	}
	if v := os.Getenv("UPTIMER_DB"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("UPTIMER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("UPTIMER_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Webhook.URL = v
	}
	return nil
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func (cfg *Config) validate() error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if cfg.Scheduler.Tick.Duration <= 0 {
		return fmt.Errorf("scheduler.tick must be positive, got %s", cfg.Scheduler.Tick.Duration)
	}
	if cfg.Scheduler.Concurrency < 0 {
		return fmt.Errorf("scheduler.concurrency must not be negative")
	}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log.level %q (must be debug, info, warn, or error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("invalid log.format %q (must be text or json)", cfg.Log.Format)
	}
	if cfg.Alerts.Webhook.FailureThreshold < 1 {
		cfg.Alerts.Webhook.FailureThreshold = 1
	}

	names := make(map[string]bool, len(cfg.Checks))
	for i, c := range cfg.Checks {
		if c.Name == "" {
			return fmt.Errorf("checks[%d]: name is required", i)
		}
		if names[c.Name] {
			return fmt.Errorf("duplicate check name %q", c.Name)
		}
		names[c.Name] = true

		if _, err := check.New(c.Spec(), time.Time{}); err != nil {
			return fmt.Errorf("check %q: %w", c.Name, err)
		}
	}
	return nil
}
