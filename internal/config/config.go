package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	Provider string `envconfig:"PROVIDER" default:"http"`

	PutioToken        string        `envconfig:"PUTIO_TOKEN"`
	PutioPollInterval time.Duration `envconfig:"PUTIO_POLL_INTERVAL" default:"5s"`

	Domain        string        `envconfig:"DOMAIN" default:"default"`
	TargetDir     string        `envconfig:"TARGET_DIR" required:"true"`
	DBPath        string        `envconfig:"DB_PATH" default:"cache.db"`
	RetryInterval time.Duration `envconfig:"RETRY_INTERVAL" default:"60s"`

	ActiveNetworkTypes []string      `envconfig:"ACTIVE_NETWORK_TYPES"`
	NetworkProbeAddr   string        `envconfig:"NETWORK_PROBE_ADDR"`
	NetworkType        string        `envconfig:"NETWORK_TYPE" default:"wifi"`
	NetworkProbeEvery  time.Duration `envconfig:"NETWORK_PROBE_EVERY" default:"15s"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	TelemetryEnabled  bool   `envconfig:"TELEMETRY_ENABLED" default:"true"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9050"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Provider {
	case "http":
	case "putio":
		if c.PutioToken == "" {
			return fmt.Errorf("PUTIO_TOKEN is required for the putio provider")
		}
	default:
		return fmt.Errorf("invalid provider: %s", c.Provider)
	}

	if len(c.ActiveNetworkTypes) > 0 && c.NetworkProbeAddr == "" {
		return fmt.Errorf("ACTIVE_NETWORK_TYPES requires NETWORK_PROBE_ADDR")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
