// Package config loads the observer's settings: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"rtio-observer/internal/protocol"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port            int    `yaml:"port"`
	StaticDir       string `yaml:"static_dir"`
	MaxObservations int    `yaml:"max_observations"`
	HistorySize     int    `yaml:"history_size"`

	// Retention is how long finished observations stay listed with their
	// history. Zero keeps them until they are purged.
	Retention time.Duration `yaml:"retention"`

	RTIO RTIO `yaml:"rtio"`
	Log  Log  `yaml:"log"`
}

// RTIO addresses the RTIO service and the resources observed on devices.
type RTIO struct {
	// Service is the base URL of the RTIO service, e.g.
	// http://demo.mkrainbow.local:17917.
	Service string `yaml:"service"`

	// DeviceID is the device rtioctl and the UI use when none is given.
	DeviceID string `yaml:"device_id"`

	ObserveURI string `yaml:"observe_uri"`
	ObserveID  int    `yaml:"observe_id"`
	CommandID  int    `yaml:"command_id"`

	// Timeout bounds one-shot commands. Observations are not bounded.
	Timeout time.Duration `yaml:"timeout"`
}

// Log selects the log level and output format ("console" or "json").
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:            8420,
		StaticDir:       "./web",
		MaxObservations: 10,
		HistorySize:     1000,
		Retention:       10 * time.Minute,
		RTIO: RTIO{
			Service:    "http://localhost:17917",
			ObserveURI: protocol.DefaultObserveURI,
			ObserveID:  protocol.DefaultObserveID,
			CommandID:  protocol.DefaultCommandID,
			Timeout:    10 * time.Second,
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration. path may be empty, and a missing file is
// not an error; the defaults and environment still apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("MAX_OBSERVATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxObservations = n
		}
	}
	if v := os.Getenv("RTIO_SERVICE"); v != "" {
		cfg.RTIO.Service = v
	}
	if v := os.Getenv("RTIO_DEVICE_ID"); v != "" {
		cfg.RTIO.DeviceID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxObservations <= 0 {
		return fmt.Errorf("max_observations must be positive, got %d", c.MaxObservations)
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("history_size must be positive, got %d", c.HistorySize)
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must not be negative")
	}
	u, err := url.Parse(c.RTIO.Service)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("rtio.service must be an absolute URL, got %q", c.RTIO.Service)
	}
	if c.RTIO.ObserveURI == "" || c.RTIO.ObserveURI[0] != '/' {
		return fmt.Errorf("rtio.observe_uri must start with '/', got %q", c.RTIO.ObserveURI)
	}
	if c.RTIO.Timeout < 0 {
		return fmt.Errorf("rtio.timeout must not be negative")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}
